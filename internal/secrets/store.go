package secrets

import (
	"context"

	"github.com/rendis/spiral/internal/store"
	"github.com/rendis/spiral/pkg/schema"
)

// SealedStore keeps subscription secrets encrypted in the backing store.
// Callers see plaintext secrets; everything else passes through.
type SealedStore struct {
	store.Store
	sealer *AESSealer
}

// NewSealedStore wraps backing.
func NewSealedStore(backing store.Store, sealer *AESSealer) *SealedStore {
	return &SealedStore{Store: backing, sealer: sealer}
}

func (s *SealedStore) CreateSubscription(ctx context.Context, sub *schema.WebhookSubscription) error {
	sealed, err := s.seal(sub)
	if err != nil {
		return err
	}
	if err := s.Store.CreateSubscription(ctx, sealed); err != nil {
		return err
	}
	sub.CreatedAt, sub.UpdatedAt = sealed.CreatedAt, sealed.UpdatedAt
	return nil
}

func (s *SealedStore) UpdateSubscription(ctx context.Context, sub *schema.WebhookSubscription) error {
	sealed, err := s.seal(sub)
	if err != nil {
		return err
	}
	if err := s.Store.UpdateSubscription(ctx, sealed); err != nil {
		return err
	}
	sub.UpdatedAt = sealed.UpdatedAt
	return nil
}

func (s *SealedStore) GetSubscription(ctx context.Context, id string) (*schema.WebhookSubscription, error) {
	sub, err := s.Store.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Secret, err = s.sealer.Open(sub.Secret); err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *SealedStore) ListSubscriptions(ctx context.Context, filter store.SubscriptionFilter) ([]*schema.WebhookSubscription, error) {
	subs, err := s.Store.ListSubscriptions(ctx, filter)
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		if sub.Secret, err = s.sealer.Open(sub.Secret); err != nil {
			return nil, err
		}
	}
	return subs, nil
}

// seal returns a copy of sub with its secret encrypted.
func (s *SealedStore) seal(sub *schema.WebhookSubscription) (*schema.WebhookSubscription, error) {
	secret, err := s.sealer.Seal(sub.Secret)
	if err != nil {
		return nil, err
	}
	out := *sub
	out.Secret = secret
	return &out, nil
}
