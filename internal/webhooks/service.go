package webhooks

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/spiral/internal/expressions"
	"github.com/rendis/spiral/internal/logging"
	"github.com/rendis/spiral/internal/retry"
	"github.com/rendis/spiral/internal/store"
	"github.com/rendis/spiral/internal/workers"
	"github.com/rendis/spiral/pkg/schema"
)

// Store is the persistence the webhook service needs.
type Store interface {
	store.SubscriptionStore
	store.DeliveryStore
}

// Config tunes delivery.
type Config struct {
	// Workers bounds concurrent delivery attempts.
	Workers int
	// PollInterval is how long the consumer sleeps when every queued
	// delivery is waiting for its retry time.
	PollInterval time.Duration
	// BackoffUnit scales retry_backoff_seconds. It is one second outside tests.
	BackoffUnit time.Duration
	// MaxResponseBody caps the bytes of a subscriber response kept on the delivery.
	MaxResponseBody int64
	// Defaults for subscriptions created without explicit values.
	DefaultTimeoutSeconds      int
	DefaultMaxRetries          int
	DefaultRetryBackoffSeconds int

	Breaker BreakerConfig
	Client  *http.Client
	Now     func() time.Time
	Sleep   retry.SleepFunc
}

const (
	DefaultWorkers                    = 4
	DefaultPollInterval               = 500 * time.Millisecond
	DefaultMaxResponseBody            = 4096
	DefaultSubscriptionTimeoutSeconds = 30
	DefaultSubscriptionMaxRetries     = 3
	DefaultRetryBackoffSeconds        = 60
)

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BackoffUnit <= 0 {
		c.BackoffUnit = time.Second
	}
	if c.MaxResponseBody <= 0 {
		c.MaxResponseBody = DefaultMaxResponseBody
	}
	if c.DefaultTimeoutSeconds <= 0 {
		c.DefaultTimeoutSeconds = DefaultSubscriptionTimeoutSeconds
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = DefaultSubscriptionMaxRetries
	}
	if c.DefaultRetryBackoffSeconds <= 0 {
		c.DefaultRetryBackoffSeconds = DefaultRetryBackoffSeconds
	}
	if c.Breaker == (BreakerConfig{}) {
		c.Breaker = DefaultBreakerConfig()
	}
	if c.Client == nil {
		c.Client = &http.Client{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Sleep == nil {
		c.Sleep = retry.Wait
	}
	return c
}

// Service manages subscriptions and delivers events to them.
type Service struct {
	store    Store
	cfg      Config
	cel      *expressions.CELEngine
	queue    *Queue
	breakers *breakers
	logger   *slog.Logger

	mu     sync.Mutex
	pool   *workers.Pool
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a webhook service. Call Start to begin delivering.
func NewService(st Store, cfg Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, fmt.Errorf("create cel engine: %w", err)
	}
	return &Service{
		store:    st,
		cfg:      cfg,
		cel:      cel,
		queue:    NewQueue(),
		breakers: newBreakers(cfg.Breaker, cfg.Now),
		logger:   logger,
	}, nil
}

// CreateSubscription validates and stores a subscription. Missing id,
// secret, status and delivery settings are filled in.
func (s *Service) CreateSubscription(ctx context.Context, sub *schema.WebhookSubscription) (*schema.WebhookSubscription, error) {
	if sub == nil {
		return nil, schema.ValidationError("subscription is required")
	}
	out := *sub
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.Status == "" {
		out.Status = schema.SubscriptionActive
	}
	if out.Secret == "" {
		secret, err := newSecret()
		if err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
		out.Secret = secret
	}
	if out.TimeoutSeconds <= 0 {
		out.TimeoutSeconds = s.cfg.DefaultTimeoutSeconds
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = s.cfg.DefaultMaxRetries
	}
	if out.RetryBackoffSeconds <= 0 {
		out.RetryBackoffSeconds = s.cfg.DefaultRetryBackoffSeconds
	}
	out.TotalDeliveries, out.SuccessfulDeliveries, out.FailedDeliveries = 0, 0, 0
	out.LastDeliveryAt, out.LastSuccessAt, out.LastFailureAt = nil, nil, nil

	if err := s.validateSubscription(&out); err != nil {
		return nil, err
	}
	if err := s.store.CreateSubscription(ctx, &out); err != nil {
		return nil, err
	}
	s.logger.Info("webhook subscription created",
		slog.String("subscription_id", out.ID), slog.String("url", out.URL), slog.Any("events", out.Events))
	return &out, nil
}

func (s *Service) validateSubscription(sub *schema.WebhookSubscription) error {
	u, err := url.Parse(sub.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return schema.ValidationError("subscription url %q must be an absolute http(s) url", sub.URL)
	}
	if len(sub.Events) == 0 {
		return schema.ValidationError("subscription must name at least one event kind")
	}
	for _, ev := range sub.Events {
		if ev == "" {
			return schema.ValidationError("subscription event kinds must not be empty")
		}
	}
	if !validStatus(sub.Status) {
		return schema.ValidationError("invalid subscription status %q", sub.Status)
	}
	if sub.Filter != "" {
		if err := s.cel.Compile(sub.Filter); err != nil {
			return schema.ValidationError("invalid subscription filter: %s", err.Error()).WithCause(err)
		}
	}
	return nil
}

// UpdateSubscriptionStatus activates, pauses or disables a subscription.
// Reactivating closes its circuit.
func (s *Service) UpdateSubscriptionStatus(ctx context.Context, id string, status schema.SubscriptionStatus) (*schema.WebhookSubscription, error) {
	if !validStatus(status) {
		return nil, schema.ValidationError("invalid subscription status %q", status)
	}
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Status == status {
		return sub, nil
	}
	sub.Status = status
	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	if status == schema.SubscriptionActive {
		s.breakers.forget(id)
	}
	s.logger.Info("webhook subscription status changed", slog.String("subscription_id", id), slog.String("status", string(status)))
	return sub, nil
}

// DeleteSubscription removes a subscription. Its deliveries are kept.
func (s *Service) DeleteSubscription(ctx context.Context, id string) error {
	if err := s.store.DeleteSubscription(ctx, id); err != nil {
		return err
	}
	s.breakers.forget(id)
	return nil
}

// Subscription returns a stored subscription.
func (s *Service) Subscription(ctx context.Context, id string) (*schema.WebhookSubscription, error) {
	return s.store.GetSubscription(ctx, id)
}

// Subscriptions lists stored subscriptions.
func (s *Service) Subscriptions(ctx context.Context, filter store.SubscriptionFilter) ([]*schema.WebhookSubscription, error) {
	return s.store.ListSubscriptions(ctx, filter)
}

// Delivery returns a stored delivery.
func (s *Service) Delivery(ctx context.Context, id string) (*schema.WebhookDelivery, error) {
	return s.store.GetDelivery(ctx, id)
}

// Deliveries lists stored deliveries.
func (s *Service) Deliveries(ctx context.Context, filter store.DeliveryFilter) ([]*schema.WebhookDelivery, error) {
	return s.store.ListDeliveries(ctx, filter)
}

// CircuitState returns the circuit state of a subscription.
func (s *Service) CircuitState(subscriptionID string) BreakerState {
	return s.breakers.state(subscriptionID)
}

// DispatchEvent records a delivery for every active subscription that
// subscribes to kind and whose filter accepts the payload, and queues it.
// It returns the number of deliveries queued.
func (s *Service) DispatchEvent(ctx context.Context, kind string, payload map[string]any) (int, error) {
	if kind == "" {
		return 0, schema.ValidationError("event kind is required")
	}
	subs, err := s.store.ListSubscriptions(ctx, store.SubscriptionFilter{Status: schema.SubscriptionActive, Event: kind})
	if err != nil {
		return 0, err
	}
	if len(subs) == 0 {
		return 0, nil
	}

	if payload == nil {
		payload = map[string]any{}
	}
	body, err := Canonicalize(payload)
	if err != nil {
		return 0, schema.ValidationError("event payload is not JSON encodable: %s", err.Error()).WithCause(err)
	}

	queued := 0
	for _, sub := range subs {
		if !s.accepts(ctx, sub, kind, payload) {
			continue
		}
		d := &schema.WebhookDelivery{
			ID:             uuid.NewString(),
			SubscriptionID: sub.ID,
			EventKind:      kind,
			Payload:        body,
			Signature:      Sign(body, sub.Secret),
			Status:         schema.DeliveryPending,
			MaxAttempts:    max(sub.MaxRetries, 1),
			CreatedAt:      s.cfg.Now(),
		}
		if err := s.store.CreateDelivery(ctx, d); err != nil {
			return queued, err
		}
		s.queue.Push(QueueItem{DeliveryID: d.ID})
		queued++
	}
	s.logger.Debug("webhook event dispatched", slog.String("event", kind), slog.Int("deliveries", queued))
	return queued, nil
}

// accepts evaluates the subscription filter. A filter that fails to
// evaluate rejects the event.
func (s *Service) accepts(ctx context.Context, sub *schema.WebhookSubscription, kind string, payload map[string]any) bool {
	if sub.Filter == "" {
		return true
	}
	ok, err := s.cel.EvaluateBool(ctx, sub.Filter, map[string]any{
		"payload": payload,
		"event":   map[string]any{"kind": kind, "subscription_id": sub.ID},
	})
	if err != nil {
		logging.LogWith(ctx, s.logger).Warn("webhook filter failed",
			slog.String("subscription_id", sub.ID), slog.String("error", err.Error()))
		return false
	}
	return ok
}

func validStatus(status schema.SubscriptionStatus) bool {
	switch status {
	case schema.SubscriptionActive, schema.SubscriptionPaused, schema.SubscriptionDisabled:
		return true
	}
	return false
}

func newSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
