package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/spiral/pkg/schema"
)

// WorkflowStore persists workflow definitions.
type WorkflowStore interface {
	SaveWorkflow(ctx context.Context, wf *schema.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
	GetWorkflowByName(ctx context.Context, name string) (*schema.Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error
}

// HistoryStore persists run records and the statistics derived from them.
type HistoryStore interface {
	// AppendExecutionHistory inserts the record or replaces the prior
	// snapshot of the same run. Terminal records are immutable: replacing
	// one fails with INVALID_TRANSITION.
	AppendExecutionHistory(ctx context.Context, rec *schema.RunRecord) error
	GetExecutionHistory(ctx context.Context, runID string) (*schema.RunRecord, error)
	ListExecutionHistory(ctx context.Context, filter HistoryFilter) ([]*schema.RunRecord, error)
	// RecordRunOutcome folds one terminal run into the workflow's stats.
	RecordRunOutcome(ctx context.Context, workflowID string, status schema.RunStatus, durationMS float64, at time.Time) error
	GetStatistics(ctx context.Context) (*schema.Statistics, error)
}

// KVStore is the keyed storage used by persist_data.
type KVStore interface {
	PutValue(ctx context.Context, entry *KVEntry) error
	// GetValue returns NOT_FOUND for missing and expired keys alike.
	GetValue(ctx context.Context, key string) (*KVEntry, error)
	DeleteValue(ctx context.Context, key string) error
}

// SubscriptionStore persists webhook subscriptions and their counters.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, sub *schema.WebhookSubscription) error
	GetSubscription(ctx context.Context, id string) (*schema.WebhookSubscription, error)
	ListSubscriptions(ctx context.Context, filter SubscriptionFilter) ([]*schema.WebhookSubscription, error)
	UpdateSubscription(ctx context.Context, sub *schema.WebhookSubscription) error
	RecordDeliveryOutcome(ctx context.Context, subscriptionID string, success bool, at time.Time) error
	DeleteSubscription(ctx context.Context, id string) error
}

// DeliveryStore persists webhook delivery attempts.
type DeliveryStore interface {
	CreateDelivery(ctx context.Context, d *schema.WebhookDelivery) error
	UpdateDelivery(ctx context.Context, d *schema.WebhookDelivery) error
	GetDelivery(ctx context.Context, id string) (*schema.WebhookDelivery, error)
	ListDeliveries(ctx context.Context, filter DeliveryFilter) ([]*schema.WebhookDelivery, error)
}

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	WorkflowStore
	HistoryStore
	KVStore
	SubscriptionStore
	DeliveryStore

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}

// WorkflowFilter narrows ListWorkflows.
type WorkflowFilter struct {
	Enabled     *bool
	TriggerKind schema.TriggerKind
	Owner       string
	Limit       int
	Offset      int
}

// HistoryFilter narrows ListExecutionHistory. Results are newest first.
type HistoryFilter struct {
	WorkflowID string
	Status     schema.RunStatus
	Since      *time.Time
	Limit      int
}

// SubscriptionFilter narrows ListSubscriptions. Event is matched in memory
// against each subscription's event set, honouring the "*" wildcard.
type SubscriptionFilter struct {
	Status schema.SubscriptionStatus
	Event  string
	Owner  string
}

// DeliveryFilter narrows ListDeliveries. Results are oldest first.
type DeliveryFilter struct {
	SubscriptionID string
	Statuses       []schema.DeliveryStatus
	Limit          int
}

// KVEntry is one value in the keyed store.
type KVEntry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Expired reports whether the entry's expiry has passed at now.
func (e *KVEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}
