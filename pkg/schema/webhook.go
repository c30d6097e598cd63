package schema

import (
	"encoding/json"
	"slices"
	"time"
)

// SubscriptionStatus gates whether a subscription receives deliveries.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionPaused   SubscriptionStatus = "paused"
	SubscriptionDisabled SubscriptionStatus = "disabled"
)

// WebhookSubscription is a registered external endpoint interested in event kinds.
type WebhookSubscription struct {
	ID                   string             `json:"id"`
	Owner                string             `json:"owner,omitempty"`
	URL                  string             `json:"url"`
	Events               []string           `json:"events"`
	Secret               string             `json:"secret,omitempty"`
	Filter               string             `json:"filter,omitempty"` // CEL predicate over event and payload
	Status               SubscriptionStatus `json:"status"`
	TimeoutSeconds       int                `json:"timeout_seconds"`
	MaxRetries           int                `json:"max_retries"`
	RetryBackoffSeconds  int                `json:"retry_backoff_seconds"`
	TotalDeliveries      int64              `json:"total_deliveries"`
	SuccessfulDeliveries int64              `json:"successful_deliveries"`
	FailedDeliveries     int64              `json:"failed_deliveries"`
	LastDeliveryAt       *time.Time         `json:"last_delivery_at,omitempty"`
	LastSuccessAt        *time.Time         `json:"last_success_at,omitempty"`
	LastFailureAt        *time.Time         `json:"last_failure_at,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// Subscribes reports whether kind is in the subscription's event set.
// The wildcard "*" matches every kind.
func (s *WebhookSubscription) Subscribes(kind string) bool {
	return slices.Contains(s.Events, kind) || slices.Contains(s.Events, "*")
}

// DeliveryStatus is the lifecycle state of one webhook delivery.
type DeliveryStatus string

const (
	DeliveryPending  DeliveryStatus = "pending"
	DeliverySuccess  DeliveryStatus = "success"
	DeliveryFailed   DeliveryStatus = "failed"
	DeliveryRetrying DeliveryStatus = "retrying"
)

// WebhookDelivery is one attempted, possibly retried, push of an event to a subscription.
type WebhookDelivery struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscription_id"`
	EventKind      string          `json:"event_kind"`
	Payload        json.RawMessage `json:"payload"`
	Signature      string          `json:"signature"`
	Status         DeliveryStatus  `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	LastStatusCode int             `json:"last_status_code,omitempty"`
	LastResponse   string          `json:"last_response,omitempty"`
	LastLatencyMS  int64           `json:"last_latency_ms,omitempty"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}
