// Package streaming fans engine run events out to live subscribers such as
// the REST API's server-sent event stream.
package streaming

import (
	"context"

	"github.com/rendis/spiral/pkg/schema"
)

// EventFilter selects the events a subscriber receives. Empty fields match
// everything.
type EventFilter struct {
	WorkflowID string   `json:"workflow_id,omitempty"`
	RunID      string   `json:"run_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub is publish/subscribe for run events.
type EventHub interface {
	Publish(ctx context.Context, event schema.RunEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.RunEvent, func(), error)
}
