package actions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/spiral/internal/execution"
	"github.com/rendis/spiral/internal/store"
	"github.com/rendis/spiral/pkg/schema"
)

// PersistDataHandler implements persist_data. Writes are idempotent per key.
type PersistDataHandler struct {
	kv  store.KVStore
	now func() time.Time
}

// NewPersistDataHandler creates the persist_data handler.
func NewPersistDataHandler(kv store.KVStore) *PersistDataHandler {
	return &PersistDataHandler{kv: kv, now: time.Now}
}

func (h *PersistDataHandler) Kind() schema.ActionKind { return schema.ActionPersistData }

func (h *PersistDataHandler) Execute(ctx context.Context, action *schema.Action, ec *execution.Context) (any, error) {
	if h.kv == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "key-value store is not configured").WithAction(action.ID)
	}
	var cfg schema.PersistDataConfig
	if err := resolve(action, ec, &cfg); err != nil {
		return nil, err
	}
	if cfg.Key == "" {
		return nil, schema.ValidationError("missing required config 'key'").WithAction(action.ID)
	}

	value := cfg.Value
	if value == nil {
		value = ec.Variables()
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, schema.ValidationError("value is not JSON encodable: %s", err.Error()).WithAction(action.ID)
	}
	entry := &store.KVEntry{
		Key:   cfg.Key,
		Value: raw,
		Metadata: map[string]any{
			"workflow_id": ec.WorkflowID(),
			"run_id":      ec.RunID(),
			"action_id":   action.ID,
		},
	}
	if cfg.TTL != "" {
		ttl, err := time.ParseDuration(cfg.TTL)
		if err != nil || ttl <= 0 {
			return nil, schema.ValidationError("invalid ttl %q", cfg.TTL).WithAction(action.ID)
		}
		exp := h.now().Add(ttl).UTC()
		entry.ExpiresAt = &exp
	}

	if err := h.kv.PutValue(ctx, entry); err != nil {
		return nil, err
	}

	out := map[string]any{"key": cfg.Key, "bytes": float64(len(raw))}
	if entry.ExpiresAt != nil {
		out["expires_at"] = entry.ExpiresAt.Format(time.RFC3339)
	}
	return out, nil
}
