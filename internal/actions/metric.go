package actions

import (
	"context"

	"github.com/rendis/spiral/internal/execution"
	"github.com/rendis/spiral/pkg/schema"
)

const (
	defaultMetricMin = 0.0
	defaultMetricMax = 100.0
)

// MetricHandler implements update_metric on the run's impact values.
// set is idempotent; the arithmetic operations are not.
type MetricHandler struct{}

// NewMetricHandler creates the update_metric handler.
func NewMetricHandler() *MetricHandler { return &MetricHandler{} }

func (h *MetricHandler) Kind() schema.ActionKind { return schema.ActionUpdateMetric }

func (h *MetricHandler) Execute(_ context.Context, action *schema.Action, ec *execution.Context) (any, error) {
	var cfg schema.MetricConfig
	if err := resolve(action, ec, &cfg); err != nil {
		return nil, err
	}
	if cfg.Metric == "" {
		return nil, schema.ValidationError("missing required config 'metric'").WithAction(action.ID)
	}
	lo, hi := defaultMetricMin, defaultMetricMax
	if cfg.Min != nil {
		lo = *cfg.Min
	}
	if cfg.Max != nil {
		hi = *cfg.Max
	}
	if lo > hi {
		return nil, schema.ValidationError("metric bounds inverted: min %v > max %v", lo, hi).WithAction(action.ID)
	}

	var apply func(float64) float64
	switch cfg.Operation {
	case schema.MetricSet, "":
		apply = func(float64) float64 { return cfg.Value }
	case schema.MetricIncrement:
		apply = func(cur float64) float64 { return cur + cfg.Value }
	case schema.MetricDecrement:
		apply = func(cur float64) float64 { return cur - cfg.Value }
	case schema.MetricMultiply:
		apply = func(cur float64) float64 { return cur * cfg.Value }
	default:
		return nil, schema.ValidationError("unknown metric operation %q", cfg.Operation).WithAction(action.ID)
	}

	var previous float64
	next, err := ec.UpdateImpact(cfg.Metric, func(cur float64) float64 {
		previous = cur
		return max(lo, min(apply(cur), hi))
	})
	if err != nil {
		return nil, schema.ActionFailure(action.ID, "update metric %s: %v", cfg.Metric, err).WithCause(err)
	}
	return map[string]any{"metric": cfg.Metric, "previous": previous, "value": next}, nil
}
