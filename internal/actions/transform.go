package actions

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"strings"

	"github.com/rendis/spiral/internal/execution"
	"github.com/rendis/spiral/internal/expressions"
	"github.com/rendis/spiral/pkg/schema"
)

// Transform operations.
const (
	TransformMap      = "map"
	TransformFilter   = "filter"
	TransformTemplate = "template"
	TransformCompute  = "compute"
	TransformJQ       = "jq"
)

// TransformHandler implements transform_data. Operations run in order and
// each writes its result to a variable, so later ones can read earlier
// targets. Idempotent.
type TransformHandler struct {
	expr expressions.Engine
	jq   *expressions.JQ
}

// NewTransformHandler creates the transform_data handler. Nil engines get defaults.
func NewTransformHandler(expr expressions.Engine, jq *expressions.JQ) *TransformHandler {
	if expr == nil {
		expr = expressions.NewExprEngine()
	}
	if jq == nil {
		jq = expressions.NewJQ()
	}
	return &TransformHandler{expr: expr, jq: jq}
}

func (h *TransformHandler) Kind() schema.ActionKind { return schema.ActionTransformData }

// Execute decodes the raw config: expressions and templates are evaluated
// per operation, not rendered up front.
func (h *TransformHandler) Execute(ctx context.Context, action *schema.Action, ec *execution.Context) (any, error) {
	var cfg schema.TransformConfig
	if err := json.Unmarshal(action.Config, &cfg); err != nil {
		return nil, schema.ValidationError("invalid transform config: %s", err.Error()).WithAction(action.ID)
	}
	if len(cfg.Operations) == 0 {
		return nil, schema.ValidationError("transform has no operations").WithAction(action.ID)
	}

	results := make(map[string]any, len(cfg.Operations))
	for i, op := range cfg.Operations {
		if op.Target == "" {
			return nil, schema.ValidationError("operations[%d]: missing target", i).WithAction(action.ID)
		}
		out, err := h.apply(ctx, op, ec)
		if err != nil {
			return nil, tagTransformErr(err, action.ID, i, op.Op)
		}
		if err := ec.Set(op.Target, out); err != nil {
			return nil, schema.ActionFailure(action.ID, "set %s: %v", op.Target, err).WithCause(err)
		}
		results[op.Target] = out
	}
	return results, nil
}

func (h *TransformHandler) apply(ctx context.Context, op schema.TransformOp, ec *execution.Context) (any, error) {
	switch op.Op {
	case TransformMap, TransformFilter:
		items, err := sourceList(op, ec)
		if err != nil {
			return nil, err
		}
		if op.Expression == "" {
			return nil, schema.ValidationError("%s requires an expression", op.Op)
		}
		base := exprEnv(ec)
		out := make([]any, 0, len(items))
		for i, item := range items {
			env := maps.Clone(base)
			env["item"] = item
			env["index"] = i
			v, err := h.expr.Evaluate(ctx, op.Expression, env)
			if err != nil {
				return nil, err
			}
			if op.Op == TransformMap {
				out = append(out, v)
				continue
			}
			keep, ok := v.(bool)
			if !ok {
				return nil, schema.ValidationError("filter expression %q returned %T, want bool", op.Expression, v)
			}
			if keep {
				out = append(out, item)
			}
		}
		return out, nil

	case TransformTemplate:
		if op.Template == "" {
			return nil, schema.ValidationError("template requires a template")
		}
		if op.Source == "" {
			return expressions.Render(op.Template, ec.Lookup)
		}
		items, err := sourceList(op, ec)
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, len(items))
		for i, item := range items {
			s, err := expressions.Render(op.Template, itemLookup(item, i, ec.Lookup))
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil

	case TransformCompute:
		if op.Expression == "" {
			return nil, schema.ValidationError("compute requires an expression")
		}
		env := exprEnv(ec)
		if op.Source != "" {
			v, _ := ec.Lookup(op.Source)
			env["source"] = v
		}
		return h.expr.Evaluate(ctx, op.Expression, env)

	case TransformJQ:
		if op.Expression == "" {
			return nil, schema.ValidationError("jq requires an expression")
		}
		doc := ec.Document()
		var input any = doc
		if op.Source != "" {
			input, _ = ec.Lookup(op.Source)
		}
		return h.jq.Query(ctx, op.Expression, input, doc)
	}
	return nil, schema.ValidationError("unknown transform op %q", op.Op)
}

// exprEnv exposes variables at the top level plus the namespaced document.
func exprEnv(ec *execution.Context) map[string]any {
	env := ec.Variables()
	maps.Copy(env, ec.Document())
	return env
}

func sourceList(op schema.TransformOp, ec *execution.Context) ([]any, error) {
	if op.Source == "" {
		return nil, schema.ValidationError("%s requires a source", op.Op)
	}
	v, ok := ec.Lookup(op.Source)
	if !ok || v == nil {
		return []any{}, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, schema.ValidationError("source %q is %T, want a list", op.Source, v)
	}
	return items, nil
}

// itemLookup resolves "item" and "index" references before falling back.
func itemLookup(item any, index int, fallback expressions.LookupFunc) expressions.LookupFunc {
	return func(path string) (any, bool) {
		switch {
		case path == "item":
			return item, true
		case path == "index":
			return float64(index), true
		case strings.HasPrefix(path, "item."):
			if m, ok := item.(map[string]any); ok {
				return execution.Resolve(m, strings.TrimPrefix(path, "item."))
			}
			return nil, false
		}
		return fallback(path)
	}
}

func tagTransformErr(err error, actionID string, idx int, op string) error {
	var se *schema.SpiralError
	if !errors.As(err, &se) {
		return schema.ActionFailure(actionID, "operations[%d] (%s): %v", idx, op, err).WithCause(err)
	}
	se.ActionID = actionID
	if se.Details == nil {
		se.Details = map[string]any{}
	}
	se.Details["operation_index"] = idx
	se.Details["op"] = op
	return se
}
