package expressions

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/rendis/spiral/pkg/schema"
)

// docVar names the run document inside jq programs.
const docVar = "$doc"

// JQ runs jq programs over run documents. The program input (".") is
// whatever value the caller selects, usually one variable, while $doc
// always holds the whole document so a program can join across namespaces.
type JQ struct {
	programs sync.Map // program text -> *gojq.Code
}

// NewJQ returns a jq runner with an empty program cache.
func NewJQ() *JQ {
	return &JQ{}
}

func (j *JQ) Name() string { return "jq" }

// Evaluate runs expression with data as both the input and $doc.
func (j *JQ) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	return j.Query(ctx, expression, data, data)
}

// Query runs program against input. One result is returned bare, several
// as a list, none as nil.
func (j *JQ) Query(ctx context.Context, program string, input any, doc map[string]any) (any, error) {
	code, err := j.code(program)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		doc = map[string]any{}
	}

	iter := code.RunWithContext(ctx, jqValue(input), jqValue(doc))
	var out []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeActionFailure, "jq %q: %s", program, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": program})
		}
		out = append(out, v)
	}

	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0], nil
	}
	return out, nil
}

// Compile parses and compiles program, caching the result.
func (j *JQ) Compile(program string) error {
	_, err := j.code(program)
	return err
}

func (j *JQ) code(program string) (*gojq.Code, error) {
	if program == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}
	if c, ok := j.programs.Load(program); ok {
		return c.(*gojq.Code), nil
	}

	invalid := func(err error) error {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid jq %q: %s", program, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": program})
	}
	q, err := gojq.Parse(program)
	if err != nil {
		return nil, invalid(err)
	}
	// $ENV and env resolve to nothing.
	c, err := gojq.Compile(q,
		gojq.WithVariables([]string{docVar}),
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, invalid(err)
	}
	actual, _ := j.programs.LoadOrStore(program, c)
	return actual.(*gojq.Code), nil
}

// jqValue converts run data into the value set gojq accepts: nil, bool,
// float64, int, string, []any and map[string]any. Anything else goes
// through JSON.
func jqValue(v any) any {
	switch val := v.(type) {
	case nil, bool, float64, int, string:
		return val
	case int64:
		return float64(val)
	case int32:
		return int(val)
	case float32:
		return float64(val)
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return val.String()
		}
		return f
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, x := range val {
			out[k] = jqValue(x)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, x := range val {
			out[i] = jqValue(x)
		}
		return out
	}

	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return nil
	}
	return generic
}

var _ Engine = (*JQ)(nil)
