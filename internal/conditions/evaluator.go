// Package conditions evaluates the structured boolean predicates that gate
// triggers, actions and branches.
package conditions

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/rendis/spiral/internal/expressions"
	"github.com/rendis/spiral/pkg/schema"
)

// Source is the run state conditions are evaluated against.
type Source interface {
	Lookup(path string) (any, bool)
	Document() map[string]any
}

// Evaluator evaluates condition lists. Evaluation never returns an error:
// any comparison problem makes that single condition false.
type Evaluator struct {
	cel    *expressions.CELEngine
	logger *slog.Logger

	mu       sync.RWMutex
	patterns map[string]*regexp.Regexp
}

// NewEvaluator creates an evaluator. cel may be nil, in which case conditions
// carrying an expression evaluate to false.
func NewEvaluator(cel *expressions.CELEngine, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		cel:      cel,
		logger:   logger,
		patterns: make(map[string]*regexp.Regexp),
	}
}

// Evaluate walks conds left to right. An OR condition returns true on its own
// match; an AND condition returns false on its own mismatch. Otherwise the
// result is the outcome of the last condition. An empty list is true.
func (e *Evaluator) Evaluate(ctx context.Context, conds []schema.Condition, src Source) bool {
	result := true
	for i := range conds {
		c := &conds[i]
		matched := e.evaluateOne(ctx, c, src)
		if c.IsOr() {
			if matched {
				return true
			}
		} else if !matched {
			return false
		}
		result = matched
	}
	return result
}

func (e *Evaluator) evaluateOne(ctx context.Context, c *schema.Condition, src Source) (matched bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("condition panicked", slog.String("field", c.Field), slog.Any("panic", r))
			matched = false
		}
	}()

	hasCompare := c.Field != "" || c.Operator != ""
	if !hasCompare && len(c.Conditions) == 0 && c.Expression == "" {
		return true
	}

	if hasCompare && !e.compare(c, src) {
		return false
	}
	if len(c.Conditions) > 0 && !e.Evaluate(ctx, c.Conditions, src) {
		return false
	}
	if c.Expression != "" && !e.expression(ctx, c.Expression, src) {
		return false
	}
	return true
}

func (e *Evaluator) expression(ctx context.Context, expr string, src Source) bool {
	if e.cel == nil {
		return false
	}
	ok, err := e.cel.EvaluateBool(ctx, expr, src.Document())
	if err != nil {
		e.logger.Debug("condition expression failed", slog.String("expression", expr), slog.String("error", err.Error()))
		return false
	}
	return ok
}

func (e *Evaluator) compare(c *schema.Condition, src Source) bool {
	actual, found := src.Lookup(c.Field)
	if !found {
		actual = nil
	}

	switch c.Operator {
	case schema.OpIsNull:
		return actual == nil
	case schema.OpIsNotNull:
		return actual != nil
	case schema.OpEquals:
		return looseEqual(actual, c.Value)
	case schema.OpNotEquals:
		return !looseEqual(actual, c.Value)
	case schema.OpGreater:
		cmp, ok := order(actual, c.Value)
		return ok && cmp > 0
	case schema.OpLess:
		cmp, ok := order(actual, c.Value)
		return ok && cmp < 0
	case schema.OpContains:
		return contains(actual, c.Value)
	case schema.OpStartsWith:
		s, ok1 := actual.(string)
		prefix, ok2 := c.Value.(string)
		return ok1 && ok2 && strings.HasPrefix(s, prefix)
	case schema.OpEndsWith:
		s, ok1 := actual.(string)
		suffix, ok2 := c.Value.(string)
		return ok1 && ok2 && strings.HasSuffix(s, suffix)
	case schema.OpMatches:
		s, ok1 := actual.(string)
		pattern, ok2 := c.Value.(string)
		if !ok1 || !ok2 {
			return false
		}
		re, err := e.pattern(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(s)
	case schema.OpInSet:
		return contains(c.Value, actual)
	default:
		// Rejected by Validate before any run; never a silent match.
		e.logger.Warn("unknown condition operator", slog.String("operator", string(c.Operator)))
		return false
	}
}

func (e *Evaluator) pattern(p string) (*regexp.Regexp, error) {
	e.mu.RLock()
	re, ok := e.patterns[p]
	e.mu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.patterns[p] = re
	e.mu.Unlock()
	return re, nil
}

// Validate reports configuration errors in a condition list: unknown
// operators, malformed patterns, empty fields and invalid expressions.
func (e *Evaluator) Validate(conds []schema.Condition, path string) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	for i := range conds {
		c := &conds[i]
		p := fmt.Sprintf("%s[%d]", path, i)

		if c.Logic != "" && !strings.EqualFold(string(c.Logic), string(schema.LogicAnd)) && !strings.EqualFold(string(c.Logic), string(schema.LogicOr)) {
			result.AddError(p+".logic", schema.ErrCodeValidation, fmt.Sprintf("logic must be AND or OR, got %q", c.Logic))
		}

		if c.Field != "" || c.Operator != "" {
			switch {
			case c.Field == "":
				result.AddError(p+".field", schema.ErrCodeValidation, "field is required with an operator")
			case c.Operator == "":
				result.AddError(p+".operator", schema.ErrCodeValidation, "operator is required with a field")
			case !c.Operator.Valid():
				result.AddError(p+".operator", schema.ErrCodeConfiguration, fmt.Sprintf("unknown operator %q", c.Operator))
			case c.Operator == schema.OpMatches:
				pattern, ok := c.Value.(string)
				if !ok {
					result.AddError(p+".value", schema.ErrCodeValidation, "pattern_match requires a string pattern")
				} else if _, err := e.pattern(pattern); err != nil {
					result.AddError(p+".value", schema.ErrCodeValidation, fmt.Sprintf("invalid pattern: %s", err.Error()))
				}
			case c.Operator == schema.OpInSet:
				if _, ok := c.Value.([]any); !ok {
					result.AddError(p+".value", schema.ErrCodeValidation, "in_set requires a list value")
				}
			}
		}

		if c.Expression != "" {
			if e.cel == nil {
				result.AddError(p+".expression", schema.ErrCodeConfiguration, "expression conditions are not enabled")
			} else if err := e.cel.Compile(c.Expression); err != nil {
				result.AddError(p+".expression", schema.ErrCodeValidation, err.Error())
			}
		}

		if len(c.Conditions) > 0 {
			result.Merge(e.Validate(c.Conditions, p+".conditions"))
		}
	}
	return result
}

// --- comparison helpers ---

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil || math.IsNaN(f) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func isNumber(v any) bool {
	switch v.(type) {
	case float64, float32, int, int64, int32, uint, uint64:
		return true
	}
	return false
}

// looseEqual compares numbers numerically (a numeric string equals its
// number), other scalars by value and composites deeply.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if isNumber(a) || isNumber(b) {
		fa, ok1 := toFloat(a)
		fb, ok2 := toFloat(b)
		return ok1 && ok2 && fa == fb
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return reflect.DeepEqual(a, b)
}

// order compares two numbers, or two strings lexically.
func order(a, b any) (int, bool) {
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok && !isNumeric(as) {
			return strings.Compare(as, bs), true
		}
	}
	fa, ok1 := toFloat(a)
	fb, ok2 := toFloat(b)
	if !ok1 || !ok2 {
		return 0, false
	}
	switch {
	case fa < fb:
		return -1, true
	case fa > fb:
		return 1, true
	default:
		return 0, true
	}
}

func isNumeric(s string) bool {
	_, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return err == nil
}

// contains reports whether container holds item: substring for strings,
// membership for lists, key presence for maps.
func contains(container, item any) bool {
	switch c := container.(type) {
	case string:
		s, ok := item.(string)
		return ok && strings.Contains(c, s)
	case []any:
		for _, el := range c {
			if looseEqual(el, item) {
				return true
			}
		}
		return false
	case []string:
		s, ok := item.(string)
		if !ok {
			return false
		}
		for _, el := range c {
			if el == s {
				return true
			}
		}
		return false
	case map[string]any:
		k, ok := item.(string)
		if !ok {
			return false
		}
		_, exists := c[k]
		return exists
	default:
		return false
	}
}
