package schema

// Operator is the closed set of condition comparison operators.
type Operator string

const (
	OpEquals     Operator = "equals"
	OpNotEquals  Operator = "not_equals"
	OpGreater    Operator = "greater_than"
	OpLess       Operator = "less_than"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "starts_with"
	OpEndsWith   Operator = "ends_with"
	OpMatches    Operator = "pattern_match"
	OpInSet      Operator = "in_set"
	OpIsNull     Operator = "is_null"
	OpIsNotNull  Operator = "is_not_null"
)

// Operators lists every accepted operator.
func Operators() []Operator {
	return []Operator{
		OpEquals, OpNotEquals, OpGreater, OpLess, OpContains, OpStartsWith,
		OpEndsWith, OpMatches, OpInSet, OpIsNull, OpIsNotNull,
	}
}

// Valid reports whether op belongs to the closed set.
func (op Operator) Valid() bool {
	for _, known := range Operators() {
		if op == known {
			return true
		}
	}
	return false
}

// Logic joins a condition to its next sibling.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// Condition is a boolean predicate over run state.
//
// A condition either compares Field against Value with Operator, groups a
// nested list in Conditions, or carries a CEL Expression. When several are
// present all of them must hold.
type Condition struct {
	Field      string      `json:"field,omitempty"`
	Operator   Operator    `json:"operator,omitempty"`
	Value      any         `json:"value,omitempty"`
	Logic      Logic       `json:"logic,omitempty"` // AND (default) | OR
	Conditions []Condition `json:"conditions,omitempty"`
	Expression string      `json:"expression,omitempty"`
}

// IsOr reports whether the condition short-circuits to true on a match.
func (c *Condition) IsOr() bool {
	return c.Logic == LogicOr || c.Logic == "or"
}
