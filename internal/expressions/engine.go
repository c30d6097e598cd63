// Package expressions holds the restricted evaluators used by conditions,
// transforms and webhook filters, plus {{path}} templating.
//
// None of the engines can perform I/O or call host code: expr and CEL are
// side-effect-free expression languages, and jq runs without environment access.
package expressions

import "context"

// Engine evaluates an expression against a data document.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
