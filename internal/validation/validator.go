// Package validation checks workflow documents and trigger payloads before
// they reach the engine.
package validation

import "github.com/rendis/spiral/pkg/schema"

// Validator checks workflow definitions before they are stored or run.
// Payloads are validated against the JSON Schema derived from the
// workflow's declared variables.
type Validator interface {
	ValidateWorkflow(wf *schema.Workflow) error
	ValidatePayload(vars []schema.Variable, payload map[string]any) error
}

// WorkflowResolver finds a stored workflow by name. Used to follow
// invoke_sub_workflow references.
type WorkflowResolver func(name string) (*schema.Workflow, bool)
