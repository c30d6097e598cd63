package validation

import (
	"encoding/json"
	"errors"

	"github.com/rendis/spiral/internal/conditions"
	"github.com/rendis/spiral/pkg/schema"
)

// WorkflowValidator runs the validation pipeline:
//  1. Structural (JSON Schema)
//  2. Semantic (kinds, ids, per-kind config, conditions)
//  3. Sub-workflow references (invocation cycles)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	conditions *conditions.Evaluator
	resolve    WorkflowResolver
}

// NewWorkflowValidator creates a WorkflowValidator. cond validates
// condition lists and may be nil to skip them; resolve may be nil to skip
// the sub-workflow stage.
func NewWorkflowValidator(cond *conditions.Evaluator, resolve WorkflowResolver) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv, conditions: cond, resolve: resolve}, nil
}

// Validate runs every stage and aggregates the issues. Structural errors
// short-circuit the later stages.
func (wv *WorkflowValidator) Validate(wf *schema.Workflow) *schema.ValidationResult {
	if wf == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow is nil")
		return r
	}

	result := structuralResult(wv.jsonSchema.ValidateDocument(wf))
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(wf, wv.conditions))

	if result.Valid() {
		result.Merge(validateSubWorkflows(wf, wv.resolve))
	}
	return result
}

// ValidateRaw validates a JSON document, including fields the Workflow type
// would silently drop, and decodes it.
func (wv *WorkflowValidator) ValidateRaw(doc []byte) (*schema.Workflow, *schema.ValidationResult) {
	result := structuralResult(wv.jsonSchema.ValidateDocument(doc))
	if !result.Valid() {
		return nil, result
	}
	var wf schema.Workflow
	if err := json.Unmarshal(doc, &wf); err != nil {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return nil, result
	}
	result.Merge(wv.Validate(&wf))
	return &wf, result
}

// ValidateWorkflow satisfies Validator.
func (wv *WorkflowValidator) ValidateWorkflow(wf *schema.Workflow) error {
	return wv.Validate(wf).ToError()
}

// ValidatePayload satisfies Validator.
func (wv *WorkflowValidator) ValidatePayload(vars []schema.Variable, payload map[string]any) error {
	return wv.jsonSchema.ValidatePayload(vars, payload)
}

func structuralResult(err error) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if err == nil {
		return result
	}
	var se *schema.SpiralError
	if !errors.As(err, &se) {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := se.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeValidation, v)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, se.Message)
	return result
}
