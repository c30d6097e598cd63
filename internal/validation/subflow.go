package validation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/spiral/internal/expressions"
	"github.com/rendis/spiral/pkg/schema"
)

// validateSubWorkflows follows invoke_sub_workflow references from root
// through the stored workflows and rejects definitions that would invoke
// themselves. Templated names are resolved at run time and skipped.
// Missing references are warnings: the target may be defined later.
func validateSubWorkflows(root *schema.Workflow, resolve WorkflowResolver) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if resolve == nil {
		return result
	}

	// edges[name] = workflows invoked by name.
	edges := make(map[string][]string)
	queue := []*schema.Workflow{root}
	loaded := map[string]bool{root.Name: true}

	for len(queue) > 0 {
		wf := queue[0]
		queue = queue[1:]
		for _, ref := range subWorkflowRefs(wf) {
			edges[wf.Name] = append(edges[wf.Name], ref)
			if loaded[ref] {
				continue
			}
			loaded[ref] = true
			next, ok := resolve(ref)
			if !ok {
				if wf == root {
					result.AddWarning("actions", schema.ErrCodeValidation,
						fmt.Sprintf("sub-workflow %q is not defined", ref))
				}
				continue
			}
			queue = append(queue, next)
		}
	}

	// Kahn's algorithm: nodes left with incoming edges sit on a cycle.
	inDegree := make(map[string]int, len(loaded))
	for name := range loaded {
		if _, ok := inDegree[name]; !ok {
			inDegree[name] = 0
		}
		for _, to := range uniq(edges[name]) {
			inDegree[to]++
		}
	}
	ready := make([]string, 0, len(inDegree))
	for name, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	visited := 0
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		visited++
		for _, to := range uniq(edges[name]) {
			inDegree[to]--
			if inDegree[to] == 0 {
				ready = append(ready, to)
			}
		}
	}

	if visited != len(inDegree) {
		var cyclic []string
		for name, deg := range inDegree {
			if deg > 0 {
				cyclic = append(cyclic, name)
			}
		}
		sort.Strings(cyclic)
		result.AddError("actions", schema.ErrCodeValidation,
			fmt.Sprintf("sub-workflow invocation cycle through %s", strings.Join(cyclic, ", ")))
	}
	return result
}

// subWorkflowRefs lists the literal workflow names wf invokes, at any depth.
func subWorkflowRefs(wf *schema.Workflow) []string {
	var refs []string
	_ = schema.WalkActions(wf.Actions, "", func(_ string, a *schema.Action) error {
		if a.Kind != schema.ActionInvokeSubWorkflow || len(a.Config) == 0 {
			return nil
		}
		var cfg schema.SubWorkflowConfig
		if err := json.Unmarshal(a.Config, &cfg); err != nil {
			return nil
		}
		if cfg.Workflow != "" && !expressions.HasTemplate(cfg.Workflow) {
			refs = append(refs, cfg.Workflow)
		}
		return nil
	})
	return refs
}

func uniq(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
