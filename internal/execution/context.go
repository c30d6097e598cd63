// Package execution holds the per-run state mutated by the engine and the
// action handlers: variables, the run log, impact metrics and status.
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rendis/spiral/pkg/schema"
)

// ErrArchived is returned by writes to a context whose run reached a terminal status.
var ErrArchived = errors.New("execution context is archived")

// ResultKey is the variable under which an action's result is stored.
func ResultKey(actionID string) string {
	return "action_" + actionID + "_result"
}

// Options seed a new Context.
type Options struct {
	WorkflowID   string
	WorkflowName string
	RunID        string
	ParentRunID  string
	Priority     string
	Payload      map[string]any
	Defaults     map[string]any
	AllowedHosts []string
	Now          func() time.Time
}

// Context is the mutable state of one run. It is owned by the run's goroutine;
// parallel children work on a Fork and are merged back.
type Context struct {
	mu sync.RWMutex

	workflowID   string
	workflowName string
	runID        string
	parentRunID  string
	priority     string
	allowedHosts []string

	payload   map[string]any
	variables map[string]any
	logs      []schema.LogEntry
	impact    map[string]float64

	current      string
	status       schema.RunStatus
	actionsRun   int
	failedAction string
	errMsg       string
	startedAt    time.Time
	completedAt  time.Time

	cancel     chan struct{}
	cancelOnce *sync.Once
	detached   *sync.WaitGroup

	// set on forks: keys written since the fork, merged back by Merge.
	forked        bool
	writtenVars   map[string]struct{}
	writtenImpact map[string]struct{}

	now func() time.Time
}

// New creates a pending context. Variables are seeded from declared defaults
// overlaid with the top-level fields of the trigger payload.
func New(opts Options) *Context {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	payload := CopyMap(opts.Payload)
	if payload == nil {
		payload = map[string]any{}
	}

	vars := CopyMap(opts.Defaults)
	if vars == nil {
		vars = map[string]any{}
	}
	for k, v := range payload {
		vars[k] = CopyValue(v)
	}

	return &Context{
		workflowID:   opts.WorkflowID,
		workflowName: opts.WorkflowName,
		runID:        opts.RunID,
		parentRunID:  opts.ParentRunID,
		priority:     NormalizePriority(opts.Priority, payload),
		allowedHosts: append([]string(nil), opts.AllowedHosts...),
		payload:      payload,
		variables:    vars,
		impact:       map[string]float64{},
		status:       schema.RunPending,
		startedAt:    now(),
		cancel:       make(chan struct{}),
		cancelOnce:   &sync.Once{},
		detached:     &sync.WaitGroup{},
		now:          now,
	}
}

// NormalizePriority returns explicit when valid, else the payload's
// "priority" field when valid, else normal.
func NormalizePriority(explicit string, payload map[string]any) string {
	for _, candidate := range []any{explicit, payload["priority"]} {
		s, _ := candidate.(string)
		switch strings.ToLower(s) {
		case schema.PriorityLow, schema.PriorityNormal, schema.PriorityHigh, schema.PriorityUrgent:
			return strings.ToLower(s)
		}
	}
	return schema.PriorityNormal
}

func (c *Context) WorkflowID() string   { return c.workflowID }
func (c *Context) WorkflowName() string { return c.workflowName }
func (c *Context) RunID() string        { return c.runID }
func (c *Context) Priority() string     { return c.priority }

// AllowedHosts returns the outbound host allow-list. Empty means unrestricted.
func (c *Context) AllowedHosts() []string { return c.allowedHosts }

// ParentRunID returns the run that invoked this one as a sub-workflow, if any.
func (c *Context) ParentRunID() string { return c.parentRunID }

// Payload returns a copy of the trigger payload.
func (c *Context) Payload() map[string]any {
	return CopyMap(c.payload)
}

// Get returns a top-level variable.
func (c *Context) Get(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.variables[name]
	return v, ok
}

// Set writes a top-level variable.
func (c *Context) Set(name string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.IsTerminal() {
		return ErrArchived
	}
	c.variables[name] = value
	if c.forked {
		c.writtenVars[name] = struct{}{}
	}
	return nil
}

// Variables returns a deep copy of the variable map.
func (c *Context) Variables() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CopyMap(c.variables)
}

// Document returns the namespaced view used by path lookups:
// payload, variables, impact and run metadata.
func (c *Context) Document() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	impact := make(map[string]any, len(c.impact))
	for k, v := range c.impact {
		impact[k] = v
	}
	return map[string]any{
		NSPayload:   CopyMap(c.payload),
		NSVariables: CopyMap(c.variables),
		NSImpact:    impact,
		NSRun: map[string]any{
			"id":            c.runID,
			"workflow_id":   c.workflowID,
			"workflow_name": c.workflowName,
			"priority":      c.priority,
			"status":        string(c.status),
		},
	}
}

// Lookup resolves a field path against the context.
//
// "$."-prefixed paths are JSONPath over Document. Paths starting with a
// namespace (payload, variables, impact, run) resolve inside it. Other paths
// resolve against variables first, then the trigger payload.
func (c *Context) Lookup(path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}
	if strings.HasPrefix(path, "$") {
		return LookupJSONPath(c.Document(), path)
	}

	head, rest, _ := strings.Cut(path, ".")
	switch head {
	case NSPayload, NSVariables, NSImpact, NSRun:
		return Resolve(c.Document()[head], rest)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := Resolve(c.variables, path); ok {
		return v, true
	}
	return Resolve(c.payload, path)
}

// Log appends to the run log. Entries written after the run is archived are dropped.
func (c *Context) Log(level, actionID, format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.IsTerminal() {
		return
	}
	c.logs = append(c.logs, schema.LogEntry{
		Timestamp: c.now(),
		Level:     level,
		Message:   msg,
		ActionID:  actionID,
	})
}

// Logs returns a copy of the run log.
func (c *Context) Logs() []schema.LogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]schema.LogEntry, len(c.logs))
	copy(out, c.logs)
	return out
}

// Impact returns a named impact value.
func (c *Context) Impact(name string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.impact[name]
}

// ImpactSnapshot returns a copy of all impact values.
func (c *Context) ImpactSnapshot() map[string]float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyImpact(c.impact)
}

// UpdateImpact applies fn to the current value of name and stores the result.
func (c *Context) UpdateImpact(name string, fn func(current float64) float64) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.IsTerminal() {
		return 0, ErrArchived
	}
	v := fn(c.impact[name])
	c.impact[name] = v
	if c.forked {
		c.writtenImpact[name] = struct{}{}
	}
	return v, nil
}

// SetCurrentAction moves the current action pointer.
func (c *Context) SetCurrentAction(actionID string) {
	c.mu.Lock()
	c.current = actionID
	c.mu.Unlock()
}

// MarkActionRun counts one executed (not skipped) action.
func (c *Context) MarkActionRun() {
	c.mu.Lock()
	c.actionsRun++
	c.mu.Unlock()
}

// ActionsRun returns the number of executed actions, nested ones included.
func (c *Context) ActionsRun() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.actionsRun
}

// CurrentAction returns the current action pointer.
func (c *Context) CurrentAction() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Status returns the run status.
func (c *Context) Status() schema.RunStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// SetStatus records a status change. Terminal statuses stamp the completion
// time and archive the context.
func (c *Context) SetStatus(status schema.RunStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.IsTerminal() {
		return ErrArchived
	}
	c.status = status
	if status.IsTerminal() {
		c.completedAt = c.now()
	}
	return nil
}

// Fail records the failing action and error message for the run record.
func (c *Context) Fail(actionID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.IsTerminal() {
		return
	}
	c.failedAction = actionID
	if err != nil {
		c.errMsg = err.Error()
	}
}

// Cancel requests cancellation. The engine honors it at the next action boundary.
func (c *Context) Cancel() {
	c.cancelOnce.Do(func() { close(c.cancel) })
}

// Cancelled is closed once cancellation was requested.
func (c *Context) Cancelled() <-chan struct{} {
	return c.cancel
}

// IsCancelled reports whether cancellation was requested.
func (c *Context) IsCancelled() bool {
	select {
	case <-c.cancel:
		return true
	default:
		return false
	}
}

// Fork returns a value copy for a parallel child. The fork shares the
// cancellation signal but nothing else; Merge folds its writes back.
func (c *Context) Fork() *Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &Context{
		workflowID:    c.workflowID,
		workflowName:  c.workflowName,
		runID:         c.runID,
		parentRunID:   c.parentRunID,
		priority:      c.priority,
		allowedHosts:  c.allowedHosts,
		payload:       c.payload,
		variables:     CopyMap(c.variables),
		impact:        copyImpact(c.impact),
		current:       c.current,
		status:        schema.RunRunning,
		startedAt:     c.startedAt,
		cancel:        c.cancel,
		cancelOnce:    c.cancelOnce,
		detached:      c.detached,
		forked:        true,
		writtenVars:   map[string]struct{}{},
		writtenImpact: map[string]struct{}{},
		now:           c.now,
	}
}

// Detach runs fn on a goroutine owned by the run. Forks share the tracker
// of the context they were forked from.
func (c *Context) Detach(fn func()) {
	c.detached.Add(1)
	go func() {
		defer c.detached.Done()
		fn()
	}()
}

// WaitDetached blocks until every detached goroutine returned or ctx ends.
func (c *Context) WaitDetached(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.detached.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Merge folds a fork's variable and impact writes and its log into c.
// Forks merged later win on conflicting keys.
func (c *Context) Merge(child *Context) error {
	child.mu.RLock()
	vars := make(map[string]any, len(child.writtenVars))
	for k := range child.writtenVars {
		vars[k] = CopyValue(child.variables[k])
	}
	impact := make(map[string]float64, len(child.writtenImpact))
	for k := range child.writtenImpact {
		impact[k] = child.impact[k]
	}
	logs := make([]schema.LogEntry, len(child.logs))
	copy(logs, child.logs)
	actions := child.actionsRun
	child.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.IsTerminal() {
		return ErrArchived
	}
	for k, v := range vars {
		c.variables[k] = v
		if c.forked {
			c.writtenVars[k] = struct{}{}
		}
	}
	for k, v := range impact {
		c.impact[k] = v
		if c.forked {
			c.writtenImpact[k] = struct{}{}
		}
	}
	c.logs = append(c.logs, logs...)
	c.actionsRun += actions
	return nil
}

// Record snapshots the context into its persisted form.
func (c *Context) Record() *schema.RunRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec := &schema.RunRecord{
		RunID:          c.runID,
		WorkflowID:     c.workflowID,
		WorkflowName:   c.workflowName,
		ParentRunID:    c.parentRunID,
		Status:         c.status,
		Priority:       c.priority,
		Variables:      CopyMap(c.variables),
		Logs:           append([]schema.LogEntry(nil), c.logs...),
		Impact:         copyImpact(c.impact),
		CurrentAction:  c.current,
		ActionsRun:     c.actionsRun,
		FailedActionID: c.failedAction,
		Error:          c.errMsg,
		StartedAt:      c.startedAt,
	}
	if raw, err := json.Marshal(c.payload); err == nil {
		rec.TriggerPayload = raw
	}
	if !c.completedAt.IsZero() {
		done := c.completedAt
		rec.CompletedAt = &done
		rec.DurationMS = done.Sub(c.startedAt).Milliseconds()
	}
	return rec
}
