package engine

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rendis/spiral/internal/execution"
	"github.com/rendis/spiral/pkg/schema"
)

// TransitionHook is called before or after a run state transition.
type TransitionHook func(ctx context.Context, ec *execution.Context, from, to schema.RunStatus) error

// EventEmitter receives the lifecycle event of each transition.
type EventEmitter func(ev schema.RunEvent)

type runHookKey struct {
	from, to schema.RunStatus
}

// RunFSM validates run state transitions, applies them to the execution
// context and emits the matching lifecycle event after the after-hooks ran.
type RunFSM struct {
	mu     sync.RWMutex
	emit   EventEmitter
	before map[runHookKey][]TransitionHook
	after  map[runHookKey][]TransitionHook
	now    func() time.Time
}

// NewRunFSM creates a RunFSM. emit may be nil.
func NewRunFSM(emit EventEmitter, now func() time.Time) *RunFSM {
	if emit == nil {
		emit = func(schema.RunEvent) {}
	}
	if now == nil {
		now = time.Now
	}
	return &RunFSM{
		emit:   emit,
		before: make(map[runHookKey][]TransitionHook),
		after:  make(map[runHookKey][]TransitionHook),
		now:    now,
	}
}

// OnBefore registers a hook called before a transition is applied.
// A hook error aborts the transition.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition is applied and before
// its event is emitted.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// OnEnter registers an after hook for every valid transition into to.
func (f *RunFSM) OnEnter(to schema.RunStatus, hook TransitionHook) {
	for from, targets := range ValidRunTransitions {
		if slices.Contains(targets, to) {
			f.OnAfter(from, to, hook)
		}
	}
}

// Transition moves the run to status to.
func (f *RunFSM) Transition(ctx context.Context, ec *execution.Context, to schema.RunStatus) error {
	from := ec.Status()
	if !IsValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": ec.RunID(), "from": string(from), "to": string(to)})
	}

	key := runHookKey{from, to}
	f.mu.RLock()
	before := slices.Clone(f.before[key])
	after := slices.Clone(f.after[key])
	f.mu.RUnlock()

	for _, hook := range before {
		if err := hook(ctx, ec, from, to); err != nil {
			return err
		}
	}

	if err := ec.SetStatus(to); err != nil {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "run %s is already %s", ec.RunID(), from).WithCause(err)
	}

	for _, hook := range after {
		if err := hook(ctx, ec, from, to); err != nil {
			return err
		}
	}

	if typ := runEventType(to); typ != "" {
		rec := ec.Record()
		f.emit(schema.RunEvent{
			Type:           typ,
			WorkflowID:     rec.WorkflowID,
			WorkflowName:   rec.WorkflowName,
			RunID:          rec.RunID,
			Status:         to,
			Error:          rec.Error,
			FailedActionID: rec.FailedActionID,
			Timestamp:      f.now(),
		})
	}
	return nil
}

// IsValidRunTransition reports whether from -> to is allowed.
func IsValidRunTransition(from, to schema.RunStatus) bool {
	return slices.Contains(ValidRunTransitions[from], to)
}

func runEventType(to schema.RunStatus) string {
	switch to {
	case schema.RunRunning:
		return schema.EventWorkflowStarted
	case schema.RunCompleted, schema.RunFailed, schema.RunCancelled:
		return schema.TerminalEventType(to)
	}
	return ""
}

// ValidRunTransitions defines the allowed run state transitions.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunPending:   {schema.RunRunning, schema.RunCancelled},
	schema.RunRunning:   {schema.RunCompleted, schema.RunFailed, schema.RunCancelled},
	schema.RunCompleted: {},
	schema.RunFailed:    {},
	schema.RunCancelled: {},
}
