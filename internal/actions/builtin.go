package actions

import (
	"log/slog"

	"github.com/rendis/spiral/internal/expressions"
	"github.com/rendis/spiral/internal/store"
)

// Deps are the collaborators of the built-in handlers. Nil collaborators
// leave their handlers registered; those fail with CONFIGURATION_ERROR when run.
type Deps struct {
	HTTPClient HTTPDoer
	KV         store.KVStore
	Notifier   Notifier
	Runner     WorkflowRunner
	Alerter    Alerter
	Expr       expressions.Engine
	JQ         *expressions.JQ
	Logger     *slog.Logger
}

// RegisterBuiltins registers a handler for every action kind on exec.
func RegisterBuiltins(exec *Executor, deps Deps) error {
	logger := deps.Logger
	if logger == nil {
		logger = exec.logger
	}
	alerter := deps.Alerter
	if alerter == nil {
		alerter = NewLogAlerter(logger)
	}
	cfg := exec.Config()
	outbound := NewOutboundCallHandler(deps.HTTPClient, cfg.MaxResponseBody)

	handlers := []Handler{
		outbound,
		NewPersistDataHandler(deps.KV),
		NewNotifyHandler(outbound, deps.Notifier),
		NewSendMessageHandler(outbound, deps.Notifier),
		NewSubWorkflowHandler(deps.Runner, cfg.PollInterval),
		NewAlertHandler(alerter),
		NewMetricHandler(),
		NewLogEventHandler(logger),
		NewTransformHandler(deps.Expr, deps.JQ),
		NewBranchHandler(exec),
		NewDelayHandler(cfg.DelayFactors, cfg.MinDelay),
		NewParallelHandler(exec),
	}
	for _, h := range handlers {
		if err := exec.Registry().Register(h); err != nil {
			return err
		}
	}
	return nil
}
