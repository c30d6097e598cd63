package actions

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/spiral/internal/execution"
	"github.com/rendis/spiral/internal/store"
	"github.com/rendis/spiral/pkg/schema"
)

func TestOutboundCall_ParsesJSONResponse(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "yes", r.Header.Get("X-Test"))
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"id":7}`))
	}))
	defer srv.Close()

	h := NewOutboundCallHandler(srv.Client(), 0)
	ec := newRunContext(map[string]any{"order_id": "A1"})
	out, err := h.Execute(context.Background(), &schema.Action{
		ID:   "call",
		Kind: schema.ActionOutboundCall,
		Config: mustJSON(t, map[string]any{
			"url":     srv.URL,
			"headers": map[string]any{"X-Test": "yes"},
			"body":    map[string]any{"order": "{{order_id}}"},
		}),
	}, ec)
	require.NoError(t, err)

	res := out.(map[string]any)
	assert.Equal(t, float64(200), res["status_code"])
	assert.Equal(t, map[string]any{"ok": true, "id": float64(7)}, res["body"])
	assert.Equal(t, "A1", gotBody["order"])
}

func TestOutboundCall_EnforcesAllowedHosts(t *testing.T) {
	h := NewOutboundCallHandler(nil, 0)
	_, err := h.Call(context.Background(), "call", []string{"*.example.com"}, schema.OutboundCallConfig{URL: "http://127.0.0.1:1/x"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeNonRetryable))

	assert.True(t, hostAllowed("api.example.com", []string{"*.example.com"}))
	assert.True(t, hostAllowed("example.com", []string{"Example.com"}))
	assert.False(t, hostAllowed("example.com.evil", []string{"*.example.com"}))
	assert.True(t, hostAllowed("anything", nil))
}

func TestOutboundCall_RejectsBadURL(t *testing.T) {
	h := NewOutboundCallHandler(nil, 0)
	_, err := h.Call(context.Background(), "call", nil, schema.OutboundCallConfig{URL: "ftp://files"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

type recordingNotifier struct {
	kind    string
	payload map[string]any
}

func (n *recordingNotifier) DispatchEvent(_ context.Context, kind string, payload map[string]any) (int, error) {
	n.kind, n.payload = kind, payload
	return 2, nil
}

func TestNotify_WebhookChannel(t *testing.T) {
	n := &recordingNotifier{}
	h := NewNotifyHandler(NewOutboundCallHandler(nil, 0), n)
	ec := newRunContext(map[string]any{"user": "ada"})

	out, err := h.Execute(context.Background(), &schema.Action{
		ID:   "n",
		Kind: schema.ActionNotifyChannel,
		Config: mustJSON(t, map[string]any{
			"channel": "webhook",
			"message": "hello {{user}}",
			"format":  "structured",
		}),
	}, ec)
	require.NoError(t, err)
	assert.Equal(t, defaultNotificationEvent, n.kind)
	assert.Equal(t, "hello ada", n.payload["message"])
	assert.Equal(t, "run-1", n.payload["run_id"])
	assert.Equal(t, float64(2), out.(map[string]any)["deliveries"])
}

func TestSendMessage_PostsToURL(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	h := NewSendMessageHandler(NewOutboundCallHandler(srv.Client(), 0), nil)
	ec := newRunContext(nil)

	_, err := h.Execute(context.Background(), &schema.Action{
		ID: "m", Kind: schema.ActionSendMessage,
		Config: mustJSON(t, map[string]any{"url": srv.URL, "message": "hi"}),
	}, ec)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation), "recipient is required")

	out, err := h.Execute(context.Background(), &schema.Action{
		ID: "m", Kind: schema.ActionSendMessage,
		Config: mustJSON(t, map[string]any{"url": srv.URL, "message": "hi", "recipient": "ops"}),
	}, ec)
	require.NoError(t, err)
	assert.Equal(t, "ops", got["recipient"])
	assert.Equal(t, float64(http.StatusAccepted), out.(map[string]any)["status_code"])
}

type memKV struct {
	mu   sync.Mutex
	data map[string]*store.KVEntry
}

func (m *memKV) PutValue(_ context.Context, e *store.KVEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.data[e.Key] = &cp
	return nil
}

func (m *memKV) GetValue(_ context.Context, key string) (*store.KVEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "key %s not found", key)
	}
	return e, nil
}

func (m *memKV) DeleteValue(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func TestPersistData(t *testing.T) {
	kv := &memKV{data: map[string]*store.KVEntry{}}
	h := NewPersistDataHandler(kv)
	h.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ec := newRunContext(map[string]any{"customer": "c-9"})

	_, err := h.Execute(context.Background(), &schema.Action{
		ID: "save", Kind: schema.ActionPersistData,
		Config: mustJSON(t, map[string]any{"key": "cust:{{customer}}", "ttl": "1m"}),
	}, ec)
	require.NoError(t, err)

	e := kv.data["cust:c-9"]
	require.NotNil(t, e)
	assert.JSONEq(t, `{"customer":"c-9"}`, string(e.Value))
	assert.Equal(t, "run-1", e.Metadata["run_id"])
	require.NotNil(t, e.ExpiresAt)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC), *e.ExpiresAt)

	_, err = h.Execute(context.Background(), &schema.Action{
		ID: "save", Kind: schema.ActionPersistData,
		Config: mustJSON(t, map[string]any{"key": "k", "ttl": "soon"}),
	}, ec)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

type fakeRunner struct {
	mu        sync.Mutex
	polls     int
	doneAfter int
	final     schema.RunStatus
	cancelled string
}

func (f *fakeRunner) StartSubWorkflow(_ context.Context, name string, _ map[string]any, parent string) (string, error) {
	return "child-of-" + parent, nil
}

func (f *fakeRunner) RunStatus(_ context.Context, runID string) (*schema.RunRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	status := schema.RunRunning
	if f.doneAfter > 0 && f.polls >= f.doneAfter {
		status = f.final
	}
	return &schema.RunRecord{RunID: runID, Status: status, Variables: map[string]any{"x": 1.0}}, nil
}

func (f *fakeRunner) CancelRun(_ context.Context, runID string) error {
	f.mu.Lock()
	f.cancelled = runID
	f.mu.Unlock()
	return nil
}

func subWorkflowAction(t *testing.T, wait bool) *schema.Action {
	return &schema.Action{
		ID: "sub", Kind: schema.ActionInvokeSubWorkflow,
		Config: mustJSON(t, map[string]any{"workflow": "child", "wait": wait, "poll_interval": "10ms"}),
	}
}

func TestSubWorkflow_WaitsForCompletion(t *testing.T) {
	runner := &fakeRunner{doneAfter: 3, final: schema.RunCompleted}
	h := NewSubWorkflowHandler(runner, 0)

	out, err := h.Execute(context.Background(), subWorkflowAction(t, true), newRunContext(nil))
	require.NoError(t, err)
	res := out.(map[string]any)
	assert.Equal(t, "child-of-run-1", res["run_id"])
	assert.Equal(t, string(schema.RunCompleted), res["status"])
	assert.Equal(t, 3, runner.polls)
}

func TestSubWorkflow_FailedChild(t *testing.T) {
	h := NewSubWorkflowHandler(&fakeRunner{doneAfter: 1, final: schema.RunFailed}, 0)
	_, err := h.Execute(context.Background(), subWorkflowAction(t, true), newRunContext(nil))
	assert.True(t, schema.IsCode(err, schema.ErrCodeActionFailure))
}

func TestSubWorkflow_FireAndForget(t *testing.T) {
	runner := &fakeRunner{}
	h := NewSubWorkflowHandler(runner, 0)
	out, err := h.Execute(context.Background(), subWorkflowAction(t, false), newRunContext(nil))
	require.NoError(t, err)
	assert.Equal(t, string(schema.RunPending), out.(map[string]any)["status"])
	assert.Zero(t, runner.polls)
}

func TestSubWorkflow_CancellationPropagates(t *testing.T) {
	runner := &fakeRunner{}
	h := NewSubWorkflowHandler(runner, 0)
	ec := newRunContext(nil)
	time.AfterFunc(30*time.Millisecond, ec.Cancel)

	_, err := h.Execute(context.Background(), subWorkflowAction(t, true), ec)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCancelled))
	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Equal(t, "child-of-run-1", runner.cancelled)
}

type captureAlerter struct{ got []Alert }

func (c *captureAlerter) Alert(_ context.Context, a Alert) error {
	c.got = append(c.got, a)
	return nil
}

func TestRaiseAlert(t *testing.T) {
	c := &captureAlerter{}
	h := NewAlertHandler(c)
	out, err := h.Execute(context.Background(), &schema.Action{
		ID: "a", Kind: schema.ActionRaiseAlert,
		Config: mustJSON(t, map[string]any{"severity": "HIGH", "message": "disk full"}),
	}, newRunContext(nil))
	require.NoError(t, err)
	require.Len(t, c.got, 1)
	assert.Equal(t, SeverityError, c.got[0].Severity)
	assert.Equal(t, "run-1", c.got[0].RunID)
	assert.Equal(t, SeverityError, out.(map[string]any)["severity"])

	assert.Equal(t, SeverityWarning, NormalizeSeverity("meh"))
	assert.Equal(t, SeverityCritical, NormalizeSeverity("critical"))
}

func TestHTTPAlerter(t *testing.T) {
	var got Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	a := NewHTTPAlerter(srv.URL, srv.Client())
	require.NoError(t, a.Alert(context.Background(), Alert{Severity: SeverityInfo, Message: "m"}))
	assert.Equal(t, "m", got.Message)
}

func TestUpdateMetric_Clamps(t *testing.T) {
	h := NewMetricHandler()
	ec := newRunContext(nil)
	run := func(cfg map[string]any) float64 {
		t.Helper()
		out, err := h.Execute(context.Background(), &schema.Action{ID: "m", Kind: schema.ActionUpdateMetric, Config: mustJSON(t, cfg)}, ec)
		require.NoError(t, err)
		return out.(map[string]any)["value"].(float64)
	}

	assert.Equal(t, 40.0, run(map[string]any{"metric": "risk", "operation": "set", "value": 40}))
	assert.Equal(t, 100.0, run(map[string]any{"metric": "risk", "operation": "increment", "value": 150}))
	assert.Equal(t, 0.0, run(map[string]any{"metric": "risk", "operation": "decrement", "value": 500}))
	assert.Equal(t, 5.0, run(map[string]any{"metric": "load", "operation": "set", "value": 5, "min": 1, "max": 10}))
	assert.Equal(t, 10.0, run(map[string]any{"metric": "load", "operation": "multiply", "value": 3, "min": 1, "max": 10}))
	assert.Equal(t, 10.0, ec.Impact("load"))

	_, err := h.Execute(context.Background(), &schema.Action{
		ID: "m", Kind: schema.ActionUpdateMetric,
		Config: mustJSON(t, map[string]any{"metric": "risk", "operation": "divide", "value": 2}),
	}, ec)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestLogEvent_WritesRunLog(t *testing.T) {
	h := NewLogEventHandler(nil)
	ec := newRunContext(map[string]any{"n": 3.0})
	_, err := h.Execute(context.Background(), &schema.Action{
		ID: "l", Kind: schema.ActionLogEvent,
		Config: mustJSON(t, map[string]any{"level": "warning", "message": "count={{n}}"}),
	}, ec)
	require.NoError(t, err)

	logs := ec.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, schema.LevelWarn, logs[0].Level)
	assert.Equal(t, "count=3", logs[0].Message)
	assert.Equal(t, "l", logs[0].ActionID)
}

func TestLogEvent_NeverFails(t *testing.T) {
	h := NewLogEventHandler(nil)

	tests := []struct {
		name    string
		config  map[string]any
		message string
		warned  bool
	}{
		{"numeric reference", map[string]any{"message": "{{count}}"}, "5", false},
		{"map reference", map[string]any{"message": "{{user}}"}, `{"id":"u-1"}`, false},
		{"unclosed reference", map[string]any{"message": "total {{count"}, "total {{count", true},
		{"non-string message", map[string]any{"message": 42}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec := newRunContext(map[string]any{"count": 5.0, "user": map[string]any{"id": "u-1"}})
			out, err := h.Execute(context.Background(), &schema.Action{
				ID: "l", Kind: schema.ActionLogEvent, Config: mustJSON(t, tt.config),
			}, ec)
			require.NoError(t, err)

			logs := ec.Logs()
			require.NotEmpty(t, logs)
			last := logs[len(logs)-1]
			assert.Equal(t, schema.LevelInfo, last.Level)
			if tt.message != "" {
				assert.Equal(t, tt.message, last.Message)
				assert.Equal(t, tt.message, out.(map[string]any)["message"])
			}
			if tt.warned {
				assert.Equal(t, schema.LevelWarn, logs[0].Level)
			} else {
				assert.Len(t, logs, 1)
			}
		})
	}
}

func TestTransformData(t *testing.T) {
	h := NewTransformHandler(nil, nil)
	ec := newRunContext(map[string]any{
		"order_id": "A1",
		"items":    []any{map[string]any{"sku": "a", "price": 10.0}, map[string]any{"sku": "b", "price": 30.0}},
	})

	_, err := h.Execute(context.Background(), &schema.Action{
		ID: "t", Kind: schema.ActionTransformData,
		Config: mustJSON(t, map[string]any{"operations": []any{
			map[string]any{"op": "map", "source": "items", "target": "doubled", "expression": "item.price * 2"},
			map[string]any{"op": "filter", "source": "items", "target": "expensive", "expression": "item.price > 15"},
			map[string]any{"op": "template", "target": "title", "template": "Order {{order_id}}"},
			map[string]any{"op": "template", "source": "items", "target": "labels", "template": "{{index}}:{{item.sku}}"},
			map[string]any{"op": "compute", "target": "count", "expression": "len(items)"},
			map[string]any{"op": "jq", "target": "skus", "expression": "[.variables.items[].sku]"},
			map[string]any{"op": "jq", "source": "items", "target": "total", "expression": "map(.price) | add"},
		}}),
	}, ec)
	require.NoError(t, err)

	get := func(k string) any {
		v, _ := ec.Get(k)
		return v
	}
	assert.Equal(t, []any{20.0, 60.0}, get("doubled"))
	assert.Equal(t, []any{map[string]any{"sku": "b", "price": 30.0}}, get("expensive"))
	assert.Equal(t, "Order A1", get("title"))
	assert.Equal(t, []any{"0:a", "1:b"}, get("labels"))
	assert.EqualValues(t, 2, get("count"))
	assert.Equal(t, []any{"a", "b"}, get("skus"))
	assert.Equal(t, 40.0, get("total"))
}

func TestTransformData_BadOperation(t *testing.T) {
	h := NewTransformHandler(nil, nil)
	_, err := h.Execute(context.Background(), &schema.Action{
		ID: "t", Kind: schema.ActionTransformData,
		Config: mustJSON(t, map[string]any{"operations": []any{
			map[string]any{"op": "explode", "target": "x"},
		}}),
	}, newRunContext(nil))
	require.Error(t, err)
	var se *schema.SpiralError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, schema.ErrCodeValidation, se.Code)
	assert.Equal(t, 0, se.Details["operation_index"])
}

func TestBranch_TakesElsePath(t *testing.T) {
	exec := newTestExecutor(t, nil, nil)
	require.NoError(t, RegisterBuiltins(exec, Deps{}))
	ec := newRunContext(map[string]any{"amount": 5.0})

	action := &schema.Action{
		ID: "route", Kind: schema.ActionConditionalBranch,
		Config: mustJSON(t, map[string]any{
			"conditions": []any{map[string]any{"field": "amount", "operator": "greater_than", "value": 10}},
			"then":       []any{map[string]any{"id": "big", "kind": "log_event", "config": map[string]any{"message": "big order"}}},
			"else":       []any{map[string]any{"id": "small", "kind": "log_event", "config": map[string]any{"message": "small order {{amount}}"}}},
		}),
	}
	out, err := exec.Execute(context.Background(), action, ec)
	require.NoError(t, err)
	assert.Equal(t, "else", out.(map[string]any)["branch"])

	var messages []string
	for _, l := range ec.Logs() {
		messages = append(messages, l.Message)
	}
	assert.Contains(t, messages, "small order 5")
	assert.NotContains(t, messages, "big order")
}

func TestDelay_ScalesByPriority(t *testing.T) {
	h := NewDelayHandler(DefaultConfig().DelayFactors, 10*time.Millisecond)
	assert.Equal(t, 25*time.Millisecond, h.Scale(100*time.Millisecond, schema.PriorityUrgent))
	assert.Equal(t, 150*time.Millisecond, h.Scale(100*time.Millisecond, schema.PriorityLow))
	assert.Equal(t, 10*time.Millisecond, h.Scale(time.Millisecond, schema.PriorityNormal))
	assert.Equal(t, 100*time.Millisecond, h.Scale(100*time.Millisecond, "unknown"))
}

func TestDelay_WakesOnCancel(t *testing.T) {
	h := NewDelayHandler(nil, time.Millisecond)
	ec := newRunContext(nil)
	time.AfterFunc(20*time.Millisecond, ec.Cancel)

	start := time.Now()
	out, err := h.Execute(context.Background(), &schema.Action{
		ID: "d", Kind: schema.ActionDelay, Config: mustJSON(t, map[string]any{"duration": "10s"}),
	}, ec)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, true, out.(map[string]any)["interrupted"])
}

func parallelChildren(t *testing.T, n int) []any {
	children := make([]any, n)
	for i := range children {
		children[i] = map[string]any{"id": string(rune('a' + i)), "kind": "update_metric",
			"config": map[string]any{"metric": "m", "operation": "set", "value": 1}}
	}
	return children
}

func TestParallel_RespectsConcurrencyCap(t *testing.T) {
	exec := newTestExecutor(t, nil, nil)
	var active, peak, done atomic.Int32
	require.NoError(t, exec.Registry().Register(&stubHandler{
		kind: schema.ActionUpdateMetric,
		fn: func(context.Context, *schema.Action, *execution.Context) (any, error) {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			active.Add(-1)
			done.Add(1)
			return "ok", nil
		},
	}))
	require.NoError(t, exec.Registry().Register(NewParallelHandler(exec)))

	ec := newRunContext(nil)
	out, err := exec.Execute(context.Background(), &schema.Action{
		ID: "fan", Kind: schema.ActionParallelGroup,
		Config: mustJSON(t, map[string]any{"actions": parallelChildren(t, 5), "max_concurrency": 2, "wait_for_all": true}),
	}, ec)
	require.NoError(t, err)

	assert.EqualValues(t, 5, done.Load(), "group returns only after every child")
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, float64(5), out.(map[string]any)["completed"])
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		_, ok := ec.Get(execution.ResultKey(id))
		assert.True(t, ok, "result of %s merged", id)
	}
	assert.Equal(t, 6, ec.ActionsRun())
}

func TestParallel_DetachedChildrenAreTrackedByTheRun(t *testing.T) {
	exec := newTestExecutor(t, nil, nil)
	require.NoError(t, RegisterBuiltins(exec, Deps{}))
	ec := newRunContext(nil)

	out, err := exec.Execute(context.Background(), &schema.Action{
		ID: "fan", Kind: schema.ActionParallelGroup,
		Config: mustJSON(t, map[string]any{"wait_for_all": false, "actions": []any{
			map[string]any{"id": "d", "kind": "delay", "config": map[string]any{"duration": "30ms"}},
			map[string]any{"id": "m", "kind": "update_metric", "config": map[string]any{"metric": "m", "value": 7}},
		}}),
	}, ec)
	require.NoError(t, err)
	assert.Equal(t, false, out.(map[string]any)["waited"])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ec.WaitDetached(ctx))

	assert.Equal(t, 7.0, ec.Impact("m"))
	_, ok := ec.Get(execution.ResultKey("d"))
	assert.True(t, ok)
}

func TestParallel_CollectsErrors(t *testing.T) {
	exec := newTestExecutor(t, nil, nil)
	require.NoError(t, RegisterBuiltins(exec, Deps{}))
	ec := newRunContext(nil)

	out, err := exec.Execute(context.Background(), &schema.Action{
		ID: "fan", Kind: schema.ActionParallelGroup,
		Config: mustJSON(t, map[string]any{"actions": []any{
			map[string]any{"id": "ok", "kind": "update_metric", "config": map[string]any{"metric": "m", "value": 3}},
			map[string]any{"id": "bad", "kind": "update_metric", "config": map[string]any{"metric": "m", "operation": "divide"}},
		}}),
	}, ec)
	require.NoError(t, err)
	res := out.(map[string]any)
	assert.Equal(t, float64(1), res["completed"])
	assert.Equal(t, float64(1), res["failed"])
	assert.Len(t, res["errors"], 1)
	assert.Equal(t, 3.0, ec.Impact("m"))
}

func TestParallel_CancelledBeforeDispatch(t *testing.T) {
	exec := newTestExecutor(t, nil, nil)
	require.NoError(t, RegisterBuiltins(exec, Deps{}))
	ec := newRunContext(nil)
	ec.Cancel()

	h := NewParallelHandler(exec)
	out, err := h.Execute(context.Background(), &schema.Action{
		ID: "fan", Kind: schema.ActionParallelGroup,
		Config: mustJSON(t, map[string]any{"actions": parallelChildren(t, 3)}),
	}, ec)
	require.NoError(t, err)
	assert.Equal(t, float64(3), out.(map[string]any)["cancelled"])
	assert.Zero(t, ec.ActionsRun())
}

func TestParallel_LimitFromPriority(t *testing.T) {
	h := NewParallelHandler(newTestExecutor(t, nil, nil))
	assert.Equal(t, 1, h.Limit(schema.ParallelConfig{}, schema.PriorityLow))
	assert.Equal(t, 8, h.Limit(schema.ParallelConfig{}, schema.PriorityUrgent))
	assert.Equal(t, 3, h.Limit(schema.ParallelConfig{MaxConcurrency: 3}, schema.PriorityUrgent))
}
