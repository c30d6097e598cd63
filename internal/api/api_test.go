package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/spiral/internal/actions"
	"github.com/rendis/spiral/internal/engine"
	"github.com/rendis/spiral/internal/store"
	"github.com/rendis/spiral/internal/streaming"
	"github.com/rendis/spiral/internal/webhooks"
	"github.com/rendis/spiral/pkg/schema"
)

type testEnv struct {
	handler  http.Handler
	engine   *engine.Engine
	webhooks *webhooks.Service
	hub      *streaming.MemoryHub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	svc, err := webhooks.NewService(st, webhooks.Config{PollInterval: 5 * time.Millisecond, BackoffUnit: time.Millisecond}, nil)
	require.NoError(t, err)

	eng, err := engine.New(st, engine.Config{}, actions.Deps{Notifier: svc}, nil)
	require.NoError(t, err)
	hub := streaming.NewMemoryHub(64)
	eng.Subscribe(hub.Observe)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
		svc.Stop()
	})

	srv := NewServer(Deps{Engine: eng, Webhooks: svc, Hub: hub})
	return &testEnv{handler: srv.Handler(), engine: eng, webhooks: svc, hub: hub}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[errorBody](t, rec).Error.Code
}

const greetWorkflow = `{
  "id": "greet",
  "name": "greet",
  "enabled": true,
  "trigger": {"kind": "manual"},
  "actions": [{"id": "say", "kind": "log_event", "config": {"message": "hello {{name}}"}}]
}`

func TestWorkflowCRUD(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/workflows", greetWorkflow)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	wf := decode[schema.Workflow](t, rec)
	assert.Equal(t, "greet", wf.ID)
	assert.Equal(t, 1, wf.Version)

	rec = env.do(t, http.MethodPost, "/workflows", greetWorkflow)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, schema.ErrCodeConflict, errorCode(t, rec))

	rec = env.do(t, http.MethodGet, "/workflows/greet", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "greet", decode[schema.Workflow](t, rec).Name)

	rec = env.do(t, http.MethodPut, "/workflows/greet", greetWorkflow)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2, decode[schema.Workflow](t, rec).Version)

	rec = env.do(t, http.MethodPut, "/workflows/other", greetWorkflow)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/workflows?enabled=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Workflows []schema.Workflow `json:"workflows"`
		Total     int               `json:"total"`
	}](t, rec)
	assert.Equal(t, 1, list.Total)

	rec = env.do(t, http.MethodPatch, "/workflows/greet", map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[schema.Workflow](t, rec).Enabled)

	rec = env.do(t, http.MethodDelete, "/workflows/greet", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/workflows/greet", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, schema.ErrCodeNotFound, errorCode(t, rec))
}

func TestCreateWorkflowRejectsInvalidDocument(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/workflows", `{"name": "bad", "trigger": {"kind": "manual"}, "actions": [{"id": "x", "kind": "teleport"}]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, schema.ErrCodeConfiguration, errorCode(t, rec))

	rec = env.do(t, http.MethodPost, "/workflows", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, schema.ErrCodeValidation, errorCode(t, rec))

	rec = env.do(t, http.MethodPost, "/workflows/validate", `{"name": "bad", "trigger": {"kind": "manual"}, "actions": [{"id": "x", "kind": "teleport"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	result := decode[struct {
		Valid  bool                     `json:"valid"`
		Errors []schema.ValidationIssue `json:"errors"`
	}](t, rec)
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.Errors)
}

func TestTriggerAndRuns(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/workflows", greetWorkflow).Code)

	rec := env.do(t, http.MethodPost, "/workflows/greet/trigger?wait=true", map[string]any{"name": "ada"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run := decode[schema.RunRecord](t, rec)
	assert.Equal(t, schema.RunCompleted, run.Status)

	rec = env.do(t, http.MethodPost, "/workflows/greet/trigger", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	res := decode[engine.TriggerResult](t, rec)
	require.NotEmpty(t, res.RunID)
	assert.Equal(t, schema.RunPending, res.Status)

	require.Eventually(t, func() bool {
		rec := env.do(t, http.MethodGet, "/runs/"+res.RunID, nil)
		return rec.Code == http.StatusOK && decode[schema.RunRecord](t, rec).Status == schema.RunCompleted
	}, 5*time.Second, 10*time.Millisecond)

	rec = env.do(t, http.MethodGet, "/runs?workflow_id=greet", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[struct {
		Total int `json:"total"`
	}](t, rec)
	assert.Equal(t, 2, runs.Total)

	rec = env.do(t, http.MethodPost, "/runs/"+res.RunID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, schema.ErrCodeInvalidTransition, errorCode(t, rec))

	assert.Eventually(t, func() bool {
		rec := env.do(t, http.MethodGet, "/statistics", nil)
		return rec.Code == http.StatusOK && decode[schema.Statistics](t, rec).TotalExecutions == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTriggerErrors(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/workflows/missing/trigger", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/workflows", greetWorkflow).Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPatch, "/workflows/greet", map[string]any{"enabled": false}).Code)

	rec = env.do(t, http.MethodPost, "/workflows/greet/trigger", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, schema.ErrCodeValidation, errorCode(t, rec))

	rec = env.do(t, http.MethodPost, "/workflows/greet/trigger?wait=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTriggerByName(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/workflows/by-name/greet/trigger", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/workflows", greetWorkflow).Code)
	rec = env.do(t, http.MethodPost, "/workflows/by-name/greet/trigger", map[string]any{"name": "ada"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	res := decode[engine.TriggerResult](t, rec)
	require.NotEmpty(t, res.RunID)

	require.Eventually(t, func() bool {
		rec := env.do(t, http.MethodGet, "/runs/"+res.RunID, nil)
		return rec.Code == http.StatusOK && decode[schema.RunRecord](t, rec).Status == schema.RunCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestInboundEventsAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/workflows", `{
	  "id": "on-order", "name": "on-order", "enabled": true,
	  "trigger": {"kind": "inbound_event", "config": {"event": "order.created"}},
	  "actions": [{"id": "log", "kind": "log_event", "config": {"message": "order {{id}}"}}]
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/events", map[string]any{"event": "order.created", "payload": map[string]any{"id": "o-1"}})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	body := decode[struct {
		Runs []engine.TriggerResult `json:"runs"`
	}](t, rec)
	require.Len(t, body.Runs, 1)
	assert.Equal(t, "on-order", body.Runs[0].WorkflowID)

	rec = env.do(t, http.MethodPost, "/events", map[string]any{"event": "order.shipped"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, decode[struct {
		Runs []engine.TriggerResult `json:"runs"`
	}](t, rec).Runs)

	rec = env.do(t, http.MethodPost, "/events", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/metrics", map[string]any{"name": "cpu"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/metrics", map[string]any{"name": "cpu", "value": 12.5})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestRunEventStream(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/workflows", greetWorkflow).Code)

	rec := env.do(t, http.MethodPost, "/workflows/greet/trigger?wait=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	run := decode[schema.RunRecord](t, rec)

	rec = env.do(t, http.MethodGet, "/runs/"+run.RunID+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "event: status\n")
	assert.Contains(t, rec.Body.String(), `"status":"completed"`)

	rec = env.do(t, http.MethodGet, "/runs/nope/events", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLiveRunEventStream(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/workflows", `{
	  "id": "slow", "name": "slow", "enabled": true,
	  "trigger": {"kind": "manual"},
	  "actions": [{"id": "wait", "kind": "delay", "config": {"duration": "200ms"}}]
	}`).Code)

	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	rec := env.do(t, http.MethodPost, "/workflows/slow/trigger", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	res := decode[engine.TriggerResult](t, rec)

	resp, err := http.Get(srv.URL + "/runs/" + res.RunID + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "event: status\n")
	assert.Contains(t, string(body), "event: "+schema.EventWorkflowCompleted+"\n")
}

func TestSubscriptionsAndDeliveries(t *testing.T) {
	env := newTestEnv(t)

	var mu sync.Mutex
	var got []*http.Request
	var bodies [][]byte
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, r)
		bodies = append(bodies, b)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer receiver.Close()

	rec := env.do(t, http.MethodPost, "/subscriptions", map[string]any{
		"url": receiver.URL, "events": []string{"order.created"}, "secret": "s3cret",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sub := decode[subscriptionView](t, rec)
	assert.Equal(t, "s3cret", sub.Secret)
	assert.Equal(t, "closed", sub.Circuit)

	rec = env.do(t, http.MethodGet, "/subscriptions/"+sub.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "********", decode[subscriptionView](t, rec).Secret)

	rec = env.do(t, http.MethodPost, "/subscriptions", map[string]any{"url": "ftp://x", "events": []string{"a"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.webhooks.Start(context.Background())
	rec = env.do(t, http.MethodPost, "/webhooks/events", map[string]any{"kind": "order.created", "payload": map[string]any{"id": 7}})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, decode[map[string]any](t, rec)["deliveries"])

	require.Eventually(t, func() bool {
		rec := env.do(t, http.MethodGet, "/deliveries?status=success", nil)
		return decode[struct {
			Total int `json:"total"`
		}](t, rec).Total == 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.Len(t, got, 1)
	signature := got[0].Header.Get(webhooks.HeaderSignature)
	body := bodies[0]
	mu.Unlock()

	rec = env.do(t, http.MethodPost, "/webhooks/verify", map[string]any{
		"payload": json.RawMessage(body), "signature": signature, "subscription_id": sub.ID,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, map[string]bool{"valid": true}, decode[map[string]bool](t, rec))

	rec = env.do(t, http.MethodPost, "/webhooks/verify", map[string]any{
		"payload": json.RawMessage(body), "signature": signature, "secret": "wrong",
	})
	assert.Equal(t, map[string]bool{"valid": false}, decode[map[string]bool](t, rec))

	rec = env.do(t, http.MethodGet, "/deliveries?subscription_id="+sub.ID, nil)
	deliveries := decode[struct {
		Deliveries []schema.WebhookDelivery `json:"deliveries"`
	}](t, rec)
	require.Len(t, deliveries.Deliveries, 1)

	rec = env.do(t, http.MethodPost, "/deliveries/"+deliveries.Deliveries[0].ID+"/retry", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPatch, "/subscriptions/"+sub.ID, map[string]any{"status": "paused"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, schema.SubscriptionPaused, decode[subscriptionView](t, rec).Status)

	rec = env.do(t, http.MethodPatch, "/subscriptions/"+sub.ID, map[string]any{"status": "sleeping"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodDelete, "/subscriptions/"+sub.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodGet, "/subscriptions/"+sub.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRoutingErrors(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/nowhere", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, rec))

	rec = env.do(t, http.MethodDelete, "/statistics", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]any](t, rec)["status"])

	rec = env.do(t, http.MethodGet, "/schedules", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHTTPStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, httpStatus(schema.ErrCodeValidation))
	assert.Equal(t, http.StatusNotFound, httpStatus(schema.ErrCodeNotFound))
	assert.Equal(t, http.StatusConflict, httpStatus(schema.ErrCodeInvalidTransition))
	assert.Equal(t, http.StatusTooManyRequests, httpStatus(schema.ErrCodeRateLimited))
	assert.Equal(t, http.StatusServiceUnavailable, httpStatus(schema.ErrCodeCancelled))
	assert.Equal(t, http.StatusInternalServerError, httpStatus(schema.ErrCodeStore))
}

func TestWorkflowDiagram(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/workflows", greetWorkflow).Code)

	rec := env.do(t, http.MethodGet, "/workflows/greet/diagram", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "graph TD")
	assert.Contains(t, rec.Body.String(), `say["say (log_event)"]`)

	rec = env.do(t, http.MethodPost, "/workflows/greet/trigger?wait=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	run := decode[schema.RunRecord](t, rec)

	rec = env.do(t, http.MethodGet, "/workflows/greet/diagram?format=ascii&run_id="+run.RunID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "=== greet ===")
	assert.Contains(t, rec.Body.String(), "[OK]")

	rec = env.do(t, http.MethodGet, "/workflows/greet/diagram?format=png", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/workflows/missing/diagram", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
