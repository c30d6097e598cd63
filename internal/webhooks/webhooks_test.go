package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/spiral/internal/store"
	"github.com/rendis/spiral/pkg/schema"
)

// memStore is an in-memory Store.
type memStore struct {
	mu         sync.Mutex
	subs       map[string]*schema.WebhookSubscription
	deliveries map[string]*schema.WebhookDelivery
	seq        int
}

func newMemStore() *memStore {
	return &memStore{
		subs:       make(map[string]*schema.WebhookSubscription),
		deliveries: make(map[string]*schema.WebhookDelivery),
	}
}

func (m *memStore) CreateSubscription(_ context.Context, sub *schema.WebhookSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "subscription %q already exists", sub.ID)
	}
	m.seq++
	sub.CreatedAt = time.Unix(int64(m.seq), 0)
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *memStore) GetSubscription(_ context.Context, id string) (*schema.WebhookSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "subscription %q not found", id)
	}
	cp := *sub
	return &cp, nil
}

func (m *memStore) ListSubscriptions(_ context.Context, filter store.SubscriptionFilter) ([]*schema.WebhookSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.WebhookSubscription
	for _, sub := range m.subs {
		if filter.Status != "" && sub.Status != filter.Status {
			continue
		}
		if filter.Event != "" && !sub.Subscribes(filter.Event) {
			continue
		}
		cp := *sub
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) UpdateSubscription(_ context.Context, sub *schema.WebhookSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "subscription %q not found", sub.ID)
	}
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *memStore) RecordDeliveryOutcome(_ context.Context, id string, success bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "subscription %q not found", id)
	}
	sub.TotalDeliveries++
	sub.LastDeliveryAt = &at
	if success {
		sub.SuccessfulDeliveries++
		sub.LastSuccessAt = &at
	} else {
		sub.FailedDeliveries++
		sub.LastFailureAt = &at
	}
	return nil
}

func (m *memStore) DeleteSubscription(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "subscription %q not found", id)
	}
	delete(m.subs, id)
	return nil
}

func (m *memStore) CreateDelivery(_ context.Context, d *schema.WebhookDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.deliveries[d.ID] = &cp
	return nil
}

func (m *memStore) UpdateDelivery(_ context.Context, d *schema.WebhookDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deliveries[d.ID]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "delivery %q not found", d.ID)
	}
	cp := *d
	m.deliveries[d.ID] = &cp
	return nil
}

func (m *memStore) GetDelivery(_ context.Context, id string) (*schema.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "delivery %q not found", id)
	}
	cp := *d
	return &cp, nil
}

func (m *memStore) ListDeliveries(_ context.Context, filter store.DeliveryFilter) ([]*schema.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.WebhookDelivery
	for _, d := range m.deliveries {
		if filter.SubscriptionID != "" && d.SubscriptionID != filter.SubscriptionID {
			continue
		}
		if len(filter.Statuses) > 0 {
			match := false
			for _, st := range filter.Statuses {
				match = match || d.Status == st
			}
			if !match {
				continue
			}
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) deliveriesFor(subID string) []*schema.WebhookDelivery {
	ds, _ := m.ListDeliveries(context.Background(), store.DeliveryFilter{SubscriptionID: subID})
	return ds
}

func newTestService(t *testing.T, st *memStore, cfg Config) *Service {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	if cfg.BackoffUnit == 0 {
		cfg.BackoffUnit = time.Millisecond
	}
	svc, err := NewService(st, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(svc.Stop)
	return svc
}

func subscribe(t *testing.T, svc *Service, url string, events []string, mutate ...func(*schema.WebhookSubscription)) *schema.WebhookSubscription {
	t.Helper()
	sub := &schema.WebhookSubscription{URL: url, Events: events, Secret: "s3cret", RetryBackoffSeconds: 1}
	for _, m := range mutate {
		m(sub)
	}
	out, err := svc.CreateSubscription(context.Background(), sub)
	require.NoError(t, err)
	return out
}

func waitDelivery(t *testing.T, st *memStore, subID string, status schema.DeliveryStatus) *schema.WebhookDelivery {
	t.Helper()
	var found *schema.WebhookDelivery
	require.Eventually(t, func() bool {
		ds := st.deliveriesFor(subID)
		if len(ds) != 1 || ds[0].Status != status {
			return false
		}
		found = ds[0]
		return true
	}, 3*time.Second, 5*time.Millisecond)
	return found
}

// --- signatures ---

func TestSignAndVerify(t *testing.T) {
	body := []byte(`{"id":"o-1","total":12.5}`)
	sig := Sign(body, "secret")

	assert.Regexp(t, `^sha256=[0-9a-f]{64}$`, sig)
	assert.True(t, VerifySignature(body, sig, "secret"))
	assert.True(t, VerifySignature(body, sig[len(SignaturePrefix):], "secret"))
	assert.False(t, VerifySignature(body, sig, "other"))
	assert.False(t, VerifySignature(body, "sha256=zz", "secret"))

	for i := range body {
		tampered := append([]byte(nil), body...)
		tampered[i] ^= 0x01
		assert.False(t, VerifySignature(tampered, sig, "secret"), "byte %d", i)
	}
}

func TestCanonicalize(t *testing.T) {
	a, err := Canonicalize(map[string]any{"b": 1, "a": map[string]any{"z": true, "y": nil}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"y":null,"z":true},"b":1}`, string(a))

	b, err := Canonicalize([]byte(`{ "b" : 1, "a": {"z": true, "y": null} }`))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	big, err := Canonicalize(json.RawMessage(`{"n":12345678901234567890,"html":"<a>"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"html":"<a>","n":12345678901234567890}`, string(big))

	_, err = Canonicalize([]byte(`{broken`))
	assert.Error(t, err)
}

// --- queue ---

func TestQueue_FIFOAndBlockingPop(t *testing.T) {
	q := NewQueue()
	q.Push(QueueItem{DeliveryID: "a"})
	q.Push(QueueItem{DeliveryID: "b"})
	assert.Equal(t, 2, q.Len())

	ctx := context.Background()
	first, err := q.Pop(ctx)
	require.NoError(t, err)
	second, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", first.DeliveryID)
	assert.Equal(t, "b", second.DeliveryID)

	got := make(chan string, 1)
	go func() {
		item, err := q.Pop(ctx)
		if err == nil {
			got <- item.DeliveryID
		}
	}()
	time.Sleep(10 * time.Millisecond)
	q.Push(QueueItem{DeliveryID: "c"})
	select {
	case id := <-got:
		assert.Equal(t, "c", id)
	case <-time.After(time.Second):
		t.Fatal("pop did not wake up")
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = q.Pop(cctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueue_ConcurrentPopsAreDistinct(t *testing.T) {
	q := NewQueue()
	const n = 200
	for i := 0; i < n; i++ {
		q.Push(QueueItem{DeliveryID: fmt.Sprintf("d-%03d", i)})
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, err := q.Pop(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				seen[item.DeliveryID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, id)
	}
}

// --- circuit breaker ---

func TestBreakers_OpenHalfOpenClose(t *testing.T) {
	now := time.Unix(1_000, 0)
	b := newBreakers(BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute}, func() time.Time { return now })

	ok, _ := b.allow("sub")
	assert.True(t, ok)
	assert.Equal(t, BreakerClosed, b.recordFailure("sub"))
	assert.Equal(t, BreakerOpen, b.recordFailure("sub"))

	ok, until := b.allow("sub")
	assert.False(t, ok)
	assert.Equal(t, now.Add(time.Minute), until)

	now = now.Add(time.Minute)
	assert.Equal(t, BreakerHalfOpen, b.state("sub"))
	ok, _ = b.allow("sub")
	assert.True(t, ok, "trial request allowed after cooldown")
	ok, _ = b.allow("sub")
	assert.False(t, ok, "one trial request at a time")

	assert.Equal(t, BreakerOpen, b.recordFailure("sub"), "failed trial request reopens")
	now = now.Add(time.Minute)
	ok, _ = b.allow("sub")
	require.True(t, ok)
	b.recordSuccess("sub")
	assert.Equal(t, BreakerClosed, b.state("sub"))

	ok, _ = b.allow("other")
	assert.True(t, ok, "circuits are per subscription")
}

func TestBreakers_DisabledWithZeroThreshold(t *testing.T) {
	b := newBreakers(BreakerConfig{}, time.Now)
	for i := 0; i < 10; i++ {
		b.recordFailure("sub")
	}
	ok, _ := b.allow("sub")
	assert.True(t, ok)
}

// --- subscriptions ---

func TestCreateSubscription_DefaultsAndValidation(t *testing.T) {
	svc := newTestService(t, newMemStore(), Config{})
	ctx := context.Background()

	sub, err := svc.CreateSubscription(ctx, &schema.WebhookSubscription{URL: "https://hooks.example.com/x", Events: []string{"workflow.completed"}})
	require.NoError(t, err)
	assert.NotEmpty(t, sub.ID)
	assert.Len(t, sub.Secret, 64)
	assert.Equal(t, schema.SubscriptionActive, sub.Status)
	assert.Equal(t, DefaultSubscriptionTimeoutSeconds, sub.TimeoutSeconds)
	assert.Equal(t, DefaultSubscriptionMaxRetries, sub.MaxRetries)
	assert.Equal(t, DefaultRetryBackoffSeconds, sub.RetryBackoffSeconds)

	bad := []*schema.WebhookSubscription{
		{URL: "ftp://example.com", Events: []string{"x"}},
		{URL: "not a url", Events: []string{"x"}},
		{URL: "https://example.com"},
		{URL: "https://example.com", Events: []string{""}},
		{URL: "https://example.com", Events: []string{"x"}, Status: "sleeping"},
		{URL: "https://example.com", Events: []string{"x"}, Filter: "payload.total >"},
	}
	for _, b := range bad {
		_, err := svc.CreateSubscription(ctx, b)
		assert.True(t, schema.IsCode(err, schema.ErrCodeValidation), "%+v: %v", b, err)
	}

	_, err = svc.UpdateSubscriptionStatus(ctx, sub.ID, "bogus")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	paused, err := svc.UpdateSubscriptionStatus(ctx, sub.ID, schema.SubscriptionPaused)
	require.NoError(t, err)
	assert.Equal(t, schema.SubscriptionPaused, paused.Status)

	require.NoError(t, svc.DeleteSubscription(ctx, sub.ID))
	_, err = svc.Subscription(ctx, sub.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

// --- dispatch and delivery ---

func TestDispatchEvent_MatchesKindStatusAndFilter(t *testing.T) {
	st := newMemStore()
	svc := newTestService(t, st, Config{})
	ctx := context.Background()

	exact := subscribe(t, svc, "https://a.example.com", []string{"order.created"})
	wildcard := subscribe(t, svc, "https://b.example.com", []string{"*"})
	other := subscribe(t, svc, "https://c.example.com", []string{"order.deleted"})
	paused := subscribe(t, svc, "https://d.example.com", []string{"order.created"}, func(s *schema.WebhookSubscription) {
		s.Status = schema.SubscriptionPaused
	})
	filtered := subscribe(t, svc, "https://e.example.com", []string{"order.created"}, func(s *schema.WebhookSubscription) {
		s.Filter = `payload.total > 100.0`
	})

	n, err := svc.DispatchEvent(ctx, "order.created", map[string]any{"total": 50.0})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, st.deliveriesFor(exact.ID), 1)
	assert.Len(t, st.deliveriesFor(wildcard.ID), 1)
	assert.Empty(t, st.deliveriesFor(other.ID))
	assert.Empty(t, st.deliveriesFor(paused.ID))
	assert.Empty(t, st.deliveriesFor(filtered.ID))

	n, err = svc.DispatchEvent(ctx, "order.created", map[string]any{"total": 150.0})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, st.deliveriesFor(filtered.ID), 1)

	d := st.deliveriesFor(exact.ID)[0]
	assert.Equal(t, schema.DeliveryPending, d.Status)
	assert.Equal(t, "order.created", d.EventKind)
	assert.True(t, VerifySignature(d.Payload, d.Signature, exact.Secret))
	assert.Equal(t, 5, svc.Pending())

	_, err = svc.DispatchEvent(ctx, "", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestDelivery_SuccessSendsSignedRequest(t *testing.T) {
	type captured struct {
		header http.Header
		body   []byte
	}
	got := make(chan captured, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- captured{header: r.Header.Clone(), body: body}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	st := newMemStore()
	svc := newTestService(t, st, Config{Client: srv.Client()})
	sub := subscribe(t, svc, srv.URL, []string{"workflow.completed"})
	svc.Start(context.Background())

	_, err := svc.DispatchEvent(context.Background(), "workflow.completed", map[string]any{"run_id": "r-1", "status": "completed"})
	require.NoError(t, err)

	var req captured
	select {
	case req = <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("no delivery received")
	}
	assert.Equal(t, "application/json", req.header.Get("Content-Type"))
	assert.Equal(t, "workflow.completed", req.header.Get(HeaderEvent))
	assert.Equal(t, "1", req.header.Get(HeaderAttempt))
	assert.NotEmpty(t, req.header.Get(HeaderDeliveryID))
	assert.True(t, VerifySignature(req.body, req.header.Get(HeaderSignature), sub.Secret))
	assert.JSONEq(t, `{"run_id":"r-1","status":"completed"}`, string(req.body))

	d := waitDelivery(t, st, sub.ID, schema.DeliverySuccess)
	assert.Equal(t, req.header.Get(HeaderDeliveryID), d.ID)
	assert.Equal(t, 1, d.Attempts)
	assert.Equal(t, http.StatusNoContent, d.LastStatusCode)
	assert.NotNil(t, d.CompletedAt)

	stored, err := svc.Subscription(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stored.SuccessfulDeliveries)
	assert.EqualValues(t, 0, stored.FailedDeliveries)
	assert.NotNil(t, stored.LastSuccessAt)
}

func TestDelivery_RetriesWithBackoffThenSucceeds(t *testing.T) {
	var (
		calls    atomic.Int32
		mu       sync.Mutex
		attempts []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts = append(attempts, r.Header.Get(HeaderAttempt))
		mu.Unlock()
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := newMemStore()
	svc := newTestService(t, st, Config{Client: srv.Client()})
	sub := subscribe(t, svc, srv.URL, []string{"x"}, func(s *schema.WebhookSubscription) { s.MaxRetries = 3 })
	svc.Start(context.Background())

	_, err := svc.DispatchEvent(context.Background(), "x", map[string]any{"k": "v"})
	require.NoError(t, err)

	d := waitDelivery(t, st, sub.ID, schema.DeliverySuccess)
	assert.Equal(t, 3, d.Attempts)
	assert.Empty(t, d.Error)
	mu.Lock()
	assert.Equal(t, []string{"1", "2", "3"}, attempts)
	mu.Unlock()
}

func TestDelivery_ExhaustedThenManualRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	st := newMemStore()
	svc := newTestService(t, st, Config{Client: srv.Client()})
	sub := subscribe(t, svc, srv.URL, []string{"x"}, func(s *schema.WebhookSubscription) { s.MaxRetries = 2 })
	ctx := context.Background()
	svc.Start(ctx)

	_, err := svc.DispatchEvent(ctx, "x", map[string]any{"k": "v"})
	require.NoError(t, err)

	d := waitDelivery(t, st, sub.ID, schema.DeliveryFailed)
	assert.Equal(t, 2, d.Attempts)
	assert.Equal(t, http.StatusInternalServerError, d.LastStatusCode)
	assert.Contains(t, d.LastResponse, "down")
	assert.Contains(t, d.Error, "500")
	assert.EqualValues(t, 2, calls.Load())

	stored, err := svc.Subscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stored.FailedDeliveries)
	assert.NotNil(t, stored.LastFailureAt)

	requeued, err := svc.RetryDelivery(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.DeliveryPending, requeued.Status)
	assert.Equal(t, 0, requeued.Attempts)

	require.Eventually(t, func() bool { return calls.Load() == 4 }, 3*time.Second, 5*time.Millisecond)
	waitDelivery(t, st, sub.ID, schema.DeliveryFailed)

	_, err = svc.RetryDelivery(ctx, "missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestRetryDelivery_RefusesSuccessful(t *testing.T) {
	st := newMemStore()
	svc := newTestService(t, st, Config{})
	require.NoError(t, st.CreateDelivery(context.Background(), &schema.WebhookDelivery{ID: "d-1", Status: schema.DeliverySuccess}))

	_, err := svc.RetryDelivery(context.Background(), "d-1")
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
}

func TestBackoff(t *testing.T) {
	svc := newTestService(t, newMemStore(), Config{BackoffUnit: time.Second})
	assert.Equal(t, 10*time.Second, svc.Backoff(10, 1))
	assert.Equal(t, 20*time.Second, svc.Backoff(10, 2))
	assert.Equal(t, 40*time.Second, svc.Backoff(10, 3))
	assert.Equal(t, 10*time.Second, svc.Backoff(10, 0))
}

func TestDelivery_OpenCircuitDefersWithoutSpendingAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	st := newMemStore()
	svc := newTestService(t, st, Config{
		Client:  srv.Client(),
		Breaker: BreakerConfig{FailureThreshold: 1, Cooldown: time.Hour},
	})
	sub := subscribe(t, svc, srv.URL, []string{"x"}, func(s *schema.WebhookSubscription) { s.MaxRetries = 5 })
	svc.Start(context.Background())

	_, err := svc.DispatchEvent(context.Background(), "x", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ds := st.deliveriesFor(sub.ID)
		return len(ds) == 1 && ds[0].NextRetryAt != nil && time.Until(*ds[0].NextRetryAt) > 30*time.Minute
	}, 3*time.Second, 5*time.Millisecond)

	d := st.deliveriesFor(sub.ID)[0]
	assert.Equal(t, schema.DeliveryRetrying, d.Status)
	assert.Equal(t, 1, d.Attempts)
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, BreakerOpen, svc.CircuitState(sub.ID))
}

func TestDelivery_InactiveSubscriptionAbandonsQueued(t *testing.T) {
	st := newMemStore()
	svc := newTestService(t, st, Config{})
	sub := subscribe(t, svc, "https://unreachable.example.com", []string{"x"})
	ctx := context.Background()

	_, err := svc.DispatchEvent(ctx, "x", nil)
	require.NoError(t, err)
	_, err = svc.UpdateSubscriptionStatus(ctx, sub.ID, schema.SubscriptionDisabled)
	require.NoError(t, err)
	svc.Start(ctx)

	d := waitDelivery(t, st, sub.ID, schema.DeliveryFailed)
	assert.Equal(t, 0, d.Attempts)
	assert.Contains(t, d.Error, "disabled")
}

func TestRecover_RequeuesUnfinishedDeliveries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := newMemStore()
	svc := newTestService(t, st, Config{Client: srv.Client()})
	sub := subscribe(t, svc, srv.URL, []string{"x"})
	ctx := context.Background()

	body := []byte(`{"k":"v"}`)
	past := time.Now().Add(-time.Minute)
	require.NoError(t, st.CreateDelivery(ctx, &schema.WebhookDelivery{
		ID: "d-pending", SubscriptionID: sub.ID, EventKind: "x", Payload: body,
		Signature: Sign(body, sub.Secret), Status: schema.DeliveryPending, MaxAttempts: 3,
	}))
	require.NoError(t, st.CreateDelivery(ctx, &schema.WebhookDelivery{
		ID: "d-retrying", SubscriptionID: sub.ID, EventKind: "x", Payload: body,
		Signature: Sign(body, sub.Secret), Status: schema.DeliveryRetrying, Attempts: 1, MaxAttempts: 3, NextRetryAt: &past,
	}))
	require.NoError(t, st.CreateDelivery(ctx, &schema.WebhookDelivery{
		ID: "d-done", SubscriptionID: sub.ID, EventKind: "x", Payload: body, Status: schema.DeliverySuccess,
	}))

	n, err := svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	svc.Start(ctx)
	require.Eventually(t, func() bool {
		ds, _ := svc.Deliveries(ctx, store.DeliveryFilter{Statuses: []schema.DeliveryStatus{schema.DeliverySuccess}})
		return len(ds) == 3
	}, 3*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 2, calls.Load())
}

// --- lifecycle forwarding ---

type recordingDispatcher struct {
	mu     sync.Mutex
	kinds  []string
	bodies []map[string]any
}

func (r *recordingDispatcher) DispatchEvent(_ context.Context, kind string, payload map[string]any) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
	r.bodies = append(r.bodies, payload)
	return 1, nil
}

func (r *recordingDispatcher) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.kinds...)
}

func TestLifecycleForwarder(t *testing.T) {
	rec := &recordingDispatcher{}
	fwd := NewLifecycleForwarder(rec, 8, false, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fwd.Run(ctx)

	now := time.Now()
	fwd.Observe(schema.RunEvent{Type: schema.EventWorkflowStarted, WorkflowID: "wf", RunID: "r", Status: schema.RunRunning, Timestamp: now})
	fwd.Observe(schema.RunEvent{Type: schema.EventActionStarted, WorkflowID: "wf", RunID: "r", ActionID: "a", Timestamp: now})
	fwd.Observe(schema.RunEvent{Type: schema.EventWorkflowFailed, WorkflowID: "wf", RunID: "r", Status: schema.RunFailed,
		Error: "boom", FailedActionID: "a", Timestamp: now})

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{schema.EventWorkflowStarted, schema.EventWorkflowFailed}, rec.snapshot())

	rec.mu.Lock()
	failed := rec.bodies[1]
	rec.mu.Unlock()
	assert.Equal(t, "r", failed["run_id"])
	assert.Equal(t, "failed", failed["status"])
	assert.Equal(t, "boom", failed["error"])
	assert.Equal(t, "a", failed["failed_action_id"])
}
