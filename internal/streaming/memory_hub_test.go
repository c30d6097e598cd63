package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/spiral/pkg/schema"
)

func receive(t *testing.T, ch <-chan schema.RunEvent) schema.RunEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return schema.RunEvent{}
}

func assertEmpty(t *testing.T, ch <-chan schema.RunEvent) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	event := schema.RunEvent{Type: schema.EventActionCompleted, WorkflowID: "wf-1", RunID: "run-1", ActionID: "a"}
	require.NoError(t, hub.Publish(ctx, event))

	got := receive(t, ch)
	assert.Equal(t, event, got)
}

func TestFilters(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	byWorkflow, cancel1, err := hub.Subscribe(ctx, EventFilter{WorkflowID: "wf-1"})
	require.NoError(t, err)
	defer cancel1()
	byRun, cancel2, err := hub.Subscribe(ctx, EventFilter{RunID: "run-2"})
	require.NoError(t, err)
	defer cancel2()
	byType, cancel3, err := hub.Subscribe(ctx, EventFilter{EventTypes: []string{schema.EventWorkflowFailed}})
	require.NoError(t, err)
	defer cancel3()

	hub.Observe(schema.RunEvent{Type: schema.EventWorkflowStarted, WorkflowID: "wf-1", RunID: "run-1"})
	hub.Observe(schema.RunEvent{Type: schema.EventWorkflowFailed, WorkflowID: "wf-2", RunID: "run-2"})

	assert.Equal(t, "run-1", receive(t, byWorkflow).RunID)
	assertEmpty(t, byWorkflow)
	assert.Equal(t, "wf-2", receive(t, byRun).WorkflowID)
	assertEmpty(t, byRun)
	assert.Equal(t, schema.EventWorkflowFailed, receive(t, byType).Type)
	assertEmpty(t, byType)
}

func TestCancelClosesChannel(t *testing.T) {
	hub := NewMemoryHub(0)
	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers())

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, hub.Subscribers())
	require.NoError(t, hub.Publish(context.Background(), schema.RunEvent{Type: "x"}))
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	hub := NewMemoryHub(2)
	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < 5; i++ {
		hub.Observe(schema.RunEvent{Type: schema.EventActionStarted, Attempt: i})
	}
	assert.Len(t, ch, 2)
	assert.EqualValues(t, 3, hub.Dropped())
}

func TestCancelledContext(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, hub.Publish(ctx, schema.RunEvent{}), context.Canceled)
}

func TestConcurrentPublish(t *testing.T) {
	hub := NewMemoryHub(1000)
	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				hub.Observe(schema.RunEvent{Type: schema.EventActionCompleted})
			}
		}()
	}
	wg.Wait()
	assert.Len(t, ch, 500)
}
