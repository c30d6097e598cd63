package store

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/spiral/pkg/schema"
)

func TestCachedStoreServesHotDefinitions(t *testing.T) {
	backing := newTestStore(t)
	c := NewCachedStore(backing, time.Minute, 0)
	ctx := context.Background()

	wf := seedWorkflow(t, c, "cached")
	assert.False(t, c.Cached(wf.ID))

	_, err := c.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.True(t, c.Cached(wf.ID))

	// A change made behind the cache's back stays invisible until invalidated.
	wf.Description = "direct"
	require.NoError(t, backing.SaveWorkflow(ctx, wf))
	got, err := c.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Description)

	wf.Description = "through cache"
	require.NoError(t, c.SaveWorkflow(ctx, wf))
	got, err = c.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "through cache", got.Description)
}

// interleavedStore runs during after the first backing read completes,
// standing in for a writer that races a cache miss.
type interleavedStore struct {
	Store
	during func()
	once   bool
}

func (s *interleavedStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	wf, err := s.Store.GetWorkflow(ctx, id)
	if !s.once && s.during != nil {
		s.once = true
		s.during()
	}
	return wf, err
}

func TestCachedStoreMissDoesNotCacheAcrossConcurrentSave(t *testing.T) {
	backing := &interleavedStore{Store: newTestStore(t)}
	c := NewCachedStore(backing, 0, 0)
	ctx := context.Background()

	wf := seedWorkflow(t, c, "racy")
	backing.during = func() {
		updated := *wf
		updated.Description = "saved during read"
		require.NoError(t, c.SaveWorkflow(ctx, &updated))
	}

	stale, err := c.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Empty(t, stale.Description)
	assert.False(t, c.Cached(wf.ID), "a read overtaken by a save must not fill the cache")

	got, err := c.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "saved during read", got.Description)
	assert.True(t, c.Cached(wf.ID))
}

func TestCachedStoreInvalidatesOnOutcomeAndDelete(t *testing.T) {
	c := NewCachedStore(newTestStore(t), 0, 0)
	ctx := context.Background()

	wf := seedWorkflow(t, c, "stats")
	_, err := c.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)

	require.NoError(t, c.RecordRunOutcome(ctx, wf.ID, schema.RunCompleted, 5, time.Now().UTC()))
	assert.False(t, c.Cached(wf.ID))

	got, err := c.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.Stats.ExecutionCount)

	require.NoError(t, c.DeleteWorkflow(ctx, wf.ID))
	_, err = c.GetWorkflow(ctx, wf.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

// Runs only when SPIRAL_TEST_REDIS points at a disposable Redis.
func TestRedisKV(t *testing.T) {
	addr := os.Getenv("SPIRAL_TEST_REDIS")
	if addr == "" {
		t.Skip("SPIRAL_TEST_REDIS not set")
	}
	kv := NewRedisKV(RedisConfig{Addrs: []string{addr}, Namespace: "spiral-test"})
	t.Cleanup(func() { _ = kv.Close() })
	ctx := context.Background()
	require.NoError(t, kv.Ping(ctx))

	exp := time.Now().Add(time.Minute)
	require.NoError(t, kv.PutValue(ctx, &KVEntry{Key: "k", Value: json.RawMessage(`{"a":1}`), ExpiresAt: &exp}))
	got, err := kv.GetValue(ctx, "k")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(got.Value))

	require.NoError(t, kv.DeleteValue(ctx, "k"))
	_, err = kv.GetValue(ctx, "k")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}
