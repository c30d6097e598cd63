package store

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/rendis/spiral/pkg/schema"
)

// CachedStore fronts a Store with an in-process hot cache of workflow
// definitions. Writes go through to the backing store and invalidate the
// cached copy; reads fall back to the store on a miss. A miss only fills
// the cache when no invalidation for that id landed during the read.
type CachedStore struct {
	Store
	defs *gocache.Cache

	mu  sync.Mutex
	gen map[string]uint64
}

// NewCachedStore wraps backing with a definition cache whose entries expire
// after ttl. A non-positive ttl keeps entries until invalidated; a
// non-positive cleanup uses ten minutes.
func NewCachedStore(backing Store, ttl, cleanup time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	if cleanup <= 0 {
		cleanup = 10 * time.Minute
	}
	return &CachedStore{
		Store: backing,
		defs:  gocache.New(ttl, cleanup),
		gen:   make(map[string]uint64),
	}
}

func (c *CachedStore) SaveWorkflow(ctx context.Context, wf *schema.Workflow) error {
	if err := c.Store.SaveWorkflow(ctx, wf); err != nil {
		return err
	}
	c.invalidate(wf.ID)
	return nil
}

func (c *CachedStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	if v, ok := c.defs.Get(id); ok {
		return cloneWorkflow(v.(*schema.Workflow)), nil
	}
	c.mu.Lock()
	seen := c.gen[id]
	c.mu.Unlock()

	wf, err := c.Store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.gen[id] == seen {
		c.defs.SetDefault(id, cloneWorkflow(wf))
	}
	c.mu.Unlock()
	return wf, nil
}

func (c *CachedStore) DeleteWorkflow(ctx context.Context, id string) error {
	c.invalidate(id)
	err := c.Store.DeleteWorkflow(ctx, id)
	c.invalidate(id)
	return err
}

// RecordRunOutcome invalidates the cached copy so the next read sees fresh stats.
func (c *CachedStore) RecordRunOutcome(ctx context.Context, workflowID string, status schema.RunStatus, durationMS float64, at time.Time) error {
	err := c.Store.RecordRunOutcome(ctx, workflowID, status, durationMS, at)
	c.invalidate(workflowID)
	return err
}

// invalidate drops the cached copy and bumps the id's generation so reads
// already in flight do not put an older copy back.
func (c *CachedStore) invalidate(id string) {
	c.mu.Lock()
	c.gen[id]++
	c.defs.Delete(id)
	c.mu.Unlock()
}

// Cached reports whether a definition is currently held in memory.
func (c *CachedStore) Cached(id string) bool {
	_, ok := c.defs.Get(id)
	return ok
}

// Flush drops every cached definition.
func (c *CachedStore) Flush() {
	c.mu.Lock()
	for id := range c.gen {
		c.gen[id]++
	}
	c.defs.Flush()
	c.mu.Unlock()
}

// cloneWorkflow copies the parts of a definition callers are likely to
// mutate. Actions and conditions are treated as read-only.
func cloneWorkflow(wf *schema.Workflow) *schema.Workflow {
	cp := *wf
	if wf.Stats.LastRunAt != nil {
		t := *wf.Stats.LastRunAt
		cp.Stats.LastRunAt = &t
	}
	return &cp
}
