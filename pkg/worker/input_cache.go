package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/petrijr/stepflow/pkg/api"
)

// InputCache serves run inputs to handlers. Concurrent misses for the same
// run share one Store fetch.
type InputCache struct {
	source api.RunInputSource
	items  *gocache.Cache
	group  singleflight.Group
}

// NewInputCache creates a cache over source. A ttl of zero never evicts.
func NewInputCache(source api.RunInputSource, ttl time.Duration) *InputCache {
	expiration, cleanup := gocache.NoExpiration, time.Duration(0)
	if ttl > 0 {
		expiration, cleanup = ttl, ttl
	}
	return &InputCache{
		source: source,
		items:  gocache.New(expiration, cleanup),
	}
}

// Get returns the input of runID, fetching it on the first request.
func (c *InputCache) Get(ctx context.Context, runID string) (json.RawMessage, error) {
	if v, ok := c.items.Get(runID); ok {
		return v.(json.RawMessage), nil
	}

	// The fetch outlives any single waiter so one cancelled handler does not
	// fail the others sharing it.
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(runID, func() (any, error) {
		if v, ok := c.items.Get(runID); ok {
			return v, nil
		}
		input, err := c.source.GetRunInput(fetchCtx, runID)
		if err != nil {
			return nil, fmt.Errorf("fetch input of run %s: %w", runID, err)
		}
		c.items.Add(runID, input, gocache.DefaultExpiration)
		return input, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(json.RawMessage), nil
	}
}

// Populate seeds the cache with an input the Store already shipped. An
// existing entry is kept.
func (c *InputCache) Populate(runID string, input json.RawMessage) {
	_ = c.items.Add(runID, input, gocache.DefaultExpiration)
}

func (c *InputCache) Has(runID string) bool {
	_, ok := c.items.Get(runID)
	return ok
}

// Clear drops every entry.
func (c *InputCache) Clear() { c.items.Flush() }

func (c *InputCache) Len() int { return c.items.ItemCount() }
