package trends

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/rewired-gh/trendpilot/internal/logger"
	"github.com/rewired-gh/trendpilot/internal/models"
	"golang.org/x/sync/singleflight"
)

const refreshKey = "refresh"

// Cache holds the most recently fetched scored trends with a time-to-live.
// Concurrent callers that find the cache stale share a single fetch.
type Cache struct {
	source Source
	scorer Scorer
	now    func() time.Time

	mu          sync.RWMutex
	entries     map[string]models.ScoredTrend
	sorted      []models.ScoredTrend
	lastRefresh time.Time
	ttl         time.Duration
	timeout     time.Duration

	group singleflight.Group
}

// NewCache creates a cache over source. now may be nil, in which case
// time.Now is used.
func NewCache(source Source, scorer Scorer, ttl, fetchTimeout time.Duration, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{
		source:  source,
		scorer:  scorer,
		now:     now,
		entries: make(map[string]models.ScoredTrend),
		ttl:     ttl,
		timeout: fetchTimeout,
	}
}

// SetTTL changes the freshness bound used by subsequent Get calls.
func (c *Cache) SetTTL(ttl time.Duration) {
	c.mu.Lock()
	c.ttl = ttl
	c.mu.Unlock()
}

// SetFetchTimeout changes the bound applied to each outbound fetch.
func (c *Cache) SetFetchTimeout(d time.Duration) {
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

// LastRefresh returns the time of the last successful refresh.
func (c *Cache) LastRefresh() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRefresh
}

// Len returns the number of cached trends.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stale reports whether the cache needs a refresh.
func (c *Cache) Stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.staleLocked()
}

func (c *Cache) staleLocked() bool {
	return c.lastRefresh.IsZero() || c.now().Sub(c.lastRefresh) > c.ttl
}

// Get returns cached trends ordered by score descending, then ID ascending.
// A stale cache is refreshed first. When that refresh fails, Get returns the
// previous snapshot together with a *FetchError.
func (c *Cache) Get(ctx context.Context) ([]models.ScoredTrend, error) {
	if !c.Stale() {
		return c.Snapshot(), nil
	}
	return c.await(ctx, false)
}

// Refresh fetches, scores and upserts trends regardless of freshness.
// On failure the cache is left unchanged.
func (c *Cache) Refresh(ctx context.Context) error {
	_, err := c.await(ctx, true)
	return err
}

// Snapshot returns the cached trends without refreshing.
func (c *Cache) Snapshot() []models.ScoredTrend {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneTrends(c.sorted)
}

func (c *Cache) await(ctx context.Context, force bool) ([]models.ScoredTrend, error) {
	ch := c.group.DoChan(refreshKey, func() (any, error) {
		return c.refresh(force)
	})

	select {
	case res := <-ch:
		snapshot, _ := res.Val.([]models.ScoredTrend)
		return cloneTrends(snapshot), res.Err
	case <-ctx.Done():
		return c.Snapshot(), &FetchError{Source: c.source.Name(), Err: ctx.Err()}
	}
}

// refresh runs at most once at a time via the singleflight group. The fetch is
// bounded by its own timeout so that no single waiter's context cancels it for
// everyone else.
func (c *Cache) refresh(force bool) ([]models.ScoredTrend, error) {
	c.mu.RLock()
	fresh := !c.staleLocked()
	timeout := c.timeout
	snapshot := c.sorted
	c.mu.RUnlock()

	if fresh && !force {
		return snapshot, nil
	}

	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	source := c.source.Name()
	raw, err := c.source.FetchTrends(ctx)
	if err != nil {
		var fe *FetchError
		if !errors.As(err, &fe) {
			fe = &FetchError{Source: source, Err: err}
		}
		logger.Warn("Trend refresh from %s failed, keeping %d cached trends: %v", source, len(snapshot), err)
		return snapshot, fe
	}

	now := c.now()
	scored := make([]models.ScoredTrend, 0, len(raw))
	for _, t := range raw {
		if err := t.Validate(); err != nil {
			logger.Debug("Skipping invalid trend %q: %v", t.Name, err)
			continue
		}
		st := models.ScoredTrend{
			ID:       models.TrendID(source, t.Name),
			Name:     t.Name,
			Source:   source,
			Volume:   t.VolumeOrZero(),
			Score:    c.scorer.Score(t),
			ScoredAt: now,
		}
		if t.Query != "" || t.URL != "" {
			st.Metadata = make(map[string]string, 2)
			if t.Query != "" {
				st.Metadata["query"] = t.Query
			}
			if t.URL != "" {
				st.Metadata["url"] = t.URL
			}
		}
		scored = append(scored, st)
	}

	c.mu.Lock()
	for _, st := range scored {
		c.entries[st.ID] = st
	}
	c.lastRefresh = now
	c.sorted = sortTrends(c.entries)
	snapshot = c.sorted
	c.mu.Unlock()

	logger.Debug("Refreshed %d trends from %s (%d cached)", len(scored), source, len(snapshot))
	return snapshot, nil
}

func sortTrends(entries map[string]models.ScoredTrend) []models.ScoredTrend {
	out := make([]models.ScoredTrend, 0, len(entries))
	for _, st := range entries {
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b models.ScoredTrend) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func cloneTrends(in []models.ScoredTrend) []models.ScoredTrend {
	if in == nil {
		return nil
	}
	out := make([]models.ScoredTrend, len(in))
	for i, t := range in {
		out[i] = t.Clone()
	}
	return out
}
