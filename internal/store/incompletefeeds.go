package store

import (
	"context"
	"sync"
)

// IncompleteFeeds is the fan-in barrier over all harvesters: it tracks
// which feeds have not yet reached the live edge and releases callers of
// AwaitFullHarvest exactly once when the last feed reports up-to-date.
type IncompleteFeeds struct {
	mu        sync.Mutex
	remaining map[string]struct{}
	waiters   []chan struct{}
	released  bool
}

// NewIncompleteFeeds creates the barrier over the given feed identifiers.
func NewIncompleteFeeds(feedIDs []string) *IncompleteFeeds {
	remaining := make(map[string]struct{}, len(feedIDs))
	for _, id := range feedIDs {
		remaining[id] = struct{}{}
	}
	return &IncompleteFeeds{
		remaining: remaining,
		released:  len(remaining) == 0,
	}
}

// MarkUpToDate removes a feed from the incomplete set. Repeated calls for
// the same feed are no-ops. The empty-set transition is detected exactly
// once even under concurrent calls from different feeds.
func (f *IncompleteFeeds) MarkUpToDate(feedID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.remaining, feedID)
	if len(f.remaining) == 0 && !f.released {
		f.released = true
		// Close in registration order so waiters wake in the order queued.
		for _, ch := range f.waiters {
			close(ch)
		}
		f.waiters = nil
	}
}

// AwaitFullHarvest blocks until every feed has reported up-to-date.
// Callers arriving after the set is already empty return immediately.
func (f *IncompleteFeeds) AwaitFullHarvest(ctx context.Context) error {
	f.mu.Lock()
	if f.released {
		f.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	f.waiters = append(f.waiters, ch)
	f.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Incomplete lists the feeds still harvesting historical pages.
func (f *IncompleteFeeds) Incomplete() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.remaining))
	for id := range f.remaining {
		out = append(out, id)
	}
	return out
}

// Complete reports whether every feed has reached the live edge.
func (f *IncompleteFeeds) Complete() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}
