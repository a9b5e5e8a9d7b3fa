package store

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"openactive/broker/internal/rpde"
)

// OrderFeedType distinguishes the two order feed flavours.
type OrderFeedType string

const (
	OrderFeedOrders         OrderFeedType = "orders"
	OrderFeedOrderProposals OrderFeedType = "order-proposals"
)

// OrderFeedKey identifies one order feed: its flavour and the booking
// partner it is authenticated as.
type OrderFeedKey struct {
	FeedType       OrderFeedType
	BookingPartner string
}

// CursorStore persists order feed cursors so consumers can resume polling
// after a restart. Persistence failures are logged, never fatal.
type CursorStore interface {
	SaveCursor(ctx context.Context, feedType, bookingPartner, modified string) error
}

// OrderUUIDTracker records, per order feed, the last observed modified
// cursor and the set of order UUIDs seen so far. Duplicate detection is
// advisory: RecordSeen reports it but nothing is rejected.
type OrderUUIDTracker struct {
	mu      sync.Mutex
	cursors map[OrderFeedKey]string
	seen    map[OrderFeedKey]map[string]struct{}
	persist CursorStore
}

// NewOrderUUIDTracker creates a tracker. persist may be nil for a purely
// in-memory tracker.
func NewOrderUUIDTracker(persist CursorStore) *OrderUUIDTracker {
	return &OrderUUIDTracker{
		cursors: make(map[OrderFeedKey]string),
		seen:    make(map[OrderFeedKey]map[string]struct{}),
		persist: persist,
	}
}

// Restore seeds a cursor, e.g. from the persistent store at startup.
func (t *OrderUUIDTracker) Restore(key OrderFeedKey, modified string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cursors[key] = modified
}

// RecordSeen notes an order UUID and its modified value arriving on the
// given feed. The cursor follows arrival order, not modified order.
// Returns true when the UUID was already seen on this feed.
func (t *OrderUUIDTracker) RecordSeen(ctx context.Context, key OrderFeedKey, orderUUID, modified string) (duplicate bool) {
	t.mu.Lock()
	if t.seen[key] == nil {
		t.seen[key] = make(map[string]struct{})
	}
	_, duplicate = t.seen[key][orderUUID]
	t.seen[key][orderUUID] = struct{}{}
	t.cursors[key] = modified
	persist := t.persist
	t.mu.Unlock()

	if persist != nil {
		if err := persist.SaveCursor(ctx, string(key.FeedType), key.BookingPartner, modified); err != nil {
			log.Warn().
				Err(err).
				Str("feed_type", string(key.FeedType)).
				Str("booking_partner", key.BookingPartner).
				Msg("Failed to persist order feed cursor")
		}
	}
	return duplicate
}

// LastSeen returns the last observed cursor for the feed.
func (t *OrderUUIDTracker) LastSeen(key OrderFeedKey) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cursor, ok := t.cursors[key]
	return cursor, ok
}

// HasAdvancedPast reports whether the feed's cursor is at or beyond the
// given modified value. Advisory, used by consumers to detect duplicate
// delivery.
func (t *OrderUUIDTracker) HasAdvancedPast(key OrderFeedKey, modified string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cursor, ok := t.cursors[key]
	if !ok {
		return false
	}
	return rpde.CompareModified(cursor, modified) >= 0
}
