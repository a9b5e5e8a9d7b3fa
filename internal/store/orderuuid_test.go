package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

type recordingCursorStore struct {
	mu    sync.Mutex
	saved []string
	fail  bool
}

func (r *recordingCursorStore) SaveCursor(ctx context.Context, feedType, partner, modified string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return fmt.Errorf("disk full")
	}
	r.saved = append(r.saved, feedType+"/"+partner+"@"+modified)
	return nil
}

func TestOrderUUIDTrackerCursor(t *testing.T) {
	persist := &recordingCursorStore{}
	tracker := NewOrderUUIDTracker(persist)
	key := OrderFeedKey{FeedType: OrderFeedOrders, BookingPartner: "primary"}

	if _, ok := tracker.LastSeen(key); ok {
		t.Fatal("fresh tracker should have no cursor")
	}

	if dup := tracker.RecordSeen(context.Background(), key, "uuid-1", "100"); dup {
		t.Fatal("first sighting reported as duplicate")
	}
	if dup := tracker.RecordSeen(context.Background(), key, "uuid-1", "105"); !dup {
		t.Fatal("second sighting not reported as duplicate")
	}
	if dup := tracker.RecordSeen(context.Background(), key, "uuid-2", "90"); dup {
		t.Fatal("distinct uuid reported as duplicate")
	}

	// Cursor follows arrival order even when modified goes backwards.
	cursor, ok := tracker.LastSeen(key)
	if !ok || cursor != "90" {
		t.Fatalf("cursor = %q, %v", cursor, ok)
	}

	persist.mu.Lock()
	defer persist.mu.Unlock()
	if len(persist.saved) != 3 {
		t.Fatalf("persisted %d cursors, want 3", len(persist.saved))
	}
}

func TestOrderUUIDTrackerPersistFailureIsNotFatal(t *testing.T) {
	tracker := NewOrderUUIDTracker(&recordingCursorStore{fail: true})
	key := OrderFeedKey{FeedType: OrderFeedOrderProposals, BookingPartner: "secondary"}

	tracker.RecordSeen(context.Background(), key, "uuid-1", "7")
	if cursor, ok := tracker.LastSeen(key); !ok || cursor != "7" {
		t.Fatalf("cursor lost on persist failure: %q, %v", cursor, ok)
	}
}

func TestHasAdvancedPast(t *testing.T) {
	tracker := NewOrderUUIDTracker(nil)
	key := OrderFeedKey{FeedType: OrderFeedOrders, BookingPartner: "primary"}

	if tracker.HasAdvancedPast(key, "1") {
		t.Fatal("empty tracker cannot have advanced")
	}
	tracker.RecordSeen(context.Background(), key, "uuid-1", "9007199254740993")
	if !tracker.HasAdvancedPast(key, "9007199254740992") {
		t.Fatal("cursor comparison must not lose precision")
	}
	if tracker.HasAdvancedPast(key, "9007199254740994") {
		t.Fatal("cursor reported past a larger modified")
	}
}

func TestRestore(t *testing.T) {
	tracker := NewOrderUUIDTracker(nil)
	key := OrderFeedKey{FeedType: OrderFeedOrders, BookingPartner: "primary"}
	tracker.Restore(key, "42")
	if cursor, ok := tracker.LastSeen(key); !ok || cursor != "42" {
		t.Fatalf("restored cursor = %q, %v", cursor, ok)
	}
}
