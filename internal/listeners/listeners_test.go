package listeners

import (
	"errors"
	"testing"
	"time"

	"openactive/broker/internal/models"
)

func testItem(id string) models.RpdeItem {
	return models.RpdeItem{
		State:    models.StateUpdated,
		Kind:     "ScheduledSession",
		ID:       models.FlexString(id),
		Modified: "1",
		Data:     models.Opportunity{"@id": id},
	}
}

func TestTwoPhaseResolveDuringCollect(t *testing.T) {
	r := NewRegistry()
	id := OpportunityListenerID("opp-1")
	r.Register(id)

	got := make(chan models.RpdeItem, 1)
	errs := make(chan error, 1)
	go func() {
		item, err := r.Collect(id, 5*time.Second)
		errs <- err
		got <- item
	}()

	// Let the collector attach before resolving.
	time.Sleep(20 * time.Millisecond)
	r.Notify(id, testItem("opp-1"))

	if err := <-errs; err != nil {
		t.Fatalf("collect: %v", err)
	}
	if item := <-got; string(item.ID) != "opp-1" {
		t.Fatalf("collected item %q", item.ID)
	}

	// The listener is gone: a second collect reports it consumed.
	if _, err := r.Collect(id, 10*time.Millisecond); !errors.Is(err, ErrUnknownListener) {
		t.Fatalf("expected ErrUnknownListener, got %v", err)
	}
}

func TestTwoPhaseResolveBeforeCollect(t *testing.T) {
	r := NewRegistry()
	id := OpportunityListenerID("opp-2")
	r.Register(id)
	r.Notify(id, testItem("opp-2"))

	// First matching ingestion wins; later ones are no-ops.
	later := testItem("opp-2")
	later.Modified = "999"
	r.Notify(id, later)

	item, err := r.Collect(id, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if string(item.Modified) != "1" {
		t.Fatalf("later ingestion overwrote resolved item: modified=%q", item.Modified)
	}
}

func TestCollectTimeout(t *testing.T) {
	r := NewRegistry()
	id := OpportunityListenerID("opp-3")
	r.Register(id)

	start := time.Now()
	_, err := r.Collect(id, 10*time.Millisecond)
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout took %s", elapsed)
	}

	// Timed-out listener is removed; cancelling again is a harmless no-op.
	r.Cancel(id)
	if r.Len() != 0 {
		t.Fatalf("registry holds %d entries", r.Len())
	}
}

func TestCollectUnregistered(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Collect(OpportunityListenerID("never"), 10*time.Millisecond); !errors.Is(err, ErrUnknownListener) {
		t.Fatalf("expected ErrUnknownListener, got %v", err)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	r := NewRegistry()
	id := OpportunityListenerID("opp-4")
	r.Register(id)
	r.Cancel(id)
	r.Cancel(id)

	// Notify after cancel is a safe no-op.
	r.Notify(id, testItem("opp-4"))
	if r.Len() != 0 {
		t.Fatalf("registry holds %d entries", r.Len())
	}
}

func TestTimeoutDoesNotDropReRegisteredListener(t *testing.T) {
	r := NewRegistry()
	id := OpportunityListenerID("opp-8")

	// A waiter attaches, its entry is cancelled from elsewhere, and a new
	// caller re-registers the same ID before the waiter's timer fires.
	r.Register(id)
	stale := r.entries[id]
	stale.deliver = make(chan models.RpdeItem, 1)
	r.Cancel(id)
	r.Register(id)

	if _, err := r.await(id, stale, time.Millisecond); !errors.Is(err, ErrTimedOut) {
		t.Fatalf("stale wait: %v", err)
	}
	if r.Len() != 1 {
		t.Fatal("stale timeout removed the fresh registration")
	}

	// The fresh registration still resolves normally.
	r.Notify(id, testItem("opp-8"))
	item, err := r.Collect(id, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("collect fresh listener: %v", err)
	}
	if string(item.ID) != "opp-8" {
		t.Fatalf("collected item %q", item.ID)
	}
}

func TestOnePhaseWaitFor(t *testing.T) {
	r := NewRegistry()
	id := OpportunityListenerID("opp-5")

	got := make(chan models.RpdeItem, 1)
	errs := make(chan error, 1)
	go func() {
		item, err := r.WaitFor(id, 5*time.Second)
		errs <- err
		got <- item
	}()

	time.Sleep(20 * time.Millisecond)
	r.Notify(id, testItem("opp-5"))

	if err := <-errs; err != nil {
		t.Fatalf("waitFor: %v", err)
	}
	if item := <-got; string(item.ID) != "opp-5" {
		t.Fatalf("got item %q", item.ID)
	}
}

func TestOnePhaseTimeout(t *testing.T) {
	r := NewRegistry()
	if _, err := r.WaitFor(OpportunityListenerID("opp-6"), 10*time.Millisecond); !errors.Is(err, ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("timed-out one-phase listener leaked: %d entries", r.Len())
	}
}

func TestListenerIDNamespaces(t *testing.T) {
	if got := OpportunityListenerID("abc"); got != "opportunities::abc" {
		t.Fatalf("opportunity listener ID = %q", got)
	}
	want := "orders::primary::4324d932-a326-4cc7-bcc0-05fb491744c7"
	if got := OrderListenerID("orders", "primary", "4324d932-a326-4cc7-bcc0-05fb491744c7"); got != want {
		t.Fatalf("order listener ID = %q", got)
	}
}
