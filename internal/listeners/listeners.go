// Package listeners implements the broker's notification subsystem: a
// registry of callers waiting for a particular item to be harvested.
// Two-phase listeners split registration and collection into separate
// calls; one-phase listeners combine them. Both share the same resolution
// semantics: a listener is resolved by at most one ingestion, the first
// matching one wins, and every transition out of Pending removes the
// entry from the registry.
package listeners

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"openactive/broker/internal/models"
)

var (
	// ErrTimedOut is returned when no matching item arrived within the
	// caller's timeout. Never an unhandled fault.
	ErrTimedOut = errors.New("listener timed out")
	// ErrUnknownListener is returned by Collect for an ID that was never
	// registered, or whose result has already been consumed.
	ErrUnknownListener = errors.New("unknown listener")
)

// Listener ID namespaces.
const (
	nsOpportunities = "opportunities"
)

// OpportunityListenerID builds the listener ID for an opportunity.
func OpportunityListenerID(opportunityID string) string {
	return nsOpportunities + "::" + opportunityID
}

// OrderListenerID builds the listener ID for an order or order proposal,
// e.g. "orders::primary::4324d932-a326-4cc7-bcc0-05fb491744c7".
func OrderListenerID(feedType, bookingPartner, orderUUID string) string {
	return fmt.Sprintf("%s::%s::%s", feedType, bookingPartner, orderUUID)
}

// entry is one listener's bookkeeping. A Pending entry has neither item
// nor deliverer; resolution before Collect stores the item, resolution
// during Collect delivers on the channel. Either way the entry leaves the
// registry on its single transition out of Pending.
type entry struct {
	item    *models.RpdeItem
	deliver chan models.RpdeItem
}

// Registry holds listeners keyed by namespaced listener ID.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register creates a Pending listener with no attached deliverer (the
// first phase of a two-phase listen). Registering an already-pending ID
// is a no-op.
func (r *Registry) Register(listenerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[listenerID]; ok {
		return
	}
	r.entries[listenerID] = &entry{}
}

// Collect attaches the caller to a registered listener and blocks until
// the item arrives or the timeout elapses (the second phase). A listener
// resolved before Collect returns its item immediately. After delivery or
// timeout the listener is gone: a second Collect returns
// ErrUnknownListener.
func (r *Registry) Collect(listenerID string, timeout time.Duration) (models.RpdeItem, error) {
	r.mu.Lock()
	e, ok := r.entries[listenerID]
	if !ok {
		r.mu.Unlock()
		return models.RpdeItem{}, ErrUnknownListener
	}
	if e.item != nil {
		item := *e.item
		delete(r.entries, listenerID)
		r.mu.Unlock()
		return item, nil
	}
	if e.deliver == nil {
		e.deliver = make(chan models.RpdeItem, 1)
	}
	r.mu.Unlock()

	return r.await(listenerID, e, timeout)
}

// WaitFor registers and collects in one call (a one-phase listen).
func (r *Registry) WaitFor(listenerID string, timeout time.Duration) (models.RpdeItem, error) {
	r.mu.Lock()
	e, ok := r.entries[listenerID]
	if !ok {
		e = &entry{}
		r.entries[listenerID] = e
	}
	if e.item != nil {
		item := *e.item
		delete(r.entries, listenerID)
		r.mu.Unlock()
		return item, nil
	}
	if e.deliver == nil {
		e.deliver = make(chan models.RpdeItem, 1)
	}
	r.mu.Unlock()

	return r.await(listenerID, e, timeout)
}

func (r *Registry) await(listenerID string, e *entry, timeout time.Duration) (models.RpdeItem, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case item := <-e.deliver:
		return item, nil
	case <-timer.C:
	}

	// The timer fired, but delivery may have raced it: Notify removes the
	// entry and sends in one critical section, so check the channel once
	// more under the lock before cancelling. Only remove the entry this
	// waiter attached to; the ID may have been re-registered in the
	// meantime.
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case item := <-e.deliver:
		return item, nil
	default:
	}
	if cur, ok := r.entries[listenerID]; ok && cur == e {
		delete(r.entries, listenerID)
	}
	return models.RpdeItem{}, ErrTimedOut
}

// Cancel removes a listener regardless of state. Idempotent: cancelling
// an unknown, resolved or already-cancelled listener is a no-op.
func (r *Registry) Cancel(listenerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, listenerID)
}

// Notify resolves the listener with the given item, if one is waiting.
// The first matching ingestion wins; notifying an absent or resolved
// listener is a no-op.
func (r *Registry) Notify(listenerID string, item models.RpdeItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[listenerID]
	if !ok {
		return
	}
	if e.deliver != nil {
		e.deliver <- item
		delete(r.entries, listenerID)
		return
	}
	if e.item == nil {
		e.item = &item
	}
}

// Len reports the number of live listeners, for diagnostics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
