// Package store holds the broker's in-memory harvest state: the
// multi-index row store, the incomplete-feeds barrier, the pause gate and
// the auxiliary opportunity/order indexes. Everything here is
// memory-resident and rebuilt by re-harvesting.
package store

import (
	"fmt"
	"sync"
	"time"

	"openactive/broker/internal/models"
)

// EventKind classifies row store notifications.
type EventKind int

const (
	// EventIngested fires for every successful ingestion, ready or not.
	// The listener registries match on this to resolve waiting callers.
	EventIngested EventKind = iota
	// EventRowReady fires when a row becomes ready: a parentless row or
	// parent on ingestion, or a stashed child when its parent arrives.
	EventRowReady
	// EventTombstoned fires when a row is flipped to deleted.
	EventTombstoned
)

// Event is emitted by the row store after the corresponding mutation is
// visible. Row is a snapshot copy.
type Event struct {
	Kind   EventKind
	FeedID string
	Row    models.OpportunityItemRow
}

// RowStore is the authoritative cache of opportunity rows, indexed by
// JSON-LD ID, by feed item ID (for tombstone resolution) and by parent ID
// (for deferred child resolution). One row exists per JSON-LD ID; deletes
// tombstone, never remove.
type RowStore struct {
	mu sync.RWMutex

	rows map[string]*models.OpportunityItemRow
	// feedItemIndex maps a feed-scoped item ID to its JSON-LD ID, because
	// delete events carry no payload to derive it from.
	feedItemIndex map[string]string
	// parentIndex maps a parent JSON-LD ID to the set of its child IDs.
	// Entries survive parent deletion; children may still reference it.
	parentIndex map[string]map[string]struct{}
	// pendingByParent stashes child IDs waiting for a parent to arrive.
	pendingByParent map[string]map[string]struct{}
	// knownParents records parent-capable rows that have been ingested.
	knownParents map[string]struct{}

	subscribers []func(Event)

	now func() time.Time
}

// NewRowStore creates an empty row store.
func NewRowStore() *RowStore {
	return &RowStore{
		rows:            make(map[string]*models.OpportunityItemRow),
		feedItemIndex:   make(map[string]string),
		parentIndex:     make(map[string]map[string]struct{}),
		pendingByParent: make(map[string]map[string]struct{}),
		knownParents:    make(map[string]struct{}),
		now:             time.Now,
	}
}

// Subscribe registers an event handler. Must be called before harvesting
// starts; handlers run on the ingesting goroutine, strictly after the
// mutation they describe is visible in the store.
func (s *RowStore) Subscribe(fn func(Event)) {
	s.subscribers = append(s.subscribers, fn)
}

// Ingest applies one RPDE item to the store. The mutation is atomic: no
// concurrent reader observes a partially updated row.
func (s *RowStore) Ingest(feedID string, item models.RpdeItem) error {
	if err := item.Validate(); err != nil {
		return fmt.Errorf("invalid item: %w", err)
	}

	var events []Event
	s.mu.Lock()
	switch item.State {
	case models.StateDeleted:
		events = s.ingestDeletedLocked(feedID, item)
	case models.StateUpdated:
		var err error
		events, err = s.ingestUpdatedLocked(feedID, item)
		if err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.mu.Unlock()

	for _, ev := range events {
		s.emit(ev)
	}
	return nil
}

func (s *RowStore) ingestDeletedLocked(feedID string, item models.RpdeItem) []Event {
	jsonLdID, ok := s.feedItemIndex[models.FeedItemKey(feedID, item.ID)]
	if !ok {
		// Delete for an item never seen as updated: nothing to tombstone.
		return nil
	}
	row := s.rows[jsonLdID]
	row.Deleted = true
	row.JSONLD = nil
	row.Modified = item.Modified
	row.FeedModified = models.FormatTimestamp(s.now().UnixMilli())
	row.WaitingForParent = false

	if row.JSONLDParent != "" {
		s.removeFromParentSetsLocked(row.JSONLDParent, jsonLdID)
	}
	snapshot := *row
	return []Event{
		{Kind: EventTombstoned, FeedID: feedID, Row: snapshot},
		{Kind: EventIngested, FeedID: feedID, Row: snapshot},
	}
}

func (s *RowStore) ingestUpdatedLocked(feedID string, item models.RpdeItem) ([]Event, error) {
	jsonLdID := item.Data.JSONLDID()
	if jsonLdID == "" {
		return nil, fmt.Errorf("item %s has no JSON-LD @id", item.ID)
	}
	jsonLdType := item.Data.JSONLDType()
	if jsonLdType == "" {
		jsonLdType = item.Kind
	}

	row, exists := s.rows[jsonLdID]
	if !exists {
		row = &models.OpportunityItemRow{JSONLDID: jsonLdID}
		s.rows[jsonLdID] = row
	}
	oldParent := row.JSONLDParent
	row.ID = item.ID
	row.Modified = item.Modified
	row.Deleted = false
	row.FeedModified = models.FormatTimestamp(s.now().UnixMilli())
	row.JSONLD = item.Data
	row.JSONLDType = jsonLdType
	s.feedItemIndex[models.FeedItemKey(feedID, item.ID)] = jsonLdID

	var events []Event
	if models.IsParentKind(jsonLdType) {
		if oldParent != "" {
			s.removeFromParentSetsLocked(oldParent, jsonLdID)
		}
		row.JSONLDParent = ""
		row.WaitingForParent = false
		s.knownParents[jsonLdID] = struct{}{}

		// Parent arrival re-resolves every stashed child.
		for childID := range s.pendingByParent[jsonLdID] {
			child := s.rows[childID]
			child.WaitingForParent = false
			events = append(events, Event{Kind: EventRowReady, FeedID: feedID, Row: *child})
		}
		delete(s.pendingByParent, jsonLdID)

		snapshot := *row
		events = append(events,
			Event{Kind: EventRowReady, FeedID: feedID, Row: snapshot},
			Event{Kind: EventIngested, FeedID: feedID, Row: snapshot},
		)
		return events, nil
	}

	parentID := item.Data.ParentJSONLDID()
	// A re-ingested child may reference a different parent; stale
	// membership under the old parent would let the old parent's arrival
	// mark this row ready.
	if oldParent != "" && oldParent != parentID {
		s.removeFromParentSetsLocked(oldParent, jsonLdID)
	}
	row.JSONLDParent = parentID
	if parentID != "" {
		if s.parentIndex[parentID] == nil {
			s.parentIndex[parentID] = make(map[string]struct{})
		}
		s.parentIndex[parentID][jsonLdID] = struct{}{}
	}

	_, parentKnown := s.knownParents[parentID]
	if parentID != "" && !parentKnown {
		row.WaitingForParent = true
		if s.pendingByParent[parentID] == nil {
			s.pendingByParent[parentID] = make(map[string]struct{})
		}
		s.pendingByParent[parentID][jsonLdID] = struct{}{}
		return []Event{{Kind: EventIngested, FeedID: feedID, Row: *row}}, nil
	}

	row.WaitingForParent = false
	snapshot := *row
	return []Event{
		{Kind: EventRowReady, FeedID: feedID, Row: snapshot},
		{Kind: EventIngested, FeedID: feedID, Row: snapshot},
	}, nil
}

func (s *RowStore) removeFromParentSetsLocked(parentID, childID string) {
	if children, ok := s.parentIndex[parentID]; ok {
		delete(children, childID)
	}
	if pending, ok := s.pendingByParent[parentID]; ok {
		delete(pending, childID)
	}
}

func (s *RowStore) emit(ev Event) {
	for _, fn := range s.subscribers {
		fn(ev)
	}
}

// GetRow returns a snapshot of the row for the given JSON-LD ID.
func (s *RowStore) GetRow(jsonLdID string) (models.OpportunityItemRow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[jsonLdID]
	if !ok {
		return models.OpportunityItemRow{}, false
	}
	return *row, true
}

// IsReady reports whether the row exists and is not waiting for a parent.
func (s *RowStore) IsReady(jsonLdID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[jsonLdID]
	return ok && !row.WaitingForParent
}

// GetChildren returns the JSON-LD IDs of the known children of a parent.
func (s *RowStore) GetChildren(parentID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	children := s.parentIndex[parentID]
	out := make([]string, 0, len(children))
	for id := range children {
		out = append(out, id)
	}
	return out
}

// Counts summarises the store for diagnostics.
func (s *RowStore) Counts() models.RowCounts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := models.RowCounts{Total: len(s.rows)}
	for _, row := range s.rows {
		switch {
		case row.Deleted:
			counts.Tombstoned++
		case models.IsParentKind(row.JSONLDType):
			counts.Parents++
		case row.WaitingForParent:
			counts.Children++
			counts.Orphaned++
		default:
			counts.Children++
		}
	}
	return counts
}

// OrphanIDs lists children currently waiting for their parent, grouped by
// the missing parent ID.
func (s *RowStore) OrphanIDs() map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]string, len(s.pendingByParent))
	for parentID, children := range s.pendingByParent {
		ids := make([]string, 0, len(children))
		for id := range children {
			ids = append(ids, id)
		}
		out[parentID] = ids
	}
	return out
}
