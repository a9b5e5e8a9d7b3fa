package store

import (
	"testing"

	"openactive/broker/internal/models"
)

func updatedItem(id, jsonLdID, jsonLdType, modified string, extra models.Opportunity) models.RpdeItem {
	data := models.Opportunity{"@id": jsonLdID, "@type": jsonLdType}
	for k, v := range extra {
		data[k] = v
	}
	return models.RpdeItem{
		State:    models.StateUpdated,
		Kind:     jsonLdType,
		ID:       models.FlexString(id),
		Modified: models.FlexString(modified),
		Data:     data,
	}
}

func childItem(id, jsonLdID, parentID, modified string) models.RpdeItem {
	return updatedItem(id, jsonLdID, "ScheduledSession", modified, models.Opportunity{
		"superEvent": map[string]any{"@id": parentID, "@type": "SessionSeries"},
	})
}

func TestIngestLastWriteWins(t *testing.T) {
	s := NewRowStore()

	if err := s.Ingest("ScheduledSession", childItem("1", "sess-1", "series-1", "100")); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	// A later arrival with a smaller modified still overwrites: ordering
	// follows arrival, not modified values.
	if err := s.Ingest("ScheduledSession", childItem("1", "sess-1", "series-1", "50")); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	row, ok := s.GetRow("sess-1")
	if !ok {
		t.Fatal("row missing")
	}
	if string(row.Modified) != "50" {
		t.Fatalf("expected arrival-order overwrite, got modified %q", row.Modified)
	}
	if row.Deleted {
		t.Fatal("row unexpectedly deleted")
	}
}

func TestIngestTombstone(t *testing.T) {
	s := NewRowStore()

	if err := s.Ingest("ScheduledSession", childItem("1", "sess-1", "series-1", "100")); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	del := models.RpdeItem{State: models.StateDeleted, Kind: "ScheduledSession", ID: "1", Modified: "101"}
	if err := s.Ingest("ScheduledSession", del); err != nil {
		t.Fatalf("ingest delete: %v", err)
	}

	row, ok := s.GetRow("sess-1")
	if !ok {
		t.Fatal("tombstone must remain queryable")
	}
	if !row.Deleted {
		t.Fatal("row not tombstoned")
	}
	if row.JSONLD != nil {
		t.Fatal("tombstone retained payload")
	}
	if children := s.GetChildren("series-1"); len(children) != 0 {
		t.Fatalf("deleted child still indexed under parent: %v", children)
	}

	// Deleting an unknown item is a no-op, not an error.
	unknown := models.RpdeItem{State: models.StateDeleted, Kind: "ScheduledSession", ID: "999", Modified: "1"}
	if err := s.Ingest("ScheduledSession", unknown); err != nil {
		t.Fatalf("delete of unknown item errored: %v", err)
	}
}

func TestChildBeforeParentDeferral(t *testing.T) {
	s := NewRowStore()

	var readyEvents []string
	s.Subscribe(func(ev Event) {
		if ev.Kind == EventRowReady {
			readyEvents = append(readyEvents, ev.Row.JSONLDID)
		}
	})

	if err := s.Ingest("ScheduledSession", childItem("c1", "sess-1", "series-1", "10")); err != nil {
		t.Fatalf("ingest child: %v", err)
	}
	row, _ := s.GetRow("sess-1")
	if !row.WaitingForParent {
		t.Fatal("child ingested before parent should wait")
	}
	if s.IsReady("sess-1") {
		t.Fatal("waiting child reported ready")
	}
	if len(readyEvents) != 0 {
		t.Fatalf("no ready events expected yet, got %v", readyEvents)
	}

	// Parent arrival flips the child without re-ingesting it.
	if err := s.Ingest("SessionSeries", updatedItem("p1", "series-1", "SessionSeries", "11", nil)); err != nil {
		t.Fatalf("ingest parent: %v", err)
	}
	row, _ = s.GetRow("sess-1")
	if row.WaitingForParent {
		t.Fatal("child still waiting after parent ingestion")
	}
	if !s.IsReady("sess-1") || !s.IsReady("series-1") {
		t.Fatal("rows should be ready")
	}

	// Child ready event precedes or accompanies the parent's own.
	if len(readyEvents) != 2 {
		t.Fatalf("expected 2 ready events, got %v", readyEvents)
	}
	if readyEvents[0] != "sess-1" || readyEvents[1] != "series-1" {
		t.Fatalf("unexpected ready event order: %v", readyEvents)
	}

	children := s.GetChildren("series-1")
	if len(children) != 1 || children[0] != "sess-1" {
		t.Fatalf("parent index = %v", children)
	}
}

func TestChildWithKnownParentIsReadyImmediately(t *testing.T) {
	s := NewRowStore()
	if err := s.Ingest("SessionSeries", updatedItem("p1", "series-1", "SessionSeries", "1", nil)); err != nil {
		t.Fatalf("ingest parent: %v", err)
	}
	if err := s.Ingest("ScheduledSession", childItem("c1", "sess-1", "series-1", "2")); err != nil {
		t.Fatalf("ingest child: %v", err)
	}
	if !s.IsReady("sess-1") {
		t.Fatal("child with known parent should be ready immediately")
	}
}

func TestParentlessRowIsReady(t *testing.T) {
	s := NewRowStore()
	item := updatedItem("e1", "event-1", "Event", "1", nil)
	if err := s.Ingest("Event", item); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !s.IsReady("event-1") {
		t.Fatal("parentless row should be ready")
	}
}

func TestIngestedEventFiresRegardlessOfReadiness(t *testing.T) {
	s := NewRowStore()
	var ingested []string
	s.Subscribe(func(ev Event) {
		if ev.Kind == EventIngested {
			ingested = append(ingested, ev.Row.JSONLDID)
		}
	})

	s.Ingest("ScheduledSession", childItem("c1", "sess-1", "series-1", "1"))
	if len(ingested) != 1 || ingested[0] != "sess-1" {
		t.Fatalf("waiting child must still raise ingestion-done: %v", ingested)
	}
}

func TestReparentedChildLeavesOldParentSets(t *testing.T) {
	s := NewRowStore()

	// Child stashed under p1, then re-ingested pointing at p2.
	s.Ingest("ScheduledSession", childItem("c1", "sess-1", "series-1", "1"))
	s.Ingest("ScheduledSession", childItem("c1", "sess-1", "series-2", "2"))

	// The old parent's arrival must not mark the child ready.
	s.Ingest("SessionSeries", updatedItem("p1", "series-1", "SessionSeries", "3", nil))
	row, _ := s.GetRow("sess-1")
	if !row.WaitingForParent || s.IsReady("sess-1") {
		t.Fatal("child became ready from a parent it no longer references")
	}
	if children := s.GetChildren("series-1"); len(children) != 0 {
		t.Fatalf("stale membership under old parent: %v", children)
	}
	if len(s.OrphanIDs()["series-1"]) != 0 {
		t.Fatal("child still pending under old parent")
	}

	// The current parent resolves it.
	s.Ingest("SessionSeries", updatedItem("p2", "series-2", "SessionSeries", "4", nil))
	if !s.IsReady("sess-1") {
		t.Fatal("child not resolved by its current parent")
	}
	if children := s.GetChildren("series-2"); len(children) != 1 {
		t.Fatalf("children of current parent = %v", children)
	}
}

func TestCounts(t *testing.T) {
	s := NewRowStore()
	s.Ingest("SessionSeries", updatedItem("p1", "series-1", "SessionSeries", "1", nil))
	s.Ingest("ScheduledSession", childItem("c1", "sess-1", "series-1", "2"))
	s.Ingest("ScheduledSession", childItem("c2", "sess-2", "series-unknown", "3"))
	s.Ingest("ScheduledSession", models.RpdeItem{State: models.StateDeleted, Kind: "ScheduledSession", ID: "c1", Modified: "4"})

	counts := s.Counts()
	if counts.Total != 3 {
		t.Fatalf("total = %d", counts.Total)
	}
	if counts.Parents != 1 || counts.Tombstoned != 1 || counts.Orphaned != 1 {
		t.Fatalf("counts = %+v", counts)
	}

	orphans := s.OrphanIDs()
	if len(orphans["series-unknown"]) != 1 {
		t.Fatalf("orphans = %v", orphans)
	}
}
