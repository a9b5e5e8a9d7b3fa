package store

import (
	"errors"
	"sync"
	"testing"
)

func TestClaimLocksAcrossDatasets(t *testing.T) {
	c := NewOpportunityIDCache()
	c.Update("opp-1", []string{"TestOpportunityBookable"})

	id, err := c.Claim("dataset-a", "TestOpportunityBookable")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if id != "opp-1" {
		t.Fatalf("claimed %q", id)
	}

	// A lock held by one dataset blocks every other dataset too.
	if _, err := c.Claim("dataset-b", "TestOpportunityBookable"); !errors.Is(err, ErrNoneAvailable) {
		t.Fatalf("expected ErrNoneAvailable, got %v", err)
	}

	if released := c.ReleaseDataset("dataset-a"); released != 1 {
		t.Fatalf("released %d locks", released)
	}
	if _, err := c.Claim("dataset-b", "TestOpportunityBookable"); err != nil {
		t.Fatalf("claim after release: %v", err)
	}
}

func TestClaimUnknownCriterion(t *testing.T) {
	c := NewOpportunityIDCache()
	if _, err := c.Claim("dataset-a", "TestOpportunityNonexistent"); !errors.Is(err, ErrNoneAvailable) {
		t.Fatalf("expected ErrNoneAvailable, got %v", err)
	}
}

func TestUpdateReplacesCriteria(t *testing.T) {
	c := NewOpportunityIDCache()
	c.Update("opp-1", []string{"A", "B"})
	c.Update("opp-1", []string{"B"})

	if _, err := c.Claim("ds", "A"); !errors.Is(err, ErrNoneAvailable) {
		t.Fatal("stale criterion membership survived update")
	}
	if _, err := c.Claim("ds", "B"); err != nil {
		t.Fatalf("claim on current criterion: %v", err)
	}
}

func TestRemoveDropsCandidate(t *testing.T) {
	c := NewOpportunityIDCache()
	c.Update("opp-1", []string{"A"})
	c.Remove("opp-1")
	if _, err := c.Claim("ds", "A"); !errors.Is(err, ErrNoneAvailable) {
		t.Fatal("removed opportunity still claimable")
	}
}

func TestConcurrentClaimsNeverShareAnOpportunity(t *testing.T) {
	c := NewOpportunityIDCache()
	const candidates = 20
	for i := 0; i < candidates; i++ {
		c.Update(string(rune('a'+i)), []string{"X"})
	}

	var mu sync.Mutex
	claimed := make(map[string]string)
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(dataset string) {
			defer wg.Done()
			id, err := c.Claim(dataset, "X")
			if err != nil {
				return // pool exhausted, fine
			}
			mu.Lock()
			defer mu.Unlock()
			if prev, dup := claimed[id]; dup {
				t.Errorf("opportunity %q claimed by both %q and %q", id, prev, dataset)
				return
			}
			claimed[id] = dataset
		}(string(rune('A' + i%7)))
	}
	wg.Wait()

	if len(claimed) != candidates {
		t.Fatalf("claimed %d of %d candidates", len(claimed), candidates)
	}
}

func TestStats(t *testing.T) {
	c := NewOpportunityIDCache()
	c.Update("opp-1", []string{"A"})
	c.Update("opp-2", []string{"A", "B"})
	c.Claim("ds", "A")

	byCriterion, locked := c.Stats()
	if byCriterion["A"] != 2 || byCriterion["B"] != 1 {
		t.Fatalf("byCriterion = %v", byCriterion)
	}
	if locked != 1 {
		t.Fatalf("locked = %d", locked)
	}
}
