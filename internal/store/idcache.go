package store

import (
	"errors"
	"sync"
)

// ErrNoneAvailable is returned when no unlocked opportunity satisfies the
// requested criterion. Callers surface it as a test-setup failure.
var ErrNoneAvailable = errors.New("no unlocked opportunity available for criterion")

// OpportunityIDCache is the criteria-oriented secondary index: for each
// criterion identifier, the set of opportunity IDs known to satisfy it.
// Membership is decided by an external predicate (the criteria
// collaborator); this cache only stores the results. A companion lock set
// per test dataset records IDs already claimed by a running test so
// concurrent tests never reuse the same opportunity.
type OpportunityIDCache struct {
	mu sync.Mutex

	byCriterion     map[string]map[string]struct{}
	criteriaByID    map[string][]string
	lockedByDataset map[string]map[string]struct{}
}

func NewOpportunityIDCache() *OpportunityIDCache {
	return &OpportunityIDCache{
		byCriterion:     make(map[string]map[string]struct{}),
		criteriaByID:    make(map[string][]string),
		lockedByDataset: make(map[string]map[string]struct{}),
	}
}

// Update replaces the set of criteria the given opportunity satisfies.
// Called on every row-ready event with the predicate's verdict.
func (c *OpportunityIDCache) Update(opportunityID string, criteria []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(opportunityID)
	for _, criterion := range criteria {
		if c.byCriterion[criterion] == nil {
			c.byCriterion[criterion] = make(map[string]struct{})
		}
		c.byCriterion[criterion][opportunityID] = struct{}{}
	}
	if len(criteria) > 0 {
		c.criteriaByID[opportunityID] = append([]string(nil), criteria...)
	}
}

// Remove drops an opportunity from every criterion set, e.g. after a
// tombstone.
func (c *OpportunityIDCache) Remove(opportunityID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(opportunityID)
}

func (c *OpportunityIDCache) removeLocked(opportunityID string) {
	for _, criterion := range c.criteriaByID[opportunityID] {
		delete(c.byCriterion[criterion], opportunityID)
	}
	delete(c.criteriaByID, opportunityID)
}

// Claim atomically picks an opportunity satisfying the criterion that is
// not locked by any dataset, and locks it for the given dataset. Returns
// ErrNoneAvailable when every candidate is locked or the criterion has no
// candidates.
func (c *OpportunityIDCache) Claim(datasetID, criterion string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.byCriterion[criterion] {
		if c.isLockedLocked(id) {
			continue
		}
		if c.lockedByDataset[datasetID] == nil {
			c.lockedByDataset[datasetID] = make(map[string]struct{})
		}
		c.lockedByDataset[datasetID][id] = struct{}{}
		return id, nil
	}
	return "", ErrNoneAvailable
}

func (c *OpportunityIDCache) isLockedLocked(opportunityID string) bool {
	for _, locked := range c.lockedByDataset {
		if _, ok := locked[opportunityID]; ok {
			return true
		}
	}
	return false
}

// ReleaseDataset unlocks every opportunity claimed by the given dataset,
// typically at test teardown. Returns how many locks were released.
func (c *OpportunityIDCache) ReleaseDataset(datasetID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.lockedByDataset[datasetID])
	delete(c.lockedByDataset, datasetID)
	return n
}

// Stats reports candidate counts per criterion and total locks held.
func (c *OpportunityIDCache) Stats() (candidatesByCriterion map[string]int, lockedTotal int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	candidatesByCriterion = make(map[string]int, len(c.byCriterion))
	for criterion, ids := range c.byCriterion {
		candidatesByCriterion[criterion] = len(ids)
	}
	for _, locked := range c.lockedByDataset {
		lockedTotal += len(locked)
	}
	return candidatesByCriterion, lockedTotal
}
