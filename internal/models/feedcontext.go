package models

import (
	"sync"
	"time"
)

// Number of response-time samples retained per feed.
const responseTimeWindow = 20

// FeedContext tracks harvesting progress for one RPDE feed. It is mutated
// only by the feed's own harvester goroutine; diagnostics read it through
// Snapshot, so all fields are guarded.
type FeedContext struct {
	mu sync.Mutex

	currentPage             string
	pages                   int
	items                   int
	malformedItems          int
	responseTimes           []time.Duration
	queuedForValidation     int
	validatedItems          int
	sleepMode               bool
	timeToHarvestCompletion time.Duration
	upToDate                bool
}

// FeedContextSnapshot is a point-in-time copy of a FeedContext, safe to
// serialise on the status endpoint.
type FeedContextSnapshot struct {
	CurrentPage                   string          `json:"currentPage"`
	Pages                         int             `json:"pages"`
	Items                         int             `json:"items"`
	MalformedItems                int             `json:"malformedItems"`
	ResponseTimes                 []time.Duration `json:"responseTimes"`
	TotalItemsQueuedForValidation int             `json:"totalItemsQueuedForValidation"`
	ValidatedItems                int             `json:"validatedItems"`
	SleepMode                     bool            `json:"sleepMode"`
	TimeToHarvestCompletion       string          `json:"timeToHarvestCompletion,omitempty"`
	UpToDate                      bool            `json:"upToDate"`
}

func NewFeedContext(startPage string) *FeedContext {
	return &FeedContext{currentPage: startPage}
}

// RecordPage notes a successfully fetched page: its URL, the number of
// items it carried and how long the fetch took.
func (c *FeedContext) RecordPage(pageURL string, items int, elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentPage = pageURL
	c.pages++
	c.items += items
	c.responseTimes = append(c.responseTimes, elapsed)
	if len(c.responseTimes) > responseTimeWindow {
		c.responseTimes = c.responseTimes[len(c.responseTimes)-responseTimeWindow:]
	}
}

// RecordMalformed counts items dropped before ingestion.
func (c *FeedContext) RecordMalformed(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.malformedItems += n
}

// QueueForValidation counts items handed to the validation queue.
func (c *FeedContext) QueueForValidation(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queuedForValidation += n
}

// MarkValidated counts items that completed validation.
func (c *FeedContext) MarkValidated(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.validatedItems += n
}

// SetSleepMode flags whether the feed is polling at the reduced cadence.
func (c *FeedContext) SetSleepMode(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleepMode = on
}

// MarkUpToDate records that the feed reached the live edge and how long
// the initial harvest took.
func (c *FeedContext) MarkUpToDate(harvestDuration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upToDate = true
	c.timeToHarvestCompletion = harvestDuration
}

// CurrentPage returns the page URL the harvester is positioned at.
func (c *FeedContext) CurrentPage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentPage
}

// Snapshot copies the context for diagnostics.
func (c *FeedContext) Snapshot() FeedContextSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := FeedContextSnapshot{
		CurrentPage:                   c.currentPage,
		Pages:                         c.pages,
		Items:                         c.items,
		MalformedItems:                c.malformedItems,
		ResponseTimes:                 append([]time.Duration(nil), c.responseTimes...),
		TotalItemsQueuedForValidation: c.queuedForValidation,
		ValidatedItems:                c.validatedItems,
		SleepMode:                     c.sleepMode,
		UpToDate:                      c.upToDate,
	}
	if c.timeToHarvestCompletion > 0 {
		snap.TimeToHarvestCompletion = c.timeToHarvestCompletion.String()
	}
	return snap
}
