package harvest

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"openactive/broker/internal/config"
	"openactive/broker/internal/listeners"
	"openactive/broker/internal/metrics"
	"openactive/broker/internal/models"
	"openactive/broker/internal/rpde"
	"openactive/broker/internal/store"
)

// CriteriaMatcher is the external predicate deciding which test criteria
// a ready opportunity satisfies. The broker does not reimplement criteria
// logic; it only caches the verdicts.
type CriteriaMatcher interface {
	MatchingCriteria(row models.OpportunityItemRow) []string
}

// Broker owns all harvest state: the row store, the listener registries,
// the trackers and one harvester per configured feed. It is constructed
// once at startup and shared by reference; there are no package-level
// globals.
type Broker struct {
	Store      *store.RowStore
	TwoPhase   *listeners.Registry
	OnePhase   *listeners.Registry
	Incomplete *store.IncompleteFeeds
	Pause      *store.PauseResume
	OrderUUIDs *store.OrderUUIDTracker
	IDCache    *store.OpportunityIDCache
	Metrics    *metrics.BrokerMetrics

	matcher      CriteriaMatcher
	feedContexts map[string]*models.FeedContext
	harvesters   []*Harvester
	startTime    time.Time
}

// Options wires a broker.
type Options struct {
	Feeds         *config.Feeds
	Matcher       CriteriaMatcher // may be nil; the criteria cache stays empty
	CursorStore   store.CursorStore
	Metrics       *metrics.BrokerMetrics
	PollInterval  time.Duration
	SleepInterval time.Duration
	UserAgent     string
	ClientConfig  *rpde.Config // overrides UserAgent when set
}

// New constructs the broker and its harvesters. Harvesting does not start
// until Run is called.
func New(opts Options) *Broker {
	b := &Broker{
		Store:        store.NewRowStore(),
		TwoPhase:     listeners.NewRegistry(),
		OnePhase:     listeners.NewRegistry(),
		Pause:        store.NewPauseResume(),
		OrderUUIDs:   store.NewOrderUUIDTracker(opts.CursorStore),
		IDCache:      store.NewOpportunityIDCache(),
		Metrics:      opts.Metrics,
		matcher:      opts.Matcher,
		feedContexts: make(map[string]*models.FeedContext),
		startTime:    time.Now(),
	}

	// Listener resolution subscribes to store events, so it is sequenced
	// strictly after the row mutation that satisfies it.
	b.Store.Subscribe(b.onRowEvent)

	clientCfg := rpde.Config{UserAgent: opts.UserAgent}
	if opts.ClientConfig != nil {
		clientCfg = *opts.ClientConfig
	}

	var feedIDs []string
	for _, feed := range opts.Feeds.OpportunityFeeds {
		feedIDs = append(feedIDs, feed.Kind)
	}
	for _, feed := range opts.Feeds.OrderFeeds {
		feedIDs = append(feedIDs, feed.OrderFeedID())
	}
	b.Incomplete = store.NewIncompleteFeeds(feedIDs)
	b.Metrics.FeedsIncomplete.Set(float64(len(feedIDs)))

	for _, feed := range opts.Feeds.OpportunityFeeds {
		feedCtx := models.NewFeedContext(feed.URL)
		b.feedContexts[feed.Kind] = feedCtx
		b.harvesters = append(b.harvesters, NewHarvester(HarvesterConfig{
			FeedID:        feed.Kind,
			StartURL:      feed.URL,
			Client:        rpde.NewClient(feed.Kind, clientCfg),
			Sink:          ItemSinkFunc(b.processOpportunityItem),
			FeedContext:   feedCtx,
			Incomplete:    b.Incomplete,
			Pause:         b.Pause,
			Metrics:       b.Metrics,
			PollInterval:  opts.PollInterval,
			SleepInterval: opts.SleepInterval,
		}))
	}

	for _, feed := range opts.Feeds.OrderFeeds {
		feedID := feed.OrderFeedID()
		feedCtx := models.NewFeedContext(feed.URL)
		b.feedContexts[feedID] = feedCtx
		key := store.OrderFeedKey{
			FeedType:       store.OrderFeedType(feed.Type),
			BookingPartner: feed.BookingPartner,
		}
		b.harvesters = append(b.harvesters, NewHarvester(HarvesterConfig{
			FeedID:        feedID,
			StartURL:      feed.URL,
			Client:        rpde.NewClient(feedID, clientCfg),
			Sink:          b.orderSink(key),
			FeedContext:   feedCtx,
			Incomplete:    b.Incomplete,
			Pause:         b.Pause,
			Metrics:       b.Metrics,
			PollInterval:  opts.PollInterval,
			SleepInterval: opts.SleepInterval,
		}))
	}

	return b
}

// Run starts every harvester and blocks until the context is cancelled
// and all of them have stopped.
func (b *Broker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, h := range b.harvesters {
		wg.Add(1)
		go func(h *Harvester) {
			defer wg.Done()
			if err := h.Run(ctx); err != nil && !IsShutdown(err) {
				log.Error().Err(err).Msg("Harvester stopped unexpectedly")
			}
		}(h)
	}
	wg.Wait()
	log.Info().Msg("All harvesters stopped")
	return ctx.Err()
}

// processOpportunityItem is the sink for opportunity feeds.
func (b *Broker) processOpportunityItem(ctx context.Context, feedID string, item models.RpdeItem) error {
	if err := b.Store.Ingest(feedID, item); err != nil {
		return err
	}
	if item.State == models.StateUpdated {
		// The validator worker pool lives outside the broker; only the
		// counters it feeds are maintained here.
		if feedCtx, ok := b.feedContexts[feedID]; ok {
			feedCtx.QueueForValidation(1)
			feedCtx.MarkValidated(1)
		}
	}
	b.Metrics.RowsStored.Set(float64(b.Store.Counts().Total))
	return nil
}

// orderSink builds the sink for one order feed: track the UUID cursor and
// resolve any order listener waiting for it.
func (b *Broker) orderSink(key store.OrderFeedKey) ItemSink {
	return ItemSinkFunc(func(ctx context.Context, feedID string, item models.RpdeItem) error {
		orderUUID := string(item.ID)
		duplicate := b.OrderUUIDs.RecordSeen(ctx, key, orderUUID, string(item.Modified))
		if duplicate {
			log.Debug().
				Str("feed", feedID).
				Str("order_uuid", orderUUID).
				Msg("Order UUID seen again on feed")
		}
		listenerID := listeners.OrderListenerID(string(key.FeedType), key.BookingPartner, orderUUID)
		b.TwoPhase.Notify(listenerID, item)
		b.updateListenerGauges()
		return nil
	})
}

// onRowEvent reacts to row store events. Runs on the ingesting goroutine
// after the mutation is visible. Listeners resolve on readiness, never on
// the bare ingestion of a child still waiting for its parent; tombstones
// also notify, so a late listener observes the deletion instead of
// hanging.
func (b *Broker) onRowEvent(ev store.Event) {
	switch ev.Kind {
	case store.EventRowReady:
		b.notifyListeners(ev.Row)
		if b.matcher != nil {
			b.IDCache.Update(ev.Row.JSONLDID, b.matcher.MatchingCriteria(ev.Row))
		}
	case store.EventTombstoned:
		b.notifyListeners(ev.Row)
		b.IDCache.Remove(ev.Row.JSONLDID)
	}
}

func (b *Broker) notifyListeners(row models.OpportunityItemRow) {
	item := rowToItem(row)
	listenerID := listeners.OpportunityListenerID(row.JSONLDID)
	b.TwoPhase.Notify(listenerID, item)
	b.OnePhase.Notify(listenerID, item)
	b.updateListenerGauges()
}

func rowToItem(row models.OpportunityItemRow) models.RpdeItem {
	state := models.StateUpdated
	if row.Deleted {
		state = models.StateDeleted
	}
	return models.RpdeItem{
		State:    state,
		Kind:     row.JSONLDType,
		ID:       row.ID,
		Modified: row.Modified,
		Data:     row.JSONLD,
	}
}

func (b *Broker) updateListenerGauges() {
	b.Metrics.ListenersActive.WithLabelValues("two-phase").Set(float64(b.TwoPhase.Len()))
	b.Metrics.ListenersActive.WithLabelValues("one-phase").Set(float64(b.OnePhase.Len()))
}

// RegisterTwoPhaseListener creates a pending listener for the given
// namespaced listener ID.
func (b *Broker) RegisterTwoPhaseListener(listenerID string) {
	b.TwoPhase.Register(listenerID)
	b.updateListenerGauges()
}

// CollectTwoPhaseListener blocks until the listener resolves or the
// timeout elapses.
func (b *Broker) CollectTwoPhaseListener(listenerID string, timeout time.Duration) (models.RpdeItem, error) {
	item, err := b.TwoPhase.Collect(listenerID, timeout)
	b.updateListenerGauges()
	return item, err
}

// CancelListener deregisters a listener. Idempotent.
func (b *Broker) CancelListener(listenerID string) {
	b.TwoPhase.Cancel(listenerID)
	b.updateListenerGauges()
}

// WaitForOnePhaseOpportunity blocks until the opportunity is ingested or
// the timeout elapses. With useCache set, a row already held in the store
// is returned immediately without waiting for a fresh ingestion.
func (b *Broker) WaitForOnePhaseOpportunity(opportunityID string, useCache bool, timeout time.Duration) (models.RpdeItem, error) {
	if useCache {
		if row, ok := b.Store.GetRow(opportunityID); ok && !row.WaitingForParent {
			return rowToItem(row), nil
		}
	}
	item, err := b.OnePhase.WaitFor(listeners.OpportunityListenerID(opportunityID), timeout)
	b.updateListenerGauges()
	return item, err
}

// CancelOnePhaseOpportunity deregisters a one-phase wait whose caller has
// disappeared.
func (b *Broker) CancelOnePhaseOpportunity(opportunityID string) {
	b.OnePhase.Cancel(listeners.OpportunityListenerID(opportunityID))
	b.updateListenerGauges()
}

// GetRow returns the row for a JSON-LD ID, when present.
func (b *Broker) GetRow(jsonLdID string) (models.OpportunityItemRow, bool) {
	return b.Store.GetRow(jsonLdID)
}

// GetFeedContext returns the harvest context for a feed, when present.
func (b *Broker) GetFeedContext(feedID string) (*models.FeedContext, bool) {
	feedCtx, ok := b.feedContexts[feedID]
	return feedCtx, ok
}

// AwaitFullHarvest blocks until every feed has reached the live edge.
func (b *Broker) AwaitFullHarvest(ctx context.Context) error {
	return b.Incomplete.AwaitFullHarvest(ctx)
}

// ClaimOpportunityForCriterion atomically claims an unlocked opportunity
// matching the criterion for the given test dataset.
func (b *Broker) ClaimOpportunityForCriterion(datasetID, criterion string) (string, error) {
	return b.IDCache.Claim(datasetID, criterion)
}

// Status assembles the diagnostics snapshot for the status endpoint.
func (b *Broker) Status() StatusReport {
	feeds := make(map[string]models.FeedContextSnapshot, len(b.feedContexts))
	for feedID, feedCtx := range b.feedContexts {
		feeds[feedID] = feedCtx.Snapshot()
	}
	criteria, locked := b.IDCache.Stats()
	return StatusReport{
		Uptime:              time.Since(b.startTime).String(),
		Paused:              b.Pause.IsPaused(),
		HarvestComplete:     b.Incomplete.Complete(),
		IncompleteFeeds:     b.Incomplete.Incomplete(),
		Feeds:               feeds,
		Rows:                b.Store.Counts(),
		TwoPhaseListeners:   b.TwoPhase.Len(),
		OnePhaseListeners:   b.OnePhase.Len(),
		CriteriaCandidates:  criteria,
		LockedOpportunities: locked,
	}
}

// StatusReport is the serialisable answer of the status endpoint.
type StatusReport struct {
	Uptime              string                                `json:"uptime"`
	Paused              bool                                  `json:"paused"`
	HarvestComplete     bool                                  `json:"harvestComplete"`
	IncompleteFeeds     []string                              `json:"incompleteFeeds"`
	Feeds               map[string]models.FeedContextSnapshot `json:"feeds"`
	Rows                models.RowCounts                      `json:"rows"`
	TwoPhaseListeners   int                                   `json:"twoPhaseListeners"`
	OnePhaseListeners   int                                   `json:"onePhaseListeners"`
	CriteriaCandidates  map[string]int                        `json:"criteriaCandidates"`
	LockedOpportunities int                                   `json:"lockedOpportunities"`
}
