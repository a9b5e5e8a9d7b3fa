// Package harvest runs one harvesting loop per RPDE feed and owns the
// broker state those loops mutate.
package harvest

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"openactive/broker/internal/metrics"
	"openactive/broker/internal/models"
	"openactive/broker/internal/rpde"
	"openactive/broker/internal/store"
)

// ItemSink consumes the items of a fetched page. Opportunity feeds sink
// into the row store; order feeds sink into the order UUID tracker and the
// order listeners.
type ItemSink interface {
	Process(ctx context.Context, feedID string, item models.RpdeItem) error
}

// ItemSinkFunc adapts a function to the ItemSink interface.
type ItemSinkFunc func(ctx context.Context, feedID string, item models.RpdeItem) error

func (f ItemSinkFunc) Process(ctx context.Context, feedID string, item models.RpdeItem) error {
	return f(ctx, feedID, item)
}

// Harvester follows one feed from its first page to the live edge and
// then polls there. It never terminates on a fetch or ingest failure;
// the only way out of Run is context cancellation.
type Harvester struct {
	feedID   string
	startURL string

	client     *rpde.Client
	sink       ItemSink
	feedCtx    *models.FeedContext
	incomplete *store.IncompleteFeeds
	pause      *store.PauseResume
	metrics    *metrics.BrokerMetrics

	pollInterval  time.Duration
	sleepInterval time.Duration

	log zerolog.Logger
}

// HarvesterConfig wires one harvester.
type HarvesterConfig struct {
	FeedID        string
	StartURL      string
	Client        *rpde.Client
	Sink          ItemSink
	FeedContext   *models.FeedContext
	Incomplete    *store.IncompleteFeeds
	Pause         *store.PauseResume
	Metrics       *metrics.BrokerMetrics
	PollInterval  time.Duration
	SleepInterval time.Duration
}

func NewHarvester(cfg HarvesterConfig) *Harvester {
	return &Harvester{
		feedID:        cfg.FeedID,
		startURL:      cfg.StartURL,
		client:        cfg.Client,
		sink:          cfg.Sink,
		feedCtx:       cfg.FeedContext,
		incomplete:    cfg.Incomplete,
		pause:         cfg.Pause,
		metrics:       cfg.Metrics,
		pollInterval:  cfg.PollInterval,
		sleepInterval: cfg.SleepInterval,
		log:           log.With().Str("feed", cfg.FeedID).Logger(),
	}
}

// Run drives the harvesting loop until the context is cancelled. The
// pause gate is checked only between page fetches, never mid-fetch.
func (h *Harvester) Run(ctx context.Context) error {
	current := h.startURL
	harvestStart := time.Now()
	upToDate := false

	h.log.Info().Str("url", current).Msg("Harvester starting")

	for {
		if err := h.pause.Wait(ctx); err != nil {
			return err
		}

		page, elapsed, err := h.client.FetchPage(ctx, current)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Transient by definition: the retry budget inside the client
			// is exhausted, so back off at the sleep cadence and try the
			// same page again.
			h.log.Warn().Err(err).Str("url", current).Msg("Page fetch failed, feed entering sleep mode")
			h.feedCtx.SetSleepMode(true)
			if err := h.sleep(ctx, h.sleepInterval); err != nil {
				return err
			}
			continue
		}

		h.metrics.ObservePage(h.feedID, elapsed)
		h.processPage(ctx, page)
		h.feedCtx.RecordPage(current, len(page.Items), elapsed)

		if page.Next == current {
			// Live edge: no further historical pages remain.
			if !upToDate {
				upToDate = true
				h.feedCtx.MarkUpToDate(time.Since(harvestStart))
				h.incomplete.MarkUpToDate(h.feedID)
				h.metrics.FeedsIncomplete.Set(float64(len(h.incomplete.Incomplete())))
				h.log.Info().
					Dur("harvest_duration", time.Since(harvestStart)).
					Msg("Feed reached live edge")
			}
			interval := h.pollInterval
			if len(page.Items) == 0 {
				h.feedCtx.SetSleepMode(true)
				interval = h.sleepInterval
			} else {
				h.feedCtx.SetSleepMode(false)
			}
			if err := h.sleep(ctx, interval); err != nil {
				return err
			}
			continue
		}

		h.feedCtx.SetSleepMode(false)
		current = page.Next
	}
}

// processPage forwards each item to the sink, dropping and counting
// malformed ones. Nothing here is fatal to the loop.
func (h *Harvester) processPage(ctx context.Context, page *models.RpdePage) {
	malformed := 0
	for i := range page.Items {
		item := page.Items[i]
		if err := item.Validate(); err != nil {
			malformed++
			h.metrics.ItemsDropped.WithLabelValues(h.feedID, "malformed").Inc()
			h.log.Warn().Err(err).Str("item_id", string(item.ID)).Msg("Dropping malformed RPDE item")
			continue
		}
		if err := h.sink.Process(ctx, h.feedID, item); err != nil {
			malformed++
			h.metrics.ItemsDropped.WithLabelValues(h.feedID, "rejected").Inc()
			h.log.Warn().Err(err).Str("item_id", string(item.ID)).Msg("Dropping unprocessable RPDE item")
			continue
		}
		h.metrics.ItemsIngested.WithLabelValues(h.feedID, item.State).Inc()
	}
	if malformed > 0 {
		h.feedCtx.RecordMalformed(malformed)
	}
}

func (h *Harvester) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsShutdown reports whether the error returned by Run was a clean
// cancellation.
func IsShutdown(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
