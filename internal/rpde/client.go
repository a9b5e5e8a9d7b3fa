package rpde

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"openactive/broker/internal/models"
)

const (
	defaultRequestTimeout  = 30 * time.Second
	defaultMaxElapsedRetry = 2 * time.Minute
	breakerConsecFailures  = 5
	breakerOpenTimeout     = 30 * time.Second
)

// ErrFeedUnavailable wraps fetch failures that exhausted the retry budget.
// The harvester treats it as transient and keeps the feed alive.
var ErrFeedUnavailable = errors.New("feed unavailable")

// Config tunes a feed client.
type Config struct {
	UserAgent       string
	RequestTimeout  time.Duration
	MaxElapsedRetry time.Duration
}

// Client fetches RPDE pages for one feed. Transport failures are retried
// with exponential backoff; repeated consecutive failures trip a circuit
// breaker so a dead endpoint is not hammered while the harvester sleeps.
type Client struct {
	http            *http.Client
	breaker         *gobreaker.CircuitBreaker
	userAgent       string
	maxElapsedRetry time.Duration
}

// NewClient creates a client for the named feed.
func NewClient(feedID string, cfg Config) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.MaxElapsedRetry <= 0 {
		cfg.MaxElapsedRetry = defaultMaxElapsedRetry
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    feedID,
		Timeout: breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerConsecFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("feed", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Feed circuit breaker state change")
		},
	})
	return &Client{
		http:            &http.Client{Timeout: cfg.RequestTimeout},
		breaker:         breaker,
		userAgent:       cfg.UserAgent,
		maxElapsedRetry: cfg.MaxElapsedRetry,
	}
}

// FetchPage retrieves one RPDE page, retrying transient failures until the
// retry budget is spent. It returns the decoded page and the response time
// of the successful attempt.
func (c *Client) FetchPage(ctx context.Context, pageURL string) (*models.RpdePage, time.Duration, error) {
	var page *models.RpdePage
	var elapsed time.Duration

	operation := func() error {
		result, err := c.breaker.Execute(func() (any, error) {
			start := time.Now()
			p, err := c.fetchOnce(ctx, pageURL)
			if err != nil {
				return nil, err
			}
			elapsed = time.Since(start)
			return p, nil
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				// Let the backoff timer run down while the breaker is open.
				return err
			}
			var perm *permanentStatusError
			if errors.As(err, &perm) {
				return backoff.Permanent(err)
			}
			return err
		}
		page = result.(*models.RpdePage)
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.maxElapsedRetry
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, fmt.Errorf("%w: %s: %v", ErrFeedUnavailable, pageURL, err)
	}
	return page, elapsed, nil
}

// permanentStatusError marks HTTP statuses that retrying cannot fix.
type permanentStatusError struct {
	status int
	url    string
}

func (e *permanentStatusError) Error() string {
	return fmt.Sprintf("page fetch returned status %d: %s", e.status, e.url)
}

func (c *Client) fetchOnce(ctx context.Context, pageURL string) (*models.RpdePage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, &permanentStatusError{status: 0, url: pageURL}
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("page fetch failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// Fall through to decoding.
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode >= 500:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("page fetch returned retryable status %d: %s", resp.StatusCode, pageURL)
	default:
		return nil, &permanentStatusError{status: resp.StatusCode, url: pageURL}
	}

	var page models.RpdePage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		// A truncated body is as transient as a dropped connection.
		return nil, fmt.Errorf("decoding page body: %w", err)
	}
	if page.Next == "" {
		return nil, fmt.Errorf("page has no next URL: %s", pageURL)
	}
	return &page, nil
}
