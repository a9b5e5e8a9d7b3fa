// Package server exposes the broker over HTTP: listener registration and
// collection, harvest status, the pause gate, the test-interface dataset
// endpoints and prometheus metrics.
package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"openactive/broker/internal/harvest"
)

// apiKeyMiddleware checks for the X-API-Key header and validates it against the provided key.
// If key is empty, it allows all requests.
func apiKeyMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			reqApiKey := r.Header.Get("X-API-Key")
			if reqApiKey == "" {
				http.Error(w, "API key required", http.StatusUnauthorized)
				return
			}

			if reqApiKey != apiKey {
				http.Error(w, "Invalid API key", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// NewRouter builds the broker's HTTP routes.
func NewRouter(broker *harvest.Broker, gatherer prometheus.Gatherer, defaultTimeout time.Duration) *chi.Mux {
	h := &handlers{broker: broker, defaultTimeout: defaultTimeout}

	r := chi.NewRouter()
	r.Get("/health", h.health)
	r.Get("/health-check", h.healthCheck)
	r.Get("/status", h.status)
	r.Get("/orphans", h.orphans)
	r.Post("/pause", h.pause)
	r.Post("/resume", h.resume)

	r.Route("/opportunity-listeners/{id}", func(r chi.Router) {
		r.Post("/", h.registerOpportunityListener)
		r.Get("/collect", h.collectOpportunityListener)
		r.Delete("/", h.cancelOpportunityListener)
	})
	r.Route("/order-listeners/{feedType}/{partner}/{uuid}", func(r chi.Router) {
		r.Post("/", h.registerOrderListener)
		r.Get("/collect", h.collectOrderListener)
		r.Delete("/", h.cancelOrderListener)
	})

	r.Get("/opportunity/{id}", h.getOpportunity)
	r.Get("/opportunity-cache/{id}", h.getRow)

	r.Route("/test-interface/datasets/{dataset}", func(r chi.Router) {
		r.Post("/opportunities", h.claimOpportunity)
		r.Delete("/", h.releaseDataset)
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}

// RunServer starts the HTTP server with graceful shutdown support.
// It sets up routes, middleware, and handles OS signals for clean termination.
func RunServer(ctx context.Context, broker *harvest.Broker, gatherer prometheus.Gatherer, listenAddr string, logger zerolog.Logger, apiKey string, defaultTimeout time.Duration) error {
	logger = logger.With().Str("service", "broker-api").Logger()

	mux := NewRouter(broker, gatherer, defaultTimeout)

	// Set up middleware chain for logging and request tracking
	var handler http.Handler = mux
	handler = hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("HTTP Request")
	})(handler)
	handler = hlog.RequestIDHandler("req_id", "Request-Id")(handler)
	handler = hlog.RemoteAddrHandler("remote_addr")(handler)
	handler = hlog.URLHandler("url")(handler)
	handler = hlog.MethodHandler("method")(handler)
	handler = hlog.NewHandler(logger)(handler)

	if apiKey != "" {
		handler = apiKeyMiddleware(apiKey)(handler)
		logger.Info().Msg("API key authentication enabled")
	} else {
		logger.Info().Msg("API key authentication disabled")
	}

	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// No WriteTimeout: listener collection legitimately holds
		// responses open for the caller-supplied wait.
		IdleTimeout: 120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("address", listenAddr).Msg("API Server starting")
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return err

	case <-ctx.Done():
		logger.Info().Msg("Context cancelled, shutting down HTTP server")

	case sig := <-shutdown:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
		if err := httpServer.Close(); err != nil {
			logger.Error().Err(err).Msg("HTTP server force close error")
		}
	} else {
		logger.Info().Msg("HTTP server shutdown complete.")
	}
	if err := <-serverErr; err != nil {
		logger.Error().Err(err).Msg("ListenAndServe error during shutdown")
	}

	logger.Info().Msg("Server exiting.")
	return nil
}
