package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/hlog"

	"openactive/broker/internal/harvest"
	"openactive/broker/internal/listeners"
	"openactive/broker/internal/store"
)

const maxListenerTimeout = 5 * time.Minute

type handlers struct {
	broker         *harvest.Broker
	defaultTimeout time.Duration
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

// pathParam returns the decoded URL parameter; opportunity IDs are URLs
// and arrive percent-encoded.
func pathParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if decoded, err := url.PathUnescape(raw); err == nil {
		return decoded
	}
	return raw
}

// listenerTimeout reads the optional timeoutMs query parameter, clamped
// to a server-side maximum.
func (h *handlers) listenerTimeout(r *http.Request) time.Duration {
	raw := r.URL.Query().Get("timeoutMs")
	if raw == "" {
		return h.defaultTimeout
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		return h.defaultTimeout
	}
	timeout := time.Duration(ms) * time.Millisecond
	if timeout > maxListenerTimeout {
		return maxListenerTimeout
	}
	return timeout
}

// health is a plain liveness probe.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("OK"))
}

// healthCheck blocks until every feed has been fully harvested, so test
// frameworks can defer their run until the broker is ready.
func (h *handlers) healthCheck(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	if err := h.broker.AwaitFullHarvest(r.Context()); err != nil {
		log.Warn().Err(err).Msg("Health check abandoned before harvest completion")
		http.Error(w, "Harvest incomplete", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("OK"))
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.broker.Status())
}

func (h *handlers) orphans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"childrenWaitingForParents": h.broker.Store.OrphanIDs(),
	})
}

func (h *handlers) pause(w http.ResponseWriter, r *http.Request) {
	h.broker.Pause.Pause()
	hlog.FromRequest(r).Info().Msg("Harvesting paused")
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) resume(w http.ResponseWriter, r *http.Request) {
	h.broker.Pause.Resume()
	hlog.FromRequest(r).Info().Msg("Harvesting resumed")
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) registerOpportunityListener(w http.ResponseWriter, r *http.Request) {
	opportunityID := pathParam(r, "id")
	if opportunityID == "" {
		http.Error(w, "Missing opportunity ID", http.StatusBadRequest)
		return
	}
	h.broker.RegisterTwoPhaseListener(listeners.OpportunityListenerID(opportunityID))
	w.WriteHeader(http.StatusCreated)
}

func (h *handlers) collectOpportunityListener(w http.ResponseWriter, r *http.Request) {
	opportunityID := pathParam(r, "id")
	h.collect(w, r, listeners.OpportunityListenerID(opportunityID))
}

func (h *handlers) cancelOpportunityListener(w http.ResponseWriter, r *http.Request) {
	opportunityID := pathParam(r, "id")
	h.broker.CancelListener(listeners.OpportunityListenerID(opportunityID))
	w.WriteHeader(http.StatusNoContent)
}

// orderListenerID validates the order listener path segments and builds
// the namespaced listener ID.
func orderListenerID(r *http.Request) (string, error) {
	feedType := chi.URLParam(r, "feedType")
	if feedType != string(store.OrderFeedOrders) && feedType != string(store.OrderFeedOrderProposals) {
		return "", errors.New("feed type must be orders or order-proposals")
	}
	partner := chi.URLParam(r, "partner")
	if partner == "" {
		return "", errors.New("missing booking partner")
	}
	orderUUID := chi.URLParam(r, "uuid")
	if _, err := uuid.Parse(orderUUID); err != nil {
		return "", errors.New("order ID must be a UUID")
	}
	return listeners.OrderListenerID(feedType, partner, orderUUID), nil
}

func (h *handlers) registerOrderListener(w http.ResponseWriter, r *http.Request) {
	listenerID, err := orderListenerID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.broker.RegisterTwoPhaseListener(listenerID)
	w.WriteHeader(http.StatusCreated)
}

func (h *handlers) collectOrderListener(w http.ResponseWriter, r *http.Request) {
	listenerID, err := orderListenerID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.collect(w, r, listenerID)
}

func (h *handlers) cancelOrderListener(w http.ResponseWriter, r *http.Request) {
	listenerID, err := orderListenerID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.broker.CancelListener(listenerID)
	w.WriteHeader(http.StatusNoContent)
}

// collect runs the second phase of a two-phase listen. If the client
// disconnects before resolution the listener is deregistered so entries
// do not accumulate.
func (h *handlers) collect(w http.ResponseWriter, r *http.Request, listenerID string) {
	log := hlog.FromRequest(r)
	timeout := h.listenerTimeout(r)

	done := make(chan struct{})
	go func() {
		select {
		case <-r.Context().Done():
			h.broker.CancelListener(listenerID)
		case <-done:
		}
	}()
	item, err := h.broker.CollectTwoPhaseListener(listenerID, timeout)
	close(done)

	switch {
	case errors.Is(err, listeners.ErrTimedOut):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "listener timed out"})
	case errors.Is(err, listeners.ErrUnknownListener):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "listener not found or already collected"})
	case err != nil:
		log.Error().Err(err).Str("listener_id", listenerID).Msg("Listener collection failed")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, item)
	}
}

// getOpportunity is the one-phase wait: block until the opportunity has
// been harvested or the timeout elapses. With useCacheIfAvailable=true a
// row already in the cache is returned without waiting.
func (h *handlers) getOpportunity(w http.ResponseWriter, r *http.Request) {
	opportunityID := pathParam(r, "id")
	if opportunityID == "" {
		http.Error(w, "Missing opportunity ID", http.StatusBadRequest)
		return
	}
	useCache, _ := strconv.ParseBool(r.URL.Query().Get("useCacheIfAvailable"))
	timeout := h.listenerTimeout(r)

	done := make(chan struct{})
	go func() {
		select {
		case <-r.Context().Done():
			h.broker.CancelOnePhaseOpportunity(opportunityID)
		case <-done:
		}
	}()
	item, err := h.broker.WaitForOnePhaseOpportunity(opportunityID, useCache, timeout)
	close(done)

	if errors.Is(err, listeners.ErrTimedOut) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "timed out waiting for opportunity"})
		return
	}
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// getRow exposes the raw cache row, tombstones included, so callers can
// distinguish "deleted" from "never seen".
func (h *handlers) getRow(w http.ResponseWriter, r *http.Request) {
	jsonLdID := pathParam(r, "id")
	row, ok := h.broker.GetRow(jsonLdID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown opportunity"})
		return
	}
	writeJSON(w, http.StatusOK, row)
}

type claimRequest struct {
	Criterion string `json:"criterion"`
	// The test-interface payload spells it with its JSON-LD prefix.
	PrefixedCriterion string `json:"test:testOpportunityCriteria"`
}

func (h *handlers) claimOpportunity(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	datasetID := chi.URLParam(r, "dataset")

	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	criterion := req.Criterion
	if criterion == "" {
		criterion = req.PrefixedCriterion
	}
	if criterion == "" {
		http.Error(w, "Missing criterion", http.StatusBadRequest)
		return
	}

	opportunityID, err := h.broker.ClaimOpportunityForCriterion(datasetID, criterion)
	if errors.Is(err, store.ErrNoneAvailable) {
		log.Warn().
			Str("dataset", datasetID).
			Str("criterion", criterion).
			Msg("No unlocked opportunity for criterion")
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "no unlocked opportunity matches the criterion",
		})
		return
	}
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"opportunityId": opportunityID})
}

func (h *handlers) releaseDataset(w http.ResponseWriter, r *http.Request) {
	datasetID := chi.URLParam(r, "dataset")
	released := h.broker.IDCache.ReleaseDataset(datasetID)
	hlog.FromRequest(r).Info().
		Str("dataset", datasetID).
		Int("released", released).
		Msg("Released test dataset locks")
	w.WriteHeader(http.StatusNoContent)
}
