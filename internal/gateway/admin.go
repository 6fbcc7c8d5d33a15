package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/crosslogic/metering/internal/subscription"
	"github.com/crosslogic/metering/internal/tiers"
	"github.com/crosslogic/metering/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func (g *Gateway) subscriptionParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "subscription_id"))
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid_request", "invalid subscription id")
		return uuid.Nil, false
	}
	return id, true
}

// writeSubscriptionError maps lifecycle errors to HTTP statuses.
func (g *Gateway) writeSubscriptionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, subscription.ErrNotFound):
		g.writeError(w, http.StatusNotFound, "not_found", "subscription not found")
	case errors.Is(err, subscription.ErrInvalidTransition):
		g.writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, subscription.ErrConcurrentUpdate):
		g.writeError(w, http.StatusConflict, "concurrent_update", err.Error())
	case errors.Is(err, tiers.ErrUnknownTier), errors.Is(err, subscription.ErrNoTopUpPack):
		g.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		g.logger.Error("subscription admin action failed", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "internal_error", "subscription update failed")
	}
}

// handleSetStatus moves a subscription along the lifecycle.
// POST /admin/subscriptions/{subscription_id}/status {"status": "active"}
func (g *Gateway) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := g.subscriptionParam(w, r)
	if !ok {
		return
	}

	var req struct {
		Status models.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.Status.Valid() {
		g.writeError(w, http.StatusBadRequest, "invalid_request", "a valid status is required")
		return
	}

	sub, err := g.subscriptions.Transition(r.Context(), id, req.Status)
	if err != nil {
		g.writeSubscriptionError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, sub)
}

// handleSetTier changes the plan; the new limit applies at the next cycle reset.
// POST /admin/subscriptions/{subscription_id}/tier {"tier": "pro"}
func (g *Gateway) handleSetTier(w http.ResponseWriter, r *http.Request) {
	id, ok := g.subscriptionParam(w, r)
	if !ok {
		return
	}

	var req struct {
		Tier models.Tier `json:"tier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	sub, err := g.subscriptions.ChangeTier(r.Context(), id, req.Tier)
	if err != nil {
		g.writeSubscriptionError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, sub)
}

// handleGrantCredits adds a top-up pack. A zero amount grants the tier's pack.
// POST /admin/subscriptions/{subscription_id}/credits {"amount": 100}
func (g *Gateway) handleGrantCredits(w http.ResponseWriter, r *http.Request) {
	id, ok := g.subscriptionParam(w, r)
	if !ok {
		return
	}

	var req struct {
		Amount int `json:"amount"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Amount < 0 {
			g.writeError(w, http.StatusBadRequest, "invalid_request", "amount must be a non-negative integer")
			return
		}
	}

	credit, err := g.subscriptions.GrantTopUp(r.Context(), id, req.Amount)
	if err != nil {
		g.writeSubscriptionError(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, credit)
}

// handleCycleReset runs trial expiry and the cycle reset immediately.
// POST /admin/jobs/cycle-reset
func (g *Gateway) handleCycleReset(w http.ResponseWriter, r *http.Request) {
	if g.sweeper == nil {
		g.writeError(w, http.StatusServiceUnavailable, "unavailable", "cycle reset is not configured")
		return
	}

	n, err := g.sweeper.RunOnce(r.Context())
	if err != nil {
		g.logger.Error("manual cycle reset failed", zap.Int("reset", n), zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "internal_error", "cycle reset failed")
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]int{"reset": n})
}
