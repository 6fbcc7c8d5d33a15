package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/crosslogic/metering/internal/metering"
	"github.com/crosslogic/metering/internal/tiers"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Response headers set on every successful metered call.
const (
	HeaderQuotaRemaining = "X-Quota-Remaining"
	HeaderQuotaWarning   = "X-Quota-Warning-Level"
)

const maxExchangeBody = 1 << 20

// ExchangeRunner performs the work a metered unit pays for.
type ExchangeRunner interface {
	Run(ctx context.Context, accountID uuid.UUID, input json.RawMessage) (json.RawMessage, error)
}

// AcknowledgeRunner accepts every exchange without doing any work.
type AcknowledgeRunner struct{}

// Run implements ExchangeRunner.
func (AcknowledgeRunner) Run(_ context.Context, _ uuid.UUID, _ json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"status":"accepted"}`), nil
}

type exchangeResponse struct {
	Result       json.RawMessage       `json:"result"`
	Remaining    int                   `json:"remaining"`
	WarningLevel metering.WarningLevel `json:"warningLevel"`
}

// handleExchange charges one unit, runs the exchange and refunds the unit if
// the exchange fails.
func (g *Gateway) handleExchange(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID, _ := AccountFromContext(ctx)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxExchangeBody))
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid_request", "failed to read request body")
		return
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if !json.Valid(body) {
		g.writeError(w, http.StatusBadRequest, "invalid_request", "request body must be JSON")
		return
	}

	decision, err := g.metering.Charge(ctx, accountID)
	if err != nil {
		g.logger.Error("failed to charge quota",
			zap.String("account_id", accountID.String()),
			zap.Error(err),
		)
		g.writeError(w, http.StatusInternalServerError, "internal_error", "failed to check quota")
		return
	}
	if !decision.Allowed {
		g.writeJSON(w, http.StatusPaymentRequired, map[string]interface{}{
			"error": decision.Rejection,
		})
		return
	}

	w.Header().Set(HeaderQuotaRemaining, strconv.Itoa(decision.Remaining))
	w.Header().Set(HeaderQuotaWarning, string(decision.WarningLevel))

	result, err := g.runner.Run(ctx, accountID, body)
	if err != nil {
		g.logger.Warn("exchange failed, refunding unit",
			zap.String("account_id", accountID.String()),
			zap.Error(err),
		)
		// The refund must survive a client disconnect.
		if rerr := g.metering.Refund(context.WithoutCancel(ctx), accountID, decision.SubscriptionID); rerr != nil {
			exchangeFailures.WithLabelValues("failed").Inc()
			g.logger.Error("failed to refund unit",
				zap.String("account_id", accountID.String()),
				zap.String("subscription_id", decision.SubscriptionID.String()),
				zap.Error(rerr),
			)
		} else {
			exchangeFailures.WithLabelValues("refunded").Inc()
			w.Header().Set(HeaderQuotaRemaining, strconv.Itoa(decision.Remaining+1))
		}
		g.writeError(w, http.StatusBadGateway, "exchange_failed", "the exchange could not be completed")
		return
	}

	g.writeJSON(w, http.StatusOK, exchangeResponse{
		Result:       result,
		Remaining:    decision.Remaining,
		WarningLevel: decision.WarningLevel,
	})
}

func (g *Gateway) handleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID, _ := AccountFromContext(ctx)

	usage, err := g.metering.Usage(ctx, accountID)
	if err != nil {
		g.logger.Error("failed to load usage",
			zap.String("account_id", accountID.String()),
			zap.Error(err),
		)
		g.writeError(w, http.StatusInternalServerError, "internal_error", "failed to load usage")
		return
	}

	g.writeJSON(w, http.StatusOK, usage)
}

func (g *Gateway) handleProfileCapacity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID, _ := AccountFromContext(ctx)

	sub, err := g.subscriptions.Provision(ctx, accountID)
	if err != nil {
		g.logger.Error("failed to load subscription", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "internal_error", "failed to load subscription")
		return
	}

	canAdd, err := g.subscriptions.CanAddProfile(ctx, sub.ID)
	if err != nil {
		g.logger.Error("failed to check profile capacity", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "internal_error", "failed to check profile capacity")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"tier":        sub.Tier,
		"maxProfiles": tiers.Lookup(sub.Tier).MaxProfiles,
		"canAdd":      canAdd,
	})
}
