// Package quota implements the atomic consume and refund of metered units.
//
// A charge walks an ordered chain of consumers. Each consumer issues exactly
// one guarded write against the store; the first one whose guard holds pays
// for the unit. A consumer whose guard fails (the pool is full, or another
// request drained the same credit row first) hands over to the next consumer
// and is never retried within the same call.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/metering/internal/store"
	"github.com/crosslogic/metering/pkg/metrics"
	"github.com/crosslogic/metering/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Source identifies which resource paid for a unit.
type Source string

const (
	SourceMonthly Source = "monthly"
	SourceTopUp   Source = "top_up"
	SourceNone    Source = "none"
)

// Result describes the outcome of a Decrement call.
type Result struct {
	Success          bool   `json:"success"`
	Source           Source `json:"source"`
	RemainingMonthly int    `json:"remainingMonthly"`
	RemainingTopUp   int    `json:"remainingTopUp"`
}

// Remaining is the combined number of units left after the call.
func (r Result) Remaining() int {
	return r.RemainingMonthly + r.RemainingTopUp
}

// Charge is what a consumer's guarded write reported.
type Charge struct {
	Consumed bool
	// Pool is the monthly pool row returned by the write, if the consumer
	// wrote to it.
	Pool *models.QuotaPool
}

// Consumer tries to pay for one unit from a single resource.
type Consumer interface {
	Source() Source
	// Consume reports whether its guarded write succeeded.
	Consume(ctx context.Context, subscriptionID uuid.UUID, now time.Time) (Charge, error)
}

// Backend is the store surface used by the default consumers.
type Backend interface {
	store.Pools
	store.Credits
}

// Meter charges and refunds units for a subscription.
type Meter struct {
	backend   Backend
	consumers []Consumer
	logger    *zap.Logger
	now       func() time.Time
}

// Option customises a Meter.
type Option func(*Meter)

// WithClock overrides the time source used for credit expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Meter) { m.now = now }
}

// WithConsumers appends extra consumers after the monthly pool and top-up credits.
func WithConsumers(consumers ...Consumer) Option {
	return func(m *Meter) { m.consumers = append(m.consumers, consumers...) }
}

// NewMeter creates a meter that draws from the monthly pool first and then
// from top-up credits in purchase order.
func NewMeter(backend Backend, logger *zap.Logger, opts ...Option) *Meter {
	m := &Meter{
		backend: backend,
		consumers: []Consumer{
			MonthlyPool{Pools: backend},
			TopUpCredits{Credits: backend},
		},
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Decrement charges exactly one unit, or none if every consumer is exhausted.
func (m *Meter) Decrement(ctx context.Context, subscriptionID uuid.UUID) (Result, error) {
	now := m.now()

	source := SourceNone
	var pool *models.QuotaPool
	for _, c := range m.consumers {
		charge, err := c.Consume(ctx, subscriptionID, now)
		if err != nil {
			return Result{}, fmt.Errorf("failed to consume from %s: %w", c.Source(), err)
		}
		if charge.Pool != nil {
			pool = charge.Pool
		}
		if charge.Consumed {
			source = c.Source()
			break
		}
	}
	metrics.RecordCharge(string(source))

	res := Result{Success: source != SourceNone, Source: source}
	if err := m.fillRemaining(ctx, subscriptionID, now, pool, &res); err != nil {
		return Result{}, err
	}

	m.logger.Debug("quota decrement",
		zap.String("subscription_id", subscriptionID.String()),
		zap.String("source", string(source)),
		zap.Int("remaining_monthly", res.RemainingMonthly),
		zap.Int("remaining_top_up", res.RemainingTopUp),
	)
	return res, nil
}

// fillRemaining reports balances after the charge. pool is the row the charge
// wrote, if any; it is only re-read when no consumer returned it.
func (m *Meter) fillRemaining(ctx context.Context, subscriptionID uuid.UUID, now time.Time, pool *models.QuotaPool, res *Result) error {
	if pool == nil {
		var err error
		pool, err = m.backend.GetPool(ctx, subscriptionID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return fmt.Errorf("failed to read quota pool: %w", err)
		}
	}
	res.RemainingMonthly = pool.RemainingMonthly()

	balance, err := m.backend.UsableCreditBalance(ctx, subscriptionID, now)
	if err != nil {
		return fmt.Errorf("failed to read top-up balance: %w", err)
	}
	res.RemainingTopUp = balance
	return nil
}

// Refund returns one unit to the monthly pool, whatever paid for it. It is a
// no-op when usage is already zero.
func (m *Meter) Refund(ctx context.Context, subscriptionID uuid.UUID) error {
	_, ok, err := m.backend.RefundMonthly(ctx, subscriptionID)
	if err != nil {
		return fmt.Errorf("failed to refund quota: %w", err)
	}
	if !ok {
		metrics.QuotaRefunds.WithLabelValues("floored").Inc()
		m.logger.Debug("refund floored at zero",
			zap.String("subscription_id", subscriptionID.String()),
		)
		return nil
	}
	metrics.QuotaRefunds.WithLabelValues("applied").Inc()
	return nil
}

// MonthlyPool consumes from the subscription's monthly allowance.
type MonthlyPool struct {
	Pools store.Pools
}

func (MonthlyPool) Source() Source { return SourceMonthly }

func (c MonthlyPool) Consume(ctx context.Context, subscriptionID uuid.UUID, _ time.Time) (Charge, error) {
	pool, ok, err := c.Pools.ConsumeMonthly(ctx, subscriptionID)
	if err != nil {
		return Charge{}, err
	}
	return Charge{Consumed: ok, Pool: pool}, nil
}

// TopUpCredits consumes from the oldest unexpired credit. Losing the race for
// that row fails closed rather than moving on to the next credit.
type TopUpCredits struct {
	Credits store.Credits
}

func (TopUpCredits) Source() Source { return SourceTopUp }

func (c TopUpCredits) Consume(ctx context.Context, subscriptionID uuid.UUID, now time.Time) (Charge, error) {
	credit, err := c.Credits.OldestUsableCredit(ctx, subscriptionID, now)
	if errors.Is(err, store.ErrNotFound) {
		return Charge{}, nil
	}
	if err != nil {
		return Charge{}, err
	}
	ok, err := c.Credits.ConsumeCredit(ctx, credit.ID)
	return Charge{Consumed: ok}, err
}
