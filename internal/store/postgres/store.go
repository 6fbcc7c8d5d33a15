// Package postgres implements store.Store on PostgreSQL through pgx.
package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/crosslogic/metering/internal/store"
	"github.com/crosslogic/metering/pkg/database"
	"github.com/crosslogic/metering/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const subscriptionColumns = `
	id, account_id, tier, status, stripe_customer_id, external_subscription_id,
	trial_ends_at, current_period_start, current_period_end, cancelled_at,
	last_event_at, created_at, updated_at`

const poolColumns = `id, subscription_id, monthly_limit, used_this_month, cycle_reset_at, created_at, updated_at`

const creditColumns = `id, subscription_id, amount, remaining, purchased_at, expires_at, stripe_checkout_session_id, created_at`

// Store is the pgx-backed store.
type Store struct {
	db *database.Database
}

var _ store.Store = (*Store)(nil)

// New wraps an open database.
func New(db *database.Database) *Store {
	return &Store{db: db}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Health(ctx)
}

func scanSubscription(row pgx.Row) (*models.Subscription, error) {
	var sub models.Subscription
	err := row.Scan(
		&sub.ID,
		&sub.AccountID,
		&sub.Tier,
		&sub.Status,
		&sub.StripeCustomerID,
		&sub.ExternalSubscriptionID,
		&sub.TrialEndsAt,
		&sub.CurrentPeriodStart,
		&sub.CurrentPeriodEnd,
		&sub.CancelledAt,
		&sub.LastEventAt,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func scanPool(row pgx.Row) (*models.QuotaPool, error) {
	var p models.QuotaPool
	err := row.Scan(&p.ID, &p.SubscriptionID, &p.MonthlyLimit, &p.UsedThisMonth, &p.CycleResetAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) getSubscription(ctx context.Context, where string, arg any) (*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE ` + where
	sub, err := scanSubscription(s.db.Pool.QueryRow(ctx, query, arg))
	if database.IsNoRows(err) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

func (s *Store) GetSubscription(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	return s.getSubscription(ctx, "id = $1", id)
}

func (s *Store) GetSubscriptionByAccount(ctx context.Context, accountID uuid.UUID) (*models.Subscription, error) {
	return s.getSubscription(ctx, "account_id = $1", accountID)
}

func (s *Store) GetSubscriptionByExternalID(ctx context.Context, externalID string) (*models.Subscription, error) {
	return s.getSubscription(ctx, "external_subscription_id = $1", externalID)
}

func (s *Store) ProvisionSubscription(ctx context.Context, sub *models.Subscription, pool *models.QuotaPool) (*models.Subscription, error) {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	inserted, err := scanSubscription(tx.QueryRow(ctx, `
		INSERT INTO subscriptions (id, account_id, tier, status, trial_ends_at, current_period_start, current_period_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (account_id) DO NOTHING
		RETURNING `+subscriptionColumns,
		sub.ID, sub.AccountID, sub.Tier, sub.Status, sub.TrialEndsAt, sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
	))
	if database.IsNoRows(err) {
		// Lost the race to another provisioner; their row is authoritative.
		existing, err := scanSubscription(tx.QueryRow(ctx,
			`SELECT `+subscriptionColumns+` FROM subscriptions WHERE account_id = $1`, sub.AccountID))
		if err != nil {
			return nil, fmt.Errorf("failed to load existing subscription: %w", err)
		}
		return existing, tx.Commit(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert subscription: %w", err)
	}

	if pool != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO quota_pools (id, subscription_id, monthly_limit, used_this_month, cycle_reset_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (subscription_id) DO NOTHING
		`, pool.ID, inserted.ID, pool.MonthlyLimit, pool.UsedThisMonth, pool.CycleResetAt)
		if err != nil {
			return nil, fmt.Errorf("failed to insert quota pool: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return inserted, nil
}

// ApplyPatchIfNewer builds one UPDATE whose WHERE clause carries the
// watermark comparison, so the check and the write cannot interleave with
// another delivery of the same subscription's events.
func (s *Store) ApplyPatchIfNewer(ctx context.Context, externalID string, patch models.SubscriptionPatch) (*models.Subscription, bool, error) {
	sets := []string{"last_event_at = $2", "updated_at = NOW()"}
	args := []any{externalID, patch.EventTimestamp}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, column+" = $"+strconv.Itoa(len(args)))
	}
	if patch.Tier != nil {
		add("tier", *patch.Tier)
	}
	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.CurrentPeriodStart != nil {
		add("current_period_start", *patch.CurrentPeriodStart)
	}
	if patch.CurrentPeriodEnd != nil {
		add("current_period_end", *patch.CurrentPeriodEnd)
	}
	if patch.CancelledAt != nil {
		add("cancelled_at", *patch.CancelledAt)
	}

	query := `UPDATE subscriptions SET ` + strings.Join(sets, ", ") + `
		WHERE external_subscription_id = $1
			AND (last_event_at IS NULL OR last_event_at < $2)
		RETURNING ` + subscriptionColumns

	sub, err := scanSubscription(s.db.Pool.QueryRow(ctx, query, args...))
	if err == nil {
		return sub, true, nil
	}
	if !database.IsNoRows(err) {
		return nil, false, fmt.Errorf("failed to apply subscription patch: %w", err)
	}

	existing, err := s.GetSubscriptionByExternalID(ctx, externalID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Store) LinkCustomer(ctx context.Context, accountID uuid.UUID, customerID string, externalID *string) (*models.Subscription, error) {
	sub, err := scanSubscription(s.db.Pool.QueryRow(ctx, `
		UPDATE subscriptions
		SET stripe_customer_id = $2,
			external_subscription_id = COALESCE($3, external_subscription_id),
			updated_at = NOW()
		WHERE account_id = $1
		RETURNING `+subscriptionColumns,
		accountID, customerID, externalID,
	))
	if database.IsNoRows(err) {
		return nil, store.ErrNotFound
	}
	if database.IsUniqueViolation(err) {
		return nil, store.ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to link customer: %w", err)
	}
	return sub, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, from, to models.Status, at time.Time) (*models.Subscription, bool, error) {
	sub, err := scanSubscription(s.db.Pool.QueryRow(ctx, `
		UPDATE subscriptions
		SET status = $3,
			cancelled_at = CASE WHEN $3 = 'cancelled' THEN COALESCE(cancelled_at, $4) ELSE cancelled_at END,
			updated_at = $4
		WHERE id = $1 AND status = $2
		RETURNING `+subscriptionColumns,
		id, from, to, at,
	))
	if err == nil {
		return sub, true, nil
	}
	if !database.IsNoRows(err) {
		return nil, false, fmt.Errorf("failed to update subscription status: %w", err)
	}
	current, err := s.GetSubscription(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func (s *Store) UpdateTier(ctx context.Context, id uuid.UUID, tier models.Tier) (*models.Subscription, error) {
	sub, err := scanSubscription(s.db.Pool.QueryRow(ctx, `
		UPDATE subscriptions SET tier = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+subscriptionColumns,
		id, tier,
	))
	if database.IsNoRows(err) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update subscription tier: %w", err)
	}
	return sub, nil
}

func (s *Store) ExpiredTrials(ctx context.Context, now time.Time) ([]*models.Subscription, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE status = 'trial' AND trial_ends_at IS NOT NULL AND trial_ends_at <= $1
	`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired trials: %w", err)
	}
	defer rows.Close()

	var out []*models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) CountProfiles(ctx context.Context, accountID uuid.UUID) (int, error) {
	var n int
	if err := s.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM profiles WHERE account_id = $1`, accountID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count profiles: %w", err)
	}
	return n, nil
}

func (s *Store) GetPool(ctx context.Context, subscriptionID uuid.UUID) (*models.QuotaPool, error) {
	p, err := scanPool(s.db.Pool.QueryRow(ctx,
		`SELECT `+poolColumns+` FROM quota_pools WHERE subscription_id = $1`, subscriptionID))
	if database.IsNoRows(err) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quota pool: %w", err)
	}
	return p, nil
}

func (s *Store) ConsumeMonthly(ctx context.Context, subscriptionID uuid.UUID) (*models.QuotaPool, bool, error) {
	p, err := scanPool(s.db.Pool.QueryRow(ctx, `
		UPDATE quota_pools
		SET used_this_month = used_this_month + 1, updated_at = NOW()
		WHERE subscription_id = $1 AND used_this_month < monthly_limit
		RETURNING `+poolColumns,
		subscriptionID,
	))
	if database.IsNoRows(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to consume monthly quota: %w", err)
	}
	return p, true, nil
}

func (s *Store) RefundMonthly(ctx context.Context, subscriptionID uuid.UUID) (*models.QuotaPool, bool, error) {
	p, err := scanPool(s.db.Pool.QueryRow(ctx, `
		UPDATE quota_pools
		SET used_this_month = used_this_month - 1, updated_at = NOW()
		WHERE subscription_id = $1 AND used_this_month > 0
		RETURNING `+poolColumns,
		subscriptionID,
	))
	if database.IsNoRows(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to refund monthly quota: %w", err)
	}
	return p, true, nil
}

func (s *Store) DuePools(ctx context.Context, now time.Time) ([]models.DuePool, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT qp.id, qp.subscription_id, s.account_id, COALESCE(s.tier, ''), qp.cycle_reset_at
		FROM quota_pools qp
		LEFT JOIN subscriptions s ON s.id = qp.subscription_id
		WHERE qp.cycle_reset_at <= $1
		ORDER BY qp.cycle_reset_at
	`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query due pools: %w", err)
	}
	defer rows.Close()

	var out []models.DuePool
	for rows.Next() {
		var (
			d         models.DuePool
			accountID *uuid.UUID
		)
		if err := rows.Scan(&d.PoolID, &d.SubscriptionID, &accountID, &d.Tier, &d.CycleResetAt); err != nil {
			return nil, fmt.Errorf("failed to scan due pool: %w", err)
		}
		if accountID != nil {
			d.AccountID = *accountID
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) ResetPool(ctx context.Context, poolID uuid.UUID, limit int, prior, next time.Time) (bool, error) {
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE quota_pools
		SET used_this_month = 0, monthly_limit = $2, cycle_reset_at = $4, updated_at = NOW()
		WHERE id = $1 AND cycle_reset_at = $3
	`, poolID, limit, prior, next)
	if err != nil {
		return false, fmt.Errorf("failed to reset quota pool: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) OldestUsableCredit(ctx context.Context, subscriptionID uuid.UUID, now time.Time) (*models.TopUpCredit, error) {
	var c models.TopUpCredit
	err := s.db.Pool.QueryRow(ctx, `
		SELECT `+creditColumns+`
		FROM top_up_credits
		WHERE subscription_id = $1 AND remaining > 0 AND expires_at > $2
		ORDER BY purchased_at
		LIMIT 1
	`, subscriptionID, now).Scan(&c.ID, &c.SubscriptionID, &c.Amount, &c.Remaining, &c.PurchasedAt, &c.ExpiresAt, &c.CheckoutSessionID, &c.CreatedAt)
	if database.IsNoRows(err) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find top-up credit: %w", err)
	}
	return &c, nil
}

func (s *Store) ConsumeCredit(ctx context.Context, creditID uuid.UUID) (bool, error) {
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE top_up_credits SET remaining = remaining - 1
		WHERE id = $1 AND remaining > 0
	`, creditID)
	if err != nil {
		return false, fmt.Errorf("failed to consume top-up credit: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) UsableCreditBalance(ctx context.Context, subscriptionID uuid.UUID, now time.Time) (int, error) {
	var total int
	err := s.db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(remaining), 0)
		FROM top_up_credits
		WHERE subscription_id = $1 AND remaining > 0 AND expires_at > $2
	`, subscriptionID, now).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum top-up credits: %w", err)
	}
	return total, nil
}

// AddCredit inserts a credit. A credit whose checkout session was already
// credited is rejected with store.ErrConflict.
func (s *Store) AddCredit(ctx context.Context, credit *models.TopUpCredit) error {
	if credit.ID == uuid.Nil {
		credit.ID = uuid.New()
	}
	err := s.db.Pool.QueryRow(ctx, `
		INSERT INTO top_up_credits (id, subscription_id, amount, remaining, purchased_at, expires_at, stripe_checkout_session_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (stripe_checkout_session_id) DO NOTHING
		RETURNING created_at
	`, credit.ID, credit.SubscriptionID, credit.Amount, credit.Remaining, credit.PurchasedAt, credit.ExpiresAt, credit.CheckoutSessionID).Scan(&credit.CreatedAt)
	if database.IsNoRows(err) {
		return store.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert top-up credit: %w", err)
	}
	return nil
}
