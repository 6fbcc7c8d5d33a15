// Package snapshot is the read-through cache of per-account quota state.
//
// The cache is advisory: it is never consulted to authorize a charge, and any
// failure (unreachable Redis, missing key, malformed or schema-invalid JSON)
// is reported to callers as a plain miss.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/crosslogic/metering/internal/tiers"
	"github.com/crosslogic/metering/pkg/cache"
	"github.com/crosslogic/metering/pkg/metrics"
	"github.com/crosslogic/metering/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultTTL is how long a snapshot lives in the cache.
const DefaultTTL = 24 * time.Hour

// Snapshot is the cached view of an account's subscription and pool.
type Snapshot struct {
	SubscriptionID uuid.UUID     `json:"subscriptionId"`
	Tier           models.Tier   `json:"tier"`
	Status         models.Status `json:"status"`
	MonthlyLimit   int           `json:"monthlyLimit"`
	UsedThisMonth  int           `json:"usedThisMonth"`
}

var errInvalidSnapshot = errors.New("snapshot: invalid")

func (s *Snapshot) validate() error {
	switch {
	case s.SubscriptionID == uuid.Nil:
		return errInvalidSnapshot
	case !s.Status.Valid():
		return errInvalidSnapshot
	case s.MonthlyLimit < 0, s.UsedThisMonth < 0, s.UsedThisMonth > s.MonthlyLimit:
		return errInvalidSnapshot
	}
	if _, err := tiers.Parse(string(s.Tier)); err != nil {
		return errInvalidSnapshot
	}
	return nil
}

// KV is the subset of the Redis wrapper the snapshot cache needs.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

var _ KV = (*cache.Cache)(nil)

// Cache reads and writes snapshots. A Cache with a nil KV always misses.
type Cache struct {
	kv      KV
	ttl     time.Duration
	timeout time.Duration
	logger  *zap.Logger
}

// New creates a snapshot cache. Zero ttl or timeout fall back to defaults.
func New(kv KV, ttl, timeout time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	return &Cache{kv: kv, ttl: ttl, timeout: timeout, logger: logger}
}

// Key returns the cache key of an account.
func Key(accountID uuid.UUID) string {
	return "sub:" + accountID.String()
}

// Get returns the cached snapshot and whether it was usable.
func (c *Cache) Get(ctx context.Context, accountID uuid.UUID) (*Snapshot, bool) {
	if c == nil || c.kv == nil {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.kv.Get(ctx, Key(accountID))
	if errors.Is(err, cache.ErrMiss) {
		metrics.RecordSnapshotLookup("miss")
		return nil, false
	}
	if err != nil {
		metrics.RecordSnapshotLookup("error")
		c.logger.Warn("snapshot cache read failed",
			zap.String("account_id", accountID.String()),
			zap.Error(err),
		)
		return nil, false
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil || snap.validate() != nil {
		metrics.RecordSnapshotLookup("invalid")
		c.logger.Warn("discarding invalid snapshot",
			zap.String("account_id", accountID.String()),
		)
		return nil, false
	}

	metrics.RecordSnapshotLookup("hit")
	return &snap, true
}

// Put replaces the account's snapshot. Failures are logged and dropped.
func (c *Cache) Put(ctx context.Context, accountID uuid.UUID, snap Snapshot) {
	if c == nil || c.kv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(snap)
	if err != nil {
		c.logger.Error("failed to encode snapshot", zap.Error(err))
		return
	}
	if err := c.kv.Set(ctx, Key(accountID), body, c.ttl); err != nil {
		c.logger.Warn("snapshot cache write failed",
			zap.String("account_id", accountID.String()),
			zap.Error(err),
		)
	}
}

// Invalidate drops the account's snapshot so the next read goes to the database.
func (c *Cache) Invalidate(ctx context.Context, accountID uuid.UUID) {
	if c == nil || c.kv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.kv.Delete(ctx, Key(accountID)); err != nil {
		c.logger.Warn("snapshot cache invalidation failed",
			zap.String("account_id", accountID.String()),
			zap.Error(err),
		)
	}
}
