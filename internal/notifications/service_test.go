package notifications

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/crosslogic/metering/internal/config"
	"github.com/crosslogic/metering/pkg/cache"
	"github.com/crosslogic/metering/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "notify-secret"

type receiver struct {
	mu       sync.Mutex
	calls    atomic.Int32
	failFor  int32
	bodies   [][]byte
	headers  []http.Header
	listener *httptest.Server
}

func newReceiver(t *testing.T, failFor int32) *receiver {
	t.Helper()
	r := &receiver{failFor: failFor}
	r.listener = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		n := r.calls.Add(1)
		if n <= r.failFor {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.bodies = append(r.bodies, body)
		r.headers = append(r.headers, req.Header.Clone())
		r.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(r.listener.Close)
	return r
}

func testConfig(workers, retries int) config.NotificationsConfig {
	return config.NotificationsConfig{
		Enabled:          true,
		DeliveryTimeout:  time.Second,
		MaxRetries:       retries,
		RetryBackoffBase: time.Millisecond,
		RetryQueueSize:   10,
		RetryWorkers:     workers,
	}
}

func TestDeliversSignedPayload(t *testing.T) {
	logger := zap.NewNop()
	rcv := newReceiver(t, 0)
	svc := NewService(testConfig(0, 0), NewWebhookSender(rcv.listener.URL, testSecret, logger), nil, logger)

	bus := events.NewBus(logger)
	svc.Subscribe(bus)

	event := events.NewEvent(events.EventQuotaExceeded, "acct-1", map[string]interface{}{"tier": "plus"})
	bus.Publish(context.Background(), event)
	require.NoError(t, bus.Drain(context.Background()))

	rcv.mu.Lock()
	defer rcv.mu.Unlock()
	require.Len(t, rcv.bodies, 1)

	body, header := rcv.bodies[0], rcv.headers[0]
	assert.True(t, VerifySignature(body, header.Get(HeaderSignature), testSecret))
	assert.Equal(t, string(events.EventQuotaExceeded), header.Get(HeaderEventType))
	assert.Equal(t, event.ID, header.Get(HeaderEventID))

	var payload WebhookPayload
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "acct-1", payload.AccountID)
	assert.Equal(t, "plus", payload.Data["tier"])
}

func TestIgnoresUnsubscribedEvents(t *testing.T) {
	logger := zap.NewNop()
	rcv := newReceiver(t, 0)
	svc := NewService(testConfig(0, 0), NewWebhookSender(rcv.listener.URL, "", logger), nil, logger)

	bus := events.NewBus(logger)
	svc.Subscribe(bus, events.EventPaymentFailed)

	bus.Publish(context.Background(), events.NewEvent(events.EventQuotaWarning, "acct-1", nil))
	require.NoError(t, bus.Drain(context.Background()))
	assert.Zero(t, rcv.calls.Load())
}

func TestRetriesUntilDelivered(t *testing.T) {
	logger := zap.NewNop()
	rcv := newReceiver(t, 2)
	svc := NewService(testConfig(1, 3), NewWebhookSender(rcv.listener.URL, testSecret, logger), nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)

	require.NoError(t, svc.handleEvent(ctx, events.NewEvent(events.EventPaymentFailed, "acct-2", nil)))

	assert.Eventually(t, func() bool {
		rcv.mu.Lock()
		defer rcv.mu.Unlock()
		return len(rcv.bodies) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), rcv.calls.Load())

	cancel()
	svc.Wait()
}

func TestGivesUpAfterMaxRetries(t *testing.T) {
	logger := zap.NewNop()
	rcv := newReceiver(t, 1000)
	svc := NewService(testConfig(1, 2), NewWebhookSender(rcv.listener.URL, testSecret, logger), nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	require.NoError(t, svc.handleEvent(ctx, events.NewEvent(events.EventTopUpPurchased, "acct-3", nil)))

	assert.Eventually(t, func() bool { return rcv.calls.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(3), rcv.calls.Load())
}

func TestDeduplicatesByEventID(t *testing.T) {
	logger := zap.NewNop()
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	redisCache, err := cache.NewCache(context.Background(), config.RedisConfig{Host: mr.Host(), Port: port, PoolSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { redisCache.Close() })

	rcv := newReceiver(t, 0)
	svc := NewService(testConfig(0, 0), NewWebhookSender(rcv.listener.URL, testSecret, logger), redisCache, logger)

	event := events.NewEvent(events.EventSubscriptionDowngraded, "acct-4", nil)
	require.NoError(t, svc.handleEvent(context.Background(), event))
	require.NoError(t, svc.handleEvent(context.Background(), event))

	assert.Equal(t, int32(1), rcv.calls.Load())
	assert.True(t, mr.Exists(processedKeyPrefix+event.ID))
}

func TestBackoffIsCapped(t *testing.T) {
	svc := NewService(config.NotificationsConfig{RetryBackoffBase: time.Second}, nil, nil, zap.NewNop())

	assert.Equal(t, 2*time.Second, svc.backoff(1))
	assert.Equal(t, 8*time.Second, svc.backoff(3))
	assert.Equal(t, maxBackoff, svc.backoff(20))
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"event_id":"e1"}`)
	sig := Sign(body, testSecret)

	assert.True(t, VerifySignature(body, sig, testSecret))
	assert.False(t, VerifySignature(body, sig, "other"))
	assert.False(t, VerifySignature([]byte(`{}`), sig, testSecret))
}
