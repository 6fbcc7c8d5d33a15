// Package notifications forwards billing and quota events to an external
// webhook so operators and downstream systems can react to them.
package notifications

import (
	"context"
	"sync"
	"time"

	"github.com/crosslogic/metering/internal/config"
	"github.com/crosslogic/metering/pkg/events"
	"go.uber.org/zap"
)

const (
	processedKeyPrefix = "notifications:processed:"
	processedTTL       = 24 * time.Hour
	maxBackoff         = 5 * time.Minute
)

// DefaultEvents are the event types forwarded when none are configured.
var DefaultEvents = []events.EventType{
	events.EventQuotaExceeded,
	events.EventQuotaWarning,
	events.EventSubscriptionDowngraded,
	events.EventTopUpPurchased,
	events.EventPaymentFailed,
}

// Sender delivers one event to its destination.
type Sender interface {
	Send(ctx context.Context, event events.Event) error
}

// Deduper reserves an event ID; pkg/cache.Cache satisfies it.
type Deduper interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)
}

type deliveryTask struct {
	event   events.Event
	attempt int
}

// Service subscribes to the event bus and delivers events with bounded,
// exponentially backed-off retries.
type Service struct {
	cfg    config.NotificationsConfig
	sender Sender
	dedupe Deduper
	logger *zap.Logger

	retryQueue chan *deliveryTask
	wg         sync.WaitGroup
}

// NewService creates the service. dedupe may be nil.
func NewService(cfg config.NotificationsConfig, sender Sender, dedupe Deduper, logger *zap.Logger) *Service {
	if cfg.RetryQueueSize <= 0 {
		cfg.RetryQueueSize = 1
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 10 * time.Second
	}
	return &Service{
		cfg:        cfg,
		sender:     sender,
		dedupe:     dedupe,
		logger:     logger,
		retryQueue: make(chan *deliveryTask, cfg.RetryQueueSize),
	}
}

// Subscribe registers the service for each event type, DefaultEvents if none are given.
func (s *Service) Subscribe(bus *events.Bus, types ...events.EventType) {
	if len(types) == 0 {
		types = DefaultEvents
	}
	for _, t := range types {
		bus.Subscribe(t, s.handleEvent)
	}
}

// Start launches the retry workers. They exit when ctx is cancelled; Wait
// blocks until they have.
func (s *Service) Start(ctx context.Context) {
	for i := 0; i < s.cfg.RetryWorkers; i++ {
		s.wg.Add(1)
		go s.retryWorker(ctx, i)
	}
	s.logger.Info("notification service started",
		zap.Int("retry_workers", s.cfg.RetryWorkers),
		zap.Int("max_retries", s.cfg.MaxRetries),
	)
}

func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) handleEvent(ctx context.Context, event events.Event) error {
	if s.isDuplicate(ctx, event.ID) {
		s.logger.Debug("duplicate event, skipping", zap.String("event_id", event.ID))
		return nil
	}

	task := &deliveryTask{event: event}
	if err := s.deliver(ctx, task); err != nil {
		s.enqueueRetry(task)
	}
	return nil
}

// isDuplicate reserves the event ID. A dedupe failure lets delivery proceed.
func (s *Service) isDuplicate(ctx context.Context, eventID string) bool {
	if s.dedupe == nil {
		return false
	}
	ok, err := s.dedupe.SetNX(ctx, processedKeyPrefix+eventID, "1", processedTTL)
	if err != nil {
		s.logger.Warn("failed to reserve notification", zap.Error(err))
		return false
	}
	return !ok
}

func (s *Service) deliver(ctx context.Context, task *deliveryTask) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DeliveryTimeout)
	defer cancel()

	err := s.sender.Send(ctx, task.event)
	d := time.Since(start)
	if err != nil {
		recordDelivery(string(task.event.Type), "failed", d)
		s.logger.Warn("notification delivery failed",
			zap.String("event_id", task.event.ID),
			zap.Int("attempt", task.attempt),
			zap.Error(err),
		)
		return err
	}

	recordDelivery(string(task.event.Type), "success", d)
	s.logger.Info("notification delivered",
		zap.String("event_id", task.event.ID),
		zap.String("event_type", string(task.event.Type)),
		zap.Duration("duration", d),
	)
	return nil
}

func (s *Service) enqueueRetry(task *deliveryTask) {
	task.attempt++
	if task.attempt > s.cfg.MaxRetries {
		recordDelivery(string(task.event.Type), "dropped", 0)
		s.logger.Error("max retries exceeded, giving up",
			zap.String("event_id", task.event.ID),
			zap.Int("attempts", task.attempt),
		)
		return
	}

	select {
	case s.retryQueue <- task:
		recordRetry(task.attempt)
		queueDepth.Set(float64(len(s.retryQueue)))
	default:
		recordDelivery(string(task.event.Type), "dropped", 0)
		s.logger.Error("retry queue full, dropping notification",
			zap.String("event_id", task.event.ID),
		)
	}
}

func (s *Service) retryWorker(ctx context.Context, id int) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("retry worker stopping", zap.Int("worker_id", id))
			return
		case task := <-s.retryQueue:
			queueDepth.Set(float64(len(s.retryQueue)))

			timer := time.NewTimer(s.backoff(task.attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			if err := s.deliver(ctx, task); err != nil {
				s.enqueueRetry(task)
			}
		}
	}
}

// backoff is base * 2^attempt, capped at five minutes.
func (s *Service) backoff(attempt int) time.Duration {
	if s.cfg.RetryBackoffBase <= 0 {
		return 0
	}
	b := s.cfg.RetryBackoffBase * time.Duration(1<<uint(attempt))
	if b <= 0 || b > maxBackoff {
		return maxBackoff
	}
	return b
}
