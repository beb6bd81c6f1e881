// Package outbox отвязывает публикацию событий корзины от горутины координатора:
// события ставятся в очередь и публикуются воркером с повторами.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
)

const (
	defaultPollInterval   = 1 * time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
)

var (
	outboxPublishAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_outbox_publish_attempts_total",
		Help: "Total number of cart event publish attempts grouped by result.",
	}, []string{"result"})
	outboxPendingEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cart_outbox_pending_events",
		Help: "Current number of cart events waiting for publication.",
	})
	outboxOldestPendingAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cart_outbox_oldest_pending_age_seconds",
		Help: "Age in seconds of the oldest pending cart event.",
	})
)

// WorkerOptions задаёт параметры outbox worker.
type WorkerOptions struct {
	Logger         *log.Entry
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	RetryBaseDelay time.Duration
}

// Option настраивает Worker.
type Option func(*WorkerOptions)

// WithLogger задаёт logger для воркера.
func WithLogger(logger *log.Entry) Option {
	return func(opts *WorkerOptions) {
		opts.Logger = logger
	}
}

// WithPollInterval задаёт частоту опроса очереди, если воркера никто не разбудил.
func WithPollInterval(interval time.Duration) Option {
	return func(opts *WorkerOptions) {
		opts.PollInterval = interval
	}
}

// WithBatchSize задаёт размер батча.
func WithBatchSize(batchSize int) Option {
	return func(opts *WorkerOptions) {
		opts.BatchSize = batchSize
	}
}

// WithMaxAttempts задаёт число попыток публикации одного события.
func WithMaxAttempts(maxAttempts int) Option {
	return func(opts *WorkerOptions) {
		opts.MaxAttempts = maxAttempts
	}
}

// WithRetryBaseDelay задаёт базовый delay для exponential backoff.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(opts *WorkerOptions) {
		opts.RetryBaseDelay = delay
	}
}

// Worker принимает события как domain.EventPublisher и публикует их в фоне.
type Worker struct {
	repo           domain.OutboxRepository
	publisher      domain.EventPublisher
	logger         *log.Entry
	wake           chan struct{}
	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	retryBaseDelay time.Duration
}

// NewWorker создаёт outbox worker поверх очереди repo и настоящего паблишера.
func NewWorker(repo domain.OutboxRepository, publisher domain.EventPublisher, options ...Option) *Worker {
	opts := WorkerOptions{
		PollInterval:   defaultPollInterval,
		BatchSize:      defaultBatchSize,
		MaxAttempts:    defaultMaxAttempts,
		RetryBaseDelay: defaultRetryBaseDelay,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "cart-outbox")
	}

	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryBaseDelay < 0 {
		opts.RetryBaseDelay = 0
	}

	return &Worker{
		repo:           repo,
		publisher:      publisher,
		logger:         logger,
		wake:           make(chan struct{}, 1),
		pollInterval:   opts.PollInterval,
		batchSize:      opts.BatchSize,
		maxAttempts:    opts.MaxAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
	}
}

// Publish ставит событие в очередь и будит воркер. Не ждёт брокер.
func (w *Worker) Publish(ctx context.Context, event domain.CartEvent) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrEventPublish, err)
	}
	if _, err := w.repo.Enqueue(event); err != nil {
		return fmt.Errorf("%w: enqueue: %w", domain.ErrEventPublish, err)
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run публикует события до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("cart outbox is disabled: repo or publisher is nil")
		return
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.ProcessOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
			w.ProcessOnce(ctx)
		case <-ticker.C:
			w.ProcessOnce(ctx)
		}
	}
}

// Drain публикует всё, что осталось в очереди, пока не истечёт ctx.
func (w *Worker) Drain(ctx context.Context) error {
	for {
		stats, err := w.repo.Stats()
		if err != nil {
			return err
		}
		if stats.PendingCount == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("drain cart outbox (%d pending): %w", stats.PendingCount, err)
		}
		w.ProcessOnce(ctx)
	}
}

// ProcessOnce публикует один батч в порядке постановки.
func (w *Worker) ProcessOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	w.refreshBacklogMetrics()
	defer w.refreshBacklogMetrics()

	entries, err := w.repo.PullPending(w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to pull pending cart events")
		return
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}

		fields := log.Fields{
			"outbox_id":  entry.ID,
			"event_type": string(entry.Event.Type),
			"cart_key":   entry.Event.Key.String(),
		}
		if err := w.publishWithRetry(ctx, entry.Event); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.WithError(err).WithFields(fields).Error("cart event dropped after retries")
			outboxPublishAttempts.WithLabelValues("failed").Inc()
			if markErr := w.repo.MarkFailed(entry.ID); markErr != nil {
				w.logger.WithError(markErr).WithFields(fields).Warn("failed to mark cart event as failed")
			}
			continue
		}

		if err := w.repo.MarkSent(entry.ID); err != nil {
			w.logger.WithError(err).WithFields(fields).Warn("failed to mark cart event as sent")
		}
	}
}

func (w *Worker) publishWithRetry(ctx context.Context, event domain.CartEvent) error {
	var lastErr error

	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		err := w.publisher.Publish(ctx, event)
		if err == nil {
			outboxPublishAttempts.WithLabelValues("sent").Inc()
			return nil
		}
		lastErr = err
		outboxPublishAttempts.WithLabelValues("retry_error").Inc()

		if attempt >= w.maxAttempts {
			break
		}

		delay := w.retryBackoff(attempt)
		if delay <= 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("publish failed after %d attempts: %w", w.maxAttempts, lastErr)
}

func (w *Worker) refreshBacklogMetrics() {
	stats, err := w.repo.Stats()
	if err != nil {
		w.logger.WithError(err).Warn("failed to collect cart outbox stats")
		return
	}

	outboxPendingEvents.Set(float64(stats.PendingCount))
	if stats.PendingCount == 0 || stats.OldestPendingAt.IsZero() {
		outboxOldestPendingAge.Set(0)
		return
	}
	outboxOldestPendingAge.Set(max(time.Since(stats.OldestPendingAt).Seconds(), 0))
}

func (w *Worker) retryBackoff(attempt int) time.Duration {
	if w.retryBaseDelay <= 0 {
		return 0
	}

	const maxDuration = time.Duration(1<<63 - 1)
	delay := w.retryBaseDelay
	for i := 1; i < attempt; i++ {
		if delay > maxDuration/2 {
			return maxDuration
		}
		delay *= 2
	}
	return delay
}

// Stats отдаёт состояние очереди для health checks.
func (w *Worker) Stats() (domain.OutboxStats, error) {
	return w.repo.Stats()
}

var _ domain.EventPublisher = (*Worker)(nil)
