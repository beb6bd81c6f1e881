package resilient

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
)

// Adapter добавляет к PersistenceAdapter повторы и circuit breaker.
// Используется для удалённого бэкенда, где сбои сети ожидаемы.
type Adapter struct {
	next    domain.PersistenceAdapter
	config  RetryConfig
	breaker *CircuitBreaker
	logger  *log.Entry
	// retryable уточняет shouldRetry для конкретного бэкенда; nil повторяет всё, что допускает shouldRetry.
	retryable func(error) bool
}

// Option настраивает Adapter.
type Option func(*Adapter)

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithCircuitBreaker включает circuit breaker.
func WithCircuitBreaker(breaker *CircuitBreaker) Option {
	return func(a *Adapter) {
		a.breaker = breaker
	}
}

// WithRetryPolicy добавляет проверку бэкенда: ошибки, для которых policy
// возвращает false, не повторяются.
func WithRetryPolicy(policy func(error) bool) Option {
	return func(a *Adapter) {
		a.retryable = policy
	}
}

// NewAdapter оборачивает next.
func NewAdapter(next domain.PersistenceAdapter, config RetryConfig, opts ...Option) *Adapter {
	a := &Adapter{
		next:   next,
		config: config.normalized(),
		logger: log.WithField("component", "resilient-storage"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Load читает запись с повторами.
func (a *Adapter) Load(ctx context.Context, key domain.CartKey) (domain.CartRecord, error) {
	var record domain.CartRecord
	err := a.execute(ctx, "Load", key, domain.ErrStorageRead, func(ctx context.Context) error {
		var err error
		record, err = a.next.Load(ctx, key)
		return err
	})
	return record, err
}

// Save пишет запись с повторами. Save идемпотентен: запись перезаписывается целиком.
func (a *Adapter) Save(ctx context.Context, key domain.CartKey, record domain.CartRecord) error {
	return a.execute(ctx, "Save", key, domain.ErrStorageWrite, func(ctx context.Context) error {
		return a.next.Save(ctx, key, record)
	})
}

// Delete удаляет запись с повторами.
func (a *Adapter) Delete(ctx context.Context, key domain.CartKey) error {
	return a.execute(ctx, "Delete", key, domain.ErrStorageWrite, func(ctx context.Context) error {
		return a.next.Delete(ctx, key)
	})
}

func (a *Adapter) execute(ctx context.Context, operation string, key domain.CartKey, kind error, fn func(context.Context) error) error {
	var lastErr error
	delay := a.config.InitialDelay

	for attempt := 1; attempt <= a.config.MaxAttempts; attempt++ {
		err := a.attempt(ctx, operation, fn)
		if err == nil {
			if attempt > 1 {
				a.logger.WithFields(log.Fields{
					"operation": operation,
					"cart_key":  key.String(),
					"attempt":   attempt,
				}).Info("Operation succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if !a.shouldRetry(err) {
			return a.classify(kind, err)
		}

		if attempt < a.config.MaxAttempts {
			a.logger.WithFields(log.Fields{
				"operation": operation,
				"cart_key":  key.String(),
				"attempt":   attempt,
				"delay":     delay,
				"error":     err,
			}).Warn("Operation failed, retrying")

			if err := sleep(ctx, delay); err != nil {
				return fmt.Errorf("%w: %w", kind, err)
			}
			delay = a.config.nextDelay(delay)
		}
	}

	a.logger.WithFields(log.Fields{
		"operation":    operation,
		"cart_key":     key.String(),
		"max_attempts": a.config.MaxAttempts,
		"error":        lastErr,
	}).Error("Operation failed after all retry attempts")
	return a.classify(kind, lastErr)
}

func (a *Adapter) shouldRetry(err error) bool {
	if !shouldRetry(err) {
		return false
	}
	return a.retryable == nil || a.retryable(err)
}

func (a *Adapter) attempt(ctx context.Context, operation string, fn func(context.Context) error) error {
	if a.breaker == nil {
		return fn(ctx)
	}
	return a.breaker.Execute(operation, func() error { return fn(ctx) }, countsAsFailure)
}

// classify гарантирует, что наружу уходит ошибка хранилища нужного вида.
func (a *Adapter) classify(kind, err error) error {
	if domain.IsNotFound(err) || domain.IsStorageError(err) {
		return err
	}
	if isInvalidKey(err) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}

func countsAsFailure(err error) bool {
	return !domain.IsNotFound(err) && !isInvalidKey(err)
}

func isInvalidKey(err error) bool {
	return errors.Is(err, domain.ErrInvalidCartKey)
}

var _ domain.PersistenceAdapter = (*Adapter)(nil)
