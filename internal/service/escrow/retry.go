package escrow

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/escrow/internal/domain"
)

// RetryConfig конфигурация повторов единицы работы при конфликте хранилища.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig возвращает конфигурацию по умолчанию.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  20 * time.Millisecond,
		MaxDelay:      500 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

func (c RetryConfig) normalized() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialDelay < 0 {
		c.InitialDelay = 0
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = def.BackoffFactor
	}
	return c
}

// atomically выполняет fn в RunAtomic с таймаутом на каждую попытку.
// ErrStoreConflict и конфликт версий повторяются с экспоненциальной задержкой,
// после исчерпания попыток возвращается ErrStoreUnavailable.
func (s *Service) atomically(ctx context.Context, event domain.Event, orderID int64, fn func(ctx context.Context, tx domain.LedgerTx) (Result, error)) (Result, error) {
	cfg := s.cfg.Retry
	delay := cfg.InitialDelay

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result, err := s.runOnce(ctx, fn)
		if err == nil {
			if attempt > 1 {
				s.logger.WithFields(log.Fields{
					"event":    event,
					"order_id": orderID,
					"attempt":  attempt,
				}).Info("unit of work succeeded after retry")
			}
			return result, nil
		}

		lastErr = err
		if !domain.IsRetryableStoreError(err) {
			return Result{}, err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		s.metrics.RecordAtomicRetry(string(event))
		s.logger.WithFields(log.Fields{
			"event":    event,
			"order_id": orderID,
			"attempt":  attempt,
			"delay":    delay,
		}).WithError(err).Warn("unit of work conflicted, retrying")

		if err := sleepContext(ctx, delay); err != nil {
			return Result{}, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
		}

		delay = time.Duration(float64(delay) * cfg.BackoffFactor)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	s.logger.WithFields(log.Fields{
		"event":        event,
		"order_id":     orderID,
		"max_attempts": cfg.MaxAttempts,
	}).WithError(lastErr).Error("unit of work failed after all retry attempts")

	return Result{}, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, lastErr)
}

func (s *Service) runOnce(ctx context.Context, fn func(ctx context.Context, tx domain.LedgerTx) (Result, error)) (Result, error) {
	if s.cfg.AtomicTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.AtomicTimeout)
		defer cancel()
	}

	var result Result
	err := s.store.RunAtomic(ctx, func(ctx context.Context, tx domain.LedgerTx) error {
		var err error
		result, err = fn(ctx, tx)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
