package escrow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/escrow/internal/domain"
)

// failureByKind восстанавливает ошибку сохранённой неудачной попытки.
var failureByKind = map[domain.ErrorKind]error{
	domain.KindUnauthorized:    domain.ErrUnauthorized,
	domain.KindForbidden:       domain.ErrActorNotPermitted,
	domain.KindInvalidArgument: domain.ErrMalformedRequest,
	domain.KindInvalidState:    domain.ErrInvalidState,
	domain.KindConflict:        domain.ErrHoldConflict,
	domain.KindNotFound:        domain.ErrOrderNotFound,
}

// withIdempotency выполняет run не более одного раза для ключа вызывающего.
// Ключ хранится в пространстве пользователя, поэтому разные пользователи не видят ответы друг друга.
func (s *Service) withIdempotency(ctx context.Context, event domain.Event, principal domain.Principal, in TransitionInput, run func() (Result, error)) (Result, error) {
	if in.IdempotencyKey == "" || s.idempotency == nil {
		return run()
	}

	key := scopedKey(principal.UserID, in.IdempotencyKey)
	hash, err := requestHash(event, principal.UserID, in)
	if err != nil {
		return Result{}, err
	}

	record, err := s.idempotency.CreateProcessing(ctx, key, hash, s.now().Add(s.cfg.IdempotencyTTL))
	if err != nil {
		if !errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists) {
			return Result{}, err
		}
		return s.replay(record)
	}

	result, runErr := run()
	logger := s.logger.WithFields(log.Fields{"event": event, "idempotency_key": in.IdempotencyKey})
	if runErr != nil {
		kind := domain.KindOf(runErr)
		if kind.Retryable() || kind == domain.KindInternal {
			if err := s.idempotency.Delete(ctx, key); err != nil {
				logger.WithError(err).Warn("failed to release idempotency key")
			}
		} else if err := s.idempotency.MarkFailed(ctx, key, kind); err != nil {
			logger.WithError(err).Warn("failed to mark idempotency key as failed")
		}
		return Result{}, runErr
	}

	body, err := json.Marshal(result)
	if err != nil {
		logger.WithError(err).Warn("failed to encode idempotent response")
		return result, nil
	}
	if err := s.idempotency.MarkDone(ctx, key, body); err != nil {
		logger.WithError(err).Warn("failed to store idempotent response")
	}
	return result, nil
}

func (s *Service) replay(record domain.IdempotencyRecord) (Result, error) {
	switch record.Status {
	case domain.IdempotencyStatusDone:
		var result Result
		if err := json.Unmarshal(record.ResponseBody, &result); err != nil {
			return Result{}, fmt.Errorf("decode stored response for idempotency key: %w", err)
		}
		result.Replayed = true
		return result, nil
	case domain.IdempotencyStatusFailed:
		cause, ok := failureByKind[record.ErrorKind]
		if !ok {
			cause = domain.ErrIdempotencyKeyAlreadyExists
		}
		return Result{}, fmt.Errorf("%w: earlier attempt with this idempotency key failed", cause)
	default:
		return Result{}, domain.ErrIdempotencyInProgress
	}
}

func scopedKey(userID int64, key string) string {
	return fmt.Sprintf("user:%d:%s", userID, key)
}

func requestHash(event domain.Event, userID int64, in TransitionInput) (string, error) {
	raw, err := json.Marshal(struct {
		Event   domain.Event `json:"event"`
		UserID  int64        `json:"user_id"`
		OrderID int64        `json:"order_id"`
		Reason  string       `json:"reason,omitempty"`
	}{event, userID, in.OrderID, in.Reason})
	if err != nil {
		return "", fmt.Errorf("encode idempotency request: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
