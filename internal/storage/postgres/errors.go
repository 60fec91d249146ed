package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/escrow/internal/domain"
)

// Коды SQLSTATE, которые различает хранилище.
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

func pgErrorCode(err error) (string, string) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.ConstraintName
	}
	return "", ""
}

// mapStoreError переводит ошибку драйвера в доменную: конфликты блокировок
// можно повторить, всё остальное (включая истёкший ctx) — ErrStoreUnavailable.
func mapStoreError(op string, err error) error {
	if err == nil {
		return nil
	}

	switch code, _ := pgErrorCode(err); code {
	case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
		return fmt.Errorf("%w: %s: %v", domain.ErrStoreConflict, op, err)
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrStoreUnavailable, op, err)
}
