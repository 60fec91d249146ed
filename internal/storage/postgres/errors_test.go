package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/escrow/internal/domain"
)

func TestMapStoreError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "serialization failure", err: &pgconn.PgError{Code: pgSerializationFailure}, want: domain.ErrStoreConflict},
		{name: "deadlock", err: fmt.Errorf("exec: %w", &pgconn.PgError{Code: pgDeadlockDetected}), want: domain.ErrStoreConflict},
		{name: "lock timeout", err: &pgconn.PgError{Code: pgLockNotAvailable}, want: domain.ErrStoreConflict},
		{name: "deadline", err: context.DeadlineExceeded, want: domain.ErrStoreUnavailable},
		{name: "connection refused", err: errors.New("dial tcp: connection refused"), want: domain.ErrStoreUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapStoreError("op", tt.err)
			if !errors.Is(got, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}

	if mapStoreError("op", nil) != nil {
		t.Fatal("nil error must stay nil")
	}
}

func TestUniqueViolationError(t *testing.T) {
	if err := uniqueViolationError("ux_ledger_entries_terminal"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("terminal index must map to invalid state, got %v", err)
	}
	if err := uniqueViolationError("ux_ledger_entries_payment_reference"); !errors.Is(err, domain.ErrHoldConflict) {
		t.Fatalf("payment reference index must map to hold conflict, got %v", err)
	}
	if err := uniqueViolationError("escrow_orders_pkey"); !domain.IsRetryableStoreError(err) {
		t.Fatalf("concurrent insert must be retryable, got %v", err)
	}

	for _, constraint := range []string{
		"ux_ledger_entries_payment_reference",
		"ux_escrow_orders_payment_reference",
		"ux_ledger_entries_hold",
		"ux_ledger_entries_terminal",
	} {
		msg := uniqueViolationError(constraint).Error()
		if strings.Contains(msg, constraint) || strings.Contains(msg, "ux_") {
			t.Fatalf("index name leaked into error message: %q", msg)
		}
	}
}
