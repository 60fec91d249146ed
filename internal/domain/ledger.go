package domain

import (
	"fmt"
	"time"
)

// MovementKind — тип движения средств в журнале.
type MovementKind string

const (
	// MovementHold — зачисление средств покупателя на escrow.
	MovementHold MovementKind = "hold"
	// MovementRelease — выплата продавцу.
	MovementRelease MovementKind = "release"
	// MovementRefund — возврат покупателю.
	MovementRefund MovementKind = "refund"
)

// Valid проверяет, что тип движения поддерживается.
func (k MovementKind) Valid() bool {
	switch k {
	case MovementHold, MovementRelease, MovementRefund:
		return true
	default:
		return false
	}
}

// Terminal сообщает, закрывает ли движение escrow.
func (k MovementKind) Terminal() bool {
	return k == MovementRelease || k == MovementRefund
}

// Actor — инициатор движения: пользователь или сама платформа.
type Actor struct {
	UserID int64
	System bool
}

// SystemActor используется для движений, запущенных платформой.
var SystemActor = Actor{System: true}

// UserActor создаёт актора для внутреннего идентификатора пользователя.
func UserActor(userID int64) Actor {
	return Actor{UserID: userID}
}

func (a Actor) String() string {
	if a.System {
		return "system"
	}
	return fmt.Sprintf("user:%d", a.UserID)
}

// LedgerEntry — неизменяемая строка журнала, созданная переходом.
type LedgerEntry struct {
	ID          string
	OrderID     int64
	Kind        MovementKind
	AmountMinor int64
	Currency    string
	Actor       Actor
	// PaymentReference заполняется только для hold.
	PaymentReference string
	CreatedAt        time.Time
}

// Reconcile сверяет записи журнала с текущим состоянием заказа.
func Reconcile(order Order, entries []LedgerEntry) error {
	var holds, releases, refunds int
	for _, entry := range entries {
		if entry.OrderID != order.ID {
			return fmt.Errorf("%w: entry %s belongs to order %d", ErrLedgerMismatch, entry.ID, entry.OrderID)
		}
		if entry.AmountMinor != order.AmountMinor || entry.Currency != order.Currency {
			return fmt.Errorf("%w: entry %s amount %d %s differs from order %d %s",
				ErrLedgerMismatch, entry.ID, entry.AmountMinor, entry.Currency, order.AmountMinor, order.Currency)
		}
		switch entry.Kind {
		case MovementHold:
			holds++
		case MovementRelease:
			releases++
		case MovementRefund:
			refunds++
		default:
			return fmt.Errorf("%w: unknown movement %q", ErrLedgerMismatch, entry.Kind)
		}
	}

	want := map[EscrowState][3]int{
		EscrowStateUninitialized: {0, 0, 0},
		EscrowStateHeld:          {1, 0, 0},
		EscrowStateDisputed:      {1, 0, 0},
		EscrowStateReleased:      {1, 1, 0},
		EscrowStateRefunded:      {1, 0, 1},
	}
	expected, ok := want[order.State]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownState, order.State)
	}
	if got := [3]int{holds, releases, refunds}; got != expected {
		return fmt.Errorf("%w: state %s has hold=%d release=%d refund=%d",
			ErrLedgerMismatch, order.State, holds, releases, refunds)
	}

	return nil
}
