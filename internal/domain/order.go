package domain

import (
	"strings"
	"time"
)

// EscrowState описывает состояние средств заказа в escrow.
type EscrowState string

const (
	// EscrowStateUninitialized — заказ известен, но средства ещё не внесены.
	EscrowStateUninitialized EscrowState = "uninitialized"
	// EscrowStateHeld — средства удерживаются платформой.
	EscrowStateHeld EscrowState = "held"
	// EscrowStateReleased — средства переведены продавцу.
	EscrowStateReleased EscrowState = "released"
	// EscrowStateRefunded — средства возвращены покупателю.
	EscrowStateRefunded EscrowState = "refunded"
	// EscrowStateDisputed — по заказу открыт спор, автоматические переходы запрещены.
	EscrowStateDisputed EscrowState = "disputed"
)

// Valid проверяет, что состояние относится к поддерживаемым значениям.
func (s EscrowState) Valid() bool {
	switch s {
	case EscrowStateUninitialized, EscrowStateHeld, EscrowStateReleased, EscrowStateRefunded, EscrowStateDisputed:
		return true
	default:
		return false
	}
}

// Terminal сообщает, что из состояния больше нет автоматических переходов.
func (s EscrowState) Terminal() bool {
	return s == EscrowStateReleased || s == EscrowStateRefunded || s == EscrowStateDisputed
}

// Order — заказ между покупателем и продавцом вместе с состоянием escrow.
type Order struct {
	// ID назначается внешней системой и не меняется.
	ID          int64
	BuyerID     int64
	SellerID    int64
	AmountMinor int64
	Currency    string
	State       EscrowState
	// PaymentMethod — тег способа оплаты (card, mobile_money, ...).
	PaymentMethod string
	// PaymentReference — ключ идемпотентности входящего платежа.
	PaymentReference string
	DisputedBy       int64
	DisputeReason    string
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NewOrder возвращает заказ в состоянии uninitialized для первой попытки initialize.
func NewOrder(id int64) Order {
	return Order{ID: id, State: EscrowStateUninitialized}
}

// Exists сообщает, был ли заказ уже сохранён в ledger store.
func (o *Order) Exists() bool {
	return o.Version > 0
}

// IsParty проверяет, является ли пользователь покупателем или продавцом.
func (o *Order) IsParty(userID int64) bool {
	return userID != 0 && (userID == o.BuyerID || userID == o.SellerID)
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.ID <= 0 {
		errs = append(errs, ErrOrderIDRequired)
	}
	if o.BuyerID <= 0 || o.SellerID <= 0 {
		errs = append(errs, ErrPartyRequired)
	}
	if o.BuyerID != 0 && o.BuyerID == o.SellerID {
		errs = append(errs, ErrBuyerIsSeller)
	}
	if o.AmountMinor <= 0 {
		errs = append(errs, ErrAmountNotPositive)
	}
	if strings.TrimSpace(o.Currency) == "" {
		errs = append(errs, ErrCurrencyRequired)
	}
	if strings.TrimSpace(o.PaymentReference) == "" {
		errs = append(errs, ErrPaymentReferenceRequired)
	}
	if !o.State.Valid() {
		errs = append(errs, ErrUnknownState)
	}

	return errs
}
