package domain

import "fmt"

// Event — команда, применяемая к escrow заказа.
type Event string

const (
	EventInitialize Event = "initialize"
	EventRelease    Event = "release"
	EventRefund     Event = "refund"
	EventDispute    Event = "dispute"
)

// Valid проверяет, что событие поддерживается автоматом.
func (e Event) Valid() bool {
	switch e {
	case EventInitialize, EventRelease, EventRefund, EventDispute:
		return true
	default:
		return false
	}
}

// TransitionContext содержит всё, что нужно guard-условиям перехода.
type TransitionContext struct {
	BuyerID     int64
	SellerID    int64
	AmountMinor int64
	Currency    string
	// MinimumAmount проверяется только при initialize.
	MinimumAmount int64
	// ReferenceUsed — payment reference уже привязан к hold другого заказа.
	ReferenceUsed bool

	Actor   Actor
	Arbiter bool
}

// Transition — результат успешного решения автомата.
type Transition struct {
	Event Event
	From  EscrowState
	To    EscrowState
	// Movement пустой, если переход не двигает средства.
	Movement MovementKind
}

// Decide вычисляет переход без побочных эффектов.
func Decide(current EscrowState, event Event, tc TransitionContext) (Transition, error) {
	if !current.Valid() {
		return Transition{}, fmt.Errorf("%w: %q", ErrUnknownState, current)
	}

	if event == EventInitialize {
		return decideInitialize(current, tc)
	}
	if !event.Valid() {
		return Transition{}, fmt.Errorf("%w: unknown event %q", ErrInvalidState, event)
	}

	isBuyer := !tc.Actor.System && tc.Actor.UserID == tc.BuyerID
	isSeller := !tc.Actor.System && tc.Actor.UserID == tc.SellerID
	if !isBuyer && !isSeller && !tc.Arbiter {
		return Transition{}, ErrActorNotPermitted
	}

	if current != EscrowStateHeld {
		return Transition{}, fmt.Errorf("%w: cannot %s escrow in state %s", ErrInvalidState, event, current)
	}

	tr := Transition{Event: event, From: current}
	switch event {
	case EventRelease:
		tr.To, tr.Movement = EscrowStateReleased, MovementRelease
	case EventRefund:
		if !isBuyer && !tc.Arbiter {
			return Transition{}, fmt.Errorf("%w: only buyer or arbiter may refund", ErrActorNotPermitted)
		}
		tr.To, tr.Movement = EscrowStateRefunded, MovementRefund
	case EventDispute:
		if !isBuyer && !isSeller {
			return Transition{}, fmt.Errorf("%w: only buyer or seller may open a dispute", ErrActorNotPermitted)
		}
		tr.To = EscrowStateDisputed
	}

	return tr, nil
}

func decideInitialize(current EscrowState, tc TransitionContext) (Transition, error) {
	if current != EscrowStateUninitialized {
		return Transition{}, fmt.Errorf("%w: escrow already %s", ErrInvalidState, current)
	}
	if tc.BuyerID == tc.SellerID {
		return Transition{}, ErrBuyerIsSeller
	}
	if err := CheckMinimumAmount(tc.AmountMinor, tc.MinimumAmount, tc.Currency); err != nil {
		return Transition{}, err
	}
	if tc.ReferenceUsed {
		return Transition{}, ErrHoldConflict
	}

	return Transition{
		Event:    EventInitialize,
		From:     current,
		To:       EscrowStateHeld,
		Movement: MovementHold,
	}, nil
}

// CheckMinimumAmount возвращает ErrAmountBelowMinimum с минимальной суммой и валютой в сообщении.
func CheckMinimumAmount(amountMinor, minimum int64, currency string) error {
	if amountMinor < minimum {
		return fmt.Errorf("%w: amount %d is below minimum %d %s", ErrAmountBelowMinimum, amountMinor, minimum, currency)
	}
	return nil
}
