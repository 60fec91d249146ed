package domain

import "errors"

var (
	// ErrUnauthorized — отсутствует или невалиден токен вызывающего.
	ErrUnauthorized = errors.New("missing or invalid caller credential")
	// ErrIdentityNotFound — внешний идентификатор не удалось сопоставить внутреннему пользователю.
	ErrIdentityNotFound = errors.New("caller identity cannot be resolved")
	// ErrActorNotPermitted — пользователь не может выполнить переход по этому заказу.
	ErrActorNotPermitted = errors.New("caller is not permitted to perform this transition")

	// Ошибка отсутствующего идентификатора заказа.
	ErrOrderIDRequired = errors.New("order_id must be positive")
	// Ошибка отсутствующих сторон сделки.
	ErrPartyRequired = errors.New("buyer_id and seller_id must be positive")
	// Покупатель и продавец совпадают.
	ErrBuyerIsSeller = errors.New("buyer and seller must differ")
	// Ошибка неположительной суммы.
	ErrAmountNotPositive = errors.New("amount must be positive")
	// ErrAmountBelowMinimum оборачивается сообщением с минимальной суммой и валютой.
	ErrAmountBelowMinimum = errors.New("invalid amount")
	// Ошибка отсутствующего кода валюты.
	ErrCurrencyRequired = errors.New("currency is required")
	// Код валюты не входит в ISO 4217.
	ErrCurrencyInvalid = errors.New("currency is not a valid ISO 4217 code")
	// Ошибка отсутствующего payment reference.
	ErrPaymentReferenceRequired = errors.New("payment_reference is required")
	// Тело запроса не удалось разобрать.
	ErrMalformedRequest = errors.New("malformed request")

	// ErrInvalidState — переход недопустим из текущего состояния.
	ErrInvalidState = errors.New("transition is not allowed from current state")
	// ErrHoldConflict — hold по этому заказу или payment reference уже существует.
	ErrHoldConflict = errors.New("hold already exists for this order or payment reference")

	// ErrOrderNotFound возвращается, если заказ не найден в ledger store.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = errors.New("order version conflict")

	// ErrStoreConflict — транзакция не смогла сериализоваться, её можно повторить.
	ErrStoreConflict = errors.New("ledger transaction conflict")
	// ErrStoreUnavailable — транзакция ledger не зафиксирована, запрос можно повторить.
	ErrStoreUnavailable = errors.New("ledger store unavailable")

	// ErrUnknownState — в хранилище встретилось неизвестное состояние.
	ErrUnknownState = errors.New("unknown escrow state")
	// ErrLedgerMismatch — журнал не сходится с состоянием заказа.
	ErrLedgerMismatch = errors.New("ledger does not reconcile with order state")

	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// ErrorKind — категория ошибки, видимая снаружи сервиса.
type ErrorKind string

const (
	KindUnauthorized     ErrorKind = "unauthorized"
	KindForbidden        ErrorKind = "forbidden"
	KindInvalidArgument  ErrorKind = "invalid_argument"
	KindInvalidState     ErrorKind = "invalid_state"
	KindConflict         ErrorKind = "conflict"
	KindNotFound         ErrorKind = "not_found"
	KindStoreUnavailable ErrorKind = "store_unavailable"
	KindInternal         ErrorKind = "internal"
)

// Retryable сообщает, имеет ли смысл клиенту повторить запрос.
func (k ErrorKind) Retryable() bool {
	return k == KindStoreUnavailable
}

var kindGroups = []struct {
	kind ErrorKind
	errs []error
}{
	{KindUnauthorized, []error{ErrUnauthorized}},
	{KindForbidden, []error{ErrActorNotPermitted}},
	{KindInvalidArgument, []error{
		ErrOrderIDRequired, ErrPartyRequired, ErrBuyerIsSeller, ErrAmountNotPositive,
		ErrAmountBelowMinimum, ErrCurrencyRequired, ErrCurrencyInvalid,
		ErrPaymentReferenceRequired, ErrMalformedRequest,
		ErrIdempotencyKeyRequired, ErrIdempotencyRequestHashRequired,
	}},
	{KindInvalidState, []error{ErrInvalidState}},
	{KindConflict, []error{
		ErrHoldConflict, ErrIdempotencyKeyAlreadyExists, ErrIdempotencyHashMismatch,
		ErrIdempotencyInProgress,
	}},
	{KindNotFound, []error{ErrOrderNotFound, ErrIdentityNotFound, ErrIdempotencyKeyNotFound}},
	{KindStoreUnavailable, []error{ErrStoreUnavailable, ErrStoreConflict, ErrOrderVersionConflict}},
}

// KindOf классифицирует ошибку по категориям. Неизвестные ошибки считаются internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	for _, group := range kindGroups {
		for _, target := range group.errs {
			if errors.Is(err, target) {
				return group.kind
			}
		}
	}
	return KindInternal
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}

// IsRetryableStoreError сообщает, что единицу работы можно повторить целиком.
func IsRetryableStoreError(err error) bool {
	return errors.Is(err, ErrStoreConflict) || errors.Is(err, ErrOrderVersionConflict)
}
