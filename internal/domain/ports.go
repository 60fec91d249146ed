package domain

import (
	"context"
	"time"
)

// LedgerStore выполняет единицы работы над заказами и журналом атомарно.
type LedgerStore interface {
	// RunAtomic выполняет fn в одной транзакции. Ошибка fn откатывает все изменения.
	// Вызовы для одного заказа линеаризуются, разные заказы не конкурируют за общий lock.
	RunAtomic(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error
	Ping(ctx context.Context) error
}

// LedgerTx — операции, доступные внутри единицы работы.
type LedgerTx interface {
	// GetOrder читает заказ и блокирует его до конца транзакции. ErrOrderNotFound, если его нет.
	GetOrder(ctx context.Context, orderID int64) (Order, error)
	// SaveOrder вставляет новый заказ (Version == 0) или обновляет существующий с проверкой версии.
	SaveOrder(ctx context.Context, order Order) (Order, error)
	// AppendHoldEntry записывает hold. ErrHoldConflict, если hold по заказу или reference уже есть.
	AppendHoldEntry(ctx context.Context, order Order, actor Actor) (LedgerEntry, error)
	// AppendTerminalEntry записывает release/refund. ErrInvalidState, если сохранённое состояние не held.
	AppendTerminalEntry(ctx context.Context, order Order, kind MovementKind, actor Actor) (LedgerEntry, error)
	ListEntries(ctx context.Context, orderID int64) ([]LedgerEntry, error)
	// FindOrderByPaymentReference возвращает заказ, за которым закреплён reference.
	FindOrderByPaymentReference(ctx context.Context, reference string) (Order, error)
	// EnqueueOutbox сохраняет событие в той же транзакции.
	EnqueueOutbox(ctx context.Context, msg OutboxMessage) error
}

// Authenticator проверяет bearer-токен и возвращает принципала.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Principal, error)
}

// IdentityResolver сопоставляет внешнего принципала внутреннему id пользователя.
type IdentityResolver interface {
	ResolveInternalID(ctx context.Context, principal Principal) (int64, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository выдаёт накопленные события воркеру публикации.
type OutboxRepository interface {
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	MarkDone(ctx context.Context, key string, responseBody []byte) error
	MarkFailed(ctx context.Context, key string, kind ErrorKind) error
	// Delete освобождает ключ, чтобы клиент мог повторить запрос.
	Delete(ctx context.Context, key string) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}
