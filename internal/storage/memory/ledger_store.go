package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/escrow/internal/domain"
)

// orderLock — блокировка одного заказа, которую можно ждать с учётом ctx.
// users считает транзакции, держащие или ждущие блокировку; защищён LedgerStore.mu.
type orderLock struct {
	ch    chan struct{}
	users int
}

func newOrderLock() *orderLock {
	return &orderLock{ch: make(chan struct{}, 1)}
}

func (l *orderLock) acquire(ctx context.Context) error {
	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for order lock: %v", domain.ErrStoreUnavailable, ctx.Err())
	}
}

func (l *orderLock) release() {
	<-l.ch
}

// LedgerStore — in-memory реализация domain.LedgerStore для локального запуска и тестов.
// Заказы одного id сериализуются собственной блокировкой, общий mutex держится
// только на время чтения и применения изменений.
type LedgerStore struct {
	mu      sync.Mutex
	orders  map[int64]domain.Order
	entries map[int64][]domain.LedgerEntry
	refs    map[string]int64
	locks   map[int64]*orderLock

	outbox *OutboxRepository
	now    func() time.Time
}

// NewLedgerStore создаёт пустое in-memory хранилище.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		orders:  make(map[int64]domain.Order),
		entries: make(map[int64][]domain.LedgerEntry),
		refs:    make(map[string]int64),
		locks:   make(map[int64]*orderLock),
		outbox:  NewOutboxRepository(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Outbox возвращает outbox, наполняемый зафиксированными транзакциями.
func (s *LedgerStore) Outbox() *OutboxRepository {
	return s.outbox
}

// Ping всегда успешен для in-memory реализации.
func (s *LedgerStore) Ping(context.Context) error {
	return nil
}

// RunAtomic выполняет fn, буферизуя изменения, и применяет их целиком при успехе.
func (s *LedgerStore) RunAtomic(ctx context.Context, fn func(ctx context.Context, tx domain.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	tx := &ledgerTx{
		store:  s,
		locked: make(map[int64]*orderLock),
		orders: make(map[int64]domain.Order),
		refs:   make(map[string]int64),
	}
	defer tx.unlockAll()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	return s.commit(tx)
}

func (s *LedgerStore) lockFor(orderID int64) *orderLock {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[orderID]
	if !ok {
		lock = newOrderLock()
		s.locks[orderID] = lock
	}
	lock.users++
	return lock
}

// dropLock убирает блокировку из карты, когда её больше никто не ждёт.
func (s *LedgerStore) dropLock(orderID int64, lock *orderLock) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock.users--
	if lock.users <= 0 && s.locks[orderID] == lock {
		delete(s.locks, orderID)
	}
}

func (s *LedgerStore) commit(tx *ledgerTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// reference мог быть занят другим заказом, пока транзакция выполнялась.
	for ref, orderID := range tx.refs {
		if owner, ok := s.refs[ref]; ok && owner != orderID {
			return fmt.Errorf("%w: payment reference %q", domain.ErrHoldConflict, ref)
		}
	}

	for id, order := range tx.orders {
		s.orders[id] = order
	}
	for ref, orderID := range tx.refs {
		s.refs[ref] = orderID
	}
	for _, entry := range tx.entries {
		s.entries[entry.OrderID] = append(s.entries[entry.OrderID], entry)
	}
	s.outbox.append(tx.outbox)

	return nil
}

// ledgerTx накапливает изменения одной единицы работы.
type ledgerTx struct {
	store   *LedgerStore
	locked  map[int64]*orderLock
	orders  map[int64]domain.Order
	entries []domain.LedgerEntry
	refs    map[string]int64
	outbox  []domain.OutboxMessage
}

func (tx *ledgerTx) lock(ctx context.Context, orderID int64) error {
	if _, ok := tx.locked[orderID]; ok {
		return nil
	}
	lock := tx.store.lockFor(orderID)
	if err := lock.acquire(ctx); err != nil {
		tx.store.dropLock(orderID, lock)
		return err
	}
	tx.locked[orderID] = lock
	return nil
}

func (tx *ledgerTx) unlockAll() {
	for id, lock := range tx.locked {
		lock.release()
		tx.store.dropLock(id, lock)
		delete(tx.locked, id)
	}
}

// current возвращает состояние заказа с учётом незафиксированных изменений.
func (tx *ledgerTx) current(orderID int64) (domain.Order, bool) {
	if order, ok := tx.orders[orderID]; ok {
		return order, true
	}

	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()

	order, ok := tx.store.orders[orderID]
	return order, ok
}

func (tx *ledgerTx) GetOrder(ctx context.Context, orderID int64) (domain.Order, error) {
	if err := tx.lock(ctx, orderID); err != nil {
		return domain.Order{}, err
	}

	order, ok := tx.current(orderID)
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order, nil
}

func (tx *ledgerTx) SaveOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	if err := tx.lock(ctx, order.ID); err != nil {
		return domain.Order{}, err
	}

	current, exists := tx.current(order.ID)
	switch {
	case !exists && order.Version != 0:
		return domain.Order{}, domain.ErrOrderNotFound
	case exists && current.Version != order.Version:
		return domain.Order{}, domain.ErrOrderVersionConflict
	}

	now := tx.store.now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	order.Version++
	tx.orders[order.ID] = order

	return order, nil
}

func (tx *ledgerTx) AppendHoldEntry(ctx context.Context, order domain.Order, actor domain.Actor) (domain.LedgerEntry, error) {
	if err := tx.lock(ctx, order.ID); err != nil {
		return domain.LedgerEntry{}, err
	}

	entries, err := tx.ListEntries(ctx, order.ID)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	for _, existing := range entries {
		if existing.Kind == domain.MovementHold {
			return domain.LedgerEntry{}, fmt.Errorf("%w: order %d already has a hold", domain.ErrHoldConflict, order.ID)
		}
	}
	if owner, ok := tx.referenceOwner(order.PaymentReference); ok && owner != order.ID {
		return domain.LedgerEntry{}, fmt.Errorf("%w: payment reference %q", domain.ErrHoldConflict, order.PaymentReference)
	}

	entry := tx.newEntry(order, domain.MovementHold, actor)
	entry.PaymentReference = order.PaymentReference
	tx.entries = append(tx.entries, entry)
	tx.refs[order.PaymentReference] = order.ID

	return entry, nil
}

func (tx *ledgerTx) AppendTerminalEntry(ctx context.Context, order domain.Order, kind domain.MovementKind, actor domain.Actor) (domain.LedgerEntry, error) {
	if !kind.Terminal() {
		return domain.LedgerEntry{}, fmt.Errorf("movement %q is not terminal", kind)
	}
	if err := tx.lock(ctx, order.ID); err != nil {
		return domain.LedgerEntry{}, err
	}

	stored, ok := tx.current(order.ID)
	if !ok {
		return domain.LedgerEntry{}, domain.ErrOrderNotFound
	}
	if stored.State != domain.EscrowStateHeld {
		return domain.LedgerEntry{}, fmt.Errorf("%w: order %d is %s", domain.ErrInvalidState, order.ID, stored.State)
	}

	entries, err := tx.ListEntries(ctx, order.ID)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	for _, existing := range entries {
		if existing.Kind.Terminal() {
			return domain.LedgerEntry{}, fmt.Errorf("%w: order %d already has %s", domain.ErrInvalidState, order.ID, existing.Kind)
		}
	}

	entry := tx.newEntry(stored, kind, actor)
	tx.entries = append(tx.entries, entry)
	return entry, nil
}

func (tx *ledgerTx) ListEntries(_ context.Context, orderID int64) ([]domain.LedgerEntry, error) {
	tx.store.mu.Lock()
	result := append([]domain.LedgerEntry(nil), tx.store.entries[orderID]...)
	tx.store.mu.Unlock()

	for _, entry := range tx.entries {
		if entry.OrderID == orderID {
			result = append(result, entry)
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (tx *ledgerTx) FindOrderByPaymentReference(_ context.Context, reference string) (domain.Order, error) {
	orderID, ok := tx.referenceOwner(reference)
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}

	order, ok := tx.current(orderID)
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order, nil
}

func (tx *ledgerTx) EnqueueOutbox(_ context.Context, msg domain.OutboxMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = tx.store.now()
	}
	tx.outbox = append(tx.outbox, msg)
	return nil
}

func (tx *ledgerTx) referenceOwner(reference string) (int64, bool) {
	if reference == "" {
		return 0, false
	}
	if orderID, ok := tx.refs[reference]; ok {
		return orderID, true
	}

	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()

	orderID, ok := tx.store.refs[reference]
	return orderID, ok
}

func (tx *ledgerTx) newEntry(order domain.Order, kind domain.MovementKind, actor domain.Actor) domain.LedgerEntry {
	return domain.LedgerEntry{
		ID:          uuid.NewString(),
		OrderID:     order.ID,
		Kind:        kind,
		AmountMinor: order.AmountMinor,
		Currency:    order.Currency,
		Actor:       actor,
		CreatedAt:   tx.store.now(),
	}
}

var (
	_ domain.LedgerStore = (*LedgerStore)(nil)
	_ domain.LedgerTx    = (*ledgerTx)(nil)
)
