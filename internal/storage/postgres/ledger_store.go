package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/escrow/internal/domain"
)

const (
	defaultLockTimeout = 3 * time.Second

	orderColumns = `id, buyer_id, seller_id, amount_minor, currency, state, payment_method,
		payment_reference, disputed_by, dispute_reason, version, created_at, updated_at`
	entryColumns = `id, order_id, kind, amount_minor, currency, actor_user_id, payment_reference, created_at`
)

// LedgerStore — PostgreSQL-реализация domain.LedgerStore. Заказы одного id
// сериализуются транзакционным advisory lock и SELECT ... FOR UPDATE,
// уникальные индексы ledger_entries страхуют от двойных движений.
type LedgerStore struct {
	db          *sql.DB
	lockTimeout time.Duration
}

// NewLedgerStore создаёт ledger store поверх открытого подключения.
func NewLedgerStore(store *Store) *LedgerStore {
	return &LedgerStore{db: store.DB(), lockTimeout: defaultLockTimeout}
}

// Ping проверяет доступность базы.
func (s *LedgerStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RunAtomic выполняет fn в одной транзакции READ COMMITTED.
func (s *LedgerStore) RunAtomic(ctx context.Context, fn func(ctx context.Context, tx domain.LedgerTx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return mapStoreError("begin ledger tx", err)
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if _, err = sqlTx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		return mapStoreError("set lock timeout", err)
	}

	if err = fn(ctx, &ledgerTx{tx: sqlTx}); err != nil {
		return err
	}

	if err = sqlTx.Commit(); err != nil {
		if code, constraint := pgErrorCode(err); code == pgUniqueViolation {
			return uniqueViolationError(constraint)
		}
		return mapStoreError("commit ledger tx", err)
	}
	return nil
}

type ledgerTx struct {
	tx *sql.Tx
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order      domain.Order
		state      string
		disputedBy sql.NullInt64
	)
	err := row.Scan(
		&order.ID, &order.BuyerID, &order.SellerID, &order.AmountMinor, &order.Currency, &state,
		&order.PaymentMethod, &order.PaymentReference, &disputedBy, &order.DisputeReason,
		&order.Version, &order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}

	order.Currency = strings.TrimSpace(order.Currency)
	order.State = domain.EscrowState(state)
	if !order.State.Valid() {
		return domain.Order{}, fmt.Errorf("%w: %q for order %d", domain.ErrUnknownState, state, order.ID)
	}
	if disputedBy.Valid {
		order.DisputedBy = disputedBy.Int64
	}
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return order, nil
}

func (t *ledgerTx) GetOrder(ctx context.Context, orderID int64) (domain.Order, error) {
	// advisory lock сериализует и ещё не созданные заказы.
	if _, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, orderID); err != nil {
		return domain.Order{}, mapStoreError("lock order", err)
	}

	order, err := scanOrder(t.tx.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM escrow_orders
		WHERE id = $1
		FOR UPDATE
	`, orderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		if errors.Is(err, domain.ErrUnknownState) {
			return domain.Order{}, err
		}
		return domain.Order{}, mapStoreError("select order", err)
	}
	return order, nil
}

func (t *ledgerTx) SaveOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	now := time.Now().UTC()
	var disputedBy sql.NullInt64
	if order.DisputedBy != 0 {
		disputedBy = sql.NullInt64{Int64: order.DisputedBy, Valid: true}
	}

	if order.Version == 0 {
		if order.CreatedAt.IsZero() {
			order.CreatedAt = now
		}
		order.UpdatedAt = now
		order.Version = 1

		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO escrow_orders (`+orderColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		`,
			order.ID, order.BuyerID, order.SellerID, order.AmountMinor, order.Currency, string(order.State),
			order.PaymentMethod, order.PaymentReference, disputedBy, order.DisputeReason,
			order.Version, order.CreatedAt, order.UpdatedAt,
		)
		if err != nil {
			if code, constraint := pgErrorCode(err); code == pgUniqueViolation {
				return domain.Order{}, uniqueViolationError(constraint)
			}
			return domain.Order{}, mapStoreError("insert order", err)
		}
		return order, nil
	}

	err := t.tx.QueryRowContext(ctx, `
		UPDATE escrow_orders
		SET state = $1,
		    disputed_by = $2,
		    dispute_reason = $3,
		    version = version + 1,
		    updated_at = $4
		WHERE id = $5
		  AND version = $6
		RETURNING version, updated_at
	`,
		string(order.State), disputedBy, order.DisputeReason, now, order.ID, order.Version,
	).Scan(&order.Version, &order.UpdatedAt)
	if err == nil {
		order.UpdatedAt = order.UpdatedAt.UTC()
		return order, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, mapStoreError("update order", err)
	}

	var exists bool
	if err := t.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM escrow_orders WHERE id = $1)`, order.ID).Scan(&exists); err != nil {
		return domain.Order{}, mapStoreError("check order exists", err)
	}
	if !exists {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return domain.Order{}, domain.ErrOrderVersionConflict
}

func (t *ledgerTx) AppendHoldEntry(ctx context.Context, order domain.Order, actor domain.Actor) (domain.LedgerEntry, error) {
	entry := newEntry(order, domain.MovementHold, actor)
	entry.PaymentReference = order.PaymentReference

	if err := t.insertEntry(ctx, entry); err != nil {
		return domain.LedgerEntry{}, err
	}
	return entry, nil
}

func (t *ledgerTx) AppendTerminalEntry(ctx context.Context, order domain.Order, kind domain.MovementKind, actor domain.Actor) (domain.LedgerEntry, error) {
	if !kind.Terminal() {
		return domain.LedgerEntry{}, fmt.Errorf("movement %q is not terminal", kind)
	}

	var state string
	err := t.tx.QueryRowContext(ctx, `SELECT state FROM escrow_orders WHERE id = $1 FOR UPDATE`, order.ID).Scan(&state)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.LedgerEntry{}, domain.ErrOrderNotFound
		}
		return domain.LedgerEntry{}, mapStoreError("select order state", err)
	}
	if domain.EscrowState(state) != domain.EscrowStateHeld {
		return domain.LedgerEntry{}, fmt.Errorf("%w: order %d is %s", domain.ErrInvalidState, order.ID, state)
	}

	entry := newEntry(order, kind, actor)
	if err := t.insertEntry(ctx, entry); err != nil {
		if errors.Is(err, domain.ErrHoldConflict) {
			return domain.LedgerEntry{}, fmt.Errorf("%w: order %d already settled", domain.ErrInvalidState, order.ID)
		}
		return domain.LedgerEntry{}, err
	}
	return entry, nil
}

func (t *ledgerTx) insertEntry(ctx context.Context, entry domain.LedgerEntry) error {
	var (
		actorID sql.NullInt64
		ref     sql.NullString
	)
	if !entry.Actor.System {
		actorID = sql.NullInt64{Int64: entry.Actor.UserID, Valid: true}
	}
	if entry.PaymentReference != "" {
		ref = sql.NullString{String: entry.PaymentReference, Valid: true}
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`,
		entry.ID, entry.OrderID, string(entry.Kind), entry.AmountMinor, entry.Currency, actorID, ref, entry.CreatedAt,
	)
	if err != nil {
		if code, constraint := pgErrorCode(err); code == pgUniqueViolation {
			return uniqueViolationError(constraint)
		}
		return mapStoreError("insert ledger entry", err)
	}
	return nil
}

func (t *ledgerTx) ListEntries(ctx context.Context, orderID int64) ([]domain.LedgerEntry, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE order_id = $1
		ORDER BY created_at ASC, id ASC
	`, orderID)
	if err != nil {
		return nil, mapStoreError("list ledger entries", err)
	}
	defer rows.Close()

	entries := make([]domain.LedgerEntry, 0, 2)
	for rows.Next() {
		var (
			entry   domain.LedgerEntry
			kind    string
			actorID sql.NullInt64
			ref     sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.OrderID, &kind, &entry.AmountMinor, &entry.Currency, &actorID, &ref, &entry.CreatedAt); err != nil {
			return nil, mapStoreError("scan ledger entry", err)
		}
		entry.Kind = domain.MovementKind(kind)
		entry.Currency = strings.TrimSpace(entry.Currency)
		entry.CreatedAt = entry.CreatedAt.UTC()
		if actorID.Valid {
			entry.Actor = domain.UserActor(actorID.Int64)
		} else {
			entry.Actor = domain.SystemActor
		}
		entry.PaymentReference = ref.String
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStoreError("iterate ledger entries", err)
	}

	return entries, nil
}

func (t *ledgerTx) FindOrderByPaymentReference(ctx context.Context, reference string) (domain.Order, error) {
	order, err := scanOrder(t.tx.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM escrow_orders
		WHERE payment_reference = $1
	`, reference))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		if errors.Is(err, domain.ErrUnknownState) {
			return domain.Order{}, err
		}
		return domain.Order{}, mapStoreError("select order by payment reference", err)
	}
	return order, nil
}

func (t *ledgerTx) EnqueueOutbox(ctx context.Context, msg domain.OutboxMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO outbox_messages (
			id, aggregate_type, aggregate_id, event_type, payload,
			status, attempt_count, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,'pending',0,$6,$6)
	`,
		msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Payload, msg.CreatedAt,
	)
	if err != nil {
		return mapStoreError("enqueue outbox message", err)
	}
	return nil
}

func newEntry(order domain.Order, kind domain.MovementKind, actor domain.Actor) domain.LedgerEntry {
	return domain.LedgerEntry{
		ID:          uuid.NewString(),
		OrderID:     order.ID,
		Kind:        kind,
		AmountMinor: order.AmountMinor,
		Currency:    order.Currency,
		Actor:       actor,
		CreatedAt:   time.Now().UTC(),
	}
}

// uniqueViolationError различает нарушенные ограничения по имени.
// Имя индекса не попадает в текст ошибки: он уходит клиенту.
func uniqueViolationError(constraint string) error {
	switch constraint {
	case "ux_ledger_entries_terminal":
		return fmt.Errorf("%w: terminal movement already recorded", domain.ErrInvalidState)
	case "escrow_orders_pkey":
		return fmt.Errorf("%w: order inserted concurrently", domain.ErrStoreConflict)
	case "ux_ledger_entries_hold":
		return fmt.Errorf("%w: funds for this order are already held", domain.ErrHoldConflict)
	default:
		return fmt.Errorf("%w: payment reference is already used by another order", domain.ErrHoldConflict)
	}
}

var (
	_ domain.LedgerStore = (*LedgerStore)(nil)
	_ domain.LedgerTx    = (*ledgerTx)(nil)
)
