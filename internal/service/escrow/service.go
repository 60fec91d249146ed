// Package escrow реализует жизненный цикл escrow-платежа поверх ledger store.
package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/escrow/internal/domain"
	"github.com/vladislavdragonenkov/escrow/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/escrow/internal/metrics"
	"github.com/vladislavdragonenkov/escrow/internal/money"
)

// maxDisputeReasonLen ограничивает причину спора в символах.
const maxDisputeReasonLen = 500

// Config — параметры сервиса, передаваемые при создании.
type Config struct {
	// MinimumAmount — минимальная сумма hold в минимальных единицах валюты.
	MinimumAmount int64
	// AtomicTimeout ограничивает одну попытку единицы работы.
	AtomicTimeout time.Duration
	Retry         RetryConfig
	// ArbiterRole — роль в токене, дающая права арбитра.
	ArbiterRole    string
	IdempotencyTTL time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию.
func DefaultConfig() Config {
	return Config{
		MinimumAmount:  500,
		AtomicTimeout:  5 * time.Second,
		Retry:          DefaultRetryConfig(),
		ArbiterRole:    "arbiter",
		IdempotencyTTL: 24 * time.Hour,
	}
}

// Result — зафиксированный снимок заказа и его журнала.
type Result struct {
	Order   domain.Order
	Entries []domain.LedgerEntry
	// Replayed — ответ собран из ранее зафиксированного результата.
	Replayed bool
}

// InitializeInput — данные входящего платежа.
type InitializeInput struct {
	Token            string
	OrderID          int64
	BuyerID          int64
	SellerID         int64
	AmountMinor      int64
	Currency         string
	PaymentMethod    string
	PaymentReference string
}

// TransitionInput — запрос release, refund или dispute.
type TransitionInput struct {
	Token   string
	OrderID int64
	// IdempotencyKey необязателен; повтор с тем же ключом возвращает сохранённый успех.
	IdempotencyKey string
	// Reason используется только для dispute.
	Reason string
}

// Service выполняет переходы escrow. Не хранит состояние между запросами.
type Service struct {
	store         domain.LedgerStore
	authenticator domain.Authenticator
	resolver      domain.IdentityResolver
	idempotency   domain.IdempotencyRepository
	cfg           Config
	logger        *log.Entry
	metrics       *metrics.EscrowMetrics
	now           func() time.Time
}

// NewService создаёт сервис. idempotency и metrics могут быть nil.
func NewService(
	store domain.LedgerStore,
	authenticator domain.Authenticator,
	resolver domain.IdentityResolver,
	idempotency domain.IdempotencyRepository,
	cfg Config,
	logger *log.Entry,
	escrowMetrics *metrics.EscrowMetrics,
) (*Service, error) {
	if store == nil {
		return nil, errors.New("escrow service: ledger store is required")
	}
	if authenticator == nil {
		return nil, errors.New("escrow service: authenticator is required")
	}
	if resolver == nil {
		return nil, errors.New("escrow service: identity resolver is required")
	}
	if cfg.MinimumAmount <= 0 {
		return nil, fmt.Errorf("escrow service: minimum amount must be positive, got %d", cfg.MinimumAmount)
	}
	if logger == nil {
		logger = log.WithField("component", "escrow-service")
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = DefaultConfig().IdempotencyTTL
	}
	cfg.Retry = cfg.Retry.normalized()

	return &Service{
		store:         store,
		authenticator: authenticator,
		resolver:      resolver,
		idempotency:   idempotency,
		cfg:           cfg,
		logger:        logger,
		metrics:       escrowMetrics,
		now:           func() time.Time { return time.Now().UTC() },
	}, nil
}

// InitializeEscrow фиксирует входящий платёж: заказ переходит в held, в журнал пишется hold.
// Повтор с тем же payment reference возвращает заказ без изменений.
func (s *Service) InitializeEscrow(ctx context.Context, in InitializeInput) (result Result, err error) {
	done := s.track(domain.EventInitialize, &result, &err)
	defer done()

	if _, err := s.authenticator.Authenticate(ctx, in.Token); err != nil {
		return Result{}, err
	}

	in.PaymentReference = strings.TrimSpace(in.PaymentReference)
	in.PaymentMethod = strings.TrimSpace(in.PaymentMethod)
	currency, err := validateInitialize(in)
	if err != nil {
		return Result{}, err
	}
	in.Currency = currency
	if err := domain.CheckMinimumAmount(in.AmountMinor, s.cfg.MinimumAmount, in.Currency); err != nil {
		return Result{}, err
	}

	result, err = s.atomically(ctx, domain.EventInitialize, in.OrderID, func(ctx context.Context, tx domain.LedgerTx) (Result, error) {
		return s.initializeInTx(ctx, tx, in)
	})
	if err != nil {
		return Result{}, err
	}

	if !result.Replayed {
		s.metrics.RecordHeld(result.Order.Currency, result.Order.AmountMinor)
		s.logger.WithFields(log.Fields{
			"order_id":     result.Order.ID,
			"event":        domain.EventInitialize,
			"actor_id":     domain.SystemActor.String(),
			"amount_minor": result.Order.AmountMinor,
			"currency":     result.Order.Currency,
		}).Info("escrow funds held")
	}
	return result, nil
}

func (s *Service) initializeInTx(ctx context.Context, tx domain.LedgerTx, in InitializeInput) (Result, error) {
	order, err := tx.GetOrder(ctx, in.OrderID)
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		order = domain.NewOrder(in.OrderID)
	case err != nil:
		return Result{}, err
	}

	if order.State != domain.EscrowStateUninitialized && order.PaymentReference == in.PaymentReference {
		return s.snapshot(ctx, tx, order, true)
	}

	referenceUsed := false
	owner, err := tx.FindOrderByPaymentReference(ctx, in.PaymentReference)
	switch {
	case err == nil:
		referenceUsed = owner.ID != order.ID
	case !errors.Is(err, domain.ErrOrderNotFound):
		return Result{}, err
	}

	tr, err := domain.Decide(order.State, domain.EventInitialize, domain.TransitionContext{
		BuyerID:       in.BuyerID,
		SellerID:      in.SellerID,
		AmountMinor:   in.AmountMinor,
		Currency:      in.Currency,
		MinimumAmount: s.cfg.MinimumAmount,
		ReferenceUsed: referenceUsed,
		Actor:         domain.SystemActor,
	})
	if err != nil {
		return Result{}, err
	}

	order.BuyerID = in.BuyerID
	order.SellerID = in.SellerID
	order.AmountMinor = in.AmountMinor
	order.Currency = in.Currency
	order.PaymentMethod = in.PaymentMethod
	order.PaymentReference = in.PaymentReference

	if _, err := tx.AppendHoldEntry(ctx, order, domain.SystemActor); err != nil {
		return Result{}, err
	}
	order.State = tr.To
	saved, err := tx.SaveOrder(ctx, order)
	if err != nil {
		return Result{}, err
	}
	if err := s.enqueueEvent(ctx, tx, domain.EventInitialize, saved, domain.SystemActor); err != nil {
		return Result{}, err
	}

	return s.snapshot(ctx, tx, saved, false)
}

// ReleaseEscrow переводит удерживаемые средства продавцу.
func (s *Service) ReleaseEscrow(ctx context.Context, in TransitionInput) (Result, error) {
	in.Reason = ""
	return s.transition(ctx, domain.EventRelease, in)
}

// RefundEscrow возвращает удерживаемые средства покупателю.
func (s *Service) RefundEscrow(ctx context.Context, in TransitionInput) (Result, error) {
	in.Reason = ""
	return s.transition(ctx, domain.EventRefund, in)
}

// DisputeEscrow открывает спор. Средства остаются удержанными.
func (s *Service) DisputeEscrow(ctx context.Context, in TransitionInput) (Result, error) {
	in.Reason = strings.TrimSpace(in.Reason)
	if runes := []rune(in.Reason); len(runes) > maxDisputeReasonLen {
		in.Reason = string(runes[:maxDisputeReasonLen])
	}
	return s.transition(ctx, domain.EventDispute, in)
}

func (s *Service) transition(ctx context.Context, event domain.Event, in TransitionInput) (result Result, err error) {
	done := s.track(event, &result, &err)
	defer done()

	principal, err := s.identify(ctx, in.Token)
	if err != nil {
		return Result{}, err
	}
	if in.OrderID <= 0 {
		return Result{}, domain.ErrOrderIDRequired
	}

	actor := domain.UserActor(principal.UserID)
	arbiter := principal.HasRole(s.cfg.ArbiterRole)

	result, err = s.withIdempotency(ctx, event, principal, in, func() (Result, error) {
		return s.atomically(ctx, event, in.OrderID, func(ctx context.Context, tx domain.LedgerTx) (Result, error) {
			return s.transitionInTx(ctx, tx, event, in, actor, arbiter)
		})
	})
	if err != nil {
		return Result{}, err
	}

	if !result.Replayed {
		s.logger.WithFields(log.Fields{
			"order_id": result.Order.ID,
			"event":    event,
			"actor_id": actor.String(),
			"arbiter":  arbiter,
			"state":    result.Order.State,
		}).Info("escrow transition committed")
	}
	return result, nil
}

func (s *Service) transitionInTx(ctx context.Context, tx domain.LedgerTx, event domain.Event, in TransitionInput, actor domain.Actor, arbiter bool) (Result, error) {
	order, err := tx.GetOrder(ctx, in.OrderID)
	if err != nil {
		return Result{}, err
	}

	tr, err := domain.Decide(order.State, event, domain.TransitionContext{
		BuyerID:     order.BuyerID,
		SellerID:    order.SellerID,
		AmountMinor: order.AmountMinor,
		Currency:    order.Currency,
		Actor:       actor,
		Arbiter:     arbiter,
	})
	if err != nil {
		return Result{}, err
	}

	if tr.Movement != "" {
		if _, err := tx.AppendTerminalEntry(ctx, order, tr.Movement, actor); err != nil {
			return Result{}, err
		}
	}
	if event == domain.EventDispute {
		order.DisputedBy = actor.UserID
		order.DisputeReason = in.Reason
	}
	order.State = tr.To

	saved, err := tx.SaveOrder(ctx, order)
	if err != nil {
		return Result{}, err
	}
	if err := s.enqueueEvent(ctx, tx, event, saved, actor); err != nil {
		return Result{}, err
	}

	return s.snapshot(ctx, tx, saved, false)
}

// GetEscrow возвращает заказ и журнал. Читать могут стороны сделки и арбитр.
func (s *Service) GetEscrow(ctx context.Context, token string, orderID int64) (Result, error) {
	principal, err := s.identify(ctx, token)
	if err != nil {
		return Result{}, err
	}
	if orderID <= 0 {
		return Result{}, domain.ErrOrderIDRequired
	}

	result, err := s.atomically(ctx, "read", orderID, func(ctx context.Context, tx domain.LedgerTx) (Result, error) {
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return Result{}, err
		}
		return s.snapshot(ctx, tx, order, false)
	})
	if err != nil {
		return Result{}, err
	}

	if !result.Order.IsParty(principal.UserID) && !principal.HasRole(s.cfg.ArbiterRole) {
		return Result{}, fmt.Errorf("%w: order %d", domain.ErrActorNotPermitted, orderID)
	}

	if err := domain.Reconcile(result.Order, result.Entries); err != nil {
		s.logger.WithError(err).WithField("order_id", orderID).Error("ledger does not reconcile")
		return Result{}, err
	}
	return result, nil
}

func (s *Service) identify(ctx context.Context, token string) (domain.Principal, error) {
	principal, err := s.authenticator.Authenticate(ctx, token)
	if err != nil {
		return domain.Principal{}, err
	}
	userID, err := s.resolver.ResolveInternalID(ctx, principal)
	if err != nil {
		return domain.Principal{}, err
	}
	principal.UserID = userID
	return principal, nil
}

func (s *Service) snapshot(ctx context.Context, tx domain.LedgerTx, order domain.Order, replayed bool) (Result, error) {
	entries, err := tx.ListEntries(ctx, order.ID)
	if err != nil {
		return Result{}, err
	}
	return Result{Order: order, Entries: entries, Replayed: replayed}, nil
}

func (s *Service) enqueueEvent(ctx context.Context, tx domain.LedgerTx, event domain.Event, order domain.Order, actor domain.Actor) error {
	now := s.now()
	payload, err := json.Marshal(kafka.NewEscrowEvent(event, order, actor, now))
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	return tx.EnqueueOutbox(ctx, domain.OutboxMessage{
		AggregateType: domain.AggregateTypeOrder,
		AggregateID:   strconv.FormatInt(order.ID, 10),
		EventType:     domain.EventTypeFor(event),
		Payload:       payload,
		CreatedAt:     now,
	})
}

// track учитывает переход в метриках и логирует отказ.
func (s *Service) track(event domain.Event, result *Result, err *error) func() {
	start := time.Now()
	s.metrics.InFlightStarted()

	return func() {
		s.metrics.InFlightFinished()

		outcome := metrics.ResultOK
		switch {
		case *err != nil:
			kind := domain.KindOf(*err)
			outcome = metrics.ResultRejected
			if kind == domain.KindInternal || kind.Retryable() {
				outcome = metrics.ResultFailed
			}
			entry := s.logger.WithFields(log.Fields{"event": event, "kind": kind}).WithError(*err)
			if outcome == metrics.ResultFailed {
				entry.Error("escrow transition failed")
			} else {
				entry.Debug("escrow transition rejected")
			}
		case result.Replayed:
			outcome = metrics.ResultReplayed
			s.metrics.RecordIdempotentReplay(string(event))
		}
		s.metrics.RecordTransition(string(event), outcome, time.Since(start))
	}
}

func validateInitialize(in InitializeInput) (string, error) {
	if in.OrderID <= 0 {
		return "", domain.ErrOrderIDRequired
	}
	if in.BuyerID <= 0 || in.SellerID <= 0 {
		return "", domain.ErrPartyRequired
	}
	if in.BuyerID == in.SellerID {
		return "", domain.ErrBuyerIsSeller
	}
	if in.AmountMinor <= 0 {
		return "", domain.ErrAmountNotPositive
	}
	if in.PaymentReference == "" {
		return "", domain.ErrPaymentReferenceRequired
	}
	return money.NormalizeCurrency(in.Currency)
}
