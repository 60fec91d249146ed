// Package httpapi публикует операции escrow поверх HTTP/JSON.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/escrow/internal/auth"
	"github.com/vladislavdragonenkov/escrow/internal/domain"
	"github.com/vladislavdragonenkov/escrow/internal/service/escrow"
)

const (
	// HeaderIdempotencyKey — необязательный ключ повтора для терминальных переходов.
	HeaderIdempotencyKey = "Idempotency-Key"

	maxBodyBytes = 64 << 10
)

// EscrowService — операции, которые адаптер вызывает у сервиса.
type EscrowService interface {
	InitializeEscrow(ctx context.Context, in escrow.InitializeInput) (escrow.Result, error)
	ReleaseEscrow(ctx context.Context, in escrow.TransitionInput) (escrow.Result, error)
	RefundEscrow(ctx context.Context, in escrow.TransitionInput) (escrow.Result, error)
	DisputeEscrow(ctx context.Context, in escrow.TransitionInput) (escrow.Result, error)
	GetEscrow(ctx context.Context, token string, orderID int64) (escrow.Result, error)
}

// Handler переводит HTTP-запросы в вызовы EscrowService.
type Handler struct {
	service EscrowService
	logger  *log.Entry
}

// NewHandler создаёт обработчик.
func NewHandler(service EscrowService, logger *log.Entry) (*Handler, error) {
	if service == nil {
		return nil, errors.New("escrow service is required")
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Handler{
		service: service,
		logger:  logger.WithField("component", "http-api"),
	}, nil
}

// Routes регистрирует маршруты escrow на роутере.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/escrow", h.initialize)
	r.Post("/escrow/release", h.transition(h.service.ReleaseEscrow))
	r.Post("/escrow/refund", h.transition(h.service.RefundEscrow))
	r.Post("/escrow/dispute", h.transition(h.service.DisputeEscrow))
	// Только цифры: иначе GET /escrow/release попал бы сюда вместо 405.
	r.Get("/escrow/{orderID:[0-9]+}", h.get)
}

func (h *Handler) initialize(w http.ResponseWriter, r *http.Request) {
	var req initializeRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	result, err := h.service.InitializeEscrow(r.Context(), escrow.InitializeInput{
		Token:            auth.ExtractBearer(r.Header.Get("Authorization")),
		OrderID:          req.OrderID,
		BuyerID:          req.BuyerID,
		SellerID:         req.SellerID,
		AmountMinor:      req.Amount,
		Currency:         req.Currency,
		PaymentMethod:    req.PaymentMethod,
		PaymentReference: req.PaymentReference,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	// Повтор отличается только флагом replayed в теле.
	writeJSON(w, http.StatusOK, toResponse(result))
}

type transitionFunc func(ctx context.Context, in escrow.TransitionInput) (escrow.Result, error)

func (h *Handler) transition(call transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req transitionRequest
		if err := decodeBody(w, r, &req); err != nil {
			h.writeServiceError(w, r, err)
			return
		}

		result, err := call(r.Context(), escrow.TransitionInput{
			Token:          auth.ExtractBearer(r.Header.Get("Authorization")),
			OrderID:        req.OrderID,
			IdempotencyKey: strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey)),
			Reason:         req.Reason,
		})
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toResponse(result))
	}
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
	if err != nil {
		h.writeServiceError(w, r, fmt.Errorf("%w: order id must be an integer", domain.ErrMalformedRequest))
		return
	}

	result, err := h.service.GetEscrow(r.Context(), auth.ExtractBearer(r.Header.Get("Authorization")), orderID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(result))
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedRequest, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: body must contain a single JSON object", domain.ErrMalformedRequest)
	}
	return nil
}
