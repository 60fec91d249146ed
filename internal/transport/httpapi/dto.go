package httpapi

import (
	"time"

	"github.com/vladislavdragonenkov/escrow/internal/domain"
	"github.com/vladislavdragonenkov/escrow/internal/money"
	"github.com/vladislavdragonenkov/escrow/internal/service/escrow"
)

type initializeRequest struct {
	OrderID          int64  `json:"orderId"`
	BuyerID          int64  `json:"buyerId"`
	SellerID         int64  `json:"sellerId"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	PaymentMethod    string `json:"paymentMethod"`
	PaymentReference string `json:"paymentReference"`
}

type transitionRequest struct {
	OrderID int64  `json:"orderId"`
	Reason  string `json:"reason,omitempty"`
}

type orderView struct {
	OrderID          int64     `json:"orderId"`
	BuyerID          int64     `json:"buyerId"`
	SellerID         int64     `json:"sellerId"`
	Amount           int64     `json:"amount"`
	AmountDisplay    string    `json:"amountDisplay"`
	Currency         string    `json:"currency"`
	State            string    `json:"state"`
	PaymentMethod    string    `json:"paymentMethod,omitempty"`
	PaymentReference string    `json:"paymentReference"`
	DisputedBy       int64     `json:"disputedBy,omitempty"`
	DisputeReason    string    `json:"disputeReason,omitempty"`
	Version          int64     `json:"version"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

type entryView struct {
	ID               string    `json:"id"`
	Kind             string    `json:"kind"`
	Amount           int64     `json:"amount"`
	Currency         string    `json:"currency"`
	Actor            string    `json:"actor"`
	PaymentReference string    `json:"paymentReference,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

type escrowResponse struct {
	Order    orderView   `json:"order"`
	Entries  []entryView `json:"entries"`
	Replayed bool        `json:"replayed"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

func toResponse(result escrow.Result) escrowResponse {
	order := result.Order
	resp := escrowResponse{
		Order: orderView{
			OrderID:          order.ID,
			BuyerID:          order.BuyerID,
			SellerID:         order.SellerID,
			Amount:           order.AmountMinor,
			AmountDisplay:    money.Format(order.AmountMinor, order.Currency),
			Currency:         order.Currency,
			State:            string(order.State),
			PaymentMethod:    order.PaymentMethod,
			PaymentReference: order.PaymentReference,
			DisputedBy:       order.DisputedBy,
			DisputeReason:    order.DisputeReason,
			Version:          order.Version,
			CreatedAt:        order.CreatedAt,
			UpdatedAt:        order.UpdatedAt,
		},
		Entries:  make([]entryView, 0, len(result.Entries)),
		Replayed: result.Replayed,
	}
	for _, entry := range result.Entries {
		resp.Entries = append(resp.Entries, toEntryView(entry))
	}
	return resp
}

func toEntryView(entry domain.LedgerEntry) entryView {
	return entryView{
		ID:               entry.ID,
		Kind:             string(entry.Kind),
		Amount:           entry.AmountMinor,
		Currency:         entry.Currency,
		Actor:            entry.Actor.String(),
		PaymentReference: entry.PaymentReference,
		CreatedAt:        entry.CreatedAt,
	}
}
