/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/stored-value/ledger"
	"github.com/warp/stored-value/redemption"
)

// =============================================================================
// INSTRUMENTS
// =============================================================================

// RestrictionsDTO mirrors ledger.Restrictions on the wire.
type RestrictionsDTO struct {
	MinimumOrderAmount *string  `json:"minimum_order_amount,omitempty"`
	AllowedProducts    []string `json:"allowed_products,omitempty"`
	ExcludedProducts   []string `json:"excluded_products,omitempty"`
	AllowedCategories  []string `json:"allowed_categories,omitempty"`
	ExcludedCategories []string `json:"excluded_categories,omitempty"`
}

type CreateInstrumentRequest struct {
	Kind         string           `json:"kind"` // gift_card | store_credit
	Amount       string           `json:"amount"`
	Currency     string           `json:"currency"`
	ExpiresAt    *time.Time       `json:"expires_at,omitempty"`
	Restrictions *RestrictionsDTO `json:"restrictions,omitempty"`

	// Gift card
	Recipient      string `json:"recipient,omitempty"`
	DeliveryMethod string `json:"delivery_method,omitempty"`

	// Store credit
	SourceOrderID  string `json:"source_order_id,omitempty"`
	SourceReturnID string `json:"source_return_id,omitempty"`
	IssuedBy       string `json:"issued_by,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

type InstrumentDTO struct {
	ID             string           `json:"id"`
	Kind           string           `json:"kind"`
	Currency       string           `json:"currency"`
	OriginalAmount string           `json:"original_amount"`
	CurrentBalance string           `json:"current_balance"`
	Status         string           `json:"status"`
	ExpiresAt      *time.Time       `json:"expires_at,omitempty"`
	NeverExpires   bool             `json:"never_expires"`
	Restrictions   *RestrictionsDTO `json:"restrictions,omitempty"`
	Code           string           `json:"code,omitempty"`
	Recipient      string           `json:"recipient,omitempty"`
	DeliveryMethod string           `json:"delivery_method,omitempty"`
	IsDelivered    bool             `json:"is_delivered,omitempty"`
	SourceOrderID  string           `json:"source_order_id,omitempty"`
	IssuedBy       string           `json:"issued_by,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

func toInstrumentDTO(inst *ledger.Instrument) InstrumentDTO {
	dto := InstrumentDTO{
		ID:             string(inst.ID),
		Kind:           string(inst.Kind),
		Currency:       string(inst.Currency),
		OriginalAmount: inst.OriginalAmount.Value.StringFixed(2),
		CurrentBalance: inst.CurrentBalance.Value.StringFixed(2),
		Status:         string(inst.Status),
		ExpiresAt:      inst.ExpiresAt,
		NeverExpires:   inst.NeverExpires,
		CreatedAt:      inst.CreatedAt,
	}
	if !inst.Restrictions.IsZero() {
		r := toRestrictionsDTO(inst.Restrictions)
		dto.Restrictions = &r
	}
	if inst.GiftCard != nil {
		dto.Code = inst.GiftCard.Code
		dto.Recipient = inst.GiftCard.Recipient
		dto.DeliveryMethod = inst.GiftCard.DeliveryMethod
		dto.IsDelivered = inst.GiftCard.IsDelivered
	}
	if inst.StoreCredit != nil {
		dto.SourceOrderID = inst.StoreCredit.SourceOrderID
		dto.IssuedBy = inst.StoreCredit.IssuedBy
	}
	return dto
}

func toRestrictionsDTO(r ledger.Restrictions) RestrictionsDTO {
	dto := RestrictionsDTO{
		AllowedProducts:    r.AllowedProducts,
		ExcludedProducts:   r.ExcludedProducts,
		AllowedCategories:  r.AllowedCategories,
		ExcludedCategories: r.ExcludedCategories,
	}
	if r.MinimumOrderAmount != nil {
		s := r.MinimumOrderAmount.Value.StringFixed(2)
		dto.MinimumOrderAmount = &s
	}
	return dto
}

func fromRestrictionsDTO(dto *RestrictionsDTO, currency ledger.Currency) ledger.Restrictions {
	if dto == nil {
		return ledger.Restrictions{}
	}
	r := ledger.Restrictions{
		AllowedProducts:    dto.AllowedProducts,
		ExcludedProducts:   dto.ExcludedProducts,
		AllowedCategories:  dto.AllowedCategories,
		ExcludedCategories: dto.ExcludedCategories,
	}
	if dto.MinimumOrderAmount != nil {
		min := ledger.NewAmountFromString(*dto.MinimumOrderAmount, currency)
		r.MinimumOrderAmount = &min
	}
	return r
}

// =============================================================================
// TRANSACTIONS / LEDGER VIEWS
// =============================================================================

type TransactionDTO struct {
	ID            string    `json:"id"`
	InstrumentID  string    `json:"instrument_id"`
	Type          string    `json:"type"`
	Amount        string    `json:"amount"`
	BalanceBefore string    `json:"balance_before"`
	BalanceAfter  string    `json:"balance_after"`
	OrderID       string    `json:"order_id,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:            string(tx.ID),
		InstrumentID:  string(tx.InstrumentID),
		Type:          string(tx.Type),
		Amount:        tx.Amount.Value.StringFixed(2),
		BalanceBefore: tx.BalanceBefore.Value.StringFixed(2),
		BalanceAfter:  tx.BalanceAfter.Value.StringFixed(2),
		OrderID:       tx.OrderID,
		Reason:        tx.Reason,
		CreatedAt:     tx.CreatedAt,
	}
}

type LedgerResponse struct {
	Instrument   InstrumentDTO    `json:"instrument"`
	Transactions []TransactionDTO `json:"transactions"`
}

type VerifyResponse struct {
	InstrumentID    string `json:"instrument_id"`
	OK              bool   `json:"ok"`
	ExpectedBalance string `json:"expected_balance"`
	ActualBalance   string `json:"actual_balance"`
}

// =============================================================================
// REDEMPTION
// =============================================================================

type RedeemRequest struct {
	OrderID        string   `json:"order_id"`
	AmountDue      string   `json:"amount_due"`
	Currency       string   `json:"currency"`
	CandidateIDs   []string `json:"candidate_ids"`
	Subtotal       string   `json:"order_subtotal"`
	ProductIDs     []string `json:"product_ids,omitempty"`
	PreserveOrder  bool     `json:"preserve_order,omitempty"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
}

type DrawDTO struct {
	InstrumentID  string `json:"instrument_id"`
	AmountApplied string `json:"amount_applied"`
	TransactionID string `json:"transaction_id"`
}

type SkipDTO struct {
	InstrumentID string `json:"instrument_id"`
	Reason       string `json:"reason"`
}

type RedeemResponse struct {
	OrderID      string    `json:"order_id"`
	Applied      []DrawDTO `json:"applied"`
	Skipped      []SkipDTO `json:"skipped,omitempty"`
	RemainingDue string    `json:"remaining_due"`
}

func toRedeemResponse(res redemption.Result) RedeemResponse {
	out := RedeemResponse{
		OrderID:      res.OrderID,
		Applied:      []DrawDTO{},
		RemainingDue: res.RemainingDue.Value.StringFixed(2),
	}
	for _, d := range res.Applied {
		out.Applied = append(out.Applied, DrawDTO{
			InstrumentID:  string(d.InstrumentID),
			AmountApplied: d.Amount.Value.StringFixed(2),
			TransactionID: string(d.Transaction),
		})
	}
	for _, s := range res.Skipped {
		out.Skipped = append(out.Skipped, SkipDTO{InstrumentID: string(s.InstrumentID), Reason: s.Reason})
	}
	return out
}

// =============================================================================
// REFUND / ADJUSTMENT / STATUS / SWEEP
// =============================================================================

type RefundRequest struct {
	Amount  string `json:"amount"`
	OrderID string `json:"order_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type AdjustRequest struct {
	Amount string `json:"amount"` // signed
	Reason string `json:"reason"`
}

type StatusRequest struct {
	Status string `json:"status"` // active | inactive | cancelled
}

type SweepRequest struct {
	AsOf *time.Time `json:"as_of,omitempty"` // defaults to now
}

type SweepResponse struct {
	SweptCount int    `json:"swept_count"`
	AsOf       string `json:"as_of"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}
