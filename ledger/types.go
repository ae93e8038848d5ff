/*
Package ledger provides the core stored-value engine.

PURPOSE:
  This package contains the types and primitives for tracking redeemable
  monetary instruments - gift cards and store credit. It owns the instrument
  records, the append-only transaction log behind every balance change, and
  the single atomic primitive (Core.Apply) through which all mutation flows.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A monetary quantity with a currency (e.g., USD 25.00)
  - Instrument: A gift card or store-credit unit carrying a balance
  - Transaction: An immutable ledger entry recording a balance change
  - Status: The instrument lifecycle state machine

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never modified, only compensated
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Type Safety: Strong typing for IDs prevents mixing instrument/tx IDs
  4. Auditability: Every transaction records balance before and after

USAGE:
  amount := ledger.NewAmount(25, "USD")
  inst := ledger.NewGiftCard(amount, nil)

SEE ALSO:
  - core.go: The atomic Apply primitive
  - store.go: Persistence contract
  - errors.go: Error taxonomy
*/
package ledger

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Monetary quantity with currency
// =============================================================================

type Currency string

type Amount struct {
	Value    decimal.Decimal
	Currency Currency
}

func NewAmount(value float64, currency Currency) Amount {
	return Amount{Value: decimal.NewFromFloat(value), Currency: currency}
}

func NewAmountFromInt(value int, currency Currency) Amount {
	return Amount{Value: decimal.NewFromInt(int64(value)), Currency: currency}
}

// NewAmountFromString parses a decimal string like "19.99".
// Returns a zero amount if the string does not parse.
func NewAmountFromString(s string, currency Currency) Amount {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{Value: decimal.Zero, Currency: currency}
	}
	return Amount{Value: d, Currency: currency}
}

func (a Amount) Zero() Amount                 { return Amount{Value: decimal.Zero, Currency: a.Currency} }
func (a Amount) Add(b Amount) Amount          { return Amount{Value: a.Value.Add(b.Value), Currency: a.Currency} }
func (a Amount) Sub(b Amount) Amount          { return Amount{Value: a.Value.Sub(b.Value), Currency: a.Currency} }
func (a Amount) Neg() Amount                  { return Amount{Value: a.Value.Neg(), Currency: a.Currency} }
func (a Amount) Abs() Amount                  { return Amount{Value: a.Value.Abs(), Currency: a.Currency} }
func (a Amount) IsNegative() bool             { return a.Value.IsNegative() }
func (a Amount) IsZero() bool                 { return a.Value.IsZero() }
func (a Amount) IsPositive() bool             { return a.Value.IsPositive() }
func (a Amount) Equal(b Amount) bool          { return a.Value.Equal(b.Value) }
func (a Amount) GreaterThan(b Amount) bool    { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool       { return a.Value.LessThan(b.Value) }
func (a Amount) SameCurrency(b Amount) bool   { return a.Currency == b.Currency }

func (a Amount) Min(b Amount) Amount {
	if a.LessThan(b) {
		return a
	}
	return b
}

func (a Amount) String() string {
	return string(a.Currency) + " " + a.Value.StringFixed(2)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type InstrumentID string
type TransactionID string

func NewInstrumentID() InstrumentID   { return InstrumentID(uuid.NewString()) }
func NewTransactionID() TransactionID { return TransactionID(uuid.NewString()) }

// NewGiftCardCode generates a redemption code like "GC-4F2A-9B1C-77D0".
// Uniqueness is enforced by the store, not by the generator.
func NewGiftCardCode() string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return "GC-" + raw[0:4] + "-" + raw[4:8] + "-" + raw[8:12]
}

// =============================================================================
// INSTRUMENT - Gift card or store credit
// =============================================================================

type Kind string

const (
	KindGiftCard    Kind = "gift_card"
	KindStoreCredit Kind = "store_credit"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusExpired   Status = "expired"
	StatusUsed      Status = "used"
	StatusCancelled Status = "cancelled"
)

// CanTransitionTo implements the instrument lifecycle state machine.
//
//	active -> expired            (sweeper only, terminal)
//	active -> used               (zero-balance redemption, policy-configurable)
//	active <-> inactive          (administrative, reversible)
//	active|inactive -> cancelled (administrative, terminal)
//
// Expired, used, and cancelled are terminal.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return false
	}
	switch s {
	case StatusActive:
		return next == StatusExpired || next == StatusUsed ||
			next == StatusInactive || next == StatusCancelled
	case StatusInactive:
		return next == StatusActive || next == StatusCancelled
	default:
		return false
	}
}

// Restrictions is the closed set of usage restrictions an instrument may
// carry. Evaluation lives in the redemption package; the ledger only stores
// them. Empty slices mean "no rule of that kind".
type Restrictions struct {
	MinimumOrderAmount *Amount  `json:"minimum_order_amount,omitempty"`
	AllowedProducts    []string `json:"allowed_products,omitempty"`
	ExcludedProducts   []string `json:"excluded_products,omitempty"`
	AllowedCategories  []string `json:"allowed_categories,omitempty"`
	ExcludedCategories []string `json:"excluded_categories,omitempty"`
}

func (r Restrictions) IsZero() bool {
	return r.MinimumOrderAmount == nil &&
		len(r.AllowedProducts) == 0 && len(r.ExcludedProducts) == 0 &&
		len(r.AllowedCategories) == 0 && len(r.ExcludedCategories) == 0
}

// GiftCardDetails carries the fields that only exist for gift cards.
// Delivery itself (email/SMS/print) is an external collaborator; the ledger
// only records whether it happened.
type GiftCardDetails struct {
	Code           string
	Recipient      string
	DeliveryMethod string
	IsDelivered    bool
}

// StoreCreditDetails carries the fields that only exist for store credit.
type StoreCreditDetails struct {
	SourceOrderID  string
	SourceReturnID string
	IssuedBy       string
	Reason         string
}

// Instrument is a redeemable stored-value unit.
//
// INVARIANT: CurrentBalance == OriginalAmount + sum of transaction amounts.
// Only CurrentBalance and Status are mutable, and only through Core.
type Instrument struct {
	ID             InstrumentID
	Kind           Kind
	Currency       Currency
	OriginalAmount Amount
	CurrentBalance Amount
	Status         Status

	ExpiresAt    *time.Time
	NeverExpires bool

	Restrictions Restrictions

	GiftCard    *GiftCardDetails
	StoreCredit *StoreCreditDetails

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewGiftCard creates an active gift card with a fresh code.
// Balance starts equal to the original amount.
func NewGiftCard(original Amount, expiresAt *time.Time) *Instrument {
	now := time.Now().UTC()
	return &Instrument{
		ID:             NewInstrumentID(),
		Kind:           KindGiftCard,
		Currency:       original.Currency,
		OriginalAmount: original,
		CurrentBalance: original,
		Status:         StatusActive,
		ExpiresAt:      expiresAt,
		NeverExpires:   expiresAt == nil,
		GiftCard:       &GiftCardDetails{Code: NewGiftCardCode()},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// NewStoreCredit creates active store credit issued against a source order
// or return.
func NewStoreCredit(original Amount, details StoreCreditDetails, expiresAt *time.Time) *Instrument {
	now := time.Now().UTC()
	return &Instrument{
		ID:             NewInstrumentID(),
		Kind:           KindStoreCredit,
		Currency:       original.Currency,
		OriginalAmount: original,
		CurrentBalance: original,
		Status:         StatusActive,
		ExpiresAt:      expiresAt,
		NeverExpires:   expiresAt == nil,
		StoreCredit:    &details,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// IsExpiredAsOf reports whether the instrument is due for the sweeper.
func (i *Instrument) IsExpiredAsOf(asOf time.Time) bool {
	return i.Status == StatusActive && !i.NeverExpires &&
		i.ExpiresAt != nil && !i.ExpiresAt.After(asOf)
}

// =============================================================================
// TRANSACTION - Atomic change to an instrument balance
// =============================================================================

type TransactionType string

const (
	TxPurchase   TransactionType = "purchase"   // Initial load when the instrument is bought/issued
	TxRedemption TransactionType = "redemption" // Spend against an order
	TxRefund     TransactionType = "refund"     // Value returned to the instrument
	TxExpiration TransactionType = "expiration" // Sweeper write-off, drives balance to 0
	TxAdjustment TransactionType = "adjustment" // Manual correction or plan compensation, either sign
	TxTransfer   TransactionType = "transfer"   // Balance moved between instruments
)

// Transaction is an immutable ledger entry. Amount is signed: positive
// increases the balance, negative decreases it. BalanceBefore/BalanceAfter
// are recorded at write time and never recomputed.
type Transaction struct {
	ID            TransactionID
	InstrumentID  InstrumentID
	Type          TransactionType
	Amount        Amount
	BalanceBefore Amount
	BalanceAfter  Amount

	OrderID        string // optional correlation to the external order
	Reason         string
	IdempotencyKey string

	CreatedAt time.Time
}

// decreasesBalance reports whether the type must carry a negative amount.
func (t TransactionType) decreasesBalance() bool {
	return t == TxRedemption || t == TxExpiration
}

// increasesBalance reports whether the type must carry a positive amount.
func (t TransactionType) increasesBalance() bool {
	return t == TxPurchase || t == TxRefund
}

// ValidSign checks the amount sign against the transaction type.
// Adjustment and transfer may go either way (but never zero).
func (t TransactionType) ValidSign(amount Amount) bool {
	if amount.IsZero() {
		return false
	}
	switch {
	case t.decreasesBalance():
		return amount.IsNegative()
	case t.increasesBalance():
		return amount.IsPositive()
	default:
		return t == TxAdjustment || t == TxTransfer
	}
}
