/*
core.go - The atomic balance-mutation primitive

PURPOSE:
  Core composes the instrument store and the transaction log into one
  atomic operation: Apply. Every balance change in the system - purchase
  load, redemption, refund, expiration write-off, manual adjustment,
  transfer - goes through Apply. There is no other write path.

GUARANTEES:
  On success a new Transaction is appended AND the instrument balance is
  updated in the same atomic unit. On failure neither happens: no orphan
  transaction, no stale balance.

VALIDATION ORDER:
  1. Amount sign matches the transaction type
  2. Lock acquired (bounded; timeout -> ErrConcurrencyConflict)
  3. Instrument exists
  4. Currency matches
  5. Status is active
  6. Balance would not go negative (expiration exempt, but must zero
     the balance exactly)

STATE TRANSITIONS:
  Apply may flip active -> used when a redemption drives the balance to
  exactly zero and MarkUsedOnZero is set. Expire flips active -> expired.
  SetStatus handles the administrative transitions. Nothing else touches
  status.

SEE ALSO:
  - locks.go: The per-instrument lock Apply holds
  - store.go: ApplyChange, the single atomic write
  - redemption/planner.go: Multi-instrument caller
*/
package ledger

import (
	"context"
	"fmt"
	"time"
)

// DefaultLockTimeout bounds lock acquisition in Apply.
const DefaultLockTimeout = 5 * time.Second

// =============================================================================
// CORE - Atomic apply over store + lock table
// =============================================================================

// Core is the single mutation gateway for instrument balances.
type Core struct {
	Store       Store
	Locks       *LockTable
	LockTimeout time.Duration

	// MarkUsedOnZero flips an instrument to "used" when a redemption
	// leaves the balance exactly zero. Off by default: the instrument
	// stays active with a zero balance.
	MarkUsedOnZero bool
}

func NewCore(store Store) *Core {
	return &Core{
		Store:       store,
		Locks:       NewLockTable(),
		LockTimeout: DefaultLockTimeout,
	}
}

// ApplyInput describes one balance change.
type ApplyInput struct {
	InstrumentID InstrumentID
	Type         TransactionType
	Amount       Amount // signed; sign must match Type

	OrderID        string
	Reason         string
	IdempotencyKey string
}

// Apply validates, locks, and commits one balance change.
func (c *Core) Apply(ctx context.Context, in ApplyInput) (Transaction, error) {
	if !in.Type.ValidSign(in.Amount) {
		return Transaction{}, fmt.Errorf("%w: %s amount %s has wrong sign",
			ErrValidation, in.Type, in.Amount)
	}

	if err := c.Locks.Acquire(ctx, in.InstrumentID, c.lockTimeout()); err != nil {
		return Transaction{}, err
	}
	defer c.Locks.Release(in.InstrumentID)

	return c.applyLocked(ctx, in)
}

// applyLocked performs the validate-append-update sequence. Caller holds
// the instrument lock.
func (c *Core) applyLocked(ctx context.Context, in ApplyInput) (Transaction, error) {
	inst, err := c.Store.GetInstrument(ctx, in.InstrumentID)
	if err != nil {
		return Transaction{}, err
	}

	if in.Amount.Currency != "" && in.Amount.Currency != inst.Currency {
		return Transaction{}, &CurrencyMismatchError{
			InstrumentID: inst.ID, Want: inst.Currency, Got: in.Amount.Currency,
		}
	}

	if inst.Status != StatusActive {
		return Transaction{}, fmt.Errorf("%w: %s is %s", ErrInstrumentNotActive, inst.ID, inst.Status)
	}

	amount := Amount{Value: in.Amount.Value, Currency: inst.Currency}
	after := inst.CurrentBalance.Add(amount)

	if in.Type == TxExpiration {
		// Expiration is defined to drive the balance to exactly zero.
		if !after.IsZero() {
			return Transaction{}, fmt.Errorf("%w: expiration of %s must zero the balance %s",
				ErrValidation, amount, inst.CurrentBalance)
		}
	} else if after.IsNegative() {
		return Transaction{}, &InsufficientBalanceError{
			InstrumentID: inst.ID,
			Available:    inst.CurrentBalance,
			Requested:    amount.Neg(),
		}
	}

	tx := Transaction{
		ID:             NewTransactionID(),
		InstrumentID:   inst.ID,
		Type:           in.Type,
		Amount:         amount,
		BalanceBefore:  inst.CurrentBalance,
		BalanceAfter:   after,
		OrderID:        in.OrderID,
		Reason:         in.Reason,
		IdempotencyKey: in.IdempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}

	status := inst.Status
	if in.Type == TxRedemption && after.IsZero() && c.MarkUsedOnZero {
		status = StatusUsed
	}

	if err := c.Store.ApplyChange(ctx, tx, after, status); err != nil {
		return Transaction{}, err
	}
	return tx, nil
}

// Expire writes off the remaining balance and marks the instrument
// expired, all under the same lock a concurrent redemption would need.
// A zero-balance instrument gets the status flip without a zero-amount
// transaction. Returns the transaction written, if any.
func (c *Core) Expire(ctx context.Context, id InstrumentID, asOf time.Time) (*Transaction, error) {
	if err := c.Locks.Acquire(ctx, id, c.lockTimeout()); err != nil {
		return nil, err
	}
	defer c.Locks.Release(id)

	inst, err := c.Store.GetInstrument(ctx, id)
	if err != nil {
		return nil, err
	}
	if !inst.IsExpiredAsOf(asOf) {
		// Raced with another sweep or an administrative action; nothing to do.
		if inst.Status == StatusExpired {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s is not due for expiration", ErrValidation, id)
	}

	if inst.CurrentBalance.IsZero() {
		if err := c.Store.UpdateStatus(ctx, id, StatusExpired); err != nil {
			return nil, err
		}
		return nil, nil
	}

	tx := Transaction{
		ID:            NewTransactionID(),
		InstrumentID:  inst.ID,
		Type:          TxExpiration,
		Amount:        inst.CurrentBalance.Neg(),
		BalanceBefore: inst.CurrentBalance,
		BalanceAfter:  inst.CurrentBalance.Zero(),
		Reason:        "expired " + inst.ExpiresAt.UTC().Format(time.RFC3339),
		CreatedAt:     time.Now().UTC(),
	}
	if err := c.Store.ApplyChange(ctx, tx, tx.BalanceAfter, StatusExpired); err != nil {
		return nil, err
	}
	return &tx, nil
}

// MarkUsedIfZero applies the used-on-zero policy to one instrument: an
// active instrument whose balance is exactly zero transitions to used.
// Anything else is left alone. Multi-draw callers use this to defer the
// flip until every draw has committed, since a used instrument can no
// longer be compensated.
func (c *Core) MarkUsedIfZero(ctx context.Context, id InstrumentID) error {
	if err := c.Locks.Acquire(ctx, id, c.lockTimeout()); err != nil {
		return err
	}
	defer c.Locks.Release(id)

	inst, err := c.Store.GetInstrument(ctx, id)
	if err != nil {
		return err
	}
	if inst.Status != StatusActive || !inst.CurrentBalance.IsZero() {
		return nil
	}
	return c.Store.UpdateStatus(ctx, id, StatusUsed)
}

// SetStatus performs an administrative transition (freeze, reactivate,
// cancel). Balance and history are never touched. Expired and used are
// not reachable from here; those belong to Expire and Apply.
func (c *Core) SetStatus(ctx context.Context, id InstrumentID, next Status) error {
	if next == StatusExpired || next == StatusUsed {
		return fmt.Errorf("%w: %s is not an administrative status", ErrValidation, next)
	}

	if err := c.Locks.Acquire(ctx, id, c.lockTimeout()); err != nil {
		return err
	}
	defer c.Locks.Release(id)

	inst, err := c.Store.GetInstrument(ctx, id)
	if err != nil {
		return err
	}
	if !inst.Status.CanTransitionTo(next) {
		return &InvalidTransitionError{InstrumentID: id, From: inst.Status, To: next}
	}
	return c.Store.UpdateStatus(ctx, id, next)
}

// Transfer moves value between two instruments of the same currency as a
// matched pair of transfer transactions. The debit is applied first; if
// the credit fails the debit is compensated with an adjustment.
func (c *Core) Transfer(ctx context.Context, from, to InstrumentID, amount Amount, reason string) (debit, credit Transaction, err error) {
	if !amount.IsPositive() {
		return Transaction{}, Transaction{}, fmt.Errorf("%w: transfer amount must be positive", ErrValidation)
	}

	debit, err = c.Apply(ctx, ApplyInput{
		InstrumentID: from, Type: TxTransfer, Amount: amount.Neg(), Reason: reason,
	})
	if err != nil {
		return Transaction{}, Transaction{}, err
	}

	credit, err = c.Apply(ctx, ApplyInput{
		InstrumentID: to, Type: TxTransfer, Amount: amount, Reason: reason,
	})
	if err != nil {
		if _, compErr := c.Apply(ctx, ApplyInput{
			InstrumentID: from, Type: TxAdjustment, Amount: amount,
			Reason: "transfer compensation: " + err.Error(),
		}); compErr != nil {
			return Transaction{}, Transaction{}, fmt.Errorf("transfer failed (%w) and compensation failed: %v", err, compErr)
		}
		return Transaction{}, Transaction{}, err
	}
	return debit, credit, nil
}

func (c *Core) lockTimeout() time.Duration {
	if c.LockTimeout > 0 {
		return c.LockTimeout
	}
	return DefaultLockTimeout
}
