/*
store.go - Persistence contract for instruments and the transaction log

PURPOSE:
  Defines the interface between the engine and the database. Two logical
  tables back the core: instruments (mutable balance and status only) and
  transactions (append-only, never updated or deleted).

APPEND-ONLY CONTRACT:
  The transaction log has no Update or Delete. Corrections are new
  adjustment transactions. The only mutation on an instrument row is
  (CurrentBalance, Status, UpdatedAt), and only through ApplyChange.

ATOMIC APPLY:
  ApplyChange persists a transaction AND the matching balance/status update
  as one atomic unit. Either both land or neither does - no orphan
  transaction, no stale balance. SQL-backed stores implement this with a
  database transaction; the memory store with its mutex.

IDEMPOTENCY:
  Transactions may carry an idempotency key. A duplicate key is rejected
  with ErrDuplicateIdempotencyKey before anything is written.

IMPLEMENTATIONS:
  - store/sqlite:    Embedded production store (WAL mode)
  - store/postgres:  Server production store (pgx, FOR UPDATE)
  - ledger/store:    In-memory for testing/dev

SEE ALSO:
  - core.go: The only caller of ApplyChange
  - reconcile.go: Read-only consumers
*/
package ledger

import (
	"context"
	"time"
)

// InstrumentStore owns instrument records.
type InstrumentStore interface {
	// CreateInstrument persists a new instrument. The gift-card code, if
	// any, must be unique.
	CreateInstrument(ctx context.Context, inst *Instrument) error

	// GetInstrument returns the instrument or ErrNotFound.
	GetInstrument(ctx context.Context, id InstrumentID) (*Instrument, error)

	// GetByCode looks a gift card up by its redemption code.
	GetByCode(ctx context.Context, code string) (*Instrument, error)

	// ListExpiring returns active instruments with never_expires = false
	// and expires_at <= asOf. Already-expired instruments fall out of the
	// predicate, which is what makes the sweep idempotent.
	ListExpiring(ctx context.Context, asOf time.Time) ([]*Instrument, error)

	// UpdateStatus changes status only (administrative transitions and
	// delivery flags). Balance and history are untouched.
	UpdateStatus(ctx context.Context, id InstrumentID, status Status) error

	// MarkDelivered records that a gift card was delivered.
	MarkDelivered(ctx context.Context, id InstrumentID) error
}

// TransactionLog is the append-only record of balance changes.
// No Update, no Delete. Ever.
type TransactionLog interface {
	// Transactions returns the full log for an instrument, ordered by
	// CreatedAt ascending.
	Transactions(ctx context.Context, id InstrumentID) ([]Transaction, error)

	// Exists checks whether an idempotency key has been used.
	Exists(ctx context.Context, idempotencyKey string) (bool, error)
}

// Store combines both sides plus the atomic write the core depends on.
type Store interface {
	InstrumentStore
	TransactionLog

	// ApplyChange atomically appends tx and sets the instrument's balance
	// and status. Implementations must reject duplicate idempotency keys
	// with ErrDuplicateIdempotencyKey, fail with ErrConcurrencyConflict
	// when the stored balance no longer equals tx.BalanceBefore (a writer
	// outside this process's lock table committed since the caller's
	// read), and leave no partial state on error.
	ApplyChange(ctx context.Context, tx Transaction, newBalance Amount, newStatus Status) error
}
