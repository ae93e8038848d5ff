/*
reconcile.go - Read-only ledger views and integrity verification

PURPOSE:
  The audit surface. GetLedger returns an instrument with its full
  transaction history; Verify replays that history and compares the
  result to the stored balance.

WHY REPLAY?
  The stored balance is a cached derivation. The log is the truth. If the
  two ever disagree, something wrote around the core - that is a hard
  data-integrity signal, surfaced and never silently corrected.
*/
package ledger

import "context"

// =============================================================================
// RECONCILER - get_ledger / verify
// =============================================================================

type Reconciler struct {
	Store Store
}

func NewReconciler(store Store) *Reconciler {
	return &Reconciler{Store: store}
}

// LedgerView pairs an instrument with its ordered history.
type LedgerView struct {
	Instrument   *Instrument
	Transactions []Transaction
}

// GetLedger returns the instrument and its transactions ordered by
// CreatedAt ascending.
func (r *Reconciler) GetLedger(ctx context.Context, id InstrumentID) (LedgerView, error) {
	inst, err := r.Store.GetInstrument(ctx, id)
	if err != nil {
		return LedgerView{}, err
	}
	txs, err := r.Store.Transactions(ctx, id)
	if err != nil {
		return LedgerView{}, err
	}
	return LedgerView{Instrument: inst, Transactions: txs}, nil
}

// VerifyReport is the outcome of an integrity check.
type VerifyReport struct {
	InstrumentID    InstrumentID
	OK              bool
	ExpectedBalance Amount // original_amount + sum of transaction amounts
	ActualBalance   Amount // stored current_balance
}

// Err returns an IntegrityError for a failed report, nil otherwise.
func (r VerifyReport) Err() error {
	if r.OK {
		return nil
	}
	return &IntegrityError{
		InstrumentID: r.InstrumentID,
		Expected:     r.ExpectedBalance,
		Actual:       r.ActualBalance,
	}
}

// Verify replays the transaction log and compares against the stored
// balance. A mismatch is reported, never corrected.
func (r *Reconciler) Verify(ctx context.Context, id InstrumentID) (VerifyReport, error) {
	view, err := r.GetLedger(ctx, id)
	if err != nil {
		return VerifyReport{}, err
	}

	expected := view.Instrument.OriginalAmount
	for _, tx := range view.Transactions {
		expected = expected.Add(tx.Amount)
	}

	return VerifyReport{
		InstrumentID:    id,
		OK:              expected.Equal(view.Instrument.CurrentBalance),
		ExpectedBalance: expected,
		ActualBalance:   view.Instrument.CurrentBalance,
	}, nil
}
