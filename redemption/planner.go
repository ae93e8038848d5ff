/*
planner.go - Multi-instrument redemption planning and commit

PURPOSE:
  Given an amount due and a set of candidate instruments, decide how much
  to draw from each and commit the draws through the ledger core as one
  all-or-nothing unit.

DRAW ORDER:
  Soonest expires_at first, never-expiring instruments last, then id
  ascending - unless the caller asks to preserve its own order. The order
  is deterministic so two identical requests plan identically.

ELIGIBILITY vs FAILURE:
  Candidates that don't qualify (wrong status, wrong currency, restriction
  not met) are SKIPPED with a recorded reason - the caller simply covers
  more of the order another way. Failures during the apply phase are
  different: those abort the plan.

ALL-OR-NOTHING:
  Locks are held per-draw, not for the whole plan, so a mid-plan failure
  can leave earlier draws committed. The planner then compensates each of
  them with an equal-and-opposite adjustment before returning the error.
  The ledger history shows draw+compensation pairs (append-only, nothing
  deleted), but the net effect is zero and no uncompensated redemption
  remains visible.

  The used-on-zero policy is deferred for the same reason: a draw that
  drains an instrument mid-plan leaves it active, because a used
  instrument rejects the compensating adjustment. Drained instruments
  flip to used only after every draw has committed.

RETRIES:
  ErrConcurrencyConflict is retried a bounded number of times per
  instrument. After that it is a plan failure.

SEE ALSO:
  - rules.go: Eligibility evaluation
  - ledger/core.go: The per-draw primitive
*/
package redemption

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/warp/stored-value/ledger"
)

// DefaultMaxRetries bounds per-instrument retries on lock conflicts.
const DefaultMaxRetries = 3

// =============================================================================
// RESULT TYPES
// =============================================================================

// Draw records how much was taken from one instrument.
type Draw struct {
	InstrumentID ledger.InstrumentID
	Amount       ledger.Amount // positive: how much of the order it covered
	Transaction  ledger.TransactionID
}

// Skip records why a candidate was passed over.
type Skip struct {
	InstrumentID ledger.InstrumentID
	Reason       string
}

// Result is the outcome of a committed plan. RemainingDue > 0 is not an
// error; it means the caller must collect the rest another way.
type Result struct {
	OrderID      string
	Applied      []Draw
	Skipped      []Skip
	RemainingDue ledger.Amount
}

// =============================================================================
// PLANNER
// =============================================================================

type Planner struct {
	Core    *ledger.Core
	Store   ledger.Store
	Catalog CatalogReader

	// MaxRetries per instrument on ErrConcurrencyConflict. Zero means
	// DefaultMaxRetries.
	MaxRetries int

	// PreserveOrder commits in the caller-supplied candidate order instead
	// of the deterministic expiry-first order.
	PreserveOrder bool
}

func NewPlanner(core *ledger.Core, catalog CatalogReader) *Planner {
	return &Planner{Core: core, Store: core.Store, Catalog: catalog}
}

// PlanAndRedeem draws from the candidates until amountDue is covered or
// candidates run out. On any apply-phase failure every committed draw is
// compensated and the error returned; the caller never sees a partially
// committed plan.
func (p *Planner) PlanAndRedeem(
	ctx context.Context,
	orderID string,
	amountDue ledger.Amount,
	candidateIDs []ledger.InstrumentID,
	order OrderContext,
) (Result, error) {
	result := Result{OrderID: orderID, RemainingDue: amountDue}

	if !amountDue.IsPositive() {
		return result, fmt.Errorf("%w: amount due must be positive, got %s", ledger.ErrValidation, amountDue)
	}

	candidates, skips, err := p.selectEligible(ctx, amountDue.Currency, candidateIDs, order)
	if err != nil {
		return result, err
	}
	result.Skipped = skips

	// Draws run with the used-on-zero flip suppressed: a drained
	// instrument must stay active until the whole plan commits, or a
	// later failure could not compensate it.
	drawCore := p.Core
	if drawCore.MarkUsedOnZero {
		cp := *drawCore
		cp.MarkUsedOnZero = false
		drawCore = &cp
	}

	remaining := amountDue
	for _, inst := range candidates {
		if remaining.IsZero() {
			break
		}

		draw := inst.CurrentBalance.Min(remaining)
		if !draw.IsPositive() {
			result.Skipped = append(result.Skipped, Skip{InstrumentID: inst.ID, Reason: "zero balance"})
			continue
		}

		tx, err := p.applyWithRetry(ctx, drawCore, ledger.ApplyInput{
			InstrumentID:   inst.ID,
			Type:           ledger.TxRedemption,
			Amount:         draw.Neg(),
			OrderID:        orderID,
			Reason:         "redemption for order " + orderID,
			IdempotencyKey: drawKey(order, inst.ID),
		})
		if err != nil {
			if compErr := p.compensate(ctx, orderID, result.Applied); compErr != nil {
				return Result{OrderID: orderID, RemainingDue: amountDue},
					fmt.Errorf("plan failed on %s (%w); compensation incomplete: %v", inst.ID, err, compErr)
			}
			return Result{OrderID: orderID, RemainingDue: amountDue},
				fmt.Errorf("plan failed on %s: %w", inst.ID, err)
		}

		result.Applied = append(result.Applied, Draw{
			InstrumentID: inst.ID,
			Amount:       draw,
			Transaction:  tx.ID,
		})
		remaining = remaining.Sub(draw)
	}

	result.RemainingDue = remaining
	if p.Core.MarkUsedOnZero {
		p.finalizeUsed(ctx, result.Applied)
	}
	return result, nil
}

// finalizeUsed flips drained instruments to used once the whole plan has
// committed. A flip that keeps failing is dropped: the instrument stays
// active at zero balance, the same state the default policy produces, and
// cannot be overdrawn.
func (p *Planner) finalizeUsed(ctx context.Context, applied []Draw) {
	retries := p.MaxRetries
	if retries <= 0 {
		retries = DefaultMaxRetries
	}
	for _, draw := range applied {
		for attempt := 0; attempt < retries; attempt++ {
			err := p.Core.MarkUsedIfZero(ctx, draw.InstrumentID)
			if err == nil || !ledger.IsRetryable(err) {
				break
			}
		}
	}
}

// selectEligible loads candidates, filters the disqualified with recorded
// reasons, and orders the rest deterministically.
func (p *Planner) selectEligible(
	ctx context.Context,
	currency ledger.Currency,
	candidateIDs []ledger.InstrumentID,
	order OrderContext,
) ([]*ledger.Instrument, []Skip, error) {
	var eligible []*ledger.Instrument
	var skips []Skip

	for _, id := range candidateIDs {
		inst, err := p.Store.GetInstrument(ctx, id)
		if err != nil {
			if ledger.IsNotFound(err) {
				skips = append(skips, Skip{InstrumentID: id, Reason: "not found"})
				continue
			}
			return nil, nil, err
		}

		if inst.Status != ledger.StatusActive {
			skips = append(skips, Skip{InstrumentID: id, Reason: "status " + string(inst.Status)})
			continue
		}
		if currency != "" && inst.Currency != currency {
			skips = append(skips, Skip{InstrumentID: id, Reason: "currency " + string(inst.Currency)})
			continue
		}
		if err := CheckAll(ctx, RulesFor(inst.Restrictions, p.Catalog), order); err != nil {
			if errors.Is(err, ledger.ErrRestrictionViolated) {
				skips = append(skips, Skip{InstrumentID: id, Reason: err.Error()})
				continue
			}
			// Catalog read failure: we cannot tell whether the instrument
			// qualifies, so the plan must not silently proceed without it.
			return nil, nil, err
		}

		eligible = append(eligible, inst)
	}

	if !p.PreserveOrder {
		sortCandidates(eligible)
	}
	return eligible, skips, nil
}

// sortCandidates: soonest expires_at first, nil expiries last, then id
// ascending as the tie-break.
func sortCandidates(insts []*ledger.Instrument) {
	sort.SliceStable(insts, func(i, j int) bool {
		a, b := insts[i], insts[j]
		switch {
		case a.ExpiresAt == nil && b.ExpiresAt == nil:
			return a.ID < b.ID
		case a.ExpiresAt == nil:
			return false
		case b.ExpiresAt == nil:
			return true
		case a.ExpiresAt.Equal(*b.ExpiresAt):
			return a.ID < b.ID
		default:
			return a.ExpiresAt.Before(*b.ExpiresAt)
		}
	})
}

func (p *Planner) applyWithRetry(ctx context.Context, core *ledger.Core, in ledger.ApplyInput) (ledger.Transaction, error) {
	retries := p.MaxRetries
	if retries <= 0 {
		retries = DefaultMaxRetries
	}

	var tx ledger.Transaction
	var err error
	for attempt := 0; attempt < retries; attempt++ {
		tx, err = core.Apply(ctx, in)
		if err == nil || !ledger.IsRetryable(err) {
			return tx, err
		}
	}
	return ledger.Transaction{}, err
}

// compensate reverses committed draws with equal-and-opposite adjustments.
// Draws are compensated in ascending instrument id order so concurrent
// failed plans touch shared instruments in the same sequence.
func (p *Planner) compensate(ctx context.Context, orderID string, applied []Draw) error {
	ordered := make([]Draw, len(applied))
	copy(ordered, applied)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].InstrumentID < ordered[j].InstrumentID })

	var errs []error
	for _, draw := range ordered {
		_, err := p.applyWithRetry(ctx, p.Core, ledger.ApplyInput{
			InstrumentID: draw.InstrumentID,
			Type:         ledger.TxAdjustment,
			Amount:       draw.Amount,
			OrderID:      orderID,
			Reason:       fmt.Sprintf("compensation for failed plan on order %s (tx %s)", orderID, draw.Transaction),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("compensating %s: %w", draw.InstrumentID, err))
		}
	}
	return errors.Join(errs...)
}

// drawKey derives a per-draw idempotency key when the caller supplied one
// for the whole plan.
func drawKey(order OrderContext, id ledger.InstrumentID) string {
	if order.IdempotencyKey == "" {
		return ""
	}
	return order.IdempotencyKey + ":" + string(id)
}
