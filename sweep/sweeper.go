/*
Package sweep expires overdue instruments and writes off their balances.

PURPOSE:
  The sweeper finds active instruments whose expires_at has passed and
  zeroes them out through the ledger core: one expiration transaction for
  the remaining balance (skipped when already zero), then the terminal
  expired status.

IDEMPOTENCE:
  The selection predicate (active AND NOT never_expires AND expires_at <=
  as_of) excludes anything already expired, so running the same sweep
  twice writes nothing new.

FAILURE ISOLATION:
  Instruments are independent. A failure on one - typically a lock held by
  an in-flight redemption - is logged and joined into the returned error,
  but never aborts the rest of the sweep. The next run picks it up.

SEE ALSO:
  - ledger/core.go: Expire, which takes the same per-instrument lock as
    redemptions, so a sweep and a redemption can never race
  - api/scheduler.go: The ticker that drives periodic sweeps
*/
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/warp/stored-value/ledger"
)

// =============================================================================
// SWEEPER
// =============================================================================

type Sweeper struct {
	Store ledger.Store
	Core  *ledger.Core
}

func NewSweeper(core *ledger.Core) *Sweeper {
	return &Sweeper{Store: core.Store, Core: core}
}

// Sweep expires everything due as of asOf and returns how many
// instruments were transitioned. Per-instrument failures are joined into
// the returned error; swept still counts the successes.
func (s *Sweeper) Sweep(ctx context.Context, asOf time.Time) (swept int, err error) {
	due, err := s.Store.ListExpiring(ctx, asOf)
	if err != nil {
		return 0, fmt.Errorf("listing expiring instruments: %w", err)
	}

	var errs []error
	for _, inst := range due {
		tx, expErr := s.Core.Expire(ctx, inst.ID, asOf)
		if expErr != nil {
			log.Printf("[Sweeper] Failed to expire %s: %v", inst.ID, expErr)
			errs = append(errs, fmt.Errorf("expire %s: %w", inst.ID, expErr))
			continue
		}
		swept++
		if tx != nil {
			log.Printf("[Sweeper] Expired %s, wrote off %s", inst.ID, tx.Amount.Neg())
		} else {
			log.Printf("[Sweeper] Expired %s (zero balance)", inst.ID)
		}
	}
	return swept, errors.Join(errs...)
}
