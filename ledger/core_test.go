package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/warp/stored-value/ledger"
	"github.com/warp/stored-value/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestCore() (*ledger.Core, *store.Memory) {
	mem := store.NewMemory()
	return ledger.NewCore(mem), mem
}

func usd(v float64) ledger.Amount {
	return ledger.NewAmount(v, "USD")
}

func newCard(t *testing.T, s *store.Memory, value float64) *ledger.Instrument {
	t.Helper()
	inst := ledger.NewGiftCard(usd(value), nil)
	if err := s.CreateInstrument(context.Background(), inst); err != nil {
		t.Fatalf("creating instrument: %v", err)
	}
	return inst
}

func balanceOf(t *testing.T, s *store.Memory, id ledger.InstrumentID) ledger.Amount {
	t.Helper()
	inst, err := s.GetInstrument(context.Background(), id)
	if err != nil {
		t.Fatalf("loading instrument: %v", err)
	}
	return inst.CurrentBalance
}

// =============================================================================
// APPLY - BASIC SEMANTICS
// =============================================================================

func TestApply_Redemption_RecordsBalanceBeforeAndAfter(t *testing.T) {
	// GIVEN: A gift card with balance 100
	// WHEN: Redeeming 30
	// THEN: Balance is 70 and the transaction records before=100, after=70

	core, mem := newTestCore()
	ctx := context.Background()
	card := newCard(t, mem, 100)

	tx, err := core.Apply(ctx, ledger.ApplyInput{
		InstrumentID: card.ID,
		Type:         ledger.TxRedemption,
		Amount:       usd(30).Neg(),
		OrderID:      "order-1",
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	if !tx.BalanceBefore.Equal(usd(100)) {
		t.Errorf("balance before = %s, want 100", tx.BalanceBefore)
	}
	if !tx.BalanceAfter.Equal(usd(70)) {
		t.Errorf("balance after = %s, want 70", tx.BalanceAfter)
	}
	if !balanceOf(t, mem, card.ID).Equal(usd(70)) {
		t.Errorf("stored balance = %s, want 70", balanceOf(t, mem, card.ID))
	}
}

func TestApply_Overdraw_FailsAndLeavesBalanceUntouched(t *testing.T) {
	// GIVEN: A gift card at balance 70
	// WHEN: Redeeming 80
	// THEN: ErrInsufficientBalance, balance stays 70, no transaction written

	core, mem := newTestCore()
	ctx := context.Background()
	card := newCard(t, mem, 100)

	if _, err := core.Apply(ctx, ledger.ApplyInput{
		InstrumentID: card.ID, Type: ledger.TxRedemption, Amount: usd(30).Neg(),
	}); err != nil {
		t.Fatalf("first redemption: %v", err)
	}

	_, err := core.Apply(ctx, ledger.ApplyInput{
		InstrumentID: card.ID, Type: ledger.TxRedemption, Amount: usd(80).Neg(),
	})
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}

	if !balanceOf(t, mem, card.ID).Equal(usd(70)) {
		t.Errorf("balance changed after failed apply: %s", balanceOf(t, mem, card.ID))
	}
	txs, _ := mem.Transactions(ctx, card.ID)
	if len(txs) != 1 {
		t.Errorf("transaction count = %d, want 1 (no orphan from the failure)", len(txs))
	}
}

func TestApply_SignMustMatchType(t *testing.T) {
	core, mem := newTestCore()
	ctx := context.Background()
	card := newCard(t, mem, 50)

	cases := []struct {
		name   string
		txType ledger.TransactionType
		amount ledger.Amount
	}{
		{"positive redemption", ledger.TxRedemption, usd(10)},
		{"negative refund", ledger.TxRefund, usd(10).Neg()},
		{"negative purchase", ledger.TxPurchase, usd(10).Neg()},
		{"zero adjustment", ledger.TxAdjustment, usd(0)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := core.Apply(ctx, ledger.ApplyInput{
				InstrumentID: card.ID, Type: tc.txType, Amount: tc.amount,
			})
			if !errors.Is(err, ledger.ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestApply_CurrencyMismatch(t *testing.T) {
	core, mem := newTestCore()
	ctx := context.Background()
	card := newCard(t, mem, 50)

	_, err := core.Apply(ctx, ledger.ApplyInput{
		InstrumentID: card.ID,
		Type:         ledger.TxRedemption,
		Amount:       ledger.NewAmount(10, "EUR").Neg(),
	})
	if !errors.Is(err, ledger.ErrCurrencyMismatch) {
		t.Fatalf("err = %v, want ErrCurrencyMismatch", err)
	}

	var mismatch *ledger.CurrencyMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("err is not a CurrencyMismatchError: %v", err)
	}
	if mismatch.Want != "USD" || mismatch.Got != "EUR" {
		t.Errorf("mismatch = want %s got %s", mismatch.Want, mismatch.Got)
	}
}

func TestApply_UnknownInstrument(t *testing.T) {
	core, _ := newTestCore()
	_, err := core.Apply(context.Background(), ledger.ApplyInput{
		InstrumentID: "missing", Type: ledger.TxRefund, Amount: usd(10),
	})
	if !ledger.IsNotFound(err) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestApply_InactiveInstrument(t *testing.T) {
	core, mem := newTestCore()
	ctx := context.Background()
	card := newCard(t, mem, 50)

	if err := core.SetStatus(ctx, card.ID, ledger.StatusInactive); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	_, err := core.Apply(ctx, ledger.ApplyInput{
		InstrumentID: card.ID, Type: ledger.TxRedemption, Amount: usd(10).Neg(),
	})
	if !errors.Is(err, ledger.ErrInstrumentNotActive) {
		t.Fatalf("err = %v, want ErrInstrumentNotActive", err)
	}
}

func TestApply_DuplicateIdempotencyKey(t *testing.T) {
	core, mem := newTestCore()
	ctx := context.Background()
	card := newCard(t, mem, 50)

	in := ledger.ApplyInput{
		InstrumentID:   card.ID,
		Type:           ledger.TxRedemption,
		Amount:         usd(10).Neg(),
		IdempotencyKey: "key-1",
	}
	if _, err := core.Apply(ctx, in); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	_, err := core.Apply(ctx, in)
	if !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		t.Fatalf("err = %v, want ErrDuplicateIdempotencyKey", err)
	}
	if !balanceOf(t, mem, card.ID).Equal(usd(40)) {
		t.Errorf("balance = %s, want 40 (single draw)", balanceOf(t, mem, card.ID))
	}
}

// =============================================================================
// USED TRANSITION - POLICY CONFIGURABLE
// =============================================================================

func TestApply_ZeroingRedemption_MarksUsedWhenConfigured(t *testing.T) {
	core, mem := newTestCore()
	core.MarkUsedOnZero = true
	ctx := context.Background()
	card := newCard(t, mem, 50)

	if _, err := core.Apply(ctx, ledger.ApplyInput{
		InstrumentID: card.ID, Type: ledger.TxRedemption, Amount: usd(50).Neg(),
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	inst, _ := mem.GetInstrument(ctx, card.ID)
	if inst.Status != ledger.StatusUsed {
		t.Errorf("status = %s, want used", inst.Status)
	}
}

func TestApply_ZeroingRedemption_StaysActiveByDefault(t *testing.T) {
	core, mem := newTestCore()
	ctx := context.Background()
	card := newCard(t, mem, 50)

	if _, err := core.Apply(ctx, ledger.ApplyInput{
		InstrumentID: card.ID, Type: ledger.TxRedemption, Amount: usd(50).Neg(),
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	inst, _ := mem.GetInstrument(ctx, card.ID)
	if inst.Status != ledger.StatusActive {
		t.Errorf("status = %s, want active", inst.Status)
	}
}

// =============================================================================
// STATUS STATE MACHINE
// =============================================================================

func TestSetStatus_Transitions(t *testing.T) {
	core, mem := newTestCore()
	ctx := context.Background()

	t.Run("freeze and reactivate", func(t *testing.T) {
		card := newCard(t, mem, 10)
		if err := core.SetStatus(ctx, card.ID, ledger.StatusInactive); err != nil {
			t.Fatalf("active -> inactive: %v", err)
		}
		if err := core.SetStatus(ctx, card.ID, ledger.StatusActive); err != nil {
			t.Fatalf("inactive -> active: %v", err)
		}
	})

	t.Run("cancel is terminal", func(t *testing.T) {
		card := newCard(t, mem, 10)
		if err := core.SetStatus(ctx, card.ID, ledger.StatusCancelled); err != nil {
			t.Fatalf("active -> cancelled: %v", err)
		}
		err := core.SetStatus(ctx, card.ID, ledger.StatusActive)
		var invalid *ledger.InvalidTransitionError
		if !errors.As(err, &invalid) {
			t.Fatalf("cancelled -> active err = %v, want InvalidTransitionError", err)
		}
	})

	t.Run("expired and used are not administrative", func(t *testing.T) {
		card := newCard(t, mem, 10)
		for _, status := range []ledger.Status{ledger.StatusExpired, ledger.StatusUsed} {
			if err := core.SetStatus(ctx, card.ID, status); !errors.Is(err, ledger.ErrValidation) {
				t.Errorf("SetStatus(%s) err = %v, want ErrValidation", status, err)
			}
		}
	})

	t.Run("cancel freezes balance and history", func(t *testing.T) {
		card := newCard(t, mem, 30)
		if err := core.SetStatus(ctx, card.ID, ledger.StatusCancelled); err != nil {
			t.Fatal(err)
		}
		inst, _ := mem.GetInstrument(ctx, card.ID)
		if !inst.CurrentBalance.Equal(usd(30)) {
			t.Errorf("cancel altered balance: %s", inst.CurrentBalance)
		}
		txs, _ := mem.Transactions(ctx, card.ID)
		if len(txs) != 0 {
			t.Errorf("cancel wrote %d transactions", len(txs))
		}
	})
}

// =============================================================================
// EXPIRE
// =============================================================================

func TestExpire_WritesOffRemainingBalance(t *testing.T) {
	core, mem := newTestCore()
	ctx := context.Background()

	past := time.Now().UTC().Add(-24 * time.Hour)
	inst := ledger.NewGiftCard(usd(15), &past)
	if err := mem.CreateInstrument(ctx, inst); err != nil {
		t.Fatal(err)
	}

	tx, err := core.Expire(ctx, inst.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if tx == nil {
		t.Fatal("expected an expiration transaction")
	}
	if !tx.Amount.Equal(usd(15).Neg()) {
		t.Errorf("expiration amount = %s, want -15", tx.Amount)
	}

	after, _ := mem.GetInstrument(ctx, inst.ID)
	if after.Status != ledger.StatusExpired {
		t.Errorf("status = %s, want expired", after.Status)
	}
	if !after.CurrentBalance.IsZero() {
		t.Errorf("balance = %s, want 0", after.CurrentBalance)
	}
}

func TestExpire_ZeroBalance_StatusOnly(t *testing.T) {
	core, mem := newTestCore()
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	inst := ledger.NewGiftCard(usd(20), &past)
	if err := mem.CreateInstrument(ctx, inst); err != nil {
		t.Fatal(err)
	}
	if _, err := core.Apply(ctx, ledger.ApplyInput{
		InstrumentID: inst.ID, Type: ledger.TxRedemption, Amount: usd(20).Neg(),
	}); err != nil {
		t.Fatal(err)
	}

	tx, err := core.Expire(ctx, inst.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if tx != nil {
		t.Errorf("zero-balance expiry wrote a transaction: %+v", tx)
	}
	after, _ := mem.GetInstrument(ctx, inst.ID)
	if after.Status != ledger.StatusExpired {
		t.Errorf("status = %s, want expired", after.Status)
	}
}

func TestExpire_NotDue(t *testing.T) {
	core, mem := newTestCore()
	ctx := context.Background()
	card := newCard(t, mem, 10) // never expires

	_, err := core.Expire(ctx, card.ID, time.Now().UTC())
	if !errors.Is(err, ledger.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

// =============================================================================
// TRANSFER
// =============================================================================

func TestTransfer_MovesValueBetweenInstruments(t *testing.T) {
	core, mem := newTestCore()
	ctx := context.Background()
	from := newCard(t, mem, 50)
	to := newCard(t, mem, 10)

	debit, credit, err := core.Transfer(ctx, from.ID, to.ID, usd(20), "merge cards")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if !debit.Amount.Equal(usd(20).Neg()) || !credit.Amount.Equal(usd(20)) {
		t.Errorf("debit %s / credit %s, want -20 / +20", debit.Amount, credit.Amount)
	}
	if !balanceOf(t, mem, from.ID).Equal(usd(30)) || !balanceOf(t, mem, to.ID).Equal(usd(30)) {
		t.Errorf("balances = %s / %s, want 30 / 30",
			balanceOf(t, mem, from.ID), balanceOf(t, mem, to.ID))
	}
}

func TestTransfer_CompensatesDebitWhenCreditFails(t *testing.T) {
	core, mem := newTestCore()
	ctx := context.Background()
	from := newCard(t, mem, 50)
	to := newCard(t, mem, 10)
	if err := core.SetStatus(ctx, to.ID, ledger.StatusInactive); err != nil {
		t.Fatal(err)
	}

	_, _, err := core.Transfer(ctx, from.ID, to.ID, usd(20), "merge cards")
	if !errors.Is(err, ledger.ErrInstrumentNotActive) {
		t.Fatalf("err = %v, want ErrInstrumentNotActive", err)
	}
	if !balanceOf(t, mem, from.ID).Equal(usd(50)) {
		t.Errorf("source balance = %s, want 50 after compensation", balanceOf(t, mem, from.ID))
	}
}

// =============================================================================
// ROUND TRIP + CONSERVATION
// =============================================================================

func TestRoundTrip_RedeemThenRefund_NetsToZero(t *testing.T) {
	// GIVEN: create(100) -> redeem(100) -> refund(100)
	// THEN: balance is 100 and the log sums to zero net change

	core, mem := newTestCore()
	ctx := context.Background()
	card := newCard(t, mem, 100)

	if _, err := core.Apply(ctx, ledger.ApplyInput{
		InstrumentID: card.ID, Type: ledger.TxRedemption, Amount: usd(100).Neg(), OrderID: "o1",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := core.Apply(ctx, ledger.ApplyInput{
		InstrumentID: card.ID, Type: ledger.TxRefund, Amount: usd(100), OrderID: "o1",
	}); err != nil {
		t.Fatal(err)
	}

	if !balanceOf(t, mem, card.ID).Equal(usd(100)) {
		t.Errorf("balance = %s, want 100", balanceOf(t, mem, card.ID))
	}

	report, err := ledger.NewReconciler(mem).Verify(ctx, card.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !report.OK {
		t.Errorf("verify failed: expected %s, actual %s", report.ExpectedBalance, report.ActualBalance)
	}

	txs, _ := mem.Transactions(ctx, card.ID)
	net := usd(0)
	for _, tx := range txs {
		net = net.Add(tx.Amount)
	}
	if !net.IsZero() {
		t.Errorf("net log change = %s, want 0", net)
	}
}

func TestTransactionChain_BalancesLink(t *testing.T) {
	// Every transaction's balance_before must equal the previous
	// balance_after (or the original amount for the first).

	core, mem := newTestCore()
	ctx := context.Background()
	card := newCard(t, mem, 100)

	steps := []ledger.ApplyInput{
		{InstrumentID: card.ID, Type: ledger.TxRedemption, Amount: usd(25).Neg()},
		{InstrumentID: card.ID, Type: ledger.TxRefund, Amount: usd(5)},
		{InstrumentID: card.ID, Type: ledger.TxAdjustment, Amount: usd(10).Neg(), Reason: "fraud clawback"},
		{InstrumentID: card.ID, Type: ledger.TxRedemption, Amount: usd(40).Neg()},
	}
	for _, in := range steps {
		if _, err := core.Apply(ctx, in); err != nil {
			t.Fatal(err)
		}
	}

	txs, _ := mem.Transactions(ctx, card.ID)
	prev := card.OriginalAmount
	for i, tx := range txs {
		if !tx.BalanceBefore.Equal(prev) {
			t.Errorf("tx %d: balance_before = %s, want %s", i, tx.BalanceBefore, prev)
		}
		if !tx.BalanceAfter.Equal(tx.BalanceBefore.Add(tx.Amount)) {
			t.Errorf("tx %d: balance_after %s != before %s + amount %s",
				i, tx.BalanceAfter, tx.BalanceBefore, tx.Amount)
		}
		prev = tx.BalanceAfter
	}
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestConcurrentRedemptions_NeverOverdraw(t *testing.T) {
	// GIVEN: A card with balance 100 and two concurrent redemptions of 60
	// THEN: Exactly one succeeds; total drawn never exceeds 100

	core, mem := newTestCore()
	ctx := context.Background()
	card := newCard(t, mem, 100)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = core.Apply(ctx, ledger.ApplyInput{
				InstrumentID: card.ID, Type: ledger.TxRedemption, Amount: usd(60).Neg(),
			})
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
		} else if !errors.Is(err, ledger.ErrInsufficientBalance) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("successes = %d, want exactly 1", successes)
	}
	if !balanceOf(t, mem, card.ID).Equal(usd(40)) {
		t.Errorf("balance = %s, want 40", balanceOf(t, mem, card.ID))
	}
}

func TestConcurrentRedemptions_ManyWorkers(t *testing.T) {
	core, mem := newTestCore()
	ctx := context.Background()
	card := newCard(t, mem, 100)

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// 10 each; only 10 of 20 can succeed.
			_, _ = core.Apply(ctx, ledger.ApplyInput{
				InstrumentID: card.ID, Type: ledger.TxRedemption, Amount: usd(10).Neg(),
			})
		}()
	}
	wg.Wait()

	balance := balanceOf(t, mem, card.ID)
	if balance.IsNegative() {
		t.Fatalf("balance went negative: %s", balance)
	}
	report, err := ledger.NewReconciler(mem).Verify(ctx, card.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !report.OK {
		t.Errorf("ledger inconsistent after race: expected %s, actual %s",
			report.ExpectedBalance, report.ActualBalance)
	}
	if !balance.IsZero() {
		t.Errorf("balance = %s, want 0 (ten of twenty draws succeed)", balance)
	}
}

func TestApply_LockTimeout_ReturnsConcurrencyConflict(t *testing.T) {
	core, mem := newTestCore()
	core.LockTimeout = 20 * time.Millisecond
	ctx := context.Background()
	card := newCard(t, mem, 100)

	// Hold the instrument's lock so Apply cannot get it.
	if err := core.Locks.Acquire(ctx, card.ID, time.Second); err != nil {
		t.Fatal(err)
	}
	defer core.Locks.Release(card.ID)

	_, err := core.Apply(ctx, ledger.ApplyInput{
		InstrumentID: card.ID, Type: ledger.TxRedemption, Amount: usd(10).Neg(),
	})
	if !errors.Is(err, ledger.ErrConcurrencyConflict) {
		t.Fatalf("err = %v, want ErrConcurrencyConflict", err)
	}
	if !ledger.IsRetryable(err) {
		t.Error("lock timeout should be retryable")
	}
}
