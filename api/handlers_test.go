package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stored-value/ledger"
	"github.com/warp/stored-value/ledger/store"
	"github.com/warp/stored-value/redemption"
	"github.com/warp/stored-value/sweep"
)

// =============================================================================
// TEST HARNESS
// =============================================================================

type harness struct {
	router http.Handler
	mem    *store.Memory
	core   *ledger.Core
}

// newHarness builds the handler by hand so each test gets its own metrics
// registry; NewHandler registers on the global one.
func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := store.NewMemory()
	core := ledger.NewCore(mem)
	h := &Handler{
		Store:      mem,
		Core:       core,
		Planner:    redemption.NewPlanner(core, nil),
		Sweeper:    sweep.NewSweeper(core),
		Reconciler: ledger.NewReconciler(mem),
		Metrics:    newMetrics(prometheus.NewRegistry()),
	}
	return &harness{router: NewRouter(h), mem: mem, core: core}
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func (h *harness) createCard(t *testing.T, amount string) InstrumentDTO {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/api/instruments", CreateInstrumentRequest{
		Kind: "gift_card", Amount: amount, Currency: "USD",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[InstrumentDTO](t, rec)
}

// =============================================================================
// INSTRUMENT LIFECYCLE
// =============================================================================

func TestAPI_CreateAndFetchGiftCard(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/instruments", CreateInstrumentRequest{
		Kind:      "gift_card",
		Amount:    "100.00",
		Currency:  "USD",
		Recipient: "friend@example.com",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[InstrumentDTO](t, rec)

	assert.Equal(t, "gift_card", created.Kind)
	assert.Equal(t, "100.00", created.OriginalAmount)
	assert.Equal(t, "100.00", created.CurrentBalance)
	assert.Equal(t, "active", created.Status)
	assert.NotEmpty(t, created.Code)
	assert.Equal(t, "friend@example.com", created.Recipient)

	got := decode[InstrumentDTO](t, h.do(t, http.MethodGet, "/api/instruments/"+created.ID, nil))
	assert.Equal(t, created.ID, got.ID)

	byCode := decode[InstrumentDTO](t, h.do(t, http.MethodGet, "/api/giftcards/"+created.Code, nil))
	assert.Equal(t, created.ID, byCode.ID)
}

func TestAPI_CreateStoreCredit(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/instruments", CreateInstrumentRequest{
		Kind:          "store_credit",
		Amount:        "40.00",
		Currency:      "USD",
		SourceOrderID: "order-9",
		IssuedBy:      "support",
		Reason:        "returned item",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[InstrumentDTO](t, rec)

	assert.Equal(t, "store_credit", created.Kind)
	assert.True(t, created.NeverExpires)
	assert.Empty(t, created.Code)
	assert.Equal(t, "order-9", created.SourceOrderID)
}

func TestAPI_CreateInstrument_Validation(t *testing.T) {
	h := newHarness(t)

	cases := []struct {
		name string
		req  CreateInstrumentRequest
	}{
		{"bad kind", CreateInstrumentRequest{Kind: "coupon", Amount: "10", Currency: "USD"}},
		{"bad amount", CreateInstrumentRequest{Kind: "gift_card", Amount: "ten", Currency: "USD"}},
		{"negative amount", CreateInstrumentRequest{Kind: "gift_card", Amount: "-5", Currency: "USD"}},
		{"missing currency", CreateInstrumentRequest{Kind: "gift_card", Amount: "10"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/api/instruments", tc.req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestAPI_GetInstrument_NotFound(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/api/instruments/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_StatusTransitions(t *testing.T) {
	h := newHarness(t)
	card := h.createCard(t, "50.00")

	rec := h.do(t, http.MethodPost, "/api/instruments/"+card.ID+"/status", StatusRequest{Status: "inactive"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "inactive", decode[InstrumentDTO](t, rec).Status)

	// Terminal states are not reachable administratively.
	rec = h.do(t, http.MethodPost, "/api/instruments/"+card.ID+"/status", StatusRequest{Status: "expired"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_MarkDelivered(t *testing.T) {
	h := newHarness(t)
	card := h.createCard(t, "50.00")

	rec := h.do(t, http.MethodPost, "/api/instruments/"+card.ID+"/delivered", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	got := decode[InstrumentDTO](t, h.do(t, http.MethodGet, "/api/instruments/"+card.ID, nil))
	assert.True(t, got.IsDelivered)
}

// =============================================================================
// REDEEM / REFUND / ADJUST
// =============================================================================

func TestAPI_RedeemAcrossTwoCards(t *testing.T) {
	// GIVEN: Cards worth 20 and 50
	// WHEN: Redeeming 60 against both
	// THEN: Both are drawn, nothing remains due, the ledger shows the draws

	h := newHarness(t)
	a := h.createCard(t, "20.00")
	b := h.createCard(t, "50.00")

	rec := h.do(t, http.MethodPost, "/api/redemptions", RedeemRequest{
		OrderID:      "order-1",
		AmountDue:    "60.00",
		Currency:     "USD",
		CandidateIDs: []string{a.ID, b.ID},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[RedeemResponse](t, rec)

	require.Len(t, result.Applied, 2)
	assert.Equal(t, "0.00", result.RemainingDue)

	total := 0.0
	for _, d := range result.Applied {
		var v float64
		_, err := fmt.Sscanf(d.AmountApplied, "%f", &v)
		require.NoError(t, err)
		total += v
	}
	assert.InDelta(t, 60.0, total, 0.001)

	ledgerResp := decode[LedgerResponse](t, h.do(t, http.MethodGet, "/api/instruments/"+a.ID+"/ledger", nil))
	require.Len(t, ledgerResp.Transactions, 1)
	assert.Equal(t, "redemption", ledgerResp.Transactions[0].Type)
	assert.Equal(t, "order-1", ledgerResp.Transactions[0].OrderID)
	assert.Equal(t, "0.00", ledgerResp.Instrument.CurrentBalance)
}

func TestAPI_Redeem_PartialCoverage(t *testing.T) {
	h := newHarness(t)
	card := h.createCard(t, "15.00")

	rec := h.do(t, http.MethodPost, "/api/redemptions", RedeemRequest{
		OrderID:      "order-1",
		AmountDue:    "40.00",
		Currency:     "USD",
		CandidateIDs: []string{card.ID},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	result := decode[RedeemResponse](t, rec)

	assert.Equal(t, "25.00", result.RemainingDue)
}

func TestAPI_Redeem_InvalidAmount(t *testing.T) {
	h := newHarness(t)
	card := h.createCard(t, "15.00")

	rec := h.do(t, http.MethodPost, "/api/redemptions", RedeemRequest{
		OrderID:      "order-1",
		AmountDue:    "0",
		Currency:     "USD",
		CandidateIDs: []string{card.ID},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_RefundRestoresBalance(t *testing.T) {
	h := newHarness(t)
	card := h.createCard(t, "50.00")

	rec := h.do(t, http.MethodPost, "/api/redemptions", RedeemRequest{
		OrderID: "order-1", AmountDue: "30.00", Currency: "USD", CandidateIDs: []string{card.ID},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/instruments/"+card.ID+"/refund", RefundRequest{
		Amount: "30.00", OrderID: "order-1", Reason: "order cancelled",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tx := decode[TransactionDTO](t, rec)
	assert.Equal(t, "refund", tx.Type)
	assert.Equal(t, "50.00", tx.BalanceAfter)
}

func TestAPI_Adjust(t *testing.T) {
	h := newHarness(t)
	card := h.createCard(t, "50.00")

	t.Run("requires a reason", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/api/instruments/"+card.ID+"/adjustments",
			AdjustRequest{Amount: "-10.00"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("signed correction", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/api/instruments/"+card.ID+"/adjustments",
			AdjustRequest{Amount: "-10.00", Reason: "fraud clawback"})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		tx := decode[TransactionDTO](t, rec)
		assert.Equal(t, "adjustment", tx.Type)
		assert.Equal(t, "40.00", tx.BalanceAfter)
	})

	t.Run("cannot overdraw", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/api/instruments/"+card.ID+"/adjustments",
			AdjustRequest{Amount: "-500.00", Reason: "bad idea"})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

// =============================================================================
// VERIFY + SWEEP
// =============================================================================

func TestAPI_VerifyDetectsCorruption(t *testing.T) {
	h := newHarness(t)
	card := h.createCard(t, "50.00")

	rec := h.do(t, http.MethodGet, "/api/instruments/"+card.ID+"/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[VerifyResponse](t, rec).OK)

	h.mem.Corrupt(ledger.InstrumentID(card.ID), ledger.NewAmount(999, "USD"))

	rec = h.do(t, http.MethodGet, "/api/instruments/"+card.ID+"/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[VerifyResponse](t, rec)
	assert.False(t, report.OK)
	assert.Equal(t, "50.00", report.ExpectedBalance)
	assert.Equal(t, "999.00", report.ActualBalance)
}

func TestAPI_TriggerSweep(t *testing.T) {
	h := newHarness(t)

	past := time.Now().UTC().Add(-time.Hour)
	expired := ledger.NewGiftCard(ledger.NewAmount(15, "USD"), &past)
	require.NoError(t, h.mem.CreateInstrument(context.Background(), expired))

	rec := h.do(t, http.MethodPost, "/api/admin/sweep", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[SweepResponse](t, rec)
	assert.Equal(t, 1, resp.SweptCount)

	got := decode[InstrumentDTO](t, h.do(t, http.MethodGet, "/api/instruments/"+string(expired.ID), nil))
	assert.Equal(t, "expired", got.Status)
	assert.Equal(t, "0.00", got.CurrentBalance)
}
