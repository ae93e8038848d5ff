/*
handlers.go - HTTP API handlers for the stored-value engine

PURPOSE:
  Exposes the engine via REST API. Handles HTTP request/response, JSON
  serialization, and delegates to domain logic.

ENDPOINTS:
  Instruments:
    POST   /api/instruments                   Create gift card / store credit
    GET    /api/instruments/{id}              Instrument view
    GET    /api/instruments/{id}/ledger       Instrument + transaction log
    GET    /api/instruments/{id}/verify       Integrity check
    POST   /api/instruments/{id}/refund       Refund value onto instrument
    POST   /api/instruments/{id}/adjustments  Manual correction
    POST   /api/instruments/{id}/status       Administrative transition
    POST   /api/instruments/{id}/delivered    Mark gift card delivered

  Redemption:
    POST   /api/redemptions                   Plan and commit a redemption

  Gift cards:
    GET    /api/giftcards/{code}              Lookup by redemption code

  Admin:
    POST   /api/admin/sweep                   Expire overdue instruments

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, restriction violations, invalid input
  - 404: Instrument not found
  - 409: Not active, insufficient balance, conflicts, duplicate keys
  - 500: Internal and integrity errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/warp/stored-value/ledger"
	"github.com/warp/stored-value/redemption"
	"github.com/warp/stored-value/sweep"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      ledger.Store
	Core       *ledger.Core
	Planner    *redemption.Planner
	Sweeper    *sweep.Sweeper
	Reconciler *ledger.Reconciler
	Metrics    *Metrics
}

// NewHandler wires the full dependency graph over one store.
func NewHandler(store ledger.Store, catalog redemption.CatalogReader, markUsedOnZero bool) *Handler {
	core := ledger.NewCore(store)
	core.MarkUsedOnZero = markUsedOnZero
	return &Handler{
		Store:      store,
		Core:       core,
		Planner:    redemption.NewPlanner(core, catalog),
		Sweeper:    sweep.NewSweeper(core),
		Reconciler: ledger.NewReconciler(store),
		Metrics:    NewMetrics(),
	}
}

// =============================================================================
// INSTRUMENT HANDLERS
// =============================================================================

func (h *Handler) CreateInstrument(w http.ResponseWriter, r *http.Request) {
	var req CreateInstrumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	value, err := decimal.NewFromString(req.Amount)
	if err != nil || !value.IsPositive() {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "amount must be a positive decimal string"})
		return
	}
	if req.Currency == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "currency is required"})
		return
	}
	currency := ledger.Currency(req.Currency)
	original := ledger.Amount{Value: value, Currency: currency}

	var inst *ledger.Instrument
	switch ledger.Kind(req.Kind) {
	case ledger.KindGiftCard:
		inst = ledger.NewGiftCard(original, req.ExpiresAt)
		inst.GiftCard.Recipient = req.Recipient
		inst.GiftCard.DeliveryMethod = req.DeliveryMethod
	case ledger.KindStoreCredit:
		inst = ledger.NewStoreCredit(original, ledger.StoreCreditDetails{
			SourceOrderID:  req.SourceOrderID,
			SourceReturnID: req.SourceReturnID,
			IssuedBy:       req.IssuedBy,
			Reason:         req.Reason,
		}, req.ExpiresAt)
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "kind must be gift_card or store_credit"})
		return
	}
	inst.Restrictions = fromRestrictionsDTO(req.Restrictions, currency)

	if err := h.Store.CreateInstrument(r.Context(), inst); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.Metrics.InstrumentsCreated.WithLabelValues(string(inst.Kind)).Inc()
	writeJSON(w, http.StatusCreated, toInstrumentDTO(inst))
}

func (h *Handler) GetInstrument(w http.ResponseWriter, r *http.Request) {
	inst, err := h.Store.GetInstrument(r.Context(), ledger.InstrumentID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInstrumentDTO(inst))
}

func (h *Handler) GetByCode(w http.ResponseWriter, r *http.Request) {
	inst, err := h.Store.GetByCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInstrumentDTO(inst))
}

func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	view, err := h.Reconciler.GetLedger(r.Context(), ledger.InstrumentID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := LedgerResponse{
		Instrument:   toInstrumentDTO(view.Instrument),
		Transactions: []TransactionDTO{},
	}
	for _, tx := range view.Transactions {
		resp.Transactions = append(resp.Transactions, toTransactionDTO(tx))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	report, err := h.Reconciler.Verify(r.Context(), ledger.InstrumentID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !report.OK {
		h.Metrics.IntegrityFailures.Inc()
	}
	writeJSON(w, http.StatusOK, VerifyResponse{
		InstrumentID:    string(report.InstrumentID),
		OK:              report.OK,
		ExpectedBalance: report.ExpectedBalance.Value.StringFixed(2),
		ActualBalance:   report.ActualBalance.Value.StringFixed(2),
	})
}

// =============================================================================
// MUTATION HANDLERS
// =============================================================================

func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	currency := ledger.Currency(req.Currency)
	candidates := make([]ledger.InstrumentID, 0, len(req.CandidateIDs))
	for _, id := range req.CandidateIDs {
		candidates = append(candidates, ledger.InstrumentID(id))
	}

	planner := h.Planner
	if req.PreserveOrder {
		cp := *h.Planner
		cp.PreserveOrder = true
		planner = &cp
	}

	result, err := planner.PlanAndRedeem(r.Context(),
		req.OrderID,
		ledger.NewAmountFromString(req.AmountDue, currency),
		candidates,
		redemption.OrderContext{
			OrderID:        req.OrderID,
			Subtotal:       ledger.NewAmountFromString(req.Subtotal, currency),
			ProductIDs:     req.ProductIDs,
			IdempotencyKey: req.IdempotencyKey,
		},
	)
	h.Metrics.RedeemDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		h.Metrics.Plans.WithLabelValues("failed").Inc()
		writeDomainError(w, err)
		return
	}

	outcome := "full"
	if result.RemainingDue.IsPositive() {
		outcome = "partial"
	}
	h.Metrics.Plans.WithLabelValues(outcome).Inc()
	for range result.Applied {
		h.Metrics.Transactions.WithLabelValues(string(ledger.TxRedemption)).Inc()
	}
	writeJSON(w, http.StatusOK, toRedeemResponse(result))
}

func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	value, err := decimal.NewFromString(req.Amount)
	if err != nil || !value.IsPositive() {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "refund amount must be a positive decimal string"})
		return
	}

	tx, err := h.Core.Apply(r.Context(), ledger.ApplyInput{
		InstrumentID: ledger.InstrumentID(chi.URLParam(r, "id")),
		Type:         ledger.TxRefund,
		Amount:       ledger.Amount{Value: value},
		OrderID:      req.OrderID,
		Reason:       req.Reason,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.Metrics.Transactions.WithLabelValues(string(ledger.TxRefund)).Inc()
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	value, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "amount must be a signed decimal string"})
		return
	}
	if req.Reason == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "adjustments require a reason"})
		return
	}

	tx, err := h.Core.Apply(r.Context(), ledger.ApplyInput{
		InstrumentID: ledger.InstrumentID(chi.URLParam(r, "id")),
		Type:         ledger.TxAdjustment,
		Amount:       ledger.Amount{Value: value},
		Reason:       req.Reason,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.Metrics.Transactions.WithLabelValues(string(ledger.TxAdjustment)).Inc()
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

func (h *Handler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	id := ledger.InstrumentID(chi.URLParam(r, "id"))
	if err := h.Core.SetStatus(r.Context(), id, ledger.Status(req.Status)); err != nil {
		writeDomainError(w, err)
		return
	}

	inst, err := h.Store.GetInstrument(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInstrumentDTO(inst))
}

func (h *Handler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	id := ledger.InstrumentID(chi.URLParam(r, "id"))
	if err := h.Store.MarkDelivered(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	var req SweepRequest
	if r.Body != nil && r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	asOf := time.Now().UTC()
	if req.AsOf != nil {
		asOf = req.AsOf.UTC()
	}

	swept, err := h.Sweeper.Sweep(r.Context(), asOf)
	h.Metrics.Swept.Add(float64(swept))
	if err != nil {
		// Partial sweeps are reported, not hidden: the count is accurate
		// and the error names the instruments left behind.
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, SweepResponse{SweptCount: swept, AsOf: asOf.Format(time.RFC3339)})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// writeDomainError maps ledger errors to HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, ledger.ErrConcurrencyConflict):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Retryable: true})
	case errors.Is(err, ledger.ErrInstrumentNotActive),
		errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrDuplicateIdempotencyKey):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, ledger.ErrValidation),
		errors.Is(err, ledger.ErrCurrencyMismatch),
		errors.Is(err, ledger.ErrRestrictionViolated):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
