package api

import (
	"net/http"

	"github.com/warp/grower-ledger/ledger"
	"github.com/warp/grower-ledger/voids"
)

// =============================================================================
// ADVANCE HANDLERS
// =============================================================================
//
//   GET    /api/advances?grower_id=          List advances
//   POST   /api/advances                     Create advance
//   GET    /api/advances/{id}                Get advance
//   POST   /api/advances/{id}/print|deliver
//   POST   /api/advances/{id}/void           Direct void (no active deductions)
//   GET    /api/advances/{id}/deductions     Deduction history
//   POST   /api/advances/{id}/reverse        Reverse all deductions
//   GET    /api/advances/{id}/void-impact    Dry run of the cascade
//   POST   /api/advances/{id}/void-cascade   Reverse deductions then void
//   POST   /api/advances/{id}/repair         Recompute balance from deductions

func (h *Handler) ListAdvances(w http.ResponseWriter, r *http.Request) {
	growerID, err := queryID(r, "grower_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid grower_id", err)
		return
	}
	list, err := h.advances.List(r.Context(), ledger.AdvanceFilter{GrowerID: ledger.GrowerID(growerID)})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(list))
}

func (h *Handler) CreateAdvance(w http.ResponseWriter, r *http.Request) {
	var req CreateAdvanceRequest
	if !h.decode(w, r, &req) {
		return
	}
	adv, err := h.advances.CreateAdvance(r.Context(), ledger.GrowerID(req.GrowerID), req.Amount, req.Reason, req.Actor)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, adv)
}

func (h *Handler) GetAdvance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	adv, err := h.advances.Get(r.Context(), ledger.AdvanceID(id))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, adv)
}

func (h *Handler) PrintAdvance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req ActorRequest
	if !h.decode(w, r, &req) {
		return
	}
	applied, err := h.advances.Print(r.Context(), ledger.AdvanceID(id), req.Actor)
	h.writeTransition(w, r, id, applied, err, string(ledger.AdvancePrinted))
}

func (h *Handler) DeliverAdvance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req ActorRequest
	if !h.decode(w, r, &req) {
		return
	}
	applied, err := h.advances.Deliver(r.Context(), ledger.AdvanceID(id), req.Actor)
	h.writeTransition(w, r, id, applied, err, string(ledger.AdvanceDelivered))
}

func (h *Handler) VoidAdvance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req ReasonRequest
	if !h.decode(w, r, &req) {
		return
	}
	applied, err := h.advances.Void(r.Context(), ledger.AdvanceID(id), req.Reason, req.Actor)
	h.writeTransition(w, r, id, applied, err, string(ledger.AdvanceVoided))
}

func (h *Handler) ListDeductions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	deds, err := h.advances.Deductions(r.Context(), ledger.AdvanceID(id))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(deds))
}

// ReverseDeductions restores the advance's balance. Reversing an advance
// with no deductions succeeds without changes.
func (h *Handler) ReverseDeductions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req ReasonRequest
	if !h.decode(w, r, &req) {
		return
	}
	applied, err := h.advances.ReverseDeductions(r.Context(), ledger.AdvanceID(id), req.Reason, req.Actor)
	h.writeTransition(w, r, id, applied, err, "")
}

func (h *Handler) AdvanceVoidImpact(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	impact, err := h.voids.AnalyzeAdvanceVoid(r.Context(), ledger.AdvanceID(id))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, impact)
}

func (h *Handler) VoidAdvanceCascade(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req ConfirmedRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.voids.VoidAdvanceWithCascading(r.Context(), voids.VoidAdvanceRequest{
		AdvanceID: ledger.AdvanceID(id),
		Reason:    req.Reason,
		Actor:     req.Actor,
		Confirmed: req.Confirmed,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) RepairAdvance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req ActorRequest
	if !h.decode(w, r, &req) {
		return
	}
	repair, err := h.reconciliation.RepairAdvanceBalance(r.Context(), ledger.AdvanceID(id), req.Actor)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, repair)
}

// =============================================================================
// CONSOLIDATION HANDLERS
// =============================================================================
//
//   POST   /api/consolidations/validate      Dry-run validation
//   POST   /api/consolidations               Generate consolidated cheque
//   GET    /api/consolidations/{id}          Cheque with per-batch shares
//   POST   /api/consolidations/{id}/revert   Revert to Draft and void

func batchIDs(ids []int64) []ledger.BatchID {
	out := make([]ledger.BatchID, len(ids))
	for i, id := range ids {
		out[i] = ledger.BatchID(id)
	}
	return out
}

// ValidateConsolidation always answers 200; an invalid request is reported
// in the result's errors list.
func (h *Handler) ValidateConsolidation(w http.ResponseWriter, r *http.Request) {
	var req ValidateConsolidationRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.consolidation.ValidateConsolidation(r.Context(), ledger.GrowerID(req.GrowerID), batchIDs(req.BatchIDs))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Consolidate(w http.ResponseWriter, r *http.Request) {
	var req ConsolidateRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.consolidation.GenerateConsolidatedCheque(r.Context(), ledger.GrowerID(req.GrowerID),
		batchIDs(req.BatchIDs), req.Amount, req.Actor)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) GetConsolidation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	b, err := h.consolidation.Breakdown(r.Context(), ledger.ChequeID(id))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) RevertConsolidation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req ReasonRequest
	if !h.decode(w, r, &req) {
		return
	}
	reverted, err := h.consolidation.RevertConsolidation(r.Context(), ledger.ChequeID(id), req.Reason, req.Actor)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RevertConsolidationResponse{ChequeID: ledger.ChequeID(id), Reverted: nonNil(reverted)})
}

// =============================================================================
// RECEIPT VOID HANDLERS
// =============================================================================
//
//   GET    /api/receipts/{id}/void-impact    Dry run of the cascade
//   POST   /api/receipts/{id}/void           Void with cascading
//   POST   /api/imports/{id}/void            Void every receipt of an import

func (h *Handler) ReceiptVoidImpact(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	impact, err := h.voids.AnalyzeVoidImpact(r.Context(), ledger.ReceiptID(id))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, impact)
}

func (h *Handler) VoidReceipt(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req ConfirmedRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.voids.VoidReceiptWithCascading(r.Context(), voids.VoidReceiptRequest{
		ReceiptID: ledger.ReceiptID(id),
		Reason:    req.Reason,
		Actor:     req.Actor,
		Confirmed: req.Confirmed,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) VoidImport(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req ConfirmedRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.voids.VoidImportBatch(r.Context(), id, req.Reason, req.Actor, req.Confirmed)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// =============================================================================
// RECONCILIATION HANDLERS
// =============================================================================
//
//   POST   /api/batches/{id}/reconcile       Reconcile one batch
//   GET    /api/batches/{id}/reports         Reports, newest first
//   POST   /api/reconciliation/advances      Advance ledger identity check
//   GET    /api/exceptions                   ?batch_id=&advance_id=&status=&type=
//   POST   /api/exceptions/{id}/resolve      Resolve with notes

func (h *Handler) ReconcileBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req ActorRequest
	if !h.decode(w, r, &req) {
		return
	}
	report, found, err := h.reconciliation.ReconcileBatch(r.Context(), ledger.BatchID(id), req.Actor)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReconcileResponse{Report: report, Exceptions: nonNil(found)})
}

func (h *Handler) ListReports(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	reports, err := h.reconciliation.Reports(r.Context(), ledger.BatchID(id))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(reports))
}

func (h *Handler) CheckAdvances(w http.ResponseWriter, r *http.Request) {
	var req CheckAdvancesRequest
	if !h.decode(w, r, &req) {
		return
	}
	var growerID *ledger.GrowerID
	if req.GrowerID != nil {
		growerID = ledger.Ptr(ledger.GrowerID(*req.GrowerID))
	}
	drifts, err := h.reconciliation.CheckAdvanceLedger(r.Context(), growerID, req.Actor)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(drifts))
}

func (h *Handler) ListExceptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.ExceptionFilter{
		Status: ledger.ExceptionStatus(q.Get("status")),
		Type:   ledger.ExceptionType(q.Get("type")),
	}
	batchID, err := queryID(r, "batch_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid batch_id", err)
		return
	}
	if batchID > 0 {
		filter.BatchID = ledger.Ptr(ledger.BatchID(batchID))
	}
	advanceID, err := queryID(r, "advance_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid advance_id", err)
		return
	}
	if advanceID > 0 {
		filter.AdvanceID = ledger.Ptr(ledger.AdvanceID(advanceID))
	}

	excs, err := h.reconciliation.ListExceptions(r.Context(), filter)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(excs))
}

func (h *Handler) ResolveException(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req ResolveExceptionRequest
	if !h.decode(w, r, &req) {
		return
	}
	applied, err := h.reconciliation.ResolveException(r.Context(), ledger.ExceptionID(id), req.Notes, req.Actor)
	h.writeTransition(w, r, id, applied, err, string(ledger.ExceptionResolved))
}
