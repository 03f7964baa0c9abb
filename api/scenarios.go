/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate the database with realistic
  ledger data. Each scenario goes through the engines, so the seeded state
  carries the same audit trail and balances a real run would.

AVAILABLE SCENARIOS:
  advance-lifecycle:  Delivered advance partly recovered from a posted batch
  consolidation:      Two draft batches paid by one consolidated cheque
  cascading-void:     Receipt in a posted batch with locks and a deduction,
                      ready for a void impact analysis

HOW SCENARIOS WORK:
  1. Reset database (clear all data)
  2. Create payment types, growers and receipts
  3. Create batches and record allocations
  4. Drive advances and batches through their lifecycle

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "consolidation"}

NOTE:
  Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Engines used by the loaders
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/grower-ledger/batches"
	"github.com/warp/grower-ledger/ledger"
)

const scenarioActor = "scenario-loader"

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "advance-lifecycle",
		Name:        "Advance Lifecycle",
		Description: "Delivered advance of 500.00 with 300.00 recovered from a posted batch",
	},
	{
		ID:          "consolidation",
		Name:        "Consolidated Cheque",
		Description: "Two draft batches for one grower paid by a single cheque of 1000.00",
	},
	{
		ID:          "cascading-void",
		Name:        "Cascading Void",
		Description: "Posted batch with schedule locks and an advance deduction, ready to void a receipt",
	},
}

type scenarioLoader func(ctx context.Context, res *ScenarioResult) error

func (h *Handler) loaders() map[string]scenarioLoader {
	return map[string]scenarioLoader{
		"advance-lifecycle": h.loadAdvanceLifecycleScenario,
		"consolidation":     h.loadConsolidationScenario,
		"cascading-void":    h.loadCascadingVoidScenario,
	}
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, or null.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	load, ok := h.loaders()[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}

	res := &ScenarioResult{}
	for _, s := range scenarios {
		if s.ID == req.ScenarioID {
			res.Scenario = s
		}
	}
	if err := load(ctx, res); err != nil {
		h.logger.WithField("scenario", req.ScenarioID).WithError(err).Error("scenario load failed")
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}
	h.currentScenario = req.ScenarioID

	h.logger.WithField("scenario", req.ScenarioID).Info("scenario loaded")
	writeJSON(w, http.StatusOK, res)
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// reset clears the store and the payment type cache. Callers hold h.mu.
func (h *Handler) reset(ctx context.Context) error {
	pts, err := h.store.ListPaymentTypes(ctx)
	if err != nil {
		return err
	}
	if err := h.store.Reset(ctx); err != nil {
		return err
	}
	h.currentScenario = ""
	for _, pt := range pts {
		if err := h.paymentTypes.Invalidate(ctx, pt.ID); err != nil {
			h.logger.WithError(err).WithField("payment_type_id", pt.ID).Warn("payment type cache invalidation failed")
		}
	}
	return nil
}

// =============================================================================
// SEED HELPERS
// =============================================================================

func (h *Handler) seedPaymentType(ctx context.Context, code, description string) (ledger.PaymentType, error) {
	pt := ledger.PaymentType{Code: code, Description: description, Active: true}
	err := h.store.CreatePaymentType(ctx, &pt)
	return pt, err
}

func (h *Handler) seedGrower(ctx context.Context, res *ScenarioResult, number, name string, electronic bool) (ledger.Grower, error) {
	g := ledger.Grower{Number: number, Name: name, PaysElectronically: electronic, CreatedAt: h.now()}
	if err := h.store.CreateGrower(ctx, &g); err != nil {
		return g, err
	}
	res.Growers = append(res.Growers, g.ID)
	return g, nil
}

// seedAllocation records a receipt for the grower and allocates all of it
// to the batch.
func (h *Handler) seedAllocation(ctx context.Context, res *ScenarioResult, batchID ledger.BatchID, growerID ledger.GrowerID,
	number, amount string, importBatchID int64, schedule ledger.PriceScheduleID) error {
	rec := ledger.Receipt{
		Number:        number,
		GrowerID:      growerID,
		ImportBatchID: importBatchID,
		ReceiptDate:   h.now().Truncate(24 * time.Hour),
		Amount:        decimal.RequireFromString(amount),
		Status:        ledger.ReceiptActive,
		CreatedAt:     h.now(),
	}
	if err := h.store.CreateReceipt(ctx, &rec); err != nil {
		return err
	}
	res.Receipts = append(res.Receipts, rec.ID)

	_, err := h.batches.RecordAllocation(ctx, batches.AllocationInput{
		BatchID:         batchID,
		GrowerID:        growerID,
		ReceiptID:       rec.ID,
		PriceScheduleID: schedule,
		Amount:          rec.Amount,
	})
	return err
}

func (h *Handler) seedBatch(ctx context.Context, res *ScenarioResult, pt ledger.PaymentType, notes string) (*ledger.PaymentBatch, error) {
	b, err := h.batches.CreateBatch(ctx, pt.ID, h.now().Truncate(24*time.Hour), notes, scenarioActor)
	if err != nil {
		return nil, err
	}
	res.Batches = append(res.Batches, b.ID)
	return b, nil
}

// seedDeliveredAdvance creates an advance and walks it to Delivered.
func (h *Handler) seedDeliveredAdvance(ctx context.Context, res *ScenarioResult, growerID ledger.GrowerID, amount, reason string) (*ledger.AdvanceCheque, error) {
	adv, err := h.advances.CreateAdvance(ctx, growerID, decimal.RequireFromString(amount), reason, scenarioActor)
	if err != nil {
		return nil, err
	}
	if _, err := h.advances.Print(ctx, adv.ID, scenarioActor); err != nil {
		return nil, err
	}
	if _, err := h.advances.Deliver(ctx, adv.ID, scenarioActor); err != nil {
		return nil, err
	}
	res.Advances = append(res.Advances, adv.ID)
	return adv, nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadAdvanceLifecycleScenario(ctx context.Context, res *ScenarioResult) error {
	pt, err := h.seedPaymentType(ctx, "FIN", "Final payment")
	if err != nil {
		return err
	}
	g, err := h.seedGrower(ctx, res, "G-1001", "Okanagan Orchards", false)
	if err != nil {
		return err
	}
	if _, err := h.seedDeliveredAdvance(ctx, res, g.ID, "500.00", "Spring input costs"); err != nil {
		return err
	}

	b, err := h.seedBatch(ctx, res, pt, "Final payment run")
	if err != nil {
		return err
	}
	if err := h.seedAllocation(ctx, res, b.ID, g.ID, "R-1001", "300.00", 1, 1); err != nil {
		return err
	}
	deducted, err := h.advances.ApplyDeductions(ctx, g.ID, b.ID, decimal.RequireFromString("300.00"), scenarioActor)
	if err != nil {
		return err
	}
	if _, err := h.batches.Post(ctx, b.ID, scenarioActor); err != nil {
		return err
	}

	res.Notes = append(res.Notes,
		fmt.Sprintf("deducted %s from the advance, 200.00 remains outstanding", deducted.StringFixed(2)),
		"void the advance through /void-cascade to see the deduction reversed first")
	return nil
}

func (h *Handler) loadConsolidationScenario(ctx context.Context, res *ScenarioResult) error {
	pt, err := h.seedPaymentType(ctx, "ADV", "Advance payment")
	if err != nil {
		return err
	}
	g, err := h.seedGrower(ctx, res, "G-2001", "Fraser Valley Berries", false)
	if err != nil {
		return err
	}

	var ids []ledger.BatchID
	for i, amount := range []string{"400.00", "600.00"} {
		b, err := h.seedBatch(ctx, res, pt, fmt.Sprintf("Advance run %d", i+1))
		if err != nil {
			return err
		}
		if err := h.seedAllocation(ctx, res, b.ID, g.ID, fmt.Sprintf("R-200%d", i+1), amount, 2, ledger.PriceScheduleID(i+1)); err != nil {
			return err
		}
		ids = append(ids, b.ID)
	}

	out, err := h.consolidation.GenerateConsolidatedCheque(ctx, g.ID, ids, decimal.RequireFromString("1000.00"), scenarioActor)
	if err != nil {
		return err
	}
	res.Cheques = append(res.Cheques, out.Cheque.ID)
	res.Notes = append(res.Notes, fmt.Sprintf("cheque %s covers %d batches", out.Cheque.Number, len(out.Shares)))
	res.Notes = append(res.Notes, out.Warnings...)
	return nil
}

func (h *Handler) loadCascadingVoidScenario(ctx context.Context, res *ScenarioResult) error {
	pt, err := h.seedPaymentType(ctx, "FIN", "Final payment")
	if err != nil {
		return err
	}
	first, err := h.seedGrower(ctx, res, "G-3001", "Similkameen Farms", true)
	if err != nil {
		return err
	}
	second, err := h.seedGrower(ctx, res, "G-3002", "Kootenay Growers", false)
	if err != nil {
		return err
	}
	if _, err := h.seedDeliveredAdvance(ctx, res, first.ID, "150.00", "Harvest labour"); err != nil {
		return err
	}

	b, err := h.seedBatch(ctx, res, pt, "Final payment run")
	if err != nil {
		return err
	}
	if err := h.seedAllocation(ctx, res, b.ID, first.ID, "R-3001", "820.50", 3, 7); err != nil {
		return err
	}
	if err := h.seedAllocation(ctx, res, b.ID, second.ID, "R-3002", "410.25", 3, 8); err != nil {
		return err
	}
	if _, err := h.batches.AcquireScheduleLocks(ctx, b.ID, []batches.LockRequest{
		{PriceScheduleID: 7, PaymentTypeID: pt.ID},
		{PriceScheduleID: 8, PaymentTypeID: pt.ID},
	}, scenarioActor); err != nil {
		return err
	}
	if _, err := h.advances.ApplyDeductions(ctx, first.ID, b.ID, decimal.RequireFromString("820.50"), scenarioActor); err != nil {
		return err
	}
	if _, err := h.batches.Post(ctx, b.ID, scenarioActor); err != nil {
		return err
	}

	res.Notes = append(res.Notes,
		fmt.Sprintf("GET /api/receipts/%d/void-impact to preview the cascade", res.Receipts[0]),
		"import batch 3 holds both receipts and can be voided as a whole")
	return nil
}
