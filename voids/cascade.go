/*
cascade.go - Compensating transaction for receipt voids

PURPOSE:
  Voiding a receipt that has already been paid through a batch must undo
  everything downstream of it. The engine first reports the impact of a
  void (a dry run) and then performs the cascade in one transaction.

TWO-STEP PROTOCOL:
  1. AnalyzeVoidImpact(receipt) → VoidImpact
     The impact covers every batch holding a live allocation of the
     receipt. RequiresConfirmation is set when any of them must be
     reverted or a consolidated cheque covers one of them.
  2. VoidReceiptWithCascading(request)
     Refuses with ErrConfirmationRequired unless request.Confirmed is set
     whenever the impact requires confirmation.

CASCADE (one transaction):
  1. Receipt → Voided, void note appended
  2. Consolidated cheques covering the batches are reverted; their other
     source batches go back to Draft
  3. For each batch that is Posted or Finalized:
       batch → Draft, totals cleared, allocations → Pending,
       account entries soft-deleted, schedule locks released,
       advance deductions applied from the batch voided
  4. Generated cheques of the grower in the batches → Voided
  5. The receipt's allocations → Voided

  Any failure rolls back every step.

BLOCKED VOIDS:
  A Processed batch has paid out; its receipts cannot be voided here,
  even when the receipt is also allocated in other batches. A
  consolidated cheque that has been issued blocks the void as well.

SEE ALSO:
  - advance.go: advance void cascade
  - consolidation/engine.go: RevertConsolidation
*/
package voids

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/grower-ledger/advances"
	"github.com/warp/grower-ledger/batches"
	"github.com/warp/grower-ledger/consolidation"
	"github.com/warp/grower-ledger/ledger"
)

type Engine struct {
	store         ledger.Store
	batches       *batches.Engine
	advances      *advances.Ledger
	consolidation *consolidation.Engine
	logger        logrus.FieldLogger
	now           ledger.Clock
}

func New(store ledger.Store, be *batches.Engine, adv *advances.Ledger, ce *consolidation.Engine, logger logrus.FieldLogger) *Engine {
	return &Engine{
		store:         store,
		batches:       be,
		advances:      adv,
		consolidation: ce,
		logger:        logger.WithField("module", "voids"),
		now:           ledger.UTCNow,
	}
}

func (e *Engine) WithClock(clock ledger.Clock) *Engine {
	c := *e
	c.now = clock
	c.batches = e.batches.WithClock(clock)
	c.advances = e.advances.WithClock(clock)
	c.consolidation = e.consolidation.WithClock(clock)
	return &c
}

func (e *Engine) Bind(store ledger.Store) *Engine {
	c := *e
	c.store = store
	c.batches = e.batches.Bind(store)
	c.advances = e.advances.Bind(store)
	c.consolidation = e.consolidation.Bind(store)
	return &c
}

// =============================================================================
// IMPACT ANALYSIS
// =============================================================================

// BatchImpact is one batch the receipt is allocated in.
type BatchImpact struct {
	BatchID     ledger.BatchID     `json:"batch_id"`
	BatchNumber string             `json:"batch_number"`
	BatchStatus ledger.BatchStatus `json:"batch_status"`
	// RequiresReversion is set for Posted and Finalized batches.
	RequiresReversion bool `json:"requires_reversion"`
}

type VoidImpact struct {
	ReceiptID     ledger.ReceiptID `json:"receipt_id"`
	ReceiptNumber string           `json:"receipt_number"`
	GrowerID      ledger.GrowerID  `json:"grower_id"`

	// Batches holds every batch with a live allocation of the receipt, in
	// allocation order.
	Batches []BatchImpact `json:"batches"`

	RequiresReversion    bool   `json:"requires_reversion"`
	RequiresConfirmation bool   `json:"requires_confirmation"`
	Blocked              bool   `json:"blocked"`
	BlockedReason        string `json:"blocked_reason,omitempty"`
	Warning              string `json:"warning,omitempty"`

	AffectedAmount  decimal.Decimal   `json:"affected_amount"`
	AffectedGrowers []ledger.GrowerID `json:"affected_growers"`

	Allocations    int `json:"allocations"`
	AccountEntries int `json:"account_entries"`
	Locks          int `json:"locks"`
	Cheques        int `json:"cheques"`
	Deductions     int `json:"deductions"`

	ConsolidatedCheques []ledger.ChequeID `json:"consolidated_cheques"`
	// LinkedBatches are the other source batches of those cheques. They go
	// back to Draft with the consolidation.
	LinkedBatches []ledger.BatchID `json:"linked_batches"`
}

// AnalyzeVoidImpact reports what voiding the receipt would change. It
// writes nothing.
func (e *Engine) AnalyzeVoidImpact(ctx context.Context, receiptID ledger.ReceiptID) (impact *VoidImpact, err error) {
	ctx, span := ledger.StartSpan(ctx, "voids.AnalyzeVoidImpact", ledger.Attr("receipt_id", receiptID))
	defer func() { ledger.EndSpan(span, err) }()

	return e.analyze(ctx, receiptID)
}

func (e *Engine) analyze(ctx context.Context, receiptID ledger.ReceiptID) (*VoidImpact, error) {
	receipt, err := e.store.GetReceipt(ctx, receiptID)
	if err != nil {
		return nil, err
	}
	if receipt == nil {
		return nil, ledger.NotFound("receipt", receiptID)
	}
	if receipt.Status == ledger.ReceiptVoided {
		return nil, ledger.Conflict("receipt", receiptID, "receipt is already voided")
	}

	impact := &VoidImpact{
		ReceiptID:      receipt.ID,
		ReceiptNumber:  receipt.Number,
		GrowerID:       receipt.GrowerID,
		AffectedAmount: decimal.Zero,
	}

	allocations, err := e.store.AllocationsByReceipt(ctx, receiptID)
	if err != nil {
		return nil, err
	}
	var order []ledger.BatchID
	own := map[ledger.BatchID]decimal.Decimal{}
	for _, a := range allocations {
		if a.Status == ledger.AllocationVoided {
			continue
		}
		impact.Allocations++
		if _, seen := own[a.BatchID]; !seen {
			order = append(order, a.BatchID)
			own[a.BatchID] = decimal.Zero
		}
		own[a.BatchID] = own[a.BatchID].Add(a.Amount)
	}

	growers := map[ledger.GrowerID]bool{receipt.GrowerID: true}
	impact.AffectedGrowers = []ledger.GrowerID{receipt.GrowerID}
	addGrower := func(id ledger.GrowerID) {
		if !growers[id] {
			growers[id] = true
			impact.AffectedGrowers = append(impact.AffectedGrowers, id)
		}
	}

	for _, id := range order {
		batch, err := e.store.GetBatch(ctx, id)
		if err != nil {
			return nil, err
		}
		if batch == nil {
			return nil, ledger.NotFound("batch", id)
		}
		bi := BatchImpact{
			BatchID:           batch.ID,
			BatchNumber:       batch.Number,
			BatchStatus:       batch.Status,
			RequiresReversion: batch.Status == ledger.BatchPosted || batch.Status == ledger.BatchFinalized,
		}
		impact.Batches = append(impact.Batches, bi)

		if batch.Status == ledger.BatchProcessed {
			impact.Blocked = true
			impact.BlockedReason = fmt.Sprintf("batch %s has been processed; issue a correcting entry instead", batch.Number)
			return impact, nil
		}

		cheques, err := e.store.ChequesByBatch(ctx, batch.ID)
		if err != nil {
			return nil, err
		}
		for _, c := range cheques {
			if c.Status == ledger.ChequeGenerated && c.GrowerID == receipt.GrowerID {
				impact.Cheques++
			}
		}

		if !bi.RequiresReversion {
			impact.AffectedAmount = impact.AffectedAmount.Add(own[batch.ID])
			continue
		}
		impact.RequiresReversion = true

		allocs, err := e.store.AllocationsByBatch(ctx, batch.ID)
		if err != nil {
			return nil, err
		}
		summary := batches.Summarize(allocs)
		impact.AffectedAmount = impact.AffectedAmount.Add(summary.Amount)
		for _, g := range summary.ByGrower {
			addGrower(g.GrowerID)
		}

		entries, err := e.store.AccountEntriesByBatch(ctx, batch.ID)
		if err != nil {
			return nil, err
		}
		locks, err := e.store.LocksByBatch(ctx, batch.ID)
		if err != nil {
			return nil, err
		}
		deductions, err := e.store.DeductionsByBatch(ctx, batch.ID)
		if err != nil {
			return nil, err
		}
		impact.AccountEntries += len(entries)
		impact.Locks += len(locks)
		for _, d := range deductions {
			if d.Active() {
				impact.Deductions++
			}
		}
	}

	if err := e.consolidationImpact(ctx, impact); err != nil {
		return nil, err
	}
	if impact.Blocked {
		return impact, nil
	}

	impact.RequiresConfirmation = impact.RequiresReversion || len(impact.ConsolidatedCheques) > 0
	if impact.RequiresConfirmation {
		impact.Warning = impactWarning(impact)
	}
	return impact, nil
}

// consolidationImpact finds the live consolidated cheques covering any of
// the impact's batches. All of them are reverted, whichever grower they
// pay, because a batch cannot stay Finalized once it is reverted.
func (e *Engine) consolidationImpact(ctx context.Context, impact *VoidImpact) error {
	own := map[ledger.BatchID]bool{}
	for _, b := range impact.Batches {
		own[b.BatchID] = true
	}
	seen := map[ledger.ChequeID]bool{}
	linked := map[ledger.BatchID]bool{}
	for _, b := range impact.Batches {
		shares, err := e.store.ConsolidationsByBatch(ctx, b.BatchID)
		if err != nil {
			return err
		}
		for _, s := range shares {
			if seen[s.ChequeID] {
				continue
			}
			seen[s.ChequeID] = true
			cheque, err := e.store.GetCheque(ctx, s.ChequeID)
			if err != nil {
				return err
			}
			if cheque == nil || cheque.Status == ledger.ChequeVoided {
				continue
			}
			if cheque.Status != ledger.ChequeGenerated && cheque.Status != ledger.ChequePrinted {
				impact.Blocked = true
				impact.BlockedReason = fmt.Sprintf("consolidated cheque %s is %s", cheque.Number, cheque.Status)
				return nil
			}
			impact.ConsolidatedCheques = append(impact.ConsolidatedCheques, cheque.ID)

			sources, err := e.store.ConsolidationsByCheque(ctx, cheque.ID)
			if err != nil {
				return err
			}
			for _, src := range sources {
				if !own[src.BatchID] && !linked[src.BatchID] {
					linked[src.BatchID] = true
					impact.LinkedBatches = append(impact.LinkedBatches, src.BatchID)
				}
			}
		}
	}
	return nil
}

func impactWarning(i *VoidImpact) string {
	var parts []string
	for _, b := range i.Batches {
		if b.RequiresReversion {
			parts = append(parts, fmt.Sprintf("batch %s is %s and will be reverted to Draft", b.BatchNumber, b.BatchStatus))
		}
	}
	if i.RequiresReversion {
		parts = append(parts, fmt.Sprintf("affecting %d grower(s) and %s", len(i.AffectedGrowers), i.AffectedAmount.StringFixed(2)))
	}
	if n := len(i.ConsolidatedCheques); n > 0 {
		parts = append(parts, fmt.Sprintf("%d consolidated cheque(s) will be voided and %d linked batch(es) reverted",
			n, len(i.LinkedBatches)))
	}
	return strings.Join(parts, "; ")
}

// =============================================================================
// CASCADE
// =============================================================================

type VoidReceiptRequest struct {
	ReceiptID ledger.ReceiptID
	Reason    string
	Actor     string
	Confirmed bool
}

type VoidResult struct {
	Impact                 VoidImpact        `json:"impact"`
	BatchReverted          bool              `json:"batch_reverted"`
	BatchesReverted        []ledger.BatchID  `json:"batches_reverted"`
	LocksReleased          int64             `json:"locks_released"`
	DeductionsRestored     decimal.Decimal   `json:"deductions_restored"`
	ChequesVoided          int               `json:"cheques_voided"`
	ConsolidationsReverted []ledger.ChequeID `json:"consolidations_reverted"`
	AllocationsVoided      int64             `json:"allocations_voided"`
}

// VoidReceiptWithCascading voids the receipt and everything downstream of
// it in one transaction.
func (e *Engine) VoidReceiptWithCascading(ctx context.Context, req VoidReceiptRequest) (res *VoidResult, err error) {
	ctx, span := ledger.StartSpan(ctx, "voids.VoidReceiptWithCascading", ledger.Attr("receipt_id", req.ReceiptID))
	defer func() { ledger.EndSpan(span, err) }()

	if req.Actor == "" {
		return nil, ledger.Invalid("actor", "required")
	}

	err = e.store.WithTx(ctx, func(tx ledger.Store) error {
		res, err = e.Bind(tx).cascade(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.audit(ctx, req.Actor, ledger.AuditReceiptVoided, "receipt", int64(req.ReceiptID), map[string]any{
		"reason":         req.Reason,
		"batch_reverted": res.BatchReverted,
		"cheques_voided": res.ChequesVoided,
	})
	e.logger.WithFields(logrus.Fields{
		"op": "VoidReceiptWithCascading", "receipt_id": req.ReceiptID,
		"batch_reverted": res.BatchReverted, "consolidations": len(res.ConsolidationsReverted),
	}).Info("receipt voided")
	return res, nil
}

// cascade runs on a transaction-bound engine.
func (e *Engine) cascade(ctx context.Context, req VoidReceiptRequest) (*VoidResult, error) {
	impact, err := e.analyze(ctx, req.ReceiptID)
	if err != nil {
		return nil, err
	}
	if impact.Blocked {
		return nil, ledger.Conflict("receipt", req.ReceiptID, "%s", impact.BlockedReason)
	}
	if impact.RequiresConfirmation && !req.Confirmed {
		return nil, fmt.Errorf("%w: %s", ledger.ErrConfirmationRequired, impact.Warning)
	}

	now := e.now()
	res := &VoidResult{Impact: *impact, DeductionsRestored: decimal.Zero}

	note := fmt.Sprintf("Voided %s by %s", now.Format("2006-01-02 15:04"), req.Actor)
	if req.Reason != "" {
		note += ": " + req.Reason
	}
	ok, err := e.store.TransitionReceipt(ctx, ledger.ReceiptTransition{
		ID:     req.ReceiptID,
		From:   []ledger.ReceiptStatus{ledger.ReceiptActive},
		To:     ledger.ReceiptVoided,
		Actor:  req.Actor,
		Reason: note,
		At:     now,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ledger.Conflict("receipt", req.ReceiptID, "receipt changed state during void")
	}

	for _, chequeID := range impact.ConsolidatedCheques {
		if _, err := e.consolidation.RevertConsolidation(ctx, chequeID, "receipt "+impact.ReceiptNumber+" voided", req.Actor); err != nil {
			return nil, err
		}
		res.ConsolidationsReverted = append(res.ConsolidationsReverted, chequeID)
	}

	for _, b := range impact.Batches {
		if b.RequiresReversion {
			batch, err := e.store.GetBatch(ctx, b.BatchID)
			if err != nil {
				return nil, err
			}
			if batch.Status != ledger.BatchDraft {
				ok, err := e.batches.RevertToDraft(ctx, b.BatchID, []ledger.BatchStatus{ledger.BatchPosted, ledger.BatchFinalized}, req.Actor)
				if err != nil {
					return nil, err
				}
				if !ok {
					return nil, ledger.Conflict("batch", b.BatchID, "batch changed state during void")
				}
			}
			res.BatchReverted = true
			res.BatchesReverted = append(res.BatchesReverted, b.BatchID)

			released, err := e.store.ReleaseLocks(ctx, b.BatchID, req.Actor, now)
			if err != nil {
				return nil, err
			}
			res.LocksReleased += released
			restored, err := e.advances.VoidBatchDeductions(ctx, b.BatchID, req.Reason, req.Actor)
			if err != nil {
				return nil, err
			}
			res.DeductionsRestored = res.DeductionsRestored.Add(restored)
		}

		grower := impact.GrowerID
		voided, err := batches.VoidGeneratedCheques(ctx, e.store, b.BatchID, &grower, req.Reason, req.Actor, now)
		if err != nil {
			return nil, err
		}
		res.ChequesVoided += voided
	}

	if res.AllocationsVoided, err = e.store.VoidAllocationsForReceipt(ctx, req.ReceiptID); err != nil {
		return nil, err
	}
	return res, nil
}

// =============================================================================
// IMPORT BATCHES
// =============================================================================

type ImportVoidResult struct {
	ImportBatchID int64        `json:"import_batch_id"`
	Receipts      []VoidResult `json:"receipts"`
	Skipped       int          `json:"skipped"`
}

// VoidImportBatch voids every active receipt of an import batch with
// cascading, all in one transaction. confirmed acknowledges the impact of
// every receipt.
func (e *Engine) VoidImportBatch(ctx context.Context, importBatchID int64, reason, actor string, confirmed bool) (res *ImportVoidResult, err error) {
	ctx, span := ledger.StartSpan(ctx, "voids.VoidImportBatch", ledger.Attr("import_batch_id", importBatchID))
	defer func() { ledger.EndSpan(span, err) }()

	if actor == "" {
		return nil, ledger.Invalid("actor", "required")
	}

	err = e.store.WithTx(ctx, func(tx ledger.Store) error {
		bound := e.Bind(tx)
		res = &ImportVoidResult{ImportBatchID: importBatchID}

		receipts, err := tx.ReceiptsByImportBatch(ctx, importBatchID)
		if err != nil {
			return err
		}
		if len(receipts) == 0 {
			return ledger.NotFound("import batch", importBatchID)
		}
		for _, r := range receipts {
			if r.Status != ledger.ReceiptActive {
				res.Skipped++
				continue
			}
			vr, err := bound.cascade(ctx, VoidReceiptRequest{ReceiptID: r.ID, Reason: reason, Actor: actor, Confirmed: confirmed})
			if err != nil {
				return fmt.Errorf("receipt %s: %w", r.Number, err)
			}
			res.Receipts = append(res.Receipts, *vr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, r := range res.Receipts {
		e.audit(ctx, actor, ledger.AuditReceiptVoided, "receipt", int64(r.Impact.ReceiptID), map[string]any{
			"reason": reason, "import_batch_id": importBatchID, "batch_reverted": r.BatchReverted,
		})
	}
	e.logger.WithFields(logrus.Fields{
		"op": "VoidImportBatch", "import_batch_id": importBatchID, "voided": len(res.Receipts), "skipped": res.Skipped,
	}).Info("import batch voided")
	return res, nil
}

func (e *Engine) audit(ctx context.Context, actor string, action ledger.AuditAction, entity string, id int64, details map[string]any) {
	ledger.Audit(ctx, e.store, e.logger, ledger.AuditEntry{
		Timestamp:  e.now(),
		Actor:      actor,
		Action:     action,
		EntityType: entity,
		EntityID:   id,
		Details:    details,
	})
}
