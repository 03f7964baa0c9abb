package voids

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/grower-ledger/ledger"
)

// =============================================================================
// ADVANCE VOIDS
// =============================================================================
//
// An advance with active deductions cannot be voided directly. The cascade
// reverses its deductions first and then voids it, in one transaction.
// Delivered advances are settled through deductions and never voided.

type AdvanceVoidImpact struct {
	AdvanceID            ledger.AdvanceID     `json:"advance_id"`
	AdvanceNumber        string               `json:"advance_number"`
	GrowerID             ledger.GrowerID      `json:"grower_id"`
	Status               ledger.AdvanceStatus `json:"status"`
	Deductions           int                  `json:"deductions"`
	DeductedAmount       decimal.Decimal      `json:"deducted_amount"`
	AffectedBatches      []ledger.BatchID     `json:"affected_batches"`
	RequiresConfirmation bool                 `json:"requires_confirmation"`
	Blocked              bool                 `json:"blocked"`
	BlockedReason        string               `json:"blocked_reason,omitempty"`
	Warning              string               `json:"warning,omitempty"`
}

func (e *Engine) AnalyzeAdvanceVoid(ctx context.Context, advanceID ledger.AdvanceID) (impact *AdvanceVoidImpact, err error) {
	ctx, span := ledger.StartSpan(ctx, "voids.AnalyzeAdvanceVoid", ledger.Attr("advance_id", advanceID))
	defer func() { ledger.EndSpan(span, err) }()

	return e.analyzeAdvance(ctx, advanceID)
}

func (e *Engine) analyzeAdvance(ctx context.Context, advanceID ledger.AdvanceID) (*AdvanceVoidImpact, error) {
	adv, err := e.advances.Get(ctx, advanceID)
	if err != nil {
		return nil, err
	}
	if adv.Status == ledger.AdvanceVoided {
		return nil, ledger.Conflict("advance", advanceID, "advance is already voided")
	}

	impact := &AdvanceVoidImpact{
		AdvanceID:      adv.ID,
		AdvanceNumber:  adv.Number,
		GrowerID:       adv.GrowerID,
		Status:         adv.Status,
		DeductedAmount: decimal.Zero,
	}
	if adv.Status == ledger.AdvanceDelivered {
		impact.Blocked = true
		impact.BlockedReason = fmt.Sprintf("advance %s has been delivered and can only be settled through deductions", adv.Number)
		return impact, nil
	}

	deductions, err := e.advances.Deductions(ctx, advanceID)
	if err != nil {
		return nil, err
	}
	seen := map[ledger.BatchID]bool{}
	for _, d := range deductions {
		if !d.Active() {
			continue
		}
		impact.Deductions++
		impact.DeductedAmount = impact.DeductedAmount.Add(d.Amount)
		if !seen[d.BatchID] {
			seen[d.BatchID] = true
			impact.AffectedBatches = append(impact.AffectedBatches, d.BatchID)
		}
	}

	impact.RequiresConfirmation = impact.Deductions > 0
	if impact.RequiresConfirmation {
		impact.Warning = fmt.Sprintf("%d deduction(s) totalling %s across %d batch(es) will be reversed",
			impact.Deductions, impact.DeductedAmount.StringFixed(2), len(impact.AffectedBatches))
	}
	return impact, nil
}

type VoidAdvanceRequest struct {
	AdvanceID ledger.AdvanceID
	Reason    string
	Actor     string
	Confirmed bool
}

type AdvanceVoidResult struct {
	Impact             AdvanceVoidImpact `json:"impact"`
	DeductionsReversed bool              `json:"deductions_reversed"`
}

// VoidAdvanceWithCascading reverses the advance's deductions and voids it.
func (e *Engine) VoidAdvanceWithCascading(ctx context.Context, req VoidAdvanceRequest) (res *AdvanceVoidResult, err error) {
	ctx, span := ledger.StartSpan(ctx, "voids.VoidAdvanceWithCascading", ledger.Attr("advance_id", req.AdvanceID))
	defer func() { ledger.EndSpan(span, err) }()

	if req.Actor == "" {
		return nil, ledger.Invalid("actor", "required")
	}

	err = e.store.WithTx(ctx, func(tx ledger.Store) error {
		bound := e.Bind(tx)

		impact, err := bound.analyzeAdvance(ctx, req.AdvanceID)
		if err != nil {
			return err
		}
		if impact.Blocked {
			return ledger.Conflict("advance", req.AdvanceID, "%s", impact.BlockedReason)
		}
		if impact.RequiresConfirmation && !req.Confirmed {
			return fmt.Errorf("%w: %s", ledger.ErrConfirmationRequired, impact.Warning)
		}

		res = &AdvanceVoidResult{Impact: *impact}
		if impact.Deductions > 0 {
			if _, err := bound.advances.ReverseDeductions(ctx, req.AdvanceID, req.Reason, req.Actor); err != nil {
				return err
			}
			res.DeductionsReversed = true
		}

		ok, err := bound.advances.Void(ctx, req.AdvanceID, req.Reason, req.Actor)
		if err != nil {
			return err
		}
		if !ok {
			return ledger.Conflict("advance", req.AdvanceID, "advance changed state during void")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"op": "VoidAdvanceWithCascading", "advance_id": req.AdvanceID, "deductions_reversed": res.DeductionsReversed,
	}).Info("advance voided")
	return res, nil
}
