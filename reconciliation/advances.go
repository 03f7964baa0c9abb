package reconciliation

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/grower-ledger/advances"
	"github.com/warp/grower-ledger/ledger"
)

// =============================================================================
// ADVANCE LEDGER IDENTITY
// =============================================================================
//
// For every advance:
//
//	Current       == Original - Σ active deductions
//	TotalDeducted == Σ active deductions
//
// Both sides are compared within ledger.Tolerance. A violation is drift. It is recorded as an AdvanceBalanceDrift exception
// and repaired by recomputing both balances from the deduction rows.

type AdvanceDrift struct {
	AdvanceID        ledger.AdvanceID        `json:"advance_id"`
	AdvanceNumber    string                  `json:"advance_number"`
	GrowerID         ledger.GrowerID         `json:"grower_id"`
	Current          decimal.Decimal         `json:"current"`
	ExpectedCurrent  decimal.Decimal         `json:"expected_current"`
	TotalDeducted    decimal.Decimal         `json:"total_deducted"`
	ExpectedDeducted decimal.Decimal         `json:"expected_deducted"`
	Exception        ledger.PaymentException `json:"exception"`
}

func activeSum(deductions []ledger.AdvanceDeduction) decimal.Decimal {
	sum := decimal.Zero
	for _, d := range deductions {
		if d.Active() {
			sum = sum.Add(d.Amount)
		}
	}
	return sum
}

// CheckAdvanceLedger verifies the identity for every advance, or only the
// grower's when growerID is set, and records an exception per drifted
// advance.
func (e *Engine) CheckAdvanceLedger(ctx context.Context, growerID *ledger.GrowerID, actor string) (drifts []AdvanceDrift, err error) {
	ctx, span := ledger.StartSpan(ctx, "reconciliation.CheckAdvanceLedger")
	defer func() { ledger.EndSpan(span, err) }()

	if actor == "" {
		return nil, ledger.Invalid("actor", "required")
	}

	var filter ledger.AdvanceFilter
	if growerID != nil {
		filter.GrowerID = *growerID
	}
	all, err := e.store.ListAdvances(ctx, filter)
	if err != nil {
		return nil, err
	}

	now := e.now()
	for _, adv := range all {
		deductions, err := e.store.DeductionsByAdvance(ctx, adv.ID)
		if err != nil {
			return nil, err
		}
		expected := advances.ExpectedCurrent(adv, deductions)
		deducted := activeSum(deductions)
		if ledger.Balanced(adv.CurrentAmount, expected) && ledger.Balanced(adv.TotalDeducted, deducted) {
			continue
		}
		drifts = append(drifts, AdvanceDrift{
			AdvanceID:        adv.ID,
			AdvanceNumber:    adv.Number,
			GrowerID:         adv.GrowerID,
			Current:          adv.CurrentAmount,
			ExpectedCurrent:  expected,
			TotalDeducted:    adv.TotalDeducted,
			ExpectedDeducted: deducted,
			Exception: ledger.PaymentException{
				Type:           ledger.ExceptionAdvanceBalanceDrift,
				GrowerID:       ledger.Ptr(adv.GrowerID),
				AdvanceID:      ledger.Ptr(adv.ID),
				ExpectedAmount: expected,
				ActualAmount:   adv.CurrentAmount,
				Description: fmt.Sprintf("advance %s balance %s (deducted %s), deductions imply %s (deducted %s)",
					adv.Number, adv.CurrentAmount, adv.TotalDeducted, expected, deducted),
				Status:     ledger.ExceptionOpen,
				DetectedAt: now,
			},
		})
	}
	if len(drifts) == 0 {
		return nil, nil
	}

	err = e.store.WithTx(ctx, func(tx ledger.Store) error {
		open, err := tx.ListExceptions(ctx, ledger.ExceptionFilter{
			Type: ledger.ExceptionAdvanceBalanceDrift, Status: ledger.ExceptionOpen,
		})
		if err != nil {
			return err
		}
		for i := range drifts {
			if existing, ok := matchOpen(open, drifts[i].Exception); ok {
				drifts[i].Exception = existing
				continue
			}
			if err := tx.CreateException(ctx, &drifts[i].Exception); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{"op": "CheckAdvanceLedger", "drifted": len(drifts)}).Warn("advance ledger drift detected")
	return drifts, nil
}

type AdvanceRepair struct {
	Advance  ledger.AdvanceCheque `json:"advance"`
	Before   decimal.Decimal      `json:"before"`
	After    decimal.Decimal      `json:"after"`
	Resolved int                  `json:"resolved"`
}

// RepairAdvanceBalance recomputes the advance's balances from its
// deductions and resolves its open drift exceptions, in one transaction.
func (e *Engine) RepairAdvanceBalance(ctx context.Context, advanceID ledger.AdvanceID, actor string) (repair *AdvanceRepair, err error) {
	ctx, span := ledger.StartSpan(ctx, "reconciliation.RepairAdvanceBalance", ledger.Attr("advance_id", advanceID))
	defer func() { ledger.EndSpan(span, err) }()

	if actor == "" {
		return nil, ledger.Invalid("actor", "required")
	}

	err = e.store.WithTx(ctx, func(tx ledger.Store) error {
		adv, err := tx.GetAdvance(ctx, advanceID)
		if err != nil {
			return err
		}
		if adv == nil || adv.IsDeleted {
			return ledger.NotFound("advance", advanceID)
		}
		deductions, err := tx.DeductionsByAdvance(ctx, advanceID)
		if err != nil {
			return err
		}

		now := e.now()
		expected := advances.ExpectedCurrent(*adv, deductions)
		repair = &AdvanceRepair{Before: adv.CurrentAmount, After: expected}

		if !ledger.Balanced(adv.CurrentAmount, expected) || !ledger.Balanced(adv.TotalDeducted, activeSum(deductions)) {
			ok, err := tx.UpdateAdvanceBalance(ctx, ledger.AdvanceBalanceUpdate{
				ID:                  advanceID,
				ExpectedCurrent:     adv.CurrentAmount,
				Current:             expected,
				TotalDeducted:       activeSum(deductions),
				DeductedAt:          adv.DeductedAt,
				DeductedBy:          adv.DeductedBy,
				DeductedFromBatchID: adv.DeductedFromBatchID,
			})
			if err != nil {
				return err
			}
			if !ok {
				return ledger.Conflict("advance", advanceID, "balance changed concurrently")
			}
		}

		open, err := tx.ListExceptions(ctx, ledger.ExceptionFilter{
			AdvanceID: &advanceID, Type: ledger.ExceptionAdvanceBalanceDrift, Status: ledger.ExceptionOpen,
		})
		if err != nil {
			return err
		}
		for _, exc := range open {
			ok, err := tx.ResolveException(ctx, exc.ID, "balance recomputed from deductions", actor, now)
			if err != nil {
				return err
			}
			if ok {
				repair.Resolved++
			}
		}

		fresh, err := tx.GetAdvance(ctx, advanceID)
		if err != nil {
			return err
		}
		repair.Advance = *fresh
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.audit(ctx, actor, ledger.AuditAdvanceBalanceRepair, "advance", int64(advanceID), map[string]any{
		"before": repair.Before.StringFixed(2), "after": repair.After.StringFixed(2), "resolved": repair.Resolved,
	})
	e.logger.WithFields(logrus.Fields{
		"op": "RepairAdvanceBalance", "advance_id": advanceID,
		"before": repair.Before.StringFixed(2), "after": repair.After.StringFixed(2),
	}).Info("advance balance repaired")
	return repair, nil
}
