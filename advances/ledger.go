/*
ledger.go - Advance cheque lifecycle and the deduction algorithm

PURPOSE:
  An advance is money paid to a grower ahead of settlement. Payment batches
  later recover it through deductions. This ledger owns both the advance
  state machine and the arithmetic that keeps balances consistent.

STATES:
  Generated -> Printed -> Delivered
  Generated | Printed -> Voided

  A delivered advance is never voided; it is settled through deductions.
  Transitions are conditional UPDATEs. A transition that matches no row
  returns (false, nil).

INVARIANT:
  CurrentAmount == OriginalAmount - Σ(active deductions)

  Every mutation of CurrentAmount is a compare-and-swap on the balance the
  ledger read inside the same transaction. A lost race rolls back.

DEDUCTION ALGORITHM (ApplyDeductions):
  1. Load outstanding advances (Printed or Delivered, balance > 0), oldest
     advance date first.
  2. For each, deduct min(remaining payment, balance) and write one
     deduction row.
  3. Stop when the payment is exhausted.

  One transaction; a failure leaves no deduction rows and no balance change.

REVERSAL:
  ReverseDeductions deletes every deduction row of an advance and restores
  its balance. The status never changes: deduction and cheque lifecycle are
  orthogonal. VoidBatchDeductions soft-voids the deductions a batch applied
  and restores the affected balances.

SEE ALSO:
  - voids/cascade.go: advance void cascade
  - reconciliation/advances.go: ledger identity check
*/
package advances

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/grower-ledger/ledger"
)

const entityAdvance = "advance"

// Ledger operates on advance cheques and their deductions.
type Ledger struct {
	store  ledger.Store
	logger logrus.FieldLogger
	now    ledger.Clock
}

func New(store ledger.Store, logger logrus.FieldLogger) *Ledger {
	return &Ledger{
		store:  store,
		logger: logger.WithField("module", "advances"),
		now:    ledger.UTCNow,
	}
}

// WithClock returns a copy of the ledger using clock.
func (l *Ledger) WithClock(clock ledger.Clock) *Ledger {
	c := *l
	c.now = clock
	return &c
}

// Bind returns a copy of the ledger operating on store, typically a
// transaction-bound store handed out by WithTx.
func (l *Ledger) Bind(store ledger.Store) *Ledger {
	c := *l
	c.store = store
	return &c
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func (l *Ledger) CreateAdvance(ctx context.Context, growerID ledger.GrowerID, amount decimal.Decimal, reason, actor string) (adv *ledger.AdvanceCheque, err error) {
	ctx, span := ledger.StartSpan(ctx, "advances.CreateAdvance", ledger.Attr("grower_id", growerID))
	defer func() { ledger.EndSpan(span, err) }()

	amount = ledger.Cents(amount)
	if !amount.IsPositive() {
		return nil, ledger.Invalid("amount", "advance amount must be positive, got %s", amount)
	}
	if actor == "" {
		return nil, ledger.Invalid("actor", "required")
	}

	err = l.store.WithTx(ctx, func(tx ledger.Store) error {
		g, err := tx.GetGrower(ctx, growerID)
		if err != nil {
			return err
		}
		if g == nil {
			return ledger.NotFound("grower", growerID)
		}

		seq, err := tx.NextSequence(ctx, "advance_number")
		if err != nil {
			return err
		}

		now := l.now()
		adv = &ledger.AdvanceCheque{
			Number:         fmt.Sprintf("ADV-%06d", seq),
			GrowerID:       growerID,
			OriginalAmount: amount,
			CurrentAmount:  amount,
			TotalDeducted:  decimal.Zero,
			Reason:         reason,
			Status:         ledger.AdvanceGenerated,
			AdvanceDate:    now,
			CreatedAt:      now,
			CreatedBy:      actor,
		}
		return tx.CreateAdvance(ctx, adv)
	})
	if err != nil {
		return nil, err
	}

	l.audit(ctx, actor, ledger.AuditAdvanceCreated, adv.ID, map[string]any{
		"grower_id": growerID, "amount": amount.String(), "number": adv.Number,
	})
	l.logger.WithFields(logrus.Fields{"op": "CreateAdvance", "advance_id": adv.ID, "grower_id": growerID}).
		Info("advance created")
	return adv, nil
}

// Print moves a Generated advance to Printed.
func (l *Ledger) Print(ctx context.Context, id ledger.AdvanceID, actor string) (bool, error) {
	return l.transition(ctx, "advances.Print", id, []ledger.AdvanceStatus{ledger.AdvanceGenerated},
		ledger.AdvancePrinted, "", actor, ledger.AuditAdvancePrinted)
}

// Deliver moves a Printed advance to Delivered.
func (l *Ledger) Deliver(ctx context.Context, id ledger.AdvanceID, actor string) (bool, error) {
	return l.transition(ctx, "advances.Deliver", id, []ledger.AdvanceStatus{ledger.AdvancePrinted},
		ledger.AdvanceDelivered, "", actor, ledger.AuditAdvanceDelivered)
}

// Void cancels a Generated or Printed advance. It fails with a ConflictError
// while any active deduction references the advance.
func (l *Ledger) Void(ctx context.Context, id ledger.AdvanceID, reason, actor string) (ok bool, err error) {
	ctx, span := ledger.StartSpan(ctx, "advances.Void", ledger.Attr("advance_id", id))
	defer func() { ledger.EndSpan(span, err) }()

	if actor == "" {
		return false, ledger.Invalid("actor", "required")
	}

	err = l.store.WithTx(ctx, func(tx ledger.Store) error {
		adv, err := tx.GetAdvance(ctx, id)
		if err != nil {
			return err
		}
		if adv == nil || adv.IsDeleted {
			return ledger.NotFound(entityAdvance, id)
		}

		deductions, err := tx.DeductionsByAdvance(ctx, id)
		if err != nil {
			return err
		}
		for _, d := range deductions {
			if d.Active() {
				return ledger.Conflict(entityAdvance, id, "advance has been partially deducted; reverse deductions first")
			}
		}

		ok, err = tx.TransitionAdvance(ctx, ledger.AdvanceTransition{
			ID:     id,
			From:   []ledger.AdvanceStatus{ledger.AdvanceGenerated, ledger.AdvancePrinted},
			To:     ledger.AdvanceVoided,
			Actor:  actor,
			Reason: reason,
			At:     l.now(),
		})
		return err
	})
	if err != nil {
		return false, err
	}

	if ok {
		l.audit(ctx, actor, ledger.AuditAdvanceVoided, id, map[string]any{"reason": reason})
	} else {
		l.logger.WithFields(logrus.Fields{"op": "Void", "advance_id": id}).Debug("void did not apply")
	}
	return ok, nil
}

func (l *Ledger) transition(ctx context.Context, span string, id ledger.AdvanceID, from []ledger.AdvanceStatus,
	to ledger.AdvanceStatus, reason, actor string, action ledger.AuditAction) (ok bool, err error) {
	ctx, sp := ledger.StartSpan(ctx, span, ledger.Attr("advance_id", id))
	defer func() { ledger.EndSpan(sp, err) }()

	if actor == "" {
		return false, ledger.Invalid("actor", "required")
	}

	ok, err = l.store.TransitionAdvance(ctx, ledger.AdvanceTransition{
		ID: id, From: from, To: to, Actor: actor, Reason: reason, At: l.now(),
	})
	if err != nil {
		return false, err
	}
	if ok {
		l.audit(ctx, actor, action, id, nil)
	} else {
		l.logger.WithFields(logrus.Fields{"advance_id": id, "to": to}).Debug("advance transition did not apply")
	}
	return ok, nil
}

// =============================================================================
// DEDUCTIONS
// =============================================================================

// ApplyDeductions recovers up to paymentAmount from the grower's outstanding
// advances, oldest first, and returns the amount actually deducted.
func (l *Ledger) ApplyDeductions(ctx context.Context, growerID ledger.GrowerID, batchID ledger.BatchID,
	paymentAmount decimal.Decimal, actor string) (total decimal.Decimal, err error) {
	ctx, span := ledger.StartSpan(ctx, "advances.ApplyDeductions",
		ledger.Attr("grower_id", growerID), ledger.Attr("batch_id", batchID))
	defer func() { ledger.EndSpan(span, err) }()

	paymentAmount = ledger.Cents(paymentAmount)
	if paymentAmount.IsNegative() {
		return decimal.Zero, ledger.Invalid("payment_amount", "must not be negative, got %s", paymentAmount)
	}
	if actor == "" {
		return decimal.Zero, ledger.Invalid("actor", "required")
	}
	if paymentAmount.IsZero() {
		return decimal.Zero, nil
	}

	type touched struct {
		id     ledger.AdvanceID
		amount decimal.Decimal
	}
	var applied []touched

	err = l.store.WithTx(ctx, func(tx ledger.Store) error {
		total = decimal.Zero
		applied = applied[:0]

		batch, err := tx.GetBatch(ctx, batchID)
		if err != nil {
			return err
		}
		if batch == nil || batch.IsDeleted {
			return ledger.NotFound("batch", batchID)
		}
		if batch.Status == ledger.BatchVoided {
			return ledger.Conflict("batch", batchID, "cannot apply deductions from a voided batch")
		}

		outstanding, err := tx.OutstandingAdvances(ctx, growerID)
		if err != nil {
			return err
		}

		now := l.now()
		remaining := paymentAmount
		for _, adv := range outstanding {
			if !remaining.IsPositive() {
				break
			}
			take := decimal.Min(remaining, adv.CurrentAmount)
			if !take.IsPositive() {
				continue
			}

			d := &ledger.AdvanceDeduction{
				AdvanceID:     adv.ID,
				BatchID:       batchID,
				Amount:        take,
				DeductionDate: now,
				CreatedAt:     now,
				CreatedBy:     actor,
			}
			if err := tx.CreateDeduction(ctx, d); err != nil {
				return err
			}

			ok, err := tx.UpdateAdvanceBalance(ctx, ledger.AdvanceBalanceUpdate{
				ID:                  adv.ID,
				ExpectedCurrent:     adv.CurrentAmount,
				Current:             adv.CurrentAmount.Sub(take),
				TotalDeducted:       adv.TotalDeducted.Add(take),
				DeductedAt:          &now,
				DeductedBy:          actor,
				DeductedFromBatchID: &batchID,
			})
			if err != nil {
				return err
			}
			if !ok {
				return ledger.Conflict(entityAdvance, adv.ID, "balance changed concurrently")
			}

			remaining = remaining.Sub(take)
			total = total.Add(take)
			applied = append(applied, touched{id: adv.ID, amount: take})
		}
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}

	for _, a := range applied {
		l.audit(ctx, actor, ledger.AuditDeductionsApplied, a.id, map[string]any{
			"batch_id": batchID, "amount": a.amount.String(),
		})
	}
	l.logger.WithFields(logrus.Fields{
		"op": "ApplyDeductions", "grower_id": growerID, "batch_id": batchID,
		"requested": paymentAmount.String(), "deducted": total.String(), "advances": len(applied),
	}).Info("deductions applied")
	return total, nil
}

// ReverseDeductions deletes every deduction of the advance and restores its
// balance. Calling it on an advance without deductions succeeds and changes
// nothing.
func (l *Ledger) ReverseDeductions(ctx context.Context, id ledger.AdvanceID, reason, actor string) (ok bool, err error) {
	ctx, span := ledger.StartSpan(ctx, "advances.ReverseDeductions", ledger.Attr("advance_id", id))
	defer func() { ledger.EndSpan(span, err) }()

	if actor == "" {
		return false, ledger.Invalid("actor", "required")
	}

	var restored decimal.Decimal
	var removed int64
	err = l.store.WithTx(ctx, func(tx ledger.Store) error {
		adv, err := tx.GetAdvance(ctx, id)
		if err != nil {
			return err
		}
		if adv == nil || adv.IsDeleted {
			return ledger.NotFound(entityAdvance, id)
		}

		deductions, err := tx.DeductionsByAdvance(ctx, id)
		if err != nil {
			return err
		}
		if len(deductions) == 0 && adv.DeductedAt == nil && adv.DeductedFromBatchID == nil {
			return nil
		}

		restored = decimal.Zero
		for _, d := range deductions {
			if d.Active() {
				restored = restored.Add(d.Amount)
			}
		}

		if removed, err = tx.DeleteDeductions(ctx, id); err != nil {
			return err
		}

		applied, err := tx.UpdateAdvanceBalance(ctx, ledger.AdvanceBalanceUpdate{
			ID:              id,
			ExpectedCurrent: adv.CurrentAmount,
			Current:         adv.CurrentAmount.Add(restored),
			TotalDeducted:   clampZero(adv.TotalDeducted.Sub(restored)),
		})
		if err != nil {
			return err
		}
		if !applied {
			return ledger.Conflict(entityAdvance, id, "balance changed concurrently")
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	if removed > 0 {
		l.audit(ctx, actor, ledger.AuditDeductionsReversed, id, map[string]any{
			"reason": reason, "deductions": removed, "restored": restored.String(),
		})
	}
	l.logger.WithFields(logrus.Fields{"op": "ReverseDeductions", "advance_id": id, "deductions": removed}).
		Info("deductions reversed")
	return true, nil
}

// VoidBatchDeductions voids every active deduction applied from the batch
// and restores the affected advance balances. It returns the amount restored.
func (l *Ledger) VoidBatchDeductions(ctx context.Context, batchID ledger.BatchID, reason, actor string) (restored decimal.Decimal, err error) {
	ctx, span := ledger.StartSpan(ctx, "advances.VoidBatchDeductions", ledger.Attr("batch_id", batchID))
	defer func() { ledger.EndSpan(span, err) }()

	var touched []ledger.AdvanceID
	err = l.store.WithTx(ctx, func(tx ledger.Store) error {
		restored = decimal.Zero
		touched = touched[:0]

		deductions, err := tx.DeductionsByBatch(ctx, batchID)
		if err != nil {
			return err
		}

		now := l.now()
		for _, d := range deductions {
			if !d.Active() {
				continue
			}
			voided, err := tx.VoidDeduction(ctx, d.ID, actor, now)
			if err != nil {
				return err
			}
			if !voided {
				continue
			}

			adv, err := tx.GetAdvance(ctx, d.AdvanceID)
			if err != nil {
				return err
			}
			if adv == nil {
				return ledger.NotFound(entityAdvance, d.AdvanceID)
			}

			update := ledger.AdvanceBalanceUpdate{
				ID:                  adv.ID,
				ExpectedCurrent:     adv.CurrentAmount,
				Current:             adv.CurrentAmount.Add(d.Amount),
				TotalDeducted:       clampZero(adv.TotalDeducted.Sub(d.Amount)),
				DeductedAt:          adv.DeductedAt,
				DeductedBy:          adv.DeductedBy,
				DeductedFromBatchID: adv.DeductedFromBatchID,
			}
			if adv.DeductedFromBatchID != nil && *adv.DeductedFromBatchID == batchID {
				update.DeductedAt, update.DeductedBy, update.DeductedFromBatchID = nil, "", nil
			}
			ok, err := tx.UpdateAdvanceBalance(ctx, update)
			if err != nil {
				return err
			}
			if !ok {
				return ledger.Conflict(entityAdvance, adv.ID, "balance changed concurrently")
			}

			restored = restored.Add(d.Amount)
			touched = append(touched, adv.ID)
		}
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}

	for _, id := range touched {
		l.audit(ctx, actor, ledger.AuditDeductionsVoided, id, map[string]any{"batch_id": batchID, "reason": reason})
	}
	if len(touched) > 0 {
		l.logger.WithFields(logrus.Fields{"op": "VoidBatchDeductions", "batch_id": batchID, "restored": restored.String()}).
			Info("batch deductions voided")
	}
	return restored, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// GetTotalOutstanding sums the balances of the grower's Printed and
// Delivered advances.
func (l *Ledger) GetTotalOutstanding(ctx context.Context, growerID ledger.GrowerID) (decimal.Decimal, error) {
	advances, err := l.store.ListAdvances(ctx, ledger.AdvanceFilter{
		GrowerID: growerID,
		Statuses: []ledger.AdvanceStatus{ledger.AdvancePrinted, ledger.AdvanceDelivered},
	})
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, a := range advances {
		total = total.Add(a.CurrentAmount)
	}
	return total, nil
}

func (l *Ledger) Get(ctx context.Context, id ledger.AdvanceID) (*ledger.AdvanceCheque, error) {
	adv, err := l.store.GetAdvance(ctx, id)
	if err != nil {
		return nil, err
	}
	if adv == nil || adv.IsDeleted {
		return nil, ledger.NotFound(entityAdvance, id)
	}
	return adv, nil
}

func (l *Ledger) List(ctx context.Context, filter ledger.AdvanceFilter) ([]ledger.AdvanceCheque, error) {
	return l.store.ListAdvances(ctx, filter)
}

func (l *Ledger) Deductions(ctx context.Context, id ledger.AdvanceID) ([]ledger.AdvanceDeduction, error) {
	return l.store.DeductionsByAdvance(ctx, id)
}

// ExpectedCurrent is the balance the ledger identity demands for adv given
// its non-deleted deductions.
func ExpectedCurrent(adv ledger.AdvanceCheque, deductions []ledger.AdvanceDeduction) decimal.Decimal {
	expected := adv.OriginalAmount
	for _, d := range deductions {
		if d.Active() {
			expected = expected.Sub(d.Amount)
		}
	}
	return expected
}

func (l *Ledger) audit(ctx context.Context, actor string, action ledger.AuditAction, id ledger.AdvanceID, details map[string]any) {
	ledger.Audit(ctx, l.store, l.logger, ledger.AuditEntry{
		Timestamp:  l.now(),
		Actor:      actor,
		Action:     action,
		EntityType: entityAdvance,
		EntityID:   int64(id),
		Details:    details,
	})
}

func clampZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
