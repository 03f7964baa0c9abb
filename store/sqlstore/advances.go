package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/warp/grower-ledger/ledger"
)

// =============================================================================
// ADVANCE CHEQUES
// =============================================================================

const advanceColumns = `id, advance_number, grower_id, original_amount, current_amount, total_deducted,
	reason, status, advance_date, created_at, created_by, printed_at, printed_by,
	delivered_at, delivered_by, voided_at, voided_by, void_reason,
	deducted_at, deducted_by, deducted_from_batch_id, is_deleted`

func (s *Store) CreateAdvance(ctx context.Context, a *ledger.AdvanceCheque) error {
	id, err := s.insert(ctx, "create advance",
		`INSERT INTO advance_cheques (advance_number, grower_id, original_amount, current_amount, total_deducted,
			reason, status, advance_date, created_at, created_by, printed_at, printed_by,
			delivered_at, delivered_by, voided_at, voided_by, void_reason,
			deducted_at, deducted_by, deducted_from_batch_id, is_deleted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Number, a.GrowerID, a.OriginalAmount, a.CurrentAmount, a.TotalDeducted,
		a.Reason, a.Status, a.AdvanceDate.UTC(), a.CreatedAt.UTC(), a.CreatedBy,
		nullTime(a.PrintedAt), a.PrintedBy, nullTime(a.DeliveredAt), a.DeliveredBy,
		nullTime(a.VoidedAt), a.VoidedBy, a.VoidReason,
		nullTime(a.DeductedAt), a.DeductedBy, nullID(a.DeductedFromBatchID), a.IsDeleted)
	if err != nil {
		return err
	}
	a.ID = ledger.AdvanceID(id)
	return nil
}

func scanAdvance(row scanner) (ledger.AdvanceCheque, error) {
	var (
		a                                          ledger.AdvanceCheque
		printedAt, deliveredAt, voidedAt, deducted sql.NullTime
		fromBatch                                  sql.NullInt64
	)
	err := row.Scan(&a.ID, &a.Number, &a.GrowerID, &a.OriginalAmount, &a.CurrentAmount, &a.TotalDeducted,
		&a.Reason, &a.Status, &a.AdvanceDate, &a.CreatedAt, &a.CreatedBy, &printedAt, &a.PrintedBy,
		&deliveredAt, &a.DeliveredBy, &voidedAt, &a.VoidedBy, &a.VoidReason,
		&deducted, &a.DeductedBy, &fromBatch, &a.IsDeleted)
	a.PrintedAt = timePtr(printedAt)
	a.DeliveredAt = timePtr(deliveredAt)
	a.VoidedAt = timePtr(voidedAt)
	a.DeductedAt = timePtr(deducted)
	a.DeductedFromBatchID = idPtr[ledger.BatchID](fromBatch)
	return a, err
}

func (s *Store) GetAdvance(ctx context.Context, id ledger.AdvanceID) (*ledger.AdvanceCheque, error) {
	return queryOne(ctx, s.q, "get advance", scanAdvance,
		"SELECT "+advanceColumns+" FROM advance_cheques WHERE id = ?", id)
}

func (s *Store) ListAdvances(ctx context.Context, filter ledger.AdvanceFilter) ([]ledger.AdvanceCheque, error) {
	query := "SELECT " + advanceColumns + " FROM advance_cheques WHERE is_deleted = 0"
	var args []any
	if filter.GrowerID != 0 {
		query += " AND grower_id = ?"
		args = append(args, filter.GrowerID)
	}
	if len(filter.Statuses) > 0 {
		marks, statusArgs := in(filter.Statuses)
		query += " AND status IN (" + marks + ")"
		args = append(args, statusArgs...)
	}
	query += " ORDER BY advance_date, id"
	return queryAll(ctx, s.q, "list advances", scanAdvance, query, args...)
}

func (s *Store) OutstandingAdvances(ctx context.Context, growerID ledger.GrowerID) ([]ledger.AdvanceCheque, error) {
	all, err := s.ListAdvances(ctx, ledger.AdvanceFilter{
		GrowerID: growerID,
		Statuses: []ledger.AdvanceStatus{ledger.AdvancePrinted, ledger.AdvanceDelivered},
	})
	if err != nil {
		return nil, err
	}
	// Amounts are TEXT on SQLite, so the positive-balance filter runs here.
	out := all[:0]
	for _, a := range all {
		if a.CurrentAmount.IsPositive() {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) TransitionAdvance(ctx context.Context, t ledger.AdvanceTransition) (bool, error) {
	marks, args := in(t.From)
	set := "status = ?"
	head := []any{t.To}
	switch t.To {
	case ledger.AdvancePrinted:
		set += ", printed_at = ?, printed_by = ?"
		head = append(head, t.At.UTC(), t.Actor)
	case ledger.AdvanceDelivered:
		set += ", delivered_at = ?, delivered_by = ?"
		head = append(head, t.At.UTC(), t.Actor)
	case ledger.AdvanceVoided:
		set += ", voided_at = ?, voided_by = ?, void_reason = ?"
		head = append(head, t.At.UTC(), t.Actor, t.Reason)
	}
	head = append(head, t.ID)

	n, err := s.exec(ctx, "transition advance",
		"UPDATE advance_cheques SET "+set+" WHERE id = ? AND is_deleted = 0 AND status IN ("+marks+")",
		append(head, args...)...)
	return n > 0, err
}

func (s *Store) UpdateAdvanceBalance(ctx context.Context, u ledger.AdvanceBalanceUpdate) (bool, error) {
	n, err := s.exec(ctx, "update advance balance",
		`UPDATE advance_cheques
		 SET current_amount = ?, total_deducted = ?, deducted_at = ?, deducted_by = ?, deducted_from_batch_id = ?
		 WHERE id = ? AND current_amount = ?`,
		u.Current, u.TotalDeducted, nullTime(u.DeductedAt), u.DeductedBy, nullID(u.DeductedFromBatchID),
		u.ID, u.ExpectedCurrent)
	return n > 0, err
}

// =============================================================================
// DEDUCTIONS
// =============================================================================

const deductionColumns = `d.id, d.advance_id, d.batch_id, a.grower_id, d.amount, d.deduction_date,
	d.is_voided, d.is_deleted, d.created_at, d.created_by, d.voided_at, d.voided_by`

func (s *Store) CreateDeduction(ctx context.Context, d *ledger.AdvanceDeduction) error {
	id, err := s.insert(ctx, "create deduction",
		`INSERT INTO advance_deductions (advance_id, batch_id, amount, deduction_date, is_voided, is_deleted,
			created_at, created_by, voided_at, voided_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.AdvanceID, d.BatchID, d.Amount, d.DeductionDate.UTC(), d.IsVoided, d.IsDeleted,
		d.CreatedAt.UTC(), d.CreatedBy, nullTime(d.VoidedAt), d.VoidedBy)
	if err != nil {
		return err
	}
	d.ID = ledger.DeductionID(id)
	return nil
}

func scanDeduction(row scanner) (ledger.AdvanceDeduction, error) {
	var (
		d        ledger.AdvanceDeduction
		voidedAt sql.NullTime
	)
	err := row.Scan(&d.ID, &d.AdvanceID, &d.BatchID, &d.GrowerID, &d.Amount, &d.DeductionDate,
		&d.IsVoided, &d.IsDeleted, &d.CreatedAt, &d.CreatedBy, &voidedAt, &d.VoidedBy)
	d.VoidedAt = timePtr(voidedAt)
	return d, err
}

func (s *Store) DeductionsByAdvance(ctx context.Context, advanceID ledger.AdvanceID) ([]ledger.AdvanceDeduction, error) {
	return queryAll(ctx, s.q, "deductions by advance", scanDeduction,
		`SELECT `+deductionColumns+`
		 FROM advance_deductions d JOIN advance_cheques a ON a.id = d.advance_id
		 WHERE d.advance_id = ? AND d.is_deleted = 0 ORDER BY d.id`, advanceID)
}

func (s *Store) DeductionsByBatch(ctx context.Context, batchID ledger.BatchID) ([]ledger.AdvanceDeduction, error) {
	return queryAll(ctx, s.q, "deductions by batch", scanDeduction,
		`SELECT `+deductionColumns+`
		 FROM advance_deductions d JOIN advance_cheques a ON a.id = d.advance_id
		 WHERE d.batch_id = ? AND d.is_deleted = 0 ORDER BY d.id`, batchID)
}

func (s *Store) DeleteDeductions(ctx context.Context, advanceID ledger.AdvanceID) (int64, error) {
	return s.exec(ctx, "delete deductions",
		"DELETE FROM advance_deductions WHERE advance_id = ?", advanceID)
}

func (s *Store) VoidDeduction(ctx context.Context, id ledger.DeductionID, actor string, at time.Time) (bool, error) {
	n, err := s.exec(ctx, "void deduction",
		`UPDATE advance_deductions SET is_voided = 1, voided_at = ?, voided_by = ?
		 WHERE id = ? AND is_voided = 0 AND is_deleted = 0`,
		at.UTC(), actor, id)
	return n > 0, err
}
