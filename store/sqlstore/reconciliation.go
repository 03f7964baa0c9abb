package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/warp/grower-ledger/ledger"
)

// =============================================================================
// RECONCILIATION REPORTS
// =============================================================================

func (s *Store) CreateReport(ctx context.Context, r *ledger.ReconciliationReport) error {
	id, err := s.insert(ctx, "create reconciliation report",
		`INSERT INTO reconciliation_reports (batch_id, expected_amount, actual_amount, difference, status,
			exception_count, generated_at, generated_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.BatchID, r.ExpectedAmount, r.ActualAmount, r.Difference, r.Status,
		r.ExceptionCount, r.GeneratedAt.UTC(), r.GeneratedBy)
	if err != nil {
		return err
	}
	r.ID = ledger.ReportID(id)
	return nil
}

func scanReport(row scanner) (ledger.ReconciliationReport, error) {
	var r ledger.ReconciliationReport
	err := row.Scan(&r.ID, &r.BatchID, &r.ExpectedAmount, &r.ActualAmount, &r.Difference, &r.Status,
		&r.ExceptionCount, &r.GeneratedAt, &r.GeneratedBy)
	return r, err
}

func (s *Store) ReportsByBatch(ctx context.Context, batchID ledger.BatchID) ([]ledger.ReconciliationReport, error) {
	return queryAll(ctx, s.q, "reports by batch", scanReport,
		`SELECT id, batch_id, expected_amount, actual_amount, difference, status, exception_count,
			generated_at, generated_by
		 FROM reconciliation_reports WHERE batch_id = ? ORDER BY id DESC`, batchID)
}

// =============================================================================
// PAYMENT EXCEPTIONS
// =============================================================================

const exceptionColumns = `id, exception_type, batch_id, grower_id, advance_id, expected_amount, actual_amount,
	description, status, detected_at, resolved_at, resolved_by, resolution_notes`

func (s *Store) CreateException(ctx context.Context, e *ledger.PaymentException) error {
	if e.Status == "" {
		e.Status = ledger.ExceptionOpen
	}
	id, err := s.insert(ctx, "create exception",
		`INSERT INTO payment_exceptions (exception_type, batch_id, grower_id, advance_id, expected_amount,
			actual_amount, description, status, detected_at, resolved_at, resolved_by, resolution_notes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Type, nullID(e.BatchID), nullID(e.GrowerID), nullID(e.AdvanceID), e.ExpectedAmount,
		e.ActualAmount, e.Description, e.Status, e.DetectedAt.UTC(), nullTime(e.ResolvedAt),
		e.ResolvedBy, e.ResolutionNotes)
	if err != nil {
		return err
	}
	e.ID = ledger.ExceptionID(id)
	return nil
}

func scanException(row scanner) (ledger.PaymentException, error) {
	var (
		e                           ledger.PaymentException
		batchID, growerID, advanceID sql.NullInt64
		resolvedAt                  sql.NullTime
	)
	err := row.Scan(&e.ID, &e.Type, &batchID, &growerID, &advanceID, &e.ExpectedAmount, &e.ActualAmount,
		&e.Description, &e.Status, &e.DetectedAt, &resolvedAt, &e.ResolvedBy, &e.ResolutionNotes)
	e.BatchID = idPtr[ledger.BatchID](batchID)
	e.GrowerID = idPtr[ledger.GrowerID](growerID)
	e.AdvanceID = idPtr[ledger.AdvanceID](advanceID)
	e.ResolvedAt = timePtr(resolvedAt)
	return e, err
}

func (s *Store) GetException(ctx context.Context, id ledger.ExceptionID) (*ledger.PaymentException, error) {
	return queryOne(ctx, s.q, "get exception", scanException,
		"SELECT "+exceptionColumns+" FROM payment_exceptions WHERE id = ?", id)
}

func (s *Store) ListExceptions(ctx context.Context, filter ledger.ExceptionFilter) ([]ledger.PaymentException, error) {
	query := "SELECT " + exceptionColumns + " FROM payment_exceptions WHERE 1 = 1"
	var args []any
	if filter.BatchID != nil {
		query += " AND batch_id = ?"
		args = append(args, *filter.BatchID)
	}
	if filter.AdvanceID != nil {
		query += " AND advance_id = ?"
		args = append(args, *filter.AdvanceID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Type != "" {
		query += " AND exception_type = ?"
		args = append(args, filter.Type)
	}
	query += " ORDER BY id"
	return queryAll(ctx, s.q, "list exceptions", scanException, query, args...)
}

func (s *Store) ResolveException(ctx context.Context, id ledger.ExceptionID, notes, actor string, at time.Time) (bool, error) {
	n, err := s.exec(ctx, "resolve exception",
		`UPDATE payment_exceptions SET status = ?, resolved_at = ?, resolved_by = ?, resolution_notes = ?
		 WHERE id = ? AND status = ?`,
		ledger.ExceptionResolved, at.UTC(), actor, notes, id, ledger.ExceptionOpen)
	return n > 0, err
}
