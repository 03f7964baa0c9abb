package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/grower-ledger/ledger"
)

// =============================================================================
// PAYMENT BATCHES
// =============================================================================

const batchColumns = `id, batch_number, payment_type_id, batch_date, status,
	total_amount, total_growers, total_receipts, notes, created_at, created_by,
	modified_at, modified_by, processed_at, processed_by, is_deleted`

func (s *Store) CreateBatch(ctx context.Context, b *ledger.PaymentBatch) error {
	id, err := s.insert(ctx, "create batch",
		`INSERT INTO payment_batches (batch_number, payment_type_id, batch_date, status,
			total_amount, total_growers, total_receipts, notes, created_at, created_by,
			modified_at, modified_by, processed_at, processed_by, is_deleted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.Number, b.PaymentTypeID, b.BatchDate.UTC(), b.Status,
		b.TotalAmount, nullInt(b.TotalGrowers), nullInt(b.TotalReceipts), b.Notes,
		b.CreatedAt.UTC(), b.CreatedBy, nullTime(b.ModifiedAt), b.ModifiedBy,
		nullTime(b.ProcessedAt), b.ProcessedBy, b.IsDeleted)
	if err != nil {
		return err
	}
	b.ID = ledger.BatchID(id)
	return nil
}

func scanBatch(row scanner) (ledger.PaymentBatch, error) {
	var (
		b                       ledger.PaymentBatch
		growers, receipts       sql.NullInt64
		modifiedAt, processedAt sql.NullTime
	)
	err := row.Scan(&b.ID, &b.Number, &b.PaymentTypeID, &b.BatchDate, &b.Status,
		&b.TotalAmount, &growers, &receipts, &b.Notes, &b.CreatedAt, &b.CreatedBy,
		&modifiedAt, &b.ModifiedBy, &processedAt, &b.ProcessedBy, &b.IsDeleted)
	b.TotalGrowers = intPtr(growers)
	b.TotalReceipts = intPtr(receipts)
	b.ModifiedAt = timePtr(modifiedAt)
	b.ProcessedAt = timePtr(processedAt)
	return b, err
}

// GetBatch returns soft-deleted batches too; callers check IsDeleted.
func (s *Store) GetBatch(ctx context.Context, id ledger.BatchID) (*ledger.PaymentBatch, error) {
	return queryOne(ctx, s.q, "get batch", scanBatch,
		"SELECT "+batchColumns+" FROM payment_batches WHERE id = ?", id)
}

func (s *Store) ListBatches(ctx context.Context, filter ledger.BatchFilter) ([]ledger.PaymentBatch, error) {
	query := "SELECT " + batchColumns + " FROM payment_batches WHERE is_deleted = 0"
	var args []any
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.PaymentTypeID != 0 {
		query += " AND payment_type_id = ?"
		args = append(args, filter.PaymentTypeID)
	}
	query += " ORDER BY batch_date DESC, id DESC"
	return queryAll(ctx, s.q, "list batches", scanBatch, query, args...)
}

func (s *Store) TransitionBatch(ctx context.Context, t ledger.BatchTransition) (bool, error) {
	marks, args := in(t.From)
	set := "status = ?, modified_at = ?, modified_by = ?"
	head := []any{t.To, t.At.UTC(), t.Actor}
	if t.To == ledger.BatchProcessed {
		set += ", processed_at = ?, processed_by = ?"
		head = append(head, t.At.UTC(), t.Actor)
	}
	head = append(head, t.ID)

	n, err := s.exec(ctx, "transition batch",
		"UPDATE payment_batches SET "+set+" WHERE id = ? AND is_deleted = 0 AND status IN ("+marks+")",
		append(head, args...)...)
	return n > 0, err
}

func (s *Store) UpdateBatchTotals(ctx context.Context, id ledger.BatchID, totals *ledger.BatchTotals) error {
	var (
		amount            decimal.NullDecimal
		growers, receipts sql.NullInt64
	)
	if totals != nil {
		amount = decimal.NewNullDecimal(totals.Amount)
		growers = sql.NullInt64{Int64: int64(totals.Growers), Valid: true}
		receipts = sql.NullInt64{Int64: int64(totals.Receipts), Valid: true}
	}
	_, err := s.exec(ctx, "update batch totals",
		"UPDATE payment_batches SET total_amount = ?, total_growers = ?, total_receipts = ? WHERE id = ?",
		amount, growers, receipts, id)
	return err
}

func (s *Store) SoftDeleteBatch(ctx context.Context, id ledger.BatchID, actor string, at time.Time) error {
	_, err := s.exec(ctx, "soft delete batch",
		"UPDATE payment_batches SET is_deleted = 1, modified_at = ?, modified_by = ? WHERE id = ?",
		at.UTC(), actor, id)
	return err
}

func (s *Store) DeleteBatch(ctx context.Context, id ledger.BatchID) error {
	_, err := s.exec(ctx, "delete batch", "DELETE FROM payment_batches WHERE id = ?", id)
	return err
}

func (s *Store) HasPaymentAllocations(ctx context.Context, batchID ledger.BatchID) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM payment_allocations WHERE batch_id = ?", batchID).Scan(&n)
	if err != nil {
		return false, ledger.Persistence("has payment allocations", err)
	}
	return n > 0, nil
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

const allocationColumns = "id, batch_id, grower_id, receipt_id, price_schedule_id, amount, status, created_at"

func (s *Store) CreateAllocation(ctx context.Context, a *ledger.PaymentAllocation) error {
	if a.Status == "" {
		a.Status = ledger.AllocationPending
	}
	id, err := s.insert(ctx, "create allocation",
		`INSERT INTO payment_allocations (batch_id, grower_id, receipt_id, price_schedule_id, amount, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.BatchID, a.GrowerID, a.ReceiptID, a.PriceScheduleID, a.Amount, a.Status, a.CreatedAt.UTC())
	if err != nil {
		return err
	}
	a.ID = ledger.AllocationID(id)
	return nil
}

func scanAllocation(row scanner) (ledger.PaymentAllocation, error) {
	var a ledger.PaymentAllocation
	err := row.Scan(&a.ID, &a.BatchID, &a.GrowerID, &a.ReceiptID, &a.PriceScheduleID,
		&a.Amount, &a.Status, &a.CreatedAt)
	return a, err
}

func (s *Store) AllocationsByBatch(ctx context.Context, batchID ledger.BatchID) ([]ledger.PaymentAllocation, error) {
	return queryAll(ctx, s.q, "allocations by batch", scanAllocation,
		"SELECT "+allocationColumns+" FROM payment_allocations WHERE batch_id = ? ORDER BY grower_id, id", batchID)
}

func (s *Store) AllocationsByReceipt(ctx context.Context, receiptID ledger.ReceiptID) ([]ledger.PaymentAllocation, error) {
	return queryAll(ctx, s.q, "allocations by receipt", scanAllocation,
		"SELECT "+allocationColumns+" FROM payment_allocations WHERE receipt_id = ? ORDER BY id", receiptID)
}

func (s *Store) SetAllocationStatus(ctx context.Context, batchID ledger.BatchID, to ledger.AllocationStatus) (int64, error) {
	return s.exec(ctx, "set allocation status",
		"UPDATE payment_allocations SET status = ? WHERE batch_id = ? AND status <> ?",
		to, batchID, ledger.AllocationVoided)
}

func (s *Store) VoidAllocationsForReceipt(ctx context.Context, receiptID ledger.ReceiptID) (int64, error) {
	return s.exec(ctx, "void allocations for receipt",
		"UPDATE payment_allocations SET status = ? WHERE receipt_id = ? AND status <> ?",
		ledger.AllocationVoided, receiptID, ledger.AllocationVoided)
}

func (s *Store) VoidAllocationsForBatch(ctx context.Context, batchID ledger.BatchID) (int64, error) {
	return s.exec(ctx, "void allocations for batch",
		"UPDATE payment_allocations SET status = ? WHERE batch_id = ? AND status <> ?",
		ledger.AllocationVoided, batchID, ledger.AllocationVoided)
}

// =============================================================================
// GROWER ACCOUNT ENTRIES
// =============================================================================

func (s *Store) CreateAccountEntry(ctx context.Context, e *ledger.GrowerAccountEntry) error {
	id, err := s.insert(ctx, "create account entry",
		`INSERT INTO grower_account_entries (grower_id, batch_id, entry_date, description, debit, credit,
			is_deleted, deleted_at, deleted_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.GrowerID, e.BatchID, e.EntryDate.UTC(), e.Description, e.Debit, e.Credit,
		e.IsDeleted, nullTime(e.DeletedAt), e.DeletedBy)
	if err != nil {
		return err
	}
	e.ID = ledger.AccountEntryID(id)
	return nil
}

func scanAccountEntry(row scanner) (ledger.GrowerAccountEntry, error) {
	var (
		e         ledger.GrowerAccountEntry
		deletedAt sql.NullTime
	)
	err := row.Scan(&e.ID, &e.GrowerID, &e.BatchID, &e.EntryDate, &e.Description, &e.Debit, &e.Credit,
		&e.IsDeleted, &deletedAt, &e.DeletedBy)
	e.DeletedAt = timePtr(deletedAt)
	return e, err
}

func (s *Store) AccountEntriesByBatch(ctx context.Context, batchID ledger.BatchID) ([]ledger.GrowerAccountEntry, error) {
	return queryAll(ctx, s.q, "account entries by batch", scanAccountEntry,
		`SELECT id, grower_id, batch_id, entry_date, description, debit, credit, is_deleted, deleted_at, deleted_by
		 FROM grower_account_entries WHERE batch_id = ? AND is_deleted = 0 ORDER BY grower_id, id`, batchID)
}

func (s *Store) SoftDeleteAccountEntries(ctx context.Context, batchID ledger.BatchID, actor string, at time.Time) (int64, error) {
	return s.exec(ctx, "soft delete account entries",
		`UPDATE grower_account_entries SET is_deleted = 1, deleted_at = ?, deleted_by = ?
		 WHERE batch_id = ? AND is_deleted = 0`,
		at.UTC(), actor, batchID)
}

// =============================================================================
// PRICE SCHEDULE LOCKS
// =============================================================================

func lockKey(scheduleID ledger.PriceScheduleID, paymentTypeID ledger.PaymentTypeID) string {
	return fmt.Sprintf("%d:%d", scheduleID, paymentTypeID)
}

func (s *Store) InsertScheduleLock(ctx context.Context, l *ledger.PriceScheduleLock) error {
	id, err := s.insert(ctx, "insert schedule lock",
		`INSERT INTO price_schedule_locks (price_schedule_id, payment_type_id, batch_id, lock_key,
			locked_at, locked_by, is_deleted, deleted_at, deleted_by)
		 VALUES (?, ?, ?, ?, ?, ?, 0, NULL, '')`,
		l.PriceScheduleID, l.PaymentTypeID, l.BatchID, lockKey(l.PriceScheduleID, l.PaymentTypeID),
		l.LockedAt.UTC(), l.LockedBy)
	if err != nil {
		return err
	}
	l.ID = ledger.LockID(id)
	return nil
}

func scanLock(row scanner) (ledger.PriceScheduleLock, error) {
	var (
		l         ledger.PriceScheduleLock
		deletedAt sql.NullTime
	)
	err := row.Scan(&l.ID, &l.PriceScheduleID, &l.PaymentTypeID, &l.BatchID, &l.LockedAt, &l.LockedBy,
		&l.IsDeleted, &deletedAt, &l.DeletedBy)
	l.DeletedAt = timePtr(deletedAt)
	return l, err
}

func (s *Store) LocksByBatch(ctx context.Context, batchID ledger.BatchID) ([]ledger.PriceScheduleLock, error) {
	return queryAll(ctx, s.q, "locks by batch", scanLock,
		`SELECT id, price_schedule_id, payment_type_id, batch_id, locked_at, locked_by, is_deleted, deleted_at, deleted_by
		 FROM price_schedule_locks WHERE batch_id = ? AND is_deleted = 0 ORDER BY id`, batchID)
}

func (s *Store) ReleaseLocks(ctx context.Context, batchID ledger.BatchID, actor string, at time.Time) (int64, error) {
	return s.exec(ctx, "release locks",
		`UPDATE price_schedule_locks SET is_deleted = 1, lock_key = NULL, deleted_at = ?, deleted_by = ?
		 WHERE batch_id = ? AND is_deleted = 0`,
		at.UTC(), actor, batchID)
}
