package sqlstore

import (
	"context"
	"database/sql"

	"github.com/warp/grower-ledger/ledger"
)

// =============================================================================
// PAYMENT TYPES
// =============================================================================

func (s *Store) CreatePaymentType(ctx context.Context, pt *ledger.PaymentType) error {
	id, err := s.insert(ctx, "create payment type",
		"INSERT INTO payment_types (code, description, active) VALUES (?, ?, ?)",
		pt.Code, pt.Description, pt.Active)
	if err != nil {
		return err
	}
	pt.ID = ledger.PaymentTypeID(id)
	return nil
}

func scanPaymentType(row scanner) (ledger.PaymentType, error) {
	var pt ledger.PaymentType
	err := row.Scan(&pt.ID, &pt.Code, &pt.Description, &pt.Active)
	return pt, err
}

func (s *Store) GetPaymentType(ctx context.Context, id ledger.PaymentTypeID) (*ledger.PaymentType, error) {
	return queryOne(ctx, s.q, "get payment type", scanPaymentType,
		"SELECT id, code, description, active FROM payment_types WHERE id = ?", id)
}

func (s *Store) ListPaymentTypes(ctx context.Context) ([]ledger.PaymentType, error) {
	return queryAll(ctx, s.q, "list payment types", scanPaymentType,
		"SELECT id, code, description, active FROM payment_types ORDER BY code")
}

// =============================================================================
// GROWERS
// =============================================================================

const growerColumns = "id, grower_number, name, on_hold, pays_electronically, created_at"

func (s *Store) CreateGrower(ctx context.Context, g *ledger.Grower) error {
	id, err := s.insert(ctx, "create grower",
		`INSERT INTO growers (grower_number, name, on_hold, pays_electronically, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		g.Number, g.Name, g.OnHold, g.PaysElectronically, g.CreatedAt.UTC())
	if err != nil {
		return err
	}
	g.ID = ledger.GrowerID(id)
	return nil
}

func scanGrower(row scanner) (ledger.Grower, error) {
	var g ledger.Grower
	err := row.Scan(&g.ID, &g.Number, &g.Name, &g.OnHold, &g.PaysElectronically, &g.CreatedAt)
	return g, err
}

func (s *Store) GetGrower(ctx context.Context, id ledger.GrowerID) (*ledger.Grower, error) {
	return queryOne(ctx, s.q, "get grower", scanGrower,
		"SELECT "+growerColumns+" FROM growers WHERE id = ?", id)
}

func (s *Store) ListGrowers(ctx context.Context) ([]ledger.Grower, error) {
	return queryAll(ctx, s.q, "list growers", scanGrower,
		"SELECT "+growerColumns+" FROM growers ORDER BY grower_number")
}

// =============================================================================
// RECEIPTS
// =============================================================================

const receiptColumns = `id, receipt_number, grower_id, import_batch_id, receipt_date, amount,
	status, notes, voided_at, voided_by, created_at`

func (s *Store) CreateReceipt(ctx context.Context, r *ledger.Receipt) error {
	if r.Status == "" {
		r.Status = ledger.ReceiptActive
	}
	id, err := s.insert(ctx, "create receipt",
		`INSERT INTO receipts (receipt_number, grower_id, import_batch_id, receipt_date, amount,
			status, notes, voided_at, voided_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Number, r.GrowerID, r.ImportBatchID, r.ReceiptDate.UTC(), r.Amount,
		r.Status, r.Notes, nullTime(r.VoidedAt), r.VoidedBy, r.CreatedAt.UTC())
	if err != nil {
		return err
	}
	r.ID = ledger.ReceiptID(id)
	return nil
}

func scanReceipt(row scanner) (ledger.Receipt, error) {
	var (
		r        ledger.Receipt
		voidedAt sql.NullTime
	)
	err := row.Scan(&r.ID, &r.Number, &r.GrowerID, &r.ImportBatchID, &r.ReceiptDate, &r.Amount,
		&r.Status, &r.Notes, &voidedAt, &r.VoidedBy, &r.CreatedAt)
	r.VoidedAt = timePtr(voidedAt)
	return r, err
}

func (s *Store) GetReceipt(ctx context.Context, id ledger.ReceiptID) (*ledger.Receipt, error) {
	return queryOne(ctx, s.q, "get receipt", scanReceipt,
		"SELECT "+receiptColumns+" FROM receipts WHERE id = ?", id)
}

func (s *Store) ReceiptsByImportBatch(ctx context.Context, importBatchID int64) ([]ledger.Receipt, error) {
	return queryAll(ctx, s.q, "receipts by import batch", scanReceipt,
		"SELECT "+receiptColumns+" FROM receipts WHERE import_batch_id = ? ORDER BY id", importBatchID)
}

func (s *Store) TransitionReceipt(ctx context.Context, t ledger.ReceiptTransition) (bool, error) {
	marks, args := in(t.From)
	query := `UPDATE receipts SET status = ?, voided_at = ?, voided_by = ?,
			notes = CASE WHEN notes = '' THEN ? ELSE ` + s.dialect.concat("notes", "' | '", "?") + ` END
		WHERE id = ? AND status IN (` + marks + `)`

	var voidedAt sql.NullTime
	voidedBy := ""
	if t.To == ledger.ReceiptVoided {
		voidedAt = nullTime(&t.At)
		voidedBy = t.Actor
	}

	n, err := s.exec(ctx, "transition receipt", query,
		append([]any{t.To, voidedAt, voidedBy, t.Reason, t.Reason, t.ID}, args...)...)
	return n > 0, err
}
