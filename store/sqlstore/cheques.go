package sqlstore

import (
	"context"
	"database/sql"

	"github.com/warp/grower-ledger/ledger"
)

// =============================================================================
// CHEQUES
// =============================================================================

const chequeColumns = `id, cheque_number, grower_id, batch_id, amount, cheque_date, status, is_consolidated,
	created_at, created_by, voided_at, voided_by, void_reason`

func (s *Store) CreateCheque(ctx context.Context, c *ledger.Cheque) error {
	if c.Status == "" {
		c.Status = ledger.ChequeGenerated
	}
	id, err := s.insert(ctx, "create cheque",
		`INSERT INTO cheques (cheque_number, grower_id, batch_id, amount, cheque_date, status, is_consolidated,
			created_at, created_by, voided_at, voided_by, void_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Number, c.GrowerID, nullID(c.BatchID), c.Amount, c.ChequeDate.UTC(), c.Status, c.IsConsolidated,
		c.CreatedAt.UTC(), c.CreatedBy, nullTime(c.VoidedAt), c.VoidedBy, c.VoidReason)
	if err != nil {
		return err
	}
	c.ID = ledger.ChequeID(id)
	return nil
}

// CreateCheques writes every cheque in one transaction.
func (s *Store) CreateCheques(ctx context.Context, cs []*ledger.Cheque) error {
	return s.WithTx(ctx, func(tx ledger.Store) error {
		for _, c := range cs {
			if err := tx.CreateCheque(ctx, c); err != nil {
				return err
			}
		}
		return nil
	})
}

func scanCheque(row scanner) (ledger.Cheque, error) {
	var (
		c        ledger.Cheque
		batchID  sql.NullInt64
		voidedAt sql.NullTime
	)
	err := row.Scan(&c.ID, &c.Number, &c.GrowerID, &batchID, &c.Amount, &c.ChequeDate, &c.Status, &c.IsConsolidated,
		&c.CreatedAt, &c.CreatedBy, &voidedAt, &c.VoidedBy, &c.VoidReason)
	c.BatchID = idPtr[ledger.BatchID](batchID)
	c.VoidedAt = timePtr(voidedAt)
	return c, err
}

func (s *Store) GetCheque(ctx context.Context, id ledger.ChequeID) (*ledger.Cheque, error) {
	return queryOne(ctx, s.q, "get cheque", scanCheque,
		"SELECT "+chequeColumns+" FROM cheques WHERE id = ?", id)
}

func (s *Store) ChequesByBatch(ctx context.Context, batchID ledger.BatchID) ([]ledger.Cheque, error) {
	return queryAll(ctx, s.q, "cheques by batch", scanCheque,
		"SELECT "+chequeColumns+" FROM cheques WHERE batch_id = ? ORDER BY grower_id, id", batchID)
}

func (s *Store) ChequesByGrower(ctx context.Context, growerID ledger.GrowerID) ([]ledger.Cheque, error) {
	return queryAll(ctx, s.q, "cheques by grower", scanCheque,
		"SELECT "+chequeColumns+" FROM cheques WHERE grower_id = ? ORDER BY id", growerID)
}

func (s *Store) TransitionCheque(ctx context.Context, t ledger.ChequeTransition) (bool, error) {
	marks, args := in(t.From)
	set := "status = ?"
	head := []any{t.To}
	if t.To == ledger.ChequeVoided {
		set += ", voided_at = ?, voided_by = ?, void_reason = ?"
		head = append(head, t.At.UTC(), t.Actor, t.Reason)
	}
	head = append(head, t.ID)

	n, err := s.exec(ctx, "transition cheque",
		"UPDATE cheques SET "+set+" WHERE id = ? AND status IN ("+marks+")",
		append(head, args...)...)
	return n > 0, err
}

// =============================================================================
// CONSOLIDATED CHEQUES
// =============================================================================

const consolidationColumns = "id, cheque_id, batch_id, amount, created_at, created_by"

func (s *Store) CreateConsolidation(ctx context.Context, c *ledger.ConsolidatedCheque) error {
	id, err := s.insert(ctx, "create consolidation",
		`INSERT INTO consolidated_cheques (cheque_id, batch_id, amount, created_at, created_by)
		 VALUES (?, ?, ?, ?, ?)`,
		c.ChequeID, c.BatchID, c.Amount, c.CreatedAt.UTC(), c.CreatedBy)
	if err != nil {
		return err
	}
	c.ID = ledger.ConsolidationID(id)
	return nil
}

func scanConsolidation(row scanner) (ledger.ConsolidatedCheque, error) {
	var c ledger.ConsolidatedCheque
	err := row.Scan(&c.ID, &c.ChequeID, &c.BatchID, &c.Amount, &c.CreatedAt, &c.CreatedBy)
	return c, err
}

func (s *Store) ConsolidationsByCheque(ctx context.Context, chequeID ledger.ChequeID) ([]ledger.ConsolidatedCheque, error) {
	return queryAll(ctx, s.q, "consolidations by cheque", scanConsolidation,
		"SELECT "+consolidationColumns+" FROM consolidated_cheques WHERE cheque_id = ? ORDER BY id", chequeID)
}

func (s *Store) ConsolidationsByBatch(ctx context.Context, batchID ledger.BatchID) ([]ledger.ConsolidatedCheque, error) {
	return queryAll(ctx, s.q, "consolidations by batch", scanConsolidation,
		"SELECT "+consolidationColumns+" FROM consolidated_cheques WHERE batch_id = ? ORDER BY id", batchID)
}

func (s *Store) DeleteConsolidations(ctx context.Context, chequeID ledger.ChequeID) (int64, error) {
	return s.exec(ctx, "delete consolidations",
		"DELETE FROM consolidated_cheques WHERE cheque_id = ?", chequeID)
}
