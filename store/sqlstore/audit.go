package sqlstore

import (
	"context"
	"encoding/json"

	"github.com/warp/grower-ledger/ledger"
)

// =============================================================================
// AUDIT LOG
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, e ledger.AuditEntry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return ledger.Persistence("marshal audit details", err)
	}
	_, err = s.exec(ctx, "append audit",
		`INSERT INTO audit_log (id, ts, actor, action, entity_type, entity_id, details)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.UTC(), e.Actor, e.Action, e.EntityType, e.EntityID, string(details))
	return err
}

func scanAudit(row scanner) (ledger.AuditEntry, error) {
	var (
		e       ledger.AuditEntry
		details string
	)
	if err := row.Scan(&e.ID, &e.Timestamp, &e.Actor, &e.Action, &e.EntityType, &e.EntityID, &details); err != nil {
		return e, err
	}
	if details != "" && details != "null" {
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return e, err
		}
	}
	return e, nil
}

func (s *Store) QueryAudit(ctx context.Context, filter ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	query := "SELECT id, ts, actor, action, entity_type, entity_id, details FROM audit_log WHERE 1 = 1"
	var args []any
	if filter.EntityType != "" {
		query += " AND entity_type = ?"
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != nil {
		query += " AND entity_id = ?"
		args = append(args, *filter.EntityID)
	}
	if filter.Actor != "" {
		query += " AND actor = ?"
		args = append(args, filter.Actor)
	}
	if len(filter.Actions) > 0 {
		marks, actionArgs := in(filter.Actions)
		query += " AND action IN (" + marks + ")"
		args = append(args, actionArgs...)
	}
	if filter.From != nil {
		query += " AND ts >= ?"
		args = append(args, filter.From.UTC())
	}
	if filter.To != nil {
		query += " AND ts <= ?"
		args = append(args, filter.To.UTC())
	}
	query += " ORDER BY ts, id"
	return queryAll(ctx, s.q, "query audit", scanAudit, query, args...)
}

// =============================================================================
// SEQUENCES
// =============================================================================

func (s *Store) NextSequence(ctx context.Context, name string) (int64, error) {
	var next int64
	err := s.WithTx(ctx, func(tx ledger.Store) error {
		q := tx.(*Store).q
		if _, err := q.ExecContext(ctx, s.dialect.bumpSequence, name); err != nil {
			return ledger.Persistence("bump sequence", err)
		}
		if err := q.QueryRowContext(ctx, "SELECT value FROM sequences WHERE name = ?", name).Scan(&next); err != nil {
			return ledger.Persistence("read sequence", err)
		}
		return nil
	})
	return next, err
}
