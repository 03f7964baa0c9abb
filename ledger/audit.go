package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// AUDIT LOG - Separate from the ledger, tracks who did what when
// =============================================================================

type AuditEntry struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Actor      string         `json:"actor"`
	Action     AuditAction    `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   int64          `json:"entity_id"`
	Details    map[string]any `json:"details,omitempty"`
}

type AuditAction string

const (
	AuditAdvanceCreated       AuditAction = "advance_created"
	AuditAdvancePrinted       AuditAction = "advance_printed"
	AuditAdvanceDelivered     AuditAction = "advance_delivered"
	AuditAdvanceVoided        AuditAction = "advance_voided"
	AuditDeductionsApplied    AuditAction = "deductions_applied"
	AuditDeductionsReversed   AuditAction = "deductions_reversed"
	AuditDeductionsVoided     AuditAction = "deductions_voided"
	AuditBatchCreated         AuditAction = "batch_created"
	AuditBatchTransitioned    AuditAction = "batch_transitioned"
	AuditBatchDeleted         AuditAction = "batch_deleted"
	AuditLocksAcquired        AuditAction = "locks_acquired"
	AuditLocksReleased        AuditAction = "locks_released"
	AuditConsolidated         AuditAction = "cheque_consolidated"
	AuditConsolidationRevert  AuditAction = "consolidation_reverted"
	AuditReceiptVoided        AuditAction = "receipt_voided"
	AuditReconciliation       AuditAction = "reconciliation"
	AuditExceptionResolved    AuditAction = "exception_resolved"
	AuditAdvanceBalanceRepair AuditAction = "advance_balance_repaired"
)

type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

type AuditFilter struct {
	EntityType string
	EntityID   *int64
	Actor      string
	Actions    []AuditAction
	From       *time.Time
	To         *time.Time
}

// Audit writes entry to log. Failures are logged and dropped: the audit trail
// never fails the operation it describes.
func Audit(ctx context.Context, log AuditLog, logger logrus.FieldLogger, entry AuditEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if err := log.AppendAudit(ctx, entry); err != nil {
		logger.WithFields(logrus.Fields{
			"action":      entry.Action,
			"entity_type": entry.EntityType,
			"entity_id":   entry.EntityID,
		}).WithError(err).Warn("audit write failed")
	}
}
