package batches

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/warp/grower-ledger/ledger"
)

// =============================================================================
// PRICE SCHEDULE LOCKS
// =============================================================================
//
// A lock claims a (price schedule, payment type) pair for one batch. The
// store enforces at most one active lock per pair; a batch racing another
// for the same pair skips that row instead of failing.

type LockRequest struct {
	PriceScheduleID ledger.PriceScheduleID `json:"price_schedule_id"`
	PaymentTypeID   ledger.PaymentTypeID   `json:"payment_type_id"`
}

// AcquireScheduleLocks inserts one lock per distinct pair in requests and
// returns how many were inserted. Pairs already held elsewhere are skipped.
func (e *Engine) AcquireScheduleLocks(ctx context.Context, batchID ledger.BatchID, requests []LockRequest,
	actor string) (acquired int, err error) {
	ctx, span := ledger.StartSpan(ctx, "batches.AcquireScheduleLocks", ledger.Attr("batch_id", batchID))
	defer func() { ledger.EndSpan(span, err) }()

	if actor == "" {
		return 0, ledger.Invalid("actor", "required")
	}

	batch, err := e.store.GetBatch(ctx, batchID)
	if err != nil {
		return 0, err
	}
	if batch == nil || batch.IsDeleted {
		return 0, ledger.NotFound(entityBatch, batchID)
	}
	if batch.Status == ledger.BatchVoided {
		return 0, ledger.Conflict(entityBatch, batchID, "cannot lock schedules for a voided batch")
	}

	skipped := 0
	seen := make(map[LockRequest]struct{}, len(requests))
	for _, req := range requests {
		if _, dup := seen[req]; dup {
			continue
		}
		seen[req] = struct{}{}

		lock := &ledger.PriceScheduleLock{
			PriceScheduleID: req.PriceScheduleID,
			PaymentTypeID:   req.PaymentTypeID,
			BatchID:         batchID,
			LockedAt:        e.now(),
			LockedBy:        actor,
		}
		err := e.store.InsertScheduleLock(ctx, lock)
		if errors.Is(err, ledger.ErrDuplicate) {
			skipped++
			e.logger.WithFields(logrus.Fields{
				"op": "AcquireScheduleLocks", "batch_id": batchID,
				"price_schedule_id": req.PriceScheduleID, "payment_type_id": req.PaymentTypeID,
			}).Warn("schedule already locked by another batch, skipping")
			continue
		}
		if err != nil {
			return acquired, err
		}
		acquired++
	}

	if acquired > 0 {
		e.audit(ctx, actor, ledger.AuditLocksAcquired, batchID, map[string]any{"acquired": acquired, "skipped": skipped})
	}
	e.logger.WithFields(logrus.Fields{"op": "AcquireScheduleLocks", "batch_id": batchID, "acquired": acquired, "skipped": skipped}).
		Info("schedule locks acquired")
	return acquired, nil
}

// ReleaseLocks soft-deletes the batch's active locks.
func (e *Engine) ReleaseLocks(ctx context.Context, batchID ledger.BatchID, actor string) (released int, err error) {
	ctx, span := ledger.StartSpan(ctx, "batches.ReleaseLocks", ledger.Attr("batch_id", batchID))
	defer func() { ledger.EndSpan(span, err) }()

	if actor == "" {
		return 0, ledger.Invalid("actor", "required")
	}

	n, err := e.store.ReleaseLocks(ctx, batchID, actor, e.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.audit(ctx, actor, ledger.AuditLocksReleased, batchID, map[string]any{"released": n})
	}
	return int(n), nil
}

func (e *Engine) Locks(ctx context.Context, batchID ledger.BatchID) ([]ledger.PriceScheduleLock, error) {
	return e.store.LocksByBatch(ctx, batchID)
}
