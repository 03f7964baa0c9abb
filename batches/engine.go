/*
engine.go - Payment batch lifecycle

PURPOSE:
  A payment batch groups the allocations paid to growers in one run. The
  engine moves batches through their states, freezes totals when a batch
  stops accepting allocations, and undoes that work on revert or void.

STATES:
  Draft ──Approve──▶ Approved ──Post──▶ Posted ──Process──▶ Processed
    │                   │                                      ▲
    │                   └──UpdateTotals──▶ Completed           │
    ├──Post──▶ Posted                                          │
    ├──UpdateTotals──▶ Completed                               │
    └──MarkFinalized──▶ Finalized ──────────Process────────────┘

  MarkFinalized is only called by consolidation.
  VoidBatch is reachable from Draft, Approved, Posted and Completed.
  RevertToDraft undoes Post or MarkFinalized.

FROZEN TOTALS:
  Draft batches carry no totals. Post and MarkFinalized compute them from
  the non-voided allocations, mark the allocations Posted and write one
  grower account entry per grower. RevertToDraft clears all three.

BATCH NUMBERS:
  {PaymentTypeCode}-{yyyyMMdd}-{HHmmss}, date from the batch date and time
  from the clock. The number column is UNIQUE; on collision a "-N" suffix
  from a per-base sequence is appended.

SEE ALSO:
  - locks.go: price schedule locks
  - allocations.go: allocation recording and totals
  - export.go: electronic payment export
*/
package batches

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/grower-ledger/advances"
	"github.com/warp/grower-ledger/cache"
	"github.com/warp/grower-ledger/ledger"
)

const (
	entityBatch = "batch"

	// maxNumberAttempts bounds the suffix retries in CreateBatch.
	maxNumberAttempts = 5
)

// Engine runs the payment batch lifecycle.
type Engine struct {
	store        ledger.Store
	paymentTypes *cache.PaymentTypes
	advances     *advances.Ledger
	logger       logrus.FieldLogger
	now          ledger.Clock
}

func New(store ledger.Store, paymentTypes *cache.PaymentTypes, adv *advances.Ledger, logger logrus.FieldLogger) *Engine {
	return &Engine{
		store:        store,
		paymentTypes: paymentTypes,
		advances:     adv,
		logger:       logger.WithField("module", "batches"),
		now:          ledger.UTCNow,
	}
}

// WithClock returns a copy of the engine using clock.
func (e *Engine) WithClock(clock ledger.Clock) *Engine {
	c := *e
	c.now = clock
	c.advances = e.advances.WithClock(clock)
	return &c
}

// Bind returns a copy of the engine operating on store.
func (e *Engine) Bind(store ledger.Store) *Engine {
	c := *e
	c.store = store
	c.advances = e.advances.Bind(store)
	return &c
}

// =============================================================================
// CREATION
// =============================================================================

func (e *Engine) CreateBatch(ctx context.Context, paymentTypeID ledger.PaymentTypeID, batchDate time.Time,
	notes, actor string) (batch *ledger.PaymentBatch, err error) {
	ctx, span := ledger.StartSpan(ctx, "batches.CreateBatch", ledger.Attr("payment_type_id", paymentTypeID))
	defer func() { ledger.EndSpan(span, err) }()

	if actor == "" {
		return nil, ledger.Invalid("actor", "required")
	}
	if batchDate.IsZero() {
		return nil, ledger.Invalid("batch_date", "required")
	}

	pt, err := e.paymentTypes.Get(ctx, e.store, paymentTypeID)
	if err != nil {
		return nil, err
	}
	if pt == nil {
		return nil, ledger.NotFound("payment type", paymentTypeID)
	}
	if !pt.Active {
		return nil, ledger.Invalid("payment_type_id", "payment type %s is inactive", pt.Code)
	}

	now := e.now()
	base := BatchNumber(pt.Code, batchDate, now)
	batch = &ledger.PaymentBatch{
		Number:        base,
		PaymentTypeID: paymentTypeID,
		BatchDate:     batchDate.UTC(),
		Status:        ledger.BatchDraft,
		Notes:         notes,
		CreatedAt:     now,
		CreatedBy:     actor,
	}

	for attempt := 1; ; attempt++ {
		err = e.store.CreateBatch(ctx, batch)
		if err == nil {
			break
		}
		if !errors.Is(err, ledger.ErrDuplicate) || attempt == maxNumberAttempts {
			return nil, err
		}
		seq, serr := e.store.NextSequence(ctx, "batch_number:"+base)
		if serr != nil {
			return nil, serr
		}
		e.logger.WithFields(logrus.Fields{"op": "CreateBatch", "number": batch.Number, "suffix": seq}).
			Warn("batch number collision, retrying with suffix")
		batch.Number = fmt.Sprintf("%s-%d", base, seq)
	}

	e.audit(ctx, actor, ledger.AuditBatchCreated, batch.ID, map[string]any{"number": batch.Number})
	e.logger.WithFields(logrus.Fields{"op": "CreateBatch", "batch_id": batch.ID, "number": batch.Number}).
		Info("batch created")
	return batch, nil
}

// BatchNumber formats a batch number from its payment type code, the batch
// date and the creation time.
func BatchNumber(code string, batchDate, createdAt time.Time) string {
	return fmt.Sprintf("%s-%s-%s", code, batchDate.UTC().Format("20060102"), createdAt.UTC().Format("150405"))
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// UpdateTotals records the totals of a batch whose allocation is complete
// and moves it to Completed.
func (e *Engine) UpdateTotals(ctx context.Context, id ledger.BatchID, growers, receipts int,
	amount decimal.Decimal, actor string) (ok bool, err error) {
	ctx, span := ledger.StartSpan(ctx, "batches.UpdateTotals", ledger.Attr("batch_id", id))
	defer func() { ledger.EndSpan(span, err) }()

	amount = ledger.Cents(amount)
	switch {
	case actor == "":
		return false, ledger.Invalid("actor", "required")
	case growers < 0:
		return false, ledger.Invalid("growers", "must not be negative")
	case receipts < 0:
		return false, ledger.Invalid("receipts", "must not be negative")
	case amount.IsNegative():
		return false, ledger.Invalid("amount", "must not be negative, got %s", amount)
	}

	err = e.store.WithTx(ctx, func(tx ledger.Store) error {
		ok, err = e.transition(ctx, tx, id, []ledger.BatchStatus{ledger.BatchDraft, ledger.BatchApproved},
			ledger.BatchCompleted, actor)
		if err != nil || !ok {
			return err
		}
		return tx.UpdateBatchTotals(ctx, id, &ledger.BatchTotals{Amount: amount, Growers: growers, Receipts: receipts})
	})
	if err != nil {
		return false, err
	}
	e.transitioned(ctx, id, ledger.BatchCompleted, actor, ok, nil)
	return ok, nil
}

func (e *Engine) Approve(ctx context.Context, id ledger.BatchID, actor string) (ok bool, err error) {
	ctx, span := ledger.StartSpan(ctx, "batches.Approve", ledger.Attr("batch_id", id))
	defer func() { ledger.EndSpan(span, err) }()

	if actor == "" {
		return false, ledger.Invalid("actor", "required")
	}
	ok, err = e.transition(ctx, e.store, id, []ledger.BatchStatus{ledger.BatchDraft}, ledger.BatchApproved, actor)
	if err != nil {
		return false, err
	}
	e.transitioned(ctx, id, ledger.BatchApproved, actor, ok, nil)
	return ok, nil
}

// Post freezes a Draft or Approved batch.
func (e *Engine) Post(ctx context.Context, id ledger.BatchID, actor string) (bool, error) {
	return e.freeze(ctx, "batches.Post", id, []ledger.BatchStatus{ledger.BatchDraft, ledger.BatchApproved},
		ledger.BatchPosted, actor)
}

// MarkFinalized freezes a Draft batch as Finalized. Only consolidation
// reaches this state.
func (e *Engine) MarkFinalized(ctx context.Context, id ledger.BatchID, actor string) (bool, error) {
	return e.freeze(ctx, "batches.MarkFinalized", id, []ledger.BatchStatus{ledger.BatchDraft},
		ledger.BatchFinalized, actor)
}

func (e *Engine) freeze(ctx context.Context, name string, id ledger.BatchID, from []ledger.BatchStatus,
	to ledger.BatchStatus, actor string) (ok bool, err error) {
	ctx, span := ledger.StartSpan(ctx, name, ledger.Attr("batch_id", id))
	defer func() { ledger.EndSpan(span, err) }()

	if actor == "" {
		return false, ledger.Invalid("actor", "required")
	}

	var summary *Summary
	err = e.store.WithTx(ctx, func(tx ledger.Store) error {
		batch, err := tx.GetBatch(ctx, id)
		if err != nil {
			return err
		}
		if batch == nil || batch.IsDeleted {
			return ledger.NotFound(entityBatch, id)
		}

		ok, err = e.transition(ctx, tx, id, from, to, actor)
		if err != nil || !ok {
			return err
		}

		allocations, err := tx.AllocationsByBatch(ctx, id)
		if err != nil {
			return err
		}
		summary = Summarize(allocations)
		if err := tx.UpdateBatchTotals(ctx, id, &summary.BatchTotals); err != nil {
			return err
		}
		if _, err := tx.SetAllocationStatus(ctx, id, ledger.AllocationPosted); err != nil {
			return err
		}

		now := e.now()
		for _, g := range summary.ByGrower {
			entry := &ledger.GrowerAccountEntry{
				GrowerID:    g.GrowerID,
				BatchID:     id,
				EntryDate:   now,
				Description: "Payment batch " + batch.Number,
				Debit:       decimal.Zero,
				Credit:      g.Amount,
			}
			if err := tx.CreateAccountEntry(ctx, entry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	var details map[string]any
	if ok {
		details = map[string]any{"total": summary.Amount.String(), "growers": summary.Growers}
	}
	e.transitioned(ctx, id, to, actor, ok, details)
	return ok, nil
}

// Process marks a Posted or Finalized batch as paid.
func (e *Engine) Process(ctx context.Context, id ledger.BatchID, actor string) (ok bool, err error) {
	ctx, span := ledger.StartSpan(ctx, "batches.Process", ledger.Attr("batch_id", id))
	defer func() { ledger.EndSpan(span, err) }()

	if actor == "" {
		return false, ledger.Invalid("actor", "required")
	}

	err = e.store.WithTx(ctx, func(tx ledger.Store) error {
		ok, err = e.transition(ctx, tx, id, []ledger.BatchStatus{ledger.BatchPosted, ledger.BatchFinalized},
			ledger.BatchProcessed, actor)
		if err != nil || !ok {
			return err
		}
		_, err = tx.SetAllocationStatus(ctx, id, ledger.AllocationPaid)
		return err
	})
	if err != nil {
		return false, err
	}
	e.transitioned(ctx, id, ledger.BatchProcessed, actor, ok, nil)
	return ok, nil
}

// RevertToDraft returns a frozen batch to Draft: totals are cleared,
// allocations go back to Pending and the batch's account entries are
// soft-deleted.
func (e *Engine) RevertToDraft(ctx context.Context, id ledger.BatchID, from []ledger.BatchStatus, actor string) (ok bool, err error) {
	ctx, span := ledger.StartSpan(ctx, "batches.RevertToDraft", ledger.Attr("batch_id", id))
	defer func() { ledger.EndSpan(span, err) }()

	if actor == "" {
		return false, ledger.Invalid("actor", "required")
	}
	if len(from) == 0 {
		from = []ledger.BatchStatus{ledger.BatchPosted, ledger.BatchFinalized}
	}

	var entries int64
	err = e.store.WithTx(ctx, func(tx ledger.Store) error {
		ok, err = e.transition(ctx, tx, id, from, ledger.BatchDraft, actor)
		if err != nil || !ok {
			return err
		}
		if err := tx.UpdateBatchTotals(ctx, id, nil); err != nil {
			return err
		}
		if _, err := tx.SetAllocationStatus(ctx, id, ledger.AllocationPending); err != nil {
			return err
		}
		entries, err = tx.SoftDeleteAccountEntries(ctx, id, actor, e.now())
		return err
	})
	if err != nil {
		return false, err
	}

	var details map[string]any
	if ok {
		details = map[string]any{"account_entries_deleted": entries}
	}
	e.transitioned(ctx, id, ledger.BatchDraft, actor, ok, details)
	return ok, nil
}

// VoidBatch cancels a batch and unwinds everything it holds: schedule
// locks, advance deductions, allocations, Generated cheques and account
// entries.
func (e *Engine) VoidBatch(ctx context.Context, id ledger.BatchID, reason, actor string) (ok bool, err error) {
	ctx, span := ledger.StartSpan(ctx, "batches.VoidBatch", ledger.Attr("batch_id", id))
	defer func() { ledger.EndSpan(span, err) }()

	if actor == "" {
		return false, ledger.Invalid("actor", "required")
	}

	details := map[string]any{"reason": reason}
	err = e.store.WithTx(ctx, func(tx ledger.Store) error {
		bound := e.Bind(tx)
		ok, err = bound.transition(ctx, tx, id,
			[]ledger.BatchStatus{ledger.BatchDraft, ledger.BatchApproved, ledger.BatchPosted, ledger.BatchCompleted},
			ledger.BatchVoided, actor)
		if err != nil || !ok {
			return err
		}

		now := e.now()
		locks, err := tx.ReleaseLocks(ctx, id, actor, now)
		if err != nil {
			return err
		}
		restored, err := bound.advances.VoidBatchDeductions(ctx, id, reason, actor)
		if err != nil {
			return err
		}
		allocations, err := tx.VoidAllocationsForBatch(ctx, id)
		if err != nil {
			return err
		}
		cheques, err := VoidGeneratedCheques(ctx, tx, id, nil, reason, actor, now)
		if err != nil {
			return err
		}
		entries, err := tx.SoftDeleteAccountEntries(ctx, id, actor, now)
		if err != nil {
			return err
		}

		details["locks_released"] = locks
		details["deductions_restored"] = restored.String()
		details["allocations_voided"] = allocations
		details["cheques_voided"] = cheques
		details["account_entries_deleted"] = entries
		return nil
	})
	if err != nil {
		return false, err
	}
	if !ok {
		details = nil
	}
	e.transitioned(ctx, id, ledger.BatchVoided, actor, ok, details)
	return ok, nil
}

// VoidGeneratedCheques voids the batch's Generated cheques, restricted to
// grower when it is non-nil. It returns the number voided.
func VoidGeneratedCheques(ctx context.Context, store ledger.Store, batchID ledger.BatchID, grower *ledger.GrowerID,
	reason, actor string, at time.Time) (int, error) {
	cheques, err := store.ChequesByBatch(ctx, batchID)
	if err != nil {
		return 0, err
	}
	voided := 0
	for _, c := range cheques {
		if c.Status != ledger.ChequeGenerated || (grower != nil && c.GrowerID != *grower) {
			continue
		}
		ok, err := store.TransitionCheque(ctx, ledger.ChequeTransition{
			ID:     c.ID,
			From:   []ledger.ChequeStatus{ledger.ChequeGenerated},
			To:     ledger.ChequeVoided,
			Actor:  actor,
			Reason: reason,
			At:     at,
		})
		if err != nil {
			return voided, err
		}
		if ok {
			voided++
		}
	}
	return voided, nil
}

// DeleteMode reports how DeleteBatch removed a batch.
type DeleteMode string

const (
	HardDeleted DeleteMode = "hard"
	SoftDeleted DeleteMode = "soft"
)

// DeleteBatch removes a Draft or Voided batch. A batch that ever received
// an allocation, or still holds locks, is only soft-deleted.
func (e *Engine) DeleteBatch(ctx context.Context, id ledger.BatchID, actor string) (mode DeleteMode, err error) {
	ctx, span := ledger.StartSpan(ctx, "batches.DeleteBatch", ledger.Attr("batch_id", id))
	defer func() { ledger.EndSpan(span, err) }()

	if actor == "" {
		return "", ledger.Invalid("actor", "required")
	}

	err = e.store.WithTx(ctx, func(tx ledger.Store) error {
		batch, err := tx.GetBatch(ctx, id)
		if err != nil {
			return err
		}
		if batch == nil || batch.IsDeleted {
			return ledger.NotFound(entityBatch, id)
		}
		if batch.Status != ledger.BatchDraft && batch.Status != ledger.BatchVoided {
			return ledger.Conflict(entityBatch, id, "only draft or voided batches can be deleted, batch is %s", batch.Status)
		}

		allocated, err := tx.HasPaymentAllocations(ctx, id)
		if err != nil {
			return err
		}
		locks, err := tx.LocksByBatch(ctx, id)
		if err != nil {
			return err
		}
		if allocated || len(locks) > 0 {
			mode = SoftDeleted
			return tx.SoftDeleteBatch(ctx, id, actor, e.now())
		}
		mode = HardDeleted
		return tx.DeleteBatch(ctx, id)
	})
	if err != nil {
		return "", err
	}

	e.audit(ctx, actor, ledger.AuditBatchDeleted, id, map[string]any{"mode": string(mode)})
	e.logger.WithFields(logrus.Fields{"op": "DeleteBatch", "batch_id": id, "mode": mode}).Info("batch deleted")
	return mode, nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (e *Engine) Get(ctx context.Context, id ledger.BatchID) (*ledger.PaymentBatch, error) {
	b, err := e.store.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if b == nil || b.IsDeleted {
		return nil, ledger.NotFound(entityBatch, id)
	}
	return b, nil
}

func (e *Engine) List(ctx context.Context, filter ledger.BatchFilter) ([]ledger.PaymentBatch, error) {
	return e.store.ListBatches(ctx, filter)
}

// =============================================================================
// HELPERS
// =============================================================================

func (e *Engine) transition(ctx context.Context, store ledger.Store, id ledger.BatchID,
	from []ledger.BatchStatus, to ledger.BatchStatus, actor string) (bool, error) {
	return store.TransitionBatch(ctx, ledger.BatchTransition{ID: id, From: from, To: to, Actor: actor, At: e.now()})
}

func (e *Engine) transitioned(ctx context.Context, id ledger.BatchID, to ledger.BatchStatus, actor string,
	ok bool, details map[string]any) {
	log := e.logger.WithFields(logrus.Fields{"batch_id": id, "to": to})
	if !ok {
		log.Debug("batch transition did not apply")
		return
	}
	if details == nil {
		details = map[string]any{}
	}
	details["to"] = string(to)
	e.audit(ctx, actor, ledger.AuditBatchTransitioned, id, details)
	log.Info("batch transitioned")
}

func (e *Engine) audit(ctx context.Context, actor string, action ledger.AuditAction, id ledger.BatchID, details map[string]any) {
	ledger.Audit(ctx, e.store, e.logger, ledger.AuditEntry{
		Timestamp:  e.now(),
		Actor:      actor,
		Action:     action,
		EntityType: entityBatch,
		EntityID:   int64(id),
		Details:    details,
	})
}
