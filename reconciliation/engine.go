/*
engine.go - Batch reconciliation and the exception workflow

PURPOSE:
  Recomputes what a batch should have paid against what was actually
  issued and records every disagreement as data. A discrepancy is never
  an error: it becomes a PaymentException for a person to resolve.

AMOUNTS:
  Expected = Σ non-voided allocations of the batch
  Actual   = Σ non-voided cheques of the batch
           + Σ consolidated shares of the batch on non-voided cheques
           + Σ active advance deductions applied from the batch
  Reconciled when |Expected - Actual| ≤ 0.01.

CHECKS:
  Per grower (batches past Draft):
    MissingPayment      allocations but no cheque, share or deduction
    DuplicatePayment    more than one live cheque or share
    AmountDiscrepancy   paid amount differs from the allocations
  Per batch:
    TotalsMismatch      frozen totals differ from the allocation sums
    OrphanedLock        live schedule locks on a voided or deleted batch,
                        or on a frozen batch with no allocation under
                        that schedule

  Draft batches expect no payments; only their locks are checked.

DEDUPLICATION:
  A finding matching an Open exception of the same type and scope reuses
  that row instead of writing a new one.

SERIALISATION:
  Runs are serialised per batch through a cache.Locker. When the lock is
  held elsewhere or the backend is down the run is logged and proceeds;
  the result is still consistent because all writes share one
  transaction.

SEE ALSO:
  - advances.go: advance ledger identity check and repair
*/
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/grower-ledger/batches"
	"github.com/warp/grower-ledger/cache"
	"github.com/warp/grower-ledger/ledger"
)

const defaultLockTTL = time.Minute

type Engine struct {
	store   ledger.Store
	locker  cache.Locker
	lockTTL time.Duration
	logger  logrus.FieldLogger
	now     ledger.Clock
}

// New builds an engine. A nil locker disables run serialisation.
func New(store ledger.Store, locker cache.Locker, lockTTL time.Duration, logger logrus.FieldLogger) *Engine {
	if locker == nil {
		locker = cache.NoopLocker{}
	}
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	return &Engine{
		store:   store,
		locker:  locker,
		lockTTL: lockTTL,
		logger:  logger.WithField("module", "reconciliation"),
		now:     ledger.UTCNow,
	}
}

func (e *Engine) WithClock(clock ledger.Clock) *Engine {
	c := *e
	c.now = clock
	return &c
}

// =============================================================================
// BATCH RECONCILIATION
// =============================================================================

// growerPayments is what one grower was actually paid from a batch.
type growerPayments struct {
	expected    decimal.Decimal
	actual      decimal.Decimal
	instruments int // live cheques and consolidated shares
	deductions  int
}

// ReconcileBatch compares expected against issued amounts for the batch and
// writes a report plus any exceptions. The returned exceptions are this
// run's findings; already-open ones are returned as stored.
func (e *Engine) ReconcileBatch(ctx context.Context, batchID ledger.BatchID, actor string) (
	report *ledger.ReconciliationReport, found []ledger.PaymentException, err error) {
	ctx, span := ledger.StartSpan(ctx, "reconciliation.ReconcileBatch", ledger.Attr("batch_id", batchID))
	defer func() { ledger.EndSpan(span, err) }()

	if actor == "" {
		return nil, nil, ledger.Invalid("actor", "required")
	}

	release := e.serialise(ctx, "reconcile:batch:"+strconv.FormatInt(int64(batchID), 10))
	defer release()

	batch, err := e.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, nil, err
	}
	if batch == nil {
		return nil, nil, ledger.NotFound("batch", batchID)
	}

	now := e.now()
	report = &ledger.ReconciliationReport{
		BatchID:        batchID,
		ExpectedAmount: decimal.Zero,
		ActualAmount:   decimal.Zero,
		GeneratedAt:    now,
		GeneratedBy:    actor,
	}

	allocs, err := e.store.AllocationsByBatch(ctx, batchID)
	if err != nil {
		return nil, nil, err
	}
	summary := batches.Summarize(allocs)

	if batch.Status != ledger.BatchDraft {
		payments, err := e.payments(ctx, batch, summary)
		if err != nil {
			return nil, nil, err
		}
		report.ExpectedAmount = summary.Amount
		for _, id := range sortedGrowers(payments) {
			p := payments[id]
			report.ActualAmount = report.ActualAmount.Add(p.actual)
			found = append(found, growerFindings(batch, id, p, now)...)
		}
		if exc := totalsFinding(batch, summary, now); exc != nil {
			found = append(found, *exc)
		}
	}

	lockExc, err := e.lockFinding(ctx, batch, allocs, now)
	if err != nil {
		return nil, nil, err
	}
	if lockExc != nil {
		found = append(found, *lockExc)
	}

	report.Difference = report.ExpectedAmount.Sub(report.ActualAmount)
	report.Status = ledger.Reconciled
	if !ledger.Balanced(report.ExpectedAmount, report.ActualAmount) {
		report.Status = ledger.Discrepancy
	}
	report.ExceptionCount = len(found)

	err = e.store.WithTx(ctx, func(tx ledger.Store) error {
		open, err := tx.ListExceptions(ctx, ledger.ExceptionFilter{BatchID: &batchID, Status: ledger.ExceptionOpen})
		if err != nil {
			return err
		}
		if found, err = record(ctx, tx, open, found); err != nil {
			return err
		}
		return tx.CreateReport(ctx, report)
	})
	if err != nil {
		return nil, nil, err
	}

	e.audit(ctx, actor, ledger.AuditReconciliation, "batch", int64(batchID), map[string]any{
		"status":     report.Status,
		"difference": report.Difference.StringFixed(2),
		"exceptions": report.ExceptionCount,
	})
	e.logger.WithFields(logrus.Fields{
		"op": "ReconcileBatch", "batch_id": batchID, "status": report.Status,
		"difference": report.Difference.StringFixed(2), "exceptions": report.ExceptionCount,
	}).Info("batch reconciled")
	return report, found, nil
}

// serialise obtains the run lock. The returned func releases it.
func (e *Engine) serialise(ctx context.Context, key string) func() {
	lock, err := e.locker.Obtain(ctx, key, e.lockTTL)
	if err != nil {
		entry := e.logger.WithFields(logrus.Fields{"op": "ReconcileBatch", "lock": key})
		if errors.Is(err, cache.ErrNotObtained) {
			entry.Warn("reconciliation already running elsewhere, proceeding")
		} else {
			entry.WithError(err).Warn("reconciliation lock unavailable, proceeding")
		}
		return func() {}
	}
	return func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			e.logger.WithError(err).WithField("lock", key).Warn("failed to release reconciliation lock")
		}
	}
}

func (e *Engine) payments(ctx context.Context, batch *ledger.PaymentBatch, summary *batches.Summary) (map[ledger.GrowerID]*growerPayments, error) {
	out := map[ledger.GrowerID]*growerPayments{}
	get := func(id ledger.GrowerID) *growerPayments {
		p, ok := out[id]
		if !ok {
			p = &growerPayments{expected: decimal.Zero, actual: decimal.Zero}
			out[id] = p
		}
		return p
	}
	for _, g := range summary.ByGrower {
		get(g.GrowerID).expected = g.Amount
	}

	cheques, err := e.store.ChequesByBatch(ctx, batch.ID)
	if err != nil {
		return nil, err
	}
	for _, c := range cheques {
		if c.Status == ledger.ChequeVoided {
			continue
		}
		p := get(c.GrowerID)
		p.actual = p.actual.Add(c.Amount)
		p.instruments++
	}

	shares, err := e.store.ConsolidationsByBatch(ctx, batch.ID)
	if err != nil {
		return nil, err
	}
	for _, s := range shares {
		c, err := e.store.GetCheque(ctx, s.ChequeID)
		if err != nil {
			return nil, err
		}
		if c == nil || c.Status == ledger.ChequeVoided {
			continue
		}
		p := get(c.GrowerID)
		p.actual = p.actual.Add(s.Amount)
		p.instruments++
	}

	deductions, err := e.store.DeductionsByBatch(ctx, batch.ID)
	if err != nil {
		return nil, err
	}
	for _, d := range deductions {
		if !d.Active() {
			continue
		}
		p := get(d.GrowerID)
		p.actual = p.actual.Add(d.Amount)
		p.deductions++
	}
	return out, nil
}

func growerFindings(batch *ledger.PaymentBatch, growerID ledger.GrowerID, p *growerPayments, at time.Time) []ledger.PaymentException {
	exc := func(t ledger.ExceptionType, format string, args ...any) ledger.PaymentException {
		return ledger.PaymentException{
			Type:           t,
			BatchID:        ledger.Ptr(batch.ID),
			GrowerID:       ledger.Ptr(growerID),
			ExpectedAmount: p.expected,
			ActualAmount:   p.actual,
			Description:    fmt.Sprintf(format, args...),
			Status:         ledger.ExceptionOpen,
			DetectedAt:     at,
		}
	}

	var out []ledger.PaymentException
	if p.expected.IsPositive() && p.instruments == 0 && p.deductions == 0 {
		return append(out, exc(ledger.ExceptionMissingPayment,
			"no payment issued for %s allocated in batch %s", p.expected.StringFixed(2), batch.Number))
	}
	if p.instruments > 1 {
		out = append(out, exc(ledger.ExceptionDuplicatePayment,
			"%d live payments in batch %s", p.instruments, batch.Number))
	}
	if !ledger.Balanced(p.expected, p.actual) {
		out = append(out, exc(ledger.ExceptionAmountDiscrepancy,
			"paid %s against %s allocated in batch %s",
			p.actual.StringFixed(2), p.expected.StringFixed(2), batch.Number))
	}
	return out
}

func totalsFinding(batch *ledger.PaymentBatch, summary *batches.Summary, at time.Time) *ledger.PaymentException {
	if !batch.Status.HasFrozenTotals() {
		return nil
	}
	stored := decimal.Zero
	if batch.TotalAmount.Valid {
		stored = batch.TotalAmount.Decimal
	}
	growers, receipts := 0, 0
	if batch.TotalGrowers != nil {
		growers = *batch.TotalGrowers
	}
	if batch.TotalReceipts != nil {
		receipts = *batch.TotalReceipts
	}
	if batch.TotalAmount.Valid && ledger.Balanced(stored, summary.Amount) &&
		growers == summary.Growers && receipts == summary.Receipts {
		return nil
	}
	return &ledger.PaymentException{
		Type:           ledger.ExceptionTotalsMismatch,
		BatchID:        ledger.Ptr(batch.ID),
		ExpectedAmount: summary.Amount,
		ActualAmount:   stored,
		Description: fmt.Sprintf("batch %s totals %s/%d growers/%d receipts, allocations %s/%d/%d",
			batch.Number, stored.StringFixed(2), growers, receipts,
			summary.Amount.StringFixed(2), summary.Growers, summary.Receipts),
		Status:     ledger.ExceptionOpen,
		DetectedAt: at,
	}
}

func (e *Engine) lockFinding(ctx context.Context, batch *ledger.PaymentBatch, allocs []ledger.PaymentAllocation, at time.Time) (*ledger.PaymentException, error) {
	locks, err := e.store.LocksByBatch(ctx, batch.ID)
	if err != nil || len(locks) == 0 {
		return nil, err
	}

	var orphaned int
	switch {
	case batch.IsDeleted || batch.Status == ledger.BatchVoided:
		orphaned = len(locks)
	case batch.Status.HasFrozenTotals():
		used := map[ledger.PriceScheduleID]bool{}
		for _, a := range allocs {
			if a.Status != ledger.AllocationVoided {
				used[a.PriceScheduleID] = true
			}
		}
		for _, l := range locks {
			if !used[l.PriceScheduleID] {
				orphaned++
			}
		}
	}
	if orphaned == 0 {
		return nil, nil
	}
	return &ledger.PaymentException{
		Type:           ledger.ExceptionOrphanedLock,
		BatchID:        ledger.Ptr(batch.ID),
		ExpectedAmount: decimal.Zero,
		ActualAmount:   decimal.Zero,
		Description:    fmt.Sprintf("%d orphaned price schedule lock(s) held by %s batch %s", orphaned, batch.Status, batch.Number),
		Status:         ledger.ExceptionOpen,
		DetectedAt:     at,
	}, nil
}

// record writes the findings that are not already open and returns the
// stored rows in order.
func record(ctx context.Context, tx ledger.Store, open, found []ledger.PaymentException) ([]ledger.PaymentException, error) {
	out := make([]ledger.PaymentException, 0, len(found))
	for _, f := range found {
		if existing, ok := matchOpen(open, f); ok {
			out = append(out, existing)
			continue
		}
		if err := tx.CreateException(ctx, &f); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func matchOpen(open []ledger.PaymentException, f ledger.PaymentException) (ledger.PaymentException, bool) {
	for _, o := range open {
		if o.SameScope(f) {
			return o, true
		}
	}
	return ledger.PaymentException{}, false
}

func sortedGrowers(m map[ledger.GrowerID]*growerPayments) []ledger.GrowerID {
	ids := make([]ledger.GrowerID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Reports lists the batch's reconciliation reports, newest first.
func (e *Engine) Reports(ctx context.Context, batchID ledger.BatchID) ([]ledger.ReconciliationReport, error) {
	return e.store.ReportsByBatch(ctx, batchID)
}

// =============================================================================
// EXCEPTIONS
// =============================================================================

func (e *Engine) ListExceptions(ctx context.Context, filter ledger.ExceptionFilter) ([]ledger.PaymentException, error) {
	return e.store.ListExceptions(ctx, filter)
}

// ResolveException closes an open exception. It reports false when the
// exception was already resolved.
func (e *Engine) ResolveException(ctx context.Context, id ledger.ExceptionID, notes, actor string) (ok bool, err error) {
	ctx, span := ledger.StartSpan(ctx, "reconciliation.ResolveException", ledger.Attr("exception_id", id))
	defer func() { ledger.EndSpan(span, err) }()

	if notes == "" {
		return false, ledger.Invalid("notes", "resolution notes are required")
	}
	if actor == "" {
		return false, ledger.Invalid("actor", "required")
	}

	exc, err := e.store.GetException(ctx, id)
	if err != nil {
		return false, err
	}
	if exc == nil {
		return false, ledger.NotFound("exception", id)
	}
	ok, err = e.store.ResolveException(ctx, id, notes, actor, e.now())
	if err != nil || !ok {
		return ok, err
	}

	e.audit(ctx, actor, ledger.AuditExceptionResolved, "exception", int64(id), map[string]any{
		"type": exc.Type, "notes": notes,
	})
	return true, nil
}

func (e *Engine) audit(ctx context.Context, actor string, action ledger.AuditAction, entity string, id int64, details map[string]any) {
	ledger.Audit(ctx, e.store, e.logger, ledger.AuditEntry{
		Timestamp:  e.now(),
		Actor:      actor,
		Action:     action,
		EntityType: entity,
		EntityID:   id,
		Details:    details,
	})
}
