/*
engine.go - Cross-batch cheque consolidation

PURPOSE:
  A grower with allocations in several draft batches can be paid with one
  cheque. Consolidation issues that cheque, records each source batch's
  share of it and finalizes the source batches.

VALIDATION:
  Errors block the operation:
    - no batches, or a batch named twice
    - a batch that does not exist or is not Draft
    - a batch with no allocation for the grower
    - a combined amount that is not positive
    - a grower on hold
  Warnings do not block:
    - more batches than MaxBatchesWarning
    - a combined amount above AmountWarningThreshold
    - outstanding advances for the grower

SPLIT:
  The cheque amount is divided across batches in proportion to each batch's
  allocation total for the grower. Shares are rounded to cents and the last
  batch takes the remainder, so shares always sum to the cheque amount.
  A split that leaves any batch a share of zero or less is rejected, so no
  share row is ever written for 0.00.

  Example: $300 cheque, contributions $100 / $200 → shares $100 / $200.
           $100 cheque, contributions $1 / $1 / $1 → $33.33 / $33.33 / $33.34.

ATOMICITY:
  Generate and Revert each run in one transaction. A batch that cannot be
  transitioned aborts the whole operation.

SEE ALSO:
  - batches/engine.go: MarkFinalized and RevertToDraft
  - voids/cascade.go: reverts consolidations covering a voided receipt
*/
package consolidation

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/grower-ledger/advances"
	"github.com/warp/grower-ledger/batches"
	"github.com/warp/grower-ledger/ledger"
)

const entityCheque = "cheque"

type Config struct {
	MaxBatchesWarning      int
	AmountWarningThreshold decimal.Decimal
}

// DefaultConfig warns above five batches or $10,000.
func DefaultConfig() Config {
	return Config{MaxBatchesWarning: 5, AmountWarningThreshold: decimal.NewFromInt(10000)}
}

type Engine struct {
	store    ledger.Store
	batches  *batches.Engine
	advances *advances.Ledger
	cfg      Config
	logger   logrus.FieldLogger
	now      ledger.Clock
}

func New(store ledger.Store, batchEngine *batches.Engine, adv *advances.Ledger, cfg Config, logger logrus.FieldLogger) *Engine {
	return &Engine{
		store:    store,
		batches:  batchEngine,
		advances: adv,
		cfg:      cfg,
		logger:   logger.WithField("module", "consolidation"),
		now:      ledger.UTCNow,
	}
}

func (e *Engine) WithClock(clock ledger.Clock) *Engine {
	c := *e
	c.now = clock
	c.batches = e.batches.WithClock(clock)
	c.advances = e.advances.WithClock(clock)
	return &c
}

func (e *Engine) Bind(store ledger.Store) *Engine {
	c := *e
	c.store = store
	c.batches = e.batches.Bind(store)
	c.advances = e.advances.Bind(store)
	return &c
}

// =============================================================================
// VALIDATION
// =============================================================================

// Contribution is one batch's allocation total for the grower.
type Contribution struct {
	BatchID     ledger.BatchID  `json:"batch_id"`
	BatchNumber string          `json:"batch_number"`
	Amount      decimal.Decimal `json:"amount"`
}

type ValidationResult struct {
	IsValid       bool            `json:"is_valid"`
	Errors        []string        `json:"errors"`
	Warnings      []string        `json:"warnings"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Contributions []Contribution  `json:"contributions"`
}

func (r *ValidationResult) fail(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// ValidateConsolidation checks whether the grower's allocations in batchIDs
// can be paid with one cheque. Only an unknown grower or a store failure is
// returned as an error; everything else is reported in the result.
func (e *Engine) ValidateConsolidation(ctx context.Context, growerID ledger.GrowerID, batchIDs []ledger.BatchID) (res *ValidationResult, err error) {
	ctx, span := ledger.StartSpan(ctx, "consolidation.ValidateConsolidation", ledger.Attr("grower_id", growerID))
	defer func() { ledger.EndSpan(span, err) }()

	return e.validate(ctx, growerID, batchIDs)
}

func (e *Engine) validate(ctx context.Context, growerID ledger.GrowerID, batchIDs []ledger.BatchID) (*ValidationResult, error) {
	res := &ValidationResult{TotalAmount: decimal.Zero}

	grower, err := e.store.GetGrower(ctx, growerID)
	if err != nil {
		return nil, err
	}
	if grower == nil {
		return nil, ledger.NotFound("grower", growerID)
	}
	if grower.OnHold {
		res.fail("grower %s is on hold", grower.Number)
	}

	if len(batchIDs) == 0 {
		res.fail("at least one batch is required")
	}

	seen := map[ledger.BatchID]bool{}
	for _, id := range batchIDs {
		if seen[id] {
			res.fail("batch %d is listed more than once", id)
			continue
		}
		seen[id] = true

		batch, err := e.store.GetBatch(ctx, id)
		if err != nil {
			return nil, err
		}
		if batch == nil || batch.IsDeleted {
			res.fail("batch %d not found", id)
			continue
		}
		if batch.Status != ledger.BatchDraft {
			res.fail("batch %s is %s, not Draft", batch.Number, batch.Status)
		}

		allocations, err := e.store.AllocationsByBatch(ctx, id)
		if err != nil {
			return nil, err
		}
		amount, ok := batches.Summarize(allocations).GrowerTotal(growerID)
		if !ok {
			res.fail("grower %s has no allocation in batch %s", grower.Number, batch.Number)
			continue
		}
		res.Contributions = append(res.Contributions, Contribution{BatchID: id, BatchNumber: batch.Number, Amount: amount})
		res.TotalAmount = res.TotalAmount.Add(amount)
	}

	if len(batchIDs) > 0 && !res.TotalAmount.IsPositive() {
		res.fail("combined amount must be positive, got %s", res.TotalAmount)
	}

	if e.cfg.MaxBatchesWarning > 0 && len(batchIDs) > e.cfg.MaxBatchesWarning {
		res.warn("consolidating %d batches exceeds the usual maximum of %d", len(batchIDs), e.cfg.MaxBatchesWarning)
	}
	if e.cfg.AmountWarningThreshold.IsPositive() && res.TotalAmount.GreaterThan(e.cfg.AmountWarningThreshold) {
		res.warn("combined amount %s exceeds %s", res.TotalAmount.StringFixed(2), e.cfg.AmountWarningThreshold.StringFixed(2))
	}
	outstanding, err := e.advances.GetTotalOutstanding(ctx, growerID)
	if err != nil {
		return nil, err
	}
	if outstanding.IsPositive() {
		res.warn("grower %s has outstanding advances of %s", grower.Number, outstanding.StringFixed(2))
	}

	res.IsValid = len(res.Errors) == 0
	return res, nil
}

// =============================================================================
// GENERATION
// =============================================================================

type Share struct {
	ledger.ConsolidatedCheque
	BatchNumber string `json:"batch_number"`
}

type Result struct {
	Cheque   ledger.Cheque `json:"cheque"`
	Shares   []Share       `json:"shares"`
	Warnings []string      `json:"warnings"`
}

// GenerateConsolidatedCheque issues one cheque for amount covering the
// grower's allocations in batchIDs and finalizes every source batch. The
// amount may be less than the combined allocations, for example after
// advance deductions, but never more.
func (e *Engine) GenerateConsolidatedCheque(ctx context.Context, growerID ledger.GrowerID, batchIDs []ledger.BatchID,
	amount decimal.Decimal, actor string) (res *Result, err error) {
	ctx, span := ledger.StartSpan(ctx, "consolidation.GenerateConsolidatedCheque", ledger.Attr("grower_id", growerID))
	defer func() { ledger.EndSpan(span, err) }()

	amount = ledger.Cents(amount)
	if !amount.IsPositive() {
		return nil, ledger.Invalid("amount", "cheque amount must be positive, got %s", amount)
	}
	if actor == "" {
		return nil, ledger.Invalid("actor", "required")
	}

	err = e.store.WithTx(ctx, func(tx ledger.Store) error {
		bound := e.Bind(tx)

		v, err := bound.validate(ctx, growerID, batchIDs)
		if err != nil {
			return err
		}
		if !v.IsValid {
			return ledger.Invalid("batch_ids", "%s", strings.Join(v.Errors, "; "))
		}
		if amount.Sub(v.TotalAmount).GreaterThan(ledger.Tolerance) {
			return ledger.Invalid("amount", "cheque amount %s exceeds combined allocations %s", amount, v.TotalAmount)
		}

		weights := make([]decimal.Decimal, len(v.Contributions))
		for i, c := range v.Contributions {
			weights[i] = c.Amount
		}
		amounts := Split(amount, weights)
		for i, share := range amounts {
			if !share.IsPositive() {
				return ledger.Invalid("amount", "cheque amount %s leaves batch %s a share of %s",
					amount, v.Contributions[i].BatchNumber, share.StringFixed(2))
			}
		}

		seq, err := tx.NextSequence(ctx, "cheque_number")
		if err != nil {
			return err
		}
		now := e.now()
		cheque := ledger.Cheque{
			Number:         fmt.Sprintf("CHQ-%06d", seq),
			GrowerID:       growerID,
			Amount:         amount,
			ChequeDate:     now,
			Status:         ledger.ChequeGenerated,
			IsConsolidated: true,
			CreatedAt:      now,
			CreatedBy:      actor,
		}
		if err := tx.CreateCheque(ctx, &cheque); err != nil {
			return err
		}


		res = &Result{Cheque: cheque, Warnings: v.Warnings}
		for i, c := range v.Contributions {
			row := ledger.ConsolidatedCheque{
				ChequeID:  cheque.ID,
				BatchID:   c.BatchID,
				Amount:    amounts[i],
				CreatedAt: now,
				CreatedBy: actor,
			}
			if err := tx.CreateConsolidation(ctx, &row); err != nil {
				return err
			}
			res.Shares = append(res.Shares, Share{ConsolidatedCheque: row, BatchNumber: c.BatchNumber})

			ok, err := bound.batches.MarkFinalized(ctx, c.BatchID, actor)
			if err != nil {
				return err
			}
			if !ok {
				return ledger.Conflict("batch", c.BatchID, "batch changed state during consolidation")
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.audit(ctx, actor, ledger.AuditConsolidated, res.Cheque.ID, map[string]any{
		"grower_id": growerID, "amount": amount.String(), "batches": len(res.Shares),
	})
	e.logger.WithFields(logrus.Fields{
		"op": "GenerateConsolidatedCheque", "cheque_id": res.Cheque.ID, "grower_id": growerID, "batches": len(res.Shares),
	}).Info("consolidated cheque generated")
	return res, nil
}

// Split divides amount in proportion to weights. Every share but the last
// is rounded to cents; the last takes the remainder.
func Split(amount decimal.Decimal, weights []decimal.Decimal) []decimal.Decimal {
	shares := make([]decimal.Decimal, len(weights))
	if len(weights) == 0 {
		return shares
	}
	total := ledger.Sum(weights...)
	assigned := decimal.Zero
	for i := range weights[:len(weights)-1] {
		if total.IsZero() {
			shares[i] = decimal.Zero
			continue
		}
		shares[i] = amount.Mul(weights[i]).Div(total).Round(2)
		assigned = assigned.Add(shares[i])
	}
	shares[len(shares)-1] = amount.Sub(assigned)
	return shares
}

// =============================================================================
// REVERSION
// =============================================================================

// RevertConsolidation voids a Generated or Printed consolidated cheque,
// returns its source batches to Draft and deletes the share rows. Source
// batches already in Draft are left as they are. It returns the source
// batch ids.
func (e *Engine) RevertConsolidation(ctx context.Context, chequeID ledger.ChequeID, reason, actor string) (reverted []ledger.BatchID, err error) {
	ctx, span := ledger.StartSpan(ctx, "consolidation.RevertConsolidation", ledger.Attr("cheque_id", chequeID))
	defer func() { ledger.EndSpan(span, err) }()

	if actor == "" {
		return nil, ledger.Invalid("actor", "required")
	}

	err = e.store.WithTx(ctx, func(tx ledger.Store) error {
		reverted = reverted[:0]
		bound := e.Bind(tx)

		cheque, err := tx.GetCheque(ctx, chequeID)
		if err != nil {
			return err
		}
		if cheque == nil {
			return ledger.NotFound(entityCheque, chequeID)
		}
		if !cheque.IsConsolidated {
			return ledger.Conflict(entityCheque, chequeID, "cheque is not consolidated")
		}
		if cheque.Status != ledger.ChequeGenerated && cheque.Status != ledger.ChequePrinted {
			return ledger.Conflict(entityCheque, chequeID, "cheque is %s; only generated or printed cheques can be reverted", cheque.Status)
		}

		shares, err := tx.ConsolidationsByCheque(ctx, chequeID)
		if err != nil {
			return err
		}
		for _, s := range shares {
			reverted = append(reverted, s.BatchID)
			batch, err := tx.GetBatch(ctx, s.BatchID)
			if err != nil {
				return err
			}
			if batch != nil && batch.Status == ledger.BatchDraft {
				continue
			}
			ok, err := bound.batches.RevertToDraft(ctx, s.BatchID, []ledger.BatchStatus{ledger.BatchFinalized}, actor)
			if err != nil {
				return err
			}
			if !ok {
				return ledger.Conflict("batch", s.BatchID, "source batch is no longer finalized")
			}
		}

		if _, err := tx.DeleteConsolidations(ctx, chequeID); err != nil {
			return err
		}
		ok, err := tx.TransitionCheque(ctx, ledger.ChequeTransition{
			ID:     chequeID,
			From:   []ledger.ChequeStatus{ledger.ChequeGenerated, ledger.ChequePrinted},
			To:     ledger.ChequeVoided,
			Actor:  actor,
			Reason: reason,
			At:     e.now(),
		})
		if err != nil {
			return err
		}
		if !ok {
			return ledger.Conflict(entityCheque, chequeID, "cheque changed state during reversion")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.audit(ctx, actor, ledger.AuditConsolidationRevert, chequeID, map[string]any{"reason": reason, "batches": len(reverted)})
	e.logger.WithFields(logrus.Fields{"op": "RevertConsolidation", "cheque_id": chequeID, "batches": len(reverted)}).
		Info("consolidation reverted")
	return reverted, nil
}

// =============================================================================
// QUERIES
// =============================================================================

type Breakdown struct {
	Cheque ledger.Cheque `json:"cheque"`
	Shares []Share       `json:"shares"`
}

func (e *Engine) Breakdown(ctx context.Context, chequeID ledger.ChequeID) (*Breakdown, error) {
	cheque, err := e.store.GetCheque(ctx, chequeID)
	if err != nil {
		return nil, err
	}
	if cheque == nil {
		return nil, ledger.NotFound(entityCheque, chequeID)
	}
	rows, err := e.store.ConsolidationsByCheque(ctx, chequeID)
	if err != nil {
		return nil, err
	}

	b := &Breakdown{Cheque: *cheque}
	for _, r := range rows {
		s := Share{ConsolidatedCheque: r}
		if batch, err := e.store.GetBatch(ctx, r.BatchID); err != nil {
			return nil, err
		} else if batch != nil {
			s.BatchNumber = batch.Number
		}
		b.Shares = append(b.Shares, s)
	}
	return b, nil
}

func (e *Engine) audit(ctx context.Context, actor string, action ledger.AuditAction, id ledger.ChequeID, details map[string]any) {
	ledger.Audit(ctx, e.store, e.logger, ledger.AuditEntry{
		Timestamp:  e.now(),
		Actor:      actor,
		Action:     action,
		EntityType: entityCheque,
		EntityID:   int64(id),
		Details:    details,
	})
}
