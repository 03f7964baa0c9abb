package batches

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/grower-ledger/ledger"
)

// AllocationInput allocates a receipt's value to a grower in a Draft batch.
type AllocationInput struct {
	BatchID         ledger.BatchID
	GrowerID        ledger.GrowerID
	ReceiptID       ledger.ReceiptID
	PriceScheduleID ledger.PriceScheduleID
	Amount          decimal.Decimal
}

// GrowerAmount is one grower's share of a batch.
type GrowerAmount struct {
	GrowerID ledger.GrowerID `json:"grower_id"`
	Amount   decimal.Decimal `json:"amount"`
	Receipts int             `json:"receipts"`
}

// Summary is the computed total of a batch's non-voided allocations.
type Summary struct {
	ledger.BatchTotals
	ByGrower []GrowerAmount
}

// Summarize totals allocations, skipping voided ones. ByGrower is ordered
// by grower id.
func Summarize(allocations []ledger.PaymentAllocation) *Summary {
	s := &Summary{BatchTotals: ledger.BatchTotals{Amount: decimal.Zero}}
	byGrower := map[ledger.GrowerID]*GrowerAmount{}
	receipts := map[ledger.ReceiptID]struct{}{}

	for _, a := range allocations {
		if a.Status == ledger.AllocationVoided {
			continue
		}
		g, ok := byGrower[a.GrowerID]
		if !ok {
			g = &GrowerAmount{GrowerID: a.GrowerID, Amount: decimal.Zero}
			byGrower[a.GrowerID] = g
		}
		g.Amount = g.Amount.Add(a.Amount)
		g.Receipts++
		s.Amount = s.Amount.Add(a.Amount)
		receipts[a.ReceiptID] = struct{}{}
	}

	for _, g := range byGrower {
		s.ByGrower = append(s.ByGrower, *g)
	}
	sort.Slice(s.ByGrower, func(i, j int) bool { return s.ByGrower[i].GrowerID < s.ByGrower[j].GrowerID })
	s.Growers = len(s.ByGrower)
	s.Receipts = len(receipts)
	return s
}

// GrowerTotal is the grower's non-voided allocation amount in the summary.
func (s *Summary) GrowerTotal(id ledger.GrowerID) (decimal.Decimal, bool) {
	for _, g := range s.ByGrower {
		if g.GrowerID == id {
			return g.Amount, true
		}
	}
	return decimal.Zero, false
}

func (e *Engine) RecordAllocation(ctx context.Context, in AllocationInput) (alloc *ledger.PaymentAllocation, err error) {
	ctx, span := ledger.StartSpan(ctx, "batches.RecordAllocation",
		ledger.Attr("batch_id", in.BatchID), ledger.Attr("receipt_id", in.ReceiptID))
	defer func() { ledger.EndSpan(span, err) }()

	in.Amount = ledger.Cents(in.Amount)
	if !in.Amount.IsPositive() {
		return nil, ledger.Invalid("amount", "allocation amount must be positive, got %s", in.Amount)
	}

	err = e.store.WithTx(ctx, func(tx ledger.Store) error {
		batch, err := tx.GetBatch(ctx, in.BatchID)
		if err != nil {
			return err
		}
		if batch == nil || batch.IsDeleted {
			return ledger.NotFound(entityBatch, in.BatchID)
		}
		if batch.Status != ledger.BatchDraft {
			return ledger.Conflict(entityBatch, in.BatchID, "allocations require a draft batch, batch is %s", batch.Status)
		}

		receipt, err := tx.GetReceipt(ctx, in.ReceiptID)
		if err != nil {
			return err
		}
		if receipt == nil {
			return ledger.NotFound("receipt", in.ReceiptID)
		}
		if receipt.Status != ledger.ReceiptActive {
			return ledger.Conflict("receipt", in.ReceiptID, "receipt is %s", receipt.Status)
		}
		if receipt.GrowerID != in.GrowerID {
			return ledger.Invalid("grower_id", "receipt %s belongs to grower %d", receipt.Number, receipt.GrowerID)
		}

		alloc = &ledger.PaymentAllocation{
			BatchID:         in.BatchID,
			GrowerID:        in.GrowerID,
			ReceiptID:       in.ReceiptID,
			PriceScheduleID: in.PriceScheduleID,
			Amount:          in.Amount,
			Status:          ledger.AllocationPending,
			CreatedAt:       e.now(),
		}
		return tx.CreateAllocation(ctx, alloc)
	})
	if err != nil {
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"op": "RecordAllocation", "batch_id": in.BatchID, "grower_id": in.GrowerID, "amount": in.Amount.String(),
	}).Debug("allocation recorded")
	return alloc, nil
}

// Totals computes the batch totals from its allocations, regardless of
// whether they have been frozen.
func (e *Engine) Totals(ctx context.Context, id ledger.BatchID) (*Summary, error) {
	if _, err := e.Get(ctx, id); err != nil {
		return nil, err
	}
	allocations, err := e.store.AllocationsByBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	return Summarize(allocations), nil
}

func (e *Engine) Allocations(ctx context.Context, id ledger.BatchID) ([]ledger.PaymentAllocation, error) {
	return e.store.AllocationsByBatch(ctx, id)
}
