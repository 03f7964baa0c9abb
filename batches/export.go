package batches

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/grower-ledger/ledger"
)

// ElectronicPayment is one cheque paid by electronic transfer.
type ElectronicPayment struct {
	ChequeID     ledger.ChequeID `json:"cheque_id"`
	ChequeNumber string          `json:"cheque_number"`
	GrowerID     ledger.GrowerID `json:"grower_id"`
	GrowerNumber string          `json:"grower_number"`
	GrowerName   string          `json:"grower_name"`
	Amount       decimal.Decimal `json:"amount"`
}

// ElectronicPaymentGenerator renders a payment file. The ledger never
// interprets the payload.
type ElectronicPaymentGenerator interface {
	Generate(ctx context.Context, batch ledger.PaymentBatch, payments []ElectronicPayment) ([]byte, error)
}

// ExportElectronicPayments hands the batch's active cheques for
// electronically paid growers to gen. Consolidated cheques covering the
// batch are included once.
func (e *Engine) ExportElectronicPayments(ctx context.Context, batchID ledger.BatchID, gen ElectronicPaymentGenerator) (payload []byte, err error) {
	ctx, span := ledger.StartSpan(ctx, "batches.ExportElectronicPayments", ledger.Attr("batch_id", batchID))
	defer func() { ledger.EndSpan(span, err) }()

	batch, err := e.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if !batch.Status.HasFrozenTotals() {
		return nil, ledger.Conflict(entityBatch, batchID, "batch is %s; only posted, finalized or processed batches export", batch.Status)
	}

	cheques, err := e.store.ChequesByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	shares, err := e.store.ConsolidationsByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	seen := map[ledger.ChequeID]bool{}
	for _, c := range cheques {
		seen[c.ID] = true
	}
	for _, s := range shares {
		if seen[s.ChequeID] {
			continue
		}
		c, err := e.store.GetCheque(ctx, s.ChequeID)
		if err != nil {
			return nil, err
		}
		if c != nil {
			seen[c.ID] = true
			cheques = append(cheques, *c)
		}
	}

	growers := map[ledger.GrowerID]*ledger.Grower{}
	var payments []ElectronicPayment
	for _, c := range cheques {
		if c.Status == ledger.ChequeVoided {
			continue
		}
		g, ok := growers[c.GrowerID]
		if !ok {
			if g, err = e.store.GetGrower(ctx, c.GrowerID); err != nil {
				return nil, err
			}
			growers[c.GrowerID] = g
		}
		if g == nil || !g.PaysElectronically {
			continue
		}
		payments = append(payments, ElectronicPayment{
			ChequeID:     c.ID,
			ChequeNumber: c.Number,
			GrowerID:     g.ID,
			GrowerNumber: g.Number,
			GrowerName:   g.Name,
			Amount:       c.Amount,
		})
	}
	if len(payments) == 0 {
		return nil, ledger.Invalid("batch_id", "batch %s has no electronic payments", batch.Number)
	}

	payload, err = gen.Generate(ctx, *batch, payments)
	if err != nil {
		return nil, err
	}
	e.logger.WithFields(logrus.Fields{"op": "ExportElectronicPayments", "batch_id": batchID, "payments": len(payments)}).
		Info("electronic payments exported")
	return payload, nil
}

// CSVGenerator writes one row per payment behind a header row.
type CSVGenerator struct{}

func (g CSVGenerator) Generate(_ context.Context, batch ledger.PaymentBatch, payments []ElectronicPayment) ([]byte, error) {
	var buf bytes.Buffer
	if err := g.Write(&buf, batch, payments); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write streams the file to out and stops at the first failed write.
func (CSVGenerator) Write(out io.Writer, batch ledger.PaymentBatch, payments []ElectronicPayment) error {
	w := csv.NewWriter(out)
	if err := w.Write([]string{"batch", "cheque", "grower_number", "grower_name", "amount"}); err != nil {
		return err
	}
	for _, p := range payments {
		if err := w.Write([]string{batch.Number, p.ChequeNumber, p.GrowerNumber, p.GrowerName, p.Amount.StringFixed(2)}); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
