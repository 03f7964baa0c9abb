// Package ledgertest provides fixtures for tests that need a seeded ledger
// store. Every fixture owns its own in-memory SQLite database.
package ledgertest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/grower-ledger/ledger"
	"github.com/warp/grower-ledger/store/sqlstore"
)

// Epoch is the pinned clock used by fixtures.
var Epoch = time.Date(2025, time.March, 10, 9, 30, 0, 0, time.UTC)

const Actor = "tester"

type Fixture struct {
	T      testing.TB
	Ctx    context.Context
	Store  *sqlstore.Store
	Logger *logrus.Logger
	Hook   *test.Hook

	seq int
}

// New opens an in-memory store closed at test cleanup.
func New(t testing.TB) *Fixture {
	t.Helper()
	store, err := sqlstore.Open(sqlstore.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	return &Fixture{T: t, Ctx: context.Background(), Store: store, Logger: logger, Hook: hook}
}

// Clock returns the pinned clock.
func (f *Fixture) Clock() time.Time { return Epoch }

func (f *Fixture) next() int {
	f.seq++
	return f.seq
}

// Amount parses a decimal literal, failing the test on bad input.
func Amount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// AssertAmount compares decimals by value.
func AssertAmount(t testing.TB, want string, got decimal.Decimal, msgAndArgs ...any) bool {
	t.Helper()
	w := Amount(want)
	if w.Equal(got) {
		return true
	}
	return assert.Fail(t, fmt.Sprintf("amount mismatch: want %s, got %s", w, got), msgAndArgs...)
}

// =============================================================================
// SEEDING
// =============================================================================

func (f *Fixture) PaymentType(code string) ledger.PaymentType {
	f.T.Helper()
	pt := ledger.PaymentType{Code: code, Description: code + " payment", Active: true}
	require.NoError(f.T, f.Store.CreatePaymentType(f.Ctx, &pt))
	return pt
}

type GrowerOption func(*ledger.Grower)

func OnHold(g *ledger.Grower)             { g.OnHold = true }
func PaysElectronically(g *ledger.Grower) { g.PaysElectronically = true }

func (f *Fixture) Grower(number string, opts ...GrowerOption) ledger.Grower {
	f.T.Helper()
	g := ledger.Grower{Number: number, Name: "Grower " + number, CreatedAt: Epoch}
	for _, opt := range opts {
		opt(&g)
	}
	require.NoError(f.T, f.Store.CreateGrower(f.Ctx, &g))
	return g
}

func (f *Fixture) Receipt(growerID ledger.GrowerID, amount string, importBatchID int64) ledger.Receipt {
	f.T.Helper()
	r := ledger.Receipt{
		Number:        fmt.Sprintf("R-%04d", f.next()),
		GrowerID:      growerID,
		ImportBatchID: importBatchID,
		ReceiptDate:   Epoch,
		Amount:        Amount(amount),
		Status:        ledger.ReceiptActive,
		CreatedAt:     Epoch,
	}
	require.NoError(f.T, f.Store.CreateReceipt(f.Ctx, &r))
	return r
}

func (f *Fixture) Batch(paymentTypeID ledger.PaymentTypeID, status ledger.BatchStatus) ledger.PaymentBatch {
	f.T.Helper()
	b := ledger.PaymentBatch{
		Number:        fmt.Sprintf("FIX-%04d", f.next()),
		PaymentTypeID: paymentTypeID,
		BatchDate:     Epoch,
		Status:        status,
		CreatedAt:     Epoch,
		CreatedBy:     Actor,
	}
	require.NoError(f.T, f.Store.CreateBatch(f.Ctx, &b))
	return b
}

func (f *Fixture) Allocation(batchID ledger.BatchID, growerID ledger.GrowerID, receiptID ledger.ReceiptID,
	scheduleID ledger.PriceScheduleID, amount string) ledger.PaymentAllocation {
	f.T.Helper()
	a := ledger.PaymentAllocation{
		BatchID:         batchID,
		GrowerID:        growerID,
		ReceiptID:       receiptID,
		PriceScheduleID: scheduleID,
		Amount:          Amount(amount),
		Status:          ledger.AllocationPending,
		CreatedAt:       Epoch,
	}
	require.NoError(f.T, f.Store.CreateAllocation(f.Ctx, &a))
	return a
}

// Allocate seeds a receipt for the grower and allocates all of it to the batch.
func (f *Fixture) Allocate(batchID ledger.BatchID, growerID ledger.GrowerID, amount string) (ledger.Receipt, ledger.PaymentAllocation) {
	f.T.Helper()
	r := f.Receipt(growerID, amount, 1)
	return r, f.Allocation(batchID, growerID, r.ID, 1, amount)
}

func (f *Fixture) Advance(growerID ledger.GrowerID, amount string, status ledger.AdvanceStatus, advanceDate time.Time) ledger.AdvanceCheque {
	f.T.Helper()
	a := ledger.AdvanceCheque{
		Number:         fmt.Sprintf("ADV-FIX-%04d", f.next()),
		GrowerID:       growerID,
		OriginalAmount: Amount(amount),
		CurrentAmount:  Amount(amount),
		TotalDeducted:  decimal.Zero,
		Reason:         "seeded",
		Status:         status,
		AdvanceDate:    advanceDate,
		CreatedAt:      Epoch,
		CreatedBy:      Actor,
	}
	require.NoError(f.T, f.Store.CreateAdvance(f.Ctx, &a))
	return a
}

func (f *Fixture) Cheque(growerID ledger.GrowerID, batchID *ledger.BatchID, amount string, status ledger.ChequeStatus) ledger.Cheque {
	f.T.Helper()
	c := ledger.Cheque{
		Number:     fmt.Sprintf("CHQ-FIX-%04d", f.next()),
		GrowerID:   growerID,
		BatchID:    batchID,
		Amount:     Amount(amount),
		ChequeDate: Epoch,
		Status:     status,
		CreatedAt:  Epoch,
		CreatedBy:  Actor,
	}
	require.NoError(f.T, f.Store.CreateCheque(f.Ctx, &c))
	return c
}

// =============================================================================
// READ-BACK
// =============================================================================

func (f *Fixture) MustBatch(id ledger.BatchID) *ledger.PaymentBatch {
	f.T.Helper()
	b, err := f.Store.GetBatch(f.Ctx, id)
	require.NoError(f.T, err)
	require.NotNil(f.T, b, "batch %d", id)
	return b
}

func (f *Fixture) MustAdvance(id ledger.AdvanceID) *ledger.AdvanceCheque {
	f.T.Helper()
	a, err := f.Store.GetAdvance(f.Ctx, id)
	require.NoError(f.T, err)
	require.NotNil(f.T, a, "advance %d", id)
	return a
}

func (f *Fixture) MustCheque(id ledger.ChequeID) *ledger.Cheque {
	f.T.Helper()
	c, err := f.Store.GetCheque(f.Ctx, id)
	require.NoError(f.T, err)
	require.NotNil(f.T, c, "cheque %d", id)
	return c
}

func (f *Fixture) MustReceipt(id ledger.ReceiptID) *ledger.Receipt {
	f.T.Helper()
	r, err := f.Store.GetReceipt(f.Ctx, id)
	require.NoError(f.T, err)
	require.NotNil(f.T, r, "receipt %d", id)
	return r
}
