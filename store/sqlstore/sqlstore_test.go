package sqlstore_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/grower-ledger/ledger"
	"github.com/warp/grower-ledger/ledgertest"
)

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestWithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: A transaction that writes a grower and then fails
	// WHEN: WithTx returns
	// THEN: The original error surfaces and nothing was written

	f := ledgertest.New(t)
	boom := errors.New("boom")

	err := f.Store.WithTx(f.Ctx, func(tx ledger.Store) error {
		g := ledger.Grower{Number: "G-1", Name: "Grower", CreatedAt: ledgertest.Epoch}
		require.NoError(t, tx.CreateGrower(f.Ctx, &g))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	growers, err := f.Store.ListGrowers(f.Ctx)
	require.NoError(t, err)
	assert.Empty(t, growers)
}

func TestWithTx_ReadsSeeUncommittedWrites(t *testing.T) {
	f := ledgertest.New(t)

	err := f.Store.WithTx(f.Ctx, func(tx ledger.Store) error {
		g := ledger.Grower{Number: "G-1", Name: "Grower", CreatedAt: ledgertest.Epoch}
		require.NoError(t, tx.CreateGrower(f.Ctx, &g))

		got, err := tx.GetGrower(f.Ctx, g.ID)
		require.NoError(t, err)
		assert.NotNil(t, got)
		return nil
	})
	require.NoError(t, err)
}

func TestWithTx_NestedCallJoinsAmbientTransaction(t *testing.T) {
	// GIVEN: A nested WithTx inside an outer transaction
	// WHEN: The outer transaction fails after the inner one returned nil
	// THEN: The inner write is rolled back too

	f := ledgertest.New(t)
	boom := errors.New("outer failure")

	err := f.Store.WithTx(f.Ctx, func(tx ledger.Store) error {
		inner := tx.WithTx(f.Ctx, func(tx2 ledger.Store) error {
			g := ledger.Grower{Number: "G-1", Name: "Grower", CreatedAt: ledgertest.Epoch}
			return tx2.CreateGrower(f.Ctx, &g)
		})
		require.NoError(t, inner)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	growers, err := f.Store.ListGrowers(f.Ctx)
	require.NoError(t, err)
	assert.Empty(t, growers)
}

func TestGetters_ReturnNilWhenMissing(t *testing.T) {
	f := ledgertest.New(t)

	b, err := f.Store.GetBatch(f.Ctx, 42)
	assert.NoError(t, err)
	assert.Nil(t, b)

	a, err := f.Store.GetAdvance(f.Ctx, 42)
	assert.NoError(t, err)
	assert.Nil(t, a)
}

// =============================================================================
// BATCHES
// =============================================================================

func TestCreateBatch_DuplicateNumber(t *testing.T) {
	f := ledgertest.New(t)
	pt := f.PaymentType("ADV")

	b := ledger.PaymentBatch{Number: "ADV-20250310-093000", PaymentTypeID: pt.ID, BatchDate: ledgertest.Epoch,
		Status: ledger.BatchDraft, CreatedAt: ledgertest.Epoch}
	require.NoError(t, f.Store.CreateBatch(f.Ctx, &b))

	dup := b
	dup.ID = 0
	err := f.Store.CreateBatch(f.Ctx, &dup)
	assert.ErrorIs(t, err, ledger.ErrDuplicate)
}

func TestTransitionBatch_GuardsOnStatus(t *testing.T) {
	f := ledgertest.New(t)
	pt := f.PaymentType("ADV")
	b := f.Batch(pt.ID, ledger.BatchDraft)

	ok, err := f.Store.TransitionBatch(f.Ctx, ledger.BatchTransition{
		ID: b.ID, From: []ledger.BatchStatus{ledger.BatchPosted}, To: ledger.BatchProcessed,
		Actor: "ops", At: ledgertest.Epoch,
	})
	require.NoError(t, err)
	assert.False(t, ok, "guard should not match a Draft batch")

	ok, err = f.Store.TransitionBatch(f.Ctx, ledger.BatchTransition{
		ID: b.ID, From: []ledger.BatchStatus{ledger.BatchDraft}, To: ledger.BatchProcessed,
		Actor: "ops", At: ledgertest.Epoch,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	got := f.MustBatch(b.ID)
	assert.Equal(t, ledger.BatchProcessed, got.Status)
	require.NotNil(t, got.ProcessedAt)
	assert.True(t, got.ProcessedAt.Equal(ledgertest.Epoch))
	assert.Equal(t, "ops", got.ProcessedBy)
}

func TestUpdateBatchTotals_SetAndClear(t *testing.T) {
	f := ledgertest.New(t)
	pt := f.PaymentType("ADV")
	b := f.Batch(pt.ID, ledger.BatchDraft)

	assert.False(t, f.MustBatch(b.ID).TotalAmount.Valid)

	require.NoError(t, f.Store.UpdateBatchTotals(f.Ctx, b.ID, &ledger.BatchTotals{
		Amount: ledgertest.Amount("1234.56"), Growers: 3, Receipts: 7,
	}))
	got := f.MustBatch(b.ID)
	require.True(t, got.TotalAmount.Valid)
	ledgertest.AssertAmount(t, "1234.56", got.TotalAmount.Decimal)
	require.NotNil(t, got.TotalGrowers)
	assert.Equal(t, 3, *got.TotalGrowers)
	assert.Equal(t, 7, *got.TotalReceipts)

	require.NoError(t, f.Store.UpdateBatchTotals(f.Ctx, b.ID, nil))
	got = f.MustBatch(b.ID)
	assert.False(t, got.TotalAmount.Valid)
	assert.Nil(t, got.TotalGrowers)
}

// =============================================================================
// LOCKS
// =============================================================================

func TestScheduleLock_UniqueAmongActiveRows(t *testing.T) {
	// GIVEN: Batch A holds (7, type)
	// WHEN: Batch B tries the same pair, then A releases and B retries
	// THEN: The first attempt is a duplicate; the retry succeeds

	f := ledgertest.New(t)
	pt := f.PaymentType("ADV")
	a := f.Batch(pt.ID, ledger.BatchDraft)
	b := f.Batch(pt.ID, ledger.BatchDraft)

	lock := func(batch ledger.BatchID) error {
		return f.Store.InsertScheduleLock(f.Ctx, &ledger.PriceScheduleLock{
			PriceScheduleID: 7, PaymentTypeID: pt.ID, BatchID: batch, LockedAt: ledgertest.Epoch, LockedBy: "ops",
		})
	}

	require.NoError(t, lock(a.ID))
	assert.ErrorIs(t, lock(b.ID), ledger.ErrDuplicate)

	n, err := f.Store.ReleaseLocks(f.Ctx, a.ID, "ops", ledgertest.Epoch)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	require.NoError(t, lock(b.ID))
	locks, err := f.Store.LocksByBatch(f.Ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, locks, 1)

	released, err := f.Store.LocksByBatch(f.Ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, released, "released locks are not active")
}

// =============================================================================
// ADVANCES
// =============================================================================

func TestUpdateAdvanceBalance_CompareAndSwap(t *testing.T) {
	f := ledgertest.New(t)
	g := f.Grower("G-1")
	adv := f.Advance(g.ID, "1000", ledger.AdvanceDelivered, ledgertest.Epoch)

	stale := ledger.AdvanceBalanceUpdate{
		ID: adv.ID, ExpectedCurrent: ledgertest.Amount("999"),
		Current: ledgertest.Amount("600"), TotalDeducted: ledgertest.Amount("400"),
	}
	ok, err := f.Store.UpdateAdvanceBalance(f.Ctx, stale)
	require.NoError(t, err)
	assert.False(t, ok, "stale expected balance must not apply")

	batch := ledger.BatchID(3)
	at := ledgertest.Epoch
	fresh := stale
	fresh.ExpectedCurrent = ledgertest.Amount("1000")
	fresh.DeductedAt = &at
	fresh.DeductedBy = "ops"
	fresh.DeductedFromBatchID = &batch
	ok, err = f.Store.UpdateAdvanceBalance(f.Ctx, fresh)
	require.NoError(t, err)
	assert.True(t, ok)

	got := f.MustAdvance(adv.ID)
	ledgertest.AssertAmount(t, "600", got.CurrentAmount)
	ledgertest.AssertAmount(t, "400", got.TotalDeducted)
	ledgertest.AssertAmount(t, "1000", got.OriginalAmount)
	require.NotNil(t, got.DeductedFromBatchID)
	assert.Equal(t, batch, *got.DeductedFromBatchID)
}

func TestOutstandingAdvances_FIFOAndFiltered(t *testing.T) {
	f := ledgertest.New(t)
	g := f.Grower("G-1")
	day := func(d int) time.Time { return time.Date(2025, time.January, d, 0, 0, 0, 0, time.UTC) }

	late := f.Advance(g.ID, "100", ledger.AdvanceDelivered, day(20))
	early := f.Advance(g.ID, "100", ledger.AdvancePrinted, day(5))
	f.Advance(g.ID, "100", ledger.AdvanceGenerated, day(1))
	f.Advance(g.ID, "100", ledger.AdvanceVoided, day(1))
	empty := f.Advance(g.ID, "100", ledger.AdvanceDelivered, day(2))
	_, err := f.Store.UpdateAdvanceBalance(f.Ctx, ledger.AdvanceBalanceUpdate{
		ID: empty.ID, ExpectedCurrent: ledgertest.Amount("100"), Current: decimal.Zero, TotalDeducted: ledgertest.Amount("100"),
	})
	require.NoError(t, err)

	got, err := f.Store.OutstandingAdvances(f.Ctx, g.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, early.ID, got[0].ID)
	assert.Equal(t, late.ID, got[1].ID)
}

func TestDeductions_JoinGrowerAndDelete(t *testing.T) {
	f := ledgertest.New(t)
	g := f.Grower("G-1")
	adv := f.Advance(g.ID, "1000", ledger.AdvanceDelivered, ledgertest.Epoch)

	d := ledger.AdvanceDeduction{AdvanceID: adv.ID, BatchID: 9, Amount: ledgertest.Amount("250"),
		DeductionDate: ledgertest.Epoch, CreatedAt: ledgertest.Epoch, CreatedBy: "ops"}
	require.NoError(t, f.Store.CreateDeduction(f.Ctx, &d))

	byBatch, err := f.Store.DeductionsByBatch(f.Ctx, 9)
	require.NoError(t, err)
	require.Len(t, byBatch, 1)
	assert.Equal(t, g.ID, byBatch[0].GrowerID)
	assert.True(t, byBatch[0].Active())

	ok, err := f.Store.VoidDeduction(f.Ctx, d.ID, "ops", ledgertest.Epoch)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.Store.VoidDeduction(f.Ctx, d.ID, "ops", ledgertest.Epoch)
	require.NoError(t, err)
	assert.False(t, ok, "already voided")

	n, err := f.Store.DeleteDeductions(f.Ctx, adv.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	left, err := f.Store.DeductionsByAdvance(f.Ctx, adv.ID)
	require.NoError(t, err)
	assert.Empty(t, left)
}

// =============================================================================
// RECEIPTS, EXCEPTIONS, SEQUENCES, AUDIT
// =============================================================================

func TestTransitionReceipt_AppendsNote(t *testing.T) {
	f := ledgertest.New(t)
	g := f.Grower("G-1")
	r := f.Receipt(g.ID, "50", 1)

	ok, err := f.Store.TransitionReceipt(f.Ctx, ledger.ReceiptTransition{
		ID: r.ID, From: []ledger.ReceiptStatus{ledger.ReceiptActive}, To: ledger.ReceiptVoided,
		Reason: "VOIDED: wrong grower", Actor: "ops", At: ledgertest.Epoch,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	got := f.MustReceipt(r.ID)
	assert.Equal(t, ledger.ReceiptVoided, got.Status)
	assert.Equal(t, "VOIDED: wrong grower", got.Notes)
	assert.Equal(t, "ops", got.VoidedBy)
}

func TestResolveException_OnlyOnce(t *testing.T) {
	f := ledgertest.New(t)
	batch := ledger.BatchID(1)
	e := ledger.PaymentException{Type: ledger.ExceptionMissingPayment, BatchID: &batch,
		ExpectedAmount: ledgertest.Amount("10"), ActualAmount: decimal.Zero, DetectedAt: ledgertest.Epoch}
	require.NoError(t, f.Store.CreateException(f.Ctx, &e))

	ok, err := f.Store.ResolveException(f.Ctx, e.ID, "paid by hand", "ops", ledgertest.Epoch)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.Store.ResolveException(f.Ctx, e.ID, "again", "ops", ledgertest.Epoch)
	require.NoError(t, err)
	assert.False(t, ok)

	open, err := f.Store.ListExceptions(f.Ctx, ledger.ExceptionFilter{Status: ledger.ExceptionOpen})
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestNextSequence_Monotonic(t *testing.T) {
	f := ledgertest.New(t)

	for want := int64(1); want <= 3; want++ {
		got, err := f.Store.NextSequence(f.Ctx, "cheque")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	other, err := f.Store.NextSequence(f.Ctx, "advance")
	require.NoError(t, err)
	assert.EqualValues(t, 1, other, "counters are independent")
}

func TestAudit_AppendAndQuery(t *testing.T) {
	f := ledgertest.New(t)

	ledger.Audit(f.Ctx, f.Store, f.Logger, ledger.AuditEntry{
		Actor: "ops", Action: ledger.AuditBatchCreated, EntityType: "batch", EntityID: 5,
		Details: map[string]any{"number": "ADV-1"},
	})

	id := int64(5)
	entries, err := f.Store.QueryAudit(f.Ctx, ledger.AuditFilter{EntityType: "batch", EntityID: &id})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0].ID)
	assert.Equal(t, "ADV-1", entries[0].Details["number"])
}

func TestReset_ClearsEverything(t *testing.T) {
	f := ledgertest.New(t)
	f.Grower("G-1")
	f.PaymentType("ADV")

	require.NoError(t, f.Store.Reset(f.Ctx))

	growers, err := f.Store.ListGrowers(f.Ctx)
	require.NoError(t, err)
	assert.Empty(t, growers)
}
