package reconciliation_test

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/grower-ledger/ledger"
	"github.com/warp/grower-ledger/ledgertest"
)

func itoa(id ledger.BatchID) string { return strconv.FormatInt(int64(id), 10) }

// tamper overwrites the advance's current balance behind the ledger's back.
func (e *env) tamper(t *testing.T, id ledger.AdvanceID, current string) {
	t.Helper()
	adv := e.MustAdvance(id)
	ok, err := e.Store.UpdateAdvanceBalance(e.Ctx, ledger.AdvanceBalanceUpdate{
		ID:                  id,
		ExpectedCurrent:     adv.CurrentAmount,
		Current:             ledgertest.Amount(current),
		TotalDeducted:       adv.TotalDeducted,
		DeductedAt:          adv.DeductedAt,
		DeductedBy:          adv.DeductedBy,
		DeductedFromBatchID: adv.DeductedFromBatchID,
	})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCheckAdvanceLedger_DetectsAndRepairsDrift(t *testing.T) {
	// GIVEN: An advance of 500 with a 200 deduction, whose balance was then
	//        overwritten to 350
	// WHEN: The ledger is checked and the advance repaired
	// THEN: Drift is reported once, and the repair restores 300 and resolves
	//       the exception

	e := setup(t, nil)
	g, other := e.Grower("G-1"), e.Grower("G-2")
	b := e.Batch(e.pt.ID, ledger.BatchDraft)
	adv := e.Advance(g.ID, "500", ledger.AdvanceDelivered, ledgertest.Epoch)
	e.Advance(other.ID, "80", ledger.AdvancePrinted, ledgertest.Epoch)
	_, err := e.advances.ApplyDeductions(e.Ctx, g.ID, b.ID, ledgertest.Amount("200"), ledgertest.Actor)
	require.NoError(t, err)

	drifts, err := e.engine.CheckAdvanceLedger(e.Ctx, nil, ledgertest.Actor)
	require.NoError(t, err)
	assert.Empty(t, drifts, "a ledger written by the engines is consistent")

	e.tamper(t, adv.ID, "350")

	drifts, err = e.engine.CheckAdvanceLedger(e.Ctx, nil, ledgertest.Actor)
	require.NoError(t, err)
	require.Len(t, drifts, 1)
	assert.Equal(t, adv.ID, drifts[0].AdvanceID)
	ledgertest.AssertAmount(t, "350", drifts[0].Current)
	ledgertest.AssertAmount(t, "300", drifts[0].ExpectedCurrent)
	ledgertest.AssertAmount(t, "200", drifts[0].ExpectedDeducted)
	assert.Equal(t, ledger.ExceptionAdvanceBalanceDrift, drifts[0].Exception.Type)
	excID := drifts[0].Exception.ID
	assert.NotZero(t, excID)

	again, err := e.engine.CheckAdvanceLedger(e.Ctx, nil, ledgertest.Actor)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, excID, again[0].Exception.ID)

	scoped, err := e.engine.CheckAdvanceLedger(e.Ctx, ledger.Ptr(other.ID), ledgertest.Actor)
	require.NoError(t, err)
	assert.Empty(t, scoped)

	repair, err := e.engine.RepairAdvanceBalance(e.Ctx, adv.ID, ledgertest.Actor)
	require.NoError(t, err)
	ledgertest.AssertAmount(t, "350", repair.Before)
	ledgertest.AssertAmount(t, "300", repair.After)
	assert.Equal(t, 1, repair.Resolved)
	ledgertest.AssertAmount(t, "300", repair.Advance.CurrentAmount)
	ledgertest.AssertAmount(t, "200", repair.Advance.TotalDeducted)
	assert.Equal(t, ledger.Ptr(b.ID), repair.Advance.DeductedFromBatchID, "deduction pointers survive the repair")

	exc, err := e.Store.GetException(e.Ctx, excID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ExceptionResolved, exc.Status)

	drifts, err = e.engine.CheckAdvanceLedger(e.Ctx, nil, ledgertest.Actor)
	require.NoError(t, err)
	assert.Empty(t, drifts)
}

func TestRepairAdvanceBalance_Guards(t *testing.T) {
	e := setup(t, nil)
	g := e.Grower("G-1")
	adv := e.Advance(g.ID, "40", ledger.AdvancePrinted, ledgertest.Epoch)

	_, err := e.engine.RepairAdvanceBalance(e.Ctx, 999, ledgertest.Actor)
	assert.True(t, ledger.IsNotFound(err))

	_, err = e.engine.RepairAdvanceBalance(e.Ctx, adv.ID, "")
	assert.True(t, ledger.IsClientError(err))

	repair, err := e.engine.RepairAdvanceBalance(e.Ctx, adv.ID, ledgertest.Actor)
	require.NoError(t, err, "repairing a consistent advance is a no-op")
	ledgertest.AssertAmount(t, "40", repair.After)
	assert.Zero(t, repair.Resolved)
}

func TestCheckAdvanceLedger_CentTolerance(t *testing.T) {
	// GIVEN: Two advances of 500 with no deductions, one off by a fraction
	//        of a cent and one off by two cents
	// WHEN: The ledger is checked
	// THEN: Only the two-cent difference is drift, and its description
	//       carries the unrounded balance

	e := setup(t, nil)
	g := e.Grower("G-1")
	near := e.Advance(g.ID, "500", ledger.AdvanceDelivered, ledgertest.Epoch)
	far := e.Advance(g.ID, "500", ledger.AdvanceDelivered, ledgertest.Epoch)
	e.tamper(t, near.ID, "500.004")
	e.tamper(t, far.ID, "500.02")

	drifts, err := e.engine.CheckAdvanceLedger(e.Ctx, nil, ledgertest.Actor)
	require.NoError(t, err)
	require.Len(t, drifts, 1)
	assert.Equal(t, far.ID, drifts[0].AdvanceID)
	assert.Contains(t, drifts[0].Exception.Description, "500.02")

	open, err := e.Store.ListExceptions(e.Ctx, ledger.ExceptionFilter{AdvanceID: ledger.Ptr(near.ID)})
	require.NoError(t, err)
	assert.Empty(t, open)

	repair, err := e.engine.RepairAdvanceBalance(e.Ctx, near.ID, ledgertest.Actor)
	require.NoError(t, err)
	ledgertest.AssertAmount(t, "500.004", repair.Advance.CurrentAmount, "a sub-cent difference is left alone")
}
