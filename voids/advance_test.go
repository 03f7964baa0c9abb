package voids_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/grower-ledger/ledger"
	"github.com/warp/grower-ledger/ledgertest"
	"github.com/warp/grower-ledger/voids"
)

func TestVoidAdvance_ReversesDeductionsFirst(t *testing.T) {
	// GIVEN: A printed advance partly recovered by a batch
	// WHEN: It is voided through the cascade
	// THEN: Confirmation is required, then the deductions are reversed and
	//       the advance is voided in one step

	e := setup(t)
	g := e.Grower("G-1")
	batch := e.Batch(e.pt.ID, ledger.BatchDraft)
	adv := e.Advance(g.ID, "500", ledger.AdvancePrinted, ledgertest.Epoch)
	_, err := e.advances.ApplyDeductions(e.Ctx, g.ID, batch.ID, ledgertest.Amount("200"), ledgertest.Actor)
	require.NoError(t, err)

	impact, err := e.voids.AnalyzeAdvanceVoid(e.Ctx, adv.ID)
	require.NoError(t, err)
	assert.True(t, impact.RequiresConfirmation)
	assert.Equal(t, 1, impact.Deductions)
	ledgertest.AssertAmount(t, "200", impact.DeductedAmount)
	assert.Equal(t, []ledger.BatchID{batch.ID}, impact.AffectedBatches)

	_, err = e.voids.VoidAdvanceWithCascading(e.Ctx, voids.VoidAdvanceRequest{AdvanceID: adv.ID, Actor: ledgertest.Actor})
	assert.True(t, errors.Is(err, ledger.ErrConfirmationRequired))
	ledgertest.AssertAmount(t, "300", e.MustAdvance(adv.ID).CurrentAmount)

	res, err := e.voids.VoidAdvanceWithCascading(e.Ctx, voids.VoidAdvanceRequest{
		AdvanceID: adv.ID, Reason: "issued twice", Actor: ledgertest.Actor, Confirmed: true,
	})
	require.NoError(t, err)
	assert.True(t, res.DeductionsReversed)

	got := e.MustAdvance(adv.ID)
	assert.Equal(t, ledger.AdvanceVoided, got.Status)
	ledgertest.AssertAmount(t, "500", got.CurrentAmount)
	deds, err := e.Store.DeductionsByBatch(e.Ctx, batch.ID)
	require.NoError(t, err)
	assert.Empty(t, deds)
}

func TestVoidAdvance_WithoutDeductions(t *testing.T) {
	e := setup(t)
	g := e.Grower("G-1")
	adv := e.Advance(g.ID, "50", ledger.AdvanceGenerated, ledgertest.Epoch)

	res, err := e.voids.VoidAdvanceWithCascading(e.Ctx, voids.VoidAdvanceRequest{AdvanceID: adv.ID, Actor: ledgertest.Actor})
	require.NoError(t, err)
	assert.False(t, res.DeductionsReversed)
	assert.Equal(t, ledger.AdvanceVoided, e.MustAdvance(adv.ID).Status)

	_, err = e.voids.AnalyzeAdvanceVoid(e.Ctx, adv.ID)
	assert.True(t, ledger.IsConflict(err))
}

func TestVoidAdvance_DeliveredIsBlocked(t *testing.T) {
	e := setup(t)
	g := e.Grower("G-1")
	adv := e.Advance(g.ID, "50", ledger.AdvanceDelivered, ledgertest.Epoch)

	impact, err := e.voids.AnalyzeAdvanceVoid(e.Ctx, adv.ID)
	require.NoError(t, err)
	assert.True(t, impact.Blocked)

	_, err = e.voids.VoidAdvanceWithCascading(e.Ctx, voids.VoidAdvanceRequest{AdvanceID: adv.ID, Actor: ledgertest.Actor, Confirmed: true})
	assert.True(t, ledger.IsConflict(err))
	assert.Equal(t, ledger.AdvanceDelivered, e.MustAdvance(adv.ID).Status)

	_, err = e.voids.AnalyzeAdvanceVoid(e.Ctx, 999)
	assert.True(t, ledger.IsNotFound(err))
}
