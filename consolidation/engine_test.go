package consolidation_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/grower-ledger/advances"
	"github.com/warp/grower-ledger/batches"
	"github.com/warp/grower-ledger/cache"
	"github.com/warp/grower-ledger/consolidation"
	"github.com/warp/grower-ledger/ledger"
	"github.com/warp/grower-ledger/ledgertest"
)

type env struct {
	*ledgertest.Fixture
	engine *consolidation.Engine
	pt     ledger.PaymentType
	grower ledger.Grower
}

func setup(t *testing.T, cfg consolidation.Config) *env {
	f := ledgertest.New(t)
	adv := advances.New(f.Store, f.Logger)
	be := batches.New(f.Store, cache.NewPaymentTypes(cache.NewMemory(), time.Minute, f.Logger), adv, f.Logger)
	return &env{
		Fixture: f,
		engine:  consolidation.New(f.Store, be, adv, cfg, f.Logger).WithClock(f.Clock),
		pt:      f.PaymentType("FIN"),
		grower:  f.Grower("G-1"),
	}
}

// draftBatches seeds one Draft batch per amount with an allocation for the
// env grower.
func (e *env) draftBatches(amounts ...string) []ledger.BatchID {
	var ids []ledger.BatchID
	for _, a := range amounts {
		b := e.Batch(e.pt.ID, ledger.BatchDraft)
		e.Allocate(b.ID, e.grower.ID, a)
		ids = append(ids, b.ID)
	}
	return ids
}

func amounts(ss ...string) []decimal.Decimal {
	out := make([]decimal.Decimal, len(ss))
	for i, s := range ss {
		out[i] = ledgertest.Amount(s)
	}
	return out
}

// =============================================================================
// SPLIT
// =============================================================================

func TestSplit(t *testing.T) {
	tests := []struct {
		name    string
		amount  string
		weights []decimal.Decimal
		want    []string
	}{
		{"proportional", "300", amounts("100", "200"), []string{"100", "200"}},
		{"remainder on last", "100", amounts("1", "1", "1"), []string{"33.33", "33.33", "33.34"}},
		{"net of deductions", "150", amounts("100", "200"), []string{"50", "100"}},
		{"single batch", "42.42", amounts("10"), []string{"42.42"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := consolidation.Split(ledgertest.Amount(tt.amount), tt.weights)
			require.Len(t, got, len(tt.want))
			for i, w := range tt.want {
				ledgertest.AssertAmount(t, w, got[i], "share %d", i)
			}
			ledgertest.AssertAmount(t, tt.amount, ledger.Sum(got...), "shares sum to the amount")
		})
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestValidateConsolidation_Errors(t *testing.T) {
	e := setup(t, consolidation.DefaultConfig())
	ids := e.draftBatches("100", "50")
	posted := e.Batch(e.pt.ID, ledger.BatchPosted)
	e.Allocate(posted.ID, e.grower.ID, "10")
	unrelated := e.Batch(e.pt.ID, ledger.BatchDraft)

	tests := []struct {
		name     string
		batchIDs []ledger.BatchID
		contains string
	}{
		{"no batches", nil, "at least one batch"},
		{"duplicate batch", []ledger.BatchID{ids[0], ids[0]}, "more than once"},
		{"unknown batch", []ledger.BatchID{ids[0], 999}, "not found"},
		{"batch not draft", []ledger.BatchID{ids[0], posted.ID}, "not Draft"},
		{"grower not in batch", []ledger.BatchID{ids[0], unrelated.ID}, "no allocation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.engine.ValidateConsolidation(e.Ctx, e.grower.ID, tt.batchIDs)
			require.NoError(t, err)
			assert.False(t, res.IsValid)
			require.NotEmpty(t, res.Errors)
			assert.Contains(t, res.Errors[0]+res.Errors[len(res.Errors)-1], tt.contains)
		})
	}

	res, err := e.engine.ValidateConsolidation(e.Ctx, e.grower.ID, ids)
	require.NoError(t, err)
	assert.True(t, res.IsValid)
	ledgertest.AssertAmount(t, "150", res.TotalAmount)
	assert.Len(t, res.Contributions, 2)
}

func TestValidateConsolidation_GrowerOnHold(t *testing.T) {
	e := setup(t, consolidation.DefaultConfig())
	held := e.Grower("G-HOLD", ledgertest.OnHold)
	b := e.Batch(e.pt.ID, ledger.BatchDraft)
	e.Allocate(b.ID, held.ID, "10")

	res, err := e.engine.ValidateConsolidation(e.Ctx, held.ID, []ledger.BatchID{b.ID})
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	assert.Contains(t, res.Errors[0], "on hold")

	_, err = e.engine.ValidateConsolidation(e.Ctx, 999, []ledger.BatchID{b.ID})
	assert.True(t, ledger.IsNotFound(err))
}

func TestValidateConsolidation_WarningsDoNotBlock(t *testing.T) {
	e := setup(t, consolidation.Config{MaxBatchesWarning: 1, AmountWarningThreshold: ledgertest.Amount("100")})
	ids := e.draftBatches("80", "70")
	e.Advance(e.grower.ID, "25", ledger.AdvanceDelivered, ledgertest.Epoch)

	res, err := e.engine.ValidateConsolidation(e.Ctx, e.grower.ID, ids)
	require.NoError(t, err)
	assert.True(t, res.IsValid)
	assert.Empty(t, res.Errors)
	assert.Len(t, res.Warnings, 3)
}

// =============================================================================
// GENERATE / REVERT
// =============================================================================

func TestGenerateConsolidatedCheque_ProportionalShares(t *testing.T) {
	e := setup(t, consolidation.DefaultConfig())
	ids := e.draftBatches("100", "200", "100")

	res, err := e.engine.GenerateConsolidatedCheque(e.Ctx, e.grower.ID, ids, ledgertest.Amount("200"), ledgertest.Actor)
	require.NoError(t, err)

	assert.True(t, res.Cheque.IsConsolidated)
	assert.Equal(t, ledger.ChequeGenerated, res.Cheque.Status)
	assert.Equal(t, "CHQ-000001", res.Cheque.Number)
	assert.Nil(t, res.Cheque.BatchID)

	require.Len(t, res.Shares, 3)
	ledgertest.AssertAmount(t, "50", res.Shares[0].Amount)
	ledgertest.AssertAmount(t, "100", res.Shares[1].Amount)
	ledgertest.AssertAmount(t, "50", res.Shares[2].Amount)

	for _, id := range ids {
		b := e.MustBatch(id)
		assert.Equal(t, ledger.BatchFinalized, b.Status)
		assert.True(t, b.TotalAmount.Valid, "finalized batches have frozen totals")
	}

	breakdown, err := e.engine.Breakdown(e.Ctx, res.Cheque.ID)
	require.NoError(t, err)
	require.Len(t, breakdown.Shares, 3)
	var total []decimal.Decimal
	for _, s := range breakdown.Shares {
		total = append(total, s.Amount)
		assert.NotEmpty(t, s.BatchNumber)
	}
	ledgertest.AssertAmount(t, "200", ledger.Sum(total...))
}

func TestGenerateConsolidatedCheque_RollsBackOnInvalidBatch(t *testing.T) {
	// GIVEN: Two draft batches and one approved batch, all with allocations
	// WHEN: A consolidation names all three
	// THEN: Nothing is written: no cheque and every batch keeps its status

	e := setup(t, consolidation.DefaultConfig())
	ids := e.draftBatches("100", "100")
	approved := e.Batch(e.pt.ID, ledger.BatchApproved)
	e.Allocate(approved.ID, e.grower.ID, "100")

	_, err := e.engine.GenerateConsolidatedCheque(e.Ctx, e.grower.ID, append(ids, approved.ID),
		ledgertest.Amount("300"), ledgertest.Actor)
	require.Error(t, err)
	assert.True(t, ledger.IsClientError(err))

	cheques, err := e.Store.ChequesByGrower(e.Ctx, e.grower.ID)
	require.NoError(t, err)
	assert.Empty(t, cheques)
	for _, id := range ids {
		assert.Equal(t, ledger.BatchDraft, e.MustBatch(id).Status)
	}
	assert.Equal(t, ledger.BatchApproved, e.MustBatch(approved.ID).Status)
}

func TestGenerateConsolidatedCheque_AmountChecks(t *testing.T) {
	e := setup(t, consolidation.DefaultConfig())
	ids := e.draftBatches("100")

	_, err := e.engine.GenerateConsolidatedCheque(e.Ctx, e.grower.ID, ids, ledgertest.Amount("0"), ledgertest.Actor)
	assert.True(t, ledger.IsClientError(err))

	_, err = e.engine.GenerateConsolidatedCheque(e.Ctx, e.grower.ID, ids, ledgertest.Amount("100.02"), ledgertest.Actor)
	assert.True(t, ledger.IsClientError(err), "cheque may not exceed the allocations")

	assert.Equal(t, ledger.BatchDraft, e.MustBatch(ids[0]).Status)
}

func TestGenerateConsolidatedCheque_RejectsZeroShare(t *testing.T) {
	// GIVEN: Two draft batches of 1000 and 0.01 for the grower
	// WHEN: A 10.00 cheque is requested
	// THEN: The second batch's share rounds to 0.00, so nothing is written

	e := setup(t, consolidation.DefaultConfig())
	ids := e.draftBatches("1000", "0.01")

	_, err := e.engine.GenerateConsolidatedCheque(e.Ctx, e.grower.ID, ids, ledgertest.Amount("10"), ledgertest.Actor)
	require.Error(t, err)
	assert.True(t, ledger.IsClientError(err))
	assert.Contains(t, err.Error(), "0.00")

	for _, id := range ids {
		assert.Equal(t, ledger.BatchDraft, e.MustBatch(id).Status)
		shares, err := e.Store.ConsolidationsByBatch(e.Ctx, id)
		require.NoError(t, err)
		assert.Empty(t, shares)
	}
}

func TestConsolidationRoundTrip(t *testing.T) {
	// GIVEN: A consolidated cheque over three draft batches
	// WHEN: It is reverted immediately
	// THEN: All source batches are Draft again and no share rows remain

	e := setup(t, consolidation.DefaultConfig())
	ids := e.draftBatches("10", "20", "30")

	res, err := e.engine.GenerateConsolidatedCheque(e.Ctx, e.grower.ID, ids, ledgertest.Amount("60"), ledgertest.Actor)
	require.NoError(t, err)

	reverted, err := e.engine.RevertConsolidation(e.Ctx, res.Cheque.ID, "reissue", ledgertest.Actor)
	require.NoError(t, err)
	assert.ElementsMatch(t, ids, reverted)

	for _, id := range ids {
		b := e.MustBatch(id)
		assert.Equal(t, ledger.BatchDraft, b.Status)
		assert.False(t, b.TotalAmount.Valid)

		shares, err := e.Store.ConsolidationsByBatch(e.Ctx, id)
		require.NoError(t, err)
		assert.Empty(t, shares)
	}

	cheque := e.MustCheque(res.Cheque.ID)
	assert.Equal(t, ledger.ChequeVoided, cheque.Status)
	assert.Equal(t, "reissue", cheque.VoidReason)
}

func TestRevertConsolidation_Guards(t *testing.T) {
	e := setup(t, consolidation.DefaultConfig())

	_, err := e.engine.RevertConsolidation(e.Ctx, 999, "", ledgertest.Actor)
	assert.True(t, ledger.IsNotFound(err))

	b := e.Batch(e.pt.ID, ledger.BatchPosted)
	plain := e.Cheque(e.grower.ID, &b.ID, "10", ledger.ChequeGenerated)
	_, err = e.engine.RevertConsolidation(e.Ctx, plain.ID, "", ledgertest.Actor)
	assert.True(t, ledger.IsConflict(err), "plain cheques are not consolidations")

	ids := e.draftBatches("10")
	res, err := e.engine.GenerateConsolidatedCheque(e.Ctx, e.grower.ID, ids, ledgertest.Amount("10"), ledgertest.Actor)
	require.NoError(t, err)
	ok, err := e.Store.TransitionCheque(e.Ctx, ledger.ChequeTransition{
		ID: res.Cheque.ID, From: []ledger.ChequeStatus{ledger.ChequeGenerated}, To: ledger.ChequeIssued, At: ledgertest.Epoch,
	})
	require.NoError(t, err)
	require.True(t, ok)

	_, err = e.engine.RevertConsolidation(e.Ctx, res.Cheque.ID, "", ledgertest.Actor)
	assert.True(t, ledger.IsConflict(err), "issued cheques cannot be reverted")
	assert.Equal(t, ledger.BatchFinalized, e.MustBatch(ids[0]).Status)
}
