package advances_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/grower-ledger/advances"
	"github.com/warp/grower-ledger/ledger"
	"github.com/warp/grower-ledger/ledgertest"
)

type env struct {
	*ledgertest.Fixture
	ledger *advances.Ledger
	grower ledger.Grower
	batch  ledger.PaymentBatch
}

func setup(t *testing.T) *env {
	f := ledgertest.New(t)
	pt := f.PaymentType("ADV")
	return &env{
		Fixture: f,
		ledger:  advances.New(f.Store, f.Logger).WithClock(f.Clock),
		grower:  f.Grower("G-100"),
		batch:   f.Batch(pt.ID, ledger.BatchDraft),
	}
}

// deliveredAdvance drives a fresh advance through the lifecycle the way an
// operator would.
func (e *env) deliveredAdvance(t *testing.T, amount string) *ledger.AdvanceCheque {
	t.Helper()
	adv, err := e.ledger.CreateAdvance(e.Ctx, e.grower.ID, ledgertest.Amount(amount), "seed money", ledgertest.Actor)
	require.NoError(t, err)

	ok, err := e.ledger.Print(e.Ctx, adv.ID, ledgertest.Actor)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = e.ledger.Deliver(e.Ctx, adv.ID, ledgertest.Actor)
	require.NoError(t, err)
	require.True(t, ok)

	return e.MustAdvance(adv.ID)
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestCreateAdvance(t *testing.T) {
	e := setup(t)

	adv, err := e.ledger.CreateAdvance(e.Ctx, e.grower.ID, ledgertest.Amount("250.005"), "fuel", ledgertest.Actor)
	require.NoError(t, err)

	assert.Equal(t, "ADV-000001", adv.Number)
	assert.Equal(t, ledger.AdvanceGenerated, adv.Status)
	ledgertest.AssertAmount(t, "250.01", adv.OriginalAmount, "amounts are rounded to cents")
	ledgertest.AssertAmount(t, "250.01", adv.CurrentAmount)
	assert.Equal(t, ledgertest.Epoch, adv.AdvanceDate)

	second, err := e.ledger.CreateAdvance(e.Ctx, e.grower.ID, ledgertest.Amount("10"), "", ledgertest.Actor)
	require.NoError(t, err)
	assert.Equal(t, "ADV-000002", second.Number)

	id := int64(adv.ID)
	entries, err := e.Store.QueryAudit(e.Ctx, ledger.AuditFilter{EntityType: "advance", EntityID: &id})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.AuditAdvanceCreated, entries[0].Action)
}

func TestCreateAdvance_Validation(t *testing.T) {
	e := setup(t)

	tests := []struct {
		name   string
		grower ledger.GrowerID
		amount string
		actor  string
		check  func(error) bool
	}{
		{"zero amount", e.grower.ID, "0", ledgertest.Actor, ledger.IsClientError},
		{"negative amount", e.grower.ID, "-5", ledgertest.Actor, ledger.IsClientError},
		{"sub-cent rounds to zero", e.grower.ID, "0.004", ledgertest.Actor, ledger.IsClientError},
		{"missing actor", e.grower.ID, "5", "", ledger.IsClientError},
		{"unknown grower", 999, "5", ledgertest.Actor, ledger.IsNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.ledger.CreateAdvance(e.Ctx, tt.grower, ledgertest.Amount(tt.amount), "", tt.actor)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error class: %v", err)
		})
	}
}

func TestLifecycle_TransitionsAreGuarded(t *testing.T) {
	e := setup(t)
	adv, err := e.ledger.CreateAdvance(e.Ctx, e.grower.ID, ledgertest.Amount("100"), "", ledgertest.Actor)
	require.NoError(t, err)

	ok, err := e.ledger.Deliver(e.Ctx, adv.ID, ledgertest.Actor)
	require.NoError(t, err)
	assert.False(t, ok, "a generated advance cannot be delivered")

	ok, err = e.ledger.Print(e.Ctx, adv.ID, ledgertest.Actor)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.ledger.Print(e.Ctx, adv.ID, ledgertest.Actor)
	require.NoError(t, err)
	assert.False(t, ok, "printing twice does not apply")

	got := e.MustAdvance(adv.ID)
	assert.Equal(t, ledger.AdvancePrinted, got.Status)
	require.NotNil(t, got.PrintedAt)
	assert.Equal(t, ledgertest.Actor, got.PrintedBy)
}

func TestVoid(t *testing.T) {
	e := setup(t)
	adv, err := e.ledger.CreateAdvance(e.Ctx, e.grower.ID, ledgertest.Amount("100"), "", ledgertest.Actor)
	require.NoError(t, err)

	ok, err := e.ledger.Void(e.Ctx, adv.ID, "issued in error", ledgertest.Actor)
	require.NoError(t, err)
	assert.True(t, ok)

	got := e.MustAdvance(adv.ID)
	assert.Equal(t, ledger.AdvanceVoided, got.Status)
	assert.Equal(t, "issued in error", got.VoidReason)

	ok, err = e.ledger.Void(e.Ctx, adv.ID, "again", ledgertest.Actor)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVoid_DeliveredDoesNotApply(t *testing.T) {
	e := setup(t)
	adv := e.deliveredAdvance(t, "100")

	ok, err := e.ledger.Void(e.Ctx, adv.ID, "late", ledgertest.Actor)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, ledger.AdvanceDelivered, e.MustAdvance(adv.ID).Status)
}

func TestVoid_RejectedWhileDeducted(t *testing.T) {
	// GIVEN: A printed advance with an active deduction
	// WHEN: It is voided
	// THEN: The void is refused with a conflict and nothing changes

	e := setup(t)
	adv, err := e.ledger.CreateAdvance(e.Ctx, e.grower.ID, ledgertest.Amount("300"), "", ledgertest.Actor)
	require.NoError(t, err)
	_, err = e.ledger.Print(e.Ctx, adv.ID, ledgertest.Actor)
	require.NoError(t, err)
	_, err = e.ledger.ApplyDeductions(e.Ctx, e.grower.ID, e.batch.ID, ledgertest.Amount("50"), ledgertest.Actor)
	require.NoError(t, err)

	_, err = e.ledger.Void(e.Ctx, adv.ID, "", ledgertest.Actor)
	require.Error(t, err)
	assert.True(t, ledger.IsConflict(err))
	var conflict *ledger.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Contains(t, conflict.Message, "reverse deductions first")

	assert.Equal(t, ledger.AdvancePrinted, e.MustAdvance(adv.ID).Status)
}

func TestVoid_UnknownAdvance(t *testing.T) {
	e := setup(t)
	_, err := e.ledger.Void(e.Ctx, 42, "", ledgertest.Actor)
	assert.True(t, ledger.IsNotFound(err))
}

// =============================================================================
// DEDUCTIONS
// =============================================================================

func TestDeductionRoundTrip(t *testing.T) {
	// GIVEN: A delivered $1000 advance
	// WHEN: $400 is deducted, then reversed, then $1200 is deducted
	// THEN: Balances follow the ledger identity and the status never changes

	e := setup(t)
	adv := e.deliveredAdvance(t, "1000")

	deducted, err := e.ledger.ApplyDeductions(e.Ctx, e.grower.ID, e.batch.ID, ledgertest.Amount("400"), ledgertest.Actor)
	require.NoError(t, err)
	ledgertest.AssertAmount(t, "400", deducted)

	got := e.MustAdvance(adv.ID)
	ledgertest.AssertAmount(t, "600", got.CurrentAmount)
	ledgertest.AssertAmount(t, "400", got.TotalDeducted)
	require.NotNil(t, got.DeductedFromBatchID)
	assert.Equal(t, e.batch.ID, *got.DeductedFromBatchID)
	assert.Equal(t, ledgertest.Actor, got.DeductedBy)

	ok, err := e.ledger.ReverseDeductions(e.Ctx, adv.ID, "batch rework", ledgertest.Actor)
	require.NoError(t, err)
	assert.True(t, ok)

	got = e.MustAdvance(adv.ID)
	ledgertest.AssertAmount(t, "1000", got.CurrentAmount)
	ledgertest.AssertAmount(t, "0", got.TotalDeducted)
	assert.Equal(t, ledger.AdvanceDelivered, got.Status)
	assert.Nil(t, got.DeductedAt)
	assert.Nil(t, got.DeductedFromBatchID)

	deds, err := e.ledger.Deductions(e.Ctx, adv.ID)
	require.NoError(t, err)
	assert.Empty(t, deds)

	deducted, err = e.ledger.ApplyDeductions(e.Ctx, e.grower.ID, e.batch.ID, ledgertest.Amount("1200"), ledgertest.Actor)
	require.NoError(t, err)
	ledgertest.AssertAmount(t, "1000", deducted, "deductions are capped by the outstanding balance")
	ledgertest.AssertAmount(t, "0", e.MustAdvance(adv.ID).CurrentAmount)
}

func TestApplyDeductions_OldestFirst(t *testing.T) {
	e := setup(t)
	newer := e.Advance(e.grower.ID, "300", ledger.AdvanceDelivered, ledgertest.Epoch.AddDate(0, 0, -1))
	older := e.Advance(e.grower.ID, "200", ledger.AdvancePrinted, ledgertest.Epoch.AddDate(0, 0, -10))
	generated := e.Advance(e.grower.ID, "500", ledger.AdvanceGenerated, ledgertest.Epoch.AddDate(0, 0, -20))

	deducted, err := e.ledger.ApplyDeductions(e.Ctx, e.grower.ID, e.batch.ID, ledgertest.Amount("250"), ledgertest.Actor)
	require.NoError(t, err)
	ledgertest.AssertAmount(t, "250", deducted)

	ledgertest.AssertAmount(t, "0", e.MustAdvance(older.ID).CurrentAmount)
	ledgertest.AssertAmount(t, "250", e.MustAdvance(newer.ID).CurrentAmount)
	ledgertest.AssertAmount(t, "500", e.MustAdvance(generated.ID).CurrentAmount, "generated advances are not outstanding")

	deds, err := e.Store.DeductionsByBatch(e.Ctx, e.batch.ID)
	require.NoError(t, err)
	require.Len(t, deds, 2)
	assert.Equal(t, older.ID, deds[0].AdvanceID)
	ledgertest.AssertAmount(t, "200", deds[0].Amount)
	assert.Equal(t, newer.ID, deds[1].AdvanceID)
	ledgertest.AssertAmount(t, "50", deds[1].Amount)
}

func TestApplyDeductions_EdgeCases(t *testing.T) {
	e := setup(t)
	e.Advance(e.grower.ID, "100", ledger.AdvanceDelivered, ledgertest.Epoch)

	t.Run("zero payment deducts nothing", func(t *testing.T) {
		got, err := e.ledger.ApplyDeductions(e.Ctx, e.grower.ID, e.batch.ID, ledgertest.Amount("0"), ledgertest.Actor)
		require.NoError(t, err)
		assert.True(t, got.IsZero())
	})

	t.Run("negative payment is invalid", func(t *testing.T) {
		_, err := e.ledger.ApplyDeductions(e.Ctx, e.grower.ID, e.batch.ID, ledgertest.Amount("-1"), ledgertest.Actor)
		assert.True(t, ledger.IsClientError(err))
	})

	t.Run("unknown batch", func(t *testing.T) {
		_, err := e.ledger.ApplyDeductions(e.Ctx, e.grower.ID, 999, ledgertest.Amount("10"), ledgertest.Actor)
		assert.True(t, ledger.IsNotFound(err))
	})

	t.Run("voided batch", func(t *testing.T) {
		voided := e.Batch(e.batch.PaymentTypeID, ledger.BatchVoided)
		_, err := e.ledger.ApplyDeductions(e.Ctx, e.grower.ID, voided.ID, ledgertest.Amount("10"), ledgertest.Actor)
		assert.True(t, ledger.IsConflict(err))
	})

	t.Run("grower without advances", func(t *testing.T) {
		other := e.Grower("G-200")
		got, err := e.ledger.ApplyDeductions(e.Ctx, other.ID, e.batch.ID, ledgertest.Amount("10"), ledgertest.Actor)
		require.NoError(t, err)
		assert.True(t, got.IsZero())
	})
}

// staleBalanceStore loses the balance update race on the nth call, as if
// another writer moved the advance first.
type staleBalanceStore struct {
	ledger.Store
	calls  *int
	loseOn int
}

func (s staleBalanceStore) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return s.Store.WithTx(ctx, func(tx ledger.Store) error {
		return fn(staleBalanceStore{Store: tx, calls: s.calls, loseOn: s.loseOn})
	})
}

func (s staleBalanceStore) UpdateAdvanceBalance(ctx context.Context, u ledger.AdvanceBalanceUpdate) (bool, error) {
	*s.calls++
	if *s.calls == s.loseOn {
		return false, nil
	}
	return s.Store.UpdateAdvanceBalance(ctx, u)
}

func TestApplyDeductions_AllOrNothing(t *testing.T) {
	// GIVEN: Two outstanding advances of 100
	// WHEN: A payment of 150 is applied and the second balance update loses
	//       its compare-and-swap
	// THEN: The call fails, no deduction rows exist and both balances are
	//       unchanged

	e := setup(t)
	first := e.deliveredAdvance(t, "100")
	second := e.deliveredAdvance(t, "100")

	calls := 0
	stale := advances.New(staleBalanceStore{Store: e.Store, calls: &calls, loseOn: 2}, e.Logger).WithClock(e.Clock)

	_, err := stale.ApplyDeductions(e.Ctx, e.grower.ID, e.batch.ID, ledgertest.Amount("150"), ledgertest.Actor)
	require.Error(t, err)
	assert.True(t, ledger.IsConflict(err))
	assert.Equal(t, 2, calls)

	for _, id := range []ledger.AdvanceID{first.ID, second.ID} {
		deductions, err := e.Store.DeductionsByAdvance(e.Ctx, id)
		require.NoError(t, err)
		assert.Empty(t, deductions)

		adv := e.MustAdvance(id)
		ledgertest.AssertAmount(t, "100", adv.CurrentAmount)
		ledgertest.AssertAmount(t, "0", adv.TotalDeducted)
	}
	batchDeductions, err := e.Store.DeductionsByBatch(e.Ctx, e.batch.ID)
	require.NoError(t, err)
	assert.Empty(t, batchDeductions)
}

func TestReverseDeductions_Idempotent(t *testing.T) {
	e := setup(t)
	adv := e.deliveredAdvance(t, "500")
	_, err := e.ledger.ApplyDeductions(e.Ctx, e.grower.ID, e.batch.ID, ledgertest.Amount("120"), ledgertest.Actor)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		ok, err := e.ledger.ReverseDeductions(e.Ctx, adv.ID, "", ledgertest.Actor)
		require.NoError(t, err)
		assert.True(t, ok)
		ledgertest.AssertAmount(t, "500", e.MustAdvance(adv.ID).CurrentAmount)
	}

	id := int64(adv.ID)
	entries, err := e.Store.QueryAudit(e.Ctx, ledger.AuditFilter{
		EntityID: &id, Actions: []ledger.AuditAction{ledger.AuditDeductionsReversed},
	})
	require.NoError(t, err)
	assert.Len(t, entries, 1, "the second reversal changes nothing")
}

func TestVoidBatchDeductions(t *testing.T) {
	e := setup(t)
	adv := e.deliveredAdvance(t, "800")
	other := e.Batch(e.batch.PaymentTypeID, ledger.BatchDraft)

	_, err := e.ledger.ApplyDeductions(e.Ctx, e.grower.ID, other.ID, ledgertest.Amount("100"), ledgertest.Actor)
	require.NoError(t, err)
	_, err = e.ledger.ApplyDeductions(e.Ctx, e.grower.ID, e.batch.ID, ledgertest.Amount("300"), ledgertest.Actor)
	require.NoError(t, err)
	ledgertest.AssertAmount(t, "400", e.MustAdvance(adv.ID).CurrentAmount)

	restored, err := e.ledger.VoidBatchDeductions(e.Ctx, e.batch.ID, "receipt voided", ledgertest.Actor)
	require.NoError(t, err)
	ledgertest.AssertAmount(t, "300", restored)

	got := e.MustAdvance(adv.ID)
	ledgertest.AssertAmount(t, "700", got.CurrentAmount)
	ledgertest.AssertAmount(t, "100", got.TotalDeducted)
	assert.Nil(t, got.DeductedFromBatchID, "pointers to the voided batch are cleared")

	deds, err := e.ledger.Deductions(e.Ctx, adv.ID)
	require.NoError(t, err)
	require.Len(t, deds, 2, "voided deductions remain visible")
	ledgertest.AssertAmount(t, "700", advances.ExpectedCurrent(*got, deds))

	restored, err = e.ledger.VoidBatchDeductions(e.Ctx, e.batch.ID, "again", ledgertest.Actor)
	require.NoError(t, err)
	assert.True(t, restored.IsZero())
}

// =============================================================================
// QUERIES
// =============================================================================

func TestGetTotalOutstanding(t *testing.T) {
	e := setup(t)
	e.Advance(e.grower.ID, "100", ledger.AdvancePrinted, ledgertest.Epoch)
	e.Advance(e.grower.ID, "250.50", ledger.AdvanceDelivered, ledgertest.Epoch)
	e.Advance(e.grower.ID, "999", ledger.AdvanceGenerated, ledgertest.Epoch)
	e.Advance(e.grower.ID, "999", ledger.AdvanceVoided, ledgertest.Epoch)

	total, err := e.ledger.GetTotalOutstanding(e.Ctx, e.grower.ID)
	require.NoError(t, err)
	ledgertest.AssertAmount(t, "350.50", total)
}

func TestGet_NotFound(t *testing.T) {
	e := setup(t)
	_, err := e.ledger.Get(e.Ctx, 77)
	assert.True(t, ledger.IsNotFound(err))
}
