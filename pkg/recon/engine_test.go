package recon

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/remit/pkg/contracts"
	"github.com/Mindburn-Labs/remit/pkg/dlq"
	"github.com/Mindburn-Labs/remit/pkg/store"
)

func i64(v int64) *int64 { return &v }

func scenario() Input {
	return Input{
		Key:        contracts.PeriodKey{ABN: "12345678901", TaxType: contracts.TaxTypePAYGW, PeriodID: "2025-Q1"},
		Payroll:    &PayrollSnapshot{W1: 120000, W2: 36000},
		Pos:        &PosSnapshot{G1: 120000, G10: 30000, G11: 90000, TaxCollected: 36000},
		Ledger:     &LedgerSnapshot{W1: i64(120000), W2: i64(36000)},
		Thresholds: contracts.Thresholds{EpsilonCents: 100, VarianceRatio: 0.02},
	}
}

func TestRun_BalancedScenario(t *testing.T) {
	res, err := NewEngine(nil).Run(context.Background(), scenario())
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	assert.Empty(t, res.Reasons)
	require.Len(t, res.Deltas, 4)
	for _, d := range res.Deltas {
		assert.True(t, d.Pass, d.Code)
		assert.Equal(t, int64(0), d.Delta, d.Code)
	}
}

func TestRun_LedgerW1Discrepancy(t *testing.T) {
	in := scenario()
	in.Ledger.W1 = i64(160000)

	res, err := NewEngine(nil).Run(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, StatusFail, res.Status)
	assert.Equal(t, []string{ReasonDeltaW1}, res.Reasons)
	assert.Equal(t, int64(-40000), res.Deltas[0].Delta)
	assert.Equal(t, int64(160000), res.Deltas[0].Expected)
	assert.InDelta(t, 0.25, res.VarianceRatio(), 1e-9)
	assert.Equal(t, int64(40000), res.AbsDeltaCents())
}

func TestRun_NoLedgerFallsBackToPOS(t *testing.T) {
	in := scenario()
	in.Ledger = nil
	in.Payroll.W2 = 36050

	res, err := NewEngine(nil).Run(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status, "50 cents is inside epsilon")
	assert.Equal(t, int64(50), res.Deltas[1].Delta)
}

func TestRun_POSInconsistency(t *testing.T) {
	in := scenario()
	in.Pos.G11 = 80000

	res, err := NewEngine(nil).Run(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, []string{ReasonDeltaG1, ReasonDeltaG11}, res.Reasons)
}

func TestRun_MissingInputsAreNotDeadLettered(t *testing.T) {
	q := dlq.NewQueue(dlq.NewMemoryStore(), dlq.DefaultBackoff())
	in := scenario()
	in.Payroll, in.Pos = nil, nil

	res, err := NewEngine(q).Run(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, StatusFail, res.Status)
	assert.Equal(t, []string{ReasonMissingPayroll, ReasonMissingPOS}, res.Reasons)

	items, err := q.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRun_MalformedSnapshotIsDeadLettered(t *testing.T) {
	q := dlq.NewQueue(dlq.NewMemoryStore(), dlq.DefaultBackoff())
	in := scenario()
	in.Pos.G10 = -1

	res, err := NewEngine(q).Run(context.Background(), in)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrMalformedSnapshot)

	items, err := q.List(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, DeadLetterReason, items[0].Reason)
	assert.Contains(t, items[0].LastError, "pos.g10")
}

func TestRun_OversizedAmountsRejected(t *testing.T) {
	in := scenario()
	in.Ledger = nil
	in.Thresholds = contracts.Thresholds{EpsilonCents: 100}
	in.Pos = &PosSnapshot{G1: 0, G10: math.MaxInt64, G11: 1}

	res, err := NewEngine(nil).Run(context.Background(), in)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrMalformedSnapshot)

	in = scenario()
	in.Ledger.W2 = i64(MaxAmountCents + 1)
	_, err = NewEngine(nil).Run(context.Background(), in)
	assert.ErrorIs(t, err, ErrMalformedSnapshot)

	in = scenario()
	in.Payroll.W1 = MaxAmountCents
	in.Pos.G1 = MaxAmountCents
	in.Pos.G10 = 0
	in.Pos.G11 = MaxAmountCents
	in.Ledger = nil
	res, err = NewEngine(nil).Run(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
}

func TestWithinTolerance_Table(t *testing.T) {
	tests := []struct {
		delta, eps int64
		ratio      float64
		expected   int64
		want       bool
	}{
		{0, 0, 0, 0, true},
		{100, 100, 0, 1000, true},
		{101, 100, 0, 1000, false},
		{101, 100, 0.2, 1000, true},
		{-500, 0, 0.5, 1000, true},
		{5, 0, 1, 0, false},
		{1, 0, 1, 0, true},
		{math.MinInt64, 100, 0, 0, false},
		{math.MinInt64, math.MaxInt64, 0, 0, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, WithinTolerance(tt.delta, tt.eps, tt.ratio, tt.expected), "%+v", tt)
	}
}

func TestWithinTolerance_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("absolute OR relative tolerance", prop.ForAll(
		func(delta, eps int64, ratio float64, expected int64) bool {
			abs := delta
			if abs < 0 {
				abs = -abs
			}
			base := expected
			if base < 0 {
				base = -base
			}
			if base < 1 {
				base = 1
			}
			want := abs <= eps || float64(abs)/float64(base) <= ratio
			return WithinTolerance(delta, eps, ratio, expected) == want
		},
		gen.Int64Range(-10_000_000, 10_000_000),
		gen.Int64Range(0, 100_000),
		gen.Float64Range(0, 1),
		gen.Int64Range(-10_000_000, 10_000_000),
	))

	properties.TestingRun(t)
}

func TestResultStore_SaveAndLatest(t *testing.T) {
	ctx := context.Background()
	db, err := store.OpenLite(ctx, ":memory:")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	rs := NewResultStore(db)
	key := scenario().Key

	_, err = rs.Latest(ctx, key)
	assert.ErrorIs(t, err, ErrNoResult)

	first, err := NewEngine(nil).WithClock(func() time.Time { return time.Unix(100, 0) }).Run(ctx, scenario())
	require.NoError(t, err)
	require.NoError(t, rs.Save(ctx, key, first))

	in := scenario()
	in.Ledger.W1 = i64(160000)
	second, err := NewEngine(nil).Run(ctx, in)
	require.NoError(t, err)
	require.NoError(t, rs.Save(ctx, key, second))

	latest, err := rs.Latest(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
	assert.Equal(t, StatusFail, latest.Status)
	assert.Equal(t, []string{ReasonDeltaW1}, latest.Reasons)
	assert.Len(t, latest.Deltas, 4)
}
