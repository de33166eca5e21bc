// Package recon reconciles payroll and point-of-sale feeds against each
// other and against the ledger snapshot, applying per-period tolerances.
package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/Mindburn-Labs/remit/pkg/contracts"
	"github.com/Mindburn-Labs/remit/pkg/dlq"
)

// Status is the overall reconciliation verdict.
type Status string

const (
	StatusOK   Status = "RECON_OK"
	StatusFail Status = "RECON_FAIL"
)

// Reason codes.
const (
	ReasonDeltaW1        = "DELTA_W1"
	ReasonDeltaW2        = "DELTA_W2"
	ReasonDeltaG1        = "DELTA_G1"
	ReasonDeltaG11       = "DELTA_G11"
	ReasonMissingPayroll = "MISSING_PAYROLL"
	ReasonMissingPOS     = "MISSING_POS"
)

// DeadLetterReason tags reconciliation failures in the dead-letter queue.
const DeadLetterReason = "RECON"

// ErrMalformedSnapshot is an internal error: the input cannot be reconciled at all.
var ErrMalformedSnapshot = errors.New("recon: malformed snapshot")

// MaxAmountCents bounds every reconciled amount so label arithmetic cannot
// overflow int64.
const MaxAmountCents int64 = 1_000_000_000_000_000

// PayrollSnapshot carries the BAS payroll labels (W1 gross wages, W2 amounts withheld).
type PayrollSnapshot struct {
	W1 int64 `json:"w1"`
	W2 int64 `json:"w2"`
}

// PosSnapshot carries the BAS GST labels from point-of-sale data.
type PosSnapshot struct {
	G1           int64 `json:"g1"`
	G10          int64 `json:"g10"`
	G11          int64 `json:"g11"`
	TaxCollected int64 `json:"taxCollected"`
}

// LedgerSnapshot holds booked ledger totals. Nil fields were not booked.
type LedgerSnapshot struct {
	W1 *int64 `json:"w1,omitempty"`
	W2 *int64 `json:"w2,omitempty"`
}

// Input is one reconciliation run.
type Input struct {
	Key        contracts.PeriodKey  `json:"key"`
	Payroll    *PayrollSnapshot     `json:"payroll,omitempty"`
	Pos        *PosSnapshot         `json:"pos,omitempty"`
	Ledger     *LedgerSnapshot      `json:"ledger,omitempty"`
	Thresholds contracts.Thresholds `json:"thresholds"`
}

// Tolerance is the pair of limits applied to a delta.
type Tolerance struct {
	EpsilonCents  int64   `json:"epsilon_cents"`
	VarianceRatio float64 `json:"variance_ratio"`
}

// Delta is one computed difference.
type Delta struct {
	Code      string    `json:"code"`
	Actual    int64     `json:"actual"`
	Expected  int64     `json:"expected"`
	Delta     int64     `json:"delta"`
	Tolerance Tolerance `json:"tolerance"`
	Pass      bool      `json:"pass"`
}

// Result is an immutable reconciliation verdict.
type Result struct {
	ID        int64     `json:"id,omitempty"`
	Status    Status    `json:"status"`
	Deltas    []Delta   `json:"deltas"`
	Reasons   []string  `json:"reasons"`
	CreatedAt time.Time `json:"created_at"`
}

// WithinTolerance reports whether |delta| <= eps or |delta|/max(|expected|,1) <= ratio.
// Either limit suffices.
func WithinTolerance(delta, eps int64, ratio float64, expected int64) bool {
	abs := absInt(delta)
	if abs <= eps {
		return true
	}
	return float64(abs)/math.Max(float64(absInt(expected)), 1) <= ratio
}

// VarianceRatio is the largest relative delta of the run.
func (r *Result) VarianceRatio() float64 {
	worst := 0.0
	for _, d := range r.Deltas {
		v := float64(absInt(d.Delta)) / math.Max(float64(absInt(d.Expected)), 1)
		if v > worst {
			worst = v
		}
	}
	return worst
}

// AbsDeltaCents is the sum of absolute deltas of the run.
func (r *Result) AbsDeltaCents() int64 {
	var sum int64
	for _, d := range r.Deltas {
		sum += absInt(d.Delta)
	}
	return sum
}

// DeadLetter is the subset of the dead-letter queue the engine uses.
type DeadLetter interface {
	Enqueue(ctx context.Context, reason string, payload interface{}, cause error) (*dlq.Item, error)
}

// Engine runs reconciliations.
type Engine struct {
	deadLetter DeadLetter
	clock      func() time.Time
	logger     *slog.Logger
}

func NewEngine(dl DeadLetter) *Engine {
	return &Engine{
		deadLetter: dl,
		clock:      time.Now,
		logger:     slog.Default().With("component", "recon"),
	}
}

// WithClock overrides the time source (for testing).
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Run reconciles in. Missing feeds yield RECON_FAIL, not an error. An
// internal failure is dead-lettered and returned; no result is produced.
func (e *Engine) Run(ctx context.Context, in Input) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("recon: internal error: %v", r)
		}
		if err != nil {
			e.deadLetterRun(ctx, in, err)
		}
	}()

	if in.Payroll == nil || in.Pos == nil {
		res = &Result{Status: StatusFail, Deltas: []Delta{}, CreatedAt: e.clock().UTC()}
		if in.Payroll == nil {
			res.Reasons = append(res.Reasons, ReasonMissingPayroll)
		}
		if in.Pos == nil {
			res.Reasons = append(res.Reasons, ReasonMissingPOS)
		}
		e.logger.InfoContext(ctx, "reconciliation missing input", "period", in.Key.String(), "reasons", res.Reasons)
		return res, nil
	}
	if err := validate(in); err != nil {
		return nil, err
	}

	tol := Tolerance{EpsilonCents: in.Thresholds.EpsilonCents, VarianceRatio: in.Thresholds.VarianceRatio}
	w1Expected := in.Pos.G1
	if in.Ledger != nil && in.Ledger.W1 != nil {
		w1Expected = *in.Ledger.W1
	}
	w2Expected := in.Pos.TaxCollected
	if in.Ledger != nil && in.Ledger.W2 != nil {
		w2Expected = *in.Ledger.W2
	}

	res = &Result{Status: StatusOK, Reasons: []string{}, CreatedAt: e.clock().UTC()}
	for _, d := range []Delta{
		{Code: ReasonDeltaW1, Actual: in.Payroll.W1, Expected: w1Expected},
		{Code: ReasonDeltaW2, Actual: in.Payroll.W2, Expected: w2Expected},
		{Code: ReasonDeltaG1, Actual: in.Pos.G1, Expected: in.Pos.G10 + in.Pos.G11},
		{Code: ReasonDeltaG11, Actual: in.Pos.G11, Expected: in.Pos.G1 - in.Pos.G10},
	} {
		d.Delta = d.Actual - d.Expected
		d.Tolerance = tol
		d.Pass = WithinTolerance(d.Delta, tol.EpsilonCents, tol.VarianceRatio, d.Expected)
		if !d.Pass {
			res.Status = StatusFail
			res.Reasons = append(res.Reasons, d.Code)
		}
		res.Deltas = append(res.Deltas, d)
	}

	e.logger.InfoContext(ctx, "reconciliation complete", "period", in.Key.String(), "status", res.Status, "reasons", res.Reasons)
	return res, nil
}

func (e *Engine) deadLetterRun(ctx context.Context, in Input, cause error) {
	if e.deadLetter == nil {
		return
	}
	if _, err := e.deadLetter.Enqueue(ctx, DeadLetterReason, in, cause); err != nil {
		e.logger.ErrorContext(ctx, "failed to dead-letter reconciliation", "period", in.Key.String(), "error", err)
	}
}

func validate(in Input) error {
	amounts := map[string]int64{
		"payroll.w1":       in.Payroll.W1,
		"payroll.w2":       in.Payroll.W2,
		"pos.g1":           in.Pos.G1,
		"pos.g10":          in.Pos.G10,
		"pos.g11":          in.Pos.G11,
		"pos.taxCollected": in.Pos.TaxCollected,
	}
	if in.Ledger != nil && in.Ledger.W1 != nil {
		amounts["ledger.w1"] = *in.Ledger.W1
	}
	if in.Ledger != nil && in.Ledger.W2 != nil {
		amounts["ledger.w2"] = *in.Ledger.W2
	}
	for name, v := range amounts {
		if v < 0 {
			return fmt.Errorf("%w: %s is negative", ErrMalformedSnapshot, name)
		}
		if v > MaxAmountCents {
			return fmt.Errorf("%w: %s exceeds %d", ErrMalformedSnapshot, name, MaxAmountCents)
		}
	}
	t := in.Thresholds
	if t.EpsilonCents < 0 || t.VarianceRatio < 0 || math.IsNaN(t.VarianceRatio) || math.IsInf(t.VarianceRatio, 0) {
		return fmt.Errorf("%w: thresholds out of range", ErrMalformedSnapshot)
	}
	return nil
}

func absInt(v int64) int64 {
	if v == math.MinInt64 {
		return math.MaxInt64
	}
	if v < 0 {
		return -v
	}
	return v
}
