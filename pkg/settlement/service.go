// Package settlement orchestrates the period lifecycle: feeds come in,
// reconciliation gates the period, a signed RPT authorises the release and
// the one-way account ledger records the money moving.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/remit/pkg/approval"
	"github.com/Mindburn-Labs/remit/pkg/audit"
	"github.com/Mindburn-Labs/remit/pkg/contracts"
	"github.com/Mindburn-Labs/remit/pkg/dlq"
	"github.com/Mindburn-Labs/remit/pkg/evidence"
	"github.com/Mindburn-Labs/remit/pkg/gate"
	"github.com/Mindburn-Labs/remit/pkg/ingest"
	"github.com/Mindburn-Labs/remit/pkg/kms"
	"github.com/Mindburn-Labs/remit/pkg/owa"
	"github.com/Mindburn-Labs/remit/pkg/ports"
	"github.com/Mindburn-Labs/remit/pkg/recon"
	"github.com/Mindburn-Labs/remit/pkg/rpt"
)

var (
	ErrPeriodLocked   = errors.New("PERIOD_LOCKED")
	ErrQueued         = errors.New("QUEUED")
	ErrNoLiability    = errors.New("NO_LIABILITY")
	ErrRPTMissing     = errors.New("RPT_MISSING")
	ErrRPTSuperseded  = errors.New("RPT_SUPERSEDED")
	ErrAmountMismatch = errors.New("AMOUNT_MISMATCH")
	ErrDualControl    = errors.New("DUAL_CONTROL")
)

// IngestReason tags ingestion failures in the dead-letter queue.
const IngestReason = "INGEST"

// Config holds the service-level policy knobs.
type Config struct {
	RatesVersion           string
	ApprovalThresholdCents int64
	// Thresholds seed newly created periods. Nil means
	// contracts.DefaultThresholds; a zero tolerance is kept as strict.
	Thresholds *contracts.Thresholds
}

// Deps are the components the service drives. All are required.
type Deps struct {
	Gate      *gate.Machine
	Parser    *ingest.Parser
	Feeds     *ingest.Store
	Recon     *recon.Engine
	Results   *recon.ResultStore
	Audit     audit.Ledger
	OWA       *owa.Ledger
	Keys      *kms.KeyStore
	Issuer    *rpt.Issuer
	Verifier  *rpt.Verifier
	Nonces    rpt.NonceStore
	Approvals *approval.Policy
	StepUp    approval.StepUp
	Bank      ports.BankPort
	Anomaly   ports.AnomalyPort
	DLQ       *dlq.Queue
	Sealer    *evidence.Sealer
}

type Service struct {
	Deps
	cfg        Config
	thresholds contracts.Thresholds
	clock      func() time.Time
	logger     *slog.Logger
}

// New wires the service and registers its dead-letter replay handlers.
func New(d Deps, cfg Config) (*Service, error) {
	if d.Gate == nil || d.Parser == nil || d.Feeds == nil || d.Recon == nil || d.Results == nil ||
		d.Audit == nil || d.OWA == nil || d.Keys == nil || d.Issuer == nil || d.Verifier == nil ||
		d.Nonces == nil || d.Approvals == nil || d.Bank == nil || d.Anomaly == nil || d.DLQ == nil || d.Sealer == nil {
		return nil, fmt.Errorf("settlement: missing dependency")
	}
	if cfg.RatesVersion == "" {
		cfg.RatesVersion = "1.0.0"
	}
	thresholds := contracts.DefaultThresholds()
	if cfg.Thresholds != nil {
		thresholds = *cfg.Thresholds
	}
	s := &Service{Deps: d, cfg: cfg, thresholds: thresholds, clock: time.Now, logger: slog.Default().With("component", "settlement")}
	s.DLQ.Register(IngestReason, s.replayIngest)
	s.DLQ.Register(recon.DeadLetterReason, s.replayReconcile)
	return s, nil
}

// WithClock overrides the time source (for testing).
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Period returns the current state of a period.
func (s *Service) Period(ctx context.Context, key contracts.PeriodKey) (*gate.Period, error) {
	return s.Gate.Store().Get(ctx, key)
}

// Periods lists periods, optionally for one tenant.
func (s *Service) Periods(ctx context.Context, abn string) ([]gate.Period, error) {
	return s.Gate.Store().List(ctx, abn)
}

// VerifyAudit walks the full audit chain.
func (s *Service) VerifyAudit(ctx context.Context) error {
	return s.Audit.VerifyChain(ctx)
}
