package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/remit/pkg/canonicalize"
	"github.com/Mindburn-Labs/remit/pkg/contracts"
	"github.com/Mindburn-Labs/remit/pkg/gate"
	"github.com/Mindburn-Labs/remit/pkg/ingest"
	"github.com/Mindburn-Labs/remit/pkg/merkle"
	"github.com/Mindburn-Labs/remit/pkg/owa"
	"github.com/Mindburn-Labs/remit/pkg/recon"
)

// IngestResult reports what happened to one feed.
type IngestResult struct {
	Key        contracts.PeriodKey `json:"key"`
	Digest     string              `json:"digest,omitempty"`
	Duplicate  bool                `json:"duplicate"`
	Queued     bool                `json:"queued"`
	DLQID      string              `json:"dlq_id,omitempty"`
	MerkleRoot string              `json:"merkle_root,omitempty"`
	State      gate.State          `json:"state,omitempty"`
}

type ingestJob struct {
	Kind  ingest.Kind     `json:"kind"`
	Body  json.RawMessage `json:"body"`
	Actor string          `json:"actor"`
}

// feedStates are the states in which a period still accepts feeds.
var feedStates = map[gate.State]bool{
	gate.StateOpen:               true,
	gate.StateClosing:            true,
	gate.StateBlockedDiscrepancy: true,
	gate.StateBlockedAnomaly:     true,
}

// Ingest validates and stores a feed, creating the period on first sight.
// Validation failures are returned. Failures after validation are
// dead-lettered and reported as queued.
func (s *Service) Ingest(ctx context.Context, kind ingest.Kind, body []byte, actor string) (*IngestResult, error) {
	feed, err := s.Parser.Parse(kind, body)
	if err != nil {
		return nil, err
	}
	res, err := s.storeFeed(ctx, feed, actor)
	if err == nil || errors.Is(err, ErrPeriodLocked) {
		return res, err
	}

	item, qerr := s.DLQ.Enqueue(ctx, IngestReason, ingestJob{Kind: kind, Body: json.RawMessage(body), Actor: actor}, err)
	if qerr != nil {
		return nil, fmt.Errorf("settlement: ingest failed (%v) and could not be queued: %w", err, qerr)
	}
	return &IngestResult{Key: feed.Key, Digest: feed.Digest, Queued: true, DLQID: item.ID}, nil
}

func (s *Service) storeFeed(ctx context.Context, feed *ingest.Feed, actor string) (*IngestResult, error) {
	p, _, err := s.Gate.Store().Ensure(ctx, feed.Key, s.thresholds, actor)
	if err != nil {
		return nil, err
	}
	if !feedStates[p.State] {
		return nil, fmt.Errorf("%w: %s is %s", ErrPeriodLocked, feed.Key, p.State)
	}

	fresh, err := s.Feeds.Save(ctx, feed, s.clock().UTC())
	if err != nil {
		return nil, err
	}
	res := &IngestResult{Key: feed.Key, Digest: feed.Digest, Duplicate: !fresh, State: p.State, MerkleRoot: p.MerkleRoot}
	if !fresh {
		return res, nil
	}

	snap, err := s.Feeds.Snapshot(ctx, feed.Key)
	if err != nil {
		return nil, err
	}
	root, err := merkle.Root(snap.Digests)
	if err != nil {
		return nil, err
	}
	p, err = s.Gate.Amend(ctx, feed.Key, actor, "period.feed_ingested", func(p *gate.Period) error {
		p.MerkleRoot = root
		return nil
	}, map[string]interface{}{"kind": feed.Kind, "digest": feed.Digest, "merkle_root": root})
	if err != nil {
		return nil, err
	}
	res.MerkleRoot = p.MerkleRoot
	res.State = p.State
	return res, nil
}

func (s *Service) replayIngest(ctx context.Context, payload json.RawMessage) error {
	var job ingestJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("settlement: decode ingest job: %w", err)
	}
	feed, err := s.Parser.Parse(job.Kind, job.Body)
	if err != nil {
		return err
	}
	_, err = s.storeFeed(ctx, feed, job.Actor)
	return err
}

// Close moves an OPEN period to CLOSING.
func (s *Service) Close(ctx context.Context, key contracts.PeriodKey, actor string) (*gate.Period, error) {
	return s.Gate.Fire(ctx, key, gate.EventClose, actor, nil, nil)
}

// ReconcileOutcome is the reconciliation verdict and where it left the period.
type ReconcileOutcome struct {
	Result   *recon.Result      `json:"result"`
	Period   *gate.Period       `json:"period"`
	Event    gate.Event         `json:"event"`
	Triggers []string           `json:"triggers,omitempty"`
	Vector   map[string]float64 `json:"anomaly_vector"`
}

// Reconcile runs reconciliation for a CLOSING period and fires PASS,
// FAIL_DISCREPANCY or FAIL_ANOMALY. An internal failure has already been
// dead-lettered by the engine and is returned wrapped in ErrQueued.
func (s *Service) Reconcile(ctx context.Context, key contracts.PeriodKey, ledger *recon.LedgerSnapshot, actor string) (*ReconcileOutcome, error) {
	p, err := s.Gate.Store().Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if p.State != gate.StateClosing {
		return nil, &gate.TransitionError{From: p.State, Event: gate.EventPass}
	}
	snap, err := s.Feeds.Snapshot(ctx, key)
	if err != nil {
		return nil, err
	}

	in := recon.Input{Key: key, Payroll: snap.Payroll, Pos: snap.Pos, Ledger: ledger, Thresholds: p.Thresholds}
	res, err := s.Recon.Run(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueued, err)
	}
	if err := s.Results.Save(ctx, key, res); err != nil {
		return nil, err
	}

	vector := map[string]float64{
		"variance_ratio":  res.VarianceRatio(),
		"abs_delta_cents": float64(res.AbsDeltaCents()),
		"feed_count":      float64(len(snap.Digests)),
	}
	liability := finalLiability(key.TaxType, snap)

	out := &ReconcileOutcome{Result: res, Vector: vector}
	reasons := res.Reasons
	switch {
	case res.Status == recon.StatusFail:
		out.Event = gate.EventFailDiscrepancy
	default:
		verdict, err := s.Anomaly.Evaluate(ctx, vector, p.Thresholds.Anomaly)
		if err != nil {
			return nil, fmt.Errorf("settlement: anomaly evaluation: %w", err)
		}
		out.Event = gate.EventPass
		if verdict.Anomalous {
			out.Event = gate.EventFailAnomaly
			out.Triggers = verdict.Triggers
			reasons = make([]string, 0, len(verdict.Triggers))
			for _, t := range verdict.Triggers {
				reasons = append(reasons, "ANOMALY_"+t)
			}
		}
	}

	out.Period, err = s.Gate.Fire(ctx, key, out.Event, actor, func(p *gate.Period) error {
		p.Reasons = append([]string{}, reasons...)
		p.AnomalyVector = vector
		p.FinalLiabilityCents = liability
		return nil
	}, map[string]interface{}{"recon_id": res.ID, "status": res.Status, "reasons": reasons})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// finalLiability is what the period owes: PAYGW withheld from payroll, or
// GST collected at point of sale.
func finalLiability(tt contracts.TaxType, snap *ingest.Snapshot) int64 {
	switch tt {
	case contracts.TaxTypePAYGW:
		if snap.Payroll != nil {
			return snap.Payroll.W2
		}
	case contracts.TaxTypeGST:
		if snap.Pos != nil {
			return snap.Pos.TaxCollected
		}
	}
	return 0
}

func (s *Service) replayReconcile(ctx context.Context, payload json.RawMessage) error {
	var in recon.Input
	if err := json.Unmarshal(payload, &in); err != nil {
		return fmt.Errorf("settlement: decode recon job: %w", err)
	}
	p, err := s.Gate.Store().Get(ctx, in.Key)
	if err != nil {
		return err
	}
	if p.State != gate.StateClosing {
		s.logger.InfoContext(ctx, "dropping stale reconciliation replay", "period", in.Key.String(), "state", p.State)
		return nil
	}
	_, err = s.Reconcile(ctx, in.Key, in.Ledger, "dlq")
	return err
}

// Remediate sends a BLOCKED_DISCREPANCY period back to CLOSING once the
// discrepancy has been addressed.
func (s *Service) Remediate(ctx context.Context, key contracts.PeriodKey, actor, note string) (*gate.Period, error) {
	return s.Gate.Fire(ctx, key, gate.EventRemediated, actor, clearReasons, map[string]interface{}{"note": note})
}

// Retry sends a BLOCKED_ANOMALY period back to CLOSING.
func (s *Service) Retry(ctx context.Context, key contracts.PeriodKey, actor string) (*gate.Period, error) {
	return s.Gate.Fire(ctx, key, gate.EventRetry, actor, clearReasons, nil)
}

// Override releases a BLOCKED_ANOMALY period to READY_RPT. It needs two
// distinct people.
func (s *Service) Override(ctx context.Context, key contracts.PeriodKey, actor, approver, reason string) (*gate.Period, error) {
	if actor == "" || approver == "" || actor == approver {
		return nil, fmt.Errorf("%w: override needs distinct actor and approver", ErrDualControl)
	}
	return s.Gate.Fire(ctx, key, gate.EventManualOverride, actor, nil,
		map[string]interface{}{"approver": approver, "reason": reason})
}

// Finalize closes out a RELEASED period.
func (s *Service) Finalize(ctx context.Context, key contracts.PeriodKey, actor string) (*gate.Period, error) {
	return s.Gate.Fire(ctx, key, gate.EventFinalize, actor, nil, nil)
}

func clearReasons(p *gate.Period) error {
	p.Reasons = []string{}
	return nil
}

// DepositResult is a credit to the one-way account.
type DepositResult struct {
	Row    owa.Row      `json:"row"`
	Status owa.Status   `json:"status"`
	Period *gate.Period `json:"period"`
}

// Deposit credits amountCents to the period's one-way account. The
// reference doubles as the idempotency key. The period's credited total is
// recomputed from the ledger on every call, so a retry after a lost period
// update repairs it.
func (s *Service) Deposit(ctx context.Context, key contracts.PeriodKey, amountCents int64, reference, actor string) (*DepositResult, error) {
	if amountCents <= 0 {
		return nil, fmt.Errorf("%w: deposit must be positive", owa.ErrInvalidAppend)
	}
	p, _, err := s.Gate.Store().Ensure(ctx, key, s.thresholds, actor)
	if err != nil {
		return nil, err
	}
	if p.State == gate.StateFinalized {
		return nil, fmt.Errorf("%w: %s is %s", ErrPeriodLocked, key, p.State)
	}
	res, err := s.OWA.Append(ctx, owa.Entry{
		Key:             key,
		TransferUUID:    uuid.NewString(),
		AmountCents:     amountCents,
		BankReceiptHash: canonicalize.ChainHash("deposit", key.String(), reference),
		IdempotencyKey:  "deposit:" + reference,
		Actor:           actor,
	})
	if err != nil {
		return nil, err
	}
	out := &DepositResult{Row: res.Row, Status: res.Status}
	out.Period, err = s.syncCredits(ctx, key, actor, res.Row)
	return out, err
}

// syncCredits copies the ledger's deposit total and head hash onto the
// period. It writes nothing when the period already agrees.
func (s *Service) syncCredits(ctx context.Context, key contracts.PeriodKey, actor string, row owa.Row) (*gate.Period, error) {
	rows, err := s.OWA.Rows(ctx, key)
	if err != nil {
		return nil, err
	}
	var credited int64
	for _, r := range rows {
		if r.AmountCents > 0 {
			credited += r.AmountCents
		}
	}
	head, err := s.OWA.Head(ctx, key)
	if err != nil {
		return nil, err
	}

	p, err := s.Gate.Store().Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if p.CreditedToOwaCents == credited && p.RunningBalanceHash == head.Hash {
		return p, nil
	}
	return s.Gate.Amend(ctx, key, actor, "period.deposit_credited", func(p *gate.Period) error {
		p.CreditedToOwaCents = credited
		p.RunningBalanceHash = head.Hash
		return nil
	}, map[string]interface{}{"owa_row_id": row.ID, "amount_cents": row.AmountCents, "credited_to_owa_cents": credited})
}
