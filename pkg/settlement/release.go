package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/remit/pkg/approval"
	"github.com/Mindburn-Labs/remit/pkg/contracts"
	"github.com/Mindburn-Labs/remit/pkg/gate"
	"github.com/Mindburn-Labs/remit/pkg/owa"
	"github.com/Mindburn-Labs/remit/pkg/ports"
	"github.com/Mindburn-Labs/remit/pkg/rpt"
)

// IssueRPT signs a release token for a READY_RPT period against an
// allow-listed destination and pins it on the period. Re-issuing replaces
// the previous token, which then no longer releases.
func (s *Service) IssueRPT(ctx context.Context, key contracts.PeriodKey, rail, reference, actor string) (*rpt.Token, error) {
	p, err := s.Gate.Store().Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if p.State != gate.StateReadyRPT {
		return nil, fmt.Errorf("%w: %s is %s", ErrPeriodLocked, key, p.State)
	}
	if p.FinalLiabilityCents <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoLiability, key)
	}
	if _, err := s.Bank.ResolveDestination(ctx, key.ABN, rail, reference); err != nil {
		return nil, err
	}
	head, err := s.OWA.Head(ctx, key)
	if err != nil {
		return nil, err
	}

	tok, err := s.Issuer.Issue(ctx, rpt.Payload{
		EntityID:           key.ABN,
		PeriodID:           key.PeriodID,
		TaxType:            key.TaxType,
		AmountCents:        p.FinalLiabilityCents,
		MerkleRoot:         p.MerkleRoot,
		RunningBalanceHash: head.Hash,
		AnomalyVector:      p.AnomalyVector,
		Thresholds:         p.Thresholds,
		RailID:             rail,
		Reference:          reference,
		RatesVersion:       s.cfg.RatesVersion,
	})
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(tok)
	if err != nil {
		return nil, fmt.Errorf("settlement: encode rpt: %w", err)
	}
	_, err = s.Gate.Amend(ctx, key, actor, "rpt.issued", func(p *gate.Period) error {
		p.RPT = raw
		p.RunningBalanceHash = head.Hash
		return nil
	}, map[string]interface{}{"kid": tok.KID, "sha256": tok.SHA256, "nonce": tok.Payload.Nonce, "amount_cents": tok.Payload.AmountCents})
	if err != nil {
		return nil, err
	}
	return tok, nil
}

// ReleaseIdempotencyKey keys both the bank transfer and the OWA debit of a
// period. A period is paid out at most once, whichever token releases it.
func ReleaseIdempotencyKey(key contracts.PeriodKey) string {
	return "release:" + key.String()
}

// ReleaseRequest asks to pay a period's liability out under a token.
type ReleaseRequest struct {
	Token   *rpt.Token
	Profile *ports.Profile
	// IdempotencyKey is the caller's request key. It is recorded on the
	// release audit entry; payment dedup is keyed by the period.
	IdempotencyKey string
}

// ReleaseResult is either a completed release or a pending approval.
type ReleaseResult struct {
	Pending       bool            `json:"pending"`
	Opened        bool            `json:"opened,omitempty"`
	ApprovalToken string          `json:"approvalToken,omitempty"`
	FirstApprover string          `json:"firstApprover,omitempty"`
	ExpiresAt     *time.Time      `json:"expiresAt,omitempty"`
	Verification  *rpt.Result     `json:"verification,omitempty"`
	Transfer      *ports.Transfer `json:"transfer,omitempty"`
	OwaRow        *owa.Row        `json:"owaRow,omitempty"`
	Period        *gate.Period    `json:"period,omitempty"`
}

// Release pays out a READY_RPT period. In order it checks MFA step-up,
// verifies the token and that it is the one pinned on the period, applies
// dual approval, burns the nonce and checks the one-way account covers the
// amount. Only then is the bank called, after which the debit is recorded
// and RELEASE fired. A failure at any step after the nonce is burnt leaves
// the period READY_RPT and needs a fresh token. The bank call and the debit
// share ReleaseIdempotencyKey, so a retry after the bank has paid collapses
// to a duplicate transfer and records the original debit.
func (s *Service) Release(ctx context.Context, req ReleaseRequest) (*ReleaseResult, error) {
	now := s.clock()
	if err := s.StepUp.Check(req.Profile, now); err != nil {
		return nil, err
	}
	if req.Token == nil {
		return nil, fmt.Errorf("%w: token is required", rpt.ErrInvalidPayload)
	}
	verified, err := s.Verifier.VerifyToken(req.Token, now)
	if err != nil {
		return nil, err
	}
	pl := req.Token.Payload
	key := pl.PeriodKey()

	p, err := s.Gate.Store().Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if p.State != gate.StateReadyRPT {
		return nil, fmt.Errorf("%w: %s is %s", ErrPeriodLocked, key, p.State)
	}
	if err := pinned(p, pl); err != nil {
		return nil, err
	}

	fp := approval.Fingerprint(key.ABN, string(key.TaxType), key.PeriodID, pl.AmountCents, pl.RailID, pl.Reference)
	decision, err := s.Approvals.Enforce(ctx, approval.Request{
		Key:            fp,
		UserID:         req.Profile.Subject,
		AmountCents:    pl.AmountCents,
		ThresholdCents: s.cfg.ApprovalThresholdCents,
	}, now)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		exp := decision.ExpiresAt
		return &ReleaseResult{Pending: true, Opened: decision.Opened, ApprovalToken: fp, FirstApprover: decision.FirstApprover, ExpiresAt: &exp, Verification: verified}, nil
	}

	fresh, err := s.Nonces.Consume(ctx, pl.Nonce, time.Unix(pl.ExpiryTS, 0))
	if err != nil {
		return nil, err
	}
	if !fresh {
		return nil, fmt.Errorf("%w: %s", rpt.ErrNonceReplayed, pl.Nonce)
	}

	idem := ReleaseIdempotencyKey(key)
	recorded, err := s.OWA.Lookup(ctx, key, idem)
	if err != nil {
		return nil, err
	}
	if recorded == nil {
		bal, err := s.OWA.Balance(ctx, key)
		if err != nil {
			return nil, err
		}
		if bal < pl.AmountCents {
			return nil, fmt.Errorf("%w: balance %d below release %d", owa.ErrInsufficientFunds, bal, pl.AmountCents)
		}
	}

	transfer, err := s.Bank.ReleasePayment(ctx, ports.ReleaseRequest{
		ABN:            key.ABN,
		TaxType:        string(key.TaxType),
		PeriodID:       key.PeriodID,
		AmountCents:    pl.AmountCents,
		Rail:           pl.RailID,
		Reference:      pl.Reference,
		IdempotencyKey: idem,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "bank release failed", "period", key.String(), "error", err)
		return nil, err
	}
	if transfer.Status == ports.TransferDuplicate {
		s.logger.WarnContext(ctx, "bank reports release already paid", "period", key.String(), "transfer_uuid", transfer.TransferUUID)
	}

	appended, err := s.OWA.Append(ctx, owa.Entry{
		Key:             key,
		TransferUUID:    transfer.TransferUUID,
		AmountCents:     -pl.AmountCents,
		BankReceiptHash: transfer.BankReceiptHash,
		IdempotencyKey:  idem,
		Actor:           req.Profile.Subject,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "release paid but debit not recorded", "period", key.String(),
			"transfer_uuid", transfer.TransferUUID, "idempotency_key", idem, "error", err)
		return nil, err
	}

	detail := map[string]interface{}{
		"transfer_uuid": transfer.TransferUUID,
		"owa_row_id":    appended.Row.ID,
		"kid":           verified.KID,
		"key_type":      verified.KeyType,
		"approver":      decision.FirstApprover,
	}
	if req.IdempotencyKey != "" {
		detail["request_idempotency_key"] = req.IdempotencyKey
	}
	released, err := s.Gate.Fire(ctx, key, gate.EventRelease, req.Profile.Subject, func(p *gate.Period) error {
		p.RunningBalanceHash = appended.Row.HashAfter
		return nil
	}, detail)
	if err != nil {
		if !errors.Is(err, gate.ErrInvalidTransition) && !errors.Is(err, gate.ErrConflict) {
			return nil, err
		}
		if released, err = s.Gate.Store().Get(ctx, key); err != nil {
			return nil, err
		}
		if released.State != gate.StateReleased {
			return nil, fmt.Errorf("%w: %s is %s after release", ErrPeriodLocked, key, released.State)
		}
	}
	row := appended.Row
	return &ReleaseResult{Verification: verified, Transfer: transfer, OwaRow: &row, Period: released}, nil
}

// pinned checks the presented token is the one last issued for p and that
// it still pays the period's liability.
func pinned(p *gate.Period, pl rpt.Payload) error {
	if len(p.RPT) == 0 {
		return fmt.Errorf("%w: %s", ErrRPTMissing, p.Key)
	}
	var stored rpt.Token
	if err := json.Unmarshal(p.RPT, &stored); err != nil {
		return fmt.Errorf("settlement: decode stored rpt: %w", err)
	}
	if stored.Payload.Nonce != pl.Nonce {
		return fmt.Errorf("%w: %s", ErrRPTSuperseded, p.Key)
	}
	if pl.AmountCents != p.FinalLiabilityCents {
		return fmt.Errorf("%w: token %d, liability %d", ErrAmountMismatch, pl.AmountCents, p.FinalLiabilityCents)
	}
	return nil
}

// StoredRPT returns the token pinned on a period.
func (s *Service) StoredRPT(ctx context.Context, key contracts.PeriodKey) (*rpt.Token, error) {
	p, err := s.Gate.Store().Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(p.RPT) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRPTMissing, key)
	}
	var tok rpt.Token
	if err := json.Unmarshal(p.RPT, &tok); err != nil {
		return nil, fmt.Errorf("settlement: decode stored rpt: %w", err)
	}
	return &tok, nil
}
