package settlement

import (
	"context"
	"errors"

	"github.com/Mindburn-Labs/remit/pkg/audit"
	"github.com/Mindburn-Labs/remit/pkg/contracts"
	"github.com/Mindburn-Labs/remit/pkg/evidence"
	"github.com/Mindburn-Labs/remit/pkg/recon"
)

// Proofs assembles the evidence bundle for a period and seals it. Chain
// verification failures are reported inside the bundle, not as errors,
// so a broken chain still yields signed evidence of the breakage.
func (s *Service) Proofs(ctx context.Context, key contracts.PeriodKey) (*evidence.Proof, error) {
	p, err := s.Gate.Store().Get(ctx, key)
	if err != nil {
		return nil, err
	}
	b := &evidence.Bundle{Period: *p, GeneratedAt: s.clock().UTC(), AuditChainOK: true, OwaChainOK: true}

	res, err := s.Results.Latest(ctx, key)
	switch {
	case err == nil:
		b.Recon = res
	case errors.Is(err, recon.ErrNoResult):
	default:
		return nil, err
	}

	if b.AuditEntries, err = s.Audit.Entries(ctx, audit.Filter{Target: key.String()}); err != nil {
		return nil, err
	}
	if b.OwaRows, err = s.OWA.Rows(ctx, key); err != nil {
		return nil, err
	}
	if err := s.Audit.VerifyChain(ctx); err != nil {
		b.AuditChainOK = false
		b.Errors = append(b.Errors, err.Error())
	}
	if err := s.OWA.Verify(ctx, key); err != nil {
		b.OwaChainOK = false
		b.Errors = append(b.Errors, err.Error())
	}
	return s.Sealer.Seal(ctx, b)
}
