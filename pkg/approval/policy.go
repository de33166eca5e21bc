// Package approval gates fund release behind dual control: an amount above
// the threshold needs a second, distinct approver within a short window,
// and every release needs a recent MFA-verified identity.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/remit/pkg/canonicalize"
)

// DefaultTTL is how long a first approval waits for its second.
const DefaultTTL = 10 * time.Minute

var (
	ErrSecondApproverRequired = errors.New("SECOND_APPROVER_REQUIRED")
	ErrMFARequired            = errors.New("MFA_REQUIRED")
	ErrInvalidRequest         = errors.New("approval: invalid request")
)

// Record is a pending first approval.
type Record struct {
	Key           string    `json:"key"`
	FirstApprover string    `json:"first_approver"`
	AmountCents   int64     `json:"amount_cents"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Store holds pending approvals. Expired records are treated as absent.
type Store interface {
	// CreateIfAbsent stores rec unless an unexpired record already exists
	// for rec.Key, in which case it returns that record and false.
	CreateIfAbsent(ctx context.Context, rec Record, now time.Time) (Record, bool, error)
	// Take deletes rec if it is still the stored record. Only one of any
	// number of concurrent callers gets true.
	Take(ctx context.Context, rec Record, now time.Time) (bool, error)
}

// Request asks to release AmountCents under the release fingerprint Key.
type Request struct {
	Key            string
	UserID         string
	AmountCents    int64
	ThresholdCents int64
}

// Decision is the outcome of Enforce.
type Decision struct {
	Allowed       bool      `json:"allowed"`
	Pending       bool      `json:"pending"`
	FirstApprover string    `json:"first_approver,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
	// Opened is set on the call that recorded the first approval.
	Opened bool `json:"opened,omitempty"`
}

type Policy struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger
}

func NewPolicy(store Store, ttl time.Duration) *Policy {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Policy{store: store, ttl: ttl, logger: slog.Default().With("component", "approval")}
}

// Enforce applies dual control. At or below the threshold the request is
// allowed outright. Above it, the first caller opens a record and is told
// to wait; the same caller stays pending; a different caller consumes the
// record and is allowed. When two second approvers race, the one that
// loses the delete stays pending and must retry.
func (p *Policy) Enforce(ctx context.Context, req Request, now time.Time) (Decision, error) {
	if req.Key == "" || req.UserID == "" {
		return Decision{}, fmt.Errorf("%w: key and user are required", ErrInvalidRequest)
	}
	if req.AmountCents <= req.ThresholdCents {
		return Decision{Allowed: true}, nil
	}

	rec, created, err := p.store.CreateIfAbsent(ctx, Record{
		Key:           req.Key,
		FirstApprover: req.UserID,
		AmountCents:   req.AmountCents,
		ExpiresAt:     now.Add(p.ttl).UTC(),
	}, now)
	if err != nil {
		return Decision{}, fmt.Errorf("approval: open record: %w", err)
	}
	pending := Decision{Pending: true, FirstApprover: rec.FirstApprover, ExpiresAt: rec.ExpiresAt}
	if created {
		pending.Opened = true
		p.logger.InfoContext(ctx, "first approval recorded", "key", req.Key, "user", req.UserID, "amount_cents", req.AmountCents)
		return pending, nil
	}
	if rec.FirstApprover == req.UserID {
		return pending, nil
	}

	took, err := p.store.Take(ctx, rec, now)
	if err != nil {
		return Decision{}, fmt.Errorf("approval: consume record: %w", err)
	}
	if !took {
		return pending, nil
	}
	p.logger.InfoContext(ctx, "second approval granted", "key", req.Key, "first", rec.FirstApprover, "second", req.UserID)
	return Decision{Allowed: true, FirstApprover: rec.FirstApprover}, nil
}

// Fingerprint identifies a release request. Approvals are scoped to it, so
// changing any field starts a new approval cycle.
func Fingerprint(abn, taxType, periodID string, amountCents int64, rail, reference string) string {
	return canonicalize.ChainHash("release", abn, taxType, periodID, canonicalize.FormatInt(amountCents), rail, reference)
}
