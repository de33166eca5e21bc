package kms

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/remit/pkg/audit"
)

// Stage is one step of the key rotation ceremony.
type Stage string

const (
	StagePrepare Stage = "prepare"
	StageCutover Stage = "cutover"
	StageRetire  Stage = "retire"
	StageDrill   Stage = "drill"
)

var (
	ErrUnknownStage    = errors.New("kms: unknown rotation stage")
	ErrDualControl     = errors.New("kms: actor and approver must be distinct")
	ErrNothingToRotate = errors.New("kms: no key in the required state")
	ErrDrillFailed     = errors.New("kms: drill signature did not verify")
)

// ParseStage validates a stage name.
func ParseStage(s string) (Stage, error) {
	switch Stage(s) {
	case StagePrepare, StageCutover, StageRetire, StageDrill:
		return Stage(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStage, s)
}

// RotationRequest asks for one ceremony stage. KID is optional: cutover
// defaults to the newest PENDING key and retire to the oldest GRACE key.
type RotationRequest struct {
	Stage    Stage
	Actor    string
	Approver string
	KID      string
}

// RotationResult reports what a stage did.
type RotationResult struct {
	Stage       Stage      `json:"stage"`
	KID         string     `json:"kid"`
	PreviousKID string     `json:"previous_kid,omitempty"`
	GraceEndsAt *time.Time `json:"grace_ends_at,omitempty"`
	Verified    bool       `json:"verified,omitempty"`
}

// Rotator runs the dual-controlled rotation ceremony and records every
// stage in the audit ledger. A stage is recorded as requested before any
// key changes, then as done or failed.
type Rotator struct {
	keys        *KeyStore
	audit       audit.Appender
	gracePeriod time.Duration
	clock       func() time.Time
	logger      *slog.Logger
}

func NewRotator(keys *KeyStore, a audit.Appender, gracePeriod time.Duration) *Rotator {
	return &Rotator{
		keys:        keys,
		audit:       a,
		gracePeriod: gracePeriod,
		clock:       time.Now,
		logger:      slog.Default().With("component", "kms.rotation"),
	}
}

// WithClock overrides the time source (for testing).
func (r *Rotator) WithClock(clock func() time.Time) *Rotator {
	r.clock = clock
	return r
}

// Rotate executes req.Stage.
func (r *Rotator) Rotate(ctx context.Context, req RotationRequest) (*RotationResult, error) {
	if req.Actor == "" || req.Approver == "" || req.Actor == req.Approver {
		return nil, ErrDualControl
	}

	if _, err := ParseStage(string(req.Stage)); err != nil {
		return nil, err
	}
	action := "kms.rotate." + string(req.Stage)
	target := req.KID
	if target == "" {
		target = "kms"
	}
	if _, err := r.audit.Append(ctx, audit.Record{
		Actor:   req.Actor,
		Action:  action + ".requested",
		Target:  target,
		Payload: map[string]interface{}{"approver": req.Approver, "kid": req.KID},
	}); err != nil {
		return nil, fmt.Errorf("kms: audit rotation request: %w", err)
	}

	var (
		res *RotationResult
		err error
	)
	switch req.Stage {
	case StagePrepare:
		res, err = r.prepare(ctx)
	case StageCutover:
		res, err = r.cutover(ctx, req.KID)
	case StageRetire:
		res, err = r.retire(ctx, req.KID)
	case StageDrill:
		res, err = r.drill(ctx)
	}
	if err != nil {
		if _, aerr := r.audit.Append(ctx, audit.Record{
			Actor:   req.Actor,
			Action:  action + ".failed",
			Target:  target,
			Payload: map[string]interface{}{"approver": req.Approver, "kid": req.KID, "error": err.Error()},
		}); aerr != nil {
			r.logger.ErrorContext(ctx, "failed to audit rotation failure", "stage", req.Stage, "error", aerr)
		}
		return nil, err
	}

	_, err = r.audit.Append(ctx, audit.Record{
		Actor:  req.Actor,
		Action: action,
		Target: res.KID,
		Payload: map[string]interface{}{
			"approver":     req.Approver,
			"kid":          res.KID,
			"previous_kid": res.PreviousKID,
			"verified":     res.Verified,
		},
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "rotation applied but not audited", "stage", req.Stage, "kid", res.KID,
			"actor", req.Actor, "approver", req.Approver, "error", err)
		return nil, fmt.Errorf("kms: audit rotation: %w", err)
	}
	r.logger.InfoContext(ctx, "rotation stage complete", "stage", req.Stage, "kid", res.KID, "actor", req.Actor, "approver", req.Approver)
	return res, nil
}

func (r *Rotator) prepare(ctx context.Context) (*RotationResult, error) {
	info, err := r.keys.AddKey(ctx)
	if err != nil {
		return nil, err
	}
	return &RotationResult{Stage: StagePrepare, KID: info.KID}, nil
}

func (r *Rotator) cutover(ctx context.Context, kid string) (*RotationResult, error) {
	if kid == "" {
		kid = r.newest(StatusPending)
		if kid == "" {
			return nil, fmt.Errorf("%w: no PENDING key to activate", ErrNothingToRotate)
		}
	}
	previous := r.keys.ActiveKID()
	graceUntil := r.clock().Add(r.gracePeriod).UTC()
	if err := r.keys.ActivateKey(ctx, kid, graceUntil); err != nil {
		return nil, err
	}
	res := &RotationResult{Stage: StageCutover, KID: kid}
	if previous != "" && previous != kid {
		res.PreviousKID = previous
		res.GraceEndsAt = &graceUntil
	}
	return res, nil
}

func (r *Rotator) retire(ctx context.Context, kid string) (*RotationResult, error) {
	if kid == "" {
		for _, k := range r.keys.Keys() {
			if k.Status == StatusGrace {
				kid = k.KID
				break
			}
		}
		if kid == "" {
			return nil, fmt.Errorf("%w: no GRACE key to retire", ErrNothingToRotate)
		}
	}
	if err := r.keys.RetireKey(ctx, kid); err != nil {
		return nil, err
	}
	return &RotationResult{Stage: StageRetire, KID: kid}, nil
}

// drill signs a random canary with the active key and checks it against
// the published key set. It mutates nothing.
func (r *Rotator) drill(ctx context.Context) (*RotationResult, error) {
	canary := make([]byte, 32)
	if _, err := rand.Read(canary); err != nil {
		return nil, fmt.Errorf("kms: drill canary: %w", err)
	}
	sig, err := r.keys.Sign(ctx, canary, "")
	if err != nil {
		return nil, err
	}
	info, ok := r.keys.Lookup(sig.KID)
	if !ok || !ed25519.Verify(info.PublicKey, canary, sig.Sig) {
		return nil, ErrDrillFailed
	}
	return &RotationResult{Stage: StageDrill, KID: sig.KID, Verified: true}, nil
}

func (r *Rotator) newest(status KeyStatus) string {
	keys := r.keys.Keys()
	for i := len(keys) - 1; i >= 0; i-- {
		if keys[i].Status == status {
			return keys[i].KID
		}
	}
	return ""
}
