package rpt

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/remit/pkg/kms"
)

// Code is the stable verification failure code.
type Code string

const (
	CodeUnknownKid       Code = "UNKNOWN_KID"
	CodeExpired          Code = "EXPIRED"
	CodeGraceExceeded    Code = "GRACE_EXCEEDED"
	CodeInvalidSignature Code = "INVALID_SIGNATURE"
	CodeRatesUnsupported Code = "RATES_VERSION_UNSUPPORTED"
	CodeNonceReplayed    Code = "NONCE_REPLAYED"
)

// VerifyError carries a verification failure code. errors.Is matches on code.
type VerifyError struct {
	Code   Code
	Detail string
}

func (e *VerifyError) Error() string {
	if e.Detail == "" {
		return "rpt: " + string(e.Code)
	}
	return fmt.Sprintf("rpt: %s: %s", e.Code, e.Detail)
}

func (e *VerifyError) Is(target error) bool {
	t, ok := target.(*VerifyError)
	return ok && t.Code == e.Code
}

var (
	ErrUnknownKid       = &VerifyError{Code: CodeUnknownKid}
	ErrExpired          = &VerifyError{Code: CodeExpired}
	ErrGraceExceeded    = &VerifyError{Code: CodeGraceExceeded}
	ErrInvalidSignature = &VerifyError{Code: CodeInvalidSignature}
	ErrRatesUnsupported = &VerifyError{Code: CodeRatesUnsupported}
	ErrNonceReplayed    = &VerifyError{Code: CodeNonceReplayed}
)

func fail(code Code, format string, args ...interface{}) error {
	return &VerifyError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// KeyType says which key verified a token.
type KeyType string

const (
	KeyCurrent KeyType = "current"
	KeyOld     KeyType = "old"
)

// Result is a successful verification.
type Result struct {
	Valid   bool    `json:"valid"`
	KID     string  `json:"kid"`
	KeyType KeyType `json:"keyType"`
}

// KeyResolver looks keys up without side effects.
type KeyResolver interface {
	Lookup(kid string) (kms.KeyInfo, bool)
}

// Verifier checks tokens against the key store. It never mutates state.
type Verifier struct {
	keys        KeyResolver
	graceWindow time.Duration
	rates       *semver.Constraints
}

// NewVerifier returns a verifier that accepts old-key tokens issued at most
// graceWindow ago. A zero graceWindow disables the issued-at bound.
func NewVerifier(keys KeyResolver, graceWindow time.Duration) *Verifier {
	return &Verifier{keys: keys, graceWindow: graceWindow}
}

// WithRatesConstraint rejects tokens whose rates_version falls outside expr.
func (v *Verifier) WithRatesConstraint(expr string) (*Verifier, error) {
	if expr == "" {
		v.rates = nil
		return v, nil
	}
	c, err := semver.NewConstraint(expr)
	if err != nil {
		return nil, fmt.Errorf("rpt: rates constraint: %w", err)
	}
	v.rates = c
	return v, nil
}

// Verify checks signature over p at time now. Checks run in order: key
// resolution, expiry, grace, signature, rates version.
func (v *Verifier) Verify(p Payload, signature string, now time.Time) (*Result, error) {
	info, ok := v.keys.Lookup(p.KID)
	if !ok {
		return nil, fail(CodeUnknownKid, "%s", p.KID)
	}

	var keyType KeyType
	graceOver := false
	switch info.Status {
	case kms.StatusActive:
		keyType = KeyCurrent
	case kms.StatusGrace:
		keyType = KeyOld
		graceOver = info.GraceEndsAt != nil && now.After(*info.GraceEndsAt)
	case kms.StatusRetired:
		if info.GraceEndsAt == nil {
			return nil, fail(CodeUnknownKid, "%s is retired", p.KID)
		}
		keyType = KeyOld
		graceOver = true
	default:
		return nil, fail(CodeUnknownKid, "%s is not published", p.KID)
	}

	if now.After(time.Unix(p.ExpiryTS, 0)) {
		return nil, fail(CodeExpired, "expired at %d", p.ExpiryTS)
	}
	if keyType == KeyOld {
		if v.graceWindow > 0 && now.Sub(time.Unix(p.IssuedAt, 0)) > v.graceWindow {
			graceOver = true
		}
		if graceOver {
			return nil, fail(CodeGraceExceeded, "%s", p.KID)
		}
	}

	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return nil, fail(CodeInvalidSignature, "malformed signature")
	}
	canonical, err := Canonical(p)
	if err != nil {
		return nil, fail(CodeInvalidSignature, "%v", err)
	}
	if !ed25519.Verify(info.PublicKey, canonical, sig) {
		return nil, fail(CodeInvalidSignature, "signature mismatch")
	}

	if v.rates != nil {
		ver, err := semver.NewVersion(p.RatesVersion)
		if err != nil || !v.rates.Check(ver) {
			return nil, fail(CodeRatesUnsupported, "%s", p.RatesVersion)
		}
	}
	return &Result{Valid: true, KID: p.KID, KeyType: keyType}, nil
}

// VerifyToken verifies a full token, additionally checking that its kid and
// digest agree with the payload.
func (v *Verifier) VerifyToken(t *Token, now time.Time) (*Result, error) {
	if t.KID != "" && t.KID != t.Payload.KID {
		return nil, fail(CodeInvalidSignature, "token kid does not match payload kid")
	}
	if t.SHA256 != "" {
		canonical, err := Canonical(t.Payload)
		if err != nil || Digest(canonical) != t.SHA256 {
			return nil, fail(CodeInvalidSignature, "digest mismatch")
		}
	}
	return v.Verify(t.Payload, t.Signature, now)
}
