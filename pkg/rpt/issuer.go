package rpt

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/remit/pkg/kms"
)

// Token is an issued Release Payment Token.
type Token struct {
	Payload   Payload `json:"payload"`
	Canonical string  `json:"canonical"`
	SHA256    string  `json:"sha256"`
	Signature string  `json:"signature"`
	KID       string  `json:"kid"`
}

// Signer is the subset of the key store the issuer needs.
type Signer interface {
	Sign(ctx context.Context, payload []byte, kid string) (kms.Signature, error)
	ActiveKID() string
}

// Issuer builds signed tokens with the active key.
type Issuer struct {
	signer Signer
	ttl    time.Duration
	clock  func() time.Time
}

func NewIssuer(signer Signer, ttl time.Duration) *Issuer {
	return &Issuer{signer: signer, ttl: ttl, clock: time.Now}
}

// WithClock overrides the time source (for testing).
func (i *Issuer) WithClock(clock func() time.Time) *Issuer {
	i.clock = clock
	return i
}

// Issue fills issued_at, expiry_ts, nonce and kid when unset, then signs
// the canonical form. Identical payloads signed by the same key produce
// identical signatures.
func (i *Issuer) Issue(ctx context.Context, p Payload) (*Token, error) {
	if p.KID == "" {
		p.KID = i.signer.ActiveKID()
		if p.KID == "" {
			return nil, kms.ErrNoActiveKey
		}
	}
	if p.IssuedAt == 0 {
		p.IssuedAt = i.clock().Unix()
	}
	if p.ExpiryTS == 0 {
		p.ExpiryTS = p.IssuedAt + int64(i.ttl/time.Second)
	}
	if p.Nonce == "" {
		nonce, err := newNonce()
		if err != nil {
			return nil, err
		}
		p.Nonce = nonce
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	canonical, err := Canonical(p)
	if err != nil {
		return nil, err
	}
	sig, err := i.signer.Sign(ctx, canonical, p.KID)
	if err != nil {
		return nil, fmt.Errorf("rpt: sign: %w", err)
	}
	return &Token{
		Payload:   p,
		Canonical: string(canonical),
		SHA256:    Digest(canonical),
		Signature: base64.RawURLEncoding.EncodeToString(sig.Sig),
		KID:       sig.KID,
	}, nil
}

func newNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("rpt: nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}
