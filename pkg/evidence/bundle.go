package evidence

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/remit/pkg/audit"
	"github.com/Mindburn-Labs/remit/pkg/canonicalize"
	"github.com/Mindburn-Labs/remit/pkg/gate"
	"github.com/Mindburn-Labs/remit/pkg/kms"
	"github.com/Mindburn-Labs/remit/pkg/owa"
	"github.com/Mindburn-Labs/remit/pkg/recon"
)

const BundleVersion = "remit.evidence/v1"

var ErrProofInvalid = errors.New("evidence: proof invalid")

// Bundle is everything a regulator needs to check one period.
type Bundle struct {
	Version      string        `json:"version"`
	Period       gate.Period   `json:"period"`
	Recon        *recon.Result `json:"recon,omitempty"`
	AuditEntries []audit.Entry `json:"audit_entries"`
	OwaRows      []owa.Row     `json:"owa_rows"`
	AuditChainOK bool          `json:"audit_chain_ok"`
	OwaChainOK   bool          `json:"owa_chain_ok"`
	Errors       []string      `json:"errors,omitempty"`
	GeneratedAt  time.Time     `json:"generated_at"`
}

// Proof is a signed bundle checksum and where the bundle was archived.
type Proof struct {
	Checksum   string          `json:"checksum"`
	Signature  string          `json:"signature"`
	KID        string          `json:"kid"`
	ArchiveRef string          `json:"archive_ref"`
	Bundle     json.RawMessage `json:"bundle"`
}

// Signer signs with the active key.
type Signer interface {
	Sign(ctx context.Context, payload []byte, kid string) (kms.Signature, error)
}

// Sealer canonicalises, signs and archives bundles.
type Sealer struct {
	signer Signer
	store  Store
}

func NewSealer(signer Signer, store Store) *Sealer {
	return &Sealer{signer: signer, store: store}
}

// Seal signs sha256(JCS(b)) and archives the canonical bundle.
func (s *Sealer) Seal(ctx context.Context, b *Bundle) (*Proof, error) {
	if b.Version == "" {
		b.Version = BundleVersion
	}
	canonical, err := canonicalize.JCS(b)
	if err != nil {
		return nil, fmt.Errorf("evidence: canonicalize: %w", err)
	}
	checksum := canonicalize.HashBytes(canonical)
	sig, err := s.signer.Sign(ctx, []byte(checksum), "")
	if err != nil {
		return nil, fmt.Errorf("evidence: sign: %w", err)
	}
	ref, err := s.store.Put(ctx, canonical)
	if err != nil {
		return nil, fmt.Errorf("evidence: archive: %w", err)
	}
	return &Proof{
		Checksum:   checksum,
		Signature:  base64.RawURLEncoding.EncodeToString(sig.Sig),
		KID:        sig.KID,
		ArchiveRef: ref,
		Bundle:     json.RawMessage(canonical),
	}, nil
}

// VerifyProof checks the checksum against the bundle and the signature
// against pub.
func VerifyProof(p *Proof, pub ed25519.PublicKey) error {
	if canonicalize.HashBytes(p.Bundle) != p.Checksum {
		return fmt.Errorf("%w: checksum mismatch", ErrProofInvalid)
	}
	sig, err := base64.RawURLEncoding.DecodeString(p.Signature)
	if err != nil {
		return fmt.Errorf("%w: signature encoding", ErrProofInvalid)
	}
	if len(pub) != ed25519.PublicKeySize || !ed25519.Verify(pub, []byte(p.Checksum), sig) {
		return fmt.Errorf("%w: bad signature", ErrProofInvalid)
	}
	return nil
}
