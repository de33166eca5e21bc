// Package ingest authenticates and validates payroll (STP) and
// point-of-sale feeds and normalises them into reconciliation snapshots.
package ingest

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/remit/pkg/canonicalize"
	"github.com/Mindburn-Labs/remit/pkg/contracts"
	"github.com/Mindburn-Labs/remit/pkg/recon"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Signature"

var (
	ErrBadSignature = errors.New("ingest: bad signature")
	ErrInvalidFeed  = errors.New("ingest: invalid feed")
	ErrUnknownKind  = errors.New("ingest: unknown feed kind")
)

// Kind is the feed source.
type Kind string

const (
	KindSTP Kind = "stp"
	KindPOS Kind = "pos"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(s)) {
	case KindSTP:
		return KindSTP, nil
	case KindPOS:
		return KindPOS, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

//go:embed schemas/*.json
var schemaFS embed.FS

// Feed is a validated feed.
type Feed struct {
	ID      int64                  `json:"id,omitempty"`
	Kind    Kind                   `json:"kind"`
	Key     contracts.PeriodKey    `json:"key"`
	Payroll *recon.PayrollSnapshot `json:"payroll,omitempty"`
	Pos     *recon.PosSnapshot     `json:"pos,omitempty"`
	Digest  string                 `json:"digest"`
	Raw     json.RawMessage        `json:"-"`
}

type stpBody struct {
	ABN      string `json:"abn"`
	TaxType  string `json:"tax_type"`
	PeriodID string `json:"period_id"`
	W1       int64  `json:"w1"`
	W2       int64  `json:"w2"`
}

type posBody struct {
	ABN          string `json:"abn"`
	TaxType      string `json:"tax_type"`
	PeriodID     string `json:"period_id"`
	G1           int64  `json:"g1"`
	G10          int64  `json:"g10"`
	G11          int64  `json:"g11"`
	TaxCollected int64  `json:"taxCollected"`
}

// Parser validates feed bodies against the embedded JSON schemas.
type Parser struct {
	schemas map[Kind]*jsonschema.Schema
}

func NewParser() (*Parser, error) {
	p := &Parser{schemas: make(map[Kind]*jsonschema.Schema)}
	for _, k := range []Kind{KindSTP, KindPOS} {
		raw, err := schemaFS.ReadFile("schemas/" + string(k) + ".schema.json")
		if err != nil {
			return nil, fmt.Errorf("ingest: read schema %s: %w", k, err)
		}
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://remit.schemas.local/ingest/%s.schema.json", k)
		if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("ingest schema load failed: %w", err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("ingest schema compile failed: %w", err)
		}
		p.schemas[k] = compiled
	}
	return p, nil
}

// Parse validates body and normalises it. Both kinds name the tax type
// they settle, so payroll and POS data for one period share a key.
func (p *Parser) Parse(kind Kind, body []byte) (*Feed, error) {
	schema, ok := p.schemas[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFeed, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFeed, err)
	}

	canonical, err := canonicalize.JCS(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFeed, err)
	}
	f := &Feed{Kind: kind, Digest: canonicalize.HashBytes(canonical), Raw: json.RawMessage(canonical)}

	var abn, taxType, periodID string
	switch kind {
	case KindSTP:
		var b stpBody
		if err := json.Unmarshal(body, &b); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFeed, err)
		}
		abn, taxType, periodID = b.ABN, b.TaxType, b.PeriodID
		f.Payroll = &recon.PayrollSnapshot{W1: b.W1, W2: b.W2}
	case KindPOS:
		var b posBody
		if err := json.Unmarshal(body, &b); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFeed, err)
		}
		abn, taxType, periodID = b.ABN, b.TaxType, b.PeriodID
		f.Pos = &recon.PosSnapshot{G1: b.G1, G10: b.G10, G11: b.G11, TaxCollected: b.TaxCollected}
	}

	tt, err := contracts.ParseTaxType(taxType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFeed, err)
	}
	f.Key = contracts.PeriodKey{ABN: abn, TaxType: tt, PeriodID: periodID}
	if err := f.Key.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFeed, err)
	}
	return f, nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks sigHex against the HMAC of body in constant time.
func VerifySignature(secret, body []byte, sigHex string) error {
	if len(secret) == 0 {
		return fmt.Errorf("%w: verifier secret is empty", ErrBadSignature)
	}
	sigHex = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(sigHex), "sha256="))
	if sigHex == "" {
		return fmt.Errorf("%w: missing %s header", ErrBadSignature, SignatureHeader)
	}
	provided, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("%w: signature is not hex", ErrBadSignature)
	}
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), provided) {
		return ErrBadSignature
	}
	return nil
}
