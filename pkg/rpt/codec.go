// Package rpt issues and verifies Release Payment Tokens: Ed25519-signed,
// canonically encoded authorisations to release one period's liability.
package rpt

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/remit/pkg/canonicalize"
	"github.com/Mindburn-Labs/remit/pkg/contracts"
)

// ErrInvalidPayload is returned when a payload is incomplete or malformed.
var ErrInvalidPayload = errors.New("rpt: invalid payload")

// Payload is the signed content of a token. Field names are the wire names.
type Payload struct {
	EntityID           string               `json:"entity_id"`
	PeriodID           string               `json:"period_id"`
	TaxType            contracts.TaxType    `json:"tax_type"`
	AmountCents        int64                `json:"amount_cents"`
	MerkleRoot         string               `json:"merkle_root"`
	RunningBalanceHash string               `json:"running_balance_hash"`
	AnomalyVector      map[string]float64   `json:"anomaly_vector"`
	Thresholds         contracts.Thresholds `json:"thresholds"`
	RailID             string               `json:"rail_id"`
	Reference          string               `json:"reference"`
	IssuedAt           int64                `json:"issued_at"`
	ExpiryTS           int64                `json:"expiry_ts"`
	Nonce              string               `json:"nonce"`
	RatesVersion       string               `json:"rates_version"`
	KID                string               `json:"kid"`
}

// PeriodKey returns the period the payload authorises.
func (p Payload) PeriodKey() contracts.PeriodKey {
	return contracts.PeriodKey{ABN: p.EntityID, TaxType: p.TaxType, PeriodID: p.PeriodID}
}

// Validate checks the fields every issued token must carry.
func (p Payload) Validate() error {
	var missing []string
	for name, v := range map[string]string{
		"entity_id":     p.EntityID,
		"period_id":     p.PeriodID,
		"tax_type":      string(p.TaxType),
		"merkle_root":   p.MerkleRoot,
		"rail_id":       p.RailID,
		"reference":     p.Reference,
		"nonce":         p.Nonce,
		"rates_version": p.RatesVersion,
		"kid":           p.KID,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: missing %s", ErrInvalidPayload, strings.Join(missing, ", "))
	}
	if p.AmountCents <= 0 {
		return fmt.Errorf("%w: amount_cents must be positive", ErrInvalidPayload)
	}
	if p.ExpiryTS <= p.IssuedAt {
		return fmt.Errorf("%w: expiry_ts must be after issued_at", ErrInvalidPayload)
	}
	if _, err := semver.NewVersion(p.RatesVersion); err != nil {
		return fmt.Errorf("%w: rates_version: %v", ErrInvalidPayload, err)
	}
	return nil
}

// Canonical returns the deterministic byte form that is hashed and signed.
func Canonical(p Payload) ([]byte, error) {
	b, err := canonicalize.JCS(p)
	if err != nil {
		return nil, fmt.Errorf("rpt: canonicalize: %w", err)
	}
	return b, nil
}

// Digest is the hex SHA-256 of canonical bytes.
func Digest(canonical []byte) string {
	return canonicalize.HashBytes(canonical)
}
