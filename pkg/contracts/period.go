// Package contracts holds the value types shared between the settlement
// components: period identity, tax types and tolerance thresholds.
package contracts

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// TaxType identifies the obligation a period settles.
type TaxType string

const (
	TaxTypePAYGW TaxType = "PAYGW"
	TaxTypeGST   TaxType = "GST"
)

// ErrInvalidPeriodKey is returned when a period identity is incomplete or malformed.
var ErrInvalidPeriodKey = errors.New("invalid period key")

var abnPattern = regexp.MustCompile(`^[0-9]{11}$`)

// ParseTaxType accepts the tax type case-insensitively.
func ParseTaxType(s string) (TaxType, error) {
	switch TaxType(strings.ToUpper(strings.TrimSpace(s))) {
	case TaxTypePAYGW:
		return TaxTypePAYGW, nil
	case TaxTypeGST:
		return TaxTypeGST, nil
	default:
		return "", fmt.Errorf("%w: unknown tax type %q", ErrInvalidPeriodKey, s)
	}
}

// PeriodKey is the identity of a settlement period. ABN doubles as the tenant id.
type PeriodKey struct {
	ABN      string  `json:"abn"`
	TaxType  TaxType `json:"tax_type"`
	PeriodID string  `json:"period_id"`
}

// Validate checks that every component of the key is present and well formed.
func (k PeriodKey) Validate() error {
	if !abnPattern.MatchString(k.ABN) {
		return fmt.Errorf("%w: abn must be 11 digits", ErrInvalidPeriodKey)
	}
	if _, err := ParseTaxType(string(k.TaxType)); err != nil {
		return err
	}
	if strings.TrimSpace(k.PeriodID) == "" {
		return fmt.Errorf("%w: period_id is required", ErrInvalidPeriodKey)
	}
	return nil
}

// String renders the key as abn/taxType/periodId. It is used as the audit target.
func (k PeriodKey) String() string {
	return k.ABN + "/" + string(k.TaxType) + "/" + k.PeriodID
}

// Thresholds are the per-period tolerances applied by reconciliation and
// anomaly evaluation.
type Thresholds struct {
	EpsilonCents  int64              `json:"epsilon_cents"`
	VarianceRatio float64            `json:"variance_ratio"`
	Anomaly       map[string]float64 `json:"anomaly,omitempty"`
}

// DefaultThresholds returns the thresholds applied to newly created periods.
func DefaultThresholds() Thresholds {
	return Thresholds{
		EpsilonCents:  100,
		VarianceRatio: 0.02,
		Anomaly: map[string]float64{
			"variance_ratio":  0.25,
			"abs_delta_cents": 1_000_000,
		},
	}
}
