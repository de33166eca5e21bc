// Package ports declares the contracts of the external collaborators the
// settlement core depends on: the bank rail, the identity provider and the
// anomaly evaluator. Implementations live in their own packages and are
// bound once at startup by the registry.
package ports

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDestNotAllowListed = errors.New("DEST_NOT_ALLOW_LISTED")
	ErrUnauthenticated    = errors.New("UNAUTHENTICATED")
	ErrBankUnavailable    = errors.New("bank rail unavailable")
)

// TransferStatus is the bank's view of a release.
type TransferStatus string

const (
	TransferOK        TransferStatus = "OK"
	TransferDuplicate TransferStatus = "DUPLICATE"
)

// ReleaseRequest moves money out of the one-way account.
type ReleaseRequest struct {
	ABN            string
	TaxType        string
	PeriodID       string
	AmountCents    int64
	Rail           string
	Reference      string
	IdempotencyKey string
}

// Transfer is the bank's receipt for a release.
type Transfer struct {
	TransferUUID    string         `json:"transfer_uuid"`
	BankReceiptHash string         `json:"bank_receipt_hash"`
	Status          TransferStatus `json:"status"`
}

// Destination is an allow-listed payee.
type Destination struct {
	ABN       string `json:"abn"`
	Rail      string `json:"rail"`
	Reference string `json:"reference"`
	Label     string `json:"label,omitempty"`
}

// BankPort releases payments to allow-listed destinations. A retried
// release with the same idempotency key must return the original transfer
// with status DUPLICATE.
type BankPort interface {
	ReleasePayment(ctx context.Context, req ReleaseRequest) (*Transfer, error)
	ResolveDestination(ctx context.Context, abn, rail, reference string) (*Destination, error)
}

// Profile is an authenticated caller.
type Profile struct {
	Subject   string    `json:"sub"`
	Roles     []string  `json:"roles"`
	MFA       bool      `json:"mfa"`
	AuthTime  time.Time `json:"auth_time"`
	ExpiresAt time.Time `json:"exp"`
}

// HasRole reports whether the profile carries role.
func (p Profile) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IdentityPort verifies bearer tokens. Invalid tokens fail with
// ErrUnauthenticated.
type IdentityPort interface {
	VerifyToken(ctx context.Context, token string) (*Profile, error)
}

// AnomalyVerdict is the outcome of evaluating an anomaly vector.
type AnomalyVerdict struct {
	Anomalous bool     `json:"anomalous"`
	Triggers  []string `json:"triggers"`
}

// AnomalyPort decides whether a reconciliation's anomaly vector must block
// the period.
type AnomalyPort interface {
	Evaluate(ctx context.Context, vector, thresholds map[string]float64) (*AnomalyVerdict, error)
}
