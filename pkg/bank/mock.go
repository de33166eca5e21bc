// Package bank provides BankPort implementations. Mock is an in-process
// rail used in lite mode and tests: it enforces the destination allow-list
// and deduplicates releases by idempotency key.
package bank

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/remit/pkg/canonicalize"
	"github.com/Mindburn-Labs/remit/pkg/ports"
)

type Mock struct {
	mu        sync.Mutex
	allow     map[string]ports.Destination
	transfers map[string]ports.Transfer
	fail      error
	logger    *slog.Logger
}

var _ ports.BankPort = (*Mock)(nil)

func NewMock(allow ...ports.Destination) *Mock {
	m := &Mock{
		allow:     make(map[string]ports.Destination),
		transfers: make(map[string]ports.Transfer),
		logger:    slog.Default().With("component", "bank.mock"),
	}
	for _, d := range allow {
		m.Allow(d)
	}
	return m
}

func destKey(abn, rail, reference string) string {
	return abn + "|" + strings.ToUpper(rail) + "|" + reference
}

// Allow adds d to the allow-list.
func (m *Mock) Allow(d ports.Destination) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allow[destKey(d.ABN, d.Rail, d.Reference)] = d
}

// FailWith makes every subsequent release fail with err. Pass nil to heal.
func (m *Mock) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

func (m *Mock) ResolveDestination(_ context.Context, abn, rail, reference string) (*ports.Destination, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.allow[destKey(abn, rail, reference)]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ports.ErrDestNotAllowListed, rail, reference)
	}
	return &d, nil
}

func (m *Mock) ReleasePayment(ctx context.Context, req ports.ReleaseRequest) (*ports.Transfer, error) {
	if req.AmountCents <= 0 {
		return nil, fmt.Errorf("bank: release amount must be positive, got %d", req.AmountCents)
	}
	if _, err := m.ResolveDestination(ctx, req.ABN, req.Rail, req.Reference); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, fmt.Errorf("%w: %v", ports.ErrBankUnavailable, m.fail)
	}
	if req.IdempotencyKey != "" {
		if prior, ok := m.transfers[req.IdempotencyKey]; ok {
			prior.Status = ports.TransferDuplicate
			return &prior, nil
		}
	}

	id := uuid.NewString()
	receipt := canonicalize.ChainHash(id, req.ABN, req.TaxType, req.PeriodID,
		canonicalize.FormatInt(req.AmountCents), strings.ToUpper(req.Rail), req.Reference)
	t := ports.Transfer{TransferUUID: id, BankReceiptHash: receipt, Status: ports.TransferOK}
	if req.IdempotencyKey != "" {
		m.transfers[req.IdempotencyKey] = t
	}
	m.logger.InfoContext(ctx, "release accepted", "transfer_uuid", id, "abn", req.ABN, "amount_cents", req.AmountCents, "rail", req.Rail)
	return &t, nil
}
