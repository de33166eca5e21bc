package bank

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/remit/pkg/ports"
)

var ato = ports.Destination{ABN: "12345678901", Rail: "EFT", Reference: "PRN-001"}

func release(idem string) ports.ReleaseRequest {
	return ports.ReleaseRequest{
		ABN: ato.ABN, TaxType: "PAYGW", PeriodID: "2025-09", AmountCents: 36_000,
		Rail: "eft", Reference: ato.Reference, IdempotencyKey: idem,
	}
}

func TestMock_RejectsUnlistedDestination(t *testing.T) {
	m := NewMock()
	_, err := m.ResolveDestination(context.Background(), ato.ABN, ato.Rail, ato.Reference)
	assert.ErrorIs(t, err, ports.ErrDestNotAllowListed)

	_, err = m.ReleasePayment(context.Background(), release("x"))
	assert.ErrorIs(t, err, ports.ErrDestNotAllowListed)
}

func TestMock_ReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMock(ato)

	first, err := m.ReleasePayment(ctx, release("idem-1"))
	require.NoError(t, err)
	assert.Equal(t, ports.TransferOK, first.Status)
	assert.Len(t, first.BankReceiptHash, 64)

	again, err := m.ReleasePayment(ctx, release("idem-1"))
	require.NoError(t, err)
	assert.Equal(t, ports.TransferDuplicate, again.Status)
	assert.Equal(t, first.TransferUUID, again.TransferUUID)
	assert.Equal(t, first.BankReceiptHash, again.BankReceiptHash)

	other, err := m.ReleasePayment(ctx, release("idem-2"))
	require.NoError(t, err)
	assert.NotEqual(t, first.TransferUUID, other.TransferUUID)
}

func TestMock_FailWith(t *testing.T) {
	m := NewMock(ato)
	m.FailWith(errors.New("timeout"))
	_, err := m.ReleasePayment(context.Background(), release("a"))
	assert.ErrorIs(t, err, ports.ErrBankUnavailable)

	m.FailWith(nil)
	_, err = m.ReleasePayment(context.Background(), release("a"))
	assert.NoError(t, err)
}

func TestMock_RejectsNonPositiveAmount(t *testing.T) {
	m := NewMock(ato)
	r := release("neg")
	r.AmountCents = 0
	_, err := m.ReleasePayment(context.Background(), r)
	assert.Error(t, err)
}
