package ingest

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/remit/pkg/contracts"
	"github.com/Mindburn-Labs/remit/pkg/store"
)

const stpFeed = `{"abn":"12345678901","tax_type":"PAYGW","period_id":"2025-09","w1":120000,"w2":36000}`
const posFeed = `{"abn":"12345678901","tax_type":"PAYGW","period_id":"2025-09","g1":120000,"g10":30000,"g11":90000,"taxCollected":36000}`

func parser(t *testing.T) *Parser {
	t.Helper()
	p, err := NewParser()
	require.NoError(t, err)
	return p
}

func TestParse_STP(t *testing.T) {
	f, err := parser(t).Parse(KindSTP, []byte(stpFeed))
	require.NoError(t, err)
	assert.Equal(t, contracts.PeriodKey{ABN: "12345678901", TaxType: contracts.TaxTypePAYGW, PeriodID: "2025-09"}, f.Key)
	require.NotNil(t, f.Payroll)
	assert.Equal(t, int64(120000), f.Payroll.W1)
	assert.Equal(t, int64(36000), f.Payroll.W2)
	assert.Nil(t, f.Pos)
	assert.Len(t, f.Digest, 64)
}

func TestParse_POSWithExplicitTaxType(t *testing.T) {
	f, err := parser(t).Parse(KindPOS, []byte(posFeed))
	require.NoError(t, err)
	assert.Equal(t, contracts.TaxTypePAYGW, f.Key.TaxType)
	require.NotNil(t, f.Pos)
	assert.Equal(t, int64(36000), f.Pos.TaxCollected)
}

func TestParse_DigestIgnoresKeyOrder(t *testing.T) {
	p := parser(t)
	a, err := p.Parse(KindSTP, []byte(stpFeed))
	require.NoError(t, err)
	b, err := p.Parse(KindSTP, []byte(`{"w2":36000,"w1":120000,"period_id":"2025-09","tax_type":"PAYGW","abn":"12345678901"}`))
	require.NoError(t, err)
	assert.Equal(t, a.Digest, b.Digest)
}

func TestParse_SchemaFailures(t *testing.T) {
	p := parser(t)
	cases := map[string]string{
		"not json":      `{`,
		"missing w2":    `{"abn":"12345678901","tax_type":"PAYGW","period_id":"2025-09","w1":1}`,
		"negative":      `{"abn":"12345678901","tax_type":"PAYGW","period_id":"2025-09","w1":-1,"w2":0}`,
		"bad abn":       `{"abn":"123","tax_type":"PAYGW","period_id":"2025-09","w1":1,"w2":0}`,
		"fractional":    `{"abn":"12345678901","tax_type":"PAYGW","period_id":"2025-09","w1":1.5,"w2":0}`,
		"unknown field": `{"abn":"12345678901","tax_type":"PAYGW","period_id":"2025-09","w1":1,"w2":0,"extra":true}`,
		"bad tax type":  `{"abn":"12345678901","tax_type":"FBT","period_id":"2025-09","w1":1,"w2":0}`,
		"empty period":  `{"abn":"12345678901","tax_type":"PAYGW","period_id":"","w1":1,"w2":0}`,
		"no tax type":   `{"abn":"12345678901","period_id":"2025-09","w1":1,"w2":0}`,
		"too large":     `{"abn":"12345678901","tax_type":"PAYGW","period_id":"2025-09","w1":1000000000000001,"w2":0}`,
	}
	for name, body := range cases {
		_, err := p.Parse(KindSTP, []byte(body))
		assert.ErrorIs(t, err, ErrInvalidFeed, name)
	}
	_, err := p.Parse(Kind("bank"), []byte(stpFeed))
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestParse_TaxTypeIsRequiredForBothKinds(t *testing.T) {
	p := parser(t)
	_, err := p.Parse(KindSTP, []byte(`{"abn":"12345678901","period_id":"2025-09","w1":120000,"w2":36000}`))
	assert.ErrorIs(t, err, ErrInvalidFeed)
	_, err = p.Parse(KindPOS, []byte(`{"abn":"12345678901","period_id":"2025-09","g1":120000,"g10":30000,"g11":90000,"taxCollected":36000}`))
	assert.ErrorIs(t, err, ErrInvalidFeed)

	stp, err := p.Parse(KindSTP, []byte(`{"abn":"12345678901","tax_type":"GST","period_id":"2025-09","w1":120000,"w2":36000}`))
	require.NoError(t, err)
	pos, err := p.Parse(KindPOS, []byte(`{"abn":"12345678901","tax_type":"GST","period_id":"2025-09","g1":120000,"g10":30000,"g11":90000,"taxCollected":36000}`))
	require.NoError(t, err)
	assert.Equal(t, stp.Key, pos.Key)
	assert.Equal(t, contracts.TaxTypeGST, pos.Key.TaxType)
}

func TestParse_POSAmountCeiling(t *testing.T) {
	_, err := parser(t).Parse(KindPOS, []byte(`{"abn":"12345678901","tax_type":"GST","period_id":"2025-09","g1":0,"g10":9223372036854775807,"g11":1,"taxCollected":0}`))
	assert.ErrorIs(t, err, ErrInvalidFeed)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("STP")
	require.NoError(t, err)
	assert.Equal(t, KindSTP, k)
	_, err = ParseKind("ledger")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestVerifySignature(t *testing.T) {
	secret := []byte("shared-secret")
	body := []byte(stpFeed)
	sig := Sign(secret, body)

	assert.NoError(t, VerifySignature(secret, body, sig))
	assert.NoError(t, VerifySignature(secret, body, "sha256="+sig))
	assert.ErrorIs(t, VerifySignature(secret, body, ""), ErrBadSignature)
	assert.ErrorIs(t, VerifySignature(secret, body, "zz"), ErrBadSignature)
	assert.ErrorIs(t, VerifySignature(secret, append(body, ' '), sig), ErrBadSignature)
	assert.ErrorIs(t, VerifySignature([]byte("other"), body, sig), ErrBadSignature)
	assert.ErrorIs(t, VerifySignature(nil, body, sig), ErrBadSignature)
}

func TestStore_SaveDeduplicatesAndSnapshots(t *testing.T) {
	ctx := context.Background()
	db, err := store.OpenLite(ctx, ":memory:")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	s := NewStore(db)
	p := parser(t)
	now := time.Now()

	run1, err := p.Parse(KindSTP, []byte(`{"abn":"12345678901","tax_type":"PAYGW","period_id":"2025-09","pay_run_id":"r1","w1":60000,"w2":18000}`))
	require.NoError(t, err)
	run2, err := p.Parse(KindSTP, []byte(`{"abn":"12345678901","tax_type":"PAYGW","period_id":"2025-09","pay_run_id":"r2","w1":60000,"w2":18000}`))
	require.NoError(t, err)
	pos, err := p.Parse(KindPOS, []byte(posFeed))
	require.NoError(t, err)

	for _, f := range []*Feed{run1, run2, pos} {
		ok, err := s.Save(ctx, f, now)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	dup, err := s.Save(ctx, run1, now)
	require.NoError(t, err)
	assert.False(t, dup)

	snap, err := s.Snapshot(ctx, run1.Key)
	require.NoError(t, err)
	require.NotNil(t, snap.Payroll)
	require.NotNil(t, snap.Pos)
	assert.Equal(t, int64(120000), snap.Payroll.W1)
	assert.Equal(t, int64(36000), snap.Payroll.W2)
	assert.Equal(t, int64(90000), snap.Pos.G11)
	assert.Equal(t, []string{run1.Digest, run2.Digest, pos.Digest}, snap.Digests)

	empty, err := s.Snapshot(ctx, contracts.PeriodKey{ABN: "12345678901", TaxType: contracts.TaxTypeGST, PeriodID: "x"})
	require.NoError(t, err)
	assert.Nil(t, empty.Payroll)
	assert.Empty(t, empty.Digests)
}

func TestAddAmount_Saturates(t *testing.T) {
	assert.Equal(t, int64(3), addAmount(1, 2))
	assert.Equal(t, int64(math.MaxInt64), addAmount(math.MaxInt64-1, 5))
	assert.Equal(t, int64(math.MaxInt64), addAmount(math.MaxInt64, math.MaxInt64))
}
