package evidence

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/remit/pkg/contracts"
	"github.com/Mindburn-Labs/remit/pkg/gate"
	"github.com/Mindburn-Labs/remit/pkg/kms"
)

func activeKeys(t *testing.T) *kms.KeyStore {
	t.Helper()
	ctx := context.Background()
	ks, err := kms.NewKeyStore(ctx, nil)
	require.NoError(t, err)
	k, err := ks.AddKey(ctx)
	require.NoError(t, err)
	require.NoError(t, ks.ActivateKey(ctx, k.KID, time.Time{}))
	return ks
}

func TestFileStore_ContentAddressed(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	ref, err := s.Put(ctx, []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, ref)

	again, err := s.Put(ctx, []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, ref, again)

	data, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))

	ok, err := s.Exists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, ok)

	missing := "sha256:" + strings.Repeat("0", 64)
	_, err = s.Get(ctx, missing)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "md5:abc")
	assert.Error(t, err)
}

func TestNewStore_Selection(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(ctx, Config{Sink: SinkFile, Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	_, err = NewStore(ctx, Config{Sink: SinkS3})
	assert.Error(t, err)
	_, err = NewStore(ctx, Config{Sink: SinkGCS})
	assert.Error(t, err)
	_, err = NewStore(ctx, Config{Sink: "tape"})
	assert.Error(t, err)
}

func TestSealer_SealAndVerify(t *testing.T) {
	ctx := context.Background()
	ks := activeKeys(t)
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	sealer := NewSealer(ks, fs)

	b := &Bundle{
		Period: gate.Period{
			Key:   contracts.PeriodKey{ABN: "12345678901", TaxType: contracts.TaxTypePAYGW, PeriodID: "2025-09"},
			State: gate.StateFinalized,
		},
		AuditChainOK: true,
		OwaChainOK:   true,
		GeneratedAt:  time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC),
	}
	proof, err := sealer.Seal(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, ks.ActiveKID(), proof.KID)
	assert.Equal(t, "sha256:"+proof.Checksum, proof.ArchiveRef)

	info, ok := ks.Lookup(proof.KID)
	require.True(t, ok)
	require.NoError(t, VerifyProof(proof, info.PublicKey))

	archived, err := fs.Get(ctx, proof.ArchiveRef)
	require.NoError(t, err)
	assert.JSONEq(t, string(proof.Bundle), string(archived))

	var decoded Bundle
	require.NoError(t, json.Unmarshal(archived, &decoded))
	assert.Equal(t, BundleVersion, decoded.Version)

	tampered := *proof
	tampered.Bundle = json.RawMessage(`{"version":"forged"}`)
	assert.ErrorIs(t, VerifyProof(&tampered, info.PublicKey), ErrProofInvalid)

	forged := *proof
	forged.Signature = "AAAA"
	assert.ErrorIs(t, VerifyProof(&forged, info.PublicKey), ErrProofInvalid)
}
