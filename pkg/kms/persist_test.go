package kms

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_RoundTripSealsSeeds(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "keys", "keystore.json")
	master := bytes.Repeat([]byte{0x42}, 32)

	fs, err := NewFileStore(path, master)
	require.NoError(t, err)
	ks, err := NewKeyStore(ctx, fs)
	require.NoError(t, err)
	k1, err := ks.AddKey(ctx)
	require.NoError(t, err)
	require.NoError(t, ks.ActivateKey(ctx, k1.KID, time.Time{}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "sealed_seed")
	assert.False(t, strings.Contains(string(raw), `"seed"`))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	fs2, err := NewFileStore(path, master)
	require.NoError(t, err)
	reloaded, err := NewKeyStore(ctx, fs2)
	require.NoError(t, err)
	assert.Equal(t, k1.KID, reloaded.ActiveKID())
	_, err = reloaded.Sign(ctx, []byte("x"), "")
	require.NoError(t, err)
}

func TestFileStore_WrongMasterKeyFails(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "keystore.json")

	fs, err := NewFileStore(path, bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)
	ks, err := NewKeyStore(ctx, fs)
	require.NoError(t, err)
	_, err = ks.AddKey(ctx)
	require.NoError(t, err)

	other, err := NewFileStore(path, bytes.Repeat([]byte{2}, 32))
	require.NoError(t, err)
	_, err = NewKeyStore(ctx, other)
	assert.Error(t, err)
}

func TestFileStore_RetiredSeedIsNotPersisted(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "keystore.json")
	fs, err := NewFileStore(path, bytes.Repeat([]byte{3}, 32))
	require.NoError(t, err)
	ks, err := NewKeyStore(ctx, fs)
	require.NoError(t, err)
	k1, _ := ks.AddKey(ctx)
	require.NoError(t, ks.RetireKey(ctx, k1.KID))

	snap, err := fs.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Keys, 1)
	assert.Empty(t, snap.Keys[0].Seed)
	assert.Equal(t, StatusRetired, snap.Keys[0].Status)
}

func TestNewFileStore_ShortMasterKey(t *testing.T) {
	_, err := NewFileStore("x", []byte("short"))
	assert.Error(t, err)
}
