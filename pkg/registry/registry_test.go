package registry

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/remit/pkg/audit"
	"github.com/Mindburn-Labs/remit/pkg/config"
	"github.com/Mindburn-Labs/remit/pkg/evidence"
	"github.com/Mindburn-Labs/remit/pkg/ports"
	"github.com/Mindburn-Labs/remit/pkg/store"
)

func liteConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Store:    store.Config{Driver: "sqlite", DSN: ":memory:"},
		KMS:      KMSConfig{Bootstrap: true, GracePeriod: time.Hour},
		Bank:     BankConfig{Provider: BankMock, AllowList: []ports.Destination{{ABN: "12345678901", Rail: "EFT", Reference: "PRN-1"}}},
		Anomaly:  AnomalyConfig{Provider: AnomalyCEL},
		Evidence: evidence.Config{Sink: evidence.SinkFile, Dir: t.TempDir()},
	}
}

func TestNew_LiteWiring(t *testing.T) {
	ctx := context.Background()
	r, err := New(ctx, liteConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	require.NotNil(t, r.Service)
	assert.NotEmpty(t, r.Keys.ActiveKID())

	entries, err := r.Audit.Entries(ctx, audit.Filter{Target: r.Keys.ActiveKID()})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "kms.bootstrap", entries[0].Action)

	_, err = r.Bank.ResolveDestination(ctx, "12345678901", "EFT", "PRN-1")
	assert.NoError(t, err)
}

func TestNew_PersistentKeysSurviveRestart(t *testing.T) {
	ctx := context.Background()
	cfg := liteConfig(t)
	cfg.KMS.KeystorePath = filepath.Join(t.TempDir(), "keys.json")
	cfg.KMS.MasterKey = make([]byte, 32)

	first, err := New(ctx, cfg)
	require.NoError(t, err)
	kid := first.Keys.ActiveKID()
	require.NoError(t, first.Close())

	second, err := New(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })
	assert.Equal(t, kid, second.Keys.ActiveKID())
}

func TestNew_UnknownProviders(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"bank":     func(c *Config) { c.Bank.Provider = "swift" },
		"identity": func(c *Config) { c.Identity.Provider = "saml" },
		"anomaly":  func(c *Config) { c.Anomaly.Provider = "ml" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := liteConfig(t)
			mutate(&cfg)
			_, err := New(context.Background(), cfg)
			assert.ErrorIs(t, err, ErrUnknownProvider)
		})
	}
}

func TestNew_SharedDB(t *testing.T) {
	ctx := context.Background()
	db, err := store.OpenLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := liteConfig(t)
	cfg.DB = db
	cfg.Anomaly.Provider = AnomalyNone
	r, err := New(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	// The registry must not close a handle it did not open.
	assert.NoError(t, db.PingContext(ctx))
}

func TestFromConfig(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	c := &config.Config{
		DataDir:                "/var/lib/remit",
		KMSMasterKey:           hex.EncodeToString(make([]byte, 32)),
		JWTPublicKey:           "idp-1=" + hex.EncodeToString(pub),
		BankAllowList:          []string{"12345678901:EFT:PRN-1:ATO PAYGW"},
		EpsilonCents:           50,
		VarianceRatio:          0.01,
		ApprovalThresholdCents: 500_000,
		EvidenceSink:           "file",
	}
	out, err := FromConfig(c)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", out.Store.Driver)
	assert.Equal(t, filepath.Join("/var/lib/remit", "remit.db"), out.Store.DSN)
	assert.True(t, out.KMS.Bootstrap)
	assert.Len(t, out.KMS.MasterKey, 32)
	assert.Equal(t, ed25519.PublicKey(pub), out.Identity.Keys["idp-1"])
	assert.Equal(t, "ATO PAYGW", out.Bank.AllowList[0].Label)
	require.NotNil(t, out.Thresholds)
	assert.Equal(t, int64(50), out.Thresholds.EpsilonCents)
	assert.NotEmpty(t, out.Thresholds.Anomaly)

	c.EpsilonCents = 0
	c.VarianceRatio = 0
	out, err = FromConfig(c)
	require.NoError(t, err)
	require.NotNil(t, out.Thresholds)
	assert.Equal(t, int64(0), out.Thresholds.EpsilonCents)
	assert.Equal(t, 0.0, out.Thresholds.VarianceRatio)

	c.DatabaseURL = "postgres://db/remit"
	c.DBDriver = "pgx"
	out, err = FromConfig(c)
	require.NoError(t, err)
	assert.Equal(t, "pgx", out.Store.Driver)
	assert.False(t, out.KMS.Bootstrap)
}

func TestFromConfig_Rejects(t *testing.T) {
	for name, c := range map[string]*config.Config{
		"master key":  {KMSMasterKey: "zz"},
		"jwt key":     {JWTPublicKey: "abcd"},
		"destination": {BankAllowList: []string{"12345678901:EFT"}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := FromConfig(c)
			assert.Error(t, err)
		})
	}
}
