package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/remit/pkg/config"
	"github.com/Mindburn-Labs/remit/pkg/identity"
	"github.com/Mindburn-Labs/remit/pkg/registry"
)

func TestRun_Dispatch(t *testing.T) {
	called := 0
	orig := startServer
	startServer = func(io.Writer, io.Writer) int { called++; return 0 }
	t.Cleanup(func() { startServer = orig })

	var out, errOut bytes.Buffer
	assert.Equal(t, 0, Run([]string{"remit"}, &out, &errOut))
	assert.Equal(t, 0, Run([]string{"remit", "serve"}, &out, &errOut))
	assert.Equal(t, 0, Run([]string{"remit", "--port=9000"}, &out, &errOut))
	assert.Equal(t, 3, called)

	out.Reset()
	assert.Equal(t, 0, Run([]string{"remit", "help"}, &out, &errOut))
	assert.Contains(t, out.String(), "USAGE")

	out.Reset()
	assert.Equal(t, 0, Run([]string{"remit", "version"}, &out, &errOut))
	assert.Contains(t, out.String(), version)

	errOut.Reset()
	assert.Equal(t, 2, Run([]string{"remit", "launch"}, &out, &errOut))
	assert.Contains(t, errOut.String(), "Unknown command: launch")
}

func TestSetupLiteMode_PersistsSecrets(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{DataDir: dir}
	require.NoError(t, setupLiteMode(cfg, io.Discard))

	assert.Equal(t, filepath.Join(dir, "keystore.json"), cfg.KMSKeystore)
	assert.Len(t, cfg.KMSMasterKey, 64)
	assert.NotEmpty(t, cfg.IngestHMACSecret)
	assert.True(t, strings.HasPrefix(cfg.JWTPublicKey, devIdentityKID+"="))

	again := &config.Config{DataDir: dir}
	require.NoError(t, setupLiteMode(again, io.Discard))
	assert.Equal(t, cfg.KMSMasterKey, again.KMSMasterKey)
	assert.Equal(t, cfg.IngestHMACSecret, again.IngestHMACSecret)
	assert.Equal(t, cfg.JWTPublicKey, again.JWTPublicKey)
}

func TestSetupLiteMode_ProductionRequiresKeys(t *testing.T) {
	t.Setenv("REMIT_PRODUCTION", "1")
	err := setupLiteMode(&config.Config{DataDir: t.TempDir()}, io.Discard)
	assert.ErrorContains(t, err, "production mode requires")
}

func TestTokenCmd_VerifiesAgainstLiteKey(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DATA_DIR", dir)

	var out, errOut bytes.Buffer
	require.Equal(t, 0, Run([]string{"remit", "token", "--sub", "olivia", "--roles", "ops, treasury", "--mfa"}, &out, &errOut), errOut.String())

	cfg := &config.Config{DataDir: dir}
	require.NoError(t, setupLiteMode(cfg, io.Discard))
	kid, pub, err := registry.ParsePublicKey(cfg.JWTPublicKey)
	require.NoError(t, err)
	v := identity.NewVerifier("", "")
	v.Trust(kid, pub)

	prof, err := v.VerifyToken(context.Background(), strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "olivia", prof.Subject)
	assert.True(t, prof.MFA)
	assert.True(t, prof.HasRole("treasury"))

	assert.Equal(t, 2, Run([]string{"remit", "token"}, &out, &errOut))
}

func TestServe_LiteModeStartsAndStops(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATA_DIR", dir)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PORT", "0")
	cfg, err := config.Load()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	require.NoError(t, serve(ctx, cfg, io.Discard))

	_, err = os.Stat(filepath.Join(dir, "remit.db"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "keystore.json"))
	assert.NoError(t, err)
}
