package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Mindburn-Labs/remit/pkg/config"
)

const devIdentityKID = "lite"

// setupLiteMode prepares DATA_DIR for a single-node SQLite deployment. The
// key store is sealed with a generated master key and the server trusts a
// generated identity key so `remit token` can mint usable tokens.
func setupLiteMode(cfg *config.Config, out io.Writer) error {
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(cfg.DataDir, "evidence"), 0o750); err != nil {
		return fmt.Errorf("failed to create evidence dir: %w", err)
	}

	if cfg.KMSKeystore == "" {
		cfg.KMSKeystore = filepath.Join(cfg.DataDir, "keystore.json")
	}
	if cfg.KMSMasterKey == "" {
		mk, err := loadOrGenerateSecret(filepath.Join(cfg.DataDir, "master.key"), 32, out)
		if err != nil {
			return err
		}
		cfg.KMSMasterKey = mk
	}
	if cfg.IngestHMACSecret == "" {
		secret, err := loadOrGenerateSecret(filepath.Join(cfg.DataDir, "ingest.secret"), 32, out)
		if err != nil {
			return err
		}
		cfg.IngestHMACSecret = secret
	}
	if cfg.JWTPublicKey == "" {
		priv, err := loadOrGenerateIdentityKey(cfg.DataDir, out)
		if err != nil {
			return err
		}
		cfg.JWTPublicKey = devIdentityKID + "=" + hex.EncodeToString(priv.Public().(ed25519.PublicKey))
	}
	return nil
}

func loadOrGenerateIdentityKey(dataDir string, out io.Writer) (ed25519.PrivateKey, error) {
	keyPath := filepath.Join(dataDir, "identity.key")
	if keyHex, err := os.ReadFile(keyPath); err == nil {
		seed, err := hex.DecodeString(strings.TrimSpace(string(keyHex)))
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("invalid identity.key format")
		}
		return ed25519.NewKeyFromSeed(seed), nil
	}

	if os.Getenv("REMIT_PRODUCTION") == "1" {
		return nil, fmt.Errorf("production mode requires %s to exist", keyPath)
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	fmt.Fprintf(out, "\n%sSECURITY WARNING: Using auto-generated identity key.%s\n", ColorBold+ColorYellow, ColorReset)
	fmt.Fprintf(out, "   Key saved to: %s\n", keyPath)
	fmt.Fprintf(out, "   In production, configure JWT_PUBLIC_KEY from your identity provider.\n\n")

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(priv.Seed())), 0o600); err != nil {
		return nil, fmt.Errorf("failed to save identity.key: %w", err)
	}
	_ = os.WriteFile(filepath.Join(dataDir, "identity.pub"), []byte(hex.EncodeToString(pub)), 0o644)
	return priv, nil
}

// loadOrGenerateSecret returns the hex secret stored at path, creating a
// random one of n bytes on first use.
func loadOrGenerateSecret(path string, n int, out io.Writer) (string, error) {
	if data, err := os.ReadFile(path); err == nil {
		s := strings.TrimSpace(string(data))
		if _, err := hex.DecodeString(s); err != nil {
			return "", fmt.Errorf("invalid %s format: %w", filepath.Base(path), err)
		}
		return s, nil
	}
	if os.Getenv("REMIT_PRODUCTION") == "1" {
		return "", fmt.Errorf("production mode requires %s to exist", path)
	}

	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	s := hex.EncodeToString(buf)
	if err := os.WriteFile(path, []byte(s), 0o600); err != nil {
		return "", fmt.Errorf("failed to save %s: %w", filepath.Base(path), err)
	}
	fmt.Fprintf(out, "generated %s\n", path)
	return s, nil
}
