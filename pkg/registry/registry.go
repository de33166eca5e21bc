// Package registry builds the full object graph from an explicit Config:
// database, key store, provider ports and the settlement service.
package registry

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/remit/pkg/anomaly"
	"github.com/Mindburn-Labs/remit/pkg/approval"
	"github.com/Mindburn-Labs/remit/pkg/audit"
	"github.com/Mindburn-Labs/remit/pkg/bank"
	"github.com/Mindburn-Labs/remit/pkg/config"
	"github.com/Mindburn-Labs/remit/pkg/contracts"
	"github.com/Mindburn-Labs/remit/pkg/dlq"
	"github.com/Mindburn-Labs/remit/pkg/evidence"
	"github.com/Mindburn-Labs/remit/pkg/gate"
	"github.com/Mindburn-Labs/remit/pkg/identity"
	"github.com/Mindburn-Labs/remit/pkg/ingest"
	"github.com/Mindburn-Labs/remit/pkg/kms"
	"github.com/Mindburn-Labs/remit/pkg/owa"
	"github.com/Mindburn-Labs/remit/pkg/ports"
	"github.com/Mindburn-Labs/remit/pkg/recon"
	"github.com/Mindburn-Labs/remit/pkg/rpt"
	"github.com/Mindburn-Labs/remit/pkg/settlement"
	"github.com/Mindburn-Labs/remit/pkg/store"
)

// ErrUnknownProvider is returned for a provider name with no implementation.
var ErrUnknownProvider = errors.New("registry: unknown provider")

// Provider names.
const (
	BankMock    = "mock"
	IdentityJWT = "jwt"
	AnomalyCEL  = "cel"
	AnomalyNone = "none"
)

type KMSConfig struct {
	// KeystorePath persists keys to a sealed JSON file. Empty keeps them in memory.
	KeystorePath string
	MasterKey    []byte
	GracePeriod  time.Duration
	// Bootstrap creates and activates a first key when none is active.
	Bootstrap bool
}

type BankConfig struct {
	Provider  string
	AllowList []ports.Destination
}

type IdentityConfig struct {
	Provider string
	Issuer   string
	Audience string
	Keys     map[string]ed25519.PublicKey
}

type AnomalyConfig struct {
	Provider string
	Rules    []anomaly.Rule
}

// Config selects every provider explicitly.
type Config struct {
	Store store.Config
	// DB, when set, is used instead of opening Store.
	DB        *store.DB
	RedisAddr string

	KMS      KMSConfig
	Bank     BankConfig
	Identity IdentityConfig
	Anomaly  AnomalyConfig
	Evidence evidence.Config

	RPTTTL          time.Duration
	RPTGraceWindow  time.Duration
	RatesVersion    string
	RatesConstraint string

	ApprovalThresholdCents int64
	ApprovalTTL            time.Duration
	MFAMaxAge              time.Duration

	// Thresholds seed new periods; nil selects the defaults.
	Thresholds *contracts.Thresholds
	DLQBackoff dlq.BackoffPolicy
}

// Registry holds the constructed components.
type Registry struct {
	DB       *store.DB
	Audit    *audit.SQLLedger
	Keys     *kms.KeyStore
	Rotator  *kms.Rotator
	Identity ports.IdentityPort
	Bank     ports.BankPort
	Anomaly  ports.AnomalyPort
	DLQ      *dlq.Queue
	Evidence evidence.Store
	Service  *settlement.Service

	redis  redis.UniversalClient
	ownsDB bool
	logger *slog.Logger
}

// New builds the registry. On error everything opened so far is closed.
func New(ctx context.Context, cfg Config) (_ *Registry, err error) {
	r := &Registry{logger: slog.Default().With("component", "registry")}
	defer func() {
		if err != nil {
			_ = r.Close()
		}
	}()

	if r.DB = cfg.DB; r.DB == nil {
		if r.DB, err = store.Open(ctx, cfg.Store); err != nil {
			return nil, err
		}
		r.ownsDB = true
	}
	r.Audit = audit.NewSQLLedger(r.DB)

	if r.Keys, err = openKeys(ctx, cfg.KMS, r.Audit); err != nil {
		return nil, err
	}
	r.Rotator = kms.NewRotator(r.Keys, r.Audit, cfg.KMS.GracePeriod)

	if r.Bank, err = newBank(cfg.Bank); err != nil {
		return nil, err
	}
	if r.Identity, err = newIdentity(cfg.Identity); err != nil {
		return nil, err
	}
	if r.Anomaly, err = newAnomaly(cfg.Anomaly); err != nil {
		return nil, err
	}
	if r.Evidence, err = evidence.NewStore(ctx, cfg.Evidence); err != nil {
		return nil, err
	}

	var (
		approvals approval.Store
		nonces    rpt.NonceStore
	)
	if cfg.RedisAddr != "" {
		r.redis = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{cfg.RedisAddr}})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err = r.redis.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("registry: redis %s: %w", cfg.RedisAddr, err)
		}
		approvals = approval.NewRedisStore(r.redis)
		nonces = rpt.NewRedisNonceStore(r.redis)
	} else {
		approvals = approval.NewMemoryStore()
		nonces = rpt.NewMemoryNonceStore()
	}

	verifier, err := rpt.NewVerifier(r.Keys, cfg.RPTGraceWindow).WithRatesConstraint(cfg.RatesConstraint)
	if err != nil {
		return nil, err
	}
	parser, err := ingest.NewParser()
	if err != nil {
		return nil, err
	}

	backoff := cfg.DLQBackoff
	if backoff.Base <= 0 {
		backoff = dlq.DefaultBackoff()
	}
	r.DLQ = dlq.NewQueue(dlq.NewSQLStore(r.DB), backoff)

	ttl := cfg.RPTTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	r.Service, err = settlement.New(settlement.Deps{
		Gate:      gate.NewMachine(gate.NewStore(r.DB, r.Audit)),
		Parser:    parser,
		Feeds:     ingest.NewStore(r.DB),
		Recon:     recon.NewEngine(r.DLQ),
		Results:   recon.NewResultStore(r.DB),
		Audit:     r.Audit,
		OWA:       owa.NewLedger(r.DB, r.Audit),
		Keys:      r.Keys,
		Issuer:    rpt.NewIssuer(r.Keys, ttl),
		Verifier:  verifier,
		Nonces:    nonces,
		Approvals: approval.NewPolicy(approvals, cfg.ApprovalTTL),
		StepUp:    approval.StepUp{MaxAge: cfg.MFAMaxAge},
		Bank:      r.Bank,
		Anomaly:   r.Anomaly,
		DLQ:       r.DLQ,
		Sealer:    evidence.NewSealer(r.Keys, r.Evidence),
	}, settlement.Config{
		RatesVersion:           cfg.RatesVersion,
		ApprovalThresholdCents: cfg.ApprovalThresholdCents,
		Thresholds:             cfg.Thresholds,
	})
	if err != nil {
		return nil, err
	}

	r.logger.InfoContext(ctx, "registry ready",
		"dialect", r.DB.Dialect,
		"bank", cfg.Bank.Provider,
		"identity", cfg.Identity.Provider,
		"anomaly", cfg.Anomaly.Provider,
		"redis", cfg.RedisAddr != "",
		"active_kid", r.Keys.ActiveKID(),
	)
	return r, nil
}

// Close releases the connections the registry opened.
func (r *Registry) Close() error {
	var errs []error
	if r.redis != nil {
		errs = append(errs, r.redis.Close())
	}
	if r.ownsDB && r.DB != nil {
		errs = append(errs, r.DB.Close())
	}
	return errors.Join(errs...)
}

func openKeys(ctx context.Context, cfg KMSConfig, log audit.Appender) (*kms.KeyStore, error) {
	var persister kms.Persister
	if cfg.KeystorePath != "" {
		fs, err := kms.NewFileStore(cfg.KeystorePath, cfg.MasterKey)
		if err != nil {
			return nil, err
		}
		persister = fs
	}
	keys, err := kms.NewKeyStore(ctx, persister)
	if err != nil {
		return nil, err
	}
	if keys.ActiveKID() != "" || !cfg.Bootstrap {
		return keys, nil
	}

	info, err := keys.AddKey(ctx)
	if err != nil {
		return nil, err
	}
	if err := keys.ActivateKey(ctx, info.KID, time.Time{}); err != nil {
		return nil, err
	}
	if _, err := log.Append(ctx, audit.Record{Actor: "system", Action: "kms.bootstrap", Target: info.KID, Payload: map[string]string{"kid": info.KID}}); err != nil {
		return nil, err
	}
	return keys, nil
}

func newBank(cfg BankConfig) (ports.BankPort, error) {
	switch cfg.Provider {
	case "", BankMock:
		return bank.NewMock(cfg.AllowList...), nil
	default:
		return nil, fmt.Errorf("%w: bank %q", ErrUnknownProvider, cfg.Provider)
	}
}

func newIdentity(cfg IdentityConfig) (ports.IdentityPort, error) {
	switch cfg.Provider {
	case "", IdentityJWT:
		v := identity.NewVerifier(cfg.Issuer, cfg.Audience)
		for kid, pub := range cfg.Keys {
			v.Trust(kid, pub)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("%w: identity %q", ErrUnknownProvider, cfg.Provider)
	}
}

func newAnomaly(cfg AnomalyConfig) (ports.AnomalyPort, error) {
	switch cfg.Provider {
	case "", AnomalyCEL:
		ev, err := anomaly.NewEvaluator(cfg.Rules...)
		if err != nil {
			return nil, err
		}
		return ev, nil
	case AnomalyNone:
		return anomaly.Noop{}, nil
	default:
		return nil, fmt.Errorf("%w: anomaly %q", ErrUnknownProvider, cfg.Provider)
	}
}

// FromConfig translates loaded server configuration into a registry Config.
func FromConfig(c *config.Config) (Config, error) {
	out := Config{
		RedisAddr: c.RedisAddr,
		KMS: KMSConfig{
			KeystorePath: c.KMSKeystore,
			GracePeriod:  c.KeyGracePeriod,
		},
		Bank:     BankConfig{Provider: c.BankProvider},
		Identity: IdentityConfig{Provider: c.IdentityProvider, Keys: map[string]ed25519.PublicKey{}},
		Anomaly:  AnomalyConfig{Provider: c.AnomalyProvider},
		Evidence: evidence.Config{
			Sink:   evidence.Sink(c.EvidenceSink),
			Dir:    filepath.Join(c.DataDir, "evidence"),
			Bucket: c.EvidenceBucket,
			Prefix: c.EvidencePrefix,
			Region: c.EvidenceRegion,
		},
		RPTTTL:                 c.RPTTTL,
		RPTGraceWindow:         c.RPTGraceWindow,
		RatesVersion:           c.RatesVersion,
		RatesConstraint:        c.RatesConstraint,
		ApprovalThresholdCents: c.ApprovalThresholdCents,
		ApprovalTTL:            c.ApprovalTTL,
		MFAMaxAge:              c.MFAMaxAge,
		DLQBackoff:             dlq.BackoffPolicy{Base: c.DLQBaseBackoff, MaxExponent: 5},
	}

	th := contracts.DefaultThresholds()
	th.EpsilonCents = c.EpsilonCents
	th.VarianceRatio = c.VarianceRatio
	out.Thresholds = &th

	if c.LiteMode() {
		out.Store = store.Config{Driver: "sqlite", DSN: filepath.Join(c.DataDir, "remit.db")}
		out.KMS.Bootstrap = true
	} else {
		out.Store = store.Config{Driver: c.DBDriver, DSN: c.DatabaseURL}
	}

	if c.KMSMasterKey != "" {
		mk, err := hex.DecodeString(c.KMSMasterKey)
		if err != nil {
			return Config{}, fmt.Errorf("registry: KMS_MASTER_KEY: %w", err)
		}
		out.KMS.MasterKey = mk
	}

	if c.JWTPublicKey != "" {
		kid, pub, err := ParsePublicKey(c.JWTPublicKey)
		if err != nil {
			return Config{}, err
		}
		out.Identity.Keys[kid] = pub
	}

	for _, item := range c.BankAllowList {
		d, err := ParseDestination(item)
		if err != nil {
			return Config{}, err
		}
		out.Bank.AllowList = append(out.Bank.AllowList, d)
	}
	return out, nil
}

// ParsePublicKey reads "kid=hex" or a bare hex Ed25519 key (kid "default").
func ParsePublicKey(s string) (string, ed25519.PublicKey, error) {
	kid, keyHex := "default", s
	if i := strings.IndexByte(s, '='); i >= 0 {
		kid, keyHex = s[:i], s[i+1:]
	}
	raw, err := hex.DecodeString(keyHex)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return "", nil, fmt.Errorf("registry: JWT_PUBLIC_KEY must be %d hex-encoded bytes", ed25519.PublicKeySize)
	}
	return kid, ed25519.PublicKey(raw), nil
}

// ParseDestination reads "abn:rail:reference[:label]".
func ParseDestination(s string) (ports.Destination, error) {
	parts := strings.SplitN(s, ":", 4)
	if len(parts) < 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return ports.Destination{}, fmt.Errorf("registry: bad allow-list entry %q, want abn:rail:reference", s)
	}
	d := ports.Destination{ABN: parts[0], Rail: parts[1], Reference: parts[2]}
	if len(parts) == 4 {
		d.Label = parts[3]
	}
	return d, nil
}
