// Package config loads server configuration from the environment, with an
// optional YAML overlay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds server configuration.
type Config struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	// Empty DatabaseURL selects lite mode: SQLite under DataDir.
	DatabaseURL string `yaml:"database_url"`
	DBDriver    string `yaml:"db_driver"`
	DataDir     string `yaml:"data_dir"`
	RedisAddr   string `yaml:"redis_addr"`

	KMSKeystore    string        `yaml:"kms_keystore"`
	KMSMasterKey   string        `yaml:"kms_master_key"`
	KeyGracePeriod time.Duration `yaml:"key_grace_period"`

	RPTTTL          time.Duration `yaml:"rpt_ttl"`
	RPTGraceWindow  time.Duration `yaml:"rpt_grace_window"`
	RatesVersion    string        `yaml:"rates_version"`
	RatesConstraint string        `yaml:"rates_constraint"`

	ApprovalThresholdCents int64         `yaml:"approval_threshold_cents"`
	ApprovalTTL            time.Duration `yaml:"approval_ttl"`
	MFAMaxAge              time.Duration `yaml:"mfa_max_age"`

	EpsilonCents  int64   `yaml:"epsilon_cents"`
	VarianceRatio float64 `yaml:"variance_ratio"`

	IngestHMACSecret string        `yaml:"ingest_hmac_secret"`
	DLQBaseBackoff   time.Duration `yaml:"dlq_base_backoff"`
	DLQPollInterval  time.Duration `yaml:"dlq_poll_interval"`

	OTelEnabled  bool   `yaml:"otel_enabled"`
	OTelEndpoint string `yaml:"otel_endpoint"`

	EvidenceSink   string `yaml:"evidence_sink"`
	EvidenceBucket string `yaml:"evidence_bucket"`
	EvidencePrefix string `yaml:"evidence_prefix"`
	EvidenceRegion string `yaml:"evidence_region"`

	JWTPublicKey  string   `yaml:"jwt_public_key"`
	BankAllowList []string `yaml:"bank_allow_list"`

	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`

	BankProvider     string `yaml:"bank_provider"`
	IdentityProvider string `yaml:"identity_provider"`
	AnomalyProvider  string `yaml:"anomaly_provider"`
}

// LiteMode reports whether no external database is configured.
func (c *Config) LiteMode() bool {
	return c.DatabaseURL == ""
}

// Load reads configuration from environment variables, then overlays the
// YAML file named by REMIT_CONFIG when set. Values present in the file win.
func Load() (*Config, error) {
	var errs []string
	c := &Config{
		Port:                   env("PORT", "8080"),
		LogLevel:               env("LOG_LEVEL", "INFO"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		DBDriver:               env("DB_DRIVER", "postgres"),
		DataDir:                env("DATA_DIR", "data"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		KMSKeystore:            os.Getenv("KMS_KEYSTORE"),
		KMSMasterKey:           os.Getenv("KMS_MASTER_KEY"),
		KeyGracePeriod:         envDuration("KEY_GRACE_PERIOD", 72*time.Hour, &errs),
		RPTTTL:                 envDuration("RPT_TTL", 15*time.Minute, &errs),
		RPTGraceWindow:         envDuration("RPT_GRACE_WINDOW", 72*time.Hour, &errs),
		RatesVersion:           env("RATES_VERSION", "2025.1.0"),
		RatesConstraint:        os.Getenv("RATES_CONSTRAINT"),
		ApprovalThresholdCents: envInt("APPROVAL_THRESHOLD_CENTS", 1_000_000, &errs),
		ApprovalTTL:            envDuration("APPROVAL_TTL", 10*time.Minute, &errs),
		MFAMaxAge:              envDuration("MFA_MAX_AGE", 15*time.Minute, &errs),
		EpsilonCents:           envInt("EPSILON_CENTS", 100, &errs),
		VarianceRatio:          envFloat("VARIANCE_RATIO", 0.02, &errs),
		IngestHMACSecret:       os.Getenv("INGEST_HMAC_SECRET"),
		DLQBaseBackoff:         envDuration("DLQ_BASE_BACKOFF", 30*time.Second, &errs),
		DLQPollInterval:        envDuration("DLQ_POLL_INTERVAL", 30*time.Second, &errs),
		OTelEnabled:            os.Getenv("OTEL_ENABLED") == "true",
		OTelEndpoint:           env("OTEL_ENDPOINT", "localhost:4317"),
		EvidenceSink:           env("EVIDENCE_SINK", "file"),
		EvidenceBucket:         os.Getenv("EVIDENCE_BUCKET"),
		EvidencePrefix:         env("EVIDENCE_PREFIX", "proofs"),
		EvidenceRegion:         os.Getenv("EVIDENCE_REGION"),
		JWTPublicKey:           os.Getenv("JWT_PUBLIC_KEY"),
		BankAllowList:          envList("BANK_ALLOW_LIST"),
		RateLimitRPS:           envFloat("RATE_LIMIT_RPS", 20, &errs),
		RateLimitBurst:         int(envInt("RATE_LIMIT_BURST", 40, &errs)),
		BankProvider:           env("BANK_PROVIDER", "mock"),
		IdentityProvider:       env("IDENTITY_PROVIDER", "jwt"),
		AnomalyProvider:        env("ANOMALY_PROVIDER", "cel"),
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}

	if path := os.Getenv("REMIT_CONFIG"); path != "" {
		if err := c.overlay(path); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// overlay decodes the YAML file at path over c. Durations are written as
// Go duration strings ("15m").
func (c *Config) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func env(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int64, errs *[]string) int64 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: %v", name, err))
		return def
	}
	return n
}

func envFloat(name string, def float64, errs *[]string) float64 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: %v", name, err))
		return def
	}
	return f
}

func envDuration(name string, def time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: %v", name, err))
		return def
	}
	return d
}

// envList splits a comma separated variable, dropping empty items.
func envList(name string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(name), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
