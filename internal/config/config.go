// Package config loads the server configuration from a YAML file with
// environment variable overrides.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/travisim/farmify/internal/errors"
	"github.com/travisim/farmify/internal/models"
	"github.com/travisim/farmify/internal/money"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendMinio    = "minio"
	BackendNATS     = "nats"
	BackendPostgres = "postgres"
)

type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Log            LogConfig            `yaml:"log"`
	Database       DatabaseConfig       `yaml:"database"`
	Auth           AuthConfig           `yaml:"auth"`
	Platform       PlatformConfig       `yaml:"platform"`
	Timeouts       TimeoutsConfig       `yaml:"timeouts"`
	Distribution   DistributionConfig   `yaml:"distribution"`
	Lock           LockConfig           `yaml:"lock"`
	DocumentStore  DocumentStoreConfig  `yaml:"document_store"`
	AuditLedger    AuditLedgerConfig    `yaml:"audit_ledger"`
	TransferLedger TransferLedgerConfig `yaml:"transfer_ledger"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type AuthConfig struct {
	JWTSecret      string         `yaml:"jwt_secret"`
	TokenTTLHours  int            `yaml:"token_ttl_hours"`
	BootstrapAdmin BootstrapAdmin `yaml:"bootstrap_admin"`
}

// BootstrapAdmin is created at startup when no user with the email exists.
type BootstrapAdmin struct {
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
	Identity string `yaml:"identity"`
}

type PlatformConfig struct {
	Identity string         `yaml:"identity"`
	FeeMode  models.FeeMode `yaml:"fee_mode"`
	Asset    string         `yaml:"asset"`

	// Defaults applied to projects registered without explicit terms.
	DefaultFeePercentage           string `yaml:"default_fee_percentage"`
	DefaultOperatorSharePercentage string `yaml:"default_operator_share_percentage"`
}

type TimeoutsConfig struct {
	DocumentStoreSeconds int `yaml:"document_store_seconds"`
	AuditLedgerSeconds   int `yaml:"audit_ledger_seconds"`
	TransferSeconds      int `yaml:"transfer_seconds"`
}

type DistributionConfig struct {
	Parallelism int `yaml:"parallelism"`
}

type LockConfig struct {
	Backend    string      `yaml:"backend"`
	TTLSeconds int         `yaml:"ttl_seconds"`
	Redis      RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type DocumentStoreConfig struct {
	Backend        string      `yaml:"backend"`
	MaxObjectBytes int64       `yaml:"max_object_bytes"`
	Minio          MinioConfig `yaml:"minio"`
}

type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type AuditLedgerConfig struct {
	Backend         string `yaml:"backend"`
	MaxPayloadBytes int    `yaml:"max_payload_bytes"`

	// Signers maps a ledger identity to a hex encoded ed25519 seed.
	Signers map[string]string `yaml:"signers"`
	// SignerSecret, when set, derives a seed for identities missing from
	// Signers. Meant for development setups only.
	SignerSecret string `yaml:"signer_secret"`

	NATS NATSConfig `yaml:"nats"`
}

type NATSConfig struct {
	URL     string `yaml:"url"`
	Stream  string `yaml:"stream"`
	Subject string `yaml:"subject"`
}

type TransferLedgerConfig struct {
	Backend  string          `yaml:"backend"`
	Postgres PostgresConfig  `yaml:"postgres"`
	Accounts []AccountConfig `yaml:"accounts"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// AccountConfig provisions a ledger account at startup.
type AccountConfig struct {
	Identity string `yaml:"identity"`
	Asset    string `yaml:"asset"`
	Balance  string `yaml:"balance"`
}

// Default returns a configuration that runs fully in-process.
func Default() Config {
	cfg := Config{}
	cfg.Server.Port = 8080
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.Database.Path = "./data/farmify.db"
	cfg.Auth.TokenTTLHours = 24
	cfg.Platform.Identity = "platform"
	cfg.Platform.FeeMode = models.FeeModeRetained
	cfg.Platform.Asset = "USD"
	cfg.Platform.DefaultFeePercentage = "0.2"
	cfg.Platform.DefaultOperatorSharePercentage = "0.4"
	cfg.Timeouts.DocumentStoreSeconds = 30
	cfg.Timeouts.AuditLedgerSeconds = 15
	cfg.Timeouts.TransferSeconds = 20
	cfg.Distribution.Parallelism = 1
	cfg.Lock.Backend = BackendMemory
	cfg.Lock.TTLSeconds = 120
	cfg.Lock.Redis.Addr = "localhost:6379"
	cfg.Lock.Redis.KeyPrefix = "farmify:lock:"
	cfg.DocumentStore.Backend = BackendMemory
	cfg.DocumentStore.MaxObjectBytes = 32 << 20
	cfg.DocumentStore.Minio.Endpoint = "localhost:9000"
	cfg.DocumentStore.Minio.Bucket = "farmify-evidence"
	cfg.AuditLedger.Backend = BackendMemory
	cfg.AuditLedger.MaxPayloadBytes = 4096
	cfg.AuditLedger.NATS.URL = "nats://localhost:4222"
	cfg.AuditLedger.NATS.Stream = "FARMIFY_AUDIT"
	cfg.AuditLedger.NATS.Subject = "farmify.audit"
	cfg.TransferLedger.Backend = BackendMemory
	return cfg
}

// Load reads path over Default and applies environment overrides. A missing
// file is not an error: the defaults and environment are used.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return Config{}, errors.Wrapf(errors.ErrConfiguration, "parse %s: %v", path, err)
			}
		case !os.IsNotExist(err):
			return Config{}, err
		}
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func Write(path string, cfg Config) error {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnvInt("PORT", c.Server.Port)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
	c.Database.Path = getEnv("DB_PATH", c.Database.Path)
	c.Auth.JWTSecret = getEnv("JWT_SECRET", c.Auth.JWTSecret)
	c.Platform.Identity = getEnv("PLATFORM_IDENTITY", c.Platform.Identity)
	c.Platform.FeeMode = models.FeeMode(getEnv("PLATFORM_FEE_MODE", string(c.Platform.FeeMode)))
	c.Lock.Backend = getEnv("LOCK_BACKEND", c.Lock.Backend)
	c.Lock.Redis.Addr = getEnv("REDIS_ADDR", c.Lock.Redis.Addr)
	c.Lock.Redis.Password = getEnv("REDIS_PASSWORD", c.Lock.Redis.Password)
	c.DocumentStore.Backend = getEnv("DOCUMENT_STORE_BACKEND", c.DocumentStore.Backend)
	c.DocumentStore.Minio.Endpoint = getEnv("MINIO_ENDPOINT", c.DocumentStore.Minio.Endpoint)
	c.DocumentStore.Minio.AccessKey = getEnv("MINIO_ACCESS_KEY", c.DocumentStore.Minio.AccessKey)
	c.DocumentStore.Minio.SecretKey = getEnv("MINIO_SECRET_KEY", c.DocumentStore.Minio.SecretKey)
	c.AuditLedger.Backend = getEnv("AUDIT_LEDGER_BACKEND", c.AuditLedger.Backend)
	c.AuditLedger.NATS.URL = getEnv("NATS_URL", c.AuditLedger.NATS.URL)
	c.AuditLedger.SignerSecret = getEnv("AUDIT_SIGNER_SECRET", c.AuditLedger.SignerSecret)
	c.TransferLedger.Backend = getEnv("TRANSFER_LEDGER_BACKEND", c.TransferLedger.Backend)
	c.TransferLedger.Postgres.DSN = getEnv("POSTGRES_DSN", c.TransferLedger.Postgres.DSN)
}

// Validate reports the first configuration error found.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Wrapf(errors.ErrConfiguration, "server.port %d out of range", c.Server.Port)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return errors.Wrapf(errors.ErrConfiguration, "log.format %q: want text or json", c.Log.Format)
	}
	if c.Platform.Identity == "" {
		return errors.Wrap(errors.ErrConfiguration, "platform.identity is required")
	}
	if !c.Platform.FeeMode.Valid() {
		return errors.Wrapf(errors.ErrConfiguration, "platform.fee_mode %q: want transfer or retained", c.Platform.FeeMode)
	}
	if !money.IsAssetCode(c.Platform.Asset) {
		return errors.Wrapf(errors.ErrConfiguration, "platform.asset %q", c.Platform.Asset)
	}
	if _, _, err := c.Platform.DefaultTerms(); err != nil {
		return err
	}
	if c.Distribution.Parallelism < 1 {
		return errors.Wrapf(errors.ErrConfiguration, "distribution.parallelism %d must be at least 1", c.Distribution.Parallelism)
	}
	if c.Timeouts.DocumentStoreSeconds <= 0 || c.Timeouts.AuditLedgerSeconds <= 0 || c.Timeouts.TransferSeconds <= 0 {
		return errors.Wrap(errors.ErrConfiguration, "timeouts must be positive")
	}
	if c.AuditLedger.MaxPayloadBytes <= 0 {
		return errors.Wrap(errors.ErrConfiguration, "audit_ledger.max_payload_bytes must be positive")
	}

	if err := oneOf("lock.backend", c.Lock.Backend, BackendMemory, BackendRedis); err != nil {
		return err
	}
	if err := oneOf("document_store.backend", c.DocumentStore.Backend, BackendMemory, BackendMinio); err != nil {
		return err
	}
	if err := oneOf("audit_ledger.backend", c.AuditLedger.Backend, BackendMemory, BackendNATS); err != nil {
		return err
	}
	if err := oneOf("transfer_ledger.backend", c.TransferLedger.Backend, BackendMemory, BackendPostgres); err != nil {
		return err
	}
	if c.TransferLedger.Backend == BackendPostgres && c.TransferLedger.Postgres.DSN == "" {
		return errors.Wrap(errors.ErrConfiguration, "transfer_ledger.postgres.dsn is required")
	}
	if c.DocumentStore.Backend == BackendMinio && c.DocumentStore.Minio.Bucket == "" {
		return errors.Wrap(errors.ErrConfiguration, "document_store.minio.bucket is required")
	}

	for _, a := range c.TransferLedger.Accounts {
		if a.Identity == "" || !money.IsAssetCode(a.Asset) {
			return errors.Wrapf(errors.ErrConfiguration, "transfer_ledger account %q/%q", a.Identity, a.Asset)
		}
		if a.Balance != "" {
			if _, err := decimal.NewFromString(a.Balance); err != nil {
				return errors.Wrapf(errors.ErrConfiguration, "transfer_ledger account %s balance %q", a.Identity, a.Balance)
			}
		}
	}
	return nil
}

// DefaultTerms parses the default fee and operator share percentages.
func (p PlatformConfig) DefaultTerms() (fee, operatorShare decimal.Decimal, err error) {
	if fee, err = decimal.NewFromString(p.DefaultFeePercentage); err != nil {
		return fee, operatorShare, errors.Wrapf(errors.ErrConfiguration, "platform.default_fee_percentage %q", p.DefaultFeePercentage)
	}
	if operatorShare, err = decimal.NewFromString(p.DefaultOperatorSharePercentage); err != nil {
		return fee, operatorShare, errors.Wrapf(errors.ErrConfiguration, "platform.default_operator_share_percentage %q", p.DefaultOperatorSharePercentage)
	}
	return fee, operatorShare, nil
}

func (t TimeoutsConfig) DocumentStore() time.Duration {
	return time.Duration(t.DocumentStoreSeconds) * time.Second
}

func (t TimeoutsConfig) AuditLedger() time.Duration {
	return time.Duration(t.AuditLedgerSeconds) * time.Second
}

func (t TimeoutsConfig) Transfer() time.Duration {
	return time.Duration(t.TransferSeconds) * time.Second
}

func (l LockConfig) TTL() time.Duration {
	return time.Duration(l.TTLSeconds) * time.Second
}

func (a AuthConfig) TokenTTL() time.Duration {
	return time.Duration(a.TokenTTLHours) * time.Hour
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return errors.Wrapf(errors.ErrConfiguration, "%s %q: want one of %v", field, value, allowed)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}
