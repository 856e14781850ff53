// Package config loads wallet-engine and relay configuration from a YAML
// file overlay and environment variables, following the service layer's
// envdecode + godotenv + yaml loading convention.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/near-examples/passkey-wallet-engine/pkg/werrors"
)

// NearConfig describes the NEAR network the wallet engine talks to.
type NearConfig struct {
	RPCURL      string `json:"rpc_url" env:"NEAR_RPC_URL"`
	NetworkID   string `json:"network_id" env:"NETWORK_ID"`
	ContractID  string `json:"contract_id" env:"WEBAUTHN_CONTRACT_ID"`
	ExplorerURL string `json:"explorer_url" env:"NEAR_EXPLORER_URL"`
}

// RelayerConfig describes the server-held relayer key used for account
// creation and atomic registration.
type RelayerConfig struct {
	AccountID            string `json:"account_id" env:"RELAYER_ACCOUNT_ID"`
	PrivateKey           string `json:"private_key" env:"RELAYER_PRIVATE_KEY"`
	InitialBalance       string `json:"initial_balance" env:"ACCOUNT_INITIAL_BALANCE"`
	CreateAndRegisterGas uint64 `json:"create_and_register_gas" env:"CREATE_ACCOUNT_AND_REGISTER_GAS"`
}

// ShamirConfig holds the server-side Shamir 3-pass parameters. Both
// SHAMIR_P_B64U-style env names and the canonical snake_case JSON names are
// accepted at the boundary (see ResolveShamirField), per spec.md §9.
type ShamirConfig struct {
	PB64U  string `json:"shamir_p_b64u" env:"SHAMIR_P_B64U"`
	EsB64U string `json:"shamir_e_s_b64u" env:"SHAMIR_E_S_B64U"`
	DsB64U string `json:"shamir_d_s_b64u" env:"SHAMIR_D_S_B64U"`
}

// SessionConfig controls JWT/cookie session issuance.
type SessionConfig struct {
	JWTSecret    string        `json:"jwt_secret" env:"SESSION_JWT_SECRET"`
	Issuer       string        `json:"issuer" env:"SESSION_ISSUER"`
	Audience     string        `json:"audience" env:"SESSION_AUDIENCE"`
	TTL          time.Duration `json:"ttl" env:"SESSION_TTL"`
	CookieDomain string        `json:"cookie_domain" env:"SESSION_COOKIE_DOMAIN"`
	SameSiteNone bool          `json:"cookie_samesite_none" env:"SESSION_COOKIE_SAMESITE_NONE"`
}

// WalletEngineConfig controls cmd/walletengine's bridge surface: the
// relying-party id it binds WebAuthn ceremonies to, and the relay
// orchestrator it submits registrations through.
type WalletEngineConfig struct {
	RPID     string `json:"rp_id" env:"WALLET_RP_ID"`
	RelayURL string `json:"relay_url" env:"WALLET_RELAY_URL"`
	WSAddr   string `json:"ws_addr" env:"WALLET_WS_ADDR"`
}

// CORSConfig controls the relay HTTP surface's CORS behavior.
type CORSConfig struct {
	AllowedOrigins []string `json:"allowed_origins"`
	AllowedCSV     string   `json:"-" env:"CORS_ALLOWED_ORIGINS"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level  string `json:"level" env:"LOG_LEVEL"`
	Format string `json:"format" env:"LOG_FORMAT"`
}

// ServerConfig controls the relay HTTP listener.
type ServerConfig struct {
	Host string `json:"host" env:"SERVER_HOST"`
	Port int    `json:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls the relay orchestrator's durable job ledger.
type DatabaseConfig struct {
	DSN            string `json:"dsn" env:"DATABASE_URL"`
	MigrateOnStart bool   `json:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// Config is the top-level relay/wallet-engine configuration structure.
type Config struct {
	Environment  string             `json:"environment" env:"RELAY_ENV"`
	Server       ServerConfig       `json:"server"`
	Database     DatabaseConfig     `json:"database"`
	Logging      LoggingConfig      `json:"logging"`
	Near         NearConfig         `json:"near"`
	Relayer      RelayerConfig      `json:"relayer"`
	Shamir       ShamirConfig       `json:"shamir"`
	Session      SessionConfig      `json:"session"`
	CORS         CORSConfig         `json:"cors"`
	WalletEngine WalletEngineConfig `json:"wallet_engine"`

	ExpectedOrigin       string `json:"expected_origin" env:"EXPECTED_ORIGIN"`
	ExpectedWalletOrigin string `json:"expected_wallet_origin" env:"EXPECTED_WALLET_ORIGIN"`
	EnableRotation       bool   `json:"enable_rotation" env:"ENABLE_ROTATION"`
	RotationCron         string `json:"rotation_cron" env:"SHAMIR_ROTATION_CRON"`
}

// New returns a Config populated with spec.md §6.2's documented defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Near: NearConfig{
			NetworkID: "testnet",
		},
		Relayer: RelayerConfig{
			InitialBalance:       "40000000000000000000000", // 0.04 NEAR
			CreateAndRegisterGas: 85_000_000_000_000,         // 85 TGas
		},
		Session: SessionConfig{
			Issuer:   "passkey-wallet-engine",
			Audience: "near-wallet",
			TTL:      24 * time.Hour,
		},
		Database: DatabaseConfig{MigrateOnStart: true},
		WalletEngine: WalletEngineConfig{
			WSAddr: ":8090",
		},
	}
}

// Load loads configuration from .env, an optional YAML file, and then
// environment variable overrides (highest precedence), mirroring the
// teacher's pkg/config.Load layering.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		path = "configs/config.yaml"
	}
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, werrors.Wrap(werrors.ConfigError, "decode environment", err)
		}
	}

	cfg.CORS.AllowedOrigins = splitCSV(cfg.CORS.AllowedCSV)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return werrors.Wrap(werrors.ConfigError, "resolve config path", err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return werrors.Wrap(werrors.ConfigError, "read config file", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return werrors.Wrap(werrors.ConfigError, "parse config file", err)
	}
	return nil
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

const demoSecret = "demo-secret"

// Validate enforces spec.md §6.2/§9's boot-time checks: the relayer key
// must be ed25519-prefixed when present, and a production environment must
// never run with the literal demo JWT secret.
func (c *Config) Validate() error {
	if c.Relayer.PrivateKey != "" && !strings.HasPrefix(c.Relayer.PrivateKey, "ed25519:") {
		return werrors.New(werrors.ConfigError, "RELAYER_PRIVATE_KEY must begin with \"ed25519:\"")
	}
	if c.IsProduction() && c.Session.JWTSecret == demoSecret {
		return werrors.New(werrors.ConfigError, "refusing to boot in production with the default demo JWT secret")
	}
	if c.IsProduction() && c.Session.JWTSecret == "" {
		return werrors.New(werrors.ConfigError, "SESSION_JWT_SECRET is required in production")
	}
	return nil
}

// IsProduction reports whether RELAY_ENV names a production deployment.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}
