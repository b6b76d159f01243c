package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// SeedConfig models the subset of values we need from seed.json.
type SeedConfig struct {
	Chain struct {
		ChainID int64  `json:"chainId"`
		RPCURL  string `json:"rpcUrl"`
	} `json:"chain"`
	Secrets struct {
		OTPPepper        string `json:"otpPepper"`
		QRPepper         string `json:"qrPepper"`
		GPSPepper        string `json:"gpsPepper"`
		BuyerAPISecret   string `json:"buyerApiSecret"`
		CourierAPISecret string `json:"courierApiSecret"`
	} `json:"secrets"`
	Geofence struct {
		RadiusMeters     float64 `json:"radiusMeters"`
		MaxFixAgeSeconds int     `json:"maxFixAgeSeconds"`
	} `json:"geofence"`
	Credential struct {
		TTLSeconds       int `json:"ttlSeconds"`
		MaxAttempts      int `json:"maxAttempts"`
		RateLimitPerHour int `json:"rateLimitPerHour"`
	} `json:"credential"`
	Authorization struct {
		TTLSeconds    int    `json:"ttlSeconds"`
		DomainName    string `json:"domainName"`
		DomainVersion string `json:"domainVersion"`
	} `json:"authorization"`
	Retry struct {
		MaxAttempts       int `json:"maxAttempts"`
		InitialBackoffMs  int `json:"initialBackoffMs"`
		MaxBackoffMs      int `json:"maxBackoffMs"`
		BackoffMultiplier int `json:"backoffMultiplier"`
	} `json:"retry"`
	Timeouts struct {
		RPCTimeoutMs          int `json:"rpcTimeoutMs"`
		IdempotencyWindowSecs int `json:"idempotencyWindowSeconds"`
	} `json:"timeouts"`
}

// DeploymentConfig represents deployments.json.
type DeploymentConfig struct {
	ChainID    int64  `json:"chainId"`
	Deployer   string `json:"deployer"`
	AuthSigner string `json:"authSigner"`
	Contracts  struct {
		DeliveryEscrow string `json:"DeliveryEscrow"`
		Stablecoin     string `json:"Stablecoin"`
	} `json:"contracts"`
}

// AppConfig ties together seed + deployment info and derived values.
type AppConfig struct {
	Seed       SeedConfig
	Deployment DeploymentConfig
	Service    ServiceConfig
	Chain      ChainConfig
	Geofence   GeofenceConfig
	Credential CredentialConfig
	Auth       AuthConfig
	Retry      RetryConfig
	Audit      AuditConfig
}

type ServiceConfig struct {
	HTTPPort             int
	HMACClockSkew        time.Duration
	IdempotencyWindow    time.Duration
	IdempotencyStorePath string
	PostgresDSN          string
	RPCTimeout           time.Duration
	Debug                bool
}

type ChainConfig struct {
	RPCURL        string
	OpsPrivateKey string // sends release transactions
	AuthSignerKey string // signs ReleaseAuth payloads
}

type GeofenceConfig struct {
	RadiusMeters float64
	MaxFixAge    time.Duration
}

type CredentialConfig struct {
	TTL              time.Duration
	MaxAttempts      int
	RateLimitPerHour int
}

type AuthConfig struct {
	TTL           time.Duration
	DomainName    string
	DomainVersion string
}

type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

type AuditConfig struct {
	Brokers []string
	Topic   string
}

const (
	defaultSeedPath        = "seed.json"
	defaultDeploymentsPath = "deployments.json"
)

// Load aggregates configuration from disk and environment. A .env file
// is honored when present; explicit env always wins over seed values.
func Load() (*AppConfig, error) {
	_ = godotenv.Load()

	seedPath := envOr("SEED_PATH", defaultSeedPath)
	deploymentsPath := envOr("DEPLOYMENTS_PATH", defaultDeploymentsPath)

	seedCfg, err := loadSeed(seedPath)
	if err != nil {
		return nil, fmt.Errorf("load seed: %w", err)
	}

	deployCfg, err := loadDeployments(deploymentsPath)
	if err != nil {
		return nil, fmt.Errorf("load deployments: %w", err)
	}

	serviceCfg := ServiceConfig{
		HTTPPort:             envOrInt("API_HTTP_PORT", 3000),
		HMACClockSkew:        time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
		IdempotencyWindow:    secondsOr(seedCfg.Timeouts.IdempotencyWindowSecs, 15*time.Minute),
		IdempotencyStorePath: envOr("IDEMPOTENCY_STORE_PATH", filepath.Join(os.TempDir(), "releasegate-idem.json")),
		PostgresDSN:          envOr("POSTGRES_DSN", ""),
		RPCTimeout:           millisOr(seedCfg.Timeouts.RPCTimeoutMs, 5*time.Second),
		Debug:                envOr("LOG_DEBUG", "") != "",
	}

	chainCfg := ChainConfig{
		RPCURL:        envOr("CHAIN_RPC_URL", seedCfg.Chain.RPCURL),
		OpsPrivateKey: envOr("OPS_EOA_PRIVKEY", ""),
		AuthSignerKey: envOr("AUTH_SIGNER_PRIVKEY", envOr("OPS_EOA_PRIVKEY", "")),
	}

	geoCfg := GeofenceConfig{
		RadiusMeters: floatOr(seedCfg.Geofence.RadiusMeters, 75),
		MaxFixAge:    secondsOr(seedCfg.Geofence.MaxFixAgeSeconds, 5*time.Minute),
	}

	credCfg := CredentialConfig{
		TTL:              secondsOr(seedCfg.Credential.TTLSeconds, 10*time.Minute),
		MaxAttempts:      intOr(seedCfg.Credential.MaxAttempts, 5),
		RateLimitPerHour: intOr(seedCfg.Credential.RateLimitPerHour, 10),
	}

	authCfg := AuthConfig{
		TTL:           secondsOr(seedCfg.Authorization.TTLSeconds, 2*time.Minute),
		DomainName:    strOr(seedCfg.Authorization.DomainName, "EscrowOrder"),
		DomainVersion: strOr(seedCfg.Authorization.DomainVersion, "1"),
	}

	retryCfg := RetryConfig{
		MaxAttempts:       intOr(seedCfg.Retry.MaxAttempts, 3),
		InitialBackoff:    millisOr(seedCfg.Retry.InitialBackoffMs, 250*time.Millisecond),
		MaxBackoff:        millisOr(seedCfg.Retry.MaxBackoffMs, 2*time.Second),
		BackoffMultiplier: intOr(seedCfg.Retry.BackoffMultiplier, 2),
	}

	auditCfg := AuditConfig{
		Topic: envOr("AUDIT_KAFKA_TOPIC", "delivery_audit"),
	}
	if brokers := envOr("AUDIT_KAFKA_BROKERS", ""); brokers != "" {
		auditCfg.Brokers = splitCSV(brokers)
	}

	return &AppConfig{
		Seed:       *seedCfg,
		Deployment: *deployCfg,
		Service:    serviceCfg,
		Chain:      chainCfg,
		Geofence:   geoCfg,
		Credential: credCfg,
		Auth:       authCfg,
		Retry:      retryCfg,
		Audit:      auditCfg,
	}, nil
}

func loadSeed(path string) (*SeedConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg SeedConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDeployments(path string) (*DeploymentConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg DeploymentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func intOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func floatOr(v, fallback float64) float64 {
	if v > 0 {
		return v
	}
	return fallback
}

func strOr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func secondsOr(v int, fallback time.Duration) time.Duration {
	if v > 0 {
		return time.Duration(v) * time.Second
	}
	return fallback
}

func millisOr(v int, fallback time.Duration) time.Duration {
	if v > 0 {
		return time.Duration(v) * time.Millisecond
	}
	return fallback
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
