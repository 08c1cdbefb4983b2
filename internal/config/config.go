package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"marketsteps/internal/idempotency"
	"marketsteps/internal/networks"
)

// FileConfig models config.yaml.
type FileConfig struct {
	ChainID  uint64             `yaml:"chainId"`
	Networks []networks.Network `yaml:"networks"`
	Service  struct {
		HTTPPort              int    `yaml:"httpPort"`
		HMACSecret            string `yaml:"hmacSecret"`
		HMACClockSkewSecs     int    `yaml:"hmacClockSkewSeconds"`
		IdempotencyWindowSecs int    `yaml:"idempotencyWindowSeconds"`
		IdempotencyBackend    string `yaml:"idempotencyBackend"`
		IdempotencyPath       string `yaml:"idempotencyPath"`
		PostgresDSN           string `yaml:"postgresDsn"`
		RedisAddr             string `yaml:"redisAddr"`
		RedisPassword         string `yaml:"redisPassword"`
		RedisDB               int    `yaml:"redisDb"`
		PendingDir            string `yaml:"pendingDir"`
	} `yaml:"service"`
	Marketplace struct {
		BaseURL       string  `yaml:"baseUrl"`
		AccessKey     string  `yaml:"accessKey"`
		TimeoutMs     int     `yaml:"timeoutMs"`
		RatePerSecond float64 `yaml:"ratePerSecond"`
		Burst         int     `yaml:"burst"`
	} `yaml:"marketplace"`
	Wallet struct {
		PrivateKey    string `yaml:"privateKey"`
		RPCURL        string `yaml:"rpcUrl"`
		DisableSwitch bool   `yaml:"disableSwitch"`
	} `yaml:"wallet"`
	Confirmation struct {
		TimeoutMs      int    `yaml:"timeoutMs"`
		PollIntervalMs int    `yaml:"pollIntervalMs"`
		IndexerURL     string `yaml:"indexerUrl"`
		WaitForFinal   *bool  `yaml:"waitForFinal"`
	} `yaml:"confirmation"`
	PostNotify struct {
		HMACSecret    string  `yaml:"hmacSecret"`
		TimeoutMs     int     `yaml:"timeoutMs"`
		RatePerSecond float64 `yaml:"ratePerSecond"`
		Burst         int     `yaml:"burst"`
	} `yaml:"postNotify"`
	Retry struct {
		MaxAttempts       int `yaml:"maxAttempts"`
		InitialBackoffMs  int `yaml:"initialBackoffMs"`
		MaxBackoffMs      int `yaml:"maxBackoffMs"`
		BackoffMultiplier int `yaml:"backoffMultiplier"`
	} `yaml:"retry"`
	Logging struct {
		Enabled *bool  `yaml:"enabled"`
		Level   string `yaml:"level"`
		Format  string `yaml:"format"`
	} `yaml:"logging"`
}

// AppConfig is the resolved configuration: file values, then env overrides,
// then defaults.
type AppConfig struct {
	ChainID      uint64
	Networks     *networks.Table
	Service      ServiceConfig
	Marketplace  MarketplaceConfig
	Wallet       WalletConfig
	Confirmation ConfirmationConfig
	PostNotify   PostNotifyConfig
	Retry        RetryConfig
	Logging      LoggingConfig
}

type ServiceConfig struct {
	HTTPPort           int
	HMACSecret         string
	HMACClockSkew      time.Duration
	IdempotencyWindow  time.Duration
	IdempotencyBackend string
	IdempotencyPath    string
	PostgresDSN        string
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	PendingDir         string
}

// StoreOptions selects the idempotency backend described by the service section.
func (s ServiceConfig) StoreOptions() idempotency.Options {
	return idempotency.Options{
		Backend:       s.IdempotencyBackend,
		Path:          s.IdempotencyPath,
		PostgresDSN:   s.PostgresDSN,
		RedisAddr:     s.RedisAddr,
		RedisPassword: s.RedisPassword,
		RedisDB:       s.RedisDB,
	}
}

type MarketplaceConfig struct {
	BaseURL       string
	AccessKey     string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
}

type WalletConfig struct {
	PrivateKey    string
	RPCURL        string
	DisableSwitch bool
}

type ConfirmationConfig struct {
	Timeout      time.Duration
	PollInterval time.Duration
	IndexerURL   string
	WaitForFinal bool
}

type PostNotifyConfig struct {
	HMACSecret    string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
}

type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

type LoggingConfig struct {
	Enabled bool
	Level   string
	Format  string
}

const (
	defaultConfigPath = "config.yaml"
	defaultEnvPath    = ".env"
)

// Load reads .env (if present), the YAML file at MARKETSTEPS_CONFIG and then
// applies environment overrides.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(envOr("MARKETSTEPS_ENV_FILE", defaultEnvPath)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	file, err := loadFile(envOr("MARKETSTEPS_CONFIG", defaultConfigPath))
	if err != nil {
		return nil, fmt.Errorf("load config file: %w", err)
	}
	return Resolve(file)
}

func loadFile(path string) (*FileConfig, error) {
	var cfg FileConfig
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// Resolve applies env overrides and defaults to file and validates the result.
func Resolve(file *FileConfig) (*AppConfig, error) {
	nets := file.Networks
	if url := envOr("CHAIN_RPC_URL", ""); url != "" && len(nets) == 1 {
		nets[0].RPCURL = url
	}
	table, err := networks.NewTable(nets...)
	if err != nil {
		return nil, fmt.Errorf("networks: %w", err)
	}

	chainID := uint64(envOrInt("CHAIN_ID", int(file.ChainID)))
	if chainID == 0 && len(nets) == 1 {
		chainID = nets[0].ChainID
	}

	svc := ServiceConfig{
		HTTPPort:           envOrInt("API_HTTP_PORT", intOr(file.Service.HTTPPort, 3000)),
		HMACSecret:         envOr("API_HMAC_SECRET", file.Service.HMACSecret),
		HMACClockSkew:      seconds(envOrInt("HMAC_CLOCK_SKEW_SECONDS", intOr(file.Service.HMACClockSkewSecs, 60))),
		IdempotencyWindow:  seconds(envOrInt("IDEMPOTENCY_WINDOW_SECONDS", intOr(file.Service.IdempotencyWindowSecs, 86400))),
		IdempotencyBackend: envOr("IDEMPOTENCY_BACKEND", strOr(file.Service.IdempotencyBackend, "file")),
		IdempotencyPath:    envOr("IDEMPOTENCY_STORE_PATH", strOr(file.Service.IdempotencyPath, filepath.Join(os.TempDir(), "marketsteps-idem.json"))),
		PostgresDSN:        envOr("POSTGRES_DSN", file.Service.PostgresDSN),
		RedisAddr:          envOr("REDIS_ADDR", file.Service.RedisAddr),
		RedisPassword:      envOr("REDIS_PASSWORD", file.Service.RedisPassword),
		RedisDB:            envOrInt("REDIS_DB", file.Service.RedisDB),
		PendingDir:         envOr("PENDING_DIR", strOr(file.Service.PendingDir, filepath.Join(os.TempDir(), "marketsteps-pending"))),
	}

	mkt := MarketplaceConfig{
		BaseURL:       envOr("MARKETPLACE_URL", file.Marketplace.BaseURL),
		AccessKey:     envOr("MARKETPLACE_ACCESS_KEY", file.Marketplace.AccessKey),
		Timeout:       millis(envOrInt("MARKETPLACE_TIMEOUT_MS", intOr(file.Marketplace.TimeoutMs, 30000))),
		RatePerSecond: file.Marketplace.RatePerSecond,
		Burst:         file.Marketplace.Burst,
	}

	w := WalletConfig{
		PrivateKey:    envOr("WALLET_PRIVATE_KEY", file.Wallet.PrivateKey),
		RPCURL:        envOr("WALLET_RPC_URL", file.Wallet.RPCURL),
		DisableSwitch: envOrBool("WALLET_DISABLE_SWITCH", file.Wallet.DisableSwitch),
	}

	conf := ConfirmationConfig{
		Timeout:      millis(envOrInt("CONFIRMATION_TIMEOUT_MS", intOr(file.Confirmation.TimeoutMs, 180000))),
		PollInterval: millis(envOrInt("CONFIRMATION_POLL_MS", intOr(file.Confirmation.PollIntervalMs, 2000))),
		IndexerURL:   envOr("INDEXER_URL", file.Confirmation.IndexerURL),
		WaitForFinal: envOrBool("WAIT_FOR_FINAL", boolOr(file.Confirmation.WaitForFinal, true)),
	}

	post := PostNotifyConfig{
		HMACSecret:    envOr("POST_HMAC_SECRET", file.PostNotify.HMACSecret),
		Timeout:       millis(envOrInt("POST_TIMEOUT_MS", intOr(file.PostNotify.TimeoutMs, 15000))),
		RatePerSecond: file.PostNotify.RatePerSecond,
		Burst:         file.PostNotify.Burst,
	}

	retry := RetryConfig{
		MaxAttempts:       envOrInt("GENERATE_MAX_ATTEMPTS", intOr(file.Retry.MaxAttempts, 3)),
		InitialBackoff:    millis(intOr(file.Retry.InitialBackoffMs, 500)),
		MaxBackoff:        millis(intOr(file.Retry.MaxBackoffMs, 5000)),
		BackoffMultiplier: intOr(file.Retry.BackoffMultiplier, 2),
	}

	logCfg := LoggingConfig{
		Enabled: envOrBool("LOG_ENABLED", boolOr(file.Logging.Enabled, true)),
		Level:   envOr("LOG_LEVEL", strOr(file.Logging.Level, "info")),
		Format:  envOr("LOG_FORMAT", strOr(file.Logging.Format, "json")),
	}

	cfg := &AppConfig{
		ChainID:      chainID,
		Networks:     table,
		Service:      svc,
		Marketplace:  mkt,
		Wallet:       w,
		Confirmation: conf,
		PostNotify:   post,
		Retry:        retry,
		Logging:      logCfg,
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) validate() error {
	var problems []string
	if len(c.Networks.ChainIDs()) == 0 {
		problems = append(problems, "at least one network is required")
	} else if !c.Networks.Has(c.ChainID) {
		problems = append(problems, fmt.Sprintf("chainId %d is not in the network table", c.ChainID))
	}
	if c.Marketplace.BaseURL == "" {
		problems = append(problems, "marketplace.baseUrl is required")
	}
	if c.Wallet.PrivateKey == "" && c.Wallet.RPCURL == "" {
		problems = append(problems, "wallet.privateKey or wallet.rpcUrl is required")
	}
	if c.Retry.MaxAttempts < 1 {
		problems = append(problems, "retry.maxAttempts must be at least 1")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
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

func envOrBool(key string, fallback bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}

func intOr(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

func strOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }
