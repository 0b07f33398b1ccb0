package infra

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

var (
	uaMu             sync.RWMutex
	currentUserAgent = GetPlatformUserAgent()
)

// GetUserAgent returns the current User-Agent string. (Thread-safe)
func GetUserAgent() string {
	uaMu.RLock()
	defer uaMu.RUnlock()
	return currentUserAgent
}

// SetUserAgent replaces the User-Agent sent on REST and WebSocket requests. (Thread-safe)
func SetUserAgent(ua string) {
	uaMu.Lock()
	defer uaMu.Unlock()
	currentUserAgent = ua
}

// GetPlatformUserAgent identifies the client and the OS it runs on.
func GetPlatformUserAgent() string {
	return fmt.Sprintf("%s/%s (%s; %s)", AppName, Version, runtime.GOOS, runtime.GOARCH)
}

// Cache backends accepted by CacheConfig.Backend.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// CoinMarketCapConfig configures the snapshot provider.
type CoinMarketCapConfig struct {
	RestURL           string  `yaml:"rest_url"`
	APIKey            string  `yaml:"api_key"`
	PageSize          int     `yaml:"page_size"`
	TimeoutSec        int     `yaml:"timeout_sec"`
	MaxRetries        int     `yaml:"max_retries"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// CoinCapConfig configures the price stream.
type CoinCapConfig struct {
	WSURL string `yaml:"ws_url"`
}

// StreamConfig tunes the reconnecting WebSocket worker.
type StreamConfig struct {
	ReconnectBaseMS int `yaml:"reconnect_base_ms"`
	ReconnectMaxMS  int `yaml:"reconnect_max_ms"`
	MaxAttempts     int `yaml:"max_attempts"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	PingIntervalSec int `yaml:"ping_interval_sec"`
}

// BackoffPolicy converts the stream settings into a reconnect policy.
func (s StreamConfig) BackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:        time.Duration(s.ReconnectBaseMS) * time.Millisecond,
		Max:         time.Duration(s.ReconnectMaxMS) * time.Millisecond,
		MaxAttempts: s.MaxAttempts,
	}
}

// RedisConfig locates the Redis server for the redis cache backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// CacheConfig configures the persisted snapshot.
type CacheConfig struct {
	Backend    string      `yaml:"backend"`
	TTLSec     int         `yaml:"ttl_sec"`
	SQLitePath string      `yaml:"sqlite_path"` // empty: <workspace>/data/cache.db
	Redis      RedisConfig `yaml:"redis"`
}

// TTL returns the snapshot freshness window.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSec) * time.Second
}

// Config holds every application setting.
// LoadConfig overlays environment variables on top of the file.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	API struct {
		CoinMarketCap CoinMarketCapConfig `yaml:"coinmarketcap"`
		CoinCap       CoinCapConfig       `yaml:"coincap"`
	} `yaml:"api"`

	Stream StreamConfig `yaml:"stream"`
	Cache  CacheConfig  `yaml:"cache"`

	Server struct {
		Addr        string   `yaml:"addr"`
		CORSOrigins []string `yaml:"cors_origins"`
	} `yaml:"server"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // text | json
	} `yaml:"logging"`

	Features struct {
		EnableWebSocket bool `yaml:"enable_websocket"`
		EnableCMC       bool `yaml:"enable_cmc"`
	} `yaml:"features"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	var cfg Config

	cfg.App.Name = AppName
	cfg.App.Version = Version

	cfg.API.CoinMarketCap = CoinMarketCapConfig{
		RestURL:           "https://pro-api.coinmarketcap.com/v1",
		PageSize:          50,
		TimeoutSec:        10,
		MaxRetries:        2,
		RequestsPerSecond: 0.5,
		Burst:             3,
	}
	cfg.API.CoinCap.WSURL = "wss://ws.coincap.io/prices?assets=ALL"

	cfg.Stream = StreamConfig{
		ReconnectBaseMS: int(baseDelay / time.Millisecond),
		ReconnectMaxMS:  int(maxDelay / time.Millisecond),
		MaxAttempts:     maxAttempts,
		ReadTimeoutSec:  60,
		PingIntervalSec: 30,
	}

	cfg.Cache = CacheConfig{
		Backend: BackendSQLite,
		TTLSec:  300,
		Redis:   RedisConfig{Addr: "localhost:6379"},
	}

	cfg.Server.Addr = ":8080"
	cfg.Server.CORSOrigins = []string{"*"}
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	cfg.Features.EnableWebSocket = true
	cfg.Features.EnableCMC = true

	return &cfg
}

// LoadConfig reads the YAML file at path over DefaultConfig, applies
// environment overrides and validates the result. A missing file is not an
// error: defaults plus environment are used.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if cfg.API.CoinMarketCap.APIKey != "" || cfg.Cache.Redis.Password != "" {
			printSecretWarning()
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, err
	}

	if err := overrideWithEnv(context.Background(), cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	cmc := c.API.CoinMarketCap
	if !hasScheme(cmc.RestURL, "http://", "https://") {
		return fmt.Errorf("invalid CoinMarketCap REST URL: %q", cmc.RestURL)
	}
	if cmc.PageSize <= 0 {
		return fmt.Errorf("page size must be positive, got %d", cmc.PageSize)
	}
	if cmc.TimeoutSec <= 0 {
		return fmt.Errorf("request timeout must be positive, got %d", cmc.TimeoutSec)
	}
	if cmc.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", cmc.MaxRetries)
	}
	if cmc.RequestsPerSecond <= 0 || cmc.Burst <= 0 {
		return fmt.Errorf("rate limit must be positive (rps=%v burst=%d)", cmc.RequestsPerSecond, cmc.Burst)
	}

	if !hasScheme(c.API.CoinCap.WSURL, "ws://", "wss://") {
		return fmt.Errorf("invalid CoinCap WS URL: %q", c.API.CoinCap.WSURL)
	}

	if c.Stream.ReconnectBaseMS <= 0 || c.Stream.ReconnectMaxMS < c.Stream.ReconnectBaseMS {
		return fmt.Errorf("reconnect delays must satisfy 0 < base <= max (base=%d max=%d)",
			c.Stream.ReconnectBaseMS, c.Stream.ReconnectMaxMS)
	}

	switch c.Cache.Backend {
	case BackendSQLite, BackendMemory:
	case BackendRedis:
		if c.Cache.Redis.Addr == "" {
			return fmt.Errorf("redis cache backend requires cache.redis.addr")
		}
	default:
		return fmt.Errorf("unknown cache backend: %q", c.Cache.Backend)
	}
	if c.Cache.TTLSec <= 0 {
		return fmt.Errorf("cache ttl must be positive, got %d", c.Cache.TTLSec)
	}

	if _, err := ParseLogLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format: %q", c.Logging.Format)
	}

	return nil
}

func hasScheme(s string, schemes ...string) bool {
	for _, p := range schemes {
		if strings.HasPrefix(s, p) && len(s) > len(p) {
			return true
		}
	}
	return false
}

// envOverrides lists every variable that may replace a file value.
// Unset variables leave the file value untouched.
type envOverrides struct {
	CMCAPIKey     string `env:"CRYPTO_CMC_API_KEY"`
	CMCRestURL    string `env:"CRYPTO_CMC_REST_URL"`
	WSURL         string `env:"CRYPTO_WS_URL"`
	CacheBackend  string `env:"CRYPTO_CACHE_BACKEND"`
	RedisAddr     string `env:"CRYPTO_REDIS_ADDR"`
	RedisPassword string `env:"CRYPTO_REDIS_PASSWORD"`
	LogLevel      string `env:"CRYPTO_LOG_LEVEL"`
	ServerAddr    string `env:"CRYPTO_SERVER_ADDR"`
}

// overrideWithEnv applies environment variables over the file values.
// Environment always wins so secrets never have to live in the file.
func overrideWithEnv(ctx context.Context, cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process(ctx, &env); err != nil {
		return fmt.Errorf("failed to process environment: %w", err)
	}

	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.API.CoinMarketCap.APIKey, env.CMCAPIKey)
	set(&cfg.API.CoinMarketCap.RestURL, env.CMCRestURL)
	set(&cfg.API.CoinCap.WSURL, env.WSURL)
	set(&cfg.Cache.Backend, env.CacheBackend)
	set(&cfg.Cache.Redis.Addr, env.RedisAddr)
	set(&cfg.Cache.Redis.Password, env.RedisPassword)
	set(&cfg.Logging.Level, env.LogLevel)
	set(&cfg.Server.Addr, env.ServerAddr)

	return nil
}

func printSecretWarning() {
	// stderr, the logger is not built yet
	fmt.Fprintln(os.Stderr, "⚠️  SECURITY WARNING: secrets found in config file.")
	fmt.Fprintln(os.Stderr, "   Recommendation: Use environment variables instead:")
	fmt.Fprintln(os.Stderr, "   - CRYPTO_CMC_API_KEY, CRYPTO_REDIS_PASSWORD")
}
