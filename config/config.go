package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full engine configuration, loaded once at startup.
type Config struct {
	FeedConfig     FeedConfig     `json:"feed"`
	PricingConfig  PricingConfig  `json:"pricing"`
	TradingConfig  TradingConfig  `json:"trading"`
	DatabaseConfig DatabaseConfig `json:"database"`
	RedisConfig    RedisConfig    `json:"redis"`
	ServerConfig   ServerConfig   `json:"server"`
	AuthConfig     AuthConfig     `json:"auth"`
	LoggingConfig  LoggingConfig  `json:"logging"`
}

// FeedConfig holds upstream Binance stream configuration
type FeedConfig struct {
	WSBaseURL      string   `json:"ws_base_url"` // e.g. wss://fstream.binance.com
	Symbols        []string `json:"symbols"`
	DepthEnabled   bool     `json:"depth_enabled"`
	PingInterval   time.Duration `json:"ping_interval"`
	PongTimeout    time.Duration `json:"pong_timeout"`
	MaxReconnects  int           `json:"max_reconnects"`  // attempts before cooldown
	ReconnectCooldown time.Duration `json:"reconnect_cooldown"`
}

// PricingConfig holds spread markup and price-gating configuration
type PricingConfig struct {
	DefaultSpreadBps       float64            `json:"default_spread_bps"`
	SymbolSpreads          map[string]float64 `json:"symbol_spreads"` // per-symbol bps overlay
	StaleThresholdMs       int64              `json:"stale_threshold_ms"`
	CircuitBreakerPct      float64            `json:"circuit_breaker_pct"`      // fractional, 0.05 = 5%
	CircuitBreakerResetMs  int64              `json:"circuit_breaker_reset_ms"`
}

// TradingConfig holds execution-side constants
type TradingConfig struct {
	MaintenanceMarginPct float64 `json:"maintenance_margin_pct"` // 0.005
	EntryFeePct          float64 `json:"entry_fee_pct"`          // 0.0005 = 5 bps
	ExitFeePct           float64 `json:"exit_fee_pct"`
	MaxTimestampPast     time.Duration `json:"max_timestamp_past"`
	MaxTimestampFuture   time.Duration `json:"max_timestamp_future"`
}

type DatabaseConfig struct {
	URL          string        `json:"url"`
	QueryTimeout time.Duration `json:"query_timeout"`
}

type RedisConfig struct {
	Address      string        `json:"address"`
	Password     string        `json:"password"`
	DB           int           `json:"db"`
	PoolSize     int           `json:"pool_size"`
	QueryTimeout time.Duration `json:"query_timeout"`
}

type ServerConfig struct {
	ListenAddr string `json:"listen_addr"`
}

type AuthConfig struct {
	JWTSecret       string        `json:"-"`
	SessionDuration time.Duration `json:"session_duration"`
}

type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	JSONFormat bool   `json:"json_format"` // console writer when false
}

// Load reads configuration from the environment. A .env file is applied
// first when present. Missing required variables abort startup.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		FeedConfig: FeedConfig{
			WSBaseURL:         os.Getenv("BINANCE_WS_URL"),
			Symbols:           splitSymbols(getEnv("SYMBOLS", "BTCUSDT,ETHUSDT,SOLUSDT,BNBUSDT,XRPUSDT")),
			DepthEnabled:      getEnvBool("DEPTH_FEED_ENABLED", true),
			PingInterval:      15 * time.Second,
			PongTimeout:       30 * time.Second,
			MaxReconnects:     getEnvInt("FEED_MAX_RECONNECTS", 10),
			ReconnectCooldown: time.Duration(getEnvInt("FEED_RECONNECT_COOLDOWN_SEC", 60)) * time.Second,
		},
		PricingConfig: PricingConfig{
			DefaultSpreadBps:      getEnvFloat("DEFAULT_SPREAD_BPS", 10),
			SymbolSpreads:         map[string]float64{},
			StaleThresholdMs:      int64(getEnvInt("PRICE_STALE_THRESHOLD_MS", 5000)),
			CircuitBreakerPct:     getEnvFloat("CIRCUIT_BREAKER_THRESHOLD_PCT", 0.05),
			CircuitBreakerResetMs: int64(getEnvInt("CIRCUIT_BREAKER_RESET_MS", 1000)),
		},
		TradingConfig: TradingConfig{
			MaintenanceMarginPct: getEnvFloat("MAINTENANCE_MARGIN_PCT", 0.005),
			EntryFeePct:          getEnvFloat("ENTRY_FEE_PCT", 0.0005),
			ExitFeePct:           getEnvFloat("EXIT_FEE_PCT", 0.0005),
			MaxTimestampPast:     3 * time.Second,
			MaxTimestampFuture:   1 * time.Second,
		},
		DatabaseConfig: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			QueryTimeout: 2 * time.Second,
		},
		RedisConfig: RedisConfig{
			Address:      os.Getenv("REDIS_ADDR"),
			Password:     os.Getenv("REDIS_PASSWORD"),
			DB:           getEnvInt("REDIS_DB", 0),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			QueryTimeout: 1 * time.Second,
		},
		ServerConfig: ServerConfig{
			ListenAddr: getEnv("LISTEN_ADDR", ":8080"),
		},
		AuthConfig: AuthConfig{
			JWTSecret:       os.Getenv("JWT_SECRET"),
			SessionDuration: time.Duration(getEnvInt("SESSION_DURATION", 86400)) * time.Second,
		},
		LoggingConfig: LoggingConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			JSONFormat: getEnvBool("LOG_JSON", true),
		},
	}

	// SYMBOL_SPREADS is a JSON object of symbol -> bps, layered over the default.
	if raw := os.Getenv("SYMBOL_SPREADS"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.PricingConfig.SymbolSpreads); err != nil {
			return nil, fmt.Errorf("invalid SYMBOL_SPREADS: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.FeedConfig.WSBaseURL == "" {
		missing = append(missing, "BINANCE_WS_URL")
	}
	if c.DatabaseConfig.URL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.RedisConfig.Address == "" {
		missing = append(missing, "REDIS_ADDR")
	}
	if c.AuthConfig.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}
	if len(c.FeedConfig.Symbols) == 0 {
		return fmt.Errorf("SYMBOLS must name at least one symbol")
	}
	return nil
}

// SpreadBps returns the configured spread for a symbol in basis points.
func (c *Config) SpreadBps(symbol string) float64 {
	if bps, ok := c.PricingConfig.SymbolSpreads[symbol]; ok {
		return bps
	}
	return c.PricingConfig.DefaultSpreadBps
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func splitSymbols(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if sym := strings.ToUpper(strings.TrimSpace(part)); sym != "" {
			out = append(out, sym)
		}
	}
	return out
}
