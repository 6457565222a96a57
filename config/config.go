package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"alphaTradeSync/internal/adapters/logger" // Import the logger package for LogLevel
)

// BotCredentials are per-bot API keys. A bot without an explicit override
// falls back to the shared account credentials.
type BotCredentials struct {
	APIKey    string
	APISecret string
}

// Config holds all application configuration.
type Config struct {
	// Bybit API
	APIKey    string
	APISecret string
	IsDemo    bool
	IsTestnet bool

	// Bots
	RegisteredBots []string                  // Bot IDs eligible for sync and ingestion
	BotCredentials map[string]BotCredentials // Per-bot key overrides
	SymbolOwners   map[string]string         // symbol -> owning bot ID

	// Sync
	BackfillMonths   int
	BackfillChunkDay int // Backfill chunk size in days
	SyncInterval     time.Duration
	SyncOverlapHours int

	// Rate limiting
	RequestsPerSecond float64

	// Database
	DBPath string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Logging
	LogLevel logger.LogLevel

	// Connection Settings
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var errs []string // Collect validation errors

	// Bybit API
	cfg.APIKey = getEnv("BYBIT_API_KEY", "")
	cfg.APISecret = getEnv("BYBIT_API_SECRET", "")
	cfg.IsDemo = getEnvAsBool("BYBIT_DEMO", false)
	cfg.IsTestnet = getEnvAsBool("BYBIT_TESTNET", true) // Default to testnet for safety

	if cfg.APIKey == "" {
		errs = append(errs, "BYBIT_API_KEY must be set")
	}
	if cfg.APISecret == "" {
		errs = append(errs, "BYBIT_API_SECRET must be set")
	}

	// Bots. REGISTERED_BOTS is a comma-separated list of bot IDs; each may
	// override the shared credentials via <BOT>_BYBIT_API_KEY/SECRET, with
	// the bot ID upper-cased.
	cfg.RegisteredBots = splitCSV(getEnv("REGISTERED_BOTS", ""))
	if len(cfg.RegisteredBots) == 0 {
		errs = append(errs, "REGISTERED_BOTS must list at least one bot ID")
	}
	cfg.BotCredentials = make(map[string]BotCredentials)
	for _, botID := range cfg.RegisteredBots {
		prefix := strings.ToUpper(botID)
		key := getEnv(prefix+"_BYBIT_API_KEY", "")
		secret := getEnv(prefix+"_BYBIT_API_SECRET", "")
		if key != "" && secret != "" {
			cfg.BotCredentials[botID] = BotCredentials{APIKey: key, APISecret: secret}
		} else if key != "" || secret != "" {
			errs = append(errs, fmt.Sprintf("bot %s has a partial credential override (need both key and secret)", botID))
		}
	}

	// SYMBOL_OWNERS maps symbols to owning bots: "BTCUSDT=momentum_001,ETHUSDT=grid_002".
	owners, err := parseOwnerMap(getEnv("SYMBOL_OWNERS", ""))
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid SYMBOL_OWNERS: %v", err))
	}
	cfg.SymbolOwners = owners
	registered := make(map[string]bool, len(cfg.RegisteredBots))
	for _, botID := range cfg.RegisteredBots {
		registered[botID] = true
	}
	for symbol, botID := range owners {
		if !registered[botID] {
			errs = append(errs, fmt.Sprintf("SYMBOL_OWNERS assigns %s to unregistered bot %s", symbol, botID))
		}
	}

	// Sync
	cfg.BackfillMonths = getEnvAsInt("BACKFILL_MONTHS", 3)
	if cfg.BackfillMonths <= 0 {
		errs = append(errs, "BACKFILL_MONTHS must be positive")
	}
	cfg.BackfillChunkDay = getEnvAsInt("BACKFILL_BATCH_DAYS", 1)
	if cfg.BackfillChunkDay <= 0 {
		errs = append(errs, "BACKFILL_BATCH_DAYS must be positive")
	}
	syncIntervalSeconds := getEnvAsInt("SYNC_INTERVAL_SECONDS", 3600)
	if syncIntervalSeconds <= 0 {
		errs = append(errs, "SYNC_INTERVAL_SECONDS must be positive")
	}
	cfg.SyncInterval = time.Duration(syncIntervalSeconds) * time.Second
	cfg.SyncOverlapHours = getEnvAsInt("HOURLY_SYNC_OVERLAP_HOURS", 2)
	if cfg.SyncOverlapHours <= 0 {
		errs = append(errs, "HOURLY_SYNC_OVERLAP_HOURS must be positive")
	}

	// Rate limiting
	cfg.RequestsPerSecond = getEnvAsFloat("RATE_LIMIT_PER_SECOND", 10)
	if cfg.RequestsPerSecond <= 0 {
		errs = append(errs, "RATE_LIMIT_PER_SECOND must be positive")
	}

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/trade_ledger.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Redis
	cfg.RedisAddr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", "")
	cfg.RedisDB = getEnvAsInt("REDIS_DB", 0)

	// Logging
	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr) // Use the parser from the logger package

	// Connection Settings
	reconnectDelaySeconds := getEnvAsInt("RECONNECT_DELAY_SECONDS", 5)
	if reconnectDelaySeconds <= 0 {
		errs = append(errs, "RECONNECT_DELAY_SECONDS must be positive")
	}
	cfg.ReconnectDelay = time.Duration(reconnectDelaySeconds) * time.Second

	cfg.MaxReconnectAttempts = getEnvAsInt("MAX_RECONNECT_ATTEMPTS", 10)
	if cfg.MaxReconnectAttempts < 0 {
		errs = append(errs, "MAX_RECONNECT_ATTEMPTS cannot be negative")
	}

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// CredentialsFor returns the bot's own API keys, or the shared ones.
func (c *Config) CredentialsFor(botID string) BotCredentials {
	if creds, ok := c.BotCredentials[botID]; ok {
		return creds
	}
	return BotCredentials{APIKey: c.APIKey, APISecret: c.APISecret}
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseOwnerMap(value string) (map[string]string, error) {
	owners := make(map[string]string)
	if value == "" {
		return owners, nil
	}
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 || kv[0] == "" || kv[1] == "" {
			return nil, fmt.Errorf("malformed entry %q (want SYMBOL=bot_id)", pair)
		}
		owners[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return owners, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
