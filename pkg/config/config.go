package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds environment-driven settings for the platform core.
type Config struct {
	Port string

	// Database
	DBPath string

	// Auth
	JWTSecret     string
	TokenTTLHours int
	AdminEmails   []string // accounts registered with these emails get admin

	// Settlement
	Settlement SettlementConfig

	// Transfers
	DepositWallets map[string]string // token -> platform wallet address

	// Referral
	ReferralCommission string // decimal string, credited to referrer per signup

	// Logging
	LogLevel string
	LogFile  string
}

// SettlementConfig tunes the settlement engine. Values may be overridden
// by a YAML settings file (SETTLEMENT_CONFIG_PATH, default settlement.yaml).
type SettlementConfig struct {
	WinProbability   float64 `yaml:"win_probability"`
	PayoutMultiplier string  `yaml:"payout_multiplier"` // decimal string
	MaxAttempts      int     `yaml:"max_attempts"`
	RetryBackoffMs   int     `yaml:"retry_backoff_ms"`
}

// Load reads environment variables (optionally via .env) into Config,
// then applies the YAML settlement overrides when the file exists.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	// Database path: prefer DB_PATH, then DATABASE_PATH for backward compatibility.
	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/platform.db")
	}

	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		DBPath:        dbPath,
		JWTSecret:     getEnv("JWT_SECRET", "dev-secret"),
		TokenTTLHours: getEnvInt("TOKEN_TTL_HOURS", 72),
		AdminEmails:   splitAndTrim(getEnv("ADMIN_EMAILS", "")),
		Settlement: SettlementConfig{
			WinProbability:   getEnvFloat("WIN_PROBABILITY", 0.5),
			PayoutMultiplier: getEnv("PAYOUT_MULTIPLIER", "1.95"),
			MaxAttempts:      getEnvInt("SETTLE_MAX_ATTEMPTS", 3),
			RetryBackoffMs:   getEnvInt("SETTLE_RETRY_BACKOFF_MS", 50),
		},
		DepositWallets: map[string]string{
			"BTC":  getEnv("DEPOSIT_WALLET_BTC", ""),
			"ETH":  getEnv("DEPOSIT_WALLET_ETH", ""),
			"USDT": getEnv("DEPOSIT_WALLET_USDT", ""),
		},
		ReferralCommission: getEnv("REFERRAL_COMMISSION", "30"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFile:            getEnv("LOG_FILE", ""),
	}

	path := getEnv("SETTLEMENT_CONFIG_PATH", "settlement.yaml")
	if err := cfg.applySettlementFile(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applySettlementFile merges YAML overrides into the settlement config.
// A missing file is not an error; a malformed one is.
func (c *Config) applySettlementFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	override := c.Settlement
	if err := yaml.Unmarshal(data, &override); err != nil {
		return err
	}
	c.Settlement = override
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
