package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds environment-driven settings for the execution core.
type Config struct {
	Port string

	// Session
	Mode         string // "paper" or "live" (requested; orchestrator decides)
	StartCapital float64

	// Brokers: comma-separated adapter ids, each with BROKER_<ID>_URL and
	// BROKER_<ID>_TOKEN in the environment.
	BrokerIDs []string

	// Execution
	AckTimeoutMs     int
	SubmitWorkers    int
	OrderRatePerSec  float64
	SquareOffTime    string // "HH:MM" local time, empty disables
	ConfirmBypass    bool   // automated flows skip the manual approval gate
	EnableOrderWAL   bool
	OrderWALPath     string

	// Paper simulation
	PaperSlippageMode  string  // "percent" or "ticks"
	PaperSlippageValue float64 // percent (e.g. 0.05) or tick count
	PaperTickSize      float64
	PaperFeePerOrder   float64
	PaperFeePercent    float64 // decimal, e.g. 0.0003
	PaperLatencyMinMs  int
	PaperLatencyMaxMs  int

	// Database
	DBPath string

	// Risk limits file
	RiskConfigPath string

	// API auth
	APISecret   string
	OperatorKey string
}

// RiskConfig is the external risk/limits input, loaded from YAML.
type RiskConfig struct {
	MaxCapitalPerTrade         float64 `yaml:"max_capital_per_trade"`
	MaxCapitalPerDay           float64 `yaml:"max_capital_per_day"`
	MaxOpenPositions           int     `yaml:"max_open_positions"`
	MaxLossPerTrade            float64 `yaml:"max_loss_per_trade"`
	MaxLossPerDay              float64 `yaml:"max_loss_per_day"`
	MaxDrawdownPercent         float64 `yaml:"max_drawdown_percent"`
	DefaultPositionSizePercent float64 `yaml:"default_position_size_percent"`
	RequiredFundsPerTrade      float64 `yaml:"required_funds_per_trade"`
	AllowOvernightPositions    bool    `yaml:"allow_overnight_positions"`
	AllowOptionsTrading        bool    `yaml:"allow_options_trading"`
	AllowFuturesTrading        bool    `yaml:"allow_futures_trading"`

	// Sizing
	SizingStrategy string  `yaml:"sizing_strategy"` // fixed_amount, fixed_qty, percent_risk, volatility, kelly, risk_parity
	FixedAmount    float64 `yaml:"fixed_amount"`
	FixedQty       float64 `yaml:"fixed_qty"`
	RiskPercent    float64 `yaml:"risk_percent"`    // percent of capital risked per trade
	KellyFraction  float64 `yaml:"kelly_fraction"`  // cap applied to the Kelly estimate
	WinRate        float64 `yaml:"win_rate"`        // Kelly input
	WinLossRatio   float64 `yaml:"win_loss_ratio"`  // Kelly input
}

// DefaultRiskConfig returns conservative limits used when no file is given.
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		MaxCapitalPerTrade:         50000,
		MaxCapitalPerDay:           200000,
		MaxOpenPositions:           5,
		MaxLossPerTrade:            2000,
		MaxLossPerDay:              10000,
		MaxDrawdownPercent:         5,
		DefaultPositionSizePercent: 10,
		RequiredFundsPerTrade:      50000,
		SizingStrategy:             "percent_risk",
		RiskPercent:                1,
		KellyFraction:              0.5,
		WinRate:                    0.5,
		WinLossRatio:               1.5,
	}
}

// LoadRiskConfig reads limits from a YAML file, falling back to defaults
// when path is empty.
func LoadRiskConfig(path string) (RiskConfig, error) {
	if path == "" {
		return DefaultRiskConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return RiskConfig{}, fmt.Errorf("read risk config: %w", err)
	}
	cfg := DefaultRiskConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return RiskConfig{}, fmt.Errorf("parse risk config: %w", err)
	}
	return cfg, nil
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:               getEnv("PORT", "8080"),
		Mode:               strings.ToLower(getEnv("MODE", "paper")),
		StartCapital:       getEnvFloat("START_CAPITAL", 100000),
		BrokerIDs:          splitAndTrim(getEnv("BROKERS", "")),
		AckTimeoutMs:       getEnvInt("ACK_TIMEOUT_MS", 5000),
		SubmitWorkers:      getEnvInt("SUBMIT_WORKERS", 4),
		OrderRatePerSec:    getEnvFloat("ORDER_RATE_PER_SEC", 5),
		SquareOffTime:      getEnv("SQUARE_OFF_TIME", "15:15"),
		ConfirmBypass:      getEnv("CONFIRM_BYPASS", "true") == "true",
		EnableOrderWAL:     getEnv("ENABLE_ORDER_WAL", "true") == "true",
		OrderWALPath:       getEnv("ORDER_WAL_PATH", "./data/order_wal"),
		PaperSlippageMode:  getEnv("PAPER_SLIPPAGE_MODE", "percent"),
		PaperSlippageValue: getEnvFloat("PAPER_SLIPPAGE_VALUE", 0.05),
		PaperTickSize:      getEnvFloat("PAPER_TICK_SIZE", 0.05),
		PaperFeePerOrder:   getEnvFloat("PAPER_FEE_PER_ORDER", 20),
		PaperFeePercent:    getEnvFloat("PAPER_FEE_PERCENT", 0.0003),
		PaperLatencyMinMs:  getEnvInt("PAPER_LATENCY_MIN_MS", 10),
		PaperLatencyMaxMs:  getEnvInt("PAPER_LATENCY_MAX_MS", 120),
		DBPath:             getEnv("DB_PATH", "./data/execution.db"),
		RiskConfigPath:     getEnv("RISK_CONFIG_PATH", ""),
		APISecret:          getEnv("API_SECRET", "dev-secret"),
		OperatorKey:        getEnv("OPERATOR_KEY", ""),
	}, nil
}

// BrokerURL returns the REST base URL configured for an adapter id.
func (c *Config) BrokerURL(id string) string {
	return os.Getenv("BROKER_" + strings.ToUpper(id) + "_URL")
}

// BrokerToken returns the access token configured for an adapter id.
func (c *Config) BrokerToken(id string) string {
	return os.Getenv("BROKER_" + strings.ToUpper(id) + "_TOKEN")
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
