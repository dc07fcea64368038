// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Balance profiles. Integer rounds running balances to the nearest token
// after every step; Float keeps the raw score.
const (
	BalanceModeInteger = "integer"
	BalanceModeFloat   = "float"
)

// Opponent modes.
const (
	OpponentNoise     = "noise"
	OpponentPredictor = "predictor"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	Game        GameConfig
	Opponent    OpponentConfig
}

// GameConfig holds the experiment parameter set.
type GameConfig struct {
	InitialTokens       int
	MaxContribution     int
	RoundsPerSession    int
	TotalSessions       int
	Multiplier          float64
	MultiplierThreshold float64
	TypicalContribution float64
	RoundDeadline       time.Duration
	BonusPerToken       float64
	BalanceMode         string
	// Session at whose first round the divergence statistic is fed to the
	// adaptive opponent.
	DivergenceSession int
}

// OpponentConfig selects and configures the counterpart policy.
type OpponentConfig struct {
	Mode           string
	GeminiAPIKey   string
	GeminiModel    string
	RequestTimeout time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/publicgoods.db"),
		Game: GameConfig{
			InitialTokens:       getEnvInt("INITIAL_TOKENS", 20),
			MaxContribution:     getEnvInt("MAX_CONTRIBUTION", 10),
			RoundsPerSession:    getEnvInt("ROUNDS_PER_SESSION", 10),
			TotalSessions:       getEnvInt("TOTAL_SESSIONS", 2),
			Multiplier:          getEnvFloat("MULTIPLIER", 1.3),
			MultiplierThreshold: getEnvFloat("MULTIPLIER_THRESHOLD", 11),
			TypicalContribution: getEnvFloat("TYPICAL_CONTRIBUTION", 8),
			RoundDeadline:       getEnvDuration("ROUND_DEADLINE", 8*time.Second),
			BonusPerToken:       getEnvFloat("BONUS_PER_TOKEN", 0.01),
			BalanceMode:         getEnv("BALANCE_MODE", BalanceModeInteger),
			DivergenceSession:   getEnvInt("DIVERGENCE_SESSION", 2),
		},
		Opponent: OpponentConfig{
			Mode:           getEnv("OPPONENT_MODE", OpponentNoise),
			GeminiAPIKey:   getEnv("GEMINI_API_KEY", ""),
			GeminiModel:    getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
			RequestTimeout: getEnvDuration("PREDICTOR_TIMEOUT", 15*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are coherent.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Game.InitialTokens <= 0 {
		return fmt.Errorf("INITIAL_TOKENS must be > 0")
	}
	if c.Game.MaxContribution <= 0 {
		return fmt.Errorf("MAX_CONTRIBUTION must be > 0")
	}
	if c.Game.RoundsPerSession <= 0 {
		return fmt.Errorf("ROUNDS_PER_SESSION must be > 0")
	}
	if c.Game.TotalSessions <= 0 {
		return fmt.Errorf("TOTAL_SESSIONS must be > 0")
	}
	if c.Game.Multiplier < 1 {
		return fmt.Errorf("MULTIPLIER must be >= 1")
	}
	if c.Game.BalanceMode != BalanceModeInteger && c.Game.BalanceMode != BalanceModeFloat {
		return fmt.Errorf("BALANCE_MODE must be %q or %q", BalanceModeInteger, BalanceModeFloat)
	}
	switch c.Opponent.Mode {
	case OpponentNoise:
	case OpponentPredictor:
		if c.Opponent.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required when OPPONENT_MODE=%s", OpponentPredictor)
		}
	default:
		return fmt.Errorf("OPPONENT_MODE must be %q or %q", OpponentNoise, OpponentPredictor)
	}
	return nil
}

// IntegerBalances reports whether the integer balance profile is active.
func (c *Config) IntegerBalances() bool {
	return c.Game.BalanceMode == BalanceModeInteger
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
