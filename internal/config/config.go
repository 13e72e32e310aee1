// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Port is the TCP port the HTTP server listens on. Defaults to "8080".
	Port string

	// DatabaseURL selects the Postgres store. Empty means in-memory.
	DatabaseURL string

	// Migrate runs embedded migrations at startup when Postgres is used.
	Migrate bool

	// RedisURL selects the Redis locker and event broker. Empty means
	// in-process ones, which only serialise a single replica.
	RedisURL string
	LockTTL  time.Duration

	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// SolverEngine is auto, guided or greedy.
	SolverEngine    string
	SolverTimeLimit time.Duration

	// SeedFile is an optional YAML fixture imported at startup.
	SeedFile string

	// RateRPS and RateBurst bound the mutating planning endpoints.
	// RateRPS <= 0 disables limiting.
	RateRPS   float64
	RateBurst int
}

// LoadDotEnv reads .env files into the environment without overriding
// variables that are already set. A missing file is not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var present []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return nil
	}
	if err := godotenv.Load(present...); err != nil {
		return fmt.Errorf("config.LoadDotEnv: %w", err)
	}
	return nil
}

// Load reads configuration from environment variables. The error names every
// variable whose value could not be parsed.
func Load() (Config, error) {
	cfg := Config{
		Port:         getEnv("PORT", "8080"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisURL:     os.Getenv("REDIS_URL"),
		LogLevel:     strings.ToLower(getEnv("LOG_LEVEL", "info")),
		SolverEngine: strings.ToLower(getEnv("SOLVER_ENGINE", "auto")),
		SeedFile:     os.Getenv("SEED_FILE"),
	}

	var invalid []string
	p := parser{invalid: &invalid}
	cfg.Migrate = p.bool("DB_MIGRATE", true)
	cfg.LockTTL = p.duration("LOCK_TTL", 30*time.Second)
	cfg.SolverTimeLimit = p.duration("SOLVER_TIME_LIMIT", 5*time.Second)
	cfg.RateRPS = p.float("RATE_RPS", 10)
	cfg.RateBurst = p.int("RATE_BURST", 20)

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		invalid = append(invalid, "LOG_LEVEL")
	}
	if cfg.RateBurst < 1 {
		invalid = append(invalid, "RATE_BURST")
	}

	if len(invalid) > 0 {
		return Config{}, fmt.Errorf("invalid environment variables: %s", strings.Join(invalid, ", "))
	}
	return cfg, nil
}

// getEnv returns the value of key, or fallback if it is unset or empty.
func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

type parser struct {
	invalid *[]string
}

func (p parser) lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func (p parser) duration(key string, fallback time.Duration) time.Duration {
	v, ok := p.lookup(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		*p.invalid = append(*p.invalid, key)
		return fallback
	}
	return d
}

func (p parser) int(key string, fallback int) int {
	v, ok := p.lookup(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*p.invalid = append(*p.invalid, key)
		return fallback
	}
	return n
}

func (p parser) float(key string, fallback float64) float64 {
	v, ok := p.lookup(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*p.invalid = append(*p.invalid, key)
		return fallback
	}
	return f
}

func (p parser) bool(key string, fallback bool) bool {
	v, ok := p.lookup(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*p.invalid = append(*p.invalid, key)
		return fallback
	}
	return b
}
