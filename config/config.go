// Package config loads the server configuration from the environment.
package config

import (
	"encoding/hex"
	"fmt"

	"github.com/caarlos0/env/v6"
)

// Config holds every environment input the pipeline reads.
type Config struct {
	// HTTPAddr is the listen address of the HTTP server.
	HTTPAddr string `env:"CHATFORGE_ADDR" envDefault:":8080"`

	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string `env:"DATABASE_URL,required"`

	// MasterKey is the hex-encoded 32-byte key used to encrypt provider API
	// keys at rest.
	MasterKey string `env:"MASTER_KEY,required"`

	// JWTSecret signs and verifies session tokens.
	JWTSecret string `env:"JWT_SECRET,required"`

	// DefaultMaxToolIterations is the per-user tool iteration cap applied when
	// the user has no explicit setting. Valid range 1-50.
	DefaultMaxToolIterations int `env:"DEFAULT_MAX_TOOL_ITERATIONS" envDefault:"10"`

	// MaxConversationsPerUser bounds live conversations per user. Zero means
	// unlimited.
	MaxConversationsPerUser int `env:"MAX_CONVERSATIONS_PER_USER" envDefault:"0"`

	// MaxMessagesPerConversation bounds messages per conversation. Zero means
	// unlimited.
	MaxMessagesPerConversation int `env:"MAX_MESSAGES_PER_CONVERSATION" envDefault:"0"`

	// RetentionDays controls soft-deleted data retention. Zero keeps forever.
	RetentionDays int `env:"RETENTION_DAYS" envDefault:"0"`

	// SearchBaseURL points at the aggregator instance backing the default
	// web_search tool.
	SearchBaseURL string `env:"SEARCH_BASE_URL" envDefault:"https://searx.be"`

	// Debug enables debug-level logging.
	Debug bool `env:"CHATFORGE_DEBUG" envDefault:"false"`
}

// Load parses and validates the configuration.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	key, err := hex.DecodeString(c.MasterKey)
	if err != nil {
		return fmt.Errorf("config: MASTER_KEY must be hex encoded: %w", err)
	}
	if len(key) != 32 {
		return fmt.Errorf("config: MASTER_KEY must decode to 32 bytes, got %d", len(key))
	}
	if c.DefaultMaxToolIterations < 1 || c.DefaultMaxToolIterations > 50 {
		return fmt.Errorf("config: DEFAULT_MAX_TOOL_ITERATIONS must be in [1,50], got %d", c.DefaultMaxToolIterations)
	}
	return nil
}

// MasterKeyBytes returns the decoded encryption key. Load validates the
// encoding, so this never fails after a successful Load.
func (c Config) MasterKeyBytes() [32]byte {
	var out [32]byte
	raw, _ := hex.DecodeString(c.MasterKey)
	copy(out[:], raw)
	return out
}
