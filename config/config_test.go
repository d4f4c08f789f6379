package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/chatforge")
	t.Setenv("MASTER_KEY", strings.Repeat("ab", 32))
	t.Setenv("JWT_SECRET", "secret")
}

func TestLoadDefaults(t *testing.T) {
	validEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 10, cfg.DefaultMaxToolIterations)
	assert.False(t, cfg.Debug)

	key := cfg.MasterKeyBytes()
	assert.Equal(t, byte(0xab), key[0])
}

func TestLoadMissingRequired(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsBadMasterKey(t *testing.T) {
	validEnv(t)
	t.Setenv("MASTER_KEY", "deadbeef")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32 bytes")
}

func TestLoadRejectsIterationCapOutOfRange(t *testing.T) {
	validEnv(t)
	t.Setenv("DEFAULT_MAX_TOOL_ITERATIONS", "51")

	_, err := Load()
	assert.Error(t, err)
}
