package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("COLLAB_JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COLLAB_JWT_SECRET")
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("COLLAB_JWT_SECRET", "test-secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "development", cfg.Env)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, "npm install", cfg.SandboxInstallCommand)
	assert.Equal(t, "npm start", cfg.SandboxRunCommand)
	assert.Equal(t, 3000, cfg.SandboxPreviewPort)
	assert.Equal(t, 24*time.Hour, cfg.TokenTTL)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("COLLAB_JWT_SECRET", "test-secret")
	t.Setenv("COLLAB_PORT", "9999")
	t.Setenv("COLLAB_ENV", "production")
	t.Setenv("COLLAB_AI_TIMEOUT", "30s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, "production", cfg.Env)
	assert.False(t, cfg.IsDevelopment())
	assert.Equal(t, 30*time.Second, cfg.AITimeout)
}
