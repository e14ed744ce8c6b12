package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// inTempDir runs the test from an empty directory so no stray config.yaml or
// .env is picked up.
func inTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	return dir
}

func TestLoadConfig_Defaults(t *testing.T) {
	inTempDir(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "3000", cfg.HTTPPort)
	assert.Equal(t, StoreMemory, cfg.StoreBackend)
	assert.Equal(t, DirectoryStatic, cfg.DirectoryBackend)
	assert.Equal(t, time.Hour, cfg.AccessTokenLifetime())
	assert.Equal(t, 5*time.Minute, cfg.CodeLifetime())
	assert.Equal(t, 52560000*time.Second, cfg.RefreshTokenLifetime())
	assert.Equal(t, time.Hour, cfg.SweepEvery())
	assert.Zero(t, cfg.TokenRateLimit)
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	inTempDir(t)
	t.Setenv("AUTHZ_HTTP_PORT", "9090")
	t.Setenv("AUTHZ_STORE_BACKEND", "redis")
	t.Setenv("AUTHZ_ACCESS_TOKEN_TTL", "60")
	t.Setenv("AUTHZ_TOKEN_RATE_LIMIT", "2.5")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.HTTPPort)
	assert.Equal(t, StoreRedis, cfg.StoreBackend)
	assert.Equal(t, time.Minute, cfg.AccessTokenLifetime())
	assert.InDelta(t, 2.5, cfg.TokenRateLimit, 1e-9)
}

func TestLoadConfig_FileAndDotEnv(t *testing.T) {
	dir := inTempDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("CODE_TTL: 120\nBOLT_PATH: /var/lib/authz.db\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("AUTHZ_REDIS_PREFIX=from-dotenv\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("AUTHZ_REDIS_PREFIX") })

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 2*time.Minute, cfg.CodeLifetime())
	assert.Equal(t, "/var/lib/authz.db", cfg.BoltPath)
	assert.Equal(t, "from-dotenv", cfg.RedisPrefix)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := map[string]string{
		"AUTHZ_STORE_BACKEND":     "etcd",
		"AUTHZ_DIRECTORY_BACKEND": "ldap",
		"AUTHZ_SWEEP_INTERVAL":    "0",
		"AUTHZ_TOKEN_RATE_LIMIT":  "-1",
	}

	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			inTempDir(t)
			t.Setenv(key, value)

			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}
