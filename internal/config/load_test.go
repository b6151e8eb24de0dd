package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dgellow/authfront/internal/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("BOT_TOKEN", "123456:abc")
	t.Setenv("BOT_API_KEY", "bot-key")
	t.Setenv("ADMIN_API_KEY", "admin-key")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("APP_ORIGIN", "https://app.example.com")

	path := writeConfig(t, `{
		"version": "v1",
		"server": {
			"addr": ":9090",
			"baseURL": "https://auth.example.com",
			"allowedOrigins": [{"$env": "APP_ORIGIN"}, "http://localhost:3000"]
		},
		"provider": {
			"botToken": {"$env": "BOT_TOKEN"},
			"botUsername": "authfront_bot"
		},
		"botIntegration": {"enabled": true, "apiKey": {"$env": "BOT_API_KEY"}},
		"admin": {"enabled": true, "apiKey": {"$env": "ADMIN_API_KEY"}},
		"sessions": {
			"timeout": "24h",
			"cleanupInterval": "15m",
			"storage": "redis",
			"redisUrl": {"$env": "REDIS_URL"}
		},
		"metrics": {"enabled": true}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "https://auth.example.com", cfg.Server.BaseURL)
	assert.Equal(t, []string{"https://app.example.com", "http://localhost:3000"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, Secret("123456:abc"), cfg.Provider.BotToken)
	assert.Equal(t, "authfront_bot", cfg.Provider.BotUsername)
	assert.Equal(t, 24*time.Hour, cfg.Sessions.Timeout)
	assert.Equal(t, 15*time.Minute, cfg.Sessions.CleanupInterval)
	assert.Equal(t, StorageRedis, cfg.Sessions.Storage)
	assert.Equal(t, Secret("redis://localhost:6379/0"), cfg.Sessions.RedisURL)
	assert.True(t, cfg.Metrics.Enabled)

	require.NotNil(t, cfg.BotIntegration)
	assert.True(t, cfg.BotIntegration.Enabled)
	assert.NotEqual(t, Secret("bot-key"), cfg.BotIntegration.APIKeyHash, "key must be stored hashed")
	assert.True(t, crypto.CompareAPIKey([]byte(cfg.BotIntegration.APIKeyHash), "bot-key"))

	require.NotNil(t, cfg.Admin)
	assert.True(t, crypto.CompareAPIKey([]byte(cfg.Admin.APIKeyHash), "admin-key"))
	assert.False(t, crypto.CompareAPIKey([]byte(cfg.Admin.APIKeyHash), "bot-key"))
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `{"version": "v1", "server": {}}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultAddr, cfg.Server.Addr)
	assert.Equal(t, StorageMemory, cfg.Sessions.Storage)
	assert.Zero(t, cfg.Sessions.Timeout)
	assert.Empty(t, cfg.Provider.BotToken)
	assert.Nil(t, cfg.BotIntegration)
	assert.Nil(t, cfg.Admin)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoad_FirestoreDefaults(t *testing.T) {
	t.Setenv("GCP_PROJECT", "my-project")

	cfg, err := Parse([]byte(`{
		"version": "v1-staging",
		"server": {"addr": ":8080"},
		"sessions": {"storage": "firestore", "gcpProject": {"$env": "GCP_PROJECT"}}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "my-project", cfg.Sessions.GCPProject)
	assert.Equal(t, DefaultFirestoreDatabase, cfg.Sessions.FirestoreDatabase)
	assert.Equal(t, DefaultFirestoreCollection, cfg.Sessions.FirestoreCollection)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name        string
		config      string
		expectError string
	}{
		{
			name:        "invalid_json",
			config:      `{"version": `,
			expectError: "parsing config JSON",
		},
		{
			name:        "missing_version",
			config:      `{"server": {"addr": ":8080"}}`,
			expectError: "config version is required",
		},
		{
			name:        "unsupported_version",
			config:      `{"version": "v0.0.1-DEV_EDITION", "server": {}}`,
			expectError: "unsupported config version",
		},
		{
			name:        "plain_text_bot_token",
			config:      `{"version": "v1", "provider": {"botToken": "123456:abc"}}`,
			expectError: "provider.botToken must use environment variable reference",
		},
		{
			name:        "non_env_reference",
			config:      `{"version": "v1", "admin": {"enabled": true, "apiKey": {"$file": "/etc/key"}}}`,
			expectError: "admin.apiKey must use {\"$env\": \"VAR_NAME\"} format",
		},
		{
			name:        "env_var_not_set",
			config:      `{"version": "v1", "provider": {"botToken": {"$env": "AUTHFRONT_TEST_UNSET_VAR"}}}`,
			expectError: "environment variable AUTHFRONT_TEST_UNSET_VAR not set",
		},
		{
			name:        "enabled_without_key",
			config:      `{"version": "v1", "botIntegration": {"enabled": true}}`,
			expectError: "apiKey is required when enabled",
		},
		{
			name:        "invalid_timeout",
			config:      `{"version": "v1", "sessions": {"timeout": "forever"}}`,
			expectError: "parsing timeout",
		},
		{
			name:        "negative_timeout",
			config:      `{"version": "v1", "sessions": {"timeout": "-1h"}}`,
			expectError: "timeout cannot be negative",
		},
		{
			name:        "redis_without_url",
			config:      `{"version": "v1", "sessions": {"storage": "redis"}}`,
			expectError: "redisUrl is required when using redis storage",
		},
		{
			name:        "firestore_without_project",
			config:      `{"version": "v1", "sessions": {"storage": "firestore"}}`,
			expectError: "gcpProject is required when using firestore storage",
		},
		{
			name:        "unknown_storage",
			config:      `{"version": "v1", "sessions": {"storage": "etcd"}}`,
			expectError: "unknown storage",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.config))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestParseConfigValue(t *testing.T) {
	t.Setenv("QUOTED_VALUE", `"quoted"`)
	t.Setenv("PLAIN_VALUE", "plain")

	tests := []struct {
		name        string
		raw         string
		want        string
		expectError string
	}{
		{name: "plain_string", raw: `"hello"`, want: "hello"},
		{name: "env_reference", raw: `{"$env": "PLAIN_VALUE"}`, want: "plain"},
		{name: "strips_matching_quotes", raw: `{"$env": "QUOTED_VALUE"}`, want: "quoted"},
		{name: "unknown_reference", raw: `{"$file": "x"}`, expectError: "unknown reference type"},
		{name: "wrong_type", raw: `42`, expectError: "must be string or reference object"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseConfigValue([]byte(tt.raw))
			if tt.expectError != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.expectError)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.value)
		})
	}
}

func TestIsSupportedVersion(t *testing.T) {
	assert.True(t, IsSupportedVersion("v1"))
	assert.True(t, IsSupportedVersion("v1-staging"))
	assert.False(t, IsSupportedVersion("v10"))
	assert.False(t, IsSupportedVersion("v0.0.1-DEV_EDITION"))
	assert.False(t, IsSupportedVersion(""))
}
