package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateFile(t *testing.T) {
	tests := []struct {
		name          string
		config        string
		wantErrors    []string
		wantWarnings  []string
		wantErrCount  int
		wantWarnCount int
	}{
		{
			name: "valid_full_config",
			config: `{
				"version": "v1",
				"server": {
					"addr": ":8080",
					"baseURL": "https://auth.example.com",
					"allowedOrigins": ["https://app.example.com"]
				},
				"provider": {
					"botToken": {"$env": "BOT_TOKEN"},
					"botUsername": "authfront_bot"
				},
				"botIntegration": {"enabled": true, "apiKey": {"$env": "BOT_API_KEY"}},
				"admin": {"enabled": true, "apiKey": {"$env": "ADMIN_API_KEY"}},
				"sessions": {
					"timeout": "168h",
					"cleanupInterval": "1h",
					"storage": "redis",
					"redisUrl": {"$env": "REDIS_URL"}
				},
				"metrics": {"enabled": true}
			}`,
			wantErrCount:  0,
			wantWarnCount: 0,
		},
		{
			name:         "invalid_json",
			config:       `{"version": "v1",}`,
			wantErrCount: 1,
		},
		{
			name: "missing_version",
			config: `{
				"server": {"addr": ":8080"},
				"provider": {"botToken": {"$env": "BOT_TOKEN"}}
			}`,
			wantErrors:   []string{`version field is required. Hint: Add "version": "v1"`},
			wantErrCount: 1,
		},
		{
			name: "unsupported_version",
			config: `{
				"version": "v0.0.1-DEV_EDITION",
				"server": {"addr": ":8080"},
				"provider": {"botToken": {"$env": "BOT_TOKEN"}}
			}`,
			wantErrCount: 1,
		},
		{
			name: "missing_server",
			config: `{
				"version": "v1",
				"provider": {"botToken": {"$env": "BOT_TOKEN"}}
			}`,
			wantErrors:   []string{"server field is required and must be an object"},
			wantErrCount: 1,
		},
		{
			name: "missing_addr_defaults",
			config: `{
				"version": "v1",
				"server": {},
				"provider": {"botToken": {"$env": "BOT_TOKEN"}}
			}`,
			wantWarnings:  []string{"addr is not set"},
			wantWarnCount: 1,
		},
		{
			name: "plain_text_bot_token",
			config: `{
				"version": "v1",
				"server": {"addr": ":8080"},
				"provider": {"botToken": "123456:abc"}
			}`,
			wantErrCount: 1,
		},
		{
			name: "bash_style_bot_token",
			config: `{
				"version": "v1",
				"server": {"addr": ":8080"},
				"provider": {"botToken": "${BOT_TOKEN}"}
			}`,
			wantErrCount:  1,
			wantWarnings:  []string{"found bash-style syntax '${BOT_TOKEN}'"},
			wantWarnCount: 1,
		},
		{
			name: "missing_provider_is_a_warning",
			config: `{
				"version": "v1",
				"server": {"addr": ":8080"}
			}`,
			wantWarnings:  []string{"provider is not configured"},
			wantWarnCount: 1,
		},
		{
			name: "admin_enabled_without_key",
			config: `{
				"version": "v1",
				"server": {"addr": ":8080"},
				"provider": {"botToken": {"$env": "BOT_TOKEN"}},
				"admin": {"enabled": true}
			}`,
			wantErrors:   []string{"apiKey is required when admin is enabled"},
			wantErrCount: 1,
		},
		{
			name: "cleanup_longer_than_timeout",
			config: `{
				"version": "v1",
				"server": {"addr": ":8080"},
				"provider": {"botToken": {"$env": "BOT_TOKEN"}},
				"sessions": {"timeout": "1h", "cleanupInterval": "2h"}
			}`,
			wantWarnings:  []string{"cleanupInterval (2h) is longer than timeout (1h)"},
			wantWarnCount: 1,
		},
		{
			name: "invalid_duration",
			config: `{
				"version": "v1",
				"server": {"addr": ":8080"},
				"provider": {"botToken": {"$env": "BOT_TOKEN"}},
				"sessions": {"timeout": "a week"}
			}`,
			wantErrCount: 1,
		},
		{
			name: "redis_without_url",
			config: `{
				"version": "v1",
				"server": {"addr": ":8080"},
				"provider": {"botToken": {"$env": "BOT_TOKEN"}},
				"sessions": {"storage": "redis"}
			}`,
			wantErrors:   []string{"redisUrl is required when using redis storage"},
			wantErrCount: 1,
		},
		{
			name: "firestore_without_project",
			config: `{
				"version": "v1",
				"server": {"addr": ":8080"},
				"provider": {"botToken": {"$env": "BOT_TOKEN"}},
				"sessions": {"storage": "firestore"}
			}`,
			wantErrCount: 1,
		},
		{
			name: "unknown_storage",
			config: `{
				"version": "v1",
				"server": {"addr": ":8080"},
				"provider": {"botToken": {"$env": "BOT_TOKEN"}},
				"sessions": {"storage": "etcd"}
			}`,
			wantErrors:   []string{"unknown storage 'etcd'. Options: memory, redis, firestore"},
			wantErrCount: 1,
		},
		{
			name: "allowed_origins_not_a_list",
			config: `{
				"version": "v1",
				"server": {"addr": ":8080", "allowedOrigins": "https://app.example.com"},
				"provider": {"botToken": {"$env": "BOT_TOKEN"}}
			}`,
			wantErrCount: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			configPath := filepath.Join(tmpDir, "config.json")
			err := os.WriteFile(configPath, []byte(tt.config), 0644)
			require.NoError(t, err)

			result, err := ValidateFile(configPath)
			assert.NoError(t, err)
			require.NotNil(t, result)

			assert.Equal(t, tt.wantErrCount, len(result.Errors),
				"expected %d errors but got %d: %v", tt.wantErrCount, len(result.Errors), result.Errors)
			assert.Equal(t, tt.wantWarnCount, len(result.Warnings),
				"expected %d warnings but got %d: %v", tt.wantWarnCount, len(result.Warnings), result.Warnings)
			assert.Equal(t, tt.wantErrCount == 0, result.IsValid())

			for _, wantErr := range tt.wantErrors {
				found := false
				for _, err := range result.Errors {
					if err.Message == wantErr {
						found = true
						break
					}
				}
				assert.True(t, found, "expected error '%s' not found in %v", wantErr, result.Errors)
			}

			for _, wantWarn := range tt.wantWarnings {
				found := false
				for _, warn := range result.Warnings {
					if strings.Contains(warn.Message, wantWarn) {
						found = true
						break
					}
				}
				assert.True(t, found, "expected warning '%s' not found in %v", wantWarn, result.Warnings)
			}
		})
	}
}

func TestValidateFile_MissingFile(t *testing.T) {
	_, err := ValidateFile(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}
