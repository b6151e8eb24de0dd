package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dgellow/authfront/internal/log"
)

// Load loads and processes the config with immediate env var resolution
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse processes config file contents the same way Load does
func Parse(data []byte) (Config, error) {
	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return Config{}, fmt.Errorf("parsing config JSON: %w", err)
	}

	version, ok := rawConfig["version"].(string)
	if !ok {
		return Config{}, fmt.Errorf("config version is required")
	}
	if !IsSupportedVersion(version) {
		return Config{}, fmt.Errorf("unsupported config version: %s", version)
	}

	if err := validateRawConfig(rawConfig); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	// The custom UnmarshalJSON methods resolve env vars immediately
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	config.applyDefaults()

	if err := ValidateConfig(&config); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// secretFields lists the values that must never be written inline
var secretFields = []struct {
	section string
	field   string
}{
	{"provider", "botToken"},
	{"botIntegration", "apiKey"},
	{"admin", "apiKey"},
	{"sessions", "redisUrl"},
}

// validateRawConfig validates the config structure before environment resolution
func validateRawConfig(rawConfig map[string]any) error {
	for _, secret := range secretFields {
		section, ok := rawConfig[secret.section].(map[string]any)
		if !ok {
			continue
		}
		value, exists := section[secret.field]
		if !exists {
			continue
		}
		// A plain string is rejected, only env refs are allowed
		if _, isString := value.(string); isString {
			return fmt.Errorf("%s.%s must use environment variable reference for security", secret.section, secret.field)
		}
		if refMap, isMap := value.(map[string]any); isMap {
			if _, hasEnv := refMap["$env"]; !hasEnv {
				return fmt.Errorf("%s.%s must use {\"$env\": \"VAR_NAME\"} format", secret.section, secret.field)
			}
		}
	}
	return nil
}

// ValidateConfig validates the resolved configuration
func ValidateConfig(config *Config) error {
	if config.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}

	if config.Provider.BotToken == "" {
		log.LogWarn("provider.botToken is not set, signed logins will be rejected")
	}

	if err := validateSessions(&config.Sessions); err != nil {
		return fmt.Errorf("sessions config: %w", err)
	}

	for name, key := range map[string]*APIKeyConfig{
		"botIntegration": config.BotIntegration,
		"admin":          config.Admin,
	} {
		if key != nil && key.Enabled && key.APIKeyHash == "" {
			return fmt.Errorf("%s.apiKey is required when %s is enabled", name, name)
		}
	}

	return nil
}

func validateSessions(s *SessionConfig) error {
	if s.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}
	if s.CleanupInterval < 0 {
		return fmt.Errorf("cleanupInterval cannot be negative")
	}
	if s.Timeout > 0 && s.CleanupInterval > s.Timeout {
		log.LogWarn("Session cleanup interval is greater than session timeout")
	}

	switch s.Storage {
	case StorageMemory:
	case StorageRedis:
		if s.RedisURL == "" {
			return fmt.Errorf("redisUrl is required when using redis storage")
		}
	case StorageFirestore:
		if s.GCPProject == "" {
			return fmt.Errorf("gcpProject is required when using firestore storage")
		}
	default:
		return fmt.Errorf("unknown storage %q (memory, redis or firestore)", s.Storage)
	}
	return nil
}
