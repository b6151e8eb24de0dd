package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// SupportedVersion is the config file version this build understands.
// Variants of the form "v1-<variant>" are accepted too.
const SupportedVersion = "v1"

// IsSupportedVersion reports whether a config file version can be loaded
func IsSupportedVersion(version string) bool {
	return version == SupportedVersion || strings.HasPrefix(version, SupportedVersion+"-")
}

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// StorageKind selects the session store backend
type StorageKind string

const (
	StorageMemory    StorageKind = "memory"
	StorageRedis     StorageKind = "redis"
	StorageFirestore StorageKind = "firestore"
)

// Defaults applied when the config leaves a value unset
const (
	DefaultFirestoreDatabase   = "(default)"
	DefaultFirestoreCollection = "authfront_sessions"
	DefaultAddr                = ":8080"
)

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	Addr           string   `json:"addr"`
	BaseURL        string   `json:"baseURL"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty"` // For CORS and postMessage targets
}

// ProviderConfig holds the login provider's shared secret
type ProviderConfig struct {
	BotToken    Secret `json:"botToken"`
	BotUsername string `json:"botUsername,omitempty"`
}

// APIKeyConfig protects an endpoint group with a bearer key. Only the bcrypt
// hash of the key is kept after loading.
type APIKeyConfig struct {
	Enabled    bool   `json:"enabled"`
	APIKeyHash Secret `json:"-"`
}

// SessionConfig represents session management configuration
type SessionConfig struct {
	Timeout             time.Duration `json:"-"`
	CleanupInterval     time.Duration `json:"-"`
	Storage             StorageKind   `json:"storage"`
	RedisURL            Secret        `json:"redisUrl,omitempty"`
	GCPProject          string        `json:"gcpProject,omitempty"`
	FirestoreDatabase   string        `json:"firestoreDatabase,omitempty"`
	FirestoreCollection string        `json:"firestoreCollection,omitempty"`
}

// MetricsConfig toggles the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}

// Config represents the config structure with resolved values
type Config struct {
	Version        string         `json:"version"`
	Server         ServerConfig   `json:"server"`
	Provider       ProviderConfig `json:"provider"`
	BotIntegration *APIKeyConfig  `json:"botIntegration,omitempty"`
	Admin          *APIKeyConfig  `json:"admin,omitempty"`
	Sessions       SessionConfig  `json:"sessions"`
	Metrics        MetricsConfig  `json:"metrics"`
}

// RawConfigValue represents a value that could be a string or env ref.
// This is only used during parsing, not in the final config
type RawConfigValue struct {
	value string
}

// ParseConfigValue parses a JSON value that could be a string or a
// {"$env": "VAR_NAME"} reference object
func ParseConfigValue(raw json.RawMessage) (*RawConfigValue, error) {
	// Try plain string first
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return &RawConfigValue{value: str}, nil
	}

	// Try reference object
	var ref map[string]string
	if err := json.Unmarshal(raw, &ref); err != nil {
		return nil, fmt.Errorf("config value must be string or reference object")
	}

	envVar, ok := ref["$env"]
	if !ok {
		return nil, fmt.Errorf("unknown reference type in config value")
	}

	value := os.Getenv(envVar)
	if value == "" {
		return nil, fmt.Errorf("environment variable %s not set", envVar)
	}
	// Strip surrounding quotes if present (only matching pairs)
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	return &RawConfigValue{value: value}, nil
}

// ParseConfigValueSlice parses a slice that may contain references
func ParseConfigValueSlice(raw []json.RawMessage) ([]string, error) {
	values := make([]string, len(raw))
	for i, item := range raw {
		parsed, err := ParseConfigValue(item)
		if err != nil {
			return nil, fmt.Errorf("parsing item %d: %w", i, err)
		}
		values[i] = parsed.value
	}
	return values, nil
}
