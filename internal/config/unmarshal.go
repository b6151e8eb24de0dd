package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgellow/authfront/internal/crypto"
	"github.com/dgellow/authfront/internal/log"
)

// UnmarshalJSON implements custom unmarshaling for ServerConfig
func (s *ServerConfig) UnmarshalJSON(data []byte) error {
	// Use a raw type to parse references
	type rawServer struct {
		Addr           json.RawMessage   `json:"addr"`
		BaseURL        json.RawMessage   `json:"baseURL"`
		AllowedOrigins []json.RawMessage `json:"allowedOrigins"`
	}

	var raw rawServer
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if raw.Addr != nil {
		parsed, err := ParseConfigValue(raw.Addr)
		if err != nil {
			return fmt.Errorf("parsing addr: %w", err)
		}
		s.Addr = parsed.value
	}

	if raw.BaseURL != nil {
		parsed, err := ParseConfigValue(raw.BaseURL)
		if err != nil {
			return fmt.Errorf("parsing baseURL: %w", err)
		}
		s.BaseURL = parsed.value
	}

	if len(raw.AllowedOrigins) > 0 {
		origins, err := ParseConfigValueSlice(raw.AllowedOrigins)
		if err != nil {
			return fmt.Errorf("parsing allowedOrigins: %w", err)
		}
		s.AllowedOrigins = origins
	}

	return nil
}

// UnmarshalJSON implements custom unmarshaling for ProviderConfig
func (p *ProviderConfig) UnmarshalJSON(data []byte) error {
	type rawProvider struct {
		BotToken    json.RawMessage `json:"botToken"`
		BotUsername string          `json:"botUsername"`
	}

	var raw rawProvider
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	p.BotUsername = raw.BotUsername

	if raw.BotToken != nil {
		parsed, err := ParseConfigValue(raw.BotToken)
		if err != nil {
			return fmt.Errorf("parsing botToken: %w", err)
		}
		p.BotToken = Secret(parsed.value)
	}

	return nil
}

// UnmarshalJSON implements custom unmarshaling for APIKeyConfig. The key is
// hashed immediately and the plaintext is dropped.
func (a *APIKeyConfig) UnmarshalJSON(data []byte) error {
	type rawAPIKey struct {
		Enabled bool            `json:"enabled"`
		APIKey  json.RawMessage `json:"apiKey"`
	}

	var raw rawAPIKey
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	a.Enabled = raw.Enabled

	if raw.APIKey != nil {
		parsed, err := ParseConfigValue(raw.APIKey)
		if err != nil {
			return fmt.Errorf("parsing apiKey: %w", err)
		}

		log.LogTrace("Hashing API key")
		hashed, err := crypto.HashAPIKey(parsed.value)
		if err != nil {
			return fmt.Errorf("hashing apiKey: %w", err)
		}
		a.APIKeyHash = Secret(hashed)
	}

	if a.Enabled && a.APIKeyHash == "" {
		return fmt.Errorf("apiKey is required when enabled")
	}

	return nil
}

// UnmarshalJSON implements custom unmarshaling for SessionConfig
func (s *SessionConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		Timeout             string          `json:"timeout"`
		CleanupInterval     string          `json:"cleanupInterval"`
		Storage             StorageKind     `json:"storage"`
		RedisURL            json.RawMessage `json:"redisUrl"`
		GCPProject          json.RawMessage `json:"gcpProject"`
		FirestoreDatabase   string          `json:"firestoreDatabase"`
		FirestoreCollection string          `json:"firestoreCollection"`
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.Storage = raw.Storage
	s.FirestoreDatabase = raw.FirestoreDatabase
	s.FirestoreCollection = raw.FirestoreCollection

	// Parse timeout if present
	if raw.Timeout != "" {
		timeout, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("parsing timeout: %w", err)
		}
		s.Timeout = timeout
	}

	// Parse cleanupInterval if present
	if raw.CleanupInterval != "" {
		interval, err := time.ParseDuration(raw.CleanupInterval)
		if err != nil {
			return fmt.Errorf("parsing cleanupInterval: %w", err)
		}
		s.CleanupInterval = interval
	}

	if raw.RedisURL != nil {
		parsed, err := ParseConfigValue(raw.RedisURL)
		if err != nil {
			return fmt.Errorf("parsing redisUrl: %w", err)
		}
		s.RedisURL = Secret(parsed.value)
	}

	if raw.GCPProject != nil {
		parsed, err := ParseConfigValue(raw.GCPProject)
		if err != nil {
			return fmt.Errorf("parsing gcpProject: %w", err)
		}
		s.GCPProject = parsed.value
	}

	return nil
}

// applyDefaults fills in values the file may leave out
func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Sessions.Storage == "" {
		c.Sessions.Storage = StorageMemory
	}
	if c.Sessions.Storage == StorageFirestore {
		if c.Sessions.FirestoreDatabase == "" {
			c.Sessions.FirestoreDatabase = DefaultFirestoreDatabase
		}
		if c.Sessions.FirestoreCollection == "" {
			c.Sessions.FirestoreCollection = DefaultFirestoreCollection
		}
	}
}
