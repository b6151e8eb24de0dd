package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// ValidationResult holds validation errors and warnings
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// ValidationError represents a validation issue
type ValidationError struct {
	Path    string
	Message string
}

// IsValid returns true if there are no errors
func (v *ValidationResult) IsValid() bool {
	return len(v.Errors) == 0
}

// ValidateFile validates a config file structure without requiring env vars
func ValidateFile(path string) (*ValidationResult, error) {
	result := &ValidationResult{}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Check JSON syntax
	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		result.Errors = append(result.Errors, ValidationError{
			Message: fmt.Sprintf("invalid JSON: %v", err),
		})
		return result, nil
	}

	// Check for bash-style syntax
	checkBashStyleSyntax(rawConfig, "", result)

	// Check version
	version, ok := rawConfig["version"].(string)
	if !ok {
		result.Errors = append(result.Errors, ValidationError{
			Path:    "version",
			Message: fmt.Sprintf("version field is required. Hint: Add \"version\": \"%s\"", SupportedVersion),
		})
	} else if !IsSupportedVersion(version) {
		result.Errors = append(result.Errors, ValidationError{
			Path:    "version",
			Message: fmt.Sprintf("unsupported version '%s' - use '%s' or '%s-<variant>'", version, SupportedVersion, SupportedVersion),
		})
	}

	validateServerStructure(rawConfig, result)
	validateProviderStructure(rawConfig, result)
	validateAPIKeyStructure(rawConfig, "botIntegration", result)
	validateAPIKeyStructure(rawConfig, "admin", result)

	if sessions, ok := rawConfig["sessions"].(map[string]any); ok {
		validateSessionsConfig(sessions, result)
	}

	return result, nil
}

// validateServerStructure checks the server configuration structure
func validateServerStructure(rawConfig map[string]any, result *ValidationResult) {
	server, ok := rawConfig["server"].(map[string]any)
	if !ok {
		result.Errors = append(result.Errors, ValidationError{
			Path:    "server",
			Message: "server field is required and must be an object",
		})
		return
	}

	if _, ok := server["addr"]; !ok {
		result.Warnings = append(result.Warnings, ValidationError{
			Path:    "server.addr",
			Message: fmt.Sprintf("addr is not set, defaulting to %q", DefaultAddr),
		})
	}

	if origins, ok := server["allowedOrigins"]; ok {
		list, isList := origins.([]any)
		if !isList {
			result.Errors = append(result.Errors, ValidationError{
				Path:    "server.allowedOrigins",
				Message: "allowedOrigins must be an array of origins. Example: [\"https://app.example.com\"]",
			})
		} else if len(list) == 0 {
			result.Warnings = append(result.Warnings, ValidationError{
				Path:    "server.allowedOrigins",
				Message: "allowedOrigins is empty, browsers on other origins will not be able to call the API",
			})
		}
	}
}

// validateProviderStructure checks the login provider secret
func validateProviderStructure(rawConfig map[string]any, result *ValidationResult) {
	provider, ok := rawConfig["provider"].(map[string]any)
	if !ok {
		result.Warnings = append(result.Warnings, ValidationError{
			Path:    "provider",
			Message: "provider is not configured, widget and callback logins will fail",
		})
		return
	}

	token, ok := provider["botToken"]
	if !ok {
		result.Warnings = append(result.Warnings, ValidationError{
			Path:    "provider.botToken",
			Message: "botToken is not set, widget and callback logins will fail",
		})
		return
	}
	if err := validateEnvVarReference(token, "botToken", "provider.botToken"); err != nil {
		result.Errors = append(result.Errors, *err)
	}
}

// validateAPIKeyStructure checks an API-key protected endpoint group
func validateAPIKeyStructure(rawConfig map[string]any, section string, result *ValidationResult) {
	cfg, ok := rawConfig[section].(map[string]any)
	if !ok {
		return
	}

	enabled, _ := cfg["enabled"].(bool)
	key, hasKey := cfg["apiKey"]
	if !hasKey {
		if enabled {
			result.Errors = append(result.Errors, ValidationError{
				Path:    section + ".apiKey",
				Message: fmt.Sprintf("apiKey is required when %s is enabled", section),
			})
		}
		return
	}
	if err := validateEnvVarReference(key, "apiKey", section+".apiKey"); err != nil {
		result.Errors = append(result.Errors, *err)
	}
}

// validateEnvVarReference checks that a secret is given as {"$env": ...}
func validateEnvVarReference(value any, fieldName, path string) *ValidationError {
	switch v := value.(type) {
	case string:
		// Check if it looks like a bash-style env var
		bashStyleRegex := regexp.MustCompile(`\$\{?([A-Z_][A-Z0-9_]*)\}?`)
		if matches := bashStyleRegex.FindStringSubmatch(v); len(matches) > 1 {
			varName := matches[1]
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead. Hint: JSON syntax prevents accidental shell expansion and ensures security", v, varName),
			}
		}
		// Plain string value
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must use environment variable reference {\"$env\": \"YOUR_ENV_VAR\"} instead of plain text '%s'. Hint: This prevents secrets from being stored in config files", fieldName, v),
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; !hasEnv {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("%s must use {\"$env\": \"YOUR_ENV_VAR\"} format, not %v", fieldName, v),
			}
		}
		// Valid env reference
		return nil
	default:
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must be an environment variable reference {\"$env\": \"YOUR_ENV_VAR\"}, not %T", fieldName, value),
		}
	}
}


// checkBashStyleSyntax recursively checks for bash-style env var syntax
func checkBashStyleSyntax(value any, path string, result *ValidationResult) {
	bashStyleRegex := regexp.MustCompile(`\$\{?[A-Z_][A-Z0-9_]*\}?`)

	switch v := value.(type) {
	case string:
		if matches := bashStyleRegex.FindAllString(v, -1); len(matches) > 0 {
			for _, match := range matches {
				varName := strings.Trim(match, "${}")
				result.Warnings = append(result.Warnings, ValidationError{
					Path:    path,
					Message: fmt.Sprintf("found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead. Hint: JSON syntax prevents accidental shell expansion in scripts/CI and ensures unambiguous parsing", match, varName),
				})
			}
		}
	case map[string]any:
		// Skip if this is already an env ref
		if _, hasEnv := v["$env"]; hasEnv {
			return
		}

		for key, val := range v {
			newPath := path
			if newPath == "" {
				newPath = key
			} else {
				newPath = path + "." + key
			}
			checkBashStyleSyntax(val, newPath, result)
		}
	case []any:
		for i, item := range v {
			newPath := fmt.Sprintf("%s[%d]", path, i)
			checkBashStyleSyntax(item, newPath, result)
		}
	}
}

// validateSessionsConfig checks session management configuration
func validateSessionsConfig(sessions map[string]any, result *ValidationResult) {
	// Parse timeout and cleanupInterval if both present
	var timeoutStr, cleanupStr string
	var hasTimeout, hasCleanup bool

	if t, ok := sessions["timeout"].(string); ok {
		timeoutStr = t
		hasTimeout = true
		if _, err := time.ParseDuration(t); err != nil {
			result.Errors = append(result.Errors, ValidationError{
				Path:    "sessions.timeout",
				Message: fmt.Sprintf("invalid duration '%s'. Example: \"168h\"", t),
			})
		}
	}

	if c, ok := sessions["cleanupInterval"].(string); ok {
		cleanupStr = c
		hasCleanup = true
		if _, err := time.ParseDuration(c); err != nil {
			result.Errors = append(result.Errors, ValidationError{
				Path:    "sessions.cleanupInterval",
				Message: fmt.Sprintf("invalid duration '%s'. Example: \"1h\"", c),
			})
		}
	}

	// Only compare if both are present
	if hasTimeout && hasCleanup {
		timeoutDur, err1 := time.ParseDuration(timeoutStr)
		cleanupDur, err2 := time.ParseDuration(cleanupStr)

		if err1 == nil && err2 == nil {
			if cleanupDur > timeoutDur {
				result.Warnings = append(result.Warnings, ValidationError{
					Path: "sessions",
					Message: fmt.Sprintf(
						"cleanupInterval (%s) is longer than timeout (%s). Expired sessions will remain in storage until cleanup runs.",
						cleanupStr, timeoutStr,
					),
				})
			}
		}
	}

	storage, _ := sessions["storage"].(string)
	switch StorageKind(storage) {
	case "", StorageMemory:
	case StorageRedis:
		url, ok := sessions["redisUrl"]
		if !ok {
			result.Errors = append(result.Errors, ValidationError{
				Path:    "sessions.redisUrl",
				Message: "redisUrl is required when using redis storage",
			})
		} else if err := validateEnvVarReference(url, "redisUrl", "sessions.redisUrl"); err != nil {
			result.Errors = append(result.Errors, *err)
		}
	case StorageFirestore:
		if _, ok := sessions["gcpProject"]; !ok {
			result.Errors = append(result.Errors, ValidationError{
				Path:    "sessions.gcpProject",
				Message: "gcpProject is required when using firestore storage",
			})
		}
	default:
		result.Errors = append(result.Errors, ValidationError{
			Path:    "sessions.storage",
			Message: fmt.Sprintf("unknown storage '%s'. Options: memory, redis, firestore", storage),
		})
	}
}
