package envutil

import (
	"os"
	"strings"
)

// EnvVar selects the runtime environment
const EnvVar = "AUTHFRONT_ENV"

// Mode is the runtime environment the server believes it is in
type Mode string

const (
	ModeProduction  Mode = "production"
	ModeDevelopment Mode = "development"
)

// CurrentMode reads EnvVar. Anything other than "dev" or "development" is
// treated as production.
func CurrentMode() Mode {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(EnvVar))) {
	case "development", "dev":
		return ModeDevelopment
	default:
		return ModeProduction
	}
}

// IsDev reports development mode, where session cookies may travel over
// plain HTTP
func IsDev() bool {
	return CurrentMode() == ModeDevelopment
}
