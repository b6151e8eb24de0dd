package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dgellow/authfront/internal/storage"
	"github.com/dgellow/authfront/internal/verifier"
)

var (
	// ErrMissingFields is returned when required request fields are absent
	ErrMissingFields = errors.New("missing required fields")

	// ErrUnauthorized is returned when an assertion fails verification or a
	// session id does not resolve to a live session
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound is returned when a session to act on does not exist
	ErrNotFound = errors.New("not found")

	// ErrNotConfigured is returned when no shared secret is configured
	ErrNotConfigured = verifier.ErrNotConfigured

	// ErrStorage is returned when the session store fails
	ErrStorage = errors.New("session storage error")
)

// MissingFieldsError names the required fields that were absent
type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return fmt.Sprintf("missing required fields: %s", strings.Join(e.Fields, ", "))
}

// Is makes MissingFieldsError match ErrMissingFields
func (e *MissingFieldsError) Is(target error) bool {
	return target == ErrMissingFields
}

func missingFields(fields ...string) error {
	return &MissingFieldsError{Fields: fields}
}

// storageErr maps a store failure into the orchestrator's taxonomy
func storageErr(op string, err error) error {
	if errors.Is(err, storage.ErrSessionNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, op)
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
