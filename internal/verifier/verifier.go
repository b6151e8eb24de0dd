// Package verifier checks the authenticity and freshness of login assertions
// delivered by the provider's widget, redirect callback or popup.
//
// The check follows the provider protocol exactly: the data-check string is
// every present field except the signature, formatted as key=value, sorted by
// key and joined with newlines. It is signed with HMAC-SHA256 under a key
// derived as HMAC-SHA256(key="WebAppData", message=sharedSecret), and the
// hex result is compared with the assertion's hash in constant time.
package verifier

import (
	"crypto/hmac"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dgellow/authfront/internal/crypto"
	"github.com/dgellow/authfront/internal/identity"
)

// MaxAssertionAge is the freshness window for auth_date. It is part of the
// protocol and intentionally not configurable.
const MaxAssertionAge = 24 * time.Hour

// secretKeyLabel is the HMAC key used to derive the signing key from the
// shared secret.
const secretKeyLabel = "WebAppData"

var (
	// ErrMalformed is returned when an assertion cannot be parsed
	ErrMalformed = errors.New("malformed assertion")

	// ErrExpired is returned when auth_date is older than MaxAssertionAge
	ErrExpired = errors.New("assertion expired")

	// ErrBadSignature is returned when the hash does not match
	ErrBadSignature = errors.New("assertion signature mismatch")

	// ErrNotConfigured is returned when no shared secret is available
	ErrNotConfigured = errors.New("shared secret not configured")
)

// Assertion is a signed identity claim as delivered by the provider.
// Zero values mean "absent".
type Assertion struct {
	ID        int64
	FirstName string
	LastName  string
	Username  string
	PhotoURL  string
	AuthDate  int64
	Hash      string
}

// fields returns the present, non-signature fields keyed by wire name
func (a Assertion) fields() map[string]string {
	f := make(map[string]string, 6)
	if a.ID != 0 {
		f["id"] = strconv.FormatInt(a.ID, 10)
	}
	if a.FirstName != "" {
		f["first_name"] = a.FirstName
	}
	if a.LastName != "" {
		f["last_name"] = a.LastName
	}
	if a.Username != "" {
		f["username"] = a.Username
	}
	if a.PhotoURL != "" {
		f["photo_url"] = a.PhotoURL
	}
	if a.AuthDate != 0 {
		f["auth_date"] = strconv.FormatInt(a.AuthDate, 10)
	}
	return f
}

// Missing returns the wire names of required fields that are absent
func (a Assertion) Missing() []string {
	var missing []string
	if a.ID == 0 {
		missing = append(missing, "id")
	}
	if a.FirstName == "" {
		missing = append(missing, "first_name")
	}
	if a.AuthDate == 0 {
		missing = append(missing, "auth_date")
	}
	if a.Hash == "" {
		missing = append(missing, "hash")
	}
	return missing
}

// Identity returns the identity fields carried by the assertion
func (a Assertion) Identity() identity.Identity {
	return identity.Identity{
		ID:        a.ID,
		FirstName: a.FirstName,
		LastName:  a.LastName,
		Username:  a.Username,
		PhotoURL:  a.PhotoURL,
	}
}

// DataCheckString builds the canonical string that the provider signs
func DataCheckString(a Assertion) string {
	f := a.fields()
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+"="+f[k])
	}
	return strings.Join(lines, "\n")
}

func signingKey(sharedSecret string) []byte {
	return crypto.HMACSHA256([]byte(secretKeyLabel), []byte(sharedSecret))
}

// Sign computes the hex signature the provider would attach to a
func Sign(a Assertion, sharedSecret string) string {
	return crypto.SignData(DataCheckString(a), signingKey(sharedSecret))
}

// Verify checks freshness and signature of a against sharedSecret at time now.
// It has no side effects.
func Verify(a Assertion, sharedSecret string, now time.Time) (identity.Identity, error) {
	if sharedSecret == "" {
		return identity.Identity{}, ErrNotConfigured
	}
	if a.AuthDate <= 0 || a.ID == 0 {
		return identity.Identity{}, fmt.Errorf("%w: missing id or auth_date", ErrMalformed)
	}

	issuedAt := time.Unix(a.AuthDate, 0)
	if now.Sub(issuedAt) > MaxAssertionAge {
		return identity.Identity{}, ErrExpired
	}

	given, err := hex.DecodeString(a.Hash)
	if err != nil || len(given) != 32 {
		return identity.Identity{}, fmt.Errorf("%w: hash is not a hex encoded sha256 digest", ErrMalformed)
	}

	expected := crypto.HMACSHA256(signingKey(sharedSecret), []byte(DataCheckString(a)))
	if !hmac.Equal(expected, given) {
		return identity.Identity{}, ErrBadSignature
	}

	return a.Identity(), nil
}
