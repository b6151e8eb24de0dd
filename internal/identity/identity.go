// Package identity holds the user identity retained after a provider
// assertion has been verified or a trusted bot login has been accepted.
package identity

import "strconv"

// Identity is the verified subset of a provider assertion. It carries no
// trust beyond "matched the shared secret at verification time".
type Identity struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
	PhotoURL  string `json:"photo_url,omitempty"`
}

// Key returns the external user id as a string, for use in index keys
func (i Identity) Key() string {
	return strconv.FormatInt(i.ID, 10)
}

// DisplayName returns a human readable name for logs and pages
func (i Identity) DisplayName() string {
	switch {
	case i.Username != "":
		return "@" + i.Username
	case i.LastName != "":
		return i.FirstName + " " + i.LastName
	default:
		return i.FirstName
	}
}
