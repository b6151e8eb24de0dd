package verifier

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ParseQuery builds an assertion from redirect-style query parameters
func ParseQuery(values url.Values) (Assertion, error) {
	a := Assertion{
		FirstName: values.Get("first_name"),
		LastName:  values.Get("last_name"),
		Username:  values.Get("username"),
		PhotoURL:  values.Get("photo_url"),
		Hash:      strings.TrimSpace(values.Get("hash")),
	}

	var err error
	if a.ID, err = parseInt("id", values.Get("id")); err != nil {
		return Assertion{}, err
	}
	if a.AuthDate, err = parseInt("auth_date", values.Get("auth_date")); err != nil {
		return Assertion{}, err
	}
	return a, nil
}

// wireAssertion accepts numeric fields as JSON numbers or numeric strings,
// since widget callbacks forward them either way.
type wireAssertion struct {
	ID        json.Number `json:"id"`
	FirstName string      `json:"first_name"`
	LastName  string      `json:"last_name"`
	Username  string      `json:"username"`
	PhotoURL  string      `json:"photo_url"`
	AuthDate  json.Number `json:"auth_date"`
	Hash      string      `json:"hash"`
}

// ParseJSON builds an assertion from a JSON document
func ParseJSON(data []byte) (Assertion, error) {
	var w wireAssertion
	if err := json.Unmarshal(data, &w); err != nil {
		return Assertion{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	a := Assertion{
		FirstName: w.FirstName,
		LastName:  w.LastName,
		Username:  w.Username,
		PhotoURL:  w.PhotoURL,
		Hash:      strings.TrimSpace(w.Hash),
	}

	var err error
	if a.ID, err = parseInt("id", w.ID.String()); err != nil {
		return Assertion{}, err
	}
	if a.AuthDate, err = parseInt("auth_date", w.AuthDate.String()); err != nil {
		return Assertion{}, err
	}
	return a, nil
}

func parseInt(field, raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s is not an integer", ErrMalformed, field)
	}
	return n, nil
}
