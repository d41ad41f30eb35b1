// Package identity validates the opaque owner identifier supplied by the
// identity collaborator. The core trusts the id as given once it passes the
// format check.
package identity

import (
	"errors"
	"net/http"
	"regexp"
	"strings"
)

// OwnerHeader carries the caller's owner id on every request.
const OwnerHeader = "X-User-Id"

// Owner ids are 3-50 chars of letters, digits, underscore, or hyphen.
var ownerPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,50}$`)

var (
	ErrMissingOwner = errors.New("owner id header is required")
	ErrInvalidOwner = errors.New("owner id must be 3-50 characters of letters, digits, underscore, or hyphen")
)

// Validate checks the owner id format.
func Validate(owner string) error {
	if strings.TrimSpace(owner) == "" {
		return ErrMissingOwner
	}
	if !ownerPattern.MatchString(owner) {
		return ErrInvalidOwner
	}
	return nil
}

// FromRequest extracts and validates the owner id from the request header.
func FromRequest(r *http.Request) (string, error) {
	owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
	if err := Validate(owner); err != nil {
		return "", err
	}
	return owner, nil
}
