package store

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NewInputID returns a fresh identifier for a submitted input.
func NewInputID() string {
	return uuid.NewString()
}

// ParseInputID validates and canonicalizes an input identifier.
func ParseInputID(id string) (string, error) {
	u, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return u.String(), nil
}

// ContainsFold reports whether substr is within s, ignoring case. An empty
// substr always matches.
func ContainsFold(s, substr string) bool {
	if substr == "" {
		return true
	}
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
