// Package uuid issues identifiers for pending confirmations, audit entries
// and request correlation.
package uuid

import "github.com/google/uuid"

// New returns a random (version 4) UUID string.
func New() string {
	return uuid.NewString()
}
