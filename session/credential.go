package session

import (
	"crypto/sha256"

	"github.com/jmcleod/actas/internal/util"
)

// Credential is an opaque bearer token. Its String form is redacted so a
// credential never lands in a log line by accident.
type Credential string

func (c Credential) String() string {
	if c == "" {
		return ""
	}
	return "[redacted]"
}

func (c Credential) GoString() string { return c.String() }

// Fingerprint returns a short stable identifier for the credential that is
// safe to log and compare.
func (c Credential) Fingerprint() string {
	sum := sha256.Sum256([]byte(c))
	return util.HexEncode(sum[:6])
}
