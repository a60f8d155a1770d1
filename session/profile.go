package session

import (
	"strings"

	"github.com/jmcleod/actas/internal/util"
)

// Profile describes the impersonated account. It is held in memory only and
// never written to the slot store.
type Profile struct {
	ID        string `json:"id,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Email     string `json:"email,omitempty"`
}

// DisplayName returns "First Last", falling back to the email and then the
// account id. It returns "" when nothing is known.
func (p Profile) DisplayName() string {
	name := strings.TrimSpace(strings.TrimSpace(p.FirstName) + " " + strings.TrimSpace(p.LastName))
	switch {
	case name != "":
		return util.Normalize(name)
	case p.Email != "":
		return util.Normalize(p.Email)
	default:
		return p.ID
	}
}
