package session

import "fmt"

// Mode controls how much an impersonated session may alter data. The mode is
// enforced elsewhere; the confirmation gate applies to writes in either mode.
type Mode string

const (
	ModeReadOnly Mode = "read-only"
	ModeFull     Mode = "full"
)

// ParseMode validates s as a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeReadOnly, ModeFull:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

func (m Mode) Valid() bool {
	return m == ModeReadOnly || m == ModeFull
}
