// Package banner renders the persistent "you are impersonating" indicator.
package banner

import (
	"context"
	"fmt"

	"github.com/jmcleod/actas/session"
)

// Controller is the part of session.Controller the banner needs.
type Controller interface {
	State() session.State
	Stop(ctx context.Context) error
}

const (
	colorReadOnly = "\x1b[33m"
	colorFull     = "\x1b[31m"
	colorReset    = "\x1b[0m"
)

// Banner reflects the controller's state on every call; it holds none itself.
type Banner struct {
	ctrl Controller
}

func New(ctrl Controller) *Banner {
	return &Banner{ctrl: ctrl}
}

// Visible reports whether the banner should be shown.
func (b *Banner) Visible() bool {
	return b.ctrl.State().Impersonating
}

// Text returns the plain banner line, or "" when not impersonating. The
// target's name is omitted when it is not known, e.g. after a restart.
func (b *Banner) Text() string {
	st := b.ctrl.State()
	if !st.Impersonating {
		return ""
	}
	name := ""
	if st.Target != nil {
		name = st.Target.DisplayName()
	}
	if name == "" {
		return fmt.Sprintf("Impersonating (%s mode)", st.Mode)
	}
	return fmt.Sprintf("Impersonating %s (%s mode)", name, st.Mode)
}

// Render returns Text coloured for a terminal: yellow for read-only and red
// for full access.
func (b *Banner) Render() string {
	text := b.Text()
	if text == "" {
		return ""
	}
	color := colorReadOnly
	if b.ctrl.State().Mode == session.ModeFull {
		color = colorFull
	}
	return fmt.Sprintf("%s▲ %s ▲%s\n", color, text, colorReset)
}

// Exit stops the impersonation.
func (b *Banner) Exit(ctx context.Context) error {
	return b.ctrl.Stop(ctx)
}
