// Package presenter shows pending confirmations to the operator and carries
// their answer back to the gate.
package presenter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jmcleod/actas/gate"
)

// ErrNotVisible is returned when the modal is asked to resolve while hidden.
var ErrNotVisible = errors.New("confirmation modal is not visible")

// Phase is the visibility of the modal.
type Phase int

const (
	Hidden Phase = iota
	Visible
)

func (p Phase) String() string {
	if p == Visible {
		return "visible"
	}
	return "hidden"
}

// View is what a visible modal displays.
type View struct {
	ID             string `json:"id"`
	Method         string `json:"method"`
	Target         string `json:"target"`
	ImpersonatorID string `json:"impersonator_id,omitempty"`
}

// ModalOption configures a Modal.
type ModalOption func(*Modal)

// WithOnShow is called, outside the modal's lock, every time the modal
// becomes visible.
func WithOnShow(fn func(View)) ModalOption {
	return func(m *Modal) { m.onShow = fn }
}

// WithOnHide is called every time the modal returns to hidden.
func WithOnHide(fn func()) ModalOption {
	return func(m *Modal) { m.onHide = fn }
}

// Modal is a two-phase state machine mirroring the broker's pending request.
// While visible it holds exactly one request; each answer resolves that
// request once and hides the modal.
type Modal struct {
	onShow func(View)
	onHide func()

	mu      sync.Mutex
	pending *gate.Pending
}

// NewModal returns a hidden Modal.
func NewModal(opts ...ModalOption) *Modal {
	m := &Modal{}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Attach subscribes to b and shows every request it delivers until ctx ends
// or the returned func is called.
func (m *Modal) Attach(ctx context.Context, b *gate.Broker) func() {
	ch, unsubscribe := b.Subscribe()
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case p, ok := <-ch:
				if !ok {
					return
				}
				m.Show(p)
			}
		}
	}()
	return func() {
		cancel()
		unsubscribe()
	}
}

// Show makes p the visible request. The modal hides by itself when p is
// resolved elsewhere.
func (m *Modal) Show(p *gate.Pending) {
	select {
	case <-p.Done():
		return
	default:
	}

	m.mu.Lock()
	m.pending = p
	m.mu.Unlock()

	go func() {
		<-p.Done()
		m.hideIf(p)
	}()
	if m.onShow != nil {
		m.onShow(viewOf(p))
	}
}

// Phase reports whether the modal is showing a request.
func (m *Modal) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return Hidden
	}
	return Visible
}

// View returns the visible request.
func (m *Modal) View() (View, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return View{}, false
	}
	return viewOf(m.pending), true
}

// Confirm lets the visible request proceed.
func (m *Modal) Confirm() error {
	return m.answer((*gate.Pending).Confirm)
}

// Cancel denies the visible request.
func (m *Modal) Cancel() error {
	return m.answer((*gate.Pending).Cancel)
}

// Dismiss closes the modal without choosing. It denies the request.
func (m *Modal) Dismiss() error {
	return m.Cancel()
}

func (m *Modal) answer(fn func(*gate.Pending) error) error {
	m.mu.Lock()
	p := m.pending
	m.mu.Unlock()
	if p == nil {
		return ErrNotVisible
	}
	if err := fn(p); err != nil {
		m.hideIf(p)
		return err
	}
	m.hideIf(p)
	return nil
}

func (m *Modal) hideIf(p *gate.Pending) {
	m.mu.Lock()
	hid := m.pending == p
	if hid {
		m.pending = nil
	}
	m.mu.Unlock()
	if hid && m.onHide != nil {
		m.onHide()
	}
}

// Render returns the modal text, or "" while hidden.
func (m *Modal) Render() string {
	v, ok := m.View()
	if !ok {
		return ""
	}
	return RenderView(v)
}

// RenderView formats v for display.
func RenderView(v View) string {
	who := v.ImpersonatorID
	if who == "" {
		who = "your own account"
	}
	var sb strings.Builder
	sb.WriteString("You are impersonating another user.\n")
	fmt.Fprintf(&sb, "  %s %s\n", strings.ToUpper(v.Method), v.Target)
	fmt.Fprintf(&sb, "This change will be made on their behalf and audited under %s.\n", who)
	return sb.String()
}

func viewOf(p *gate.Pending) View {
	return View{ID: p.ID, Method: p.Method, Target: p.Target, ImpersonatorID: p.ImpersonatorID}
}
