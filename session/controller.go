// Package session owns the operator's credentials while they act as another
// account.
//
// The Controller is the only writer of the slot Store. Starting an
// impersonation sets the operator's credential aside in the restore slot and
// installs the impersonation token as the active credential; stopping puts
// the operator's credential back. Every transition is ordered so a crash
// between writes can never lose the operator's credential.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/jmcleod/actas/audit"
)

// State is a snapshot of the impersonation status. Target is only known to
// the process that started the impersonation; it is nil after a restart.
type State struct {
	Impersonating  bool     `json:"impersonating"`
	Mode           Mode     `json:"mode"`
	Target         *Profile `json:"target,omitempty"`
	ImpersonatorID string   `json:"impersonator_id,omitempty"`
}

// ResetHook runs after every successful transition so that components
// holding data fetched under the previous credential can drop it.
type ResetHook func(ctx context.Context, st State) error

type namedHook struct {
	name string
	fn   ResetHook
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithResetHook registers fn to run after each transition, in registration order.
func WithResetHook(name string, fn ResetHook) ControllerOption {
	return func(c *Controller) { c.hooks = append(c.hooks, namedHook{name: name, fn: fn}) }
}

// WithAuditor records transitions in the audit log.
func WithAuditor(a *audit.Logger) ControllerOption {
	return func(c *Controller) { c.auditor = a }
}

// WithLogger sets the operational logger.
func WithLogger(l *slog.Logger) ControllerOption {
	return func(c *Controller) { c.logger = l }
}

// WithIdentityResolver overrides how the impersonator id is derived from the
// operator's credential.
func WithIdentityResolver(r IdentityResolver) ControllerOption {
	return func(c *Controller) { c.identity = r }
}

// Controller starts and stops impersonation. It is safe for concurrent use;
// transitions are serialised.
type Controller struct {
	store    Store
	auditor  *audit.Logger
	logger   *slog.Logger
	identity IdentityResolver

	transition sync.Mutex

	mu    sync.RWMutex
	state State
	hooks []namedHook
}

// NewController loads the impersonation status from store. If a restore
// credential is present the controller resumes the impersonation with the
// persisted mode; otherwise it starts in the default state and clears any
// mode slot left behind.
func NewController(store Store, opts ...ControllerOption) (*Controller, error) {
	c := &Controller{
		store:    store,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		identity: SubjectOrFingerprint,
		state:    State{Mode: ModeReadOnly},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "session")
	if err := c.sync(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Controller) sync() error {
	restore, err := c.store.Get(KeyRestoreCredential)
	if errors.Is(err, ErrSlotEmpty) {
		if _, err := c.store.Get(KeyImpersonationMode); err == nil {
			c.logger.Warn("clearing stray impersonation mode")
			if err := c.store.Commit(Clear(KeyImpersonationMode)); err != nil {
				return err
			}
		}
		return nil
	}
	if err != nil {
		return err
	}

	mode := ModeReadOnly
	if raw, err := c.store.Get(KeyImpersonationMode); err == nil {
		if m, err := ParseMode(raw); err == nil {
			mode = m
		} else {
			c.logger.Warn("unreadable impersonation mode, using read-only", "mode", raw)
		}
	}
	c.state = State{
		Impersonating:  true,
		Mode:           mode,
		ImpersonatorID: c.identity(Credential(restore)),
	}
	c.logger.Info("resumed impersonation", "mode", mode, "impersonator_id", c.state.ImpersonatorID)
	return nil
}

// OnReset registers a reset hook after construction.
func (c *Controller) OnReset(name string, fn ResetHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, namedHook{name: name, fn: fn})
}

// State returns a snapshot of the current status.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := c.state
	if st.Target != nil {
		t := *st.Target
		st.Target = &t
	}
	return st
}

// Impersonating reports whether an impersonation is in progress.
func (c *Controller) Impersonating() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Impersonating
}

// ActiveCredential returns the credential outbound requests should carry.
func (c *Controller) ActiveCredential() (Credential, error) {
	v, err := c.store.Get(KeyActiveCredential)
	if errors.Is(err, ErrSlotEmpty) {
		return "", ErrNoActiveCredential
	}
	if err != nil {
		return "", err
	}
	return Credential(v), nil
}

// SignIn installs the operator's own credential. It is refused while an
// impersonation is active, since the active slot then belongs to the target.
func (c *Controller) SignIn(ctx context.Context, token Credential) error {
	if token == "" {
		return ErrEmptyCredential
	}
	c.transition.Lock()
	defer c.transition.Unlock()

	if _, err := c.store.Get(KeyRestoreCredential); err == nil {
		return ErrImpersonationActive
	} else if !errors.Is(err, ErrSlotEmpty) {
		return err
	}
	if err := c.store.Commit(Set(KeyActiveCredential, string(token)), Set(KeySchemaVersion, SchemaVersion)); err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "operator credential installed", "impersonator_id", c.identity(token))
	return nil
}

// Start begins acting as target using token.
//
// The operator's current credential is copied into the restore slot before
// token replaces it. When an impersonation is already running the existing
// restore credential is kept, so the operator's own credential is never
// overwritten by an impersonated one.
func (c *Controller) Start(ctx context.Context, token Credential, target Profile, mode Mode) error {
	if token == "" {
		return ErrEmptyCredential
	}
	if !mode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	c.transition.Lock()
	defer c.transition.Unlock()

	restore, err := c.store.Get(KeyRestoreCredential)
	nested := err == nil
	switch {
	case nested:
	case errors.Is(err, ErrSlotEmpty):
		restore, err = c.store.Get(KeyActiveCredential)
		if errors.Is(err, ErrSlotEmpty) {
			return ErrNoActiveCredential
		}
		if err != nil {
			return err
		}
	default:
		return err
	}

	err = c.store.Commit(
		Set(KeyRestoreCredential, restore),
		Set(KeyImpersonationMode, string(mode)),
		Set(KeyActiveCredential, string(token)),
		Set(KeySchemaVersion, SchemaVersion),
	)
	if err != nil {
		c.logger.ErrorContext(ctx, "start impersonation failed", "error", err)
		return err
	}

	t := target
	st := State{
		Impersonating:  true,
		Mode:           mode,
		Target:         &t,
		ImpersonatorID: c.identity(Credential(restore)),
	}
	c.setState(st)

	c.auditor.Record(ctx, audit.EventImpersonationStarted, st.ImpersonatorID,
		slog.String("target_id", target.ID),
		slog.String("mode", string(mode)),
		slog.Bool("nested", nested),
	)
	c.logger.InfoContext(ctx, "impersonation started", "target_id", target.ID, "mode", mode, "nested", nested)
	return c.reset(ctx, st)
}

// Stop ends the impersonation and restores the operator's credential. It is
// a silent no-op when no restore credential is stored.
func (c *Controller) Stop(ctx context.Context) error {
	c.transition.Lock()
	defer c.transition.Unlock()

	restore, err := c.store.Get(KeyRestoreCredential)
	if errors.Is(err, ErrSlotEmpty) {
		c.setState(State{Mode: ModeReadOnly})
		return nil
	}
	if err != nil {
		return err
	}

	err = c.store.Commit(
		Set(KeyActiveCredential, restore),
		Clear(KeyRestoreCredential),
		Clear(KeyImpersonationMode),
		Set(KeySchemaVersion, SchemaVersion),
	)
	if err != nil {
		c.logger.ErrorContext(ctx, "stop impersonation failed", "error", err)
		return err
	}

	prev := c.State()
	st := State{Mode: ModeReadOnly}
	c.setState(st)

	impersonatorID := c.identity(Credential(restore))
	var targetID string
	if prev.Target != nil {
		targetID = prev.Target.ID
	}
	c.auditor.Record(ctx, audit.EventImpersonationStopped, impersonatorID,
		slog.String("target_id", targetID),
		slog.String("mode", string(prev.Mode)),
	)
	c.logger.InfoContext(ctx, "impersonation stopped", "target_id", targetID)
	return c.reset(ctx, st)
}

func (c *Controller) setState(st State) {
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
}

func (c *Controller) reset(ctx context.Context, st State) error {
	c.mu.RLock()
	hooks := make([]namedHook, len(c.hooks))
	copy(hooks, c.hooks)
	c.mu.RUnlock()

	var errs []error
	for _, h := range hooks {
		if err := h.fn(ctx, st); err != nil {
			c.logger.WarnContext(ctx, "reset hook failed", "hook", h.name, "error", err)
			errs = append(errs, fmt.Errorf("%w %s: %w", ErrResetHook, h.name, err))
		}
	}
	return errors.Join(errs...)
}
