// Package gate asks the operator to confirm mutating requests made while
// impersonating.
//
// A Broker holds at most one pending confirmation. The goroutine asking for
// confirmation blocks in RequestConfirmation until a presenter resolves the
// request, the context ends, or the idle timeout fires. Anything other than
// an explicit confirmation denies the request.
package gate

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jmcleod/actas/audit"
	"github.com/jmcleod/actas/internal/uuid"
)

const (
	reasonOperator  = "operator"
	reasonContext   = "context_done"
	reasonExpired   = "expired"
	reasonDetached  = "presenter_detached"
	reasonPresenter = "no_presenter"
)

// Option configures a Broker.
type Option func(*Broker)

// WithIdleTimeout denies a request nobody answered within d. Zero disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(b *Broker) { b.idleTimeout = d }
}

// WithObserver registers fn for every signal.
func WithObserver(fn Observer) Option {
	return func(b *Broker) { b.observers = append(b.observers, fn) }
}

// WithAuditor records requests and outcomes in the audit log.
func WithAuditor(a *audit.Logger) Option {
	return func(b *Broker) { b.auditor = a }
}

// WithIdentity supplies the impersonator id attached to each request.
func WithIdentity(fn func() string) Option {
	return func(b *Broker) { b.identity = fn }
}

// WithLogger sets the operational logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// Broker routes confirmation requests to presenters.
type Broker struct {
	idleTimeout time.Duration
	observers   []Observer
	auditor     *audit.Logger
	identity    func() string
	logger      *slog.Logger

	slot chan struct{}

	mu      sync.Mutex
	current *Pending
	subs    map[int]chan *Pending
	nextSub int
}

// NewBroker returns a Broker with no subscribers.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		identity: func() string { return "" },
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		slot:     make(chan struct{}, 1),
		subs:     make(map[int]chan *Pending),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "gate")
	return b
}

// Subscribe registers a presenter. Each new pending request is delivered on
// the returned channel; the func unsubscribes. If the last presenter leaves
// while a request is pending, that request is cancelled.
func (b *Broker) Subscribe() (<-chan *Pending, func()) {
	ch := make(chan *Pending, 1)
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			orphan := len(b.subs) == 0
			p := b.current
			b.mu.Unlock()
			if orphan && p != nil {
				_ = p.resolve(Cancelled, reasonDetached)
			}
		})
	}
}

// Current returns the live pending request, if any.
func (b *Broker) Current() (*Pending, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current, b.current != nil
}

// Resolve answers the live request with the given id.
func (b *Broker) Resolve(id string, d Decision) error {
	b.mu.Lock()
	p := b.current
	b.mu.Unlock()
	if p == nil || p.ID != id {
		return ErrUnknownConfirmation
	}
	return p.resolve(d, reasonOperator)
}

// CancelAll cancels the live request, if any.
func (b *Broker) CancelAll(reason string) {
	b.mu.Lock()
	p := b.current
	b.mu.Unlock()
	if p != nil {
		_ = p.resolve(Cancelled, reason)
	}
}

// RequestConfirmation asks the operator whether method on target may
// proceed and blocks until they answer. A second caller waits for the first
// request to finish. The returned error explains a denial that did not come
// from the operator: ErrNoPresenter, ErrConfirmationExpired or ctx.Err().
func (b *Broker) RequestConfirmation(ctx context.Context, method, target string) (Decision, error) {
	select {
	case b.slot <- struct{}{}:
	case <-ctx.Done():
		return Cancelled, ctx.Err()
	}
	defer func() { <-b.slot }()

	p := &Pending{
		ID:             uuid.New(),
		Method:         method,
		Target:         target,
		RequestedAt:    time.Now().UTC(),
		ImpersonatorID: b.identity(),
		broker:         b,
		decision:       make(chan Decision, 1),
		done:           make(chan struct{}),
	}

	b.mu.Lock()
	if len(b.subs) == 0 {
		b.mu.Unlock()
		b.logger.WarnContext(ctx, "confirmation denied, no presenter", "method", method, "target", target)
		b.auditor.Record(ctx, audit.EventConfirmCancelled, p.ImpersonatorID,
			slog.String("method", method),
			slog.String("target", target),
			slog.String("reason", reasonPresenter),
		)
		return Cancelled, ErrNoPresenter
	}
	b.mu.Unlock()

	b.emit(SignalRequested, RequestedPayload{ID: p.ID, Method: method, Target: target})
	b.auditor.Record(ctx, audit.EventConfirmRequested, p.ImpersonatorID,
		slog.String("confirmation_id", p.ID),
		slog.String("method", method),
		slog.String("target", target),
	)

	b.mu.Lock()
	b.current = p
	delivered := 0
	for _, ch := range b.subs {
		// A presenter that never read the previous request gets the new one.
		select {
		case <-ch:
		default:
		}
		ch <- p
		delivered++
	}
	b.mu.Unlock()
	if delivered == 0 {
		_ = p.resolve(Cancelled, reasonPresenter)
		return Cancelled, ErrNoPresenter
	}

	var expired <-chan time.Time
	if b.idleTimeout > 0 {
		t := time.NewTimer(b.idleTimeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case d := <-p.decision:
		return d, nil
	case <-ctx.Done():
		if err := p.resolve(Cancelled, reasonContext); err == nil {
			return Cancelled, ctx.Err()
		}
	case <-expired:
		if err := p.resolve(Cancelled, reasonExpired); err == nil {
			return Cancelled, ErrConfirmationExpired
		}
	}
	// Someone else resolved it first.
	return <-p.decision, nil
}

func (b *Broker) resolved(p *Pending, d Decision, reason string) {
	b.mu.Lock()
	if b.current == p {
		b.current = nil
	}
	b.mu.Unlock()

	event := audit.EventConfirmCancelled
	sig := SignalCancelled
	switch {
	case d == Confirmed:
		event, sig = audit.EventConfirmConfirmed, SignalConfirmed
	case reason == reasonExpired:
		event = audit.EventConfirmExpired
	}
	b.emit(sig, ResolvedPayload{ID: p.ID})
	b.auditor.Record(context.Background(), event, p.ImpersonatorID,
		slog.String("confirmation_id", p.ID),
		slog.String("method", p.Method),
		slog.String("target", p.Target),
		slog.String("reason", reason),
	)
	b.logger.Info("confirmation resolved", "id", p.ID, "decision", d, "reason", reason)
}

func (b *Broker) emit(sig Signal, payload any) {
	for _, fn := range b.observers {
		fn(sig, payload)
	}
}
