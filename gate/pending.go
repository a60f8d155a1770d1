package gate

import (
	"sync"
	"time"
)

// Pending is one outstanding confirmation request. It resolves exactly once.
type Pending struct {
	ID             string    `json:"id"`
	Method         string    `json:"method"`
	Target         string    `json:"target"`
	RequestedAt    time.Time `json:"requested_at"`
	ImpersonatorID string    `json:"impersonator_id,omitempty"`

	broker   *Broker
	once     sync.Once
	decision chan Decision
	done     chan struct{}
}

// Confirm lets the request proceed.
func (p *Pending) Confirm() error {
	return p.resolve(Confirmed, reasonOperator)
}

// Cancel denies the request.
func (p *Pending) Cancel() error {
	return p.resolve(Cancelled, reasonOperator)
}

// Done is closed once the request is resolved by any party.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

func (p *Pending) resolve(d Decision, reason string) error {
	resolved := false
	p.once.Do(func() {
		resolved = true
		// Signal and audit before the caller resumes and frees the slot.
		p.broker.resolved(p, d, reason)
		p.decision <- d
		close(p.done)
	})
	if !resolved {
		return ErrAlreadyResolved
	}
	return nil
}
