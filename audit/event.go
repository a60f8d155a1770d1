// Package audit records who did what while an operator acts as another
// account. Every entry is attributed to the impersonator, never to the
// impersonated identity.
package audit

// Event identifies the type of audited action.
type Event string

const (
	EventImpersonationStarted Event = "impersonation_started"
	EventImpersonationStopped Event = "impersonation_stopped"
	EventConfirmRequested     Event = "confirmation_requested"
	EventConfirmConfirmed     Event = "confirmation_confirmed"
	EventConfirmCancelled     Event = "confirmation_cancelled"
	EventConfirmExpired       Event = "confirmation_expired"
	EventMutationForwarded    Event = "mutation_forwarded"
	EventMutationBlocked      Event = "mutation_blocked"
)
