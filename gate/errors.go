package gate

import "errors"

var (
	// ErrNoPresenter is returned when nobody is subscribed to show the
	// confirmation. The request is denied.
	ErrNoPresenter = errors.New("no confirmation presenter attached")
	// ErrConfirmationExpired is returned when the operator did not answer
	// within the idle timeout. The request is denied.
	ErrConfirmationExpired = errors.New("confirmation expired")
	// ErrAlreadyResolved is returned by a second Confirm or Cancel.
	ErrAlreadyResolved = errors.New("confirmation already resolved")
	// ErrUnknownConfirmation is returned by Resolve for an id that is not live.
	ErrUnknownConfirmation = errors.New("unknown confirmation")
)
