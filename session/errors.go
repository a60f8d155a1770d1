package session

import "errors"

var (
	// ErrStorageUnavailable wraps any failure to read or write the slot store.
	// Transitions that hit it leave both the store and in-memory state as they were.
	ErrStorageUnavailable = errors.New("session storage unavailable")
	// ErrSlotEmpty is returned by Store.Get when a slot holds no value.
	ErrSlotEmpty = errors.New("session slot empty")
	// ErrNoActiveCredential means there is no operator credential to set aside.
	ErrNoActiveCredential = errors.New("no active credential")
	// ErrEmptyCredential rejects an empty impersonation token.
	ErrEmptyCredential = errors.New("credential must not be empty")
	// ErrInvalidMode rejects a mode other than read-only or full.
	ErrInvalidMode = errors.New("invalid impersonation mode")
)

// ErrImpersonationActive is returned by operations that only make sense for
// the operator's own session.
var ErrImpersonationActive = errors.New("impersonation is active")

// ErrResetHook marks errors returned by reset hooks. The transition that
// triggered the hooks has already been committed when it is returned.
var ErrResetHook = errors.New("reset hook")
