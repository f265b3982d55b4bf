// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"fmt"
)

// Error classes. Every error returned by the core wraps exactly one of these.
var (
	// ErrNotFound indicates the requested identity, room, post or record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates a failed capability check or a detached session.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrConflict indicates a uniqueness violation or an already consumed resource.
	ErrConflict = errors.New("conflict")

	// ErrInvalidInput indicates local validation failed before any remote call.
	ErrInvalidInput = errors.New("invalid input")

	// ErrRemoteUnavailable indicates a transport or subscription failure.
	ErrRemoteUnavailable = errors.New("remote unavailable")

	// ErrBanned indicates the identity is banned.
	ErrBanned = errors.New("banned")

	// ErrTimeout indicates a remote call exceeded its deadline.
	ErrTimeout = errors.New("timeout")

	// ErrRateLimited indicates a temporary lock or throttle.
	ErrRateLimited = errors.New("rate limited")
)

// Operation-specific errors.
var (
	ErrWrongSecret        = fmt.Errorf("wrong secret: %w", ErrUnauthorized)
	ErrRegistrationClosed = fmt.Errorf("registration closed: %w", ErrUnauthorized)
	ErrMaintenance        = fmt.Errorf("maintenance mode: %w", ErrUnauthorized)
	ErrInvalidInvite      = fmt.Errorf("invalid invite code: %w", ErrInvalidInput)
	ErrUsernameTaken      = fmt.Errorf("username taken: %w", ErrConflict)
	ErrEmailTaken         = fmt.Errorf("email taken: %w", ErrConflict)
	ErrWeakSecret         = fmt.Errorf("weak secret: %w", ErrInvalidInput)

	// ErrSelfBan is returned when an admin tries to ban themselves.
	ErrSelfBan = fmt.Errorf("cannot ban yourself: %w", ErrInvalidInput)
	// ErrLastAdmin is returned when a role change would leave the tenant without an admin.
	ErrLastAdmin = fmt.Errorf("last admin: %w", ErrConflict)
	// ErrProtectedIdentity is returned when deleting an admin or owner.
	ErrProtectedIdentity = fmt.Errorf("protected identity: %w", ErrUnauthorized)
	// ErrNotConfirmed is returned when a destructive operation lacks its confirmations.
	ErrNotConfirmed = fmt.Errorf("not confirmed: %w", ErrInvalidInput)
)
