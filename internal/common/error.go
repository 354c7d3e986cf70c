// Package common defines shared constants and sentinel errors used across
// client and server layers of gophnotes. Callers should use errors.Is to
// match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Service-level errors (generic/internal flow control).
	ErrorInternal      = errors.New("internal error")
	ErrorUnauthorized  = errors.New("unauthorized")
	ErrVersionConflict = errors.New("version conflict")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")

	// Decryption failed because the key is missing or wrong, or the
	// ciphertext is corrupted. The payload is quarantined, never dropped.
	ErrDecryptionFailed = errors.New("decryption failed")

	// The account root key could not be derived or verified. Unrecoverable
	// for the session: the caller has to authenticate again.
	ErrRootKeyUnavailable = errors.New("root key unavailable")

	// Inbound message problems. The message is rejected, state unchanged.
	ErrSignatureInvalid = errors.New("signature invalid")
	ErrUnknownSender    = errors.New("unknown sender")
	ErrStaleUpdate      = errors.New("stale update")

	// Key system and vault errors.
	ErrKeyNotFound        = errors.New("key not found")
	ErrRotationInProgress = errors.New("rotation in progress")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrVaultNotShared     = errors.New("vault is not shared")

	// Invite state machine.
	ErrInvalidTransition = errors.New("invalid state transition")

	// Transport failures. Local state is unaffected and retried later.
	ErrNetwork = errors.New("network error")

	// Validation errors.
	ErrValidation    = errors.New("validation error")
	ErrAlreadyExists = errors.New("already exists")
)
