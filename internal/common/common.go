// Package common defines shared constants and sentinel errors used across
// client and server layers of walletsync. Callers should use errors.Is to
// match these values.
package common

import "errors"

// AccessTokenHeaderName is the HTTP header used to carry the access token
// on outbound requests.
const AccessTokenHeaderName = "Authorization"

// Reject reasons returned by the sync endpoint for individual events.
const (
	RejectPermissionDenied  = "permission_denied"
	RejectValidationFailed  = "validation_failed"
	RejectConflict          = "conflict"
	RejectUndoTargetMissing = "undo_target_missing"
	RejectUndoTooOld        = "undo_too_old"
)

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Service-level errors (generic/internal flow control).
	ErrorInternal     = errors.New("internal error")
	ErrorUnauthorized = errors.New("unauthorized")

	// Sync errors.
	ErrPermissionDenied = errors.New("permission denied")
	ErrNoWalletSelected = errors.New("no wallet selected")
	ErrSyncInFlight     = errors.New("sync already in flight")
	ErrVersionConflict  = errors.New("version conflict")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")

	// Token lifecycle errors.
	ErrTokenExpired = errors.New("token expired")
	ErrAuthDeclined = errors.New("auth declined")
)
