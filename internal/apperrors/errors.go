package apperrors

import (
	"errors"
)

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrInvalidSession = errors.New("invalid or expired session")

	// Credential can't be used and can't be silently renewed: user has to reconnect
	ErrAuthenticationRequired = errors.New("authentication required")

	ErrNoRefreshToken     = errors.New("no refresh token available")
	ErrRefreshRejected    = errors.New("refresh token rejected")
	ErrRefreshFailed      = errors.New("token refresh failed")
	ErrCredentialConflict = errors.New("credential was modified concurrently")

	ErrDeliveryFailed = errors.New("message delivery failed")

	ErrMessageNotFound   = errors.New("scheduled message not found")
	ErrMessageNotPending = errors.New("scheduled message is not pending")
	ErrScheduleInPast    = errors.New("scheduled time must be in the future")
)
