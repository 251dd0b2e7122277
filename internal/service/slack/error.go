package slack

import (
	"errors"
	"fmt"
	"time"
)

// Error codes. Slack API error strings are kept as is, the rest are local
const (
	CodeRateLimited         = "ratelimited"
	CodeInvalidRefreshToken = "invalid_refresh_token"
	CodeInvalidAuth         = "invalid_auth"
	CodeTokenExpired        = "token_expired"
	CodeTokenRevoked        = "token_revoked"
	CodeNotAuthed           = "not_authed"
	CodeAccountInactive     = "account_inactive"

	CodeTransport = "transport_error"
	CodeUnknown   = "unknown"
)

type Error struct {
	Code string

	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("slack error: %s, retry after %s: %v", e.Code, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("slack error: %s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(code string, retryAfter int, err error) *Error {
	return &Error{
		Code:       code,
		RetryAfter: time.Duration(retryAfter) * time.Second,
		Err:        err,
	}
}

// ErrorCode returns slack error code if err is (or wraps) *Error, empty string otherwise
func ErrorCode(err error) string {
	var slackErr *Error
	if errors.As(err, &slackErr) {
		return slackErr.Code
	}
	return ""
}

// IsAuthError reports whether the token used for the call is not accepted anymore
func IsAuthError(err error) bool {
	switch ErrorCode(err) {
	case CodeInvalidAuth, CodeTokenExpired, CodeTokenRevoked, CodeNotAuthed, CodeAccountInactive:
		return true
	default:
		return false
	}
}
