package remote

import (
	"errors"
	"fmt"
	"time"
)

// Code classifies a remote store failure.
type Code string

const (
	CodeNetworkUnavailable  Code = "network-unavailable"
	CodeNetworkFailure      Code = "network-failure"
	CodeServiceUnavailable  Code = "service-unavailable"
	CodeRequestRateLimited  Code = "request-rate-limited"
	CodeZoneBusy            Code = "zone-busy"
	CodeChangeTokenExpired  Code = "change-token-expired"
	CodeZoneNotFound        Code = "zone-not-found"
	CodeUserDeletedZone     Code = "user-deleted-zone"
	CodeNotAuthenticated    Code = "not-authenticated"
	CodePermissionFailure   Code = "permission-failure"
	CodeServerRecordChanged Code = "server-record-changed"
	CodeUnknownItem         Code = "unknown-item"
	CodeInvalidArguments    Code = "invalid-arguments"
	CodeInternal            Code = "internal-error"
)

// Error is a failure reported by the remote store.
//
// Errors compare equal under errors.Is when their codes match, so the
// sentinels below can be used directly:
//
//	if errors.Is(err, remote.ErrChangeTokenExpired) {
//	    // fetch again from scratch
//	}
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message,omitempty"`
	// RetryAfter is the server-suggested delay before retrying.
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
	// ServerRecord is the authoritative copy on a write conflict.
	ServerRecord *Record `json:"serverRecord,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return "remote: " + string(e.Code)
	}
	return fmt.Sprintf("remote: %s: %s", e.Code, e.Message)
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	var t *Error
	if !errors.As(target, &t) || t == nil {
		return false
	}
	return t.Code == e.Code
}

// Errorf creates an *Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Common errors returned by Store implementations.
var (
	// ErrChangeTokenExpired is returned when a fetch cursor is too old; the
	// caller must fetch again with a nil token.
	ErrChangeTokenExpired = &Error{Code: CodeChangeTokenExpired}

	// ErrZoneNotFound is returned when the zone does not exist.
	ErrZoneNotFound = &Error{Code: CodeZoneNotFound}

	// ErrUserDeletedZone is returned when the user purged the zone from
	// another device.
	ErrUserDeletedZone = &Error{Code: CodeUserDeletedZone}

	// ErrNotAuthenticated is returned when there is no usable account.
	ErrNotAuthenticated = &Error{Code: CodeNotAuthenticated}

	// ErrPermissionFailure is returned when the account lost access.
	ErrPermissionFailure = &Error{Code: CodePermissionFailure}

	// ErrServerRecordChanged is returned per record on a write conflict.
	ErrServerRecordChanged = &Error{Code: CodeServerRecordChanged}

	// ErrUnknownItem is returned when deleting or updating a missing record.
	ErrUnknownItem = &Error{Code: CodeUnknownItem}
)

// ErrQueueClosed is returned for operations submitted after the session's
// operation queue was closed.
var ErrQueueClosed = errors.New("remote operation queue closed")

// codeOf extracts the code of a remote error, or "" if err is not one.
func codeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsTransient returns true if the error is likely to succeed on retry after
// a delay (network trouble, throttling, service busy).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	switch codeOf(err) {
	case CodeNetworkUnavailable, CodeNetworkFailure, CodeServiceUnavailable,
		CodeRequestRateLimited, CodeZoneBusy:
		return true
	}
	return false
}

// IsStructural returns true if the error means local bookkeeping no longer
// matches the store and must be rebuilt rather than retried.
func IsStructural(err error) bool {
	return IsTokenExpired(err) || IsZoneDeleted(err) || IsAccountError(err)
}

// IsTokenExpired returns true if the fetch cursor must be discarded.
func IsTokenExpired(err error) bool {
	return errors.Is(err, ErrChangeTokenExpired)
}

// IsZoneDeleted returns true if the zone is gone and must be recreated.
func IsZoneDeleted(err error) bool {
	return errors.Is(err, ErrZoneNotFound) || errors.Is(err, ErrUserDeletedZone)
}

// IsAccountError returns true if the account is missing or lost permission.
func IsAccountError(err error) bool {
	return errors.Is(err, ErrNotAuthenticated) || errors.Is(err, ErrPermissionFailure)
}

// IsConflict returns true for a per-record write conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrServerRecordChanged)
}

// RetryDelay returns the server-suggested delay carried by err, if any.
func RetryDelay(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && e.RetryAfter > 0 {
		return e.RetryAfter, true
	}
	return 0, false
}

// ServerRecord returns the authoritative record attached to a conflict.
func ServerRecord(err error) (*Record, bool) {
	var e *Error
	if errors.As(err, &e) && e.ServerRecord != nil {
		return e.ServerRecord, true
	}
	return nil, false
}
