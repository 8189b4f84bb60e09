package webapi

import (
	"errors"
	"fmt"
)

// ErrorKind classifies gateway errors into the small stable set callers see.
type ErrorKind string

const (
	// ErrorKindProtocolViolation means an upstream response was missing or
	// malformed an expected handshake field. Never retried.
	ErrorKindProtocolViolation ErrorKind = "protocol_violation"

	// ErrorKindAuthRejected means the handshake completed but the server
	// rejected the credentials, or an authenticated call was rejected with
	// an auth-scoped retcode.
	ErrorKindAuthRejected ErrorKind = "auth_rejected"

	// ErrorKindUpstreamUnavailable covers transport failures, timeouts,
	// non-2xx HTTP statuses, and non-auth retcode failures.
	ErrorKindUpstreamUnavailable ErrorKind = "upstream_unavailable"

	// ErrorKindInvalidParameters means the caller supplied a parameter
	// combination that violates a resource's exclusivity rule. Rejected
	// before any I/O.
	ErrorKindInvalidParameters ErrorKind = "invalid_parameters"
)

// Error is the typed error returned across the gateway's public surface.
type Error struct {
	Kind     ErrorKind
	Resource string
	Retcode  Retcode
	Message  string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Resource != "" && e.Retcode != "":
		return fmt.Sprintf("mt5 %s (%s, retcode %q): %s", e.Kind, e.Resource, e.Retcode, msg)
	case e.Resource != "":
		return fmt.Sprintf("mt5 %s (%s): %s", e.Kind, e.Resource, msg)
	case e.Retcode != "":
		return fmt.Sprintf("mt5 %s (retcode %q): %s", e.Kind, e.Retcode, msg)
	default:
		return fmt.Sprintf("mt5 %s: %s", e.Kind, msg)
	}
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// AuthScoped reports whether the error should trigger session invalidation
// and the dispatcher's single re-authenticate-and-retry.
func (e *Error) AuthScoped() bool {
	return e.Kind == ErrorKindAuthRejected
}

// KindOf extracts the ErrorKind from err, or "" if err is not a gateway error.
func KindOf(err error) ErrorKind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return ""
}

// ProtocolViolation builds a handshake field error.
func ProtocolViolation(msg string) *Error {
	return &Error{Kind: ErrorKindProtocolViolation, Message: msg}
}

// AuthRejected builds a credential rejection error carrying the retcode.
func AuthRejected(code Retcode) *Error {
	return &Error{Kind: ErrorKindAuthRejected, Retcode: code, Message: "authentication rejected"}
}

// UpstreamUnavailable wraps a transport failure or timeout.
func UpstreamUnavailable(resource string, err error) *Error {
	return &Error{Kind: ErrorKindUpstreamUnavailable, Resource: resource, Err: err}
}

// InvalidParameters builds a pre-dispatch caller error.
func InvalidParameters(msg string) *Error {
	return &Error{Kind: ErrorKindInvalidParameters, Message: msg}
}
