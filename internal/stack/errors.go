package stack

import "fmt"

// Status is the enumerated result class of a stack operation failure
type Status string

const (
	InvalidParameter Status = "invalid_parameter" // bad ref/device/bond/client
	InvalidState     Status = "invalid_state"     // duplicate intent, no pending op
	Exhausted        Status = "exhausted"         // intent table or arena full
	NotFound         Status = "not_found"         // stale ref, vanished connection
	DriverFailure    Status = "driver_failure"    // link layer rejected the call
)

// StatusError carries a Status plus optional detail
type StatusError struct {
	Status Status
	Msg    string
}

// Error implements the error interface
func (e *StatusError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Status, e.Msg)
}

// Is allows errors.Is to compare StatusError values by Status
func (e *StatusError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*StatusError)
	if !ok {
		return false
	}
	return e.Status == t.Status
}

// Predefined sentinel errors for the result classes
var (
	ErrInvalidParameter = &StatusError{Status: InvalidParameter}
	ErrInvalidState     = &StatusError{Status: InvalidState}
	ErrExhausted        = &StatusError{Status: Exhausted}
	ErrNotFound         = &StatusError{Status: NotFound}
	ErrDriverFailure    = &StatusError{Status: DriverFailure}
)

func statusErrorf(s Status, format string, args ...interface{}) *StatusError {
	return &StatusError{Status: s, Msg: fmt.Sprintf(format, args...)}
}

// RemoteError carries a GATT-level error code returned by the peer, surfaced
// verbatim alongside the generic result.
type RemoteError struct {
	Handle uint16
	Code   uint8
}

func (e *RemoteError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("remote ATT error 0x%02x on handle 0x%04x", e.Code, e.Handle)
}
