// Package torerr defines the structured error taxonomy used by the
// channel and circuit reactors.
package torerr

import "fmt"

// Kind classifies why a reactor tore down its subject. See spec §7.
type Kind string

const (
	// KindProtocolViolation covers malformed cells, unknown critical
	// commands, MAC failures, and cells unrecognized at the leaf hop.
	KindProtocolViolation Kind = "protocol_violation"
	// KindHandshakeFailure covers identity mismatch, signature/MAC
	// failure, and certificates expired beyond tolerance.
	KindHandshakeFailure Kind = "handshake_failure"
	// KindResourceExhaustion covers memory quota collapse and queue
	// overflow.
	KindResourceExhaustion Kind = "resource_exhaustion"
	// KindTransportFailure covers the underlying connection closing or
	// erroring.
	KindTransportFailure Kind = "transport_failure"
	// KindTimeout covers handshake and SENDME timeouts.
	KindTimeout Kind = "timeout"
	// KindApplicationInduced covers an application-initiated stream or
	// circuit drop; teardown is orderly, not an error condition for the
	// peer, but is still reported to local waiters as a reason.
	KindApplicationInduced Kind = "application_induced"
	// KindInternalBug covers invariant violations.
	KindInternalBug Kind = "internal_bug"
)

// Error wraps an underlying cause with a Kind and the identifier of the
// subject (channel, circuit, or stream) that was closed because of it.
type Error struct {
	Kind    Kind
	Subject string // e.g. "channel 7", "circuit 0x8000001", "stream 42"
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("[%s] %s", e.Kind, e.Subject)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Subject, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind only, so callers can do errors.Is(err, torerr.Timeout).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an *Error for subject with the given kind, wrapping cause.
func New(kind Kind, subject string, cause error) *Error {
	return &Error{Kind: kind, Subject: subject, Err: cause}
}

// Sentinel values usable with errors.Is when only the Kind matters.
var (
	ProtocolViolation  = &Error{Kind: KindProtocolViolation}
	HandshakeFailure   = &Error{Kind: KindHandshakeFailure}
	ResourceExhaustion = &Error{Kind: KindResourceExhaustion}
	TransportFailure   = &Error{Kind: KindTransportFailure}
	Timeout            = &Error{Kind: KindTimeout}
	ApplicationInduced = &Error{Kind: KindApplicationInduced}
	InternalBug        = &Error{Kind: KindInternalBug}
)
