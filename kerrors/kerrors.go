// Package kerrors defines the closed error taxonomy shared by every
// component of the Jupyter client: the session, the async client, the
// provisioner, the kernel manager, and the kernel-spec resolver all
// fail through this one type instead of ad-hoc fmt.Errorf trees.
package kerrors

import (
	"errors"
	"fmt"
)

// Kind is one of the taxonomy entries from the error handling design.
type Kind string

const (
	InvalidSignature   Kind = "invalid_signature"
	DuplicateSignature Kind = "duplicate_signature"
	MalformedFrame     Kind = "malformed_frame"
	Timeout            Kind = "timeout"
	Cancelled          Kind = "cancelled"
	StartFailed        Kind = "start_failed"
	KernelDied         Kind = "kernel_died"
	NoSuchKernel       Kind = "no_such_kernel"
	UnknownProvisioner Kind = "unknown_provisioner"
	ChannelClosed      Kind = "channel_closed"
	PermissionDenied   Kind = "permission_denied"
	ProtocolMismatch   Kind = "protocol_mismatch"
)

// Error carries a kind plus the context the design mandates every
// error surface: the channel it happened on, the request id if any,
// and a human-readable message. The one plain sentinel in this module
// is provisioner.ErrSignalUnsupported, which Local.SendSignal returns
// as-is; other errors are of this type.
type Error struct {
	Kind      Kind
	Channel   string // "shell", "iopub", "stdin", "control", "heartbeat", or "" if not channel-scoped
	RequestID string // msg_id of the request in flight, if any
	Message   string
	Err       error // wrapped cause, if any
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Channel != "" {
		s = fmt.Sprintf("%s [channel=%s]", s, e.Channel)
	}
	if e.RequestID != "" {
		s = fmt.Sprintf("%s [request=%s]", s, e.RequestID)
	}
	if e.Err != nil {
		s = fmt.Sprintf("%s: %v", s, e.Err)
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, kerrors.New(Kind, "", "", "")) match on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an Error. channel and requestID may be empty.
func New(kind Kind, channel, requestID, message string) *Error {
	return &Error{Kind: kind, Channel: channel, RequestID: requestID, Message: message}
}

// Wrap builds an Error around a lower-level cause.
func Wrap(kind Kind, channel, requestID, message string, cause error) *Error {
	return &Error{Kind: kind, Channel: channel, RequestID: requestID, Message: message, Err: cause}
}

// Of reports whether err (or something it wraps) carries the given kind.
func Of(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
