// Package siphonerr carries the error-kind taxonomy used across the
// control plane, data planes and registry so a failure can be mapped
// straight to a hello rejection code or a goaway code without string
// matching.
package siphonerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure the way §7 of the design groups them.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransport
	KindProtocol
	KindResourceExhausted
	KindNameConflict
	KindLocalUnreachable
	KindDNSFailure
	KindConfigInvalid
	KindSecretUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindNameConflict:
		return "name_conflict"
	case KindLocalUnreachable:
		return "local_unreachable"
	case KindDNSFailure:
		return "dns_failure"
	case KindConfigInvalid:
		return "config_invalid"
	case KindSecretUnavailable:
		return "secret_unavailable"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind so callers can branch on it
// with errors.As instead of matching strings.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind from err, returning KindUnknown if err does not
// wrap a *Error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}
