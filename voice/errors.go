package voice

import "fmt"

// Kind classifies an Error by propagation policy (see Fatal):
// Transport/Protocol/Policy are session-fatal and trigger a reconnect;
// Crypto/Codec/Audio are counted and logged without ending the inner
// loop; Cancelled marks a cooperative shutdown.
type Kind int

const (
	KindTransport Kind = iota
	KindProtocol
	KindCrypto
	KindCodec
	KindAudio
	KindPolicy
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindCrypto:
		return "crypto"
	case KindCodec:
		return "codec"
	case KindAudio:
		return "audio"
	case KindPolicy:
		return "policy"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind; Fatal reports whether
// that kind counts as session-ending. The session worker itself ends a
// session on any error it gets back from a control read or send,
// without consulting Kind or Fatal.
type Error struct {
	kind  Kind
	cause error
}

// Wrap builds an *Error of the given kind around cause.
func Wrap(kind Kind, cause error) *Error {
	return &Error{kind: kind, cause: cause}
}

// Errorf builds an *Error of the given kind, formatting like fmt.Errorf
// (supports %w to wrap an inner cause).
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, cause: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.kind, e.cause)
}

// Kind reports which propagation bucket this error belongs to.
func (e *Error) Kind() Kind { return e.kind }

// Unwrap exposes the underlying cause to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.cause }

// Fatal reports whether this error kind ends the inner loop and
// triggers reconnection (Transport, Protocol, Policy), as opposed to
// being counted and logged in place (Crypto, Codec, Audio, Cancelled).
func (e *Error) Fatal() bool {
	switch e.kind {
	case KindTransport, KindProtocol, KindPolicy:
		return true
	default:
		return false
	}
}
