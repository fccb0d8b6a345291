package message

import "github.com/cockroachdb/errors"

// ErrUnsatisfied indicates the decoder needs more bytes than are currently
// available. It is the only non-fatal decode outcome (spec.md §4.1): callers
// must leave their input position unchanged and retry once more bytes have
// arrived.
var ErrUnsatisfied = errors.New("message: unsatisfied, need more bytes")

// ErrMessageTooLarge is returned by Encode when a message's encoded body
// would exceed the 65535-byte frame budget.
var ErrMessageTooLarge = errors.New("message: encoded body exceeds 65535 bytes")

// CodecError wraps any decode-time invariant violation other than
// ErrUnsatisfied (spec.md §7: CodecException).
type CodecError struct {
	cause error
}

func (e *CodecError) Error() string { return "message: codec error: " + e.cause.Error() }
func (e *CodecError) Unwrap() error { return e.cause }

func codecErrorf(format string, args ...interface{}) error {
	return &CodecError{cause: errors.Newf(format, args...)}
}

func wrapCodecError(err error) error {
	if err == nil {
		return nil
	}
	return &CodecError{cause: err}
}
