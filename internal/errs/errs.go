// Package errs defines the tagged error kinds exchanged between the
// dedup store, the pipelines, and the rebalance coordinator.
//
// Kinds are deliberately few and coarse, and are matched with KindOf or
// Is, never on error string contents. Within this module the only
// caller that acts on a kind is the partition worker, which leaves a
// message unacked on PartitionInactive. No caller retries Transient
// errors, quarantines a partition on Corruption, or exits on Fatal.
package errs

import (
	stderrors "errors"

	"github.com/pkg/errors"
)

// Kind tags an error with the recovery policy a caller should apply.
type Kind int

const (
	// Transient indicates a retryable failure (network blip, broker
	// backoff, an expired drain deadline). It is not retried here.
	Transient Kind = iota
	// PartitionInactive indicates a write was attempted against a
	// partition that is not Active. The partition worker drops the
	// message without acking it.
	PartitionInactive
	// ParseError indicates a message failed to parse or yielded no
	// dedup key. The partition worker logs it and still acks the
	// message; no dedup state changes.
	ParseError
	// Corruption indicates the KV store or a checkpoint manifest failed
	// an integrity check. It is logged; the partition is not revoked
	// and its state directory is not quarantined.
	Corruption
	// Fatal indicates an error such as an unwritable state dir. It is
	// logged; nothing exits the process on it.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case PartitionInactive:
		return "partition_inactive"
	case ParseError:
		return "parse_error"
	case Corruption:
		return "corruption"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps a causal error with a Kind.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string { return e.Kind.String() + ": " + e.cause.Error() }

func (e *Error) Cause() error { return e.cause }

func (e *Error) Unwrap() error { return e.cause }

// New tags cause with kind, preserving it as the Cause() of the result.
func New(kind Kind, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, cause: cause}
}

// Newf is New, composing the cause from a format string.
func Newf(kind Kind, format string, args ...interface{}) error {
	return New(kind, errors.Errorf(format, args...))
}

// KindOf returns the Kind attached to err, or Transient if err was not
// tagged via New/Newf (the conservative default: retry rather than
// silently drop or escalate).
func KindOf(err error) Kind {
	var tagged *Error
	if stderrors.As(err, &tagged) {
		return tagged.Kind
	}
	return Transient
}

// Is reports whether err (or any error it wraps) carries kind.
func Is(err error, kind Kind) bool {
	var tagged *Error
	return stderrors.As(err, &tagged) && tagged.Kind == kind
}
