// Package errtaxonomy classifies errors raised by generator, store, and chat
// transport calls into a small closed set of classes so the processor and
// supervisor can decide whether to retry, back off, alert an operator, or
// treat a channel as banned.
package errtaxonomy

import "strings"

// Class is one of a closed set of error categories.
type Class int

const (
	// ClassUnknown is returned when an error cannot be classified. Treated
	// like TransientPeer for retry purposes but logged distinctly.
	ClassUnknown Class = iota
	// StartupFatal indicates the process cannot continue and should exit
	// non-zero (bad config, unreachable required dependency at boot).
	StartupFatal
	// BackendUnavailable indicates the generator or store backend is
	// unreachable or returning server errors; retry with backoff.
	BackendUnavailable
	// InvalidOutput indicates the generator produced output that failed
	// post-processing or filtering; do not retry the same prompt.
	InvalidOutput
	// InvalidInputFromOperator indicates a command or config value supplied
	// by a channel operator was rejected; report back to the channel.
	InvalidInputFromOperator
	// PolicyBlock indicates content was withheld by the filter; not an
	// error condition to surface to the operator, only to metrics.
	PolicyBlock
	// TransientPeer indicates a network-level failure talking to an
	// external peer (IRC server, generator backend) that is expected to
	// clear on its own; retry with backoff.
	TransientPeer
	// BannedFromChannel indicates the bot's connection was rejected by a
	// channel (ban, timeout at the account level); stop reconnecting to
	// that channel until an operator intervenes.
	BannedFromChannel
)

// String returns the taxonomy name used in logs and metric labels.
func (c Class) String() string {
	switch c {
	case StartupFatal:
		return "startup_fatal"
	case BackendUnavailable:
		return "backend_unavailable"
	case InvalidOutput:
		return "invalid_output"
	case InvalidInputFromOperator:
		return "invalid_input_from_operator"
	case PolicyBlock:
		return "policy_block"
	case TransientPeer:
		return "transient_peer"
	case BannedFromChannel:
		return "banned_from_channel"
	default:
		return "unknown"
	}
}

// Retryable reports whether an operation raising an error of this class
// should be retried by the caller (with backoff).
func (c Class) Retryable() bool {
	switch c {
	case BackendUnavailable, TransientPeer, ClassUnknown:
		return true
	default:
		return false
	}
}

// Error wraps an underlying error with its classified taxonomy class.
type Error struct {
	Class Class
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Class.String()
	}
	return e.Class.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap attaches a class to err. Returns nil if err is nil.
func Wrap(class Class, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: class, Err: err}
}

// ClassOf extracts the Class from err if it (or something it wraps) is an
// *Error produced by this package. Falls back to ClassifyPeerError for
// plain errors so callers never have to special-case unwrapped errors.
func ClassOf(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	var te *Error
	if as(err, &te) {
		return te.Class
	}
	return ClassifyPeerError(err)
}

// as is a tiny local errors.As to avoid importing errors just for this.
func as(err error, target **Error) bool {
	for err != nil {
		if te, ok := err.(*Error); ok {
			*target = te
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// ClassifyPeerError classifies an error from an unstructured external peer
// call (HTTP request to the generator backend, IRC connection) by matching
// well-known substrings in its message. Errors that don't match a known
// pattern are treated as transient so callers retry rather than give up.
func ClassifyPeerError(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	lower := strings.ToLower(err.Error())

	if strings.Contains(lower, "banned") ||
		strings.Contains(lower, "msg_banned") ||
		strings.Contains(lower, "tried to ban the broadcaster") ||
		strings.Contains(lower, "you don't have permission to perform that action") {
		return BannedFromChannel
	}

	if strings.Contains(lower, "500") ||
		strings.Contains(lower, "502") ||
		strings.Contains(lower, "503") ||
		strings.Contains(lower, "504") ||
		strings.Contains(lower, "internal server error") ||
		strings.Contains(lower, "bad gateway") ||
		strings.Contains(lower, "service unavailable") ||
		strings.Contains(lower, "gateway timeout") ||
		strings.Contains(lower, "model not found") ||
		strings.Contains(lower, "no such model") {
		return BackendUnavailable
	}

	networkPatterns := []string{
		"connection reset",
		"connection refused",
		"connection timed out",
		"timeout",
		"temporary failure in name resolution",
		"no route to host",
		"network unreachable",
		"dns",
		"eof",
		"broken pipe",
		"i/o timeout",
	}
	for _, p := range networkPatterns {
		if strings.Contains(lower, p) {
			return TransientPeer
		}
	}

	if strings.Contains(lower, "429") || strings.Contains(lower, "too many requests") || strings.Contains(lower, "rate limit") {
		return TransientPeer
	}

	return ClassUnknown
}
