package dispatch

import "errors"

var (
	// ErrRequestTimeout is delivered to a request callback when no matching
	// reply arrived within the dispatcher's request timeout.
	ErrRequestTimeout = errors.New("dispatch: request timed out")

	// ErrClosed is delivered to in-flight request callbacks when the
	// dispatcher shuts down.
	ErrClosed = errors.New("dispatch: dispatcher closed")
)
