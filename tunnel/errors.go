package tunnel

import (
	"errors"
	"fmt"

	"github.com/cometkim/dotunnel/proto"
)

// StreamAbortError is the terminal error a public HTTP exchange sees
// when its stream was torn down by the session itself rather than by
// an agent-sent responseAbort (spec §4.7): agent disconnect,
// displacement by a reconnecting agent, or a protocol violation.
type StreamAbortError struct {
	Reason proto.AbortReason
	Detail string
}

func (e *StreamAbortError) Error() string {
	return fmt.Sprintf("tunnel: stream aborted (%s): %s", e.Reason, e.Detail)
}

var (
	// ErrNoAgent is returned when a stream is opened while no agent
	// socket is currently attached; ServeHTTP answers it with 502
	// (spec §4.3 step 1, §4.7).
	ErrNoAgent = errors.New("tunnel: no agent attached")

	// ErrTooManyStreams is returned when |HTTP|+|WS| has already
	// reached the session's configured limit (spec §4.3 step 2).
	ErrTooManyStreams = errors.New("tunnel: too many concurrent streams")

	// ErrSessionClosed is returned by AttachAgent once the tunnel has
	// been destroyed.
	ErrSessionClosed = errors.New("tunnel: session closed")

	errDeadlineExceeded = errors.New("tunnel: request timeout")
	errUpstreamAborted  = errors.New("tunnel: upstream aborted the response")
)
