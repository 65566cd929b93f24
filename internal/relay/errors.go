package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrChannelNotFound is returned when the catalog has no such channel.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrSessionNotFound is returned when no session exists for a channel.
	ErrSessionNotFound = errors.New("session not found")

	// ErrClientNotFound is returned when a client is not attached.
	ErrClientNotFound = errors.New("client not found")

	// ErrSessionClosed is returned when attaching to a session that is
	// dead or shutting down.
	ErrSessionClosed = errors.New("session closed")

	// ErrCandidatesExhausted means no viable source remains for a channel.
	ErrCandidatesExhausted = errors.New("candidates exhausted")

	// ErrTooManySessions is returned when the session cap is reached.
	ErrTooManySessions = errors.New("too many sessions")

	// ErrManagerStopped is returned by Attach after Stop.
	ErrManagerStopped = errors.New("manager stopped")

	// ErrBufferClosed is returned by a subscriber after the buffer closed
	// without a terminal error.
	ErrBufferClosed = errors.New("fanout buffer closed")

	// ErrSubscriberLagged is returned to a subscriber that fell behind the
	// oldest retained chunk under the disconnect policy.
	ErrSubscriberLagged = errors.New("subscriber lagged behind buffer")

	// ErrClientReplaced is the cause given to a connection superseded by a
	// reconnect with the same client id.
	ErrClientReplaced = errors.New("client replaced by newer connection")
)

// Code is the reason code reported to clients when their stream ends.
type Code string

const (
	CodeCandidatesExhausted Code = "candidates_exhausted"
	CodeSessionClosed       Code = "session_closed"
	CodeClientLagged        Code = "client_lagged"
	CodeStopped             Code = "stopped"
)

// TerminalError ends a client's stream with a reason code.
type TerminalError struct {
	Code Code
	Err  error
}

func (e *TerminalError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

// TerminalCode returns the reason code carried by err, or "" if err is not
// a terminal error.
func TerminalCode(err error) Code {
	var te *TerminalError
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}
