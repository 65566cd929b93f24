package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dispatcharr/dispatcharr-proxy/internal/ffmpeg"
)

var (
	// ErrConnectFailure covers refused, timed out and unresolvable upstreams
	// and error statuses.
	ErrConnectFailure = errors.New("upstream connect failure")
	// ErrProcessSpawnFailure is returned when the transcoder cannot launch.
	ErrProcessSpawnFailure = errors.New("transcoder spawn failure")
	// ErrStreamStalled marks a handle judged dead by its health monitor.
	ErrStreamStalled = errors.New("upstream stalled")
	// ErrUpstreamEnded is returned when the provider closes the stream.
	ErrUpstreamEnded = errors.New("upstream ended")
	// ErrHandleClosed is returned by Next after Close.
	ErrHandleClosed = errors.New("upstream handle closed")
	// ErrSlotLost means the connection slot paying for a stream was reaped
	// and could not be granted again.
	ErrSlotLost = errors.New("connection slot lost")
)

// Kind classifies a failure for the failover policy.
type Kind int

const (
	KindConnect Kind = iota
	KindSpawn
	KindStall
	KindEOF
	KindSlotLost
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindSpawn:
		return "spawn"
	case KindStall:
		return "stall"
	case KindEOF:
		return "eof"
	case KindSlotLost:
		return "slot_lost"
	default:
		return "unknown"
	}
}

// Failure is a classified upstream error. Transient failures may be retried
// against the same candidate.
type Failure struct {
	Kind       Kind
	Transient  bool
	StatusCode int
	Err        error
}

func (f *Failure) Error() string {
	msg := f.sentinel().Error()
	if f.StatusCode != 0 {
		msg = fmt.Sprintf("%s: status %d", msg, f.StatusCode)
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Is matches the sentinel for the failure's kind.
func (f *Failure) Is(target error) bool {
	return target == f.sentinel()
}

func (f *Failure) sentinel() error {
	switch f.Kind {
	case KindSpawn:
		return ErrProcessSpawnFailure
	case KindStall:
		return ErrStreamStalled
	case KindEOF:
		return ErrUpstreamEnded
	case KindSlotLost:
		return ErrSlotLost
	default:
		return ErrConnectFailure
	}
}

// Reason is the short label used in metrics and events.
func (f *Failure) Reason() string {
	return f.Kind.String()
}

// StallFailure builds the failure reported when health turns dead.
func StallFailure(h Health) *Failure {
	return &Failure{
		Kind:      KindStall,
		Transient: false,
		Err:       fmt.Errorf("%s after %.1fs without data at %.0f B/s", h.Reason, h.SecondsSinceLastChunk, h.BytesPerSecond),
	}
}

// SlotLostFailure builds the failure reported when a reaped slot cannot be
// reclaimed. It is never retried on the same candidate.
func SlotLostFailure(err error) *Failure {
	return &Failure{Kind: KindSlotLost, Err: err}
}

// statusFailure classifies an HTTP error status. Server errors and rate
// limiting are worth retrying; other client errors are not.
func statusFailure(code int) *Failure {
	transient := code >= 500 || code == 429 || code == 408
	return &Failure{Kind: KindConnect, Transient: transient, StatusCode: code}
}

// Classify converts any fetch error into a Failure. Context cancellation is
// returned as nil since it is not an upstream fault.
func Classify(err error) *Failure {
	if err == nil {
		return nil
	}

	var f *Failure
	if errors.As(err, &f) {
		return f
	}

	switch {
	case errors.Is(err, context.Canceled):
		return nil
	case errors.Is(err, ffmpeg.ErrSpawn):
		return &Failure{Kind: KindSpawn, Transient: true, Err: err}
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return &Failure{Kind: KindEOF, Transient: true, Err: err}
	}

	// Network errors and anything unrecognized count as connect failures.
	return &Failure{Kind: KindConnect, Transient: true, Err: err}
}
