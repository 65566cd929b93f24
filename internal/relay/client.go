package relay

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dispatcharr/dispatcharr-proxy/internal/observability"
)

// ClientInfo identifies a downstream consumer.
type ClientInfo struct {
	// ID is the logical client id (session_id query or header). Empty
	// generates one.
	ID         string
	UserAgent  string
	RemoteAddr string
	// Prefer is honoured only by the client that starts the session.
	Prefer SourcePreference
}

// ClientStats is the per-client consumption reported by stats endpoints.
type ClientStats struct {
	ID              string    `json:"id"`
	UserAgent       string    `json:"user_agent,omitempty"`
	RemoteAddr      string    `json:"remote_addr,omitempty"`
	ConnectedAt     time.Time `json:"connected_at"`
	LastActive      time.Time `json:"last_active"`
	BytesDelivered  uint64    `json:"bytes_delivered"`
	ChunksDelivered uint64    `json:"chunks_delivered"`
	ChunksSkipped   uint64    `json:"chunks_skipped"`
	Discontinuities uint64    `json:"discontinuities"`
	Lag             uint64    `json:"lag"`
}

// deadlineWriter is implemented by writers that support a per-write
// deadline, such as the HTTP response adapter.
type deadlineWriter interface {
	SetWriteDeadline(t time.Time) error
}

type flushWriter interface {
	Flush() error
}

// ClientConnection is one downstream consumer of a session. It holds a
// non-owning reference to its session; the session owns it.
type ClientConnection struct {
	ID          string
	UserAgent   string
	RemoteAddr  string
	ConnectedAt time.Time

	session      *Session
	sub          *Subscriber
	writeTimeout time.Duration
	metrics      *observability.Metrics

	bytes           atomic.Uint64
	chunks          atomic.Uint64
	discontinuities atomic.Uint64
	lastActive      atomic.Int64

	ctx       context.Context
	cancel    context.CancelCauseFunc
	closeOnce sync.Once
}

func newClientConnection(s *Session, info ClientInfo, sub *Subscriber, writeTimeout time.Duration, metrics *observability.Metrics) *ClientConnection {
	if info.ID == "" {
		info.ID = uuid.NewString()
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	c := &ClientConnection{
		ID:           info.ID,
		UserAgent:    info.UserAgent,
		RemoteAddr:   info.RemoteAddr,
		ConnectedAt:  time.Now(),
		session:      s,
		sub:          sub,
		writeTimeout: writeTimeout,
		metrics:      metrics,
		ctx:          ctx,
		cancel:       cancel,
	}
	c.lastActive.Store(c.ConnectedAt.UnixNano())
	return c
}

// Session returns the session the client is attached to.
func (c *ClientConnection) Session() *Session {
	return c.session
}

// Serve delivers chunks to w in order until ctx is done, the client is
// stopped, the session ends, or a write fails. The returned error is a
// TerminalError when the session or an operator ended the stream, and
// nil when ctx was cancelled by the caller.
func (c *ClientConnection) Serve(ctx context.Context, w io.Writer) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(c.ctx, func() { cancel(context.Cause(c.ctx)) })
	defer stop()

	dw, _ := w.(deadlineWriter)
	fw, _ := w.(flushWriter)

	for {
		chunks, err := c.sub.Next(ctx)
		if err != nil {
			return c.endErr(err)
		}

		for _, chunk := range chunks {
			if chunk.Discontinuity {
				c.discontinuities.Add(1)
			}
			if dw != nil && c.writeTimeout > 0 {
				_ = dw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}
			n, err := w.Write(chunk.Data)
			if n > 0 {
				c.bytes.Add(uint64(n))
				c.metrics.AddDownstreamBytes(n)
			}
			if err != nil {
				c.metrics.ClientDropped("write_error")
				return err
			}
			c.chunks.Add(1)
		}
		if fw != nil {
			if err := fw.Flush(); err != nil {
				c.metrics.ClientDropped("write_error")
				return err
			}
		}
		c.lastActive.Store(time.Now().UnixNano())
	}
}

// endErr maps the reason delivery stopped to what Serve returns.
func (c *ClientConnection) endErr(err error) error {
	if errors.Is(err, ErrSubscriberLagged) {
		c.metrics.ClientDropped("lagged")
		return &TerminalError{Code: CodeClientLagged, Err: err}
	}
	if c.ctx.Err() != nil {
		return c.stopErr()
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil
	case TerminalCode(err) != "":
		return err
	default:
		return &TerminalError{Code: CodeSessionClosed, Err: err}
	}
}

// stopErr is nil for a plain detach and a TerminalError when the client
// was stopped or replaced.
func (c *ClientConnection) stopErr() error {
	cause := context.Cause(c.ctx)
	if cause == nil || errors.Is(cause, context.Canceled) {
		return nil
	}
	if TerminalCode(cause) != "" {
		return cause
	}
	return &TerminalError{Code: CodeStopped, Err: cause}
}

// Close detaches the client from its session. It is safe to call more than
// once and after the session ended.
func (c *ClientConnection) Close() {
	c.session.removeConnection(c)
}

// stop cancels delivery with cause. Called by the session.
func (c *ClientConnection) stop(cause error) {
	c.closeOnce.Do(func() {
		c.cancel(cause)
	})
}

// Done is closed once the client was stopped or detached.
func (c *ClientConnection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Stats returns the client's consumption counters.
func (c *ClientConnection) Stats() ClientStats {
	return ClientStats{
		ID:              c.ID,
		UserAgent:       c.UserAgent,
		RemoteAddr:      c.RemoteAddr,
		ConnectedAt:     c.ConnectedAt,
		LastActive:      time.Unix(0, c.lastActive.Load()),
		BytesDelivered:  c.bytes.Load(),
		ChunksDelivered: c.chunks.Load(),
		ChunksSkipped:   c.sub.Skipped(),
		Discontinuities: c.discontinuities.Load(),
		Lag:             c.sub.Lag(),
	}
}
