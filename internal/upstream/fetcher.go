package upstream

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dispatcharr/dispatcharr-proxy/internal/ffmpeg"
	"github.com/dispatcharr/dispatcharr-proxy/internal/observability"
)

// DefaultChunkSize is a multiple of the 188-byte MPEG-TS packet.
const DefaultChunkSize = 188 * 64

// Fetcher opens upstream sources.
type Fetcher interface {
	Open(ctx context.Context, src Source) (Handle, error)
}

// Handle is an open upstream. Next is called from a single goroutine;
// Health, Stats and Close are safe to call concurrently with it.
type Handle interface {
	// Next blocks until the next chunk arrives. The returned slice is owned
	// by the caller.
	Next(ctx context.Context) ([]byte, error)
	Health() Health
	Stats() HandleStats
	// Close releases the connection or process. Process-backed handles
	// return only after the child is reaped.
	Close() error
}

// HandleStats describes an open handle for stats endpoints.
type HandleStats struct {
	Strategy    string               `json:"strategy"`
	URL         string               `json:"url"`
	ContentType string               `json:"content_type,omitempty"`
	StartedAt   time.Time            `json:"started_at"`
	LastChunkAt time.Time            `json:"last_chunk_at"`
	BytesRead   uint64               `json:"bytes_read"`
	Chunks      uint64               `json:"chunks"`
	Process     *ffmpeg.ProcessStats `json:"process,omitempty"`
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, src Source) (Handle, error)

// Open calls f.
func (f FetcherFunc) Open(ctx context.Context, src Source) (Handle, error) {
	return f(ctx, src)
}

// readerHandle turns an io.Reader into chunks and meters them.
type readerHandle struct {
	strategy    string
	url         string
	contentType string
	reader      io.Reader
	chunkSize   int
	meter       *Meter

	// onEOF may replace a clean end-of-stream with a richer error.
	onEOF   func() error
	closeFn func() error
	proc    *ffmpeg.Process

	pending   error
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newReaderHandle(strategy string, src Source, r io.Reader, chunkSize int, meter *Meter, closeFn func() error) *readerHandle {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &readerHandle{
		strategy:  strategy,
		url:       observability.SanitizeURL(src.URL),
		reader:    r,
		chunkSize: chunkSize,
		meter:     meter,
		closeFn:   closeFn,
	}
}

func (h *readerHandle) Next(ctx context.Context) ([]byte, error) {
	if h.closed.Load() {
		return nil, ErrHandleClosed
	}
	if h.pending != nil {
		return nil, h.pending
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// A blocked read is unblocked by closing the handle.
	stop := context.AfterFunc(ctx, func() { _ = h.Close() })
	defer stop()

	buf := make([]byte, h.chunkSize)
	n, err := h.reader.Read(buf)
	if n > 0 {
		h.meter.Record(n)
		if err != nil {
			h.pending = h.translate(ctx, err)
		}
		return buf[:n], nil
	}
	if err == nil {
		return nil, nil
	}
	h.pending = h.translate(ctx, err)
	return nil, h.pending
}

func (h *readerHandle) translate(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if h.closed.Load() {
		return ErrHandleClosed
	}
	if errors.Is(err, io.EOF) {
		if h.onEOF != nil {
			if eofErr := h.onEOF(); eofErr != nil {
				return eofErr
			}
		}
		return &Failure{Kind: KindEOF, Transient: true, Err: io.EOF}
	}
	if f := Classify(err); f != nil {
		return f
	}
	return err
}

func (h *readerHandle) Health() Health {
	return h.meter.Health()
}

func (h *readerHandle) Stats() HandleStats {
	bytes, chunks, started, last := h.meter.Totals()
	st := HandleStats{
		Strategy:    h.strategy,
		URL:         h.url,
		ContentType: h.contentType,
		StartedAt:   started,
		LastChunkAt: last,
		BytesRead:   bytes,
		Chunks:      chunks,
	}
	if h.proc != nil {
		st.Process = h.proc.Stats()
	}
	return st
}

func (h *readerHandle) Close() error {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		if h.closeFn != nil {
			h.closeErr = h.closeFn()
		}
	})
	return h.closeErr
}
