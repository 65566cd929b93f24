package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// LagPolicy decides what happens to a subscriber whose next chunk has
// already been evicted.
type LagPolicy string

const (
	// LagDisconnect ends the subscriber with ErrSubscriberLagged.
	LagDisconnect LagPolicy = "disconnect"
	// LagSkip jumps the subscriber to the oldest retained chunk and marks
	// a discontinuity.
	LagSkip LagPolicy = "skip"
)

const (
	defaultFanoutChunks = 512
	defaultFanoutBytes  = 32 * 1024 * 1024
	// maxReadBatch bounds the chunks handed out per Next call.
	maxReadBatch = 64
)

// FanoutConfig bounds the buffer.
type FanoutConfig struct {
	MaxChunks int
	MaxBytes  int
	LagPolicy LagPolicy
}

// Chunk is one sequence-numbered piece of upstream data. Data is shared
// between subscribers and must not be modified.
type Chunk struct {
	Seq  uint64
	Data []byte
	// Discontinuity is set on the first chunk after a source switch or a
	// skipped gap.
	Discontinuity bool
	At            time.Time
}

// FanoutStats is a point-in-time view of the buffer.
type FanoutStats struct {
	Chunks      int    `json:"chunks"`
	Bytes       int    `json:"bytes"`
	OldestSeq   uint64 `json:"oldest_seq"`
	NewestSeq   uint64 `json:"newest_seq"`
	TotalBytes  uint64 `json:"total_bytes"`
	Subscribers int    `json:"subscribers"`
	Closed      bool   `json:"closed"`
}

// FanoutBuffer is a bounded multi-consumer ring. The single writer never
// blocks on subscribers: each subscriber keeps its own cursor and is woken
// through its own notify channel, so a stalled reader only loses its own
// data.
type FanoutBuffer struct {
	cfg FanoutConfig

	mu       sync.RWMutex
	chunks   []Chunk
	size     int
	nextSeq  uint64
	closed   bool
	closeErr error
	// discontinuity is applied to the next written chunk.
	discontinuity bool

	subsMu sync.RWMutex
	subs   map[string]*Subscriber

	totalBytes atomic.Uint64
}

// NewFanoutBuffer creates a buffer. Zero limits use the defaults.
func NewFanoutBuffer(cfg FanoutConfig) *FanoutBuffer {
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = defaultFanoutChunks
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultFanoutBytes
	}
	if cfg.LagPolicy == "" {
		cfg.LagPolicy = LagDisconnect
	}
	return &FanoutBuffer{
		cfg:     cfg,
		chunks:  make([]Chunk, 0, cfg.MaxChunks),
		nextSeq: 1,
		subs:    make(map[string]*Subscriber),
	}
}

// Write appends data as a new chunk and wakes all subscribers.
func (b *FanoutBuffer) Write(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBufferClosed
	}
	chunk := Chunk{
		Seq:           b.nextSeq,
		Data:          data,
		Discontinuity: b.discontinuity,
		At:            time.Now(),
	}
	b.nextSeq++
	b.discontinuity = false
	b.chunks = append(b.chunks, chunk)
	b.size += len(data)
	b.enforceLimits()
	b.mu.Unlock()

	b.totalBytes.Add(uint64(len(data)))
	b.notifyAll()
	return nil
}

// MarkDiscontinuity flags the next written chunk.
func (b *FanoutBuffer) MarkDiscontinuity() {
	b.mu.Lock()
	b.discontinuity = true
	b.mu.Unlock()
}

// enforceLimits evicts from the head (must hold write lock). The newest
// chunk is always kept.
func (b *FanoutBuffer) enforceLimits() {
	drop := 0
	for len(b.chunks)-drop > 1 &&
		(len(b.chunks)-drop > b.cfg.MaxChunks || b.size > b.cfg.MaxBytes) {
		b.size -= len(b.chunks[drop].Data)
		b.chunks[drop] = Chunk{}
		drop++
	}
	if drop > 0 {
		b.chunks = b.chunks[drop:]
	}
}

// Subscribe registers a subscriber that starts at the next written chunk.
func (b *FanoutBuffer) Subscribe(id string) (*Subscriber, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, b.terminalErrLocked()
	}
	start := b.nextSeq
	b.mu.RUnlock()

	sub := &Subscriber{
		id:     id,
		buf:    b,
		notify: make(chan struct{}, 1),
	}
	sub.cursor.Store(start)

	b.subsMu.Lock()
	b.subs[id] = sub
	b.subsMu.Unlock()
	return sub, nil
}

// Unsubscribe removes a subscriber and wakes it so a blocked Next returns.
func (b *FanoutBuffer) Unsubscribe(id string) {
	b.subsMu.Lock()
	sub, ok := b.subs[id]
	delete(b.subs, id)
	b.subsMu.Unlock()
	if ok {
		sub.removed.Store(true)
		sub.wake()
	}
}

// SubscriberCount returns the number of registered subscribers.
func (b *FanoutBuffer) SubscriberCount() int {
	b.subsMu.RLock()
	defer b.subsMu.RUnlock()
	return len(b.subs)
}

// CloseWithError closes the buffer. Subscribers drain what is retained and
// then receive err. Only the first close takes effect.
func (b *FanoutBuffer) CloseWithError(err error) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.closed = true
	b.closeErr = err
	b.mu.Unlock()

	b.notifyAll()
	return true
}

// Close closes the buffer without a terminal error.
func (b *FanoutBuffer) Close() {
	b.CloseWithError(nil)
}

// Err returns the terminal error once closed.
func (b *FanoutBuffer) Err() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.closed {
		return nil
	}
	return b.terminalErrLocked()
}

func (b *FanoutBuffer) terminalErrLocked() error {
	if b.closeErr != nil {
		return b.closeErr
	}
	return ErrBufferClosed
}

// Stats returns buffer statistics.
func (b *FanoutBuffer) Stats() FanoutStats {
	b.mu.RLock()
	st := FanoutStats{
		Chunks:     len(b.chunks),
		Bytes:      b.size,
		NewestSeq:  b.nextSeq - 1,
		TotalBytes: b.totalBytes.Load(),
		Closed:     b.closed,
	}
	if len(b.chunks) > 0 {
		st.OldestSeq = b.chunks[0].Seq
	}
	b.mu.RUnlock()
	st.Subscribers = b.SubscriberCount()
	return st
}

func (b *FanoutBuffer) notifyAll() {
	b.subsMu.RLock()
	defer b.subsMu.RUnlock()
	for _, sub := range b.subs {
		sub.wake()
	}
}

// read returns the chunks at and after the subscriber's cursor.
func (b *FanoutBuffer) read(s *Subscriber) ([]Chunk, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	cursor := s.cursor.Load()
	skipped := false
	if len(b.chunks) > 0 && cursor < b.chunks[0].Seq {
		if b.cfg.LagPolicy != LagSkip {
			return nil, ErrSubscriberLagged
		}
		oldest := b.chunks[0].Seq
		s.skipped.Add(oldest - cursor)
		cursor = oldest
		skipped = true
	}

	if len(b.chunks) == 0 || cursor > b.chunks[len(b.chunks)-1].Seq {
		if b.closed {
			return nil, b.terminalErrLocked()
		}
		return nil, nil
	}

	start := int(cursor - b.chunks[0].Seq)
	end := min(len(b.chunks), start+maxReadBatch)
	out := make([]Chunk, end-start)
	copy(out, b.chunks[start:end])
	if skipped {
		out[0].Discontinuity = true
	}
	s.cursor.Store(out[len(out)-1].Seq + 1)
	return out, nil
}

// Subscriber is one consumer's cursor into a FanoutBuffer.
type Subscriber struct {
	id     string
	buf    *FanoutBuffer
	notify chan struct{}

	cursor  atomic.Uint64
	skipped atomic.Uint64
	removed atomic.Bool
}

// ID returns the subscription id.
func (s *Subscriber) ID() string {
	return s.id
}

func (s *Subscriber) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
		// Notification already pending.
	}
}

// Next returns the next batch of chunks in order, waiting until data
// arrives, the buffer closes, or ctx is done.
func (s *Subscriber) Next(ctx context.Context) ([]Chunk, error) {
	for {
		if s.removed.Load() {
			return nil, ErrBufferClosed
		}
		chunks, err := s.buf.read(s)
		if len(chunks) > 0 || err != nil {
			return chunks, err
		}
		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Lag returns how many chunks the subscriber is behind the writer.
func (s *Subscriber) Lag() uint64 {
	s.buf.mu.RLock()
	next := s.buf.nextSeq
	s.buf.mu.RUnlock()
	cur := s.cursor.Load()
	if cur >= next {
		return 0
	}
	return next - cur
}

// Skipped returns how many chunks were skipped under LagSkip.
func (s *Subscriber) Skipped() uint64 {
	return s.skipped.Load()
}
