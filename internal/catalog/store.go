package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Store holds the current snapshot. Reads never block; refreshes are
// serialized so a slow load cannot be overtaken by an older one.
type Store struct {
	source  Source
	current atomic.Pointer[Snapshot]
	mu      sync.Mutex
	logger  *slog.Logger
}

// NewStore creates a store that starts empty until the first Refresh.
func NewStore(source Source) *Store {
	s := &Store{
		source: source,
		logger: slog.Default(),
	}
	s.current.Store(Empty())
	return s
}

// WithLogger sets a custom logger.
func (s *Store) WithLogger(logger *slog.Logger) *Store {
	s.logger = logger.With(slog.String("component", "catalog"))
	return s
}

// Snapshot returns the current snapshot. It is never nil.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Refresh reloads from the source. On failure the previous snapshot stays.
func (s *Store) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.source.Load(ctx)
	if err != nil {
		s.logger.Warn("catalog refresh failed, keeping previous snapshot", slog.String("error", err.Error()))
		return fmt.Errorf("refreshing catalog: %w", err)
	}
	s.current.Store(snap)

	stats := snap.Stats()
	s.logger.Debug("catalog refreshed",
		slog.Int("accounts", stats.Accounts),
		slog.Int("profiles", stats.Profiles),
		slog.Int("channels", stats.Channels),
	)
	return nil
}
