package relay

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/dispatcharr/dispatcharr-proxy/internal/catalog"
	"github.com/dispatcharr/dispatcharr-proxy/internal/models"
	"github.com/dispatcharr/dispatcharr-proxy/internal/state"
	"github.com/dispatcharr/dispatcharr-proxy/internal/upstream"
	"github.com/dispatcharr/dispatcharr-proxy/internal/version"
)

// unlimitedSlots stands in for the free count of an uncapped dimension.
const unlimitedSlots = math.MaxInt32

// Candidate is one stream paired with the account and profile it would be
// opened through.
type Candidate struct {
	Stream  models.Stream  `json:"stream"`
	Account models.Account `json:"account"`
	Profile models.Profile `json:"profile"`
	// Position is the stream's index in the channel's configured order.
	Position int `json:"position"`
	// FreeSlots is the headroom seen at selection time. Display only; the
	// ledger decides on acquire.
	FreeSlots int `json:"free_slots"`
}

// ID identifies the candidate within one channel.
func (c Candidate) ID() string {
	return fmt.Sprintf("%d/%d", c.Stream.ID, c.Profile.ID)
}

// Key is the account/profile pair slots and backoff are charged against.
func (c Candidate) Key() state.SlotKey {
	return state.SlotKey{AccountID: c.Account.ID, ProfileID: c.Profile.ID}
}

// Limits returns the caps enforced by the ledger.
func (c Candidate) Limits() state.Limits {
	return state.Limits{AccountMax: c.Account.MaxConnections, ProfileMax: c.Profile.MaxStreams}
}

// Label is a short human-readable name for logs and stats.
func (c Candidate) Label() string {
	name := c.Stream.Name
	if name == "" {
		name = fmt.Sprintf("stream %d", c.Stream.ID)
	}
	return fmt.Sprintf("%s via %s/%s", name, c.Account.Name, c.Profile.Name)
}

// Source resolves the candidate into what a fetcher opens. The user agent
// is the account's, else the client's, else defaultUA.
func (c Candidate) Source(clientUA, defaultUA string, logger *slog.Logger) upstream.Source {
	url := upstream.TransformURL(c.Stream.URL, c.Profile.SearchPattern, c.Profile.ReplacePattern, logger)

	ua := c.Account.UserAgent
	if ua == "" {
		ua = clientUA
	}
	if ua == "" {
		ua = defaultUA
	}
	if ua == "" {
		ua = version.UserAgent()
	}

	src := upstream.Source{
		URL:       url,
		Protocol:  upstream.DetectProtocol(url, c.Account.ProtocolHint),
		Mode:      c.Profile.Mode,
		UserAgent: ua,
		Label:     c.Label(),
	}
	if src.Mode == "" {
		src.Mode = models.ProfileModeProxy
	}
	if src.Mode == models.ProfileModeTranscode {
		src.Command = c.Profile.Command
		src.Args = c.Profile.Args
	}
	return src
}

// Selector orders the candidates of a channel. It never caches: every call
// reads the ledger and the backoff tracker again, so a candidate that just
// failed is skipped for as long as its backoff window lasts.
type Selector struct {
	ledger  state.Ledger
	backoff state.BackoffTracker
	now     func() time.Time
	logger  *slog.Logger
}

// NewSelector creates a selector.
func NewSelector(ledger state.Ledger, backoff state.BackoffTracker) *Selector {
	return &Selector{
		ledger:  ledger,
		backoff: backoff,
		now:     time.Now,
		logger:  slog.Default(),
	}
}

// WithLogger sets the logger.
func (s *Selector) WithLogger(logger *slog.Logger) *Selector {
	s.logger = logger
	return s
}

// WithClock overrides the clock used for backoff checks.
func (s *Selector) WithClock(now func() time.Time) *Selector {
	s.now = now
	return s
}

// Expand lists every candidate of a channel in configured order, without
// filtering by load or backoff. Streams without a profile expand into one
// candidate per profile of their account, default first.
func Expand(snap *catalog.Snapshot, channelKey string) ([]Candidate, error) {
	entry, ok := snap.Channel(channelKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, channelKey)
	}

	var out []Candidate
	for pos, stream := range entry.Streams {
		account, ok := snap.Account(stream.AccountID)
		if !ok || !account.IsEnabled() {
			continue
		}

		var profiles []models.Profile
		if stream.ProfileID != 0 {
			if p, ok := snap.Profile(stream.ProfileID); ok && p.IsEnabled() {
				profiles = []models.Profile{p}
			}
		} else {
			profiles = snap.ProfilesForAccount(account.ID)
		}
		if len(profiles) == 0 {
			// No profile configured at all: plain passthrough, capped by the account only.
			profiles = []models.Profile{{Name: "default", Mode: models.ProfileModeProxy}}
		}

		for _, p := range profiles {
			out = append(out, Candidate{
				Stream:   stream,
				Account:  account,
				Profile:  p,
				Position: pos,
			})
		}
	}
	return out, nil
}

// SelectCandidates returns the viable candidates of a channel, best first:
// pairs in a backoff window and pairs at capacity are excluded, then the
// rest are ordered by account priority, free slots (more first) and
// configured stream order. An empty result means all sources are busy.
func (s *Selector) SelectCandidates(ctx context.Context, snap *catalog.Snapshot, channelKey string) ([]Candidate, error) {
	all, err := Expand(snap, channelKey)
	if err != nil {
		return nil, err
	}

	now := s.now()
	out := make([]Candidate, 0, len(all))
	for _, c := range all {
		if s.backoff != nil {
			st, err := s.backoff.State(ctx, c.Key())
			if err != nil {
				s.logger.Warn("backoff lookup failed",
					slog.String("key", c.Key().String()),
					slog.String("error", err.Error()),
				)
			} else if st.Active(now) {
				s.logger.Debug("candidate in backoff",
					slog.String("candidate", c.Label()),
					slog.Time("until", st.Until),
				)
				continue
			}
		}

		c.FreeSlots = unlimitedSlots
		if s.ledger != nil {
			usage, err := s.ledger.Usage(ctx, c.Key())
			if err != nil {
				s.logger.Warn("ledger usage lookup failed",
					slog.String("key", c.Key().String()),
					slog.String("error", err.Error()),
				)
			} else {
				c.FreeSlots = freeSlots(c.Limits(), usage)
			}
		}
		if c.FreeSlots <= 0 {
			continue
		}
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Account.Priority != out[j].Account.Priority {
			return out[i].Account.Priority < out[j].Account.Priority
		}
		return out[i].FreeSlots > out[j].FreeSlots
	})
	return out, nil
}

// freeSlots is the smaller headroom of the two dimensions.
func freeSlots(limits state.Limits, usage state.Usage) int {
	free := unlimitedSlots
	if limits.AccountMax > 0 {
		free = min(free, limits.AccountMax-usage.AccountInUse)
	}
	if limits.ProfileMax > 0 {
		free = min(free, limits.ProfileMax-usage.ProfileInUse)
	}
	return free
}
