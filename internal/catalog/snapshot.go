// Package catalog provides the read-only view of accounts, profiles and
// channels the proxy routes against. Snapshots are immutable; a Store swaps
// in a new one on every refresh.
package catalog

import (
	"sort"
	"strconv"
	"time"

	"github.com/dispatcharr/dispatcharr-proxy/internal/models"
)

// ChannelEntry is a channel with its candidate streams in configured order.
type ChannelEntry struct {
	Channel models.Channel
	Streams []models.Stream
}

// Snapshot is an immutable point-in-time catalog.
type Snapshot struct {
	accounts  map[int64]models.Account
	profiles  map[int64]models.Profile
	byAccount map[int64][]models.Profile
	global    []models.Profile
	channels  map[string]*ChannelEntry
	loadedAt  time.Time
}

// Data is the raw record set a Snapshot is built from.
type Data struct {
	Accounts []models.Account
	Profiles []models.Profile
	Streams  []models.Stream
	Channels []models.Channel
	Links    []models.ChannelStream
}

// NewSnapshot indexes data. Links referencing unknown streams are dropped.
func NewSnapshot(data Data) *Snapshot {
	s := &Snapshot{
		accounts:  make(map[int64]models.Account, len(data.Accounts)),
		profiles:  make(map[int64]models.Profile, len(data.Profiles)),
		byAccount: make(map[int64][]models.Profile),
		channels:  make(map[string]*ChannelEntry, len(data.Channels)),
		loadedAt:  time.Now(),
	}

	for _, a := range data.Accounts {
		s.accounts[a.ID] = a
	}
	for _, p := range data.Profiles {
		s.profiles[p.ID] = p
		if p.IsGlobal() {
			s.global = append(s.global, p)
		} else {
			s.byAccount[p.AccountID] = append(s.byAccount[p.AccountID], p)
		}
	}
	sortProfiles(s.global)
	for id := range s.byAccount {
		sortProfiles(s.byAccount[id])
	}

	streams := make(map[int64]models.Stream, len(data.Streams))
	for _, st := range data.Streams {
		streams[st.ID] = st
	}

	links := append([]models.ChannelStream(nil), data.Links...)
	sort.SliceStable(links, func(i, j int) bool {
		if links[i].ChannelID != links[j].ChannelID {
			return links[i].ChannelID < links[j].ChannelID
		}
		return links[i].Order < links[j].Order
	})
	ordered := make(map[int64][]models.Stream)
	for _, l := range links {
		if st, ok := streams[l.StreamID]; ok {
			ordered[l.ChannelID] = append(ordered[l.ChannelID], st)
		}
	}

	for _, ch := range data.Channels {
		ch.Streams = nil
		entry := &ChannelEntry{Channel: ch, Streams: ordered[ch.ID]}
		s.channels[strconv.FormatInt(ch.ID, 10)] = entry
		if ch.UUID != "" {
			s.channels[ch.UUID] = entry
		}
	}

	return s
}

// sortProfiles puts the default profile first, then orders by id.
func sortProfiles(ps []models.Profile) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].IsDefault != ps[j].IsDefault {
			return ps[i].IsDefault
		}
		return ps[i].ID < ps[j].ID
	})
}

// Empty returns a snapshot with no records and a zero load time.
func Empty() *Snapshot {
	s := NewSnapshot(Data{})
	s.loadedAt = time.Time{}
	return s
}

// Channel looks a channel up by UUID or numeric id.
func (s *Snapshot) Channel(key string) (*ChannelEntry, bool) {
	e, ok := s.channels[key]
	return e, ok
}

// Account returns the account with id.
func (s *Snapshot) Account(id int64) (models.Account, bool) {
	a, ok := s.accounts[id]
	return a, ok
}

// Profile returns the profile with id.
func (s *Snapshot) Profile(id int64) (models.Profile, bool) {
	p, ok := s.profiles[id]
	return p, ok
}

// ProfilesForAccount returns the enabled profiles usable by an account,
// default first. Accounts without their own profiles use the global ones.
func (s *Snapshot) ProfilesForAccount(accountID int64) []models.Profile {
	src := s.byAccount[accountID]
	if len(src) == 0 {
		src = s.global
	}
	out := make([]models.Profile, 0, len(src))
	for _, p := range src {
		if p.IsEnabled() {
			out = append(out, p)
		}
	}
	return out
}

// Accounts returns every account ordered by id.
func (s *Snapshot) Accounts() []models.Account {
	out := make([]models.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats summarizes the snapshot.
type Stats struct {
	Accounts int       `json:"accounts"`
	Profiles int       `json:"profiles"`
	Channels int       `json:"channels"`
	LoadedAt time.Time `json:"loaded_at"`
}

// Stats returns record counts and the load time.
func (s *Snapshot) Stats() Stats {
	seen := make(map[int64]struct{}, len(s.channels))
	for _, e := range s.channels {
		seen[e.Channel.ID] = struct{}{}
	}
	return Stats{
		Accounts: len(s.accounts),
		Profiles: len(s.profiles),
		Channels: len(seen),
		LoadedAt: s.loadedAt,
	}
}
