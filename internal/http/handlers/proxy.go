package handlers

import (
	"context"
	"errors"
	"log/slog"
	"math"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dispatcharr/dispatcharr-proxy/internal/events"
	"github.com/dispatcharr/dispatcharr-proxy/internal/relay"
	"github.com/dispatcharr/dispatcharr-proxy/internal/state"
)

const defaultEventLimit = 100

// ProxyHandler exposes session, slot and event administration.
type ProxyHandler struct {
	manager  *relay.Manager
	recorder *events.Recorder
	logger   *slog.Logger
}

// NewProxyHandler creates a proxy admin handler.
func NewProxyHandler(manager *relay.Manager) *ProxyHandler {
	return &ProxyHandler{
		manager: manager,
		logger:  slog.Default(),
	}
}

// WithLogger sets the logger for the handler.
func (h *ProxyHandler) WithLogger(logger *slog.Logger) *ProxyHandler {
	h.logger = logger
	return h
}

// WithRecorder enables the recent events endpoint.
func (h *ProxyHandler) WithRecorder(r *events.Recorder) *ProxyHandler {
	h.recorder = r
	return h
}

// ListSessionsInput is the input for listing sessions.
type ListSessionsInput struct{}

// ListSessionsOutput is the output for listing sessions.
type ListSessionsOutput struct {
	Body SessionListResponse
}

// ChannelInput addresses one channel's session.
type ChannelInput struct {
	ChannelID string `path:"channelID" doc:"Channel UUID or numeric id"`
}

// GetSessionOutput is the output for getting a session.
type GetSessionOutput struct {
	Body relay.SessionStats
}

// StopOutput is the output for stop operations.
type StopOutput struct {
	Body StopResponse
}

// StopClientInput addresses one client of a channel.
type StopClientInput struct {
	ChannelID string `path:"channelID" doc:"Channel UUID or numeric id"`
	ClientID  string `path:"clientID" doc:"Client session id"`
}

// ListSlotsInput is the input for listing slots.
type ListSlotsInput struct{}

// ListSlotsOutput is the output for listing slots.
type ListSlotsOutput struct {
	Body SlotListResponse
}

// RegistryInput is the input for the cluster registry.
type RegistryInput struct{}

// RegistryOutput is the output for the cluster registry.
type RegistryOutput struct {
	Body RegistryResponse
}

// ListEventsInput is the input for recent events.
type ListEventsInput struct {
	Limit int    `query:"limit" default:"100" minimum:"1" maximum:"1000" doc:"Maximum number of events"`
	Type  string `query:"type" doc:"Only events of this type"`
}

// ListEventsOutput is the output for recent events.
type ListEventsOutput struct {
	Body EventListResponse
}

// ListCandidatesOutput is the output for a channel's candidates.
type ListCandidatesOutput struct {
	Body CandidateListResponse
}

// Register registers the proxy admin routes with the API.
func (h *ProxyHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listProxySessions",
		Method:      "GET",
		Path:        "/api/v1/proxy/sessions",
		Summary:     "List sessions",
		Description: "Returns every channel session on this instance with its clients",
		Tags:        []string{"Proxy"},
	}, h.ListSessions)

	huma.Register(api, huma.Operation{
		OperationID: "getProxySession",
		Method:      "GET",
		Path:        "/api/v1/proxy/sessions/{channelID}",
		Summary:     "Get session",
		Tags:        []string{"Proxy"},
	}, h.GetSession)

	huma.Register(api, huma.Operation{
		OperationID: "stopProxySession",
		Method:      "POST",
		Path:        "/api/v1/proxy/sessions/{channelID}/stop",
		Summary:     "Stop session",
		Description: "Disconnects every client, closes the upstream and releases the slot",
		Tags:        []string{"Proxy"},
	}, h.StopSession)

	huma.Register(api, huma.Operation{
		OperationID: "stopProxyClient",
		Method:      "POST",
		Path:        "/api/v1/proxy/sessions/{channelID}/clients/{clientID}/stop",
		Summary:     "Disconnect client",
		Tags:        []string{"Proxy"},
	}, h.StopClient)

	huma.Register(api, huma.Operation{
		OperationID: "listProxySlots",
		Method:      "GET",
		Path:        "/api/v1/proxy/slots",
		Summary:     "List connection slots",
		Description: "Returns slots held against provider accounts by every instance",
		Tags:        []string{"Proxy"},
	}, h.ListSlots)

	huma.Register(api, huma.Operation{
		OperationID: "getProxyRegistry",
		Method:      "GET",
		Path:        "/api/v1/proxy/registry",
		Summary:     "Cluster session registry",
		Tags:        []string{"Proxy"},
	}, h.GetRegistry)

	huma.Register(api, huma.Operation{
		OperationID: "listProxyEvents",
		Method:      "GET",
		Path:        "/api/v1/proxy/events",
		Summary:     "Recent events",
		Tags:        []string{"Proxy"},
	}, h.ListEvents)

	huma.Register(api, huma.Operation{
		OperationID: "listChannelCandidates",
		Method:      "GET",
		Path:        "/api/v1/proxy/channels/{channelID}/candidates",
		Summary:     "Rank channel sources",
		Description: "Runs source selection for a channel without acquiring a slot",
		Tags:        []string{"Proxy"},
	}, h.ListCandidates)
}

// ListSessions returns all local sessions.
func (h *ProxyHandler) ListSessions(_ context.Context, _ *ListSessionsInput) (*ListSessionsOutput, error) {
	sessions := h.manager.Sessions()
	if sessions == nil {
		sessions = []relay.SessionStats{}
	}
	return &ListSessionsOutput{Body: SessionListResponse{
		Summary:  h.manager.Stats(),
		Sessions: sessions,
	}}, nil
}

// GetSession returns one channel's session.
func (h *ProxyHandler) GetSession(_ context.Context, input *ChannelInput) (*GetSessionOutput, error) {
	s, ok := h.manager.Session(input.ChannelID)
	if !ok {
		return nil, huma.Error404NotFound("session not found")
	}
	return &GetSessionOutput{Body: s.Stats()}, nil
}

// StopSession tears down a channel's session.
func (h *ProxyHandler) StopSession(ctx context.Context, input *ChannelInput) (*StopOutput, error) {
	err := h.manager.StopSession(ctx, input.ChannelID)
	switch {
	case errors.Is(err, relay.ErrSessionNotFound):
		return nil, huma.Error404NotFound("session not found")
	case err != nil:
		h.logger.Warn("stop session failed",
			slog.String("channel_id", input.ChannelID),
			slog.String("error", err.Error()),
		)
		return nil, huma.Error500InternalServerError("stopping session", err)
	}
	return &StopOutput{Body: StopResponse{Message: "session stopped"}}, nil
}

// StopClient disconnects one client.
func (h *ProxyHandler) StopClient(_ context.Context, input *StopClientInput) (*StopOutput, error) {
	err := h.manager.StopClient(input.ChannelID, input.ClientID)
	switch {
	case errors.Is(err, relay.ErrSessionNotFound):
		return nil, huma.Error404NotFound("session not found")
	case errors.Is(err, relay.ErrClientNotFound):
		return nil, huma.Error404NotFound("client not found")
	case err != nil:
		return nil, huma.Error500InternalServerError("stopping client", err)
	}
	return &StopOutput{Body: StopResponse{Message: "client disconnected"}}, nil
}

// ListSlots returns the slots held cluster-wide.
func (h *ProxyHandler) ListSlots(ctx context.Context, _ *ListSlotsInput) (*ListSlotsOutput, error) {
	slots, err := h.manager.Slots(ctx)
	if err != nil {
		return nil, huma.Error503ServiceUnavailable("listing slots", err)
	}
	if slots == nil {
		slots = []state.Slot{}
	}
	return &ListSlotsOutput{Body: SlotListResponse{Count: len(slots), Slots: slots}}, nil
}

// GetRegistry returns session records from every instance.
func (h *ProxyHandler) GetRegistry(ctx context.Context, _ *RegistryInput) (*RegistryOutput, error) {
	recs, err := h.manager.Registry(ctx)
	if err != nil {
		return nil, huma.Error503ServiceUnavailable("listing registry", err)
	}
	if recs == nil {
		recs = []state.SessionRecord{}
	}
	return &RegistryOutput{Body: RegistryResponse{Count: len(recs), Sessions: recs}}, nil
}

// ListEvents returns the most recent live-state events.
func (h *ProxyHandler) ListEvents(_ context.Context, input *ListEventsInput) (*ListEventsOutput, error) {
	if h.recorder == nil {
		return nil, huma.Error404NotFound("event history is disabled")
	}
	limit := input.Limit
	if limit <= 0 {
		limit = defaultEventLimit
	}

	var evs []events.Event
	if input.Type != "" {
		evs = h.recorder.OfType(events.Type(input.Type))
		if len(evs) > limit {
			evs = evs[len(evs)-limit:]
		}
	} else {
		evs = h.recorder.Recent(limit)
	}
	if evs == nil {
		evs = []events.Event{}
	}
	return &ListEventsOutput{Body: EventListResponse{Count: len(evs), Events: evs}}, nil
}

// ListCandidates ranks a channel's sources as a new session would see them.
func (h *ProxyHandler) ListCandidates(ctx context.Context, input *ChannelInput) (*ListCandidatesOutput, error) {
	cands, err := h.manager.Candidates(ctx, input.ChannelID)
	switch {
	case errors.Is(err, relay.ErrChannelNotFound):
		return nil, huma.Error404NotFound("channel not found")
	case err != nil:
		return nil, huma.Error503ServiceUnavailable("selecting candidates", err)
	}

	out := CandidateListResponse{ChannelID: input.ChannelID, Candidates: make([]CandidateResponse, 0, len(cands))}
	for _, c := range cands {
		free := c.FreeSlots
		if free >= math.MaxInt32 {
			free = -1
		}
		out.Candidates = append(out.Candidates, CandidateResponse{
			ID:          c.ID(),
			Label:       c.Label(),
			StreamID:    c.Stream.ID,
			StreamName:  c.Stream.Name,
			AccountID:   c.Account.ID,
			AccountName: c.Account.Name,
			ProfileID:   c.Profile.ID,
			ProfileName: c.Profile.Name,
			Mode:        string(c.Profile.Mode),
			Priority:    c.Account.Priority,
			Position:    c.Position,
			FreeSlots:   free,
		})
	}
	return &ListCandidatesOutput{Body: out}, nil
}
