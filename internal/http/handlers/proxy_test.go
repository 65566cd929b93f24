package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatcharr/dispatcharr-proxy/internal/events"
	"github.com/dispatcharr/dispatcharr-proxy/internal/http/handlers"
	"github.com/dispatcharr/dispatcharr-proxy/internal/models"
	"github.com/dispatcharr/dispatcharr-proxy/internal/relay"
	"github.com/dispatcharr/dispatcharr-proxy/internal/state"
)

func decode[T any](t *testing.T, body io.Reader) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(body).Decode(&v))
	return v
}

func TestProxyHandler_Idle(t *testing.T) {
	f := newFixture(t, testCatalog(models.ProfileModeProxy, "http://a.example/1.ts", "http://b.example/2.ts"))

	t.Run("no sessions", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/proxy/sessions")
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[handlers.SessionListResponse](t, rec.Body)
		assert.Empty(t, resp.Sessions)
		assert.Equal(t, "test", resp.Summary.Instance)
		assert.Zero(t, resp.Summary.Sessions)
	})

	t.Run("unknown session", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/proxy/sessions/news").Code)
		assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/v1/proxy/sessions/news/stop").Code)
		assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/v1/proxy/sessions/news/clients/x/stop").Code)
	})

	t.Run("no slots", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/proxy/slots")
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[handlers.SlotListResponse](t, rec.Body)
		assert.Zero(t, resp.Count)
		assert.NotNil(t, resp.Slots)
	})

	t.Run("candidates", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/proxy/channels/news/candidates")
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[handlers.CandidateListResponse](t, rec.Body)
		require.Len(t, resp.Candidates, 2)
		assert.Equal(t, int64(1), resp.Candidates[0].AccountID)
		assert.Equal(t, "1/10", resp.Candidates[0].ID)
		assert.Equal(t, -1, resp.Candidates[0].FreeSlots)
		assert.Equal(t, "proxy", resp.Candidates[0].Mode)

		assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/proxy/channels/missing/candidates").Code)
	})

	t.Run("slots list holders", func(t *testing.T) {
		_, err := f.ledger.TryAcquire(context.Background(), state.SlotKey{AccountID: 1, ProfileID: 10}, state.Limits{AccountMax: 1}, "elsewhere")
		require.NoError(t, err)
		defer func() {
			slots, _ := f.ledger.ActiveSlots(context.Background())
			for i := range slots {
				_ = f.ledger.Release(context.Background(), &slots[i])
			}
		}()

		rec := f.do(t, http.MethodGet, "/api/v1/proxy/slots")
		resp := decode[handlers.SlotListResponse](t, rec.Body)
		require.Equal(t, 1, resp.Count)
		assert.Equal(t, "elsewhere", resp.Slots[0].Owner)
	})

	t.Run("registry", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/proxy/registry")
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[handlers.RegistryResponse](t, rec.Body)
		assert.Zero(t, resp.Count)
	})
}

func TestProxyHandler_LiveSession(t *testing.T) {
	payload := bytes.Repeat([]byte{0x47}, 188)
	up := testUpstream(t, payload)
	f := newFixture(t, testCatalog(models.ProfileModeProxy, up.URL+"/1.ts"))
	srv := f.serve(t)

	resp, err := http.Get(srv.URL + "/proxy/ts/stream/news?session_id=viewer")
	require.NoError(t, err)
	defer resp.Body.Close()
	_, err = io.ReadFull(resp.Body, make([]byte, len(payload)))
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/v1/proxy/sessions/news")
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[relay.SessionStats](t, rec.Body)
	assert.Equal(t, relay.StateStreaming, st.State)
	require.Len(t, st.Clients, 1)
	assert.Equal(t, "viewer", st.Clients[0].ID)
	require.NotNil(t, st.Source)
	assert.Equal(t, int64(1), st.Source.AccountID)

	rec = f.do(t, http.MethodGet, "/api/v1/proxy/slots")
	slots := decode[handlers.SlotListResponse](t, rec.Body)
	assert.Equal(t, 1, slots.Count)

	require.Eventually(t, func() bool {
		rec := f.do(t, http.MethodGet, "/api/v1/proxy/registry")
		registry := decode[handlers.RegistryResponse](t, rec.Body)
		return registry.Count == 1 && registry.Sessions[0].ChannelID == "news"
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(f.recorder.OfType(events.TypeClientAttached)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	rec = f.do(t, http.MethodGet, "/api/v1/proxy/events?type=client.attached")
	require.Equal(t, http.StatusOK, rec.Code)
	evs := decode[handlers.EventListResponse](t, rec.Body)
	require.Equal(t, 1, evs.Count)
	assert.Equal(t, events.TypeClientAttached, evs.Events[0].Type)
	assert.Equal(t, "viewer", evs.Events[0].ClientID)

	rec = f.do(t, http.MethodPost, "/api/v1/proxy/sessions/news/stop")
	require.Equal(t, http.StatusOK, rec.Code)

	// The stopped stream ends for the client and the slot is returned.
	_, err = io.Copy(io.Discard, resp.Body)
	assert.NoError(t, err)
	require.Eventually(t, func() bool {
		s, _ := f.ledger.ActiveSlots(context.Background())
		return len(s) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProxyHandler_StopClient(t *testing.T) {
	payload := bytes.Repeat([]byte{0x47}, 188)
	up := testUpstream(t, payload)
	f := newFixture(t, testCatalog(models.ProfileModeProxy, up.URL+"/1.ts"))
	srv := f.serve(t)

	resp, err := http.Get(srv.URL + "/proxy/ts/stream/news?session_id=kick-me")
	require.NoError(t, err)
	defer resp.Body.Close()
	_, err = io.ReadFull(resp.Body, make([]byte, len(payload)))
	require.NoError(t, err)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/v1/proxy/sessions/news/clients/other/stop").Code)

	rec := f.do(t, http.MethodPost, "/api/v1/proxy/sessions/news/clients/kick-me/stop")
	require.Equal(t, http.StatusOK, rec.Code)

	_, err = io.Copy(io.Discard, resp.Body)
	assert.NoError(t, err)
}
