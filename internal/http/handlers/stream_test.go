package handlers_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatcharr/dispatcharr-proxy/internal/http/handlers"
	"github.com/dispatcharr/dispatcharr-proxy/internal/models"
	"github.com/dispatcharr/dispatcharr-proxy/internal/relay"
)

func TestStreamHandler_UnknownChannel(t *testing.T) {
	f := newFixture(t, testCatalog(models.ProfileModeProxy))

	rec := f.do(t, http.MethodGet, "/proxy/ts/stream/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodHead, "/proxy/ts/stream/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamHandler_ExhaustedBeforeFirstByte(t *testing.T) {
	dead := httptestDeadURL(t)
	f := newFixture(t, testCatalog(models.ProfileModeProxy, dead))

	rec := f.do(t, http.MethodGet, "/proxy/ts/stream/news?session_id=c1")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, string(relay.CodeCandidatesExhausted), rec.Header().Get(handlers.ErrorHeader))
	assert.NotContains(t, rec.Body.String(), dead, "upstream URLs never reach the client")

	require.Eventually(t, func() bool {
		_, ok := f.manager.Session("news")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	slots, err := f.ledger.ActiveSlots(context.Background())
	require.NoError(t, err)
	assert.Empty(t, slots)
}

func TestStreamHandler_StreamsUpstreamBytes(t *testing.T) {
	payload := bytes.Repeat([]byte{0x47, 1, 2, 3}, 1024)

	for _, path := range []string{
		"/proxy/ts/stream/news",
		"/proxy/ts/stream/1",
		"/live/user/pass/1.ts",
		"/user/pass/news",
		"/auto/v1",
	} {
		t.Run(path, func(t *testing.T) {
			up := testUpstream(t, payload)
			f := newFixture(t, testCatalog(models.ProfileModeProxy, up.URL+"/live/1.ts"))
			srv := f.serve(t)

			req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
			require.NoError(t, err)
			req.Header.Set(handlers.SessionHeader, "viewer-1")
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, "video/mp2t", resp.Header.Get("Content-Type"))
			assert.Equal(t, "viewer-1", resp.Header.Get(handlers.SessionHeader))

			got := make([]byte, len(payload))
			_, err = io.ReadFull(resp.Body, got)
			require.NoError(t, err)
			assert.Equal(t, payload, got)

			require.Len(t, f.manager.Sessions(), 1)
			sess := f.manager.Sessions()[0]
			require.Len(t, sess.Clients, 1)
			assert.Equal(t, "viewer-1", sess.Clients[0].ID)
		})
	}
}

func TestStreamHandler_SessionRedirect(t *testing.T) {
	f := newFixture(t, testCatalog(models.ProfileModeProxy, "http://provider.invalid/1.ts"),
		func(h *handlers.StreamHandler) { h.WithSessionRedirect(true) })

	rec := f.do(t, http.MethodGet, "/proxy/ts/stream/news")
	require.Equal(t, http.StatusMovedPermanently, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/proxy/ts/stream/news", loc.Path)
	assert.NotEmpty(t, loc.Query().Get("session_id"))
}

func TestStreamHandler_RedirectProfile(t *testing.T) {
	f := newFixture(t, testCatalog(models.ProfileModeRedirect, "http://provider.example/live/1.ts"))
	srv := f.serve(t)

	resp, err := noRedirect().Get(srv.URL + "/proxy/ts/stream/news")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "http://provider.example/live/1.ts", resp.Header.Get("Location"))
	_, ok := f.manager.Session("news")
	assert.False(t, ok, "redirects never open a session")
	slots, err := f.ledger.ActiveSlots(context.Background())
	require.NoError(t, err)
	assert.Empty(t, slots)
}

func TestStreamHandler_Head(t *testing.T) {
	payload := bytes.Repeat([]byte{0x47}, 64)
	up := testUpstream(t, payload)
	f := newFixture(t, testCatalog(models.ProfileModeProxy, up.URL+"/live/1.ts"))

	rec := f.do(t, http.MethodHead, "/proxy/ts/stream/news?session_id=h1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video/mp2t", rec.Header().Get("Content-Type"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Equal(t, "4096", rec.Header().Get("Content-Length"))
	assert.Equal(t, "h1", rec.Header().Get(handlers.SessionHeader))

	_, ok := f.manager.Session("news")
	assert.False(t, ok, "HEAD does not attach")
}

func TestStreamHandler_HeadWithoutCandidates(t *testing.T) {
	f := newFixture(t, testCatalog(models.ProfileModeProxy))

	rec := f.do(t, http.MethodHead, "/auto/v1")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, string(relay.CodeCandidatesExhausted), rec.Header().Get(handlers.ErrorHeader))
}

// httptestDeadURL returns a URL whose server answers every request with 404.
func httptestDeadURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	return srv.URL + "/gone.ts"
}

func TestStreamHandler_SourceHints(t *testing.T) {
	first := bytes.Repeat([]byte{0x47, 1, 1, 1}, 512)
	second := bytes.Repeat([]byte{0x47, 2, 2, 2}, 512)
	upA := testUpstream(t, first)
	upB := testUpstream(t, second)
	f := newFixture(t, testCatalog(models.ProfileModeProxy, upA.URL+"/live/1.ts", upB.URL+"/live/2.ts"))
	srv := f.serve(t)

	resp, err := http.Get(srv.URL + "/proxy/ts/stream/news?session_id=c1&stream_id=2&m3u_account_id=bogus")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := make([]byte, len(second))
	_, err = io.ReadFull(resp.Body, got)
	require.NoError(t, err)
	assert.Equal(t, second, got, "the hinted stream is tried first")
}
