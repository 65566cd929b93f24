package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{name: "remote address", remote: "10.0.0.5:51000", want: "10.0.0.5"},
		{name: "forwarded first hop", header: map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}, remote: "10.0.0.1:80", want: "203.0.113.9"},
		{name: "real ip", header: map[string]string{"X-Real-IP": " 198.51.100.2 "}, remote: "10.0.0.1:80", want: "198.51.100.2"},
		{name: "bare remote", remote: "pipe", want: "pipe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, clientIP(r))
		})
	}
}

func TestChannelKey(t *testing.T) {
	for id, want := range map[string]string{
		"42":        "42",
		"42.ts":     "42",
		"news.m3u8": "news",
		"abc-def":   "abc-def",
	} {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		rctx := chi.NewRouteContext()
		rctx.URLParams.Add("channelID", id)
		r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
		assert.Equal(t, want, channelKey(r), id)
	}
}

func TestSessionID(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?session_id=q", nil)
	r.Header.Set(SessionHeader, "h")
	assert.Equal(t, "q", sessionID(r), "query wins")

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(SessionHeader, "h")
	assert.Equal(t, "h", sessionID(r))
}
