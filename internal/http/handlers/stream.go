package handlers

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dispatcharr/dispatcharr-proxy/internal/models"
	"github.com/dispatcharr/dispatcharr-proxy/internal/observability"
	"github.com/dispatcharr/dispatcharr-proxy/internal/relay"
	"github.com/dispatcharr/dispatcharr-proxy/internal/upstream"
)

const (
	// SessionHeader carries the client's logical session id.
	SessionHeader = "X-Dispatcharr-Session"
	// ErrorHeader carries the reason code when a stream cannot be served.
	ErrorHeader = "X-Dispatcharr-Error"

	sessionQuery = "session_id"
)

// streamRoutes are the player-facing URL shapes. Xtream paths carry
// credentials the proxy does not check; the trailing extension is optional.
var streamRoutes = []string{
	"/proxy/ts/stream/{channelID}",
	"/live/{username}/{password}/{channelID}",
	"/{username}/{password}/{channelID}",
	"/auto/v{channelID}",
}

// StreamHandler serves channel streams to players.
type StreamHandler struct {
	manager         *relay.Manager
	prober          *upstream.Prober
	defaultUA       string
	sessionRedirect bool
	logger          *slog.Logger
}

// NewStreamHandler creates a stream handler.
func NewStreamHandler(manager *relay.Manager) *StreamHandler {
	return &StreamHandler{
		manager: manager,
		logger:  slog.Default(),
	}
}

// WithLogger sets the logger for the handler.
func (h *StreamHandler) WithLogger(logger *slog.Logger) *StreamHandler {
	h.logger = logger
	return h
}

// WithProber enables upstream probing for HEAD requests.
func (h *StreamHandler) WithProber(p *upstream.Prober) *StreamHandler {
	h.prober = p
	return h
}

// WithDefaultUserAgent sets the user agent used for redirects and probes
// when neither the account nor the client has one.
func (h *StreamHandler) WithDefaultUserAgent(ua string) *StreamHandler {
	h.defaultUA = ua
	return h
}

// WithSessionRedirect makes GETs without a session id redirect to the same
// URL with a generated one.
func (h *StreamHandler) WithSessionRedirect(enabled bool) *StreamHandler {
	h.sessionRedirect = enabled
	return h
}

// RegisterChiRoutes registers the streaming routes as raw chi handlers.
// Streams need control over when the status line is committed, which huma
// operations do not give.
func (h *StreamHandler) RegisterChiRoutes(router chi.Router) {
	for _, route := range streamRoutes {
		router.Get(route, h.handleStream)
		router.Post(route, h.handleStream)
		router.Head(route, h.handleHead)
	}
}

// channelKey extracts the channel id, dropping an extension such as ".ts".
func channelKey(r *http.Request) string {
	id := chi.URLParam(r, "channelID")
	if ext := path.Ext(id); ext != "" {
		id = strings.TrimSuffix(id, ext)
	}
	return id
}

// sessionID returns the client's logical id from the query or header.
func sessionID(r *http.Request) string {
	if id := r.URL.Query().Get(sessionQuery); id != "" {
		return id
	}
	return r.Header.Get(SessionHeader)
}

// sourcePreference reads the optional m3u_account_id and stream_id hints.
// Malformed values are ignored.
func sourcePreference(r *http.Request, logger *slog.Logger) relay.SourcePreference {
	var p relay.SourcePreference
	q := r.URL.Query()
	for name, dst := range map[string]*int64{"m3u_account_id": &p.AccountID, "stream_id": &p.StreamID} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v <= 0 {
			logger.Warn("ignoring invalid source hint", slog.String("param", name), slog.String("value", raw))
			continue
		}
		*dst = v
	}
	return p
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// connection's remote address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (h *StreamHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := channelKey(r)
	logger := h.logger.With(slog.String("channel_id", key))

	clientID := sessionID(r)
	if clientID == "" {
		clientID = uuid.NewString()
		if h.sessionRedirect && r.Method == http.MethodGet {
			u := *r.URL
			q := u.Query()
			q.Set(sessionQuery, clientID)
			u.RawQuery = q.Encode()
			http.Redirect(w, r, u.RequestURI(), http.StatusMovedPermanently)
			return
		}
	}

	if _, exists := h.manager.Session(key); !exists {
		if target, ok := h.redirectTarget(r, key); ok {
			logger.Info("redirecting client to provider", slog.String("url", observability.SanitizeURL(target)))
			http.Redirect(w, r, target, http.StatusFound)
			return
		}
	}

	conn, err := h.manager.Attach(ctx, key, relay.ClientInfo{
		ID:         clientID,
		UserAgent:  r.UserAgent(),
		RemoteAddr: clientIP(r),
		Prefer:     sourcePreference(r, logger),
	})
	if err != nil {
		h.attachError(w, logger, err)
		return
	}
	defer conn.Close()

	sw := newStreamWriter(w, func(hdr http.Header) {
		hdr.Set("Content-Type", conn.Session().ContentType())
		hdr.Set("Cache-Control", "no-cache, no-store")
		hdr.Set(SessionHeader, conn.ID)
	})

	err = conn.Serve(ctx, sw)
	st := conn.Stats()
	logAttrs := []any{
		slog.String("client_id", conn.ID),
		slog.String("remote_addr", conn.RemoteAddr),
		slog.Uint64("bytes", st.BytesDelivered),
		slog.Duration("duration", time.Since(conn.ConnectedAt)),
	}

	if err == nil {
		logger.Debug("client stream ended", logAttrs...)
		return
	}
	code := relay.TerminalCode(err)
	if !sw.committed {
		status := http.StatusServiceUnavailable
		if code == "" {
			code = relay.CodeSessionClosed
		}
		w.Header().Set(ErrorHeader, string(code))
		http.Error(w, string(code), status)
	}
	if code != "" {
		logger.Info("client stream terminated", append(logAttrs, slog.String("code", string(code)))...)
		return
	}
	logger.Debug("client write failed", append(logAttrs, slog.String("error", err.Error()))...)
}

// redirectTarget returns the provider URL when the channel's best
// candidate uses a redirect profile.
func (h *StreamHandler) redirectTarget(r *http.Request, key string) (string, bool) {
	cands, err := h.manager.Candidates(r.Context(), key)
	if err != nil || len(cands) == 0 {
		return "", false
	}
	if cands[0].Profile.Mode != models.ProfileModeRedirect {
		return "", false
	}
	return cands[0].Source(r.UserAgent(), h.defaultUA, h.logger).URL, true
}

func (h *StreamHandler) attachError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, relay.ErrChannelNotFound):
		http.Error(w, "channel not found", http.StatusNotFound)
	case errors.Is(err, relay.ErrTooManySessions), errors.Is(err, relay.ErrManagerStopped), errors.Is(err, relay.ErrSessionClosed):
		logger.Warn("attach refused", slog.String("error", err.Error()))
		w.Header().Set(ErrorHeader, string(relay.CodeStopped))
		http.Error(w, string(relay.CodeStopped), http.StatusServiceUnavailable)
	default:
		logger.Debug("attach aborted", slog.String("error", err.Error()))
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
	}
}

// handleHead answers with the headers a stream would have without
// attaching a client or taking a slot.
func (h *StreamHandler) handleHead(w http.ResponseWriter, r *http.Request) {
	key := channelKey(r)

	cands, err := h.manager.Candidates(r.Context(), key)
	if errors.Is(err, relay.ErrChannelNotFound) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil || len(cands) == 0 {
		w.Header().Set(ErrorHeader, string(relay.CodeCandidatesExhausted))
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	src := cands[0].Source(r.UserAgent(), h.defaultUA, h.logger)
	hdr := w.Header()
	hdr.Set("Content-Type", upstream.ContentTypeFor(src.URL, src.Mode))
	hdr.Set("Accept-Ranges", "none")
	if id := sessionID(r); id != "" {
		hdr.Set(SessionHeader, id)
	} else {
		hdr.Set(SessionHeader, uuid.NewString())
	}

	if h.prober != nil && src.Mode != models.ProfileModeTranscode {
		res, err := h.prober.Probe(r.Context(), src)
		switch {
		case err == nil:
			if res.ContentType != "" {
				hdr.Set("Content-Type", res.ContentType)
			}
			if res.AcceptRanges {
				hdr.Set("Accept-Ranges", "bytes")
			}
			if res.ContentLength >= 0 {
				hdr.Set("Content-Length", strconv.FormatInt(res.ContentLength, 10))
			}
		case !errors.Is(err, upstream.ErrNotProbeable):
			h.logger.Debug("head probe failed",
				slog.String("channel_id", key),
				slog.String("error", err.Error()),
			)
		}
	}
	w.WriteHeader(http.StatusOK)
}

// streamWriter commits the response on the first chunk so errors before
// any data can still become a proper status code.
type streamWriter struct {
	w         http.ResponseWriter
	rc        *http.ResponseController
	header    func(http.Header)
	committed bool
}

func newStreamWriter(w http.ResponseWriter, header func(http.Header)) *streamWriter {
	return &streamWriter{w: w, rc: http.NewResponseController(w), header: header}
}

func (s *streamWriter) Write(p []byte) (int, error) {
	if !s.committed {
		s.header(s.w.Header())
		s.w.WriteHeader(http.StatusOK)
		s.committed = true
	}
	return s.w.Write(p)
}

func (s *streamWriter) Flush() error {
	if !s.committed {
		return nil
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

func (s *streamWriter) SetWriteDeadline(t time.Time) error {
	if err := s.rc.SetWriteDeadline(t); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
