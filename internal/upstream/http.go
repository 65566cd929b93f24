package upstream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/dispatcharr/dispatcharr-proxy/internal/config"
	"github.com/dispatcharr/dispatcharr-proxy/internal/observability"
)

const maxRedirects = 10

// HTTPOptions configures the passthrough fetcher.
type HTTPOptions struct {
	ConnectTimeout time.Duration
	ChunkSize      int
	Health         config.HealthConfig
	Logger         *slog.Logger
}

// HTTPFetcher streams HTTP(S) sources.
type HTTPFetcher struct {
	client    *http.Client
	chunkSize int
	health    config.HealthConfig
	logger    *slog.Logger

	// redirectFallback opens redirect targets that are not HTTP.
	redirectFallback Fetcher
}

// NewStreamingClient returns a client with connection timeouts but no
// overall request timeout, which would cut off long-running streams.
func NewStreamingClient(connectTimeout time.Duration) *http.Client {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   connectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   connectTimeout,
			ResponseHeaderTimeout: connectTimeout,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			// Without an Accept-Encoding header most providers send raw
			// bytes; the few that compress anyway are decoded by decodedBody.
			DisableCompression: true,
		},
	}
}

// NewHTTPFetcher creates a passthrough fetcher.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPFetcher{
		client:    NewStreamingClient(opts.ConnectTimeout),
		chunkSize: opts.ChunkSize,
		health:    opts.Health,
		logger:    logger,
	}
}

// WithClient replaces the HTTP client. Its redirect policy is overridden.
func (f *HTTPFetcher) WithClient(c *http.Client) *HTTPFetcher {
	f.client = c
	return f
}

// WithRedirectFallback sets the fetcher used when a provider redirects to a
// non-HTTP URL such as rtsp://.
func (f *HTTPFetcher) WithRedirectFallback(fb Fetcher) *HTTPFetcher {
	f.redirectFallback = fb
	return f
}

// Client returns the underlying client.
func (f *HTTPFetcher) Client() *http.Client {
	return f.client
}

// Open issues the GET and returns once response headers arrive. The stream
// itself is not bound to ctx; it lives until the handle is closed.
func (f *HTTPFetcher) Open(ctx context.Context, src Source) (Handle, error) {
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, src.URL, nil)
	if err != nil {
		stop()
		cancel()
		return nil, &Failure{Kind: KindConnect, Err: fmt.Errorf("building request: %w", err)}
	}
	for k, vals := range src.Headers {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	if src.UserAgent != "" {
		req.Header.Set("User-Agent", src.UserAgent)
	}

	client := *f.client
	client.CheckRedirect = checkRedirect

	resp, err := client.Do(req)
	stopped := stop()
	if err != nil {
		cancel()
		if !stopped && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Failure{Kind: KindConnect, Transient: true, Err: err}
	}

	if isRedirect(resp.StatusCode) {
		resp.Body.Close()
		cancel()
		return f.followNonHTTP(ctx, src, resp)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, statusFailure(resp.StatusCode)
	}

	f.logger.Debug("upstream connected",
		slog.String("url", observability.SanitizeURL(resp.Request.URL.String())),
		slog.Int("status", resp.StatusCode),
		slog.String("content_type", resp.Header.Get("Content-Type")),
	)

	body, err := decodedBody(resp)
	if err != nil {
		resp.Body.Close()
		cancel()
		return nil, &Failure{Kind: KindConnect, StatusCode: resp.StatusCode, Err: err}
	}

	meter := NewMeter(f.health)
	h := newReaderHandle("http", src, body, f.chunkSize, meter, func() error {
		cancel()
		return body.Close()
	})
	h.contentType = resp.Header.Get("Content-Type")
	return h, nil
}

func (f *HTTPFetcher) followNonHTTP(ctx context.Context, src Source, resp *http.Response) (Handle, error) {
	loc, err := resp.Location()
	if err != nil {
		return nil, &Failure{Kind: KindConnect, StatusCode: resp.StatusCode, Err: fmt.Errorf("redirect without location: %w", err)}
	}
	if f.redirectFallback == nil {
		return nil, &Failure{Kind: KindConnect, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("redirect to unsupported scheme %q", loc.Scheme)}
	}

	f.logger.Info("following non-http redirect",
		slog.String("from", observability.SanitizeURL(src.URL)),
		slog.String("to", observability.SanitizeURL(loc.String())),
	)

	next := src
	next.URL = loc.String()
	next.Protocol = DetectProtocol(next.URL, "")
	next.Headers = nil
	next.UserAgent = ""
	return f.redirectFallback.Open(ctx, next)
}

// checkRedirect follows HTTP redirects and stops on anything else so the
// caller can hand the target to a non-HTTP fetcher.
func checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	if !isHTTPURL(req.URL) {
		return http.ErrUseLastResponse
	}
	// Keep the user agent across hops.
	if len(via) > 0 {
		if ua := via[0].Header.Get("User-Agent"); ua != "" {
			req.Header.Set("User-Agent", ua)
		}
	}
	return nil
}

func isHTTPURL(u *url.URL) bool {
	return u != nil && (u.Scheme == "http" || u.Scheme == "https")
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}
