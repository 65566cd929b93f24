package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/maypok86/otter"
)

// DefaultProbeTTL is how long a probe result is reused.
const DefaultProbeTTL = 30 * time.Minute

const (
	probeCacheSize = 10_000
	probeTimeout   = 10 * time.Second
)

// ErrNotProbeable is returned for sources without HTTP semantics.
var ErrNotProbeable = errors.New("source does not support probing")

// ProbeResult is what a HEAD request needs to answer without streaming.
type ProbeResult struct {
	ContentType   string    `json:"content_type"`
	ContentLength int64     `json:"content_length"`
	AcceptRanges  bool      `json:"accept_ranges"`
	StatusCode    int       `json:"status_code"`
	ProbedAt      time.Time `json:"probed_at"`
}

// Prober fetches the first two bytes of a source to learn its size and
// type, caching the answer per URL.
type Prober struct {
	client *http.Client
	cache  otter.Cache[string, ProbeResult]
}

// NewProber creates a prober. A nil client uses a streaming client with a
// short connect timeout.
func NewProber(client *http.Client, ttl time.Duration) (*Prober, error) {
	if client == nil {
		client = NewStreamingClient(probeTimeout)
	}
	if ttl <= 0 {
		ttl = DefaultProbeTTL
	}
	cache, err := otter.MustBuilder[string, ProbeResult](probeCacheSize).
		Cost(func(_ string, _ ProbeResult) uint32 { return 1 }).
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, fmt.Errorf("building probe cache: %w", err)
	}
	return &Prober{client: client, cache: cache}, nil
}

// Probe returns the cached result for src.URL or issues a
// "Range: bytes=0-1" GET.
func (p *Prober) Probe(ctx context.Context, src Source) (ProbeResult, error) {
	if !src.Protocol.IsHTTP() {
		return ProbeResult{}, ErrNotProbeable
	}
	if res, ok := p.cache.Get(src.URL); ok {
		return res, nil
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("building probe request: %w", err)
	}
	req.Header.Set("Range", "bytes=0-1")
	if src.UserAgent != "" {
		req.Header.Set("User-Agent", src.UserAgent)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return ProbeResult{}, &Failure{Kind: KindConnect, Transient: true, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 2))

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return ProbeResult{}, statusFailure(resp.StatusCode)
	}

	res := ProbeResult{
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: -1,
		AcceptRanges:  resp.StatusCode == http.StatusPartialContent || resp.Header.Get("Accept-Ranges") == "bytes",
		StatusCode:    resp.StatusCode,
		ProbedAt:      time.Now(),
	}
	if total, ok := parseContentRangeTotal(resp.Header.Get("Content-Range")); ok {
		res.ContentLength = total
	} else if resp.StatusCode == http.StatusOK && resp.ContentLength >= 0 {
		res.ContentLength = resp.ContentLength
	}
	if res.ContentType == "" {
		res.ContentType = ContentTypeFor(src.URL, src.Mode)
	}

	p.cache.Set(src.URL, res)
	return res, nil
}

// Invalidate drops a cached result.
func (p *Prober) Invalidate(rawURL string) {
	p.cache.Delete(rawURL)
}

// Close stops the cache's background work.
func (p *Prober) Close() {
	p.cache.Close()
}

// parseContentRangeTotal extracts the total from "bytes 0-1/12345".
func parseContentRangeTotal(v string) (int64, bool) {
	i := strings.LastIndexByte(v, '/')
	if i < 0 || i == len(v)-1 {
		return 0, false
	}
	total, err := strconv.ParseInt(strings.TrimSpace(v[i+1:]), 10, 64)
	if err != nil || total < 0 {
		return 0, false
	}
	return total, true
}
