// Package upstream opens provider streams and judges their health.
package upstream

import (
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/dispatcharr/dispatcharr-proxy/internal/models"
)

// Protocol is the transport family of a provider URL.
type Protocol string

const (
	ProtocolHTTP  Protocol = "http"
	ProtocolRTSP  Protocol = "rtsp"
	ProtocolUDP   Protocol = "udp"
	ProtocolOther Protocol = "other"
)

// IsHTTP reports whether HTTP-only behavior (headers, redirects, probes)
// applies.
func (p Protocol) IsHTTP() bool {
	return p == ProtocolHTTP
}

// Source is a fully resolved upstream to open.
type Source struct {
	URL       string
	Protocol  Protocol
	Mode      models.ProfileMode
	UserAgent string
	Headers   http.Header

	// Command and Args describe the transcoder for transcode mode.
	Command string
	Args    string

	// Label identifies the source in logs and stats, e.g. "account/profile".
	Label string
}

// DetectProtocol derives the protocol from the URL scheme, falling back to
// the account hint and then HTTP.
func DetectProtocol(rawURL string, hint models.ProtocolHint) Protocol {
	scheme := ""
	if u, err := url.Parse(rawURL); err == nil {
		scheme = strings.ToLower(u.Scheme)
	}

	switch scheme {
	case "http", "https":
		return ProtocolHTTP
	case "rtsp", "rtsps":
		return ProtocolRTSP
	case "udp":
		return ProtocolUDP
	case "rtp", "rtmp", "rtmps", "srt":
		return ProtocolOther
	}

	switch hint {
	case models.ProtocolHTTP:
		return ProtocolHTTP
	case models.ProtocolRTSP:
		return ProtocolRTSP
	case models.ProtocolUDP:
		return ProtocolUDP
	}
	return ProtocolHTTP
}

var (
	dollarRef    = regexp.MustCompile(`\$\$(?:(\d+)|\{(\d+)\})`)
	backslashRef = regexp.MustCompile(`\\(\d+)`)
)

// TransformURL rewrites rawURL with a profile's search/replace pair.
// Replacement references may be written $1, ${1} or \1; any other $ is
// literal.
// The URL is left unchanged unless both patterns are set and search compiles.
func TransformURL(rawURL, search, replace string, logger *slog.Logger) string {
	if search == "" || replace == "" {
		return rawURL
	}

	re, err := regexp.Compile(search)
	if err != nil {
		if logger != nil {
			logger.Warn("invalid profile search pattern, using raw url",
				slog.String("pattern", search),
				slog.String("error", err.Error()),
			)
		}
		return rawURL
	}

	tmpl := strings.ReplaceAll(replace, "$", "$$")
	tmpl = dollarRef.ReplaceAllString(tmpl, "$${$1$2}")
	tmpl = backslashRef.ReplaceAllString(tmpl, "$${$1}")
	return re.ReplaceAllString(rawURL, tmpl)
}

// ContentTypeFor guesses the response content type from the URL extension.
// Transcoded output is always MPEG-TS.
func ContentTypeFor(rawURL string, mode models.ProfileMode) string {
	if mode == models.ProfileModeTranscode {
		return "video/mp2t"
	}

	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}

	switch strings.ToLower(path.Ext(p)) {
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".mkv":
		return "video/x-matroska"
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".webm":
		return "video/webm"
	default:
		return "video/mp2t"
	}
}
