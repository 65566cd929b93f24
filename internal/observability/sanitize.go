package observability

import (
	"net/url"
	"regexp"
	"strings"
)

const redacted = "REDACTED"

// sensitiveParams are query parameter names providers use for credentials.
var sensitiveParams = map[string]bool{
	"username": true,
	"password": true,
	"token":    true,
	"key":      true,
	"auth":     true,
}

// xtreamPath matches Xtream Codes style /<kind>/<user>/<pass>/ path prefixes.
var xtreamPath = regexp.MustCompile(`^/(live|movie|series|timeshift)/[^/]+/[^/]+/`)

// SanitizeURL strips credentials from an upstream URL so it can be logged or
// shown in stats. Unparseable input is replaced entirely.
func SanitizeURL(raw string) string {
	if raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return redacted
	}

	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), redacted)
		}
	}

	if u.RawQuery != "" {
		q := u.Query()
		for k := range q {
			if sensitiveParams[strings.ToLower(k)] {
				q.Set(k, redacted)
			}
		}
		u.RawQuery = q.Encode()
	}

	if m := xtreamPath.FindStringSubmatch(u.Path); m != nil {
		u.Path = "/" + m[1] + "/" + redacted + "/" + redacted + "/" + u.Path[len(m[0]):]
	}

	return u.String()
}
