// Package ffmpeg builds and supervises the external transcoder process whose
// stdout becomes a channel's chunk stream.
package ffmpeg

import (
	"errors"
	"strings"
)

// Placeholders accepted in a profile's argument template.
const (
	PlaceholderStreamURL = "{streamUrl}"
	PlaceholderUserAgent = "{userAgent}"
)

// DefaultArgs remuxes the input to MPEG-TS on stdout without re-encoding.
const DefaultArgs = "-user_agent {userAgent} -i {streamUrl} -c copy -f mpegts pipe:1"

// ErrNoBinary is returned when neither the profile nor the configuration
// names a transcoder executable.
var ErrNoBinary = errors.New("transcoder binary not configured")

// Command is a resolved transcoder invocation.
type Command struct {
	Binary string
	Args   []string
}

// String returns the command line. Callers must sanitize it before logging
// since the arguments carry the provider URL.
func (c Command) String() string {
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// CommandBuilder resolves a profile's command template into a Command.
type CommandBuilder struct {
	binary    string
	template  string
	streamURL string
	userAgent string
	extra     []string
}

// NewCommandBuilder creates a builder for the given executable.
func NewCommandBuilder(binary string) *CommandBuilder {
	return &CommandBuilder{binary: binary, template: DefaultArgs}
}

// Template sets the argument template. An empty template keeps DefaultArgs.
func (b *CommandBuilder) Template(args string) *CommandBuilder {
	if strings.TrimSpace(args) != "" {
		b.template = args
	}
	return b
}

// StreamURL sets the value substituted for {streamUrl}.
func (b *CommandBuilder) StreamURL(u string) *CommandBuilder {
	b.streamURL = u
	return b
}

// UserAgent sets the value substituted for {userAgent}.
func (b *CommandBuilder) UserAgent(ua string) *CommandBuilder {
	b.userAgent = ua
	return b
}

// Args appends literal arguments after the template.
func (b *CommandBuilder) Args(args ...string) *CommandBuilder {
	b.extra = append(b.extra, args...)
	return b
}

// Build tokenizes the template and substitutes the placeholders.
//
// A token that is exactly {userAgent} with no user agent set is dropped
// together with the flag preceding it, so "-user_agent {userAgent}" vanishes
// for sources that send no user agent.
func (b *CommandBuilder) Build() (Command, error) {
	if strings.TrimSpace(b.binary) == "" {
		return Command{}, ErrNoBinary
	}

	tokens := parseOptionsString(b.template)
	args := make([]string, 0, len(tokens)+len(b.extra))
	for _, tok := range tokens {
		if tok == PlaceholderUserAgent && b.userAgent == "" {
			if n := len(args); n > 0 && strings.HasPrefix(args[n-1], "-") {
				args = args[:n-1]
			}
			continue
		}
		tok = strings.ReplaceAll(tok, PlaceholderStreamURL, b.streamURL)
		tok = strings.ReplaceAll(tok, PlaceholderUserAgent, b.userAgent)
		args = append(args, tok)
	}
	args = append(args, b.extra...)

	return Command{Binary: b.binary, Args: args}, nil
}

// parseOptionsString splits an options string on spaces, honoring single and
// double quotes and backslash escapes.
func parseOptionsString(s string) []string {
	var (
		result    []string
		current   strings.Builder
		inQuote   bool
		quoteChar rune
		escaped   bool
		quoted    bool
	)

	flush := func() {
		if current.Len() > 0 || quoted {
			result = append(result, current.String())
			current.Reset()
		}
		quoted = false
	}

	for _, r := range s {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '"' || r == '\'':
			switch {
			case !inQuote:
				inQuote, quoteChar, quoted = true, r, true
			case r == quoteChar:
				inQuote = false
			default:
				current.WriteRune(r)
			}
		case (r == ' ' || r == '\t' || r == '\n') && !inQuote:
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()

	return result
}
