package middleware

import (
	"net/http"
	"strings"
)

// CompressPrefixes applies a compression middleware only to requests under
// one of the given path prefixes. Stream routes stay uncompressed: players
// expect raw transport stream bytes and compression buffers defeat flushing.
func CompressPrefixes(compressionHandler func(http.Handler) http.Handler, prefixes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		compressed := compressionHandler(next)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, p := range prefixes {
				if strings.HasPrefix(r.URL.Path, p) {
					compressed.ServeHTTP(w, r)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
