package upstream

import (
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// decodedBody unwraps a Content-Encoding the transport did not already
// remove. Some providers compress regardless of Accept-Encoding.
func decodedBody(resp *http.Response) (io.ReadCloser, error) {
	if resp.Uncompressed {
		return resp.Body, nil
	}

	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "", "identity":
		return resp.Body, nil
	case "br":
		return &decodedReader{Reader: brotli.NewReader(resp.Body), body: resp.Body}, nil
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("reading gzip header: %w", err)
		}
		return &decodedReader{Reader: zr, body: resp.Body}, nil
	case "deflate":
		fr := flate.NewReader(resp.Body)
		return &decodedReader{Reader: fr, body: resp.Body, closer: fr}, nil
	default:
		return resp.Body, nil
	}
}

type decodedReader struct {
	io.Reader
	body   io.Closer
	closer io.Closer
}

func (d *decodedReader) Close() error {
	if d.closer != nil {
		_ = d.closer.Close()
	}
	return d.body.Close()
}
