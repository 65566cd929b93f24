package upstream

import (
	"context"
	"fmt"

	"github.com/dispatcharr/dispatcharr-proxy/internal/models"
)

// Dispatcher picks the fetch strategy for a source: transcode profiles and
// protocols Go cannot read natively go to the process fetcher, HTTP and
// plain UDP are read directly.
type Dispatcher struct {
	HTTP    Fetcher
	UDP     Fetcher
	Process Fetcher
}

// NewDispatcher wires the three strategies. The HTTP fetcher hands non-HTTP
// redirect targets back to the dispatcher.
func NewDispatcher(httpFetcher *HTTPFetcher, udp, process Fetcher) *Dispatcher {
	d := &Dispatcher{HTTP: httpFetcher, UDP: udp, Process: process}
	if httpFetcher != nil {
		httpFetcher.WithRedirectFallback(d)
	}
	return d
}

// Strategy names the fetcher Open would use.
func (d *Dispatcher) Strategy(src Source) string {
	if src.Mode == models.ProfileModeTranscode {
		return "process"
	}
	switch src.Protocol {
	case ProtocolHTTP:
		return "http"
	case ProtocolUDP:
		return "udp"
	default:
		return "process"
	}
}

// Open dispatches to the selected fetcher.
func (d *Dispatcher) Open(ctx context.Context, src Source) (Handle, error) {
	var f Fetcher
	switch d.Strategy(src) {
	case "http":
		f = d.HTTP
	case "udp":
		f = d.UDP
	default:
		f = d.Process
	}
	if f == nil {
		return nil, &Failure{Kind: KindConnect, Err: fmt.Errorf("no fetcher for %s source", src.Protocol)}
	}
	return f.Open(ctx, src)
}
