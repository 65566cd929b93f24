package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"

	"golang.org/x/net/ipv4"

	"github.com/dispatcharr/dispatcharr-proxy/internal/config"
)

const (
	udpReadBuffer = 4 << 20
	// Large enough for any datagram.
	udpDatagramSize = 65535
)

// UDPOptions configures the UDP listener fetcher.
type UDPOptions struct {
	Health config.HealthConfig
	Logger *slog.Logger
}

// UDPFetcher receives raw MPEG-TS over unicast or multicast UDP. Each
// datagram becomes one chunk.
type UDPFetcher struct {
	health config.HealthConfig
	logger *slog.Logger
}

// NewUDPFetcher creates a UDP fetcher.
func NewUDPFetcher(opts UDPOptions) *UDPFetcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &UDPFetcher{health: opts.Health, logger: logger}
}

// ParseUDPAddr accepts udp://host:port and the udp://@group:port form.
func ParseUDPAddr(rawURL string) (*net.UDPAddr, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing udp url: %w", err)
	}
	if u.Scheme != "udp" {
		return nil, fmt.Errorf("not a udp url: %q", u.Scheme)
	}

	// "udp://@239.0.0.1:1234" parses as empty userinfo with the group in Host.
	host := u.Host
	addr, err := net.ResolveUDPAddr("udp", host)
	if err != nil {
		return nil, fmt.Errorf("resolving %q: %w", host, err)
	}
	return addr, nil
}

// Open binds the listener. UDP has no handshake, so a silent group is only
// detected later by the stall timeout.
func (f *UDPFetcher) Open(ctx context.Context, src Source) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	addr, err := ParseUDPAddr(src.URL)
	if err != nil {
		return nil, &Failure{Kind: KindConnect, Err: err}
	}

	var conn *net.UDPConn
	if addr.IP != nil && addr.IP.IsMulticast() {
		conn, err = joinGroup(addr, multicastInterface(src.URL))
	} else {
		conn, err = net.ListenUDP("udp", addr)
	}
	if err != nil {
		return nil, &Failure{Kind: KindConnect, Transient: true, Err: fmt.Errorf("listening on %s: %w", addr, err)}
	}
	if err := conn.SetReadBuffer(udpReadBuffer); err != nil {
		f.logger.Debug("udp read buffer not applied", slog.String("error", err.Error()))
	}

	f.logger.Debug("udp listener bound",
		slog.String("addr", conn.LocalAddr().String()),
		slog.Bool("multicast", addr.IP != nil && addr.IP.IsMulticast()),
	)

	h := newReaderHandle("udp", src, conn, udpDatagramSize, NewMeter(f.health), conn.Close)
	h.contentType = "video/mp2t"
	return h, nil
}

// multicastInterface reads the optional ?iface= parameter naming the
// interface to join on. Empty means the system default.
func multicastInterface(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Query().Get("iface")
}

// joinGroup binds the group port and joins group on the named interface.
// IPv6 groups use the standard library's default join.
func joinGroup(group *net.UDPAddr, ifaceName string) (*net.UDPConn, error) {
	var ifi *net.Interface
	if ifaceName != "" {
		found, err := net.InterfaceByName(ifaceName)
		if err != nil {
			return nil, fmt.Errorf("multicast interface %q: %w", ifaceName, err)
		}
		ifi = found
	}

	if group.IP.To4() == nil {
		return net.ListenMulticastUDP("udp6", ifi, group)
	}

	pc, err := net.ListenPacket("udp4", group.String())
	if err != nil {
		return nil, err
	}
	conn := pc.(*net.UDPConn)
	if err := ipv4.NewPacketConn(conn).JoinGroup(ifi, &net.UDPAddr{IP: group.IP}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("joining %s: %w", group.IP, err)
	}
	return conn, nil
}
