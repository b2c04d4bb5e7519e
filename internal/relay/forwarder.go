package relay

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// Forwarder sends accepted RTP datagrams unchanged to a single UDP target,
// e.g. a downstream media server.
type Forwarder struct {
	conn   net.PacketConn
	target *net.UDPAddr

	closeOnce sync.Once
}

// NewForwarder opens a UDP socket on bindAddr (":0" for any) and resolves target.
func NewForwarder(bindAddr, target string) (*Forwarder, error) {
	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, fmt.Errorf("invalid relay target %q: %w", target, err)
	}
	if bindAddr == "" {
		bindAddr = ":0"
	}
	conn, err := net.ListenPacket("udp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to open relay socket on %s: %w", bindAddr, err)
	}

	slog.Info("RTP relay forwarding", "local", conn.LocalAddr().String(), "target", addr.String())
	return &Forwarder{conn: conn, target: addr}, nil
}

// Forward writes one datagram to the target.
func (f *Forwarder) Forward(datagram []byte) error {
	_, err := f.conn.WriteTo(datagram, f.target)
	return err
}

// Target returns the destination address.
func (f *Forwarder) Target() string {
	return f.target.String()
}

// Close closes the socket.
func (f *Forwarder) Close() error {
	var err error
	f.closeOnce.Do(func() {
		err = f.conn.Close()
	})
	return err
}
