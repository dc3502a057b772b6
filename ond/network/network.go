// Package network owns the single UDP socket OND traffic flows over.
// Outgoing packets are encoded into a stack buffer and sent to a coordinator; incoming datagrams are decoded before they are handed up.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"

	"github.com/rflandau/fwdist/internal/misc"
	"github.com/rflandau/fwdist/ond"
	"github.com/rflandau/fwdist/ond/packet"
	"github.com/rs/zerolog"
)

// ErrBadAddr returns an error to indicate that the given netip.AddrPort cannot be bound.
func ErrBadAddr(ap netip.AddrPort) error {
	return fmt.Errorf("address %v is not a valid ip:port", ap)
}

// ErrClosed is returned by Receive once the transport has been closed.
var ErrClosed = net.ErrClosed

// Transport sends and receives OND packets over one UDP socket.
// Send and Receive may be called concurrently.
type Transport struct {
	log        *zerolog.Logger
	conn       *net.UDPConn
	remotePort uint16 // port packets are sent to; the bound port unless overridden
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger replaces the transport's default logger with the given logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(t *Transport) { t.log = l }
}

// WithRemotePort sends packets to the given port instead of the port the transport is bound to.
func WithRemotePort(port uint16) Option {
	return func(t *Transport) { t.remotePort = port }
}

// Listen binds a UDP socket to the given address.
// A bind port of 0 picks an ephemeral port; unless WithRemotePort is given, packets are then sent to that same ephemeral port.
func Listen(bind netip.AddrPort, opts ...Option) (*Transport, error) {
	if !bind.IsValid() {
		return nil, ErrBadAddr(bind)
	}
	pconn, err := (&net.ListenConfig{}).ListenPacket(context.Background(), "udp", bind.String())
	if err != nil {
		return nil, err
	}
	conn, ok := pconn.(*net.UDPConn)
	if !ok {
		pconn.Close()
		return nil, fmt.Errorf("expected a UDP connection, got %T", pconn)
	}

	t := &Transport{conn: conn}
	for _, opt := range opts {
		opt(t)
	}
	if t.remotePort == 0 {
		t.remotePort = t.LocalAddr().Port()
	}
	if t.log == nil {
		l := zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}).With().
			Str("sublogger", "network").
			Timestamp().
			Caller().
			Logger().Level(zerolog.WarnLevel)
		t.log = &l
	}

	t.log.Info().Str("local address", t.LocalAddr().String()).Uint16("remote port", t.remotePort).Msg("socket bound")
	return t, nil
}

// LocalAddr returns the address the socket is bound to.
func (t *Transport) LocalAddr() netip.AddrPort {
	return t.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Send encodes p and writes it to dst.
// A failed or short write returns an error wrapping ond.ErrSendFailed; there is no retry.
func (t *Transport) Send(dst netip.Addr, p packet.Packet) error {
	var buf packet.Buffer
	b, err := packet.Encode(&buf, p)
	if err != nil {
		return err
	}

	to := netip.AddrPortFrom(dst, t.remotePort)
	n, err := t.conn.WriteToUDPAddrPort(b, to)
	if err != nil {
		t.log.Warn().Err(err).Str("target address", to.String()).Func(p.Zerolog).Msg("failed to send")
		return fmt.Errorf("%w: %w", ond.ErrSendFailed, err)
	} else if n != len(b) {
		t.log.Warn().Int("bytes written", n).Int("packet length", len(b)).Str("target address", to.String()).Msg("short write")
		return fmt.Errorf("%w: wrote %d of %d bytes", ond.ErrSendFailed, n, len(b))
	}
	t.log.Trace().Str("target address", to.String()).Func(p.Zerolog).Msg("sent")
	return nil
}

// Receive blocks until a datagram arrives, then decodes it.
// Undecodable datagrams are returned as errors (alongside the sender); callers should keep receiving.
// Once the transport is closed, Receive returns an error wrapping ErrClosed.
func (t *Transport) Receive() (netip.Addr, packet.Packet, error) {
	var buf [ond.MaxPacketSize]byte
	n, from, err := t.conn.ReadFromUDPAddrPort(buf[:])
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return netip.Addr{}, nil, err
		}
		return netip.Addr{}, nil, fmt.Errorf("%w: %w", ond.ErrReceiveFailed, err)
	}
	src := misc.Unmap(from.Addr())
	p, err := packet.Decode(buf[:n])
	if err != nil {
		return src, nil, err
	}
	t.log.Trace().Str("sender address", src.String()).Func(p.Zerolog).Msg("received")
	return src, p, nil
}

// Close shuts the socket. Blocked Receive calls return ErrClosed.
func (t *Transport) Close() error {
	return t.conn.Close()
}
