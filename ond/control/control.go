/*
Package control serves the distributor's control plane over HTTP.

Every request maps onto one distributor or store call; see endpoints.go for the routes and the bodies they carry.
Use ond/client to make requests of a running server.
*/
package control

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"os"
	"sync/atomic"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"github.com/rflandau/fwdist/ond"
	"github.com/rflandau/fwdist/ond/distributor"
	"github.com/rflandau/fwdist/ond/firmware"
	"github.com/rflandau/fwdist/ond/history"
	"github.com/rflandau/fwdist/ond/status"
	"github.com/rs/zerolog"
)

const (
	_API_NAME    string = "fwdist"
	_API_VERSION string = "1.0.0"
)

const readHeaderTimeout = 5 * time.Second

//#region collaborators

// Engine runs downloads and resets.
type Engine interface {
	StartDownload(id ond.FirmwareID, coord netip.Addr, interval uint16, flags distributor.Flags) error
	CancelDownload(id ond.FirmwareID, coord netip.Addr) bool
	RequestReset(coord netip.Addr, device uint32, timeout, depth, repeatCount, repeatTime uint16) error
	Active() []distributor.DownloadInfo
}

// Firmwares lists loaded images.
type Firmwares interface {
	List() []firmware.Info
}

// Statuses lists per-node progress.
type Statuses interface {
	Snapshot() []status.Record
}

// HistoryReader returns the newest limit history events.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]history.Event, error)
}

//#endregion collaborators

// A Server answers control requests on a single HTTP listener.
// Should be constructed via New().
type Server struct {
	log  *zerolog.Logger
	addr netip.AddrPort // updated to the bound address on Start

	dist Engine
	fw   Firmwares
	st   Statuses
	hist HistoryReader // may be nil

	endpoint struct {
		api  huma.API
		mux  *http.ServeMux
		http *http.Server
	}

	running atomic.Bool
}

//#region options

// Option sets various options on the server.
// Uses defaults if an option is not set.
type Option func(*Server)

// Override the default logger.
// To disable logging, pass a disabled zerolog logger.
func WithLogger(l *zerolog.Logger) Option {
	if l == nil {
		panic("cannot set logger to nil")
	}
	return func(s *Server) {
		s.log = l
	}
}

// Serve GET /history from h.
// Without it, /history reports that history is disabled.
func WithHistory(h HistoryReader) Option {
	return func(s *Server) {
		s.hist = h
	}
}

// Override the default huma API instance.
// NOTE(_): routes are built onto the given api after options are applied.
// The api must be backed by the mux returned from the given function, as that mux is what the server serves.
func WithHumaAPI(build func(mux *http.ServeMux) huma.API) Option {
	return func(s *Server) {
		s.endpoint.api = build(s.endpoint.mux)
	}
}

//#endregion options

// New spawns a control server that will listen on addr once Start()'d.
// Port 0 picks a free port; read it back from .Addr() after Start.
func New(addr netip.AddrPort, dist Engine, fw Firmwares, st Statuses, opts ...Option) (*Server, error) {
	if !addr.IsValid() {
		return nil, ErrBadAddr(addr)
	} else if dist == nil || fw == nil || st == nil {
		return nil, ErrNilDep
	}

	s := &Server{
		addr: addr,
		dist: dist,
		fw:   fw,
		st:   st,
	}
	s.endpoint.mux = http.NewServeMux()

	for _, opt := range opts {
		opt(s)
	}
	// if the api handler was not set by the options, use the default handler
	if s.endpoint.api == nil {
		s.endpoint.api = humago.New(s.endpoint.mux, huma.DefaultConfig(_API_NAME, _API_VERSION))
	}
	// if logger was not set by the options, use the default logger
	if s.log == nil {
		l := zerolog.New(zerolog.ConsoleWriter{
			Out:         os.Stdout,
			FieldsOrder: []string{"sublogger"},
			TimeFormat:  "15:04:05",
		}).With().
			Str("sublogger", "control").
			Timestamp().
			Caller().
			Logger().Level(zerolog.WarnLevel)
		s.log = &l
	}

	s.buildEndpoints()
	s.endpoint.http = &http.Server{
		Handler:           s.endpoint.mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s, nil
}

// Addr returns the address the server listens on.
func (s *Server) Addr() netip.AddrPort {
	return s.addr
}

// Start binds the listener and begins serving in the background.
// The listener is bound by the time Start returns, so requests may be made immediately.
// Ineffectual if already running.
func (s *Server) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}
	ln, err := (&net.ListenConfig{}).Listen(context.Background(), "tcp", s.addr.String())
	if err != nil {
		s.running.Store(false)
		return err
	}
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		s.addr = tcp.AddrPort()
	}
	s.log.Info().Str("address", s.addr.String()).Msg("listening...")

	go func() {
		if err := s.endpoint.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("control server died")
		}
	}()
	return nil
}

// Stop gracefully shuts the server down, waiting for in-flight requests until ctx is done.
// A stopped server cannot be restarted.
func (s *Server) Stop(ctx context.Context) error {
	err := s.endpoint.http.Shutdown(ctx)
	s.log.Info().Str("address", s.addr.String()).AnErr("close error", err).Msg("killed http server")
	return err
}
