/*
fwdistd is the OND firmware distribution daemon.

It loads firmware images (individually with -f or by watching directories with -d), serves node block requests on the OND UDP port,
and takes download and reset requests over the HTTP control plane at -api.
Use fwdistctl to drive it.

Send a SIGINT or SIGTERM to shut it down.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rflandau/fwdist/ond"
	"github.com/rflandau/fwdist/ond/control"
	"github.com/rflandau/fwdist/ond/distributor"
	"github.com/rflandau/fwdist/ond/firmware"
	"github.com/rflandau/fwdist/ond/history"
	"github.com/rflandau/fwdist/ond/network"
	"github.com/rflandau/fwdist/ond/status"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const shutdownGrace = 5 * time.Second

// repeatable string flag
type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }

func (m *multiFlag) Set(s string) error {
	*m = append(*m, s)
	return nil
}

type config struct {
	verbosity uint
	bind      netip.AddrPort
	api       netip.AddrPort
	files     []string
	dirs      []string
	history   string
	retention time.Duration
}

func main() {
	var (
		cfg         config
		bind, api   string
		port        uint
		files, dirs multiFlag
	)
	flag.UintVar(&cfg.verbosity, "v", 0, "verbosity: 0 warnings only, 1-4 info, 5-9 debug, 10+ every packet")
	flag.StringVar(&bind, "b", "::", "address to bind the OND socket to")
	flag.UintVar(&port, "p", uint(ond.DefaultPort), "OND UDP port, used both locally and on coordinators")
	flag.Var(&files, "f", "firmware file to load (repeatable)")
	flag.Var(&dirs, "d", "directory to watch for firmware files (repeatable)")
	flag.StringVar(&api, "api", "[::1]:1875", "control plane listen address")
	flag.StringVar(&cfg.history, "history", "", "path of the sqlite history database; history is disabled if empty")
	flag.DurationVar(&cfg.retention, "status-retention", 0, "forget completed node records after this long; 0 keeps them")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{
		Out:         os.Stdout,
		FieldsOrder: []string{"sublogger", "coordinator", "device"},
		TimeFormat:  "15:04:05",
	}).With().
		Timestamp().
		Caller().
		Logger().Level(levelFor(cfg.verbosity))

	if port == 0 || port > 0xFFFF {
		log.Fatal().Uint("port", port).Msg("port must be 1-65535")
	}
	addr, err := netip.ParseAddr(bind)
	if err != nil {
		log.Fatal().Err(err).Str("bind", bind).Msg("bad bind address")
	}
	cfg.bind = netip.AddrPortFrom(addr, uint16(port))
	if cfg.api, err = netip.ParseAddrPort(api); err != nil {
		log.Fatal().Err(err).Str("api", api).Msg("bad control plane address")
	}
	cfg.files, cfg.dirs = files, dirs

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, &log); err != nil {
		log.Fatal().Err(err).Msg("fwdistd died")
	}
}

// levelFor maps the -v flag onto a zerolog level.
func levelFor(verbosity uint) zerolog.Level {
	switch {
	case verbosity == 0:
		return zerolog.WarnLevel
	case verbosity < 5:
		return zerolog.InfoLevel
	case verbosity < 10:
		return zerolog.DebugLevel
	default:
		return zerolog.TraceLevel
	}
}

// run spins up every component described by cfg and blocks until ctx is cancelled or a component fails.
// Everything is shut down before run returns.
func run(ctx context.Context, cfg config, log *zerolog.Logger) error {
	sub := func(name string) *zerolog.Logger {
		l := log.With().Str("sublogger", name).Logger()
		return &l
	}

	fw := firmware.NewStore(sub("firmware"))
	for _, f := range cfg.files {
		if _, err := fw.Open(f); err != nil {
			log.Error().Err(err).Str("path", f).Msg("failed to load firmware")
		}
	}

	st := status.New(status.WithLogger(sub("status")), status.WithRetention(cfg.retention))

	dOpts := []distributor.Option{distributor.WithLogger(log)}
	cOpts := []control.Option{control.WithLogger(sub("control"))}
	if cfg.history != "" {
		hist, err := history.Open(cfg.history)
		if err != nil {
			return err
		}
		defer hist.Close()
		dOpts = append(dOpts, distributor.WithHistory(hist))
		cOpts = append(cOpts, control.WithHistory(hist))
	}

	tr, err := network.Listen(cfg.bind, network.WithLogger(sub("network")))
	if err != nil {
		return err
	}
	d, err := distributor.New(tr, fw, st, dOpts...)
	if err != nil {
		tr.Close()
		return err
	}
	defer d.Stop()
	if err := d.Start(); err != nil {
		return err
	}

	srv, err := control.New(cfg.api, d, fw, st, cOpts...)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("control plane: %w", err)
	}
	log.Info().Str("ond", tr.LocalAddr().String()).Str("api", srv.Addr().String()).Msg("fwdistd is up")

	g, gctx := errgroup.WithContext(ctx)
	for _, dir := range cfg.dirs {
		g.Go(func() error {
			if err := fw.Monitor(gctx, dir); err != nil {
				return fmt.Errorf("monitor %s: %w", dir, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down...")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Stop(sctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	})
	return g.Wait()
}
