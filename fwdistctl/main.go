/*
fwdistctl drives a running fwdistd over its control plane.

	fwdistctl [-api addr] <command> [flags]

Commands:

	list        loaded firmware
	status      per-node progress
	monitor     status, refreshed until interrupted
	downloads   in-flight downloads
	download    broadcast a firmware to every node behind a coordinator
	inform      announce a firmware without sending it
	cancel      stop a download and clear its status
	reset       ask nodes to reset
	history     recently finished work

Numeric flags accept decimal or 0x-prefixed hex.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rflandau/fwdist/ond/client"
	"github.com/rs/zerolog"
)

// a subcommand; args excludes the command name
type command struct {
	summary string
	run     func(ctx context.Context, cli *client.Client, out io.Writer, args []string) error
}

var commands = map[string]command{
	"list":      {"loaded firmware", cmdList},
	"status":    {"per-node progress", cmdStatus},
	"monitor":   {"status, refreshed until interrupted", cmdMonitor},
	"downloads": {"in-flight downloads", cmdDownloads},
	"download":  {"broadcast a firmware", cmdDownload},
	"inform":    {"announce a firmware without sending it", cmdInform},
	"cancel":    {"stop a download and clear its status", cmdCancel},
	"reset":     {"ask nodes to reset", cmdReset},
	"history":   {"recently finished work", cmdHistory},
}

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	}).With().
		Timestamp().
		Logger().Level(zerolog.InfoLevel)

	api := flag.String("api", "[::1]:1875", "control plane address of the daemon")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}
	cmd, found := commands[flag.Arg(0)]
	if !found {
		log.Error().Str("command", flag.Arg(0)).Msg("unknown command")
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cli := client.New(*api)
	defer cli.Close()

	if err := cmd.run(ctx, cli, os.Stdout, flag.Args()[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Error().Err(err).Str("command", flag.Arg(0)).Msg("failed")
		stop()
		os.Exit(1)
	}
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "usage: %s [-api addr] <command> [flags]\n\n", os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintln(out, "\ncommands:")
	for _, name := range []string{"list", "status", "monitor", "downloads", "download", "inform", "cancel", "reset", "history"} {
		fmt.Fprintf(out, "  %-10s %s\n", name, commands[name].summary)
	}
}

// uintVar defines a flag of an unsigned type that also accepts 0x-prefixed hex.
func uintVar[T uint16 | uint32](fs *flag.FlagSet, p *T, name string, value T, usage string) {
	*p = value
	fs.Func(name, fmt.Sprintf("%s (default %d)", usage, value), func(s string) error {
		n, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return err
		}
		if n > uint64(^T(0)) {
			return fmt.Errorf("%d is out of range (max %d)", n, ^T(0))
		}
		*p = T(n)
		return nil
	})
}
