package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rflandau/fwdist/ond"
	"github.com/rflandau/fwdist/ond/client"
	"github.com/rflandau/fwdist/ond/control"
)

// request defaults
const (
	defaultBlockInterval  uint16 = 100
	defaultResetTimeout   uint16 = 100
	defaultDepthInfluence uint16 = 10
	defaultRepeatCount    uint16 = 1
	defaultRepeatTime     uint16 = 20
)

var ErrResetWindow = errors.New("repeat count * repeat time must not exceed the reset timeout")

//#region flag sets

// target is the coordinator and firmware a command acts on.
type target struct {
	coordinator string
	id          ond.FirmwareID
}

func newFlagSet(name string, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	return fs
}

// addTarget defines the -c, -d, -t, and -r flags on fs.
func addTarget(fs *flag.FlagSet) *target {
	tgt := &target{}
	fs.StringVar(&tgt.coordinator, "c", "", "IPv6 address of the coordinator (required)")
	uintVar(fs, &tgt.id.DeviceID, "d", 0, "device id (required)")
	uintVar(fs, &tgt.id.ChipType, "t", 0, "chip type")
	uintVar(fs, &tgt.id.Revision, "r", 0, "revision")
	return tgt
}

// validate checks that the required target flags were given on the parsed fs.
func (tgt *target) validate(fs *flag.FlagSet) error {
	if tgt.coordinator == "" {
		return errors.New("-c is required")
	} else if !isSet(fs, "d") {
		return errors.New("-d is required")
	}
	return nil
}

// isSet reports whether the named flag was given on the command line.
// 0 is a valid device id, so presence cannot be read from the value.
func isSet(fs *flag.FlagSet, name string) (set bool) {
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

//#endregion flag sets

//#region queries

func cmdList(ctx context.Context, cli *client.Client, out io.Writer, args []string) error {
	if err := newFlagSet("list", out).Parse(args); err != nil {
		return err
	}
	fws, err := cli.Firmwares(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDEVICE\tCHIP\tREV\tSIZE\tTIMEOUT\tPATH")
	for _, f := range fws {
		fmt.Fprintf(tw, "%s\t0x%08x\t0x%04x\t%d\t%d\t%d\t%s\n", f.Name, f.DeviceID, f.ChipType, f.Revision, f.Size, f.Timeout, f.Path)
	}
	return tw.Flush()
}

func cmdStatus(ctx context.Context, cli *client.Client, out io.Writer, args []string) error {
	if err := newFlagSet("status", out).Parse(args); err != nil {
		return err
	}
	return printStatus(ctx, cli, out)
}

func printStatus(ctx context.Context, cli *client.Client, out io.Writer) error {
	recs, err := cli.Status(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COORDINATOR\tDEVICE\tCHIP\tREV\tNODE\tPROGRESS\tUPDATED")
	for _, r := range recs {
		node := r.Node
		if node == ond.Broadcast.String() {
			node = "broadcast"
		}
		done := r.Total - min(r.Remaining, r.Total)
		fmt.Fprintf(tw, "%s\t0x%08x\t0x%04x\t%d\t%s\t%d/%d\t%s\n",
			r.Coordinator, r.DeviceID, r.ChipType, r.Revision, node, done, r.Total, r.Updated.Local().Format(time.TimeOnly))
	}
	return tw.Flush()
}

func cmdMonitor(ctx context.Context, cli *client.Client, out io.Writer, args []string) error {
	fs := newFlagSet("monitor", out)
	interval := fs.Duration("interval", time.Second, "time between refreshes")
	if err := fs.Parse(args); err != nil {
		return err
	} else if *interval <= 0 {
		return errors.New("-interval must be positive")
	}
	for {
		fmt.Fprintf(out, "--- %s ---\n", time.Now().Format(time.TimeOnly))
		if err := printStatus(ctx, cli, out); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(*interval):
		}
	}
}

func cmdDownloads(ctx context.Context, cli *client.Client, out io.Writer, args []string) error {
	if err := newFlagSet("downloads", out).Parse(args); err != nil {
		return err
	}
	dls, err := cli.Downloads(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COORDINATOR\tDEVICE\tCHIP\tREV\tSTATE\tINTERVAL\tRESET\tSTARTED")
	for _, d := range dls {
		fmt.Fprintf(tw, "%s\t0x%08x\t0x%04x\t%d\t%s\t%d\t%t\t%s\n",
			d.Coordinator, d.DeviceID, d.ChipType, d.Revision, d.State, d.BlockInterval, d.Reset, d.Started.Local().Format(time.TimeOnly))
	}
	return tw.Flush()
}

func cmdHistory(ctx context.Context, cli *client.Client, out io.Writer, args []string) error {
	fs := newFlagSet("history", out)
	limit := fs.Int("n", control.DefaultHistoryLimit, "number of events to show")
	if err := fs.Parse(args); err != nil {
		return err
	}
	evs, err := cli.History(ctx, *limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AT\tKIND\tCOORDINATOR\tDEVICE\tNODE\tDETAIL")
	for _, ev := range evs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t0x%08x\t%s\t%s\n",
			ev.At.Local().Format(time.DateTime), ev.Kind, ev.Coordinator, ev.DeviceID, ev.Node, ev.Detail)
	}
	return tw.Flush()
}

//#endregion queries

//#region actions

func cmdDownload(ctx context.Context, cli *client.Client, out io.Writer, args []string) error {
	fs := newFlagSet("download", out)
	tgt := addTarget(fs)
	var interval uint16
	uintVar(fs, &interval, "i", defaultBlockInterval, "time between blocks, in 10ms ticks")
	reset := fs.Bool("reset", false, "ask nodes to reset as soon as they hold the whole image")
	if err := fs.Parse(args); err != nil {
		return err
	} else if err := tgt.validate(fs); err != nil {
		return err
	}
	return startDownload(ctx, cli, out, tgt, control.DownloadRequest{BlockInterval: interval, Reset: *reset})
}

func cmdInform(ctx context.Context, cli *client.Client, out io.Writer, args []string) error {
	fs := newFlagSet("inform", out)
	tgt := addTarget(fs)
	if err := fs.Parse(args); err != nil {
		return err
	} else if err := tgt.validate(fs); err != nil {
		return err
	}
	return startDownload(ctx, cli, out, tgt, control.DownloadRequest{Inform: true})
}

// startDownload fills the target into req and sends it.
func startDownload(ctx context.Context, cli *client.Client, out io.Writer, tgt *target, req control.DownloadRequest) error {
	req.Coordinator = tgt.coordinator
	req.DeviceID, req.ChipType, req.Revision = tgt.id.DeviceID, tgt.id.ChipType, tgt.id.Revision
	switch err := cli.StartDownload(ctx, req); {
	case errors.Is(err, ond.ErrAlreadyRunning):
		return fmt.Errorf("%v is already being downloaded to %s", tgt.id, tgt.coordinator)
	case errors.Is(err, ond.ErrNotFound):
		return fmt.Errorf("%v is not loaded", tgt.id)
	case err != nil:
		return err
	}
	if req.Inform {
		fmt.Fprintf(out, "informing %s of %v\n", tgt.coordinator, tgt.id)
	} else {
		fmt.Fprintf(out, "downloading %v to %s\n", tgt.id, tgt.coordinator)
	}
	return nil
}

func cmdCancel(ctx context.Context, cli *client.Client, out io.Writer, args []string) error {
	fs := newFlagSet("cancel", out)
	tgt := addTarget(fs)
	if err := fs.Parse(args); err != nil {
		return err
	} else if err := tgt.validate(fs); err != nil {
		return err
	}
	running, err := cli.CancelDownload(ctx, tgt.coordinator, tgt.id)
	if err != nil {
		return err
	}
	if running {
		fmt.Fprintf(out, "cancelled download of %v to %s\n", tgt.id, tgt.coordinator)
	} else {
		fmt.Fprintf(out, "no download of %v to %s was running; status cleared\n", tgt.id, tgt.coordinator)
	}
	return nil
}

func cmdReset(ctx context.Context, cli *client.Client, out io.Writer, args []string) error {
	fs := newFlagSet("reset", out)
	var (
		coordinator string
		req         control.ResetRequest
	)
	fs.StringVar(&coordinator, "c", "", "IPv6 address of the coordinator (required)")
	uintVar(fs, &req.DeviceID, "d", 0, "device id (required)")
	uintVar(fs, &req.Timeout, "timeout", defaultResetTimeout, "time until reset, in 10ms ticks")
	uintVar(fs, &req.DepthInfluence, "depth", defaultDepthInfluence, "extra ticks per hop from the coordinator")
	uintVar(fs, &req.RepeatCount, "count", defaultRepeatCount, "number of times to send the request")
	uintVar(fs, &req.RepeatTime, "time", defaultRepeatTime, "time between repeats, in 10ms ticks")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if coordinator == "" {
		return errors.New("-c is required")
	} else if !isSet(fs, "d") {
		return errors.New("-d is required")
	} else if uint32(req.RepeatCount)*uint32(req.RepeatTime) > uint32(req.Timeout) {
		return ErrResetWindow
	}
	req.Coordinator = coordinator
	if err := cli.RequestReset(ctx, req); err != nil {
		return err
	}
	fmt.Fprintf(out, "reset of device 0x%08x requested through %s\n", req.DeviceID, coordinator)
	return nil
}

//#endregion actions
