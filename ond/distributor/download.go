package distributor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/looplab/fsm"
	"github.com/rflandau/fwdist/ond"
	"github.com/rflandau/fwdist/ond/history"
	"github.com/rflandau/fwdist/ond/packet"
	"github.com/rs/zerolog"
)

// download states
const (
	StateCreated      = "created"
	StateBroadcasting = "broadcasting"
	StateCompleted    = "completed"
	StateCancelled    = "cancelled"
	StateFailed       = "failed"
)

// download events
const (
	evStart    = "start"
	evComplete = "complete"
	evCancel   = "cancel"
	evFail     = "fail"
)

// download is a single broadcast of one image to one coordinator.
// Only the goroutine running it fires events on its fsm.
type download struct {
	key      key
	flags    Flags
	interval uint16 // Ticks between blocks
	started  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	fsm    *fsm.FSM
	log    zerolog.Logger
}

func (d *Distributor) newDownload(k key, interval uint16, flags Flags) *download {
	dl := &download{
		key:      k,
		flags:    flags,
		interval: interval,
		started:  time.Now(),
	}
	dl.ctx, dl.cancel = context.WithCancel(d.ctx)
	dl.log = d.log.With().
		Str("sublogger", "download").
		Str("coordinator", k.coord.String()).
		Str("firmware", k.id.String()).
		Logger()
	dl.fsm = fsm.NewFSM(
		StateCreated,
		fsm.Events{
			{Name: evStart, Src: []string{StateCreated}, Dst: StateBroadcasting},
			{Name: evComplete, Src: []string{StateBroadcasting}, Dst: StateCompleted},
			{Name: evCancel, Src: []string{StateBroadcasting}, Dst: StateCancelled},
			{Name: evFail, Src: []string{StateCreated, StateBroadcasting}, Dst: StateFailed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				dl.log.Debug().Str("from", e.Src).Str("to", e.Dst).Msg("download state change")
			},
		},
	)
	return dl
}

// fire moves the download's state machine.
// Transitions are fixed, so an error here is a programming mistake; it is logged rather than propagated.
func (dl *download) fire(event string) {
	if err := dl.fsm.Event(context.Background(), event); err != nil {
		dl.log.Error().Err(err).Str("event", event).Str("state", dl.fsm.Current()).Msg("invalid download transition")
	}
}

// runDownload drives dl to a terminal state, then unregisters it.
func (d *Distributor) runDownload(dl *download) {
	defer dl.cancel()
	defer d.downloads.remove(dl)

	err := d.broadcast(dl)
	kind := history.DownloadCompleted
	switch {
	case err == nil:
		dl.fire(evComplete)
		dl.log.Info().Dur("elapsed", time.Since(dl.started)).Msg("download complete")
	case errors.Is(err, context.Canceled):
		kind = history.DownloadCancelled
		dl.fire(evCancel)
		dl.log.Info().Msg("download cancelled")
	default:
		kind = history.DownloadFailed
		dl.fire(evFail)
		dl.log.Error().Err(err).Msg("download failed")
	}

	ev := history.Event{Kind: kind, Coordinator: dl.key.coord, ID: dl.key.id, Node: ond.Broadcast}
	if kind == history.DownloadFailed {
		ev.Detail = err.Error()
	}
	d.logHistory(ev)
}

// broadcast announces the image and, unless the download is initiate-only, sends every block in ascending order.
// Returns context.Canceled if the download was cancelled during a pacing wait.
func (d *Distributor) broadcast(dl *download) error {
	id := dl.key.id
	total, err := d.fw.TotalBlocks(id, d.blockSize)
	if err != nil {
		return err
	}
	dl.fire(evStart)

	if err := d.tr.Send(dl.key.coord, packet.Initiate{DeviceID: id.DeviceID, ChipType: id.ChipType, Revision: id.Revision}); err != nil {
		return fmt.Errorf("initiate: %w", err)
	}
	if dl.flags&InitiateOnly != 0 {
		dl.log.Info().Msg("network informed of firmware")
		return nil
	}

	timeout := uint32(dl.interval) * ond.TimeoutUnitsPerTick
	if dl.flags&ImmediateReset != 0 {
		timeout |= ond.AutoResetFlag
	} else {
		timeout &^= ond.AutoResetFlag
	}
	if err := d.fw.SetTimeout(id, timeout); err != nil {
		return fmt.Errorf("set timeout: %w", err)
	}

	dl.log.Info().Uint16("blocks", total).Uint16("interval", dl.interval).Uint32("timeout", timeout).Msg("broadcasting")
	for n := range total {
		if err := d.sendBlock(dl.key.coord, ond.Broadcast, id, n, total, timeout); err != nil {
			return fmt.Errorf("block %d: %w", n, err)
		}
		dl.log.Trace().Uint16("block", n).Uint16("total", total).Msg("sent block")

		select {
		case <-dl.ctx.Done():
			return context.Canceled
		case <-time.After(ond.Ticks(dl.interval)):
		}
	}
	return nil
}
