// Package distributor implements the OND engine: broadcast downloads, the block request server, and reset requests.
//
// A Distributor is spun up with New and Start; downloads and resets are then requested through StartDownload, CancelDownload, and RequestReset.
// Every request is fire-and-forget: once a task is running, its errors are logged (and recorded in history, if configured) but never returned to the requester.
package distributor

import (
	"cmp"
	"context"
	"net/netip"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rflandau/fwdist/internal/misc"
	"github.com/rflandau/fwdist/ond"
	"github.com/rflandau/fwdist/ond/history"
	"github.com/rflandau/fwdist/ond/packet"
	"github.com/rs/zerolog"
)

const maxBlockSize = packet.MaxBlockData

//#region collaborators

// Transport carries OND packets to and from coordinators.
// Receive must return an error wrapping net.ErrClosed once Close has been called.
type Transport interface {
	Send(dst netip.Addr, p packet.Packet) error
	Receive() (netip.Addr, packet.Packet, error)
	Close() error
}

// FirmwareStore serves loaded images.
// Lookups of unknown identities return ond.ErrNotFound.
type FirmwareStore interface {
	TotalBlocks(id ond.FirmwareID, blockSize uint16) (uint16, error)
	Block(id ond.FirmwareID, n, blockSize uint16, dst []byte) error
	SetTimeout(id ond.FirmwareID, timeout uint32) error
	Timeout(id ond.FirmwareID) (uint32, error)
}

// StatusStore records per-node progress.
// Clearing ond.Broadcast clears every node of (id, coord).
type StatusStore interface {
	Record(id ond.FirmwareID, coord netip.Addr, node ond.NodeAddr, remaining, total uint16)
	Clear(id ond.FirmwareID, coord netip.Addr, node ond.NodeAddr)
}

// History is an optional sink for finished work.
type History interface {
	Log(ctx context.Context, ev history.Event) error
}

//#endregion collaborators

// A Distributor owns the transport and drives every download, reset, and block request on it.
type Distributor struct {
	log       *zerolog.Logger
	tr        Transport
	fw        FirmwareStore
	st        StatusStore
	hist      History // may be nil
	blockSize uint16

	running    atomic.Bool
	stopped    atomic.Bool
	serverDone chan struct{}

	// tasks run under ctx; cancel kills all of them
	ctx    context.Context
	cancel context.CancelFunc
	taskMu sync.Mutex // held to spawn a task or to mark the distributor stopped
	tasks  sync.WaitGroup

	downloads registry
}

// New generates a new distributor, optionally modified with opts.
// The distributor takes ownership of tr; it is closed by Stop.
// Downloads and resets may be requested immediately, but block requests are only served once the distributor is .Start()'d.
func New(tr Transport, fw FirmwareStore, st StatusStore, opts ...Option) (*Distributor, error) {
	if tr == nil || fw == nil || st == nil {
		return nil, ErrNilDep
	}
	d := &Distributor{
		tr:         tr,
		fw:         fw,
		st:         st,
		blockSize:  ond.BlockSize,
		serverDone: make(chan struct{}),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())

	for _, opt := range opts {
		opt(d)
	}

	// if the logger was not established by the options, generate the default logger
	if d.log == nil {
		l := zerolog.New(zerolog.ConsoleWriter{
			Out:         os.Stdout,
			FieldsOrder: []string{"sublogger", "coordinator", "device"},
			TimeFormat:  "15:04:05",
		}).With().
			Timestamp().
			Caller().
			Logger().Level(zerolog.WarnLevel)
		d.log = &l
	}

	d.log.Debug().Uint16("block size", d.blockSize).Bool("history", d.hist != nil).Msg("distributor created")
	return d, nil
}

// Start spins up the block request server.
// Ineffectual if already running. A stopped distributor cannot be restarted.
func (d *Distributor) Start() error {
	if d.stopped.Load() {
		return ErrStopped
	}
	if !d.running.CompareAndSwap(false, true) {
		return nil
	}
	go d.serve()
	return nil
}

// Stop cancels every download and reset, closes the transport, and waits for all tasks (and the server, if it was started) to return.
// Ineffectual if already stopped.
func (d *Distributor) Stop() {
	d.taskMu.Lock()
	swapped := d.stopped.CompareAndSwap(false, true)
	d.taskMu.Unlock()
	if !swapped {
		return
	}
	d.log.Info().Msg("initializing graceful shutdown")
	d.cancel()
	closeErr := d.tr.Close()
	if d.running.Load() {
		<-d.serverDone
	}
	d.tasks.Wait()
	d.log.Info().AnErr("transport close error", closeErr).Msg("completed graceful shutdown")
}

//#region control

// Flags modify a download.
type Flags uint8

const (
	// InitiateOnly announces the firmware without sending any blocks.
	InitiateOnly Flags = 1 << iota
	// ImmediateReset asks nodes to reset as soon as they hold the complete image.
	ImmediateReset
)

// StartDownload begins broadcasting the given firmware to every node behind coord, one block every interval Ticks.
//
// Returns ond.ErrAlreadyRunning if a download of id to coord is already in flight, or ond.ErrNotFound if id is not loaded.
// Any other failure happens after the download has started and is only logged.
func (d *Distributor) StartDownload(id ond.FirmwareID, coord netip.Addr, interval uint16, flags Flags) error {
	if d.stopped.Load() {
		return ErrStopped
	}
	if !coord.IsValid() {
		return ErrBadCoordinator(coord)
	}
	coord = misc.Unmap(coord)
	if _, err := d.fw.TotalBlocks(id, d.blockSize); err != nil {
		d.log.Warn().Func(id.Zerolog).Str("coordinator", coord.String()).Msg("cannot start download of unknown firmware")
		return err
	}

	dl := d.newDownload(key{coord: coord, id: id}, interval, flags)
	if err := d.downloads.tryRegister(dl); err != nil {
		dl.cancel()
		d.log.Info().Func(id.Zerolog).Str("coordinator", coord.String()).Msg("download already running")
		return err
	}
	if err := d.spawn(func() { d.runDownload(dl) }); err != nil {
		d.downloads.remove(dl)
		dl.cancel()
		return err
	}
	return nil
}

// CancelDownload signals the download of id to coord (if any) to stop and clears every status record of id behind coord.
// The download stops at its next pacing wait; CancelDownload does not wait for it.
// Returns whether a download was running.
func (d *Distributor) CancelDownload(id ond.FirmwareID, coord netip.Addr) (wasRunning bool) {
	coord = misc.Unmap(coord)
	if dl, found := d.downloads.find(key{coord: coord, id: id}); found {
		d.log.Info().Func(id.Zerolog).Str("coordinator", coord.String()).Msg("cancelling running download")
		dl.cancel()
		wasRunning = true
	}
	d.st.Clear(id, coord, ond.Broadcast)
	return wasRunning
}

// RequestReset asks the nodes running device behind coord to reset after timeout Ticks, plus depth Ticks per hop.
// The request is sent repeatCount times (at least once), repeatTime Ticks apart, with the timeout shrinking by repeatTime each time.
func (d *Distributor) RequestReset(coord netip.Addr, device uint32, timeout, depth, repeatCount, repeatTime uint16) error {
	if d.stopped.Load() {
		return ErrStopped
	}
	if !coord.IsValid() {
		return ErrBadCoordinator(coord)
	}
	r := reset{
		coord:       misc.Unmap(coord),
		device:      device,
		timeout:     timeout,
		depth:       depth,
		repeatCount: repeatCount,
		repeatTime:  repeatTime,
	}
	return d.spawn(func() { d.runReset(r) })
}

// DownloadInfo describes one in-flight download.
type DownloadInfo struct {
	Coordinator netip.Addr     `json:"coordinator"`
	ID          ond.FirmwareID `json:"id"`
	State       string         `json:"state"`
	Flags       Flags          `json:"flags"`
	Interval    uint16         `json:"interval"`
	Started     time.Time      `json:"started"`
}

// Active returns every in-flight download, ordered by coordinator then device.
func (d *Distributor) Active() []DownloadInfo {
	dls := d.downloads.all()
	out := make([]DownloadInfo, len(dls))
	for i, dl := range dls {
		out[i] = DownloadInfo{
			Coordinator: dl.key.coord,
			ID:          dl.key.id,
			State:       dl.fsm.Current(),
			Flags:       dl.flags,
			Interval:    dl.interval,
			Started:     dl.started,
		}
	}
	slices.SortFunc(out, func(a, b DownloadInfo) int {
		return cmp.Or(a.Coordinator.Compare(b.Coordinator), cmp.Compare(a.ID.DeviceID, b.ID.DeviceID))
	})
	return out
}

//#endregion control

// spawn runs task in its own goroutine, tracked so Stop can wait for it.
func (d *Distributor) spawn(task func()) error {
	d.taskMu.Lock()
	defer d.taskMu.Unlock()
	if d.stopped.Load() {
		return ErrStopped
	}
	d.tasks.Add(1)
	go func() {
		defer d.tasks.Done()
		task()
	}()
	return nil
}

// sendBlock reads block n of id and sends it to node through coord, then records the node's remaining block count
// if n is within the image.
func (d *Distributor) sendBlock(coord netip.Addr, node ond.NodeAddr, id ond.FirmwareID, n, total uint16, timeout uint32) error {
	bd := packet.BlockData{
		Node:        node,
		DeviceID:    id.DeviceID,
		ChipType:    id.ChipType,
		Revision:    id.Revision,
		BlockNumber: n,
		TotalBlocks: total,
		Timeout:     timeout,
		Length:      d.blockSize,
	}
	if err := d.fw.Block(id, n, d.blockSize, bd.Data[:d.blockSize]); err != nil {
		return err
	}
	if err := d.tr.Send(coord, &bd); err != nil {
		return err
	}
	// past-the-end blocks say nothing about the node's progress; the caller records what the node reported
	if n < total {
		d.st.Record(id, coord, node, total-1-n, total)
	}
	return nil
}

// logHistory records ev if history is enabled.
func (d *Distributor) logHistory(ev history.Event) {
	if d.hist == nil {
		return
	}
	if err := d.hist.Log(context.Background(), ev); err != nil {
		d.log.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("failed to record history")
	}
}
