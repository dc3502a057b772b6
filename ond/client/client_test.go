package client_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"testing"
	"time"

	. "github.com/rflandau/fwdist/internal/testsupport"
	"github.com/rflandau/fwdist/ond"
	"github.com/rflandau/fwdist/ond/client"
	"github.com/rflandau/fwdist/ond/control"
	"github.com/rflandau/fwdist/ond/distributor"
	"github.com/rflandau/fwdist/ond/firmware"
	"github.com/rflandau/fwdist/ond/history"
	"github.com/rflandau/fwdist/ond/network"
	"github.com/rflandau/fwdist/ond/packet"
	"github.com/rflandau/fwdist/ond/status"
	"github.com/rs/zerolog"
)

var fwID = ond.FirmwareID{DeviceID: 0x10000001, ChipType: 8, Revision: 4}

type env struct {
	cli   *client.Client
	coord string
	// every packet the coordinator receives
	rx <-chan packet.Packet
}

// helper function.
// Stands up the whole daemon (distributor, stores, history, control server) on localhost.
// The coordinator is a second UDP socket on ::1 whose packets are funnelled into env.rx.
func newEnv(t *testing.T) env {
	t.Helper()
	nop := zerolog.Nop()

	distAP, coordAP := RandomLocalhostAddrPort(), RandomLocalhostAddrPort()
	peer, err := network.Listen(coordAP, network.WithLogger(&nop))
	if err != nil {
		t.Fatal(err)
	}
	tr, err := network.Listen(distAP, network.WithLogger(&nop), network.WithRemotePort(coordAP.Port()))
	if err != nil {
		t.Fatal(err)
	}

	fw := firmware.NewStore(&nop)
	if _, err := fw.Load("dev.bin", FirmwareImage(fwID, 32*4+4)); err != nil {
		t.Fatal(err)
	}
	st := status.New(status.WithLogger(&nop))
	hist, err := history.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}

	d, err := distributor.New(tr, fw, st, distributor.WithLogger(&nop), distributor.WithHistory(hist))
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Start(); err != nil {
		t.Fatal(err)
	}
	srv, err := control.New(netip.MustParseAddrPort("[::1]:0"), d, fw, st, control.WithLogger(&nop), control.WithHistory(hist))
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}

	rx := make(chan packet.Packet, 64)
	go func() {
		defer close(rx)
		for {
			_, p, err := peer.Receive()
			if errors.Is(err, network.ErrClosed) {
				return
			} else if err == nil {
				rx <- p
			}
		}
	}()

	cli := client.New(srv.Addr().String())
	t.Cleanup(func() {
		cli.Close()
		srv.Stop(context.Background())
		d.Stop()
		peer.Close()
		hist.Close()
	})
	return env{cli: cli, coord: "::1", rx: rx}
}

// helper function.
// Returns the next packet the coordinator receives, failing if none arrives in time.
func (e env) next(t *testing.T) packet.Packet {
	t.Helper()
	select {
	case p := <-e.rx:
		return p
	case <-time.After(time.Second):
		t.Fatal("coordinator received nothing")
		return nil
	}
}

func TestFirmwares(t *testing.T) {
	e := newEnv(t)
	fws, err := e.cli.Firmwares(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if len(fws) != 1 || fws[0].Name != "dev.bin" || fws[0].DeviceID != fwID.DeviceID || fws[0].Revision != fwID.Revision {
		t.Error("bad firmware list", fws)
	}
}

func TestInform(t *testing.T) {
	e := newEnv(t)
	err := e.cli.StartDownload(t.Context(), control.DownloadRequest{
		Coordinator: e.coord, DeviceID: fwID.DeviceID, ChipType: fwID.ChipType, Revision: fwID.Revision, Inform: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	p := e.next(t)
	ini, ok := p.(*packet.Initiate)
	if !ok || ini.ID() != fwID {
		t.Error("expected an initiate for the firmware", p)
	}
}

func TestDownloadLifecycle(t *testing.T) {
	e := newEnv(t)
	req := control.DownloadRequest{Coordinator: e.coord, DeviceID: fwID.DeviceID, ChipType: fwID.ChipType, Revision: fwID.Revision, BlockInterval: 100}

	if err := e.cli.StartDownload(t.Context(), req); err != nil {
		t.Fatal(err)
	}
	if p := e.next(t); p.Type() != packet.TypeInitiate {
		t.Error("expected an initiate first", p)
	}
	if p := e.next(t); p.Type() != packet.TypeBlockData {
		t.Error("expected block 0", p)
	}
	// status is recorded just after the block is sent
	time.Sleep(20 * time.Millisecond)

	dls, err := e.cli.Downloads(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if len(dls) != 1 || dls[0].State != distributor.StateBroadcasting || dls[0].BlockInterval != 100 {
		t.Error("bad downloads", dls)
	}
	recs, err := e.cli.Status(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Node != ond.Broadcast.String() || recs[0].Remaining != 3 || recs[0].Total != 4 {
		t.Error("bad status", recs)
	}

	if err := e.cli.StartDownload(t.Context(), req); !errors.Is(err, ond.ErrAlreadyRunning) {
		t.Error("expected ErrAlreadyRunning", ExpectedActual(ond.ErrAlreadyRunning, err))
	}

	running, err := e.cli.CancelDownload(t.Context(), e.coord, fwID)
	if err != nil {
		t.Fatal(err)
	} else if !running {
		t.Error("cancel did not find the download")
	}
	deadline := time.Now().Add(time.Second)
	for {
		dls, err := e.cli.Downloads(t.Context())
		if err != nil {
			t.Fatal(err)
		}
		if len(dls) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("download still listed after cancel", dls)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if recs, _ := e.cli.Status(t.Context()); len(recs) != 0 {
		t.Error("status survived cancel", recs)
	}

	evs, err := e.cli.History(t.Context(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 || evs[0].Kind != string(history.DownloadCancelled) {
		t.Error("bad history", evs)
	}

	running, err = e.cli.CancelDownload(t.Context(), e.coord, fwID)
	if err != nil || running {
		t.Error("second cancel should find nothing", running, err)
	}
}

func TestStartDownload_NotFound(t *testing.T) {
	e := newEnv(t)
	err := e.cli.StartDownload(t.Context(), control.DownloadRequest{Coordinator: e.coord, DeviceID: 42})
	if !errors.Is(err, ond.ErrNotFound) {
		t.Error("expected ErrNotFound", ExpectedActual(ond.ErrNotFound, err))
	}
	var se *client.StatusError
	if !errors.As(err, &se) || se.Status != http.StatusNotFound || se.Op != control.OP_START_DOWNLOAD {
		t.Fatal("bad status error", err)
	}
	// the detail comes from the decoded error model, not the raw body
	want := fmt.Sprintf("firmware %v is not loaded", ond.FirmwareID{DeviceID: 42})
	if se.Detail != want {
		t.Error("bad detail", ExpectedActual(want, se.Detail))
	}
}

func TestRequestReset(t *testing.T) {
	e := newEnv(t)
	err := e.cli.RequestReset(t.Context(), control.ResetRequest{Coordinator: e.coord, DeviceID: fwID.DeviceID, Timeout: 300, DepthInfluence: 7, RepeatCount: 2, RepeatTime: 10})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []uint16{300, 290} {
		p := e.next(t)
		r, ok := p.(*packet.ResetRequest)
		if !ok {
			t.Fatalf("expected a reset request, got %v", p)
		}
		if r.DeviceID != fwID.DeviceID || r.Timeout != want || r.DepthInfluence != 7 {
			t.Error("bad reset request", ExpectedActual(want, r.Timeout), r)
		}
	}

	err = e.cli.RequestReset(t.Context(), control.ResetRequest{Coordinator: e.coord, DeviceID: 1, Timeout: 50, RepeatCount: 3, RepeatTime: 20})
	var se *client.StatusError
	if !errors.As(err, &se) || se.Status != http.StatusBadRequest {
		t.Error("expected a 400 for an oversized repeat window", err)
	}
}

func TestHistory_Limit(t *testing.T) {
	e := newEnv(t)
	for range 3 {
		if err := e.cli.RequestReset(t.Context(), control.ResetRequest{Coordinator: e.coord, DeviceID: 1}); err != nil {
			t.Fatal(err)
		}
		e.next(t)
	}
	// each reset is logged once its trailing repeat wait is over
	deadline := time.Now().Add(2 * time.Second)
	for {
		evs, err := e.cli.History(t.Context(), 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(evs) == 3 {
			break
		} else if time.Now().After(deadline) {
			t.Fatal("resets were not logged", evs)
		}
		time.Sleep(20 * time.Millisecond)
	}
	evs, err := e.cli.History(t.Context(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 2 || evs[0].Seq <= evs[1].Seq {
		t.Error("expected the two newest events, newest first", evs)
	}
}
