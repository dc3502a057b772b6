package distributor

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/rflandau/fwdist/ond"
	"github.com/rflandau/fwdist/ond/history"
	"github.com/rflandau/fwdist/ond/packet"
)

// reset is one RequestReset call.
// Times are in Ticks.
type reset struct {
	coord       netip.Addr
	device      uint32
	timeout     uint16
	depth       uint16
	repeatCount uint16
	repeatTime  uint16
}

// runReset sends the reset request, then repeats it while repeatCount lasts.
// Each repeat waits repeatTime first and shrinks the timeout by repeatTime, unless that would take it to or below zero.
// A send failure ends the task.
func (d *Distributor) runReset(r reset) {
	log := d.log.With().
		Str("sublogger", "reset").
		Str("coordinator", r.coord.String()).
		Str("device", fmt.Sprintf("0x%08x", r.device)).
		Logger()
	log.Debug().Uint16("count", r.repeatCount).Dur("spacing", ond.Ticks(r.repeatTime)).Msg("requesting reset")

	sent := 0
	for {
		req := packet.ResetRequest{DeviceID: r.device, Timeout: r.timeout, DepthInfluence: r.depth}
		if err := d.tr.Send(r.coord, req); err != nil {
			log.Error().Err(err).Int("sent", sent).Msg("failed to send reset request")
			break
		}
		sent++
		log.Info().Float64("seconds", float64(r.timeout)/100).Uint16("depth influence", r.depth).Msg("sent reset request")

		if r.repeatCount > 0 {
			r.repeatCount--
			if r.timeout > r.repeatTime {
				r.timeout -= r.repeatTime
			}
			select {
			case <-d.ctx.Done():
				log.Info().Msg("reset abandoned on shutdown")
				r.repeatCount = 0
			case <-time.After(ond.Ticks(r.repeatTime)):
			}
		}
		if r.repeatCount == 0 {
			break
		}
	}

	if sent > 0 {
		d.logHistory(history.Event{
			Kind:        history.ResetSent,
			Coordinator: r.coord,
			ID:          ond.FirmwareID{DeviceID: r.device},
			Detail:      fmt.Sprintf("sent %d request(s), depth influence %d", sent, r.depth),
		})
	}
}
