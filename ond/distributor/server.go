package distributor

import (
	"errors"
	"net"
	"net/netip"

	"github.com/rflandau/fwdist/ond/history"
	"github.com/rflandau/fwdist/ond/packet"
)

// serve answers block requests until the transport is closed.
// Bad, unknown, or unexpected packets are logged and dropped; nothing short of a closed transport ends the loop.
// Spun up by .Start(), shuttered by .Stop().
func (d *Distributor) serve() {
	defer close(d.serverDone)
	log := d.log.With().Str("sublogger", "server").Logger()
	log.Info().Msg("serving block requests")

	for {
		src, p, err := d.tr.Receive()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				log.Info().Msg("transport closed, server returning...")
				return
			}
			log.Debug().Err(err).Str("sender address", src.String()).Msg("dropping packet")
			continue
		}
		req, ok := p.(*packet.BlockRequest)
		if !ok {
			log.Debug().Str("sender address", src.String()).Str("type", p.Type().String()).Msg("ignoring non-request packet")
			continue
		}
		d.handleBlockRequest(src, req)
	}
}

// handleBlockRequest resends one block to the requesting node, or records its completion.
// Requests for firmware that is not loaded get no reply.
func (d *Distributor) handleBlockRequest(coord netip.Addr, req *packet.BlockRequest) {
	id := req.ID()
	log := d.log.With().
		Str("sublogger", "server").
		Str("coordinator", coord.String()).
		Str("node", req.Node.String()).
		Str("firmware", id.String()).
		Logger()

	total, err := d.fw.TotalBlocks(id, d.blockSize)
	if err != nil {
		log.Warn().Err(err).Msg("block requested for firmware that is not loaded")
		return
	}

	if req.RemainingBlocks == 0 {
		log.Info().Msg("node download complete")
		d.st.Record(id, coord, req.Node, 0, total)
		d.logHistory(history.Event{Kind: history.NodeCompleted, Coordinator: coord, ID: id, Node: req.Node})
		return
	}

	// NOTE: block == total is let through and is answered with a zero-filled block
	if req.BlockNumber > total {
		log.Trace().Uint16("block", req.BlockNumber).Uint16("total", total).Msg("request for out-of-range block")
		return
	}

	timeout, err := d.fw.Timeout(id)
	if err != nil {
		log.Warn().Err(err).Msg("failed to fetch timeout")
		return
	}
	if err := d.sendBlock(coord, req.Node, id, req.BlockNumber, total, timeout); err != nil {
		log.Warn().Err(err).Uint16("block", req.BlockNumber).Msg("failed to resend block")
		return
	}
	if req.BlockNumber >= total {
		d.st.Record(id, coord, req.Node, req.RemainingBlocks, total)
	}
	log.Debug().Uint16("block", req.BlockNumber).Uint16("total", total).Uint16("remaining", req.RemainingBlocks).Msg("resent block")
}
