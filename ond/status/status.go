// Package status tracks per-node download progress.
//
// One record exists per (firmware, coordinator, node). Downloads and the block request server write records as blocks go out or nodes report completion;
// cancelling a download clears them.
package status

import (
	"cmp"
	"net/netip"
	"slices"
	"time"

	"github.com/rflandau/fwdist/internal/expiring"
	"github.com/rflandau/fwdist/internal/misc"
	"github.com/rflandau/fwdist/ond"
	"github.com/rs/zerolog"
)

// Record is the last known progress of one node (or, for broadcasts, of every node behind a coordinator).
type Record struct {
	ID          ond.FirmwareID `json:"id"`
	Coordinator netip.Addr     `json:"coordinator"`
	Node        ond.NodeAddr   `json:"node"`
	Remaining   uint16         `json:"remaining"`
	Total       uint16         `json:"total"`
	Updated     time.Time      `json:"updated"`
}

// Complete reports whether the node has every block.
func (r Record) Complete() bool {
	return r.Remaining == 0
}

type key struct {
	id    ond.FirmwareID
	coord netip.Addr
	node  ond.NodeAddr
}

// Store holds status records.
// The zero value is not usable; use New.
type Store struct {
	log       *zerolog.Logger
	retention time.Duration
	records   expiring.Table[key, Record]
}

// Option configures a Store.
type Option func(*Store)

// WithLogger replaces the store's default (discarding) logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithRetention prunes records of completed nodes once they have gone d without an update.
// By default, records are kept until they are cleared.
func WithRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		nop := zerolog.Nop()
		s.log = &nop
	}
	return s
}

// Record creates or updates the record for the given node.
func (s *Store) Record(id ond.FirmwareID, coord netip.Addr, node ond.NodeAddr, remaining, total uint16) {
	coord = misc.Unmap(coord)
	r := Record{ID: id, Coordinator: coord, Node: node, Remaining: remaining, Total: total, Updated: time.Now()}

	var expire time.Duration
	if r.Complete() {
		expire = s.retention
	}
	s.records.Store(key{id, coord, node}, r, expire, func() {
		s.log.Debug().Func(id.Zerolog).Str("coordinator", coord.String()).Str("node", node.String()).Msg("pruned completed record")
	})
	s.log.Trace().Func(id.Zerolog).
		Str("coordinator", coord.String()).
		Str("node", node.String()).
		Uint16("sent", total-remaining).
		Uint16("total", total).
		Msg("progress")
}

// Clear removes the record for the given node.
// If node is ond.Broadcast, every record for (id, coord) is removed.
func (s *Store) Clear(id ond.FirmwareID, coord netip.Addr, node ond.NodeAddr) {
	coord = misc.Unmap(coord)
	if !node.IsBroadcast() {
		s.records.Delete(key{id, coord, node})
		return
	}
	n := s.records.DeleteFunc(func(k key, _ Record) bool {
		return k.id == id && k.coord == coord
	})
	s.log.Debug().Func(id.Zerolog).Str("coordinator", coord.String()).Int("count", n).Msg("cleared records")
}

// Snapshot returns every record, ordered by coordinator, then firmware, then node.
func (s *Store) Snapshot() []Record {
	out := s.records.Values()
	slices.SortFunc(out, func(a, b Record) int {
		return cmp.Or(
			a.Coordinator.Compare(b.Coordinator),
			cmp.Compare(a.ID.DeviceID, b.ID.DeviceID),
			cmp.Compare(a.ID.ChipType, b.ID.ChipType),
			cmp.Compare(a.ID.Revision, b.ID.Revision),
			cmp.Compare(a.Node.High, b.Node.High),
			cmp.Compare(a.Node.Low, b.Node.Low),
		)
	})
	return out
}
