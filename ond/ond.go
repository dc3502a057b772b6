// Package ond is the parent package of the over-the-network download (OND) firmware distributor.
// It contains child packages packet (wire codec), network (UDP transport), firmware and status (the stores a distributor reads and writes), distributor (download, server, and reset tasks), and control/client (the HTTP control plane).
// Child packages are mostly self-contained, the ond parent package provides the few shared types and the error taxonomy.
package ond

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// DefaultPort is the UDP port OND traffic is sent from and to, unless configured otherwise.
const DefaultPort uint16 = 1874

// BlockSize is the number of image bytes carried by each BlockData packet the distributor sends.
// The wire format allows up to packet.MaxBlockData; nodes expect 32.
const BlockSize uint16 = 32

// MaxPacketSize specifies the buffer size used to hold received UDP payloads.
// OND packets are less than a hundred bytes; anything larger is not ours and is dropped by the decoder.
const MaxPacketSize uint16 = 1024

// Tick is the unit block intervals, reset timeouts, and repeat times are given in.
const Tick = 10 * time.Millisecond

const (
	// TimeoutUnitsPerTick converts a block interval (in Ticks) to the node's timeout unit (1/62500 s).
	TimeoutUnitsPerTick uint32 = 625
	// AutoResetFlag is OR'd into a BlockData timeout to ask nodes to reset as soon as the image is complete.
	AutoResetFlag uint32 = 0x80000000
	// DefaultFirmwareTimeout is the timeout a freshly loaded firmware carries (one second).
	DefaultFirmwareTimeout uint32 = 62500
)

// Ticks returns n Ticks as a duration.
func Ticks(n uint16) time.Duration {
	return time.Duration(n) * Tick
}

//#region identifiers

// FirmwareID uniquely identifies one loadable firmware image.
type FirmwareID struct {
	DeviceID uint32 `json:"device_id"` // application the image implements
	ChipType uint16 `json:"chip_type"` // hardware the image targets
	Revision uint16 `json:"revision"`
}

func (id FirmwareID) String() string {
	return fmt.Sprintf("device 0x%08x chip 0x%04x rev %d", id.DeviceID, id.ChipType, id.Revision)
}

// Zerolog attaches the id's fields to the given log event.
// Intended to be given to *zerolog.Event.Func().
func (id FirmwareID) Zerolog(ev *zerolog.Event) {
	ev.Str("device", fmt.Sprintf("0x%08x", id.DeviceID)).
		Str("chip", fmt.Sprintf("0x%04x", id.ChipType)).
		Uint16("revision", id.Revision)
}

// NodeAddr is the MAC-derived address of a single node, split into its high and low words.
type NodeAddr struct {
	High uint32 `json:"high"`
	Low  uint32 `json:"low"`
}

// Broadcast addresses every node behind a coordinator.
// Used both in BlockData packets and as the wildcard when clearing status records.
var Broadcast = NodeAddr{High: 0xFFFFFFFF, Low: 0xFFFFFFFF}

// IsBroadcast reports whether n is the broadcast sentinel.
func (n NodeAddr) IsBroadcast() bool {
	return n == Broadcast
}

func (n NodeAddr) String() string {
	return fmt.Sprintf("0x%08x%08x", n.High, n.Low)
}

//#endregion identifiers

//#region errors

var (
	// ErrNotFound indicates the requested firmware is not loaded.
	ErrNotFound = errors.New("firmware not found")
	// ErrAlreadyRunning indicates a broadcast download for the same coordinator and firmware is in flight.
	ErrAlreadyRunning = errors.New("download already running")
	// ErrSendFailed indicates a packet could not be (completely) written to the network.
	ErrSendFailed = errors.New("send failed")
	// ErrReceiveFailed indicates a datagram could not be read from the network.
	ErrReceiveFailed = errors.New("receive failed")
	// ErrUnknownPacketType indicates a datagram carried a type tag we do not handle.
	ErrUnknownPacketType = errors.New("unknown packet type")
)

//#endregion errors
