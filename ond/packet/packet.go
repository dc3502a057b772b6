/*
Package packet contains the OND wire codec.

Every OND datagram starts with a fixed 4-byte preamble (reserved byte, type tag, two padding bytes) followed by a type-specific payload.
All multi-byte fields are big-endian. There is no checksum or length prefix beyond the datagram boundary itself.

You should never have to interact with the raw bytes; build one of the packet structs and hand it to Encode, or hand a datagram to Decode.
*/
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rflandau/fwdist/ond"
	"github.com/rs/zerolog"
)

// Type is the tag stored in the second byte of every OND packet.
type Type uint8

const (
	TypeInitiate     Type = 0 // host -> nodes: a download for this firmware is starting
	TypeBlockData    Type = 1 // host -> node(s): one block of the image
	TypeBlockRequest Type = 2 // node -> host: (re)send a block, or "done" when remaining is 0
	TypeReset        Type = 3 // host -> nodes: reset after a (depth compensated) timeout
)

func (t Type) String() string {
	switch t {
	case TypeInitiate:
		return "INITIATE"
	case TypeBlockData:
		return "BLOCK_DATA"
	case TypeBlockRequest:
		return "BLOCK_REQUEST"
	case TypeReset:
		return "RESET"
	}
	return "UNKNOWN"
}

const (
	// PreambleLen is the length (in bytes) of the fixed preamble every packet starts with.
	PreambleLen = 4
	// MaxBlockData is the largest data payload a BlockData packet can carry.
	MaxBlockData = 64

	initiateLen     = 4 + 2 + 2
	blockDataHdrLen = 4 + 4 + 4 + 2 + 2 + 2 + 2 + 4 + 2
	blockRequestLen = 4 + 4 + 4 + 2 + 2 + 2 + 2
	resetLen        = 4 + 2 + 2

	// MaxLen is the length of the largest encodable packet (a full BlockData).
	MaxLen = PreambleLen + blockDataHdrLen + MaxBlockData
)

// Buffer is scratch space large enough for any OND packet.
// Declare one on the stack and pass it to Encode to avoid a heap allocation per packet.
type Buffer [MaxLen]byte

//#region errors

var (
	ErrShortPacket   = errors.New("datagram is shorter than its packet type requires")
	ErrDataTooLong   = errors.New("block data length must be <= 64")
	ErrNilPacket     = errors.New("cannot encode a nil packet")
	ErrDataTruncated = errors.New("block data length exceeds the bytes remaining in the datagram")
)

//#endregion errors

// A Packet is one of Initiate, BlockData, BlockRequest, or ResetRequest.
type Packet interface {
	Type() Type
	// Zerolog attaches the packet's fields to the given log event.
	// Intended to be given to *zerolog.Event.Func().
	Zerolog(ev *zerolog.Event)
	// payloadLen is the number of bytes put will write after the preamble.
	payloadLen() int
	// put writes the type-specific payload into b, which is at least payloadLen() long.
	put(b []byte)
}

// Encode serializes p into buf and returns the populated prefix of buf.
// The returned slice aliases buf; it is only valid until buf is reused.
func Encode(buf *Buffer, p Packet) ([]byte, error) {
	if p == nil {
		return nil, ErrNilPacket
	}
	if bd, ok := p.(*BlockData); ok && bd.Length > MaxBlockData {
		return nil, ErrDataTooLong
	} else if bd, ok := p.(BlockData); ok && bd.Length > MaxBlockData {
		return nil, ErrDataTooLong
	}
	n := PreambleLen + p.payloadLen()
	buf[0] = 0
	buf[1] = byte(p.Type())
	buf[2] = 0
	buf[3] = 0
	p.put(buf[PreambleLen:n])
	return buf[:n], nil
}

// Decode deserializes a single datagram.
// Returns an error wrapping ond.ErrUnknownPacketType if the type tag is not one of the four OND kinds.
//
// Bytes beyond those required by the packet type are ignored.
func Decode(b []byte) (Packet, error) {
	if len(b) < PreambleLen {
		return nil, fmt.Errorf("%w (%dB preamble, got %dB)", ErrShortPacket, PreambleLen, len(b))
	}
	typ := Type(b[1])
	payload := b[PreambleLen:]

	want, known := minPayload(typ)
	if !known {
		return nil, fmt.Errorf("%w (%d)", ond.ErrUnknownPacketType, b[1])
	} else if len(payload) < want {
		return nil, fmt.Errorf("%w (%s needs %dB payload, got %dB)", ErrShortPacket, typ, want, len(payload))
	}

	be := binary.BigEndian
	switch typ {
	case TypeInitiate:
		return &Initiate{
			DeviceID: be.Uint32(payload[0:]),
			ChipType: be.Uint16(payload[4:]),
			Revision: be.Uint16(payload[6:]),
		}, nil
	case TypeBlockData:
		bd := &BlockData{
			Node:        ond.NodeAddr{High: be.Uint32(payload[0:]), Low: be.Uint32(payload[4:])},
			DeviceID:    be.Uint32(payload[8:]),
			ChipType:    be.Uint16(payload[12:]),
			Revision:    be.Uint16(payload[14:]),
			BlockNumber: be.Uint16(payload[16:]),
			TotalBlocks: be.Uint16(payload[18:]),
			Timeout:     be.Uint32(payload[20:]),
			Length:      be.Uint16(payload[24:]),
		}
		if bd.Length > MaxBlockData {
			return nil, ErrDataTooLong
		} else if int(bd.Length) > len(payload)-blockDataHdrLen {
			return nil, ErrDataTruncated
		}
		copy(bd.Data[:], payload[blockDataHdrLen:blockDataHdrLen+int(bd.Length)])
		return bd, nil
	case TypeBlockRequest:
		return &BlockRequest{
			Node:            ond.NodeAddr{High: be.Uint32(payload[0:]), Low: be.Uint32(payload[4:])},
			DeviceID:        be.Uint32(payload[8:]),
			ChipType:        be.Uint16(payload[12:]),
			Revision:        be.Uint16(payload[14:]),
			BlockNumber:     be.Uint16(payload[16:]),
			RemainingBlocks: be.Uint16(payload[18:]),
		}, nil
	default: // TypeReset
		return &ResetRequest{
			DeviceID:       be.Uint32(payload[0:]),
			Timeout:        be.Uint16(payload[4:]),
			DepthInfluence: be.Uint16(payload[6:]),
		}, nil
	}
}

// minPayload returns the fixed payload length of the given type and whether the type is known.
func minPayload(typ Type) (int, bool) {
	switch typ {
	case TypeInitiate:
		return initiateLen, true
	case TypeBlockData:
		return blockDataHdrLen, true
	case TypeBlockRequest:
		return blockRequestLen, true
	case TypeReset:
		return resetLen, true
	}
	return 0, false
}

//#region kinds

// Initiate informs a coordinator's network that a download of the given firmware is starting.
type Initiate struct {
	DeviceID uint32
	ChipType uint16
	Revision uint16
}

func (Initiate) Type() Type      { return TypeInitiate }
func (Initiate) payloadLen() int { return initiateLen }

func (p Initiate) ID() ond.FirmwareID {
	return ond.FirmwareID{DeviceID: p.DeviceID, ChipType: p.ChipType, Revision: p.Revision}
}

func (p Initiate) put(b []byte) {
	binary.BigEndian.PutUint32(b[0:], p.DeviceID)
	binary.BigEndian.PutUint16(b[4:], p.ChipType)
	binary.BigEndian.PutUint16(b[6:], p.Revision)
}

func (p Initiate) Zerolog(ev *zerolog.Event) {
	ev.Str("type", TypeInitiate.String()).Func(p.ID().Zerolog)
}

// BlockData carries one block of a firmware image to a single node or, when Node is ond.Broadcast, to every node.
type BlockData struct {
	Node        ond.NodeAddr
	DeviceID    uint32
	ChipType    uint16
	Revision    uint16
	BlockNumber uint16
	TotalBlocks uint16
	Timeout     uint32 // post-flash reset timeout, 1/62500 s; high bit requests an immediate reset
	Length      uint16 // number of valid bytes in Data
	Data        [MaxBlockData]byte
}

func (BlockData) Type() Type { return TypeBlockData }

func (p BlockData) payloadLen() int { return blockDataHdrLen + int(p.Length) }

func (p BlockData) ID() ond.FirmwareID {
	return ond.FirmwareID{DeviceID: p.DeviceID, ChipType: p.ChipType, Revision: p.Revision}
}

// Payload returns the valid prefix of Data.
func (p *BlockData) Payload() []byte {
	return p.Data[:min(int(p.Length), MaxBlockData)]
}

func (p BlockData) put(b []byte) {
	be := binary.BigEndian
	be.PutUint32(b[0:], p.Node.High)
	be.PutUint32(b[4:], p.Node.Low)
	be.PutUint32(b[8:], p.DeviceID)
	be.PutUint16(b[12:], p.ChipType)
	be.PutUint16(b[14:], p.Revision)
	be.PutUint16(b[16:], p.BlockNumber)
	be.PutUint16(b[18:], p.TotalBlocks)
	be.PutUint32(b[20:], p.Timeout)
	be.PutUint16(b[24:], p.Length)
	copy(b[blockDataHdrLen:], p.Data[:p.Length])
}

func (p BlockData) Zerolog(ev *zerolog.Event) {
	ev.Str("type", TypeBlockData.String()).
		Str("node", p.Node.String()).
		Func(p.ID().Zerolog).
		Uint16("block", p.BlockNumber).
		Uint16("total", p.TotalBlocks).
		Uint32("timeout", p.Timeout).
		Uint16("length", p.Length)
}

// BlockRequest is sent by a node that is missing a block.
// A RemainingBlocks of 0 is not a request but a completion notification.
type BlockRequest struct {
	Node            ond.NodeAddr
	DeviceID        uint32
	ChipType        uint16
	Revision        uint16
	BlockNumber     uint16
	RemainingBlocks uint16
}

func (BlockRequest) Type() Type      { return TypeBlockRequest }
func (BlockRequest) payloadLen() int { return blockRequestLen }

func (p BlockRequest) ID() ond.FirmwareID {
	return ond.FirmwareID{DeviceID: p.DeviceID, ChipType: p.ChipType, Revision: p.Revision}
}

func (p BlockRequest) put(b []byte) {
	be := binary.BigEndian
	be.PutUint32(b[0:], p.Node.High)
	be.PutUint32(b[4:], p.Node.Low)
	be.PutUint32(b[8:], p.DeviceID)
	be.PutUint16(b[12:], p.ChipType)
	be.PutUint16(b[14:], p.Revision)
	be.PutUint16(b[16:], p.BlockNumber)
	be.PutUint16(b[18:], p.RemainingBlocks)
}

func (p BlockRequest) Zerolog(ev *zerolog.Event) {
	ev.Str("type", TypeBlockRequest.String()).
		Str("node", p.Node.String()).
		Func(p.ID().Zerolog).
		Uint16("block", p.BlockNumber).
		Uint16("remaining", p.RemainingBlocks)
}

// ResetRequest asks nodes running DeviceID to reset after Timeout Ticks, plus DepthInfluence per hop.
type ResetRequest struct {
	DeviceID       uint32
	Timeout        uint16
	DepthInfluence uint16
}

func (ResetRequest) Type() Type      { return TypeReset }
func (ResetRequest) payloadLen() int { return resetLen }

func (p ResetRequest) put(b []byte) {
	binary.BigEndian.PutUint32(b[0:], p.DeviceID)
	binary.BigEndian.PutUint16(b[4:], p.Timeout)
	binary.BigEndian.PutUint16(b[6:], p.DepthInfluence)
}

func (p ResetRequest) Zerolog(ev *zerolog.Event) {
	ev.Str("type", TypeReset.String()).
		Str("device", fmt.Sprintf("0x%08x", p.DeviceID)).
		Uint16("timeout", p.Timeout).
		Uint16("depth influence", p.DepthInfluence)
}

//#endregion kinds
