package packet_test

import (
	"bytes"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	. "github.com/rflandau/fwdist/internal/testsupport"
	"github.com/rflandau/fwdist/ond"
	"github.com/rflandau/fwdist/ond/packet"
)

// Tests that Encode lays out each packet kind in the exact byte order nodes expect.
func TestEncode(t *testing.T) {
	full := packet.BlockData{
		Node:        ond.NodeAddr{High: 0x00158D00, Low: 0x01020304},
		DeviceID:    0xDEADBEEF,
		ChipType:    0x0102,
		Revision:    7,
		BlockNumber: 0x0304,
		TotalBlocks: 0x0506,
		Timeout:     ond.AutoResetFlag | 62500,
		Length:      3,
	}
	copy(full.Data[:], []byte{0xAA, 0xBB, 0xCC, 0xDD}) // DD is beyond Length and must not be sent

	tests := []struct {
		name string
		pkt  packet.Packet
		want []byte
	}{
		{"initiate", packet.Initiate{DeviceID: 0x11223344, ChipType: 0x5566, Revision: 0x7788},
			[]byte{0, 0, 0, 0, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88}},
		{"reset", &packet.ResetRequest{DeviceID: 0x0A0B0C0D, Timeout: 100, DepthInfluence: 10},
			[]byte{0, 3, 0, 0, 0x0A, 0x0B, 0x0C, 0x0D, 0, 100, 0, 10}},
		{"block request", packet.BlockRequest{Node: ond.Broadcast, DeviceID: 1, ChipType: 2, Revision: 3, BlockNumber: 4, RemainingBlocks: 5},
			[]byte{0, 2, 0, 0, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0, 0, 0, 1, 0, 2, 0, 3, 0, 4, 0, 5}},
		{"block data", full,
			[]byte{0, 1, 0, 0,
				0x00, 0x15, 0x8D, 0x00, 0x01, 0x02, 0x03, 0x04, // node
				0xDE, 0xAD, 0xBE, 0xEF, // device
				0x01, 0x02, 0x00, 0x07, // chip, revision
				0x03, 0x04, 0x05, 0x06, // block, total
				0x80, 0x00, 0xF4, 0x24, // timeout
				0x00, 0x03, // length
				0xAA, 0xBB, 0xCC}},
		{"empty block data", packet.BlockData{},
			append([]byte{0, 1, 0, 0}, make([]byte, 26)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf packet.Buffer
			got, err := packet.Encode(&buf, tt.pkt)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Error("bad encoding", ExpectedActual(tt.want, got))
			}
		})
	}

	t.Run("oversized block data", func(t *testing.T) {
		var buf packet.Buffer
		if _, err := packet.Encode(&buf, &packet.BlockData{Length: packet.MaxBlockData + 1}); !errors.Is(err, packet.ErrDataTooLong) {
			t.Error("expected ErrDataTooLong", ExpectedActual(packet.ErrDataTooLong, err))
		}
	})
	t.Run("nil", func(t *testing.T) {
		var buf packet.Buffer
		if _, err := packet.Encode(&buf, nil); !errors.Is(err, packet.ErrNilPacket) {
			t.Error("expected ErrNilPacket", ExpectedActual(packet.ErrNilPacket, err))
		}
	})
	t.Run("max length fits the buffer", func(t *testing.T) {
		var buf packet.Buffer
		got, err := packet.Encode(&buf, &packet.BlockData{Length: packet.MaxBlockData})
		if err != nil {
			t.Fatal(err)
		} else if len(got) != packet.MaxLen {
			t.Error("full block data should fill the buffer", ExpectedActual(packet.MaxLen, len(got)))
		}
	})
}

// Block requests are the only kind the host must decode; encoding a decoded request must reproduce the datagram.
func TestBlockRequestRoundTrip(t *testing.T) {
	for range 500 {
		raw := make([]byte, packet.PreambleLen+20)
		raw[1] = byte(packet.TypeBlockRequest)
		for i := packet.PreambleLen; i < len(raw); i++ {
			raw[i] = byte(rand.UintN(math.MaxUint8 + 1))
		}

		p, err := packet.Decode(raw)
		if err != nil {
			t.Fatal(err)
		}
		req, ok := p.(*packet.BlockRequest)
		if !ok {
			t.Fatalf("decoded %T, expected *packet.BlockRequest", p)
		}
		var buf packet.Buffer
		out, err := packet.Encode(&buf, req)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(raw, out) {
			t.Fatal("round trip mismatch", ExpectedActual(raw, out))
		}
	}
}

func TestDecode(t *testing.T) {
	t.Run("block request fields", func(t *testing.T) {
		raw := []byte{0, 2, 0, 0,
			0x00, 0x15, 0x8D, 0x00, 0xCA, 0xFE, 0xF0, 0x0D,
			0x10, 0x00, 0x00, 0x01,
			0x00, 0x20, 0x00, 0x03,
			0x00, 0x09, 0x00, 0x00}
		p, err := packet.Decode(raw)
		if err != nil {
			t.Fatal(err)
		}
		want := &packet.BlockRequest{
			Node:     ond.NodeAddr{High: 0x00158D00, Low: 0xCAFEF00D},
			DeviceID: 0x10000001, ChipType: 0x20, Revision: 3,
			BlockNumber: 9, RemainingBlocks: 0,
		}
		if got := p.(*packet.BlockRequest); *got != *want {
			t.Error("bad decode", ExpectedActual(want, got))
		}
		if id := want.ID(); id != (ond.FirmwareID{DeviceID: 0x10000001, ChipType: 0x20, Revision: 3}) {
			t.Error("bad firmware id", ExpectedActual(ond.FirmwareID{DeviceID: 0x10000001, ChipType: 0x20, Revision: 3}, id))
		}
	})

	t.Run("trailing bytes are ignored", func(t *testing.T) {
		raw := make([]byte, 200)
		raw[1] = byte(packet.TypeBlockRequest)
		if _, err := packet.Decode(raw); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("host-bound kinds decode too", func(t *testing.T) {
		in := &packet.BlockData{Node: ond.Broadcast, DeviceID: 5, BlockNumber: 1, TotalBlocks: 2, Length: 2}
		in.Data[0], in.Data[1] = 0xAB, 0xCD
		var buf packet.Buffer
		raw, err := packet.Encode(&buf, in)
		if err != nil {
			t.Fatal(err)
		}
		p, err := packet.Decode(raw)
		if err != nil {
			t.Fatal(err)
		}
		out := p.(*packet.BlockData)
		if *out != *in {
			t.Error("block data mismatch", ExpectedActual(in, out))
		}
		if !bytes.Equal(out.Payload(), []byte{0xAB, 0xCD}) {
			t.Error("bad payload", ExpectedActual([]byte{0xAB, 0xCD}, out.Payload()))
		}
	})

	errTests := []struct {
		name string
		raw  []byte
		want error
	}{
		{"empty", nil, packet.ErrShortPacket},
		{"preamble only", []byte{0, 2, 0, 0}, packet.ErrShortPacket},
		{"short request", []byte{0, 2, 0, 0, 1, 2, 3}, packet.ErrShortPacket},
		{"unknown type", []byte{0, 4, 0, 0, 1, 2, 3, 4, 5, 6, 7, 8}, ond.ErrUnknownPacketType},
		{"very unknown type", []byte{0, 0xFF, 0, 0}, ond.ErrUnknownPacketType},
		{"block data length past datagram", append([]byte{0, 1, 0, 0}, append(make([]byte, 24), 0, 10)...), packet.ErrDataTruncated},
		{"block data length over max", append([]byte{0, 1, 0, 0}, append(make([]byte, 24), 0, 65)...), packet.ErrDataTooLong},
	}
	for _, tt := range errTests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := packet.Decode(tt.raw); !errors.Is(err, tt.want) {
				t.Error("unexpected error", ExpectedActual(tt.want, err))
			}
		})
	}
}

func TestType_String(t *testing.T) {
	for typ, want := range map[packet.Type]string{
		packet.TypeInitiate:     "INITIATE",
		packet.TypeBlockData:    "BLOCK_DATA",
		packet.TypeBlockRequest: "BLOCK_REQUEST",
		packet.TypeReset:        "RESET",
		packet.Type(9):          "UNKNOWN",
	} {
		if typ.String() != want {
			t.Error("bad type name", ExpectedActual(want, typ.String()))
		}
	}
}
