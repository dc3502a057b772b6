// Package testsupport is an internal-only package that provides utilities for testing uniformity.
package testsupport

import (
	"encoding/binary"
	"fmt"
	"maps"
	"net/netip"
	"strconv"
	"sync"

	"github.com/rflandau/fwdist/internal/misc"
	"github.com/rflandau/fwdist/ond"
)

// ExpectedActual returns a newline-prefixed string comparing the expected result to the actual result.
// Should be used to add clarity to unit test error messages.
func ExpectedActual[T any](expected, actual T) string {
	return fmt.Sprintf("\n\tExpected: '%v'\n\tActual: '%v'", expected, actual)
}

// SlicesUnorderedEqual compares the elements of the given slices for equality and equal count without taking order of the elements into account.
func SlicesUnorderedEqual[T comparable](a []T, b []T) bool {
	am := make(map[T]uint)
	for _, k := range a {
		am[k] += 1
	}
	bm := make(map[T]uint)
	for _, k := range b {
		bm[k] += 1
	}
	return maps.Equal(am, bm)
}

var (
	usedPorts   map[uint16]bool = make(map[uint16]bool)
	usedPortsMu sync.Mutex
)

// RandomLocalhostAddrPort returns a random addrport pointing to a randomly selected port >= 1024 and localhost.
// Maintains a map of ports that it has given out to ensure no duplicates.
// Not a perfect solution, but it is just to support testing so ¯\_(ツ)_/¯
func RandomLocalhostAddrPort() netip.AddrPort {
	usedPortsMu.Lock()
	defer usedPortsMu.Unlock()
	var port uint16
	for {
		port = misc.RandomPort()
		if _, found := usedPorts[port]; !found {
			usedPorts[port] = true
			break
		}
	}

	return netip.MustParseAddrPort("[::1]:" + strconv.FormatUint(uint64(port), 10))
}

// FirmwareImage builds a firmware file in the on-disk format the firmware store validates:
// magic words at 0x04, 0x08, 0x0C and the identity at 0x14.
// The result is exactly size bytes long (at least 0x1C); bytes past the header count up from 0.
func FirmwareImage(id ond.FirmwareID, size int) []byte {
	size = max(size, 0x1C)
	img := make([]byte, size)
	for i := range img {
		img[i] = byte(i)
	}
	be := binary.BigEndian
	be.PutUint32(img[0x04:], 0x12345678)
	be.PutUint32(img[0x08:], 0x11223344)
	be.PutUint32(img[0x0C:], 0x55667788)
	be.PutUint32(img[0x14:], id.DeviceID)
	be.PutUint16(img[0x18:], id.ChipType)
	be.PutUint16(img[0x1A:], id.Revision)
	return img
}
