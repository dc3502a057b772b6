// Package misc is a placeholder package for internal utilities that are shared across packages, but do not have any shared characteristics.
package misc

import (
	"math"
	"math/rand/v2"
	"net/netip"
)

// RandomPort returns a random port number from 1024 - 65535
func RandomPort() uint16 {
	return uint16(1024 + rand.Uint32N((math.MaxUint16 - 1024)))
}

// Unmap returns addr with any IPv4-in-IPv6 mapping removed.
// Coordinator addresses are compared as map keys, so ::ffff:10.0.0.1 and 10.0.0.1 must collapse to the same value.
func Unmap(addr netip.Addr) netip.Addr {
	return addr.Unmap().WithZone("")
}
