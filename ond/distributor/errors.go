package distributor

import (
	"errors"
	"fmt"
	"net/netip"
)

// ErrBadCoordinator returns an error to indicate that the given coordinator address is unusable.
func ErrBadCoordinator(addr netip.Addr) error {
	return fmt.Errorf("coordinator address %v is not a valid ip", addr)
}

var (
	ErrStopped = errors.New("this distributor has been stopped")
	ErrNilDep  = errors.New("transport, firmware store, and status store are all required")
)
