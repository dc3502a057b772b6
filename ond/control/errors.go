package control

/*
Static errors for ease of use and consistency.

HErrs are errors wrapped in the tidings of Huma such that they include the operation in the header and a status code for Huma to respond with.
*/

import (
	"errors"
	"fmt"
	"net/http"
	"net/netip"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rflandau/fwdist/ond"
)

//#region Errors

var ErrNilDep = errors.New("distributor, firmware store, and status store are all required")

// invalid addrport
func ErrBadAddr(ap netip.AddrPort) error {
	return fmt.Errorf("address %v is not a valid ip:port", ap)
}

//#endregion Errors

//#region Huma Errors (with Hdrs)

// HdrOp is set on every error response to the operation that produced it.
const HdrOp string = "Fwdist-Op"

// Failed to parse a coordinator address from the given string.
func HErrBadCoordinator(addr_s string, op string) error {
	return huma.ErrorWithHeaders(
		huma.Error400BadRequest("failed to parse "+addr_s+" as an IP address"), http.Header{
			HdrOp: {op},
		})
}

// The requested firmware is not loaded.
func HErrNotFound(id ond.FirmwareID, op string) error {
	return huma.ErrorWithHeaders(
		huma.Error404NotFound(fmt.Sprintf("firmware %v is not loaded", id)), http.Header{
			HdrOp: {op},
		})
}

// A download of the same firmware to the same coordinator is in flight.
func HErrAlreadyRunning(id ond.FirmwareID, coord netip.Addr, op string) error {
	return huma.ErrorWithHeaders(
		huma.Error409Conflict(fmt.Sprintf("firmware %v is already being downloaded to %v", id, coord)), http.Header{
			HdrOp: {op},
		})
}

// The repeats of a reset request would outlast its timeout.
func HErrResetWindow(count, repeatTime, timeout uint16, op string) error {
	return huma.ErrorWithHeaders(
		huma.Error400BadRequest(fmt.Sprintf("%d repeats %d ticks apart exceed the reset timeout (%d ticks)", count, repeatTime, timeout)), http.Header{
			HdrOp: {op},
		})
}

// The daemon was started without a history database.
func HErrNoHistory(op string) error {
	return huma.ErrorWithHeaders(
		huma.Error404NotFound("history is not enabled"), http.Header{
			HdrOp: {op},
		})
}

// Catch-all for engine failures that are not the caller's fault (ex: the distributor is shutting down).
func HErrUnavailable(err error, op string) error {
	return huma.ErrorWithHeaders(
		huma.Error503ServiceUnavailable(err.Error()), http.Header{
			HdrOp: {op},
		})
}

//#endregion Huma Errors (with Hdrs)
