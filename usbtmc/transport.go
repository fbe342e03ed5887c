package usbtmc

import "time"

// transport is the thin USB adapter the rest of this package is built on:
// control transfers, bulk read/write with a timeout, and the lifecycle
// operations (claim, release, kernel-driver detach). A real instance is
// backed by gousb (transport_gousb.go); tests use an in-memory fake
// (mock_test.go) so the protocol engine and control façade can be exercised
// without hardware.
type transport interface {
	// ControlTransfer issues a USB control transfer. reqType is the raw
	// bmRequestType byte; data is filled on an IN transfer (direction bit
	// set in reqType) or read from on an OUT transfer. Returns the number
	// of bytes transferred.
	ControlTransfer(reqType, request byte, value, index uint16, data []byte, timeout time.Duration) (int, error)

	// BulkWrite writes b to the OUT endpoint at address ep, returning the
	// number of bytes actually written.
	BulkWrite(ep int, b []byte, timeout time.Duration) (int, error)

	// BulkRead reads into buf from the IN endpoint at address ep, returning
	// the number of bytes actually read.
	BulkRead(ep int, buf []byte, timeout time.Duration) (int, error)

	// Close releases the claimed interface and, if the kernel driver was
	// detached on open, reattaches it.
	Close() error
}

// bmRequestType bytes used by the control-request façade (spec.md §6).
// All USBTMC/USB488 class requests this driver issues are control-IN with
// no following OUT data stage; CLEAR_FEATURE(HALT) is the one standard
// request and is control-OUT with a zero-length data stage.
const (
	reqTypeClassInInterface byte = 0xA1 // 0x80 | 0x20 | 0x01
	reqTypeClassInEndpoint  byte = 0xA2 // 0x80 | 0x20 | 0x02
	reqTypeStdOutEndpoint   byte = 0x02 // 0x00 | 0x00 | 0x02
)
