/*Package usbtmc implements a host-side driver for the USB Test and
Measurement Class (USBTMC), used to talk to laboratory instruments
(oscilloscopes, signal generators, multimeters, power supplies) over USB.

The package opens a USB device that advertises a USBTMC interface
(bInterfaceClass=0xFE, bInterfaceSubClass=0x03), discovers its bulk IN/OUT
and optional interrupt IN endpoints, and exposes message-based Write/Read/
Ask operations plus the class-specific control requests: clear, abort,
trigger, remote/local/lock, read-status-byte and capability query.

The hard part is the bulk-transfer protocol engine: framing outgoing
SCPI-style messages into DEV_DEP_MSG_OUT bulk packets, requesting replies
with REQUEST_DEV_DEP_MSG_IN, reassembling multi-packet responses using the
End-Of-Message bit, and running the INITIATE_ABORT/CHECK_ABORT_STATUS and
INITIATE_CLEAR/CHECK_CLEAR_STATUS state machines when a transfer times out.
SCPI parsing and higher level instrument abstractions are not this
package's concern; it speaks bytes in, bytes out.

A Session is not safe for concurrent use. Open one Session per device and
serialize operations against it from a single goroutine, or guard it with
your own lock.

	dev, err := usbtmc.Open(0x0957, 0x1755, "")
	if err != nil {
		log.Fatal(err)
	}
	defer dev.Close()

	idn, err := dev.Ask("*IDN?", 0)
*/
package usbtmc
