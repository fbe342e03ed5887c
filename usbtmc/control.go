package usbtmc

import (
	"time"

	"github.com/cenkalti/backoff"
)

// USBTMC class-specific control requests, spec.md §4.6-4.7.
const (
	reqInitiateAbortBulkOut    byte = 0x01
	reqCheckAbortBulkOutStatus byte = 0x02
	reqInitiateAbortBulkIn     byte = 0x03
	reqCheckAbortBulkInStatus  byte = 0x04
	reqInitiateClear           byte = 0x05
	reqCheckClearStatus        byte = 0x06
	reqGetCapabilities         byte = 0x07
	reqIndicatorPulse          byte = 0x40

	// USB488 subclass requests, only issued when Session.usb488 is set.
	reqReadStatusByte byte = 128
	reqRenControl     byte = 160
	reqGoToLocal      byte = 161
	reqLocalLockout   byte = 162
)

// Standard CLEAR_FEATURE(ENDPOINT_HALT) request used to recover an endpoint
// after an abort or clear sequence.
const (
	reqClearFeature     byte   = 0x01
	featureEndpointHalt uint16 = 0x00
)

// USBTMC status codes, spec.md §4.6.
const (
	statusSuccess byte = 0x01
	statusPending byte = 0x02
)

const (
	// controlTimeout bounds every class-specific control transfer. It is
	// intentionally shorter than the session's bulk timeout: these
	// requests carry no payload and a well-behaved device answers quickly.
	controlTimeout = 2 * time.Second

	// maxPollRetries bounds the abort/clear CHECK_* polling loops, spec.md
	// §4.6 "bounded maximum duration (e.g. 50 iterations with 1 ms back-off)".
	maxPollRetries = 50
	pollBackoff    = 1 * time.Millisecond
)

// Capabilities is the decoded 24-byte GET_CAPABILITIES response, spec.md §3/4.7.
//
// The wire layout for the flag bytes is not pinned down by a public
// standard section reachable from this driver's spec; the bit assignment
// below was chosen to match the flags spec.md enumerates and is recorded
// as an open-question decision in DESIGN.md.
type Capabilities struct {
	USBTMCVersion uint16
	InterfaceCaps byte
	DeviceCaps    byte

	AcceptsIndicatorPulse bool
	TalkOnly              bool
	ListenOnly            bool
	SupportsTermChar      bool
	SupportsEOMOnBulkIn   bool
}

func decodeCapabilities(buf []byte) Capabilities {
	var c Capabilities
	if len(buf) < 6 {
		return c
	}
	c.USBTMCVersion = uint16(buf[2]) | uint16(buf[3])<<8
	c.InterfaceCaps = buf[4]
	c.DeviceCaps = buf[5]
	c.AcceptsIndicatorPulse = buf[4]&(1<<0) != 0
	c.TalkOnly = buf[4]&(1<<1) != 0
	c.ListenOnly = buf[4]&(1<<2) != 0
	c.SupportsTermChar = buf[4]&(1<<3) != 0
	c.SupportsEOMOnBulkIn = buf[5]&(1<<0) != 0
	return c
}

// fetchCapabilities issues GET_CAPABILITIES and decodes the reply. Called
// once by Open after the interface is claimed.
func (s *Session) fetchCapabilities() error {
	buf := make([]byte, 24)
	_, err := s.t.ControlTransfer(reqTypeClassInInterface, reqGetCapabilities, 0, uint16(s.ifaceNum), buf, controlTimeout)
	if err != nil {
		return &IoError{Op: "GET_CAPABILITIES", Err: err}
	}
	s.caps = decodeCapabilities(buf)
	return nil
}

// IndicatorPulse asks the device to flash a visible indicator. Best-effort:
// failures are not surfaced, per spec.md §4.7.
func (s *Session) IndicatorPulse() {
	buf := make([]byte, 1)
	s.t.ControlTransfer(reqTypeClassInInterface, reqIndicatorPulse, 0, uint16(s.ifaceNum), buf, controlTimeout)
}

// clearFeatureHalt issues the standard CLEAR_FEATURE(ENDPOINT_HALT) request
// against the given endpoint address.
func (s *Session) clearFeatureHalt(ep int) error {
	_, err := s.t.ControlTransfer(reqTypeStdOutEndpoint, reqClearFeature, featureEndpointHalt, uint16(ep), nil, controlTimeout)
	if err != nil {
		return &IoError{Op: "CLEAR_FEATURE(HALT)", Err: err}
	}
	return nil
}

// pollStatus repeatedly calls check until it reports a non-pending status,
// backing off pollBackoff between attempts, bounded to maxPollRetries.
// It returns the last observed status and response bytes.
func pollStatus(check func() (status byte, resp []byte, err error)) (byte, []byte, error) {
	var lastStatus byte
	var lastResp []byte
	attempts := 0
	op := func() error {
		attempts++
		st, resp, err := check()
		if err != nil {
			return backoff.Permanent(err)
		}
		lastStatus, lastResp = st, resp
		if st == statusPending {
			return errStillPending
		}
		return nil
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(pollBackoff), maxPollRetries)
	if err := backoff.Retry(op, policy); err != nil {
		if err == errStillPending || lastStatus == statusPending {
			return lastStatus, lastResp, ErrAbortTimeout
		}
		return lastStatus, lastResp, err
	}
	return lastStatus, lastResp, nil
}

// errStillPending is an internal backoff.Retry sentinel, never returned to callers.
var errStillPending = &pendingError{}

type pendingError struct{}

func (*pendingError) Error() string { return "usbtmc: still pending" }

// abortBulkOut runs the INITIATE_ABORT_BULK_OUT / CHECK_ABORT_BULK_OUT_STATUS
// state machine against the endpoint that just failed a write, spec.md §4.6.
// It is a best-effort recovery path: its own failure does not override the
// Timeout/IoError the triggering write will still surface.
func (s *Session) abortBulkOut() error {
	resp := make([]byte, 2)
	_, err := s.t.ControlTransfer(reqTypeClassInEndpoint, reqInitiateAbortBulkOut, uint16(s.tags.last), uint16(s.bulkOutEP), resp, controlTimeout)
	if err != nil {
		return &IoError{Op: "INITIATE_ABORT_BULK_OUT", Err: err}
	}
	if resp[0] != statusSuccess {
		return ErrAbortFailed
	}

	status, _, err := pollStatus(func() (byte, []byte, error) {
		r := make([]byte, 2)
		_, err := s.t.ControlTransfer(reqTypeClassInEndpoint, reqCheckAbortBulkOutStatus, 0, uint16(s.bulkOutEP), r, controlTimeout)
		if err != nil {
			return 0, nil, err
		}
		return r[0], r, nil
	})
	if err != nil {
		return err
	}
	if status != statusSuccess {
		return ErrAbortFailed
	}
	return s.clearFeatureHalt(s.bulkOutEP)
}

// abortBulkIn runs the INITIATE_ABORT_BULK_IN / CHECK_ABORT_BULK_IN_STATUS
// state machine, draining any data the device still has queued on bulk-IN,
// spec.md §4.6.
func (s *Session) abortBulkIn() error {
	resp := make([]byte, 2)
	_, err := s.t.ControlTransfer(reqTypeClassInEndpoint, reqInitiateAbortBulkIn, uint16(s.tags.last), uint16(s.bulkInEP), resp, controlTimeout)
	if err != nil {
		return &IoError{Op: "INITIATE_ABORT_BULK_IN", Err: err}
	}
	if resp[0] != statusSuccess {
		return ErrAbortFailed
	}

	drain := make([]byte, headerLen+s.maxTransferSize+3)
	status, _, err := pollStatus(func() (byte, []byte, error) {
		s.t.BulkRead(s.bulkInEP, drain, 10*time.Millisecond) // best-effort drain, errors (incl. timeout) are expected once the pipe is empty

		r := make([]byte, 8)
		_, err := s.t.ControlTransfer(reqTypeClassInEndpoint, reqCheckAbortBulkInStatus, 0, uint16(s.bulkInEP), r, controlTimeout)
		if err != nil {
			return 0, nil, err
		}
		return r[0], r, nil
	})
	if err != nil {
		return err
	}
	if status != statusSuccess {
		return ErrAbortFailed
	}
	return s.clearFeatureHalt(s.bulkInEP)
}

// Clear issues the USBTMC device-clear sequence: INITIATE_CLEAR, polls
// CHECK_CLEAR_STATUS draining bulk-IN as instructed, then clears HALT on
// bulk-OUT, spec.md §4.6.
func (s *Session) Clear() error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()

	resp := make([]byte, 1)
	_, err := s.t.ControlTransfer(reqTypeClassInInterface, reqInitiateClear, 0, uint16(s.ifaceNum), resp, controlTimeout)
	if err != nil {
		return &IoError{Op: "INITIATE_CLEAR", Err: err}
	}
	if resp[0] != statusSuccess {
		return ErrClearFailed
	}

	drain := make([]byte, headerLen+s.maxTransferSize+3)
	status, _, err := pollStatus(func() (byte, []byte, error) {
		r := make([]byte, 2)
		_, err := s.t.ControlTransfer(reqTypeClassInInterface, reqCheckClearStatus, 0, uint16(s.ifaceNum), r, controlTimeout)
		if err != nil {
			return 0, nil, err
		}
		if r[0] == statusPending && r[1]&0x01 != 0 {
			s.t.BulkRead(s.bulkInEP, drain, 10*time.Millisecond)
		}
		return r[0], r, nil
	})
	if err != nil {
		if err == ErrAbortTimeout {
			return ErrClearTimeout
		}
		return err
	}
	if status != statusSuccess {
		return ErrClearFailed
	}
	return s.clearFeatureHalt(s.bulkOutEP)
}

// ReadSTB issues the USB488 READ_STATUS_BYTE request and returns the
// device's status byte. Only available on USB488-capable interfaces.
func (s *Session) ReadSTB() (byte, error) {
	if !s.usb488 {
		return 0, ErrNotSupported
	}
	if err := s.enter(); err != nil {
		return 0, err
	}
	defer s.leave()

	tag := s.tags.next()
	resp := make([]byte, 3)
	_, err := s.t.ControlTransfer(reqTypeClassInInterface, reqReadStatusByte, uint16(tag), uint16(s.ifaceNum), resp, controlTimeout)
	if err != nil {
		return 0, &IoError{Op: "READ_STATUS_BYTE", Err: err}
	}
	if resp[0] != statusSuccess {
		return 0, ErrAbortFailed
	}
	if s.interruptInEP != 0 {
		// STB arrives asynchronously on interrupt-IN; poll it directly.
		irq := make([]byte, 2)
		if _, err := s.t.BulkRead(s.interruptInEP, irq, s.timeout); err == nil && len(irq) > 1 {
			return irq[1], nil
		}
	}
	return resp[2], nil
}

// Remote asserts REN (remote-enable), USB488-only.
func (s *Session) Remote() error { return s.renControl(1) }

// Local releases the device back to local (front-panel) control, USB488-only.
func (s *Session) Local() error { return s.usb488Request(reqGoToLocal) }

// Lock asserts local lockout, disabling the front panel, USB488-only.
func (s *Session) Lock() error { return s.usb488Request(reqLocalLockout) }

// Unlock clears REN, allowing front-panel control again, USB488-only.
func (s *Session) Unlock() error { return s.renControl(0) }

func (s *Session) renControl(enable uint16) error {
	if !s.usb488 {
		return ErrNotSupported
	}
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	return s.usb488ControlLocked(reqRenControl, enable)
}

func (s *Session) usb488Request(request byte) error {
	if !s.usb488 {
		return ErrNotSupported
	}
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	return s.usb488ControlLocked(request, 0)
}

func (s *Session) usb488ControlLocked(request byte, value uint16) error {
	resp := make([]byte, 1)
	_, err := s.t.ControlTransfer(reqTypeClassInInterface, request, value, uint16(s.ifaceNum), resp, controlTimeout)
	if err != nil {
		return &IoError{Op: "usb488 control request", Err: err}
	}
	if resp[0] != statusSuccess {
		return ErrAbortFailed
	}
	return nil
}
