package usbtmc

import (
	"strings"
	"sync"
	"time"
)

// Defaults from spec.md §3.
const (
	DefaultMaxTransferSize = 1 << 20 // 1,048,576 bytes
	DefaultTimeout         = 5 * time.Second
)

// Session represents an open connection to one USBTMC interface. It is not
// safe for concurrent use: every transfer operation (Write, Read, Ask, their
// Raw forms, Trigger, Clear, ReadSTB, Remote/Local/Lock/Unlock) takes an
// internal "in-flight" guard and returns ErrSessionInUse rather than racing;
// the property setters and getters, IndicatorPulse and Close do not, per
// spec.md §5 ("a session is not safe for concurrent use... each bulk-OUT /
// bulk-IN pair is atomic from the caller's point of view").
type Session struct {
	vid, pid uint16
	serial   string

	t transport

	ifaceNum                            int
	bulkOutEP, bulkInEP, interruptInEP  int
	usb488                              bool
	reattach                            bool

	maxTransferSize int
	timeout         time.Duration
	termChar        byte
	termCharEnabled bool
	advantestQuirk     bool
	strictDecode       bool
	tolerateEmptyWrite bool

	tags tagGen
	caps Capabilities

	mu        sync.Mutex
	busy      bool
	connected bool
}

// openFunc is the transport constructor Open calls; it is the gousb-backed
// openGousb.
var openFunc = openGousb

// Open opens the USBTMC interface on the device matching vid/pid, optionally
// filtered by serial number (pass "" to match any). It claims the interface,
// detaching the kernel driver if one is attached, resolves the bulk and
// interrupt endpoints, and fetches GET_CAPABILITIES.
func Open(vid, pid uint16, serial string) (*Session, error) {
	t, resolved, reattach, err := openFunc(vid, pid, serial)
	if err != nil {
		return nil, err
	}

	s := &Session{
		vid: vid, pid: pid, serial: serial,
		t:               t,
		ifaceNum:        resolved.InterfaceNum,
		bulkOutEP:       resolved.BulkOutEP,
		bulkInEP:        resolved.BulkInEP,
		interruptInEP:   resolved.InterruptInEP,
		usb488:          resolved.USB488,
		reattach:        reattach,
		maxTransferSize: DefaultMaxTransferSize,
		timeout:         DefaultTimeout,
		strictDecode:       false, // lenient by default, spec.md §9 open question
		tolerateEmptyWrite: true,
		connected:          true,
	}

	if err := s.fetchCapabilities(); err != nil {
		t.Close()
		return nil, err
	}
	return s, nil
}

// OpenResource opens a device identified by a VISA-style resource string,
// spec.md §4.8.
func OpenResource(resource string) (*Session, error) {
	r, err := ParseResource(resource)
	if err != nil {
		return nil, err
	}
	return Open(r.VID, r.PID, r.Serial)
}

// enter acquires the single-operation guard; leave releases it.
func (s *Session) enter() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrClosed
	}
	if s.busy {
		return ErrSessionInUse
	}
	s.busy = true
	return nil
}

func (s *Session) leave() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

// Close releases the USB interface and, if the kernel driver was detached
// on Open, reattaches it. Close always releases resources even if a prior
// operation failed, spec.md §7.
func (s *Session) Close() error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil
	}
	s.connected = false
	s.mu.Unlock()
	return s.t.Close()
}

// Write sends text as a DEV_DEP_MSG_OUT message. A trailing newline is appended
// if text does not already end in a newline or carriage return, matching the teacher convention that
// SCPI commands are newline-terminated.
func (s *Session) Write(text string) error {
	return s.WriteRaw(appendTerminator(text))
}

// WriteRaw writes b as a single DEV_DEP_MSG_OUT message with no encoding or
// terminator handling.
func (s *Session) WriteRaw(b []byte) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	return s.writeMessage(b)
}

// Read requests and returns a response, UTF-8 decoded with one trailing
// newline stripped. num bounds the response length; pass <=0 for the
// session's max transfer size.
func (s *Session) Read(num int) (string, error) {
	b, err := s.ReadRaw(num)
	if err != nil {
		return "", err
	}
	return string(trimTerminator(b)), nil
}

// ReadRaw requests and returns a response with no text decoding.
func (s *Session) ReadRaw(num int) ([]byte, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()
	return s.readMessage(num)
}

// Ask writes s then reads the reply, spec.md §4.5.
func (s *Session) Ask(text string, num int) (string, error) {
	if err := s.enter(); err != nil {
		return "", err
	}
	defer s.leave()
	b, err := s.ask(appendTerminator(text), num)
	if err != nil {
		return "", err
	}
	return string(trimTerminator(b)), nil
}

// AskRaw is Ask without text encoding.
func (s *Session) AskRaw(b []byte, num int) ([]byte, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()
	return s.ask(b, num)
}

// Trigger sends the USB488 TRIGGER bulk message, USB488-only.
func (s *Session) Trigger() error {
	if !s.usb488 {
		return ErrNotSupported
	}
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	return s.triggerMessage()
}

// SetTimeout configures the per-operation timeout in milliseconds.
func (s *Session) SetTimeout(ms int) { s.timeout = time.Duration(ms) * time.Millisecond }

// Timeout returns the current per-operation timeout in milliseconds.
func (s *Session) Timeout() int { return int(s.timeout / time.Millisecond) }

// SetMaxTransferSize bounds the payload carried by a single bulk header.
func (s *Session) SetMaxTransferSize(n int) { s.maxTransferSize = n }

// MaxTransferSize returns the current per-header payload bound.
func (s *Session) MaxTransferSize() int { return s.maxTransferSize }

// SetTermChar configures the optional read terminator byte. It only takes
// effect on REQUEST_DEV_DEP_MSG_IN headers if the device capability
// advertises TermChar support.
func (s *Session) SetTermChar(c byte, enabled bool) {
	s.termChar = c
	s.termCharEnabled = enabled
}

// SetAdvantestQuirk toggles the Advantest-style quirk that skips
// REQUEST_DEV_DEP_MSG_IN and reads bulk-IN directly, spec.md §9.
func (s *Session) SetAdvantestQuirk(on bool) { s.advantestQuirk = on }

// SetStrictDecode switches the inbound header decoder between strict
// (reserved bytes must be zero) and lenient (ignored) modes, spec.md §9.
func (s *Session) SetStrictDecode(strict bool) { s.strictDecode = strict }

// SetTolerateEmptyWrite controls whether a zero-length Write/WriteRaw call
// still transfers an EOM-marked empty DEV_DEP_MSG_OUT, or is skipped
// entirely, spec.md §4.3 step 1.
func (s *Session) SetTolerateEmptyWrite(tolerate bool) { s.tolerateEmptyWrite = tolerate }

// Capabilities returns the capability record fetched at Open.
func (s *Session) Capabilities() Capabilities { return s.caps }

// USB488 reports whether the interface advertises the USB488 subclass protocol.
func (s *Session) USB488() bool { return s.usb488 }

// appendTerminator appends '\n' unless text already ends in a recognized
// terminator, spec.md §9.
func appendTerminator(text string) []byte {
	if strings.HasSuffix(text, "\n") || strings.HasSuffix(text, "\r") {
		return []byte(text)
	}
	return []byte(text + "\n")
}

// trimTerminator strips a single trailing '\n' (and a preceding '\r'), spec.md §9.
func trimTerminator(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		b = b[:n-1]
		if n := len(b); n > 0 && b[n-1] == '\r' {
			b = b[:n-1]
		}
	}
	return b
}
