package usbtmc

import (
	"fmt"
	"time"
)

// mockTransport is an in-memory transport double used to exercise the
// protocol engine and control façade without real hardware.
type mockTransport struct {
	closed bool

	// controlFunc, if set, answers ControlTransfer; otherwise a zero-value
	// STATUS_SUCCESS response is synthesized.
	controlFunc func(reqType, request byte, value, index uint16, data []byte) (int, error)

	// bulkOutFunc/bulkInFunc, if set, answer BulkWrite/BulkRead.
	bulkOutFunc func(ep int, b []byte) (int, error)
	bulkInFunc  func(ep int, buf []byte) (int, error)

	writes [][]byte
}

func (m *mockTransport) ControlTransfer(reqType, request byte, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	if m.controlFunc != nil {
		return m.controlFunc(reqType, request, value, index, data)
	}
	if len(data) > 0 {
		data[0] = statusSuccess
	}
	return len(data), nil
}

func (m *mockTransport) BulkWrite(ep int, b []byte, timeout time.Duration) (int, error) {
	cp := append([]byte(nil), b...)
	m.writes = append(m.writes, cp)
	if m.bulkOutFunc != nil {
		return m.bulkOutFunc(ep, b)
	}
	return len(b), nil
}

func (m *mockTransport) BulkRead(ep int, buf []byte, timeout time.Duration) (int, error) {
	if m.bulkInFunc != nil {
		return m.bulkInFunc(ep, buf)
	}
	return 0, fmt.Errorf("mockTransport: no bulkInFunc configured")
}

func (m *mockTransport) Close() error {
	m.closed = true
	return nil
}

// mockTimeoutError implements the timeoutError interface isTimeout checks for.
type mockTimeoutError struct{ msg string }

func (e *mockTimeoutError) Error() string { return e.msg }
func (e *mockTimeoutError) Timeout() bool { return true }

// newTestSession builds a Session wired to an idle mockTransport, bypassing
// Open/openFunc so tests don't need a real or faked USB enumeration step.
func newTestSession(t *mockTransport) *Session {
	return &Session{
		t:               t,
		ifaceNum:        0,
		bulkOutEP:       0x01,
		bulkInEP:        0x82,
		usb488:          true,
		maxTransferSize: DefaultMaxTransferSize,
		timeout:         time.Second,
		tolerateEmptyWrite: true,
		connected:       true,
		caps:            Capabilities{SupportsTermChar: true},
	}
}

// singleFrameReader returns a bulkInFunc that serves one DEV_DEP_MSG_IN
// frame per call, built from payload with EOM set on the final chunk,
// fragmented at most chunkSize bytes of payload per frame.
func singleFrameReader(tag byte, payload []byte, chunkSize int) func(ep int, buf []byte) (int, error) {
	offset := 0
	return func(ep int, buf []byte) (int, error) {
		end := offset + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[offset:end]
		eom := end == len(payload)
		offset = end

		hdr := encodeOutHeader(msgDevDepMsgIn, tag, len(chunk), eom)
		frame := append(append([]byte{}, hdr[:]...), chunk...)
		if pad := paddedLen(len(frame)) - len(frame); pad > 0 {
			frame = append(frame, make([]byte, pad)...)
		}
		n := copy(buf, frame)
		return n, nil
	}
}
