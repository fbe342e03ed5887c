package usbtmc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func lastWriteHeader(t *testing.T, m *mockTransport) bulkHeader {
	t.Helper()
	hdr, err := decodeHeader(m.writes[len(m.writes)-1], false)
	assert.NoError(t, err)
	return hdr
}

func TestWriteMessageSingleChunk(t *testing.T) {
	m := &mockTransport{}
	s := newTestSession(m)

	err := s.writeMessage([]byte("*IDN?\n"))
	assert.NoError(t, err)
	assert.Len(t, m.writes, 1)

	hdr := lastWriteHeader(t, m)
	assert.Equal(t, msgDevDepMsgOut, hdr.MsgID)
	assert.True(t, hdr.EOM())
	assert.Equal(t, uint32(6), hdr.TransferSize)
}

func TestWriteMessageFragmentsAcrossMaxTransferSize(t *testing.T) {
	m := &mockTransport{}
	s := newTestSession(m)
	s.maxTransferSize = 4

	err := s.writeMessage([]byte("0123456789"))
	assert.NoError(t, err)
	assert.Len(t, m.writes, 3) // 4 + 4 + 2

	for i, want := range []struct {
		size int
		eom  bool
	}{{4, false}, {4, false}, {2, true}} {
		hdr, err := decodeHeader(m.writes[i], false)
		assert.NoError(t, err)
		assert.Equal(t, uint32(want.size), hdr.TransferSize)
		assert.Equal(t, want.eom, hdr.EOM())
	}
}

func TestWriteMessageEmptyToleratedByDefault(t *testing.T) {
	m := &mockTransport{}
	s := newTestSession(m)

	err := s.writeMessage(nil)
	assert.NoError(t, err)
	assert.Len(t, m.writes, 1)
	hdr := lastWriteHeader(t, m)
	assert.True(t, hdr.EOM())
	assert.Equal(t, uint32(0), hdr.TransferSize)
}

func TestWriteMessageEmptySkippedWhenNotTolerated(t *testing.T) {
	m := &mockTransport{}
	s := newTestSession(m)
	s.tolerateEmptyWrite = false

	err := s.writeMessage(nil)
	assert.NoError(t, err)
	assert.Len(t, m.writes, 0)
}

func TestWriteMessageTimeoutTriggersAbort(t *testing.T) {
	abortInitiated := false
	m := &mockTransport{
		bulkOutFunc: func(ep int, b []byte) (int, error) {
			return 0, &mockTimeoutError{msg: "deadline exceeded"}
		},
		controlFunc: func(reqType, request byte, value, index uint16, data []byte) (int, error) {
			// CLEAR_FEATURE shares bRequest 0x01 with INITIATE_ABORT_BULK_OUT
			// but is a standard OUT request with no data stage.
			if request == reqInitiateAbortBulkOut && reqType == reqTypeClassInEndpoint {
				abortInitiated = true
				data[0] = statusSuccess
				return len(data), nil
			}
			if request == reqCheckAbortBulkOutStatus {
				data[0] = statusSuccess
				return len(data), nil
			}
			if len(data) > 0 {
				data[0] = statusSuccess
			}
			return len(data), nil
		},
	}
	s := newTestSession(m)

	err := s.writeMessage([]byte("X"))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, abortInitiated)
}

func TestReadMessageReassemblesFragments(t *testing.T) {
	m := &mockTransport{}
	s := newTestSession(m)
	s.maxTransferSize = 1024

	payload := []byte("Keysight Technologies,34461A,MY12345,1.0\n")
	m.bulkInFunc = singleFrameReader(1, payload, 16) // first tag issued by a fresh Session is 1

	got, err := s.readMessage(0)
	assert.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestReadMessageProtocolMismatch(t *testing.T) {
	m := &mockTransport{
		bulkInFunc: func(ep int, buf []byte) (int, error) {
			hdr := encodeOutHeader(msgDevDepMsgIn, 250, 0, true) // wrong tag on purpose
			return copy(buf, hdr[:]), nil
		},
	}
	s := newTestSession(m)

	_, err := s.readMessage(64)
	var pmErr *ProtocolMismatchError
	assert.ErrorAs(t, err, &pmErr)
}

func TestReadMessageTruncatedAtMaxLenAbortsDrain(t *testing.T) {
	m := &mockTransport{}
	s := newTestSession(m)

	abortCalled := false
	m.controlFunc = func(reqType, request byte, value, index uint16, data []byte) (int, error) {
		if request == reqInitiateAbortBulkIn {
			abortCalled = true
		}
		if len(data) > 0 {
			data[0] = statusSuccess
		}
		return len(data), nil
	}
	// A single frame that claims 50 bytes of payload but leaves EOM unset,
	// i.e. the device still has more queued than the caller asked for.
	m.bulkInFunc = func(ep int, buf []byte) (int, error) {
		tag := m.writes[len(m.writes)-1][1]
		body := make([]byte, 50)
		hdr := encodeOutHeader(msgDevDepMsgIn, tag, len(body), false)
		frame := append(append([]byte{}, hdr[:]...), body...)
		return copy(buf, frame), nil
	}

	got, err := s.readMessage(10)
	assert.NoError(t, err)
	assert.Len(t, got, 10)
	assert.True(t, abortCalled)
}

func TestAskWritesThenReads(t *testing.T) {
	m := &mockTransport{}
	s := newTestSession(m)

	payload := []byte("+1.23E+00\n")
	m.bulkInFunc = singleFrameReader(2, payload, 64) // write uses tag 1, the read request uses tag 2

	got, err := s.ask([]byte("MEAS:VOLT?\n"), 64)
	assert.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Len(t, m.writes, 2) // the DEV_DEP_MSG_OUT, then REQUEST_DEV_DEP_MSG_IN
}

func TestAskSkipsReadIfWriteFails(t *testing.T) {
	calls := 0
	m := &mockTransport{
		bulkOutFunc: func(ep int, b []byte) (int, error) {
			calls++
			return 0, &mockTimeoutError{msg: "timeout"}
		},
		controlFunc: func(reqType, request byte, value, index uint16, data []byte) (int, error) {
			if len(data) > 0 {
				data[0] = statusSuccess
			}
			return len(data), nil
		},
	}
	s := newTestSession(m)

	_, err := s.ask([]byte("X"), 10)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 1, calls) // only the write attempt, never the request header for read
}

func TestTriggerMessageSendsUSB488TriggerHeader(t *testing.T) {
	m := &mockTransport{}
	s := newTestSession(m)

	err := s.triggerMessage()
	assert.NoError(t, err)
	hdr := lastWriteHeader(t, m)
	assert.Equal(t, msgUSB488Trigger, hdr.MsgID)
}

