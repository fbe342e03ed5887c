package usbtmc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriteAppendsNewlineOnce(t *testing.T) {
	m := &mockTransport{}
	s := newTestSession(m)

	assert.NoError(t, s.Write("*RST"))
	hdr, err := decodeHeader(m.writes[0], false)
	assert.NoError(t, err)
	assert.Equal(t, uint32(5), hdr.TransferSize) // "*RST\n"

	assert.NoError(t, s.Write("*RST\n"))
	hdr, err = decodeHeader(m.writes[1], false)
	assert.NoError(t, err)
	assert.Equal(t, uint32(5), hdr.TransferSize) // unchanged, already terminated
}

func TestReadStripsTrailingNewline(t *testing.T) {
	m := &mockTransport{
		bulkInFunc: singleFrameReader(1, []byte("hello\n"), 64),
	}
	s := newTestSession(m)

	got, err := s.Read(64)
	assert.NoError(t, err)
	assert.Equal(t, "hello", got)
}

func TestReadStripsCRLF(t *testing.T) {
	m := &mockTransport{
		bulkInFunc: singleFrameReader(1, []byte("hello\r\n"), 64),
	}
	s := newTestSession(m)

	got, err := s.Read(64)
	assert.NoError(t, err)
	assert.Equal(t, "hello", got)
}

func TestSessionInUseRejectsConcurrentEntry(t *testing.T) {
	m := &mockTransport{}
	s := newTestSession(m)

	assert.NoError(t, s.enter())
	assert.ErrorIs(t, s.enter(), ErrSessionInUse)
	s.leave()
	assert.NoError(t, s.enter())
	s.leave()
}

func TestClosedSessionRejectsOperations(t *testing.T) {
	m := &mockTransport{}
	s := newTestSession(m)

	assert.NoError(t, s.Close())
	assert.True(t, m.closed)
	assert.ErrorIs(t, s.WriteRaw([]byte("x")), ErrClosed)
}

func TestCloseIsIdempotent(t *testing.T) {
	m := &mockTransport{}
	s := newTestSession(m)

	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}

func TestTriggerRequiresUSB488(t *testing.T) {
	m := &mockTransport{}
	s := newTestSession(m)
	s.usb488 = false

	assert.ErrorIs(t, s.Trigger(), ErrNotSupported)
}

func TestTimeoutGetterSetter(t *testing.T) {
	m := &mockTransport{}
	s := newTestSession(m)

	s.SetTimeout(1500)
	assert.Equal(t, 1500, s.Timeout())
}

func TestAppendTerminatorPreservesExistingCR(t *testing.T) {
	assert.Equal(t, []byte("abc\r"), appendTerminator("abc\r"))
	assert.Equal(t, []byte("abc\n"), appendTerminator("abc"))
}

func TestTrimTerminatorHandlesBareBytes(t *testing.T) {
	assert.Equal(t, []byte("abc"), trimTerminator([]byte("abc")))
	assert.Equal(t, []byte(""), trimTerminator([]byte("\n")))
}
