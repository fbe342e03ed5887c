package usbtmc

import (
	"encoding/binary"
	"fmt"

	"github.jpl.nasa.gov/bdube/usbtmc/util"
)

// MsgID identifies the kind of USBTMC bulk message, USBTMC spec Table 1.
type MsgID byte

// Bulk message identifiers, USBTMC spec section 3.
const (
	msgDevDepMsgOut       MsgID = 1
	msgRequestDevDepMsgIn MsgID = 2
	msgDevDepMsgIn        MsgID = 2 // same wire value as the request; direction disambiguates
	msgVendorSpecificOut  MsgID = 126
	msgVendorSpecificIn   MsgID = 127
	msgUSB488Trigger      MsgID = 128
)

const (
	headerLen = 12
	alignment = 4

	eomBit       = 0 // bmTransferAttributes bit0, DEV_DEP_MSG_OUT
	termCharBit  = 1 // bmTransferAttributes bit1, REQUEST_DEV_DEP_MSG_IN
	reservedByte = 0x00
)

// bulkHeader is the decoded form of the 12-byte USBTMC bulk header.
type bulkHeader struct {
	MsgID        MsgID
	Tag          byte
	TagInverse   byte
	TransferSize uint32
	Attributes   byte
	TermChar     byte
}

// EOM reports the End-Of-Message bit of a DEV_DEP_MSG_OUT/IN header.
func (h bulkHeader) EOM() bool {
	return util.GetBit(h.Attributes, eomBit)
}

// TermCharEnabled reports the term-char-enabled bit of a REQUEST_DEV_DEP_MSG_IN header.
func (h bulkHeader) TermCharEnabled() bool {
	return util.GetBit(h.Attributes, termCharBit)
}

// invTag computes the bitwise inversion of a bTag, USBTMC spec Table 1 offset 2.
func invTag(b byte) byte {
	return b ^ 0xFF
}

// encodeOutHeader builds a DEV_DEP_MSG_OUT (or vendor-specific OUT) header,
// USBTMC spec Table 3. payloadLen is the length of the chunk that follows,
// exclusive of header and padding; eom marks the final fragment of a message.
func encodeOutHeader(id MsgID, tag byte, payloadLen int, eom bool) [headerLen]byte {
	var out [headerLen]byte
	out[0] = byte(id)
	out[1] = tag
	out[2] = invTag(tag)
	out[3] = reservedByte
	binary.LittleEndian.PutUint32(out[4:8], uint32(payloadLen))
	out[8] = util.SetBit(out[8], eomBit, eom)
	out[9] = reservedByte
	out[10] = reservedByte
	out[11] = reservedByte
	return out
}

// encodeInRequestHeader builds a REQUEST_DEV_DEP_MSG_IN header, USBTMC spec
// Table 4. termChar is applied (and the term-char-enabled bit set) only
// when useTermChar is true.
func encodeInRequestHeader(tag byte, maxSize int, termChar byte, useTermChar bool) [headerLen]byte {
	var out [headerLen]byte
	out[0] = byte(msgRequestDevDepMsgIn)
	out[1] = tag
	out[2] = invTag(tag)
	out[3] = reservedByte
	binary.LittleEndian.PutUint32(out[4:8], uint32(maxSize))
	out[8] = util.SetBit(out[8], termCharBit, useTermChar)
	if useTermChar {
		out[9] = termChar
	}
	out[10] = reservedByte
	out[11] = reservedByte
	return out
}

// decodeHeader parses the first 12 bytes of buf as a bulk header.
//
// In strict mode, reserved bytes (offset 3, 10, 11) must be zero and the
// tag-inversion invariant is enforced; in lenient mode reserved-byte
// content is ignored, since observed devices leave garbage there. The tag
// invariant (bTag != 0, bTag ^ bTagInverse == 0xFF) is always enforced:
// it is how replies are correlated to requests, not a hygiene check.
func decodeHeader(buf []byte, strict bool) (bulkHeader, error) {
	var h bulkHeader
	if len(buf) < headerLen {
		return h, fmt.Errorf("usbtmc: short header, got %d bytes want %d", len(buf), headerLen)
	}
	h.MsgID = MsgID(buf[0])
	h.Tag = buf[1]
	h.TagInverse = buf[2]
	h.TransferSize = binary.LittleEndian.Uint32(buf[4:8])
	h.Attributes = buf[8]
	h.TermChar = buf[9]

	if h.Tag == 0 {
		return h, fmt.Errorf("usbtmc: decoded header has bTag == 0")
	}
	if h.Tag^h.TagInverse != 0xFF {
		return h, fmt.Errorf("usbtmc: decoded header bTag/bTagInverse mismatch: %#x/%#x", h.Tag, h.TagInverse)
	}
	if strict {
		if buf[3] != reservedByte || buf[10] != reservedByte || buf[11] != reservedByte {
			return h, fmt.Errorf("usbtmc: decoded header has non-zero reserved bytes")
		}
	}
	return h, nil
}

// paddedLen rounds n up to the next multiple of alignment.
func paddedLen(n int) int {
	if residual := n % alignment; residual != 0 {
		return n + (alignment - residual)
	}
	return n
}
