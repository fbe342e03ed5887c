package usbtmc

// writeMessage fragments payload into DEV_DEP_MSG_OUT bulk-OUT transfers,
// spec.md §4.3. Each chunk is at most s.maxTransferSize bytes; only the
// last chunk carries EOM=1. A failed transfer triggers the bulk-out abort
// recovery before the error is returned.
func (s *Session) writeMessage(payload []byte) error {
	if len(payload) == 0 {
		if !s.tolerateEmptyWrite {
			return nil
		}
		return s.writeChunk(nil, true)
	}

	for offset := 0; offset < len(payload); offset += s.maxTransferSize {
		end := offset + s.maxTransferSize
		if end > len(payload) {
			end = len(payload)
		}
		eom := end == len(payload)
		if err := s.writeChunk(payload[offset:end], eom); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) writeChunk(chunk []byte, eom bool) error {
	tag := s.tags.next()
	hdr := encodeOutHeader(msgDevDepMsgOut, tag, len(chunk), eom)

	frame := make([]byte, 0, paddedLen(headerLen+len(chunk)))
	frame = append(frame, hdr[:]...)
	frame = append(frame, chunk...)
	if pad := paddedLen(len(frame)) - len(frame); pad > 0 {
		frame = append(frame, make([]byte, pad)...)
	}

	n, err := s.t.BulkWrite(s.bulkOutEP, frame, s.timeout)
	if err != nil {
		s.abortBulkOut()
		if isTimeout(err) {
			return ErrTimeout
		}
		return &IoError{Op: "bulk-OUT write", Err: err}
	}
	if n != len(frame) {
		s.abortBulkOut()
		return &IoError{Op: "bulk-OUT write", Err: errShortTransfer(n, len(frame))}
	}
	return nil
}

// readMessage requests a response with REQUEST_DEV_DEP_MSG_IN and reassembles
// fragments until EOM or maxLen is reached, spec.md §4.4. The
// advantest_quirk session option skips the request header entirely and
// reads the bulk-IN endpoint directly, per spec.md §9.
func (s *Session) readMessage(maxLen int) ([]byte, error) {
	if maxLen <= 0 {
		maxLen = s.maxTransferSize
	}

	tag := s.tags.next()
	if !s.advantestQuirk {
		useTerm := s.termCharEnabled && s.caps.SupportsTermChar
		hdr := encodeInRequestHeader(tag, maxLen, s.termChar, useTerm)
		n, err := s.t.BulkWrite(s.bulkOutEP, hdr[:], s.timeout)
		if err != nil {
			s.abortBulkOut()
			if isTimeout(err) {
				return nil, ErrTimeout
			}
			return nil, &IoError{Op: "REQUEST_DEV_DEP_MSG_IN", Err: err}
		}
		if n != headerLen {
			s.abortBulkOut()
			return nil, &IoError{Op: "REQUEST_DEV_DEP_MSG_IN", Err: errShortTransfer(n, headerLen)}
		}
	}

	accum := make([]byte, 0, maxLen)
	eom := false
	readBufSize := headerLen + s.maxTransferSize + 3

	for !eom && len(accum) < maxLen {
		buf := make([]byte, readBufSize)
		n, err := s.t.BulkRead(s.bulkInEP, buf, s.timeout)
		if err != nil {
			s.abortBulkIn()
			if isTimeout(err) {
				return nil, ErrTimeout
			}
			return nil, &IoError{Op: "bulk-IN read", Err: err}
		}
		buf = buf[:n]

		hdr, err := decodeHeader(buf, s.strictDecode)
		if err != nil {
			s.abortBulkIn()
			return nil, &IoError{Op: "bulk-IN header decode", Err: err}
		}
		if hdr.MsgID != msgDevDepMsgIn || hdr.Tag != tag {
			s.abortBulkIn()
			return nil, &ProtocolMismatchError{
				WantMsgID: byte(msgDevDepMsgIn), GotMsgID: byte(hdr.MsgID),
				WantTag: tag, GotTag: hdr.Tag,
			}
		}

		k := int(hdr.TransferSize)
		body := buf[headerLen:]
		if k > len(body) {
			k = len(body)
		}
		accum = append(accum, body[:k]...)
		eom = hdr.EOM()
	}

	if len(accum) > maxLen {
		accum = accum[:maxLen]
	}
	if len(accum) == maxLen && !eom {
		// The caller's cap was hit before the device signalled EOM; leave
		// the session consistent by draining whatever remains queued.
		s.abortBulkIn()
	}
	return accum, nil
}

// ask performs writeMessage followed by readMessage on the same session. If
// the write fails, the read is never attempted, spec.md §4.5.
func (s *Session) ask(payload []byte, maxLen int) ([]byte, error) {
	if err := s.writeMessage(payload); err != nil {
		return nil, err
	}
	return s.readMessage(maxLen)
}

// triggerMessage sends the USB488 TRIGGER bulk message (MsgID=128), spec.md §6.
func (s *Session) triggerMessage() error {
	tag := s.tags.next()
	hdr := encodeOutHeader(msgUSB488Trigger, tag, 0, true)
	n, err := s.t.BulkWrite(s.bulkOutEP, hdr[:], s.timeout)
	if err != nil {
		s.abortBulkOut()
		if isTimeout(err) {
			return ErrTimeout
		}
		return &IoError{Op: "TRIGGER", Err: err}
	}
	if n != headerLen {
		s.abortBulkOut()
		return &IoError{Op: "TRIGGER", Err: errShortTransfer(n, headerLen)}
	}
	return nil
}
