package usbtmc

// tagGen generates the 8-bit bTag used to correlate a bulk-OUT request with
// its reply. Per USBTMC spec, bTag is never 0 and advances monotonically,
// wrapping modulo 255 back to 1 rather than 0.
//
// This is a non-concurrent-safe, embeddable counterpart to the teacher
// package's bTagGen: a Session already forbids concurrent operations (see
// spec invariant: no two concurrent operations share a session), so the
// mutex the teacher carried is unnecessary here.
type tagGen struct {
	last byte
}

// next returns the next tag: (last % 255) + 1.
func (t *tagGen) next() byte {
	t.last = (t.last % 255) + 1
	return t.last
}
