package protocol

// FrameBuffer accumulates bytes from a stream and yields complete frames.
//
// Bytes before the cursor have been consumed; bytes after it are a partial
// frame (possibly with its header already parsed once) waiting for more data.
// A FrameBuffer is not safe for concurrent use; each connection owns one.
type FrameBuffer struct {
	// MaxPayload rejects frames whose declared payload is larger (0 = no limit)
	MaxPayload int

	buf []byte
	off int
}

// compactThreshold is the consumed prefix size above which Write shifts the window
const compactThreshold = 4096

// Write appends an arriving chunk to the window. It never fails.
func (b *FrameBuffer) Write(p []byte) (int, error) {
	if b.off > 0 && (b.off == len(b.buf) || b.off >= compactThreshold) {
		n := copy(b.buf, b.buf[b.off:])
		b.buf = b.buf[:n]
		b.off = 0
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// Next decodes the next complete frame and advances the cursor past it.
// It returns (nil, nil) when the window holds no complete frame; the partial
// bytes stay buffered for the next Write.
func (b *FrameBuffer) Next() (*Frame, error) {
	window := b.buf[b.off:]

	if b.MaxPayload > 0 {
		h, ok, err := parseHeader(window)
		if err != nil {
			return nil, err
		}
		if ok && h.payloadLen > b.MaxPayload {
			return nil, ErrFrameTooLarge
		}
	}

	frame, n, err := DecodeFrame(window)
	if err != nil || frame == nil {
		return nil, err
	}
	b.off += n
	return frame, nil
}

// Buffered returns the number of unconsumed bytes
func (b *FrameBuffer) Buffered() int {
	return len(b.buf) - b.off
}

// Reset drops all buffered bytes
func (b *FrameBuffer) Reset() {
	b.buf = b.buf[:0]
	b.off = 0
}
