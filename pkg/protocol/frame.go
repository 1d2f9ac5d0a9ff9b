package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Opcode identifies the kind of a WebSocket frame
type Opcode uint8

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

const (
	finBit  = 0x80
	maskBit = 0x80

	// Escape values in the 7-bit length field
	len16 = 126
	len64 = 127

	maxLen7  = 125
	maxLen16 = 0xFFFF
)

// Close status codes used by the server
const (
	CloseNormal    uint16 = 1000
	CloseGoingAway uint16 = 1001
)

var (
	// ErrPayloadTooLarge is returned when a 64-bit length has a non-zero high half
	ErrPayloadTooLarge = errors.New("frame payload length exceeds 32 bits")
	// ErrFrameTooLarge is returned when a frame exceeds the configured MaxPayload
	ErrFrameTooLarge = errors.New("frame exceeds maximum payload size")
)

// Frame is one decoded WebSocket frame
// Format: [FIN|RSV|Opcode (1 byte)][MASK|Len (1 byte)][ExtLen (0/2/8 bytes)][Mask (0/4 bytes)][Payload]
type Frame struct {
	Opcode  Opcode
	Payload []byte
}

// String returns the opcode name for logging
func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "CONTINUATION"
	case OpText:
		return "TEXT"
	case OpBinary:
		return "BINARY"
	case OpClose:
		return "CLOSE"
	case OpPing:
		return "PING"
	case OpPong:
		return "PONG"
	default:
		return fmt.Sprintf("0x%X", uint8(o))
	}
}

// frameHeader is the parsed fixed part of a frame
type frameHeader struct {
	opcode     Opcode
	masked     bool
	mask       [4]byte
	payloadLen int
	headerLen  int
}

// parseHeader parses the frame header at the start of data.
// ok is false when data does not hold the full header yet.
func parseHeader(data []byte) (h frameHeader, ok bool, err error) {
	if len(data) < 2 {
		return h, false, nil
	}

	h.opcode = Opcode(data[0] & 0x0F)
	h.masked = data[1]&maskBit != 0
	baseLen := int(data[1] & 0x7F)
	offset := 2

	switch baseLen {
	case len16:
		if len(data) < offset+2 {
			return h, false, nil
		}
		h.payloadLen = int(binary.BigEndian.Uint16(data[offset:]))
		offset += 2
	case len64:
		if len(data) < offset+8 {
			return h, false, nil
		}
		hi := binary.BigEndian.Uint32(data[offset:])
		lo := binary.BigEndian.Uint32(data[offset+4:])
		// A low half above MaxInt only happens where int is 32 bits
		if hi != 0 || uint64(lo) > math.MaxInt {
			return h, false, ErrPayloadTooLarge
		}
		h.payloadLen = int(lo)
		offset += 8
	default:
		h.payloadLen = baseLen
	}

	if h.masked {
		if len(data) < offset+4 {
			return h, false, nil
		}
		copy(h.mask[:], data[offset:offset+4])
		offset += 4
	}

	h.headerLen = offset
	return h, true, nil
}

// DecodeFrame decodes one frame from the front of data.
// It returns the frame and the number of bytes consumed. When data holds only
// part of a frame it returns (nil, 0, nil) and the caller should retry once
// more bytes have arrived.
func DecodeFrame(data []byte) (*Frame, int, error) {
	h, ok, err := parseHeader(data)
	if err != nil || !ok {
		return nil, 0, err
	}

	if len(data)-h.headerLen < h.payloadLen {
		return nil, 0, nil
	}
	end := h.headerLen + h.payloadLen

	payload := make([]byte, h.payloadLen)
	copy(payload, data[h.headerLen:end])
	if h.masked {
		maskBytes(payload, h.mask)
	}

	return &Frame{Opcode: h.opcode, Payload: payload}, end, nil
}

// AppendFrame appends the unmasked wire encoding of a final frame to dst
func AppendFrame(dst []byte, opcode Opcode, payload []byte) []byte {
	dst = appendHeader(dst, opcode, len(payload), false)
	return append(dst, payload...)
}

// AppendMaskedFrame appends a masked frame, as a client would send it
func AppendMaskedFrame(dst []byte, opcode Opcode, payload []byte, key [4]byte) []byte {
	dst = appendHeader(dst, opcode, len(payload), true)
	dst = append(dst, key[:]...)
	start := len(dst)
	dst = append(dst, payload...)
	maskBytes(dst[start:], key)
	return dst
}

func appendHeader(dst []byte, opcode Opcode, n int, masked bool) []byte {
	var m byte
	if masked {
		m = maskBit
	}

	dst = append(dst, finBit|byte(opcode))
	switch {
	case n <= maxLen7:
		dst = append(dst, m|byte(n))
	case n <= maxLen16:
		dst = append(dst, m|len16)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		// Upper 32 bits are always zero; payloads >= 4 GiB are not supported
		dst = append(dst, m|len64, 0, 0, 0, 0)
		dst = binary.BigEndian.AppendUint32(dst, uint32(n))
	}
	return dst
}

// EncodeFrame writes a frame to the writer in a single Write call
func EncodeFrame(w io.Writer, f *Frame) error {
	buf := AppendFrame(make([]byte, 0, 10+len(f.Payload)), f.Opcode, f.Payload)
	_, err := w.Write(buf)
	return err
}

// EncodeMessage is a helper that encodes a frame to a byte slice
func EncodeMessage(opcode Opcode, payload []byte) []byte {
	return AppendFrame(nil, opcode, payload)
}

// ClosePayload builds a close frame payload: 2-byte status code followed by a UTF-8 reason
func ClosePayload(code uint16, reason string) []byte {
	p := binary.BigEndian.AppendUint16(make([]byte, 0, 2+len(reason)), code)
	return append(p, reason...)
}

func maskBytes(b []byte, key [4]byte) {
	for i := range b {
		b[i] ^= key[i%4]
	}
}
