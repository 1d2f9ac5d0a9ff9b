package protocol

import (
	"bytes"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

var opcodes = []Opcode{OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong}

// TestFrameRoundTrip tests that any frame decodes back to what was encoded
func TestFrameRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		opcode := rapid.SampledFrom(opcodes).Draw(t, "opcode")
		payload := rapid.SliceOfN(rapid.Byte(), 0, 70000).Draw(t, "payload")
		masked := rapid.Bool().Draw(t, "masked")

		var data []byte
		if masked {
			var key [4]byte
			copy(key[:], rapid.SliceOfN(rapid.Byte(), 4, 4).Draw(t, "key"))
			data = AppendMaskedFrame(nil, opcode, payload, key)
		} else {
			data = AppendFrame(nil, opcode, payload)
		}

		frame, n, err := DecodeFrame(data)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if frame == nil || n != len(data) {
			t.Fatalf("expected complete frame of %d bytes, got n=%d", len(data), n)
		}
		if frame.Opcode != opcode {
			t.Fatalf("opcode mismatch: got %v, want %v", frame.Opcode, opcode)
		}
		if !bytes.Equal(frame.Payload, payload) {
			t.Fatalf("payload mismatch")
		}
	})
}

// TestFrameBufferAnySplit tests that chunk boundaries never change the decoded frames
func TestFrameBufferAnySplit(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		count := rapid.IntRange(1, 5).Draw(t, "count")
		var stream []byte
		var want [][]byte
		for i := 0; i < count; i++ {
			p := rapid.SliceOfN(rapid.Byte(), 0, 300).Draw(t, "payload")
			want = append(want, p)
			stream = AppendMaskedFrame(stream, OpBinary, p, [4]byte{byte(i), 0x5a, 0xa5, 0xff})
		}

		var fb FrameBuffer
		var got [][]byte
		for len(stream) > 0 {
			n := rapid.IntRange(1, len(stream)).Draw(t, "chunk")
			fb.Write(stream[:n])
			stream = stream[n:]
			for {
				f, err := fb.Next()
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if f == nil {
					break
				}
				got = append(got, f.Payload)
			}
		}

		if len(got) != len(want) {
			t.Fatalf("got %d frames, want %d", len(got), len(want))
		}
		for i := range want {
			if !bytes.Equal(got[i], want[i]) {
				t.Fatalf("frame %d payload mismatch", i)
			}
		}
		if fb.Buffered() != 0 {
			t.Fatalf("%d bytes left over", fb.Buffered())
		}
	})
}

// TestNormalizePhoneProperties tests digit stripping and the length threshold
func TestNormalizePhoneProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		input := rapid.String().Draw(t, "input")

		got, ok := NormalizePhone(input)

		var digits strings.Builder
		for _, r := range input {
			if r >= '0' && r <= '9' {
				digits.WriteRune(r)
			}
		}
		want := digits.String()

		if ok != (len(want) >= MinPhoneDigits) {
			t.Fatalf("ok=%v for %d digits", ok, len(want))
		}
		if ok && got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
		if ok {
			again, ok2 := NormalizePhone(got)
			if !ok2 || again != got {
				t.Fatalf("normalization not idempotent: %q -> %q", got, again)
			}
		}
	})
}
