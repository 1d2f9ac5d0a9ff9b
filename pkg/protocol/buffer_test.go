package protocol

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameBufferSplitDelivery(t *testing.T) {
	data := AppendMaskedFrame(nil, OpText, []byte(`{"type":"login","phone":"2010000000"}`), [4]byte{9, 8, 7, 6})

	var fb FrameBuffer
	for i := 0; i < len(data)-1; i++ {
		fb.Write(data[i : i+1])
		frame, err := fb.Next()
		require.NoError(t, err)
		require.Nil(t, frame, "frame emitted early at byte %d", i)
	}

	fb.Write(data[len(data)-1:])
	frame, err := fb.Next()
	require.NoError(t, err)
	require.NotNil(t, frame)
	assert.Equal(t, `{"type":"login","phone":"2010000000"}`, string(frame.Payload))
	assert.Zero(t, fb.Buffered())
}

func TestFrameBufferSeveralFramesOneChunk(t *testing.T) {
	var data []byte
	data = AppendMaskedFrame(data, OpText, []byte("a"), [4]byte{1, 1, 1, 1})
	data = AppendMaskedFrame(data, OpPing, nil, [4]byte{2, 2, 2, 2})
	partial := AppendMaskedFrame(nil, OpText, []byte("tail"), [4]byte{3, 3, 3, 3})
	data = append(data, partial[:3]...)

	var fb FrameBuffer
	fb.Write(data)

	f1, err := fb.Next()
	require.NoError(t, err)
	assert.Equal(t, "a", string(f1.Payload))

	f2, err := fb.Next()
	require.NoError(t, err)
	assert.Equal(t, OpPing, f2.Opcode)

	f3, err := fb.Next()
	require.NoError(t, err)
	assert.Nil(t, f3)
	assert.Equal(t, 3, fb.Buffered())

	fb.Write(partial[3:])
	f3, err = fb.Next()
	require.NoError(t, err)
	assert.Equal(t, "tail", string(f3.Payload))
}

func TestFrameBufferMaxPayload(t *testing.T) {
	fb := FrameBuffer{MaxPayload: 10}

	// Header alone is enough to reject
	header := AppendFrame(nil, OpText, make([]byte, 11))[:2]
	fb.Write(header)

	_, err := fb.Next()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestFrameBufferLengthOverflow(t *testing.T) {
	var fb FrameBuffer
	fb.Write([]byte{0x81, 0xFF, 0x80, 0, 0, 0, 0, 0, 0, 0})

	_, err := fb.Next()
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestFrameBufferLengthAboveMaxIntIsAnError(t *testing.T) {
	fb := FrameBuffer{MaxPayload: 1 << 20}
	fb.Write([]byte{0x81, 0x7F, 0, 0, 0, 0, 0x80, 0, 0, 0, 'x'})

	var err error
	require.NotPanics(t, func() { _, err = fb.Next() })
	if strconv.IntSize == 32 {
		assert.ErrorIs(t, err, ErrPayloadTooLarge)
	} else {
		assert.ErrorIs(t, err, ErrFrameTooLarge)
	}
}

func TestFrameBufferCompacts(t *testing.T) {
	var fb FrameBuffer
	frame := AppendFrame(nil, OpText, make([]byte, 1000))

	for i := 0; i < 20; i++ {
		fb.Write(frame)
		f, err := fb.Next()
		require.NoError(t, err)
		require.NotNil(t, f)
	}
	assert.LessOrEqual(t, len(fb.buf), compactThreshold+len(frame))

	fb.Write([]byte{0x81})
	fb.Reset()
	assert.Zero(t, fb.Buffered())
}
