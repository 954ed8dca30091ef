package wsnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaggedFrameRoundTrip(t *testing.T) {
	data := encodeTagged(0xdeadbeef12345678, []byte("payload"))
	f, err := decodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, frameTagged, f.kind)
	assert.Equal(t, uint64(0xdeadbeef12345678), f.tag)
	assert.Equal(t, "payload", string(f.payload))
}

func TestStreamFrameRoundTrip(t *testing.T) {
	data := encodeStream([]byte{1, 2, 3, 4})
	f, err := decodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, frameStream, f.kind)
	assert.Equal(t, []byte{1, 2, 3, 4}, f.payload)
}

func TestTaggedFrameEmptyPayload(t *testing.T) {
	f, err := decodeFrame(encodeTagged(7, nil))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), f.tag)
	assert.Empty(t, f.payload)
}

func TestDecodeFrameRejectsGarbage(t *testing.T) {
	_, err := decodeFrame(nil)
	assert.Error(t, err)
	_, err = decodeFrame([]byte{frameTagged, 1, 2})
	assert.Error(t, err)
	_, err = decodeFrame([]byte{0x7f})
	assert.Error(t, err)
}
