package conn_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/webitel/conn-runtime/internal/conn"
)

func TestDataTagRoundTrip(t *testing.T) {
	cases := []struct {
		connID uint32
		sn     uint32
	}{
		{0, 0},
		{1, 0},
		{0, 1},
		{42, 7},
		{0xffffffff, 0xffffffff},
		{0x80000000, 0x7fffffff},
	}
	for _, tc := range cases {
		tag := conn.DataTag(tc.connID, tc.sn)
		assert.Equal(t, tc.connID, conn.TagConnID(tag), "conn id for %#x", tag)
		assert.Equal(t, tc.sn, conn.TagSeq(tag), "sn for %#x", tag)
		assert.False(t, conn.TagIsIOMsg(tag))
	}
}

func TestIOMsgTag(t *testing.T) {
	tag := conn.IOMsgTag(42, 7)
	assert.True(t, conn.TagIsIOMsg(tag))
	assert.Equal(t, uint32(42), conn.TagConnID(tag))
	assert.Equal(t, uint32(7), conn.TagSeq(tag))

	// The control receive's match/mask pair selects any conn, any sn.
	assert.Equal(t, conn.IOMsgTagMatch, tag&conn.IOMsgTagMask)
	data := conn.DataTag(42, 7)
	assert.NotEqual(t, conn.IOMsgTagMatch, data&conn.IOMsgTagMask)
}

func TestTagDistinct(t *testing.T) {
	// Same id/sn on the two channels never collide.
	assert.NotEqual(t, conn.DataTag(1, 1), conn.IOMsgTag(1, 1))
}
