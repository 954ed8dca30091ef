package conn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/webitel/conn-runtime/internal/provider"
)

func TestReqList(t *testing.T) {
	var l reqList
	assert.True(t, l.empty())

	a, b, c := &provider.Request{}, &provider.Request{}, &provider.Request{}
	l.push(a)
	l.push(b)
	l.push(c)
	assert.Equal(t, 3, l.len())

	// Middle, head, tail.
	l.remove(b)
	assert.Equal(t, 2, l.len())
	l.remove(c)
	l.remove(a)
	assert.True(t, l.empty())
	assert.Nil(t, l.head)
}

func TestRemoveConnectionAbsentIsNoop(t *testing.T) {
	e := &Engine{byID: make(map[uint32]*Conn)}
	e.removeConnection(42)

	c := &Conn{id: 7}
	e.byID[c.id] = c
	e.removeConnection(7)
	e.removeConnection(7)
	assert.Empty(t, e.byID)
}
