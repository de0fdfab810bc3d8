//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly
// +build linux darwin freebsd netbsd openbsd dragonfly

package poller

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTableGrowth(t *testing.T) {
	tb := newTable(100)
	tb.set(3, "a", EventRecv)
	assert.Len(t, tb.items, 7)
	tb.set(60, "b", EventSend)
	assert.Len(t, tb.items, 100)
	assert.Equal(t, 2, tb.count)

	e, ok := tb.get(60)
	assert.True(t, ok)
	assert.Equal(t, "b", e.priv)
	assert.Equal(t, EventSend, e.events)

	tb.set(3, "c", EventRecv)
	assert.Equal(t, 2, tb.count)

	tb.del(3)
	tb.del(3)
	assert.Equal(t, 1, tb.count)
	_, ok = tb.get(3)
	assert.False(t, ok)
	_, ok = tb.get(-1)
	assert.False(t, ok)
	_, ok = tb.get(1000)
	assert.False(t, ok)
}

func TestGrowStep(t *testing.T) {
	assert.Equal(t, 0, align8(0))
	assert.Equal(t, 8, align8(1))
	assert.Equal(t, 136, growStep(1024))
	assert.Equal(t, 40, growStep(256))
	assert.Equal(t, growStep(maxEventsBase), growStep(1<<20))

	assert.Equal(t, 80, nextSize(40, 256))
	assert.Equal(t, 256, nextSize(240, 256))
}
