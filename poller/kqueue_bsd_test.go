//go:build darwin || freebsd || openbsd || dragonfly
// +build darwin freebsd openbsd dragonfly

package poller

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

type change struct {
	filter int
	flags  int
}

func changesOf(evs []unix.Kevent_t) []change {
	var out []change
	for _, ev := range evs {
		out = append(out, change{int(ev.Filter), int(ev.Flags)})
	}
	return out
}

func TestKqueueChangesDiff(t *testing.T) {
	add := unix.EV_ADD | unix.EV_ENABLE

	assert.Equal(t, []change{{unix.EVFILT_READ, add}}, changesOf(kqueueChanges(3, EventNone, EventRecv)))

	// only the write filter is added
	assert.Equal(t, []change{{unix.EVFILT_WRITE, add}}, changesOf(kqueueChanges(3, EventRecv, EventRecvSend)))

	// only the read filter is deleted
	assert.Equal(t, []change{{unix.EVFILT_READ, unix.EV_DELETE}}, changesOf(kqueueChanges(3, EventRecvSend, EventSend)))

	// same mask, nothing to submit
	assert.Empty(t, kqueueChanges(3, EventRecv, EventRecv))

	// flag change re-adds every wanted filter
	assert.Equal(t, []change{{unix.EVFILT_READ, add | unix.EV_CLEAR}}, changesOf(kqueueChanges(3, EventRecv, EventRecv|EventClear)))

	// oneshot is always re-armed
	assert.Equal(t, []change{{unix.EVFILT_READ, add | unix.EV_ONESHOT}}, changesOf(kqueueChanges(3, EventRecv|EventOneshot, EventRecv|EventOneshot)))
}

func TestFromKevent(t *testing.T) {
	assert.Equal(t, EventRecv, fromKevent(unix.EVFILT_READ, 0))
	assert.Equal(t, EventSend, fromKevent(unix.EVFILT_WRITE, 0))
	assert.Equal(t, EventRecv|EventEOF, fromKevent(unix.EVFILT_READ, unix.EV_EOF))
	assert.Equal(t, EventRecvSend|EventError, fromKevent(0, unix.EV_ERROR))
	assert.Equal(t, EventSend|EventError, fromKevent(unix.EVFILT_WRITE, unix.EV_ERROR))
}

func TestMergeKeventsNonAdjacent(t *testing.T) {
	evs := make([]unix.Kevent_t, 4)
	unix.SetKevent(&evs[0], 5, unix.EVFILT_READ, 0)
	unix.SetKevent(&evs[1], 7, unix.EVFILT_READ, 0)
	unix.SetKevent(&evs[2], 5, unix.EVFILT_WRITE, 0)
	unix.SetKevent(&evs[3], 7, unix.EVFILT_READ, unix.EV_EOF)

	index := map[int]int{9: 0}
	ready := mergeKevents(nil, index, evs)
	assert.Equal(t, []readyFD{{5, EventRecvSend}, {7, EventRecv | EventEOF}}, ready)
	assert.Len(t, index, 2)

	// reused buffers start over
	ready = mergeKevents(ready[:0], index, evs[1:2])
	assert.Equal(t, []readyFD{{7, EventRecv}}, ready)
}
