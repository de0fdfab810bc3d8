//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly
// +build linux darwin freebsd netbsd openbsd dragonfly

package poller

import (
	"math"
	"os"

	"golang.org/x/sys/unix"
)

// maxEventsBase bounds the ceiling used to size the events buffer so a huge
// RLIMIT_NOFILE does not translate into a huge allocation.
const maxEventsBase = 1 << 16

type entry struct {
	priv   any
	events Events
	used   bool
}

// table maps a socket fd to its registration. It is indexed directly by fd
// and grows on demand up to limit.
type table struct {
	items []entry
	count int
	limit int
}

func newTable(limit int) *table {
	return &table{limit: limit}
}

func (t *table) set(fd int, priv any, events Events) {
	if fd >= len(t.items) {
		size := fd*2 + 1
		if size > t.limit {
			size = t.limit
		}
		items := make([]entry, size)
		copy(items, t.items)
		t.items = items
	}
	if !t.items[fd].used {
		t.count++
	}
	t.items[fd] = entry{priv: priv, events: events, used: true}
}

func (t *table) get(fd int) (entry, bool) {
	if fd < 0 || fd >= len(t.items) || !t.items[fd].used {
		return entry{}, false
	}
	return t.items[fd], true
}

func (t *table) del(fd int) {
	if fd < 0 || fd >= len(t.items) || !t.items[fd].used {
		return
	}
	t.items[fd] = entry{}
	t.count--
}

func (t *table) each(fn func(fd int, e entry)) {
	for fd := range t.items {
		if t.items[fd].used {
			fn(fd, t.items[fd])
		}
	}
}

// fdLimit returns the soft RLIMIT_NOFILE.
func fdLimit() (int, error) {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return 0, os.NewSyscallError("getrlimit", err)
	}
	if rl.Cur > math.MaxInt32 {
		return math.MaxInt32, nil
	}
	return int(rl.Cur), nil
}

func align8(n int) int {
	return (n + 7) &^ 7
}

// growStep is the events buffer increment: one eighth of the fd ceiling,
// rounded up to a multiple of 8.
func growStep(limit int) int {
	if limit > maxEventsBase {
		limit = maxEventsBase
	}
	return align8(limit>>3 + 1)
}

// nextSize is the events buffer size after a wait filled a buffer of size cur.
func nextSize(cur, limit int) int {
	n := cur + growStep(limit)
	if n > limit {
		n = limit
	}
	if n < cur {
		n = cur
	}
	return n
}
