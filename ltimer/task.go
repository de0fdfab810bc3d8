package ltimer

import (
	"github.com/fzft/go-coroutine/dlist"
)

// task is owned by the wheel (placed in a slot or firing), by a
// TaskHandle, or by both. It returns to the arena once neither owns it.
type task struct {
	node dlist.ListNode[*task]
	slot int

	fn     Func
	priv   any
	when   int64
	period int64
	repeat bool
	killed bool

	wheel    bool
	handle   bool
	inflight bool
	// rearm delivers a kill that arrived while the callback was running
	rearm bool

	inuse    bool
	gen      uint32
	nextFree *task
}

func (tk *task) placed() bool {
	return tk.node.List() != nil
}

// arena hands out tasks from chunks of grow entries. A positive max bounds
// the total number of tasks.
type arena struct {
	grow   int
	max    int
	chunks [][]task
	free   *task
	total  int
	used   int
}

func newArena(grow, max int) *arena {
	return &arena{grow: grow, max: max}
}

func (a *arena) alloc() (*task, error) {
	if a.free == nil {
		n := a.grow
		if a.max > 0 {
			if a.total >= a.max {
				return nil, ErrPoolExhausted
			}
			if a.total+n > a.max {
				n = a.max - a.total
			}
		}
		chunk := make([]task, n)
		for i := n - 1; i >= 0; i-- {
			chunk[i].nextFree = a.free
			a.free = &chunk[i]
		}
		a.chunks = append(a.chunks, chunk)
		a.total += n
	}

	tk := a.free
	a.free = tk.nextFree
	tk.nextFree = nil
	tk.inuse = true
	tk.node.Value = tk
	a.used++
	return tk, nil
}

// release bumps the generation so stale handles and in-flight batch
// entries no longer match.
func (a *arena) release(tk *task) {
	gen := tk.gen + 1
	*tk = task{gen: gen, nextFree: a.free}
	a.free = tk
	a.used--
}

// reset releases every task in use.
func (a *arena) reset() {
	for _, chunk := range a.chunks {
		for i := range chunk {
			if chunk[i].inuse {
				a.release(&chunk[i])
			}
		}
	}
}

// TaskHandle is the caller's reference to a scheduled task. The zero value
// is an inert handle.
type TaskHandle struct {
	timer *Timer
	task  *task
	gen   uint32
}

func (h TaskHandle) owned() bool {
	return h.task != nil && h.task.gen == h.gen && h.task.handle
}

// Exit gives up the handle. A pending task is cancelled without firing; a
// task whose callback is running finishes that call and never fires again.
func (h TaskHandle) Exit() {
	if h.timer == nil {
		return
	}
	t := h.timer
	t.mu.Lock()
	defer t.mu.Unlock()

	if !h.owned() {
		return
	}
	tk := h.task
	tk.handle = false
	if !tk.wheel {
		t.pool.release(tk)
		return
	}
	tk.fn, tk.priv = nil, nil
	tk.repeat, tk.rearm = false, false
	if tk.placed() {
		t.del(tk)
		t.drop(tk)
	}
}

// Kill cancels a pending task. It fires once more on a following Spak with
// killed set, and never again. Killing a task that already expired is a
// no-op.
func (h TaskHandle) Kill() {
	if h.timer == nil {
		return
	}
	t := h.timer
	t.mu.Lock()
	defer t.mu.Unlock()

	if !h.owned() {
		return
	}
	tk := h.task
	if !tk.wheel || tk.killed || tk.rearm {
		return
	}
	if tk.inflight {
		if tk.repeat {
			tk.repeat = false
			tk.killed = true
			tk.rearm = true
		}
		return
	}
	t.del(tk)
	tk.killed = true
	tk.repeat = false
	tk.when = t.clock.now()
	t.add(tk)
}

// Pending reports whether the task will still fire.
func (h TaskHandle) Pending() bool {
	if h.timer == nil {
		return false
	}
	h.timer.mu.Lock()
	defer h.timer.mu.Unlock()
	tk := h.task
	if !h.owned() || !tk.wheel || tk.fn == nil {
		return false
	}
	return !tk.inflight || tk.repeat || tk.rearm
}
