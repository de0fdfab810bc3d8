// Package ltimer is a hashed timer wheel with millisecond resolution.
//
// Tasks are bucketed into a power-of-two ring of slots by due tick. Spak
// advances the wheel and runs the callbacks of every slot it passed, outside
// the wheel lock. Tasks may be added, killed or released from any goroutine;
// Spak and Loop are meant to be driven by a single goroutine.
package ltimer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/eapache/queue"
	"github.com/fzft/go-coroutine/dlist"
	"github.com/fzft/go-coroutine/log"
	"go.uber.org/zap"
)

const (
	DefaultSlots = 8192
	DefaultGrow  = 64
)

var (
	ErrKilled        = errors.New("ltimer: killed")
	ErrPoolExhausted = errors.New("ltimer: task pool exhausted")
	ErrBeyondHorizon = errors.New("ltimer: task due beyond the wheel horizon")
	ErrInvalidTick   = errors.New("ltimer: tick must be at least one millisecond")
	ErrInvalidSlots  = errors.New("ltimer: slot count must be a power of two")
)

// Func is a task callback. killed is set on the delivery caused by
// TaskHandle.Kill.
type Func func(killed bool, priv any)

type options struct {
	clock    clock.Clock
	slots    int
	grow     int
	maxTasks int
}

type Option func(*options)

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithSlots sets the wheel size. The horizon is slots*tick.
func WithSlots(n int) Option {
	return func(o *options) { o.slots = n }
}

// WithGrow sets how many tasks the pool allocates at once.
func WithGrow(n int) Option {
	return func(o *options) { o.grow = n }
}

// WithMaxTasks bounds the pool; adding beyond it fails with ErrPoolExhausted.
func WithMaxTasks(n int) Option {
	return func(o *options) { o.maxTasks = n }
}

type expiredTask struct {
	task *task
	gen  uint32
}

type Timer struct {
	mu      sync.Mutex
	clock   *wheelClock
	tick    int64
	slots   []dlist.List[*task]
	mask    int64
	btime   int64
	wbase   int64
	pool    *arena
	pending int

	spakMu  sync.Mutex
	expired *queue.Queue

	stopped atomic.Bool
	loops   sync.WaitGroup
}

// New creates a wheel ticking every tick. cached makes task additions use
// the time sampled by the last Spak instead of reading the clock.
func New(tick time.Duration, cached bool, opts ...Option) (*Timer, error) {
	o := options{slots: DefaultSlots, grow: DefaultGrow}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if tick < time.Millisecond {
		return nil, ErrInvalidTick
	}
	if o.slots <= 0 || o.slots&(o.slots-1) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSlots, o.slots)
	}
	if o.grow < 16 {
		o.grow = 16
	}

	t := &Timer{
		clock:   newWheelClock(o.clock, cached),
		tick:    tick.Milliseconds(),
		slots:   make([]dlist.List[*task], o.slots),
		mask:    int64(o.slots - 1),
		pool:    newArena(o.grow, o.maxTasks),
		expired: queue.New(),
	}
	t.btime = t.clock.refresh()
	return t, nil
}

// Limit is the horizon: tasks must be due within Limit of the wheel base.
func (t *Timer) Limit() time.Duration {
	return time.Duration(int64(len(t.slots))*t.tick) * time.Millisecond
}

// Delay is the tick.
func (t *Timer) Delay() time.Duration {
	return time.Duration(t.tick) * time.Millisecond
}

// Now is the wheel time, cached or not, as an offset from creation.
func (t *Timer) Now() time.Duration {
	return time.Duration(t.clock.now()) * time.Millisecond
}

// Len is the number of tasks the wheel still has to fire.
func (t *Timer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

func (t *Timer) Killed() bool {
	return t.stopped.Load()
}

// slotFor panics with ErrBeyondHorizon when when lies past the horizon.
func (t *Timer) slotFor(when int64) int {
	tdiff := when - t.btime
	if tdiff < 0 {
		tdiff = 0
	}
	wdiff := tdiff / t.tick
	if wdiff >= int64(len(t.slots)) {
		panic(fmt.Errorf("%w: due in %dms, horizon %dms", ErrBeyondHorizon, tdiff, int64(len(t.slots))*t.tick))
	}
	return int((t.wbase + wdiff) & t.mask)
}

func (t *Timer) add(tk *task) {
	tk.slot = t.slotFor(tk.when)
	t.slots[tk.slot].LinkTail(&tk.node)
}

func (t *Timer) del(tk *task) {
	if err := t.slots[tk.slot].RemoveNode(&tk.node); err != nil {
		panic(fmt.Sprintf("ltimer: task not in slot %d", tk.slot))
	}
}

// drop ends the wheel's ownership of tk.
func (t *Timer) drop(tk *task) {
	tk.wheel = false
	tk.inflight = false
	t.pending--
	if !tk.handle {
		t.pool.release(tk)
	}
}

func (t *Timer) post(when, period int64, repeat bool, fn Func, priv any, handle bool) (*task, error) {
	if fn == nil {
		panic("ltimer: nil task func")
	}
	if t.stopped.Load() {
		return nil, ErrKilled
	}
	if repeat && period >= int64(len(t.slots)-1)*t.tick {
		panic(fmt.Errorf("%w: period %dms", ErrBeyondHorizon, period))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// nothing pending, move to the wheel head
	if t.pending == 0 {
		t.btime = t.clock.now()
		t.wbase = 0
	}
	slot := t.slotFor(when)

	tk, err := t.pool.alloc()
	if err != nil {
		return nil, err
	}
	tk.fn, tk.priv = fn, priv
	tk.when, tk.period, tk.repeat = when, period, repeat
	tk.wheel, tk.handle = true, handle
	tk.slot = slot
	t.slots[slot].LinkTail(&tk.node)
	t.pending++
	return tk, nil
}

// Post runs fn once delay from now, then every delay when repeat is set.
func (t *Timer) Post(delay time.Duration, repeat bool, fn Func, priv any) error {
	_, err := t.post(t.clock.now()+delay.Milliseconds(), delay.Milliseconds(), repeat, fn, priv, false)
	return err
}

func (t *Timer) PostAt(when time.Time, period time.Duration, repeat bool, fn Func, priv any) error {
	_, err := t.post(t.clock.at(when), period.Milliseconds(), repeat, fn, priv, false)
	return err
}

func (t *Timer) PostAfter(after, period time.Duration, repeat bool, fn Func, priv any) error {
	_, err := t.post(t.clock.now()+after.Milliseconds(), period.Milliseconds(), repeat, fn, priv, false)
	return err
}

func (t *Timer) handle(tk *task, err error) (TaskHandle, error) {
	if err != nil {
		return TaskHandle{}, err
	}
	return TaskHandle{timer: t, task: tk, gen: tk.gen}, nil
}

// Schedule is Post returning a handle the caller must Exit.
func (t *Timer) Schedule(delay time.Duration, repeat bool, fn Func, priv any) (TaskHandle, error) {
	return t.handle(t.post(t.clock.now()+delay.Milliseconds(), delay.Milliseconds(), repeat, fn, priv, true))
}

func (t *Timer) ScheduleAt(when time.Time, period time.Duration, repeat bool, fn Func, priv any) (TaskHandle, error) {
	return t.handle(t.post(t.clock.at(when), period.Milliseconds(), repeat, fn, priv, true))
}

func (t *Timer) ScheduleAfter(after, period time.Duration, repeat bool, fn Func, priv any) (TaskHandle, error) {
	return t.handle(t.post(t.clock.now()+after.Milliseconds(), period.Milliseconds(), repeat, fn, priv, true))
}

// Spak advances the wheel to the current time and fires what expired. It
// returns false once the timer was killed.
func (t *Timer) Spak() bool {
	if t.stopped.Load() {
		return false
	}
	t.spakMu.Lock()
	defer t.spakMu.Unlock()

	now := t.clock.refresh()

	t.mu.Lock()
	if now-t.btime < t.tick {
		t.mu.Unlock()
		return true
	}
	if t.pending == 0 {
		t.btime, t.wbase = now, 0
		t.mu.Unlock()
		return true
	}

	// reap the slots the base passes over, a slot due at the new base stays
	diff := (now - t.btime) / t.tick
	n := int64(len(t.slots))
	if diff < n {
		n = diff
	}
	for i := int64(0); i < n; i++ {
		slot := &t.slots[(t.wbase+i)&t.mask]
		for node := slot.PopHead(); node != nil; node = slot.PopHead() {
			tk := node.Value
			tk.inflight = true
			t.expired.Add(expiredTask{task: tk, gen: tk.gen})
		}
	}
	t.btime += diff * t.tick
	t.wbase = (t.wbase + diff) & t.mask
	t.mu.Unlock()

	for t.expired.Length() > 0 {
		t.fire(t.expired.Remove().(expiredTask), now)
	}
	return true
}

func (t *Timer) fire(e expiredTask, now int64) {
	tk := e.task

	t.mu.Lock()
	if tk.gen != e.gen {
		t.mu.Unlock()
		return
	}
	fn, priv, killed := tk.fn, tk.priv, tk.killed
	if killed {
		tk.rearm = false
	}
	t.mu.Unlock()

	if fn != nil {
		fn(killed, priv)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if tk.gen != e.gen {
		return
	}
	switch {
	case tk.rearm && tk.fn != nil:
		tk.rearm = false
		tk.inflight = false
		tk.when = now
		t.add(tk)
	case tk.repeat && tk.fn != nil:
		tk.inflight = false
		tk.when = now + tk.period
		t.add(tk)
	default:
		t.drop(tk)
	}
}

// Loop sleeps one tick and spaks until the timer is killed.
func (t *Timer) Loop() {
	t.loops.Add(1)
	defer t.loops.Done()

	log.Logger.Debug("ltimer loop started", zap.Duration("tick", t.Delay()))
	for !t.stopped.Load() {
		t.clock.clock.Sleep(t.Delay())
		if !t.Spak() {
			break
		}
	}
	log.Logger.Debug("ltimer loop stopped")
}

// Kill stops Loop and makes later Spak and Post calls fail.
func (t *Timer) Kill() {
	t.stopped.Store(true)
}

// Clear drops every task. Outstanding handles become inert.
func (t *Timer) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.btime = t.clock.now()
	t.wbase = 0
	for i := range t.slots {
		t.slots[i].Empty()
	}
	t.pool.reset()
	t.pending = 0
}

// Exit kills the timer, waits for running loops and clears it.
func (t *Timer) Exit() {
	t.Kill()
	t.loops.Wait()
	t.Clear()
}
