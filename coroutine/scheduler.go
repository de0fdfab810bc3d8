package coroutine

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fzft/go-coroutine/dlist"
	"github.com/fzft/go-coroutine/log"
	"github.com/fzft/go-coroutine/poller"
	"github.com/fzft/go-coroutine/socket"
	"go.uber.org/zap"
)

// deadCacheMax bounds the finished coroutines kept for reuse by Spawn.
const deadCacheMax = 256

var (
	ErrStopped       = errors.New("coroutine: scheduler stopped")
	ErrKilled        = errors.New("coroutine: scheduler killed")
	ErrExclusiveBusy = errors.New("coroutine: another exclusive scheduler is running")
	ErrNotWaiting    = errors.New("coroutine: socket is not waited on by this coroutine")
	ErrTimeout       = errors.New("coroutine: timed out")
	ErrClosed        = errors.New("coroutine: socket closed while waiting")
)

type options struct {
	pollerOpts []poller.Option
	tick       time.Duration
	clock      clock.Clock
}

type Option func(*options)

// WithPoller passes options to the poller of the io sub-scheduler.
func WithPoller(opts ...poller.Option) Option {
	return func(o *options) { o.pollerOpts = append(o.pollerOpts, opts...) }
}

// WithTick sets the resolution of the fine timer wheel, 10ms by default.
func WithTick(d time.Duration) Option {
	return func(o *options) { o.tick = d }
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// Stats is a snapshot safe to take from any goroutine.
type Stats struct {
	Ready    int
	Suspend  int
	Dead     int
	Spawned  uint64
	Switches uint64
}

type counters struct {
	ready    atomic.Int64
	suspend  atomic.Int64
	dead     atomic.Int64
	spawned  atomic.Uint64
	switches atomic.Uint64
}

// Scheduler is single-threaded: apart from Kill, Killed, Stopped and Stats
// its methods must be called from the goroutine driving RunLoop or from its
// coroutines.
type Scheduler struct {
	opts options

	original Coroutine
	running  *Coroutine
	ready    dlist.List[*Coroutine]
	suspend  dlist.List[*Coroutine]
	dead     dlist.List[*Coroutine]

	// back hands control from a coroutine to the RunLoop goroutine
	back      chan struct{}
	exclusive bool

	stopped atomic.Bool
	killed  atomic.Bool
	io      atomic.Pointer[ioScheduler]
	stats   counters
}

func New(opts ...Option) *Scheduler {
	o := options{tick: 10 * time.Millisecond}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	s := &Scheduler{opts: o, back: make(chan struct{})}
	s.original.sched = s
	s.original.wait.sock = socket.Invalid
	s.running = &s.original
	return s
}

func (s *Scheduler) counter(l *dlist.List[*Coroutine]) *atomic.Int64 {
	switch l {
	case &s.ready:
		return &s.stats.ready
	case &s.suspend:
		return &s.stats.suspend
	}
	return &s.stats.dead
}

func (s *Scheduler) link(l *dlist.List[*Coroutine], co *Coroutine) {
	l.LinkTail(&co.node)
	s.counter(l).Add(1)
}

func (s *Scheduler) unlink(co *Coroutine) {
	if l := co.node.List(); l != nil {
		_ = l.RemoveNode(&co.node)
		s.counter(l).Add(-1)
	}
}

// Spawn queues fn on the ready queue. stackSize is accepted for
// compatibility; goroutine stacks grow on demand.
func (s *Scheduler) Spawn(fn Func, priv any, stackSize int) error {
	if fn == nil {
		panic("coroutine: nil func")
	}
	if s.stopped.Load() {
		return ErrStopped
	}

	var co *Coroutine
	if node := s.dead.Head; node != nil {
		co = node.Value
		s.unlink(co)
	} else {
		co = newCoroutine(s)
	}
	co.fn, co.priv, co.rs = fn, priv, nil
	s.link(&s.ready, co)
	s.stats.spawned.Add(1)
	return nil
}

// RunLoop switches into ready coroutines in FIFO order until none is left,
// then marks the scheduler stopped. It returns ErrKilled when Kill was
// called. A panic inside a coroutine is re-raised here as *PanicError.
//
// exclusive binds the scheduler to a process-wide slot that Current
// falls back to from any goroutine.
func (s *Scheduler) RunLoop(exclusive bool) error {
	if exclusive {
		if !exclusiveSlot.CompareAndSwap(nil, s) {
			return ErrExclusiveBusy
		}
		defer exclusiveSlot.CompareAndSwap(s, nil)
	} else {
		defer bind(s)()
	}
	s.exclusive = exclusive

	log.Logger.Debug("scheduler loop started", zap.Bool("exclusive", exclusive), zap.Int("ready", s.ready.Len()))
	for {
		node := s.ready.Head
		if node == nil {
			break
		}
		co := node.Value
		s.unlink(co)
		s.switchTo(co)

		if p := co.panic; p != nil {
			co.panic = nil
			s.stopped.Store(true)
			log.Logger.Error("coroutine panicked", zap.Any("value", p.Value))
			panic(p)
		}
	}
	s.stopped.Store(true)
	log.Logger.Debug("scheduler loop stopped", zap.Bool("killed", s.killed.Load()), zap.Int("suspend", s.suspend.Len()))

	if s.killed.Load() {
		return ErrKilled
	}
	return nil
}

func (s *Scheduler) switchTo(co *Coroutine) {
	s.running = co
	s.stats.switches.Add(1)
	if co.started {
		co.wake <- wakeRun
	} else {
		co.started = true
		go co.main()
	}
	<-s.back
	s.running = &s.original
}

// switchBack parks the running coroutine until the scheduler switches into
// it again. The caller has already queued it where it belongs.
func (s *Scheduler) switchBack(co *Coroutine) {
	s.back <- struct{}{}
	<-co.wake
}

// finish runs on the coroutine goroutine once the entry returned.
func (s *Scheduler) finish(co *Coroutine) {
	if io := s.io.Load(); io != nil {
		io.release(co)
	}
	if co.exited || s.dead.Len() >= deadCacheMax {
		co.exited = true
		return
	}
	s.link(&s.dead, co)
}

func (s *Scheduler) Self() *Coroutine {
	co := s.running
	if co == &s.original {
		panic("coroutine: not called from a coroutine")
	}
	return co
}

// Yield moves the running coroutine to the ready tail and lets the others
// run. It returns false without switching when no other coroutine is ready.
func (s *Scheduler) Yield() bool {
	co := s.Self()
	if s.ready.Len() == 0 {
		return false
	}
	s.link(&s.ready, co)
	s.switchBack(co)
	return true
}

// Suspend parks the running coroutine until Resume, handing priv to the
// resumer, and returns the value Resume passed. It returns nil at once on
// a stopped scheduler.
func (s *Scheduler) Suspend(priv any) any {
	co := s.Self()
	if s.stopped.Load() {
		return nil
	}
	co.rs = priv
	s.link(&s.suspend, co)
	s.switchBack(co)

	rs := co.rs
	co.rs = nil
	return rs
}

// Resume moves a suspended coroutine to the ready queue, passing priv as
// the result of its Suspend, and returns the value it suspended with.
func (s *Scheduler) Resume(co *Coroutine, priv any) any {
	if co.node.List() != &s.suspend {
		panic("coroutine: resume of a coroutine that is not suspended")
	}
	if co.wait.mode != waitNone {
		s.io.Load().unwait(co)
	}
	s.unlink(co)
	rs := co.rs
	co.rs = priv
	s.link(&s.ready, co)
	return rs
}

// Kill stops the scheduler and unblocks the io sub-scheduler. Sockets and
// timer waits return ErrStopped; RunLoop returns ErrKilled once the ready
// queue drained. Safe from any goroutine.
func (s *Scheduler) Kill() {
	if !s.killed.CompareAndSwap(false, true) {
		return
	}
	s.stopped.Store(true)
	if io := s.io.Load(); io != nil {
		io.kill()
	}
	log.Logger.Debug("scheduler killed")
}

func (s *Scheduler) Killed() bool {
	return s.killed.Load()
}

func (s *Scheduler) Stopped() bool {
	return s.stopped.Load()
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		Ready:    int(s.stats.ready.Load()),
		Suspend:  int(s.stats.suspend.Load()),
		Dead:     int(s.stats.dead.Load()),
		Spawned:  s.stats.spawned.Load(),
		Switches: s.stats.switches.Load(),
	}
}

// Exit releases a stopped scheduler. It panics when coroutines are still
// ready or suspended.
func (s *Scheduler) Exit() error {
	if !s.stopped.Load() {
		panic("coroutine: exit of a running scheduler")
	}
	if s.ready.Len() != 0 || s.suspend.Len() != 0 {
		panic("coroutine: exit with ready or suspended coroutines")
	}
	for node := s.dead.Head; node != nil; node = s.dead.Head {
		co := node.Value
		s.unlink(co)
		if co.started && !co.exited {
			co.wake <- wakeExit
		}
	}
	if io := s.io.Swap(nil); io != nil {
		return io.close()
	}
	return nil
}

func (s *Scheduler) ioSched() (*ioScheduler, error) {
	if io := s.io.Load(); io != nil {
		return io, nil
	}
	io, err := newIO(s)
	if err != nil {
		return nil, err
	}
	s.io.Store(io)
	// a Kill racing the store missed it
	if s.stopped.Load() {
		io.kill()
	}
	return io, nil
}

// Sleep suspends the running coroutine for at least d. A negative d sleeps
// until Resume; zero only yields.
func (s *Scheduler) Sleep(d time.Duration) error {
	co := s.Self()
	if s.stopped.Load() {
		return ErrStopped
	}
	if d == 0 {
		s.Yield()
		return nil
	}
	io, err := s.ioSched()
	if err != nil {
		return err
	}
	return io.sleep(co, d)
}

// Wait suspends the running coroutine until sock is ready for events or
// timeout elapses (negative waits forever). It returns the ready events,
// 0 on timeout, or ErrStopped once the scheduler stopped.
func (s *Scheduler) Wait(sock socket.Socket, events poller.Events, timeout time.Duration) (poller.Events, error) {
	co := s.Self()
	if s.stopped.Load() {
		return 0, ErrStopped
	}
	io, err := s.ioSched()
	if err != nil {
		return 0, err
	}
	return io.wait(co, sock, events, timeout)
}

// Cancel drops the running coroutine's registration of sock.
func (s *Scheduler) Cancel(sock socket.Socket) error {
	co := s.Self()
	io := s.io.Load()
	if io == nil || co.wait.sock != sock {
		return ErrNotWaiting
	}
	return io.cancel(co)
}
