package coroutine

import (
	"errors"
	"time"

	"github.com/fzft/go-coroutine/dlist"
	"github.com/fzft/go-coroutine/log"
	"github.com/fzft/go-coroutine/ltimer"
	"github.com/fzft/go-coroutine/poller"
	"github.com/fzft/go-coroutine/socket"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	fineSlots   = 4096
	coarseSlots = 4096
	coarseTick  = time.Second
)

type timedOut struct{}

// ioScheduler suspends coroutines on socket readiness and timeouts. Its
// loop runs as a coroutine of the owning scheduler, started on demand and
// ending once nothing waits.
type ioScheduler struct {
	sched   *Scheduler
	poller  *poller.Poller
	fine    *ltimer.Timer
	coarse  *ltimer.Timer
	clear   bool
	running bool
	waiters int
}

func newIO(s *Scheduler) (_ *ioScheduler, err error) {
	io := &ioScheduler{sched: s}
	defer func() {
		if err != nil {
			_ = io.close()
		}
	}()

	if io.fine, err = ltimer.New(s.opts.tick, true, ltimer.WithClock(s.opts.clock), ltimer.WithSlots(fineSlots)); err != nil {
		return nil, err
	}
	if io.coarse, err = ltimer.New(coarseTick, true, ltimer.WithClock(s.opts.clock), ltimer.WithSlots(coarseSlots)); err != nil {
		return nil, err
	}
	if io.poller, err = poller.New(s, s.opts.pollerOpts...); err != nil {
		return nil, err
	}
	io.clear = io.poller.Support(poller.EventClear)

	log.Logger.Debug("io scheduler created", zap.Stringer("backend", io.poller.Backend()), zap.Bool("edge", io.clear))
	return io, nil
}

func (io *ioScheduler) close() error {
	var err error
	if io.poller != nil {
		err = multierr.Append(err, io.poller.Close())
	}
	if io.fine != nil {
		io.fine.Exit()
	}
	if io.coarse != nil {
		io.coarse.Exit()
	}
	return err
}

func (io *ioScheduler) kill() {
	io.fine.Kill()
	io.coarse.Kill()
	io.poller.Kill()
}

func (io *ioScheduler) spak() bool {
	fine := io.fine.Spak()
	coarse := io.coarse.Spak()
	return fine && coarse
}

func (io *ioScheduler) start() {
	if io.running {
		return
	}
	if err := io.sched.Spawn(io.loop, nil, 0); err != nil {
		return
	}
	io.running = true
}

func (io *ioScheduler) loop(any) {
	s := io.sched
	log.Logger.Debug("io loop started", zap.Int("waiters", io.waiters))
	defer func() {
		io.running = false
		log.Logger.Debug("io loop stopped", zap.Int("waiters", io.waiters))
	}()

	var err error
	for !s.stopped.Load() {
		for s.Yield() {
			if !io.spak() {
				break
			}
		}
		if s.stopped.Load() || io.waiters == 0 {
			break
		}

		timeout := time.Duration(-1)
		switch {
		case io.fine.Len() > 0:
			timeout = io.fine.Delay()
		case io.coarse.Len() > 0:
			timeout = io.coarse.Delay()
		}
		if _, err = io.poller.Wait(io.events, timeout); err != nil {
			break
		}
		if !io.spak() {
			break
		}
	}

	switch {
	case s.stopped.Load() || errors.Is(err, poller.ErrKilled):
		io.wakeAll(ErrStopped)
	case err != nil:
		log.Logger.Error("io loop wait", zap.Error(err))
		io.wakeAll(err)
	}
}

// wakeAll resumes every coroutine blocked in Sleep or Wait with err.
func (io *ioScheduler) wakeAll(err error) {
	s := io.sched
	it := s.suspend.Iter(dlist.DIRECTION_HEAD)
	for node := it.Next(); node != nil; node = it.Next() {
		if co := node.Value; co.wait.mode != waitNone {
			s.Resume(co, err)
		}
	}
}

func (io *ioScheduler) events(p *poller.Poller, sock socket.Socket, events poller.Events, priv any) {
	co := priv.(*Coroutine)
	w := &co.wait

	if w.mode == waitIO {
		// the edge will not be reported again, remember it
		if events&poller.EventEOF != 0 {
			events &^= poller.EventEOF
			w.cache |= w.events & poller.EventRecvSend
		}
		io.sched.Resume(co, events)
		return
	}

	if events&poller.EventEOF != 0 {
		events = events&^poller.EventEOF | poller.EventRecvSend
	}
	w.cache |= events
	// a level-triggered backend would keep reporting the socket
	if !io.clear {
		if err := io.poller.Remove(sock); err != nil {
			log.Logger.Debug("io park", zap.Stringer("sock", sock), zap.Error(err))
		}
		w.events = 0
	}
}

func (io *ioScheduler) timeout(killed bool, priv any) {
	co := priv.(*Coroutine)
	if co.wait.mode != waitNone {
		io.sched.Resume(co, timedOut{})
	}
}

// unwait clears the wait state of co, on every resume path.
func (io *ioScheduler) unwait(co *Coroutine) {
	co.wait.task.Exit()
	co.wait.task = ltimer.TaskHandle{}
	co.wait.mode = waitNone
	io.waiters--
}

// arm schedules the timeout of one suspension. Delays beyond the fine
// horizon go to the coarse wheel first, ending short of the deadline so the
// caller re-arms the rest on the fine wheel.
func (io *ioScheduler) arm(co *Coroutine, d time.Duration) error {
	timer := io.fine
	if d > io.fine.Limit()-2*io.fine.Delay() {
		timer = io.coarse
		d = (d - 2*coarseTick).Truncate(coarseTick)
		if max := timer.Limit() - 2*timer.Delay(); d > max {
			d = max
		}
	}
	h, err := timer.ScheduleAfter(d, 0, false, io.timeout, co)
	if err != nil {
		return err
	}
	co.wait.task = h
	return nil
}

// suspend parks co until a resume, arming a timeout when d >= 0.
func (io *ioScheduler) suspend(co *Coroutine, mode waitMode, d time.Duration) any {
	s := io.sched
	if d >= 0 {
		if err := io.arm(co, d); err != nil {
			return err
		}
	}
	co.wait.mode = mode
	io.waiters++
	io.start()

	var rs any
	if !s.stopped.Load() {
		rs = s.Suspend(nil)
	}
	// still set when Suspend returned without parking
	if co.wait.mode != waitNone {
		io.unwait(co)
	}
	if rs == nil && s.stopped.Load() {
		return ErrStopped
	}
	return rs
}

// refresh samples the clock for the wheels when the loop is not doing it.
func (io *ioScheduler) refresh() {
	if !io.running {
		io.spak()
	}
}

func (io *ioScheduler) sleep(co *Coroutine, d time.Duration) error {
	if d < 0 {
		if err, ok := io.suspend(co, waitSleep, -1).(error); ok {
			return err
		}
		return nil
	}

	io.refresh()
	deadline := io.sched.opts.clock.Now().Add(d)
	for left := d; ; left = io.sched.opts.clock.Until(deadline) {
		switch rs := io.suspend(co, waitSleep, left).(type) {
		case timedOut:
			if io.sched.opts.clock.Until(deadline) > 0 {
				continue
			}
			return nil
		case error:
			return rs
		default:
			// resumed by hand
			return nil
		}
	}
}

func (io *ioScheduler) wait(co *Coroutine, sock socket.Socket, events poller.Events, timeout time.Duration) (poller.Events, error) {
	events &= poller.EventRecvSend
	if events == 0 {
		panic("coroutine: wait needs recv or send events")
	}
	want := events
	if io.clear {
		want |= poller.EventClear
	}

	w := &co.wait
	if w.sock == sock {
		if got := w.cache & events; got != 0 {
			w.cache &^= events
			return got, nil
		}
		switch {
		case w.events == 0:
			if err := io.poller.Insert(sock, want, co); err != nil {
				return 0, err
			}
		case w.events != want:
			if err := io.poller.Modify(sock, want, co); err != nil {
				return 0, err
			}
		}
	} else {
		if prev := w.sock; prev.Valid() {
			if err := io.cancel(co); err != nil {
				log.Logger.Debug("io remove previous socket", zap.Stringer("sock", prev), zap.Error(err))
			}
		}
		if err := io.poller.Insert(sock, want, co); err != nil {
			return 0, err
		}
		w.sock = sock
	}
	w.events = want
	w.cache = 0

	clk := io.sched.opts.clock
	io.refresh()
	deadline := clk.Now().Add(timeout)
	for left := timeout; ; left = clk.Until(deadline) {
		switch rs := io.suspend(co, waitIO, left).(type) {
		case poller.Events:
			return rs, nil
		case timedOut:
			if timeout > 0 && clk.Until(deadline) > 0 {
				// chunked timeout, events may have been cached meanwhile
				if got := w.cache & events; got != 0 {
					w.cache &^= events
					return got, nil
				}
				if w.events == 0 {
					if err := io.poller.Insert(sock, want, co); err != nil {
						return 0, err
					}
					w.events = want
				}
				continue
			}
			return 0, nil
		case error:
			return 0, rs
		default:
			return 0, nil
		}
	}
}

// cancel drops the registration of the socket co waits on.
func (io *ioScheduler) cancel(co *Coroutine) error {
	w := &co.wait
	var err error
	if w.events != 0 {
		err = io.poller.Remove(w.sock)
	}
	w.sock, w.events, w.cache = socket.Invalid, 0, 0
	return err
}

// drop forgets sock in whichever coroutine holds it. A holder blocked on
// it is resumed with ErrClosed.
func (io *ioScheduler) drop(sock socket.Socket) {
	if !sock.Valid() {
		return
	}
	s := io.sched
	owners := make([]*Coroutine, 0, 1)
	if priv, ok := io.poller.Lookup(sock); ok {
		if co, ok := priv.(*Coroutine); ok && co.wait.sock == sock {
			owners = append(owners, co)
		}
	}
	if len(owners) == 0 {
		// parked owners are no longer in the poller
		if co := s.running; co.wait.sock == sock {
			owners = append(owners, co)
		}
		for _, l := range []*dlist.List[*Coroutine]{&s.ready, &s.suspend} {
			it := l.Iter(dlist.DIRECTION_HEAD)
			for node := it.Next(); node != nil; node = it.Next() {
				if node.Value.wait.sock == sock {
					owners = append(owners, node.Value)
				}
			}
		}
	}
	for _, co := range owners {
		if err := io.cancel(co); err != nil {
			log.Logger.Debug("io drop", zap.Stringer("sock", sock), zap.Error(err))
		}
		if co.wait.mode == waitIO && co.node.List() == &s.suspend {
			s.Resume(co, ErrClosed)
		}
	}
}

// release forgets a finished coroutine.
func (io *ioScheduler) release(co *Coroutine) {
	if co.wait.sock.Valid() {
		if err := io.cancel(co); err != nil {
			log.Logger.Debug("io release", zap.Error(err))
		}
	}
	co.wait.cache = 0
}
