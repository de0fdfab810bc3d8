// Package coroutine runs cooperative coroutines on a per-thread scheduler.
//
// Every coroutine is backed by a goroutine that only executes while the
// scheduler has switched into it, so at most one coroutine of a scheduler
// runs at any instant and queue state needs no locking. Coroutines block on
// sockets and timers through the io sub-scheduler (Sleep, Wait), which is
// itself a coroutine driving a poller and two timer wheels.
package coroutine

import (
	"fmt"
	"runtime/debug"

	"github.com/fzft/go-coroutine/dlist"
	"github.com/fzft/go-coroutine/ltimer"
	"github.com/fzft/go-coroutine/poller"
	"github.com/fzft/go-coroutine/socket"
)

// Func is a coroutine entry.
type Func func(priv any)

type wakeMsg int

const (
	wakeRun wakeMsg = iota
	wakeExit
)

type waitMode int

const (
	waitNone waitMode = iota
	waitSleep
	waitIO
)

// ioWait is the io state of a coroutine. sock stays registered across
// waits until another socket is waited on, Cancel, or the coroutine ends.
type ioWait struct {
	mode   waitMode
	sock   socket.Socket
	events poller.Events // registered mask, 0 while parked outside the poller
	cache  poller.Events // delivered while not waiting
	task   ltimer.TaskHandle
}

type Coroutine struct {
	node  dlist.ListNode[*Coroutine]
	sched *Scheduler

	fn   Func
	priv any
	rs   any

	wake    chan wakeMsg
	started bool
	exited  bool
	panic   *PanicError

	wait ioWait
}

func newCoroutine(s *Scheduler) *Coroutine {
	co := &Coroutine{sched: s, wake: make(chan wakeMsg)}
	co.node.Value = co
	co.wait.sock = socket.Invalid
	return co
}

func (co *Coroutine) Scheduler() *Scheduler {
	return co.sched
}

// PanicError carries a panic raised inside a coroutine to the goroutine
// driving RunLoop.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("coroutine panic: %v\n%s", e.Value, e.Stack)
}

func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// main is the body of the backing goroutine. It runs one entry per switch
// from the dead cache and parks in between.
func (co *Coroutine) main() {
	s := co.sched
	if !s.exclusive {
		defer bind(s)()
	}

	normal := false
	defer func() {
		// runtime.Goexit inside the entry
		if !normal {
			co.exited = true
			s.finish(co)
			s.back <- struct{}{}
		}
	}()

	for {
		co.call()
		s.finish(co)
		if co.exited {
			normal = true
			s.back <- struct{}{}
			return
		}
		s.back <- struct{}{}
		if <-co.wake == wakeExit {
			normal = true
			return
		}
	}
}

func (co *Coroutine) call() {
	defer func() {
		if r := recover(); r != nil {
			co.panic = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	fn, priv := co.fn, co.priv
	co.fn, co.priv = nil, nil
	fn(priv)
}
