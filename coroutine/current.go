package coroutine

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fzft/go-coroutine/poller"
	"github.com/fzft/go-coroutine/socket"
)

var ErrNoScheduler = errors.New("coroutine: no scheduler bound to this goroutine")

var (
	// bindings maps a goroutine id to the scheduler it runs for: the
	// goroutine driving RunLoop and every coroutine goroutine.
	bindings sync.Map

	// exclusiveSlot holds the scheduler started with RunLoop(true). It is
	// visible from any goroutine.
	exclusiveSlot atomic.Pointer[Scheduler]
)

// goroutineID parses the id out of the "goroutine NNN [" stack header.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}

func bind(s *Scheduler) func() {
	id := goroutineID()
	bindings.Store(id, s)
	return func() { bindings.Delete(id) }
}

// Current returns the scheduler the calling goroutine belongs to, or the
// exclusive scheduler, or nil.
func Current() *Scheduler {
	if v, ok := bindings.Load(goroutineID()); ok {
		return v.(*Scheduler)
	}
	return exclusiveSlot.Load()
}

func mustCurrent() *Scheduler {
	s := Current()
	if s == nil {
		panic(ErrNoScheduler)
	}
	return s
}

// Start spawns fn on the current scheduler.
func Start(fn Func, priv any) error {
	s := Current()
	if s == nil {
		return ErrNoScheduler
	}
	return s.Spawn(fn, priv, 0)
}

func Yield() bool {
	return mustCurrent().Yield()
}

func Sleep(d time.Duration) error {
	return mustCurrent().Sleep(d)
}

func Wait(sock socket.Socket, events poller.Events, timeout time.Duration) (poller.Events, error) {
	return mustCurrent().Wait(sock, events, timeout)
}

func Cancel(sock socket.Socket) error {
	return mustCurrent().Cancel(sock)
}

func Suspend(priv any) any {
	return mustCurrent().Suspend(priv)
}

func Resume(co *Coroutine, priv any) any {
	return mustCurrent().Resume(co, priv)
}

// Self is the running coroutine of the current scheduler.
func Self() *Coroutine {
	return mustCurrent().Self()
}
