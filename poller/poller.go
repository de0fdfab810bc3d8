//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly
// +build linux darwin freebsd netbsd openbsd dragonfly

// Package poller multiplexes socket readiness over one of the OS backends
// (epoll, kqueue, poll or select) behind a single contract.
//
// A Poller is not safe for concurrent use, except Kill and Spak which may be
// called from any goroutine to interrupt a blocked Wait.
package poller

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fzft/go-coroutine/log"
	"github.com/fzft/go-coroutine/socket"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type Events uint32

const (
	EventNone    Events = 0
	EventRecv    Events = 0x0001
	EventSend    Events = 0x0002
	EventClear   Events = 0x0010 // edge-triggered
	EventOneshot Events = 0x0020 // disabled after the first delivery
	EventEOF     Events = 0x0100 // peer closed, reported with recv/send
	EventError   Events = 0x0200

	EventAccept   = EventRecv
	EventConn     = EventSend
	EventRecvSend = EventRecv | EventSend
)

var eventNames = []struct {
	ev   Events
	name string
}{
	{EventRecv, "recv"},
	{EventSend, "send"},
	{EventClear, "clear"},
	{EventOneshot, "oneshot"},
	{EventEOF, "eof"},
	{EventError, "error"},
}

func (e Events) String() string {
	if e == EventNone {
		return "none"
	}
	var parts []string
	for _, n := range eventNames {
		if e&n.ev != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

type Backend int

const (
	BackendAuto Backend = iota
	BackendEpoll
	BackendKqueue
	BackendPoll
	BackendSelect
)

func (b Backend) String() string {
	switch b {
	case BackendAuto:
		return "auto"
	case BackendEpoll:
		return "epoll"
	case BackendKqueue:
		return "kqueue"
	case BackendPoll:
		return "poll"
	case BackendSelect:
		return "select"
	}
	return fmt.Sprintf("backend(%d)", int(b))
}

// ParseBackend maps a backend name to its value.
func ParseBackend(name string) (Backend, error) {
	for b := BackendAuto; b <= BackendSelect; b++ {
		if strings.EqualFold(name, b.String()) {
			return b, nil
		}
	}
	return BackendAuto, fmt.Errorf("poller: unknown backend %q", name)
}

// Backends lists the backends usable on this platform, default first.
func Backends() []Backend {
	return append([]Backend(nil), platformBackends...)
}

var (
	ErrKilled             = errors.New("poller: killed")
	ErrClosed             = errors.New("poller: closed")
	ErrFDOutOfRange       = errors.New("poller: fd out of range")
	ErrRegistered         = errors.New("poller: socket already registered")
	ErrNotRegistered      = errors.New("poller: socket not registered")
	ErrUnsupportedBackend = errors.New("poller: backend not supported on this platform")
)

// Func receives one ready socket with the priv it was registered with.
type Func func(p *Poller, sock socket.Socket, events Events, priv any)

// backend is one OS readiness mechanism. deliver is called once per ready fd,
// the wake socket included.
type backend interface {
	kind() Backend
	support(events Events) bool
	insert(fd int, events Events) error
	remove(fd int, events Events) error
	modify(fd int, old, events Events) error
	wait(timeout time.Duration, deliver func(fd int, events Events)) error
	close() error
}

const (
	wakeKill = 'k'
	wakeSpak = 'p'
)

type options struct {
	backend Backend
	limit   int
}

type Option func(*options)

// WithBackend forces a backend instead of the platform default.
func WithBackend(b Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithFDLimit overrides the fd ceiling read from RLIMIT_NOFILE.
func WithFDLimit(n int) Option {
	return func(o *options) { o.limit = n }
}

type Poller struct {
	priv    any
	backend backend
	table   *table
	limit   int

	// pair[0] is written by Kill/Spak, pair[1] is registered for recv.
	pair   [2]socket.Socket
	killed atomic.Bool
	closed atomic.Bool
}

func New(priv any, opts ...Option) (_ *Poller, err error) {
	o := options{backend: BackendAuto}
	for _, opt := range opts {
		opt(&o)
	}
	if o.limit <= 0 {
		if o.limit, err = fdLimit(); err != nil {
			return nil, err
		}
	}
	if o.backend == BackendAuto {
		o.backend = platformBackends[0]
	}

	obj := &Poller{
		priv:  priv,
		table: newTable(o.limit),
		limit: o.limit,
		pair:  [2]socket.Socket{socket.Invalid, socket.Invalid},
	}
	defer func() {
		if err != nil {
			_ = obj.release()
		}
	}()

	if obj.backend, err = newBackend(o.backend, o.limit); err != nil {
		return nil, err
	}
	if obj.pair[0], obj.pair[1], err = socket.Pair(); err != nil {
		return nil, err
	}
	if err = obj.Insert(obj.pair[1], EventRecv, nil); err != nil {
		return nil, err
	}

	log.Logger.Debug("poller created", zap.Stringer("backend", o.backend), zap.Int("limit", o.limit))
	return obj, nil
}

func newBackend(b Backend, limit int) (backend, error) {
	switch b {
	case BackendPoll:
		return newPoll(), nil
	case BackendSelect:
		return newSelect(), nil
	}
	return newPlatformBackend(b, limit)
}

func (p *Poller) Backend() Backend {
	return p.backend.kind()
}

func (p *Poller) Priv() any {
	return p.priv
}

// Support reports whether the backend honours every flag in events.
func (p *Poller) Support(events Events) bool {
	return p.backend.support(events)
}

// Len is the number of registered sockets, the wake socket excluded.
func (p *Poller) Len() int {
	if p.table.count == 0 {
		return 0
	}
	return p.table.count - 1
}

// Lookup returns the priv sock was registered with.
func (p *Poller) Lookup(sock socket.Socket) (any, bool) {
	e, ok := p.table.get(sock.FD())
	if !ok {
		return nil, false
	}
	return e.priv, true
}

func (p *Poller) check(events Events) {
	if events&EventOneshot != 0 && !p.backend.support(EventOneshot) {
		panic(fmt.Sprintf("poller: %s backend cannot deliver oneshot events", p.backend.kind()))
	}
}

// Insert registers sock for events. Requesting EventOneshot on a backend
// without oneshot support panics; check Support first.
func (p *Poller) Insert(sock socket.Socket, events Events, priv any) error {
	fd := sock.FD()
	if fd < 0 || fd >= p.limit {
		return ErrFDOutOfRange
	}
	p.check(events)
	if _, ok := p.table.get(fd); ok {
		return ErrRegistered
	}
	if err := p.backend.insert(fd, events); err != nil {
		return err
	}
	p.table.set(fd, priv, events)
	return nil
}

// Remove drops the registration. The table entry is erased even when the
// backend fails, which happens for sockets already closed.
func (p *Poller) Remove(sock socket.Socket) error {
	fd := sock.FD()
	e, ok := p.table.get(fd)
	if !ok {
		return ErrNotRegistered
	}
	err := p.backend.remove(fd, e.events)
	p.table.del(fd)
	return err
}

func (p *Poller) Modify(sock socket.Socket, events Events, priv any) error {
	fd := sock.FD()
	e, ok := p.table.get(fd)
	if !ok {
		return ErrNotRegistered
	}
	p.check(events)
	if err := p.backend.modify(fd, e.events, events); err != nil {
		return err
	}
	p.table.set(fd, priv, events)
	return nil
}

// Clear removes every registered socket.
func (p *Poller) Clear() {
	wake := p.pair[1].FD()
	p.table.each(func(fd int, e entry) {
		if fd == wake {
			return
		}
		if err := p.backend.remove(fd, e.events); err != nil {
			log.Logger.Debug("poller clear", zap.Int("fd", fd), zap.Error(err))
		}
		p.table.del(fd)
	})
}

// Wait blocks up to timeout (negative waits forever) and calls fn for every
// ready socket. It returns the number of deliveries, 0 on timeout or Spak,
// and -1 with ErrKilled once the poller was killed.
func (p *Poller) Wait(fn Func, timeout time.Duration) (int, error) {
	if p.closed.Load() {
		return -1, ErrClosed
	}
	if p.killed.Load() {
		p.drain()
		return -1, ErrKilled
	}

	wake := p.pair[1].FD()
	count, stop := 0, false
	err := p.backend.wait(timeout, func(fd int, events Events) {
		if fd == wake {
			if p.drain() {
				stop = true
			}
			return
		}
		// removed by an earlier callback of this batch
		e, ok := p.table.get(fd)
		if !ok {
			return
		}
		fn(p, socket.FromFD(fd), events, e.priv)
		count++
	})
	if err != nil {
		log.Logger.Error("poller wait", zap.Stringer("backend", p.backend.kind()), zap.Error(err))
		return -1, err
	}
	if stop || p.killed.Load() {
		return -1, ErrKilled
	}
	return count, nil
}

// drain empties the wake socket and reports whether a kill was seen.
func (p *Poller) drain() bool {
	var buf [64]byte
	killed := false
	for {
		n, err := p.pair[1].TryRecv(buf[:])
		for _, c := range buf[:n] {
			if c == wakeKill {
				killed = true
			}
		}
		if n < len(buf) || err != nil {
			return killed
		}
	}
}

// Kill makes the pending or next Wait return -1. Later calls are no-ops.
func (p *Poller) Kill() {
	if p.closed.Load() || !p.killed.CompareAndSwap(false, true) {
		return
	}
	// a full buffer already holds a wake byte
	_, _ = p.pair[0].TrySend([]byte{wakeKill})
}

// Spak interrupts a blocked Wait, which then returns 0.
func (p *Poller) Spak() {
	if p.closed.Load() {
		return
	}
	_, _ = p.pair[0].TrySend([]byte{wakeSpak})
}

// Killed reports whether Kill was called.
func (p *Poller) Killed() bool {
	return p.killed.Load()
}

// Close releases the backend, the wake pair and the socket table. Sockets
// still registered are not closed.
func (p *Poller) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	return p.release()
}

func (p *Poller) release() error {
	var err error
	if p.backend != nil {
		err = multierr.Append(err, p.backend.close())
	}
	for i, s := range p.pair {
		if s.Valid() {
			err = multierr.Append(err, s.Close())
			p.pair[i] = socket.Invalid
		}
	}
	p.table = newTable(p.limit)
	return err
}

func durationToMsec(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	msec := int(timeout / time.Millisecond)
	if msec == 0 && timeout > 0 {
		msec = 1
	}
	return msec
}
