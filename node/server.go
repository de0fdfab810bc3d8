package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/fzft/go-coroutine/config"
	"github.com/fzft/go-coroutine/coroutine"
	"github.com/fzft/go-coroutine/log"
	"github.com/fzft/go-coroutine/ltimer"
	"github.com/fzft/go-coroutine/poller"
	"github.com/fzft/go-coroutine/socket"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// acceptBackoff pauses the accept coroutine after a failed accept, e.g. when
// the process ran out of descriptors.
const acceptBackoff = 100 * time.Millisecond

var ErrNotListening = errors.New("node: server is not listening")

// Server runs one scheduler per thread, all accepting on a shared
// listening socket.
type Server struct {
	cfg     *config.Config
	handler Handler

	ln     socket.Socket
	scheds []*coroutine.Scheduler
	timer  *ltimer.Timer

	conns    atomic.Int64
	accepted atomic.Uint64
}

func NewServer(cfg *config.Config) (*Server, error) {
	timer, err := ltimer.New(cfg.Scheduler.Tick.Duration, false)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:     cfg,
		handler: EchoHandler{},
		ln:      socket.Invalid,
		timer:   timer,
		scheds:  make([]*coroutine.Scheduler, cfg.Server.Threads),
	}

	opts := []coroutine.Option{
		coroutine.WithTick(cfg.Scheduler.Tick.Duration),
		coroutine.WithPoller(
			poller.WithBackend(cfg.Backend()),
			poller.WithFDLimit(cfg.Scheduler.FDLimit),
		),
	}
	for i := range s.scheds {
		s.scheds[i] = coroutine.New(opts...)
	}
	if cfg.Server.Protocol == "resp" {
		s.handler = RespHandler{}
	}
	return s, nil
}

// SetHandler replaces the handler picked by server.protocol. Call it
// before Run.
func (s *Server) SetHandler(handler Handler) {
	s.handler = handler
}

func (s *Server) Listen() error {
	ln, err := socket.Listen(s.cfg.Server.Addr, s.cfg.Server.Backlog)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Server.Addr, err)
	}
	s.ln = ln
	return nil
}

func (s *Server) Addr() (net.Addr, error) {
	if !s.ln.Valid() {
		return nil, ErrNotListening
	}
	return s.ln.LocalAddr()
}

// Run serves until ctx is done, Kill is called or a thread fails. A server
// runs once.
func (s *Server) Run(ctx context.Context) (err error) {
	if !s.ln.Valid() {
		return ErrNotListening
	}
	defer func() {
		s.timer.Exit()
		err = multierr.Append(err, s.ln.Close())
		s.ln = socket.Invalid
		log.Logger.Info("server stopped", zap.Uint64("accepted", s.accepted.Load()))
	}()

	for i, sched := range s.scheds {
		if err := sched.Spawn(s.accept, i, 0); err != nil {
			return err
		}
	}

	go s.timer.Loop()

	g, gctx := errgroup.WithContext(ctx)
	for i, sched := range s.scheds {
		i, sched := i, sched
		g.Go(func() error {
			// a scheduler never migrates between threads
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			return s.thread(i, sched)
		})
	}

	stop := make(chan struct{})
	go func() {
		select {
		case <-gctx.Done():
			s.Kill()
		case <-stop:
		}
	}()

	log.Logger.Info("listening", zap.String("addr", s.cfg.Server.Addr), zap.Int("threads", len(s.scheds)))
	err = g.Wait()
	close(stop)
	return err
}

func (s *Server) thread(i int, sched *coroutine.Scheduler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = multierr.Append(err, fmt.Errorf("thread %d: %v", i, r))
		}
	}()

	err = sched.RunLoop(false)
	if errors.Is(err, coroutine.ErrKilled) {
		err = nil
	}
	if st := sched.Stats(); st.Ready == 0 && st.Suspend == 0 {
		err = multierr.Append(err, sched.Exit())
	}
	log.Logger.Debug("thread stopped", zap.Int("thread", i), zap.Error(err))
	return err
}

func (s *Server) accept(priv any) {
	thread := priv.(int)
	for {
		sock, err := coroutine.Accept(s.ln, -1)
		if errors.Is(err, coroutine.ErrStopped) {
			return
		}
		if err != nil {
			log.Logger.Error("accept", zap.Int("thread", thread), zap.Error(err))
			if err := coroutine.Sleep(acceptBackoff); err != nil {
				return
			}
			continue
		}

		s.accepted.Add(1)
		if err := coroutine.Start(s.serve, sock); err != nil {
			_ = sock.Close()
			return
		}
	}
}

func (s *Server) serve(priv any) {
	conn := newConn(priv.(socket.Socket), s.cfg.Server.IdleTimeout.Duration, s.cfg.Server.BufferSize)
	s.conns.Add(1)
	defer func() {
		s.conns.Add(-1)
		if err := conn.Close(); err != nil {
			log.Logger.Debug("close", zap.Int("fd", conn.Fd()), zap.Error(err))
		}
	}()

	log.Logger.Debug("connection", zap.Int("fd", conn.Fd()), zap.String("ip", conn.Ip()))
	switch err := s.handler.Serve(conn); {
	case err == nil:
	case errors.Is(err, coroutine.ErrStopped), errors.Is(err, ErrIdle):
		log.Logger.Debug("connection closed", zap.Int("fd", conn.Fd()), zap.Error(err))
	default:
		log.Logger.Warn("connection failed", zap.Int("fd", conn.Fd()), zap.Error(err))
	}
}

// Kill stops every thread. Blocked coroutines return ErrStopped. Safe
// from any goroutine.
func (s *Server) Kill() {
	for _, sched := range s.scheds {
		sched.Kill()
	}
}

// Stats reports each thread's scheduler.
func (s *Server) Stats() []coroutine.Stats {
	stats := make([]coroutine.Stats, len(s.scheds))
	for i, sched := range s.scheds {
		stats[i] = sched.Stats()
	}
	return stats
}

func (s *Server) Conns() int64 {
	return s.conns.Load()
}

// Post runs fn on the server timer once d elapsed.
func (s *Server) Post(d time.Duration, fn ltimer.Func, priv any) error {
	if d >= s.timer.Limit() {
		return fmt.Errorf("%w: %s, limit %s", ltimer.ErrBeyondHorizon, d, s.timer.Limit())
	}
	return s.timer.Post(d, false, fn, priv)
}
