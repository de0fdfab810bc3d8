package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fzft/go-coroutine/cmd"
	"github.com/fzft/go-coroutine/config"
	"github.com/fzft/go-coroutine/log"
	"github.com/fzft/go-coroutine/node"
	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
)

type flags struct {
	config  string
	addr    string
	threads int
	backend string
	version bool
}

func parseFlags(args []string) (*flags, error) {
	f := &flags{}
	fs := flag.NewFlagSet("go-coroutine", flag.ContinueOnError)
	fs.StringVar(&f.config, "config", "", "TOML configuration file")
	fs.StringVar(&f.addr, "addr", "", "listen address, overrides server.addr")
	fs.IntVar(&f.threads, "threads", 0, "scheduler threads, overrides server.threads")
	fs.StringVar(&f.backend, "backend", "", "poller backend (auto, epoll, kqueue, poll, select)")
	fs.BoolVar(&f.version, "version", false, "print the version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

// loadConfig reads the configuration file, if any, and lays the flags over it.
func loadConfig(f *flags) (*config.Config, error) {
	cfg := config.Default()
	if f.config != "" {
		var err error
		if cfg, err = config.Load(f.config); err != nil {
			return nil, err
		}
	}
	if f.addr != "" {
		cfg.Server.Addr = f.addr
	}
	if f.threads != 0 {
		cfg.Server.Threads = f.threads
	}
	if f.backend != "" {
		cfg.Scheduler.Backend = f.backend
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if f.version {
		fmt.Println(Version())
		return
	}
	if err := run(f); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(f *flags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	if err := log.InitLogger(cfg.Log.Level, cfg.Log.Development || isatty.IsTerminal(os.Stderr.Fd())); err != nil {
		return err
	}
	defer log.Sync()
	log.Logger.Info("starting", zap.String("version", Version()), zap.String("build", buildIDRaw()))

	server, err := node.NewServer(cfg)
	if err != nil {
		return err
	}
	if err := server.Listen(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(signals)
	go func() {
		select {
		case sig := <-signals:
			log.Logger.Info("signal received", zap.Stringer("signal", sig))
			cancel(ErrSignalStopped)
		case <-ctx.Done():
		}
	}()

	done := make(chan error, 1)
	go func() { done <- server.Run(ctx) }()

	if cfg.Console.Enabled && cmd.Interactive() {
		console := cmd.NewConsole(server, os.Stdout, cfg.Console.Prompt)
		if err := console.Run(cmd.HistoryPath(cfg.Console.HistoryFile)); err != nil {
			log.Logger.Error("console", zap.Error(err))
		}
		cancel(ErrConsoleQuit)
	}

	err = <-done
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		log.Logger.Info("shutting down", zap.NamedError("cause", cause))
	}
	return err
}
