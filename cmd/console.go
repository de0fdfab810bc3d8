// Package cmd is the interactive console of the echo server.
package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fzft/go-coroutine/coroutine"
	"github.com/fzft/go-coroutine/deps/linenoise"
	"github.com/fzft/go-coroutine/log"
	"github.com/fzft/go-coroutine/ltimer"
	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
)

const (
	HisFileEnv     = "COROUTINE_HISTFILE"
	HisFileDefault = ".coroutine_history"
)

// ErrQuit is returned by Exec for quit and exit.
var ErrQuit = errors.New("cmd: quit")

// Runtime is the server the console inspects.
type Runtime interface {
	Stats() []coroutine.Stats
	Conns() int64
	Post(d time.Duration, fn ltimer.Func, priv any) error
	Kill()
}

type Console struct {
	rt     Runtime
	prompt string

	// timer callbacks print from the timer goroutine
	mu    sync.Mutex
	out   io.Writer
	clear func() error
}

func NewConsole(rt Runtime, out io.Writer, prompt string) *Console {
	c := &Console{rt: rt, out: out, prompt: prompt}
	c.clear = func() error {
		_, err := io.WriteString(c.out, "\x1b[H\x1b[2J")
		return err
	}
	return c
}

// Interactive reports whether stdin is a terminal.
func Interactive() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// HistoryPath returns configured when set, else the history file named by
// the environment or kept in the home directory. Empty disables history.
func HistoryPath(configured string) string {
	if configured != "" {
		return configured
	}
	return getDotfilePath(HisFileEnv, HisFileDefault)
}

func getDotfilePath(envOverride, dotFilename string) string {
	path := os.Getenv(envOverride)
	if path != "" {
		if path == "/dev/null" {
			return ""
		}
		return path
	}
	if home := os.Getenv("HOME"); home != "" {
		return filepath.Join(home, dotFilename)
	}
	return ""
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// Run reads commands until quit, Ctrl-C or end of input.
func (c *Console) Run(historyFile string) error {
	line := linenoise.New(commandNames()...)
	defer line.Close()
	c.clear = line.ClearScreen

	if historyFile != "" {
		if err := line.HistoryLoad(historyFile); err != nil {
			log.Logger.Warn("history load", zap.String("file", historyFile), zap.Error(err))
		}
	}

	for {
		input, err := line.Prompt(c.prompt)
		if errors.Is(err, linenoise.ErrAborted) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if strings.TrimSpace(input) == "" {
			continue
		}

		line.AppendHistory(input)
		if historyFile != "" {
			if err := line.HistorySave(historyFile); err != nil {
				log.Logger.Warn("history save", zap.String("file", historyFile), zap.Error(err))
			}
		}

		switch err := c.Exec(input); {
		case errors.Is(err, ErrQuit):
			return nil
		case err != nil:
			c.printf("(error) %s\n", err)
		}
	}
}

// Exec runs one command line. A leading count repeats the command, as in
// "3 stats".
func (c *Console) Exec(line string) error {
	argv := strings.Fields(line)
	if len(argv) == 0 {
		return nil
	}

	repeat := 1
	if n, err := strconv.Atoi(argv[0]); err == nil && len(argv) > 1 {
		if n <= 0 {
			return fmt.Errorf("invalid repeat count %d", n)
		}
		repeat, argv = n, argv[1:]
	}

	name := strings.ToLower(argv[0])
	doc, ok := lookupCommand(name)
	if !ok {
		return fmt.Errorf("unknown command %q, try help", argv[0])
	}
	args := argv[1:]
	if len(args) < doc.minArgs || (doc.maxArgs >= 0 && len(args) > doc.maxArgs) {
		return fmt.Errorf("wrong number of arguments, usage: %s", usage(doc))
	}

	for i := 0; i < repeat; i++ {
		if err := c.exec(name, args); err != nil {
			return err
		}
	}
	return nil
}

func (c *Console) exec(name string, args []string) error {
	switch name {
	case "help":
		c.help(args)
	case "stats":
		c.stats()
	case "timer":
		ms, err := strconv.Atoi(args[0])
		if err != nil || ms <= 0 {
			return fmt.Errorf("invalid delay %q", args[0])
		}
		msg := strings.Join(args[1:], " ")
		if err := c.rt.Post(time.Duration(ms)*time.Millisecond, c.timerFired, msg); err != nil {
			return err
		}
		c.printf("timer set, %dms\n", ms)
	case "kill":
		c.rt.Kill()
		c.printf("killed\n")
	case "clear":
		return c.clear()
	case "quit", "exit":
		return ErrQuit
	}
	return nil
}

func (c *Console) timerFired(killed bool, priv any) {
	if killed {
		c.printf("timer killed: %v\n", priv)
		return
	}
	c.printf("timer: %v\n", priv)
}

func (c *Console) stats() {
	for i, st := range c.rt.Stats() {
		c.printf("thread %d: ready=%d suspend=%d dead=%d spawned=%d switches=%d\n",
			i, st.Ready, st.Suspend, st.Dead, st.Spawned, st.Switches)
	}
	c.printf("connections: %d\n", c.rt.Conns())
}

func usage(doc commandDocs) string {
	if doc.params == "" {
		return doc.name
	}
	return doc.name + " " + doc.params
}

func (c *Console) help(args []string) {
	if len(args) == 1 {
		if doc, ok := lookupCommand(strings.ToLower(args[0])); ok {
			c.printf("  %s\n  summary: %s\n", usage(doc), doc.summary)
			return
		}
		c.printf("no such command %q\n", args[0])
		return
	}
	for _, doc := range commandTable {
		c.printf("  %-22s %s\n", usage(doc), doc.summary)
	}
}
