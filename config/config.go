// Package config loads the settings of the echo server from a TOML file.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fzft/go-coroutine/poller"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
)

var ErrUndecoded = errors.New("config: unknown keys")

// Duration reads "150ms" style strings.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Server struct {
	Addr string `toml:"addr"`
	// Protocol is "echo" or "resp".
	Protocol string `toml:"protocol"`
	Threads  int    `toml:"threads"`
	Backlog  int    `toml:"backlog"`
	// IdleTimeout closes a connection that sent nothing for that long, zero
	// keeps it forever.
	IdleTimeout Duration `toml:"idle_timeout"`
	BufferSize  int      `toml:"buffer_size"`
}

type Scheduler struct {
	Backend string   `toml:"backend"`
	FDLimit int      `toml:"fd_limit"`
	Tick    Duration `toml:"tick"`
}

type Log struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

type Console struct {
	Enabled     bool   `toml:"enabled"`
	HistoryFile string `toml:"history_file"`
	Prompt      string `toml:"prompt"`
}

type Config struct {
	Server    Server    `toml:"server"`
	Scheduler Scheduler `toml:"scheduler"`
	Log       Log       `toml:"log"`
	Console   Console   `toml:"console"`
}

func Default() *Config {
	return &Config{
		Server: Server{
			Addr:        "127.0.0.1:7070",
			Protocol:    "echo",
			Threads:     1,
			Backlog:     128,
			IdleTimeout: Duration{time.Minute},
			BufferSize:  4096,
		},
		Scheduler: Scheduler{
			Backend: poller.BackendAuto.String(),
			Tick:    Duration{10 * time.Millisecond},
		},
		Log: Log{
			Level: "info",
		},
		Console: Console{
			Enabled: true,
			Prompt:  "coroutine> ",
		},
	}
}

// Load decodes path over the defaults. Keys the file sets that no field
// takes are an error.
func Load(path string) (*Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("%w in %s: %s", ErrUndecoded, path, strings.Join(keys, ", "))
	}
	return c, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var err error
	if c.Server.Addr == "" {
		err = multierr.Append(err, errors.New("server.addr is empty"))
	}
	if c.Server.Protocol != "echo" && c.Server.Protocol != "resp" {
		err = multierr.Append(err, fmt.Errorf("server.protocol %q is neither echo nor resp", c.Server.Protocol))
	}
	if c.Server.Threads < 1 {
		err = multierr.Append(err, fmt.Errorf("server.threads %d < 1", c.Server.Threads))
	}
	if c.Server.Backlog < 1 {
		err = multierr.Append(err, fmt.Errorf("server.backlog %d < 1", c.Server.Backlog))
	}
	if c.Server.IdleTimeout.Duration < 0 {
		err = multierr.Append(err, fmt.Errorf("server.idle_timeout %s is negative", c.Server.IdleTimeout))
	}
	if c.Server.BufferSize < 1 {
		err = multierr.Append(err, fmt.Errorf("server.buffer_size %d < 1", c.Server.BufferSize))
	}
	if _, perr := poller.ParseBackend(c.Scheduler.Backend); perr != nil {
		err = multierr.Append(err, perr)
	}
	if c.Scheduler.FDLimit < 0 {
		err = multierr.Append(err, fmt.Errorf("scheduler.fd_limit %d is negative", c.Scheduler.FDLimit))
	}
	if c.Scheduler.Tick.Duration < time.Millisecond {
		err = multierr.Append(err, fmt.Errorf("scheduler.tick %s under 1ms", c.Scheduler.Tick))
	}
	if _, lerr := zapcore.ParseLevel(c.Log.Level); lerr != nil {
		err = multierr.Append(err, fmt.Errorf("log.level: %w", lerr))
	}
	return err
}

// Backend is the parsed scheduler.backend, BackendAuto when invalid.
func (c *Config) Backend() poller.Backend {
	b, _ := poller.ParseBackend(c.Scheduler.Backend)
	return b
}
