package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fzft/go-coroutine/poller"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagsOverrideConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
addr = "127.0.0.1:9000"
threads = 2
`), 0o644))

	f, err := parseFlags([]string{"-config", path, "-threads", "3", "-backend", "poll"})
	require.NoError(t, err)
	cfg, err := loadConfig(f)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, 3, cfg.Server.Threads)
	assert.Equal(t, poller.BackendPoll, cfg.Backend())
}

func TestLoadConfigInvalid(t *testing.T) {
	f, err := parseFlags([]string{"-backend", "iocp", "-threads", "-1"})
	require.NoError(t, err)
	_, err = loadConfig(f)
	assert.Error(t, err)

	_, err = parseFlags([]string{"-nope"})
	assert.Error(t, err)
}

func TestVersion(t *testing.T) {
	assert.Equal(t, "go-coroutine 0.1.0", Version())

	defer func(sha, dirty string) { gitSHA1, gitDirty = sha, dirty }(gitSHA1, gitDirty)
	gitSHA1, gitDirty = "1a2b3c", "1"
	assert.Equal(t, "go-coroutine 0.1.0 (git:1a2b3c-dirty)", Version())
}
