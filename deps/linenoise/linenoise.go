// Package linenoise wraps liner with file backed history.
package linenoise

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/peterh/liner"
)

// ErrAborted is returned by Prompt on Ctrl-C.
var ErrAborted = liner.ErrPromptAborted

type LineNoise struct {
	*liner.State
	out io.Writer
}

// New takes over the terminal until Close. words feed tab completion.
func New(words ...string) *LineNoise {
	ln := &LineNoise{State: liner.NewLiner(), out: os.Stdout}
	ln.SetCtrlCAborts(true)
	if len(words) > 0 {
		ln.SetCompleter(func(line string) []string {
			var out []string
			for _, w := range words {
				if strings.HasPrefix(w, strings.ToLower(line)) {
					out = append(out, w)
				}
			}
			return out
		})
	}
	return ln
}

// HistoryLoad reads a history file, a missing one is not an error.
func (ln *LineNoise) HistoryLoad(filepath string) error {
	content, err := os.ReadFile(filepath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	_, err = ln.ReadHistory(bytes.NewReader(content))
	return err
}

func (ln *LineNoise) HistorySave(filepath string) error {
	var buf bytes.Buffer
	_, err := ln.WriteHistory(&buf)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath, buf.Bytes(), 0o600)
}

func (ln *LineNoise) ClearScreen() error {
	_, err := fmt.Fprint(ln.out, "\x1b[H\x1b[2J")
	return err
}
