package main

import "errors"

var (
	ErrSignalStopped = errors.New("signal stopped")
	ErrConsoleQuit   = errors.New("console quit")
)
