//go:build unix

package main

import (
	"log/slog"
	"syscall"
)

// raiseFdLimit lifts the soft open-file limit to the hard limit.
func raiseFdLimit() {
	var lim syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &lim); err != nil {
		slog.Warn("failed to read fd limit", slog.Any("err", err))
		return
	}
	if lim.Cur >= lim.Max {
		return
	}
	lim.Cur = lim.Max
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &lim); err != nil {
		slog.Warn("failed to raise fd limit", slog.Any("err", err))
		return
	}
	slog.Debug("raised fd limit", slog.Uint64("limit", lim.Cur))
}
