//go:build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"

	"p2proxy/internal/accesslog"
)

// installReopenHandler wires SIGHUP to the access log's reopen
// command, the signal behavior spec.md reserves for POSIX platforms.
func installReopenHandler(accessLog *accesslog.Handle) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	go func() {
		for range ch {
			accessLog.ReopenFile()
		}
	}()
}
