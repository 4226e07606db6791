//go:build windows

package main

import "p2proxy/internal/accesslog"

// installReopenHandler is a no-op on platforms with no SIGHUP
// equivalent, matching spec.md's "other platforms have no signal
// behavior".
func installReopenHandler(*accesslog.Handle) {}
