// Package killswitch implements the cooperative cancellation
// broadcast used to tear down a tree of supervised goroutines without
// leaks. It is a thin, named wrapper over context.Context: Go's
// context already gives exactly the semantics the spec asks of a
// broadcast-with-tree-duplication primitive (one signal, many
// listeners, children inherit a parent's cancellation), so there is
// no need to hand-roll a channel-based broadcaster the way the
// original's tokio::sync::broadcast-backed type does.
package killswitch

import "context"

// Switch is the sender half: the one thing that can signal kill.
type Switch struct {
	cancel context.CancelFunc
}

// Listener is one receiver of the broadcast. Listeners form a
// conceptual tree through Duplicate: the root Switch's Signal is
// observed by every descendant listener.
type Listener struct {
	ctx context.Context
}

// NewPair creates a new root Switch and its first Listener.
func NewPair() (*Switch, *Listener) {
	ctx, cancel := context.WithCancel(context.Background())
	return &Switch{cancel: cancel}, &Listener{ctx: ctx}
}

// Signal broadcasts kill. Idempotent: signalling twice is a no-op the
// second time, same as dropping an already-dropped sender.
func (s *Switch) Signal() {
	s.cancel()
}

// Killed returns a channel that is closed once kill has been
// observed. Callers select on it the way they would select on the
// original's listener.killed() future.
func (l *Listener) Killed() <-chan struct{} {
	return l.ctx.Done()
}

// IsKilled reports whether kill has already been observed, without
// blocking.
func (l *Listener) IsKilled() bool {
	return l.ctx.Err() != nil
}

// Context exposes the underlying context.Context for callers that
// want to pass cancellation through APIs already shaped around it
// (BufferedCopy.Copy, net dial timeouts, and so on).
func (l *Listener) Context() context.Context {
	return l.ctx
}

// Duplicate returns a fresh independent listener descended from l, or
// nil if kill has already been observed on l. The new listener shares
// l's fate: anything that kills an ancestor kills it too, but it can
// be abandoned (garbage collected) without affecting siblings.
func (l *Listener) Duplicate() *Listener {
	if l.IsKilled() {
		return nil
	}
	child, _ := context.WithCancel(l.ctx)
	return &Listener{ctx: child}
}

// IfNotKilled runs fn with l's context attached, the idiomatic Go
// stand-in for racing a future against kill: fn must itself select on
// ctx.Done() at its suspension points (a context-aware dial call
// does), so kill arriving mid-flight unblocks fn directly instead of
// needing a separate race/cancel step. BufferedCopy.Copy only checks
// ctx between reads and writes, so a Read already blocked inside it
// is not interrupted by kill.
func IfNotKilled[T any](l *Listener, fn func(ctx context.Context) (T, error)) (T, error) {
	return fn(l.ctx)
}
