// Package client implements the client-side driver and listener (C7,
// C8) and the update channel that reports their progress to whatever
// UI or CLI surface is watching (C9). Grounded on the teacher's
// near-side pattern in bridge.SalmonBridge (dial-with-retry plus a
// BidiPipe), reworked into an explicit state machine per the spec's
// liveness-heuristic contract, which the teacher's retry loop does not
// need since it never has to distinguish an authorization rejection
// from a network flap.
package client

import "log"

// Kind classifies one Update.
type Kind int

const (
	// KindBindingTCP is emitted just before the listener binds its
	// local TCP port.
	KindBindingTCP Kind = iota
	// KindListeningTCP is emitted once the listener is bound and
	// accepting.
	KindListeningTCP
	// KindAcceptedTCP is emitted for every newly accepted local TCP
	// connection, before a driver is spawned for it.
	KindAcceptedTCP
	// KindUpstreamConnecting is emitted at the start of every dial
	// attempt, including retries.
	KindUpstreamConnecting
	// KindGivingUp is emitted when a driver exhausts its connect
	// attempts, whether the failed attempts were dials, stream opens,
	// or short-lived pumps.
	KindGivingUp
	// KindConnectionError is emitted when a pump stops for a reason
	// other than a clean termination, and when a dial times out.
	KindConnectionError
	// KindClosed is emitted on a clean termination (TcpEof). A
	// kill-switch-triggered shutdown emits no update.
	KindClosed
	// KindListenerError is emitted once, when the accept loop itself
	// terminates on a fatal error.
	KindListenerError
)

func (k Kind) String() string {
	switch k {
	case KindBindingTCP:
		return "BindingTcp"
	case KindListeningTCP:
		return "ListeningTcp"
	case KindAcceptedTCP:
		return "AcceptedTcp"
	case KindUpstreamConnecting:
		return "UpstreamConnecting"
	case KindGivingUp:
		return "GivingUp"
	case KindConnectionError:
		return "ConnectionError"
	case KindClosed:
		return "Closed"
	case KindListenerError:
		return "ListenerError"
	default:
		return "Unknown"
	}
}

// Update is one event on the update channel: a connection (or the
// listener itself, for the listener-scoped kinds) reporting progress.
type Update struct {
	// ConnectionID is the id assigned by the listener's accept loop.
	// It is zero for the listener-scoped kinds (BindingTcp,
	// ListeningTcp, ListenerError).
	ConnectionID uint64
	Kind         Kind
	Err          error
}

// UpdateCapacity is the bounded channel's design capacity.
const UpdateCapacity = 64

// Updates is the bounded MPSC channel from drivers and the listener to
// whatever is watching progress. nil is a valid, always-disabled
// value: every send against it is a no-op, matching "the UI is
// optional."
type Updates chan Update

// NewUpdates allocates a fresh, capacity-64 update channel.
func NewUpdates() Updates {
	return make(Updates, UpdateCapacity)
}

// trySend is the non-blocking producer path shared by the driver and
// the listener: a full channel is a loggable, non-fatal condition, and
// callers always proceed regardless of whether the update was
// delivered, since loss of updates never affects data-path
// correctness.
func trySend(u Updates, update Update) {
	if u == nil {
		return
	}
	select {
	case u <- update:
	default:
		log.Printf("client: update channel full, dropping %s for connection %d", update.Kind, update.ConnectionID)
	}
}
