package client

import (
	"context"
	"errors"
	"net"
	"time"

	"p2proxy/internal/copier"
	"p2proxy/internal/identity"
	"p2proxy/internal/killswitch"
	"p2proxy/internal/proto"
	"p2proxy/internal/transport"
)

// maxConnectAttempts is the number of dial attempts a driver makes
// before giving up on a local TCP connection entirely.
const maxConnectAttempts = 3

// dialTimeout bounds a single connect attempt.
const dialTimeout = 10 * time.Second

// livenessThreshold is how long a connection must stay up before a
// pump failure is treated as "network flap" (reset the attempt
// counter, retry immediately) rather than "rejected on
// authorization" (treat as a failed attempt, back off first).
const livenessThreshold = 2 * time.Second

// Driver runs the per-local-TCP-connection state machine: dial the
// peer, open a stream, write the route header, and pump bytes until
// the stream or the local TCP half terminates, retrying dial failures
// and short-lived pump failures with the liveness heuristic described
// in the design notes.
type Driver struct {
	ID         uint64
	Endpoint   *transport.Endpoint
	Peer       identity.NodeID
	PeerAddr   string
	Header     proto.PortName
	Local      net.Conn
	Updates    Updates
	BufferSize int
}

// Run drives the state machine to completion: Connecting, Pumping,
// and Backoff are inlined into one retry loop rather than kept as a
// persistent struct of their own, since in this driver each is a
// transient action taken within a single pass rather than a state a
// concurrent observer could inspect mid-flight.
func (d *Driver) Run(kl *killswitch.Listener) {
	defer d.Local.Close()

	attempt := 0
	for {
		trySend(d.Updates, Update{ConnectionID: d.ID, Kind: KindUpstreamConnecting})

		conn, err := d.connect(kl)
		if err != nil {
			if kl.IsKilled() {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				trySend(d.Updates, Update{ConnectionID: d.ID, Kind: KindConnectionError, Err: err})
				return
			}
			attempt++
			if attempt >= maxConnectAttempts {
				trySend(d.Updates, Update{ConnectionID: d.ID, Kind: KindGivingUp, Err: err})
				return
			}
			continue
		}

		stream, t0, err := d.openStream(conn, kl)
		if err != nil {
			_ = conn.CloseWithCode(proto.CodeGeneric, "failed to open stream")
			if kl.IsKilled() {
				return
			}
			attempt++
			if attempt >= maxConnectAttempts {
				trySend(d.Updates, Update{ConnectionID: d.ID, Kind: KindGivingUp, Err: err})
				return
			}
			continue
		}

		pumpErr := d.pump(kl, stream)

		if kl.IsKilled() {
			_ = stream.Close()
			stream.CancelRead(0)
			_ = conn.CloseWithCode(proto.CodeOK, "shutting down")
			return
		}

		switch classifyRetry(pumpErr) {
		case retryNever:
			trySend(d.Updates, Update{ConnectionID: d.ID, Kind: KindConnectionError, Err: pumpErr})
			_ = conn.CloseWithCode(proto.CodeOK, "done")
			return

		case retryClean:
			trySend(d.Updates, Update{ConnectionID: d.ID, Kind: KindClosed})
			_ = conn.CloseWithCode(proto.CodeOK, "done")
			return

		case retryWithBackoff:
			trySend(d.Updates, Update{ConnectionID: d.ID, Kind: KindConnectionError, Err: pumpErr})
			_ = conn.CloseWithCode(proto.CodeGeneric, "pump failed")

			elapsed := time.Since(t0)
			if elapsed < livenessThreshold {
				attempt++
				if !sleepUnlessKilled(livenessThreshold-elapsed, kl) {
					return
				}
				if attempt >= maxConnectAttempts {
					trySend(d.Updates, Update{ConnectionID: d.ID, Kind: KindGivingUp, Err: pumpErr})
					return
				}
			} else {
				attempt = 0
			}
		}
	}
}

// connect dials the peer with a 10-second timeout, itself bounded by
// the kill switch so a shutdown during a dial returns promptly.
func (d *Driver) connect(kl *killswitch.Listener) (*transport.Connection, error) {
	ctx, cancel := context.WithTimeout(kl.Context(), dialTimeout)
	defer cancel()
	return d.Endpoint.Dial(ctx, d.PeerAddr, d.Peer)
}

// openStream opens a bidirectional stream and writes the 16-byte
// route header, returning the moment pumping is about to start so the
// caller can measure the connection's liveness.
func (d *Driver) openStream(conn *transport.Connection, kl *killswitch.Listener) (*transport.Stream, time.Time, error) {
	stream, err := conn.OpenStream(kl.Context())
	if err != nil {
		return nil, time.Time{}, err
	}
	header := d.Header.Bytes()
	if _, err := stream.Write(header[:]); err != nil {
		return nil, time.Time{}, err
	}
	return stream, time.Now(), nil
}

// pump runs the two BufferedCopies (stream-to-local, local-to-stream)
// until one terminates or kl fires, and returns whichever copy error
// is responsible.
func (d *Driver) pump(kl *killswitch.Listener, stream *transport.Stream) error {
	size := d.BufferSize
	if size <= 0 {
		size = copier.DefaultBufferSize
	}

	// A blocked Read on either side does not notice kl.Context() being
	// cancelled; this watcher unblocks both halves the moment kl fires
	// instead of waiting for one side's natural I/O to return first.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-kl.Killed():
			stream.CancelRead(0)
			d.Local.SetReadDeadline(time.Now())
		case <-watchDone:
		}
	}()

	results := make(chan error, 2)
	go func() {
		results <- copier.New(size).Copy(kl.Context(), stream, d.Local, true)
	}()
	go func() {
		results <- copier.New(size).Copy(kl.Context(), d.Local, stream, false)
	}()

	first := <-results

	// Unblock whichever side is still pumping: an expired read
	// deadline is the teacher's own technique for interrupting a
	// blocked local Read (see BidiPipe), and stopping the stream's
	// receive side is its QUIC equivalent. A retry reuses d.Local with
	// only a fresh stream, so the deadline is cleared again below
	// instead of tearing the connection down.
	stream.CancelRead(0)
	d.Local.SetReadDeadline(time.Now())

	<-results
	d.Local.SetReadDeadline(time.Time{})

	return first
}

// retryDecision classifies how the driver should react to a pump
// failure once the kill switch has already been ruled out.
type retryDecision int

const (
	// retryNever means ConnectionForbidden or StreamForbidden: the
	// peer explicitly rejected this route or connection, and retrying
	// would just be rejected again.
	retryNever retryDecision = iota
	// retryClean means TcpEof: the local side closed normally.
	retryClean
	// retryWithBackoff means PeerClosed, Internal, or Unactionable:
	// worth another attempt, possibly after a backoff.
	retryWithBackoff
)

func classifyRetry(err error) retryDecision {
	var cerr *copier.Error
	if !errors.As(err, &cerr) {
		return retryWithBackoff
	}
	switch cerr.Kind {
	case copier.KindConnectionForbidden, copier.KindStreamForbidden:
		return retryNever
	case copier.KindTCPEOF:
		return retryClean
	default:
		return retryWithBackoff
	}
}

// sleepUnlessKilled waits for d or until kl fires, whichever comes
// first. It returns false if kl fired first, so the caller can treat
// that as "Done" instead of continuing the retry loop.
func sleepUnlessKilled(d time.Duration, kl *killswitch.Listener) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-kl.Killed():
		return false
	}
}
