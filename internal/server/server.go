// Package server implements the server-side protocol handler (C6):
// admitting a connection, deciding each stream's requested route, and
// pumping bytes between the authenticated stream and the downstream
// TCP connection it was routed to. Grounded on the teacher's
// bridge.SalmonBridge.handleIncomingStream, generalized from its fixed
// host allow-list to a node-identity-keyed route table.
package server

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"p2proxy/internal/accesslog"
	"p2proxy/internal/copier"
	"p2proxy/internal/identity"
	"p2proxy/internal/killswitch"
	"p2proxy/internal/proto"
	"p2proxy/internal/routes"
	"p2proxy/internal/transport"
)

// Handler owns the pieces a running server needs to admit connections
// and serve streams: the route table, the access logger, and the
// dial behavior for reaching routed downstreams.
type Handler struct {
	Routes    *routes.Table
	AccessLog *accesslog.Handle

	// BufferSize sizes each stream's pair of BufferedCopy instances.
	// Zero selects copier.DefaultBufferSize.
	BufferSize int

	// DialTimeout bounds the downstream TCP dial. Zero selects
	// net.Dialer's own default (no explicit deadline).
	DialTimeout time.Duration

	wg sync.WaitGroup
}

// Serve accepts connections from ln, spawning one goroutine per
// connection, until Accept fails (ctx done or ln closed). Signalling
// kl does not by itself stop Serve: it ends the spawned connections'
// stream loops and pumps, and the caller closes ln to end the accept
// loop. It blocks until the listener stops yielding connections.
// Serve returning does not
// mean every spawned connection has finished pumping; call Wait after
// Serve returns to drain them.
func (h *Handler) Serve(ctx context.Context, ln *transport.Listener, kl *killswitch.Listener) {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			var missing *transport.MissingNodeIDError
			if errors.As(err, &missing) {
				h.AccessLog.LogMissingNodeID(missing.Addr)
				continue
			}
			if ctx.Err() != nil || (kl != nil && kl.IsKilled()) {
				return
			}
			log.Printf("server: accept: %v", err)
			return
		}
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.handleConnection(ctx, conn, kl)
		}()
	}
}

// Wait blocks until every connection and stream goroutine spawned by
// Serve has returned. Callers shutting down should call this after
// Serve returns so in-flight pumps get a chance to send their close
// codes before the process exits.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// handleConnection logs admission and then serves every stream the
// peer opens on this connection until the connection's accept loop
// ends, fatally or cleanly, or kl is signalled.
func (h *Handler) handleConnection(ctx context.Context, conn *transport.Connection, kl *killswitch.Listener) {
	node := conn.RemoteNodeID()
	h.AccessLog.LogAccepted(conn.RemoteAddr(), node)

	acceptCtx := ctx
	if kl != nil {
		acceptCtx = kl.Context()
	}

	for {
		stream, err := conn.AcceptStream(acceptCtx)
		if err != nil {
			if !isCleanAcceptStreamError(err) {
				log.Printf("server: accept stream from %s: %v", node, err)
			}
			return
		}
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.handleStream(ctx, node, conn, stream, kl)
		}()
	}
}

// isCleanAcceptStreamError reports whether an AcceptStream failure is
// the connection winding down cleanly (peer closed it, or our own
// shutdown closed it), as opposed to a transport fault worth logging.
func isCleanAcceptStreamError(err error) bool {
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// handleStream reads the 16-byte route header and decides what to do
// with the stream: answer a ping, reject an invalid or disallowed
// request, or dial the routed downstream and pump bytes.
func (h *Handler) handleStream(ctx context.Context, node identity.NodeID, conn *transport.Connection, stream *transport.Stream, kl *killswitch.Listener) {
	var header [proto.Size]byte
	if _, err := io.ReadFull(stream, header[:]); err != nil {
		// The peer opened a stream and went away before sending a
		// header; nothing to log or act on beyond letting the stream
		// die with the peer's own close code.
		return
	}
	name := proto.PortName(header)

	switch {
	case name.Equal(proto.Ping):
		h.handlePing(stream)
		return

	case name.Equal(proto.Default):
		decision, routeName := h.Routes.DefaultRoute(node)
		if decision != routes.Allowed {
			h.AccessLog.LogRejectedDefaultAbsent(conn.RemoteAddr(), node)
			h.reject(stream)
			return
		}
		h.dialAndPump(ctx, conn.RemoteAddr(), stream, h.Routes.Addr(routeName), kl)
		return

	case !name.IsValidText():
		h.AccessLog.LogRejectedGarbagePort(conn.RemoteAddr(), node, header)
		h.reject(stream)
		return

	default:
		decision := h.Routes.Get(node, name)
		switch decision {
		case routes.NotPresent:
			h.AccessLog.LogRejectedUnknownPort(conn.RemoteAddr(), node, name.Text())
			h.reject(stream)
		case routes.NotAllowed:
			h.AccessLog.LogRejectedNotAllowed(conn.RemoteAddr(), node, name.Text())
			h.reject(stream)
		case routes.Allowed:
			h.dialAndPump(ctx, conn.RemoteAddr(), stream, h.Routes.Addr(name), kl)
		}
	}
}

// handlePing answers a Ping header with the fixed PONG payload, then
// finishes the stream cleanly from the server's side.
func (h *Handler) handlePing(stream *transport.Stream) {
	if _, err := stream.Write(proto.PongPayload); err != nil {
		stream.CancelWrite(quic.StreamErrorCode(proto.CodeGeneric))
		stream.CancelRead(quic.StreamErrorCode(proto.CodeGeneric))
		return
	}
	_ = stream.Close()
	stream.CancelRead(quic.StreamErrorCode(proto.CodeOK))
}

// reject resets both directions of the stream with the forbidden
// close code.
func (h *Handler) reject(stream *transport.Stream) {
	stream.CancelWrite(quic.StreamErrorCode(proto.CodeForbidden))
	stream.CancelRead(quic.StreamErrorCode(proto.CodeForbidden))
}

// dialAndPump connects to the routed downstream and, on success, pumps
// bytes in both directions until one side terminates or kl signals.
func (h *Handler) dialAndPump(ctx context.Context, peerAddr net.Addr, stream *transport.Stream, addr *net.TCPAddr, kl *killswitch.Listener) {
	dialer := net.Dialer{Timeout: h.DialTimeout}
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		log.Printf("server: dial downstream %s for %s: %v", addr, peerAddr, err)
		stream.CancelWrite(quic.StreamErrorCode(proto.CodeGeneric))
		stream.CancelRead(quic.StreamErrorCode(proto.CodeGeneric))
		return
	}
	h.pump(ctx, stream, tcpConn, kl)
}

// pump runs two BufferedCopies concurrently, stream-to-tcp and
// tcp-to-stream, until one terminates, then stops the other side and
// closes the stream with the appropriate close code: a kill-switch
// signal or a clean termination (PeerClosed(0), TcpEof) finishes the
// send side and stops the receive side with code 0; anything else
// resets both directions with the generic code.
func (h *Handler) pump(ctx context.Context, stream *transport.Stream, tcpConn net.Conn, kl *killswitch.Listener) {
	defer tcpConn.Close()

	pumpCtx := ctx
	if kl != nil {
		pumpCtx = kl.Context()
	}

	size := h.BufferSize
	if size <= 0 {
		size = copier.DefaultBufferSize
	}

	// A blocked Read on either side does not notice pumpCtx being
	// cancelled; this watcher unblocks both halves the moment kl fires
	// instead of waiting for one side's natural I/O, the same way
	// listener.go unblocks a pending Accept.
	if kl != nil {
		watchDone := make(chan struct{})
		defer close(watchDone)
		go func() {
			select {
			case <-kl.Killed():
				stream.CancelRead(quic.StreamErrorCode(proto.CodeOK))
				tcpConn.SetReadDeadline(time.Now())
			case <-watchDone:
			}
		}()
	}

	results := make(chan error, 2)
	go func() {
		results <- copier.New(size).Copy(pumpCtx, stream, tcpConn, true)
	}()
	go func() {
		results <- copier.New(size).Copy(pumpCtx, tcpConn, stream, false)
	}()

	first := <-results
	killed := kl != nil && kl.IsKilled()

	if killed || isCleanPumpError(first) {
		_ = stream.Close()
		stream.CancelRead(quic.StreamErrorCode(proto.CodeOK))
	} else {
		stream.CancelWrite(quic.StreamErrorCode(proto.CodeGeneric))
		stream.CancelRead(quic.StreamErrorCode(proto.CodeGeneric))
	}
	tcpConn.Close()

	<-results // let the sibling pump unwind before returning
}

func isCleanPumpError(err error) bool {
	var cerr *copier.Error
	if errors.As(err, &cerr) {
		return cerr.IsCleanTermination()
	}
	return false
}
