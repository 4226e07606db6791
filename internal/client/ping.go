package client

import (
	"context"
	"fmt"
	"io"
	"time"

	"p2proxy/internal/identity"
	"p2proxy/internal/proto"
	"p2proxy/internal/transport"
)

// Ping dials peer at peerAddr, issues the reserved liveness-probe
// header, and returns the round-trip time to receive the PONG payload
// back. It is the client surface's ping(endpoint, peer_node_id)
// operation (spec.md §6), realized directly against transport.Endpoint
// rather than through a Driver, since a ping is a single request/reply
// exchange with no retry state machine of its own.
func Ping(ctx context.Context, ep *transport.Endpoint, peerAddr string, peer identity.NodeID) (time.Duration, error) {
	t0 := time.Now()

	conn, err := ep.Dial(ctx, peerAddr, peer)
	if err != nil {
		return 0, fmt.Errorf("client: ping: dial: %w", err)
	}
	defer conn.CloseWithCode(proto.CodeOK, "ping done")

	stream, err := conn.OpenStream(ctx)
	if err != nil {
		return 0, fmt.Errorf("client: ping: open stream: %w", err)
	}

	header := proto.Ping.Bytes()
	if _, err := stream.Write(header[:]); err != nil {
		return 0, fmt.Errorf("client: ping: write header: %w", err)
	}
	_ = stream.Close()

	reply := make([]byte, len(proto.PongPayload))
	if _, err := io.ReadFull(stream, reply); err != nil {
		return 0, fmt.Errorf("client: ping: read reply: %w", err)
	}
	stream.CancelRead(proto.CodeOK)

	if string(reply) != string(proto.PongPayload) {
		return 0, fmt.Errorf("client: ping: unexpected reply %q", reply)
	}

	return time.Since(t0), nil
}
