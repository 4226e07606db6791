// Command p2proxy is the client CLI: it serves a local TCP port
// through a tunnel to a named peer, pings a peer for liveness, or
// generates a fresh secret key. Grounded on the teacher's main.go flag
// parsing idiom (stdlib flag, no subcommand framework), generalized
// into the three subcommands the client surface (spec.md §6) names.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"p2proxy/internal/client"
	"p2proxy/internal/identity"
	"p2proxy/internal/killswitch"
	"p2proxy/internal/proto"
	"p2proxy/internal/transport"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "serve":
		serveCmd(os.Args[2:])
	case "ping":
		pingCmd(os.Args[2:])
	case "keygen":
		keygenCmd(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: p2proxy serve --peer <hex> --peer-addr <host:port> --endpoint-key <path> --local-port <port> [--port-name <name>]")
	fmt.Fprintln(os.Stderr, "       p2proxy ping --peer <hex> --peer-addr <host:port> --endpoint-key <path>")
	fmt.Fprintln(os.Stderr, "       p2proxy keygen --out <path>")
}

func loadEndpoint(keyPath string) (*transport.Endpoint, error) {
	raw, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read endpoint key: %w", err)
	}
	priv, err := identity.LoadSecretKey(raw)
	if err != nil {
		return nil, fmt.Errorf("load endpoint key: %w", err)
	}
	return transport.NewEndpoint(priv, transport.DefaultConfig())
}

func serveCmd(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	peerHex := fs.String("peer", "", "hex-encoded node id of the peer to tunnel through")
	peerAddr := fs.String("peer-addr", "", "host:port of the peer's QUIC endpoint")
	keyPath := fs.String("endpoint-key", "", "path to this endpoint's secret key")
	localPort := fs.Int("local-port", 0, "local TCP port to bind and forward")
	portName := fs.String("port-name", "", "route name to request; empty means the configured default route")
	fs.Parse(args)

	if *peerHex == "" || *peerAddr == "" || *keyPath == "" || *localPort == 0 {
		usage()
		os.Exit(2)
	}

	peer, err := identity.ParseNodeID(*peerHex)
	if err != nil {
		log.Fatalf("p2proxy: %v", err)
	}
	ep, err := loadEndpoint(*keyPath)
	if err != nil {
		log.Fatalf("p2proxy: %v", err)
	}

	headerText := *portName
	if headerText == "" {
		headerText = "9999999999999999" // proto.Default, requested literally since the client CLI has no route table of its own
	}
	header, err := proto.New(headerText)
	if err != nil {
		log.Fatalf("p2proxy: invalid port name %q: %v", headerText, err)
	}

	updates := client.NewUpdates()
	go logUpdates(updates)

	sw, kl := killswitch.NewPair()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("p2proxy: shutting down")
		sw.Signal()
	}()

	lstn := &client.Listener{
		LocalPort: *localPort,
		Endpoint:  ep,
		Peer:      peer,
		PeerAddr:  *peerAddr,
		Header:    header,
		Updates:   updates,
	}
	if err := lstn.Run(kl); err != nil {
		log.Fatalf("p2proxy: serve: %v", err)
	}
}

func logUpdates(updates client.Updates) {
	for u := range updates {
		if u.Err != nil {
			log.Printf("p2proxy: connection %d: %s: %v", u.ConnectionID, u.Kind, u.Err)
		} else {
			log.Printf("p2proxy: connection %d: %s", u.ConnectionID, u.Kind)
		}
	}
}

func pingCmd(args []string) {
	fs := flag.NewFlagSet("ping", flag.ExitOnError)
	peerHex := fs.String("peer", "", "hex-encoded node id of the peer to ping")
	peerAddr := fs.String("peer-addr", "", "host:port of the peer's QUIC endpoint")
	keyPath := fs.String("endpoint-key", "", "path to this endpoint's secret key")
	fs.Parse(args)

	if *peerHex == "" || *peerAddr == "" || *keyPath == "" {
		usage()
		os.Exit(2)
	}

	peer, err := identity.ParseNodeID(*peerHex)
	if err != nil {
		log.Fatalf("p2proxy: %v", err)
	}
	ep, err := loadEndpoint(*keyPath)
	if err != nil {
		log.Fatalf("p2proxy: %v", err)
	}

	rtt, err := client.Ping(context.Background(), ep, *peerAddr, peer)
	if err != nil {
		log.Fatalf("p2proxy: ping: %v", err)
	}
	fmt.Printf("pong from %s in %s\n", peer, rtt)
}

func keygenCmd(args []string) {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	out := fs.String("out", "p2proxy.key", "path to write the generated secret key to")
	fs.Parse(args)

	priv, err := identity.GenerateSecretKey()
	if err != nil {
		log.Fatalf("p2proxy: generate secret key: %v", err)
	}
	if err := os.WriteFile(*out, identity.Seed(priv), 0600); err != nil {
		log.Fatalf("p2proxy: write secret key: %v", err)
	}
	fmt.Printf("wrote secret key to %s (node id %s)\n", *out, identity.NodeIDOf(priv))
}
