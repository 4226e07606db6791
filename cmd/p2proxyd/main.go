// Command p2proxyd is the server daemon: it loads a YAML
// configuration, binds a QUIC endpoint, and serves routed TCP
// tunnels until signalled to stop. Grounded on the teacher's main.go,
// the only CLI surface in its own ambient stack, generalized from a
// bare -mode/-listen flag pair to the run/generate-template
// subcommand split spec.md's CLI surface calls for.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"p2proxy/internal/accesslog"
	"p2proxy/internal/applog"
	"p2proxy/internal/config"
	"p2proxy/internal/identity"
	"p2proxy/internal/killswitch"
	"p2proxy/internal/server"
)

// shutdownGrace bounds how long runCmd waits for in-flight connections
// to finish pumping (and send their close codes) after a shutdown
// signal, before giving up and letting the process exit anyway.
const shutdownGrace = 10 * time.Second

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "generate-template":
		generateTemplateCmd(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: p2proxyd run -c <config.yaml>")
	fmt.Fprintln(os.Stderr, "       p2proxyd generate-template --dest <path>")
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("c", "", "path to the server's YAML configuration")
	fs.Parse(args)

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "p2proxyd run: -c <config.yaml> is required")
		os.Exit(2)
	}

	loaded, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("p2proxyd: load config: %v", err)
	}

	logger := applog.New(loaded.Config.GlobalLog, "p2proxyd: ")
	log.SetOutput(logger.Writer())
	log.SetFlags(logger.Flags())

	accessLog := accesslog.New(loaded.Config.AccessLogPath)
	installReopenHandler(accessLog)

	ln, err := loaded.Endpoint.Listen(loaded.ListenAddr)
	if err != nil {
		log.Fatalf("p2proxyd: listen %s: %v", loaded.ListenAddr, err)
	}
	defer ln.Close()
	log.Printf("p2proxyd: listening on %s, node id %s", loaded.ListenAddr, loaded.Endpoint.SelfNodeID())

	sw, kl := killswitch.NewPair()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("p2proxyd: shutting down")
		sw.Signal()
		ln.Close()
	}()

	h := &server.Handler{
		Routes:      loaded.Routes,
		AccessLog:   accessLog,
		DialTimeout: 10 * time.Second,
	}
	h.Serve(context.Background(), ln, kl)

	// Serve returning only means Accept stopped yielding connections;
	// spawned connection and stream goroutines may still be mid-pump.
	// Give them a chance to reach their close-code logic before the
	// process exits out from under them.
	drained := make(chan struct{})
	go func() {
		h.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(shutdownGrace):
		log.Printf("p2proxyd: shutdown grace period elapsed with connections still draining")
	}
}

func generateTemplateCmd(args []string) {
	fs := flag.NewFlagSet("generate-template", flag.ExitOnError)
	dest := fs.String("dest", "p2proxyd.yaml", "path to write the template configuration to")
	fs.Parse(args)

	priv, err := identity.GenerateSecretKey()
	if err != nil {
		log.Fatalf("p2proxyd: generate secret key: %v", err)
	}
	if err := config.WriteTemplate(*dest, priv); err != nil {
		log.Fatalf("p2proxyd: write template: %v", err)
	}
	fmt.Printf("wrote template configuration to %s (node id %s)\n", *dest, identity.NodeIDOf(priv))
}
