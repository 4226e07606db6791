// Package routes implements the server-side route table and
// authorization lookup (C5): a PortName-keyed map from route name to
// downstream socket address and allow-set, built once at
// configuration time and read concurrently by every per-stream
// handler thereafter. Grounded on the original's p2proxyd
// configuration.rs construct_routes, generalized from its
// single-pass FxHashMap build into a small builder function so the Go
// config loader reuses its validation rules and reports the same
// configuration errors.
package routes

import (
	"fmt"
	"net"

	"p2proxy/internal/identity"
	"p2proxy/internal/proto"
)

// Decision is the result of a route lookup.
type Decision int

const (
	// NotPresent means the route name is absent (or, for
	// DefaultRoute, no default was configured).
	NotPresent Decision = iota
	// NotAllowed means the route exists but the caller's node is not
	// in its allow-set.
	NotAllowed
	// Allowed means the caller may connect; Addr carries the
	// downstream socket address.
	Allowed
)

// PortEntry is one PortName → (socket, allow-set) association.
type PortEntry struct {
	Name     proto.PortName
	Addr     *net.TCPAddr
	AllowAny bool
	allow    map[identity.NodeID]struct{}
}

func (e *PortEntry) isAllowed(node identity.NodeID) bool {
	if e.AllowAny {
		return true
	}
	_, ok := e.allow[node]
	return ok
}

// Table is an immutable, concurrency-safe route table: a default
// route name (optional) plus a PortName-keyed map of PortEntry. Once
// built it is never mutated, so it is safe to share by reference
// across every per-stream goroutine without locking, the same
// sharing discipline the spec calls out explicitly.
type Table struct {
	defaultName *proto.PortName
	byName      map[proto.PortName]*PortEntry
}

// Get looks up a named route for node.
func (t *Table) Get(node identity.NodeID, name proto.PortName) Decision {
	e, ok := t.byName[name]
	if !ok {
		return NotPresent
	}
	if e.isAllowed(node) {
		return Allowed
	}
	return NotAllowed
}

// Addr returns the downstream socket address for a route previously
// confirmed Allowed via Get or DefaultRoute. It panics if name is not
// in the table, since callers must always check Get's Decision first.
func (t *Table) Addr(name proto.PortName) *net.TCPAddr {
	e, ok := t.byName[name]
	if !ok {
		panic("routes: Addr called for unknown route " + name.Text())
	}
	return e.Addr
}

// DefaultRoute resolves the configured default route for node. If no
// default route was configured, it returns NotPresent.
func (t *Table) DefaultRoute(node identity.NodeID) (Decision, proto.PortName) {
	if t.defaultName == nil {
		return NotPresent, proto.PortName{}
	}
	return t.Get(node, *t.defaultName), *t.defaultName
}

// PeerPermission is one entry of the configuration's "peers" list:
// a node's blanket any-port permission plus the set of named ports it
// may additionally reach.
type PeerPermission struct {
	Node          identity.NodeID
	AllowAnyPort  bool
	AllowNamedPorts []string
}

// PortSpec is one entry of the configuration's "server_ports" list.
type PortSpec struct {
	Name        string
	HostIP      string // empty means all interfaces
	Port        int
	AllowAnyPeer bool
}

// Build constructs a Table from server port specs, peer permissions,
// and an optional default route name, applying exactly the
// validation rules the original's construct_routes enforces:
//   - every port name must construct as a valid PortName;
//   - port names must be unique, except that the name matching the
//     declared default route may appear once in server_ports and be
//     named again by default_route;
//   - a port that is not allow-any-peer and whose effective allow-set
//     ends up empty is a configuration error (unreachable);
//   - a declared default_route name must exist among server_ports.
func Build(ports []PortSpec, peers []PeerPermission, defaultRoute string) (*Table, error) {
	byName := make(map[proto.PortName]*PortEntry, len(ports))
	seen := make(map[string]bool, len(ports))

	var defaultPN *proto.PortName
	if defaultRoute != "" {
		pn, err := proto.New(defaultRoute)
		if err != nil {
			return nil, fmt.Errorf("routes: default_route %q: %w", defaultRoute, err)
		}
		defaultPN = &pn
	}

	for _, spec := range ports {
		pn, err := proto.New(spec.Name)
		if err != nil {
			return nil, fmt.Errorf("routes: server port %q: %w", spec.Name, err)
		}
		if pn.Equal(proto.Ping) || pn.Equal(proto.Default) {
			return nil, fmt.Errorf("routes: server port %q collides with a reserved header", spec.Name)
		}

		isDefault := defaultPN != nil && pn.Equal(*defaultPN)
		if seen[spec.Name] && !isDefault {
			return nil, fmt.Errorf("routes: server port name %q is not unique", spec.Name)
		}
		if seen[spec.Name] && isDefault {
			return nil, fmt.Errorf("routes: server port name duplication on default route %q", spec.Name)
		}
		seen[spec.Name] = true

		host := spec.HostIP
		if host == "" {
			host = "0.0.0.0"
		}
		ip := net.ParseIP(host)
		if ip == nil {
			return nil, fmt.Errorf("routes: server port %q: invalid host_ip %q", spec.Name, host)
		}
		addr := &net.TCPAddr{IP: ip, Port: spec.Port}

		entry := &PortEntry{Name: pn, Addr: addr}

		if spec.AllowAnyPeer {
			entry.AllowAny = true
			byName[pn] = entry
			continue
		}

		allow := make(map[identity.NodeID]struct{})
		for _, peer := range peers {
			if peer.AllowAnyPort {
				allow[peer.Node] = struct{}{}
				continue
			}
			seenPeerPort := make(map[string]bool, len(peer.AllowNamedPorts))
			for _, peerPort := range peer.AllowNamedPorts {
				if seenPeerPort[peerPort] {
					return nil, fmt.Errorf("routes: peer %s specified duplicate named port %q", peer.Node, peerPort)
				}
				seenPeerPort[peerPort] = true
				spm, err := proto.New(peerPort)
				if err != nil {
					return nil, fmt.Errorf("routes: peer %s specified invalid named port %q: %w", peer.Node, peerPort, err)
				}
				if pn.Equal(spm) {
					allow[peer.Node] = struct{}{}
				}
			}
		}
		if len(allow) == 0 {
			return nil, fmt.Errorf("routes: server port %q has no explicit allow list and does not allow any peer (unreachable)", spec.Name)
		}
		entry.allow = allow
		byName[pn] = entry
	}

	if defaultPN != nil {
		if _, ok := byName[*defaultPN]; !ok {
			return nil, fmt.Errorf("routes: default_route %q specified, but no server port exposes it", defaultRoute)
		}
	}

	return &Table{defaultName: defaultPN, byName: byName}, nil
}
