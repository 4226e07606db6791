package routes

import (
	"testing"

	"p2proxy/internal/identity"
	"p2proxy/internal/proto"
)

func mustNodeID(t *testing.T, b byte) identity.NodeID {
	t.Helper()
	var n identity.NodeID
	for i := range n {
		n[i] = b
	}
	return n
}

func TestBuild_AllowAnyPeerAllowsEveryone(t *testing.T) {
	tbl, err := Build([]PortSpec{
		{Name: "demo", Port: 4501, AllowAnyPeer: true},
	}, nil, "demo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pn, _ := proto.New("demo")
	node := mustNodeID(t, 0x01)
	if got := tbl.Get(node, pn); got != Allowed {
		t.Errorf("expected Allowed, got %v", got)
	}
	if got, name := tbl.DefaultRoute(node); got != Allowed || !name.Equal(pn) {
		t.Errorf("expected default route allowed for %q, got %v", name.Text(), got)
	}
}

func TestBuild_RestrictedPortHonorsAllowSet(t *testing.T) {
	allowed := mustNodeID(t, 0xAA)
	stranger := mustNodeID(t, 0xBB)

	tbl, err := Build([]PortSpec{
		{Name: "private", Port: 9000},
	}, []PeerPermission{
		{Node: allowed, AllowNamedPorts: []string{"private"}},
	}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pn, _ := proto.New("private")
	if got := tbl.Get(allowed, pn); got != Allowed {
		t.Errorf("expected Allowed for permitted peer, got %v", got)
	}
	if got := tbl.Get(stranger, pn); got != NotAllowed {
		t.Errorf("expected NotAllowed for stranger, got %v", got)
	}
}

func TestBuild_AllowAnyPortGrantsEveryNamedRoute(t *testing.T) {
	admin := mustNodeID(t, 0x01)
	tbl, err := Build([]PortSpec{
		{Name: "a", Port: 1},
		{Name: "b", Port: 2},
	}, []PeerPermission{
		{Node: admin, AllowAnyPort: true},
	}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pa, _ := proto.New("a")
	pb, _ := proto.New("b")
	if tbl.Get(admin, pa) != Allowed || tbl.Get(admin, pb) != Allowed {
		t.Error("expected allow_any_port peer to reach every named route")
	}
}

func TestBuild_UnreachablePortIsConfigError(t *testing.T) {
	_, err := Build([]PortSpec{
		{Name: "orphan", Port: 1},
	}, nil, "")
	if err == nil {
		t.Fatal("expected configuration error for unreachable port")
	}
}

func TestBuild_DuplicateNameRejected(t *testing.T) {
	_, err := Build([]PortSpec{
		{Name: "dup", Port: 1, AllowAnyPeer: true},
		{Name: "dup", Port: 2, AllowAnyPeer: true},
	}, nil, "")
	if err == nil {
		t.Fatal("expected duplicate name rejection")
	}
}

func TestBuild_DefaultRouteMustExist(t *testing.T) {
	_, err := Build([]PortSpec{
		{Name: "demo", Port: 1, AllowAnyPeer: true},
	}, nil, "missing")
	if err == nil {
		t.Fatal("expected error when default_route names an absent port")
	}
}

func TestBuild_ReservedHeaderNameRejected(t *testing.T) {
	_, err := Build([]PortSpec{
		{Name: "PINGPINGPINGPING", Port: 1, AllowAnyPeer: true},
	}, nil, "")
	if err == nil {
		t.Fatal("expected rejection of a port name colliding with a reserved header")
	}
}

func TestGet_UnknownRouteIsNotPresent(t *testing.T) {
	tbl, err := Build([]PortSpec{{Name: "demo", Port: 1, AllowAnyPeer: true}}, nil, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	unknown, _ := proto.New("unknown")
	if got := tbl.Get(mustNodeID(t, 1), unknown); got != NotPresent {
		t.Errorf("expected NotPresent, got %v", got)
	}
}

func TestDefaultRoute_NotPresentWhenUnconfigured(t *testing.T) {
	tbl, err := Build([]PortSpec{{Name: "demo", Port: 1, AllowAnyPeer: true}}, nil, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, _ := tbl.DefaultRoute(mustNodeID(t, 1)); got != NotPresent {
		t.Errorf("expected NotPresent, got %v", got)
	}
}
