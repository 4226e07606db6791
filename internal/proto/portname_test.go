package proto

import (
	"strings"
	"testing"
)

func TestNew_ShortPadded(t *testing.T) {
	pn, err := New("demo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := pn.Text(); got != "demo000000000000" {
		t.Errorf("expected padded text, got %q", got)
	}
	if len(pn.Bytes()) != Size {
		t.Errorf("expected %d bytes, got %d", Size, len(pn.Bytes()))
	}
}

func TestNew_ExactLength(t *testing.T) {
	s := strings.Repeat("a", Size)
	pn, err := New(s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pn.Text() != s {
		t.Errorf("expected %q, got %q", s, pn.Text())
	}
}

func TestNew_TruncatedAtBoundary(t *testing.T) {
	s := strings.Repeat("a", Size) + "extra"
	pn, err := New(s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pn.Text() != strings.Repeat("a", Size) {
		t.Errorf("expected truncation, got %q", pn.Text())
	}
}

func TestNew_TooLongAtNonBoundary(t *testing.T) {
	// A 2-byte rune (é, 0xC3 0xA9) straddling byte offset 16.
	s := strings.Repeat("a", Size-1) + "é" + "x"
	_, err := New(s)
	if err == nil {
		t.Fatal("expected ErrTooLongAtNonBoundary, got nil")
	}
}

func TestReservedHeadersDistinctFromEachOther(t *testing.T) {
	if Ping.Equal(Default) {
		t.Fatal("Ping and Default must not collide")
	}
	if len(Ping.Text()) != Size || len(Default.Text()) != Size {
		t.Fatal("reserved headers must be exactly Size bytes")
	}
}

func TestEqual(t *testing.T) {
	a, _ := New("demo")
	b, _ := New("demo")
	c, _ := New("other")
	if !a.Equal(b) {
		t.Error("expected equal port names to compare equal")
	}
	if a.Equal(c) {
		t.Error("expected distinct port names to compare unequal")
	}
}

func TestIsValidText(t *testing.T) {
	pn, _ := New("demo")
	if !pn.IsValidText() {
		t.Error("expected constructed port name to be valid UTF-8")
	}
	var garbage PortName
	for i := range garbage {
		garbage[i] = 0xFF
	}
	if garbage.IsValidText() {
		t.Error("expected 0xFF-filled header to be invalid UTF-8")
	}
}
