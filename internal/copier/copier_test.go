package copier

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/quic-go/quic-go"
)

// fakeCapability is an in-memory Capability for testing BufferedCopy
// without a real socket or QUIC stream.
type fakeCapability struct {
	readChunks [][]byte
	readErr    error
	readIdx    int

	written  bytes.Buffer
	writeErr error
	// writeLimit caps how many bytes a single Write call accepts, to
	// exercise partial-write handling; 0 means unlimited.
	writeLimit int
}

func (f *fakeCapability) Read(p []byte) (int, error) {
	if f.readIdx >= len(f.readChunks) {
		if f.readErr != nil {
			return 0, f.readErr
		}
		return 0, io.EOF
	}
	chunk := f.readChunks[f.readIdx]
	n := copy(p, chunk)
	if n < len(chunk) {
		// Keep the unread tail for the next Read, like a real stream.
		f.readChunks[f.readIdx] = chunk[n:]
	} else {
		f.readIdx++
	}
	return n, nil
}

func (f *fakeCapability) Write(p []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	n := len(p)
	if f.writeLimit > 0 && n > f.writeLimit {
		n = f.writeLimit
	}
	f.written.Write(p[:n])
	return n, nil
}

func TestCopy_RoundTripsBytesInOrder(t *testing.T) {
	src := &fakeCapability{readChunks: [][]byte{[]byte("hello "), []byte("world")}}
	dst := &fakeCapability{}

	bc := New(4) // small buffer forces multiple read/write cycles
	err := bc.Copy(context.Background(), src, dst, false)

	var ce *Error
	if !errors.As(err, &ce) || ce.Kind != KindTCPEOF {
		t.Fatalf("expected KindTCPEOF, got %v", err)
	}
	if dst.written.String() != "hello world" {
		t.Errorf("expected %q, got %q", "hello world", dst.written.String())
	}
}

func TestCopy_PartialWriteAdvancesOffset(t *testing.T) {
	src := &fakeCapability{readChunks: [][]byte{[]byte("0123456789")}}
	dst := &fakeCapability{writeLimit: 3}

	bc := New(32)
	err := bc.Copy(context.Background(), src, dst, false)

	var ce *Error
	if !errors.As(err, &ce) || ce.Kind != KindTCPEOF {
		t.Fatalf("expected KindTCPEOF, got %v", err)
	}
	if dst.written.String() != "0123456789" {
		t.Errorf("expected full payload despite partial writes, got %q", dst.written.String())
	}
}

func TestCopy_ZeroWriteNonEmptySliceIsFatal(t *testing.T) {
	src := &fakeCapability{readChunks: [][]byte{[]byte("abc")}}

	// Simulate a writer that always accepts 0 bytes with no error.
	zeroWriter := &zeroByteWriter{}
	bc := New(32)
	err := bc.Copy(context.Background(), src, zeroWriter, false)

	var ce *Error
	if !errors.As(err, &ce) || ce.Kind != KindUnactionable || ce.Reason != "writer closed" {
		t.Fatalf("expected writer closed error, got %v", err)
	}
}

type zeroByteWriter struct{}

func (zeroByteWriter) Read(p []byte) (int, error)  { return 0, io.EOF }
func (zeroByteWriter) Write(p []byte) (int, error) { return 0, nil }

func TestCopy_TcpEofOnEmptyRead(t *testing.T) {
	src := &fakeCapability{}
	dst := &fakeCapability{}
	bc := New(32)
	err := bc.Copy(context.Background(), src, dst, false)
	var ce *Error
	if !errors.As(err, &ce) || ce.Kind != KindTCPEOF {
		t.Fatalf("expected KindTCPEOF, got %v", err)
	}
}

func TestCopy_StreamEofIsPeerClosedZero(t *testing.T) {
	src := &fakeCapability{}
	dst := &fakeCapability{}
	bc := New(32)
	err := bc.Copy(context.Background(), src, dst, true)
	var ce *Error
	if !errors.As(err, &ce) || ce.Kind != KindPeerClosed || ce.Code != 0 {
		t.Fatalf("expected KindPeerClosed(0), got %v", err)
	}
	if !ce.IsCleanTermination() {
		t.Error("expected PeerClosed(0) to be a clean termination")
	}
}

func TestCopy_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := &fakeCapability{readChunks: [][]byte{[]byte("x")}}
	dst := &fakeCapability{}
	bc := New(32)
	err := bc.Copy(ctx, src, dst, false)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestClassify_CloseCodes(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		wantKind Kind
	}{
		{"stream code 0", &quic.StreamError{ErrorCode: 0}, KindPeerClosed},
		{"stream code 1", &quic.StreamError{ErrorCode: 1}, KindInternal},
		{"stream code 2", &quic.StreamError{ErrorCode: 2}, KindStreamForbidden},
		{"stream code other", &quic.StreamError{ErrorCode: 99}, KindPeerClosed},
		{"app code 0", &quic.ApplicationError{ErrorCode: 0}, KindPeerClosed},
		{"app code 1", &quic.ApplicationError{ErrorCode: 1}, KindInternal},
		{"app code 2", &quic.ApplicationError{ErrorCode: 2}, KindConnectionForbidden},
		{"app code other", &quic.ApplicationError{ErrorCode: 42}, KindPeerClosed},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Classify(c.err, true)
			if got.Kind != c.wantKind {
				t.Errorf("Classify(%v) kind = %v, want %v", c.err, got.Kind, c.wantKind)
			}
		})
	}
}
