package proto

// Application-layer close codes carried on stream/connection
// teardown. These are the values passed to a transport's
// stop/reset/close primitives, not transport-level QUIC error codes
// (the transport package maps between the two).
const (
	CodeOK        = 0
	CodeGeneric   = 1
	CodeForbidden = 2
)

// ALPN is the application-layer protocol identifier both endpoints
// present during the transport handshake.
const ALPN = "p2proxy_proto"
