// Package identity implements the node-identity half of the transport
// boundary the spec treats as an external collaborator: loading a
// 32-byte secret key, deriving the public-key NodeId from it, and
// minting the self-signed TLS certificate that carries that NodeId
// during the QUIC handshake. This is the concrete mechanism standing
// in for "connection authentication by long-lived key pairs," which
// the spec otherwise leaves to the transport library.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// Size is the length, in bytes, of a secret key and of a NodeId.
const Size = ed25519.SeedSize // 32

// NodeID is a 32-byte Ed25519 public key, opaque to every package but
// this one and comparable with ==.
type NodeID [Size]byte

func (n NodeID) String() string {
	return hex.EncodeToString(n[:])
}

// Equal reports whether two node ids are the same public key.
func (n NodeID) Equal(other NodeID) bool {
	return n == other
}

// NodeIDFromPublicKey derives a NodeID from a raw Ed25519 public key.
func NodeIDFromPublicKey(pub ed25519.PublicKey) (NodeID, error) {
	if len(pub) != Size {
		return NodeID{}, fmt.Errorf("identity: public key is %d bytes, want %d", len(pub), Size)
	}
	var n NodeID
	copy(n[:], pub)
	return n, nil
}

// ParseNodeID decodes a lowercase hex NodeID string, the form the
// config layer and CLI surface both accept for a peer's identity.
func ParseNodeID(s string) (NodeID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return NodeID{}, fmt.Errorf("identity: invalid node id hex: %w", err)
	}
	if len(raw) != Size {
		return NodeID{}, fmt.Errorf("identity: node id is %d bytes, want %d", len(raw), Size)
	}
	var n NodeID
	copy(n[:], raw)
	return n, nil
}

// ErrInvalidSecretKeyLength is returned by LoadSecretKey when the
// input is neither a raw 32-byte seed nor a 64-char hex string.
var ErrInvalidSecretKeyLength = errors.New("identity: secret key must be 32 raw bytes or 64 hex characters")

// LoadSecretKey accepts either a raw 32-byte Ed25519 seed or its
// 64-character hex encoding, matching the client surface's
// load_secret_key contract.
func LoadSecretKey(raw []byte) (ed25519.PrivateKey, error) {
	seed := raw
	if len(raw) != Size {
		decoded := make([]byte, hex.DecodedLen(len(raw)))
		n, err := hex.Decode(decoded, raw)
		if err != nil || n != Size {
			return nil, ErrInvalidSecretKeyLength
		}
		seed = decoded[:n]
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// GenerateSecretKey produces a fresh random Ed25519 secret key, used
// by the keygen CLI subcommand and by tests.
func GenerateSecretKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	return priv, nil
}

// Seed returns the 32-byte seed backing an Ed25519 private key, the
// form persisted to a secret-key file.
func Seed(priv ed25519.PrivateKey) []byte {
	return priv.Seed()
}

// NodeIDOf derives this private key's public NodeID.
func NodeIDOf(priv ed25519.PrivateKey) NodeID {
	pub := priv.Public().(ed25519.PublicKey)
	n, _ := NodeIDFromPublicKey(pub)
	return n
}

// SelfSignedCert mints a deterministic single-certificate chain whose
// subject public key is priv's NodeId, adapted from the teacher's
// generateSelfSignedCert (there: an ephemeral RSA key good for one
// process lifetime; here: a certificate that must carry a stable,
// externally-verifiable identity across restarts, so it is derived
// from the caller's persistent secret key instead of generated
// fresh).
func SelfSignedCert(priv ed25519.PrivateKey) (tls.Certificate, error) {
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"p2proxy"}},
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),

		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	pub := priv.Public().(ed25519.PublicKey)
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("identity: create certificate: %w", err)
	}

	certPEM := pemEncode("CERTIFICATE", der)
	keyBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("identity: marshal private key: %w", err)
	}
	keyPEM := pemEncode("PRIVATE KEY", keyBytes)

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("identity: build key pair: %w", err)
	}
	return cert, nil
}

func pemEncode(typ string, data []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: data})
}

// PeerNodeID extracts the authenticated NodeID from a verified TLS
// connection state's leaf certificate, the point where this module's
// concrete mechanism satisfies the spec's "accept authenticated
// bidirectional stream, yielding the peer's node identity" contract.
func PeerNodeID(state tls.ConnectionState) (NodeID, error) {
	if len(state.PeerCertificates) == 0 {
		return NodeID{}, errors.New("identity: no peer certificate presented")
	}
	leaf := state.PeerCertificates[0]
	pub, ok := leaf.PublicKey.(ed25519.PublicKey)
	if !ok {
		return NodeID{}, errors.New("identity: peer certificate is not an Ed25519 key")
	}
	return NodeIDFromPublicKey(pub)
}
