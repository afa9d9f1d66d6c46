// Package brokerauth implements the multi-tenant broker's message
// authentication (spec §4.1 multi-tenant addition): every payload a
// client sends the broker carries a 32-byte HMAC-SHA256 prefix, keyed
// off a per-connection subkey derived from the broker's pre-shared
// secret and a nonce exchanged at handshake time.
//
// Grounded on the teacher's SCRAM-SHA-256 implementation
// (internal/pool/scram.go): the same pbkdf2.Key(...,sha256.New) call
// that derives a salted password there derives this package's
// per-connection subkey, and the same hmac.New(sha256.New, key)
// pattern produces the message MAC.
package brokerauth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// MACLen is the fixed size of the HMAC-SHA256 prefix (spec §4.1).
const MACLen = 32

// NonceLen is the size of the per-connection nonce the broker hands
// each client at handshake time.
const NonceLen = 16

// NewNonce returns a fresh random nonce for one connection.
func NewNonce() ([]byte, error) {
	n := make([]byte, NonceLen)
	if _, err := rand.Read(n); err != nil {
		return nil, fmt.Errorf("brokerauth: generating nonce: %w", err)
	}
	return n, nil
}

const pbkdf2Iterations = 4096

// DeriveKey derives a 32-byte per-connection subkey from the shared
// secret and nonce, the same pbkdf2.Key shape the teacher's SCRAM
// auth uses to derive a salted password.
func DeriveKey(secret string, nonce []byte) []byte {
	return pbkdf2.Key([]byte(secret), nonce, pbkdf2Iterations, 32, sha256.New)
}

// Signer MACs and verifies payloads for one connection's lifetime,
// using a key derived once at handshake time.
type Signer struct {
	key []byte
}

// NewSigner returns a Signer keyed off secret and nonce.
func NewSigner(secret string, nonce []byte) *Signer {
	return &Signer{key: DeriveKey(secret, nonce)}
}

func (s *Signer) mac(payload []byte) []byte {
	h := hmac.New(sha256.New, s.key)
	h.Write(payload)
	return h.Sum(nil)
}

// Sign returns payload prefixed with its MAC: the wire shape a client
// sends the broker (spec §4.1).
func (s *Signer) Sign(payload []byte) []byte {
	out := make([]byte, 0, MACLen+len(payload))
	out = append(out, s.mac(payload)...)
	out = append(out, payload...)
	return out
}

// Verify splits a MAC-prefixed message and reports whether the prefix
// matches the MAC of the remainder under this Signer's key. A
// mismatch (including a too-short message) is rejected without
// producing a worker call (spec §8 testable property 10).
func (s *Signer) Verify(framed []byte) (payload []byte, ok bool) {
	if len(framed) < MACLen {
		return nil, false
	}
	got, rest := framed[:MACLen], framed[MACLen:]
	want := s.mac(rest)
	if !hmac.Equal(got, want) {
		return nil, false
	}
	return rest, true
}
