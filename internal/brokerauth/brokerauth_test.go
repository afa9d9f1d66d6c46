package brokerauth

import "testing"

func TestSignVerifyRoundTrip(t *testing.T) {
	nonce, err := NewNonce()
	if err != nil {
		t.Fatal(err)
	}
	s := NewSigner("shared-secret-Z", nonce)

	framed := s.Sign([]byte("hello broker"))
	payload, ok := s.Verify(framed)
	if !ok {
		t.Fatal("expected verification to succeed")
	}
	if string(payload) != "hello broker" {
		t.Errorf("payload mismatch: got %q", payload)
	}
}

// TestFlippedByteRejected is spec §8 testable property 10 / scenario
// S6: flipping one byte of the HMAC must reject the message.
func TestFlippedByteRejected(t *testing.T) {
	nonce, _ := NewNonce()
	s := NewSigner("shared-secret-Z", nonce)

	framed := s.Sign([]byte("payload"))
	framed[0] ^= 0xFF

	if _, ok := s.Verify(framed); ok {
		t.Fatal("expected verification to fail after flipping a MAC byte")
	}
}

func TestWrongSecretRejected(t *testing.T) {
	nonce, _ := NewNonce()
	signer := NewSigner("secret-A", nonce)
	verifier := NewSigner("secret-B", nonce)

	framed := signer.Sign([]byte("payload"))
	if _, ok := verifier.Verify(framed); ok {
		t.Fatal("expected verification to fail under a different secret")
	}
}

func TestTooShortRejected(t *testing.T) {
	nonce, _ := NewNonce()
	s := NewSigner("secret", nonce)
	if _, ok := s.Verify([]byte("short")); ok {
		t.Fatal("expected a too-short message to be rejected")
	}
}
