package wire

import (
	"bytes"
	"math/rand"
	"testing"
)

// TestFramingRoundTripOneByteAtATime is the property from spec.md §8.1:
// for all payloads p and request ids r, encoding (r, p) and feeding the
// stream one byte at a time to the decoder produces exactly one (r, p)
// event and no others.
func TestFramingRoundTripOneByteAtATime(t *testing.T) {
	cases := []struct {
		reqID   uint64
		payload []byte
	}{
		{0, nil},
		{1, []byte{}},
		{42, []byte("hello")},
		{1 << 40, bytes.Repeat([]byte{0xAB}, 4096)},
	}

	for _, c := range cases {
		var buf bytes.Buffer
		if err := WriteFrame(&buf, c.reqID, c.payload); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}

		dec := NewDecoder()
		var got []Frame
		raw := buf.Bytes()
		for i := 0; i < len(raw); i++ {
			got = append(got, dec.Feed(raw[i:i+1])...)
		}

		if len(got) != 1 {
			t.Fatalf("reqID=%d: expected exactly 1 frame, got %d", c.reqID, len(got))
		}
		if got[0].ReqID != c.reqID {
			t.Errorf("reqID mismatch: want %d got %d", c.reqID, got[0].ReqID)
		}
		if !bytes.Equal(got[0].Payload, c.payload) && !(len(got[0].Payload) == 0 && len(c.payload) == 0) {
			t.Errorf("payload mismatch: want %q got %q", c.payload, got[0].Payload)
		}
	}
}

func TestFramingMultipleFramesInOneChunk(t *testing.T) {
	var buf bytes.Buffer
	WriteFrame(&buf, 1, []byte("a"))
	WriteFrame(&buf, 2, []byte("bb"))
	WriteFrame(&buf, 3, []byte("ccc"))

	dec := NewDecoder()
	frames := dec.Feed(buf.Bytes())
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	for i, want := range []string{"a", "bb", "ccc"} {
		if string(frames[i].Payload) != want {
			t.Errorf("frame %d: want %q got %q", i, want, frames[i].Payload)
		}
		if frames[i].ReqID != uint64(i+1) {
			t.Errorf("frame %d: want reqID %d got %d", i, i+1, frames[i].ReqID)
		}
	}
}

func TestFramingRandomChunking(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	var buf bytes.Buffer
	const n = 50
	want := make([]Frame, n)
	for i := 0; i < n; i++ {
		payload := make([]byte, rng.Intn(200))
		rng.Read(payload)
		reqID := uint64(rng.Int63())
		WriteFrame(&buf, reqID, payload)
		want[i] = Frame{ReqID: reqID, Payload: payload}
	}

	dec := NewDecoder()
	var got []Frame
	raw := buf.Bytes()
	for len(raw) > 0 {
		n := 1 + rng.Intn(7)
		if n > len(raw) {
			n = len(raw)
		}
		got = append(got, dec.Feed(raw[:n])...)
		raw = raw[n:]
	}

	if len(got) != len(want) {
		t.Fatalf("expected %d frames, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].ReqID != want[i].ReqID || !bytes.Equal(got[i].Payload, want[i].Payload) {
			t.Errorf("frame %d mismatch", i)
		}
	}
}

func TestHandshakePID(t *testing.T) {
	var buf bytes.Buffer
	if err := HandshakeWritePID(&buf, 12345); err != nil {
		t.Fatal(err)
	}
	pid, err := HandshakeReadPID(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if pid != 12345 {
		t.Errorf("want pid 12345, got %d", pid)
	}
}
