// Package wire implements the length-prefixed framing protocol used
// between the pool (broker) and worker processes (spec §4.1, §6):
//
//	[u64 be length N including the request-id][u64 be request-id][N-8 bytes payload]
//
// identical in both directions. The very first bytes a worker writes on
// connect are a bare u64 be process identity with no length prefix;
// HandshakeReadPID consumes exactly that.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

const headerLen = 8 // u64 length field

// Frame is one decoded (request-id, payload) message.
type Frame struct {
	ReqID   uint64
	Payload []byte
}

// WriteFrame writes one frame to w: length (payload+8), request id,
// payload. Matches the wire layout byte-for-byte in both directions.
func WriteFrame(w io.Writer, reqID uint64, payload []byte) error {
	hdr := make([]byte, headerLen*2)
	binary.BigEndian.PutUint64(hdr[:headerLen], uint64(len(payload)+headerLen))
	binary.BigEndian.PutUint64(hdr[headerLen:], reqID)
	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("writing frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame blocks until one full frame has been read from r. Used by
// connections that own their reader exclusively and can afford a
// blocking read per frame (the common case: one in-flight request per
// direction is all correctness requires, though concurrent in-flight
// requests are matched by request id at a higher layer).
func ReadFrame(r io.Reader) (Frame, error) {
	hdr := make([]byte, headerLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return Frame{}, err
	}
	total := binary.BigEndian.Uint64(hdr)
	if total < headerLen {
		return Frame{}, fmt.Errorf("invalid frame length %d: shorter than request-id field", total)
	}
	rest := make([]byte, total)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Frame{}, err
	}
	reqID := binary.BigEndian.Uint64(rest[:headerLen])
	return Frame{ReqID: reqID, Payload: rest[headerLen:]}, nil
}

// HandshakeWritePID writes the bare pid handshake a worker sends as the
// very first bytes on its connection: a single u64 be, no framing.
func HandshakeWritePID(w io.Writer, pid uint64) error {
	buf := make([]byte, headerLen)
	binary.BigEndian.PutUint64(buf, pid)
	_, err := w.Write(buf)
	return err
}

// HandshakeReadPID reads the bare pid handshake. Must be called exactly
// once per connection, before any ReadFrame call on the same reader.
func HandshakeReadPID(r io.Reader) (uint64, error) {
	return ReadUint64(r)
}

// WriteUint64 and ReadUint64 write/read one bare big-endian u64 with no
// framing, the same shape as the pid handshake. Used for the fields
// that ride immediately after the pid on specialized handshakes: the
// fixed-pool template version-serial a worker reports on connect, and
// the broker's own pid+serial it sends to each client (spec §4.1
// multi-tenant addition, §4.5).
func WriteUint64(w io.Writer, v uint64) error {
	buf := make([]byte, headerLen)
	binary.BigEndian.PutUint64(buf, v)
	_, err := w.Write(buf)
	return err
}

func ReadUint64(r io.Reader) (uint64, error) {
	buf := make([]byte, headerLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf), nil
}

// Decoder is a streaming, incremental frame parser: feed it bytes as
// they arrive (one at a time or in arbitrary chunks) and it emits
// complete frames as they become available, buffering partial ones.
// This is the shape the source's BaseFramedProtocol.data_received takes
// on a Go byte stream, and is what the framing round-trip property
// (spec §8.1) exercises directly.
type Decoder struct {
	buf       []byte
	wantLen   int64 // -1 == waiting for the length header
	curReqLen int
}

// NewDecoder returns a Decoder ready to consume a fresh byte stream.
func NewDecoder() *Decoder {
	return &Decoder{wantLen: -1}
}

// Feed appends data to the internal buffer and returns every frame
// that became complete as a result, in order. Partial frames remain
// buffered for the next call.
func (d *Decoder) Feed(data []byte) []Frame {
	d.buf = append(d.buf, data...)

	var frames []Frame
	for {
		if d.wantLen == -1 {
			if len(d.buf) < headerLen {
				return frames
			}
			d.wantLen = int64(binary.BigEndian.Uint64(d.buf[:headerLen]))
			d.buf = d.buf[headerLen:]
		}

		if int64(len(d.buf)) < d.wantLen {
			return frames
		}

		msg := d.buf[:d.wantLen]
		d.buf = d.buf[d.wantLen:]
		d.wantLen = -1

		if len(msg) < headerLen {
			// A zero-or-short-length frame is a protocol violation;
			// the sender never emits one (no zero-length heartbeats).
			continue
		}
		reqID := binary.BigEndian.Uint64(msg[:headerLen])
		payload := make([]byte, len(msg)-headerLen)
		copy(payload, msg[headerLen:])
		frames = append(frames, Frame{ReqID: reqID, Payload: payload})
	}
}
