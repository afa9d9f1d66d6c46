package remotepool

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/compilerpool/compilerpool/internal/agent"
	"github.com/compilerpool/compilerpool/internal/brokerauth"
	"github.com/compilerpool/compilerpool/internal/compiler"
	"github.com/compilerpool/compilerpool/internal/errorsx"
	"github.com/compilerpool/compilerpool/internal/poolcore"
	"github.com/compilerpool/compilerpool/internal/wire"
)

const testSecret = "test-shared-secret"

// fakeBroker speaks the real broker's client-facing protocol
// (internal/broker/client.go's handshake and HMAC framing, plus
// handleInit's catalog-compatibility check) so Pool's dialAndHandshake
// and sendAndWait are exercised against the actual wire shape rather
// than a bespoke stand-in.
func fakeBroker(t *testing.T, wantVersion uint64, accept bool) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go serveFakeBrokerConn(nc, wantVersion, accept)
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func serveFakeBrokerConn(nc net.Conn, wantVersion uint64, accept bool) {
	if err := wire.HandshakeWritePID(nc, 1); err != nil {
		nc.Close()
		return
	}
	if err := wire.WriteUint64(nc, 0); err != nil {
		nc.Close()
		return
	}
	nonce, err := brokerauth.NewNonce()
	if err != nil {
		nc.Close()
		return
	}
	if _, err := nc.Write(nonce); err != nil {
		nc.Close()
		return
	}
	signer := brokerauth.NewSigner(testSecret, nonce)
	a := agent.New(compiler.NewStub(), 0)

	wire.NewConn(nc).Serve(func(framed []byte) []byte {
		payload, ok := signer.Verify(framed)
		if !ok {
			return mustEncodeResponse(wire.Response{Status: wire.StatusSerializationFailed, FormattedTrace: "bad mac"})
		}
		req, err := wire.DecodeRequest(payload)
		if err != nil {
			return mustEncodeResponse(wire.Response{Status: wire.StatusSerializationFailed, FormattedTrace: err.Error()})
		}
		if req.Op == wire.OpInitServer {
			if !accept || len(req.Args) < 1 || binary.BigEndian.Uint64(req.Args[0]) != wantVersion {
				return mustEncodeResponse(wire.Response{Status: wire.StatusCompilerError, FormattedTrace: "incompatible catalog"})
			}
			return mustEncodeResponse(wire.Response{Status: wire.StatusOK, Result: []byte("ready")})
		}
		return a.Handle(payload)
	})
}

func mustEncodeResponse(resp wire.Response) []byte {
	out, _ := wire.EncodeResponse(resp)
	return out
}

func TestNewDialsAndCompiles(t *testing.T) {
	addr, stop := fakeBroker(t, 7, true)
	defer stop()

	p, err := New(context.Background(), addr, 4, testSecret, 7, []byte("backend-params"), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	res, err := p.Compile(context.Background(), poolcore.Request{
		DBName: "d",
		Args:   [][]byte{[]byte("SELECT 1")},
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(res.Payload) == 0 {
		t.Fatal("expected non-empty payload")
	}
}

func TestNewRejectsIncompatibleCatalog(t *testing.T) {
	addr, stop := fakeBroker(t, 7, false)
	defer stop()

	_, err := New(context.Background(), addr, 4, testSecret, 99, []byte("backend-params"), 50*time.Millisecond)
	if err != errorsx.ErrIncompatibleClient {
		t.Fatalf("want ErrIncompatibleClient, got %v", err)
	}
}

func TestCompileInTxRetriesOnceOnStateNotFound(t *testing.T) {
	addr, stop := fakeBroker(t, 1, true)
	defer stop()

	p, err := New(context.Background(), addr, 4, testSecret, 1, []byte("backend-params"), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	// Asking a never-used connection to "reuse last state" with no
	// prior compile_in_tx on record fails StateNotFound both tries;
	// CompileInTx should surface that failure, not hang or panic.
	_, err = p.CompileInTx(context.Background(), poolcore.InTxRequest{
		Request:      poolcore.Request{DBName: "d"},
		PickledState: []byte{0xFF},
		Args:         [][]byte{[]byte("SELECT 1")},
	})
	if err != errorsx.ErrStateNotFound {
		t.Fatalf("want ErrStateNotFound, got %v", err)
	}
}
