package broker

import (
	"log/slog"
	"net"
	"os"

	"github.com/compilerpool/compilerpool/internal/brokerauth"
	"github.com/compilerpool/compilerpool/internal/wire"
)

// clientConn is one connected client of the broker (spec §4.8): it
// gets a monotonic client_id and, once catalog compatibility is
// established, has its compile* calls forwarded onto the inner worker
// pool.
type clientConn struct {
	id     uint64
	conn   *wire.Conn
	nc     net.Conn
	signer *brokerauth.Signer
	b      *Broker
}

var pidOnce = uint64(os.Getpid())

// handleClient performs the broker's own handshake (pid, a version
// serial of 0 — the broker has no rolling generations — and a fresh
// per-connection nonce for HMAC key derivation), then serves
// HMAC-verified requests until the connection drops.
func (b *Broker) handleClient(nc net.Conn) {
	nonce, err := brokerauth.NewNonce()
	if err != nil {
		slog.Error("broker: generating client nonce failed", "err", err)
		nc.Close()
		return
	}
	if err := wire.HandshakeWritePID(nc, pidOnce); err != nil {
		nc.Close()
		return
	}
	if err := wire.WriteUint64(nc, 0); err != nil {
		nc.Close()
		return
	}
	if _, err := nc.Write(nonce); err != nil {
		nc.Close()
		return
	}

	id := b.nextClientID.Add(1)
	c := &clientConn{
		id:     id,
		nc:     nc,
		signer: brokerauth.NewSigner(b.secret, nonce),
		b:      b,
	}
	c.conn = wire.NewConn(nc)

	b.mu.Lock()
	b.clients[id] = c
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.ClientConnected("")
	}

	err = c.conn.Serve(c.handle)
	if err != nil {
		slog.Debug("broker: client connection closed", "client_id", id, "err", err)
	}

	b.mu.Lock()
	delete(b.clients, id)
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.ClientDisconnected("")
	}
	b.invalidateClientEverywhere(id)
}

func (c *clientConn) handle(framed []byte) []byte {
	payload, ok := c.signer.Verify(framed)
	if !ok {
		return mustEncode(wire.Response{
			Status:         wire.StatusSerializationFailed,
			FormattedTrace: "HMAC verification failed",
		})
	}

	req, err := wire.DecodeRequest(payload)
	if err != nil {
		return mustEncode(wire.Response{
			Status:         wire.StatusSerializationFailed,
			FormattedTrace: err.Error(),
		})
	}

	var resp wire.Response
	if req.Op == wire.OpInitServer {
		resp = c.b.handleInit(req)
	} else {
		req.ClientID = c.id
		resp = c.b.forwardCall(req)
	}
	return mustEncode(resp)
}

func mustEncode(resp wire.Response) []byte {
	out, err := wire.EncodeResponse(resp)
	if err != nil {
		out, _ = wire.EncodeResponse(wire.Response{
			Status:         wire.StatusSerializationFailed,
			FormattedTrace: "response failed to encode",
		})
	}
	return out
}

// handleInit implements first-client-wins catalog compatibility (spec
// §4.8): the first client to connect fixes the broker's catalog
// version and backend params for every client after it.
func (b *Broker) handleInit(req wire.Request) wire.Response {
	if len(req.Args) < 2 {
		return wire.Response{Status: wire.StatusSerializationFailed, FormattedTrace: "__init_server__ expects catalog_version and backend_params"}
	}
	version := decodeUint64(req.Args[0])
	params := req.Args[1]

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.firstClientSet {
		b.catalogVersion = version
		b.backendParams = params
		b.firstClientSet = true
		return wire.Response{Status: wire.StatusOK, Result: []byte("ready")}
	}
	if version != b.catalogVersion || string(params) != string(b.backendParams) {
		return wire.Response{Status: wire.StatusCompilerError, FormattedTrace: errIncompatible.Error()}
	}
	return wire.Response{Status: wire.StatusOK, Result: []byte("ready")}
}

func decodeUint64(b []byte) uint64 {
	var v uint64
	for _, by := range b {
		v = v<<8 | uint64(by)
	}
	return v
}
