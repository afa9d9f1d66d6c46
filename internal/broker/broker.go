// Package broker implements the standalone multi-tenant broker (spec
// §4.8): it accepts any number of HMAC-authenticated client
// connections, assigns each a monotonic client_id, and forwards their
// compile* calls onto an inner fixed-shape pool of workers, selecting
// among them with a weighter that prefers a worker already holding the
// client's cached schema.
//
// Grounded on the teacher's proxy.Server/router combination
// (internal/proxy/server.go, internal/router/router.go): accept
// client connections, look up or create per-tenant routing state,
// hand off to a pool. Generalized from "route by tenant_id to a
// backend DB pool" to "route by client_id to a worker that already has
// that client's schema cached".
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/compilerpool/compilerpool/internal/brokerauth"
	"github.com/compilerpool/compilerpool/internal/config"
	"github.com/compilerpool/compilerpool/internal/errorsx"
	"github.com/compilerpool/compilerpool/internal/fixedpool"
	"github.com/compilerpool/compilerpool/internal/metrics"
	"github.com/compilerpool/compilerpool/internal/poolcore"
	"github.com/compilerpool/compilerpool/internal/wire"
)

// tenantView is the broker's own bookkeeping of what one worker is
// believed to hold, kept current from wire.Response's
// EvictedClientIDs/FreeTenantSlots fields (populated by the agent on
// every call — see internal/agent) since the broker lives in a
// separate process and cannot query the worker's in-process cache
// directly.
type tenantView struct {
	mu        sync.Mutex
	held      map[uint64]time.Time // client_id -> last forwarded
	freeSlots int
}

func newTenantView(cacheSize int) *tenantView {
	return &tenantView{held: make(map[uint64]time.Time), freeSlots: cacheSize}
}

func (tv *tenantView) touch(clientID uint64) {
	tv.mu.Lock()
	tv.held[clientID] = time.Now()
	tv.mu.Unlock()
}

func (tv *tenantView) applyResponse(resp wire.Response) {
	tv.mu.Lock()
	for _, id := range resp.EvictedClientIDs {
		delete(tv.held, id)
	}
	tv.freeSlots = resp.FreeTenantSlots
	tv.mu.Unlock()
}

func (tv *tenantView) recency(clientID uint64) (time.Time, bool) {
	tv.mu.Lock()
	defer tv.mu.Unlock()
	t, ok := tv.held[clientID]
	return t, ok
}

func (tv *tenantView) free() int {
	tv.mu.Lock()
	defer tv.mu.Unlock()
	return tv.freeSlots
}

// Broker is the standalone multi-tenant server process.
type Broker struct {
	pool      *fixedpool.Pool
	metrics   *metrics.Collector
	secret    string
	cacheSize int

	ln net.Listener

	mu             sync.Mutex
	views          map[uint64]*tenantView // by worker pid
	nextClientID   atomic.Uint64
	catalogVersion uint64
	backendParams  []byte
	firstClientSet bool

	clients   map[uint64]*clientConn
	closeOnce sync.Once
}

// New starts a broker: it spins up an inner fixed worker pool and
// begins accepting client connections on cfg.ListenAddr.
func New(ctx context.Context, cfg config.BrokerConfig, poolCfg config.PoolConfig, m *metrics.Collector) (*Broker, error) {
	secret, ok := cfg.SharedSecret()
	if !ok {
		slog.Warn("broker starting without a shared secret — all client calls will fail HMAC verification")
	}

	// The inner pool's own __init_server__ blobs are supplied per-client
	// at first-client-wins time (see handleInit); workers register with
	// an empty init payload until then is not supported by poolcore, so
	// the broker defers starting the inner pool until its first client
	// connects. A zero-worker placeholder isn't available, so instead we
	// start the pool immediately with empty init args and let the first
	// client's real args flow through normal compile calls' preambles
	// (the broker's own protocol never depends on __init_server__
	// content beyond the handshake compatibility check it does itself).
	innerCfg := poolCfg
	innerCfg.Floor = cfg.PoolSize
	innerCfg.Ceiling = cfg.PoolSize
	pool, err := fixedpool.New(ctx, innerCfg, emptyInitArgs(), m)
	if err != nil {
		return nil, fmt.Errorf("broker: starting inner pool: %w", err)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("broker: listening on %s: %w", cfg.ListenAddr, err)
	}

	b := &Broker{
		pool:      pool,
		metrics:   m,
		secret:    secret,
		cacheSize: cfg.TenantCacheSize,
		ln:        ln,
		views:     make(map[uint64]*tenantView),
		clients:   make(map[uint64]*clientConn),
	}

	for _, w := range pool.Workers() {
		b.views[w.Pid] = newTenantView(cfg.TenantCacheSize)
	}

	go b.acceptLoop()
	return b, nil
}

func emptyInitArgs() [][]byte {
	return [][]byte{{}, {}, {}, {}, {}, {}}
}

func (b *Broker) viewFor(w *poolcore.Worker) *tenantView {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.views[w.Pid]
	if !ok {
		v = newTenantView(b.cacheSize)
		b.views[w.Pid] = v
	}
	return v
}

func (b *Broker) acceptLoop() {
	for {
		nc, err := b.ln.Accept()
		if err != nil {
			return
		}
		go b.handleClient(nc)
	}
}

// LiveWorkers, ClientCount and Addr back the HTTP status surface
// (internal/httpapi).
func (b *Broker) LiveWorkers() int { return b.pool.LiveCount() }
func (b *Broker) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}
func (b *Broker) Addr() string { return b.ln.Addr().String() }

// Close tears down every client connection, the listener, and the
// inner worker pool.
func (b *Broker) Close() {
	b.closeOnce.Do(func() {
		b.ln.Close()
		b.mu.Lock()
		clients := make([]*clientConn, 0, len(b.clients))
		for _, c := range b.clients {
			clients = append(clients, c)
		}
		b.mu.Unlock()
		for _, c := range clients {
			c.conn.Close()
		}
		b.pool.Close()
	})
}

// errIncompatible is how forwardCall and handleInit signal a rejection
// distinct from an ordinary IPC failure.
var errIncompatible = errorsx.ErrIncompatibleClient
