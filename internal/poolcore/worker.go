// Package poolcore implements the pool base shared by the fixed and
// adaptive pool shapes (spec §4.4): the public compile interface, the
// per-worker cached schema view, identity-based state-sync preamble
// computation, and in-transaction stickiness. The remote pool (§4.7)
// and the multi-tenant broker (§4.8) have different transport shapes
// (a single outbound connection, and a fan-in of many clients) and
// have call paths of their own: the remote pool sends every blob in
// full, and the broker forwards each client request to a worker
// unchanged, so neither uses the WorkerView diffing in this package.
//
// Grounded on the teacher's TenantPool (internal/pool/pool.go): one
// mutex-guarded struct per backend holding cached connection state,
// acquired from and released to a queue. Generalized here from "is the
// connection still alive" to "does this worker's cached schema agree
// with what the caller just supplied".
package poolcore

import (
	"sync"
	"time"

	"github.com/compilerpool/compilerpool/internal/blob"
	"github.com/compilerpool/compilerpool/internal/compilerstate"
	"github.com/compilerpool/compilerpool/internal/wire"
)

// dbView is the per-database cached blob identities a worker is known
// to hold (spec §3 DatabaseState, tracked pool-side).
type dbView struct {
	userSchema blob.Blob
	reflection blob.Blob
	dbConfig   blob.Blob
}

// Worker is the pool-side handle for one live worker process (spec §3
// WorkerView). All fields are guarded by mu except Pid and Conn, which
// are set once at construction and never mutated.
type Worker struct {
	Pid  uint64
	Conn *wire.Conn

	mu           sync.Mutex
	dbs          map[string]dbView
	globalSchema blob.Blob
	systemConfig blob.Blob
	lastTxState  compilerstate.ID
	lastUsed     time.Time
	closed       bool
	callCount    int
}

func newWorker(pid uint64, conn *wire.Conn) *Worker {
	return &Worker{
		Pid:      pid,
		Conn:     conn,
		dbs:      make(map[string]dbView),
		lastUsed: time.Now(),
	}
}

// LastTxState reports the state_id this worker is holding, for use as
// a queue Condition in compile_in_tx stickiness (spec §4.4 step 1).
func (w *Worker) LastTxState() compilerstate.ID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastTxState
}

// LastUsed reports when this worker was last released to the idle
// queue, used by the adaptive pool's shrink-by-LRU rule (spec §4.6).
func (w *Worker) LastUsed() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastUsed
}

func (w *Worker) touchLastUsed() {
	w.mu.Lock()
	w.lastUsed = time.Now()
	w.mu.Unlock()
}

// CallCount reports how many calls this worker has served, for the
// optional max-calls soft-retirement policy (spec.md's distillation
// dropped this, restored from original_source; see SPEC_FULL.md).
func (w *Worker) CallCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.callCount
}

// Touch records that w just served a call: bumps lastUsed and
// callCount. Worker.call does this internally for the Compile-family
// methods; callers that bypass Base and talk to a Worker's connection
// directly (the multi-tenant broker's call_for_client forwarding) call
// this themselves so max_calls retirement still sees an accurate count.
func (w *Worker) Touch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastUsed = time.Now()
	w.callCount++
}

// Closed reports whether Close has already run, so a racing release
// of an already-reaped worker is a silent no-op.
func (w *Worker) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// Close tears down the worker's connection. Safe to call more than
// once.
func (w *Worker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()
	w.Conn.Close()
}

// Request is the caller-supplied view of what schema/config the
// worker should be compiling against (spec §4.4). Blob identity,
// never content, decides whether a field needs to ride in the
// preamble.
type Request struct {
	DBName             string
	UserSchemaPickle   blob.Blob
	ReflectionCache    blob.Blob
	GlobalSchemaPickle blob.Blob
	DatabaseConfig     blob.Blob
	SystemConfig       blob.Blob
	Args               [][]byte
}

// diffPreambleLocked compares req against w's cached view by identity and
// returns the fixed-shape preamble carrying only the fields that
// differ (spec §4.4). Must be called with w.mu held.
func (w *Worker) diffPreambleLocked(req Request) wire.Preamble {
	p := wire.Preamble{DBName: req.DBName}

	if !req.GlobalSchemaPickle.SameAs(w.globalSchema) && !req.GlobalSchemaPickle.IsZero() {
		p.GlobalSchemaPickle = req.GlobalSchemaPickle.Bytes()
	}
	if !req.SystemConfig.SameAs(w.systemConfig) && !req.SystemConfig.IsZero() {
		p.SystemConfig = req.SystemConfig.Bytes()
	}

	if req.DBName == "" {
		return p
	}
	cur := w.dbs[req.DBName]
	if !req.UserSchemaPickle.SameAs(cur.userSchema) && !req.UserSchemaPickle.IsZero() {
		p.UserSchemaPickle = req.UserSchemaPickle.Bytes()
	}
	if !req.ReflectionCache.SameAs(cur.reflection) && !req.ReflectionCache.IsZero() {
		p.ReflectionCache = req.ReflectionCache.Bytes()
	}
	if !req.DatabaseConfig.SameAs(cur.dbConfig) && !req.DatabaseConfig.IsZero() {
		p.DatabaseConfig = req.DatabaseConfig.Bytes()
	}
	return p
}

// commitLocked updates the cached view to reflect what req says the
// worker now holds, after a call that succeeded or failed for a
// reason other than FailedStateSync (spec §4.4: "a distinguished
// FailedStateSync error leaves the cached view untouched"). Must be
// called with w.mu held.
func (w *Worker) commitLocked(req Request) {
	if !req.GlobalSchemaPickle.IsZero() {
		w.globalSchema = req.GlobalSchemaPickle
	}
	if !req.SystemConfig.IsZero() {
		w.systemConfig = req.SystemConfig
	}
	if req.DBName == "" {
		return
	}
	cur := w.dbs[req.DBName]
	if !req.UserSchemaPickle.IsZero() {
		cur.userSchema = req.UserSchemaPickle
	}
	if !req.ReflectionCache.IsZero() {
		cur.reflection = req.ReflectionCache
	}
	if !req.DatabaseConfig.IsZero() {
		cur.dbConfig = req.DatabaseConfig
	}
	w.dbs[req.DBName] = cur
}

// call computes the diff, invokes send with it, and on a non-
// FailedStateSync outcome commits req into the cached view. Touches
// lastUsed and callCount and, for compile_in_tx responses, lastTxState.
func (w *Worker) call(send func(wire.Preamble) (wire.Response, error), req Request, txStateIDs *compilerstate.Generator) (wire.Response, error) {
	w.mu.Lock()
	p := w.diffPreambleLocked(req)
	w.mu.Unlock()

	resp, err := send(p)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastUsed = time.Now()
	w.callCount++

	if err != nil {
		return resp, err
	}
	if resp.Status == wire.StatusFailedStateSync {
		return resp, nil
	}
	w.commitLocked(req)
	if resp.Status == wire.StatusOK && txStateIDs != nil && len(resp.NewState) > 0 {
		w.lastTxState = txStateIDs.Next()
	}
	return resp, nil
}
