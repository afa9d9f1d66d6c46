// Package agent implements the worker process agent (spec §4.3): the
// per-worker-process dispatch loop that decodes a wire.Request, applies
// any state-sync deltas carried in its preamble, invokes the compiler,
// and encodes a wire.Response. Optionally it also maintains the
// per-client_id tenant cache needed when the worker is driven by a
// multi-tenant broker (spec §4.8) rather than directly by a fixed or
// adaptive pool.
//
// Grounded on the teacher's connection-handling goroutine
// (internal/pool/conn.go, internal/proxy/handler.go): one handler
// invoked synchronously per request, all shared state behind a single
// mutex, because — like the teacher's per-backend-connection state —
// nothing here is ever touched concurrently by design (spec §5: single
// in-flight call per worker).
package agent

import (
	"errors"
	"fmt"
	"sync"

	"github.com/compilerpool/compilerpool/internal/blob"
	"github.com/compilerpool/compilerpool/internal/compiler"
	"github.com/compilerpool/compilerpool/internal/compilerstate"
	"github.com/compilerpool/compilerpool/internal/errorsx"
	"github.com/compilerpool/compilerpool/internal/tenantcache"
	"github.com/compilerpool/compilerpool/internal/wire"
)

// tenantEntry is the per-client_id TenantSchema (spec §3): a
// db-name-keyed DatabaseState map plus the tenant's own global schema
// and system config.
type tenantEntry struct {
	dbs          map[string]compiler.DatabaseState
	globalSchema blob.Blob
	systemConfig blob.Blob
}

// Agent holds the process-wide state a single worker process keeps
// across calls and dispatches requests against it.
type Agent struct {
	mu sync.Mutex

	comp   compiler.Compiler
	global compiler.GlobalState
	dbs    map[string]compiler.DatabaseState

	// lastTxState is the most recent transaction-state blob this
	// worker returned, kept so a "reuse last" sentinel on a later
	// call can be resolved without retransmission. The pool, not the
	// agent, assigns and tracks the state_id naming it.
	lastTxState   []byte
	haveLastState bool

	// tenants is non-nil only when this agent is operated behind a
	// multi-tenant broker (spec §4.8); cacheSize bounds it.
	tenants    *tenantcache.Cache[*tenantEntry]
	cacheSize  int
}

// New returns an agent backed by comp. tenantCacheSize of 0 disables
// multi-tenant mode: any request carrying a non-zero ClientID is
// rejected.
func New(comp compiler.Compiler, tenantCacheSize int) *Agent {
	a := &Agent{
		comp: comp,
		dbs:  make(map[string]compiler.DatabaseState),
	}
	if tenantCacheSize > 0 {
		a.tenants = tenantcache.New[*tenantEntry](tenantCacheSize)
		a.cacheSize = tenantCacheSize
	}
	return a
}

// Handle is the function passed to wire.Conn.Serve: decode, dispatch,
// encode. It never panics on malformed input — decode/encode failures
// become a StatusSerializationFailed reply, matching the (2) slot of
// spec §6's call-payload contract.
func (a *Agent) Handle(payload []byte) []byte {
	req, err := wire.DecodeRequest(payload)
	if err != nil {
		return mustEncodeResponse(wire.Response{
			Status:         wire.StatusSerializationFailed,
			FormattedTrace: err.Error(),
		})
	}

	result, newState, err := a.dispatch(req)
	resp := responseFor(result, newState, err)
	resp.EvictedClientIDs = a.EvictedTenants()
	resp.FreeTenantSlots = a.TenantFreeSlots()
	return mustEncodeResponse(resp)
}

func responseFor(result, newState []byte, err error) wire.Response {
	if err == nil {
		return wire.Response{Status: wire.StatusOK, Result: result, NewState: newState}
	}

	var compErr *compiler.Error
	switch {
	case errors.As(err, &compErr):
		return wire.Response{Status: wire.StatusCompilerError, ErrMessage: compErr.Message, FormattedTrace: compErr.Message}
	case errors.Is(err, errorsx.ErrStateNotFound):
		return wire.Response{Status: wire.StatusStateNotFound, FormattedTrace: err.Error()}
	case errors.Is(err, errorsx.ErrFailedStateSync):
		return wire.Response{Status: wire.StatusFailedStateSync, FormattedTrace: err.Error()}
	default:
		return wire.Response{Status: wire.StatusSerializationFailed, FormattedTrace: err.Error()}
	}
}

func mustEncodeResponse(resp wire.Response) []byte {
	out, err := wire.EncodeResponse(resp)
	if err != nil {
		// The response itself failed to encode; gob on our own
		// fixed-shape struct should never fail, but fall back to a
		// minimal reply rather than dropping the connection.
		out, _ = wire.EncodeResponse(wire.Response{
			Status:         wire.StatusSerializationFailed,
			FormattedTrace: "response failed to encode",
		})
	}
	return out
}

func (a *Agent) dispatch(req wire.Request) (result, newState []byte, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if req.Op == wire.OpInitServer {
		r, e := a.initServer(req.Args)
		return r, nil, e
	}

	ctx, err := a.resolveContext(req)
	if err != nil {
		return nil, nil, err
	}

	switch req.Op {
	case wire.OpCompile:
		r, e := a.comp.Compile(ctx, req.Args)
		return r, nil, e

	case wire.OpCompileInTx:
		priorState := req.PickledState
		if compilerstate.IsReuseLastMarker(priorState) {
			if !a.haveLastState {
				return nil, nil, errorsx.ErrStateNotFound
			}
			priorState = a.lastTxState
		}
		r, ns, e := a.comp.CompileInTx(ctx, priorState, req.Args)
		if e != nil {
			return nil, nil, e
		}
		a.lastTxState = ns
		a.haveLastState = true
		return r, ns, nil

	case wire.OpCompileNotebook:
		r, e := a.comp.CompileNotebook(ctx, req.Args)
		return r, nil, e
	case wire.OpCompileGraphQL:
		r, e := a.comp.CompileGraphQL(ctx, req.Args)
		return r, nil, e
	case wire.OpCompileSQL:
		r, e := a.comp.CompileSQL(ctx, req.Args)
		return r, nil, e
	case wire.OpParseGlobalSchema:
		r, e := a.comp.ParseGlobalSchema(req.Args)
		return r, nil, e
	case wire.OpParseUserSchemaDBConfig:
		r, e := a.comp.ParseUserSchemaDBConfig(req.Args)
		return r, nil, e
	case wire.OpMakeStateSerializer:
		r, e := a.comp.MakeStateSerializer(ctx, req.Args)
		return r, nil, e
	case wire.OpDescribeDatabaseDump:
		r, e := a.comp.DescribeDatabaseDump(ctx, req.Args)
		return r, nil, e
	case wire.OpDescribeDatabaseRestore:
		r, e := a.comp.DescribeDatabaseRestore(ctx, req.Args)
		return r, nil, e
	case wire.OpAnalyzeExplainOutput:
		r, e := a.comp.AnalyzeExplainOutput(req.Args)
		return r, nil, e
	case wire.OpValidateSchemaEquivalence:
		r, e := a.comp.ValidateSchemaEquivalence(req.Args)
		return r, nil, e
	case wire.OpCompileStructuredConfig:
		r, e := a.comp.CompileStructuredConfig(req.Args)
		return r, nil, e
	case wire.OpInterpretBackendError:
		r, e := a.comp.InterpretBackendError(req.Args)
		return r, nil, e
	default:
		return nil, nil, fmt.Errorf("agent: unrecognized operation %s", req.Op)
	}
}

func (a *Agent) initServer(args [][]byte) ([]byte, error) {
	if len(args) < 6 {
		return nil, fmt.Errorf("agent: __init_server__ expects 6 args, got %d", len(args))
	}
	a.global = compiler.GlobalState{
		BackendParams:    blob.New(args[0]),
		StdSchema:        blob.New(args[1]),
		ReflectionSchema: blob.New(args[2]),
		ClassLayout:      blob.New(args[3]),
		GlobalSchema:     blob.New(args[4]),
		SystemConfig:     blob.New(args[5]),
	}
	return []byte("ready"), nil
}

// resolveContext applies the request's state-sync preamble (and, for
// multi-tenant requests, its client-schema diff and invalidations) and
// returns the CallContext the compiler should see.
func (a *Agent) resolveContext(req wire.Request) (compiler.CallContext, error) {
	for _, id := range req.Invalidations {
		if a.tenants != nil {
			a.tenants.Remove(id)
		}
	}

	if req.ClientID == 0 {
		dbState := a.applyGlobalDBPreamble(req.Preamble)
		return compiler.CallContext{DBName: req.Preamble.DBName, Global: a.global, DB: dbState}, nil
	}

	if a.tenants == nil {
		return compiler.CallContext{}, fmt.Errorf("agent: not running in multi-tenant mode, got client_id %d", req.ClientID)
	}

	entry, ok := a.tenants.Get(req.ClientID)
	if !ok {
		entry = &tenantEntry{dbs: make(map[string]compiler.DatabaseState)}
		a.tenants.Add(req.ClientID, entry)
	}
	for _, name := range req.DroppedDBNames {
		delete(entry.dbs, name)
	}
	if req.Preamble.GlobalSchemaPickle != nil {
		entry.globalSchema = blob.New(req.Preamble.GlobalSchemaPickle)
	}
	if req.Preamble.SystemConfig != nil {
		entry.systemConfig = blob.New(req.Preamble.SystemConfig)
	}

	dbState := entry.dbs[req.Preamble.DBName]
	if req.Preamble.UserSchemaPickle != nil {
		dbState.UserSchemaPickle = blob.New(req.Preamble.UserSchemaPickle)
	}
	if req.Preamble.ReflectionCache != nil {
		dbState.ReflectionCache = blob.New(req.Preamble.ReflectionCache)
	}
	if req.Preamble.DatabaseConfig != nil {
		dbState.DatabaseConfig = blob.New(req.Preamble.DatabaseConfig)
	}
	if req.Preamble.DBName != "" {
		entry.dbs[req.Preamble.DBName] = dbState
	}

	global := a.global
	global.GlobalSchema = entry.globalSchema
	global.SystemConfig = entry.systemConfig
	return compiler.CallContext{DBName: req.Preamble.DBName, Global: global, DB: dbState}, nil
}

func (a *Agent) applyGlobalDBPreamble(p wire.Preamble) compiler.DatabaseState {
	if p.GlobalSchemaPickle != nil {
		a.global.GlobalSchema = blob.New(p.GlobalSchemaPickle)
	}
	if p.SystemConfig != nil {
		a.global.SystemConfig = blob.New(p.SystemConfig)
	}

	if p.DBName == "" {
		return compiler.DatabaseState{}
	}
	st := a.dbs[p.DBName]
	if p.UserSchemaPickle != nil {
		st.UserSchemaPickle = blob.New(p.UserSchemaPickle)
	}
	if p.ReflectionCache != nil {
		st.ReflectionCache = blob.New(p.ReflectionCache)
	}
	if p.DatabaseConfig != nil {
		st.DatabaseConfig = blob.New(p.DatabaseConfig)
	}
	a.dbs[p.DBName] = st
	return st
}

// EvictedTenants drains the client ids this agent's tenant cache has
// dropped due to capacity pressure since the last call. Handle puts
// the result in every response, and the broker folds it into its own
// bookkeeping (spec §4.8).
func (a *Agent) EvictedTenants() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tenants == nil {
		return nil
	}
	return a.tenants.DrainEvicted()
}

// TenantFreeSlots reports how much headroom this worker's tenant cache
// has, used by the broker's weighter (spec §4.8 rule 3).
func (a *Agent) TenantFreeSlots() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tenants == nil {
		return 0
	}
	return a.tenants.FreeSlots(a.cacheSize)
}

// HasTenant reports whether client_id is already cached, and its
// recency rank if so (spec §4.8 weighter rules 1-2).
func (a *Agent) HasTenant(clientID uint64) (rank int, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tenants == nil {
		return 0, false
	}
	return a.tenants.RecencyRank(clientID)
}

// HasLastTxState reports whether this worker currently holds a
// transaction-state blob it could resume from a "reuse last" sentinel.
func (a *Agent) HasLastTxState() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.haveLastState
}
