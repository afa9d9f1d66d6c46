package poolcore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/compilerpool/compilerpool/internal/compilerstate"
	"github.com/compilerpool/compilerpool/internal/errorsx"
	"github.com/compilerpool/compilerpool/internal/metrics"
	"github.com/compilerpool/compilerpool/internal/queue"
	"github.com/compilerpool/compilerpool/internal/wire"
)

// Result is what a successful pool operation returns to its caller.
type Result struct {
	Payload []byte
	// StateID is non-zero only for CompileInTx: the id the pool
	// assigned to the fresh transaction-state blob (spec §4.9).
	StateID compilerstate.ID
}

// InTxRequest extends Request with the transaction continuation
// fields (spec §4.4 in-transaction compile).
type InTxRequest struct {
	Request
	TxID         uint64
	StateID      compilerstate.ID
	PickledState []byte
}

// Base is the shared engine behind the fixed and adaptive pool shapes:
// a registry of live workers, an idle queue, and the compile-family
// operations with their state-sync preamble and retry rules. Callers
// (fixedpool, adaptivepool) own spawning/respawning workers and feed
// this type new connections via RegisterWorker; Base owns everything
// from "worker is registered" onward.
type Base struct {
	Queue *queue.Queue[*Worker]

	metrics *metrics.Collector
	tenant  string // metrics label; "" outside multi-tenant mode

	mu       sync.Mutex
	workers  map[uint64]*Worker
	stateIDs compilerstate.Generator

	// MaxCalls retires a worker after it has served this many calls,
	// restored from original_source (see SPEC_FULL.md); 0 disables
	// it. RetireHook, if set, is called instead of a normal release
	// so the owning pool shape can tear the worker's OS process down
	// and let its usual replacement path (fixed pool template restart,
	// adaptive respawn) bring the count back up.
	MaxCalls   int
	RetireHook func(*Worker)
}

// NewBase returns an empty Base. metrics may be nil to disable
// instrumentation (e.g. in unit tests that don't care about it).
func NewBase(m *metrics.Collector, tenantLabel string) *Base {
	return &Base{
		Queue:   queue.New[*Worker](),
		metrics: m,
		tenant:  tenantLabel,
		workers: make(map[uint64]*Worker),
	}
}

// release returns w to the idle queue, unless it has hit MaxCalls, in
// which case it is retired instead (spec.md distillation drops this;
// restored per SPEC_FULL.md).
func (b *Base) release(w *Worker, putInFront bool) {
	if b.MaxCalls > 0 && w.CallCount() >= b.MaxCalls {
		b.RemoveWorker(w)
		if b.RetireHook != nil {
			b.RetireHook(w)
		}
		return
	}
	b.Queue.Release(w, putInFront)
}

// RegisterWorker completes a just-handshaken connection's setup: it
// sends the __init_server__ call carrying the process-global init
// args, and on success adds the worker to the registry and idle queue
// (spec §3 WorkerView lifecycle: "created ... when ... an initializer
// call succeeds").
func (b *Base) RegisterWorker(ctx context.Context, pid uint64, conn *wire.Conn, initArgs [][]byte) (*Worker, error) {
	req, err := wire.EncodeRequest(wire.Request{Op: wire.OpInitServer, Args: initArgs})
	if err != nil {
		return nil, fmt.Errorf("poolcore: encoding init_server: %w", err)
	}
	raw, err := conn.Call(ctx, conn.NextReqID(), req)
	if err != nil {
		return nil, fmt.Errorf("poolcore: init_server call: %w", err)
	}
	resp, err := wire.DecodeResponse(raw)
	if err != nil {
		return nil, fmt.Errorf("poolcore: decoding init_server response: %w", err)
	}
	if resp.Status != wire.StatusOK {
		return nil, fmt.Errorf("poolcore: init_server failed: %s", resp.FormattedTrace)
	}

	w := newWorker(pid, conn)
	b.mu.Lock()
	b.workers[pid] = w
	b.mu.Unlock()
	b.Queue.Seed(w)
	if b.metrics != nil {
		b.metrics.WorkerSpawned(b.tenant)
		b.metrics.WorkerLive(b.tenant, b.LiveCount())
	}
	return w, nil
}

// RemoveWorker drops w from the registry (it is never returned to the
// idle queue again; any future Acquire that happens to have it will
// discard it per spec §4.2). Call this once, when the worker's
// connection is observed to have failed or its process is known gone.
func (b *Base) RemoveWorker(w *Worker) {
	w.Close()
	b.mu.Lock()
	delete(b.workers, w.Pid)
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.WorkerLive(b.tenant, b.LiveCount())
	}
}

// LiveCount returns the number of registered workers, idle or in use.
func (b *Base) LiveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.workers)
}

// Workers returns a snapshot of every registered worker.
func (b *Base) Workers() []*Worker {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Worker, 0, len(b.workers))
	for _, w := range b.workers {
		out = append(out, w)
	}
	return out
}

// Close drains the queue and closes every registered worker.
func (b *Base) Close() {
	b.Queue.Close()
	b.mu.Lock()
	workers := make([]*Worker, 0, len(b.workers))
	for _, w := range b.workers {
		workers = append(workers, w)
	}
	b.workers = make(map[uint64]*Worker)
	b.mu.Unlock()
	for _, w := range workers {
		w.Close()
	}
}

// acquireLive blocks for an idle worker via Queue, silently skipping
// and discarding (per spec §4.2 failure rule) any worker whose process
// identity is no longer registered.
func (b *Base) acquireLive(ctx context.Context, condition queue.Condition[*Worker], weighter queue.Weighter[*Worker]) (*Worker, error) {
	for {
		w, err := b.Queue.Acquire(ctx, condition, weighter)
		if err != nil {
			return nil, err
		}
		b.mu.Lock()
		_, live := b.workers[w.Pid]
		b.mu.Unlock()
		if live && !w.Closed() {
			return w, nil
		}
		// Stale: acquired a worker that's since been reaped. Try again.
	}
}

func (b *Base) sendAndWait(ctx context.Context, w *Worker, req wire.Request) (wire.Response, error) {
	payload, err := wire.EncodeRequest(req)
	if err != nil {
		return wire.Response{}, fmt.Errorf("poolcore: encoding request: %w", err)
	}
	raw, err := w.Conn.Call(ctx, w.Conn.NextReqID(), payload)
	if err != nil {
		b.RemoveWorker(w)
		return wire.Response{}, err
	}
	resp, err := wire.DecodeResponse(raw)
	if err != nil {
		return wire.Response{}, fmt.Errorf("poolcore: decoding response: %w", err)
	}
	return resp, nil
}

func toErr(resp wire.Response) error {
	switch resp.Status {
	case wire.StatusOK:
		return nil
	case wire.StatusCompilerError:
		return &errorsx.CompilerError{Message: resp.ErrMessage, FormattedTrace: resp.FormattedTrace}
	case wire.StatusSerializationFailed:
		return &errorsx.SerializationFailure{FormattedTrace: resp.FormattedTrace}
	case wire.StatusFailedStateSync:
		return errorsx.ErrFailedStateSync
	case wire.StatusStateNotFound:
		return errorsx.ErrStateNotFound
	default:
		return fmt.Errorf("poolcore: unrecognized response status %d", resp.Status)
	}
}

// compileLike implements every preamble-carrying, non-transactional
// compile* operation (spec §4.4 table: compile, compile_notebook,
// compile_graphql, compile_sql, make_state_serializer, describe_*):
// acquire any idle worker (warm-cache LIFO order, no condition), diff
// and send the preamble, release to the front.
func (b *Base) compileLike(ctx context.Context, op wire.Op, req Request) (Result, error) {
	start := time.Now()
	w, err := b.acquireLive(ctx, nil, nil)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		b.release(w, true)
		if b.metrics != nil {
			b.metrics.CompileDuration(b.tenant, op.String(), time.Since(start))
		}
	}()

	resp, err := w.call(func(p wire.Preamble) (wire.Response, error) {
		return b.sendAndWait(ctx, w, wire.Request{Op: op, Preamble: p, Args: req.Args})
	}, req, nil)
	if err != nil {
		return Result{}, err
	}
	if err := toErr(resp); err != nil {
		return Result{}, err
	}
	return Result{Payload: resp.Result}, nil
}

func (b *Base) Compile(ctx context.Context, req Request) (Result, error) {
	return b.compileLike(ctx, wire.OpCompile, req)
}
func (b *Base) CompileNotebook(ctx context.Context, req Request) (Result, error) {
	return b.compileLike(ctx, wire.OpCompileNotebook, req)
}
func (b *Base) CompileGraphQL(ctx context.Context, req Request) (Result, error) {
	return b.compileLike(ctx, wire.OpCompileGraphQL, req)
}
func (b *Base) CompileSQL(ctx context.Context, req Request) (Result, error) {
	return b.compileLike(ctx, wire.OpCompileSQL, req)
}
func (b *Base) MakeStateSerializer(ctx context.Context, req Request) (Result, error) {
	return b.compileLike(ctx, wire.OpMakeStateSerializer, req)
}
func (b *Base) DescribeDatabaseDump(ctx context.Context, req Request) (Result, error) {
	return b.compileLike(ctx, wire.OpDescribeDatabaseDump, req)
}
func (b *Base) DescribeDatabaseRestore(ctx context.Context, req Request) (Result, error) {
	return b.compileLike(ctx, wire.OpDescribeDatabaseRestore, req)
}

// schemaUtil implements the non-db-scoped operations that carry plain
// arguments and no state-sync preamble at all (parse_global_schema,
// parse_user_schema_db_config, analyze_explain_output,
// validate_schema_equivalence, compile_structured_config,
// interpret_backend_error).
func (b *Base) schemaUtil(ctx context.Context, op wire.Op, args [][]byte) (Result, error) {
	w, err := b.acquireLive(ctx, nil, nil)
	if err != nil {
		return Result{}, err
	}
	defer b.release(w, true)

	resp, err := b.sendAndWait(ctx, w, wire.Request{Op: op, Args: args})
	if err != nil {
		return Result{}, err
	}
	if err := toErr(resp); err != nil {
		return Result{}, err
	}
	return Result{Payload: resp.Result}, nil
}

func (b *Base) ParseGlobalSchema(ctx context.Context, args [][]byte) (Result, error) {
	return b.schemaUtil(ctx, wire.OpParseGlobalSchema, args)
}
func (b *Base) ParseUserSchemaDBConfig(ctx context.Context, args [][]byte) (Result, error) {
	return b.schemaUtil(ctx, wire.OpParseUserSchemaDBConfig, args)
}
func (b *Base) AnalyzeExplainOutput(ctx context.Context, args [][]byte) (Result, error) {
	return b.schemaUtil(ctx, wire.OpAnalyzeExplainOutput, args)
}
func (b *Base) ValidateSchemaEquivalence(ctx context.Context, args [][]byte) (Result, error) {
	return b.schemaUtil(ctx, wire.OpValidateSchemaEquivalence, args)
}
func (b *Base) CompileStructuredConfig(ctx context.Context, args [][]byte) (Result, error) {
	return b.schemaUtil(ctx, wire.OpCompileStructuredConfig, args)
}
func (b *Base) InterpretBackendError(ctx context.Context, args [][]byte) (Result, error) {
	return b.schemaUtil(ctx, wire.OpInterpretBackendError, args)
}

// CompileInTx implements spec §4.4's in-transaction compile: prefer a
// worker whose cached last_tx_state_id matches the caller's StateID
// (the queue Condition), falling back to any worker; emit the
// reuse-last sentinel only when the acquired worker actually holds
// that state. Releases with put_in_front=false regardless of outcome.
// Retries exactly once, with the full pickled state, if the worker
// reports StateNotFound (spec §7, §4.4).
func (b *Base) CompileInTx(ctx context.Context, req InTxRequest) (Result, error) {
	result, err := b.compileInTxOnce(ctx, req, false)
	if err != nil && isStateNotFound(err) {
		return b.compileInTxOnce(ctx, req, true)
	}
	return result, err
}

func isStateNotFound(err error) bool {
	return err == errorsx.ErrStateNotFound
}

func (b *Base) compileInTxOnce(ctx context.Context, req InTxRequest, forceFullState bool) (Result, error) {
	var condition queue.Condition[*Worker]
	if req.StateID != compilerstate.None && !forceFullState {
		condition = func(w *Worker) bool { return w.LastTxState() == req.StateID }
	}

	w, err := b.acquireLive(ctx, condition, nil)
	if err != nil {
		return Result{}, err
	}
	defer b.release(w, false)

	sticky := !forceFullState && req.StateID != compilerstate.None && w.LastTxState() == req.StateID
	pickled := req.PickledState
	if sticky {
		pickled = compilerstate.ReuseLastStateMarker
	}

	resp, err := w.call(func(p wire.Preamble) (wire.Response, error) {
		return b.sendAndWait(ctx, w, wire.Request{
			Op:           wire.OpCompileInTx,
			Preamble:     p,
			Args:         req.Args,
			PickledState: pickled,
			TxID:         req.TxID,
			StateID:      uint64(req.StateID),
		})
	}, req.Request, &b.stateIDs)
	if err != nil {
		return Result{}, err
	}
	if err := toErr(resp); err != nil {
		return Result{}, err
	}

	w.mu.Lock()
	newID := w.lastTxState
	w.mu.Unlock()
	return Result{Payload: resp.Result, StateID: newID}, nil
}
