package poolcore

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/compilerpool/compilerpool/internal/agent"
	"github.com/compilerpool/compilerpool/internal/blob"
	"github.com/compilerpool/compilerpool/internal/compiler"
	"github.com/compilerpool/compilerpool/internal/compilerstate"
	"github.com/compilerpool/compilerpool/internal/wire"
)

// spawnFakeWorker wires up an in-process agent over a net.Pipe so Base
// can be exercised without forking a real workeragent process, mirroring
// how the teacher's pool_test.go stands up a fake backend connection.
func spawnFakeWorker(t *testing.T) (*Base, *Worker) {
	t.Helper()
	serverSide, poolSide := net.Pipe()

	a := agent.New(compiler.NewStub(), 0)
	go func() {
		wire.NewConn(serverSide).Serve(a.Handle)
	}()

	b := NewBase(nil, "")
	conn := wire.NewConn(poolSide)
	w, err := b.RegisterWorker(context.Background(), 1, conn, initArgs())
	if err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	return b, w
}

func initArgs() [][]byte {
	return [][]byte{
		[]byte("backend"), []byte("std"), []byte("refl"),
		[]byte("layout"), []byte("global"), []byte("sysconf"),
	}
}

func TestRegisterAndCompile(t *testing.T) {
	b, _ := spawnFakeWorker(t)
	defer b.Close()

	res, err := b.Compile(context.Background(), Request{
		DBName:           "d",
		UserSchemaPickle: blob.New([]byte("u1")),
		Args:             [][]byte{[]byte("SELECT 1")},
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(res.Payload) == 0 {
		t.Fatal("expected non-empty payload")
	}
	if b.Queue.Len() != 1 {
		t.Fatalf("want worker released back to idle, got %d idle", b.Queue.Len())
	}
}

func TestCompileDiffsOnlyChangedBlobs(t *testing.T) {
	b, w := spawnFakeWorker(t)
	defer b.Close()

	schema := blob.New([]byte("u1"))
	if _, err := b.Compile(context.Background(), Request{DBName: "d", UserSchemaPickle: schema}); err != nil {
		t.Fatalf("first compile: %v", err)
	}

	// Same blob again: diffPreambleLocked should see it as unchanged.
	w.mu.Lock()
	cur := w.dbs["d"].userSchema
	w.mu.Unlock()
	if !cur.SameAs(schema) {
		t.Fatal("expected cached view to have committed the first schema")
	}

	p := w.diffPreambleLocked(Request{DBName: "d", UserSchemaPickle: schema})
	if p.UserSchemaPickle != nil {
		t.Fatal("unchanged blob identity should not ride the preamble again")
	}

	fresh := blob.New([]byte("u2"))
	p = w.diffPreambleLocked(Request{DBName: "d", UserSchemaPickle: fresh})
	if p.UserSchemaPickle == nil {
		t.Fatal("a new blob identity should ride the preamble")
	}
}

func TestCompileInTxStickiness(t *testing.T) {
	b, _ := spawnFakeWorker(t)
	defer b.Close()

	res, err := b.CompileInTx(context.Background(), InTxRequest{
		Request: Request{DBName: "d"},
		TxID:    1,
		Args:    [][]byte{[]byte("BEGIN")},
	})
	if err != nil {
		t.Fatalf("first compile_in_tx: %v", err)
	}
	if res.StateID == compilerstate.None {
		t.Fatal("expected a fresh state id")
	}

	res2, err := b.CompileInTx(context.Background(), InTxRequest{
		Request: Request{DBName: "d"},
		TxID:    1,
		StateID: res.StateID,
		Args:    [][]byte{[]byte("SELECT 1")},
	})
	if err != nil {
		t.Fatalf("second compile_in_tx: %v", err)
	}
	if res2.StateID == compilerstate.None {
		t.Fatal("expected the second call to also mint a new state id")
	}

	// A worker that's never held any transaction state still sees its
	// condition miss (no idle worker matches res.StateID) and falls
	// back to the default idle pick rather than sticking. sticky stays
	// false because the picked worker's own LastTxState differs, so
	// the full pickled state rides again instead of the reuse marker.
	b2, _ := spawnFakeWorker(t)
	defer b2.Close()
	if _, err := b2.CompileInTx(context.Background(), InTxRequest{
		Request:      Request{DBName: "d"},
		StateID:      compilerstate.ID(999),
		PickledState: []byte("full state blob"),
		Args:         [][]byte{[]byte("SELECT 1")},
	}); err != nil {
		t.Fatalf("expected mismatched state id to fall back to full state, got: %v", err)
	}
}

func TestMaxCallsRetiresWorker(t *testing.T) {
	b, _ := spawnFakeWorker(t)
	defer b.Close()

	retired := false
	b.MaxCalls = 2
	b.RetireHook = func(w *Worker) { retired = true }

	for i := 0; i < 2; i++ {
		if _, err := b.Compile(context.Background(), Request{DBName: "d"}); err != nil {
			t.Fatalf("compile %d: %v", i, err)
		}
	}

	if !retired {
		t.Fatal("expected RetireHook to fire once MaxCalls was reached")
	}
	if b.LiveCount() != 0 {
		t.Fatalf("want worker removed from registry, got %d live", b.LiveCount())
	}
}

func TestAcquireTimesOutWhenNoWorkers(t *testing.T) {
	b := NewBase(nil, "")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := b.Compile(ctx, Request{DBName: "d"})
	if err == nil {
		t.Fatal("expected an error with no registered workers")
	}
}
