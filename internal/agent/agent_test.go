package agent

import (
	"testing"

	"github.com/compilerpool/compilerpool/internal/compiler"
	"github.com/compilerpool/compilerpool/internal/compilerstate"
	"github.com/compilerpool/compilerpool/internal/wire"
)

func call(t *testing.T, a *Agent, req wire.Request) wire.Response {
	t.Helper()
	payload, err := wire.EncodeRequest(req)
	if err != nil {
		t.Fatal(err)
	}
	out := a.Handle(payload)
	resp, err := wire.DecodeResponse(out)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func initArgs() [][]byte {
	return [][]byte{
		[]byte("backend"), []byte("std"), []byte("refl"),
		[]byte("layout"), []byte("global"), []byte("sysconf"),
	}
}

func TestInitServerThenCompile(t *testing.T) {
	a := New(compiler.NewStub(), 0)

	resp := call(t, a, wire.Request{Op: wire.OpInitServer, Args: initArgs()})
	if resp.Status != wire.StatusOK {
		t.Fatalf("init failed: %+v", resp)
	}

	resp = call(t, a, wire.Request{
		Op: wire.OpCompile,
		Preamble: wire.Preamble{
			DBName:           "d",
			UserSchemaPickle: []byte("u1"),
			ReflectionCache:  []byte("r1"),
		},
		Args: [][]byte{[]byte("SELECT 1")},
	})
	if resp.Status != wire.StatusOK {
		t.Fatalf("compile failed: %+v", resp)
	}
	if len(resp.Result) == 0 {
		t.Fatal("expected non-empty result")
	}
}

func TestCompileInTxReuseLastSentinel(t *testing.T) {
	a := New(compiler.NewStub(), 0)
	call(t, a, wire.Request{Op: wire.OpInitServer, Args: initArgs()})

	resp := call(t, a, wire.Request{
		Op:       wire.OpCompileInTx,
		Preamble: wire.Preamble{DBName: "d", UserSchemaPickle: []byte("u1")},
		TxID:     7,
		Args:     [][]byte{[]byte("BEGIN")},
	})
	if resp.Status != wire.StatusOK {
		t.Fatalf("first compile_in_tx failed: %+v", resp)
	}
	if len(resp.NewState) == 0 {
		t.Fatal("expected a new state blob")
	}

	resp2 := call(t, a, wire.Request{
		Op:           wire.OpCompileInTx,
		Preamble:     wire.Preamble{DBName: "d"},
		TxID:         7,
		PickledState: compilerstate.ReuseLastStateMarker,
		Args:         [][]byte{[]byte("SELECT 1")},
	})
	if resp2.Status != wire.StatusOK {
		t.Fatalf("second compile_in_tx failed: %+v", resp2)
	}
}

func TestCompileInTxStateNotFound(t *testing.T) {
	a := New(compiler.NewStub(), 0)
	call(t, a, wire.Request{Op: wire.OpInitServer, Args: initArgs()})

	resp := call(t, a, wire.Request{
		Op:           wire.OpCompileInTx,
		Preamble:     wire.Preamble{DBName: "d"},
		PickledState: compilerstate.ReuseLastStateMarker,
		Args:         [][]byte{[]byte("SELECT 1")},
	})
	if resp.Status == wire.StatusOK {
		t.Fatal("expected failure for an unknown reuse-last state id")
	}
}

func TestMultiTenantIsolation(t *testing.T) {
	a := New(compiler.NewStub(), 3)
	call(t, a, wire.Request{Op: wire.OpInitServer, Args: initArgs()})

	resp := call(t, a, wire.Request{
		Op:       wire.OpCompile,
		ClientID: 1,
		Preamble: wire.Preamble{DBName: "d", UserSchemaPickle: []byte("u-client-1")},
		Args:     [][]byte{[]byte("SELECT 1")},
	})
	if resp.Status != wire.StatusOK {
		t.Fatalf("client 1 compile failed: %+v", resp)
	}

	_, ok := a.HasTenant(1)
	if !ok {
		t.Fatal("expected client 1 to be cached after its first call")
	}
	_, ok = a.HasTenant(2)
	if ok {
		t.Fatal("client 2 should not be cached before its first call")
	}
}

func TestMultiTenantRejectedWithoutCache(t *testing.T) {
	a := New(compiler.NewStub(), 0)
	call(t, a, wire.Request{Op: wire.OpInitServer, Args: initArgs()})

	resp := call(t, a, wire.Request{Op: wire.OpCompile, ClientID: 5, Preamble: wire.Preamble{DBName: "d"}})
	if resp.Status == wire.StatusOK {
		t.Fatal("expected failure: this agent has no tenant cache configured")
	}
}

func TestHandleMalformedPayloadIsSerializationFailure(t *testing.T) {
	a := New(compiler.NewStub(), 0)
	out := a.Handle([]byte("not a gob stream"))
	resp, err := wire.DecodeResponse(out)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != wire.StatusSerializationFailed {
		t.Fatalf("want StatusSerializationFailed, got %d", resp.Status)
	}
}

func TestInvalidationsDropTenant(t *testing.T) {
	a := New(compiler.NewStub(), 3)
	call(t, a, wire.Request{Op: wire.OpInitServer, Args: initArgs()})
	call(t, a, wire.Request{Op: wire.OpCompile, ClientID: 1, Preamble: wire.Preamble{DBName: "d"}})

	if _, ok := a.HasTenant(1); !ok {
		t.Fatal("expected client 1 cached")
	}

	call(t, a, wire.Request{Op: wire.OpCompile, ClientID: 2, Preamble: wire.Preamble{DBName: "d"}, Invalidations: []uint64{1}})

	if _, ok := a.HasTenant(1); ok {
		t.Fatal("client 1 should have been forgotten per the invalidation list")
	}
}
