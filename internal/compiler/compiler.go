// Package compiler defines the black-box interface the worker agent
// calls into for every compile* and schema operation (spec §4.3,
// §4.4). The actual query compiler is out of scope for this module;
// Stub is a small deterministic stand-in that lets the rest of the
// system (agent dispatch, state sync, pool logic) be built and tested
// against a real interface boundary.
package compiler

import (
	"fmt"

	"github.com/compilerpool/compilerpool/internal/blob"
)

// GlobalState is the heavy, process-global state the agent holds once
// per worker process (spec §4.3): backend runtime params, standard
// schema, reflection schema, schema class layout, global schema,
// system config.
type GlobalState struct {
	BackendParams   blob.Blob
	StdSchema       blob.Blob
	ReflectionSchema blob.Blob
	ClassLayout     blob.Blob
	GlobalSchema    blob.Blob
	SystemConfig    blob.Blob
}

// DatabaseState is the per-database cached state a worker holds
// (spec §3).
type DatabaseState struct {
	UserSchemaPickle blob.Blob
	ReflectionCache  blob.Blob
	DatabaseConfig   blob.Blob
}

// CallContext is the state visible to a compile call: the process
// globals plus whichever per-database state applies (zero value if
// the call is not database-scoped).
type CallContext struct {
	DBName string
	Global GlobalState
	DB     DatabaseState
}

// Error is a domain error raised by the compiler, distinct from a
// transport or serialization failure (spec §7, CompilerError).
type Error struct {
	Message string
}

func (e *Error) Error() string { return e.Message }

// Compiler is implemented by the worker's compile backend. Every
// method is synchronous and called from the agent's single dispatch
// goroutine: no method is ever called concurrently with another.
type Compiler interface {
	// Compile runs a one-shot statement/script in an implicit
	// transaction and returns an opaque result blob.
	Compile(ctx CallContext, args [][]byte) (result []byte, err error)

	// CompileInTx continues a compilation inside an already-open
	// transaction. priorState is the state blob the worker should
	// resume from (already resolved from the reuse-last sentinel by
	// the caller). It returns the new opaque state blob alongside the
	// result.
	CompileInTx(ctx CallContext, priorState []byte, args [][]byte) (result, newState []byte, err error)

	CompileNotebook(ctx CallContext, args [][]byte) (result []byte, err error)
	CompileGraphQL(ctx CallContext, args [][]byte) (result []byte, err error)
	CompileSQL(ctx CallContext, args [][]byte) (result []byte, err error)

	ParseGlobalSchema(args [][]byte) (result []byte, err error)
	ParseUserSchemaDBConfig(args [][]byte) (result []byte, err error)
	MakeStateSerializer(ctx CallContext, args [][]byte) (result []byte, err error)

	DescribeDatabaseDump(ctx CallContext, args [][]byte) (result []byte, err error)
	DescribeDatabaseRestore(ctx CallContext, args [][]byte) (result []byte, err error)

	AnalyzeExplainOutput(args [][]byte) (result []byte, err error)
	ValidateSchemaEquivalence(args [][]byte) (result []byte, err error)
	CompileStructuredConfig(args [][]byte) (result []byte, err error)
	InterpretBackendError(args [][]byte) (result []byte, err error)
}

// Stub is a deterministic Compiler: every method echoes a small
// descriptive tag plus the database name, the argument count and the
// total argument length, enough to drive the
// state-sync and queueing logic and to be asserted against in tests
// without a real query compiler attached.
type Stub struct{}

func NewStub() *Stub { return &Stub{} }

func tag(name string, ctx CallContext, args [][]byte) []byte {
	n := 0
	for _, a := range args {
		n += len(a)
	}
	return []byte(fmt.Sprintf("%s:%s:%d:%d", name, ctx.DBName, len(args), n))
}

func (s *Stub) Compile(ctx CallContext, args [][]byte) ([]byte, error) {
	return tag("compile", ctx, args), nil
}

func (s *Stub) CompileInTx(ctx CallContext, priorState []byte, args [][]byte) ([]byte, []byte, error) {
	result := tag("compile_in_tx", ctx, args)
	newState := append([]byte("txstate:"), result...)
	return result, newState, nil
}

func (s *Stub) CompileNotebook(ctx CallContext, args [][]byte) ([]byte, error) {
	return tag("compile_notebook", ctx, args), nil
}

func (s *Stub) CompileGraphQL(ctx CallContext, args [][]byte) ([]byte, error) {
	return tag("compile_graphql", ctx, args), nil
}

func (s *Stub) CompileSQL(ctx CallContext, args [][]byte) ([]byte, error) {
	return tag("compile_sql", ctx, args), nil
}

func (s *Stub) ParseGlobalSchema(args [][]byte) ([]byte, error) {
	return tag("parse_global_schema", CallContext{}, args), nil
}

func (s *Stub) ParseUserSchemaDBConfig(args [][]byte) ([]byte, error) {
	return tag("parse_user_schema_db_config", CallContext{}, args), nil
}

func (s *Stub) MakeStateSerializer(ctx CallContext, args [][]byte) ([]byte, error) {
	return tag("make_state_serializer", ctx, args), nil
}

func (s *Stub) DescribeDatabaseDump(ctx CallContext, args [][]byte) ([]byte, error) {
	return tag("describe_database_dump", ctx, args), nil
}

func (s *Stub) DescribeDatabaseRestore(ctx CallContext, args [][]byte) ([]byte, error) {
	return tag("describe_database_restore", ctx, args), nil
}

func (s *Stub) AnalyzeExplainOutput(args [][]byte) ([]byte, error) {
	return tag("analyze_explain_output", CallContext{}, args), nil
}

func (s *Stub) ValidateSchemaEquivalence(args [][]byte) ([]byte, error) {
	return tag("validate_schema_equivalence", CallContext{}, args), nil
}

func (s *Stub) CompileStructuredConfig(args [][]byte) ([]byte, error) {
	return tag("compile_structured_config", CallContext{}, args), nil
}

func (s *Stub) InterpretBackendError(args [][]byte) ([]byte, error) {
	return tag("interpret_backend_error", CallContext{}, args), nil
}
