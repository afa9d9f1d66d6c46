package wire

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// Op tags a pool operation (spec §4.4). The source dispatches worker
// methods by string name; per the design notes, the wire protocol
// instead carries this small fixed enum, and the worker agent matches
// on it exhaustively rather than doing a dynamic name lookup.
type Op uint8

const (
	OpCompile Op = iota
	OpCompileInTx
	OpCompileNotebook
	OpCompileGraphQL
	OpCompileSQL
	OpParseGlobalSchema
	OpParseUserSchemaDBConfig
	OpMakeStateSerializer
	OpDescribeDatabaseDump
	OpDescribeDatabaseRestore
	OpAnalyzeExplainOutput
	OpValidateSchemaEquivalence
	OpCompileStructuredConfig
	OpInterpretBackendError
	OpInitServer
)

func (o Op) String() string {
	switch o {
	case OpCompile:
		return "compile"
	case OpCompileInTx:
		return "compile_in_tx"
	case OpCompileNotebook:
		return "compile_notebook"
	case OpCompileGraphQL:
		return "compile_graphql"
	case OpCompileSQL:
		return "compile_sql"
	case OpParseGlobalSchema:
		return "parse_global_schema"
	case OpParseUserSchemaDBConfig:
		return "parse_user_schema_db_config"
	case OpMakeStateSerializer:
		return "make_state_serializer"
	case OpDescribeDatabaseDump:
		return "describe_database_dump"
	case OpDescribeDatabaseRestore:
		return "describe_database_restore"
	case OpAnalyzeExplainOutput:
		return "analyze_explain_output"
	case OpValidateSchemaEquivalence:
		return "validate_schema_equivalence"
	case OpCompileStructuredConfig:
		return "compile_structured_config"
	case OpInterpretBackendError:
		return "interpret_backend_error"
	case OpInitServer:
		return "__init_server__"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Preamble is the fixed-shape state-sync header prepended to every
// compile* call (spec §4.4). A nil field means "worker already has
// this, unchanged"; a non-nil field carries the new blob.
type Preamble struct {
	DBName             string
	UserSchemaPickle   []byte
	ReflectionCache    []byte
	GlobalSchemaPickle []byte
	DatabaseConfig     []byte
	SystemConfig       []byte
}

// Request is the call payload the pool sends to a worker: operation,
// state-sync preamble, and opaque arguments. In-transaction calls also
// carry PickledState (possibly the reuse-last sentinel) and the
// transaction id.
type Request struct {
	Op           Op
	Preamble     Preamble
	Args         [][]byte
	PickledState []byte
	TxID         uint64
	StateID      uint64

	// ClientID and tenant diff fields are populated only by the
	// multi-tenant broker when forwarding a client's call to a worker
	// (spec §4.8); zero value elsewhere.
	ClientID       uint64
	Invalidations  []uint64
	DroppedDBNames []string
}

// status values for Response, per spec §6. The base wire contract
// defines 0-2; 3 and 4 are this system's own distinguished error kinds
// (spec §7 FailedStateSync, StateNotFound) folded into the same small
// status byte rather than a separate side channel.
const (
	StatusOK                  uint8 = 0
	StatusCompilerError       uint8 = 1
	StatusSerializationFailed uint8 = 2
	StatusFailedStateSync     uint8 = 3
	StatusStateNotFound       uint8 = 4
)

// Response is the call reply a worker sends back. NewState is the
// fresh opaque transaction-state blob from a successful
// compile_in_tx; the pool — not the worker — assigns it a state_id
// (spec §4.9).
type Response struct {
	Status         uint8
	Result         []byte
	NewState       []byte
	ErrMessage     string
	FormattedTrace string

	// EvictedClientIDs and FreeTenantSlots report this worker's
	// tenant-cache bookkeeping (spec §4.8) as of right after handling
	// this request, so a multi-tenant broker — which lives in a
	// separate process from the worker and cannot call the worker's
	// in-process cache directly — can keep its own placement view
	// current without a dedicated query round-trip. Zero value
	// (nil, 0) outside multi-tenant mode.
	EvictedClientIDs []uint64
	FreeTenantSlots  int
}

// EncodeRequest/DecodeRequest and EncodeResponse/DecodeResponse use
// encoding/gob for the envelope: the stdlib's own binary serializer,
// reached for because the pack's only third-party binary codec
// (google.golang.org/protobuf) shows up solely as an indirect
// dependency of prometheus/client_model in every example repo that has
// it, and none hand-write generated .pb.go messages — see
// DESIGN.md.

func EncodeRequest(req Request) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(req); err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	return buf.Bytes(), nil
}

func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&req); err != nil {
		return Request{}, fmt.Errorf("decoding request: %w", err)
	}
	return req, nil
}

func EncodeResponse(resp Response) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(resp); err != nil {
		return nil, fmt.Errorf("encoding response: %w", err)
	}
	return buf.Bytes(), nil
}

func DecodeResponse(data []byte) (Response, error) {
	var resp Response
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("decoding response: %w", err)
	}
	return resp, nil
}
