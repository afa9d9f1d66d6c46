package adaptivepool

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/compilerpool/compilerpool/internal/agent"
	"github.com/compilerpool/compilerpool/internal/compiler"
	"github.com/compilerpool/compilerpool/internal/config"
	"github.com/compilerpool/compilerpool/internal/poolcore"
	"github.com/compilerpool/compilerpool/internal/wire"
)

// newTestPool builds a Pool directly, bypassing New's own worker
// spawning, so the accept/grow/shrink machinery can be driven against
// in-process fake workers instead of real workeragent binaries.
func newTestPool(t *testing.T, floor, ceiling int) (*Pool, string) {
	t.Helper()
	dir := t.TempDir()
	sock := fmt.Sprintf("%s/adaptive.sock", dir)
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	p := &Pool{
		Base:     poolcore.NewBase(nil, ""),
		cfg:      config.PoolConfig{RunStateDir: dir, Floor: floor, Ceiling: ceiling, ShrinkAfter: 50 * time.Millisecond},
		initArgs: [][]byte{{}, {}, {}, {}, {}, {}},
		procs:    make(map[uint64]*exec.Cmd),
		ln:       ln,
	}
	p.wg.Add(1)
	go p.acceptLoop(sock)
	t.Cleanup(func() { p.ln.Close() })
	return p, sock
}

func dialFakeWorker(t *testing.T, sockPath string) net.Conn {
	t.Helper()
	nc, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := wire.HandshakeWritePID(nc, uint64(os.Getpid())); err != nil {
		t.Fatal(err)
	}
	if err := wire.WriteUint64(nc, 0); err != nil {
		t.Fatal(err)
	}
	a := agent.New(compiler.NewStub(), 0)
	go wire.NewConn(nc).Serve(a.Handle)
	return nc
}

func TestHandshakeRegistersWorkerDiscardingSerial(t *testing.T) {
	p, sock := newTestPool(t, 0, 4)
	defer p.Base.Close()

	dialFakeWorker(t, sock)

	deadline := time.Now().Add(2 * time.Second)
	for p.LiveCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if p.LiveCount() != 1 {
		t.Fatalf("want 1 live worker, got %d", p.LiveCount())
	}
}

func TestMaybeShrinkNoopAtOrBelowFloor(t *testing.T) {
	p, _ := newTestPool(t, 2, 4)
	defer p.Base.Close()

	// LiveCount is 0 here (no real workers spawned); maybeShrink must
	// be a no-op since LiveCount <= Floor.
	p.maybeShrink()
	if p.LiveCount() != 0 {
		t.Fatalf("want no change, got %d live", p.LiveCount())
	}
}
