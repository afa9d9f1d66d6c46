// Package fixedpool implements the fixed pool shape (spec §4.5): a
// fixed-size worker set spawned once at start-up via a "template"
// process, kept alive by respawning individual workers that crash, and
// versioned so that the workers of a respawned template replace the
// old set without racing against workers still connecting under the
// old generation.
//
// Grounded on the teacher's pool.Manager (internal/pool/pool.go): one
// long-lived accept/registry struct owning a background goroutine,
// here generalized from "lazily dial a backend on demand" to "accept
// workers the template process pushes at us".
package fixedpool

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/compilerpool/compilerpool/internal/config"
	"github.com/compilerpool/compilerpool/internal/metrics"
	"github.com/compilerpool/compilerpool/internal/poolcore"
	"github.com/compilerpool/compilerpool/internal/wire"
)

// InitArgs are the six blobs passed to every worker's __init_server__
// call at registration (spec §4.3, §3 GlobalState).
type InitArgs = [][]byte

// Pool is a fixed-size worker pool. Workers are spawned by a
// poolsupervisor template process this type forks and supervises; a
// worker whose reported version serial is below Pool's current
// generation is rejected and its connection closed (spec §4.5 rolling
// restart).
type Pool struct {
	*poolcore.Base

	cfg      config.PoolConfig
	initArgs InitArgs
	metrics  *metrics.Collector

	ln net.Listener

	mu       sync.Mutex
	serial   atomic.Uint64
	template *exec.Cmd
	closed   bool
	wg       sync.WaitGroup

	// startupResults receives one entry per handshake completed while
	// awaitStartup is still waiting (nil on success, the failure
	// otherwise); it's read by the errgroup workers in awaitStartup and
	// otherwise left undrained, which is fine since the send is
	// non-blocking.
	startupResults chan error
}

// New creates a fixed pool listening on a fresh Unix socket under
// cfg.RunStateDir, spawns the template process, and blocks until
// cfg.Floor workers have registered or cfg.StartupTimeout elapses.
func New(ctx context.Context, cfg config.PoolConfig, initArgs InitArgs, m *metrics.Collector) (*Pool, error) {
	if err := os.MkdirAll(cfg.RunStateDir, 0755); err != nil {
		return nil, fmt.Errorf("fixedpool: creating run state dir: %w", err)
	}
	sockPath := socketPath(cfg.RunStateDir)
	os.Remove(sockPath)

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, fmt.Errorf("fixedpool: listening on %s: %w", sockPath, err)
	}

	p := &Pool{
		Base:           poolcore.NewBase(m, ""),
		cfg:            cfg,
		initArgs:       initArgs,
		metrics:        m,
		ln:             ln,
		startupResults: make(chan error, cfg.Floor),
	}
	p.MaxCalls = cfg.MaxCalls
	p.RetireHook = p.onRetire

	p.wg.Add(1)
	go p.acceptLoop()

	if err := p.spawnTemplate(cfg.Floor, p.serial.Load()); err != nil {
		p.Close()
		return nil, fmt.Errorf("fixedpool: spawning template: %w", err)
	}
	p.wg.Add(1)
	go p.superviseTemplate()

	if err := p.awaitStartup(ctx, cfg.Floor, cfg.StartupTimeout); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func socketPath(dir string) string {
	return fmt.Sprintf("%s/pool.sock", dir)
}

// awaitStartup waits for n workers to complete their handshake with a
// bounded timeout, failing fast if any of them errors out (spec §5: "a
// pool waits up to a configured startup timeout for its initial worker
// set"). Each expected worker gets its own errgroup goroutine reading
// one handshake outcome off startupResults, so a single bad handshake
// cancels the wait for the rest instead of spinning out the full
// timeout.
func (p *Pool) awaitStartup(ctx context.Context, n int, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			select {
			case err := <-p.startupResults:
				return err
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("fixedpool: waiting for initial worker set of %d: %w", n, err)
	}
	return nil
}

// reportStartup delivers one handshake outcome to awaitStartup. It
// never blocks: once startup has finished (or its buffer is full)
// later handshakes — respawns after a crash, rolling restarts — have
// nothing waiting to read it, so the send is simply dropped.
func (p *Pool) reportStartup(err error) {
	select {
	case p.startupResults <- err:
	default:
	}
}

// acceptLoop accepts worker connections for the pool's lifetime,
// performs the pid+serial handshake, and registers each one with Base.
func (p *Pool) acceptLoop() {
	defer p.wg.Done()
	for {
		nc, err := p.ln.Accept()
		if err != nil {
			return
		}
		go p.handshakeAndRegister(nc)
	}
}

func (p *Pool) handshakeAndRegister(nc net.Conn) {
	start := time.Now()
	pid, err := wire.HandshakeReadPID(nc)
	if err != nil {
		slog.Warn("pid handshake failed", "err", err)
		nc.Close()
		p.reportStartup(fmt.Errorf("pid handshake: %w", err))
		return
	}
	serial, err := wire.ReadUint64(nc)
	if err != nil {
		slog.Warn("serial handshake failed", "pid", pid, "err", err)
		nc.Close()
		p.reportStartup(fmt.Errorf("serial handshake: %w", err))
		return
	}

	current := p.serial.Load()
	if serial < current {
		// A worker from a stale template generation reconnecting after
		// a rolling restart; it should already be on its way out, but
		// reject it defensively (spec §4.5). This never happens during
		// the initial startup window (serial starts at 0), so it must
		// not report against awaitStartup.
		slog.Warn("rejecting worker from stale generation", "pid", pid, "serial", serial, "current", current)
		nc.Close()
		return
	}

	conn := wire.NewConn(nc)
	w, err := p.RegisterWorker(context.Background(), pid, conn, p.initArgs)
	if err != nil {
		slog.Warn("registering worker failed", "pid", pid, "err", err)
		conn.Close()
		p.reportStartup(fmt.Errorf("registering worker %d: %w", pid, err))
		return
	}
	if p.metrics != nil {
		p.metrics.HandshakeDuration("", time.Since(start))
	}
	p.reportStartup(nil)

	go p.watchWorker(w)
}

// watchWorker removes w from the registry as soon as its connection's
// read loop exits, even if it was sitting idle (Base.acquireLive only
// notices a dead worker on its next acquire, which could be arbitrarily
// far in the future for an otherwise-unused pool member).
func (p *Pool) watchWorker(w *poolcore.Worker) {
	<-w.Conn.Done()
	p.RemoveWorker(w)
}

// onRetire is Base's RetireHook: a worker that hit MaxCalls has
// already been removed from the registry, and RemoveWorker has closed
// its connection, so the worker process exits and the template's own
// child-reaping loop respawns it. Since fixedpool itself doesn't own
// worker subprocesses directly (poolsupervisor does), this hook only
// logs the retirement.
func (p *Pool) onRetire(w *poolcore.Worker) {
	slog.Info("retiring worker", "pid", w.Pid, "calls", w.CallCount())
}

// superviseTemplate restarts the template process if it exits
// unexpectedly, after cfg.TemplateRestartDelay, incrementing the
// generation serial so any workers from the old template that manage
// to reconnect are rejected (spec §4.5).
func (p *Pool) superviseTemplate() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		cmd := p.template
		closed := p.closed
		p.mu.Unlock()
		if closed || cmd == nil {
			return
		}

		err := cmd.Wait()

		p.mu.Lock()
		closed = p.closed
		p.mu.Unlock()
		if closed {
			return
		}

		slog.Warn("template process exited, restarting", "err", err, "delay", p.cfg.TemplateRestartDelay)
		time.Sleep(p.cfg.TemplateRestartDelay)

		next := p.serial.Add(1)
		if err := p.spawnTemplate(p.cfg.Floor, next); err != nil {
			slog.Error("failed to respawn template", "err", err)
			time.Sleep(p.cfg.TemplateRestartDelay)
		}
	}
}

func (p *Pool) spawnTemplate(count int, serial uint64) error {
	bin := p.cfg.TemplateBin
	if bin == "" {
		bin = "poolsupervisor"
	}
	cmd := exec.Command(bin,
		"-count", fmt.Sprintf("%d", count),
		"-socket", socketPath(p.cfg.RunStateDir),
		"-serial", fmt.Sprintf("%d", serial),
		"-worker-bin", p.cfg.WorkerBin,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return err
	}
	p.mu.Lock()
	p.template = cmd
	p.mu.Unlock()
	return nil
}

// Close stops accepting connections, terminates the template process
// tree, and closes every registered worker.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	cmd := p.template
	p.mu.Unlock()

	p.ln.Close()
	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
	}
	p.Base.Close()
}
