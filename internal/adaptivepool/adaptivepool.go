// Package adaptivepool implements the adaptive pool shape (spec §4.6):
// workers are spawned directly by this process (no template
// intermediary) and the pool grows toward Ceiling when demand
// persists, and shrinks toward Floor by evicting its least-recently-
// used idle worker after a period of slack.
//
// Grounded on the teacher's pool.Manager stats loop
// (internal/pool/pool.go, StartStatsLoop/maybeScale): a ticker
// goroutine that samples pool occupancy and adjusts capacity, reused
// here directly for the grow/shrink timers instead of a connection
// pool's min/max idle knobs.
package adaptivepool

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/compilerpool/compilerpool/internal/config"
	"github.com/compilerpool/compilerpool/internal/metrics"
	"github.com/compilerpool/compilerpool/internal/poolcore"
	"github.com/compilerpool/compilerpool/internal/wire"
)

// Pool is an adaptive-size worker pool bounded between cfg.Floor and
// cfg.Ceiling.
type Pool struct {
	*poolcore.Base

	cfg      config.PoolConfig
	initArgs [][]byte
	metrics  *metrics.Collector

	ln net.Listener

	mu     sync.Mutex
	nextID uint64
	procs  map[uint64]*exec.Cmd
	closed bool

	stopGrow   chan struct{}
	stopShrink chan struct{}
	wg         sync.WaitGroup

	// startupResults mirrors fixedpool's: one handshake outcome per
	// slot read by awaitStartup's errgroup, non-blocking send so
	// handshakes arriving after startup (regrows, respawns) don't stall.
	startupResults chan error
}

// New creates an adaptive pool, spawns cfg.Floor workers, and starts
// its grow/shrink timers.
func New(ctx context.Context, cfg config.PoolConfig, initArgs [][]byte, m *metrics.Collector) (*Pool, error) {
	if err := os.MkdirAll(cfg.RunStateDir, 0755); err != nil {
		return nil, fmt.Errorf("adaptivepool: creating run state dir: %w", err)
	}
	sockPath := fmt.Sprintf("%s/adaptive.sock", cfg.RunStateDir)
	os.Remove(sockPath)

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, fmt.Errorf("adaptivepool: listening on %s: %w", sockPath, err)
	}

	p := &Pool{
		Base:           poolcore.NewBase(m, ""),
		cfg:            cfg,
		initArgs:       initArgs,
		metrics:        m,
		ln:             ln,
		procs:          make(map[uint64]*exec.Cmd),
		stopGrow:       make(chan struct{}),
		stopShrink:     make(chan struct{}),
		startupResults: make(chan error, cfg.Floor),
	}
	p.MaxCalls = cfg.MaxCalls
	p.RetireHook = p.onRetire

	p.wg.Add(1)
	go p.acceptLoop(sockPath)

	for i := 0; i < cfg.Floor; i++ {
		if err := p.spawnWorker(sockPath); err != nil {
			p.Close()
			return nil, fmt.Errorf("adaptivepool: spawning initial worker: %w", err)
		}
	}

	if err := p.awaitStartup(ctx, cfg.Floor, cfg.StartupTimeout); err != nil {
		p.Close()
		return nil, err
	}

	p.wg.Add(1)
	go p.growLoop(sockPath)
	p.wg.Add(1)
	go p.shrinkLoop()

	return p, nil
}

// awaitStartup waits for n workers to complete their handshake within
// timeout, failing fast on the first handshake error (mirrors
// fixedpool's awaitStartup).
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
		return fmt.Errorf("adaptivepool: waiting for initial worker set of %d: %w", n, err)
	}
	return nil
}

func (p *Pool) reportStartup(err error) {
	select {
	case p.startupResults <- err:
	default:
	}
}

func (p *Pool) spawnWorker(sockPath string) error {
	bin := p.cfg.WorkerBin
	if bin == "" {
		bin = "workeragent"
	}
	cmd := exec.Command(bin, "-socket", sockPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting worker process: %w", err)
	}

	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.procs[id] = cmd
	p.mu.Unlock()

	go func() {
		cmd.Wait()
		p.mu.Lock()
		delete(p.procs, id)
		p.mu.Unlock()
	}()
	return nil
}

func (p *Pool) acceptLoop(sockPath string) {
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
	// Adaptive-pool workers are spawned without -serial and so always
	// report 0 (no rolling template generations to track); read and
	// discard the field.
	if _, err := wire.ReadUint64(nc); err != nil {
		slog.Warn("serial handshake failed", "pid", pid, "err", err)
		nc.Close()
		p.reportStartup(fmt.Errorf("serial handshake: %w", err))
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
	go func() {
		<-w.Conn.Done()
		p.RemoveWorker(w)
	}()
}

// growLoop checks once every cfg.GrowAfter and spawns one additional
// worker if any acquire is waiting and the pool is below cfg.Ceiling
// (spec §4.6). How long a waiter has been blocked is not measured: a
// waiter that arrived just before a tick can trigger a grow.
func (p *Pool) growLoop(sockPath string) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.GrowAfter)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if p.Queue.Waiters() > 0 && p.LiveCount() < p.cfg.Ceiling {
				if err := p.spawnWorker(sockPath); err != nil {
					slog.Warn("grow failed", "err", err)
				} else {
					slog.Info("grew worker pool", "live", p.LiveCount(), "waiters", p.Queue.Waiters())
				}
			}
		case <-p.stopGrow:
			return
		}
	}
}

// shrinkLoop evicts the least-recently-used idle worker once it has
// sat unused longer than cfg.ShrinkAfter, down to cfg.Floor (spec
// §4.6).
func (p *Pool) shrinkLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.ShrinkAfter / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.maybeShrink()
		case <-p.stopShrink:
			return
		}
	}
}

func (p *Pool) maybeShrink() {
	if p.LiveCount() <= p.cfg.Floor {
		return
	}
	idle := p.Queue.Snapshot()
	if len(idle) == 0 {
		return
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].LastUsed().Before(idle[j].LastUsed()) })
	lru := idle[0]
	if time.Since(lru.LastUsed()) < p.cfg.ShrinkAfter {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	w, err := p.Base.Queue.Acquire(ctx, func(c *poolcore.Worker) bool { return c == lru }, nil)
	if err != nil {
		// Someone else took it first; nothing to shrink this round.
		return
	}
	p.RemoveWorker(w)
	slog.Info("shrank worker pool", "live", p.LiveCount())
}

func (p *Pool) onRetire(w *poolcore.Worker) {
	slog.Info("retiring worker, respawning", "pid", w.Pid, "calls", w.CallCount())
	sockPath := fmt.Sprintf("%s/adaptive.sock", p.cfg.RunStateDir)
	if err := p.spawnWorker(sockPath); err != nil {
		slog.Error("failed to respawn retired worker", "err", err)
	}
}

// Close stops the grow/shrink loops, stops accepting, and kills every
// worker process.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	procs := make([]*exec.Cmd, 0, len(p.procs))
	for _, cmd := range p.procs {
		procs = append(procs, cmd)
	}
	p.mu.Unlock()

	close(p.stopGrow)
	close(p.stopShrink)
	p.ln.Close()
	for _, cmd := range procs {
		if cmd.Process != nil {
			cmd.Process.Signal(os.Interrupt)
		}
	}
	p.Base.Close()
}
