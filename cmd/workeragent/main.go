// Command workeragent is the per-worker-process entry point (spec
// §4.3): it dials the pool's Unix socket, performs the pid handshake,
// and serves compile calls until the connection drops or it receives
// a termination signal.
package main

import (
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/compilerpool/compilerpool/internal/agent"
	"github.com/compilerpool/compilerpool/internal/compiler"
	"github.com/compilerpool/compilerpool/internal/wire"
)

func main() {
	socketPath := flag.String("socket", "", "path to the pool's Unix domain socket")
	tenantCacheSize := flag.Int("tenant-cache-size", 0, "per-worker client-schema cache size (0 disables multi-tenant mode)")
	serial := flag.Uint64("serial", 0, "template version serial reported after the pid handshake (fixed pool only)")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if *socketPath == "" {
		log.Fatal("workeragent: -socket is required")
	}

	nc, err := net.Dial("unix", *socketPath)
	if err != nil {
		log.Fatalf("workeragent: dial %s: %v", *socketPath, err)
	}

	if err := wire.HandshakeWritePID(nc, uint64(os.Getpid())); err != nil {
		log.Fatalf("workeragent: pid handshake: %v", err)
	}
	if err := wire.WriteUint64(nc, *serial); err != nil {
		log.Fatalf("workeragent: serial handshake: %v", err)
	}

	a := agent.New(compiler.NewStub(), *tenantCacheSize)
	conn := wire.NewConn(nc)

	sigCh := make(chan os.Signal, 1)
	// SIGTERM and SIGINT both exit cleanly with status 0, so a parent
	// waiting on this process sees the same exit either way; nothing
	// here reports which of the two was received. SIGKILL cannot be
	// intercepted and needs no handling here.
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- conn.Serve(a.Handle)
	}()

	select {
	case sig := <-sigCh:
		log.Printf("workeragent pid=%s: received %s, exiting", strconv.Itoa(os.Getpid()), sig)
		conn.Close()
		os.Exit(0)
	case err := <-serveErr:
		if err != nil {
			log.Printf("workeragent pid=%d: connection closed: %v", os.Getpid(), err)
		}
		os.Exit(0)
	}
}
