// Package pool implements the parent process's worker pool: it binds the
// listening socket, keeps a fixed number of worker processes alive by
// re-executing the binary with the socket's file descriptor inherited, and
// propagates termination signals to the whole pool. Workers themselves are
// implemented in worker.go (RunWorker), which this package's parent loop
// never calls directly — re-exec always goes through the OS, since Go
// cannot fork a running multi-goroutine process in place.
package pool

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/systemd"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rzezeski/smtprelay/internal/adminrpc"
	"github.com/rzezeski/smtprelay/internal/metrics"
	"github.com/rzezeski/smtprelay/internal/pipeline"
	"github.com/rzezeski/smtprelay/internal/set"
)

// workerRespawnDelay separates consecutive forks, to dampen restart storms
// if workers are dying quickly (e.g. a bad filter binary).
const workerRespawnDelay = 100 * time.Millisecond

// Config holds everything the pool and its workers need: the listening
// address, the upstream to relay to, the filter chain, pool sizing, and
// the ambient options (HELO rewrite, debug trace, HAProxy, metrics, admin
// socket, systemd socket activation).
type Config struct {
	Listen   string
	Upstream string
	Filters  []pipeline.Command

	Children    int
	MinPerChild int
	MaxPerChild int

	HELO             string
	DebugTracePrefix string
	HAProxy          bool
	MetricsAddr      string
	AdminSocket      string
	Systemd          bool

	// IsWorker and WorkerFD mark this process as a worker that should run
	// RunWorker against the listener inherited on file descriptor WorkerFD,
	// instead of entering the parent supervision loop. cmd/smtprelay sets
	// these from an internal --worker-fd flag it passes to re-exec'd
	// children; they are never set by an operator directly.
	IsWorker bool
	WorkerFD int
}

// workerProc tracks one live child process.
type workerProc struct {
	pid int
	cmd *exec.Cmd
}

// Pool is the parent process's view of the worker pool.
type Pool struct {
	cfg    Config
	lnFile *os.File

	mu      sync.Mutex
	workers map[int]*workerProc

	metrics *metrics.Collector
	term    int32 // set to 1 by the signal handler; checked at safe points only
}

// Run binds the listening socket (or inherits it from systemd), then
// supervises a pool of cfg.Children re-exec'd worker processes until a
// termination signal is received, at which point it propagates the signal
// to every live worker and returns.
func Run(cfg Config) error {
	ln, lnFile, err := listen(cfg)
	if err != nil {
		return fmt.Errorf("pool: %v", err)
	}
	defer ln.Close()

	log.Infof("pool: listening on %s, %d worker(s)", ln.Addr(), cfg.Children)

	p := &Pool{
		cfg:     cfg,
		lnFile:  lnFile,
		workers: make(map[int]*workerProc),
	}

	reg := prometheus.NewRegistry()
	p.metrics = metrics.NewCollector(reg)

	if cfg.MetricsAddr != "" {
		msrv := metrics.NewServer(cfg.MetricsAddr, "/metrics", reg)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			if err := msrv.Start(ctx); err != nil {
				log.Errorf("pool: metrics server: %v", err)
			}
		}()
	}

	if cfg.AdminSocket != "" {
		admin := adminrpc.NewServer(p.status)
		go func() {
			if err := admin.ListenAndServe(cfg.AdminSocket); err != nil {
				log.Errorf("pool: admin socket: %v", err)
			}
		}()
		defer admin.Close()
	}

	go p.watchSignals()

	return p.supervise()
}

// watchSignals sets the termination flag on SIGTERM/SIGINT. It does no
// other work, per the "signal handlers confine themselves to setting a
// flag" design note; the supervision loop does the actual broadcast, at a
// safe point.
func (p *Pool) watchSignals() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigs
	log.Infof("pool: received %v, will terminate workers", sig)
	atomic.StoreInt32(&p.term, 1)
}

// supervise is the parent's main loop: while below capacity it forks
// workers, pausing briefly after each; at capacity it waits for a worker to
// exit before forking a replacement. The termination flag is only acted on
// between these steps, never in the middle of one.
func (p *Pool) supervise() error {
	exited := make(chan int, p.cfg.Children)

	for {
		if atomic.LoadInt32(&p.term) == 1 {
			p.broadcastTerm()
			return nil
		}

		if p.liveCount() < p.cfg.Children {
			wp, err := p.spawnWorker()
			if err != nil {
				log.Errorf("pool: spawning worker: %v", err)
				time.Sleep(time.Second)
				continue
			}

			p.addWorker(wp)
			log.Infof("pool: started worker pid=%d (%d/%d live)",
				wp.pid, p.liveCount(), p.cfg.Children)

			go func(wp *workerProc) {
				wp.cmd.Wait()
				exited <- wp.pid
			}(wp)

			time.Sleep(workerRespawnDelay)
			continue
		}

		pid := <-exited
		p.removeWorker(pid)
		log.Infof("pool: worker pid=%d exited (%d/%d live)",
			pid, p.liveCount(), p.cfg.Children)
	}
}

// spawnWorker re-execs the current binary with the listening socket's file
// descriptor inherited via ExtraFiles, and an internal --worker-fd flag
// marking the child as a worker instead of a new parent.
func (p *Pool) spawnWorker() (*workerProc, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolving executable: %v", err)
	}

	// ExtraFiles[0] is always inherited as fd 3 (0, 1, 2 are stdin, stdout,
	// stderr), regardless of the parent's own fd layout.
	args := append(append([]string{}, os.Args[1:]...), "--worker-fd=3")

	cmd := exec.Command(exe, args...)
	cmd.ExtraFiles = []*os.File{p.lnFile}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting worker: %v", err)
	}

	return &workerProc{pid: cmd.Process.Pid, cmd: cmd}, nil
}

// broadcastTerm sends SIGTERM to every live worker. It does not wait for
// them to exit; the parent returns immediately afterward, per the
// termination-signal contract.
func (p *Pool) broadcastTerm() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for pid, wp := range p.workers {
		if err := wp.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			log.Errorf("pool: signaling worker pid=%d: %v", pid, err)
		}
	}
	log.Infof("pool: propagated termination to %d worker(s)", len(p.workers))
}

func (p *Pool) addWorker(wp *workerProc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workers[wp.pid] = wp
	if p.metrics != nil {
		p.metrics.WorkersLive(len(p.workers))
	}
}

func (p *Pool) removeWorker(pid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.workers, pid)
	if p.metrics != nil {
		p.metrics.WorkersLive(len(p.workers))
	}
}

func (p *Pool) liveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// liveSet returns the current worker PIDs both as a set.String, for quick
// membership checks, and as the []int slice adminrpc.Status carries.
func (p *Pool) liveSet() (*set.String, []int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := set.NewString()
	pids := make([]int, 0, len(p.workers))
	for pid := range p.workers {
		s.Add(strconv.Itoa(pid))
		pids = append(pids, pid)
	}
	return s, pids
}

// status answers the admin socket's "status" request.
func (p *Pool) status() adminrpc.Status {
	_, pids := p.liveSet()
	return adminrpc.Status{Workers: len(pids), PIDs: pids}
}

// listen obtains the listening socket, either by binding cfg.Listen
// directly or, if cfg.Systemd is set, from a systemd-activated socket named
// "smtprelay". It also returns the socket's backing *os.File, so the
// parent can pass it to workers via exec.Cmd.ExtraFiles.
func listen(cfg Config) (net.Listener, *os.File, error) {
	if cfg.Systemd {
		ls, err := systemd.Listeners()
		if err != nil {
			return nil, nil, fmt.Errorf("systemd listeners: %v", err)
		}
		named := ls["smtprelay"]
		if len(named) == 0 {
			return nil, nil, fmt.Errorf("no systemd socket named %q", "smtprelay")
		}
		f, err := fileOf(named[0])
		if err != nil {
			return nil, nil, err
		}
		return named[0], f, nil
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on %s: %v", cfg.Listen, err)
	}

	f, err := fileOf(ln)
	if err != nil {
		return nil, nil, err
	}
	return ln, f, nil
}

// fileOf extracts the *os.File backing a listener, for handoff via
// ExtraFiles. Every net.Listener the pool actually uses (*net.TCPListener)
// satisfies this.
func fileOf(ln net.Listener) (*os.File, error) {
	type filer interface {
		File() (*os.File, error)
	}
	fl, ok := ln.(filer)
	if !ok {
		return nil, fmt.Errorf("listener type %T has no backing file descriptor", ln)
	}
	return fl.File()
}
