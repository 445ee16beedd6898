// Package reactor implements the custodian's control-channel dispatcher
// (component C): a single-threaded epoll reactor that accepts one worker
// connection at a time, dispatches framed requests through an opcode
// table, and drives the disconnect-recovery sequence (priority-channel
// teardown, vhost-liveness monitor respawn, PF reset fallback) when the
// worker goes away.
package reactor

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/Mellanox/dpdk-vhost-vfe/internal/logger"
	"github.com/Mellanox/dpdk-vhost-vfe/internal/monitor"
	"github.com/Mellanox/dpdk-vhost-vfe/internal/pcireset"
	"github.com/Mellanox/dpdk-vhost-vfe/internal/registry"
	"github.com/Mellanox/dpdk-vhost-vfe/internal/wire"
)

// Config is the subset of the daemon's configuration the reactor needs.
type Config struct {
	SocketPath     string
	SentinelPath   string
	MaxEpollEvents int
}

// Reactor owns the unix-domain listener, the device registry, and the
// priority-channel gate. Every call into the listener and the registry
// happens from the single goroutine that runs Run; the priority gate is
// also called from the monitor goroutine and guards itself with its own
// mutex. See SPEC_FULL.md §5.
type Reactor struct {
	cfg      Config
	registry *registry.Registry
	prio     *priorityGate

	listenFD int
	epfd     int

	connID atomic.Uint64

	monitorCancel context.CancelFunc
	monitorHandle *monitor.Monitor
}

// New binds the control-channel listener at cfg.SocketPath (unlinking any
// stale socket file first) and returns a Reactor ready for Run.
func New(cfg Config, reg *registry.Registry) (*Reactor, error) {
	if err := os.Remove(cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reactor: removing stale socket: %w", err)
	}

	listenFD, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("reactor: socket: %w", err)
	}
	addr := &unix.SockaddrUnix{Name: cfg.SocketPath}
	if err := unix.Bind(listenFD, addr); err != nil {
		unix.Close(listenFD)
		return nil, fmt.Errorf("reactor: bind %s: %w", cfg.SocketPath, err)
	}
	if err := unix.Listen(listenFD, 1); err != nil {
		unix.Close(listenFD)
		return nil, fmt.Errorf("reactor: listen: %w", err)
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		unix.Close(listenFD)
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, listenFD, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(listenFD),
	}); err != nil {
		unix.Close(epfd)
		unix.Close(listenFD)
		return nil, fmt.Errorf("reactor: add listener to epoll: %w", err)
	}

	return &Reactor{
		cfg:      cfg,
		registry: reg,
		prio:     newPriorityGate(),
		listenFD: listenFD,
		epfd:     epfd,
	}, nil
}

// Close releases the listener and epoll descriptors. Callers should call
// this after Run returns.
func (r *Reactor) Close() {
	if r.monitorCancel != nil {
		r.monitorCancel()
		r.monitorHandle.Join()
	}
	unix.Close(r.epfd)
	unix.Close(r.listenFD)
	os.Remove(r.cfg.SocketPath)
}

// Run drives the accept/dispatch loop until ctx is cancelled.
func (r *Reactor) Run(ctx context.Context) error {
	workerFD := registry.NoFD
	events := make([]unix.EpollEvent, r.cfg.MaxEpollEvents)

	for {
		select {
		case <-ctx.Done():
			if workerFD != registry.NoFD {
				unix.Close(workerFD)
			}
			return nil
		default:
		}

		n, err := unix.EpollWait(r.epfd, events, 1000)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("reactor: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			switch {
			case fd == r.listenFD:
				workerFD = r.acceptWorker(workerFD)
			case fd == workerFD:
				if !r.serviceWorker(ctx, workerFD) {
					r.disconnectWorker(workerFD)
					workerFD = registry.NoFD
				}
			}
		}
	}
}

// acceptWorker accepts a pending connection. Since only one worker is
// serviced at a time, a connection arriving while one is already active is
// accepted and immediately closed (the protocol guarantees at most one
// well-behaved peer; this just avoids leaking the kernel-queued fd).
func (r *Reactor) acceptWorker(current int) int {
	fd, _, err := unix.Accept(r.listenFD)
	if err != nil {
		logger.Warn("reactor: accept failed", logger.Err(err))
		return current
	}
	if current != registry.NoFD {
		logger.Warn("reactor: rejecting second worker connection")
		unix.Close(fd)
		return current
	}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	}); err != nil {
		logger.Warn("reactor: failed to register worker fd", logger.Err(err))
		unix.Close(fd)
		return current
	}
	id := r.connID.Add(1)
	logger.Info("worker connected", logger.ConnID(id), logger.FD(fd), "session", uuid.NewString())
	return fd
}

// serviceWorker reads and dispatches one frame. It returns false when the
// worker has disconnected (cleanly or on error) and recovery should run.
func (r *Reactor) serviceWorker(ctx context.Context, workerFD int) bool {
	req, err := wire.ReadFrame(workerFD)
	if err != nil {
		if !wire.IsPeerClosed(err) {
			logger.Warn("reactor: read frame failed", logger.Err(err))
		}
		return false
	}
	defer req.Release()

	r.dispatch(workerFD, req)
	return true
}

// dispatch validates and invokes the opcode's procedure, sending a reply
// frame if the handler produced one. Handler errors are logged and the
// connection is kept open, per SPEC_FULL.md §7.
func (r *Reactor) dispatch(workerFD int, req *wire.Frame) {
	op := req.Header.Opcode
	proc, ok := dispatchTable[op]
	if !ok {
		logger.Warn("reactor: unknown opcode", "opcode", uint32(op))
		return
	}
	if err := proc.validateFDCount(len(req.FDs)); err != nil {
		logger.Warn("reactor: malformed request", logger.Opcode(proc.name), logger.Err(err))
		return
	}

	out := proc.handle(r, req)
	if out.err != nil {
		logger.Warn("reactor: handler failed", logger.Opcode(proc.name), logger.BDF(req.Header.BDFString()), logger.Err(out.err))
		return
	}
	if !out.reply {
		return
	}

	reply := &wire.Frame{
		Header:  wire.NewHeader(op, req.Header.BDFString(), uint32(len(out.payload))),
		Payload: out.payload,
		FDs:     out.replyFDs,
	}
	if err := wire.WriteFrame(workerFD, reply); err != nil {
		logger.Warn("reactor: write reply failed", logger.Opcode(proc.name), logger.Err(err))
	}
}

// disconnectWorker runs the full recovery sequence from SPEC_FULL.md §4.C:
// sentinel file, priority-channel teardown, monitor cancel+respawn, PF
// reset fallback, sentinel removal.
func (r *Reactor) disconnectWorker(workerFD int) {
	unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, workerFD, nil)
	unix.Close(workerFD)
	logger.Info("worker disconnected, entering recovery")

	if err := r.createSentinel(); err != nil {
		logger.Warn("reactor: failed to create sentinel file", logger.Err(err))
	}

	r.prio.remove()
	r.stopMonitor()
	r.ensureMonitorRunning()

	pcireset.ResetAll(r.registry)

	if err := r.removeSentinel(); err != nil {
		logger.Warn("reactor: failed to remove sentinel file", logger.Err(err))
	}
	logger.Info("recovery complete, awaiting new worker connection")
}

func (r *Reactor) createSentinel() error {
	f, err := os.OpenFile(r.cfg.SentinelPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	return f.Close()
}

func (r *Reactor) removeSentinel() error {
	if err := os.Remove(r.cfg.SentinelPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ensureMonitorRunning starts a fresh monitor generation over a snapshot of
// every VF's current vhost descriptor, if one is not already running.
func (r *Reactor) ensureMonitorRunning() {
	if r.monitorCancel != nil {
		return
	}
	entries := r.snapshotVhostEntries()
	m, err := monitor.New(entries, r.prio.notifyOrEnqueue)
	if err != nil {
		logger.Warn("reactor: failed to start vhost liveness monitor", logger.Err(err))
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx, entries)
	r.monitorHandle = m
	r.monitorCancel = cancel
}

// stopMonitor cancels and joins the current monitor generation, if any.
func (r *Reactor) stopMonitor() {
	if r.monitorCancel == nil {
		return
	}
	r.monitorCancel()
	r.monitorHandle.Join()
	r.monitorCancel = nil
	r.monitorHandle = nil
}

func (r *Reactor) snapshotVhostEntries() []monitor.Entry {
	var entries []monitor.Entry
	for _, pfBDF := range r.registry.ListPFBDFs() {
		for _, vf := range r.registry.ListVFs(pfBDF) {
			if vf.VhostFD != registry.NoFD {
				entries = append(entries, monitor.Entry{BDF: vf.BDF, VhostFD: vf.VhostFD})
			}
		}
	}
	return entries
}
