// Package monitor implements the vhost-liveness background watcher: a single
// goroutine that epolls every VF's vhost descriptor and reports peer hangup
// to the reactor, which either forwards it immediately over the priority
// channel or buffers it until one is established.
package monitor

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/Mellanox/dpdk-vhost-vfe/internal/logger"
)

// maxBatchEvents bounds one epoll_wait's event buffer, batched the way a
// reactor loop amortizes syscall overhead across many ready descriptors.
const maxBatchEvents = 64

// Entry is one VF's vhost descriptor as of monitor-goroutine start. The
// monitor never mutates the registry; it only reads this immutable
// snapshot and reports back through Notify.
type Entry struct {
	BDF     string
	VhostFD int
}

// Monitor watches a fixed snapshot of vhost descriptors for peer hangup.
type Monitor struct {
	epfd       int
	wakeReadFD int
	wakeWriteFD int
	notify     func(bdf string)

	wg   sync.WaitGroup
	done chan struct{}
}

// New creates a monitor over entries, registering each vhost descriptor
// with a fresh epoll set. notify is called, from the monitor's own
// goroutine, when an entry's vhost peer hangs up: at most once per entry
// per monitor generation.
func New(entries []Entry, notify func(bdf string)) (*Monitor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("monitor: epoll_create1: %w", err)
	}

	var wakeFDs [2]int
	if err := unix.Pipe2(wakeFDs[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("monitor: wake pipe: %w", err)
	}

	m := &Monitor{
		epfd:        epfd,
		wakeReadFD:  wakeFDs[0],
		wakeWriteFD: wakeFDs[1],
		notify:      notify,
		done:        make(chan struct{}),
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, m.wakeReadFD, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(m.wakeReadFD),
	}); err != nil {
		m.closeFDs()
		return nil, fmt.Errorf("monitor: add wake fd: %w", err)
	}

	registered := 0
	for _, e := range entries {
		if e.VhostFD < 0 {
			continue
		}
		ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(e.VhostFD)}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, e.VhostFD, ev); err != nil {
			logger.Warn("monitor: failed to add vhost fd", logger.BDF(e.BDF), logger.FD(e.VhostFD), logger.Err(err))
			continue
		}
		registered++
	}

	logger.Info("vhost liveness monitor starting", logger.Count(registered))
	return m, nil
}

// fdIndex maps a raw fd back to the BDF it belongs to so Run can report
// it to notify.
type fdIndex map[int32]string

// Run drives the epoll loop until ctx is cancelled. It blocks the calling
// goroutine; callers should run it in its own goroutine and wait on Done.
func (m *Monitor) Run(ctx context.Context, entries []Entry) {
	defer close(m.done)
	defer m.closeFDs()

	byFD := make(fdIndex, len(entries))
	for _, e := range entries {
		if e.VhostFD >= 0 {
			byFD[int32(e.VhostFD)] = e.BDF
		}
	}

	events := make([]unix.EpollEvent, maxBatchEvents)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := unix.EpollWait(m.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			logger.Warn("monitor: epoll_wait failed", logger.Err(err))
			return
		}

		for i := 0; i < n; i++ {
			fd := events[i].Fd
			if int(fd) == m.wakeReadFD {
				return
			}
			bdf, ok := byFD[fd]
			if !ok {
				continue
			}
			m.notify(bdf)
			// one-shot per generation: stop watching this fd once its
			// peer has been observed closed
			if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, int(fd), nil); err != nil {
				logger.Warn("monitor: epoll_ctl del failed", logger.FD(int(fd)), logger.Err(err))
			}
			delete(byFD, fd)
		}
	}
}

// Start launches Run in its own goroutine and arranges for ctx cancellation
// to wake the (otherwise indefinitely blocking) epoll_wait via the internal
// pipe. Callers cancel+join by cancelling ctx and then waiting on Done (or
// calling Join).
func (m *Monitor) Start(ctx context.Context, entries []Entry) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.Run(ctx, entries)
	}()

	go func() {
		select {
		case <-ctx.Done():
			var b [1]byte
			_, _ = unix.Write(m.wakeWriteFD, b[:])
		case <-m.done:
		}
	}()
}

// Join blocks until Run has returned and cleaned up its epoll fd.
func (m *Monitor) Join() {
	m.wg.Wait()
}

// Done returns a channel closed once Run has returned and cleaned up.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

func (m *Monitor) closeFDs() {
	unix.Close(m.wakeReadFD)
	unix.Close(m.wakeWriteFD)
	unix.Close(m.epfd)
}
