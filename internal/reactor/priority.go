package reactor

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/Mellanox/dpdk-vhost-vfe/internal/logger"
	"github.com/Mellanox/dpdk-vhost-vfe/internal/wire"
)

// priorityGate is the one piece of state shared between the reactor
// goroutine and the monitor goroutine: the priority-channel descriptor and
// the notifications queued while it is absent. mu is the one mutex guarding
// custodian state (the logger keeps its own for output); see SPEC_FULL.md §5.
type priorityGate struct {
	mu      sync.Mutex
	fd      int // registry.NoFD-equivalent -1 when absent
	pending []string
}

func newPriorityGate() *priorityGate {
	return &priorityGate{fd: -1}
}

// notifyOrEnqueue implements the monitor's acquire-notify-or-enqueue-release
// discipline: if a priority channel is set, send ADD_VF over it directly;
// otherwise buffer the VF name for the next SET_PRIO_CHNL drain.
func (g *priorityGate) notifyOrEnqueue(vfBDF string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.fd < 0 {
		g.pending = append(g.pending, vfBDF)
		return
	}
	if err := sendAddVF(g.fd, vfBDF); err != nil {
		logger.Warn("failed to send priority notification", logger.BDF(vfBDF), logger.Err(err))
	}
}

// set installs fd as the priority channel and drains the pending queue over
// it in FIFO order, per SPEC_FULL.md §4.D/§8 invariant 6.
func (g *priorityGate) set(fd int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.fd >= 0 {
		unix.Close(g.fd)
	}
	g.fd = fd

	for _, vfBDF := range g.pending {
		if err := sendAddVF(g.fd, vfBDF); err != nil {
			logger.Warn("failed to drain priority notification", logger.BDF(vfBDF), logger.Err(err))
		}
	}
	g.pending = g.pending[:0]
}

// remove closes and clears the priority channel and discards any pending
// notifications (there is no longer a drain target for them).
func (g *priorityGate) remove() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.fd >= 0 {
		unix.Close(g.fd)
		g.fd = -1
	}
	g.pending = g.pending[:0]
}

func sendAddVF(fd int, vfBDF string) error {
	return wire.WriteFrame(fd, &wire.Frame{Header: wire.NewHeader(wire.AddVF, vfBDF, 0)})
}
