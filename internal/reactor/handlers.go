package reactor

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/Mellanox/dpdk-vhost-vfe/internal/logger"
	"github.com/Mellanox/dpdk-vhost-vfe/internal/registry"
	"github.com/Mellanox/dpdk-vhost-vfe/internal/wire"
)

func handleQueryVersion(r *Reactor, req *wire.Frame) outcome {
	return replyWith(encodeVersionReply())
}

func handleSetPrioChnl(r *Reactor, req *wire.Frame) outcome {
	r.prio.set(req.FDs[0])
	r.ensureMonitorRunning()
	return noReply()
}

func handleRemovePrioChnl(r *Reactor, req *wire.Frame) outcome {
	r.prio.remove()
	r.stopMonitor()
	return noReply()
}

func handleQueryPFList(r *Reactor, req *wire.Frame) outcome {
	return replyWith(encodePFList(r.registry.ListPFBDFs()))
}

func handleQueryVFList(r *Reactor, req *wire.Frame) outcome {
	pfBDF := req.Header.BDFString()
	vfs := r.registry.ListVFs(pfBDF)
	for _, vf := range vfs {
		vf.Args.MemTblInUse = peekVhostAlive(vf.VhostFD)
	}
	return replyWith(encodeVFList(vfs))
}

func handleQueryPFCtx(r *Reactor, req *wire.Frame) outcome {
	pf, ok := r.registry.GetPF(req.Header.BDFString())
	if !ok {
		return replyWith(nil)
	}
	return replyWith(nil, pf.GroupFD, pf.DeviceFD)
}

func handleQueryVFCtx(r *Reactor, req *wire.Frame) outcome {
	vfBDF, err := decodeVFName(req.Payload)
	if err != nil {
		return errOutcome(err)
	}
	pfBDF := req.Header.BDFString()
	vf, ok := r.registry.GetVF(pfBDF, vfBDF)
	if !ok {
		return replyWith(nil)
	}
	return replyWith(encodeVFCtxReply(vf), vf.ContainerFD, vf.GroupFD, vf.DeviceFD)
}

func handlePFStoreCtx(r *Reactor, req *wire.Frame) outcome {
	r.registry.InsertPF(req.Header.BDFString(), req.FDs[0], req.FDs[1])
	return noReply()
}

func handlePFRemoveCtx(r *Reactor, req *wire.Frame) outcome {
	r.registry.RemovePF(req.Header.BDFString())
	return noReply()
}

func handleVFStoreDevargVFIOFds(r *Reactor, req *wire.Frame) outcome {
	args, err := decodeDevArgsRequest(req.Payload)
	if err != nil {
		return errOutcome(err)
	}
	pfBDF := req.Header.BDFString()
	vf, err := r.registry.InsertVF(pfBDF, args.VFBDF, req.FDs[0], req.FDs[1], req.FDs[2])
	if err != nil {
		return errOutcome(fmt.Errorf("reactor: %w", err))
	}
	vf.Args.VhostSockPath = args.VhostSockPath
	vf.Args.VMUUID = args.VMUUID
	return noReply()
}

func handleVFStoreVhostFD(r *Reactor, req *wire.Frame) outcome {
	vfBDF, err := decodeVFName(req.Payload)
	if err != nil {
		return errOutcome(err)
	}
	pfBDF := req.Header.BDFString()
	if err := r.registry.SetVhostFD(pfBDF, vfBDF, req.FDs[0]); err != nil {
		return errOutcome(fmt.Errorf("reactor: %w", err))
	}
	return noReply()
}

func handleVFStoreDMATbl(r *Reactor, req *wire.Frame) outcome {
	table, err := decodeDMATableRequest(req.Payload)
	if err != nil {
		return errOutcome(err)
	}
	pfBDF := req.Header.BDFString()
	if err := r.registry.StoreDMATable(pfBDF, table.VFBDF, table.Regions); err != nil {
		return errOutcome(fmt.Errorf("reactor: %w", err))
	}
	return noReply()
}

func handleVFRemoveDevargVFIOFds(r *Reactor, req *wire.Frame) outcome {
	vfBDF, err := decodeVFName(req.Payload)
	if err != nil {
		return errOutcome(err)
	}
	r.registry.RemoveVF(req.Header.BDFString(), vfBDF)
	return noReply()
}

func handleVFRemoveVhostFD(r *Reactor, req *wire.Frame) outcome {
	vfBDF, err := decodeVFName(req.Payload)
	if err != nil {
		return errOutcome(err)
	}
	if err := r.registry.RemoveVhostFD(req.Header.BDFString(), vfBDF); err != nil {
		return errOutcome(fmt.Errorf("reactor: %w", err))
	}
	return noReply()
}

func handleVFRemoveDMATbl(r *Reactor, req *wire.Frame) outcome {
	vfBDF, err := decodeVFName(req.Payload)
	if err != nil {
		return errOutcome(err)
	}
	if err := r.registry.RemoveDMATable(req.Header.BDFString(), vfBDF); err != nil {
		return errOutcome(fmt.Errorf("reactor: %w", err))
	}
	return noReply()
}

func handleGlobalStoreContainer(r *Reactor, req *wire.Frame) outcome {
	r.registry.SetGlobalContainer(req.FDs[0])
	return noReply()
}

func handleGlobalQueryContainer(r *Reactor, req *wire.Frame) outcome {
	fd, ok := r.registry.GlobalContainer()
	if !ok {
		return replyWith(nil)
	}
	return replyWith(nil, fd)
}

func handleGlobalStoreDMAMap(r *Reactor, req *wire.Frame) outcome {
	m, err := decodeDMAMapRequest(req.Payload)
	if err != nil {
		return errOutcome(err)
	}
	r.registry.UpsertDMAEntry(m.IOVA, m.Size)
	return noReply()
}

func handleGlobalRemoveDMAMap(r *Reactor, req *wire.Frame) outcome {
	m, err := decodeDMAMapRequest(req.Payload)
	if err != nil {
		return errOutcome(err)
	}
	r.registry.RemoveDMAEntry(m.IOVA)
	return noReply()
}

func handleGlobalInitFinish(r *Reactor, req *wire.Frame) outcome {
	logger.Info("worker reported init finished")
	return noReply()
}

// peekVhostAlive implements the vhost-liveness peek from SPEC_FULL.md §4.C:
// a non-blocking MSG_PEEK of one byte. Zero bytes read means the peer has
// hung up; any other outcome (data pending, EAGAIN because nothing is
// pending but the peer is still open, or any other error) counts as alive.
// A VF with no stored vhost descriptor is reported as not alive.
func peekVhostAlive(vhostFD int) bool {
	if vhostFD == registry.NoFD {
		return false
	}
	var buf [1]byte
	n, _, err := unix.Recvfrom(vhostFD, buf[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
	if err != nil {
		return true
	}
	return n > 0
}
