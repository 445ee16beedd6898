package reactor

import (
	"fmt"

	"github.com/Mellanox/dpdk-vhost-vfe/internal/wire"
)

// outcome is a handler's tri-valued result: an error (logged, frame
// dropped), no reply, or a reply payload/descriptor set reusing the
// request's opcode.
type outcome struct {
	err      error
	reply    bool
	payload  []byte
	replyFDs []int
}

func errOutcome(err error) outcome  { return outcome{err: err} }
func noReply() outcome             { return outcome{} }
func replyWith(payload []byte, fds ...int) outcome {
	return outcome{reply: true, payload: payload, replyFDs: fds}
}

// procedure is one opcode's handler plus the descriptor/payload shape the
// dispatcher validates before calling it. Named and shaped after the
// teacher's NfsDispatchTable map[uint32]*nfsProcedure / init()-time
// registration pattern (see DESIGN.md), generalized from NFS procedure
// numbers to control-channel opcodes.
type procedure struct {
	name     string
	wantFDs  int // -1 means "any count up to wire.MaxFDs is acceptable"
	handle   func(r *Reactor, req *wire.Frame) outcome
}

// dispatchTable is built once at package init, mirroring the teacher's
// init()-time NfsDispatchTable construction.
var dispatchTable map[wire.Opcode]*procedure

func init() {
	dispatchTable = map[wire.Opcode]*procedure{
		wire.QueryVersion:          {name: "QUERY_VERSION", wantFDs: 0, handle: handleQueryVersion},
		wire.SetPrioChnl:           {name: "SET_PRIO_CHNL", wantFDs: 1, handle: handleSetPrioChnl},
		wire.RemovePrioChnl:        {name: "REMOVE_PRIO_CHNL", wantFDs: 0, handle: handleRemovePrioChnl},
		wire.QueryPFList:           {name: "QUERY_PF_LIST", wantFDs: 0, handle: handleQueryPFList},
		wire.QueryVFList:           {name: "QUERY_VF_LIST", wantFDs: 0, handle: handleQueryVFList},
		wire.QueryPFCtx:            {name: "QUERY_PF_CTX", wantFDs: 0, handle: handleQueryPFCtx},
		wire.QueryVFCtx:            {name: "QUERY_VF_CTX", wantFDs: 0, handle: handleQueryVFCtx},
		wire.PFStoreCtx:            {name: "PF_STORE_CTX", wantFDs: 2, handle: handlePFStoreCtx},
		wire.PFRemoveCtx:           {name: "PF_REMOVE_CTX", wantFDs: 0, handle: handlePFRemoveCtx},
		wire.VFStoreDevargVFIOFds:  {name: "VF_STORE_DEVARG_VFIO_FDS", wantFDs: 3, handle: handleVFStoreDevargVFIOFds},
		wire.VFStoreVhostFD:        {name: "VF_STORE_VHOST_FD", wantFDs: 1, handle: handleVFStoreVhostFD},
		wire.VFStoreDMATbl:         {name: "VF_STORE_DMA_TBL", wantFDs: 0, handle: handleVFStoreDMATbl},
		wire.VFRemoveDevargVFIOFds: {name: "VF_REMOVE_DEVARG_VFIO_FDS", wantFDs: 0, handle: handleVFRemoveDevargVFIOFds},
		wire.VFRemoveVhostFD:       {name: "VF_REMOVE_VHOST_FD", wantFDs: 0, handle: handleVFRemoveVhostFD},
		wire.VFRemoveDMATbl:        {name: "VF_REMOVE_DMA_TBL", wantFDs: 0, handle: handleVFRemoveDMATbl},
		wire.GlobalStoreContainer:  {name: "GLOBAL_STORE_CONTAINER", wantFDs: 1, handle: handleGlobalStoreContainer},
		wire.GlobalQueryContainer:  {name: "GLOBAL_QUERY_CONTAINER", wantFDs: 0, handle: handleGlobalQueryContainer},
		wire.GlobalStoreDMAMap:     {name: "GLOBAL_STORE_DMA_MAP", wantFDs: 0, handle: handleGlobalStoreDMAMap},
		wire.GlobalRemoveDMAMap:    {name: "GLOBAL_REMOVE_DMA_MAP", wantFDs: 0, handle: handleGlobalRemoveDMAMap},
		wire.GlobalInitFinish:      {name: "GLOBAL_INIT_FINISH", wantFDs: 0, handle: handleGlobalInitFinish},
	}
}

// validateFDCount enforces the opcode's descriptor-count contract, per
// SPEC_FULL.md §4.C's input-validation rule.
func (p *procedure) validateFDCount(n int) error {
	if p.wantFDs >= 0 && n != p.wantFDs {
		return fmt.Errorf("%w: %s wants %d descriptors, got %d", wire.ErrMalformedFrame, p.name, p.wantFDs, n)
	}
	return nil
}
