// Package wire implements the framed control-channel protocol spoken between
// the custodian and the worker daemon: a fixed header, an inline payload, and
// up to three ancillary file descriptors passed via SCM_RIGHTS.
package wire

// Opcode identifies a control-channel message. Values match the wire order of
// the original protocol's message-handler table.
type Opcode uint32

const (
	QueryVersion Opcode = iota
	SetPrioChnl
	RemovePrioChnl
	QueryPFList
	QueryVFList
	QueryPFCtx
	QueryVFCtx
	PFStoreCtx
	PFRemoveCtx
	VFStoreDevargVFIOFds
	VFStoreVhostFD
	VFStoreDMATbl
	VFRemoveDevargVFIOFds
	VFRemoveVhostFD
	VFRemoveDMATbl
	GlobalStoreContainer
	GlobalQueryContainer
	GlobalStoreDMAMap
	GlobalRemoveDMAMap
	GlobalInitFinish

	// opcodeMax is one past the last valid opcode; used to bound-check
	// incoming wire values before they are ever used as a map key.
	opcodeMax
)

var opcodeNames = [opcodeMax]string{
	QueryVersion:          "QUERY_VERSION",
	SetPrioChnl:           "SET_PRIO_CHNL",
	RemovePrioChnl:        "REMOVE_PRIO_CHNL",
	QueryPFList:           "QUERY_PF_LIST",
	QueryVFList:           "QUERY_VF_LIST",
	QueryPFCtx:            "QUERY_PF_CTX",
	QueryVFCtx:            "QUERY_VF_CTX",
	PFStoreCtx:            "PF_STORE_CTX",
	PFRemoveCtx:           "PF_REMOVE_CTX",
	VFStoreDevargVFIOFds:  "VF_STORE_DEVARG_VFIO_FDS",
	VFStoreVhostFD:        "VF_STORE_VHOST_FD",
	VFStoreDMATbl:         "VF_STORE_DMA_TBL",
	VFRemoveDevargVFIOFds: "VF_REMOVE_DEVARG_VFIO_FDS",
	VFRemoveVhostFD:       "VF_REMOVE_VHOST_FD",
	VFRemoveDMATbl:        "VF_REMOVE_DMA_TBL",
	GlobalStoreContainer:  "GLOBAL_STORE_CONTAINER",
	GlobalQueryContainer:  "GLOBAL_QUERY_CONTAINER",
	GlobalStoreDMAMap:     "GLOBAL_STORE_DMA_MAP",
	GlobalRemoveDMAMap:    "GLOBAL_REMOVE_DMA_MAP",
	GlobalInitFinish:      "GLOBAL_INIT_FINISH",
}

// String returns the opcode's protocol name, or "UNKNOWN_OPCODE" for a value
// outside the valid range.
func (o Opcode) String() string {
	if o >= opcodeMax {
		return "UNKNOWN_OPCODE"
	}
	return opcodeNames[o]
}

// Valid reports whether o is a recognized opcode.
func (o Opcode) Valid() bool {
	return o < opcodeMax
}

// AddVF is the priority-channel notification opcode used by the monitor to
// announce a VF whose vhost peer has gone quiet. It lives outside the request
// opcode space: it is never sent by the worker, only emitted by the custodian
// on the priority channel.
const AddVF Opcode = 0x1000
