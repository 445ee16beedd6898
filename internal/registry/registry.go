package registry

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/Mellanox/dpdk-vhost-vfe/internal/logger"
)

// Registry is the custodian's in-memory catalog of PF/VF device contexts,
// the global container descriptor, and the global DMA aperture table.
//
// Registry has no internal mutex. It is safe only because exactly one
// goroutine (the reactor) ever calls its mutating methods; see the package
// doc comment.
type Registry struct {
	pfs     map[string]*PF
	pfOrder []string

	globalContainerFD int

	dmaTable map[uint64]DMAEntry
	dmaOrder []uint64
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		pfs:               make(map[string]*PF),
		globalContainerFD: NoFD,
		dmaTable:          make(map[uint64]DMAEntry),
	}
}

// ---------------------------------------------------------------------------
// PF records
// ---------------------------------------------------------------------------

// InsertPF creates a new PF record taking ownership of groupFD and deviceFD.
// Per the protocol contract the worker never re-stores a BDF already
// present; this is not enforced here (see DESIGN.md's duplicate-store
// decision) — a second insert for the same BDF simply replaces the pointer,
// orphaning the previous record's descriptors.
func (r *Registry) InsertPF(bdf string, groupFD, deviceFD int) *PF {
	pf := &PF{
		BDF:      bdf,
		GroupFD:  groupFD,
		DeviceFD: deviceFD,
		vfs:      make(map[string]*VF),
	}
	if _, exists := r.pfs[bdf]; !exists {
		r.pfOrder = append(r.pfOrder, bdf)
	}
	r.pfs[bdf] = pf
	return pf
}

// GetPF looks up a PF by BDF.
func (r *Registry) GetPF(bdf string) (*PF, bool) {
	pf, ok := r.pfs[bdf]
	return pf, ok
}

// ListPFBDFs returns the stored PF BDFs in insertion order.
func (r *Registry) ListPFBDFs() []string {
	out := make([]string, len(r.pfOrder))
	copy(out, r.pfOrder)
	return out
}

// NrPF returns the number of stored PFs.
func (r *Registry) NrPF() int {
	return len(r.pfOrder)
}

// RemovePF removes a PF, cascading removal (and descriptor close) to every
// VF it owns, then closes the PF's own two descriptors. Removing an absent
// PF is a no-op success.
func (r *Registry) RemovePF(bdf string) {
	pf, ok := r.pfs[bdf]
	if !ok {
		return
	}
	for _, vfBDF := range append([]string(nil), pf.vfOrder...) {
		r.removeVFFrom(pf, vfBDF)
	}
	closeFD(pf.GroupFD, "pf group", bdf)
	closeFD(pf.DeviceFD, "pf device", bdf)
	delete(r.pfs, bdf)
	r.pfOrder = removeString(r.pfOrder, bdf)
}

// ---------------------------------------------------------------------------
// VF records
// ---------------------------------------------------------------------------

// InsertVF creates a new pre-sized VF record under pfBDF, taking ownership
// of containerFD/groupFD/deviceFD. Returns an error if the parent PF is not
// present.
func (r *Registry) InsertVF(pfBDF, vfBDF string, containerFD, groupFD, deviceFD int) (*VF, error) {
	pf, ok := r.pfs[pfBDF]
	if !ok {
		return nil, fmt.Errorf("registry: insert VF %s: parent PF %s not found", vfBDF, pfBDF)
	}
	vf := &VF{
		BDF:         vfBDF,
		ContainerFD: containerFD,
		GroupFD:     groupFD,
		DeviceFD:    deviceFD,
		VhostFD:     NoFD,
	}
	if _, exists := pf.vfs[vfBDF]; !exists {
		pf.vfOrder = append(pf.vfOrder, vfBDF)
	}
	pf.vfs[vfBDF] = vf
	return vf, nil
}

// GetVF looks up a VF by (PF BDF, VF BDF).
func (r *Registry) GetVF(pfBDF, vfBDF string) (*VF, bool) {
	pf, ok := r.pfs[pfBDF]
	if !ok {
		return nil, false
	}
	vf, ok := pf.vfs[vfBDF]
	return vf, ok
}

// ListVFs returns the VFs of pfBDF in insertion order, or nil if the PF is
// not present.
func (r *Registry) ListVFs(pfBDF string) []*VF {
	pf, ok := r.pfs[pfBDF]
	if !ok {
		return nil
	}
	out := make([]*VF, 0, len(pf.vfOrder))
	for _, bdf := range pf.vfOrder {
		out = append(out, pf.vfs[bdf])
	}
	return out
}

// RemoveVF closes all four of the VF's descriptors (whichever are present)
// and detaches it from its PF. Removing an absent VF, or a VF of an absent
// PF, is a no-op success.
func (r *Registry) RemoveVF(pfBDF, vfBDF string) {
	pf, ok := r.pfs[pfBDF]
	if !ok {
		return
	}
	r.removeVFFrom(pf, vfBDF)
}

func (r *Registry) removeVFFrom(pf *PF, vfBDF string) {
	vf, ok := pf.vfs[vfBDF]
	if !ok {
		return
	}
	closeFD(vf.ContainerFD, "vf container", vfBDF)
	closeFD(vf.GroupFD, "vf group", vfBDF)
	closeFD(vf.DeviceFD, "vf device", vfBDF)
	closeVhostFD(vf)
	delete(pf.vfs, vfBDF)
	pf.vfOrder = removeString(pf.vfOrder, vfBDF)
}

// SetVhostFD replaces the VF's vhost descriptor, closing the previous one
// first if present.
func (r *Registry) SetVhostFD(pfBDF, vfBDF string, fd int) error {
	vf, ok := r.GetVF(pfBDF, vfBDF)
	if !ok {
		return fmt.Errorf("registry: set vhost fd: VF %s/%s not found", pfBDF, vfBDF)
	}
	closeVhostFD(vf)
	vf.VhostFD = fd
	// MemTblInUse is lazily refreshed by a vhost-liveness peek in
	// QUERY_VF_LIST (§4.C); it is not recomputed here.
	return nil
}

// RemoveVhostFD closes the VF's vhost descriptor and marks it absent.
// Removing an already-absent vhost descriptor is a no-op success.
func (r *Registry) RemoveVhostFD(pfBDF, vfBDF string) error {
	vf, ok := r.GetVF(pfBDF, vfBDF)
	if !ok {
		return nil
	}
	closeVhostFD(vf)
	return nil
}

func closeVhostFD(vf *VF) {
	if vf.VhostFD != NoFD {
		closeFD(vf.VhostFD, "vhost", vf.BDF)
		vf.VhostFD = NoFD
	}
}

// StoreDMATable replaces the VF's DMA region table in place (the backing
// array is pre-sized; this never reallocates) and updates MemTblInUse.
// Fails if regions exceeds the pre-sized capacity.
func (r *Registry) StoreDMATable(pfBDF, vfBDF string, regions []DMARegion) error {
	vf, ok := r.GetVF(pfBDF, vfBDF)
	if !ok {
		return fmt.Errorf("registry: store DMA table: VF %s/%s not found", pfBDF, vfBDF)
	}
	if len(regions) > MaxDMARegions {
		return fmt.Errorf("registry: store DMA table: %d regions exceeds capacity %d", len(regions), MaxDMARegions)
	}
	copy(vf.Regions[:], regions)
	vf.RegionCount = len(regions)
	vf.Args.MemTblInUse = vf.RegionCount > 0
	return nil
}

// RemoveDMATable clears the VF's DMA region table without touching its
// descriptors.
func (r *Registry) RemoveDMATable(pfBDF, vfBDF string) error {
	vf, ok := r.GetVF(pfBDF, vfBDF)
	if !ok {
		return nil
	}
	vf.RegionCount = 0
	vf.Args.MemTblInUse = false
	return nil
}

// ---------------------------------------------------------------------------
// Global container + DMA aperture
// ---------------------------------------------------------------------------

// SetGlobalContainer stores fd as the global VFIO container descriptor. If
// one was already set it is closed first.
func (r *Registry) SetGlobalContainer(fd int) {
	if r.globalContainerFD != NoFD {
		closeFD(r.globalContainerFD, "global container", "")
	}
	r.globalContainerFD = fd
}

// GlobalContainer returns the stored global container descriptor, if any.
func (r *Registry) GlobalContainer() (int, bool) {
	if r.globalContainerFD == NoFD {
		return NoFD, false
	}
	return r.globalContainerFD, true
}

// UpsertDMAEntry inserts {iova, size} if iova is not already present. A
// second store of an existing iova is a no-op, even if size differs.
// Returns true if a new entry was inserted.
func (r *Registry) UpsertDMAEntry(iova, size uint64) bool {
	if _, exists := r.dmaTable[iova]; exists {
		return false
	}
	r.dmaTable[iova] = DMAEntry{IOVA: iova, Size: size}
	r.dmaOrder = append(r.dmaOrder, iova)
	return true
}

// RemoveDMAEntry removes the entry for iova, if present (size is ignored for
// matching, per the protocol contract).
func (r *Registry) RemoveDMAEntry(iova uint64) (DMAEntry, bool) {
	entry, ok := r.dmaTable[iova]
	if !ok {
		return DMAEntry{}, false
	}
	delete(r.dmaTable, iova)
	r.dmaOrder = removeUint64(r.dmaOrder, iova)
	return entry, true
}

// ListDMAEntries returns a snapshot of the global DMA aperture table in
// insertion order, used by the reset fallback's flush pass and by tests.
func (r *Registry) ListDMAEntries() []DMAEntry {
	out := make([]DMAEntry, 0, len(r.dmaOrder))
	for _, iova := range r.dmaOrder {
		out = append(out, r.dmaTable[iova])
	}
	return out
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func closeFD(fd int, what, bdf string) {
	if fd < 0 {
		return
	}
	if err := unix.Close(fd); err != nil {
		logger.Warn("failed to close descriptor", "what", what, logger.BDF(bdf), logger.FD(fd), logger.Err(err))
	}
}

func removeString(s []string, v string) []string {
	for i, e := range s {
		if e == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

func removeUint64(s []uint64, v uint64) []uint64 {
	for i, e := range s {
		if e == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}
