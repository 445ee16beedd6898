// Package pcireset implements the PF reset fallback: walking a PF's virtio
// PCI capability list to find the common-config BAR, mapping it, driving the
// device-status reset protocol, and flushing the global DMA aperture
// afterward. This is the custodian's last resort when the worker daemon is
// gone for good and every PF must be quiesced directly.
package pcireset

import (
	"fmt"
	"time"

	"github.com/Mellanox/dpdk-vhost-vfe/internal/logger"
	"github.com/Mellanox/dpdk-vhost-vfe/internal/registry"
	"github.com/Mellanox/dpdk-vhost-vfe/internal/vfio"
)

const (
	virtioConfigStatusReset = 0x00

	// deviceStatusOffset is the byte offset of device_status within
	// virtio_pci_common_cfg (see SPEC_FULL.md §4.E).
	deviceStatusOffset = 20

	pollInterval = 1 * time.Millisecond
	pollMaxTries = 120000 // 120s at 1ms per try
	logEveryN    = 1000   // ~once per second at pollInterval granularity
)

// deviceConfigReader adapts a live VFIO device descriptor to configReader.
type deviceConfigReader struct {
	deviceFD int
}

func (d deviceConfigReader) ReadConfig(offset uint64, buf []byte) error {
	return vfio.PreadConfig(d.deviceFD, offset, buf)
}

// ResetPF drives the virtio-PCI reset protocol against one PF's device
// descriptor: capability walk, map, write RESET, poll for completion, unmap.
// Per SPEC_FULL.md §4.E the unmap happens regardless of reset outcome.
func ResetPF(pf *registry.PF) error {
	cap, err := findCommonConfigCap(deviceConfigReader{deviceFD: pf.DeviceFD})
	if err != nil {
		return fmt.Errorf("pcireset: %s: %w", pf.BDF, err)
	}

	info, err := vfio.GetRegionInfo(pf.DeviceFD, uint32(cap.Bar))
	if err != nil {
		return fmt.Errorf("pcireset: %s: region info: %w", pf.BDF, err)
	}

	mapping, err := vfio.MapRegion(pf.DeviceFD, info)
	if err != nil {
		return fmt.Errorf("pcireset: %s: map common config: %w", pf.BDF, err)
	}
	defer func() {
		if err := vfio.UnmapRegion(mapping); err != nil {
			logger.Warn("failed to unmap common config region", logger.BDF(pf.BDF), logger.Err(err))
		}
	}()

	statusOff := int(cap.Offset) + deviceStatusOffset
	if statusOff >= len(mapping) {
		return fmt.Errorf("pcireset: %s: device_status offset 0x%x outside mapped region (len %d)", pf.BDF, statusOff, len(mapping))
	}

	return pollReset(pf.BDF, mapping, statusOff)
}

// pollReset writes VIRTIO_CONFIG_STATUS_RESET and polls for it to read back,
// per SPEC_FULL.md §4.E step 3. Each read/write of mapping[statusOff] goes
// straight through the mmap'd slice — there is no local-variable caching of
// the byte across iterations, which is what gives this loop the MMIO
// barrier semantics the original's volatile accesses provide.
func pollReset(bdf string, mapping []byte, statusOff int) error {
	mapping[statusOff] = virtioConfigStatusReset

	for try := 0; try < pollMaxTries; try++ {
		if mapping[statusOff] == virtioConfigStatusReset {
			logger.Info("PF reset complete", logger.BDF(bdf), logger.Retry(try))
			return nil
		}
		if try%logEveryN == 0 {
			logger.Info("PF reset in progress", logger.BDF(bdf), logger.Retry(try))
		}
		time.Sleep(pollInterval)
	}

	return fmt.Errorf("pcireset: %s: reset timed out after %d ms", bdf, pollMaxTries)
}

// ResetAll drives ResetPF for every PF currently in the registry, then
// flushes the global DMA aperture. Per-PF failures are logged and do not
// stop the sweep across the remaining PFs.
func ResetAll(reg *registry.Registry) {
	for _, bdf := range reg.ListPFBDFs() {
		pf, ok := reg.GetPF(bdf)
		if !ok {
			continue
		}
		if err := ResetPF(pf); err != nil {
			logger.Warn("PF reset failed", logger.BDF(bdf), logger.Err(err))
		}
	}
	FlushGlobalDMA(reg)
}

// FlushGlobalDMA unmaps every entry in the global DMA aperture table via
// VFIO_IOMMU_UNMAP_DMA and removes it from the registry regardless of
// outcome, per SPEC_FULL.md §4.E step 5.
func FlushGlobalDMA(reg *registry.Registry) {
	containerFD, ok := reg.GlobalContainer()
	if !ok {
		return
	}

	for _, entry := range reg.ListDMAEntries() {
		unmapped, err := vfio.UnmapDMA(containerFD, entry.IOVA, entry.Size)
		switch {
		case err != nil:
			logger.Warn("DMA unmap failed", logger.IOVA(entry.IOVA), logger.Size(entry.Size), logger.Err(err))
		case unmapped != entry.Size:
			logger.Warn("DMA unmap size mismatch", logger.IOVA(entry.IOVA), logger.Size(entry.Size), "unmapped", unmapped)
		}
		reg.RemoveDMAEntry(entry.IOVA)
	}
}
