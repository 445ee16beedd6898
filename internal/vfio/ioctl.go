// Package vfio wraps the handful of VFIO ioctls and the mmap/pread calls the
// PF reset fallback needs: region info lookup, DMA unmap, and raw config
// space reads. It intentionally covers only the kernel surface this
// custodian consumes (VFIO_DEVICE_GET_REGION_INFO, VFIO_IOMMU_UNMAP_DMA), not
// the full VFIO ioctl set.
package vfio

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// VFIO ioctl encoding, transcribed from <linux/vfio.h>: type ';' (0x3b),
// base 100, _IO (no direction or size bits). golang.org/x/sys/unix does not carry VFIO's
// ioctl numbers, so they are hand-encoded the way a direct-syscall caller
// must.
const (
	vfioType = 0x3b
	vfioBase = 100

	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14
	iocDirBits  = 2

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (typ << iocTypeShift) | (nr << iocNrShift) | (size << iocSizeShift)
}

func iowr(nr uintptr, size uintptr) uintptr {
	return ioc(iocRead|iocWrite, vfioType, nr, size)
}

// RegionInfo mirrors struct vfio_region_info.
type RegionInfo struct {
	ArgSz     uint32
	Flags     uint32
	Index     uint32
	CapOffset uint32
	Size      uint64
	Offset    uint64
}

// RegionInfoFlagMmap etc. mirror the VFIO_REGION_INFO_FLAG_* bits of
// RegionInfo.Flags.
const (
	RegionInfoFlagRead  = 1 << 0
	RegionInfoFlagWrite = 1 << 1
	RegionInfoFlagMmap  = 1 << 2
)

var getRegionInfoCmd = ioc(iocNone, vfioType, vfioBase+8, 0)

// GetRegionInfo issues VFIO_DEVICE_GET_REGION_INFO for regionIndex on the
// open device descriptor deviceFD.
func GetRegionInfo(deviceFD int, regionIndex uint32) (RegionInfo, error) {
	info := RegionInfo{
		ArgSz: uint32(unsafe.Sizeof(RegionInfo{})),
		Index: regionIndex,
	}
	if err := ioctl(deviceFD, getRegionInfoCmd, unsafe.Pointer(&info)); err != nil {
		return RegionInfo{}, fmt.Errorf("vfio: VFIO_DEVICE_GET_REGION_INFO(index=%d): %w", regionIndex, err)
	}
	return info, nil
}

// IOMMUUnmapDMA mirrors struct vfio_iommu_type1_dma_unmap.
type IOMMUUnmapDMA struct {
	ArgSz uint32
	Flags uint32
	IOVA  uint64
	Size  uint64
}

var unmapDMACmd = ioc(iocNone, vfioType, vfioBase+14, 0)

// UnmapDMA issues VFIO_IOMMU_UNMAP_DMA on the container descriptor
// containerFD, returning the size the kernel reports as actually unmapped
// (which callers should compare against the requested size).
func UnmapDMA(containerFD int, iova, size uint64) (unmappedSize uint64, err error) {
	req := IOMMUUnmapDMA{
		ArgSz: uint32(unsafe.Sizeof(IOMMUUnmapDMA{})),
		IOVA:  iova,
		Size:  size,
	}
	if err := ioctl(containerFD, unmapDMACmd, unsafe.Pointer(&req)); err != nil {
		return 0, fmt.Errorf("vfio: VFIO_IOMMU_UNMAP_DMA(iova=0x%x): %w", iova, err)
	}
	return req.Size, nil
}

func ioctl(fd int, cmd uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), cmd, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// MapRegion mmaps the whole of a region previously described by info,
// read-write/shared, at file offset info.Offset on the device descriptor —
// the fd-relative offset VFIO_DEVICE_GET_REGION_INFO reports for this
// region, not the (index<<40)|offset addressing RegionAddr computes for
// pread/pwrite; mmap and pread use two different offset conventions on the
// same device descriptor.
func MapRegion(deviceFD int, info RegionInfo) ([]byte, error) {
	return unix.Mmap(deviceFD, int64(info.Offset), int(info.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

// UnmapRegion releases a mapping obtained from MapRegion.
func UnmapRegion(mapping []byte) error {
	return unix.Munmap(mapping)
}

// ConfigRegionIndex is VFIO_PCI_CONFIG_REGION_INDEX.
const ConfigRegionIndex = 7

// RegionAddr computes the pread/pwrite offset for byte offsetInRegion of
// region regionIndex on a VFIO PCI device descriptor, per the kernel's
// region-addressing convention: (region_index << 40) | offset_in_region.
func RegionAddr(regionIndex uint32, offsetInRegion uint64) int64 {
	return int64(uint64(regionIndex)<<40 | offsetInRegion)
}

// PreadConfig reads len(buf) bytes from PF config space at offsetInRegion
// via pread64 on deviceFD, using the config region's addressing convention.
func PreadConfig(deviceFD int, offsetInRegion uint64, buf []byte) error {
	n, err := unix.Pread(deviceFD, buf, RegionAddr(ConfigRegionIndex, offsetInRegion))
	if err != nil {
		return fmt.Errorf("vfio: pread config offset 0x%x: %w", offsetInRegion, err)
	}
	if n != len(buf) {
		return fmt.Errorf("vfio: pread config offset 0x%x: short read (%d/%d bytes)", offsetInRegion, n, len(buf))
	}
	return nil
}
