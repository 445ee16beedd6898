package pcireset

import (
	"encoding/binary"
	"fmt"
)

// PCI capability constants from the virtio-PCI and generic PCI capability
// spaces (supplemented from original_source/app/virtio-ha/main.c, which has
// no corresponding Go uapi package to import these from).
const (
	pciCapabilityList = 0x34 // offset of the capability list head pointer
	pciCapIDVndr      = 0x09 // vendor-specific capability ID

	virtioPCICapCommonCfg = 1 // cfg_type value identifying the common-config capability

	virtioCapLen = 16 // sizeof(struct virtio_pci_cap)
)

// virtioPCICap mirrors struct virtio_pci_cap (see SPEC_FULL.md §4.E).
type virtioPCICap struct {
	CapVndr uint8
	CapNext uint8
	CapLen  uint8
	CfgType uint8
	Bar     uint8
	_       [3]uint8
	Offset  uint32
	Length  uint32
}

// configReader abstracts a byte-addressable PCI config space so the
// capability walk can be exercised against an in-memory fake in tests,
// instead of requiring a live VFIO device descriptor.
type configReader interface {
	ReadConfig(offset uint64, buf []byte) error
}

// findCommonConfigCap walks the PCI capability list looking for the virtio
// common-config capability, per SPEC_FULL.md §4.E step 1.
func findCommonConfigCap(cfg configReader) (virtioPCICap, error) {
	var head [1]byte
	if err := cfg.ReadConfig(pciCapabilityList, head[:]); err != nil {
		return virtioPCICap{}, fmt.Errorf("pcireset: read capability list head: %w", err)
	}

	ptr := head[0]
	for ptr != 0 {
		var idNext [2]byte
		if err := cfg.ReadConfig(uint64(ptr), idNext[:]); err != nil {
			return virtioPCICap{}, fmt.Errorf("pcireset: read capability header at 0x%x: %w", ptr, err)
		}
		id, next := idNext[0], idNext[1]

		if id != pciCapIDVndr {
			ptr = next
			continue
		}

		buf := make([]byte, virtioCapLen)
		if err := cfg.ReadConfig(uint64(ptr), buf); err != nil {
			return virtioPCICap{}, fmt.Errorf("pcireset: read virtio capability at 0x%x: %w", ptr, err)
		}
		cap := decodeVirtioCap(buf)
		if cap.CfgType == virtioPCICapCommonCfg {
			return cap, nil
		}
		ptr = next
	}

	return virtioPCICap{}, fmt.Errorf("pcireset: no common-config capability found")
}

func decodeVirtioCap(buf []byte) virtioPCICap {
	return virtioPCICap{
		CapVndr: buf[0],
		CapNext: buf[1],
		CapLen:  buf[2],
		CfgType: buf[3],
		Bar:     buf[4],
		Offset:  binary.LittleEndian.Uint32(buf[8:12]),
		Length:  binary.LittleEndian.Uint32(buf[12:16]),
	}
}
