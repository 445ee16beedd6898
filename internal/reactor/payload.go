package reactor

import (
	"encoding/binary"
	"fmt"

	"github.com/Mellanox/dpdk-vhost-vfe/internal/registry"
	"github.com/Mellanox/dpdk-vhost-vfe/internal/wire"
)

// Fixed field widths per SPEC_FULL.md §3: a BDF-sized name field reused for
// VF names inside payloads, a canonical-text VM UUID, and a UNIX_PATH_MAX
// vhost socket path.
const (
	nameFieldSize   = wire.BDFFieldSize
	vmUUIDFieldSize = 36
	vhostPathSize   = 108

	dmaRegionSize = 8 + 8 + 8 // GuestPhysAddr, UserAddr, Size

	devArgsPayloadSize = nameFieldSize + vhostPathSize + vmUUIDFieldSize
)

func putFixedString(buf []byte, s string) {
	n := copy(buf, s)
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
}

func getFixedString(buf []byte) string {
	n := 0
	for n < len(buf) && buf[n] != 0 {
		n++
	}
	return string(buf[:n])
}

// ---------------------------------------------------------------------------
// QUERY_VERSION
// ---------------------------------------------------------------------------

const protocolVersion = 1

func encodeVersionReply() []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, protocolVersion)
	return buf
}

// ---------------------------------------------------------------------------
// QUERY_PF_LIST
// ---------------------------------------------------------------------------

func encodePFList(bdfs []string) []byte {
	buf := make([]byte, 4+len(bdfs)*nameFieldSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(bdfs)))
	off := 4
	for _, bdf := range bdfs {
		putFixedString(buf[off:off+nameFieldSize], bdf)
		off += nameFieldSize
	}
	return buf
}

// ---------------------------------------------------------------------------
// QUERY_VF_LIST
// ---------------------------------------------------------------------------

// devArgsRecordSize is one QUERY_VF_LIST reply entry: VF name, device args,
// and the liveness-refreshed mem_tbl_in_use flag.
const devArgsRecordSize = nameFieldSize + vhostPathSize + vmUUIDFieldSize + 1

func encodeVFList(vfs []*registry.VF) []byte {
	buf := make([]byte, 4+len(vfs)*devArgsRecordSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(vfs)))
	off := 4
	for _, vf := range vfs {
		putFixedString(buf[off:off+nameFieldSize], vf.BDF)
		off += nameFieldSize
		putFixedString(buf[off:off+vhostPathSize], vf.Args.VhostSockPath)
		off += vhostPathSize
		putFixedString(buf[off:off+vmUUIDFieldSize], vf.Args.VMUUID)
		off += vmUUIDFieldSize
		if vf.Args.MemTblInUse {
			buf[off] = 1
		}
		off++
	}
	return buf
}

// ---------------------------------------------------------------------------
// QUERY_VF_CTX
// ---------------------------------------------------------------------------

func decodeVFName(payload []byte) (string, error) {
	if len(payload) < nameFieldSize {
		return "", fmt.Errorf("%w: VF name payload too short (%d bytes)", wire.ErrMalformedFrame, len(payload))
	}
	return getFixedString(payload[:nameFieldSize]), nil
}

func encodeVFCtxReply(vf *registry.VF) []byte {
	buf := make([]byte, 1+4+vf.RegionCount*dmaRegionSize)
	if vf.VhostFD != registry.NoFD {
		buf[0] = 1
	}
	binary.LittleEndian.PutUint32(buf[1:5], uint32(vf.RegionCount))
	off := 5
	for i := 0; i < vf.RegionCount; i++ {
		r := vf.Regions[i]
		binary.LittleEndian.PutUint64(buf[off:off+8], r.GuestPhysAddr)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], r.UserAddr)
		binary.LittleEndian.PutUint64(buf[off+16:off+24], r.Size)
		off += dmaRegionSize
	}
	return buf
}

// ---------------------------------------------------------------------------
// VF_STORE_DEVARG_VFIO_FDS
// ---------------------------------------------------------------------------

type devArgsRequest struct {
	VFBDF         string
	VhostSockPath string
	VMUUID        string
}

func decodeDevArgsRequest(payload []byte) (devArgsRequest, error) {
	if len(payload) != devArgsPayloadSize {
		return devArgsRequest{}, fmt.Errorf("%w: devargs payload is %d bytes, want %d",
			wire.ErrMalformedFrame, len(payload), devArgsPayloadSize)
	}
	return devArgsRequest{
		VFBDF:         getFixedString(payload[0:nameFieldSize]),
		VhostSockPath: getFixedString(payload[nameFieldSize : nameFieldSize+vhostPathSize]),
		VMUUID:        getFixedString(payload[nameFieldSize+vhostPathSize : devArgsPayloadSize]),
	}, nil
}

// ---------------------------------------------------------------------------
// VF_STORE_DMA_TBL
// ---------------------------------------------------------------------------

type dmaTableRequest struct {
	VFBDF   string
	Regions []registry.DMARegion
}

func decodeDMATableRequest(payload []byte) (dmaTableRequest, error) {
	if len(payload) < nameFieldSize+4 {
		return dmaTableRequest{}, fmt.Errorf("%w: DMA table payload too short (%d bytes)",
			wire.ErrMalformedFrame, len(payload))
	}
	vfBDF := getFixedString(payload[:nameFieldSize])
	count := binary.LittleEndian.Uint32(payload[nameFieldSize : nameFieldSize+4])
	want := nameFieldSize + 4 + int(count)*dmaRegionSize
	if len(payload) != want {
		return dmaTableRequest{}, fmt.Errorf("%w: DMA table payload is %d bytes, want %d for %d regions",
			wire.ErrMalformedFrame, len(payload), want, count)
	}
	regions := make([]registry.DMARegion, count)
	off := nameFieldSize + 4
	for i := range regions {
		regions[i] = registry.DMARegion{
			GuestPhysAddr: binary.LittleEndian.Uint64(payload[off : off+8]),
			UserAddr:      binary.LittleEndian.Uint64(payload[off+8 : off+16]),
			Size:          binary.LittleEndian.Uint64(payload[off+16 : off+24]),
		}
		off += dmaRegionSize
	}
	return dmaTableRequest{VFBDF: vfBDF, Regions: regions}, nil
}

// ---------------------------------------------------------------------------
// GLOBAL_STORE_DMA_MAP / GLOBAL_REMOVE_DMA_MAP
// ---------------------------------------------------------------------------

const dmaMapPayloadSize = 16

type dmaMapRequest struct {
	IOVA uint64
	Size uint64
}

func decodeDMAMapRequest(payload []byte) (dmaMapRequest, error) {
	if len(payload) != dmaMapPayloadSize {
		return dmaMapRequest{}, fmt.Errorf("%w: DMA map payload is %d bytes, want %d",
			wire.ErrMalformedFrame, len(payload), dmaMapPayloadSize)
	}
	return dmaMapRequest{
		IOVA: binary.LittleEndian.Uint64(payload[0:8]),
		Size: binary.LittleEndian.Uint64(payload[8:16]),
	}, nil
}
