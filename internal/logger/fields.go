package logger

import (
	"fmt"
	"log/slog"
)

// Standard field keys for structured logging. Use these consistently so log
// aggregation and querying stay uniform across the reactor, registry, monitor
// and reset-fallback components.
const (
	KeyConnID    = "conn_id"    // worker connection sequence number
	KeyOpcode    = "opcode"     // control message opcode name
	KeyBDF       = "bdf"        // PCI bus:device.function
	KeyFD        = "fd"         // a raw file descriptor number
	KeyFDCount   = "fd_count"   // number of descriptors carried by a frame
	KeyIOVA      = "iova"       // DMA I/O virtual address
	KeySize      = "size"       // byte size / region length
	KeyCount     = "count"      // generic count (entries, regions, pending items)
	KeyRetry     = "retry"      // retry/poll iteration number
	KeyTimeoutMs = "timeout_ms" // timeout in milliseconds
	KeyDuration  = "duration_ms"
	KeyError     = "error"
	KeyPath      = "path" // filesystem path (socket, sentinel file)
)

// ConnID returns a slog.Attr for the worker connection sequence number.
func ConnID(id uint64) slog.Attr {
	return slog.Uint64(KeyConnID, id)
}

// Opcode returns a slog.Attr for the control message opcode name.
func Opcode(name string) slog.Attr {
	return slog.String(KeyOpcode, name)
}

// BDF returns a slog.Attr for a PCI bus:device.function string.
func BDF(bdf string) slog.Attr {
	return slog.String(KeyBDF, bdf)
}

// FD returns a slog.Attr for a raw file descriptor.
func FD(fd int) slog.Attr {
	return slog.Int(KeyFD, fd)
}

// FDCount returns a slog.Attr for the number of descriptors in a frame.
func FDCount(n int) slog.Attr {
	return slog.Int(KeyFDCount, n)
}

// IOVA returns a slog.Attr for a DMA I/O virtual address, hex-formatted.
func IOVA(iova uint64) slog.Attr {
	return slog.String(KeyIOVA, fmt.Sprintf("0x%x", iova))
}

// Size returns a slog.Attr for a byte size.
func Size(n uint64) slog.Attr {
	return slog.Uint64(KeySize, n)
}

// Count returns a slog.Attr for a generic count.
func Count(n int) slog.Attr {
	return slog.Int(KeyCount, n)
}

// Retry returns a slog.Attr for a retry/poll iteration number.
func Retry(n int) slog.Attr {
	return slog.Int(KeyRetry, n)
}

// TimeoutMs returns a slog.Attr for a timeout expressed in milliseconds.
func TimeoutMs(ms int) slog.Attr {
	return slog.Int(KeyTimeoutMs, ms)
}

// DurationMs returns a slog.Attr for an elapsed duration in milliseconds.
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDuration, ms)
}

// Path returns a slog.Attr for a filesystem path.
func Path(p string) slog.Attr {
	return slog.String(KeyPath, p)
}

// Err returns a slog.Attr for an error, or a zero Attr for a nil error.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
