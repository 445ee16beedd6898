package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/Mellanox/dpdk-vhost-vfe/internal/bufpool"
)

const (
	// BDFFieldSize is the wire width of the fixed BDF string field.
	BDFFieldSize = 32
	// headerSize is the encoded size of Header: 4-byte opcode, the BDF
	// field, 4-byte payload length.
	headerSize = 4 + BDFFieldSize + 4
	// MaxFDs is the most ancillary descriptors any frame carries
	// (VF_STORE_DEVARG_VFIO_FDS: container, group, device).
	MaxFDs = 3
)

// ErrMalformedFrame is returned when a frame's descriptor count or payload
// size does not match what was declared in its header, or the header itself
// could not be parsed.
var ErrMalformedFrame = errors.New("wire: malformed frame")

// Header is the fixed-size frame header: opcode, target BDF, payload length.
type Header struct {
	Opcode      Opcode
	BDF         [BDFFieldSize]byte
	PayloadSize uint32
}

// NewHeader builds a Header for bdf, truncating it if it is too long to fit
// the fixed field (it never legitimately is - BDF strings are short).
func NewHeader(op Opcode, bdf string, payloadSize uint32) Header {
	var h Header
	h.Opcode = op
	h.PayloadSize = payloadSize
	n := copy(h.BDF[:], bdf)
	for i := n; i < BDFFieldSize; i++ {
		h.BDF[i] = 0
	}
	return h
}

// BDFString returns the header's BDF field with trailing NUL padding
// stripped.
func (h Header) BDFString() string {
	n := 0
	for n < len(h.BDF) && h.BDF[n] != 0 {
		n++
	}
	return string(h.BDF[:n])
}

func (h Header) encode() []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Opcode))
	copy(buf[4:4+BDFFieldSize], h.BDF[:])
	binary.LittleEndian.PutUint32(buf[4+BDFFieldSize:], h.PayloadSize)
	return buf
}

func decodeHeader(buf []byte) (Header, error) {
	if len(buf) != headerSize {
		return Header{}, fmt.Errorf("%w: short header (%d bytes)", ErrMalformedFrame, len(buf))
	}
	var h Header
	h.Opcode = Opcode(binary.LittleEndian.Uint32(buf[0:4]))
	copy(h.BDF[:], buf[4:4+BDFFieldSize])
	h.PayloadSize = binary.LittleEndian.Uint32(buf[4+BDFFieldSize:])
	return h, nil
}

// Frame is a fully decoded request or reply: header, inline payload, and any
// ancillary descriptors carried alongside it.
type Frame struct {
	Header  Header
	Payload []byte
	FDs     []int
}

// Release returns the frame's payload buffer to the shared pool. Callers
// that built a Frame from a pooled buffer (via ReadFrame) must call this
// once they are done with Payload.
func (f *Frame) Release() {
	if f.Payload != nil {
		bufpool.Put(f.Payload)
		f.Payload = nil
	}
}

// WriteFrame sends a frame on fd: the header and payload as regular stream
// data, with any ancillary descriptors attached as an SCM_RIGHTS control
// message on the same sendmsg call so the kernel associates them with this
// specific byte range.
func WriteFrame(fd int, f *Frame) error {
	if len(f.FDs) > MaxFDs {
		return fmt.Errorf("%w: %d descriptors exceeds max %d", ErrMalformedFrame, len(f.FDs), MaxFDs)
	}

	header := f.Header
	header.PayloadSize = uint32(len(f.Payload))
	buf := append(header.encode(), f.Payload...)

	var oob []byte
	if len(f.FDs) > 0 {
		oob = unix.UnixRights(f.FDs...)
	}

	return unix.Sendmsg(fd, buf, oob, nil, 0)
}

// ReadFrame reads one frame from fd: the fixed header (plus any SCM_RIGHTS
// descriptors attached to it), then the declared payload length. The
// returned Frame's Payload is pool-backed; callers must call Release.
func ReadFrame(fd int) (*Frame, error) {
	headerBuf := make([]byte, headerSize)
	oobBuf := make([]byte, unix.CmsgSpace(MaxFDs*4))

	n, oobn, _, _, err := unix.Recvmsg(fd, headerBuf, oobBuf, 0)
	if err != nil {
		return nil, fmt.Errorf("wire: recvmsg header: %w", err)
	}
	if n == 0 {
		return nil, errPeerClosed
	}
	if n < headerSize {
		if err := readFull(fd, headerBuf[n:]); err != nil {
			return nil, fmt.Errorf("wire: read header remainder: %w", err)
		}
	}

	header, err := decodeHeader(headerBuf)
	if err != nil {
		return nil, err
	}

	var fds []int
	if oobn > 0 {
		fds, err = parseRights(oobBuf[:oobn])
		if err != nil {
			return nil, fmt.Errorf("wire: parse ancillary fds: %w", err)
		}
	}
	if len(fds) > MaxFDs {
		return nil, fmt.Errorf("%w: %d descriptors exceeds max %d", ErrMalformedFrame, len(fds), MaxFDs)
	}

	var payload []byte
	if header.PayloadSize > 0 {
		payload = bufpool.GetUint32(header.PayloadSize)
		if err := readFull(fd, payload); err != nil {
			bufpool.Put(payload)
			return nil, fmt.Errorf("wire: read payload: %w", err)
		}
	}

	return &Frame{Header: header, Payload: payload, FDs: fds}, nil
}

// errPeerClosed signals a clean read of zero bytes (the worker hung up).
// The reactor treats this as the disconnect trigger, not as a logged error.
var errPeerClosed = errors.New("wire: peer closed")

// IsPeerClosed reports whether err denotes an orderly peer disconnect.
func IsPeerClosed(err error) bool {
	return errors.Is(err, errPeerClosed)
}

func readFull(fd int, buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Read(fd, buf)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		if n == 0 {
			return errPeerClosed
		}
		buf = buf[n:]
	}
	return nil
}

func parseRights(oob []byte) ([]int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var fds []int
	for _, m := range msgs {
		rights, err := unix.ParseUnixRights(&m)
		if err != nil {
			return nil, err
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}
