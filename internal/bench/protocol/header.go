// Package protocol implements the binary block-access wire format spoken
// between the load generator and the storage target.
//
// Every message starts with a fixed 24-byte header:
//
//	offset size field
//	0      2    magic        always HeaderSize
//	2      2    opcode       1 = GET, 2 = SET
//	4      4    block_count  number of sectors
//	8      8    lba          first sector
//	16     8    handle       opaque correlation token, echoed by the peer
//
// A GET response and a SET request carry block_count*SectorSize payload
// bytes directly after the header. All integers are little-endian.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the encoded size of Header and the value of its magic field.
	HeaderSize = 24

	// SectorSize is the byte granularity of one addressable block.
	SectorSize = 512
)

// Opcode identifies the block operation carried by a message.
type Opcode uint16

const (
	OpGet Opcode = 1
	OpSet Opcode = 2
)

func (o Opcode) String() string {
	switch o {
	case OpGet:
		return "GET"
	case OpSet:
		return "SET"
	default:
		return fmt.Sprintf("Opcode(%d)", uint16(o))
	}
}

// Valid reports whether o is a supported opcode.
func (o Opcode) Valid() bool {
	return o == OpGet || o == OpSet
}

var (
	// ErrFraming is wrapped by every header decoding failure.
	ErrFraming = errors.New("protocol: framing error")

	ErrBadMagic      = fmt.Errorf("%w: bad magic", ErrFraming)
	ErrBadOpcode     = fmt.Errorf("%w: unsupported opcode", ErrFraming)
	ErrShortHeader   = fmt.Errorf("%w: short header", ErrFraming)
	ErrPayloadTooBig = fmt.Errorf("%w: payload exceeds buffer", ErrFraming)
)

// Header is the decoded form of the fixed message header.
type Header struct {
	Magic      uint16
	Opcode     Opcode
	BlockCount uint32
	LBA        uint64
	Handle     uint64
}

// NewHeader returns a header with the magic field filled in.
func NewHeader(op Opcode, lba uint64, blocks uint32, handle uint64) Header {
	return Header{
		Magic:      HeaderSize,
		Opcode:     op,
		BlockCount: blocks,
		LBA:        lba,
		Handle:     handle,
	}
}

// PayloadLen returns the number of payload bytes described by the header.
func (h Header) PayloadLen() int {
	return int(h.BlockCount) * SectorSize
}

// Encode writes h into b, which must be at least HeaderSize bytes long.
func (h Header) Encode(b []byte) {
	_ = b[HeaderSize-1]
	binary.LittleEndian.PutUint16(b[0:2], h.Magic)
	binary.LittleEndian.PutUint16(b[2:4], uint16(h.Opcode))
	binary.LittleEndian.PutUint32(b[4:8], h.BlockCount)
	binary.LittleEndian.PutUint64(b[8:16], h.LBA)
	binary.LittleEndian.PutUint64(b[16:24], h.Handle)
}

// AppendEncode appends the encoded header to b.
func (h Header) AppendEncode(b []byte) []byte {
	var tmp [HeaderSize]byte
	h.Encode(tmp[:])
	return append(b, tmp[:]...)
}

// Decode parses a header from b without validating it.
func Decode(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	return Header{
		Magic:      binary.LittleEndian.Uint16(b[0:2]),
		Opcode:     Opcode(binary.LittleEndian.Uint16(b[2:4])),
		BlockCount: binary.LittleEndian.Uint32(b[4:8]),
		LBA:        binary.LittleEndian.Uint64(b[8:16]),
		Handle:     binary.LittleEndian.Uint64(b[16:24]),
	}, nil
}

// Validate checks the magic and opcode fields.
func (h Header) Validate() error {
	if h.Magic != HeaderSize {
		return fmt.Errorf("%w: got %d, want %d", ErrBadMagic, h.Magic, HeaderSize)
	}
	if !h.Opcode.Valid() {
		return fmt.Errorf("%w: %d", ErrBadOpcode, uint16(h.Opcode))
	}
	return nil
}

// DecodeValid decodes and validates a header in one step.
func DecodeValid(b []byte) (Header, error) {
	h, err := Decode(b)
	if err != nil {
		return h, err
	}
	return h, h.Validate()
}
