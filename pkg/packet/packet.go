package packet

import (
	"fmt"

	"github.com/google/uuid"
)

// Header layout:
//
//	Offset 0:  Magic "MI" (2 bytes)
//	Offset 2:  Version (1 byte)
//	Offset 3:  Flags (1 byte)
//	Offset 4:  Source node hash (4 bytes, big-endian)
//	Offset 8:  Destination node hash (4 bytes, big-endian)
//	Offset 12: Sequence number (2 bytes, big-endian, wraps)
//	Offset 14: Timestamp, microseconds since a node-local epoch (4 bytes)
//	Offset 18: Device id (2 bytes, big-endian)
//
// The payload follows the header. When FlagHasContext is set a forwarding
// context block precedes the MIDI bytes.
const (
	Magic0 byte = 0x4D // 'M'
	Magic1 byte = 0x49 // 'I'

	Version byte = 0x01

	HeaderSize = 20
)

// Header flag bits.
const (
	FlagSysEx        byte = 1 << 0
	FlagReliable     byte = 1 << 1
	FlagFragmentCont byte = 1 << 2
	FlagHasContext   byte = 1 << 3
)

// Packet is a parsed wire packet.
type Packet struct {
	Flags      byte
	SourceHash uint32
	DestHash   uint32
	Sequence   uint16
	Timestamp  uint32
	DeviceID   uint16
	Context    *Context
	Payload    []byte
}

// NewDataPacket builds a data packet addressed from src to dst for the given
// device. SysEx payloads automatically raise the SysEx and Reliable flags so
// the transport layer picks the ACK/retry path.
func NewDataPacket(src, dst uuid.UUID, deviceID uint16, payload []byte, seq uint16) *Packet {
	p := &Packet{
		SourceHash: NodeHash(src),
		DestHash:   NodeHash(dst),
		Sequence:   seq,
		DeviceID:   deviceID,
		Payload:    payload,
	}
	if len(payload) > 0 && payload[0] == 0xF0 {
		p.Flags |= FlagSysEx | FlagReliable
	}
	return p
}

// SetContext attaches a forwarding context and raises the context flag.
// A nil context clears the flag.
func (p *Packet) SetContext(ctx *Context) {
	p.Context = ctx
	if ctx != nil {
		p.Flags |= FlagHasContext
	} else {
		p.Flags &^= FlagHasContext
	}
}

// IsSysEx reports whether the SysEx flag is set.
func (p *Packet) IsSysEx() bool {
	return p.Flags&FlagSysEx != 0
}

// IsReliable reports whether the packet must travel the reliable path.
func (p *Packet) IsReliable() bool {
	return p.Flags&FlagReliable != 0
}

// HasContext reports whether a forwarding context block is present.
func (p *Packet) HasContext() bool {
	return p.Flags&FlagHasContext != 0
}

// String returns a compact representation for diagnostics.
func (p *Packet) String() string {
	return fmt.Sprintf("Src: 0x%08X, Dst: 0x%08X, Dev: %d, Seq: %d, Flags: 0x%02X, Len: %d",
		p.SourceHash, p.DestHash, p.DeviceID, p.Sequence, p.Flags, len(p.Payload))
}
