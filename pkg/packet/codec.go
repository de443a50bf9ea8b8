package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrTooShort is returned when a datagram cannot hold the fixed header.
	ErrTooShort = errors.New("packet too short")
	// ErrBadMagic is returned when the magic bytes do not match.
	ErrBadMagic = errors.New("bad packet magic")
	// ErrBadVersion is returned for any version other than Version.
	ErrBadVersion = errors.New("unsupported packet version")
)

// Marshal serializes the packet to wire form. The header is written in
// place; the payload is copied exactly once.
func (p *Packet) Marshal() []byte {
	size := HeaderSize + len(p.Payload)
	if p.HasContext() && p.Context != nil {
		size += p.Context.encodedSize()
	}
	buf := make([]byte, HeaderSize, size)

	buf[0] = Magic0
	buf[1] = Magic1
	buf[2] = Version
	buf[3] = p.Flags
	binary.BigEndian.PutUint32(buf[4:8], p.SourceHash)
	binary.BigEndian.PutUint32(buf[8:12], p.DestHash)
	binary.BigEndian.PutUint16(buf[12:14], p.Sequence)
	binary.BigEndian.PutUint32(buf[14:18], p.Timestamp)
	binary.BigEndian.PutUint16(buf[18:20], p.DeviceID)

	if p.HasContext() && p.Context != nil {
		buf = p.Context.appendTo(buf)
	}
	return append(buf, p.Payload...)
}

// Decode parses a datagram into a Packet. The payload length is derived from
// the datagram length minus the header and optional context block. The
// returned packet does not alias data.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooShort, len(data))
	}
	if data[0] != Magic0 || data[1] != Magic1 {
		return nil, fmt.Errorf("%w: 0x%02X 0x%02X", ErrBadMagic, data[0], data[1])
	}
	if data[2] != Version {
		return nil, fmt.Errorf("%w: 0x%02X", ErrBadVersion, data[2])
	}

	p := &Packet{
		Flags:      data[3],
		SourceHash: binary.BigEndian.Uint32(data[4:8]),
		DestHash:   binary.BigEndian.Uint32(data[8:12]),
		Sequence:   binary.BigEndian.Uint16(data[12:14]),
		Timestamp:  binary.BigEndian.Uint32(data[14:18]),
		DeviceID:   binary.BigEndian.Uint16(data[18:20]),
	}

	body := data[HeaderSize:]
	if p.HasContext() {
		ctx, n, err := decodeContext(body)
		if err != nil {
			return nil, err
		}
		p.Context = ctx
		body = body[n:]
	}
	if len(body) > 0 {
		p.Payload = make([]byte, len(body))
		copy(p.Payload, body)
	}
	return p, nil
}

// DecodeValid is the non-erroring variant of Decode for hot receive loops
// that only need a pass/drop decision.
func DecodeValid(data []byte) (*Packet, bool) {
	p, err := Decode(data)
	if err != nil {
		return nil, false
	}
	return p, true
}
