package transport

import "encoding/binary"

// Reliable-path framing. Each fragment:
//
//	0x4D 0x4E ("MN") | sequence (4 bytes, big-endian) | size (2 bytes) | data
//
// ACK and NACK are magic plus the acknowledged sequence:
//
//	0x41 0x43 0x4B ("ACK") | sequence (4 bytes)
//	0x4E 0x41 0x4B ("NAK") | sequence (4 bytes)
//
// A fragment carrying fewer than MaxFragmentSize bytes terminates its
// message.
const (
	MaxFragmentSize = 1024

	fragMagic0     = 0x4D // 'M'
	fragMagic1     = 0x4E // 'N'
	fragHeaderSize = 8

	ackHeaderSize = 7
)

var (
	ackMagic = [3]byte{0x41, 0x43, 0x4B}
	nakMagic = [3]byte{0x4E, 0x41, 0x4B}
)

// encodeFragment frames one fragment.
func encodeFragment(seq uint32, data []byte) []byte {
	frame := make([]byte, fragHeaderSize+len(data))
	frame[0] = fragMagic0
	frame[1] = fragMagic1
	binary.BigEndian.PutUint32(frame[2:6], seq)
	binary.BigEndian.PutUint16(frame[6:8], uint16(len(data)))
	copy(frame[fragHeaderSize:], data)
	return frame
}

// decodeFragment parses a fragment frame. The declared size must match the
// carried bytes exactly.
func decodeFragment(frame []byte) (seq uint32, data []byte, ok bool) {
	if len(frame) < fragHeaderSize || frame[0] != fragMagic0 || frame[1] != fragMagic1 {
		return 0, nil, false
	}
	seq = binary.BigEndian.Uint32(frame[2:6])
	size := int(binary.BigEndian.Uint16(frame[6:8]))
	if size > MaxFragmentSize || len(frame) != fragHeaderSize+size {
		return 0, nil, false
	}
	return seq, frame[fragHeaderSize:], true
}

func encodeAck(seq uint32) []byte {
	frame := make([]byte, ackHeaderSize)
	copy(frame, ackMagic[:])
	binary.BigEndian.PutUint32(frame[3:7], seq)
	return frame
}

func encodeNak(seq uint32) []byte {
	frame := make([]byte, ackHeaderSize)
	copy(frame, nakMagic[:])
	binary.BigEndian.PutUint32(frame[3:7], seq)
	return frame
}

func decodeAck(frame []byte) (seq uint32, ok bool) {
	if len(frame) != ackHeaderSize || frame[0] != ackMagic[0] || frame[1] != ackMagic[1] || frame[2] != ackMagic[2] {
		return 0, false
	}
	return binary.BigEndian.Uint32(frame[3:7]), true
}

func decodeNak(frame []byte) (seq uint32, ok bool) {
	if len(frame) != ackHeaderSize || frame[0] != nakMagic[0] || frame[1] != nakMagic[1] || frame[2] != nakMagic[2] {
		return 0, false
	}
	return binary.BigEndian.Uint32(frame[3:7]), true
}

// isReliableFrame reports whether a datagram belongs to the reliable path.
func isReliableFrame(data []byte) bool {
	if len(data) >= 2 && data[0] == fragMagic0 && data[1] == fragMagic1 {
		return true
	}
	if len(data) == ackHeaderSize {
		if data[0] == ackMagic[0] && data[1] == ackMagic[1] && data[2] == ackMagic[2] {
			return true
		}
		if data[0] == nakMagic[0] && data[1] == nakMagic[1] && data[2] == nakMagic[2] {
			return true
		}
	}
	return false
}
