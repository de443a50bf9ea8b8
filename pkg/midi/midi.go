package midi

import "fmt"

// Status byte ranges. The high nibble of a channel voice status byte selects
// the command; the low nibble selects the channel.
const (
	StatusNoteOff         byte = 0x80
	StatusNoteOn          byte = 0x90
	StatusPolyAftertouch  byte = 0xA0
	StatusControlChange   byte = 0xB0
	StatusProgramChange   byte = 0xC0
	StatusChannelPressure byte = 0xD0
	StatusPitchBend       byte = 0xE0
	StatusSystem          byte = 0xF0

	StatusSysExStart byte = 0xF0
	StatusSysExEnd   byte = 0xF7

	// System Real-Time range. Single-byte messages that may interleave
	// anywhere in the stream, including inside SysEx.
	StatusTimingClock  byte = 0xF8
	StatusStart        byte = 0xFA
	StatusContinue     byte = 0xFB
	StatusStop         byte = 0xFC
	StatusActiveSense  byte = 0xFE
	StatusSystemReset  byte = 0xFF
	realTimeRangeStart byte = 0xF8
)

// MessageType is a bitmask over MIDI message families, used by forwarding
// rules to filter what a route carries.
type MessageType uint16

const (
	TypeNoteOff MessageType = 1 << iota
	TypeNoteOn
	TypePolyAftertouch
	TypeControlChange
	TypeProgramChange
	TypeChannelAftertouch
	TypePitchBend
	TypeSystemMessage
)

// TypeAll matches every message family.
const TypeAll = TypeNoteOff | TypeNoteOn | TypePolyAftertouch |
	TypeControlChange | TypeProgramChange | TypeChannelAftertouch |
	TypePitchBend | TypeSystemMessage

// String returns the name of a single message type, or a combined form for
// masks covering several families.
func (t MessageType) String() string {
	switch t {
	case TypeNoteOff:
		return "NoteOff"
	case TypeNoteOn:
		return "NoteOn"
	case TypePolyAftertouch:
		return "PolyAftertouch"
	case TypeControlChange:
		return "ControlChange"
	case TypeProgramChange:
		return "ProgramChange"
	case TypeChannelAftertouch:
		return "ChannelAftertouch"
	case TypePitchBend:
		return "PitchBend"
	case TypeSystemMessage:
		return "SystemMessage"
	case TypeAll:
		return "All"
	default:
		return fmt.Sprintf("MessageType(0x%04X)", uint16(t))
	}
}

// Contains reports whether the mask includes every bit of other.
func (t MessageType) Contains(other MessageType) bool {
	return t&other == other
}

// TypeOf maps a status byte to its message family. Data bytes (< 0x80) map
// to 0.
func TypeOf(status byte) MessageType {
	if status < 0x80 {
		return 0
	}
	if status >= StatusSystem {
		return TypeSystemMessage
	}
	switch status & 0xF0 {
	case StatusNoteOff:
		return TypeNoteOff
	case StatusNoteOn:
		return TypeNoteOn
	case StatusPolyAftertouch:
		return TypePolyAftertouch
	case StatusControlChange:
		return TypeControlChange
	case StatusProgramChange:
		return TypeProgramChange
	case StatusChannelPressure:
		return TypeChannelAftertouch
	case StatusPitchBend:
		return TypePitchBend
	}
	return 0
}

// Channel extracts the 1-based MIDI channel from a message. System messages
// and empty messages have no channel and return 0.
func Channel(msg []byte) uint8 {
	if len(msg) == 0 {
		return 0
	}
	status := msg[0]
	if status < 0x80 || status >= StatusSystem {
		return 0
	}
	return status&0x0F + 1
}

// IsSysEx reports whether the message is a System Exclusive message.
func IsSysEx(msg []byte) bool {
	return len(msg) > 0 && msg[0] == StatusSysExStart
}
