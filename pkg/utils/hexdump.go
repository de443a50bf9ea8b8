package utils

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// HexDump returns a string representation of the data in a hex dump format.
// The realtime transport logs invalid inbound frames through it.
func HexDump(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	return hex.Dump(data)
}

// ByteToHex converts a single byte to a hex string (e.g., "0A").
func ByteToHex(b byte) string {
	return fmt.Sprintf("%02X", b)
}

// FormatMIDI renders a MIDI message compactly for log lines: up to eight
// bytes in hex, truncated for long SysEx payloads.
func FormatMIDI(msg []byte) string {
	if len(msg) == 0 {
		return "(empty)"
	}
	const maxShown = 8
	shown := len(msg)
	if shown > maxShown {
		shown = maxShown
	}
	var b strings.Builder
	for i := 0; i < shown; i++ {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(ByteToHex(msg[i]))
	}
	if len(msg) > maxShown {
		fmt.Fprintf(&b, " ... (%d bytes)", len(msg))
	}
	return b.String()
}
