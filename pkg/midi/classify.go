package midi

// Class selects the transport path for a message.
type Class uint8

const (
	// ClassRealTime goes over the best-effort UDP path.
	ClassRealTime Class = iota
	// ClassReliable goes over the ACK/retry path with fragmentation.
	ClassReliable
)

// String returns the class name.
func (c Class) String() string {
	switch c {
	case ClassRealTime:
		return "RealTime"
	case ClassReliable:
		return "Reliable"
	default:
		return "UnknownClass"
	}
}

// Classify decides which transport path a message takes. The decision is
// constant-time on the first status byte:
//
//  1. System Real-Time (0xF8..0xFF) is latency-critical: real-time path.
//  2. System Exclusive is bulk data: reliable path.
//  3. Channel Voice (0x80..0xEF) is latency-critical: real-time path.
//  4. System Common and anything malformed: reliable path.
func Classify(msg []byte) Class {
	if len(msg) == 0 {
		return ClassReliable
	}
	status := msg[0]
	if status >= realTimeRangeStart {
		return ClassRealTime
	}
	if status == StatusSysExStart {
		return ClassReliable
	}
	if status >= 0x80 && status < StatusSystem {
		return ClassRealTime
	}
	return ClassReliable
}
