package packet

import "fmt"

// MaxHops caps multi-hop forwarding across the mesh.
const MaxHops = 8

// VisitedDevice identifies a device a message has already passed through,
// in wire form: the owner's 32-bit node hash plus the device id.
type VisitedDevice struct {
	OwnerHash uint32
	DeviceID  uint16
}

// Context is the forwarding context carried across nodes: a hop count and
// the set of devices the message has visited. The receiving node refuses to
// re-forward along a cycle or beyond MaxHops.
type Context struct {
	HopCount uint8
	Visited  []VisitedDevice
}

// Wire form: hopCount (1 byte), N (1 byte), then N x (ownerHash 4 bytes +
// deviceID 2 bytes), all big-endian.
const contextEntrySize = 6

// encodedSize returns the size of the context block on the wire.
func (c *Context) encodedSize() int {
	return 2 + len(c.Visited)*contextEntrySize
}

// Contains reports whether the visited set includes the given device.
func (c *Context) Contains(ownerHash uint32, deviceID uint16) bool {
	for _, v := range c.Visited {
		if v.OwnerHash == ownerHash && v.DeviceID == deviceID {
			return true
		}
	}
	return false
}

// Add appends a device to the visited set if not already present.
func (c *Context) Add(ownerHash uint32, deviceID uint16) {
	if c.Contains(ownerHash, deviceID) {
		return
	}
	c.Visited = append(c.Visited, VisitedDevice{OwnerHash: ownerHash, DeviceID: deviceID})
}

// Clone returns a deep copy. The routing worker mutates the context per hop,
// so a packet queued for several destinations must not share one.
func (c *Context) Clone() *Context {
	out := &Context{HopCount: c.HopCount}
	out.Visited = append(out.Visited, c.Visited...)
	return out
}

// String returns a compact representation for diagnostics.
func (c *Context) String() string {
	return fmt.Sprintf("hops=%d visited=%d", c.HopCount, len(c.Visited))
}

func (c *Context) appendTo(buf []byte) []byte {
	buf = append(buf, c.HopCount, byte(len(c.Visited)))
	for _, v := range c.Visited {
		buf = append(buf,
			byte(v.OwnerHash>>24), byte(v.OwnerHash>>16), byte(v.OwnerHash>>8), byte(v.OwnerHash),
			byte(v.DeviceID>>8), byte(v.DeviceID))
	}
	return buf
}

// decodeContext parses a context block from data, returning the context and
// the number of bytes consumed.
func decodeContext(data []byte) (*Context, int, error) {
	if len(data) < 2 {
		return nil, 0, fmt.Errorf("context block truncated: %d bytes", len(data))
	}
	hops := data[0]
	n := int(data[1])
	need := 2 + n*contextEntrySize
	if len(data) < need {
		return nil, 0, fmt.Errorf("context block truncated: need %d bytes, have %d", need, len(data))
	}
	ctx := &Context{HopCount: hops}
	if n > 0 {
		ctx.Visited = make([]VisitedDevice, 0, n)
	}
	off := 2
	for i := 0; i < n; i++ {
		ctx.Visited = append(ctx.Visited, VisitedDevice{
			OwnerHash: uint32(data[off])<<24 | uint32(data[off+1])<<16 | uint32(data[off+2])<<8 | uint32(data[off+3]),
			DeviceID:  uint16(data[off+4])<<8 | uint16(data[off+5]),
		})
		off += contextEntrySize
	}
	return ctx, need, nil
}
