package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/somesmallstudio/midimesh/pkg/packet"
)

func seqPacket(seq uint16) *packet.Packet {
	return &packet.Packet{Sequence: seq, DeviceID: 1, Payload: []byte{0x90, 0x3C, 0x64}}
}

// seqCollector records delivery order; safe to read while the timeout
// scanner delivers.
type seqCollector struct {
	mu    sync.Mutex
	order []uint16
}

func (c *seqCollector) deliver(p *packet.Packet) {
	c.mu.Lock()
	c.order = append(c.order, p.Sequence)
	c.mu.Unlock()
}

func (c *seqCollector) snapshot() []uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint16(nil), c.order...)
}

func TestInOrderPassThrough(t *testing.T) {
	var c seqCollector
	b := NewReorderBuffer(ReorderConfig{OnDeliver: c.deliver})
	b.SetNextExpected(1)

	for seq := uint16(1); seq <= 4; seq++ {
		b.Push(seqPacket(seq))
	}

	assert.Equal(t, []uint16{1, 2, 3, 4}, c.snapshot())
	s := b.Stats()
	assert.Equal(t, uint64(4), s.PacketsDelivered)
	assert.Zero(t, s.PacketsReordered)
	assert.Zero(t, s.GapsDetected)
}

func TestOutOfOrderDelivery(t *testing.T) {
	var c seqCollector
	b := NewReorderBuffer(ReorderConfig{OnDeliver: c.deliver})
	b.SetNextExpected(1)

	// 1, 3, 2, 4
	b.Push(seqPacket(1))
	b.Push(seqPacket(3))
	b.Push(seqPacket(2))
	b.Push(seqPacket(4))

	assert.Equal(t, []uint16{1, 2, 3, 4}, c.snapshot())
	s := b.Stats()
	assert.Equal(t, uint64(4), s.PacketsDelivered)
	assert.GreaterOrEqual(t, s.PacketsReordered, uint64(1))
	assert.Zero(t, s.Duplicates)
	assert.Zero(t, s.GapsDetected)
}

func TestStaleDiscarded(t *testing.T) {
	var c seqCollector
	b := NewReorderBuffer(ReorderConfig{OnDeliver: c.deliver})
	b.SetNextExpected(10)

	b.Push(seqPacket(10))
	b.Push(seqPacket(5)) // long gone

	assert.Equal(t, []uint16{10}, c.snapshot())
	assert.Equal(t, uint64(1), b.Stats().StaleDropped)
}

func TestDuplicateDropped(t *testing.T) {
	var c seqCollector
	var dups []uint16
	b := NewReorderBuffer(ReorderConfig{
		OnDeliver:   c.deliver,
		OnDuplicate: func(seq uint16) { dups = append(dups, seq) },
	})
	b.SetNextExpected(1)

	b.Push(seqPacket(1))
	b.Push(seqPacket(1))

	assert.Equal(t, []uint16{1}, c.snapshot())
	assert.Equal(t, []uint16{1}, dups)
	assert.Equal(t, uint64(1), b.Stats().Duplicates)
}

func TestDuplicateForwardedWhenAllowed(t *testing.T) {
	var c seqCollector
	b := NewReorderBuffer(ReorderConfig{OnDeliver: c.deliver, AllowDuplicates: true})
	b.SetNextExpected(1)

	b.Push(seqPacket(1))
	b.Push(seqPacket(1))

	assert.Equal(t, []uint16{1, 1}, c.snapshot())
	assert.Equal(t, uint64(1), b.Stats().Duplicates)
}

func TestGapSkipBeyondMax(t *testing.T) {
	var c seqCollector
	var gaps []uint16
	b := NewReorderBuffer(ReorderConfig{
		MaxSequenceGap: 4,
		OnDeliver:      c.deliver,
		OnGap:          func(seq uint16) { gaps = append(gaps, seq) },
	})
	b.SetNextExpected(1)

	b.Push(seqPacket(1))
	b.Push(seqPacket(10)) // gap of 8 past expected=2: declare 2..9 lost

	assert.Equal(t, []uint16{1, 10}, c.snapshot())
	assert.Equal(t, []uint16{2, 3, 4, 5, 6, 7, 8, 9}, gaps)
	assert.Equal(t, uint64(8), b.Stats().GapsDetected)
}

func TestDeliveryTimeoutSkipsForward(t *testing.T) {
	var c seqCollector
	var mu sync.Mutex
	var gaps []uint16
	b := NewReorderBuffer(ReorderConfig{
		DeliveryTimeout: 50 * time.Millisecond,
		OnDeliver:       c.deliver,
		OnGap: func(seq uint16) {
			mu.Lock()
			gaps = append(gaps, seq)
			mu.Unlock()
		},
	})
	b.SetNextExpected(1)
	b.Start()
	defer b.Stop()

	b.Push(seqPacket(1))
	b.Push(seqPacket(3)) // 2 never arrives

	waitFor(t, 2*time.Second, func() bool {
		return len(c.snapshot()) == 2
	}, "timeout never released the buffered packet")

	assert.Equal(t, []uint16{1, 3}, c.snapshot())
	mu.Lock()
	assert.Equal(t, []uint16{2}, gaps)
	mu.Unlock()
}

func TestWraparound(t *testing.T) {
	var c seqCollector
	b := NewReorderBuffer(ReorderConfig{OnDeliver: c.deliver})
	b.SetNextExpected(0xFFFE)

	b.Push(seqPacket(0xFFFE))
	b.Push(seqPacket(0xFFFF))
	b.Push(seqPacket(0x0000))
	b.Push(seqPacket(0x0001))

	assert.Equal(t, []uint16{0xFFFE, 0xFFFF, 0x0000, 0x0001}, c.snapshot())
	assert.Zero(t, b.Stats().GapsDetected)
}

func TestWraparoundOutOfOrder(t *testing.T) {
	var c seqCollector
	b := NewReorderBuffer(ReorderConfig{OnDeliver: c.deliver})
	b.SetNextExpected(0xFFFF)

	b.Push(seqPacket(0x0000)) // buffered: expected is 0xFFFF
	b.Push(seqPacket(0xFFFF))

	assert.Equal(t, []uint16{0xFFFF, 0x0000}, c.snapshot())
}

func TestSeqBefore(t *testing.T) {
	assert.True(t, seqBefore(1, 2))
	assert.False(t, seqBefore(2, 1))
	assert.False(t, seqBefore(5, 5))
	assert.True(t, seqBefore(0xFFFF, 0x0000), "wraparound ordering")
	assert.False(t, seqBefore(0x0000, 0xFFFF))
	assert.True(t, seqBefore(0xFFF0, 0x0010))
}

func TestFirstPacketAnchorsStream(t *testing.T) {
	var c seqCollector
	b := NewReorderBuffer(ReorderConfig{OnDeliver: c.deliver})

	b.Push(seqPacket(500))
	b.Push(seqPacket(501))

	require.Equal(t, []uint16{500, 501}, c.snapshot())
}
