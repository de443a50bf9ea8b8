package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/somesmallstudio/midimesh/internal"
	"github.com/somesmallstudio/midimesh/pkg/packet"
)

// Reorder defaults.
const (
	DefaultMaxSequenceGap  = 32
	DefaultDeliveryTimeout = 500 * time.Millisecond

	reorderScanInterval = 100 * time.Millisecond
	duplicateWindow     = 256
)

// seqBefore reports whether 16-bit sequence a precedes b, wraparound-aware:
// the signed distance from a to b is positive.
func seqBefore(a, b uint16) bool {
	return int16(b-a) > 0
}

// ReorderConfig configures a reorder buffer.
type ReorderConfig struct {
	// MaxSequenceGap is the largest gap buffered before the missing
	// packets are declared lost and skipped.
	MaxSequenceGap uint16
	// DeliveryTimeout is how long an out-of-order packet may wait for its
	// predecessors before the buffer skips forward.
	DeliveryTimeout time.Duration
	// AllowDuplicates forwards duplicate sequences instead of dropping
	// them. The duplicate callback fires either way.
	AllowDuplicates bool

	// OnDeliver receives packets in sequence order.
	OnDeliver func(*packet.Packet)
	// OnGap fires once per skipped (lost) sequence number.
	OnGap func(seq uint16)
	// OnDuplicate fires for each duplicate arrival.
	OnDuplicate func(seq uint16)

	Logger internal.Logger
}

type bufferedPacket struct {
	pkt     *packet.Packet
	arrived time.Time
}

// ReorderBuffer restores sequence order on the receiving side: in-order
// packets pass straight through, out-of-order packets wait for their
// predecessors, bounded by a maximum gap and a delivery timeout, with
// duplicate detection over a bounded history window.
type ReorderBuffer struct {
	cfg ReorderConfig

	mu       sync.Mutex
	expected uint16
	primed   bool
	buffer   map[uint16]bufferedPacket
	seen     map[uint16]struct{}
	seenRing [duplicateWindow]uint16
	seenLen  int
	seenPos  int

	stop    chan struct{}
	done    chan struct{}
	started bool

	delivered  atomic.Uint64
	reordered  atomic.Uint64
	duplicates atomic.Uint64
	gaps       atomic.Uint64
	stale      atomic.Uint64
}

// NewReorderBuffer creates a buffer; Start launches the timeout scanner.
func NewReorderBuffer(cfg ReorderConfig) *ReorderBuffer {
	if cfg.MaxSequenceGap == 0 {
		cfg.MaxSequenceGap = DefaultMaxSequenceGap
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = internal.NopLogger()
	}
	return &ReorderBuffer{
		cfg:    cfg,
		buffer: make(map[uint16]bufferedPacket),
		seen:   make(map[uint16]struct{}),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the delivery-timeout scanner.
func (b *ReorderBuffer) Start() {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()
	go b.scanLoop()
}

// Stop halts the scanner.
func (b *ReorderBuffer) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	close(b.stop)
	b.mu.Unlock()
	<-b.done
}

// SetNextExpected pins the next sequence the buffer waits for. Without it,
// the first packet to arrive anchors the stream.
func (b *ReorderBuffer) SetNextExpected(seq uint16) {
	b.mu.Lock()
	b.expected = seq
	b.primed = true
	b.mu.Unlock()
}

// Push accepts one received packet. Deliveries and callbacks run on the
// caller's goroutine (or the scanner's, for timeout skips).
func (b *ReorderBuffer) Push(p *packet.Packet) {
	var out []*packet.Packet
	var gaps []uint16

	b.mu.Lock()
	seq := p.Sequence
	if !b.primed {
		b.expected = seq
		b.primed = true
	}

	if _, isDup := b.seen[seq]; isDup {
		b.duplicates.Add(1)
		if b.cfg.AllowDuplicates {
			out = append(out, p)
		}
		b.mu.Unlock()
		if b.cfg.OnDuplicate != nil {
			b.cfg.OnDuplicate(seq)
		}
		b.emit(out, nil)
		return
	}

	switch {
	case seq == b.expected:
		out = append(out, b.deliverLocked(p))
		out = append(out, b.drainLocked()...)

	case seqBefore(seq, b.expected):
		// Stale: a predecessor of something already delivered or skipped.
		b.stale.Add(1)

	default:
		b.buffer[seq] = bufferedPacket{pkt: p, arrived: time.Now()}
		if gap := seq - b.expected; gap > b.cfg.MaxSequenceGap {
			// The missing run is declared lost; skip forward.
			gaps = b.skipToLocked(seq)
			out = append(out, b.drainLocked()...)
		}
	}
	b.mu.Unlock()

	b.emit(out, gaps)
}

// deliverLocked marks a packet delivered and advances the cursor.
func (b *ReorderBuffer) deliverLocked(p *packet.Packet) *packet.Packet {
	b.markSeenLocked(p.Sequence)
	b.expected = p.Sequence + 1
	b.delivered.Add(1)
	return p
}

// drainLocked pulls the contiguous run now available at the cursor and
// discards anything the cursor has passed.
func (b *ReorderBuffer) drainLocked() []*packet.Packet {
	var out []*packet.Packet
	for {
		bp, ok := b.buffer[b.expected]
		if !ok {
			break
		}
		delete(b.buffer, b.expected)
		b.reordered.Add(1)
		out = append(out, b.deliverLocked(bp.pkt))
	}
	for seq := range b.buffer {
		if seqBefore(seq, b.expected) {
			delete(b.buffer, seq)
			b.stale.Add(1)
		}
	}
	return out
}

// skipToLocked declares every sequence in [expected, seq) lost and moves the
// cursor to seq, so the buffered packet there drains next.
func (b *ReorderBuffer) skipToLocked(seq uint16) []uint16 {
	var gaps []uint16
	for s := b.expected; s != seq; s++ {
		gaps = append(gaps, s)
		b.gaps.Add(1)
	}
	b.expected = seq
	return gaps
}

func (b *ReorderBuffer) markSeenLocked(seq uint16) {
	if b.seenLen == duplicateWindow {
		delete(b.seen, b.seenRing[b.seenPos])
	} else {
		b.seenLen++
	}
	b.seenRing[b.seenPos] = seq
	b.seenPos = (b.seenPos + 1) % duplicateWindow
	b.seen[seq] = struct{}{}
}

func (b *ReorderBuffer) emit(out []*packet.Packet, gaps []uint16) {
	if b.cfg.OnGap != nil {
		for _, g := range gaps {
			b.cfg.OnGap(g)
		}
	}
	if b.cfg.OnDeliver != nil {
		for _, p := range out {
			b.cfg.OnDeliver(p)
		}
	}
}

// scanLoop forces progress past packets that have waited longer than the
// delivery timeout for their predecessors.
func (b *ReorderBuffer) scanLoop() {
	defer close(b.done)

	ticker := time.NewTicker(reorderScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.scanTimeouts()
		}
	}
}

func (b *ReorderBuffer) scanTimeouts() {
	now := time.Now()
	var out []*packet.Packet
	var gaps []uint16

	b.mu.Lock()
	var oldest uint16
	found := false
	for seq, bp := range b.buffer {
		if now.Sub(bp.arrived) <= b.cfg.DeliveryTimeout {
			continue
		}
		if !found || seqBefore(seq, oldest) {
			oldest = seq
			found = true
		}
	}
	if found {
		gaps = b.skipToLocked(oldest)
		out = b.drainLocked()
	}
	b.mu.Unlock()

	if found {
		b.cfg.Logger.Debugf("reorder timeout: skipped %d sequences to %d", len(gaps), oldest)
		b.emit(out, gaps)
	}
}

// ReorderStats is a snapshot of the buffer's counters.
type ReorderStats struct {
	PacketsDelivered uint64
	PacketsReordered uint64
	Duplicates       uint64
	GapsDetected     uint64
	StaleDropped     uint64
	Buffered         int
}

// Stats returns the current counters.
func (b *ReorderBuffer) Stats() ReorderStats {
	b.mu.Lock()
	buffered := len(b.buffer)
	b.mu.Unlock()
	return ReorderStats{
		PacketsDelivered: b.delivered.Load(),
		PacketsReordered: b.reordered.Load(),
		Duplicates:       b.duplicates.Load(),
		GapsDetected:     b.gaps.Load(),
		StaleDropped:     b.stale.Load(),
		Buffered:         buffered,
	}
}
