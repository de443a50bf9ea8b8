package transport

import (
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/somesmallstudio/midimesh/internal"
	"github.com/somesmallstudio/midimesh/pkg/packet"
	"github.com/somesmallstudio/midimesh/pkg/ringbuf"
	"github.com/somesmallstudio/midimesh/pkg/utils"
)

const (
	// drainBatch bounds how many ring entries one loop pass sends before
	// servicing the socket.
	drainBatch = 32

	// idleSleep is the pause when neither the ring nor the socket had work.
	idleSleep = time.Millisecond

	// pollTimeout is the read deadline for one socket poll.
	pollTimeout = 200 * time.Microsecond

	maxDatagram = 65507
)

// Resolver maps a ring entry to an outbound packet and destination address.
// It runs on the transport thread and must not block; entries it cannot
// resolve (device with no known route yet) are skipped.
type Resolver func(ringbuf.Entry) (*packet.Packet, *net.UDPAddr, bool)

// RealtimeConfig configures the real-time UDP transport.
type RealtimeConfig struct {
	// Port to bind; 0 lets the OS assign one.
	Port int
	// Ring is the lock-free hand-off from the MIDI input thread. Optional;
	// a transport used only for router dispatch may run without one.
	Ring *ringbuf.Buffer
	// Resolve turns drained ring entries into addressed packets.
	Resolve Resolver
	// OnReceive is handed every valid inbound data frame.
	OnReceive func(*packet.Packet, *net.UDPAddr)
	// OnRaw is offered datagrams that are not data frames (reliable-path
	// frames share the socket). Return true to consume.
	OnRaw func(data []byte, from *net.UDPAddr) bool
	// OnError receives transport errors; never called concurrently with
	// itself.
	OnError func(error)

	Logger internal.Logger
}

// Realtime is the best-effort UDP path. A dedicated worker at raised
// priority drains the ring buffer and polls the socket; sends are
// sequence-stamped, non-blocking and never retried.
type Realtime struct {
	cfg   RealtimeConfig
	conn  *net.UDPConn
	epoch time.Time

	seq      atomic.Uint32 // low 16 bits wrap onto the wire
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	framesSent     atomic.Uint64
	framesReceived atomic.Uint64
	sendErrors     atomic.Uint64
	invalidPackets atomic.Uint64
	ringDrained    atomic.Uint64
}

// NewRealtime creates the transport without binding the socket.
func NewRealtime(cfg RealtimeConfig) *Realtime {
	if cfg.Logger == nil {
		cfg.Logger = internal.NopLogger()
	}
	return &Realtime{
		cfg:   cfg,
		epoch: time.Now(),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start binds the UDP socket and launches the worker.
func (t *Realtime) Start() error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: t.cfg.Port})
	if err != nil {
		return fmt.Errorf("bind udp port %d: %w", t.cfg.Port, err)
	}
	t.conn = conn
	t.cfg.Logger.Infof("realtime transport listening on %s", conn.LocalAddr())

	go t.loop()
	return nil
}

// Stop closes the socket and joins the worker, waiting at most two seconds.
// Safe to call more than once.
func (t *Realtime) Stop() error {
	t.stopOnce.Do(func() {
		close(t.stop)
		if t.conn != nil {
			t.conn.Close()
		}
	})
	select {
	case <-t.done:
		return nil
	case <-time.After(2 * time.Second):
		return errors.New("realtime transport did not stop in time")
	}
}

// LocalAddr returns the bound address, or nil before Start.
func (t *Realtime) LocalAddr() *net.UDPAddr {
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// SendPacket stamps the packet with the next sequence number and transmit
// timestamp, then sends it best-effort. Failures count; they do not block
// or retry.
func (t *Realtime) SendPacket(p *packet.Packet, addr *net.UDPAddr) error {
	if t.conn == nil {
		return errors.New("transport not started")
	}
	p.Sequence = t.nextSeq()
	p.Timestamp = t.timestamp()

	if _, err := t.conn.WriteToUDP(p.Marshal(), addr); err != nil {
		t.sendErrors.Add(1)
		return fmt.Errorf("udp send to %s: %w", addr, err)
	}
	t.framesSent.Add(1)
	return nil
}

// SendRaw transmits a pre-framed datagram (reliable-path frames ride the
// same socket).
func (t *Realtime) SendRaw(data []byte, addr *net.UDPAddr) error {
	if t.conn == nil {
		return errors.New("transport not started")
	}
	if _, err := t.conn.WriteToUDP(data, addr); err != nil {
		t.sendErrors.Add(1)
		return fmt.Errorf("udp send to %s: %w", addr, err)
	}
	return nil
}

func (t *Realtime) nextSeq() uint16 {
	return uint16(t.seq.Add(1) - 1)
}

// timestamp returns microseconds since the transport's epoch, wrapping.
func (t *Realtime) timestamp() uint32 {
	return uint32(time.Since(t.epoch).Microseconds())
}

// loop is the transport worker: drain the ring, poll the socket, sleep only
// when both were idle. It never takes application locks.
func (t *Realtime) loop() {
	defer close(t.done)

	runtime.LockOSThread()
	if err := raisePriority(); err != nil {
		t.cfg.Logger.Debugf("could not raise transport thread priority: %v", err)
	}

	recvBuf := make([]byte, maxDatagram)
	var batch [drainBatch]ringbuf.Entry

	for {
		select {
		case <-t.stop:
			return
		default:
		}

		busy := false

		if t.cfg.Ring != nil && t.cfg.Resolve != nil {
			n := t.cfg.Ring.Read(batch[:])
			for i := 0; i < n; i++ {
				p, addr, ok := t.cfg.Resolve(batch[i])
				if !ok {
					continue
				}
				if err := t.SendPacket(p, addr); err != nil {
					t.reportError(err)
				}
			}
			if n > 0 {
				t.ringDrained.Add(uint64(n))
				busy = true
			}
		}

		if t.pollSocket(recvBuf) {
			busy = true
		}

		if !busy {
			time.Sleep(idleSleep)
		}
	}
}

// pollSocket reads at most one datagram without blocking past pollTimeout.
func (t *Realtime) pollSocket(buf []byte) bool {
	t.conn.SetReadDeadline(time.Now().Add(pollTimeout))
	n, from, err := t.conn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return false
		}
		select {
		case <-t.stop:
		default:
			t.reportError(fmt.Errorf("udp receive: %w", err))
		}
		return false
	}

	data := buf[:n]
	p, ok := packet.DecodeValid(data)
	if !ok {
		if t.cfg.OnRaw != nil && t.cfg.OnRaw(data, from) {
			return true
		}
		t.invalidPackets.Add(1)
		t.cfg.Logger.Debugf("invalid packet from %s (%d bytes)\n%s", from, n, utils.HexDump(data))
		return true
	}

	t.framesReceived.Add(1)
	if t.cfg.OnReceive != nil {
		t.cfg.OnReceive(p, from)
	}
	return true
}

func (t *Realtime) reportError(err error) {
	if t.cfg.OnError != nil {
		t.cfg.OnError(err)
	}
}

// RealtimeStats is a snapshot of the transport counters.
type RealtimeStats struct {
	FramesSent     uint64
	FramesReceived uint64
	SendErrors     uint64
	InvalidPackets uint64
	RingDrained    uint64
}

// Stats returns the current counters.
func (t *Realtime) Stats() RealtimeStats {
	return RealtimeStats{
		FramesSent:     t.framesSent.Load(),
		FramesReceived: t.framesReceived.Load(),
		SendErrors:     t.sendErrors.Load(),
		InvalidPackets: t.invalidPackets.Load(),
		RingDrained:    t.ringDrained.Load(),
	}
}
