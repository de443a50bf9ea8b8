package transport

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/somesmallstudio/midimesh/pkg/packet"
	"github.com/somesmallstudio/midimesh/pkg/ringbuf"
)

// packetSink collects received packets.
type packetSink struct {
	mu   sync.Mutex
	pkts []*packet.Packet
}

func (s *packetSink) receive(p *packet.Packet, _ *net.UDPAddr) {
	s.mu.Lock()
	s.pkts = append(s.pkts, p)
	s.mu.Unlock()
}

func (s *packetSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pkts)
}

func (s *packetSink) first() *packet.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pkts) == 0 {
		return nil
	}
	return s.pkts[0]
}

func startRealtime(t *testing.T, cfg RealtimeConfig) *Realtime {
	t.Helper()
	rt := NewRealtime(cfg)
	require.NoError(t, rt.Start())
	t.Cleanup(func() { rt.Stop() })
	return rt
}

func TestRealtimeSendReceive(t *testing.T) {
	var sink packetSink
	receiver := startRealtime(t, RealtimeConfig{OnReceive: sink.receive})
	sender := startRealtime(t, RealtimeConfig{})

	src := uuid.New()
	dst := uuid.New()
	p := packet.NewDataPacket(src, dst, 7, []byte{0x90, 0x3C, 0x64}, 0)
	require.NoError(t, sender.SendPacket(p, receiver.LocalAddr()))

	waitFor(t, 2*time.Second, func() bool { return sink.count() == 1 }, "packet never arrived")

	got := sink.first()
	assert.Equal(t, packet.NodeHash(src), got.SourceHash)
	assert.Equal(t, packet.NodeHash(dst), got.DestHash)
	assert.Equal(t, uint16(7), got.DeviceID)
	assert.Equal(t, []byte{0x90, 0x3C, 0x64}, got.Payload)

	assert.Equal(t, uint64(1), sender.Stats().FramesSent)
	assert.Equal(t, uint64(1), receiver.Stats().FramesReceived)
}

func TestRealtimeSequencesAssignedByTransport(t *testing.T) {
	var sink packetSink
	receiver := startRealtime(t, RealtimeConfig{OnReceive: sink.receive})
	sender := startRealtime(t, RealtimeConfig{})

	for i := 0; i < 3; i++ {
		p := packet.NewDataPacket(uuid.Nil, uuid.Nil, 1, []byte{0xF8}, 999)
		require.NoError(t, sender.SendPacket(p, receiver.LocalAddr()))
	}

	waitFor(t, 2*time.Second, func() bool { return sink.count() == 3 }, "packets never arrived")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	seen := map[uint16]bool{}
	for _, p := range sink.pkts {
		assert.NotEqual(t, uint16(999), p.Sequence, "caller-set sequence must be overwritten")
		seen[p.Sequence] = true
	}
	assert.Len(t, seen, 3, "sequences must be distinct")
}

func TestRealtimeDrainsRing(t *testing.T) {
	var sink packetSink
	receiver := startRealtime(t, RealtimeConfig{OnReceive: sink.receive})

	ring, err := ringbuf.New(64)
	require.NoError(t, err)

	dest := receiver.LocalAddr()
	me := uuid.New()
	peer := uuid.New()
	resolve := func(e ringbuf.Entry) (*packet.Packet, *net.UDPAddr, bool) {
		p := packet.NewDataPacket(me, peer, e.DeviceID, append([]byte(nil), e.Bytes()...), 0)
		return p, dest, true
	}

	startRealtime(t, RealtimeConfig{Ring: ring, Resolve: resolve})

	for i := 0; i < 10; i++ {
		e := ringbuf.Entry{DeviceID: 3, Len: 3}
		e.Data[0], e.Data[1], e.Data[2] = 0x90, byte(i), 0x40
		ring.Write(e)
	}

	waitFor(t, 2*time.Second, func() bool { return sink.count() == 10 }, "ring entries never transmitted")

	got := sink.first()
	assert.Equal(t, uint16(3), got.DeviceID)
	assert.Equal(t, packet.NodeHash(me), got.SourceHash)
}

func TestRealtimeInvalidPacketCounted(t *testing.T) {
	receiver := startRealtime(t, RealtimeConfig{})

	conn, err := net.DialUDP("udp", nil, receiver.LocalAddr())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte{0xDE, 0xAD, 0xBE, 0xEF})
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		return receiver.Stats().InvalidPackets == 1
	}, "invalid packet never counted")
}

func TestRealtimeRawHook(t *testing.T) {
	var rawFrames [][]byte
	var mu sync.Mutex
	receiver := startRealtime(t, RealtimeConfig{
		OnRaw: func(data []byte, _ *net.UDPAddr) bool {
			if !isReliableFrame(data) {
				return false
			}
			mu.Lock()
			rawFrames = append(rawFrames, append([]byte(nil), data...))
			mu.Unlock()
			return true
		},
	})

	conn, err := net.DialUDP("udp", nil, receiver.LocalAddr())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(encodeAck(7))
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(rawFrames) == 1
	}, "raw frame never surfaced")

	assert.Zero(t, receiver.Stats().InvalidPackets)
}

func TestRealtimeStopTwiceSafe(t *testing.T) {
	rt := NewRealtime(RealtimeConfig{})
	require.NoError(t, rt.Start())
	assert.NoError(t, rt.Stop())
	assert.NoError(t, rt.Stop())
}

func TestBurstDropRate(t *testing.T) {
	ring, err := ringbuf.New(ringbuf.DefaultCapacity)
	require.NoError(t, err)

	// 2000 messages over one second with a continuously draining reader.
	done := make(chan struct{})
	go func() {
		defer close(done)
		batch := make([]ringbuf.Entry, 64)
		for {
			select {
			case <-time.After(100 * time.Microsecond):
				ring.Read(batch)
			default:
				if ring.Stats().Written >= 2000 && ring.Ready() == 0 {
					return
				}
				ring.Read(batch)
			}
		}
	}()

	e := ringbuf.Entry{DeviceID: 1, Len: 3}
	e.Data[0] = 0x90
	for i := 0; i < 2000; i++ {
		ring.Write(e)
		time.Sleep(500 * time.Microsecond) // 2000 msg/s
	}
	<-done

	s := ring.Stats()
	assert.Less(t, s.DropRate, 1.0, "drop rate %v%% over burst", s.DropRate)
}
