package transport

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lossyLink records outbound frames and can drop or delay them. Frames sent
// through it are delivered synchronously to the paired endpoint.
type lossyLink struct {
	mu     sync.Mutex
	sent   [][]byte
	drop   func(frame []byte, n int) bool
	peer   *Reliable
	nSent  int
	addr   *net.UDPAddr
	closed bool
}

func (l *lossyLink) send(data []byte, addr *net.UDPAddr) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.nSent++
	n := l.nSent
	frame := append([]byte(nil), data...)
	l.sent = append(l.sent, frame)
	peer := l.peer
	dropped := l.drop != nil && l.drop(frame, n)
	l.mu.Unlock()

	if !dropped && peer != nil {
		peer.HandleFrame(frame, addr)
	}
	return nil
}

func (l *lossyLink) frames() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.sent...)
}

func testAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

// pair wires two Reliable endpoints together through in-memory links.
func pair(t *testing.T, aCfg, bCfg ReliableConfig) (*Reliable, *Reliable, *lossyLink, *lossyLink) {
	t.Helper()

	aLink := &lossyLink{addr: testAddr(1)}
	bLink := &lossyLink{addr: testAddr(2)}
	aCfg.Send = aLink.send
	bCfg.Send = bLink.send

	a := NewReliable(aCfg)
	b := NewReliable(bCfg)
	aLink.peer = b
	bLink.peer = a

	a.Start()
	b.Start()
	t.Cleanup(func() {
		a.Stop()
		b.Stop()
	})
	return a, b, aLink, bLink
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSendReliableSmallMessage(t *testing.T) {
	var received [][]byte
	var mu sync.Mutex

	a, _, _, _ := pair(t,
		ReliableConfig{},
		ReliableConfig{OnMessage: func(msg []byte, _ *net.UDPAddr) {
			mu.Lock()
			received = append(received, append([]byte(nil), msg...))
			mu.Unlock()
		}},
	)

	var success, failure bool
	err := a.SendReliable([]byte{0xF0, 0x7E, 0xF7}, testAddr(2),
		func() { success = true },
		func(string) { failure = true })
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1 && success
	}, "message never delivered and acknowledged")

	mu.Lock()
	assert.Equal(t, []byte{0xF0, 0x7E, 0xF7}, received[0])
	mu.Unlock()
	assert.False(t, failure)

	s := a.Stats()
	assert.Equal(t, uint64(1), s.ReliableSent)
	assert.Equal(t, uint64(1), s.ReliableAcked)
	assert.Equal(t, uint64(1), s.FragmentsSent)
	assert.Zero(t, s.Pending)
}

func TestSysExFragmentationAndReassembly(t *testing.T) {
	payload := make([]byte, 2000)
	payload[0] = 0xF0
	for i := 1; i < 1999; i++ {
		payload[i] = byte(i % 128)
	}
	payload[1999] = 0xF7

	var received []byte
	var mu sync.Mutex

	a, b, aLink, _ := pair(t,
		ReliableConfig{},
		ReliableConfig{OnMessage: func(msg []byte, _ *net.UDPAddr) {
			mu.Lock()
			received = append([]byte(nil), msg...)
			mu.Unlock()
		}},
	)

	successCh := make(chan struct{})
	err := a.SendReliable(payload, testAddr(2), func() { close(successCh) }, nil)
	require.NoError(t, err)

	select {
	case <-successCh:
	case <-time.After(time.Second):
		t.Fatal("success callback never fired")
	}

	mu.Lock()
	assert.Equal(t, payload, received)
	mu.Unlock()

	s := a.Stats()
	assert.Equal(t, uint64(1), s.ReliableSent)
	assert.Equal(t, uint64(1), s.ReliableAcked)
	assert.Equal(t, uint64(2), s.FragmentsSent)
	assert.Equal(t, uint64(1), b.Stats().Delivered)

	// Two data fragments on the wire: 1024 + 976 bytes of payload
	var fragSizes []int
	for _, f := range aLink.frames() {
		if _, data, ok := decodeFragment(f); ok {
			fragSizes = append(fragSizes, len(data))
		}
	}
	assert.Equal(t, []int{MaxFragmentSize, 976}, fragSizes)
}

func TestExactMultiplePayloadDelivers(t *testing.T) {
	// Payloads of exactly N*MaxFragmentSize must still terminate: the
	// trailing empty fragment closes the message on the receiver.
	for _, size := range []int{MaxFragmentSize, 2 * MaxFragmentSize} {
		payload := make([]byte, size)
		payload[0] = 0xF0
		for i := 1; i < size-1; i++ {
			payload[i] = byte(i % 128)
		}
		payload[size-1] = 0xF7

		var received [][]byte
		var mu sync.Mutex

		a, b, _, _ := pair(t,
			ReliableConfig{},
			ReliableConfig{OnMessage: func(msg []byte, _ *net.UDPAddr) {
				mu.Lock()
				received = append(received, append([]byte(nil), msg...))
				mu.Unlock()
			}},
		)

		okCh := make(chan struct{})
		require.NoError(t, a.SendReliable(payload, testAddr(2), func() { close(okCh) }, nil))

		select {
		case <-okCh:
		case <-time.After(2 * time.Second):
			t.Fatalf("success callback never fired for %d-byte payload", size)
		}

		mu.Lock()
		require.Len(t, received, 1, "size %d", size)
		assert.Equal(t, payload, received[0], "size %d", size)
		mu.Unlock()

		s := a.Stats()
		assert.Equal(t, uint64(1), s.ReliableAcked, "size %d", size)
		assert.Equal(t, uint64(size/MaxFragmentSize+1), s.FragmentsSent, "size %d", size)
		assert.Zero(t, s.Pending, "size %d", size)
		assert.Equal(t, uint64(1), b.Stats().Delivered, "size %d", size)
	}
}

func TestRetryAfterLoss(t *testing.T) {
	delivered := make(chan []byte, 1)

	var dropFirst sync.Once
	aLink := &lossyLink{addr: testAddr(1)}
	aLink.drop = func(frame []byte, n int) bool {
		// Drop the very first fragment transmission; the retry must get
		// through.
		dropped := false
		if _, _, ok := decodeFragment(frame); ok {
			dropFirst.Do(func() { dropped = true })
		}
		return dropped
	}

	bLink := &lossyLink{addr: testAddr(2)}

	a := NewReliable(ReliableConfig{TimeoutMs: 20, RetryBackoffMs: 10, Send: aLink.send})
	b := NewReliable(ReliableConfig{
		Send:      bLink.send,
		OnMessage: func(msg []byte, _ *net.UDPAddr) { delivered <- append([]byte(nil), msg...) },
	})
	aLink.peer = b
	bLink.peer = a
	a.Start()
	b.Start()
	defer a.Stop()
	defer b.Stop()

	okCh := make(chan struct{})
	require.NoError(t, a.SendReliable([]byte{0xF0, 0x01, 0xF7}, testAddr(2), func() { close(okCh) }, nil))

	select {
	case msg := <-delivered:
		assert.Equal(t, []byte{0xF0, 0x01, 0xF7}, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("retry never delivered the message")
	}
	select {
	case <-okCh:
	case <-time.After(2 * time.Second):
		t.Fatal("success callback never fired after retry")
	}
	assert.NotZero(t, a.Stats().Retries)
}

func TestMaxRetriesExceeded(t *testing.T) {
	// Black hole: everything sent is dropped.
	link := &lossyLink{addr: testAddr(1), drop: func([]byte, int) bool { return true }}

	a := NewReliable(ReliableConfig{TimeoutMs: 10, MaxRetries: 2, RetryBackoffMs: 5, Send: link.send})
	a.Start()
	defer a.Stop()

	failures := make(chan string, 1)
	require.NoError(t, a.SendReliable([]byte{0xF0, 0xF7}, testAddr(2), nil,
		func(reason string) { failures <- reason }))

	select {
	case reason := <-failures:
		assert.Equal(t, FailureMaxRetries, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("failure callback never fired")
	}

	s := a.Stats()
	assert.Equal(t, uint64(1), s.Failures)
	assert.Equal(t, uint64(1), s.Timeouts)
	assert.Zero(t, s.Pending)
}

func TestFailureFiresOnce(t *testing.T) {
	link := &lossyLink{addr: testAddr(1), drop: func([]byte, int) bool { return true }}

	a := NewReliable(ReliableConfig{TimeoutMs: 10, MaxRetries: 1, RetryBackoffMs: 5, Send: link.send})
	a.Start()
	defer a.Stop()

	var count int
	var mu sync.Mutex
	// Multi-fragment message: both fragments fail, one callback.
	require.NoError(t, a.SendReliable(make([]byte, 1500), testAddr(2), nil, func(string) {
		mu.Lock()
		count++
		mu.Unlock()
	}))

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count >= 1
	}, "failure callback never fired")

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, count, "failure callback fired more than once")
	mu.Unlock()
}

func TestDuplicateFragmentDeliversOnce(t *testing.T) {
	var delivered int
	var mu sync.Mutex

	b := NewReliable(ReliableConfig{
		Send:      func([]byte, *net.UDPAddr) error { return nil },
		OnMessage: func([]byte, *net.UDPAddr) { mu.Lock(); delivered++; mu.Unlock() },
	})

	frame := encodeFragment(0, []byte{0xF0, 0xF7})
	from := testAddr(9)
	b.HandleFrame(frame, from)
	b.HandleFrame(frame, from)

	mu.Lock()
	assert.Equal(t, 1, delivered)
	mu.Unlock()
}

func TestNakTriggersImmediateRetry(t *testing.T) {
	link := &lossyLink{addr: testAddr(1), drop: func([]byte, int) bool { return true }}

	a := NewReliable(ReliableConfig{TimeoutMs: 10000, Send: link.send})
	require.NoError(t, a.SendReliable([]byte{0xF0, 0xF7}, testAddr(2), nil, nil))
	before := len(link.frames())

	// Find the fragment's sequence from the captured frame
	seq, _, ok := decodeFragment(link.frames()[0])
	require.True(t, ok)

	a.HandleFrame(encodeNak(seq), testAddr(2))
	assert.Equal(t, before+1, len(link.frames()), "NAK did not retransmit")
	assert.Equal(t, uint64(1), a.Stats().Retries)
}

func TestStopCancelsPending(t *testing.T) {
	link := &lossyLink{addr: testAddr(1), drop: func([]byte, int) bool { return true }}

	a := NewReliable(ReliableConfig{TimeoutMs: 10000, Send: link.send})
	a.Start()

	reasons := make(chan string, 1)
	require.NoError(t, a.SendReliable([]byte{0xF0, 0xF7}, testAddr(2), nil,
		func(reason string) { reasons <- reason }))

	require.NoError(t, a.Stop())

	select {
	case reason := <-reasons:
		assert.Equal(t, FailureCancelled, reason)
	case <-time.After(time.Second):
		t.Fatal("cancelled send never reported")
	}
}

func TestSendUnreliableNoTracking(t *testing.T) {
	link := &lossyLink{addr: testAddr(1)}
	a := NewReliable(ReliableConfig{Send: link.send})

	require.NoError(t, a.SendUnreliable(make([]byte, 1500), testAddr(2)))
	assert.Equal(t, uint64(2), a.Stats().FragmentsSent)
	assert.Zero(t, a.Stats().Pending)
	assert.Zero(t, a.Stats().ReliableSent)
}

func TestOutOfOrderFragmentsReassemble(t *testing.T) {
	var received [][]byte
	var mu sync.Mutex

	b := NewReliable(ReliableConfig{
		Send:      func([]byte, *net.UDPAddr) error { return nil },
		OnMessage: func(msg []byte, _ *net.UDPAddr) { mu.Lock(); received = append(received, append([]byte(nil), msg...)); mu.Unlock() },
	})

	part1 := make([]byte, MaxFragmentSize)
	for i := range part1 {
		part1[i] = 0x11
	}
	part2 := []byte{0x22, 0x22}

	from := testAddr(9)
	// A fragment of the next message arrives before the continuation of the
	// first; both messages must come out whole, in sequence order.
	b.HandleFrame(encodeFragment(0, part1), from)
	b.HandleFrame(encodeFragment(2, []byte{0x33}), from) // next message, waits
	b.HandleFrame(encodeFragment(1, part2), from)        // completes first message

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)
	want := append(append([]byte(nil), part1...), part2...)
	assert.Equal(t, want, received[0])
	assert.Equal(t, []byte{0x33}, received[1])
}
