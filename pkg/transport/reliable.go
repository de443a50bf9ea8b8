package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/somesmallstudio/midimesh/internal"
)

// Reliable defaults.
const (
	DefaultTimeoutMs      = 100
	DefaultMaxRetries     = 3
	DefaultRetryBackoffMs = 50

	retryTickInterval = 10 * time.Millisecond
)

// FailureMaxRetries and FailureCancelled are the reasons handed to failure
// callbacks.
const (
	FailureMaxRetries = "Max retries exceeded"
	FailureCancelled  = "Cancelled"
)

// SendFunc transmits one datagram; the reliable layer rides whatever socket
// the mesh boundary provides (normally Realtime.SendRaw).
type SendFunc func(data []byte, addr *net.UDPAddr) error

// ReliableConfig configures the ACK/retry layer.
type ReliableConfig struct {
	TimeoutMs      int
	MaxRetries     int
	RetryBackoffMs int

	Send SendFunc
	// OnMessage receives each fully reassembled inbound message.
	OnMessage func(msg []byte, from *net.UDPAddr)
	OnError   func(error)
	Logger    internal.Logger
}

type pendingFragment struct {
	frame   []byte
	addr    *net.UDPAddr
	sentAt  time.Time
	retries int
	msg     *pendingMessage
}

type pendingMessage struct {
	remaining int
	settled   bool
	onSuccess func()
	onFailure func(reason string)
}

// reassembly is the per-peer inbound state: fragments buffered by sequence
// until a terminating fragment closes the message.
type reassembly struct {
	next      uint32 // next sequence to deliver from
	primed    bool
	fragments map[uint32]fragmentIn
}

type fragmentIn struct {
	data     []byte
	terminal bool
}

// Reliable implements ACK/retry delivery with SysEx-scale fragmentation on
// top of an unreliable datagram send. Each fragment is tracked and
// acknowledged independently; a message succeeds when its last fragment is
// acknowledged.
type Reliable struct {
	cfg ReliableConfig

	mu      sync.Mutex
	seq     uint32
	pending map[uint32]*pendingFragment
	inbound map[string]*reassembly

	stop    chan struct{}
	done    chan struct{}
	started bool

	messagesSent  atomic.Uint64
	messagesAcked atomic.Uint64
	fragmentsSent atomic.Uint64
	retries       atomic.Uint64
	failures      atomic.Uint64
	timeouts      atomic.Uint64
	delivered     atomic.Uint64
}

// NewReliable creates the layer; Start launches the retry timer.
func NewReliable(cfg ReliableConfig) *Reliable {
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = DefaultTimeoutMs
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryBackoffMs <= 0 {
		cfg.RetryBackoffMs = DefaultRetryBackoffMs
	}
	if cfg.Logger == nil {
		cfg.Logger = internal.NopLogger()
	}
	return &Reliable{
		cfg:     cfg,
		pending: make(map[uint32]*pendingFragment),
		inbound: make(map[string]*reassembly),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the retry timer.
func (r *Reliable) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()
	go r.retryLoop()
}

// Stop halts the timer and cancels every pending send with a "Cancelled"
// failure.
func (r *Reliable) Stop() error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	close(r.stop)
	cancelled := r.takeAllPendingLocked()
	r.mu.Unlock()

	for _, msg := range cancelled {
		msg.fail(FailureCancelled)
	}

	select {
	case <-r.done:
		return nil
	case <-time.After(2 * time.Second):
		return errors.New("reliable transport did not stop in time")
	}
}

// SendReliable fragments the payload, transmits every fragment and tracks
// them until acknowledged. Callbacks fire exactly once: on the goroutine
// that handles the completing ACK, on the retry timer goroutine, or in Stop
// for cancelled sends.
func (r *Reliable) SendReliable(payload []byte, addr *net.UDPAddr, onSuccess func(), onFailure func(reason string)) error {
	if r.cfg.Send == nil {
		return errors.New("no send function configured")
	}
	if len(payload) == 0 {
		return errors.New("empty payload")
	}

	chunks := fragment(payload)
	msg := &pendingMessage{
		remaining: len(chunks),
		onSuccess: onSuccess,
		onFailure: onFailure,
	}

	now := time.Now()
	r.mu.Lock()
	frames := make([]*pendingFragment, len(chunks))
	for i, chunk := range chunks {
		seq := r.seq
		r.seq++
		pf := &pendingFragment{
			frame:  encodeFragment(seq, chunk),
			addr:   addr,
			sentAt: now,
			msg:    msg,
		}
		r.pending[seq] = pf
		frames[i] = pf
	}
	r.mu.Unlock()

	for _, pf := range frames {
		if err := r.cfg.Send(pf.frame, addr); err != nil {
			// The retry timer takes over; a failed first transmission is
			// the same as a lost datagram.
			r.reportError(fmt.Errorf("fragment send: %w", err))
		}
		r.fragmentsSent.Add(1)
	}
	r.messagesSent.Add(1)
	return nil
}

// SendUnreliable transmits the payload as untracked fragments: framed the
// same way, but never retried and with no completion callback.
func (r *Reliable) SendUnreliable(payload []byte, addr *net.UDPAddr) error {
	if r.cfg.Send == nil {
		return errors.New("no send function configured")
	}
	if len(payload) == 0 {
		return errors.New("empty payload")
	}

	r.mu.Lock()
	start := r.seq
	chunks := fragment(payload)
	r.seq += uint32(len(chunks))
	r.mu.Unlock()

	for i, chunk := range chunks {
		if err := r.cfg.Send(encodeFragment(start+uint32(i), chunk), addr); err != nil {
			return fmt.Errorf("fragment send: %w", err)
		}
		r.fragmentsSent.Add(1)
	}
	return nil
}

// HandleFrame consumes reliable-path datagrams (fragments, ACKs, NACKs)
// arriving on the shared socket. It returns false for frames that belong to
// another path.
func (r *Reliable) HandleFrame(data []byte, from *net.UDPAddr) bool {
	if !isReliableFrame(data) {
		return false
	}

	if seq, ok := decodeAck(data); ok {
		r.handleAck(seq)
		return true
	}
	if seq, ok := decodeNak(data); ok {
		r.handleNak(seq)
		return true
	}
	if seq, frag, ok := decodeFragment(data); ok {
		r.handleFragment(seq, frag, from)
		return true
	}
	return true
}

func (r *Reliable) handleAck(seq uint32) {
	r.mu.Lock()
	pf, ok := r.pending[seq]
	if ok {
		delete(r.pending, seq)
		pf.msg.remaining--
	}
	complete := ok && pf.msg.remaining == 0 && !pf.msg.settled
	if complete {
		pf.msg.settled = true
	}
	r.mu.Unlock()

	if complete {
		r.messagesAcked.Add(1)
		if pf.msg.onSuccess != nil {
			pf.msg.onSuccess()
		}
	}
}

// handleNak retries the fragment immediately without waiting for the timer.
func (r *Reliable) handleNak(seq uint32) {
	r.mu.Lock()
	pf, ok := r.pending[seq]
	if ok {
		pf.retries++
		pf.sentAt = time.Now()
	}
	r.mu.Unlock()

	if ok {
		r.retries.Add(1)
		if err := r.cfg.Send(pf.frame, pf.addr); err != nil {
			r.reportError(fmt.Errorf("nak retry: %w", err))
		}
	}
}

func (r *Reliable) handleFragment(seq uint32, data []byte, from *net.UDPAddr) {
	// Every received fragment is acknowledged, including duplicates whose
	// first ACK was lost.
	if err := r.cfg.Send(encodeAck(seq), from); err != nil {
		r.reportError(fmt.Errorf("ack send: %w", err))
	}

	var complete [][]byte

	r.mu.Lock()
	key := from.String()
	re := r.inbound[key]
	if re == nil {
		re = &reassembly{fragments: make(map[uint32]fragmentIn)}
		r.inbound[key] = re
	}
	if !re.primed {
		re.next = seq
		re.primed = true
	}
	// Fragments before the delivery cursor are retransmissions of delivered
	// data; the ACK above is all they need.
	if _, dup := re.fragments[seq]; !dup && !seqBefore32(seq, re.next) {
		re.fragments[seq] = fragmentIn{data: append([]byte(nil), data...), terminal: len(data) < MaxFragmentSize}
	}
	// Deliver every message whose fragments are now contiguous through a
	// terminal fragment.
	for {
		msg, nextSeq, ok := re.assemble()
		if !ok {
			break
		}
		complete = append(complete, msg)
		re.next = nextSeq
	}
	r.mu.Unlock()

	for _, msg := range complete {
		r.delivered.Add(1)
		if r.cfg.OnMessage != nil {
			r.cfg.OnMessage(msg, from)
		}
	}
}

// assemble scans from re.next for a contiguous run ending in a terminal
// fragment. On success it removes the consumed fragments and returns the
// message plus the sequence following it.
func (re *reassembly) assemble() ([]byte, uint32, bool) {
	var total int
	seq := re.next
	for {
		f, ok := re.fragments[seq]
		if !ok {
			return nil, 0, false
		}
		total += len(f.data)
		if f.terminal {
			break
		}
		seq++
	}

	msg := make([]byte, 0, total)
	for s := re.next; ; s++ {
		f := re.fragments[s]
		msg = append(msg, f.data...)
		delete(re.fragments, s)
		if f.terminal {
			return msg, s + 1, true
		}
	}
}

// retryLoop drives timeouts: every 10 ms, fragments older than
// timeout + retries*backoff are retransmitted; fragments out of retries
// fail their message.
func (r *Reliable) retryLoop() {
	defer close(r.done)

	ticker := time.NewTicker(retryTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.checkPending()
		}
	}
}

func (r *Reliable) checkPending() {
	now := time.Now()
	var resend []*pendingFragment
	var failed []*pendingMessage

	r.mu.Lock()
	for seq, pf := range r.pending {
		age := now.Sub(pf.sentAt)
		limit := time.Duration(r.cfg.TimeoutMs+pf.retries*r.cfg.RetryBackoffMs) * time.Millisecond
		if age <= limit {
			continue
		}
		if pf.retries >= r.cfg.MaxRetries {
			delete(r.pending, seq)
			if !pf.msg.settled {
				pf.msg.settled = true
				failed = append(failed, pf.msg)
			}
			continue
		}
		pf.retries++
		pf.sentAt = now
		resend = append(resend, pf)
	}
	r.mu.Unlock()

	for _, pf := range resend {
		r.retries.Add(1)
		if err := r.cfg.Send(pf.frame, pf.addr); err != nil {
			r.reportError(fmt.Errorf("retry send: %w", err))
		}
	}
	for _, msg := range failed {
		r.timeouts.Add(1)
		r.failures.Add(1)
		msg.fail(FailureMaxRetries)
	}
}

// takeAllPendingLocked removes every pending fragment and returns the
// distinct unsettled messages.
func (r *Reliable) takeAllPendingLocked() []*pendingMessage {
	seen := make(map[*pendingMessage]struct{})
	var msgs []*pendingMessage
	for seq, pf := range r.pending {
		delete(r.pending, seq)
		if pf.msg.settled {
			continue
		}
		if _, ok := seen[pf.msg]; ok {
			continue
		}
		seen[pf.msg] = struct{}{}
		pf.msg.settled = true
		msgs = append(msgs, pf.msg)
	}
	return msgs
}

func (m *pendingMessage) fail(reason string) {
	if m.onFailure != nil {
		m.onFailure(reason)
	}
}

func (r *Reliable) reportError(err error) {
	if r.cfg.OnError != nil {
		r.cfg.OnError(err)
	}
}

// seqBefore32 reports whether a precedes b, wraparound-aware.
func seqBefore32(a, b uint32) bool {
	return int32(b-a) > 0
}

// ReliableStats is a snapshot of the layer's counters.
type ReliableStats struct {
	ReliableSent  uint64
	ReliableAcked uint64
	FragmentsSent uint64
	Retries       uint64
	Failures      uint64
	Timeouts      uint64
	Delivered     uint64
	Pending       int
}

// Stats returns the current counters.
func (r *Reliable) Stats() ReliableStats {
	r.mu.Lock()
	pending := len(r.pending)
	r.mu.Unlock()
	return ReliableStats{
		ReliableSent:  r.messagesSent.Load(),
		ReliableAcked: r.messagesAcked.Load(),
		FragmentsSent: r.fragmentsSent.Load(),
		Retries:       r.retries.Load(),
		Failures:      r.failures.Load(),
		Timeouts:      r.timeouts.Load(),
		Delivered:     r.delivered.Load(),
		Pending:       pending,
	}
}

// fragment splits a payload into MaxFragmentSize chunks. The final chunk is
// always shorter than MaxFragmentSize so the receiver can close the message;
// a payload that is an exact multiple of the fragment size gains a trailing
// empty terminal fragment.
func fragment(payload []byte) [][]byte {
	var chunks [][]byte
	for len(payload) >= MaxFragmentSize {
		chunks = append(chunks, payload[:MaxFragmentSize])
		payload = payload[MaxFragmentSize:]
	}
	chunks = append(chunks, payload)
	return chunks
}
