package port

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ReceiveBufferCap bounds each port's received-message buffer; on overflow
// the oldest message is evicted.
const ReceiveBufferCap = 1000

// Port is the uniform capability over MIDI endpoints: local hardware and
// remote-device proxies look the same to everything above them.
type Port interface {
	// Send delivers raw MIDI bytes to the endpoint.
	Send(msg []byte) error
	// DrainReceived returns and clears the buffered inbound messages.
	DrainReceived() [][]byte
	Name() string
	IsInput() bool
	IsOutput() bool
}

// Endpoint is the hardware seam: the platform MIDI binding delivers bytes to
// the device. Out-of-scope drivers implement it; tests fake it.
type Endpoint interface {
	Send(msg []byte) error
}

// recvBuffer is the bounded drop-oldest message store shared by both port
// kinds.
type recvBuffer struct {
	mu       sync.Mutex
	msgs     [][]byte
	overflow uint64
}

func (b *recvBuffer) push(msg []byte) {
	cp := append([]byte(nil), msg...)
	b.mu.Lock()
	if len(b.msgs) >= ReceiveBufferCap {
		b.msgs = b.msgs[1:]
		b.overflow++
	}
	b.msgs = append(b.msgs, cp)
	b.mu.Unlock()
}

func (b *recvBuffer) drain() [][]byte {
	b.mu.Lock()
	out := b.msgs
	b.msgs = nil
	b.mu.Unlock()
	return out
}

func (b *recvBuffer) overflowCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overflow
}

// LocalPort wraps a hardware MIDI endpoint. Input endpoints feed arriving
// messages in through Deliver (called from the hardware callback); output
// endpoints pass Send through to the hardware.
type LocalPort struct {
	name     string
	isInput  bool
	endpoint Endpoint

	buf      recvBuffer
	sent     atomic.Uint64
	received atomic.Uint64
}

// NewLocalInput creates a port for a hardware input endpoint.
func NewLocalInput(name string) *LocalPort {
	return &LocalPort{name: name, isInput: true}
}

// NewLocalOutput creates a port for a hardware output endpoint.
func NewLocalOutput(name string, e Endpoint) *LocalPort {
	return &LocalPort{name: name, endpoint: e}
}

// Send delivers bytes to the hardware. Input ports cannot send.
func (p *LocalPort) Send(msg []byte) error {
	if p.isInput {
		return fmt.Errorf("port %q is an input", p.name)
	}
	if p.endpoint == nil {
		return fmt.Errorf("port %q has no endpoint", p.name)
	}
	if err := p.endpoint.Send(msg); err != nil {
		return err
	}
	p.sent.Add(1)
	return nil
}

// Deliver buffers a message arriving from the hardware callback.
func (p *LocalPort) Deliver(msg []byte) {
	p.buf.push(msg)
	p.received.Add(1)
}

// DrainReceived returns and clears the buffered messages.
func (p *LocalPort) DrainReceived() [][]byte {
	return p.buf.drain()
}

func (p *LocalPort) Name() string   { return p.name }
func (p *LocalPort) IsInput() bool  { return p.isInput }
func (p *LocalPort) IsOutput() bool { return !p.isInput }

// Stats returns sent/received/overflow counters.
func (p *LocalPort) Stats() (sent, received, overflow uint64) {
	return p.sent.Load(), p.received.Load(), p.buf.overflowCount()
}

// RemoteSender carries bytes to a device on another node; the mesh boundary
// provides it backed by the reliable transport.
type RemoteSender interface {
	SendToDevice(deviceID uint16, msg []byte) error
}

// VirtualPort proxies a remote device. Send forwards through the owning
// node; Receive mirrors network arrivals into the local buffer so consumers
// see the same interface as a hardware port.
type VirtualPort struct {
	name     string
	deviceID uint16
	isInput  bool
	sender   RemoteSender

	buf      recvBuffer
	sent     atomic.Uint64
	received atomic.Uint64
}

// NewVirtual creates a proxy port for a remote device.
func NewVirtual(name string, deviceID uint16, isInput bool, sender RemoteSender) *VirtualPort {
	return &VirtualPort{name: name, deviceID: deviceID, isInput: isInput, sender: sender}
}

// Send forwards the bytes to the owning node.
func (p *VirtualPort) Send(msg []byte) error {
	if p.sender == nil {
		return fmt.Errorf("port %q has no remote sender", p.name)
	}
	if err := p.sender.SendToDevice(p.deviceID, msg); err != nil {
		return err
	}
	p.sent.Add(1)
	return nil
}

// Receive buffers a message that arrived over the network for this device.
func (p *VirtualPort) Receive(msg []byte) {
	p.buf.push(msg)
	p.received.Add(1)
}

// DrainReceived returns and clears the buffered messages.
func (p *VirtualPort) DrainReceived() [][]byte {
	return p.buf.drain()
}

func (p *VirtualPort) Name() string     { return p.name }
func (p *VirtualPort) DeviceID() uint16 { return p.deviceID }
func (p *VirtualPort) IsInput() bool    { return p.isInput }
func (p *VirtualPort) IsOutput() bool   { return !p.isInput }

// Stats returns sent/received/overflow counters.
func (p *VirtualPort) Stats() (sent, received, overflow uint64) {
	return p.sent.Load(), p.received.Load(), p.buf.overflowCount()
}
