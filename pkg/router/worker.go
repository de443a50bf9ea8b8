package router

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/somesmallstudio/midimesh/internal"
	"github.com/somesmallstudio/midimesh/pkg/midi"
	"github.com/somesmallstudio/midimesh/pkg/packet"
	"github.com/somesmallstudio/midimesh/pkg/port"
	"github.com/somesmallstudio/midimesh/pkg/registry"
	"github.com/somesmallstudio/midimesh/pkg/rules"
	"github.com/somesmallstudio/midimesh/pkg/utils"
)

const (
	// commandQueueCap bounds the MPSC queue feeding the worker.
	commandQueueCap = 4096

	// receiveQueueCap bounds each device's received-message queue;
	// drop-oldest on overflow.
	receiveQueueCap = 1000
)

// Worker is the routing actor: one goroutine owns the local-port map, the
// per-device receive queues, the statistics and the configuration
// references. Every interaction from other goroutines goes through the
// command queue; the owned state needs no locks.
type Worker struct {
	logger   internal.Logger
	cmds     chan command
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// Owned by the worker goroutine; untouched from outside.
	ports      map[uint16]port.Port
	recvQueues map[uint16][][]byte
	recvDrops  uint64
	stats      Statistics
	manager    *rules.Manager
	transport  NetworkTransport
	hashes     *registry.HashRegistry
	nodeID     registry.NodeID
}

// NewWorker creates a stopped worker; configuration arrives via Set
// commands after Start.
func NewWorker(l internal.Logger) *Worker {
	if l == nil {
		l = internal.NopLogger()
	}
	return &Worker{
		logger:     l,
		cmds:       make(chan command, commandQueueCap),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		ports:      make(map[uint16]port.Port),
		recvQueues: make(map[uint16][][]byte),
	}
}

// Start launches the worker goroutine.
func (w *Worker) Start() {
	go w.run()
}

// Stop shuts the queue down and joins the worker, waiting at most two
// seconds. Commands already queued are drained before the worker exits.
func (w *Worker) Stop() error {
	w.stopOnce.Do(func() { close(w.stop) })
	select {
	case <-w.done:
		return nil
	case <-time.After(2 * time.Second):
		return errors.New("routing worker did not stop in time")
	}
}

// submit enqueues a command; false after shutdown.
func (w *Worker) submit(c command) bool {
	select {
	case <-w.stop:
		return false
	default:
	}
	select {
	case w.cmds <- c:
		return true
	case <-w.stop:
		return false
	}
}

// Forward routes a message that originated at (srcNode, srcDevice). A nil
// ctx means the message is entering the mesh here.
func (w *Worker) Forward(srcNode registry.NodeID, srcDevice uint16, payload []byte, ctx *packet.Context) {
	w.submit(command{typ: cmdForward, node: srcNode, deviceID: srcDevice, payload: payload, ctx: ctx})
}

// DirectSend bypasses the rule store and delivers straight to the
// destination device.
func (w *Worker) DirectSend(destNode registry.NodeID, destDevice uint16, payload []byte) {
	w.submit(command{typ: cmdDirectSend, destNode: destNode, destDevice: destDevice, payload: payload})
}

// RegisterPort hands a local port to the worker; the worker owns it from
// here on.
func (w *Worker) RegisterPort(deviceID uint16, p port.Port) {
	w.submit(command{typ: cmdRegisterPort, deviceID: deviceID, port: p})
}

// UnregisterPort removes a local port.
func (w *Worker) UnregisterPort(deviceID uint16) {
	w.submit(command{typ: cmdUnregisterPort, deviceID: deviceID})
}

// QueueReceived appends an inbound message to a device's receive queue.
func (w *Worker) QueueReceived(deviceID uint16, payload []byte) {
	w.submit(command{typ: cmdQueueReceived, deviceID: deviceID, payload: payload})
}

// OnNetworkPacketReceived enqueues a packet the transport has surfaced for
// this node. Context and source-node resolution happen on the worker, where
// the hash registry reference lives.
func (w *Worker) OnNetworkPacketReceived(p *packet.Packet) {
	w.submit(command{typ: cmdNetworkPacket, pkt: p})
}

// Statistics snapshots the routing counters.
func (w *Worker) Statistics() Statistics {
	reply := make(chan Statistics, 1)
	if !w.submit(command{typ: cmdGetStatistics, statsReply: reply}) {
		return Statistics{}
	}
	select {
	case s := <-reply:
		return s
	case <-time.After(2 * time.Second):
		return Statistics{}
	}
}

// ResetStatistics zeroes the routing counters.
func (w *Worker) ResetStatistics() {
	w.submit(command{typ: cmdResetStatistics})
}

// SetRouteManager wires the rule store.
func (w *Worker) SetRouteManager(m *rules.Manager) {
	w.submit(command{typ: cmdSetRouteManager, manager: m})
}

// SetTransport wires the network transport.
func (w *Worker) SetTransport(t NetworkTransport) {
	w.submit(command{typ: cmdSetTransport, transport: t})
}

// SetHashRegistry wires the hash registry used for context deserialization.
func (w *Worker) SetHashRegistry(h *registry.HashRegistry) {
	w.submit(command{typ: cmdSetHashRegistry, hashes: h})
}

// SetNodeID sets this node's identity, stamped as the source of outbound
// packets.
func (w *Worker) SetNodeID(id registry.NodeID) {
	w.submit(command{typ: cmdSetNodeID, nodeID: id})
}

// DrainReceived returns and clears a device's receive queue. Reads go
// through the command queue like every other access to worker state.
func (w *Worker) DrainReceived(deviceID uint16) [][]byte {
	reply := make(chan [][]byte, 1)
	if !w.submit(command{typ: cmdDrainReceived, deviceID: deviceID, msgsReply: reply}) {
		return nil
	}
	select {
	case msgs := <-reply:
		return msgs
	case <-time.After(2 * time.Second):
		return nil
	}
}

// ReceivedCount reports a device's queued message count.
func (w *Worker) ReceivedCount(deviceID uint16) int {
	reply := make(chan int, 1)
	if !w.submit(command{typ: cmdReceivedCount, deviceID: deviceID, countReply: reply}) {
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-time.After(2 * time.Second):
		return 0
	}
}

// ClearReceived empties a device's receive queue.
func (w *Worker) ClearReceived(deviceID uint16) {
	w.submit(command{typ: cmdClearReceived, deviceID: deviceID})
}

// run is the actor loop: strictly FIFO command processing until shutdown,
// then a final drain of whatever is still queued.
func (w *Worker) run() {
	defer close(w.done)

	for {
		select {
		case c := <-w.cmds:
			w.dispatch(c)
		case <-w.stop:
			for {
				select {
				case c := <-w.cmds:
					w.dispatch(c)
				default:
					return
				}
			}
		}
	}
}

func (w *Worker) dispatch(c command) {
	switch c.typ {
	case cmdForward:
		w.handleForward(c.node, c.deviceID, c.payload, c.ctx)
	case cmdDirectSend:
		w.handleDirectSend(c.destNode, c.destDevice, c.payload)
	case cmdRegisterPort:
		w.ports[c.deviceID] = c.port
	case cmdUnregisterPort:
		delete(w.ports, c.deviceID)
	case cmdQueueReceived:
		w.handleQueueReceived(c.deviceID, c.payload)
	case cmdNetworkPacket:
		w.handleNetworkPacket(c.pkt)
	case cmdGetStatistics:
		c.statsReply <- w.stats
	case cmdResetStatistics:
		w.stats = Statistics{}
	case cmdSetRouteManager:
		w.manager = c.manager
	case cmdSetTransport:
		w.transport = c.transport
	case cmdSetHashRegistry:
		w.hashes = c.hashes
	case cmdSetNodeID:
		w.nodeID = c.nodeID
	case cmdDrainReceived:
		c.msgsReply <- w.recvQueues[c.deviceID]
		delete(w.recvQueues, c.deviceID)
	case cmdReceivedCount:
		c.countReply <- len(w.recvQueues[c.deviceID])
	case cmdClearReceived:
		delete(w.recvQueues, c.deviceID)
	}
}

// nodeHash folds a node id for context comparison, mapping the local-node
// sentinel onto this node's real identity so visited sets survive the trip
// to other nodes.
func (w *Worker) nodeHash(node registry.NodeID) uint32 {
	if node == uuid.Nil {
		node = w.nodeID
	}
	return packet.NodeHash(node)
}

// handleForward is the hot path: loop prevention, rule lookup, filter
// matching and destination dispatch.
func (w *Worker) handleForward(srcNode registry.NodeID, srcDevice uint16, payload []byte, ctx *packet.Context) {
	if ctx == nil {
		ctx = &packet.Context{}
		w.stats.LocalMessagesReceived++
	}

	srcHash := w.nodeHash(srcNode)
	if ctx.HopCount >= packet.MaxHops {
		w.stats.LoopsDetected++
		w.logger.Warnf("hop limit reached for message from %s/%d", srcNode, srcDevice)
		return
	}
	if ctx.Contains(srcHash, srcDevice) {
		w.stats.LoopsDetected++
		w.logger.Warnf("routing loop detected at %s/%d", srcNode, srcDevice)
		return
	}
	ctx.Add(srcHash, srcDevice)
	ctx.HopCount++

	if w.manager == nil {
		return
	}

	w.logger.Debugf("forward %s from %s/%d hop=%d", utils.FormatMIDI(payload), srcNode, srcDevice, ctx.HopCount)

	channel := midi.Channel(payload)
	var msgType midi.MessageType
	if len(payload) > 0 {
		msgType = midi.TypeOf(payload[0])
	}

	for _, rule := range w.manager.Destinations(srcNode, srcDevice) {
		if !rule.Matches(channel, msgType) {
			w.manager.UpdateStatistics(rule.RuleID, false)
			w.stats.MessagesDropped++
			continue
		}
		if w.deliver(rule.Destination.NodeID, rule.Destination.DeviceID, payload, ctx) {
			w.manager.UpdateStatistics(rule.RuleID, true)
			w.stats.MessagesForwarded++
		}
	}
}

// handleDirectSend is rule-bypass delivery with a fresh context.
func (w *Worker) handleDirectSend(destNode registry.NodeID, destDevice uint16, payload []byte) {
	ctx := &packet.Context{HopCount: 1}
	if w.deliver(destNode, destDevice, payload, ctx) {
		w.stats.MessagesForwarded++
	}
}

// deliver dispatches to a local port or out to the network. It reports
// success; failures are counted as routing errors.
func (w *Worker) deliver(destNode registry.NodeID, destDevice uint16, payload []byte, ctx *packet.Context) bool {
	if destNode == uuid.Nil {
		p, ok := w.ports[destDevice]
		if !ok {
			w.stats.RoutingErrors++
			w.logger.Errorf("no local port for device %d", destDevice)
			return false
		}
		if err := p.Send(payload); err != nil {
			w.stats.RoutingErrors++
			w.logger.Errorf("local send to device %d: %v", destDevice, err)
			return false
		}
		w.stats.LocalMessagesSent++
		return true
	}

	if w.transport == nil {
		w.stats.RoutingErrors++
		w.logger.Errorf("no transport configured for remote device %s/%d", destNode, destDevice)
		return false
	}

	pkt := packet.NewDataPacket(w.nodeID, destNode, destDevice, payload, 0)
	pkt.SetContext(ctx.Clone())
	if err := w.transport.SendPacket(pkt); err != nil {
		w.stats.RoutingErrors++
		w.logger.Errorf("network send to %s/%d: %v", destNode, destDevice, err)
		return false
	}
	w.stats.NetworkMessagesSent++
	return true
}

func (w *Worker) handleQueueReceived(deviceID uint16, payload []byte) {
	q := w.recvQueues[deviceID]
	if len(q) >= receiveQueueCap {
		q = q[1:]
		w.recvDrops++
		w.logger.Debugf("receive queue overflow on device %d", deviceID)
	}
	w.recvQueues[deviceID] = append(q, payload)
	w.stats.NetworkMessagesReceived++

	// A registered output port consumes the message immediately; the queue
	// still keeps a copy for drain-based consumers.
	if p, ok := w.ports[deviceID]; ok && p.IsOutput() {
		if err := p.Send(payload); err != nil {
			w.stats.RoutingErrors++
			w.logger.Errorf("inbound delivery to device %d: %v", deviceID, err)
		} else {
			w.stats.LocalMessagesSent++
		}
	}
}

// handleNetworkPacket turns an inbound wire packet into a Forward, resolving
// the packet's source hash to a node id through the hash registry. A source
// hash the registry cannot resolve is routed as uuid.Nil rather than
// dropped. The embedded context already carries hashes and is cloned as-is.
func (w *Worker) handleNetworkPacket(p *packet.Packet) {
	srcNode := uuid.Nil
	if w.hashes != nil {
		if node, ok := w.hashes.Lookup(p.SourceHash); ok {
			srcNode = node
		} else {
			w.logger.Warnf("unknown source hash 0x%08X; routing without source identity", p.SourceHash)
		}
	}

	// A packet without a usable context still forwards, just with a fresh
	// one; passing non-nil keeps it from being counted as a local origin.
	ctx := &packet.Context{}
	if p.HasContext() && p.Context != nil {
		ctx = p.Context.Clone()
	}

	w.handleForward(srcNode, p.DeviceID, p.Payload, ctx)
}
