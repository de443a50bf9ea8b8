package mesh

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/somesmallstudio/midimesh/internal"
	"github.com/somesmallstudio/midimesh/pkg/midi"
	"github.com/somesmallstudio/midimesh/pkg/packet"
	"github.com/somesmallstudio/midimesh/pkg/port"
	"github.com/somesmallstudio/midimesh/pkg/registry"
	"github.com/somesmallstudio/midimesh/pkg/ringbuf"
	"github.com/somesmallstudio/midimesh/pkg/router"
	"github.com/somesmallstudio/midimesh/pkg/rules"
	"github.com/somesmallstudio/midimesh/pkg/transport"
)

// Config configures a mesh node.
type Config struct {
	// NodeID is this node's stable identity; generated when zero.
	NodeID registry.NodeID
	// RealtimePort is the UDP port to bind; 0 lets the OS pick.
	RealtimePort int
	// RulesFile, when set, is loaded at Start and watched for changes.
	RulesFile string
	// InOrderDelivery runs inbound data packets through per-peer reorder
	// buffers before routing.
	InOrderDelivery bool

	Logger internal.Logger
}

// ringTarget is the lock-free routing hint for the real-time fast path: the
// destination a local input device's messages stream to. The UDP worker
// reads the whole map through an atomic pointer; mutations swap the map.
type ringTarget struct {
	node registry.NodeID
	addr *net.UDPAddr
}

// Node is the mesh boundary: it owns the registries, the rule store, the
// routing worker and both transports, and exposes the write-through surface
// that discovery/handshake and the management layer drive.
type Node struct {
	cfg    Config
	logger internal.Logger
	id     registry.NodeID

	devices *registry.DeviceRegistry
	routes  *registry.RoutingTable
	hashes  *registry.HashRegistry
	rules   *rules.Manager
	worker  *router.Worker

	ring     *ringbuf.Buffer
	realtime *transport.Realtime
	reliable *transport.Reliable

	targets atomic.Pointer[map[uint16]ringTarget]

	mu       sync.Mutex
	peers    map[registry.NodeID]*net.UDPAddr
	reorder  map[uint32]*transport.ReorderBuffer
	watcher  func()
	started  bool
}

// NewNode assembles a node. The worker is built before the transports, and
// the transports receive their callbacks at construction; the callbacks are
// Node methods, so neither a transport nor the worker holds the other. Start
// sets the Node as the worker's NetworkTransport.
func NewNode(cfg Config) (*Node, error) {
	if cfg.Logger == nil {
		cfg.Logger = internal.NopLogger()
	}
	if cfg.NodeID == uuid.Nil {
		cfg.NodeID = uuid.New()
	}

	ring, err := ringbuf.New(ringbuf.DefaultCapacity)
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:     cfg,
		logger:  cfg.Logger,
		id:      cfg.NodeID,
		devices: registry.NewDeviceRegistry(),
		routes:  registry.NewRoutingTable(),
		hashes:  registry.NewHashRegistry(cfg.Logger),
		ring:    ring,
		peers:   make(map[registry.NodeID]*net.UDPAddr),
		reorder: make(map[uint32]*transport.ReorderBuffer),
	}
	empty := make(map[uint16]ringTarget)
	n.targets.Store(&empty)

	n.rules = rules.NewManager(n.devices, cfg.Logger)
	n.worker = router.NewWorker(cfg.Logger)

	n.realtime = transport.NewRealtime(transport.RealtimeConfig{
		Port:      cfg.RealtimePort,
		Ring:      ring,
		Resolve:   n.resolveRingEntry,
		OnReceive: n.onDataPacket,
		OnRaw:     n.onRawFrame,
		OnError:   func(err error) { n.logger.Warnf("realtime transport: %v", err) },
		Logger:    cfg.Logger,
	})
	n.reliable = transport.NewReliable(transport.ReliableConfig{
		Send:      n.realtime.SendRaw,
		OnMessage: n.onReliableMessage,
		OnError:   func(err error) { n.logger.Warnf("reliable transport: %v", err) },
		Logger:    cfg.Logger,
	})

	// The node itself is stable for the registries: the local hash must
	// resolve for contexts we originate.
	n.hashes.Register(n.id)

	return n, nil
}

// ID returns the node's identity.
func (n *Node) ID() registry.NodeID { return n.id }

// Start brings up the transports and worker and completes the wiring.
func (n *Node) Start() error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return errors.New("node already started")
	}
	n.started = true
	n.mu.Unlock()

	if err := n.realtime.Start(); err != nil {
		return err
	}
	n.reliable.Start()
	n.worker.Start()

	n.worker.SetNodeID(n.id)
	n.worker.SetRouteManager(n.rules)
	n.worker.SetHashRegistry(n.hashes)
	n.worker.SetTransport(n)

	if n.cfg.RulesFile != "" {
		if err := n.rules.LoadFromFile(n.cfg.RulesFile); err != nil {
			n.logger.Warnf("rules file: %v", err)
		}
		stop, err := n.rules.Watch(n.cfg.RulesFile)
		if err != nil {
			n.logger.Warnf("rules watch: %v", err)
		} else {
			n.mu.Lock()
			n.watcher = stop
			n.mu.Unlock()
		}
	}

	n.logger.Infof("node %s up on %s", n.id, n.realtime.LocalAddr())
	return nil
}

// Stop tears the node down: worker first so queued routing drains, then the
// transports.
func (n *Node) Stop() error {
	var firstErr error
	if err := n.worker.Stop(); err != nil {
		firstErr = err
	}
	if err := n.reliable.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := n.realtime.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}

	n.mu.Lock()
	if n.watcher != nil {
		n.watcher()
		n.watcher = nil
	}
	for _, rb := range n.reorder {
		rb.Stop()
	}
	n.reorder = make(map[uint32]*transport.ReorderBuffer)
	n.mu.Unlock()
	return firstErr
}

// Addr returns the bound UDP address.
func (n *Node) Addr() *net.UDPAddr { return n.realtime.LocalAddr() }

// --- registry write-through (driven by discovery/handshake) ---

// AnnounceLocalDevice registers a locally attached device in both stores.
func (n *Node) AnnounceLocalDevice(deviceID uint16, name string, typ registry.DeviceType, manufacturer string) {
	n.devices.AddLocal(deviceID, name, typ, manufacturer)
	n.routes.AddLocal(deviceID, name, typ)
}

// WithdrawLocalDevice removes a local device from both stores.
func (n *Node) WithdrawLocalDevice(deviceID uint16) {
	key := registry.DeviceKey{DeviceID: deviceID}
	n.devices.Remove(key)
	n.routes.Remove(key)
}

// Announcement is one device in a peer's announcement.
type Announcement struct {
	DeviceID     uint16
	Name         string
	Type         registry.DeviceType
	Manufacturer string
}

// ConnectPeer records a peer's address and identity and registers its
// announced devices, replacing any earlier announcement. The routing table
// swaps the peer's routes atomically; the device registry is purged and then
// refilled device by device.
func (n *Node) ConnectPeer(peer registry.NodeID, addr *net.UDPAddr, announced []Announcement) {
	n.hashes.Register(peer)

	n.mu.Lock()
	n.peers[peer] = addr
	n.mu.Unlock()

	n.devices.RemoveAllForOwner(peer)
	routes := make([]registry.Route, 0, len(announced))
	for _, a := range announced {
		n.devices.AddRemote(peer, a.DeviceID, a.Name, a.Type, a.Manufacturer)
		routes = append(routes, registry.Route{
			Key:  registry.DeviceKey{Node: peer, DeviceID: a.DeviceID},
			Name: a.Name,
			Type: a.Type,
		})
	}
	n.routes.ReplaceAllForOwner(peer, routes)

	n.logger.Infof("peer %s connected from %s with %d devices", peer, addr, len(announced))
}

// DisconnectPeer purges everything owned by the peer.
func (n *Node) DisconnectPeer(peer registry.NodeID) {
	n.devices.RemoveAllForOwner(peer)
	n.routes.RemoveAllForOwner(peer)
	n.hashes.Unregister(peer)

	n.mu.Lock()
	delete(n.peers, peer)
	n.mu.Unlock()

	// Drop fast-path targets pointing at the vanished peer.
	for {
		cur := n.targets.Load()
		next := make(map[uint16]ringTarget, len(*cur))
		for dev, tgt := range *cur {
			if tgt.node != peer {
				next[dev] = tgt
			}
		}
		if n.targets.CompareAndSwap(cur, &next) {
			break
		}
	}

	n.logger.Infof("peer %s disconnected; devices purged", peer)
}

// --- real-time fast path ---

// SetRealtimeTarget streams a local input device's real-time messages
// straight from the ring buffer to one destination node, bypassing rule
// evaluation on this side; the receiving node routes them.
func (n *Node) SetRealtimeTarget(deviceID uint16, dest registry.NodeID) error {
	n.mu.Lock()
	addr, ok := n.peers[dest]
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown peer %s", dest)
	}

	for {
		cur := n.targets.Load()
		next := make(map[uint16]ringTarget, len(*cur)+1)
		for dev, tgt := range *cur {
			next[dev] = tgt
		}
		next[deviceID] = ringTarget{node: dest, addr: addr}
		if n.targets.CompareAndSwap(cur, &next) {
			return nil
		}
	}
}

// ClearRealtimeTarget removes a device's fast-path destination.
func (n *Node) ClearRealtimeTarget(deviceID uint16) {
	for {
		cur := n.targets.Load()
		next := make(map[uint16]ringTarget, len(*cur))
		for dev, tgt := range *cur {
			if dev != deviceID {
				next[dev] = tgt
			}
		}
		if n.targets.CompareAndSwap(cur, &next) {
			return
		}
	}
}

// resolveRingEntry runs on the UDP transport thread: a single atomic load
// and map read, no locks.
func (n *Node) resolveRingEntry(e ringbuf.Entry) (*packet.Packet, *net.UDPAddr, bool) {
	targets := n.targets.Load()
	tgt, ok := (*targets)[e.DeviceID]
	if !ok {
		return nil, nil, false
	}
	payload := append([]byte(nil), e.Bytes()...)
	return packet.NewDataPacket(n.id, tgt.node, e.DeviceID, payload, 0), tgt.addr, true
}

// Send injects a MIDI message from a local device into the mesh. Real-time
// class messages with a fast-path target ride the ring buffer; everything
// else goes through the routing worker.
func (n *Node) Send(deviceID uint16, msg []byte) {
	if midi.Classify(msg) == midi.ClassRealTime && len(msg) <= ringbuf.MaxPayload {
		targets := n.targets.Load()
		if _, ok := (*targets)[deviceID]; ok {
			var e ringbuf.Entry
			copy(e.Data[:], msg)
			e.Len = uint8(len(msg))
			e.DeviceID = deviceID
			n.ring.Write(e)
			return
		}
	}
	n.worker.Forward(uuid.Nil, deviceID, msg, nil)
}

// --- inbound paths ---

// onDataPacket handles validated data frames from the realtime socket.
func (n *Node) onDataPacket(p *packet.Packet, _ *net.UDPAddr) {
	if !n.cfg.InOrderDelivery {
		n.routeInbound(p)
		return
	}

	n.mu.Lock()
	rb, ok := n.reorder[p.SourceHash]
	if !ok {
		rb = transport.NewReorderBuffer(transport.ReorderConfig{
			OnDeliver: n.routeInbound,
			Logger:    n.logger,
		})
		rb.Start()
		n.reorder[p.SourceHash] = rb
	}
	n.mu.Unlock()

	rb.Push(p)
}

// routeInbound hands a received packet to the routing worker. Packets
// addressed to this node are queued for the destination device (which also
// drives a registered local output port); rule evaluation runs either way
// so chained forwarding rules can relay the stream onward.
func (n *Node) routeInbound(p *packet.Packet) {
	if p.DestHash == packet.NodeHash(n.id) {
		n.worker.QueueReceived(p.DeviceID, p.Payload)
	}
	n.worker.OnNetworkPacketReceived(p)
}

// onRawFrame feeds non-data datagrams to the reliable layer.
func (n *Node) onRawFrame(data []byte, from *net.UDPAddr) bool {
	return n.reliable.HandleFrame(data, from)
}

// onReliableMessage unwraps a reassembled message: the reliable path carries
// whole wire packets as its payload.
func (n *Node) onReliableMessage(msg []byte, from *net.UDPAddr) {
	p, err := packet.Decode(msg)
	if err != nil {
		n.logger.Warnf("reliable payload from %s is not a packet: %v", from, err)
		return
	}
	n.routeInbound(p)
}

// --- router.NetworkTransport ---

// SendPacket unicasts a packet to its destination node, choosing the
// reliable path when the packet demands it.
func (n *Node) SendPacket(p *packet.Packet) error {
	dest, ok := n.hashes.Lookup(p.DestHash)
	if !ok {
		return fmt.Errorf("no node known for hash 0x%08X", p.DestHash)
	}
	n.mu.Lock()
	addr, ok := n.peers[dest]
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("no address for peer %s", dest)
	}

	if p.IsReliable() {
		return n.reliable.SendReliable(p.Marshal(), addr, nil, func(reason string) {
			n.logger.Warnf("reliable send to %s failed: %s", dest, reason)
		})
	}
	return n.realtime.SendPacket(p, addr)
}

// --- remote-device proxies ---

// remoteSender backs virtual ports: bytes go to the owning node as reliable
// packets.
type remoteSender struct {
	node  *Node
	owner registry.NodeID
}

func (s *remoteSender) SendToDevice(deviceID uint16, msg []byte) error {
	p := packet.NewDataPacket(s.node.id, s.owner, deviceID, msg, 0)
	p.Flags |= packet.FlagReliable
	return s.node.SendPacket(p)
}

// NewVirtualPort creates a proxy port for a device owned by a peer.
func (n *Node) NewVirtualPort(owner registry.NodeID, deviceID uint16, name string, isInput bool) *port.VirtualPort {
	return port.NewVirtual(name, deviceID, isInput, &remoteSender{node: n, owner: owner})
}

// --- management surface ---

// Rules exposes the rule store for CRUD, validation and persistence.
func (n *Node) Rules() *rules.Manager { return n.rules }

// Devices exposes the device registry.
func (n *Node) Devices() *registry.DeviceRegistry { return n.devices }

// RoutingTable exposes the routing table.
func (n *Node) RoutingTable() *registry.RoutingTable { return n.routes }

// HashRegistry exposes the hash registry.
func (n *Node) HashRegistry() *registry.HashRegistry { return n.hashes }

// Router exposes the routing worker for command submission.
func (n *Node) Router() *router.Worker { return n.worker }

// Statistics is the node-wide snapshot.
type Statistics struct {
	Router   router.Statistics
	Realtime transport.RealtimeStats
	Reliable transport.ReliableStats
	Ring     ringbuf.Stats
	Rules    rules.ManagerStatistics
}

// Statistics snapshots every component's counters.
func (n *Node) Statistics() Statistics {
	return Statistics{
		Router:   n.worker.Statistics(),
		Realtime: n.realtime.Stats(),
		Reliable: n.reliable.Stats(),
		Ring:     n.ring.Stats(),
		Rules:    n.rules.Statistics(),
	}
}
