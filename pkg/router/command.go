package router

import (
	"github.com/somesmallstudio/midimesh/pkg/packet"
	"github.com/somesmallstudio/midimesh/pkg/port"
	"github.com/somesmallstudio/midimesh/pkg/registry"
	"github.com/somesmallstudio/midimesh/pkg/rules"
)

// NetworkTransport is the worker's outbound seam. SendPacket unicasts to the
// packet's destination node; the implementation (mesh boundary) chooses the
// reliable or best-effort path from the packet's flags.
type NetworkTransport interface {
	SendPacket(p *packet.Packet) error
}

type commandType uint8

const (
	cmdForward commandType = iota
	cmdDirectSend
	cmdRegisterPort
	cmdUnregisterPort
	cmdQueueReceived
	cmdNetworkPacket
	cmdGetStatistics
	cmdResetStatistics
	cmdSetRouteManager
	cmdSetTransport
	cmdSetHashRegistry
	cmdSetNodeID
	cmdDrainReceived
	cmdReceivedCount
	cmdClearReceived
)

// command is the envelope carried on the worker's MPSC queue. One struct
// with a tag keeps the queue allocation-light; only the fields for the
// tagged variant are set.
type command struct {
	typ commandType

	node     registry.NodeID
	deviceID uint16
	payload  []byte
	ctx      *packet.Context

	destNode   registry.NodeID
	destDevice uint16

	port      port.Port
	manager   *rules.Manager
	transport NetworkTransport
	hashes    *registry.HashRegistry
	nodeID    registry.NodeID
	pkt       *packet.Packet

	statsReply chan Statistics
	msgsReply  chan [][]byte
	countReply chan int
}

// Statistics are the worker-owned routing counters. Snapshots are taken on
// the worker goroutine, so a snapshot is always internally consistent.
type Statistics struct {
	LocalMessagesSent       uint64
	LocalMessagesReceived   uint64
	NetworkMessagesSent     uint64
	NetworkMessagesReceived uint64
	RoutingErrors           uint64
	MessagesForwarded       uint64
	MessagesDropped         uint64
	LoopsDetected           uint64
}
