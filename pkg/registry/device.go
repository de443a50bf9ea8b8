package registry

import (
	"fmt"

	"github.com/google/uuid"
)

// NodeID identifies a node in the mesh. uuid.Nil denotes the local node
// inside the registries.
type NodeID = uuid.UUID

// DeviceKey is the globally unique identifier of a MIDI endpoint: the owning
// node plus the node-local device id. Two nodes may both use device id 0
// without collision.
type DeviceKey struct {
	Node     NodeID
	DeviceID uint16
}

// String returns the canonical "nodeId/deviceId" form.
func (k DeviceKey) String() string {
	if k.Node == uuid.Nil {
		return fmt.Sprintf("local/%d", k.DeviceID)
	}
	return fmt.Sprintf("%s/%d", k.Node, k.DeviceID)
}

// IsLocal reports whether the key refers to a device on the local node.
func (k DeviceKey) IsLocal() bool {
	return k.Node == uuid.Nil
}

// DeviceType distinguishes inputs from outputs.
type DeviceType uint8

const (
	DeviceInput DeviceType = iota
	DeviceOutput
)

// String returns the type name.
func (t DeviceType) String() string {
	switch t {
	case DeviceInput:
		return "input"
	case DeviceOutput:
		return "output"
	default:
		return fmt.Sprintf("DeviceType(%d)", uint8(t))
	}
}

// Device is a catalog record for a MIDI endpoint, local or remote.
type Device struct {
	Key          DeviceKey
	Name         string
	Type         DeviceType
	Manufacturer string
}

// Route is the routing-table record for a device: enough to decide where a
// message addressed to the device must go.
type Route struct {
	Key  DeviceKey
	Name string
	Type DeviceType
}
