package registry

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// DeviceRegistry is the thread-safe catalog of MIDI devices in the mesh,
// keyed by (owner node, device id). Local devices carry owner uuid.Nil.
// Remote devices arrive via the mesh boundary when a peer announces them and
// are purged in bulk when the peer disconnects.
type DeviceRegistry struct {
	mu      sync.Mutex
	devices map[DeviceKey]Device
}

// NewDeviceRegistry creates an empty registry.
func NewDeviceRegistry() *DeviceRegistry {
	return &DeviceRegistry{
		devices: make(map[DeviceKey]Device),
	}
}

// AddLocal registers a device attached to this node.
func (r *DeviceRegistry) AddLocal(deviceID uint16, name string, typ DeviceType, manufacturer string) Device {
	dev := Device{
		Key:          DeviceKey{Node: uuid.Nil, DeviceID: deviceID},
		Name:         name,
		Type:         typ,
		Manufacturer: manufacturer,
	}
	r.mu.Lock()
	r.devices[dev.Key] = dev
	r.mu.Unlock()
	return dev
}

// AddRemote registers a device announced by a peer node.
func (r *DeviceRegistry) AddRemote(owner NodeID, deviceID uint16, name string, typ DeviceType, manufacturer string) Device {
	dev := Device{
		Key:          DeviceKey{Node: owner, DeviceID: deviceID},
		Name:         name,
		Type:         typ,
		Manufacturer: manufacturer,
	}
	r.mu.Lock()
	r.devices[dev.Key] = dev
	r.mu.Unlock()
	return dev
}

// Remove deletes a device. It returns whether the device existed.
func (r *DeviceRegistry) Remove(key DeviceKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.devices[key]
	delete(r.devices, key)
	return ok
}

// RemoveAllForOwner purges every device owned by the node in one pass,
// returning how many were removed. Used on peer disconnect.
func (r *DeviceRegistry) RemoveAllForOwner(owner NodeID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key := range r.devices {
		if key.Node == owner {
			delete(r.devices, key)
			n++
		}
	}
	return n
}

// Lookup returns the device record for a key.
func (r *DeviceRegistry) Lookup(key DeviceKey) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[key]
	return dev, ok
}

// List returns all devices sorted by key for stable output.
func (r *DeviceRegistry) List() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collect(func(DeviceKey) bool { return true })
}

// ListLocal returns devices owned by the local node.
func (r *DeviceRegistry) ListLocal() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collect(func(k DeviceKey) bool { return k.IsLocal() })
}

// ListRemote returns devices owned by any peer.
func (r *DeviceRegistry) ListRemote() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collect(func(k DeviceKey) bool { return !k.IsLocal() })
}

// ListForOwner returns devices owned by one node.
func (r *DeviceRegistry) ListForOwner(owner NodeID) []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collect(func(k DeviceKey) bool { return k.Node == owner })
}

// Count returns the number of registered devices.
func (r *DeviceRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

// CountLocal returns the number of local devices.
func (r *DeviceRegistry) CountLocal() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key := range r.devices {
		if key.IsLocal() {
			n++
		}
	}
	return n
}

// CountRemote returns the number of remote devices.
func (r *DeviceRegistry) CountRemote() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key := range r.devices {
		if !key.IsLocal() {
			n++
		}
	}
	return n
}

// IDAvailable reports whether a device id is unused for the given owner.
func (r *DeviceRegistry) IDAvailable(owner NodeID, deviceID uint16) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, taken := r.devices[DeviceKey{Node: owner, DeviceID: deviceID}]
	return !taken
}

// collect must be called with the lock held.
func (r *DeviceRegistry) collect(match func(DeviceKey) bool) []Device {
	out := make([]Device, 0, len(r.devices))
	for key, dev := range r.devices {
		if match(key) {
			out = append(out, dev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Node != out[j].Key.Node {
			return out[i].Key.Node.String() < out[j].Key.Node.String()
		}
		return out[i].Key.DeviceID < out[j].Key.DeviceID
	})
	return out
}
