package registry

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// RoutingTable answers the routing decision "is this device local, and if
// not, which node owns it". It is maintained in lock-step with the device
// registry by the mesh boundary but kept separate: the registry is display
// metadata, the table is the dispatch decision.
type RoutingTable struct {
	mu     sync.Mutex
	routes map[DeviceKey]Route
}

// NewRoutingTable creates an empty table.
func NewRoutingTable() *RoutingTable {
	return &RoutingTable{
		routes: make(map[DeviceKey]Route),
	}
}

// AddLocal records a route to a device on this node.
func (t *RoutingTable) AddLocal(deviceID uint16, name string, typ DeviceType) Route {
	rt := Route{
		Key:  DeviceKey{Node: uuid.Nil, DeviceID: deviceID},
		Name: name,
		Type: typ,
	}
	t.mu.Lock()
	t.routes[rt.Key] = rt
	t.mu.Unlock()
	return rt
}

// AddRemote records a route to a device owned by a peer.
func (t *RoutingTable) AddRemote(owner NodeID, deviceID uint16, name string, typ DeviceType) Route {
	rt := Route{
		Key:  DeviceKey{Node: owner, DeviceID: deviceID},
		Name: name,
		Type: typ,
	}
	t.mu.Lock()
	t.routes[rt.Key] = rt
	t.mu.Unlock()
	return rt
}

// Remove deletes a route, reporting whether it existed.
func (t *RoutingTable) Remove(key DeviceKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.routes[key]
	delete(t.routes, key)
	return ok
}

// RemoveAllForOwner purges every route owned by the node in one pass.
func (t *RoutingTable) RemoveAllForOwner(owner NodeID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for key := range t.routes {
		if key.Node == owner {
			delete(t.routes, key)
			n++
		}
	}
	return n
}

// ReplaceAllForOwner atomically swaps every route owned by the node for the
// given list. Keeps the table consistent during peer reconnects, where the
// peer re-announces its full device set.
func (t *RoutingTable) ReplaceAllForOwner(owner NodeID, routes []Route) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.routes {
		if key.Node == owner {
			delete(t.routes, key)
		}
	}
	for _, rt := range routes {
		rt.Key.Node = owner
		t.routes[rt.Key] = rt
	}
}

// Lookup returns the route for a key.
func (t *RoutingTable) Lookup(key DeviceKey) (Route, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rt, ok := t.routes[key]
	return rt, ok
}

// Owner returns the owning node of the device at key, if the table holds it.
func (t *RoutingTable) Owner(key DeviceKey) (NodeID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rt, ok := t.routes[key]; ok {
		return rt.Key.Node, true
	}
	return uuid.Nil, false
}

// List returns all routes sorted by key.
func (t *RoutingTable) List() []Route {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.collect(func(DeviceKey) bool { return true })
}

// ListLocal returns routes to local devices.
func (t *RoutingTable) ListLocal() []Route {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.collect(func(k DeviceKey) bool { return k.IsLocal() })
}

// ListRemote returns routes to peer-owned devices.
func (t *RoutingTable) ListRemote() []Route {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.collect(func(k DeviceKey) bool { return !k.IsLocal() })
}

// ListForOwner returns routes owned by one node.
func (t *RoutingTable) ListForOwner(owner NodeID) []Route {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.collect(func(k DeviceKey) bool { return k.Node == owner })
}

// Count returns the number of routes.
func (t *RoutingTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.routes)
}

// IDAvailable reports whether a device id is unused for the given owner.
func (t *RoutingTable) IDAvailable(owner NodeID, deviceID uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, taken := t.routes[DeviceKey{Node: owner, DeviceID: deviceID}]
	return !taken
}

// collect must be called with the lock held.
func (t *RoutingTable) collect(match func(DeviceKey) bool) []Route {
	out := make([]Route, 0, len(t.routes))
	for key, rt := range t.routes {
		if match(key) {
			out = append(out, rt)
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
