package registry

import (
	"sync"

	"github.com/somesmallstudio/midimesh/internal"
	"github.com/somesmallstudio/midimesh/pkg/packet"
)

// HashRegistry maps the 32-bit node hashes carried on the wire back to full
// node identifiers, so forwarding contexts can be deserialized. On a hash
// collision the first registration wins; the hash is marked so callers can
// surface the ambiguity instead of resolving it silently.
type HashRegistry struct {
	mu         sync.Mutex
	byHash     map[uint32]NodeID
	byNode     map[NodeID]uint32
	collisions map[uint32]struct{}
	logger     internal.Logger
}

// NewHashRegistry creates an empty registry.
func NewHashRegistry(l internal.Logger) *HashRegistry {
	if l == nil {
		l = internal.NopLogger()
	}
	return &HashRegistry{
		byHash:     make(map[uint32]NodeID),
		byNode:     make(map[NodeID]uint32),
		collisions: make(map[uint32]struct{}),
		logger:     l,
	}
}

// Register records a node's hash mapping. Re-registering the same node is
// idempotent. Registering a different node with the same hash keeps the
// first mapping and marks the hash as collided.
func (r *HashRegistry) Register(node NodeID) uint32 {
	h := packet.NodeHash(node)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byHash[h]; ok {
		if existing != node {
			r.collisions[h] = struct{}{}
			r.logger.Warnf("node hash collision on 0x%08X: %s kept, %s rejected", h, existing, node)
		}
		return h
	}
	r.byHash[h] = node
	r.byNode[node] = h
	return h
}

// Unregister removes a node's mapping if it is the one currently held.
func (r *HashRegistry) Unregister(node NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.byNode[node]
	if !ok {
		return
	}
	delete(r.byNode, node)
	if r.byHash[h] == node {
		delete(r.byHash, h)
	}
}

// Lookup resolves a wire hash to the full node identifier.
func (r *HashRegistry) Lookup(hash uint32) (NodeID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.byHash[hash]
	return node, ok
}

// HasCollision reports whether more than one node has hashed to the value.
func (r *HashRegistry) HasCollision(hash uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.collisions[hash]
	return ok
}

// All returns a snapshot of the current mappings.
func (r *HashRegistry) All() map[uint32]NodeID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uint32]NodeID, len(r.byHash))
	for h, n := range r.byHash {
		out[h] = n
	}
	return out
}

// Clear drops all mappings and collision marks.
func (r *HashRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byHash = make(map[uint32]NodeID)
	r.byNode = make(map[NodeID]uint32)
	r.collisions = make(map[uint32]struct{})
}
