package rules

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/somesmallstudio/midimesh/internal"
	"github.com/somesmallstudio/midimesh/pkg/registry"
)

// Manager holds the forwarding rules and serves the routing worker's hot
// path: Destinations returns the enabled rules for a source device already
// sorted by descending priority, from an index rebuilt on every mutation.
type Manager struct {
	mu      sync.Mutex
	devices *registry.DeviceRegistry
	logger  internal.Logger

	rules     map[string]*Rule
	order     map[string]int // insertion sequence, breaks priority ties
	nextOrder int
	index     map[registry.DeviceKey][]*Rule
}

// NewManager creates a Manager. The device registry is used to resolve rule
// endpoints during validation; it may be nil, in which case endpoint
// existence is not checked.
func NewManager(devices *registry.DeviceRegistry, l internal.Logger) *Manager {
	if l == nil {
		l = internal.NopLogger()
	}
	return &Manager{
		devices: devices,
		logger:  l,
		rules:   make(map[string]*Rule),
		order:   make(map[string]int),
		index:   make(map[registry.DeviceKey][]*Rule),
	}
}

// Add validates and stores a rule. An empty RuleID is generated. The stored
// rule is a copy; the caller's struct is not retained.
func (m *Manager) Add(r Rule) (string, error) {
	r.normalize()
	if r.RuleID == "" {
		r.RuleID = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.rules[r.RuleID]; exists {
		return "", ErrRuleExists
	}
	if err := m.validateLocked(&r); err != nil {
		return "", err
	}

	stored := r
	m.rules[r.RuleID] = &stored
	m.order[r.RuleID] = m.nextOrder
	m.nextOrder++
	m.rebuildIndexLocked()

	m.logger.Debugf("rule %s added: %s -> %s prio=%d", r.RuleID, r.Source.Key(), r.Destination.Key(), r.Priority)
	return r.RuleID, nil
}

// Remove deletes a rule, reporting whether it existed.
func (m *Manager) Remove(ruleID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rules[ruleID]; !ok {
		return false
	}
	delete(m.rules, ruleID)
	delete(m.order, ruleID)
	m.rebuildIndexLocked()
	return true
}

// Update replaces a rule in place, preserving the previous version's
// statistics and insertion order.
func (m *Manager) Update(ruleID string, r Rule) error {
	r.normalize()
	r.RuleID = ruleID

	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.rules[ruleID]
	if !ok {
		return ErrRuleNotFound
	}
	if err := m.validateLocked(&r); err != nil {
		return err
	}

	r.Statistics = prev.Statistics
	stored := r
	m.rules[ruleID] = &stored
	m.rebuildIndexLocked()
	return nil
}

// Get returns a copy of a rule.
func (m *Manager) Get(ruleID string) (Rule, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[ruleID]
	if !ok {
		return Rule{}, false
	}
	return *r, true
}

// All returns copies of every rule, priority-sorted.
func (m *Manager) All() []Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collectLocked(func(*Rule) bool { return true })
}

// Enabled returns copies of the enabled rules.
func (m *Manager) Enabled() []Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collectLocked(func(r *Rule) bool { return r.Enabled })
}

// Disabled returns copies of the disabled rules.
func (m *Manager) Disabled() []Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collectLocked(func(r *Rule) bool { return !r.Enabled })
}

// SourceRules returns every rule (enabled or not) whose source is the key.
func (m *Manager) SourceRules(key registry.DeviceKey) []Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collectLocked(func(r *Rule) bool { return r.Source.Key() == key })
}

// DestinationRules returns every rule whose destination is the key.
func (m *Manager) DestinationRules(key registry.DeviceKey) []Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collectLocked(func(r *Rule) bool { return r.Destination.Key() == key })
}

// Destinations is the routing worker's hot path: the enabled rules for a
// source device, sorted by descending priority with insertion-order ties,
// served from the precomputed index.
func (m *Manager) Destinations(node registry.NodeID, deviceID uint16) []Rule {
	key := registry.DeviceKey{Node: node, DeviceID: deviceID}

	m.mu.Lock()
	defer m.mu.Unlock()

	indexed := m.index[key]
	out := make([]Rule, len(indexed))
	for i, r := range indexed {
		out[i] = *r
	}
	return out
}

// Validate is the pure check used by Add and Update, exposed for the
// management surface to pre-flight a rule without storing it.
func (m *Manager) Validate(r Rule) error {
	r.normalize()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validateLocked(&r)
}

// UpdateStatistics bumps a rule's counters after a forwarding decision.
func (m *Manager) UpdateStatistics(ruleID string, wasForwarded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rules[ruleID]
	if !ok {
		return
	}
	if wasForwarded {
		r.Statistics.MessagesForwarded++
		r.Statistics.LastForwardedTime = time.Now().UnixMilli()
	} else {
		r.Statistics.MessagesDropped++
	}
}

// ResetStatistics zeroes every rule's counters.
func (m *Manager) ResetStatistics() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rules {
		r.Statistics = Statistics{}
	}
}

// ManagerStatistics aggregates rule counts and totals.
type ManagerStatistics struct {
	TotalRules     int
	EnabledRules   int
	DisabledRules  int
	TotalForwarded uint64
	TotalDropped   uint64
}

// Statistics returns the aggregate over all rules.
func (m *Manager) Statistics() ManagerStatistics {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s ManagerStatistics
	s.TotalRules = len(m.rules)
	for _, r := range m.rules {
		if r.Enabled {
			s.EnabledRules++
		} else {
			s.DisabledRules++
		}
		s.TotalForwarded += r.Statistics.MessagesForwarded
		s.TotalDropped += r.Statistics.MessagesDropped
	}
	return s
}

// Clear removes every rule.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = make(map[string]*Rule)
	m.order = make(map[string]int)
	m.nextOrder = 0
	m.index = make(map[registry.DeviceKey][]*Rule)
}

// validateLocked checks a normalized rule. Endpoint resolution is skipped
// when no device registry is attached.
func (m *Manager) validateLocked(r *Rule) error {
	if err := r.checkShape(); err != nil {
		return err
	}
	if m.devices == nil {
		return nil
	}
	src, ok := m.devices.Lookup(r.Source.Key())
	if !ok {
		return ErrSourceNotFound
	}
	if src.Type != registry.DeviceInput {
		return ErrSourceNotInput
	}
	dst, ok := m.devices.Lookup(r.Destination.Key())
	if !ok {
		return ErrDestNotFound
	}
	if dst.Type != registry.DeviceOutput {
		return ErrDestNotOutput
	}
	return nil
}

// rebuildIndexLocked recomputes the source index: enabled rules grouped by
// source key, sorted by descending priority with insertion-order ties.
func (m *Manager) rebuildIndexLocked() {
	m.index = make(map[registry.DeviceKey][]*Rule)
	for _, r := range m.rules {
		if !r.Enabled {
			continue
		}
		key := r.Source.Key()
		m.index[key] = append(m.index[key], r)
	}
	for _, rs := range m.index {
		sort.SliceStable(rs, func(i, j int) bool {
			if rs[i].Priority != rs[j].Priority {
				return rs[i].Priority > rs[j].Priority
			}
			return m.order[rs[i].RuleID] < m.order[rs[j].RuleID]
		})
	}
}

// collectLocked returns matching rules sorted like the index.
func (m *Manager) collectLocked(match func(*Rule) bool) []Rule {
	out := make([]Rule, 0, len(m.rules))
	for _, r := range m.rules {
		if match(r) {
			out = append(out, *r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return m.order[out[i].RuleID] < m.order[out[j].RuleID]
	})
	return out
}
