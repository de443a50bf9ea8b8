package rules

import (
	"errors"

	"github.com/somesmallstudio/midimesh/pkg/midi"
	"github.com/somesmallstudio/midimesh/pkg/registry"
)

// DefaultPriority is assigned to rules created without an explicit priority.
// Larger priorities evaluate earlier.
const DefaultPriority = 100

// Validation failures returned by Add, Update and Validate.
var (
	ErrRuleExists         = errors.New("rule id exists")
	ErrRuleNotFound       = errors.New("rule not found")
	ErrSourceEqualsDest   = errors.New("source and destination are the same device")
	ErrSourceNotFound     = errors.New("source device not found")
	ErrDestNotFound       = errors.New("destination device not found")
	ErrSourceNotInput     = errors.New("source device is not an input")
	ErrDestNotOutput      = errors.New("destination device is not an output")
	ErrChannelFilterRange = errors.New("channel filter invalid: must be 0..16")
	ErrEmptyTypeFilter    = errors.New("message type filter is empty")
)

// Endpoint names one side of a forwarding rule in the persisted form:
// the owning node's canonical id string plus the device id.
type Endpoint struct {
	NodeID   registry.NodeID `json:"nodeId"`
	DeviceID uint16          `json:"deviceId"`
}

// Key returns the registry key for the endpoint.
func (e Endpoint) Key() registry.DeviceKey {
	return registry.DeviceKey{Node: e.NodeID, DeviceID: e.DeviceID}
}

// Statistics carries a rule's forwarding counters. LastForwardedTime is
// milliseconds since the Unix epoch.
type Statistics struct {
	MessagesForwarded uint64 `json:"messagesForwarded"`
	MessagesDropped   uint64 `json:"messagesDropped"`
	LastForwardedTime int64  `json:"lastForwardedTime"`
}

// Rule is a forwarding rule: messages arriving from Source are delivered to
// Destination when the channel and message-type filters match.
type Rule struct {
	RuleID  string `json:"ruleId"`
	Enabled bool   `json:"enabled"`
	// Priority orders evaluation; larger evaluates earlier. Ties break by
	// insertion order.
	Priority    int      `json:"priority"`
	Source      Endpoint `json:"source"`
	Destination Endpoint `json:"destination"`
	// ChannelFilter restricts matching to one MIDI channel (1..16);
	// 0 matches any channel.
	ChannelFilter uint8 `json:"channelFilter,omitempty"`
	// MessageTypeFilter restricts matching to the masked message families.
	MessageTypeFilter midi.MessageType `json:"messageTypeFilter"`
	Statistics        Statistics       `json:"statistics"`
}

// normalize fills defaults on a rule before validation.
func (r *Rule) normalize() {
	if r.Priority == 0 {
		r.Priority = DefaultPriority
	}
	if r.MessageTypeFilter == 0 {
		r.MessageTypeFilter = midi.TypeAll
	}
}

// Matches reports whether a message on the given channel and of the given
// type passes the rule's filters.
func (r *Rule) Matches(channel uint8, typ midi.MessageType) bool {
	if r.ChannelFilter != 0 && channel != r.ChannelFilter {
		return false
	}
	return r.MessageTypeFilter&typ != 0
}

// checkShape validates everything that does not need the device registry.
func (r *Rule) checkShape() error {
	if r.Source.Key() == r.Destination.Key() {
		return ErrSourceEqualsDest
	}
	if r.ChannelFilter > 16 {
		return ErrChannelFilterRange
	}
	if r.MessageTypeFilter == 0 {
		return ErrEmptyTypeFilter
	}
	return nil
}
