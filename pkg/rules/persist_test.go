package rules

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/somesmallstudio/midimesh/pkg/midi"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	m, peer := newTestManager(t)

	a := localToLocal()
	a.RuleID = "a"
	a.Priority = 200
	a.ChannelFilter = 3
	_, err := m.Add(a)
	require.NoError(t, err)

	b := localToLocal()
	b.RuleID = "b"
	b.Destination = Endpoint{NodeID: peer, DeviceID: 5}
	b.MessageTypeFilter = midi.TypeNoteOn | midi.TypeNoteOff
	_, err = m.Add(b)
	require.NoError(t, err)

	m.UpdateStatistics("a", true)

	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, m.SaveToFile(path))

	restored := NewManager(nil, nil)
	require.NoError(t, restored.LoadFromFile(path))

	assert.Len(t, restored.All(), 2)

	got, ok := restored.Get("a")
	require.True(t, ok)
	assert.Equal(t, 200, got.Priority)
	assert.Equal(t, uint8(3), got.ChannelFilter)
	assert.Equal(t, uint64(1), got.Statistics.MessagesForwarded)

	got, ok = restored.Get("b")
	require.True(t, ok)
	assert.Equal(t, peer, got.Destination.NodeID)
	assert.Equal(t, midi.TypeNoteOn|midi.TypeNoteOff, got.MessageTypeFilter)
}

func TestLoadPreservesEvaluationOrder(t *testing.T) {
	m, _ := newTestManager(t)
	for _, id := range []string{"first", "second", "third"} {
		r := localToLocal()
		r.RuleID = id
		r.Priority = 50 // all tie: order must come from the file
		_, err := m.Add(r)
		require.NoError(t, err)
	}

	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, m.SaveToFile(path))

	restored := NewManager(nil, nil)
	require.NoError(t, restored.LoadFromFile(path))

	dests := restored.Destinations(uuid.Nil, 1)
	require.Len(t, dests, 3)
	assert.Equal(t, "first", dests[0].RuleID)
	assert.Equal(t, "second", dests[1].RuleID)
	assert.Equal(t, "third", dests[2].RuleID)
}

func TestLoadMalformedLeavesRulesUntouched(t *testing.T) {
	m, _ := newTestManager(t)
	id, err := m.Add(localToLocal())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	require.Error(t, m.LoadFromFile(path))

	_, ok := m.Get(id)
	assert.True(t, ok, "existing rules must survive a failed load")
}

func TestLoadRejectsDuplicateIDs(t *testing.T) {
	rules := []Rule{
		{RuleID: "dup", Enabled: true, Source: Endpoint{DeviceID: 1}, Destination: Endpoint{DeviceID: 2}},
		{RuleID: "dup", Enabled: true, Source: Endpoint{DeviceID: 3}, Destination: Endpoint{DeviceID: 4}},
	}
	data, err := json.Marshal(rules)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	m := NewManager(nil, nil)
	assert.ErrorIs(t, m.LoadFromFile(path), ErrRuleExists)
}

func TestJSONShape(t *testing.T) {
	r := localToLocal()
	r.RuleID = "shape"
	r.normalize()

	data, err := json.Marshal(r)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))

	assert.Contains(t, raw, "ruleId")
	assert.Contains(t, raw, "enabled")
	assert.Contains(t, raw, "priority")
	assert.Contains(t, raw, "source")
	assert.Contains(t, raw, "destination")
	assert.Contains(t, raw, "messageTypeFilter")
	assert.Contains(t, raw, "statistics")

	src := raw["source"].(map[string]any)
	assert.Equal(t, uuid.Nil.String(), src["nodeId"], "node ids persist in canonical string form")
	assert.Equal(t, float64(1), src["deviceId"])
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")

	m := NewManager(nil, nil)
	seed := localToLocal()
	seed.RuleID = "seed"
	_, err := m.Add(seed)
	require.NoError(t, err)
	require.NoError(t, m.SaveToFile(path))

	watched := NewManager(nil, nil)
	require.NoError(t, watched.LoadFromFile(path))
	stop, err := watched.Watch(path)
	require.NoError(t, err)
	defer stop()

	// Rewrite the file with a second rule and wait for the reload.
	second := localToLocal()
	second.RuleID = "second"
	_, err = m.Add(second)
	require.NoError(t, err)
	require.NoError(t, m.SaveToFile(path))

	deadline := time.After(3 * time.Second)
	for {
		if len(watched.All()) == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("watcher never reloaded the rule file")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
