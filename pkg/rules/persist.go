package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// LoadFromFile replaces the current rules with the JSON array in path. The
// replacement is atomic: a malformed file leaves the existing rules
// untouched. Endpoint resolution is not enforced on load: a rule file
// usually restores before peers have announced their devices.
func (m *Manager) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read rules file: %w", err)
	}

	var loaded []Rule
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parse rules file: %w", err)
	}

	seen := make(map[string]struct{}, len(loaded))
	for i := range loaded {
		loaded[i].normalize()
		if loaded[i].RuleID == "" {
			return fmt.Errorf("rule %d: empty rule id", i)
		}
		if _, dup := seen[loaded[i].RuleID]; dup {
			return fmt.Errorf("rule %d: %w: %s", i, ErrRuleExists, loaded[i].RuleID)
		}
		seen[loaded[i].RuleID] = struct{}{}
		if err := loaded[i].checkShape(); err != nil {
			return fmt.Errorf("rule %s: %w", loaded[i].RuleID, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.rules = make(map[string]*Rule, len(loaded))
	m.order = make(map[string]int, len(loaded))
	m.nextOrder = 0
	for i := range loaded {
		r := loaded[i]
		m.rules[r.RuleID] = &r
		m.order[r.RuleID] = m.nextOrder
		m.nextOrder++
	}
	m.rebuildIndexLocked()

	m.logger.Infof("loaded %d rules from %s", len(loaded), path)
	return nil
}

// SaveToFile writes all rules as a JSON array. The write is replace-by-text:
// a temp file in the same directory is renamed over the target so readers
// never see a partial file.
func (m *Manager) SaveToFile(path string) error {
	rules := m.All()

	data, err := json.MarshalIndent(rules, "", "  ")
	if err != nil {
		return fmt.Errorf("encode rules: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".rules-*.json")
	if err != nil {
		return fmt.Errorf("create temp rules file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write rules: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close rules file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace rules file: %w", err)
	}
	return nil
}

// Watch reloads the rule file whenever it changes on disk. It returns a stop
// function releasing the watcher. Reload failures are logged and leave the
// current rules in place.
func (m *Manager) Watch(path string) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory: editors and SaveToFile replace the file by
	// rename, which drops a watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	target := filepath.Clean(path)
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := m.LoadFromFile(path); err != nil {
					m.logger.Warnf("rules reload failed: %v", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Warnf("rules watcher: %v", err)
			}
		}
	}()

	return func() { watcher.Close() }, nil
}
