package docwatch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Rule is one user-defined pattern evaluated against every analyzed change.
// Empty fields match everything; a rule fires only when all populated
// fields match.
type Rule struct {
	Name            string `json:"name"`
	DocumentID      string `json:"documentId,omitempty"`
	DocType         string `json:"docType,omitempty"`
	ChangeType      string `json:"changeType,omitempty"`
	Editor          string `json:"editor,omitempty"`
	MinAddedChars   int    `json:"minAddedChars,omitempty"`
	MinRemovedChars int    `json:"minRemovedChars,omitempty"`
	SectionContains string `json:"sectionContains,omitempty"`
	Message         string `json:"message,omitempty"`
}

func (r Rule) matches(event ChangeEvent, diff *DiffSummary) bool {
	if r.DocumentID != "" && r.DocumentID != event.DocumentID {
		return false
	}
	if r.DocType != "" && NormalizeDocType(r.DocType) != event.DocType {
		return false
	}
	if r.ChangeType != "" && NormalizeChangeType(r.ChangeType) != event.ChangeType {
		return false
	}
	if r.Editor != "" && r.Editor != event.ChangedBy {
		return false
	}
	if r.MinAddedChars > 0 && (diff == nil || diff.AddedChars < r.MinAddedChars) {
		return false
	}
	if r.MinRemovedChars > 0 && (diff == nil || diff.RemovedChars < r.MinRemovedChars) {
		return false
	}
	if r.SectionContains != "" {
		if diff == nil {
			return false
		}
		found := false
		for _, heading := range diff.ChangedSections {
			if strings.Contains(strings.ToLower(heading), strings.ToLower(r.SectionContains)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// RuleSet holds the currently loaded rules and supports hot reload when the
// backing file changes on disk. A failed reload keeps the previous rules.
type RuleSet struct {
	mu     sync.RWMutex
	rules  []Rule
	path   string
	logger Logger
}

func NewRuleSet(path string, logger Logger) *RuleSet {
	return &RuleSet{path: strings.TrimSpace(path), logger: logger}
}

// Load reads the rules file. A missing file yields an empty rule set.
func (rs *RuleSet) Load() error {
	if rs == nil || rs.path == "" {
		return nil
	}
	data, err := os.ReadFile(rs.path)
	if err != nil {
		if os.IsNotExist(err) {
			rs.mu.Lock()
			rs.rules = nil
			rs.mu.Unlock()
			return nil
		}
		return err
	}
	var rules []Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return fmt.Errorf("parse rules file %s: %w", rs.path, err)
	}
	valid := rules[:0]
	for _, rule := range rules {
		if strings.TrimSpace(rule.Name) == "" {
			continue
		}
		valid = append(valid, rule)
	}
	rs.mu.Lock()
	rs.rules = valid
	rs.mu.Unlock()
	return nil
}

// Watch reloads the rule set whenever the backing file is written or
// recreated. Blocks until the watcher is closed or fails.
func (rs *RuleSet) Watch(done <-chan struct{}) error {
	if rs == nil || rs.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	// Watch the directory: editors replace files by rename, which drops a
	// watch placed on the file itself.
	if err := watcher.Add(filepath.Dir(rs.path)); err != nil {
		return err
	}
	target := filepath.Clean(rs.path)
	for {
		select {
		case <-done:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := rs.Load(); err != nil {
				rs.logf("rules reload failed, keeping previous rules: %v", err)
				continue
			}
			rs.logf("rules reloaded from %s (%d rules)", rs.path, rs.Len())
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			rs.logf("rules watcher error: %v", err)
		}
	}
}

// Evaluate returns the rules matching an analyzed change.
func (rs *RuleSet) Evaluate(event ChangeEvent, diff *DiffSummary) []Rule {
	if rs == nil {
		return nil
	}
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	var matched []Rule
	for _, rule := range rs.rules {
		if rule.matches(event, diff) {
			matched = append(matched, rule)
		}
	}
	return matched
}

func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.rules)
}

// Replace swaps in a rule set directly, bypassing the file.
func (rs *RuleSet) Replace(rules []Rule) {
	rs.mu.Lock()
	rs.rules = rules
	rs.mu.Unlock()
}

func (rs *RuleSet) logf(format string, args ...any) {
	if rs == nil || rs.logger == nil {
		return
	}
	rs.logger.Printf(format, args...)
}
