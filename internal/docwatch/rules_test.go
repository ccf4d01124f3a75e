package docwatch

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeRulesFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "rules.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write rules file: %v", err)
	}
	return path
}

func TestRuleSetLoadAndEvaluate(t *testing.T) {
	path := writeRulesFile(t, t.TempDir(), `[
		{"name": "alice-edits", "editor": "alice"},
		{"name": "spreadsheet-changes", "docType": "sheet"},
		{"name": "", "editor": "ignored"}
	]`)
	rules := NewRuleSet(path, nil)
	if err := rules.Load(); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if rules.Len() != 2 {
		t.Fatalf("expected nameless rule dropped, got %d rules", rules.Len())
	}

	matched := rules.Evaluate(ChangeEvent{DocumentID: "doc_1", DocType: DocTypeSpreadsheet, ChangedBy: "alice"}, nil)
	if len(matched) != 2 {
		t.Fatalf("expected both rules to match, got %d", len(matched))
	}
	matched = rules.Evaluate(ChangeEvent{DocumentID: "doc_1", DocType: DocTypeText, ChangedBy: "bob"}, nil)
	if len(matched) != 0 {
		t.Fatalf("expected no matches, got %+v", matched)
	}
}

func TestRuleSetMissingFileIsEmpty(t *testing.T) {
	rules := NewRuleSet(filepath.Join(t.TempDir(), "absent.json"), nil)
	if err := rules.Load(); err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	if rules.Len() != 0 {
		t.Fatalf("expected empty rule set")
	}
}

func TestRuleSetParseFailureKeepsPreviousRules(t *testing.T) {
	dir := t.TempDir()
	path := writeRulesFile(t, dir, `[{"name": "keep-me"}]`)
	rules := NewRuleSet(path, nil)
	if err := rules.Load(); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write broken file: %v", err)
	}
	if err := rules.Load(); err == nil {
		t.Fatalf("expected parse error")
	}
	if rules.Len() != 1 {
		t.Fatalf("parse failure must keep previous rules, got %d", rules.Len())
	}
}

func TestRuleMatchesDiffThresholds(t *testing.T) {
	rule := Rule{Name: "big-delete", MinRemovedChars: 100}
	event := ChangeEvent{DocumentID: "doc_1", ChangedBy: "alice"}

	if rule.matches(event, nil) {
		t.Fatalf("diff threshold without diff must not match")
	}
	if rule.matches(event, &DiffSummary{RemovedChars: 50}) {
		t.Fatalf("below threshold must not match")
	}
	if !rule.matches(event, &DiffSummary{RemovedChars: 150}) {
		t.Fatalf("above threshold must match")
	}
}

func TestRuleSetWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeRulesFile(t, dir, `[{"name": "first"}]`)
	rules := NewRuleSet(path, nil)
	if err := rules.Load(); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	done := make(chan struct{})
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- rules.Watch(done)
	}()
	defer func() {
		close(done)
		if err := <-watchErr; err != nil {
			t.Errorf("watch returned error: %v", err)
		}
	}()

	// Give the watcher a moment to install before rewriting the file.
	time.Sleep(50 * time.Millisecond)
	writeRulesFile(t, dir, `[{"name": "first"}, {"name": "second"}]`)

	deadline := time.Now().Add(3 * time.Second)
	for rules.Len() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for reload, have %d rules", rules.Len())
		}
		time.Sleep(20 * time.Millisecond)
	}
}
