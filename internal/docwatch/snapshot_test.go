package docwatch

import (
	"strings"
	"testing"
	"time"
)

func TestSnapshotRoundTrip(t *testing.T) {
	content := "# Title\nline one\nline two\n"
	snapshot, err := NewSnapshot("doc_1", 7, content, time.Now().UTC())
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if snapshot.ContentHash != hashContent(content) {
		t.Fatalf("unexpected content hash")
	}
	if len(snapshot.Compressed) == 0 {
		t.Fatalf("expected compressed payload")
	}
	restored, err := snapshot.Content()
	if err != nil {
		t.Fatalf("decompress failed: %v", err)
	}
	if restored != content {
		t.Fatalf("round trip mismatch: %q", restored)
	}
}

func TestComputeDiffSummaryCountsAddedAndRemoved(t *testing.T) {
	oldContent := "alpha\nbeta\n"
	newContent := "alpha\ngamma line\n"
	diff := ComputeDiffSummary("doc_1", oldContent, newContent, time.Now().UTC())
	if diff.AddedChars != len("gamma line") {
		t.Fatalf("added chars = %d, want %d", diff.AddedChars, len("gamma line"))
	}
	if diff.RemovedChars != len("beta") {
		t.Fatalf("removed chars = %d, want %d", diff.RemovedChars, len("beta"))
	}
	if diff.FromHash == "" || diff.ToHash == "" {
		t.Fatalf("expected both hashes populated")
	}
}

func TestComputeDiffSummaryCountsRunesNotBytes(t *testing.T) {
	oldContent := "ロードマップ\n"
	newContent := "計画書レビュー\n"
	diff := ComputeDiffSummary("doc_1", oldContent, newContent, time.Now().UTC())
	if diff.AddedChars != 7 {
		t.Fatalf("added chars = %d, want 7", diff.AddedChars)
	}
	if diff.RemovedChars != 6 {
		t.Fatalf("removed chars = %d, want 6", diff.RemovedChars)
	}
}

func TestComputeDiffSummaryReportsChangedSections(t *testing.T) {
	oldContent := "# Intro\nhello\n# Design\noriginal body\n"
	newContent := "# Intro\nhello\n# Design\nrewritten body\n# Rollout\nnew section\n"
	diff := ComputeDiffSummary("doc_1", oldContent, newContent, time.Now().UTC())

	joined := strings.Join(diff.ChangedSections, ",")
	if !strings.Contains(joined, "Design") {
		t.Fatalf("expected Design in changed sections, got %v", diff.ChangedSections)
	}
	if !strings.Contains(joined, "Rollout") {
		t.Fatalf("expected Rollout in changed sections, got %v", diff.ChangedSections)
	}
	if strings.Contains(joined, "Intro") {
		t.Fatalf("Intro did not change, got %v", diff.ChangedSections)
	}
}

func TestComputeDiffSummaryReportsRemovedSection(t *testing.T) {
	oldContent := "# Keep\nsame\n# Drop\ngone\n"
	newContent := "# Keep\nsame\n"
	diff := ComputeDiffSummary("doc_1", oldContent, newContent, time.Now().UTC())
	if !strings.Contains(strings.Join(diff.ChangedSections, ","), "Drop") {
		t.Fatalf("expected removed section to be reported, got %v", diff.ChangedSections)
	}
}

func TestComputeDiffSummaryFirstVersion(t *testing.T) {
	diff := ComputeDiffSummary("doc_1", "", "brand new\n", time.Now().UTC())
	if diff.FromHash != "" {
		t.Fatalf("expected empty from hash for first version")
	}
	if diff.AddedChars == 0 {
		t.Fatalf("expected added chars for first version")
	}
}
