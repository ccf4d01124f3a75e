package docwatch

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryEventStoreDeduplicates(t *testing.T) {
	store := NewMemoryEventStore()
	event := ChangeEvent{
		EventID:    "evt_1",
		DocumentID: "doc_1",
		ChangedBy:  "alice",
		ChangedAt:  150,
		DetectedAt: time.Now().UTC(),
	}
	if err := store.Append(event); err != nil {
		t.Fatalf("first append failed: %v", err)
	}

	duplicate := event
	duplicate.EventID = "evt_2"
	duplicate.Source = SourceWebhook
	if err := store.Append(duplicate); !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("expected duplicate error, got %v", err)
	}

	events, err := store.Query("doc_1", time.Time{}, time.Time{}, 0)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
}

func TestMemoryEventStoreQueryBounds(t *testing.T) {
	store := NewMemoryEventStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		err := store.Append(ChangeEvent{
			DocumentID: "doc_1",
			ChangedBy:  "alice",
			ChangedAt:  int64(100 + i),
			DetectedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}

	events, err := store.Query("doc_1", base.Add(time.Minute), base.Add(2*time.Minute), 0)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected two events in window, got %d", len(events))
	}

	limited, err := store.Query("doc_1", time.Time{}, time.Time{}, 3)
	if err != nil {
		t.Fatalf("limited query failed: %v", err)
	}
	if len(limited) != 3 {
		t.Fatalf("expected limit of three, got %d", len(limited))
	}
}

func TestMemorySnapshotStoreRetention(t *testing.T) {
	store := NewMemorySnapshotStore(2)
	for i := 1; i <= 4; i++ {
		snapshot, err := NewSnapshot("doc_1", int64(i), "content", time.Now().UTC())
		if err != nil {
			t.Fatalf("snapshot %d failed: %v", i, err)
		}
		if err := store.Save(snapshot); err != nil {
			t.Fatalf("save %d failed: %v", i, err)
		}
	}
	latest, err := store.Latest("doc_1")
	if err != nil {
		t.Fatalf("latest failed: %v", err)
	}
	if latest == nil || latest.Revision != 4 {
		t.Fatalf("expected latest revision 4, got %+v", latest)
	}
}

func TestMemorySnapshotStoreLatestEmpty(t *testing.T) {
	store := NewMemorySnapshotStore(0)
	latest, err := store.Latest("doc_missing")
	if err != nil {
		t.Fatalf("latest failed: %v", err)
	}
	if latest != nil {
		t.Fatalf("expected nil snapshot for unknown document")
	}
}

func TestMemoryCandidateQueueCapacityAndDequeue(t *testing.T) {
	queue := NewMemoryCandidateQueue(2)
	first := ChangeCandidate{DocumentID: "doc_1", ChangedBy: "alice", ChangedAt: 100}
	second := ChangeCandidate{DocumentID: "doc_2", ChangedBy: "bob", ChangedAt: 101}
	third := ChangeCandidate{DocumentID: "doc_3", ChangedBy: "carol", ChangedAt: 102}

	if !queue.TryEnqueue(first) || !queue.TryEnqueue(second) {
		t.Fatalf("expected two enqueues to fit capacity")
	}
	if queue.TryEnqueue(third) {
		t.Fatalf("expected third enqueue to fail on full queue")
	}
	if queue.Depth() != 2 {
		t.Fatalf("expected depth 2, got %d", queue.Depth())
	}

	got, ok := queue.Dequeue(context.Background())
	if !ok || got.DocumentID != "doc_1" {
		t.Fatalf("expected doc_1 first, got %+v ok=%v", got, ok)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	queue2 := NewMemoryCandidateQueue(1)
	if _, ok := queue2.Dequeue(ctx); ok {
		t.Fatalf("expected dequeue to fail on cancelled context")
	}
}

func TestMemoryCandidateQueueRejectsEmptyDocumentID(t *testing.T) {
	queue := NewMemoryCandidateQueue(1)
	if queue.TryEnqueue(ChangeCandidate{ChangedBy: "alice", ChangedAt: 1}) {
		t.Fatalf("expected enqueue without document id to fail")
	}
}

func TestMemoryTrackedStoreLifecycle(t *testing.T) {
	store := NewMemoryTrackedStore()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	if err := store.Upsert(TrackedDocument{DocumentID: "doc_2", WatchedAt: base.Add(time.Minute)}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := store.Upsert(TrackedDocument{DocumentID: "doc_1", WatchedAt: base}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := store.Upsert(TrackedDocument{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty id, got %v", err)
	}

	docs, err := store.List()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(docs) != 2 || docs[0].DocumentID != "doc_1" {
		t.Fatalf("expected watch-time order, got %+v", docs)
	}

	if err := store.Delete("doc_1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	docs, _ = store.List()
	if len(docs) != 1 {
		t.Fatalf("expected one document after delete, got %d", len(docs))
	}
}
