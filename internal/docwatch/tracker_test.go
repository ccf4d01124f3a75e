package docwatch

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

type failingEventStore struct {
	err error
}

func (s *failingEventStore) Append(event ChangeEvent) error {
	return s.err
}

func (s *failingEventStore) Query(documentID string, since, until time.Time, limit int) ([]ChangeEvent, error) {
	return nil, s.err
}

func newTestTracker(t *testing.T, metadata *fakeMetadata, mutate func(*TrackerOptions)) *Tracker {
	t.Helper()
	opts := TrackerOptions{
		Metadata:       metadata,
		DisableWorkers: true,
		Clock:          func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) },
	}
	if mutate != nil {
		mutate(&opts)
	}
	tracker := NewTracker(opts)
	t.Cleanup(tracker.Close)
	return tracker
}

func TestWatchUnwatchLifecycle(t *testing.T) {
	metadata := newFakeMetadata()
	metadata.set("doc_1", Metadata{
		DocumentID:     "doc_1",
		DocType:        DocTypeText,
		Title:          "Roadmap",
		LastEditorID:   "alice",
		LastModifiedAt: 100,
		Revision:       1,
	})
	tracker := newTestTracker(t, metadata, nil)

	doc, err := tracker.Watch(context.Background(), "doc_1", "doc", "thread_a")
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	if doc.Title != "Roadmap" || doc.LastModifiedAt != 100 || doc.LastEditorID != "alice" {
		t.Fatalf("watch must seed last-known state from metadata, got %+v", doc)
	}

	// Re-watching from another thread moves the notification target.
	doc, err = tracker.Watch(context.Background(), "doc_1", "doc", "thread_b")
	if err != nil {
		t.Fatalf("re-watch failed: %v", err)
	}
	if doc.NotifyTargetID != "thread_b" {
		t.Fatalf("expected notify target updated, got %s", doc.NotifyTargetID)
	}
	if len(tracker.ListTracked("")) != 1 {
		t.Fatalf("re-watch must not duplicate the tracked entry")
	}

	if err := tracker.Unwatch(context.Background(), "doc_1"); err != nil {
		t.Fatalf("unwatch failed: %v", err)
	}
	if err := tracker.Unwatch(context.Background(), "doc_1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on second unwatch, got %v", err)
	}
}

func TestWatchFailsFastOnInaccessibleDocument(t *testing.T) {
	metadata := newFakeMetadata()
	metadata.fail("doc_1", &AccessError{DocumentID: "doc_1", StatusCode: http.StatusForbidden})
	tracker := newTestTracker(t, metadata, nil)

	_, err := tracker.Watch(context.Background(), "doc_1", "doc", "thread_a")
	if !errors.Is(err, ErrUpstreamAccess) {
		t.Fatalf("expected access error, got %v", err)
	}
	if len(tracker.ListTracked("")) != 0 {
		t.Fatalf("failed watch must not track the document")
	}
}

func TestWatchValidatesInput(t *testing.T) {
	tracker := newTestTracker(t, newFakeMetadata(), nil)
	if _, err := tracker.Watch(context.Background(), "", "doc", "thread_a"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty document id, got %v", err)
	}
	if _, err := tracker.Watch(context.Background(), "doc_1", "doc", " "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty thread id, got %v", err)
	}
}

func TestApplyCandidateDeduplicatesAcrossSources(t *testing.T) {
	metadata := newFakeMetadata()
	metadata.set("doc_1", Metadata{DocumentID: "doc_1", DocType: DocTypeText, LastEditorID: "alice", LastModifiedAt: 100})
	tracker := newTestTracker(t, metadata, nil)
	if _, err := tracker.Watch(context.Background(), "doc_1", "doc", "thread_a"); err != nil {
		t.Fatalf("watch failed: %v", err)
	}

	tracker.ApplyCandidate(ChangeCandidate{
		DocumentID: "doc_1",
		ChangeType: ChangeEdit,
		ChangedBy:  "bob",
		ChangedAt:  200,
		Source:     SourcePoll,
	})
	tracker.ApplyCandidate(ChangeCandidate{
		DocumentID: "doc_1",
		ChangeType: ChangeEdit,
		ChangedBy:  "bob",
		ChangedAt:  200,
		Source:     SourceWebhook,
	})

	events, err := tracker.QueryEvents("doc_1", time.Time{}, time.Time{}, 0)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("same (editor, timestamp) from both paths must yield one event, got %d", len(events))
	}
	if events[0].ChangedBy != "bob" || events[0].ChangedAt != 200 || events[0].EventID == "" {
		t.Fatalf("unexpected event: %+v", events[0])
	}

	status := tracker.Status()
	if status.EventsPersisted != 1 || status.EventsDeduplicated != 1 {
		t.Fatalf("unexpected counters: %+v", status)
	}

	doc, _ := tracker.registry.Get("doc_1")
	if doc.LastModifiedAt != 200 || doc.LastEditorID != "bob" {
		t.Fatalf("expected last-known state advanced, got %+v", doc)
	}
}

func TestApplyCandidateDistinctTimestampsYieldDistinctEvents(t *testing.T) {
	metadata := newFakeMetadata()
	metadata.set("doc_1", Metadata{DocumentID: "doc_1", LastEditorID: "alice", LastModifiedAt: 100})
	tracker := newTestTracker(t, metadata, nil)
	if _, err := tracker.Watch(context.Background(), "doc_1", "doc", "thread_a"); err != nil {
		t.Fatalf("watch failed: %v", err)
	}

	tracker.ApplyCandidate(ChangeCandidate{DocumentID: "doc_1", ChangedBy: "bob", ChangedAt: 200, Source: SourcePoll})
	tracker.ApplyCandidate(ChangeCandidate{DocumentID: "doc_1", ChangedBy: "bob", ChangedAt: 201, Source: SourceWebhook})

	events, _ := tracker.QueryEvents("doc_1", time.Time{}, time.Time{}, 0)
	if len(events) != 2 {
		t.Fatalf("expected two distinct events, got %d", len(events))
	}
	if events[0].ChangedAt != 200 || events[1].ChangedAt != 201 {
		t.Fatalf("expected detection order preserved, got %+v", events)
	}
}

func TestApplyCandidateDropsUntrackedDocument(t *testing.T) {
	tracker := newTestTracker(t, newFakeMetadata(), nil)
	tracker.ApplyCandidate(ChangeCandidate{DocumentID: "ghost", ChangedBy: "bob", ChangedAt: 100})
	events, _ := tracker.QueryEvents("ghost", time.Time{}, time.Time{}, 0)
	if len(events) != 0 {
		t.Fatalf("untracked candidates must be dropped, got %d events", len(events))
	}
}

func TestApplyCandidateFallsBackWhenPersistenceFails(t *testing.T) {
	metadata := newFakeMetadata()
	metadata.set("doc_1", Metadata{DocumentID: "doc_1", LastEditorID: "alice", LastModifiedAt: 100})
	failing := &failingEventStore{err: errors.New("connection refused")}
	tracker := newTestTracker(t, metadata, func(opts *TrackerOptions) {
		opts.EventStore = failing
	})
	if _, err := tracker.Watch(context.Background(), "doc_1", "doc", "thread_a"); err != nil {
		t.Fatalf("watch failed: %v", err)
	}

	tracker.ApplyCandidate(ChangeCandidate{DocumentID: "doc_1", ChangedBy: "bob", ChangedAt: 200, Source: SourcePoll})

	status := tracker.Status()
	if !status.Degraded || status.PersistFailures == 0 {
		t.Fatalf("expected degraded mode, got %+v", status)
	}
	// The primary store is down; the query serves the in-memory fallback.
	events, err := tracker.QueryEvents("doc_1", time.Time{}, time.Time{}, 0)
	if err != nil {
		t.Fatalf("fallback query failed: %v", err)
	}
	if len(events) != 1 || events[0].ChangedAt != 200 {
		t.Fatalf("expected event preserved in fallback log, got %+v", events)
	}
}

type flakyEventStore struct {
	inner EventStore
	err   error
}

func (s *flakyEventStore) Append(event ChangeEvent) error {
	if s.err != nil {
		return s.err
	}
	return s.inner.Append(event)
}

func (s *flakyEventStore) Query(documentID string, since, until time.Time, limit int) ([]ChangeEvent, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.inner.Query(documentID, since, until, limit)
}

func TestDegradedQueryMergesInDetectionOrder(t *testing.T) {
	metadata := newFakeMetadata()
	metadata.set("doc_1", Metadata{DocumentID: "doc_1", LastEditorID: "alice", LastModifiedAt: 100})
	flaky := &flakyEventStore{inner: NewMemoryEventStore(), err: errors.New("connection refused")}
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tracker := newTestTracker(t, metadata, func(opts *TrackerOptions) {
		opts.EventStore = flaky
		opts.Clock = func() time.Time { return now }
	})
	if _, err := tracker.Watch(context.Background(), "doc_1", "doc", "thread_a"); err != nil {
		t.Fatalf("watch failed: %v", err)
	}

	// First change lands in the fallback log while the store is down.
	now = now.Add(time.Second)
	tracker.ApplyCandidate(ChangeCandidate{DocumentID: "doc_1", ChangedBy: "bob", ChangedAt: 200, Source: SourcePoll})
	if !tracker.Status().Degraded {
		t.Fatalf("expected degraded mode after append failure")
	}

	// Store recovers; the next change lands in the primary store.
	flaky.err = nil
	now = now.Add(time.Second)
	tracker.ApplyCandidate(ChangeCandidate{DocumentID: "doc_1", ChangedBy: "bob", ChangedAt: 300, Source: SourcePoll})

	events, err := tracker.QueryEvents("doc_1", time.Time{}, time.Time{}, 0)
	if err != nil {
		t.Fatalf("merged query failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected both events, got %+v", events)
	}
	if events[0].ChangedAt != 200 || events[1].ChangedAt != 300 {
		t.Fatalf("events out of detection order: %d then %d", events[0].ChangedAt, events[1].ChangedAt)
	}
	if events[1].DetectedAt.Before(events[0].DetectedAt) {
		t.Fatalf("detectedAt not non-decreasing: %v then %v", events[0].DetectedAt, events[1].DetectedAt)
	}

	// A merged limit keeps the oldest events, matching store query semantics.
	limited, err := tracker.QueryEvents("doc_1", time.Time{}, time.Time{}, 1)
	if err != nil {
		t.Fatalf("limited query failed: %v", err)
	}
	if len(limited) != 1 || limited[0].ChangedAt != 200 {
		t.Fatalf("expected oldest event under limit, got %+v", limited)
	}
}

func TestSubmitWebhookCandidateValidatesAndCounts(t *testing.T) {
	queue := NewMemoryCandidateQueue(4)
	tracker := newTestTracker(t, newFakeMetadata(), func(opts *TrackerOptions) {
		opts.Queue = queue
	})

	if err := tracker.SubmitWebhookCandidate(ChangeCandidate{DocumentID: "doc_1", ChangedBy: ""}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if err := tracker.SubmitWebhookCandidate(ChangeCandidate{DocumentID: "doc_1", ChangedBy: "bob", ChangedAt: 0}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for zero timestamp, got %v", err)
	}

	if err := tracker.SubmitWebhookCandidate(ChangeCandidate{DocumentID: "doc_1", ChangedBy: "bob", ChangedAt: 200}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if queue.Depth() != 1 {
		t.Fatalf("expected queued candidate, depth=%d", queue.Depth())
	}
	if tracker.Status().WebhookEvents != 1 {
		t.Fatalf("expected webhook counter incremented")
	}

	candidate, ok := queue.Dequeue(context.Background())
	if !ok || candidate.Source != SourceWebhook || candidate.ChangeType != ChangeUnknown {
		t.Fatalf("expected webhook source and unknown change type, got %+v", candidate)
	}
}

func TestApplyCandidatePublishesToSubscribers(t *testing.T) {
	metadata := newFakeMetadata()
	metadata.set("doc_1", Metadata{DocumentID: "doc_1", LastEditorID: "alice", LastModifiedAt: 100})
	tracker := newTestTracker(t, metadata, nil)
	if _, err := tracker.Watch(context.Background(), "doc_1", "doc", "thread_a"); err != nil {
		t.Fatalf("watch failed: %v", err)
	}

	events, cancel := tracker.Events()
	defer cancel()

	tracker.ApplyCandidate(ChangeCandidate{DocumentID: "doc_1", ChangedBy: "bob", ChangedAt: 200, Source: SourcePoll})

	select {
	case event := <-events:
		if event.DocumentID != "doc_1" || event.ChangedAt != 200 {
			t.Fatalf("unexpected broadcast event: %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for broadcast")
	}
}

func TestTrackerRestoresTrackedSetOnStartup(t *testing.T) {
	store := NewMemoryTrackedStore()
	if err := store.Upsert(TrackedDocument{
		DocumentID:     "doc_1",
		DocType:        DocTypeText,
		NotifyTargetID: "thread_a",
		LastModifiedAt: 100,
		WatchedAt:      time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	tracker := newTestTracker(t, newFakeMetadata(), func(opts *TrackerOptions) {
		opts.TrackedStore = store
	})
	tracked := tracker.ListTracked("")
	if len(tracked) != 1 || tracked[0].DocumentID != "doc_1" {
		t.Fatalf("expected tracked set restored, got %+v", tracked)
	}
}

func TestHandleRemovedNotifiesAndCleansUp(t *testing.T) {
	metadata := newFakeMetadata()
	metadata.set("doc_1", Metadata{DocumentID: "doc_1", LastEditorID: "alice", LastModifiedAt: 100})
	store := NewMemoryTrackedStore()
	tracker := newTestTracker(t, metadata, func(opts *TrackerOptions) {
		opts.TrackedStore = store
	})
	doc, err := tracker.Watch(context.Background(), "doc_1", "doc", "thread_a")
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}

	tracker.handleRemoved(doc, &AccessError{DocumentID: "doc_1", StatusCode: http.StatusNotFound})

	docs, _ := store.List()
	if len(docs) != 0 {
		t.Fatalf("expected durable tracked entry deleted")
	}
	if len(tracker.dispatcher.queue) != 1 {
		t.Fatalf("expected one tracking-stopped notification queued")
	}
	item := <-tracker.dispatcher.queue
	if item.kind != notifyTrackingStopped || item.targetID != "thread_a" {
		t.Fatalf("unexpected notification: %+v", item)
	}
}
