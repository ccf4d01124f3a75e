package docwatch

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeMetadata struct {
	mu      sync.Mutex
	docs    map[string]Metadata
	errs    map[string]error
	content map[string]string
	fetches atomic.Int32
}

func newFakeMetadata() *fakeMetadata {
	return &fakeMetadata{
		docs:    map[string]Metadata{},
		errs:    map[string]error{},
		content: map[string]string{},
	}
}

func (f *fakeMetadata) set(documentID string, meta Metadata) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[documentID] = meta
}

func (f *fakeMetadata) fail(documentID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[documentID] = err
}

func (f *fakeMetadata) setContent(documentID, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.content[documentID] = content
}

func (f *fakeMetadata) FetchMetadata(ctx context.Context, documentID string, docType DocType) (Metadata, error) {
	f.fetches.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[documentID]; ok {
		return Metadata{}, err
	}
	meta, ok := f.docs[documentID]
	if !ok {
		return Metadata{}, &AccessError{DocumentID: documentID, StatusCode: http.StatusNotFound}
	}
	return meta, nil
}

func (f *fakeMetadata) FetchContent(ctx context.Context, documentID string, docType DocType) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[documentID]; ok {
		return "", err
	}
	return f.content[documentID], nil
}

type candidateRecorder struct {
	mu         sync.Mutex
	candidates []ChangeCandidate
}

func (r *candidateRecorder) submit(candidate ChangeCandidate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.candidates = append(r.candidates, candidate)
}

func (r *candidateRecorder) all() []ChangeCandidate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ChangeCandidate(nil), r.candidates...)
}

func TestTickDetectsModifiedTimestampChange(t *testing.T) {
	registry := NewRegistry()
	registry.Upsert(TrackedDocument{
		DocumentID:     "doc_1",
		DocType:        DocTypeText,
		NotifyTargetID: "thread_a",
		LastModifiedAt: 100,
		LastEditorID:   "alice",
	})
	metadata := newFakeMetadata()
	metadata.set("doc_1", Metadata{
		DocumentID:     "doc_1",
		DocType:        DocTypeText,
		LastEditorID:   "alice",
		LastModifiedAt: 150,
		Revision:       2,
	})
	recorder := &candidateRecorder{}
	metrics := &TrackerMetrics{}
	poller := NewPoller(PollerOptions{
		Registry: registry,
		Metadata: metadata,
		Submit:   recorder.submit,
		Metrics:  metrics,
	})

	poller.Tick(context.Background())

	candidates := recorder.all()
	if len(candidates) != 1 {
		t.Fatalf("expected one candidate, got %d", len(candidates))
	}
	got := candidates[0]
	if got.ChangedBy != "alice" || got.ChangedAt != 150 || got.Source != SourcePoll || got.ChangeType != ChangeEdit {
		t.Fatalf("unexpected candidate: %+v", got)
	}
	doc, _ := registry.Get("doc_1")
	if doc.LastModifiedAt != 150 {
		t.Fatalf("expected last-known state advanced to 150, got %d", doc.LastModifiedAt)
	}
	if metrics.snapshot(0).PollSuccesses != 1 {
		t.Fatalf("expected one poll success")
	}
}

func TestTickDetectsEditorChangeAtSameTimestamp(t *testing.T) {
	registry := NewRegistry()
	registry.Upsert(TrackedDocument{
		DocumentID:     "doc_1",
		LastModifiedAt: 100,
		LastEditorID:   "alice",
	})
	metadata := newFakeMetadata()
	metadata.set("doc_1", Metadata{DocumentID: "doc_1", LastEditorID: "bob", LastModifiedAt: 100})
	recorder := &candidateRecorder{}
	poller := NewPoller(PollerOptions{Registry: registry, Metadata: metadata, Submit: recorder.submit})

	poller.Tick(context.Background())

	candidates := recorder.all()
	if len(candidates) != 1 || candidates[0].ChangedBy != "bob" {
		t.Fatalf("expected editor change detected, got %+v", candidates)
	}
}

func TestTickUnchangedProducesNoCandidate(t *testing.T) {
	registry := NewRegistry()
	registry.Upsert(TrackedDocument{DocumentID: "doc_1", LastModifiedAt: 100, LastEditorID: "alice"})
	metadata := newFakeMetadata()
	metadata.set("doc_1", Metadata{DocumentID: "doc_1", LastEditorID: "alice", LastModifiedAt: 100})
	recorder := &candidateRecorder{}
	poller := NewPoller(PollerOptions{Registry: registry, Metadata: metadata, Submit: recorder.submit})

	poller.Tick(context.Background())
	poller.Tick(context.Background())

	if got := recorder.all(); len(got) != 0 {
		t.Fatalf("expected no candidates, got %+v", got)
	}
	if state := registry.State("doc_1"); state != StateIdle {
		t.Fatalf("expected idle after unchanged polls, got %s", state)
	}
}

func TestTickFlagsRenameWhenTitleChanges(t *testing.T) {
	registry := NewRegistry()
	registry.Upsert(TrackedDocument{DocumentID: "doc_1", Title: "Old Name", LastModifiedAt: 100, LastEditorID: "alice"})
	metadata := newFakeMetadata()
	metadata.set("doc_1", Metadata{DocumentID: "doc_1", Title: "New Name", LastEditorID: "alice", LastModifiedAt: 160})
	recorder := &candidateRecorder{}
	poller := NewPoller(PollerOptions{Registry: registry, Metadata: metadata, Submit: recorder.submit})

	poller.Tick(context.Background())

	candidates := recorder.all()
	if len(candidates) != 1 || candidates[0].ChangeType != ChangeRename {
		t.Fatalf("expected rename candidate, got %+v", candidates)
	}
}

func TestAccessFailuresRemoveDocumentAfterThreshold(t *testing.T) {
	registry := NewRegistry()
	registry.Upsert(TrackedDocument{DocumentID: "doc_1", NotifyTargetID: "thread_a"})
	metadata := newFakeMetadata()
	metadata.fail("doc_1", &AccessError{DocumentID: "doc_1", StatusCode: http.StatusNotFound})

	var removedMu sync.Mutex
	var removed []TrackedDocument
	clock := time.Now().UTC()
	poller := NewPoller(PollerOptions{
		Registry:        registry,
		Metadata:        metadata,
		RemoveThreshold: 3,
		Clock:           func() time.Time { return clock },
		OnRemoved: func(doc TrackedDocument, err error) {
			removedMu.Lock()
			removed = append(removed, doc)
			removedMu.Unlock()
		},
	})

	for i := 0; i < 3; i++ {
		// Advance past the failure backoff between ticks.
		clock = clock.Add(time.Minute)
		poller.Tick(context.Background())
	}

	removedMu.Lock()
	count := len(removed)
	removedMu.Unlock()
	if count != 1 {
		t.Fatalf("expected exactly one removal callback, got %d", count)
	}
	if registry.Len() != 0 {
		t.Fatalf("expected document dropped from registry")
	}

	fetchesBefore := metadata.fetches.Load()
	clock = clock.Add(time.Minute)
	poller.Tick(context.Background())
	if metadata.fetches.Load() != fetchesBefore {
		t.Fatalf("removed document must not be polled again")
	}
}

func TestTransientFailureDoesNotRemoveDocument(t *testing.T) {
	registry := NewRegistry()
	registry.Upsert(TrackedDocument{DocumentID: "doc_1"})
	metadata := newFakeMetadata()
	metadata.fail("doc_1", &TransientError{StatusCode: http.StatusServiceUnavailable})
	metrics := &TrackerMetrics{}
	poller := NewPoller(PollerOptions{Registry: registry, Metadata: metadata, Metrics: metrics})

	poller.Tick(context.Background())

	if registry.Len() != 1 {
		t.Fatalf("transient failure must not drop the document")
	}
	if state := registry.State("doc_1"); state != StateFailing {
		t.Fatalf("expected failing state, got %s", state)
	}
	if metrics.snapshot(0).PollFailures != 1 {
		t.Fatalf("expected one recorded poll failure")
	}
}
