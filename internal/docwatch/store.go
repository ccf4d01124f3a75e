package docwatch

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// TrackedStore persists the tracked-document set across restarts.
type TrackedStore interface {
	Upsert(doc TrackedDocument) error
	Delete(documentID string) error
	List() ([]TrackedDocument, error)
}

// EventStore is the durable append-only log of detected change events.
// Append returns ErrDuplicateEvent when an event with the same
// (documentId, changedBy, changedAt) key is already recorded.
type EventStore interface {
	Append(event ChangeEvent) error
	Query(documentID string, since, until time.Time, limit int) ([]ChangeEvent, error)
}

// SnapshotStore persists compressed content snapshots, pruned to a
// per-document retention limit.
type SnapshotStore interface {
	Latest(documentID string) (*DocumentSnapshot, error)
	Save(snapshot DocumentSnapshot) error
}

// CandidateQueue is the internal handoff between the detection paths and
// the apply stage. Enqueue blocks until space or context cancellation.
type CandidateQueue interface {
	TryEnqueue(candidate ChangeCandidate) bool
	Enqueue(ctx context.Context, candidate ChangeCandidate) bool
	Dequeue(ctx context.Context) (ChangeCandidate, bool)
	Depth() int
	Capacity() int
	Close() error
}

type memoryTrackedStore struct {
	mu   sync.Mutex
	docs map[string]TrackedDocument
}

func NewMemoryTrackedStore() TrackedStore {
	return &memoryTrackedStore{docs: map[string]TrackedDocument{}}
}

func (s *memoryTrackedStore) Upsert(doc TrackedDocument) error {
	if strings.TrimSpace(doc.DocumentID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.DocumentID] = doc
	return nil
}

func (s *memoryTrackedStore) Delete(documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, documentID)
	return nil
}

func (s *memoryTrackedStore) List() ([]TrackedDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs := make([]TrackedDocument, 0, len(s.docs))
	for _, doc := range s.docs {
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool {
		return docs[i].WatchedAt.Before(docs[j].WatchedAt)
	})
	return docs, nil
}

type memoryEventStore struct {
	mu     sync.Mutex
	events map[string][]ChangeEvent
	seen   map[string]struct{}
}

func NewMemoryEventStore() EventStore {
	return &memoryEventStore{
		events: map[string][]ChangeEvent{},
		seen:   map[string]struct{}{},
	}
}

func (s *memoryEventStore) Append(event ChangeEvent) error {
	if strings.TrimSpace(event.DocumentID) == "" {
		return ErrInvalidInput
	}
	key := event.DedupKey()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.seen[key]; exists {
		return ErrDuplicateEvent
	}
	s.seen[key] = struct{}{}
	s.events[event.DocumentID] = append(s.events[event.DocumentID], event)
	return nil
}

func (s *memoryEventStore) Query(documentID string, since, until time.Time, limit int) ([]ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ChangeEvent
	for _, event := range s.events[documentID] {
		if !since.IsZero() && event.DetectedAt.Before(since) {
			continue
		}
		if !until.IsZero() && event.DetectedAt.After(until) {
			continue
		}
		out = append(out, event)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

type memorySnapshotStore struct {
	mu        sync.Mutex
	snapshots map[string][]DocumentSnapshot
	retention int
}

func NewMemorySnapshotStore(retention int) SnapshotStore {
	if retention <= 0 {
		retention = 5
	}
	return &memorySnapshotStore{
		snapshots: map[string][]DocumentSnapshot{},
		retention: retention,
	}
}

func (s *memorySnapshotStore) Latest(documentID string) (*DocumentSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.snapshots[documentID]
	if len(stored) == 0 {
		return nil, nil
	}
	latest := stored[len(stored)-1]
	return &latest, nil
}

func (s *memorySnapshotStore) Save(snapshot DocumentSnapshot) error {
	if strings.TrimSpace(snapshot.DocumentID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := append(s.snapshots[snapshot.DocumentID], snapshot)
	if len(stored) > s.retention {
		stored = append([]DocumentSnapshot(nil), stored[len(stored)-s.retention:]...)
	}
	s.snapshots[snapshot.DocumentID] = stored
	return nil
}

type memoryCandidateQueue struct {
	ch chan ChangeCandidate
}

func NewMemoryCandidateQueue(capacity int) CandidateQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &memoryCandidateQueue{ch: make(chan ChangeCandidate, capacity)}
}

func (q *memoryCandidateQueue) TryEnqueue(candidate ChangeCandidate) bool {
	if q == nil || strings.TrimSpace(candidate.DocumentID) == "" {
		return false
	}
	select {
	case q.ch <- candidate:
		return true
	default:
		return false
	}
}

func (q *memoryCandidateQueue) Enqueue(ctx context.Context, candidate ChangeCandidate) bool {
	if q == nil || strings.TrimSpace(candidate.DocumentID) == "" {
		return false
	}
	select {
	case q.ch <- candidate:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *memoryCandidateQueue) Dequeue(ctx context.Context) (ChangeCandidate, bool) {
	if q == nil {
		return ChangeCandidate{}, false
	}
	select {
	case candidate := <-q.ch:
		return candidate, true
	case <-ctx.Done():
		return ChangeCandidate{}, false
	}
}

func (q *memoryCandidateQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *memoryCandidateQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *memoryCandidateQueue) Close() error {
	return nil
}
