package docwatch

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// DocState is the per-document polling state.
type DocState string

const (
	StateIdle    DocState = "idle"
	StatePolling DocState = "polling"
	StateFailing DocState = "failing"
	StateRemoved DocState = "removed"
)

type registryEntry struct {
	doc            TrackedDocument
	state          DocState
	notFoundStreak int
	failStreak     int
	nextPollAt     time.Time
	order          uint64
}

// Registry is the process-wide set of tracked documents, shared between the
// polling scheduler and the webhook/command paths. All mutations go through
// its lock; BeginPoll/FinishPoll enforce single-flight per document.
type Registry struct {
	mu          sync.Mutex
	entries     map[string]*registryEntry
	orderSeq    uint64
	cursor      uint64
	failBackoff time.Duration
}

func NewRegistry() *Registry {
	return &Registry{
		entries:     map[string]*registryEntry{},
		failBackoff: 30 * time.Second,
	}
}

// Upsert adds a document to tracking or, when already tracked, updates the
// notify target and last-known state in place. Returns true when the
// document was newly tracked.
func (r *Registry) Upsert(doc TrackedDocument) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[doc.DocumentID]; ok && entry.state != StateRemoved {
		entry.doc.NotifyTargetID = doc.NotifyTargetID
		entry.doc.DocType = doc.DocType
		entry.doc.WebhookActive = doc.WebhookActive
		if doc.Title != "" {
			entry.doc.Title = doc.Title
		}
		if doc.LastModifiedAt > entry.doc.LastModifiedAt {
			entry.doc.LastModifiedAt = doc.LastModifiedAt
			entry.doc.LastEditorID = doc.LastEditorID
			entry.doc.LastRevision = doc.LastRevision
		}
		return false
	}
	r.orderSeq++
	r.entries[doc.DocumentID] = &registryEntry{
		doc:   doc,
		state: StateIdle,
		order: r.orderSeq,
	}
	return true
}

// Remove drops a document from tracking. An in-flight poll for the document
// completes against a missing entry and is discarded by FinishPoll.
func (r *Registry) Remove(documentID string) (TrackedDocument, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[documentID]
	if !ok {
		return TrackedDocument{}, false
	}
	delete(r.entries, documentID)
	return entry.doc, true
}

func (r *Registry) Get(documentID string) (TrackedDocument, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[documentID]
	if !ok {
		return TrackedDocument{}, false
	}
	return entry.doc, true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// List returns all tracked documents, optionally filtered by notify target,
// in stable tracking order.
func (r *Registry) List(notifyTargetID string) []TrackedDocument {
	r.mu.Lock()
	defer r.mu.Unlock()
	docs := make([]TrackedDocument, 0, len(r.entries))
	for _, entry := range r.entries {
		if notifyTargetID != "" && entry.doc.NotifyTargetID != notifyTargetID {
			continue
		}
		docs = append(docs, entry.doc)
	}
	sort.Slice(docs, func(i, j int) bool {
		return r.entries[docs[i].DocumentID].order < r.entries[docs[j].DocumentID].order
	})
	return docs
}

// PollOrder returns the ids of documents eligible for polling this tick,
// rotated round-robin across ticks so a large tracked set cannot starve a
// fixed suffix of documents.
func (r *Registry) PollOrder(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id, entry := range r.entries {
		switch entry.state {
		case StateIdle:
			ids = append(ids, id)
		case StateFailing:
			if !now.Before(entry.nextPollAt) {
				ids = append(ids, id)
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return r.entries[ids[i]].order < r.entries[ids[j]].order
	})
	if len(ids) > 1 {
		offset := int(r.cursor % uint64(len(ids)))
		ids = append(ids[offset:], ids[:offset]...)
	}
	r.cursor++
	return ids
}

// BeginPoll transitions a document to StatePolling. Returns false when the
// document is unknown or a poll is already in flight; the tick skips it.
func (r *Registry) BeginPoll(documentID string, now time.Time) (TrackedDocument, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[documentID]
	if !ok {
		return TrackedDocument{}, false
	}
	switch entry.state {
	case StateIdle:
	case StateFailing:
		if now.Before(entry.nextPollAt) {
			return TrackedDocument{}, false
		}
	default:
		return TrackedDocument{}, false
	}
	entry.state = StatePolling
	return entry.doc, true
}

// RecordUnchanged completes a poll that observed no change.
func (r *Registry) RecordUnchanged(documentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[documentID]
	if !ok || entry.state != StatePolling {
		return
	}
	entry.state = StateIdle
	entry.failStreak = 0
	entry.notFoundStreak = 0
}

// RecordChange completes a poll that observed a change and advances the
// last-known state to the observed metadata.
func (r *Registry) RecordChange(documentID string, meta Metadata) (TrackedDocument, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[documentID]
	if !ok {
		return TrackedDocument{}, false
	}
	if entry.state == StatePolling {
		entry.state = StateIdle
	}
	entry.failStreak = 0
	entry.notFoundStreak = 0
	applyMetadataLocked(entry, meta)
	return entry.doc, true
}

// AdvanceLastKnown moves a document's last-known state forward from a
// webhook- or apply-path observation. Older observations are ignored so the
// monotonic upstream clock is never rewound.
func (r *Registry) AdvanceLastKnown(documentID, editorID string, modifiedAt, revision int64, title string) (TrackedDocument, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[documentID]
	if !ok {
		return TrackedDocument{}, false
	}
	if modifiedAt >= entry.doc.LastModifiedAt {
		entry.doc.LastModifiedAt = modifiedAt
		if strings.TrimSpace(editorID) != "" {
			entry.doc.LastEditorID = editorID
		}
		if revision > entry.doc.LastRevision {
			entry.doc.LastRevision = revision
		}
		if strings.TrimSpace(title) != "" {
			entry.doc.Title = title
		}
	}
	return entry.doc, true
}

// RecordTransientFailure moves a document to StateFailing with a backoff
// window before the next poll attempt.
func (r *Registry) RecordTransientFailure(documentID string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[documentID]
	if !ok {
		return
	}
	entry.failStreak++
	entry.state = StateFailing
	backoff := r.failBackoff
	for i := 1; i < entry.failStreak && backoff < 8*r.failBackoff; i++ {
		backoff *= 2
	}
	entry.nextPollAt = now.Add(backoff)
}

// RecordAccessFailure counts a consecutive permanent-access failure and, on
// reaching the threshold, transitions the document to StateRemoved and drops
// it. Returns the removed document and true exactly once.
func (r *Registry) RecordAccessFailure(documentID string, threshold int, now time.Time) (TrackedDocument, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[documentID]
	if !ok {
		return TrackedDocument{}, false
	}
	entry.notFoundStreak++
	if entry.notFoundStreak >= threshold {
		entry.state = StateRemoved
		doc := entry.doc
		delete(r.entries, documentID)
		return doc, true
	}
	entry.state = StateFailing
	entry.nextPollAt = now.Add(r.failBackoff)
	return TrackedDocument{}, false
}

// State reports the current state of a document; unknown documents report
// StateRemoved.
func (r *Registry) State(documentID string) DocState {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[documentID]
	if !ok {
		return StateRemoved
	}
	return entry.state
}

func applyMetadataLocked(entry *registryEntry, meta Metadata) {
	if meta.LastModifiedAt >= entry.doc.LastModifiedAt {
		entry.doc.LastModifiedAt = meta.LastModifiedAt
		entry.doc.LastEditorID = meta.LastEditorID
	}
	if meta.Revision > entry.doc.LastRevision {
		entry.doc.LastRevision = meta.Revision
	}
	if strings.TrimSpace(meta.Title) != "" {
		entry.doc.Title = meta.Title
	}
}
