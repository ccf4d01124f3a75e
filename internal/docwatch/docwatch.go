// Package docwatch tracks external documents for modification and delivers
// change notifications to chat threads. Changes are detected by a polling
// scheduler and, when available, by push webhooks from the content service;
// both paths converge on a single dedup-and-persist pipeline.
package docwatch

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrDuplicateEvent = errors.New("duplicate change event")
	ErrQueueFull      = errors.New("queue full")
	ErrClosed         = errors.New("tracker closed")

	// ErrUpstreamTransient marks network, rate-limit, and 5xx failures from
	// the content service. Safe to retry.
	ErrUpstreamTransient = errors.New("transient upstream error")

	// ErrUpstreamAccess marks not-found and permission-revoked failures.
	// Never retried; repeated occurrences remove the document from tracking.
	ErrUpstreamAccess = errors.New("permanent access error")
)

type AccessError struct {
	DocumentID string
	StatusCode int
	Code       string
	Message    string
}

func (e *AccessError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("document %s inaccessible: status=%d code=%s message=%s", e.DocumentID, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("document %s inaccessible: status=%d", e.DocumentID, e.StatusCode)
}

func (e *AccessError) Is(target error) bool {
	return target == ErrUpstreamAccess
}

type TransientError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient upstream error: %v", e.Err)
	}
	return fmt.Sprintf("transient upstream error: status=%d message=%s", e.StatusCode, e.Message)
}

func (e *TransientError) Is(target error) bool {
	return target == ErrUpstreamTransient
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Logger is the minimal logging surface accepted by long-lived components.
type Logger interface {
	Printf(format string, args ...any)
}

type ChangeSource string

const (
	SourcePoll    ChangeSource = "poll"
	SourceWebhook ChangeSource = "webhook"
)

type ChangeType string

const (
	ChangeEdit    ChangeType = "edit"
	ChangeRename  ChangeType = "rename"
	ChangeMove    ChangeType = "move"
	ChangeDelete  ChangeType = "delete"
	ChangeUnknown ChangeType = "unknown"
)

// NormalizeChangeType collapses raw upstream change strings into the fixed
// ChangeType set; unrecognized strings become ChangeUnknown.
func NormalizeChangeType(raw string) ChangeType {
	switch ChangeType(raw) {
	case ChangeEdit, ChangeRename, ChangeMove, ChangeDelete:
		return ChangeType(raw)
	}
	switch raw {
	case "edited", "content_edit", "update", "updated":
		return ChangeEdit
	case "title_update", "renamed":
		return ChangeRename
	case "moved", "relocated":
		return ChangeMove
	case "deleted", "trashed", "removed":
		return ChangeDelete
	}
	return ChangeUnknown
}

// Metadata is the current upstream view of a document, as returned by the
// content service. LastModifiedAt is the service's own strictly increasing
// timestamp, not local wall-clock time.
type Metadata struct {
	DocumentID     string  `json:"documentId"`
	DocType        DocType `json:"docType"`
	Title          string  `json:"title,omitempty"`
	OwnerID        string  `json:"ownerId,omitempty"`
	LastEditorID   string  `json:"lastEditorId"`
	LastModifiedAt int64   `json:"lastModifiedAt"`
	Revision       int64   `json:"revision,omitempty"`
}

// TrackedDocument is one document under active change monitoring on behalf
// of a chat thread. At most one entry exists per document; re-watching with
// a different thread updates NotifyTargetID in place.
type TrackedDocument struct {
	DocumentID     string    `json:"documentId"`
	DocType        DocType   `json:"docType"`
	NotifyTargetID string    `json:"notifyTargetId"`
	Title          string    `json:"title,omitempty"`
	LastEditorID   string    `json:"lastEditorId,omitempty"`
	LastModifiedAt int64     `json:"lastModifiedAt"`
	LastRevision   int64     `json:"lastRevision,omitempty"`
	WebhookActive  bool      `json:"webhookActive"`
	WatchedAt      time.Time `json:"watchedAt"`
}

// ChangeEvent is one detected modification. Immutable once persisted;
// uniquely keyed by (DocumentID, ChangedBy, ChangedAt).
type ChangeEvent struct {
	EventID        string       `json:"eventId"`
	DocumentID     string       `json:"documentId"`
	DocType        DocType      `json:"docType"`
	ChangeType     ChangeType   `json:"changeType"`
	ChangedBy      string       `json:"changedBy"`
	ChangedAt      int64        `json:"changedAt"`
	DetectedAt     time.Time    `json:"detectedAt"`
	Source         ChangeSource `json:"source"`
	NotifyTargetID string       `json:"notifyTargetId,omitempty"`
	Title          string       `json:"title,omitempty"`
	CorrelationID  string       `json:"correlationId,omitempty"`
}

// DedupKey returns the key used to collapse duplicate detections of the
// same change from the poll and webhook paths.
func (e ChangeEvent) DedupKey() string {
	return dedupKey(e.DocumentID, e.ChangedBy, e.ChangedAt)
}

func dedupKey(documentID, changedBy string, changedAt int64) string {
	return fmt.Sprintf("%s|%s|%d", documentID, changedBy, changedAt)
}

// ChangeCandidate is a not-yet-deduplicated change observation from either
// detection path. Candidates become ChangeEvents inside the tracker's apply
// stage, never before.
type ChangeCandidate struct {
	DocumentID    string       `json:"documentId"`
	ChangeType    ChangeType   `json:"changeType"`
	ChangedBy     string       `json:"changedBy"`
	ChangedAt     int64        `json:"changedAt"`
	Source        ChangeSource `json:"source"`
	Revision      int64        `json:"revision,omitempty"`
	Title         string       `json:"title,omitempty"`
	CorrelationID string       `json:"correlationId,omitempty"`
}

func (c ChangeCandidate) dedupKey() string {
	return dedupKey(c.DocumentID, c.ChangedBy, c.ChangedAt)
}

// DocumentSnapshot is a compressed copy of document content at a point in
// time. Snapshots feed DiffSummary computation only; change detection never
// depends on them.
type DocumentSnapshot struct {
	DocumentID  string    `json:"documentId"`
	Revision    int64     `json:"revision"`
	ContentHash string    `json:"contentHash"`
	Compressed  []byte    `json:"compressed"`
	CapturedAt  time.Time `json:"capturedAt"`
}

// DiffSummary describes one snapshot-to-snapshot content change.
type DiffSummary struct {
	DocumentID      string    `json:"documentId"`
	FromHash        string    `json:"fromHash,omitempty"`
	ToHash          string    `json:"toHash"`
	AddedChars      int       `json:"addedChars"`
	RemovedChars    int       `json:"removedChars"`
	ChangedSections []string  `json:"changedSections,omitempty"`
	ComputedAt      time.Time `json:"computedAt"`
}
