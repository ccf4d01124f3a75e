package docwatch

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ThreadMessenger is the single point of contact with the chat-platform
// integration layer.
type ThreadMessenger interface {
	SendThreadMessage(ctx context.Context, notifyTargetID, text string) error
}

type notificationKind string

const (
	notifyChange          notificationKind = "change"
	notifyTrackingStopped notificationKind = "tracking-stopped"
	notifyRuleMatch       notificationKind = "rule-match"
)

type notification struct {
	kind     notificationKind
	targetID string
	event    ChangeEvent
	diff     *DiffSummary
	text     string
}

type DispatcherOptions struct {
	Messenger   ThreadMessenger
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	SendTimeout time.Duration
	QueueSize   int
	Logger      Logger
	Metrics     *TrackerMetrics
}

// Dispatcher delivers notifications with at-least-once semantics: a failed
// send is retried with backoff, then logged as a permanent failure. Delivery
// never feeds back into change detection, so a failed send can neither lose
// nor duplicate a detection. A single worker drains the queue, which keeps
// delivery order aligned with event-persistence order per document.
type Dispatcher struct {
	messenger   ThreadMessenger
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	sendTimeout time.Duration
	queue       chan notification
	logger      Logger
	metrics     *TrackerMetrics
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	sendTimeout := opts.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = 10 * time.Second
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Dispatcher{
		messenger:   opts.Messenger,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		sendTimeout: sendTimeout,
		queue:       make(chan notification, queueSize),
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}
}

// Run drains the notification queue until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-d.queue:
			d.deliver(ctx, item)
		}
	}
}

func (d *Dispatcher) enqueue(item notification) {
	if d == nil || strings.TrimSpace(item.targetID) == "" {
		return
	}
	select {
	case d.queue <- item:
	default:
		d.logf("notification queue full, dropping %s notification for %s", item.kind, item.targetID)
		if d.metrics != nil {
			d.metrics.notificationsFailed.Add(1)
		}
	}
}

// NotifyChange queues the primary notification for a persisted change
// event. The diff is optional and never waited for.
func (d *Dispatcher) NotifyChange(targetID string, event ChangeEvent, diff *DiffSummary) {
	d.enqueue(notification{kind: notifyChange, targetID: targetID, event: event, diff: diff})
}

// NotifyTrackingStopped queues the one-time message sent when a document is
// dropped from tracking.
func (d *Dispatcher) NotifyTrackingStopped(doc TrackedDocument, reason string) {
	d.enqueue(notification{
		kind:     notifyTrackingStopped,
		targetID: doc.NotifyTargetID,
		text:     formatTrackingStopped(doc, reason),
	})
}

// NotifyRuleMatch queues a supplementary message produced by the analysis
// pipeline's rule evaluation.
func (d *Dispatcher) NotifyRuleMatch(targetID, text string) {
	d.enqueue(notification{kind: notifyRuleMatch, targetID: targetID, text: text})
}

func (d *Dispatcher) deliver(ctx context.Context, item notification) {
	text := item.text
	if text == "" {
		text = formatChange(item.event, item.diff)
	}
	if d.messenger == nil {
		d.logf("no messenger configured, dropping notification for %s: %s", item.targetID, text)
		if d.metrics != nil {
			d.metrics.notificationsFailed.Add(1)
		}
		return
	}
	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
		err := d.messenger.SendThreadMessage(sendCtx, item.targetID, text)
		cancel()
		if err == nil {
			if d.metrics != nil {
				d.metrics.notificationsSent.Add(1)
			}
			return
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < d.maxAttempts {
			if waitErr := sleepContext(ctx, d.retryDelay(attempt)); waitErr != nil {
				break
			}
		}
	}
	if d.metrics != nil {
		d.metrics.notificationsFailed.Add(1)
	}
	d.logf("notification delivery to %s failed permanently after %d attempts: %v", item.targetID, d.maxAttempts, lastErr)
}

func (d *Dispatcher) retryDelay(attempt int) time.Duration {
	delay := d.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= d.maxDelay {
			return d.maxDelay
		}
	}
	if delay > d.maxDelay {
		return d.maxDelay
	}
	return delay
}

func (d *Dispatcher) logf(format string, args ...any) {
	if d == nil || d.logger == nil {
		return
	}
	d.logger.Printf(format, args...)
}

func formatChange(event ChangeEvent, diff *DiffSummary) string {
	name := event.Title
	if name == "" {
		name = event.DocumentID
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Document %q was %s by %s (upstream time %d).", name, describeChange(event.ChangeType), displayEditor(event.ChangedBy), event.ChangedAt)
	if diff != nil {
		fmt.Fprintf(&b, " +%d/-%d characters.", diff.AddedChars, diff.RemovedChars)
		if len(diff.ChangedSections) > 0 {
			fmt.Fprintf(&b, " Changed sections: %s.", strings.Join(diff.ChangedSections, ", "))
		}
	}
	return b.String()
}

func formatTrackingStopped(doc TrackedDocument, reason string) string {
	name := doc.Title
	if name == "" {
		name = doc.DocumentID
	}
	if reason == "" {
		reason = "the document is no longer accessible"
	}
	return fmt.Sprintf("Tracking stopped for %q: %s.", name, reason)
}

func describeChange(changeType ChangeType) string {
	switch changeType {
	case ChangeEdit:
		return "edited"
	case ChangeRename:
		return "renamed"
	case ChangeMove:
		return "moved"
	case ChangeDelete:
		return "deleted"
	default:
		return "modified"
	}
}

func displayEditor(editor string) string {
	if strings.TrimSpace(editor) == "" {
		return "an unknown editor"
	}
	return editor
}
