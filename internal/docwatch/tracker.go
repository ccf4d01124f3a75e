package docwatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const maxDedupIndexEntries = 4096

type TrackerOptions struct {
	Metadata        MetadataClient
	Registrar       WebhookRegistrar
	Messenger       ThreadMessenger
	TrackedStore    TrackedStore
	EventStore      EventStore
	SnapshotStore   SnapshotStore
	Queue           CandidateQueue
	PollInterval    time.Duration
	PollConcurrency int
	RemoveThreshold int
	NotifyAttempts  int
	NotifyBaseDelay time.Duration
	AnalysisWorkers int
	RulesPath       string
	DisableWorkers  bool
	Logger          Logger
	Clock           func() time.Time
}

// Tracker owns the full change-tracking pipeline: the registry of tracked
// documents, the polling scheduler, the webhook intake, and the single
// apply stage both detection paths converge on. One applier goroutine
// serializes applyCandidate, which gives per-document event ordering for
// free and keeps dedup-before-persist atomic without extra locking.
type Tracker struct {
	metadata      MetadataClient
	registrar     WebhookRegistrar
	registry      *Registry
	trackedStore  TrackedStore
	eventStore    EventStore
	fallbackStore EventStore
	queue         CandidateQueue
	poller        *Poller
	dispatcher    *Dispatcher
	analysis      *AnalysisPipeline
	rules         *RuleSet
	broadcaster   *EventBroadcaster
	metrics       *TrackerMetrics
	logger        Logger
	clock         func() time.Time

	removeThreshold int

	dedupMu    sync.Mutex
	dedupIndex map[string]struct{}
	dedupFIFO  []string

	closed    chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewTracker(opts TrackerOptions) *Tracker {
	if opts.TrackedStore == nil {
		opts.TrackedStore = NewMemoryTrackedStore()
	}
	if opts.EventStore == nil {
		opts.EventStore = NewMemoryEventStore()
	}
	if opts.SnapshotStore == nil {
		opts.SnapshotStore = NewMemorySnapshotStore(0)
	}
	if opts.Queue == nil {
		opts.Queue = NewMemoryCandidateQueue(0)
	}
	if opts.Registrar == nil {
		opts.Registrar = NoopRegistrar{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	removeThreshold := opts.RemoveThreshold
	if removeThreshold <= 0 {
		removeThreshold = 5
	}

	metrics := &TrackerMetrics{}
	registry := NewRegistry()
	broadcaster := NewEventBroadcaster()
	rules := NewRuleSet(opts.RulesPath, opts.Logger)
	if err := rules.Load(); err != nil {
		if opts.Logger != nil {
			opts.Logger.Printf("rules load failed, starting with no rules: %v", err)
		}
	}
	dispatcher := NewDispatcher(DispatcherOptions{
		Messenger:   opts.Messenger,
		MaxAttempts: opts.NotifyAttempts,
		BaseDelay:   opts.NotifyBaseDelay,
		Logger:      opts.Logger,
		Metrics:     metrics,
	})
	analysis := NewAnalysisPipeline(AnalysisOptions{
		Content:    opts.Metadata,
		Snapshots:  opts.SnapshotStore,
		Rules:      rules,
		Dispatcher: dispatcher,
		Workers:    opts.AnalysisWorkers,
		Logger:     opts.Logger,
		Metrics:    metrics,
		Clock:      clock,
	})

	t := &Tracker{
		metadata:        opts.Metadata,
		registrar:       opts.Registrar,
		registry:        registry,
		trackedStore:    opts.TrackedStore,
		eventStore:      opts.EventStore,
		fallbackStore:   NewMemoryEventStore(),
		queue:           opts.Queue,
		dispatcher:      dispatcher,
		analysis:        analysis,
		rules:           rules,
		broadcaster:     broadcaster,
		metrics:         metrics,
		logger:          opts.Logger,
		clock:           clock,
		removeThreshold: removeThreshold,
		dedupIndex:      map[string]struct{}{},
		closed:          make(chan struct{}),
	}
	t.runCtx, t.runCancel = context.WithCancel(context.Background())
	t.poller = NewPoller(PollerOptions{
		Registry:        registry,
		Metadata:        opts.Metadata,
		Interval:        opts.PollInterval,
		Concurrency:     opts.PollConcurrency,
		RemoveThreshold: removeThreshold,
		Submit:          t.submitCandidate,
		OnRemoved:       t.handleRemoved,
		Logger:          opts.Logger,
		Metrics:         metrics,
		Clock:           clock,
	})

	t.restoreTracked()

	if !opts.DisableWorkers {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.poller.Run(t.runCtx)
		}()
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.applier()
		}()
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.dispatcher.Run(t.runCtx)
		}()
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.analysis.Run(t.runCtx)
		}()
		if opts.RulesPath != "" {
			t.wg.Add(1)
			go func() {
				defer t.wg.Done()
				if err := t.rules.Watch(t.runCtx.Done()); err != nil {
					t.logf("rules watcher stopped: %v", err)
				}
			}()
		}
	}
	return t
}

// restoreTracked rehydrates the registry from the durable tracked set so a
// restart resumes polling without re-issuing watch commands.
func (t *Tracker) restoreTracked() {
	docs, err := t.trackedStore.List()
	if err != nil {
		t.logf("restore of tracked documents failed, starting empty: %v", err)
		t.recordPersistFailure()
		return
	}
	for _, doc := range docs {
		t.registry.Upsert(doc)
	}
	if len(docs) > 0 {
		t.logf("restored %d tracked documents", len(docs))
	}
}

// Close stops all workers and waits for them. In-flight polls complete
// against the cancelled context and are discarded.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.runCancel()
		t.wg.Wait()
		_ = t.queue.Close()
	})
}

// Watch starts tracking a document for a chat thread. Fails fast when the
// document is inaccessible; re-watching an already-tracked document updates
// the notify target instead of erroring.
func (t *Tracker) Watch(ctx context.Context, documentID, rawType, notifyTargetID string) (TrackedDocument, error) {
	documentID = strings.TrimSpace(documentID)
	notifyTargetID = strings.TrimSpace(notifyTargetID)
	if documentID == "" || notifyTargetID == "" {
		return TrackedDocument{}, ErrInvalidInput
	}
	docType := NormalizeDocType(rawType)
	meta, err := t.metadata.FetchMetadata(ctx, documentID, docType)
	if err != nil {
		return TrackedDocument{}, fmt.Errorf("watch %s: %w", documentID, err)
	}
	doc := TrackedDocument{
		DocumentID:     documentID,
		DocType:        meta.DocType,
		NotifyTargetID: notifyTargetID,
		Title:          meta.Title,
		LastEditorID:   meta.LastEditorID,
		LastModifiedAt: meta.LastModifiedAt,
		LastRevision:   meta.Revision,
		WatchedAt:      t.clock(),
	}
	doc.WebhookActive = t.registrar.Register(ctx, documentID, doc.DocType)
	t.registry.Upsert(doc)
	stored, _ := t.registry.Get(documentID)
	if err := t.trackedStore.Upsert(stored); err != nil {
		t.logf("persisting tracked document %s failed: %v", documentID, err)
		t.recordPersistFailure()
	}
	return stored, nil
}

// Unwatch stops tracking a document. An in-flight poll for it completes
// and is discarded by the registry.
func (t *Tracker) Unwatch(ctx context.Context, documentID string) error {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return ErrInvalidInput
	}
	doc, ok := t.registry.Remove(documentID)
	if !ok {
		return ErrNotFound
	}
	if doc.WebhookActive {
		t.registrar.Deregister(ctx, documentID, doc.DocType)
	}
	if err := t.trackedStore.Delete(documentID); err != nil {
		t.logf("deleting tracked document %s failed: %v", documentID, err)
		t.recordPersistFailure()
	}
	return nil
}

func (t *Tracker) ListTracked(notifyTargetID string) []TrackedDocument {
	return t.registry.List(notifyTargetID)
}

func (t *Tracker) Status() MetricsSnapshot {
	return t.metrics.snapshot(t.registry.Len())
}

// QueryEvents returns persisted change events for a document in detection
// order. In degraded mode the in-memory fallback log is consulted as well.
func (t *Tracker) QueryEvents(documentID string, since, until time.Time, limit int) ([]ChangeEvent, error) {
	events, err := t.eventStore.Query(documentID, since, until, limit)
	if err != nil {
		t.logf("event query for %s failed, serving fallback log: %v", documentID, err)
		return t.fallbackStore.Query(documentID, since, until, limit)
	}
	if t.metrics.degraded.Load() {
		fallback, fbErr := t.fallbackStore.Query(documentID, since, until, limit)
		if fbErr == nil {
			events = mergeEvents(events, fallback, limit)
		}
	}
	return events, nil
}

// Events exposes the live change-event feed.
func (t *Tracker) Events() (<-chan ChangeEvent, func()) {
	return t.broadcaster.Subscribe()
}

// SubmitWebhookCandidate feeds a push-delivered change observation into the
// same dedup+persist path as polling. Callers get an ack as soon as the
// candidate is queued; processing is asynchronous.
func (t *Tracker) SubmitWebhookCandidate(candidate ChangeCandidate) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	if strings.TrimSpace(candidate.DocumentID) == "" || strings.TrimSpace(candidate.ChangedBy) == "" || candidate.ChangedAt <= 0 {
		return ErrInvalidInput
	}
	candidate.Source = SourceWebhook
	if candidate.ChangeType == "" {
		candidate.ChangeType = ChangeUnknown
	}
	if t.metrics != nil {
		t.metrics.webhookEvents.Add(1)
	}
	if !t.queue.TryEnqueue(candidate) {
		return ErrQueueFull
	}
	return nil
}

func (t *Tracker) submitCandidate(candidate ChangeCandidate) {
	select {
	case <-t.closed:
		return
	default:
	}
	if t.queue.TryEnqueue(candidate) {
		return
	}
	go func() {
		if !t.queue.Enqueue(t.runCtx, candidate) {
			t.logf("dropping change candidate for %s: queue unavailable", candidate.DocumentID)
		}
	}()
}

func (t *Tracker) applier() {
	for {
		candidate, ok := t.queue.Dequeue(t.runCtx)
		if !ok {
			return
		}
		t.ApplyCandidate(candidate)
	}
}

// ApplyCandidate is the single convergence point for both detection paths:
// dedup first, persist second, everything downstream after. Detection state
// is committed before notification or analysis can fail.
func (t *Tracker) ApplyCandidate(candidate ChangeCandidate) {
	doc, tracked := t.registry.Get(candidate.DocumentID)
	if !tracked {
		return
	}
	key := candidate.dedupKey()
	if !t.markDedupKey(key) {
		if t.metrics != nil {
			t.metrics.eventsDeduplicated.Add(1)
		}
		return
	}

	event := ChangeEvent{
		EventID:        uuid.NewString(),
		DocumentID:     candidate.DocumentID,
		DocType:        doc.DocType,
		ChangeType:     candidate.ChangeType,
		ChangedBy:      candidate.ChangedBy,
		ChangedAt:      candidate.ChangedAt,
		DetectedAt:     t.clock(),
		Source:         candidate.Source,
		NotifyTargetID: doc.NotifyTargetID,
		Title:          firstNonEmpty(candidate.Title, doc.Title),
		CorrelationID:  candidate.CorrelationID,
	}
	if event.ChangeType == "" {
		event.ChangeType = ChangeUnknown
	}

	if err := t.eventStore.Append(event); err != nil {
		switch {
		case errors.Is(err, ErrDuplicateEvent):
			// Storage-layer dedup caught what the index missed (e.g. after
			// a restart). Counts as a suppressed duplicate, not an error.
			if t.metrics != nil {
				t.metrics.eventsDeduplicated.Add(1)
			}
			return
		default:
			t.logf("event persistence for %s failed, continuing in degraded mode: %v", event.DocumentID, err)
			t.recordPersistFailure()
			if fbErr := t.fallbackStore.Append(event); errors.Is(fbErr, ErrDuplicateEvent) {
				if t.metrics != nil {
					t.metrics.eventsDeduplicated.Add(1)
				}
				return
			}
		}
	}
	if t.metrics != nil {
		t.metrics.eventsPersisted.Add(1)
	}

	updated, ok := t.registry.AdvanceLastKnown(event.DocumentID, event.ChangedBy, event.ChangedAt, candidate.Revision, candidate.Title)
	if ok {
		if err := t.trackedStore.Upsert(updated); err != nil {
			t.logf("persisting tracked state for %s failed: %v", event.DocumentID, err)
			t.recordPersistFailure()
		}
	}

	t.broadcaster.Publish(event)
	t.analysis.Submit(event)
	t.dispatcher.NotifyChange(event.NotifyTargetID, event, nil)
}

// markDedupKey records a dedup key, returning false when it was already
// seen. The index is bounded FIFO; the storage unique constraint backstops
// anything evicted.
func (t *Tracker) markDedupKey(key string) bool {
	t.dedupMu.Lock()
	defer t.dedupMu.Unlock()
	if _, seen := t.dedupIndex[key]; seen {
		return false
	}
	t.dedupIndex[key] = struct{}{}
	t.dedupFIFO = append(t.dedupFIFO, key)
	if len(t.dedupFIFO) > maxDedupIndexEntries {
		oldest := t.dedupFIFO[0]
		t.dedupFIFO = t.dedupFIFO[1:]
		delete(t.dedupIndex, oldest)
	}
	return true
}

func (t *Tracker) handleRemoved(doc TrackedDocument, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if doc.WebhookActive {
		t.registrar.Deregister(ctx, doc.DocumentID, doc.DocType)
	}
	if err := t.trackedStore.Delete(doc.DocumentID); err != nil {
		t.logf("deleting removed document %s failed: %v", doc.DocumentID, err)
		t.recordPersistFailure()
	}
	reason := "the document is no longer accessible"
	var accessErr *AccessError
	if errors.As(cause, &accessErr) && accessErr.StatusCode == 404 {
		reason = "the document was deleted upstream"
	}
	t.dispatcher.NotifyTrackingStopped(doc, reason)
}

func (t *Tracker) recordPersistFailure() {
	if t.metrics == nil {
		return
	}
	t.metrics.persistFailures.Add(1)
	t.metrics.degraded.Store(true)
}

func (t *Tracker) logf(format string, args ...any) {
	if t == nil || t.logger == nil {
		return
	}
	t.logger.Printf(format, args...)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func mergeEvents(primary, extra []ChangeEvent, limit int) []ChangeEvent {
	seen := map[string]struct{}{}
	for _, event := range primary {
		seen[event.DedupKey()] = struct{}{}
	}
	merged := primary
	for _, event := range extra {
		if _, dup := seen[event.DedupKey()]; dup {
			continue
		}
		merged = append(merged, event)
	}
	// The fallback log interleaves with the primary store in time, so the
	// merged feed must be re-sorted before the limit is applied.
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].DetectedAt.Before(merged[j].DetectedAt)
	})
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}
