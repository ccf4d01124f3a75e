package docwatch

import (
	"context"
	"errors"
	"sync"
	"time"
)

type PollerOptions struct {
	Registry        *Registry
	Metadata        MetadataClient
	Interval        time.Duration
	Concurrency     int
	RemoveThreshold int
	FetchTimeout    time.Duration
	Submit          func(ChangeCandidate)
	OnRemoved       func(TrackedDocument, error)
	Logger          Logger
	Metrics         *TrackerMetrics
	Clock           func() time.Time
}

// Poller drives change detection on a fixed tick, independent of webhook
// traffic. Per tick it fans eligible documents out to a bounded worker
// pool; the registry's BeginPoll gate keeps each document single-flight, so
// a slow fetch causes skipped ticks for that document, never queued ones.
type Poller struct {
	registry        *Registry
	metadata        MetadataClient
	interval        time.Duration
	removeThreshold int
	fetchTimeout    time.Duration
	submit          func(ChangeCandidate)
	onRemoved       func(TrackedDocument, error)
	logger          Logger
	metrics         *TrackerMetrics
	clock           func() time.Time
	sem             chan struct{}
}

func NewPoller(opts PollerOptions) *Poller {
	interval := opts.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	removeThreshold := opts.RemoveThreshold
	if removeThreshold <= 0 {
		removeThreshold = 5
	}
	fetchTimeout := opts.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = 10 * time.Second
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Poller{
		registry:        opts.Registry,
		metadata:        opts.Metadata,
		interval:        interval,
		removeThreshold: removeThreshold,
		fetchTimeout:    fetchTimeout,
		submit:          opts.Submit,
		onRemoved:       opts.OnRemoved,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		clock:           clock,
		sem:             make(chan struct{}, concurrency),
	}
}

// Run ticks until ctx is cancelled. Poll errors are contained per document
// and never abort the loop.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Ticks run detached so one slow document cannot push back the
			// schedule for every other document. BeginPoll and the worker
			// pool keep overlapping ticks safe.
			go p.Tick(ctx)
		}
	}
}

// Tick polls every eligible document once, bounded by the worker pool, and
// waits for the fan-out to finish.
func (p *Poller) Tick(ctx context.Context) {
	now := p.clock()
	var wg sync.WaitGroup
	for _, documentID := range p.registry.PollOrder(now) {
		doc, ok := p.registry.BeginPoll(documentID, now)
		if !ok {
			continue
		}
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			p.registry.RecordUnchanged(doc.DocumentID)
			return
		}
		wg.Add(1)
		go func(doc TrackedDocument) {
			defer wg.Done()
			defer func() { <-p.sem }()
			p.pollOne(ctx, doc)
		}(doc)
	}
	wg.Wait()
}

func (p *Poller) pollOne(ctx context.Context, doc TrackedDocument) {
	fetchCtx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	defer cancel()
	meta, err := p.metadata.FetchMetadata(fetchCtx, doc.DocumentID, doc.DocType)
	if err != nil {
		p.recordFailure(doc, err)
		return
	}
	if p.metrics != nil {
		p.metrics.pollSuccesses.Add(1)
	}

	changed := meta.LastModifiedAt != doc.LastModifiedAt || meta.LastEditorID != doc.LastEditorID
	if !changed {
		p.registry.RecordUnchanged(doc.DocumentID)
		return
	}
	changeType := ChangeEdit
	if meta.Title != "" && doc.Title != "" && meta.Title != doc.Title {
		changeType = ChangeRename
	}
	if _, ok := p.registry.RecordChange(doc.DocumentID, meta); !ok {
		// Unwatched while the poll was in flight; discard the observation.
		return
	}
	if p.submit != nil {
		p.submit(ChangeCandidate{
			DocumentID: doc.DocumentID,
			ChangeType: changeType,
			ChangedBy:  meta.LastEditorID,
			ChangedAt:  meta.LastModifiedAt,
			Source:     SourcePoll,
			Revision:   meta.Revision,
			Title:      meta.Title,
		})
	}
}

func (p *Poller) recordFailure(doc TrackedDocument, err error) {
	if p.metrics != nil {
		p.metrics.pollFailures.Add(1)
	}
	now := p.clock()
	if errors.Is(err, ErrUpstreamAccess) {
		removed, dropped := p.registry.RecordAccessFailure(doc.DocumentID, p.removeThreshold, now)
		if dropped {
			p.logf("document %s removed from tracking after %d consecutive access failures", doc.DocumentID, p.removeThreshold)
			if p.onRemoved != nil {
				p.onRemoved(removed, err)
			}
		}
		return
	}
	p.logf("poll for %s failed: %v", doc.DocumentID, err)
	p.registry.RecordTransientFailure(doc.DocumentID, now)
}

func (p *Poller) logf(format string, args ...any) {
	if p == nil || p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}
