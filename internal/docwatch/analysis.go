package docwatch

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type AnalysisOptions struct {
	Content      MetadataClient
	Snapshots    SnapshotStore
	Rules        *RuleSet
	Dispatcher   *Dispatcher
	Workers      int
	QueueSize    int
	FetchTimeout time.Duration
	Logger       Logger
	Metrics      *TrackerMetrics
	Clock        func() time.Time
}

// AnalysisPipeline turns persisted change events into snapshots, diff
// summaries, and rule-triggered supplementary actions. It runs behind its
// own queue: a content-fetch failure here never touches the already
// persisted event or the primary notification, which has been queued before
// analysis starts.
type AnalysisPipeline struct {
	content      MetadataClient
	snapshots    SnapshotStore
	rules        *RuleSet
	dispatcher   *Dispatcher
	workers      int
	queue        chan ChangeEvent
	fetchTimeout time.Duration
	logger       Logger
	metrics      *TrackerMetrics
	clock        func() time.Time
}

func NewAnalysisPipeline(opts AnalysisOptions) *AnalysisPipeline {
	workers := opts.Workers
	if workers <= 0 {
		workers = 2
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	fetchTimeout := opts.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = 10 * time.Second
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &AnalysisPipeline{
		content:      opts.Content,
		snapshots:    opts.Snapshots,
		rules:        opts.Rules,
		dispatcher:   opts.Dispatcher,
		workers:      workers,
		queue:        make(chan ChangeEvent, queueSize),
		fetchTimeout: fetchTimeout,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		clock:        clock,
	}
}

// Run starts the analysis workers and blocks until ctx is cancelled.
func (p *AnalysisPipeline) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case event := <-p.queue:
					p.processEvent(ctx, event)
				}
			}
		}()
	}
	wg.Wait()
}

// Submit hands a persisted event to the pipeline without blocking the
// caller. A full queue drops the analysis, never the event.
func (p *AnalysisPipeline) Submit(event ChangeEvent) {
	if p == nil {
		return
	}
	select {
	case p.queue <- event:
	default:
		p.logf("analysis queue full, skipping analysis for %s", event.DocumentID)
		if p.metrics != nil {
			p.metrics.analysisFailures.Add(1)
		}
	}
}

func (p *AnalysisPipeline) processEvent(ctx context.Context, event ChangeEvent) {
	if p.metrics != nil {
		p.metrics.analysisRuns.Add(1)
	}
	diff, err := p.captureAndDiff(ctx, event)
	if err != nil {
		// Detection already succeeded; description is best effort.
		p.logf("analysis for %s failed: %v", event.DocumentID, err)
		if p.metrics != nil {
			p.metrics.analysisFailures.Add(1)
		}
	}
	p.evaluateRules(event, diff)
}

func (p *AnalysisPipeline) captureAndDiff(ctx context.Context, event ChangeEvent) (*DiffSummary, error) {
	if p.content == nil || p.snapshots == nil {
		return nil, nil
	}
	fetchCtx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	defer cancel()
	newContent, err := p.content.FetchContent(fetchCtx, event.DocumentID, event.DocType)
	if err != nil {
		return nil, fmt.Errorf("fetch content: %w", err)
	}
	newHash := hashContent(newContent)

	previous, err := p.snapshots.Latest(event.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("load previous snapshot: %w", err)
	}
	if previous != nil && previous.ContentHash == newHash {
		return nil, nil
	}

	snapshot, err := NewSnapshot(event.DocumentID, revisionForSnapshot(event), newContent, p.clock())
	if err != nil {
		return nil, fmt.Errorf("compress snapshot: %w", err)
	}
	if err := p.snapshots.Save(snapshot); err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}

	oldContent := ""
	if previous != nil {
		oldContent, err = previous.Content()
		if err != nil {
			p.logf("decompress previous snapshot for %s failed: %v", event.DocumentID, err)
			oldContent = ""
		}
	}
	diff := ComputeDiffSummary(event.DocumentID, oldContent, newContent, p.clock())
	return &diff, nil
}

func (p *AnalysisPipeline) evaluateRules(event ChangeEvent, diff *DiffSummary) {
	if p.rules == nil || p.dispatcher == nil || event.NotifyTargetID == "" {
		return
	}
	for _, rule := range p.rules.Evaluate(event, diff) {
		text := rule.Message
		if text == "" {
			text = fmt.Sprintf("Rule %q matched a change to %s by %s.", rule.Name, event.DocumentID, displayEditor(event.ChangedBy))
		}
		p.dispatcher.NotifyRuleMatch(event.NotifyTargetID, text)
	}
}

func revisionForSnapshot(event ChangeEvent) int64 {
	// Upstream revision is not carried on the event; the monotonic change
	// timestamp serves as the snapshot ordering key instead.
	return event.ChangedAt
}

func (p *AnalysisPipeline) logf(format string, args ...any) {
	if p == nil || p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}
