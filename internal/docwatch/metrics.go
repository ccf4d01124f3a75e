package docwatch

import "sync/atomic"

// TrackerMetrics holds process-lifetime observability counters. Not
// persisted; reset on restart.
type TrackerMetrics struct {
	pollSuccesses       atomic.Uint64
	pollFailures        atomic.Uint64
	eventsPersisted     atomic.Uint64
	eventsDeduplicated  atomic.Uint64
	webhookEvents       atomic.Uint64
	notificationsSent   atomic.Uint64
	notificationsFailed atomic.Uint64
	analysisRuns        atomic.Uint64
	analysisFailures    atomic.Uint64
	persistFailures     atomic.Uint64
	degraded            atomic.Bool
}

// MetricsSnapshot is the JSON view returned by the status command.
type MetricsSnapshot struct {
	DocumentsTracked    int    `json:"documentsTracked"`
	PollSuccesses       uint64 `json:"pollSuccesses"`
	PollFailures        uint64 `json:"pollFailures"`
	EventsPersisted     uint64 `json:"eventsPersisted"`
	EventsDeduplicated  uint64 `json:"eventsDeduplicated"`
	WebhookEvents       uint64 `json:"webhookEvents"`
	NotificationsSent   uint64 `json:"notificationsSent"`
	NotificationsFailed uint64 `json:"notificationsFailed"`
	AnalysisRuns        uint64 `json:"analysisRuns"`
	AnalysisFailures    uint64 `json:"analysisFailures"`
	PersistFailures     uint64 `json:"persistFailures"`
	Degraded            bool   `json:"degraded"`
}

func (m *TrackerMetrics) snapshot(documentsTracked int) MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{DocumentsTracked: documentsTracked}
	}
	return MetricsSnapshot{
		DocumentsTracked:    documentsTracked,
		PollSuccesses:       m.pollSuccesses.Load(),
		PollFailures:        m.pollFailures.Load(),
		EventsPersisted:     m.eventsPersisted.Load(),
		EventsDeduplicated:  m.eventsDeduplicated.Load(),
		WebhookEvents:       m.webhookEvents.Load(),
		NotificationsSent:   m.notificationsSent.Load(),
		NotificationsFailed: m.notificationsFailed.Load(),
		AnalysisRuns:        m.analysisRuns.Load(),
		AnalysisFailures:    m.analysisFailures.Load(),
		PersistFailures:     m.persistFailures.Load(),
		Degraded:            m.degraded.Load(),
	}
}
