package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/docwatch/internal/docwatch"
)

type ServerConfig struct {
	// WebhookSecret signs change-event deliveries from the upstream
	// document service. Empty plus DevMode skips verification entirely.
	WebhookSecret  string
	WebhookMaxSkew time.Duration
	// APIToken gates the command endpoints. Empty means open access,
	// which is only sane behind DevMode.
	APIToken        string
	DevMode         bool
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type Server struct {
	tracker           *docwatch.Tracker
	cfg               ServerConfig
	schema            *webhookSchema
	rateLimiter       *rateLimiter
	logger            docwatch.Logger
	webhookReplayMu   sync.Mutex
	webhookReplaySeen map[string]time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(tracker *docwatch.Tracker) *Server {
	return NewServerWithConfig(tracker, ServerConfig{}, nil)
}

func NewServerWithConfig(tracker *docwatch.Tracker, cfg ServerConfig, logger docwatch.Logger) *Server {
	if cfg.WebhookMaxSkew <= 0 {
		cfg.WebhookMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		tracker:           tracker,
		cfg:               cfg,
		schema:            compileWebhookSchema(),
		rateLimiter:       limiter,
		logger:            logger,
		webhookReplaySeen: map[string]time.Time{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		s.handleHealth(w, r)
		return
	}
	if r.URL.Path == "/dashboard" && r.Method == http.MethodGet {
		s.handleDashboard(w, r)
		return
	}
	if r.URL.Path == "/webhook/docs/change" && r.Method == http.MethodPost {
		s.handleWebhook(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var route string
	switch {
	case len(parts) == 2 && parts[1] == "tracked" && r.Method == http.MethodPost:
		route = "watch"
	case len(parts) == 2 && parts[1] == "tracked" && r.Method == http.MethodGet:
		route = "list"
	case len(parts) == 3 && parts[1] == "tracked" && r.Method == http.MethodDelete:
		route = "unwatch"
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodGet:
		route = "status"
	case len(parts) == 4 && parts[1] == "documents" && parts[3] == "events" && r.Method == http.MethodGet:
		route = "events"
	case len(parts) == 3 && parts[1] == "events" && parts[2] == "stream" && r.Method == http.MethodGet:
		route = "stream"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	correlationID := ensureCorrelationID(r)
	if authErr := s.authorize(r); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil && route != "stream" {
		key := clientKey(r)
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "watch":
		s.handleWatch(w, r, correlationID)
	case "list":
		s.handleListTracked(w, r, correlationID)
	case "unwatch":
		s.handleUnwatch(w, r, parts[2], correlationID)
	case "status":
		s.handleStatus(w, r, correlationID)
	case "events":
		s.handleDocumentEvents(w, r, parts[2], correlationID)
	case "stream":
		s.handleEventStream(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.tracker != nil && s.tracker.Status().Degraded {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

type webhookEnvelope struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Event     struct {
		DocumentID string `json:"documentId"`
		DocType    string `json:"docType"`
		ChangeType string `json:"changeType"`
		EditorID   string `json:"editorId"`
		ModifiedAt int64  `json:"modifiedAt"`
		Revision   int64  `json:"revision"`
		Title      string `json:"title"`
	} `json:"event"`
}

// handleWebhook is the push intake. The URL-verification challenge is echoed
// before signature checks so the upstream can complete its handshake against
// a freshly configured endpoint; everything else is verified, validated
// against the payload schema, and queued. The 200 goes out as soon as the
// candidate is queued.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	correlationID := ensureCorrelationID(r)
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}

	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if envelope.Type == "url_verification" {
		writeJSON(w, http.StatusOK, map[string]string{"challenge": envelope.Challenge})
		return
	}

	if !s.cfg.DevMode {
		now := time.Now().UTC()
		timestamp := r.Header.Get("X-Docwatch-Timestamp")
		signature := r.Header.Get("X-Docwatch-Signature")
		if authErr := verifyWebhookSignature(s.cfg.WebhookSecret, timestamp, signature, body, now, s.cfg.WebhookMaxSkew); authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
		if !s.markWebhookReplaySeen(timestamp, signature, now) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "webhook delivery replay detected", correlationID)
			return
		}
	}

	if err := s.schema.validate(body); err != nil {
		s.logf("webhook payload rejected (%s): %v", correlationID, err)
		writeError(w, http.StatusBadRequest, "bad_request", "payload failed schema validation", correlationID)
		return
	}

	candidate := docwatch.ChangeCandidate{
		DocumentID:    envelope.Event.DocumentID,
		ChangeType:    docwatch.NormalizeChangeType(envelope.Event.ChangeType),
		ChangedBy:     envelope.Event.EditorID,
		ChangedAt:     envelope.Event.ModifiedAt,
		Revision:      envelope.Event.Revision,
		Title:         envelope.Event.Title,
		CorrelationID: correlationID,
	}
	if err := s.tracker.SubmitWebhookCandidate(candidate); err != nil {
		switch {
		case errors.Is(err, docwatch.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "bad_request", "change event missing required fields", correlationID)
		case errors.Is(err, docwatch.ErrQueueFull):
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "queue_full", "change queue is full", correlationID)
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

type watchRequest struct {
	DocumentID string `json:"documentId"`
	DocType    string `json:"docType"`
	ThreadID   string `json:"threadId"`
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req watchRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	doc, err := s.tracker.Watch(r.Context(), req.DocumentID, req.DocType, req.ThreadID)
	if err != nil {
		writeTrackerError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleUnwatch(w http.ResponseWriter, r *http.Request, documentID, correlationID string) {
	if err := s.tracker.Unwatch(r.Context(), documentID); err != nil {
		writeTrackerError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "stopped",
		"documentId": documentID,
	})
}

func (s *Server) handleListTracked(w http.ResponseWriter, r *http.Request, correlationID string) {
	docs := s.tracker.ListTracked(r.URL.Query().Get("threadId"))
	writeJSON(w, http.StatusOK, map[string]any{
		"tracked": docs,
		"count":   len(docs),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, correlationID string) {
	writeJSON(w, http.StatusOK, s.tracker.Status())
}

func (s *Server) handleDocumentEvents(w http.ResponseWriter, r *http.Request, documentID, correlationID string) {
	query := r.URL.Query()
	since, err := parseTimeParam(query.Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid since parameter, want RFC3339", correlationID)
		return
	}
	until, err := parseTimeParam(query.Get("until"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid until parameter, want RFC3339", correlationID)
		return
	}
	limit := 0
	if raw := query.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid limit parameter", correlationID)
			return
		}
	}
	events, err := s.tracker.QueryEvents(documentID, since, until, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	if events == nil {
		events = []docwatch.ChangeEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"documentId": documentID,
		"events":     events,
		"count":      len(events),
	})
}

func writeTrackerError(w http.ResponseWriter, err error, correlationID string) {
	var accessErr *docwatch.AccessError
	switch {
	case errors.Is(err, docwatch.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, docwatch.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.As(err, &accessErr):
		if accessErr.StatusCode == http.StatusNotFound || accessErr.StatusCode == http.StatusGone {
			writeError(w, http.StatusNotFound, "document_not_found", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusForbidden, "document_inaccessible", err.Error(), correlationID)
	case errors.Is(err, docwatch.ErrUpstreamTransient):
		writeError(w, http.StatusBadGateway, "upstream_unavailable", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func parseTimeParam(raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

// ensureCorrelationID returns the caller's correlation id, minting one when
// the header is absent so log lines and error bodies stay traceable.
func ensureCorrelationID(r *http.Request) string {
	if id := getCorrelationID(r); id != "" {
		return id
	}
	return uuid.NewString()
}

func clientKey(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func (s *Server) markWebhookReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	window := s.cfg.WebhookMaxSkew
	if window <= 0 {
		window = 5 * time.Minute
	}
	s.webhookReplayMu.Lock()
	defer s.webhookReplayMu.Unlock()
	for replayKey, expiresAt := range s.webhookReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.webhookReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.webhookReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.webhookReplaySeen[key] = now.Add(window)
	return true
}

func (s *Server) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
