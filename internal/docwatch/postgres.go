package docwatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresTrackedTableName   = "docwatch_tracked_documents"
	postgresEventTableName     = "docwatch_change_events"
	postgresSnapshotTableName  = "docwatch_snapshots"
	postgresQueueTableName     = "docwatch_candidate_queue"
	postgresQueueKey           = "default"
	postgresOperationTimeout   = 5 * time.Second
	postgresQueuePollInterval  = 10 * time.Millisecond
	postgresUniqueViolation    = "23505"
	defaultSnapshotRetention   = 5
	defaultQueueCapacityLimit  = 1024
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// postgresCore holds one lazily initialized connection plus the schema
// migration for the table it owns. Same shape for all four stores.
type postgresCore struct {
	dsn     string
	migrate []string
	openDB  sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func newPostgresCore(dsn string, migrate []string) (*postgresCore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &postgresCore{dsn: dsn, migrate: migrate, openDB: sql.Open}, nil
}

func (c *postgresCore) ensureReady() error {
	if c == nil {
		return ErrInvalidInput
	}
	c.initOnce.Do(func() {
		db, err := c.openDB("postgres", c.dsn)
		if err != nil {
			c.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		for _, stmt := range c.migrate {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				c.initErr = err
				return
			}
		}
		c.db = db
	})
	return c.initErr
}

func (c *postgresCore) close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == postgresUniqueViolation
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

type PostgresTrackedStore struct {
	core *postgresCore
}

func NewPostgresTrackedStore(dsn string) (*PostgresTrackedStore, error) {
	table := postgresQuoteIdentifier(postgresTrackedTableName)
	core, err := newPostgresCore(dsn, []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				document_id TEXT PRIMARY KEY,
				doc_type TEXT NOT NULL,
				notify_target_id TEXT NOT NULL,
				title TEXT NOT NULL DEFAULT '',
				last_editor_id TEXT NOT NULL DEFAULT '',
				last_modified_at BIGINT NOT NULL DEFAULT 0,
				last_revision BIGINT NOT NULL DEFAULT 0,
				webhook_active BOOLEAN NOT NULL DEFAULT FALSE,
				watched_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, table),
		fmt.Sprintf(
			"CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (document_id, notify_target_id)",
			postgresQuoteIdentifier(postgresTrackedTableName+"_doc_target_idx"), table),
	})
	if err != nil {
		return nil, err
	}
	return &PostgresTrackedStore{core: core}, nil
}

func (s *PostgresTrackedStore) Upsert(doc TrackedDocument) error {
	if s == nil || strings.TrimSpace(doc.DocumentID) == "" {
		return ErrInvalidInput
	}
	if err := s.core.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (document_id, doc_type, notify_target_id, title, last_editor_id, last_modified_at, last_revision, webhook_active, watched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (document_id)
		DO UPDATE SET
			doc_type = EXCLUDED.doc_type,
			notify_target_id = EXCLUDED.notify_target_id,
			title = EXCLUDED.title,
			last_editor_id = EXCLUDED.last_editor_id,
			last_modified_at = EXCLUDED.last_modified_at,
			last_revision = EXCLUDED.last_revision,
			webhook_active = EXCLUDED.webhook_active`,
		postgresQuoteIdentifier(postgresTrackedTableName))
	_, err := s.core.db.ExecContext(ctx, query,
		doc.DocumentID, string(doc.DocType), doc.NotifyTargetID, doc.Title,
		doc.LastEditorID, doc.LastModifiedAt, doc.LastRevision, doc.WebhookActive, doc.WatchedAt)
	return err
}

func (s *PostgresTrackedStore) Delete(documentID string) error {
	if s == nil || strings.TrimSpace(documentID) == "" {
		return ErrInvalidInput
	}
	if err := s.core.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("DELETE FROM %s WHERE document_id = $1", postgresQuoteIdentifier(postgresTrackedTableName))
	_, err := s.core.db.ExecContext(ctx, query, documentID)
	return err
}

func (s *PostgresTrackedStore) List() ([]TrackedDocument, error) {
	if s == nil {
		return nil, ErrInvalidInput
	}
	if err := s.core.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		SELECT document_id, doc_type, notify_target_id, title, last_editor_id, last_modified_at, last_revision, webhook_active, watched_at
		FROM %s ORDER BY watched_at ASC`, postgresQuoteIdentifier(postgresTrackedTableName))
	rows, err := s.core.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	docs := make([]TrackedDocument, 0)
	for rows.Next() {
		var doc TrackedDocument
		var docType string
		if err := rows.Scan(&doc.DocumentID, &docType, &doc.NotifyTargetID, &doc.Title,
			&doc.LastEditorID, &doc.LastModifiedAt, &doc.LastRevision, &doc.WebhookActive, &doc.WatchedAt); err != nil {
			return nil, err
		}
		doc.DocType = NormalizeDocType(docType)
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *PostgresTrackedStore) Close() error {
	if s == nil {
		return nil
	}
	return s.core.close()
}

// PostgresEventStore is the durable append-only change-event log. The
// unique index on (document_id, changed_by, changed_at) enforces the dedup
// invariant at the storage layer, as a second line of defense behind the
// tracker's in-memory dedup index.
type PostgresEventStore struct {
	core *postgresCore
}

func NewPostgresEventStore(dsn string) (*PostgresEventStore, error) {
	table := postgresQuoteIdentifier(postgresEventTableName)
	core, err := newPostgresCore(dsn, []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				event_id TEXT PRIMARY KEY,
				document_id TEXT NOT NULL,
				doc_type TEXT NOT NULL,
				change_type TEXT NOT NULL,
				changed_by TEXT NOT NULL,
				changed_at BIGINT NOT NULL,
				detected_at TIMESTAMPTZ NOT NULL,
				source TEXT NOT NULL,
				notify_target_id TEXT NOT NULL DEFAULT '',
				title TEXT NOT NULL DEFAULT '',
				correlation_id TEXT NOT NULL DEFAULT ''
			)`, table),
		fmt.Sprintf(
			"CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (document_id, changed_by, changed_at)",
			postgresQuoteIdentifier(postgresEventTableName+"_dedup_idx"), table),
		fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (document_id, detected_at)",
			postgresQuoteIdentifier(postgresEventTableName+"_detected_idx"), table),
	})
	if err != nil {
		return nil, err
	}
	return &PostgresEventStore{core: core}, nil
}

func (s *PostgresEventStore) Append(event ChangeEvent) error {
	if s == nil || strings.TrimSpace(event.DocumentID) == "" {
		return ErrInvalidInput
	}
	if err := s.core.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (event_id, document_id, doc_type, change_type, changed_by, changed_at, detected_at, source, notify_target_id, title, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		postgresQuoteIdentifier(postgresEventTableName))
	_, err := s.core.db.ExecContext(ctx, query,
		event.EventID, event.DocumentID, string(event.DocType), string(event.ChangeType),
		event.ChangedBy, event.ChangedAt, event.DetectedAt, string(event.Source),
		event.NotifyTargetID, event.Title, event.CorrelationID)
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicateEvent
	}
	return err
}

func (s *PostgresEventStore) Query(documentID string, since, until time.Time, limit int) ([]ChangeEvent, error) {
	if s == nil {
		return nil, ErrInvalidInput
	}
	if err := s.core.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		SELECT event_id, document_id, doc_type, change_type, changed_by, changed_at, detected_at, source, notify_target_id, title, correlation_id
		FROM %s
		WHERE document_id = $1
		  AND ($2::timestamptz IS NULL OR detected_at >= $2)
		  AND ($3::timestamptz IS NULL OR detected_at <= $3)
		ORDER BY detected_at ASC
		LIMIT $4`, postgresQuoteIdentifier(postgresEventTableName))
	if limit <= 0 {
		limit = 500
	}
	var sinceArg, untilArg any
	if !since.IsZero() {
		sinceArg = since
	}
	if !until.IsZero() {
		untilArg = until
	}
	rows, err := s.core.db.QueryContext(ctx, query, documentID, sinceArg, untilArg, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	events := make([]ChangeEvent, 0)
	for rows.Next() {
		var event ChangeEvent
		var docType, changeType, source string
		if err := rows.Scan(&event.EventID, &event.DocumentID, &docType, &changeType,
			&event.ChangedBy, &event.ChangedAt, &event.DetectedAt, &source,
			&event.NotifyTargetID, &event.Title, &event.CorrelationID); err != nil {
			return nil, err
		}
		event.DocType = NormalizeDocType(docType)
		event.ChangeType = NormalizeChangeType(changeType)
		event.Source = ChangeSource(source)
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *PostgresEventStore) Close() error {
	if s == nil {
		return nil
	}
	return s.core.close()
}

type PostgresSnapshotStore struct {
	core      *postgresCore
	retention int
}

func NewPostgresSnapshotStore(dsn string, retention int) (*PostgresSnapshotStore, error) {
	if retention <= 0 {
		retention = defaultSnapshotRetention
	}
	table := postgresQuoteIdentifier(postgresSnapshotTableName)
	core, err := newPostgresCore(dsn, []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				document_id TEXT NOT NULL,
				revision BIGINT NOT NULL DEFAULT 0,
				content_hash TEXT NOT NULL,
				compressed BYTEA NOT NULL,
				captured_at TIMESTAMPTZ NOT NULL
			)`, table),
		fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (document_id, captured_at)",
			postgresQuoteIdentifier(postgresSnapshotTableName+"_captured_idx"), table),
	})
	if err != nil {
		return nil, err
	}
	return &PostgresSnapshotStore{core: core, retention: retention}, nil
}

func (s *PostgresSnapshotStore) Latest(documentID string) (*DocumentSnapshot, error) {
	if s == nil {
		return nil, ErrInvalidInput
	}
	if err := s.core.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		SELECT document_id, revision, content_hash, compressed, captured_at
		FROM %s WHERE document_id = $1
		ORDER BY id DESC LIMIT 1`, postgresQuoteIdentifier(postgresSnapshotTableName))
	var snapshot DocumentSnapshot
	err := s.core.db.QueryRowContext(ctx, query, documentID).Scan(
		&snapshot.DocumentID, &snapshot.Revision, &snapshot.ContentHash, &snapshot.Compressed, &snapshot.CapturedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (s *PostgresSnapshotStore) Save(snapshot DocumentSnapshot) error {
	if s == nil || strings.TrimSpace(snapshot.DocumentID) == "" {
		return ErrInvalidInput
	}
	if err := s.core.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	table := postgresQuoteIdentifier(postgresSnapshotTableName)
	insert := fmt.Sprintf(`
		INSERT INTO %s (document_id, revision, content_hash, compressed, captured_at)
		VALUES ($1, $2, $3, $4, $5)`, table)
	if _, err := s.core.db.ExecContext(ctx, insert,
		snapshot.DocumentID, snapshot.Revision, snapshot.ContentHash, snapshot.Compressed, snapshot.CapturedAt); err != nil {
		return err
	}
	prune := fmt.Sprintf(`
		DELETE FROM %s
		WHERE document_id = $1 AND id NOT IN (
			SELECT id FROM %s WHERE document_id = $1 ORDER BY id DESC LIMIT $2
		)`, table, table)
	_, err := s.core.db.ExecContext(ctx, prune, snapshot.DocumentID, s.retention)
	return err
}

func (s *PostgresSnapshotStore) Close() error {
	if s == nil {
		return nil
	}
	return s.core.close()
}

// PostgresCandidateQueue is a durable variant of the internal candidate
// queue: webhook deliveries accepted before a crash are still applied after
// restart. Dequeue uses FOR UPDATE SKIP LOCKED so multiple processes can
// share one queue.
type PostgresCandidateQueue struct {
	core         *postgresCore
	capacity     int
	pollInterval time.Duration
}

func NewPostgresCandidateQueue(dsn string, capacity int) (*PostgresCandidateQueue, error) {
	if capacity <= 0 {
		capacity = defaultQueueCapacityLimit
	}
	table := postgresQuoteIdentifier(postgresQueueTableName)
	core, err := newPostgresCore(dsn, []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				queue_key TEXT NOT NULL,
				payload TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, table),
		fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, id)",
			postgresQuoteIdentifier(postgresQueueTableName+"_queue_key_id_idx"), table),
	})
	if err != nil {
		return nil, err
	}
	return &PostgresCandidateQueue{
		core:         core,
		capacity:     capacity,
		pollInterval: postgresQueuePollInterval,
	}, nil
}

func (q *PostgresCandidateQueue) TryEnqueue(candidate ChangeCandidate) bool {
	if q == nil || strings.TrimSpace(candidate.DocumentID) == "" {
		return false
	}
	payload, err := json.Marshal(candidate)
	if err != nil {
		return false
	}
	if err := q.core.ensureReady(); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := q.core.db.BeginTx(ctx, nil)
	if err != nil {
		return false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	table := postgresQuoteIdentifier(postgresQueueTableName)
	lockKey := postgresQueueLockKey(postgresQueueTableName, postgresQueueKey)
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", lockKey); err != nil {
		return false
	}
	var depth int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", table)
	if err := tx.QueryRowContext(ctx, countQuery, postgresQueueKey).Scan(&depth); err != nil {
		return false
	}
	if depth >= q.capacity {
		return false
	}
	insertQuery := fmt.Sprintf("INSERT INTO %s (queue_key, payload, created_at) VALUES ($1, $2, NOW())", table)
	if _, err := tx.ExecContext(ctx, insertQuery, postgresQueueKey, string(payload)); err != nil {
		return false
	}
	if err := tx.Commit(); err != nil {
		return false
	}
	committed = true
	return true
}

func (q *PostgresCandidateQueue) Enqueue(ctx context.Context, candidate ChangeCandidate) bool {
	for {
		if q.TryEnqueue(candidate) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresCandidateQueue) Dequeue(ctx context.Context) (ChangeCandidate, bool) {
	for {
		candidate, ok := q.tryDequeue(ctx)
		if ok {
			return candidate, true
		}
		select {
		case <-ctx.Done():
			return ChangeCandidate{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresCandidateQueue) tryDequeue(ctx context.Context) (ChangeCandidate, bool) {
	if err := q.core.ensureReady(); err != nil {
		return ChangeCandidate{}, false
	}
	tx, err := q.core.db.BeginTx(ctx, nil)
	if err != nil {
		return ChangeCandidate{}, false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	table := postgresQuoteIdentifier(postgresQueueTableName)
	query := fmt.Sprintf(`
		SELECT id, payload
		FROM %s
		WHERE queue_key = $1
		ORDER BY id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, table)
	var id int64
	var payload string
	err = tx.QueryRowContext(ctx, query, postgresQueueKey).Scan(&id, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return ChangeCandidate{}, false
	}
	if err != nil {
		return ChangeCandidate{}, false
	}
	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE id = $1", table)
	if _, err := tx.ExecContext(ctx, deleteQuery, id); err != nil {
		return ChangeCandidate{}, false
	}
	if err := tx.Commit(); err != nil {
		return ChangeCandidate{}, false
	}
	committed = true
	var candidate ChangeCandidate
	if err := json.Unmarshal([]byte(payload), &candidate); err != nil || strings.TrimSpace(candidate.DocumentID) == "" {
		return ChangeCandidate{}, false
	}
	return candidate, true
}

func (q *PostgresCandidateQueue) Depth() int {
	if q == nil {
		return 0
	}
	if err := q.core.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(postgresQueueTableName))
	var depth int
	if err := q.core.db.QueryRowContext(ctx, query, postgresQueueKey).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresCandidateQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return q.capacity
}

func (q *PostgresCandidateQueue) Close() error {
	if q == nil {
		return nil
	}
	return q.core.close()
}

func postgresQueueLockKey(tableName, queueKey string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(queueKey)))
	return int64(hasher.Sum64())
}
