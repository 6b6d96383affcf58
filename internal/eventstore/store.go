// Package eventstore keeps a SQLite audit timeline of avatar sessions.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/session"
	_ "modernc.org/sqlite"
)

const writeTimeout = 2 * time.Second

// Event represents a recorded timeline entry.
type Event struct {
	ID        int64
	SessionID string
	TraceID   string
	Type      string
	Variant   string
	Payload   []byte
	CreatedAt time.Time
}

// SessionRecord is a stored session row.
type SessionRecord struct {
	SessionID string
	Variant   string
	Ended     bool
	CreatedAt time.Time
	EndedAt   time.Time
}

// Store wraps a SQLite-backed event timeline store.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slogError(err))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slogError(err))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    variant TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    trace_id TEXT,
    event_type TEXT NOT NULL,
    variant TEXT,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendSession ensures a session row exists and records its current variant.
func (s *Store) AppendSession(ctx context.Context, sessionID, variant string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, variant, created_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET variant=excluded.variant, ended_at=NULL`,
		sessionID, variant, s.clock().UTC())
	return err
}

// EndSession stamps the end time of a session.
func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ? WHERE session_id = ?`, s.clock().UTC(), sessionID)
	return err
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	if evt.TraceID == "" {
		evt.TraceID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, trace_id, event_type, variant, payload, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		evt.SessionID, evt.TraceID, evt.Type, evt.Variant, evt.Payload, evt.CreatedAt.UTC())
	return err
}

// ListSessionEvents retrieves up to limit events for a session ordered ascending by time.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, trace_id, event_type, variant, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			trace   sql.NullString
			variant sql.NullString
			created string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &trace, &e.Type, &variant, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.TraceID, e.Variant = trace.String, variant.String
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetSession returns the stored row for a session, or sql.ErrNoRows.
func (s *Store) GetSession(ctx context.Context, sessionID string) (SessionRecord, error) {
	if s.disabled() {
		return SessionRecord{}, sql.ErrNoRows
	}
	var (
		rec     SessionRecord
		created string
		ended   sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, variant, created_at, ended_at FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&rec.SessionID, &rec.Variant, &created, &ended)
	if err != nil {
		return SessionRecord{}, err
	}
	rec.CreatedAt = parseTime(created)
	if ended.Valid {
		rec.Ended = true
		rec.EndedAt = parseTime(ended.String)
	}
	return rec, nil
}

func parseTime(v string) time.Time {
	if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return ts
	}
	return time.Time{}
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return tx.Commit()
	}
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

type eventPayload struct {
	Text     string  `json:"text,omitempty"`
	Duration float64 `json:"duration,omitempty"`
	Global   bool    `json:"global,omitempty"`
}

// Observe records a registry event. It is registered with
// session.Registry.OnEvent and only logs failures.
func (s *Store) Observe(evt session.Event) {
	if s.disabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := s.record(ctx, evt); err != nil {
		s.log.Warn("failed to record avatar event",
			slog.String("type", evt.Type),
			slog.String("session_id", evt.SessionID),
			slogError(err))
	}
}

func (s *Store) record(ctx context.Context, evt session.Event) error {
	switch evt.Type {
	case session.EventSessionStarted, session.EventAvatarChanged:
		if err := s.AppendSession(ctx, evt.SessionID, evt.Variant); err != nil {
			return err
		}
	default:
		// rows for sessions created before the store was attached
		if _, err := s.GetSession(ctx, evt.SessionID); errors.Is(err, sql.ErrNoRows) {
			if err := s.AppendSession(ctx, evt.SessionID, evt.Variant); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
	}

	payload, err := json.Marshal(eventPayload{Text: evt.Text, Duration: evt.Duration.Seconds(), Global: evt.Global})
	if err != nil {
		return err
	}
	created := evt.At
	if created.IsZero() {
		created = s.clock()
	}
	if err := s.AppendEvent(ctx, Event{
		SessionID: evt.SessionID,
		Type:      evt.Type,
		Variant:   evt.Variant,
		Payload:   payload,
		CreatedAt: created,
	}); err != nil {
		return err
	}
	if evt.Type == session.EventSessionStopped {
		return s.EndSession(ctx, evt.SessionID)
	}
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
