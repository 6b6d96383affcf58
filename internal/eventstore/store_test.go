package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/session"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "events.db")
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	es.Observe(session.Event{Type: session.EventSessionStarted, SessionID: "s1", Variant: "female"})
	events, err := es.ListSessionEvents(ctx, "s1", 10)
	if err != nil || events != nil {
		t.Fatalf("expected no events from ephemeral store, got %v %v", events, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})

	sessionID := "session-123"
	if err := es.AppendSession(context.Background(), sessionID, "female"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{SessionID: sessionID, Type: "test", Payload: []byte("hello")}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	events, err := es.ListSessionEvents(context.Background(), sessionID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if string(events[0].Payload) != "hello" {
		t.Fatalf("unexpected payload: %s", events[0].Payload)
	}
	if events[0].TraceID == "" {
		t.Fatalf("expected generated trace id")
	}
}

func TestEventForUnknownSessionIsRejected(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	if err := es.AppendEvent(context.Background(), Event{SessionID: "ghost", Type: "test"}); err == nil {
		t.Fatalf("expected foreign key violation")
	}
}

func TestObserveRecordsLifecycle(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	at := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

	es.Observe(session.Event{Type: session.EventSessionStarted, SessionID: "s1", Variant: "female", At: at})
	es.Observe(session.Event{Type: session.EventSpeechStarted, SessionID: "s1", Variant: "female", Text: "hi", Duration: 200 * time.Millisecond, At: at.Add(time.Second)})
	es.Observe(session.Event{Type: session.EventAvatarChanged, SessionID: "s1", Variant: "male", At: at.Add(2 * time.Second)})
	es.Observe(session.Event{Type: session.EventSessionStopped, SessionID: "s1", Variant: "male", At: at.Add(3 * time.Second)})

	events, err := es.ListSessionEvents(context.Background(), "s1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	want := []string{session.EventSessionStarted, session.EventSpeechStarted, session.EventAvatarChanged, session.EventSessionStopped}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, e := range events {
		if e.Type != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], e.Type)
		}
	}

	var payload eventPayload
	if err := json.Unmarshal(events[1].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Text != "hi" || payload.Duration != 0.2 {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	rec, err := es.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if rec.Variant != "male" || !rec.Ended {
		t.Fatalf("unexpected session record: %+v", rec)
	}
}

func TestObserveBackfillsMissingSession(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})

	es.Observe(session.Event{Type: session.EventSpeechFinished, SessionID: "avatar_stream", Variant: "female", Global: true})

	rec, err := es.GetSession(context.Background(), "avatar_stream")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if rec.Ended {
		t.Fatalf("backfilled session should be open")
	}
	events, err := es.ListSessionEvents(context.Background(), "avatar_stream", 10)
	if err != nil || len(events) != 1 {
		t.Fatalf("expected one event, got %d (%v)", len(events), err)
	}
}

func TestGetSessionMissing(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	if _, err := es.GetSession(context.Background(), "nope"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(context.Background(), "old-session", "female"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{SessionID: "old-session", Type: "note"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(context.Background(), "new-session", "male"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(context.Background(), "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	if _, err := es.GetSession(context.Background(), "new-session"); err != nil {
		t.Fatalf("expected new session kept: %v", err)
	}
}
