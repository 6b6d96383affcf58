package session

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-avatar/internal/clock"
)

// ErrNotFound is returned for unknown session ids.
var ErrNotFound = errors.New("session not found")

const (
	EventSessionStarted = "session.started"
	EventSessionStopped = "session.stopped"
	EventSpeechStarted  = "speech.started"
	EventSpeechFinished = "speech.finished"
	EventAvatarChanged  = "avatar.changed"
)

// Event describes a lifecycle change. Observers run synchronously, outside
// registry and session locks.
type Event struct {
	Type      string
	SessionID string
	Variant   string
	Text      string
	Duration  time.Duration
	Global    bool
	At        time.Time
}

// PortraitLoader returns a canonical portrait for a variant and never fails.
type PortraitLoader interface {
	Load(ctx context.Context, variant string) *image.RGBA
}

// Options configures a Registry.
type Options struct {
	// PreviewID addresses the global slot in lookups.
	PreviewID      string
	DefaultVariant string
}

// Registry maps session ids to sessions and holds the global preview slot.
type Registry struct {
	loader PortraitLoader
	clock  clock.Clock
	opts   Options
	logger *slog.Logger

	mu         sync.RWMutex
	sessions   map[string]*Session
	global     *Session
	generation uint64
	observers  []func(Event)
}

func NewRegistry(loader PortraitLoader, clk clock.Clock, opts Options, logger *slog.Logger) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	return &Registry{
		loader:   loader,
		clock:    clk,
		opts:     opts,
		logger:   logger.With(slog.String("component", "sessions")),
		sessions: make(map[string]*Session),
	}
}

// Now is the registry clock's current time.
func (r *Registry) Now() time.Time { return r.clock.Now() }

// OnEvent registers an observer for lifecycle events.
func (r *Registry) OnEvent(fn func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

func (r *Registry) emit(evt Event) {
	evt.At = r.clock.Now()
	r.mu.RLock()
	observers := append([]func(Event){}, r.observers...)
	r.mu.RUnlock()
	for _, fn := range observers {
		fn(evt)
	}
}

func (r *Registry) newSession(ctx context.Context, id, variant string) *Session {
	portrait := r.loader.Load(ctx, variant)
	return &Session{id: id, variant: variant, portrait: portrait, created: r.clock.Now()}
}

// Create registers a new session under id, replacing and closing any
// previous one. It always succeeds.
func (r *Registry) Create(ctx context.Context, id, variant string) *Session {
	s := r.newSession(ctx, id, variant)

	r.mu.Lock()
	r.generation++
	s.generation = r.generation
	old := r.sessions[id]
	r.sessions[id] = s
	r.mu.Unlock()

	if old != nil {
		old.close()
		r.logger.Info("session replaced", slog.String("session_id", id))
	}
	r.logger.Info("session started", slog.String("session_id", id), slog.String("variant", variant))
	r.emit(Event{Type: EventSessionStarted, SessionID: id, Variant: variant})
	return s
}

// Get returns the session registered under id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Lookup resolves a frame target: the preview id or an empty id selects the
// global slot, anything else must be a registered session.
func (r *Registry) Lookup(ctx context.Context, id string) (*Session, error) {
	if id == "" || id == r.opts.PreviewID {
		return r.Global(ctx), nil
	}
	return r.Get(id)
}

// Destroy removes id and cancels its pending timers. It reports whether a
// session was removed; an absent id is not an error.
func (r *Registry) Destroy(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.close()
	r.logger.Info("session stopped", slog.String("session_id", id))
	r.emit(Event{Type: EventSessionStopped, SessionID: id, Variant: s.variant})
	return true
}

// Len is the number of registered sessions, excluding the global slot.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Count splits the registered sessions into client streams and one-off
// speak sessions.
func (r *Registry) Count() (streams, ephemeral int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.ephemeral {
			ephemeral++
		} else {
			streams++
		}
	}
	return streams, ephemeral
}

// List describes every registered session, oldest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].generation < sessions[j].generation })
	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

// FindByVariant returns the oldest registered session using variant.
func (r *Registry) FindByVariant(variant string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found *Session
	for _, s := range r.sessions {
		if s.variant == variant && !s.ephemeral && (found == nil || s.generation < found.generation) {
			found = s
		}
	}
	return found, found != nil
}

// Global returns the preview session, creating it with the default variant
// on first use.
func (r *Registry) Global(ctx context.Context) *Session {
	r.mu.RLock()
	g := r.global
	r.mu.RUnlock()
	if g != nil {
		return g
	}

	s := r.newSession(ctx, r.opts.PreviewID, r.opts.DefaultVariant)
	s.global = true
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.global != nil {
		return r.global
	}
	r.generation++
	s.generation = r.generation
	r.global = s
	return s
}

// SetGlobal replaces the preview session with a fresh one of variant.
// Registered sessions are not touched.
func (r *Registry) SetGlobal(ctx context.Context, variant string) *Session {
	s := r.newSession(ctx, r.opts.PreviewID, variant)
	s.global = true

	r.mu.Lock()
	r.generation++
	s.generation = r.generation
	old := r.global
	r.global = s
	r.mu.Unlock()

	if old != nil {
		old.close()
	}
	r.logger.Info("global avatar changed", slog.String("variant", variant))
	r.emit(Event{Type: EventAvatarChanged, SessionID: s.id, Variant: variant, Global: true})
	return s
}

// SpeakResult describes an accepted speak request.
type SpeakResult struct {
	SessionID string
	Duration  time.Duration
}

// SpeechDuration is len(text)/10 seconds scaled by speed, counting runes.
func SpeechDuration(text string, speed float64) time.Duration {
	seconds := float64(utf8.RuneCountInString(text)) / 10 * speed
	return time.Duration(seconds * float64(time.Second))
}

// Speak marks s as speaking and schedules its return to idle. A later Speak
// on the same session supersedes the pending transition.
func (r *Registry) Speak(s *Session, text string, speed float64) (SpeakResult, error) {
	d := SpeechDuration(text, speed)
	gen := s.generation
	ok := s.startSpeech(text, func(token uint64) clock.Timer {
		return r.clock.AfterFunc(d, func() { r.finishSpeech(s, gen, token) })
	})
	if !ok {
		return SpeakResult{}, ErrNotFound
	}
	r.emit(Event{Type: EventSpeechStarted, SessionID: s.id, Variant: s.variant, Text: text, Duration: d, Global: s.global})
	return SpeakResult{SessionID: s.id, Duration: d}, nil
}

// SpeakEphemeral creates a one-off session for variant, speaks on it, and
// destroys it once the speech finishes.
func (r *Registry) SpeakEphemeral(ctx context.Context, variant, text string, speed float64) (SpeakResult, error) {
	id := "speak_" + uuid.NewString()
	s := r.newSession(ctx, id, variant)
	s.ephemeral = true

	r.mu.Lock()
	r.generation++
	s.generation = r.generation
	r.sessions[id] = s
	r.mu.Unlock()
	r.emit(Event{Type: EventSessionStarted, SessionID: id, Variant: variant})
	return r.Speak(s, text, speed)
}

// finishSpeech runs on the deferred timer. It only touches s if s is still
// the session registered under its id with the same generation.
func (r *Registry) finishSpeech(s *Session, gen uint64, token uint64) {
	r.mu.RLock()
	current := r.global
	if !s.global {
		current = r.sessions[s.id]
	}
	r.mu.RUnlock()
	if current != s || s.generation != gen {
		return
	}
	if !s.finishSpeech(token) {
		return
	}
	r.emit(Event{Type: EventSpeechFinished, SessionID: s.id, Variant: s.variant, Global: s.global})
	if s.ephemeral {
		r.Destroy(s.id)
	}
}
