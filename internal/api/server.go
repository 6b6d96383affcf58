// Package api exposes the avatar control plane and frame endpoints over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-avatar/internal/anim"
	"github.com/loqalabs/loqa-avatar/internal/control"
	"github.com/loqalabs/loqa-avatar/internal/eventstore"
	"github.com/loqalabs/loqa-avatar/internal/portrait"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/loqalabs/loqa-avatar/internal/render"
	"github.com/loqalabs/loqa-avatar/internal/session"
)

const maxUploadBytes = 10 << 20

type Server struct {
	control   *control.Controller
	registry  *session.Registry
	pipeline  *render.Pipeline
	streamFPS int
	version   string
	timeline  Timeline
	logger    *slog.Logger
}

// Timeline reads recorded session history.
type Timeline interface {
	ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]eventstore.Event, error)
}

func NewServer(ctrl *control.Controller, registry *session.Registry, pipeline *render.Pipeline, streamFPS int, version string, logger *slog.Logger) *Server {
	return &Server{
		control:   ctrl,
		registry:  registry,
		pipeline:  pipeline,
		streamFPS: streamFPS,
		version:   version,
		logger:    logger.With(slog.String("component", "api")),
	}
}

// WithTimeline enables GET /api/sessions/{id}/events.
func (s *Server) WithTimeline(t Timeline) *Server {
	s.timeline = t
	return s
}

// Register mounts the API routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	if s.timeline != nil {
		mux.HandleFunc("GET /api/sessions/{id}/events", s.handleSessionEvents)
	}
	mux.HandleFunc("POST /api/stream/start", s.handleStreamStart)
	mux.HandleFunc("POST /api/stream/stop", s.handleStreamStop)
	mux.HandleFunc("POST /api/avatar/change", s.handleAvatarChange)
	mux.HandleFunc("POST /api/avatar/speak", s.handleSpeak)
	mux.HandleFunc("POST /api/avatar/upload", s.handleUpload)
	mux.HandleFunc("POST /api/event", s.handleEvent)
	mux.HandleFunc("GET /api/frame", s.handleFrame)
	mux.HandleFunc("GET /api/frame/{id}", s.handleFrame)
	mux.HandleFunc("GET /api/stream/{id}/ws", s.handleStream)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.control.Health(s.version))
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.registry.List()})
}

type timelineEntry struct {
	Type      string          `json:"type"`
	Variant   string          `json:"variant,omitempty"`
	TraceID   string          `json:"trace_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt string          `json:"created_at,omitempty"`
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			s.writeError(w, &protocol.ValidationError{Field: "limit", Message: "must be between 1 and 1000"})
			return
		}
		limit = n
	}
	events, err := s.timeline.ListSessionEvents(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]timelineEntry, 0, len(events))
	for _, e := range events {
		entry := timelineEntry{Type: e.Type, Variant: e.Variant, TraceID: e.TraceID}
		if json.Valid(e.Payload) {
			entry.Data = e.Payload
		}
		if !e.CreatedAt.IsZero() {
			entry.CreatedAt = e.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00")
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": r.PathValue("id"), "events": out})
}

func (s *Server) handleStreamStart(w http.ResponseWriter, r *http.Request) {
	var req protocol.StreamStartRequest
	if err := protocol.Decode(r.Body, &req); err != nil {
		s.writeError(w, err)
		return
	}
	sess, err := s.control.StartStream(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"message":   "avatar stream started",
		"socket_id": sess.ID(),
		"avatar":    sess.Variant(),
	})
}

func (s *Server) handleStreamStop(w http.ResponseWriter, r *http.Request) {
	var req protocol.StreamStopRequest
	if err := protocol.Decode(r.Body, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.control.StopStream(r.Context(), req); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.Ack{Success: true, Message: "avatar stream stopped"})
}

func (s *Server) handleAvatarChange(w http.ResponseWriter, r *http.Request) {
	var req protocol.AvatarChangeRequest
	if err := protocol.Decode(r.Body, &req); err != nil {
		s.writeError(w, err)
		return
	}
	variant, err := s.control.ChangeAvatar(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.Ack{Success: true, Message: "changed to " + variant + " avatar"})
}

func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	var req protocol.SpeakRequest
	if err := protocol.Decode(r.Body, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.control.Speak(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": res})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, &protocol.ValidationError{Field: "file", Message: "no file provided"})
		return
	}
	defer file.Close()
	if header.Filename == "" {
		s.writeError(w, &protocol.ValidationError{Field: "file", Message: "no file selected"})
		return
	}
	data, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, &protocol.ValidationError{Field: "file", Message: err.Error()})
		return
	}
	variant, err := s.control.Upload(header.Filename, data)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "avatar": variant})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req protocol.EventRequest
	if err := protocol.Decode(r.Body, &req); err != nil {
		s.writeError(w, err)
		return
	}
	msg, err := s.control.HandleEvent(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.Ack{Success: true, Message: msg})
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	fq, err := protocol.ParseFrameQuery(r.URL.Query())
	if err != nil {
		s.writeError(w, err)
		return
	}
	sess, err := s.registry.Lookup(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.pipeline.Frame(r.Context(), sess, inputFrom(fq))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Number", strconv.FormatUint(res.Number, 10))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Data)
}

func inputFrom(fq protocol.FrameQuery) anim.Input {
	return anim.Input{GestureIntensity: fq.Gesture, Speaking: fq.Speaking, Text: fq.Text}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case protocol.IsValidation(err), errors.Is(err, portrait.ErrInvalidUpload):
		writeJSON(w, http.StatusBadRequest, protocol.Ack{Success: false, Error: err.Error()})
	case errors.Is(err, session.ErrNotFound):
		writeJSON(w, http.StatusNotFound, protocol.Ack{Success: false, Error: "Stream not found"})
	default:
		s.logger.Error("request failed", slogError(err))
		msg := "internal error"
		if errors.Is(err, render.ErrRenderFailure) {
			msg = "Failed to generate frame"
		}
		writeJSON(w, http.StatusInternalServerError, protocol.Ack{Success: false, Error: msg})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
