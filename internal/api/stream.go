package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-avatar/internal/anim"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/loqalabs/loqa-avatar/internal/session"
)

const (
	writeWait      = 5 * time.Second
	maxControlSize = 4 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 << 10,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// driveMessage updates the driving input of a running stream.
type driveMessage struct {
	Gesture  *float64 `json:"gesture,omitempty"`
	Speaking *bool    `json:"speaking,omitempty"`
	Text     *string  `json:"text,omitempty"`
}

type driveState struct {
	mu sync.Mutex
	in anim.Input
}

func (d *driveState) get() anim.Input {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.in
}

func (d *driveState) apply(m driveMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m.Gesture != nil {
		d.in.GestureIntensity = anim.Clamp(*m.Gesture, 0, 100)
	}
	if m.Speaking != nil {
		d.in.Speaking = *m.Speaking
	}
	if m.Text != nil {
		d.in.Text = *m.Text
	}
}

// handleStream pushes binary frames for a session at the configured rate.
// Clients may send driveMessage JSON to change the driving input.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	fq, err := protocol.ParseFrameQuery(r.URL.Query())
	if err != nil {
		s.writeError(w, err)
		return
	}
	id := r.PathValue("id")
	if _, err := s.registry.Lookup(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxControlSize)

	clientID := uuid.NewString()
	logger := s.logger.With(slog.String("session_id", id), slog.String("client_id", clientID))
	logger.Info("frame stream opened")

	drive := &driveState{in: inputFrom(fq)}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg driveMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				logger.Debug("ignoring malformed drive message", slogError(err))
				continue
			}
			drive.apply(msg)
		}
	}()

	ctx := r.Context()
	ticker := time.NewTicker(time.Second / time.Duration(max(s.streamFPS, 1)))
	defer ticker.Stop()
	for {
		select {
		case <-done:
			logger.Info("frame stream closed by client")
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sess, err := s.registry.Lookup(ctx, id)
		if errors.Is(err, session.ErrNotFound) {
			s.closeStream(conn, websocket.CloseNormalClosure, "stream stopped")
			logger.Info("frame stream ended with session")
			return
		}
		res, err := s.pipeline.Frame(ctx, sess, drive.get())
		if err != nil {
			s.closeStream(conn, websocket.CloseInternalServerErr, "render failure")
			logger.Warn("frame stream aborted", slogError(err))
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.BinaryMessage, res.Data); err != nil {
			logger.Info("frame stream write failed", slogError(err))
			return
		}
	}
}

func (s *Server) closeStream(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
