package protocol

import (
	"encoding/json"
	"time"
)

// StreamStartRequest opens a session for a live stream.
type StreamStartRequest struct {
	SocketID string         `json:"socketId"`
	Settings StreamSettings `json:"settings"`
}

type StreamSettings struct {
	Avatar string `json:"avatar"`
}

// StreamStopRequest closes a session.
type StreamStopRequest struct {
	SocketID string `json:"socketId"`
}

// AvatarChangeRequest switches the global preview avatar.
type AvatarChangeRequest struct {
	Avatar string `json:"avatar"`
}

// SpeakRequest makes an avatar speak. Speed and pitch only affect timing.
type SpeakRequest struct {
	Text     string   `json:"text"`
	Voice    string   `json:"voice"`
	Speed    *float64 `json:"speed,omitempty"`
	Pitch    int      `json:"pitch"`
	Avatar   string   `json:"avatar"`
	SocketID string   `json:"socketId,omitempty"`
}

// EventRequest is a generic relay call from the stream backend.
type EventRequest struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

const (
	EventAvatarChange = "avatar_change"
	EventToggleAvatar = "toggle_avatar"
	EventSpeak        = "speak"
)

// FrameQuery is the driving input carried by a frame fetch.
type FrameQuery struct {
	Gesture  float64
	Speaking bool
	Text     string
}

// Ack is the acknowledgment returned by control calls.
type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SpeakResult acknowledges an accepted speak request.
type SpeakResult struct {
	Success   bool    `json:"success"`
	SessionID string  `json:"session_id"`
	Duration  float64 `json:"duration"`
	Text      string  `json:"text"`
	Voice     string  `json:"voice"`
	Speed     float64 `json:"speed"`
	Pitch     int     `json:"pitch"`
}

// AvatarEvent is published on the bus for every session lifecycle change.
type AvatarEvent struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	Variant   string    `json:"variant"`
	Text      string    `json:"text,omitempty"`
	Duration  float64   `json:"duration,omitempty"`
	Global    bool      `json:"global,omitempty"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// TTSRequest asks a speech node to voice text for a session.
type TTSRequest struct {
	SessionID string  `json:"session_id"`
	Text      string  `json:"text"`
	Voice     string  `json:"voice"`
	Target    string  `json:"target"`
	Speed     float64 `json:"speed,omitempty"`
	Pitch     int     `json:"pitch,omitempty"`
}

const (
	SubjectAvatarEvent    = "avatar.event"
	SubjectAvatarSpeak    = "avatar.speak"
	SubjectSessionStarted = "avatar.session.started"
	SubjectSessionStopped = "avatar.session.stopped"
	SubjectSpeechStarted  = "avatar.speech.started"
	SubjectSpeechFinished = "avatar.speech.finished"
	SubjectAvatarChanged  = "avatar.changed"
	SubjectTTSRequest     = "tts.request"
)
