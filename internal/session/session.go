// Package session owns live avatar sessions and their speaking lifecycle.
package session

import (
	"image"
	"sync"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/anim"
	"github.com/loqalabs/loqa-avatar/internal/clock"
)

// Session is one avatar instance. Its portrait is immutable after creation;
// every other mutable field is guarded by mu.
type Session struct {
	id         string
	variant    string
	portrait   *image.RGBA
	created    time.Time
	generation uint64
	global     bool
	ephemeral  bool

	mu       sync.Mutex
	state    anim.State
	frames   uint64
	speaking bool
	text     string
	token    uint64
	timer    clock.Timer
	closed   bool
}

// Frame is the result of advancing a session by one tick.
type Frame struct {
	State  anim.State
	Input  anim.Input
	Number uint64
}

// Info is a point-in-time description of a session.
type Info struct {
	ID        string    `json:"id"`
	Variant   string    `json:"variant"`
	Created   time.Time `json:"created"`
	Frames    uint64    `json:"frames"`
	Speaking  bool      `json:"speaking"`
	Ephemeral bool      `json:"ephemeral,omitempty"`
}

func (s *Session) ID() string            { return s.id }
func (s *Session) Variant() string       { return s.variant }
func (s *Session) Created() time.Time    { return s.created }
func (s *Session) Generation() uint64    { return s.generation }
func (s *Session) Portrait() *image.RGBA { return s.portrait }
func (s *Session) Ephemeral() bool       { return s.ephemeral }

// Speaking reports the lifecycle flag set by Speak.
func (s *Session) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// State returns the last computed animation state.
func (s *Session) State() anim.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{ID: s.id, Variant: s.variant, Created: s.created, Frames: s.frames, Speaking: s.speaking, Ephemeral: s.ephemeral}
}

// Advance evaluates the animation engine at time t. The session counts as
// speaking when either the input or the lifecycle flag says so; while the
// flag is set and the input carries no text, the spoken text drives the mouth.
func (s *Session) Advance(t float64, in anim.Input) Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.speaking {
		in.Speaking = true
		if in.Text == "" {
			in.Text = s.text
		}
	}
	if !in.Speaking {
		in.Text = ""
	}
	s.state = anim.Update(s.state, t, in)
	s.frames++
	return Frame{State: s.state, Input: in, Number: s.frames}
}

// startSpeech sets the speaking flag and returns the token identifying this
// utterance. Any pending idle transition is cancelled.
func (s *Session) startSpeech(text string, schedule func(token uint64) clock.Timer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.token++
	s.speaking = true
	s.text = text
	s.timer = schedule(s.token)
	return true
}

// finishSpeech clears the flag if token still names the current utterance.
func (s *Session) finishSpeech(token uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.token != token || !s.speaking {
		return false
	}
	s.speaking = false
	s.text = ""
	s.timer = nil
	return true
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.speaking = false
	s.text = ""
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
