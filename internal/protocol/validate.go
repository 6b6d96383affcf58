package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ValidationError rejects a malformed control payload.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// Limits bounds what requests may ask for.
type Limits struct {
	Variants       []string
	DefaultVariant string
	DefaultVoice   string
	MaxTextLength  int
	MinSpeed       float64
	MaxSpeed       float64
	// PreviewID is reserved for the global preview and cannot name a stream.
	PreviewID string
}

var (
	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,128}$`)
	customVariant    = regexp.MustCompile(`^custom_[0-9]+_[A-Za-z0-9_-]+$`)
)

// Variant checks v against the configured variants and uploaded portraits.
// An empty variant resolves to the default.
func (l Limits) Variant(field, v string) (string, error) {
	if v == "" {
		return l.DefaultVariant, nil
	}
	for _, known := range l.Variants {
		if v == known {
			return v, nil
		}
	}
	if customVariant.MatchString(v) {
		return v, nil
	}
	return "", invalid(field, "unknown avatar %q", v)
}

func sessionID(field, id string, required bool) error {
	if id == "" {
		if required {
			return invalid(field, "is required")
		}
		return nil
	}
	if !sessionIDPattern.MatchString(id) {
		return invalid(field, "must be 1-128 characters of letters, digits, '_', '-', '.', ':'")
	}
	return nil
}

// Decode reads a JSON body into v.
func Decode(r io.Reader, v any) error {
	dec := json.NewDecoder(io.LimitReader(r, 1<<20))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return invalid("", "request body is empty")
		}
		return invalid("", "malformed JSON: %v", err)
	}
	return nil
}

func (r *StreamStartRequest) Validate(l Limits) error {
	if err := sessionID("socketId", r.SocketID, true); err != nil {
		return err
	}
	if l.PreviewID != "" && r.SocketID == l.PreviewID {
		return invalid("socketId", "%q is reserved for the preview", r.SocketID)
	}
	variant, err := l.Variant("settings.avatar", r.Settings.Avatar)
	if err != nil {
		return err
	}
	r.Settings.Avatar = variant
	return nil
}

func (r *StreamStopRequest) Validate(l Limits) error {
	return sessionID("socketId", r.SocketID, true)
}

func (r *AvatarChangeRequest) Validate(l Limits) error {
	variant, err := l.Variant("avatar", r.Avatar)
	if err != nil {
		return err
	}
	r.Avatar = variant
	return nil
}

// Validate checks the request and fills in defaults: voice, avatar and a
// speed of 1.0.
func (r *SpeakRequest) Validate(l Limits) error {
	if strings.TrimSpace(r.Text) == "" {
		return invalid("text", "is required")
	}
	if n := utf8.RuneCountInString(r.Text); l.MaxTextLength > 0 && n > l.MaxTextLength {
		return invalid("text", "is %d characters, limit is %d", n, l.MaxTextLength)
	}
	if err := sessionID("socketId", r.SocketID, false); err != nil {
		return err
	}
	if r.Speed == nil {
		one := 1.0
		r.Speed = &one
	}
	if *r.Speed < l.MinSpeed || *r.Speed > l.MaxSpeed {
		return invalid("speed", "must be between %g and %g", l.MinSpeed, l.MaxSpeed)
	}
	if r.Pitch < -24 || r.Pitch > 24 {
		return invalid("pitch", "must be between -24 and 24")
	}
	variant, err := l.Variant("avatar", r.Avatar)
	if err != nil {
		return err
	}
	r.Avatar = variant
	if r.Voice == "" {
		r.Voice = l.DefaultVoice
	}
	return nil
}

// SpeedValue returns the validated speed.
func (r SpeakRequest) SpeedValue() float64 {
	if r.Speed == nil {
		return 1
	}
	return *r.Speed
}

func (r *EventRequest) Validate(l Limits) error {
	switch r.Event {
	case EventAvatarChange, EventToggleAvatar, EventSpeak:
		return nil
	case "":
		return invalid("event", "is required")
	default:
		return invalid("event", "unsupported event %q", r.Event)
	}
}

// AvatarChange decodes the payload of an avatar_change event.
func (r EventRequest) AvatarChange(l Limits) (AvatarChangeRequest, error) {
	var req AvatarChangeRequest
	if len(r.Data) > 0 {
		if err := json.Unmarshal(r.Data, &req); err != nil {
			return req, invalid("data", "malformed avatar_change payload: %v", err)
		}
	}
	return req, req.Validate(l)
}

// Speak decodes the payload of a speak event.
func (r EventRequest) Speak(l Limits) (SpeakRequest, error) {
	var req SpeakRequest
	if len(r.Data) == 0 {
		return req, invalid("data", "is required for speak events")
	}
	if err := json.Unmarshal(r.Data, &req); err != nil {
		return req, invalid("data", "malformed speak payload: %v", err)
	}
	return req, req.Validate(l)
}

// ParseFrameQuery reads gesture (or gestureIntensity), speaking and text.
// gesture defaults to 50 and must lie in 0..100.
func ParseFrameQuery(q url.Values) (FrameQuery, error) {
	fq := FrameQuery{Gesture: 50}
	field, raw := "gesture", q.Get("gesture")
	if raw == "" {
		field, raw = "gestureIntensity", q.Get("gestureIntensity")
	}
	if raw != "" {
		g, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fq, invalid(field, "must be a number")
		}
		if math.IsNaN(g) || g < 0 || g > 100 {
			return fq, invalid(field, "must be between 0 and 100")
		}
		fq.Gesture = g
	}
	if raw := q.Get("speaking"); raw != "" {
		b, err := strconv.ParseBool(strings.ToLower(raw))
		if err != nil {
			return fq, invalid("speaking", "must be true or false")
		}
		fq.Speaking = b
	}
	fq.Text = q.Get("text")
	if utf8.RuneCountInString(fq.Text) > 1000 {
		return fq, invalid("text", "is too long")
	}
	return fq, nil
}
