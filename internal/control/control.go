// Package control applies avatar control requests. The HTTP API and the bus
// relay share it, so both paths validate and mutate state identically.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/clock"
	"github.com/loqalabs/loqa-avatar/internal/portrait"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/loqalabs/loqa-avatar/internal/session"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// SpeakHook observes accepted speak requests.
type SpeakHook func(ctx context.Context, req protocol.SpeakRequest, res protocol.SpeakResult)

// PortraitCache drops cached portraits that an upload replaced.
type PortraitCache interface {
	Forget(variant string)
}

type Controller struct {
	registry  *session.Registry
	portraits PortraitCache
	limits    protocol.Limits
	avatarDir string
	clock     clock.Clock
	logger    *slog.Logger

	tracer trace.Tracer
	speaks metric.Int64Counter

	mu    sync.RWMutex
	hooks []SpeakHook
}

func New(registry *session.Registry, limits protocol.Limits, avatarDir string, clk clock.Clock, logger *slog.Logger) (*Controller, error) {
	if clk == nil {
		clk = clock.Real()
	}
	speaks, err := otel.Meter("github.com/loqalabs/loqa-avatar/control").Int64Counter("avatar.speak.requests", metric.WithDescription("Accepted speak requests"))
	if err != nil {
		return nil, err
	}
	return &Controller{
		registry:  registry,
		limits:    limits,
		avatarDir: avatarDir,
		clock:     clk,
		logger:    logger.With(slog.String("component", "control")),
		tracer:    otel.Tracer("github.com/loqalabs/loqa-avatar/control"),
		speaks:    speaks,
	}, nil
}

// WithPortraitCache invalidates cached portraits when an upload overwrites
// an existing variant.
func (c *Controller) WithPortraitCache(p PortraitCache) *Controller {
	c.portraits = p
	return c
}

// Limits returns the request limits in force.
func (c *Controller) Limits() protocol.Limits { return c.limits }

// OnSpeak registers a hook run after every accepted speak request.
func (c *Controller) OnSpeak(h SpeakHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, h)
}

func (c *Controller) StartStream(ctx context.Context, req protocol.StreamStartRequest) (*session.Session, error) {
	if err := req.Validate(c.limits); err != nil {
		return nil, err
	}
	return c.registry.Create(ctx, req.SocketID, req.Settings.Avatar), nil
}

// StopStream returns session.ErrNotFound for unknown ids.
func (c *Controller) StopStream(ctx context.Context, req protocol.StreamStopRequest) error {
	if err := req.Validate(c.limits); err != nil {
		return err
	}
	if !c.registry.Destroy(req.SocketID) {
		return session.ErrNotFound
	}
	return nil
}

func (c *Controller) ChangeAvatar(ctx context.Context, req protocol.AvatarChangeRequest) (string, error) {
	if err := req.Validate(c.limits); err != nil {
		return "", err
	}
	c.registry.SetGlobal(ctx, req.Avatar)
	return req.Avatar, nil
}

// ToggleAvatar advances the global avatar to the next configured variant.
func (c *Controller) ToggleAvatar(ctx context.Context) string {
	current := c.registry.Global(ctx).Variant()
	next := c.limits.DefaultVariant
	for i, v := range c.limits.Variants {
		if v == current {
			next = c.limits.Variants[(i+1)%len(c.limits.Variants)]
			break
		}
	}
	c.registry.SetGlobal(ctx, next)
	return next
}

// Speak targets the named session (the preview id names the global slot), else the oldest session showing the
// requested avatar, else a one-off session that is removed when speech ends.
func (c *Controller) Speak(ctx context.Context, req protocol.SpeakRequest) (protocol.SpeakResult, error) {
	if err := req.Validate(c.limits); err != nil {
		return protocol.SpeakResult{}, err
	}
	ctx, span := c.tracer.Start(ctx, "avatar.speak", trace.WithAttributes(attribute.String("avatar", req.Avatar)))
	defer span.End()

	speed := req.SpeedValue()
	var (
		res session.SpeakResult
		err error
	)
	switch {
	case req.SocketID != "" && req.SocketID == c.limits.PreviewID:
		res, err = c.registry.Speak(c.registry.Global(ctx), req.Text, speed)
	case req.SocketID != "":
		var s *session.Session
		s, err = c.registry.Get(req.SocketID)
		if err != nil {
			return protocol.SpeakResult{}, err
		}
		res, err = c.registry.Speak(s, req.Text, speed)
	default:
		if s, ok := c.registry.FindByVariant(req.Avatar); ok {
			res, err = c.registry.Speak(s, req.Text, speed)
		} else {
			res, err = c.registry.SpeakEphemeral(ctx, req.Avatar, req.Text, speed)
		}
	}
	if err != nil {
		span.RecordError(err)
		return protocol.SpeakResult{}, err
	}

	out := protocol.SpeakResult{
		Success:   true,
		SessionID: res.SessionID,
		Duration:  res.Duration.Seconds(),
		Text:      req.Text,
		Voice:     req.Voice,
		Speed:     speed,
		Pitch:     req.Pitch,
	}
	span.SetAttributes(attribute.String("session", res.SessionID), attribute.Float64("duration_s", out.Duration))
	c.speaks.Add(ctx, 1, metric.WithAttributes(attribute.String("avatar", req.Avatar)))
	c.logger.Info("avatar speaking",
		slog.String("session_id", res.SessionID),
		slog.String("voice", req.Voice),
		slog.Float64("speed", speed),
		slog.Int("pitch", req.Pitch),
		slog.Duration("duration", res.Duration),
	)

	c.mu.RLock()
	hooks := append([]SpeakHook{}, c.hooks...)
	c.mu.RUnlock()
	for _, h := range hooks {
		h(ctx, req, out)
	}
	return out, nil
}

// HandleEvent applies a relayed event and returns a human readable summary.
func (c *Controller) HandleEvent(ctx context.Context, req protocol.EventRequest) (string, error) {
	if err := req.Validate(c.limits); err != nil {
		return "", err
	}
	switch req.Event {
	case protocol.EventAvatarChange:
		change, err := req.AvatarChange(c.limits)
		if err != nil {
			return "", err
		}
		variant, err := c.ChangeAvatar(ctx, change)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("avatar changed to %s", variant), nil
	case protocol.EventToggleAvatar:
		return fmt.Sprintf("avatar toggled to %s", c.ToggleAvatar(ctx)), nil
	case protocol.EventSpeak:
		speak, err := req.Speak(c.limits)
		if err != nil {
			return "", err
		}
		res, err := c.Speak(ctx, speak)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("speaking on %s for %.1fs", res.SessionID, res.Duration), nil
	}
	return "", fmt.Errorf("unhandled event %q", req.Event)
}

// Upload stores a custom portrait and returns the avatar name that selects it.
func (c *Controller) Upload(filename string, data []byte) (string, error) {
	variant, err := portrait.SaveUpload(c.avatarDir, filename, data, c.clock.Now())
	if err != nil {
		return "", err
	}
	if c.portraits != nil {
		c.portraits.Forget(variant)
	}
	c.logger.Info("portrait uploaded", slog.String("avatar", variant))
	return variant, nil
}

// Health summarizes the service for the health endpoint. ActiveStreams
// counts client streams; SpeakSessions counts one-off speak sessions.
type Health struct {
	Status        string    `json:"status"`
	ActiveStreams int       `json:"active_streams"`
	SpeakSessions int       `json:"speak_sessions"`
	Version       string    `json:"version"`
	AvatarType    string    `json:"avatar_type"`
	Features      []string  `json:"features"`
	Time          time.Time `json:"time"`
}

func (c *Controller) Health(version string) Health {
	streams, ephemeral := c.registry.Count()
	return Health{
		Status:        "healthy",
		ActiveStreams: streams,
		SpeakSessions: ephemeral,
		Version:       version,
		AvatarType:    "procedural_interactive",
		Features:      []string{"facial_animation", "mouth_sync", "eye_blink", "head_movement", "real_time_interaction", "frame_stream"},
		Time:          c.clock.Now().UTC(),
	}
}
