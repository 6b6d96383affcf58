package control

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/clock"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/loqalabs/loqa-avatar/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blankLoader struct{}

func (blankLoader) Load(ctx context.Context, variant string) *image.RGBA {
	return image.NewRGBA(image.Rect(0, 0, 8, 8))
}

func newController(t *testing.T) (*Controller, *session.Registry, *clock.Manual) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewManual(time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC))
	reg := session.NewRegistry(blankLoader{}, clk, session.Options{PreviewID: "avatar_stream", DefaultVariant: "female"}, logger)
	ctrl, err := New(reg, protocol.Limits{
		Variants:       []string{"female", "male", "default"},
		DefaultVariant: "female",
		DefaultVoice:   "female-1",
		MaxTextLength:  50,
		MinSpeed:       0.25,
		MaxSpeed:       4,
		PreviewID:      "avatar_stream",
	}, t.TempDir(), clk, logger)
	require.NoError(t, err)
	return ctrl, reg, clk
}

func TestStartAndStopStream(t *testing.T) {
	ctrl, reg, _ := newController(t)
	ctx := context.Background()

	s, err := ctrl.StartStream(ctx, protocol.StreamStartRequest{SocketID: "sock", Settings: protocol.StreamSettings{Avatar: "male"}})
	require.NoError(t, err)
	assert.Equal(t, "male", s.Variant())
	assert.Equal(t, 1, reg.Len())

	require.NoError(t, ctrl.StopStream(ctx, protocol.StreamStopRequest{SocketID: "sock"}))
	assert.ErrorIs(t, ctrl.StopStream(ctx, protocol.StreamStopRequest{SocketID: "sock"}), session.ErrNotFound)

	_, err = ctrl.StartStream(ctx, protocol.StreamStartRequest{SocketID: "sock", Settings: protocol.StreamSettings{Avatar: "robot"}})
	assert.True(t, protocol.IsValidation(err))
	assert.Equal(t, 0, reg.Len())
}

func TestSpeakTargetsAndHooks(t *testing.T) {
	ctrl, reg, clk := newController(t)
	ctx := context.Background()
	reg.Create(ctx, "male-stream", "male")

	var seen []protocol.SpeakResult
	ctrl.OnSpeak(func(ctx context.Context, req protocol.SpeakRequest, res protocol.SpeakResult) {
		seen = append(seen, res)
	})

	res, err := ctrl.Speak(ctx, protocol.SpeakRequest{Text: "Hello", Avatar: "male"})
	require.NoError(t, err)
	assert.Equal(t, "male-stream", res.SessionID, "speaks on the oldest session showing the avatar")
	assert.Equal(t, "female-1", res.Voice)
	assert.InDelta(t, 0.5, res.Duration, 1e-9)

	res, err = ctrl.Speak(ctx, protocol.SpeakRequest{Text: "Hi", Avatar: "default"})
	require.NoError(t, err)
	assert.NotEqual(t, "male-stream", res.SessionID)
	_, err = reg.Get(res.SessionID)
	require.NoError(t, err, "one-off session exists while speaking")

	clk.Advance(time.Second)
	_, err = reg.Get(res.SessionID)
	assert.ErrorIs(t, err, session.ErrNotFound, "one-off session is removed after speaking")

	_, err = ctrl.Speak(ctx, protocol.SpeakRequest{Text: "x", SocketID: "ghost"})
	assert.ErrorIs(t, err, session.ErrNotFound)

	_, err = ctrl.Speak(ctx, protocol.SpeakRequest{Text: string(bytes.Repeat([]byte("a"), 51))})
	assert.True(t, protocol.IsValidation(err))

	assert.Len(t, seen, 2)
}

func TestToggleAvatarCycles(t *testing.T) {
	ctrl, reg, _ := newController(t)
	ctx := context.Background()

	assert.Equal(t, "male", ctrl.ToggleAvatar(ctx))
	assert.Equal(t, "default", ctrl.ToggleAvatar(ctx))
	assert.Equal(t, "female", ctrl.ToggleAvatar(ctx))
	assert.Equal(t, "female", reg.Global(ctx).Variant())
}

func TestHandleEvent(t *testing.T) {
	ctrl, reg, _ := newController(t)
	ctx := context.Background()

	msg, err := ctrl.HandleEvent(ctx, protocol.EventRequest{Event: protocol.EventAvatarChange, Data: json.RawMessage(`{"avatar":"male"}`)})
	require.NoError(t, err)
	assert.Contains(t, msg, "male")
	assert.Equal(t, "male", reg.Global(ctx).Variant())

	_, err = ctrl.HandleEvent(ctx, protocol.EventRequest{Event: protocol.EventSpeak, Data: json.RawMessage(`{"text":"Hey"}`)})
	require.NoError(t, err)

	_, err = ctrl.HandleEvent(ctx, protocol.EventRequest{Event: "dance"})
	assert.Error(t, err)
}

func TestUploadAndHealth(t *testing.T) {
	ctrl, reg, _ := newController(t)

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))))
	variant, err := ctrl.Upload("me.png", buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "custom_1746090000_me", variant)

	reg.Create(context.Background(), "a", "female")
	h := ctrl.Health("1.2.3")
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, 1, h.ActiveStreams)
	assert.Equal(t, "1.2.3", h.Version)
}

func TestPreviewIDIsNotAStream(t *testing.T) {
	ctrl, reg, _ := newController(t)
	ctx := context.Background()

	_, err := ctrl.StartStream(ctx, protocol.StreamStartRequest{SocketID: "avatar_stream", Settings: protocol.StreamSettings{Avatar: "male"}})
	assert.True(t, protocol.IsValidation(err))
	assert.Equal(t, 0, reg.Len())

	res, err := ctrl.Speak(ctx, protocol.SpeakRequest{Text: "Hello", SocketID: "avatar_stream"})
	require.NoError(t, err)
	assert.Equal(t, "avatar_stream", res.SessionID)
	assert.True(t, reg.Global(ctx).Info().Speaking, "the preview shows the speech")
	assert.Equal(t, 0, reg.Len())
}

type recordingCache struct{ forgotten []string }

func (r *recordingCache) Forget(variant string) { r.forgotten = append(r.forgotten, variant) }

func TestUploadInvalidatesCachedPortrait(t *testing.T) {
	ctrl, _, _ := newController(t)
	cache := &recordingCache{}
	ctrl.WithPortraitCache(cache)

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))))
	for range 2 {
		_, err := ctrl.Upload("me.png", buf.Bytes())
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"custom_1746090000_me", "custom_1746090000_me"}, cache.forgotten)

	_, err := ctrl.Upload("bad.png", []byte("nope"))
	require.Error(t, err)
	assert.Len(t, cache.forgotten, 2)
}

func TestHealthSeparatesSpeakSessions(t *testing.T) {
	ctrl, reg, clk := newController(t)
	ctx := context.Background()
	reg.Create(ctx, "sock", "female")

	_, err := ctrl.Speak(ctx, protocol.SpeakRequest{Text: "Hi there", Avatar: "male"})
	require.NoError(t, err)

	h := ctrl.Health("test")
	assert.Equal(t, 1, h.ActiveStreams)
	assert.Equal(t, 1, h.SpeakSessions)

	clk.Advance(time.Second)
	h = ctrl.Health("test")
	assert.Equal(t, 1, h.ActiveStreams)
	assert.Zero(t, h.SpeakSessions)
}
