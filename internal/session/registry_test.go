package session

import (
	"context"
	"image"
	"image/color"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/anim"
	"github.com/loqalabs/loqa-avatar/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLoader struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeLoader) Load(ctx context.Context, variant string) *image.RGBA {
	f.mu.Lock()
	f.calls = append(f.calls, variant)
	f.mu.Unlock()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	img.SetRGBA(0, 0, color.RGBA{R: uint8(len(variant)), A: 255})
	return img
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func newTestRegistry(t *testing.T) (*Registry, *clock.Manual, *recorder) {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	reg := NewRegistry(&fakeLoader{}, clk, Options{PreviewID: "avatar_stream", DefaultVariant: "female"}, logger)
	rec := &recorder{}
	reg.OnEvent(rec.record)
	return reg, clk, rec
}

func TestGetCreateDestroy(t *testing.T) {
	reg, _, rec := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Get("s1")
	assert.ErrorIs(t, err, ErrNotFound)

	s := reg.Create(ctx, "s1", "female")
	got, err := reg.Get("s1")
	require.NoError(t, err)
	assert.Same(t, s, got)
	assert.Equal(t, 1, reg.Len())

	assert.True(t, reg.Destroy("s1"))
	_, err = reg.Get("s1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, reg.Destroy("s1"))
	assert.Equal(t, 0, reg.Len())

	assert.Equal(t, []string{EventSessionStarted, EventSessionStopped}, rec.types())
}

func TestCreateReplacesExisting(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	first := reg.Create(ctx, "s1", "female")
	second := reg.Create(ctx, "s1", "male")
	got, err := reg.Get("s1")
	require.NoError(t, err)
	assert.Same(t, second, got)
	assert.Greater(t, second.Generation(), first.Generation())
	assert.Equal(t, 1, reg.Len())

	_, err = reg.Speak(first, "hello", 1)
	assert.ErrorIs(t, err, ErrNotFound, "replaced sessions are closed")
}

func TestSpeakLifecycle(t *testing.T) {
	reg, clk, rec := newTestRegistry(t)
	s := reg.Create(context.Background(), "s1", "female")

	res, err := reg.Speak(s, "abcdefghij", 2.0)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, res.Duration)
	assert.True(t, s.Speaking())

	clk.Advance(1999 * time.Millisecond)
	assert.True(t, s.Speaking())
	clk.Advance(time.Millisecond)
	assert.False(t, s.Speaking())

	assert.Equal(t, []string{EventSessionStarted, EventSpeechStarted, EventSpeechFinished}, rec.types())
}

func TestRespeakSupersedesPendingTransition(t *testing.T) {
	reg, clk, _ := newTestRegistry(t)
	s := reg.Create(context.Background(), "s1", "female")

	_, err := reg.Speak(s, "0123456789", 1)
	require.NoError(t, err)
	clk.Advance(500 * time.Millisecond)
	_, err = reg.Speak(s, "0123456789", 1)
	require.NoError(t, err)

	clk.Advance(500 * time.Millisecond)
	assert.True(t, s.Speaking(), "first timer was cancelled")
	clk.Advance(500 * time.Millisecond)
	assert.False(t, s.Speaking())
}

func TestStaleTimerDoesNotSilenceReusedID(t *testing.T) {
	reg, clk, _ := newTestRegistry(t)
	ctx := context.Background()

	old := reg.Create(ctx, "s1", "female")
	_, err := reg.Speak(old, "0123456789", 1)
	require.NoError(t, err)
	reg.Destroy("s1")

	fresh := reg.Create(ctx, "s1", "female")
	_, err = reg.Speak(fresh, "0123456789", 5)
	require.NoError(t, err)

	clk.Advance(time.Second)
	assert.True(t, fresh.Speaking())
	clk.Advance(4 * time.Second)
	assert.False(t, fresh.Speaking())
}

func TestTimerForDestroyedSessionIsSilent(t *testing.T) {
	reg, clk, rec := newTestRegistry(t)
	s := reg.Create(context.Background(), "s1", "female")
	_, err := reg.Speak(s, "abc", 1)
	require.NoError(t, err)
	reg.Destroy("s1")

	clk.Advance(time.Second)
	assert.NotContains(t, rec.types(), EventSpeechFinished)
	assert.Zero(t, clk.Pending())
}

func TestSetGlobalLeavesSessionsAlone(t *testing.T) {
	reg, _, rec := newTestRegistry(t)
	ctx := context.Background()

	s := reg.Create(ctx, "s1", "female")
	portrait := s.Portrait()
	before := append([]uint8(nil), portrait.Pix...)

	assert.Equal(t, "female", reg.Global(ctx).Variant())
	g := reg.SetGlobal(ctx, "male")
	assert.Equal(t, "male", g.Variant())
	assert.Same(t, g, reg.Global(ctx))

	assert.Equal(t, "female", s.Variant())
	assert.Same(t, portrait, s.Portrait())
	assert.Equal(t, before, s.Portrait().Pix)
	assert.Equal(t, 1, reg.Len())
	assert.Contains(t, rec.types(), EventAvatarChanged)
}

func TestLookup(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	g, err := reg.Lookup(ctx, "avatar_stream")
	require.NoError(t, err)
	assert.Same(t, reg.Global(ctx), g)
	g2, err := reg.Lookup(ctx, "")
	require.NoError(t, err)
	assert.Same(t, g, g2)

	_, err = reg.Lookup(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindByVariantAndList(t *testing.T) {
	reg, clk, _ := newTestRegistry(t)
	ctx := context.Background()

	a := reg.Create(ctx, "a", "female")
	clk.Advance(time.Second)
	reg.Create(ctx, "b", "male")
	reg.Create(ctx, "c", "female")

	found, ok := reg.FindByVariant("female")
	require.True(t, ok)
	assert.Same(t, a, found)
	_, ok = reg.FindByVariant("robot")
	assert.False(t, ok)

	list := reg.List()
	require.Len(t, list, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{list[0].ID, list[1].ID, list[2].ID})
}

func TestSpeakEphemeral(t *testing.T) {
	reg, clk, _ := newTestRegistry(t)

	res, err := reg.SpeakEphemeral(context.Background(), "male", "0123456789", 1)
	require.NoError(t, err)
	assert.Regexp(t, `^speak_`, res.SessionID)
	assert.Equal(t, 1, reg.Len())

	s, err := reg.Get(res.SessionID)
	require.NoError(t, err)
	assert.True(t, s.Speaking())
	_, ok := reg.FindByVariant("male")
	assert.False(t, ok, "ephemeral sessions are not reused")

	clk.Advance(time.Second)
	assert.Equal(t, 0, reg.Len())
}

func TestAdvanceUsesSpeakingFlag(t *testing.T) {
	reg, clk, _ := newTestRegistry(t)
	s := reg.Create(context.Background(), "s1", "female")

	f := s.Advance(1, anim.Input{Text: "ignored while idle"})
	assert.Zero(t, f.State.MouthOpen)
	assert.Empty(t, f.Input.Text)
	assert.Equal(t, uint64(1), f.Number)

	_, err := reg.Speak(s, "hello", 1)
	require.NoError(t, err)
	f = s.Advance(2, anim.Input{})
	assert.True(t, f.Input.Speaking)
	assert.Equal(t, "hello", f.Input.Text)
	assert.InDelta(t, 0.9, f.State.MouthOpen, 1e-9)

	clk.Advance(time.Second)
	f = s.Advance(3, anim.Input{})
	assert.Zero(t, f.State.MouthOpen)
	assert.Equal(t, uint64(3), s.Info().Frames)
}

func TestSpeechDuration(t *testing.T) {
	assert.Equal(t, 2*time.Second, SpeechDuration("abcdefghij", 2))
	assert.Equal(t, 500*time.Millisecond, SpeechDuration("héllo", 1))
	assert.Zero(t, SpeechDuration("", 1))
}

func TestConcurrentAccess(t *testing.T) {
	reg, clk, _ := newTestRegistry(t)
	ctx := context.Background()
	s := reg.Create(ctx, "s1", "female")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.Advance(float64(j), anim.Input{GestureIntensity: 50})
				if j%10 == 0 {
					reg.Speak(s, "hi there", 1)
				}
				reg.Get("s1")
				reg.Global(ctx)
			}
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 20; j++ {
			clk.Advance(100 * time.Millisecond)
		}
	}()
	wg.Wait()
	assert.Equal(t, uint64(8*50), s.Info().Frames)
}
