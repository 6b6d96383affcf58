package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/anim"
	"github.com/loqalabs/loqa-avatar/internal/clock"
	"github.com/loqalabs/loqa-avatar/internal/compose"
	"github.com/loqalabs/loqa-avatar/internal/face"
	"github.com/loqalabs/loqa-avatar/internal/session"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrRenderFailure means no frame could be produced. No partial frame is
// ever returned alongside it.
var ErrRenderFailure = errors.New("render failure")

// Result is one encoded frame.
type Result struct {
	Data        []byte
	ContentType string
	Number      uint64
	State       anim.State
}

// Pipeline advances a session, paints its face and composes the frame.
type Pipeline struct {
	pool       *Pool
	renderer   *face.Renderer
	compositor *compose.Compositor
	clock      clock.Clock
	logger     *slog.Logger

	tracer  trace.Tracer
	frames  metric.Int64Counter
	latency metric.Float64Histogram
}

func NewPipeline(pool *Pool, renderer *face.Renderer, compositor *compose.Compositor, clk clock.Clock, logger *slog.Logger) (*Pipeline, error) {
	if clk == nil {
		clk = clock.Real()
	}
	meter := otel.Meter("github.com/loqalabs/loqa-avatar/render")
	frames, err := meter.Int64Counter("avatar.frames.rendered", metric.WithDescription("Frames rendered"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("avatar.frame.render_ms", metric.WithDescription("Frame render latency (ms)"))
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		pool:       pool,
		renderer:   renderer,
		compositor: compositor,
		clock:      clk,
		logger:     logger.With(slog.String("component", "render")),
		tracer:     otel.Tracer("github.com/loqalabs/loqa-avatar/render"),
		frames:     frames,
		latency:    latency,
	}, nil
}

// ContentType of the encoded frames.
func (p *Pipeline) ContentType() string { return p.compositor.ContentType() }

// Frame renders the next frame of s for the driving input in.
func (p *Pipeline) Frame(ctx context.Context, s *session.Session, in anim.Input) (Result, error) {
	ctx, span := p.tracer.Start(ctx, "render.frame", trace.WithAttributes(
		attribute.String("session", s.ID()),
		attribute.String("variant", s.Variant()),
	))
	defer span.End()

	var res Result
	start := time.Now()
	err := p.pool.Do(ctx, func() error {
		var err error
		res, err = p.render(s, in)
		return err
	})

	result := "ok"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrRenderFailure) {
			p.logger.Error("frame render failed", slog.String("session_id", s.ID()), slogError(err))
		}
	}
	attrs := metric.WithAttributes(attribute.String("variant", s.Variant()), attribute.String("result", result))
	p.frames.Add(ctx, 1, attrs)
	p.latency.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)
	if err != nil {
		return Result{}, err
	}
	span.SetAttributes(attribute.Int64("frame", int64(res.Number)))
	return res, nil
}

func (p *Pipeline) render(s *session.Session, in anim.Input) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{}
			err = fmt.Errorf("%w: panic: %v", ErrRenderFailure, r)
		}
	}()

	t := clock.Seconds(p.clock.Now())
	frame := s.Advance(t, in)
	img := p.renderer.Render(s.Portrait(), frame.State)
	meta := compose.Meta{SessionID: s.ID(), Variant: s.Variant(), Frame: frame.Number}
	data, err := p.compositor.Frame(img, meta, frame.Input, frame.State, t)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrRenderFailure, err)
	}
	if len(data) == 0 {
		return Result{}, fmt.Errorf("%w: empty frame", ErrRenderFailure)
	}
	return Result{Data: data, ContentType: p.compositor.ContentType(), Number: frame.Number, State: frame.State}, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
