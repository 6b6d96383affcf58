// Package relay bridges the avatar service and the message bus: it applies
// relayed events and speak requests, and publishes session lifecycle events.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/control"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/loqalabs/loqa-avatar/internal/session"
	"github.com/nats-io/nats.go"
)

const requestTimeout = 10 * time.Second

type Service struct {
	cfg     config.SpeechConfig
	source  string
	bus     *bus.Client
	control *control.Controller
	subs    []*nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
}

func NewService(parent context.Context, cfg config.SpeechConfig, source string, busClient *bus.Client, ctrl *control.Controller, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:     cfg,
		source:  source,
		bus:     busClient,
		control: ctrl,
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.With(slog.String("component", "relay")),
	}
}

func (s *Service) Start() error {
	for subject, handler := range map[string]nats.MsgHandler{
		protocol.SubjectAvatarEvent: s.handleEvent,
		protocol.SubjectAvatarSpeak: s.handleSpeak,
	} {
		sub, err := s.bus.Conn().Subscribe(subject, handler)
		if err != nil {
			s.unsubscribe()
			return err
		}
		s.subs = append(s.subs, sub)
	}
	if s.cfg.ForwardTTS {
		s.control.OnSpeak(s.forwardTTS)
	}
	s.logger.Info("relay started", slog.Bool("forward_tts", s.cfg.ForwardTTS))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.unsubscribe()
	s.wg.Wait()
}

func (s *Service) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Healthy() bool { return len(s.subs) > 0 && s.bus.Healthy() }

func (s *Service) handleEvent(msg *nats.Msg) {
	var req protocol.EventRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode avatar event", slogError(err))
		s.reply(msg, protocol.Ack{Success: false, Error: "malformed event"})
		return
	}
	s.dispatch(msg, func(ctx context.Context) (any, error) {
		text, err := s.control.HandleEvent(ctx, req)
		return protocol.Ack{Success: true, Message: text}, err
	})
}

func (s *Service) handleSpeak(msg *nats.Msg) {
	var req protocol.SpeakRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode speak request", slogError(err))
		s.reply(msg, protocol.Ack{Success: false, Error: "malformed speak request"})
		return
	}
	s.dispatch(msg, func(ctx context.Context) (any, error) {
		return s.control.Speak(ctx, req)
	})
}

func (s *Service) dispatch(msg *nats.Msg, apply func(ctx context.Context) (any, error)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
		defer cancel()

		out, err := apply(ctx)
		if err != nil {
			s.logger.Warn("relayed request rejected", slog.String("subject", msg.Subject), slogError(err))
			s.reply(msg, protocol.Ack{Success: false, Error: err.Error()})
			return
		}
		s.reply(msg, out)
	}()
}

func (s *Service) reply(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("failed to marshal relay reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send relay reply", slogError(err))
	}
}

var subjects = map[string]string{
	session.EventSessionStarted: protocol.SubjectSessionStarted,
	session.EventSessionStopped: protocol.SubjectSessionStopped,
	session.EventSpeechStarted:  protocol.SubjectSpeechStarted,
	session.EventSpeechFinished: protocol.SubjectSpeechFinished,
	session.EventAvatarChanged:  protocol.SubjectAvatarChanged,
}

// Observe publishes a registry event on its bus subject.
func (s *Service) Observe(evt session.Event) {
	subject, ok := subjects[evt.Type]
	if !ok {
		return
	}
	payload := protocol.AvatarEvent{
		Type:      evt.Type,
		SessionID: evt.SessionID,
		Variant:   evt.Variant,
		Text:      evt.Text,
		Duration:  evt.Duration.Seconds(),
		Global:    evt.Global,
		Source:    s.source,
		Timestamp: evt.At.UTC(),
	}
	if err := s.bus.PublishJSON(subject, payload); err != nil {
		s.logger.Warn("failed to publish avatar event", slog.String("subject", subject), slogError(err))
	}
}

func (s *Service) forwardTTS(ctx context.Context, req protocol.SpeakRequest, res protocol.SpeakResult) {
	msg := protocol.TTSRequest{
		SessionID: res.SessionID,
		Text:      req.Text,
		Voice:     req.Voice,
		Target:    s.cfg.TTSTarget,
		Speed:     res.Speed,
		Pitch:     req.Pitch,
	}
	if err := s.bus.PublishJSON(protocol.SubjectTTSRequest, msg); err != nil {
		s.logger.Warn("failed to forward tts request", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
