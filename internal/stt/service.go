package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

const defaultServiceTimeout = 45 * time.Second

// Service answers recognition requests arriving on the bus with the local backends.
type Service struct {
	bus      *bus.Client
	primary  string
	backends map[string]Recognizer
	timeout  time.Duration
	log      *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	sub      *nats.Subscription
	wg       sync.WaitGroup
	ready    bool
}

func NewService(parent context.Context, busClient *bus.Client, primary Recognizer, secondary []Recognizer, timeout time.Duration) *Service {
	ctx, cancel := context.WithCancel(parent)
	if timeout <= 0 {
		timeout = defaultServiceTimeout
	}
	backends := map[string]Recognizer{primary.Name(): primary}
	for _, r := range secondary {
		backends[r.Name()] = r
	}
	return &Service{
		bus:      busClient,
		primary:  primary.Name(),
		backends: backends,
		timeout:  timeout,
		log:      busClient.Logger().With(slog.String("component", "stt-service")),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectRecognize, protocol.QueueRecognizers, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe recognition requests: %w", err)
	}
	s.sub = sub
	s.ready = true
	s.log.Info("serving recognition requests", slog.String("subject", protocol.SubjectRecognize))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.ready && s.bus.Healthy()
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.RecognizeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.log.Warn("failed to decode recognition request", slogError(err))
		s.respond(msg, protocol.RecognizeReply{Error: err.Error(), ErrorKind: protocol.RecognizeErrorInvalid})
		return
	}
	name := req.Backend
	if name == "" {
		name = s.primary
	}
	backend, ok := s.backends[name]
	if !ok {
		s.respond(msg, protocol.RecognizeReply{
			Backend:   name,
			Error:     fmt.Sprintf("unknown backend %q", name),
			ErrorKind: protocol.RecognizeErrorInvalid,
		})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		sample := audio.Sample{PCM: req.PCM, SampleRate: req.SampleRate, Channels: req.Channels}
		result, err := backend.Recognize(ctx, sample, Request{Language: req.Language, Alternatives: req.Alternatives})
		s.respond(msg, replyFor(backend.Name(), result, err))
	}()
}

func replyFor(name string, result Result, err error) protocol.RecognizeReply {
	reply := protocol.RecognizeReply{Backend: name}
	if err == nil {
		if _, ok := result.Best(); !ok {
			err = ErrNoSpeech
		}
	}
	if err != nil {
		reply.Error = err.Error()
		reply.ErrorKind = protocol.RecognizeErrorUnavailable
		if errors.Is(err, ErrNoSpeech) {
			reply.ErrorKind = protocol.RecognizeErrorNoSpeech
		}
		return reply
	}
	for _, alt := range result.Alternatives {
		reply.Alternatives = append(reply.Alternatives, protocol.RecognizeAlternative{
			Text:       alt.Text,
			Confidence: alt.Confidence,
		})
	}
	return reply
}

func (s *Service) respond(msg *nats.Msg, reply protocol.RecognizeReply) {
	data, err := json.Marshal(reply)
	if err != nil {
		s.log.Warn("failed to marshal recognition reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("failed to send recognition reply", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
