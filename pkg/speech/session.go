package speech

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chiku-ai/chiku-voice/pkg/adapters/tts"
	"github.com/chiku-ai/chiku-voice/pkg/errorsx"
	"github.com/chiku-ai/chiku-voice/pkg/frames"
	"github.com/chiku-ai/chiku-voice/pkg/logging"
	"github.com/chiku-ai/chiku-voice/pkg/playback"
)

type Config struct {
	// ConnectTimeout bounds the synthesis connection handshake.
	ConnectTimeout time.Duration
	// SafetyTimeout force-completes the session (as success) so the
	// caller's wait is never unbounded under provider misbehavior.
	SafetyTimeout time.Duration
	StreamID      string
}

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultSafetyTimeout  = 30 * time.Second
)

// Session is one synthesis request/response cycle: it submits text over a
// fresh connection, feeds returned audio segments into its playback queue
// and completes exactly once when the connection has closed, the queue is
// empty and nothing is playing.
type Session struct {
	cfg    Config
	synth  tts.Synthesizer
	queue  *playback.Queue
	logger *slog.Logger

	mu        sync.Mutex
	speaking  bool
	closed    bool
	completed bool
	finalErr  error
	safety    *time.Timer

	completeOnce sync.Once
	doneCh       chan error
}

func NewSession(synth tts.Synthesizer, player playback.Player, cfg Config) *Session {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.SafetyTimeout <= 0 {
		cfg.SafetyTimeout = DefaultSafetyTimeout
	}
	return &Session{
		cfg:    cfg,
		synth:  synth,
		queue:  playback.NewQueue(player),
		logger: logging.NewComponentLogger(slog.Default(), "speech_session"),
		doneCh: make(chan error, 1),
	}
}

// Speak submits text for synthesis and blocks until true playback
// completion, failure or cancellation. One call per session.
func (s *Session) Speak(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errorsx.New(errorsx.ReasonSynthesisError, "nothing to speak")
	}

	s.mu.Lock()
	if s.completed {
		err := s.finalErr
		s.mu.Unlock()
		return err
	}
	if s.speaking {
		s.mu.Unlock()
		return errorsx.New(errorsx.ReasonSynthesisError, "session already speaking")
	}
	s.speaking = true
	s.mu.Unlock()

	connectCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	if err := s.synth.Start(connectCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = errorsx.Wrap(err, errorsx.ReasonConnectionTimeout)
		} else {
			err = errorsx.Wrap(err, errorsx.ReasonTTSConnect)
		}
		s.complete(err)
		return s.await(ctx)
	}

	s.queue.SetIdleFunc(s.settle)
	s.mu.Lock()
	s.safety = time.AfterFunc(s.cfg.SafetyTimeout, s.forceComplete)
	s.mu.Unlock()

	go s.consume()

	if err := s.synth.SendText(text); err != nil {
		s.complete(errorsx.Wrap(err, errorsx.ReasonTTSSend))
		return s.await(ctx)
	}
	if err := s.synth.Flush(); err != nil {
		s.complete(errorsx.Wrap(err, errorsx.ReasonTTSSend))
		return s.await(ctx)
	}

	return s.await(ctx)
}

// Cancel closes the connection, halts playback and resolves the pending
// completion immediately. Idempotent, safe when nothing is active.
func (s *Session) Cancel() {
	s.complete(errorsx.Wrap(errorsx.ErrCancelled, errorsx.ReasonCancelled))
}

// Active reports whether the session is speaking and not yet complete.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking && !s.completed
}

func (s *Session) await(ctx context.Context) error {
	select {
	case err := <-s.doneCh:
		return err
	case <-ctx.Done():
		s.Cancel()
		return <-s.doneCh
	}
}

func (s *Session) consume() {
	for f := range s.synth.Results() {
		switch f.Kind() {
		case frames.KindAudio:
			s.queue.Enqueue(f.(frames.AudioFrame))
		case frames.KindControl:
			cf := f.(frames.ControlFrame)
			if cf.Code() == frames.ControlSynthDone {
				s.markClosed()
				s.settle()
			}
		}
	}
	// Socket closed; completion still requires the queue to drain.
	s.markClosed()
	s.settle()
}

func (s *Session) markClosed() {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	if !already {
		if err := s.synth.Close(); err != nil {
			s.logger.Debug("synthesizer close failed", slog.String("error", err.Error()))
		}
	}
}

// settle completes the session once the joint condition holds: connection
// closed, queue empty, nothing playing. Called after every relevant event.
func (s *Session) settle() {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed && s.queue.Settled() {
		s.complete(nil)
	}
}

func (s *Session) forceComplete() {
	s.logger.Warn("safety timeout reached, force-completing session",
		slog.String("stream_id", s.cfg.StreamID))
	s.queue.StopAll()
	s.complete(nil)
}

func (s *Session) complete(err error) {
	s.completeOnce.Do(func() {
		s.mu.Lock()
		if s.safety != nil {
			s.safety.Stop()
		}
		s.closed = true
		s.mu.Unlock()

		if err != nil {
			s.queue.StopAll()
		}
		if closeErr := s.synth.Close(); closeErr != nil {
			s.logger.Debug("synthesizer close failed", slog.String("error", closeErr.Error()))
		}

		s.mu.Lock()
		s.speaking = false
		s.completed = true
		s.finalErr = err
		s.mu.Unlock()
		s.doneCh <- err
	})
}
