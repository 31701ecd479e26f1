package capture

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chiku-ai/chiku-voice/pkg/adapters/stt"
	"github.com/chiku-ai/chiku-voice/pkg/errorsx"
	"github.com/chiku-ai/chiku-voice/pkg/frames"
	"github.com/chiku-ai/chiku-voice/pkg/logging"
)

// Microphone is the slice of the audio device the session needs.
type Microphone interface {
	StartCapture(onAudio func([]byte)) error
	StopCapture() error
}

type Config struct {
	// SilenceWindow is how long the session waits after the last recognized
	// fragment, interim or final (or after start, if none arrives), before
	// finalizing.
	SilenceWindow time.Duration
	// MaxDuration is the hard ceiling; the session finalizes with whatever
	// was accumulated once it elapses, regardless of activity.
	MaxDuration time.Duration
	StreamID    string
	SampleRate  int
	Channels    int
}

const (
	DefaultSilenceWindow = 1500 * time.Millisecond
	DefaultMaxDuration   = 15 * time.Second
)

// Session drives one utterance of continuous recognition: it acquires the
// microphone, folds recognized fragments into a transcript and resolves on
// silence, explicit finalization, hard ceiling, failure or cancellation.
// Teardown (release microphone, close recognizer, stop timers) runs exactly
// once no matter which exit path is taken.
type Session struct {
	cfg       Config
	rec       stt.Recognizer
	mic       Microphone
	onInterim func(string)
	logger    *slog.Logger

	mu         sync.Mutex
	started    bool
	transcript []string
	interim    string
	silence    *time.Timer
	ceiling    *time.Timer

	resolveOnce sync.Once
	done        chan struct{}
	result      string
	err         error
}

func NewSession(rec stt.Recognizer, mic Microphone, cfg Config, onInterim func(string)) *Session {
	if cfg.SilenceWindow <= 0 {
		cfg.SilenceWindow = DefaultSilenceWindow
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = DefaultMaxDuration
	}
	return &Session{
		cfg:       cfg,
		rec:       rec,
		mic:       mic,
		onInterim: onInterim,
		logger:    logging.NewComponentLogger(slog.Default(), "capture_session"),
		done:      make(chan struct{}),
	}
}

// Start begins capture and returns a channel closed on resolution. Calling
// Start again while the session is outstanding is a no-op returning the
// same channel, not a new session.
func (s *Session) Start(ctx context.Context) <-chan struct{} {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return s.done
	}
	s.started = true
	s.mu.Unlock()

	if err := s.rec.Start(ctx); err != nil {
		s.resolve("", errorsx.Wrap(err, errorsx.ReasonRecognitionError))
		return s.done
	}

	pts := frames.NewPTSGen()
	if err := s.mic.StartCapture(func(audio []byte) {
		f := frames.NewAudioFrameFromPool(s.cfg.StreamID, pts.Next(s.cfg.StreamID), audio, s.cfg.SampleRate, s.cfg.Channels, nil)
		if err := s.rec.SendAudio(f); err != nil {
			s.logger.Debug("send audio failed", slog.String("error", err.Error()))
		}
		// The recognizer consumes the payload before SendAudio returns.
		frames.ReleaseAudioFrame(f)
	}); err != nil {
		s.resolve("", errorsx.Wrap(err, errorsx.ReasonPermissionDenied))
		return s.done
	}

	s.mu.Lock()
	s.silence = time.AfterFunc(s.cfg.SilenceWindow, s.finalize)
	s.ceiling = time.AfterFunc(s.cfg.MaxDuration, s.finalize)
	s.mu.Unlock()

	go s.consume()
	return s.done
}

// Result returns the resolved transcript or error. Valid only after the
// channel returned by Start is closed.
func (s *Session) Result() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.err
}

// Interim returns the latest display-only interim text.
func (s *Session) Interim() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interim
}

// Cancel resolves the session with a cancellation error and tears it down.
// Safe to call at any time, including after resolution.
func (s *Session) Cancel() {
	s.resolve("", errorsx.Wrap(errorsx.ErrCancelled, errorsx.ReasonCancelled))
}

func (s *Session) consume() {
	for f := range s.rec.Results() {
		switch f.Kind() {
		case frames.KindText:
			tf := f.(frames.TextFrame)
			if tf.IsFinal() {
				s.appendFinal(tf.Text())
			} else {
				s.publishInterim(tf.Text())
			}
		case frames.KindControl:
			cf := f.(frames.ControlFrame)
			switch cf.Code() {
			case frames.ControlFlush:
				// Recognizer-side end of utterance.
				s.finalize()
			case frames.ControlCancel:
				s.resolve("", errorsx.New(errorsx.ReasonRecognitionError, "recognizer aborted"))
			}
		}
	}
	// Stream ended without an explicit signal.
	s.finalize()
}

func (s *Session) appendFinal(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.mu.Lock()
	s.transcript = append(s.transcript, text)
	s.interim = ""
	if s.silence != nil {
		s.silence.Reset(s.cfg.SilenceWindow)
	}
	s.mu.Unlock()

	s.logger.Debug("final fragment",
		slog.String("stream_id", s.cfg.StreamID),
		slog.String("text", text))
}

func (s *Session) publishInterim(text string) {
	s.mu.Lock()
	s.interim = text
	// Interim activity is still speech; only true inactivity may expire
	// the window.
	if s.silence != nil {
		s.silence.Reset(s.cfg.SilenceWindow)
	}
	cb := s.onInterim
	s.mu.Unlock()
	if cb != nil {
		cb(text)
	}
}

// finalize resolves with whatever was accumulated; an empty transcript
// resolves as no speech detected.
func (s *Session) finalize() {
	s.mu.Lock()
	transcript := strings.Join(s.transcript, " ")
	s.mu.Unlock()

	if strings.TrimSpace(transcript) == "" {
		s.resolve("", errorsx.New(errorsx.ReasonNoSpeechDetected, "no speech detected"))
		return
	}
	s.resolve(transcript, nil)
}

func (s *Session) resolve(transcript string, err error) {
	s.resolveOnce.Do(func() {
		s.teardown()
		s.mu.Lock()
		s.result = transcript
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Session) teardown() {
	s.mu.Lock()
	if s.silence != nil {
		s.silence.Stop()
	}
	if s.ceiling != nil {
		s.ceiling.Stop()
	}
	s.mu.Unlock()

	if err := s.mic.StopCapture(); err != nil {
		s.logger.Warn("microphone release failed", slog.String("error", err.Error()))
	}
	if err := s.rec.Close(); err != nil {
		s.logger.Warn("recognizer close failed", slog.String("error", err.Error()))
	}
}
