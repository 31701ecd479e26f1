package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chiku-ai/chiku-voice/pkg/adapters/stt"
	"github.com/chiku-ai/chiku-voice/pkg/frames"
)

type STTConfig struct {
	StreamID          string
	Transcript        string
	InterimTranscript string
	EmitInterim       bool
	EmitFlush         bool
	// Delay postpones the scripted emission after the first audio frame,
	// useful for exercising silence-window timing.
	Delay time.Duration
}

// StreamingSTT emits a scripted transcript once the first audio frame
// arrives: optionally an interim fragment, then the final fragment and
// optionally a flush. Deterministic stand-in for a live recognizer.
type StreamingSTT struct {
	cfg     STTConfig
	out     chan frames.Frame
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
	emitted bool
	closed  bool
}

func NewSTT(cfg STTConfig) *StreamingSTT {
	if cfg.Transcript == "" {
		cfg.Transcript = "mock transcript"
	}
	return &StreamingSTT{cfg: cfg, out: make(chan frames.Frame, 16)}
}

func (s *StreamingSTT) Name() string { return "mock_stt" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *StreamingSTT) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.started = false
	if s.cancel != nil {
		s.cancel()
	}
	close(s.out)
	return nil
}

func (s *StreamingSTT) SendAudio(frame frames.AudioFrame) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return errors.New("not started")
	}
	if s.emitted {
		s.mu.Unlock()
		return nil
	}
	s.emitted = true
	s.mu.Unlock()

	go s.emitScript()
	return nil
}

func (s *StreamingSTT) emitScript() {
	if s.cfg.Delay > 0 {
		select {
		case <-time.After(s.cfg.Delay):
		case <-s.ctx.Done():
			return
		}
	}

	if s.cfg.EmitInterim {
		interim := s.cfg.InterimTranscript
		if interim == "" {
			interim = s.cfg.Transcript
		}
		s.emit(frames.NewTextFrame(s.cfg.StreamID, time.Now().UnixNano(), interim, map[string]string{
			frames.MetaStreamID: s.cfg.StreamID,
			frames.MetaSource:   "stt",
			frames.MetaIsFinal:  "false",
		}))
	}

	s.emit(frames.NewTextFrame(s.cfg.StreamID, time.Now().UnixNano(), s.cfg.Transcript, map[string]string{
		frames.MetaStreamID: s.cfg.StreamID,
		frames.MetaSource:   "stt",
		frames.MetaIsFinal:  "true",
	}))

	if s.cfg.EmitFlush {
		s.emit(frames.NewControlFrame(s.cfg.StreamID, time.Now().UnixNano(), frames.ControlFlush, map[string]string{
			frames.MetaStreamID: s.cfg.StreamID,
			frames.MetaSource:   "stt",
			frames.MetaReason:   "speech_final",
		}))
	}
}

func (s *StreamingSTT) emit(f frames.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- f:
	default:
	}
}

func (s *StreamingSTT) Results() <-chan frames.Frame { return s.out }

var _ stt.Recognizer = (*StreamingSTT)(nil)
