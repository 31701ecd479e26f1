package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chiku-ai/chiku-voice/pkg/adapters/tts"
	"github.com/chiku-ai/chiku-voice/pkg/frames"
)

type TTSConfig struct {
	StreamID   string
	SampleRate int
	Channels   int
	// SegmentCount controls how many silent audio segments each SendText
	// produces before the terminal signal.
	SegmentCount int
}

// StreamingTTS turns each submitted text into a fixed number of silent
// audio segments and emits the terminal control frame on Flush.
type StreamingTTS struct {
	cfg     TTSConfig
	out     chan frames.Frame
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
	closed  bool
}

func NewTTS(cfg TTSConfig) *StreamingTTS {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	if cfg.SegmentCount <= 0 {
		cfg.SegmentCount = 2
	}
	return &StreamingTTS{
		cfg: cfg,
		out: make(chan frames.Frame, 16),
	}
}

func (s *StreamingTTS) Name() string { return "mock_tts" }

func (s *StreamingTTS) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *StreamingTTS) Close() error {
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

func (s *StreamingTTS) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return errors.New("not started")
	}
	for i := 0; i < s.cfg.SegmentCount; i++ {
		pcm := make([]byte, 320)
		f := frames.NewAudioFrame(s.cfg.StreamID, time.Now().UnixNano(), pcm, s.cfg.SampleRate, s.cfg.Channels, map[string]string{
			frames.MetaStreamID: s.cfg.StreamID,
			frames.MetaSource:   "tts",
		})
		select {
		case s.out <- f:
		default:
		}
	}
	return nil
}

func (s *StreamingTTS) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return errors.New("not started")
	}
	done := frames.NewControlFrame(s.cfg.StreamID, time.Now().UnixNano(), frames.ControlSynthDone, map[string]string{
		frames.MetaStreamID: s.cfg.StreamID,
		frames.MetaSource:   "tts",
	})
	select {
	case s.out <- done:
	default:
	}
	return nil
}

func (s *StreamingTTS) Results() <-chan frames.Frame { return s.out }

var _ tts.Synthesizer = (*StreamingTTS)(nil)
