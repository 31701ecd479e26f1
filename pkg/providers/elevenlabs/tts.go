package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chiku-ai/chiku-voice/pkg/adapters/tts"
	"github.com/chiku-ai/chiku-voice/pkg/frames"
	"github.com/chiku-ai/chiku-voice/pkg/logging"
	"github.com/chiku-ai/chiku-voice/pkg/resilience"
)

type Config struct {
	APIKey       string
	VoiceID      string
	ModelID      string
	OutputFormat string
	SampleRate   int
	StreamID     string
}

// ElevenLabsTTS streams text into ElevenLabs' websocket synthesis input and
// emits decoded audio segments on Results in arrival order, followed by a
// terminal control frame when the provider reports the stream finished.
type ElevenLabsTTS struct {
	cfg       Config
	conn      *websocket.Conn
	out       chan frames.Frame
	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.Mutex
	closeOnce sync.Once
	logger    *slog.Logger
}

func New(cfg Config) *ElevenLabsTTS {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 44100
	}
	return &ElevenLabsTTS{
		cfg:    cfg,
		out:    make(chan frames.Frame, 256),
		logger: logging.NewComponentLogger(slog.Default(), "elevenlabs_tts"),
	}
}

func (s *ElevenLabsTTS) Name() string { return "elevenlabs_tts" }

// Start opens the synthesis connection and submits voice parameters. The
// handshake honors ctx, so a deadline on it bounds the connect.
func (s *ElevenLabsTTS) Start(ctx context.Context) error {
	if s.cfg.APIKey == "" || s.cfg.VoiceID == "" {
		return errors.New("missing elevenlabs config")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	u, err := s.buildURL()
	if err != nil {
		return err
	}

	s.logger.Debug("connecting to ElevenLabs",
		slog.String("stream_id", s.cfg.StreamID),
		slog.String("output_format", s.cfg.OutputFormat))

	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	conn, resp, err := dialer.DialContext(ctx, u, http.Header{
		"xi-api-key": []string{s.cfg.APIKey},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			s.logger.Error("ElevenLabs rate limit exceeded",
				slog.String("stream_id", s.cfg.StreamID),
				slog.String("status", resp.Status))
			return resilience.RateLimitError{Provider: "elevenlabs", Message: resp.Status}
		}
		s.logger.Error("failed to connect to ElevenLabs",
			slog.String("stream_id", s.cfg.StreamID),
			slog.String("error", err.Error()))
		return err
	}

	s.conn = conn
	s.logger.Info("connected to ElevenLabs",
		slog.String("stream_id", s.cfg.StreamID),
		slog.String("output_format", s.cfg.OutputFormat))

	// Voice parameters ride on the first message of the stream.
	if err := s.send(map[string]any{
		"text": " ",
		"voice_settings": map[string]any{
			"stability":        0.5,
			"similarity_boost": 0.8,
		},
		"generation_config": map[string]any{
			"chunk_length_schedule": []int{120, 160, 250, 290},
		},
	}); err != nil {
		_ = conn.Close()
		return err
	}
	go s.readLoop()
	return nil
}

// Close tears the connection down and closes the result channel. Safe to
// call more than once.
func (s *ElevenLabsTTS) Close() error {
	s.closeOnce.Do(func() {
		s.logger.Info("tts close called",
			slog.String("stream_id", s.cfg.StreamID))
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = s.conn.Close()
		}
		s.mu.Unlock()
		close(s.out)
	})
	return nil
}

func (s *ElevenLabsTTS) SendText(text string) error {
	if s.conn == nil {
		return errors.New("not connected")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if !strings.HasSuffix(text, " ") {
		text += " "
	}
	return s.send(map[string]any{"text": text})
}

// Flush submits the end-of-input marker; the provider finishes generating
// whatever it has and then reports the stream final.
func (s *ElevenLabsTTS) Flush() error {
	if s.conn == nil {
		return errors.New("not connected")
	}
	return s.send(map[string]any{"text": ""})
}

func (s *ElevenLabsTTS) Results() <-chan frames.Frame { return s.out }

func (s *ElevenLabsTTS) buildURL() (string, error) {
	base := "wss://api.elevenlabs.io/v1/text-to-speech/" + s.cfg.VoiceID + "/stream-input"
	q := url.Values{}
	if s.cfg.ModelID != "" {
		q.Set("model_id", s.cfg.ModelID)
	}
	if s.cfg.OutputFormat != "" {
		q.Set("output_format", s.cfg.OutputFormat)
	}
	q.Set("optimize_streaming_latency", "4")
	return base + "?" + q.Encode(), nil
}

func (s *ElevenLabsTTS) readLoop() {
	defer s.Close()
	for {
		select {
		case <-s.ctx.Done():
			s.logger.Info("tts read loop exit",
				slog.String("stream_id", s.cfg.StreamID),
				slog.String("reason", "context_cancelled"))
			return
		default:
			_, data, err := s.conn.ReadMessage()
			if err != nil {
				if s.ctx.Err() == nil {
					s.logger.Error("tts read loop error",
						slog.String("stream_id", s.cfg.StreamID),
						slog.String("error", err.Error()))
				}
				return
			}
			if done := s.handleMessage(data); done {
				return
			}
		}
	}
}

// handleMessage decodes one provider message. Undecodable segments are
// logged and dropped rather than failing the whole stream. Returns true
// on the terminal message.
func (s *ElevenLabsTTS) handleMessage(data []byte) bool {
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("tts websocket raw data", "data", string(data))
		return false
	}

	if final, ok := msg["isFinal"].(bool); ok && final {
		s.logger.Info("tts stream final",
			slog.String("stream_id", s.cfg.StreamID))
		s.emit(frames.NewControlFrame(s.cfg.StreamID, time.Now().UnixNano(), frames.ControlSynthDone, map[string]string{
			frames.MetaStreamID: s.cfg.StreamID,
			frames.MetaSource:   "elevenlabs",
		}))
		return true
	}

	audio, ok := msg["audio"].(string)
	if !ok {
		if a, ok := msg["audio_base_64"].(string); ok {
			audio = a
		} else if a, ok := msg["audio_base64"].(string); ok {
			audio = a
		} else {
			if _, isAlign := msg["alignment"]; !isAlign {
				s.logger.Debug("tts websocket message", "payload", msg)
			}
			return false
		}
	}
	if audio == "" {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(audio)
	if err != nil {
		s.logger.Error("tts audio decode error", "error", err,
			slog.String("stream_id", s.cfg.StreamID))
		return false
	}

	meta := map[string]string{
		frames.MetaStreamID: s.cfg.StreamID,
		frames.MetaSource:   "elevenlabs",
	}
	if s.cfg.OutputFormat != "" {
		meta[frames.MetaEncoding] = s.cfg.OutputFormat
	}
	s.emit(frames.NewAudioFrame(s.cfg.StreamID, time.Now().UnixNano(), raw, s.cfg.SampleRate, 1, meta))
	return false
}

func (s *ElevenLabsTTS) emit(f frames.Frame) {
	select {
	case s.out <- f:
	case <-s.ctx.Done():
	}
}

func (s *ElevenLabsTTS) send(payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

var _ tts.Synthesizer = (*ElevenLabsTTS)(nil)
