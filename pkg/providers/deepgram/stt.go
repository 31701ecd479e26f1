package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/chiku-ai/chiku-voice/pkg/adapters/stt"
	"github.com/chiku-ai/chiku-voice/pkg/errorsx"
	"github.com/chiku-ai/chiku-voice/pkg/frames"
	"github.com/chiku-ai/chiku-voice/pkg/logging"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

type Config struct {
	APIKey     string
	Model      string
	Language   string
	SampleRate int
	Encoding   string
	Interim    bool
	StreamID   string
	// UtteranceEndMS enables the provider's own end-of-utterance detection;
	// it fires a flush on the result channel when the speaker goes quiet.
	UtteranceEndMS int
}

// StreamingSTT pipes microphone audio into Deepgram's live transcription
// websocket and surfaces fragments on Results: interim text, final text and
// a flush control when the provider decides the utterance ended.
type StreamingSTT struct {
	cfg        Config
	dgClient   *client.WSCallback
	out        chan frames.Frame
	ctx        context.Context
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	closeOnce  sync.Once
	metaLogged bool
	logger     *slog.Logger
}

func New(cfg Config) *StreamingSTT {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "linear16"
	}
	return &StreamingSTT{
		cfg:    cfg,
		out:    make(chan frames.Frame, 256),
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_stt"),
	}
}

func (s *StreamingSTT) Name() string { return "deepgram_streaming" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.pipeReader, s.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          s.cfg.Model,
		Language:       s.cfg.Language,
		Encoding:       s.cfg.Encoding,
		SampleRate:     s.cfg.SampleRate,
		InterimResults: s.cfg.Interim,
		SmartFormat:    true,
	}
	if s.cfg.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = fmt.Sprintf("%d", s.cfg.UtteranceEndMS)
	}

	s.logger.Info("initializing deepgram connection",
		slog.String("stream_id", s.cfg.StreamID),
		slog.String("model", s.cfg.Model),
		slog.Int("sample_rate", s.cfg.SampleRate))

	cb := &callback{parent: s}
	dgClient, err := client.NewWSUsingCallback(s.ctx, s.cfg.APIKey, clientOptions, transcriptOptions, cb)
	if err != nil {
		s.logger.Error("deepgram_client_create_error",
			slog.String("error", err.Error()),
			slog.String("stream_id", s.cfg.StreamID))
		return errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}
	s.dgClient = dgClient

	if connected := s.dgClient.Connect(); !connected {
		s.logger.Error("deepgram_connect_failed",
			slog.String("stream_id", s.cfg.StreamID))
		return errorsx.New(errorsx.ReasonSTTConnect, "deepgram connection failed")
	}

	go func() {
		if err := s.dgClient.Stream(s.pipeReader); err != nil && s.ctx.Err() == nil {
			s.logger.Error("deepgram_stream_error",
				slog.String("error", err.Error()),
				slog.String("stream_id", s.cfg.StreamID))
		}
	}()

	return nil
}

// Close tears the connection down and closes the result channel. Safe to
// call more than once.
func (s *StreamingSTT) Close() error {
	s.closeOnce.Do(func() {
		s.logger.Info("closing deepgram connection",
			slog.String("stream_id", s.cfg.StreamID))
		if s.cancel != nil {
			s.cancel()
		}
		if s.pipeWriter != nil {
			_ = s.pipeWriter.Close()
		}
		if s.dgClient != nil {
			s.dgClient.Stop()
		}
		close(s.out)
	})
	return nil
}

func (s *StreamingSTT) SendAudio(frame frames.AudioFrame) error {
	if s.pipeWriter == nil {
		return errorsx.New(errorsx.ReasonSTTSend, "not started")
	}
	if _, err := s.pipeWriter.Write(frame.RawPayload()); err != nil {
		s.logger.Error("failed to send audio to deepgram",
			slog.String("error", err.Error()),
			slog.String("stream_id", s.cfg.StreamID))
		return errorsx.Wrap(err, errorsx.ReasonSTTSend)
	}
	return nil
}

func (s *StreamingSTT) Results() <-chan frames.Frame { return s.out }

func (s *StreamingSTT) emit(f frames.Frame) {
	select {
	case s.out <- f:
	default:
		s.logger.Warn("deepgram_out_channel_full",
			slog.String("stream_id", s.cfg.StreamID))
	}
}

// --- Callback Implementation ---

type callback struct {
	parent *StreamingSTT
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened",
		slog.String("stream_id", c.parent.cfg.StreamID))
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	transcript := mr.Channel.Alternatives[0].Transcript
	if transcript == "" {
		return nil
	}

	isFinal := mr.IsFinal || mr.SpeechFinal
	meta := map[string]string{
		frames.MetaStreamID: c.parent.cfg.StreamID,
		frames.MetaSource:   "stt",
		frames.MetaIsFinal:  "false",
	}
	if isFinal {
		meta[frames.MetaIsFinal] = "true"
	}

	c.parent.logger.Debug("transcript_received",
		slog.String("stream_id", c.parent.cfg.StreamID),
		slog.String("transcript", transcript),
		slog.Bool("is_final", isFinal))

	c.parent.emit(frames.NewTextFrame(c.parent.cfg.StreamID, time.Now().UnixNano(), transcript, meta))

	if mr.SpeechFinal {
		c.parent.emit(frames.NewControlFrame(c.parent.cfg.StreamID, time.Now().UnixNano(), frames.ControlFlush, map[string]string{
			frames.MetaStreamID: c.parent.cfg.StreamID,
			frames.MetaSource:   "stt",
			frames.MetaReason:   "speech_final",
		}))
	}
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	if !c.parent.metaLogged {
		c.parent.metaLogged = true
		c.parent.logger.Info("deepgram_metadata_received",
			slog.String("stream_id", c.parent.cfg.StreamID),
			slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	c.parent.logger.Debug("speech_started_event",
		slog.String("stream_id", c.parent.cfg.StreamID))
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.parent.logger.Info("utterance_end_event",
		slog.String("stream_id", c.parent.cfg.StreamID),
		slog.Int("utterance_end_ms", c.parent.cfg.UtteranceEndMS))
	c.parent.emit(frames.NewControlFrame(c.parent.cfg.StreamID, time.Now().UnixNano(), frames.ControlFlush, map[string]string{
		frames.MetaStreamID: c.parent.cfg.StreamID,
		frames.MetaSource:   "stt",
		frames.MetaReason:   "utterance_end",
	}))
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed",
		slog.String("stream_id", c.parent.cfg.StreamID))
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("stream_id", c.parent.cfg.StreamID),
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	c.parent.emit(frames.NewControlFrame(c.parent.cfg.StreamID, time.Now().UnixNano(), frames.ControlCancel, map[string]string{
		frames.MetaStreamID: c.parent.cfg.StreamID,
		frames.MetaSource:   "stt",
		frames.MetaReason:   er.ErrCode,
	}))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event",
		slog.String("stream_id", c.parent.cfg.StreamID),
		slog.String("data", string(byData)))
	return nil
}

var _ stt.Recognizer = (*StreamingSTT)(nil)
