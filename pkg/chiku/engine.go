package chiku

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chiku-ai/chiku-voice/pkg/adapters/responder"
	"github.com/chiku-ai/chiku-voice/pkg/audio"
	"github.com/chiku-ai/chiku-voice/pkg/capture"
	"github.com/chiku-ai/chiku-voice/pkg/logging"
	"github.com/chiku-ai/chiku-voice/pkg/observers"
	"github.com/chiku-ai/chiku-voice/pkg/playback"
	"github.com/chiku-ai/chiku-voice/pkg/redact"
	"github.com/chiku-ai/chiku-voice/pkg/runner"
	"github.com/chiku-ai/chiku-voice/pkg/speech"
	"github.com/chiku-ai/chiku-voice/pkg/turn"
)

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	Listeners []turn.Listener

	// Microphone and Player override the real audio device; both must be
	// set together. Used by tests and headless deployments.
	Microphone capture.Microphone
	Player     playback.Player
}

// Engine assembles the conversation loop: the audio device, per-turn
// capture and speech sessions from the configured providers, the responder
// client and the loop itself, under a drain-aware lifecycle.
type Engine struct {
	cfg       Config
	device    *audio.Device
	responder responder.Client
	loop      *turn.Loop
	lifecycle *runner.LifecycleRunner
	logger    *slog.Logger
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	logging.SetDefault(cfg.LogLevel, cfg.LogFormat)
	redact.SetEnabled(cfg.Privacy.RedactPII)

	slog.Info("chiku_init",
		"environment", cfg.Environment,
		"stt_provider", cfg.Vendors.STT.Provider,
		"tts_provider", cfg.Vendors.TTS.Provider,
		"responder", cfg.Responder.Provider,
	)

	providers := opts.Providers
	if providers == nil {
		providers = DefaultRegistry()
	}

	sttFactory, err := providers.BuildSTTFactory(cfg.Vendors.STT.Provider, cfg)
	if err != nil {
		return nil, err
	}
	ttsFactory, err := providers.BuildTTSFactory(cfg.Vendors.TTS.Provider, cfg)
	if err != nil {
		return nil, err
	}
	resp, err := providers.BuildResponder(cfg.Responder.Provider, cfg)
	if err != nil {
		return nil, err
	}

	mic := opts.Microphone
	player := opts.Player
	var device *audio.Device
	switch {
	case mic != nil && player != nil:
	case mic == nil && player == nil:
		device, err = audio.NewDevice(audio.Config{
			SampleRate: cfg.Audio.SampleRate,
			Channels:   cfg.Audio.Channels,
		})
		if err != nil {
			return nil, fmt.Errorf("open audio device: %w", err)
		}
		mic = device
		player = device
	default:
		return nil, fmt.Errorf("microphone and player overrides must be set together")
	}

	newCapture := func(turnID string, onInterim func(string)) turn.CaptureSession {
		return capture.NewSession(sttFactory(turnID), mic, capture.Config{
			SilenceWindow: cfg.Timing.SilenceWindow(),
			MaxDuration:   cfg.Timing.MaxUtterance(),
			StreamID:      turnID,
			SampleRate:    cfg.Audio.SampleRate,
			Channels:      cfg.Audio.Channels,
		}, onInterim)
	}
	newSpeak := func(turnID string) turn.SpeakSession {
		return speech.NewSession(ttsFactory(turnID), player, speech.Config{
			ConnectTimeout: cfg.Timing.ConnectTimeout(),
			SafetyTimeout:  cfg.Timing.SafetyTimeout(),
			StreamID:       turnID,
		})
	}

	loop := turn.NewLoop(newCapture, newSpeak, resp, turn.Config{
		Cooldown:      cfg.Timing.Cooldown(),
		RecoveryDelay: cfg.Timing.RecoveryDelay(),
	})
	loop.AddListener(observers.NewLoggerObserver(slog.Default()))
	for _, listener := range opts.Listeners {
		loop.AddListener(listener)
	}

	e := &Engine{
		cfg:       cfg,
		device:    device,
		responder: resp,
		loop:      loop,
		logger:    logging.NewComponentLogger(slog.Default(), "engine"),
	}
	e.lifecycle = runner.NewLifecycleRunner(e, runner.Hooks{
		OnStart: func() { e.loop.Start() },
	}, 0)
	return e, nil
}

// Run starts the conversation loop and blocks until ctx is cancelled or
// Stop is called, then drains.
func (e *Engine) Run(ctx context.Context) error {
	return e.lifecycle.Run(ctx)
}

// Stop halts the loop and releases every resource. Idempotent.
func (e *Engine) Stop() error {
	return e.lifecycle.Stop()
}

// Drain tears the conversation down in order: loop first (which cancels any
// active capture or speak session), then the responder link and the device.
func (e *Engine) Drain() error {
	e.loop.Stop()
	if err := e.responder.Close(); err != nil {
		e.logger.Warn("responder close failed", slog.String("error", err.Error()))
	}
	if e.device != nil {
		if err := e.device.Close(); err != nil {
			e.logger.Warn("audio device close failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// Loop exposes the loop's read-only signals (phase, interim transcript,
// last error) for display layers.
func (e *Engine) Loop() *turn.Loop { return e.loop }

var _ runner.Drainer = (*Engine)(nil)
