package chiku

import (
	"fmt"
	"strings"
	"time"

	"github.com/chiku-ai/chiku-voice/pkg/adapters/responder"
	"github.com/chiku-ai/chiku-voice/pkg/adapters/stt"
	"github.com/chiku-ai/chiku-voice/pkg/adapters/tts"
	"github.com/chiku-ai/chiku-voice/pkg/configutil"
	"github.com/chiku-ai/chiku-voice/pkg/providers/deepgram"
	"github.com/chiku-ai/chiku-voice/pkg/providers/elevenlabs"
	"github.com/chiku-ai/chiku-voice/pkg/providers/mock"
	responderclient "github.com/chiku-ai/chiku-voice/pkg/responder"
	"github.com/chiku-ai/chiku-voice/pkg/resilience"
)

// Recognizers and synthesizers are one-shot, so the registry builds
// per-turn factories; the responder client is long-lived and built once.
type (
	STTFactoryBuilder func(cfg Config) (func(streamID string) stt.Recognizer, error)
	TTSFactoryBuilder func(cfg Config) (func(streamID string) tts.Synthesizer, error)
	ResponderBuilder  func(cfg Config) (responder.Client, error)
)

type ProviderRegistry struct {
	stt       map[string]STTFactoryBuilder
	tts       map[string]TTSFactoryBuilder
	responder map[string]ResponderBuilder
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt:       make(map[string]STTFactoryBuilder),
		tts:       make(map[string]TTSFactoryBuilder),
		responder: make(map[string]ResponderBuilder),
	}
}

func (r *ProviderRegistry) RegisterSTT(name string, builder STTFactoryBuilder) {
	r.stt[strings.ToLower(strings.TrimSpace(name))] = builder
}

func (r *ProviderRegistry) RegisterTTS(name string, builder TTSFactoryBuilder) {
	r.tts[strings.ToLower(strings.TrimSpace(name))] = builder
}

func (r *ProviderRegistry) RegisterResponder(name string, builder ResponderBuilder) {
	r.responder[strings.ToLower(strings.TrimSpace(name))] = builder
}

func (r *ProviderRegistry) BuildSTTFactory(provider string, cfg Config) (func(streamID string) stt.Recognizer, error) {
	fn := r.stt[strings.ToLower(strings.TrimSpace(provider))]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildTTSFactory(provider string, cfg Config) (func(streamID string) tts.Synthesizer, error) {
	fn := r.tts[strings.ToLower(strings.TrimSpace(provider))]
	if fn == nil {
		return nil, fmt.Errorf("tts provider not registered: %s", provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildResponder(provider string, cfg Config) (responder.Client, error) {
	fn := r.responder[strings.ToLower(strings.TrimSpace(provider))]
	if fn == nil {
		return nil, fmt.Errorf("responder provider not registered: %s", provider)
	}
	return fn(cfg)
}

// DefaultRegistry registers the built-in providers.
func DefaultRegistry() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterSTT("deepgram", buildDeepgramSTT)
	r.RegisterSTT("mock", buildMockSTT)
	r.RegisterTTS("elevenlabs", buildElevenLabsTTS)
	r.RegisterTTS("mock", buildMockTTS)
	r.RegisterResponder("http", buildHTTPResponder)
	r.RegisterResponder("ws", buildWSResponder)
	r.RegisterResponder("mock", buildMockResponder)
	return r
}

type deepgramSettings struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	Encoding       string `mapstructure:"encoding"`
	Interim        *bool  `mapstructure:"interim"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
}

func buildDeepgramSTT(cfg Config) (func(streamID string) stt.Recognizer, error) {
	raw := cfg.Vendors.STT.Settings
	if err := configutil.ValidateSettings(raw, configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "language", "encoding", "interim", "utterance_end_ms"},
	}); err != nil {
		return nil, fmt.Errorf("vendors.stt.settings: %w", err)
	}
	var s deepgramSettings
	if err := configutil.DecodeSettings(raw, &s); err != nil {
		return nil, fmt.Errorf("vendors.stt.settings: %w", err)
	}
	if err := configutil.RequireString(s.APIKey, "vendors.stt.settings.api_key"); err != nil {
		return nil, err
	}
	return func(streamID string) stt.Recognizer {
		return deepgram.New(deepgram.Config{
			APIKey:         s.APIKey,
			Model:          s.Model,
			Language:       s.Language,
			Encoding:       s.Encoding,
			SampleRate:     cfg.Audio.SampleRate,
			Interim:        configutil.BoolValue(s.Interim, true),
			StreamID:       streamID,
			UtteranceEndMS: s.UtteranceEndMS,
		})
	}, nil
}

type mockSTTSettings struct {
	Transcript        string `mapstructure:"transcript"`
	InterimTranscript string `mapstructure:"interim_transcript"`
	DelayMS           int    `mapstructure:"delay_ms"`
}

func buildMockSTT(cfg Config) (func(streamID string) stt.Recognizer, error) {
	var s mockSTTSettings
	if err := configutil.DecodeSettings(cfg.Vendors.STT.Settings, &s); err != nil {
		return nil, fmt.Errorf("vendors.stt.settings: %w", err)
	}
	return func(streamID string) stt.Recognizer {
		return mock.NewSTT(mock.STTConfig{
			StreamID:          streamID,
			Transcript:        s.Transcript,
			InterimTranscript: s.InterimTranscript,
			EmitInterim:       s.InterimTranscript != "",
			EmitFlush:         true,
			Delay:             time.Duration(s.DelayMS) * time.Millisecond,
		})
	}, nil
}

type elevenLabsSettings struct {
	APIKey       string `mapstructure:"api_key"`
	VoiceID      string `mapstructure:"voice_id"`
	ModelID      string `mapstructure:"model_id"`
	OutputFormat string `mapstructure:"output_format"`
	SampleRate   int    `mapstructure:"sample_rate"`
}

func buildElevenLabsTTS(cfg Config) (func(streamID string) tts.Synthesizer, error) {
	raw := cfg.Vendors.TTS.Settings
	if err := configutil.ValidateSettings(raw, configutil.Schema{
		Required: []string{"api_key", "voice_id"},
		Optional: []string{"model_id", "output_format", "sample_rate"},
	}); err != nil {
		return nil, fmt.Errorf("vendors.tts.settings: %w", err)
	}
	var s elevenLabsSettings
	if err := configutil.DecodeSettings(raw, &s); err != nil {
		return nil, fmt.Errorf("vendors.tts.settings: %w", err)
	}
	sampleRate := s.SampleRate
	if sampleRate == 0 {
		sampleRate = cfg.Audio.SampleRate
	}
	return func(streamID string) tts.Synthesizer {
		return elevenlabs.New(elevenlabs.Config{
			APIKey:       s.APIKey,
			VoiceID:      s.VoiceID,
			ModelID:      s.ModelID,
			OutputFormat: s.OutputFormat,
			SampleRate:   sampleRate,
			StreamID:     streamID,
		})
	}, nil
}

type mockTTSSettings struct {
	SegmentCount int `mapstructure:"segment_count"`
}

func buildMockTTS(cfg Config) (func(streamID string) tts.Synthesizer, error) {
	var s mockTTSSettings
	if err := configutil.DecodeSettings(cfg.Vendors.TTS.Settings, &s); err != nil {
		return nil, fmt.Errorf("vendors.tts.settings: %w", err)
	}
	return func(streamID string) tts.Synthesizer {
		return mock.NewTTS(mock.TTSConfig{
			StreamID:     streamID,
			SampleRate:   cfg.Audio.SampleRate,
			Channels:     cfg.Audio.Channels,
			SegmentCount: s.SegmentCount,
		})
	}, nil
}

type httpResponderSettings struct {
	BaseURL           string `mapstructure:"base_url"`
	UserID            string `mapstructure:"user_id"`
	TimeoutMS         int    `mapstructure:"timeout_ms"`
	MaxRetries        int    `mapstructure:"max_retries"`
	BackoffMS         int    `mapstructure:"backoff_ms"`
	FailureThreshold  int    `mapstructure:"failure_threshold"`
	BreakerCooldownMS int    `mapstructure:"breaker_cooldown_ms"`
}

func buildHTTPResponder(cfg Config) (responder.Client, error) {
	raw := cfg.Responder.Settings
	if err := configutil.ValidateSettings(raw, configutil.Schema{
		Required: []string{"base_url"},
		Optional: []string{"user_id", "timeout_ms", "max_retries", "backoff_ms", "failure_threshold", "breaker_cooldown_ms"},
	}); err != nil {
		return nil, fmt.Errorf("responder.settings: %w", err)
	}
	var s httpResponderSettings
	if err := configutil.DecodeSettings(raw, &s); err != nil {
		return nil, fmt.Errorf("responder.settings: %w", err)
	}
	var breaker *resilience.CircuitBreaker
	if s.FailureThreshold > 0 {
		cooldown := time.Duration(s.BreakerCooldownMS) * time.Millisecond
		if cooldown <= 0 {
			cooldown = 30 * time.Second
		}
		breaker = resilience.NewFailureCircuitBreaker(s.FailureThreshold, cooldown)
	}
	return responderclient.NewHTTP(responderclient.HTTPConfig{
		BaseURL: s.BaseURL,
		UserID:  s.UserID,
		Timeout: time.Duration(s.TimeoutMS) * time.Millisecond,
		Retry:   resilience.NewRetryPolicy(s.MaxRetries, time.Duration(s.BackoffMS)*time.Millisecond),
		Breaker: breaker,
	}), nil
}

type wsResponderSettings struct {
	BaseURL          string `mapstructure:"base_url"`
	UserID           string `mapstructure:"user_id"`
	ConnectTimeoutMS int    `mapstructure:"connect_timeout_ms"`
	ReplyTimeoutMS   int    `mapstructure:"reply_timeout_ms"`
	PingIntervalMS   int    `mapstructure:"ping_interval_ms"`
}

func buildWSResponder(cfg Config) (responder.Client, error) {
	raw := cfg.Responder.Settings
	if err := configutil.ValidateSettings(raw, configutil.Schema{
		Required: []string{"base_url"},
		Optional: []string{"user_id", "connect_timeout_ms", "reply_timeout_ms", "ping_interval_ms"},
	}); err != nil {
		return nil, fmt.Errorf("responder.settings: %w", err)
	}
	var s wsResponderSettings
	if err := configutil.DecodeSettings(raw, &s); err != nil {
		return nil, fmt.Errorf("responder.settings: %w", err)
	}
	return responderclient.NewWS(responderclient.WSConfig{
		BaseURL:        s.BaseURL,
		UserID:         s.UserID,
		ConnectTimeout: time.Duration(s.ConnectTimeoutMS) * time.Millisecond,
		ReplyTimeout:   time.Duration(s.ReplyTimeoutMS) * time.Millisecond,
		PingInterval:   time.Duration(s.PingIntervalMS) * time.Millisecond,
	}), nil
}

type mockResponderSettings struct {
	Reply string `mapstructure:"reply"`
}

func buildMockResponder(cfg Config) (responder.Client, error) {
	var s mockResponderSettings
	if err := configutil.DecodeSettings(cfg.Responder.Settings, &s); err != nil {
		return nil, fmt.Errorf("responder.settings: %w", err)
	}
	return mock.NewResponder(mock.ResponderConfig{Reply: s.Reply}), nil
}
