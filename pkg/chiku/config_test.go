package chiku

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
vendors:
  stt:
    provider: mock
  tts:
    provider: mock
responder:
  provider: mock
`

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Fatalf("unexpected logging defaults: %s/%s", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.Audio.SampleRate != 16000 || cfg.Audio.Channels != 1 {
		t.Fatalf("unexpected audio defaults: %+v", cfg.Audio)
	}
	if cfg.Timing.SilenceWindow() != 1500*time.Millisecond {
		t.Fatalf("unexpected silence window: %v", cfg.Timing.SilenceWindow())
	}
	if cfg.Timing.Cooldown() != 800*time.Millisecond {
		t.Fatalf("unexpected cooldown: %v", cfg.Timing.Cooldown())
	}
	if cfg.Timing.RecoveryDelay() != 2*time.Second {
		t.Fatalf("unexpected recovery delay: %v", cfg.Timing.RecoveryDelay())
	}
	if cfg.Timing.MaxUtterance() != 15*time.Second {
		t.Fatalf("unexpected hard ceiling: %v", cfg.Timing.MaxUtterance())
	}
	if cfg.Timing.ConnectTimeout() != 5*time.Second || cfg.Timing.SafetyTimeout() != 30*time.Second {
		t.Fatalf("unexpected timeouts: %v/%v", cfg.Timing.ConnectTimeout(), cfg.Timing.SafetyTimeout())
	}
}

func TestLoadConfigExpandsEnvInSettings(t *testing.T) {
	t.Setenv("TEST_DG_KEY", "sekrit")
	cfg, err := LoadConfig(writeConfig(t, `
vendors:
  stt:
    provider: deepgram
    settings:
      api_key: ${TEST_DG_KEY}
  tts:
    provider: mock
responder:
  provider: mock
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.Vendors.STT.Settings["api_key"]; got != "sekrit" {
		t.Fatalf("env not expanded: %v", got)
	}
}

func TestLoadConfigRejectsMissingProvider(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
vendors:
  stt:
    provider: mock
responder:
  provider: mock
`))
	if err == nil {
		t.Fatalf("expected missing tts provider to fail validation")
	}
}

func TestLoadConfigRejectsBadTimingOrder(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, minimalConfig+`
timing:
  silence_window_ms: 20000
`))
	if err == nil {
		t.Fatalf("silence window above the hard ceiling must fail validation")
	}
}

func TestProviderRegistryUnknownProvider(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	registry := DefaultRegistry()
	if _, err := registry.BuildSTTFactory("nope", cfg); err == nil {
		t.Fatalf("unknown stt provider must be rejected")
	}
	if _, err := registry.BuildResponder("nope", cfg); err == nil {
		t.Fatalf("unknown responder provider must be rejected")
	}
}

func TestBuildDeepgramRequiresAPIKey(t *testing.T) {
	cfg := Config{
		Vendors: VendorsConfig{
			STT: VendorConfig{Provider: "deepgram", Settings: map[string]any{"model": "nova-2"}},
		},
	}
	if _, err := buildDeepgramSTT(cfg); err == nil {
		t.Fatalf("deepgram without api_key must be rejected")
	}
}

func TestBuildElevenLabsRejectsUnknownKeys(t *testing.T) {
	cfg := Config{
		Vendors: VendorsConfig{
			TTS: VendorConfig{Provider: "elevenlabs", Settings: map[string]any{
				"api_key":  "k",
				"voice_id": "v",
				"typo_key": true,
			}},
		},
	}
	if _, err := buildElevenLabsTTS(cfg); err == nil {
		t.Fatalf("unknown settings key must be rejected")
	}
}
