package chiku

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Environment string          `mapstructure:"environment"`
	LogLevel    string          `mapstructure:"log_level"`
	LogFormat   string          `mapstructure:"log_format"`
	Vendors     VendorsConfig   `mapstructure:"vendors"`
	Responder   ResponderConfig `mapstructure:"responder"`
	Audio       AudioConfig     `mapstructure:"audio"`
	Timing      TimingConfig    `mapstructure:"timing"`
	Privacy     PrivacyConfig   `mapstructure:"privacy"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
	TTS VendorConfig `mapstructure:"tts"`
}

type ResponderConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type AudioConfig struct {
	SampleRate int `mapstructure:"sample_rate"`
	Channels   int `mapstructure:"channels"`
}

// TimingConfig carries the loop's tuning constants. The values are product
// tuning, not invariants: any finite, sensibly-ordered set works.
type TimingConfig struct {
	SilenceWindowMS  int `mapstructure:"silence_window_ms"`
	MaxUtteranceMS   int `mapstructure:"max_utterance_ms"`
	CooldownMS       int `mapstructure:"cooldown_ms"`
	RecoveryDelayMS  int `mapstructure:"recovery_delay_ms"`
	ConnectTimeoutMS int `mapstructure:"connect_timeout_ms"`
	SafetyTimeoutMS  int `mapstructure:"safety_timeout_ms"`
}

func (t TimingConfig) SilenceWindow() time.Duration  { return ms(t.SilenceWindowMS) }
func (t TimingConfig) MaxUtterance() time.Duration   { return ms(t.MaxUtteranceMS) }
func (t TimingConfig) Cooldown() time.Duration       { return ms(t.CooldownMS) }
func (t TimingConfig) RecoveryDelay() time.Duration  { return ms(t.RecoveryDelayMS) }
func (t TimingConfig) ConnectTimeout() time.Duration { return ms(t.ConnectTimeoutMS) }
func (t TimingConfig) SafetyTimeout() time.Duration  { return ms(t.SafetyTimeoutMS) }

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("audio.sample_rate", 16000)
	v.SetDefault("audio.channels", 1)
	v.SetDefault("timing.silence_window_ms", 1500)
	v.SetDefault("timing.max_utterance_ms", 15000)
	v.SetDefault("timing.cooldown_ms", 800)
	v.SetDefault("timing.recovery_delay_ms", 2000)
	v.SetDefault("timing.connect_timeout_ms", 5000)
	v.SetDefault("timing.safety_timeout_ms", 30000)
	v.SetDefault("privacy.redact_pii", true)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Vendors.STT.Provider) == "" {
		return fmt.Errorf("vendors.stt.provider is required")
	}
	if strings.TrimSpace(c.Vendors.TTS.Provider) == "" {
		return fmt.Errorf("vendors.tts.provider is required")
	}
	if strings.TrimSpace(c.Responder.Provider) == "" {
		return fmt.Errorf("responder.provider is required")
	}
	if err := c.Timing.validate(); err != nil {
		return err
	}
	return nil
}

func (t TimingConfig) validate() error {
	for name, v := range map[string]int{
		"timing.silence_window_ms":  t.SilenceWindowMS,
		"timing.max_utterance_ms":   t.MaxUtteranceMS,
		"timing.cooldown_ms":        t.CooldownMS,
		"timing.recovery_delay_ms":  t.RecoveryDelayMS,
		"timing.connect_timeout_ms": t.ConnectTimeoutMS,
		"timing.safety_timeout_ms":  t.SafetyTimeoutMS,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if t.SilenceWindowMS >= t.MaxUtteranceMS {
		return fmt.Errorf("timing.silence_window_ms must be below timing.max_utterance_ms")
	}
	return nil
}

// expandEnvStrings lets settings reference secrets as ${VAR}.
func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.TTS.Settings = expandSettings(cfg.Vendors.TTS.Settings)
	cfg.Responder.Settings = expandSettings(cfg.Responder.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	}
}
