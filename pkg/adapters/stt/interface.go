package stt

import (
	"context"

	"github.com/chiku-ai/chiku-voice/pkg/frames"
)

// Recognizer defines the contract for any continuous speech recognition
// vendor. Implementations push interim and final transcript fragments as
// text frames on Results; a recognizer-side failure surfaces as a control
// cancel frame followed by channel close.
type Recognizer interface {
	// Name returns adapter name for logging.
	Name() string
	// Start opens the recognition stream.
	Start(ctx context.Context) error
	// Close shuts down the recognition stream. Safe to call twice.
	Close() error
	// SendAudio forwards captured microphone audio to the service.
	SendAudio(frame frames.AudioFrame) error
	// Results returns a channel of transcript/control frames.
	Results() <-chan frames.Frame
}

// Config contains vendor-agnostic recognizer configuration.
type Config struct {
	StreamID   string
	SampleRate int
	Language   string
}
