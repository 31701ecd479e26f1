package tts

import (
	"context"

	"github.com/chiku-ai/chiku-voice/pkg/frames"
)

// Synthesizer defines the contract for any streaming speech synthesis
// vendor. One Start/Close cycle corresponds to one utterance: the caller
// submits text then an end marker, the vendor pushes decoded audio frames
// followed by exactly one ControlSynthDone frame.
type Synthesizer interface {
	// Name returns adapter name for logging.
	Name() string
	// Start opens the synthesis connection and submits voice parameters.
	Start(ctx context.Context) error
	// Close shuts down the synthesis connection. Safe to call twice.
	Close() error
	// SendText submits text to be synthesized.
	SendText(text string) error
	// Flush signals end of input for the current utterance.
	Flush() error
	// Results returns a channel of audio/control frames.
	Results() <-chan frames.Frame
}

// Config contains vendor-agnostic synthesizer configuration.
type Config struct {
	StreamID   string
	SampleRate int
	Channels   int
}
