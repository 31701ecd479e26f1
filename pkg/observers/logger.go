package observers

import (
	"log/slog"

	"github.com/chiku-ai/chiku-voice/pkg/redact"
	"github.com/chiku-ai/chiku-voice/pkg/turn"
)

// LoggerObserver mirrors the loop's read-only signals into structured logs.
type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log}
}

func (o *LoggerObserver) OnStateChange(event turn.StateChange) {
	o.log.Info("phase change",
		slog.String("from", event.FromState.String()),
		slog.String("to", event.ToState.String()),
		slog.String("reason", event.Reason))
}

func (o *LoggerObserver) OnInterimTranscript(text string) {
	o.log.Debug("interim transcript", slog.String("text", redact.Text(text)))
}

func (o *LoggerObserver) OnTurnComplete(turnID string, transcript, reply string) {
	o.log.Info("turn complete",
		slog.String("turn_id", turnID),
		slog.String("transcript", redact.Text(transcript)),
		slog.String("reply", redact.Text(reply)))
}

func (o *LoggerObserver) OnTurnError(turnID string, err error) {
	o.log.Warn("turn error",
		slog.String("turn_id", turnID),
		slog.String("error", err.Error()))
}

var _ turn.Listener = (*LoggerObserver)(nil)
