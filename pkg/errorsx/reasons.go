package errorsx

import "errors"

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	// Capture-side reasons.
	ReasonNoSpeechDetected  ReasonCode = "no_speech_detected"
	ReasonPermissionDenied  ReasonCode = "permission_denied"
	ReasonRecognitionError  ReasonCode = "recognition_error"
	ReasonBlockedBySpeaking ReasonCode = "blocked_by_speaking"

	// Responder reasons.
	ReasonQueryFailed   ReasonCode = "query_failed"
	ReasonResponderSend ReasonCode = "responder_send"

	// Synthesis-side reasons.
	ReasonConnectionTimeout ReasonCode = "connection_timeout"
	ReasonSynthesisError    ReasonCode = "synthesis_error"

	// Provider plumbing.
	ReasonSTTConnect ReasonCode = "stt_connect"
	ReasonSTTSend    ReasonCode = "stt_send"
	ReasonTTSConnect ReasonCode = "tts_connect"
	ReasonTTSSend    ReasonCode = "tts_send"

	ReasonCancelled ReasonCode = "cancelled"
)

// ErrCancelled marks work abandoned because the conversation was stopped.
// It is distinguished from real failures: the loop suppresses auto-recovery
// for it. Matches via errors.Is through any ReasonedError wrapping.
var ErrCancelled = errors.New("cancelled")

// IsCancelled reports whether err represents deliberate cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || HasReason(err, ReasonCancelled)
}
