package turn

type State int

const (
	StateIdle State = iota
	StateListening
	StateThinking
	StateSpeaking
	StateError
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateThinking:
		return "THINKING"
	case StateSpeaking:
		return "SPEAKING"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}
