package observers

import "github.com/chiku-ai/chiku-voice/pkg/turn"

// MultiObserver fans loop signals out to several listeners.
type MultiObserver struct {
	list []turn.Listener
}

func NewMultiObserver(list ...turn.Listener) *MultiObserver {
	return &MultiObserver{list: list}
}

func (m *MultiObserver) OnStateChange(event turn.StateChange) {
	for _, obs := range m.list {
		if obs != nil {
			obs.OnStateChange(event)
		}
	}
}

func (m *MultiObserver) OnInterimTranscript(text string) {
	for _, obs := range m.list {
		if obs != nil {
			obs.OnInterimTranscript(text)
		}
	}
}

func (m *MultiObserver) OnTurnComplete(turnID string, transcript, reply string) {
	for _, obs := range m.list {
		if obs != nil {
			obs.OnTurnComplete(turnID, transcript, reply)
		}
	}
}

func (m *MultiObserver) OnTurnError(turnID string, err error) {
	for _, obs := range m.list {
		if obs != nil {
			obs.OnTurnError(turnID, err)
		}
	}
}

var _ turn.Listener = (*MultiObserver)(nil)
