package observers

import (
	"sync"

	"github.com/chiku-ai/chiku-voice/pkg/turn"
)

// MemoryObserver keeps every received signal in memory, for tests and
// debugging surfaces.
type MemoryObserver struct {
	mu       sync.Mutex
	Changes  []turn.StateChange
	Interims []string
	Errors   []error
}

func NewMemoryObserver() *MemoryObserver {
	return &MemoryObserver{}
}

func (m *MemoryObserver) OnStateChange(event turn.StateChange) {
	m.mu.Lock()
	m.Changes = append(m.Changes, event)
	m.mu.Unlock()
}

func (m *MemoryObserver) OnInterimTranscript(text string) {
	m.mu.Lock()
	m.Interims = append(m.Interims, text)
	m.mu.Unlock()
}

func (m *MemoryObserver) OnTurnComplete(turnID string, transcript, reply string) {}

func (m *MemoryObserver) OnTurnError(turnID string, err error) {
	m.mu.Lock()
	m.Errors = append(m.Errors, err)
	m.mu.Unlock()
}

// Phases returns the ordered list of phases entered so far.
func (m *MemoryObserver) Phases() []turn.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]turn.State, len(m.Changes))
	for i, c := range m.Changes {
		out[i] = c.ToState
	}
	return out
}

var _ turn.Listener = (*MemoryObserver)(nil)
