package playback

import (
	"log/slog"
	"sync"

	"github.com/chiku-ai/chiku-voice/pkg/frames"
	"github.com/chiku-ai/chiku-voice/pkg/logging"
)

// Player begins playback of one decoded segment and invokes done when the
// segment has fully left the output device. Stop halts the in-flight
// segment; its done callback must not fire afterwards.
type Player interface {
	Play(data []byte, done func()) error
	Stop() error
}

// Queue plays audio segments strictly in arrival order: at most one
// segment is in flight, the next starts only when the previous one
// finishes. It never reorders.
type Queue struct {
	mu      sync.Mutex
	player  Player
	pending []frames.AudioFrame
	playing bool
	gen     uint64
	onIdle  func()
	logger  *slog.Logger
}

func NewQueue(player Player) *Queue {
	return &Queue{
		player: player,
		logger: logging.NewComponentLogger(slog.Default(), "playback_queue"),
	}
}

// SetIdleFunc registers the callback fired each time the queue drains
// (nothing pending, nothing playing). Used for settlement checks.
func (q *Queue) SetIdleFunc(fn func()) {
	q.mu.Lock()
	q.onIdle = fn
	q.mu.Unlock()
}

// Enqueue appends a segment; if nothing is playing, it starts immediately.
func (q *Queue) Enqueue(seg frames.AudioFrame) {
	q.mu.Lock()
	q.pending = append(q.pending, seg)
	if q.playing {
		q.mu.Unlock()
		return
	}
	q.playing = true
	q.mu.Unlock()
	q.playHead()
}

// Settled reports that no segment is pending and none is playing.
func (q *Queue) Settled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) == 0 && !q.playing
}

// StopAll forcibly halts in-flight playback and clears pending segments.
// Used only for cancellation, never as part of normal completion.
func (q *Queue) StopAll() {
	q.mu.Lock()
	q.gen++
	q.pending = nil
	q.playing = false
	player := q.player
	q.mu.Unlock()

	if player != nil {
		if err := player.Stop(); err != nil {
			q.logger.Warn("playback stop failed", slog.String("error", err.Error()))
		}
	}
}

func (q *Queue) playHead() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			// Drained between iterations (StopAll).
			q.playing = false
			q.mu.Unlock()
			return
		}
		head := q.pending[0]
		gen := q.gen
		player := q.player
		q.mu.Unlock()

		err := player.Play(head.RawPayload(), func() { q.segmentFinished(gen) })
		if err == nil {
			return
		}

		// An unplayable segment is dropped so one bad chunk cannot wedge
		// the whole utterance.
		q.logger.Warn("segment playback failed, dropping",
			slog.Int("size_bytes", len(head.RawPayload())),
			slog.String("error", err.Error()))
		if !q.advance(gen) {
			return
		}
	}
}

func (q *Queue) segmentFinished(gen uint64) {
	if q.advance(gen) {
		q.playHead()
	}
}

// advance pops the finished head. It returns true when a next segment
// should start; on drain it fires the idle callback.
func (q *Queue) advance(gen uint64) bool {
	q.mu.Lock()
	if gen != q.gen {
		// Stale completion from before a StopAll.
		q.mu.Unlock()
		return false
	}
	if len(q.pending) > 0 {
		frames.ReleaseAudioFrame(q.pending[0])
		q.pending = q.pending[1:]
	}
	if len(q.pending) > 0 {
		q.mu.Unlock()
		return true
	}
	q.playing = false
	idle := q.onIdle
	q.mu.Unlock()

	if idle != nil {
		idle()
	}
	return false
}
