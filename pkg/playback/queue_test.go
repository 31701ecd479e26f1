package playback

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chiku-ai/chiku-voice/pkg/frames"
)

type fakePlayer struct {
	mu        sync.Mutex
	played    [][]byte
	dones     []func()
	stops     int
	failTimes int
}

func (p *fakePlayer) Play(data []byte, done func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failTimes > 0 {
		p.failTimes--
		return errors.New("device busy")
	}
	p.played = append(p.played, append([]byte(nil), data...))
	p.dones = append(p.dones, done)
	return nil
}

func (p *fakePlayer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	return nil
}

func (p *fakePlayer) playedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.played)
}

// finish fires the done callback of the i-th started segment.
func (p *fakePlayer) finish(i int) {
	p.mu.Lock()
	done := p.dones[i]
	p.mu.Unlock()
	done()
}

func seg(data ...byte) frames.AudioFrame {
	return frames.NewAudioFrame("stream-1", time.Now().UnixNano(), data, 16000, 1, nil)
}

func TestQueuePlaysInArrivalOrder(t *testing.T) {
	player := &fakePlayer{}
	q := NewQueue(player)

	q.Enqueue(seg(1))
	q.Enqueue(seg(2))
	q.Enqueue(seg(3))

	if got := player.playedCount(); got != 1 {
		t.Fatalf("expected only head playing, got %d", got)
	}
	player.finish(0)
	player.finish(1)
	player.finish(2)

	want := [][]byte{{1}, {2}, {3}}
	player.mu.Lock()
	defer player.mu.Unlock()
	if len(player.played) != 3 {
		t.Fatalf("expected 3 segments played, got %d", len(player.played))
	}
	for i := range want {
		if !bytes.Equal(player.played[i], want[i]) {
			t.Fatalf("segment %d out of order: got %v want %v", i, player.played[i], want[i])
		}
	}
}

func TestQueueSettledOnlyAfterDrain(t *testing.T) {
	player := &fakePlayer{}
	q := NewQueue(player)

	if !q.Settled() {
		t.Fatalf("empty queue must be settled")
	}
	q.Enqueue(seg(1))
	if q.Settled() {
		t.Fatalf("queue with in-flight segment must not be settled")
	}
	player.finish(0)
	if !q.Settled() {
		t.Fatalf("queue must settle once the last segment finishes")
	}
}

func TestQueueIdleCallbackOnDrain(t *testing.T) {
	player := &fakePlayer{}
	q := NewQueue(player)

	idleCalls := 0
	q.SetIdleFunc(func() { idleCalls++ })

	q.Enqueue(seg(1))
	q.Enqueue(seg(2))
	player.finish(0)
	if idleCalls != 0 {
		t.Fatalf("idle must not fire while segments remain")
	}
	player.finish(1)
	if idleCalls != 1 {
		t.Fatalf("expected exactly one idle callback, got %d", idleCalls)
	}
}

func TestQueueStopAllHaltsAndClears(t *testing.T) {
	player := &fakePlayer{}
	q := NewQueue(player)

	q.Enqueue(seg(1))
	q.Enqueue(seg(2))
	q.StopAll()

	if player.stops != 1 {
		t.Fatalf("expected player stop, got %d", player.stops)
	}
	if !q.Settled() {
		t.Fatalf("queue must be settled after StopAll")
	}

	// A completion from before the stop must be ignored.
	player.finish(0)
	if got := player.playedCount(); got != 1 {
		t.Fatalf("stale completion restarted playback: %d plays", got)
	}
	if !q.Settled() {
		t.Fatalf("stale completion must not unsettle the queue")
	}
}

func TestQueueDropsUnplayableSegment(t *testing.T) {
	player := &fakePlayer{failTimes: 1}
	q := NewQueue(player)

	q.Enqueue(seg(1))
	q.Enqueue(seg(2))

	if got := player.playedCount(); got != 1 {
		t.Fatalf("expected second segment to start after drop, got %d plays", got)
	}
	player.mu.Lock()
	first := player.played[0]
	player.mu.Unlock()
	if !bytes.Equal(first, []byte{2}) {
		t.Fatalf("expected unplayable head dropped, got %v", first)
	}
}
