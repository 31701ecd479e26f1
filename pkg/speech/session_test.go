package speech

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chiku-ai/chiku-voice/pkg/errorsx"
	"github.com/chiku-ai/chiku-voice/pkg/frames"
)

type mockSynth struct {
	mu         sync.Mutex
	out        chan frames.Frame
	texts      []string
	flushes    int
	closed     bool
	blockStart bool
}

func newMockSynth() *mockSynth {
	return &mockSynth{out: make(chan frames.Frame, 16)}
}

func (m *mockSynth) Name() string { return "mock_synth" }

func (m *mockSynth) Start(ctx context.Context) error {
	if m.blockStart {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (m *mockSynth) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.out)
	}
	return nil
}

func (m *mockSynth) SendText(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, text)
	return nil
}

func (m *mockSynth) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes++
	return nil
}

func (m *mockSynth) Results() <-chan frames.Frame { return m.out }

func (m *mockSynth) emitAudio(data ...byte) {
	m.out <- frames.NewAudioFrame("stream-1", time.Now().UnixNano(), data, 16000, 1, nil)
}

func (m *mockSynth) emitTerminal() {
	m.out <- frames.NewControlFrame("stream-1", time.Now().UnixNano(), frames.ControlSynthDone, nil)
}

type fakePlayer struct {
	mu    sync.Mutex
	dones []func()
	plays int
	stops int
}

func (p *fakePlayer) Play(data []byte, done func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plays++
	p.dones = append(p.dones, done)
	return nil
}

func (p *fakePlayer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	return nil
}

func (p *fakePlayer) waitPlays(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		plays := p.plays
		p.mu.Unlock()
		if plays >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d segments to start playing", n)
}

func (p *fakePlayer) finish(i int) {
	p.mu.Lock()
	done := p.dones[i]
	p.mu.Unlock()
	done()
}

func speakAsync(s *Session, text string) chan error {
	result := make(chan error, 1)
	go func() { result <- s.Speak(context.Background(), text) }()
	return result
}

func TestSessionRefusesEmptyText(t *testing.T) {
	synth := newMockSynth()
	sess := NewSession(synth, &fakePlayer{}, Config{})

	err := sess.Speak(context.Background(), "   ")
	if !errorsx.HasReason(err, errorsx.ReasonSynthesisError) {
		t.Fatalf("expected synthesis_error for empty text, got %v", err)
	}
	if len(synth.texts) != 0 {
		t.Fatalf("no text should reach the synthesizer")
	}
}

func TestSessionCompletesOnlyAfterSettlement(t *testing.T) {
	synth := newMockSynth()
	player := &fakePlayer{}
	sess := NewSession(synth, player, Config{})

	result := speakAsync(sess, "You have a meeting at 3pm")
	synth.emitAudio(1)
	synth.emitAudio(2)
	synth.emitTerminal()
	player.waitPlays(t, 1)

	// Terminal signal alone must not complete the session while audio
	// is still pending or playing.
	select {
	case err := <-result:
		t.Fatalf("session completed before playback finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	player.finish(0)
	player.waitPlays(t, 2)
	player.finish(1)

	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("expected success, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("session never completed")
	}

	if got := synth.texts; len(got) != 1 || got[0] != "You have a meeting at 3pm" {
		t.Fatalf("unexpected submitted text: %v", got)
	}
	if synth.flushes != 1 {
		t.Fatalf("expected an end marker after the text, got %d", synth.flushes)
	}
}

func TestSessionCompletesWithZeroSegments(t *testing.T) {
	synth := newMockSynth()
	sess := NewSession(synth, &fakePlayer{}, Config{})

	result := speakAsync(sess, "ok")
	time.Sleep(10 * time.Millisecond)
	synth.emitTerminal()

	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("expected success, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("session never completed")
	}
}

func TestSessionCompletionExactlyOnce(t *testing.T) {
	synth := newMockSynth()
	sess := NewSession(synth, &fakePlayer{}, Config{})

	result := speakAsync(sess, "ok")
	time.Sleep(10 * time.Millisecond)
	synth.emitTerminal()
	if err := <-result; err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	// Late events must be no-ops on an inert session.
	sess.Cancel()
	if sess.Active() {
		t.Fatalf("completed session must be inert")
	}
	if err := sess.Speak(context.Background(), "again"); err != nil {
		t.Fatalf("completed session must return its resolution, got %v", err)
	}
}

func TestSessionConnectTimeout(t *testing.T) {
	synth := newMockSynth()
	synth.blockStart = true
	sess := NewSession(synth, &fakePlayer{}, Config{ConnectTimeout: 50 * time.Millisecond})

	err := sess.Speak(context.Background(), "reply")
	if !errorsx.HasReason(err, errorsx.ReasonConnectionTimeout) {
		t.Fatalf("expected connection_timeout, got %v", err)
	}
}

func TestSessionSafetyTimeoutForcesCompletion(t *testing.T) {
	synth := newMockSynth()
	sess := NewSession(synth, &fakePlayer{}, Config{SafetyTimeout: 80 * time.Millisecond})

	start := time.Now()
	err := sess.Speak(context.Background(), "the provider never answers")
	if err != nil {
		t.Fatalf("safety timeout must complete as success, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("safety timeout did not bound the wait")
	}
}

func TestSessionCancelHaltsPlayback(t *testing.T) {
	synth := newMockSynth()
	player := &fakePlayer{}
	sess := NewSession(synth, player, Config{})

	result := speakAsync(sess, "long reply")
	synth.emitAudio(1)
	synth.emitAudio(2)
	player.waitPlays(t, 1)

	sess.Cancel()

	err := <-result
	if !errorsx.IsCancelled(err) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	player.mu.Lock()
	stops := player.stops
	player.mu.Unlock()
	if stops == 0 {
		t.Fatalf("cancellation must hard-stop the player")
	}
	if sess.Active() {
		t.Fatalf("cancelled session must be inactive")
	}
}
