package turn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chiku-ai/chiku-voice/pkg/errorsx"
)

// exclusionTracker watches that capture and speech are never active at the
// same time.
type exclusionTracker struct {
	mu         sync.Mutex
	capActive  bool
	spkActive  bool
	violations int
}

func (e *exclusionTracker) captureOn() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.spkActive {
		e.violations++
	}
	e.capActive = true
}

func (e *exclusionTracker) captureOff() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.capActive = false
}

func (e *exclusionTracker) speakOn() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.capActive {
		e.violations++
	}
	e.spkActive = true
}

func (e *exclusionTracker) speakOff() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spkActive = false
}

func (e *exclusionTracker) violationCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.violations
}

type scriptedCapture struct {
	transcript string
	err        error
	delay      time.Duration
	block      bool
	interims   []string
	tracker    *exclusionTracker
	onInterim  func(string)

	startOnce   sync.Once
	resolveOnce sync.Once
	done        chan struct{}
	mu          sync.Mutex
	result      string
	resultErr   error
	cancelled   bool
}

func newScriptedCapture() *scriptedCapture {
	return &scriptedCapture{done: make(chan struct{})}
}

func (c *scriptedCapture) Start(ctx context.Context) <-chan struct{} {
	c.startOnce.Do(func() {
		if c.tracker != nil {
			c.tracker.captureOn()
		}
		for _, text := range c.interims {
			if c.onInterim != nil {
				c.onInterim(text)
			}
		}
		if !c.block {
			delay := c.delay
			if delay <= 0 {
				delay = time.Millisecond
			}
			time.AfterFunc(delay, func() { c.resolve(c.transcript, c.err) })
		}
	})
	return c.done
}

func (c *scriptedCapture) Result() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.resultErr
}

func (c *scriptedCapture) Interim() string { return "" }

func (c *scriptedCapture) Cancel() {
	c.mu.Lock()
	c.cancelled = true
	c.mu.Unlock()
	c.resolve("", errorsx.Wrap(errorsx.ErrCancelled, errorsx.ReasonCancelled))
}

func (c *scriptedCapture) wasCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

func (c *scriptedCapture) resolve(result string, err error) {
	c.resolveOnce.Do(func() {
		if c.tracker != nil {
			c.tracker.captureOff()
		}
		c.mu.Lock()
		c.result = result
		c.resultErr = err
		c.mu.Unlock()
		close(c.done)
	})
}

type scriptedSpeak struct {
	err     error
	delay   time.Duration
	block   bool
	tracker *exclusionTracker

	resolveOnce sync.Once
	resolved    chan error
	mu          sync.Mutex
	active      bool
	spoken      string
	cancelled   bool
}

func newScriptedSpeak() *scriptedSpeak {
	return &scriptedSpeak{resolved: make(chan error, 1)}
}

func (s *scriptedSpeak) Speak(ctx context.Context, text string) error {
	s.mu.Lock()
	s.active = true
	s.spoken = text
	s.mu.Unlock()
	if s.tracker != nil {
		s.tracker.speakOn()
	}

	if !s.block {
		delay := s.delay
		if delay <= 0 {
			delay = time.Millisecond
		}
		time.AfterFunc(delay, func() { s.resolve(s.err) })
	}

	err := <-s.resolved
	if s.tracker != nil {
		s.tracker.speakOff()
	}
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	return err
}

func (s *scriptedSpeak) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
	s.resolve(errorsx.Wrap(errorsx.ErrCancelled, errorsx.ReasonCancelled))
}

func (s *scriptedSpeak) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *scriptedSpeak) wasCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func (s *scriptedSpeak) resolve(err error) {
	s.resolveOnce.Do(func() { s.resolved <- err })
}

type scriptedResponder struct {
	reply string
	err   error

	mu    sync.Mutex
	asked []string
}

func (r *scriptedResponder) Name() string { return "scripted" }

func (r *scriptedResponder) Ask(ctx context.Context, text string) (string, error) {
	r.mu.Lock()
	r.asked = append(r.asked, text)
	r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	return r.reply, nil
}

func (r *scriptedResponder) Close() error { return nil }

// loopListener records every loop signal.
type loopListener struct {
	recordingListener
	mu        sync.Mutex
	interims  []string
	errors    []error
	completes []string
}

func (l *loopListener) OnInterimTranscript(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.interims = append(l.interims, text)
}

func (l *loopListener) OnTurnError(turnID string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, err)
}

func (l *loopListener) OnTurnComplete(turnID string, transcript, reply string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.completes = append(l.completes, transcript+" / "+reply)
}

// captureScript hands scripted sessions out in order; once exhausted it
// hands out sessions that only resolve on cancellation so the loop parks.
func captureScript(tracker *exclusionTracker, sessions ...*scriptedCapture) CaptureFactory {
	var mu sync.Mutex
	i := 0
	return func(turnID string, onInterim func(string)) CaptureSession {
		mu.Lock()
		defer mu.Unlock()
		var sess *scriptedCapture
		if i < len(sessions) {
			sess = sessions[i]
			i++
		} else {
			sess = newScriptedCapture()
			sess.block = true
		}
		sess.tracker = tracker
		sess.onInterim = onInterim
		return sess
	}
}

func speakScript(tracker *exclusionTracker, sessions ...*scriptedSpeak) SpeakFactory {
	var mu sync.Mutex
	i := 0
	return func(turnID string) SpeakSession {
		mu.Lock()
		defer mu.Unlock()
		var sess *scriptedSpeak
		if i < len(sessions) {
			sess = sessions[i]
			i++
		} else {
			sess = newScriptedSpeak()
			sess.block = true
		}
		sess.tracker = tracker
		return sess
	}
}

func fastConfig() Config {
	return Config{Cooldown: 10 * time.Millisecond, RecoveryDelay: 10 * time.Millisecond}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func phasesContain(got []State, want []State) bool {
	j := 0
	for _, s := range got {
		if j < len(want) && s == want[j] {
			j++
		}
	}
	return j == len(want)
}

func TestLoopFullTurnSequence(t *testing.T) {
	cap1 := newScriptedCapture()
	cap1.transcript = "what's next"
	spk1 := newScriptedSpeak()
	resp := &scriptedResponder{reply: "You have a meeting at 3pm"}
	listener := &loopListener{}

	loop := NewLoop(captureScript(nil, cap1), speakScript(nil, spk1), resp, fastConfig())
	loop.AddListener(listener)
	if !loop.Start() {
		t.Fatalf("start refused")
	}
	defer loop.Stop()

	want := []State{StateListening, StateThinking, StateSpeaking, StateListening}
	waitFor(t, "full phase sequence", func() bool {
		return phasesContain(listener.states(), want)
	})

	resp.mu.Lock()
	asked := append([]string(nil), resp.asked...)
	resp.mu.Unlock()
	if len(asked) == 0 || asked[0] != "what's next" {
		t.Fatalf("responder asked %v", asked)
	}
	spk1.mu.Lock()
	spoken := spk1.spoken
	spk1.mu.Unlock()
	if spoken != "You have a meeting at 3pm" {
		t.Fatalf("spoke %q", spoken)
	}
	listener.mu.Lock()
	completes := len(listener.completes)
	listener.mu.Unlock()
	if completes == 0 {
		t.Fatalf("turn completion never reported")
	}
}

func TestLoopRecoversFromEmptyCapture(t *testing.T) {
	cap1 := newScriptedCapture()
	cap1.err = errorsx.New(errorsx.ReasonNoSpeechDetected, "no speech detected")
	resp := &scriptedResponder{reply: "unused"}
	listener := &loopListener{}

	loop := NewLoop(captureScript(nil, cap1), speakScript(nil), resp, fastConfig())
	loop.AddListener(listener)
	loop.Start()
	defer loop.Stop()

	// Error phase is transient: listening resumes without manual restart.
	want := []State{StateListening, StateError, StateListening}
	waitFor(t, "automatic recovery", func() bool {
		return phasesContain(listener.states(), want)
	})

	if loop.LastError() == "" {
		t.Fatalf("last error must be exposed")
	}
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if len(listener.errors) == 0 || !errorsx.HasReason(listener.errors[0], errorsx.ReasonNoSpeechDetected) {
		t.Fatalf("expected no_speech_detected, got %v", listener.errors)
	}
}

func TestLoopRecoversFromSynthesisTimeout(t *testing.T) {
	cap1 := newScriptedCapture()
	cap1.transcript = "reply please"
	spk1 := newScriptedSpeak()
	spk1.err = errorsx.New(errorsx.ReasonConnectionTimeout, "synthesis connect timed out")
	resp := &scriptedResponder{reply: "reply"}
	listener := &loopListener{}

	loop := NewLoop(captureScript(nil, cap1), speakScript(nil, spk1), resp, fastConfig())
	loop.AddListener(listener)
	loop.Start()
	defer loop.Stop()

	want := []State{StateListening, StateThinking, StateSpeaking, StateError, StateListening}
	waitFor(t, "recovery after synthesis timeout", func() bool {
		return phasesContain(listener.states(), want)
	})

	listener.mu.Lock()
	defer listener.mu.Unlock()
	if len(listener.errors) == 0 || !errorsx.HasReason(listener.errors[0], errorsx.ReasonConnectionTimeout) {
		t.Fatalf("expected connection_timeout, got %v", listener.errors)
	}
}

func TestLoopQueryFailureEntersError(t *testing.T) {
	cap1 := newScriptedCapture()
	cap1.transcript = "hello"
	resp := &scriptedResponder{err: errorsx.New(errorsx.ReasonQueryFailed, "backend down")}
	listener := &loopListener{}

	loop := NewLoop(captureScript(nil, cap1), speakScript(nil), resp, fastConfig())
	loop.AddListener(listener)
	loop.Start()
	defer loop.Stop()

	want := []State{StateListening, StateThinking, StateError, StateListening}
	waitFor(t, "recovery after query failure", func() bool {
		return phasesContain(listener.states(), want)
	})
}

func TestLoopStopMidSpeaking(t *testing.T) {
	cap1 := newScriptedCapture()
	cap1.transcript = "long question"
	spk1 := newScriptedSpeak()
	spk1.block = true
	resp := &scriptedResponder{reply: "a very long answer"}
	listener := &loopListener{}

	loop := NewLoop(captureScript(nil, cap1), speakScript(nil, spk1), resp, fastConfig())
	loop.AddListener(listener)
	loop.Start()

	waitFor(t, "speaking phase", func() bool { return loop.Phase() == StateSpeaking })

	loop.Stop()

	if loop.Phase() != StateIdle {
		t.Fatalf("expected IDLE after stop, got %s", loop.Phase())
	}
	if loop.Running() {
		t.Fatalf("loop must not be running after stop")
	}
	if !spk1.wasCancelled() {
		t.Fatalf("active speak session must be cancelled by stop")
	}

	// A fresh start begins a clean turn.
	cap2 := newScriptedCapture()
	cap2.transcript = "again"
	spk2 := newScriptedSpeak()
	loop2 := NewLoop(captureScript(nil, cap2), speakScript(nil, spk2), &scriptedResponder{reply: "ok"}, fastConfig())
	if !loop2.Start() {
		t.Fatalf("restart refused")
	}
	defer loop2.Stop()
	waitFor(t, "clean second conversation", func() bool {
		spk2.mu.Lock()
		defer spk2.mu.Unlock()
		return spk2.spoken == "ok"
	})
}

func TestLoopStopDuringCaptureSuppressesRecovery(t *testing.T) {
	cap1 := newScriptedCapture()
	cap1.block = true
	listener := &loopListener{}

	loop := NewLoop(captureScript(nil, cap1), speakScript(nil), &scriptedResponder{reply: "x"}, fastConfig())
	loop.AddListener(listener)
	loop.Start()
	waitFor(t, "listening phase", func() bool { return loop.Phase() == StateListening })

	loop.Stop()

	if !cap1.wasCancelled() {
		t.Fatalf("active capture session must be cancelled by stop")
	}
	// Cancellation is not a failure: no error phase, no recovery.
	time.Sleep(50 * time.Millisecond)
	for _, s := range listener.states() {
		if s == StateError {
			t.Fatalf("stop must not route through the error phase")
		}
	}
	if loop.Phase() != StateIdle {
		t.Fatalf("expected IDLE, got %s", loop.Phase())
	}
}

func TestLoopStopIsIdempotent(t *testing.T) {
	cap1 := newScriptedCapture()
	cap1.block = true
	loop := NewLoop(captureScript(nil, cap1), speakScript(nil), &scriptedResponder{reply: "x"}, fastConfig())
	loop.Start()
	waitFor(t, "listening phase", func() bool { return loop.Phase() == StateListening })

	loop.Stop()
	loop.Stop()

	if loop.Phase() != StateIdle || loop.Running() {
		t.Fatalf("expected inert idle loop after double stop")
	}
}

func TestLoopStartRefusedWhileRunning(t *testing.T) {
	cap1 := newScriptedCapture()
	cap1.block = true
	loop := NewLoop(captureScript(nil, cap1), speakScript(nil), &scriptedResponder{reply: "x"}, fastConfig())
	if !loop.Start() {
		t.Fatalf("first start must succeed")
	}
	defer loop.Stop()
	if loop.Start() {
		t.Fatalf("second start must be refused while running")
	}
}

func TestLoopMutualExclusion(t *testing.T) {
	tracker := &exclusionTracker{}
	caps := make([]*scriptedCapture, 3)
	spks := make([]*scriptedSpeak, 3)
	for i := range caps {
		caps[i] = newScriptedCapture()
		caps[i].transcript = "turn"
		spks[i] = newScriptedSpeak()
	}
	listener := &loopListener{}

	loop := NewLoop(captureScript(tracker, caps...), speakScript(tracker, spks...), &scriptedResponder{reply: "ok"}, fastConfig())
	loop.AddListener(listener)
	loop.Start()
	defer loop.Stop()

	waitFor(t, "three completed turns", func() bool {
		listener.mu.Lock()
		defer listener.mu.Unlock()
		return len(listener.completes) >= 3
	})

	if n := tracker.violationCount(); n != 0 {
		t.Fatalf("capture and speech overlapped %d times", n)
	}
}

func TestLoopPublishesInterimTranscript(t *testing.T) {
	cap1 := newScriptedCapture()
	cap1.transcript = "final text"
	cap1.interims = []string{"fin", "final te"}
	listener := &loopListener{}

	loop := NewLoop(captureScript(nil, cap1), speakScript(nil, newScriptedSpeak()), &scriptedResponder{reply: "ok"}, fastConfig())
	loop.AddListener(listener)
	loop.Start()
	defer loop.Stop()

	waitFor(t, "interim transcripts", func() bool {
		listener.mu.Lock()
		defer listener.mu.Unlock()
		return len(listener.interims) == 2
	})
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if listener.interims[0] != "fin" || listener.interims[1] != "final te" {
		t.Fatalf("unexpected interims: %v", listener.interims)
	}
}
