package turn

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chiku-ai/chiku-voice/pkg/adapters/responder"
	"github.com/chiku-ai/chiku-voice/pkg/errorsx"
	"github.com/chiku-ai/chiku-voice/pkg/logging"
	"github.com/chiku-ai/chiku-voice/pkg/redact"
)

// CaptureSession is one silence-bounded utterance capture.
type CaptureSession interface {
	Start(ctx context.Context) <-chan struct{}
	Result() (string, error)
	Interim() string
	Cancel()
}

// SpeakSession is one synthesis-and-playback cycle.
type SpeakSession interface {
	Speak(ctx context.Context, text string) error
	Cancel()
	Active() bool
}

// Sessions are one-shot, so the loop takes factories and builds a fresh one
// per turn.
type (
	CaptureFactory func(turnID string, onInterim func(string)) CaptureSession
	SpeakFactory   func(turnID string) SpeakSession
)

// Listener observes the loop's read-only signals: phase changes, live
// interim transcript and per-turn outcomes. Display layers hang off this.
type Listener interface {
	StateListener
	OnInterimTranscript(text string)
	OnTurnComplete(turnID string, transcript, reply string)
	OnTurnError(turnID string, err error)
}

type Config struct {
	// Cooldown is the pause after playback completes before the microphone
	// re-opens, letting device output settle so residual audio is not
	// re-captured as speech.
	Cooldown time.Duration
	// RecoveryDelay is the pause in the error phase before the loop
	// automatically resumes listening.
	RecoveryDelay time.Duration
}

const (
	DefaultCooldown      = 800 * time.Millisecond
	DefaultRecoveryDelay = 2 * time.Second
)

// Loop is the conversation orchestrator: it sequences capture, the remote
// query and speech playback strictly one after another, owns the phase
// state machine, and recovers from per-turn failures without crashing.
// At most one capture session and one speak session exist at a time and
// never both.
type Loop struct {
	cfg        Config
	newCapture CaptureFactory
	newSpeak   SpeakFactory
	responder  responder.Client
	sm         *stateMachine
	logger     *slog.Logger

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	loopDone  chan struct{}
	capture   CaptureSession
	speak     SpeakSession
	interim   string
	lastErr   string
	listeners []Listener
}

func NewLoop(newCapture CaptureFactory, newSpeak SpeakFactory, resp responder.Client, cfg Config) *Loop {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.RecoveryDelay <= 0 {
		cfg.RecoveryDelay = DefaultRecoveryDelay
	}
	return &Loop{
		cfg:        cfg,
		newCapture: newCapture,
		newSpeak:   newSpeak,
		responder:  resp,
		sm:         newStateMachine(),
		logger:     logging.NewComponentLogger(slog.Default(), "turn_loop"),
	}
}

// Start begins the conversation loop. Refuses (no-op, returns false) if the
// loop is already running.
func (l *Loop) Start() bool {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return false
	}
	l.running = true
	l.lastErr = ""
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.loopDone = make(chan struct{})
	done := l.loopDone
	l.mu.Unlock()

	l.logger.Info("conversation loop started")
	go l.run(ctx, done)
	return true
}

// Stop halts the loop synchronously: it cancels any active capture or speak
// session, clears every pending delay and returns once the loop goroutine
// has exited and the phase is idle. Idempotent.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	cancel := l.cancel
	done := l.loopDone
	capSess, spk := l.capture, l.speak
	l.mu.Unlock()

	cancel()
	if capSess != nil {
		capSess.Cancel()
	}
	if spk != nil {
		spk.Cancel()
	}
	<-done

	l.mu.Lock()
	l.capture = nil
	l.speak = nil
	l.interim = ""
	l.mu.Unlock()

	_ = l.sm.Transition(StateIdle, "stopped")
	l.logger.Info("conversation loop stopped")
}

// Running reports whether the loop is intentionally active, independent of
// the current phase.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Phase returns the current conversation phase.
func (l *Loop) Phase() State { return l.sm.State() }

// Interim returns the latest display-only interim transcript.
func (l *Loop) Interim() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interim
}

// LastError returns the message of the most recent turn failure.
func (l *Loop) LastError() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// AddListener registers a listener for phase changes and turn outcomes.
// Must be called before Start.
func (l *Loop) AddListener(listener Listener) {
	l.mu.Lock()
	l.listeners = append(l.listeners, listener)
	l.mu.Unlock()
	l.sm.AddListener(listener)
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for l.alive(ctx) {
		turnID := uuid.NewString()
		err := l.runTurn(ctx, turnID)
		switch {
		case err == nil:
			if !l.pause(ctx, l.cfg.Cooldown) {
				return
			}
		case errorsx.IsCancelled(err):
			// Explicit stop; recovery is suppressed.
			return
		default:
			l.enterError(turnID, err)
			if !l.pause(ctx, l.cfg.RecoveryDelay) {
				return
			}
		}
	}
}

func (l *Loop) runTurn(ctx context.Context, turnID string) error {
	l.mu.Lock()
	if l.speak != nil && l.speak.Active() {
		l.mu.Unlock()
		return errorsx.New(errorsx.ReasonBlockedBySpeaking, "speech output still active")
	}
	sess := l.newCapture(turnID, l.publishInterim)
	l.capture = sess
	l.interim = ""
	l.mu.Unlock()

	if err := l.sm.Transition(StateListening, "turn start"); err != nil {
		l.clearCapture()
		return err
	}

	captureDone := sess.Start(ctx)
	select {
	case <-captureDone:
	case <-ctx.Done():
		sess.Cancel()
		<-captureDone
	}
	transcript, err := sess.Result()
	l.clearCapture()
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return errorsx.Wrap(errorsx.ErrCancelled, errorsx.ReasonCancelled)
	}

	_ = l.sm.Transition(StateThinking, "transcript resolved")
	l.logger.Info("transcript resolved",
		slog.String("turn_id", turnID),
		slog.String("transcript", redact.Text(transcript)))

	reply, err := l.responder.Ask(ctx, transcript)
	if err != nil {
		if ctx.Err() != nil {
			return errorsx.Wrap(errorsx.ErrCancelled, errorsx.ReasonCancelled)
		}
		return err
	}

	_ = l.sm.Transition(StateSpeaking, "reply received")
	spk := l.newSpeak(turnID)
	l.mu.Lock()
	l.speak = spk
	l.mu.Unlock()

	err = spk.Speak(ctx, reply)
	l.mu.Lock()
	l.speak = nil
	l.mu.Unlock()
	if err != nil {
		return err
	}

	l.logger.Info("turn complete", slog.String("turn_id", turnID))
	for _, listener := range l.snapshotListeners() {
		listener.OnTurnComplete(turnID, transcript, reply)
	}
	return nil
}

func (l *Loop) enterError(turnID string, err error) {
	_ = l.sm.Transition(StateError, string(errorsx.Reason(err)))
	l.mu.Lock()
	l.lastErr = err.Error()
	l.mu.Unlock()

	l.logger.Warn("turn failed",
		slog.String("turn_id", turnID),
		slog.String("reason", string(errorsx.Reason(err))),
		slog.String("error", err.Error()))
	for _, listener := range l.snapshotListeners() {
		listener.OnTurnError(turnID, err)
	}
}

func (l *Loop) publishInterim(text string) {
	l.mu.Lock()
	l.interim = text
	l.mu.Unlock()
	for _, listener := range l.snapshotListeners() {
		listener.OnInterimTranscript(text)
	}
}

func (l *Loop) clearCapture() {
	l.mu.Lock()
	l.capture = nil
	l.mu.Unlock()
}

func (l *Loop) snapshotListeners() []Listener {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Listener, len(l.listeners))
	copy(out, l.listeners)
	return out
}

func (l *Loop) alive(ctx context.Context) bool {
	l.mu.Lock()
	running := l.running
	l.mu.Unlock()
	return running && ctx.Err() == nil
}

// pause waits d, returning false if the loop was cancelled first. No delay
// outlives Stop.
func (l *Loop) pause(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return l.alive(ctx)
	case <-ctx.Done():
		return false
	}
}
