// Package transcriber turns a live PCM stream into finalized transcript
// segments. The recognition engine behind it (Deepgram in production) ends
// sessions on its own schedule, so the transcriber reopens transparently:
// callers see one continuous stream of finalized segments with monotonic
// session-relative timestamps.
package transcriber

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// restartOnEnd is the delay before reopening after a natural session end.
	restartOnEnd = 100 * time.Millisecond
	// restartOnError is the backoff before reopening after a recoverable error.
	restartOnError = 1 * time.Second
	// maxReopenFailures trips the circuit breaker: after this many consecutive
	// failed reopens the transcriber gives up.
	maxReopenFailures = 5
)

// ErrTooManyRestarts is the terminal error after the circuit breaker trips.
var ErrTooManyRestarts = errors.New("transcription restart limit reached")

// Event is a recognition session event.
type Event interface{ isEvent() }

// ResultsEvent carries one recognition result. Start is seconds relative to
// the session's own start.
type ResultsEvent struct {
	Text       string
	IsFinal    bool
	Confidence float64
	Start      float64
	Duration   float64
}

// EndedEvent signals the engine closed the session normally.
type EndedEvent struct{}

// ErrorEvent signals a session failure. Recoverable errors trigger a
// restart; others stop the transcriber.
type ErrorEvent struct {
	Err         error
	Recoverable bool
}

func (ResultsEvent) isEvent() {}
func (EndedEvent) isEvent()   {}
func (ErrorEvent) isEvent()   {}

// Session is one live recognition connection. PCM goes in via Write; events
// come out until the engine ends the session, after which the channel closes.
type Session interface {
	io.Writer
	Events() <-chan Event
	Close() error
}

// Engine opens recognition sessions.
type Engine interface {
	Open(ctx context.Context) (Session, error)
}

// Segment is one finalized utterance with a transcriber-relative timestamp.
type Segment struct {
	Text       string
	Confidence float64
	Timestamp  float64 // seconds since transcription start
	Duration   float64
}

// State is the transcriber lifecycle state.
type State int

const (
	StateIdle State = iota
	StateActive
	StateRestarting
	StateStopped
)

// Transcriber drives an Engine, restarting sessions transparently.
// It is an io.Writer: feed it live PCM, read finalized segments from
// Segments().
type Transcriber struct {
	engine  Engine
	logger  *zap.Logger
	interim func(Segment) // optional live-preview callback

	segments  chan Segment
	closeOnce sync.Once

	mu        sync.Mutex
	state     State
	sess      Session
	timer     *time.Timer
	failures  int
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	err       error

	// injectable for tests
	now       func() time.Time
	afterFunc func(time.Duration, func()) *time.Timer
}

// New creates a transcriber over the given engine.
func New(engine Engine, logger *zap.Logger) *Transcriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transcriber{
		engine:    engine,
		logger:    logger,
		segments:  make(chan Segment, 64),
		now:       time.Now,
		afterFunc: time.AfterFunc,
	}
}

// SetInterimHandler sets an optional callback for non-final results, for live
// display only. Must be set before Start.
func (t *Transcriber) SetInterimHandler(fn func(Segment)) {
	t.interim = fn
}

// Segments returns the finalized segment stream. Closed after Stop or a
// terminal failure.
func (t *Transcriber) Segments() <-chan Segment {
	return t.segments
}

// State returns the current lifecycle state.
func (t *Transcriber) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the terminal error, if any, once the transcriber stopped.
func (t *Transcriber) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Start opens the first session. The transcriber runs until Stop or a
// terminal failure.
func (t *Transcriber) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.state != StateIdle {
		t.mu.Unlock()
		return fmt.Errorf("transcriber already started")
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.startedAt = t.now()
	t.mu.Unlock()

	sess, err := t.engine.Open(t.ctx)
	if err != nil {
		t.mu.Lock()
		t.state = StateStopped
		t.err = err
		t.mu.Unlock()
		t.closeSegments()
		return fmt.Errorf("open session: %w", err)
	}

	t.mu.Lock()
	t.state = StateActive
	t.sess = sess
	t.mu.Unlock()

	go t.consume(sess, 0)
	return nil
}

// Write forwards PCM to the active session. During a restart window samples
// are dropped rather than erroring, so the capture tee stays healthy.
func (t *Transcriber) Write(p []byte) (int, error) {
	t.mu.Lock()
	sess := t.sess
	active := t.state == StateActive
	t.mu.Unlock()

	if !active || sess == nil {
		return len(p), nil
	}
	if _, err := sess.Write(p); err != nil {
		// The event loop will observe the session failure; don't fail the tee.
		return len(p), nil
	}
	return len(p), nil
}

// Stop ends transcription. Pending restarts are cancelled and the segment
// channel is closed. Idempotent.
func (t *Transcriber) Stop() {
	t.mu.Lock()
	if t.state == StateStopped {
		t.mu.Unlock()
		return
	}
	prev := t.state
	t.state = StateStopped
	sess := t.sess
	t.sess = nil
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Unlock()

	if sess != nil {
		_ = sess.Close()
	}
	if prev != StateActive {
		// No consume loop owns the channel; close it here. An active loop
		// closes it itself once the session's events drain.
		t.closeSegments()
	}
}

func (t *Transcriber) closeSegments() {
	t.closeOnce.Do(func() { close(t.segments) })
}

// consume drains one session's events. base is the session's offset from
// transcription start in seconds.
func (t *Transcriber) consume(sess Session, base float64) {
	for ev := range sess.Events() {
		switch e := ev.(type) {
		case ResultsEvent:
			if e.Text == "" {
				continue
			}
			seg := Segment{
				Text:       e.Text,
				Confidence: e.Confidence,
				Timestamp:  base + e.Start,
				Duration:   e.Duration,
			}
			if !e.IsFinal {
				if t.interim != nil {
					t.interim(seg)
				}
				continue
			}
			t.mu.Lock()
			t.failures = 0
			stopped := t.state == StateStopped
			t.mu.Unlock()
			if stopped {
				continue
			}
			select {
			case t.segments <- seg:
			default:
				t.logger.Warn("segment buffer full, dropping", zap.String("text", seg.Text))
			}
		case EndedEvent:
			t.scheduleRestart(restartOnEnd)
			// The session is done; drain any trailing events and return.
		case ErrorEvent:
			if e.Recoverable {
				t.logger.Warn("recognition error, restarting", zap.Error(e.Err))
				t.scheduleRestart(restartOnError)
			} else {
				t.logger.Error("recognition failed", zap.Error(e.Err))
				t.terminate(e.Err)
				return
			}
		}
	}

	// Events drained. If we were stopped mid-session, this loop is the last
	// sender and closes the stream; otherwise an unexplained drain means the
	// session died without an end event, so restart.
	t.mu.Lock()
	state := t.state
	t.mu.Unlock()
	switch state {
	case StateStopped:
		t.closeSegments()
	case StateActive:
		t.scheduleRestart(restartOnEnd)
	}
}

func (t *Transcriber) scheduleRestart(delay time.Duration) {
	t.mu.Lock()
	if t.state == StateStopped || t.state == StateRestarting {
		t.mu.Unlock()
		return
	}
	t.state = StateRestarting
	sess := t.sess
	t.sess = nil
	t.timer = t.afterFunc(delay, t.reopen)
	t.mu.Unlock()

	if sess != nil {
		_ = sess.Close()
	}
}

func (t *Transcriber) reopen() {
	t.mu.Lock()
	if t.state != StateRestarting {
		t.mu.Unlock()
		return
	}
	ctx := t.ctx
	t.mu.Unlock()

	sess, err := t.engine.Open(ctx)
	if err != nil {
		t.mu.Lock()
		t.failures++
		failures := t.failures
		stopped := t.state == StateStopped
		t.mu.Unlock()
		if stopped {
			return
		}
		if failures >= maxReopenFailures {
			t.logger.Error("giving up after repeated reopen failures", zap.Int("failures", failures), zap.Error(err))
			t.terminate(fmt.Errorf("%w: %v", ErrTooManyRestarts, err))
			return
		}
		t.logger.Warn("reopen failed, retrying", zap.Int("failures", failures), zap.Error(err))
		t.mu.Lock()
		t.timer = t.afterFunc(restartOnError, t.reopen)
		t.mu.Unlock()
		return
	}

	base := t.now().Sub(t.startedAt).Seconds()
	t.mu.Lock()
	if t.state == StateStopped {
		t.mu.Unlock()
		_ = sess.Close()
		return
	}
	t.state = StateActive
	t.sess = sess
	t.mu.Unlock()

	go t.consume(sess, base)
}

// terminate records a terminal failure and closes the segment stream.
func (t *Transcriber) terminate(err error) {
	t.mu.Lock()
	if t.state == StateStopped {
		t.mu.Unlock()
		return
	}
	t.state = StateStopped
	t.err = err
	sess := t.sess
	t.sess = nil
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Unlock()

	if sess != nil {
		_ = sess.Close()
	}
	t.closeSegments()
}
