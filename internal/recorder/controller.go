// Package recorder orchestrates one classroom recording: it creates the
// backend session first, runs capture and live transcription, relays
// finalized segments to the backend in order, and finalizes everything on
// stop. Backend hiccups after recording has started never lose the local
// take.
package recorder

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/classecho/backend/internal/transcriber"
)

// relayBuffer bounds in-flight segment batches to the backend. When the
// backend falls this far behind, further segments are counted as lost rather
// than blocking the transcription pipeline.
const relayBuffer = 256

// State is the controller lifecycle.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateStopping
	StateDone
)

// SessionMeta describes the class being recorded.
type SessionMeta struct {
	CourseName string
	ClassName  string
	Subject    string
	Grade      string
	Objectives string
}

// Segment is one finalized utterance to relay.
type Segment struct {
	Timestamp  float64
	Speaker    string
	Text       string
	Confidence float64
}

// Backend is the session API surface the controller needs.
type Backend interface {
	CreateSession(ctx context.Context, meta SessionMeta) (uuid.UUID, error)
	AppendSegments(ctx context.Context, sessionID uuid.UUID, segments []Segment) error
	StopSession(ctx context.Context, sessionID uuid.UUID) error
	UploadAudio(ctx context.Context, sessionID uuid.UUID, wav []byte) error
	CompleteSession(ctx context.Context, sessionID uuid.UUID) error
}

// Recorder is the audio capture surface the controller needs.
type Recorder interface {
	Start() error
	SetSink(w io.Writer)
	Stop() ([]byte, error)
}

// Transcriber is the live transcription surface the controller needs.
type Transcriber interface {
	io.Writer
	Start(ctx context.Context) error
	Segments() <-chan transcriber.Segment
	Stop()
}

// SessionCreationError wraps a failure to create the backend session. No
// recording starts in that case; nothing needs cleanup.
type SessionCreationError struct {
	Err error
}

func (e *SessionCreationError) Error() string {
	return fmt.Sprintf("create session: %v", e.Err)
}

func (e *SessionCreationError) Unwrap() error { return e.Err }

// StopResult reports how a recording ended. Backend errors during
// finalization are collected rather than aborting, since the session data is
// already safe server-side or in the audio blob.
type StopResult struct {
	SessionID     uuid.UUID
	Elapsed       int // whole seconds
	Relayed       int // segments delivered to the backend
	Lost          int // segments dropped because the relay fell behind
	AudioUploaded bool
	Errors        []error
}

// Controller drives one recording session end to end. A controller is
// single-use: once stopped it stays Done, and another take needs a fresh
// Controller with fresh capture and transcription components.
type Controller struct {
	backend Backend
	capture Recorder
	trans   Transcriber
	logger  *zap.Logger

	// tick is the elapsed-counter interval, 1s in production.
	tick time.Duration

	mu        sync.Mutex
	state     State
	sessionID uuid.UUID
	elapsed   int
	relayed   int
	lost      int

	ctx       context.Context
	cancel    context.CancelFunc
	relayDone chan struct{}
	tickDone  chan struct{}
}

// New creates a controller. The transcriber is wired as the capture's live
// sink on Start.
func New(backend Backend, capture Recorder, trans Transcriber, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		backend: backend,
		capture: capture,
		trans:   trans,
		logger:  logger,
		tick:    time.Second,
	}
}

// State returns the controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Elapsed returns whole seconds since recording started.
func (c *Controller) Elapsed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsed
}

// SessionID returns the backend session id, zero until Start succeeds.
func (c *Controller) SessionID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Start creates the backend session, then starts transcription and capture.
// The backend session comes first: if it cannot be created, nothing records
// and a SessionCreationError is returned.
func (c *Controller) Start(ctx context.Context, meta SessionMeta) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return fmt.Errorf("recording already in progress")
	}
	c.mu.Unlock()

	sessionID, err := c.backend.CreateSession(ctx, meta)
	if err != nil {
		return &SessionCreationError{Err: err}
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := c.trans.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("start transcription: %w", err)
	}

	c.capture.SetSink(c.trans)
	if err := c.capture.Start(); err != nil {
		c.trans.Stop()
		cancel()
		return fmt.Errorf("start capture: %w", err)
	}

	c.mu.Lock()
	c.state = StateRecording
	c.sessionID = sessionID
	c.elapsed = 0
	c.relayed = 0
	c.lost = 0
	c.ctx = runCtx
	c.cancel = cancel
	c.relayDone = make(chan struct{})
	c.tickDone = make(chan struct{})
	c.mu.Unlock()

	go c.runTicker(runCtx)
	go c.runRelay(runCtx, sessionID)

	c.logger.Info("recording started",
		zap.String("session_id", sessionID.String()),
		zap.String("course", meta.CourseName))
	return nil
}

// Stop finalizes the recording: transcription ends first so the relay can
// drain, then capture yields the audio blob, then the backend session is
// stopped, the blob uploaded, and the session completed. Backend failures
// are reported in the result, not fatal.
func (c *Controller) Stop(ctx context.Context) (*StopResult, error) {
	c.mu.Lock()
	if c.state != StateRecording {
		state := c.state
		c.mu.Unlock()
		return nil, fmt.Errorf("not recording (state %d)", state)
	}
	c.state = StateStopping
	sessionID := c.sessionID
	relayDone := c.relayDone
	tickDone := c.tickDone
	cancel := c.cancel
	c.mu.Unlock()

	result := &StopResult{SessionID: sessionID}

	// End transcription; its segment stream closes and the relay drains.
	c.trans.Stop()
	<-relayDone

	blob, err := c.capture.Stop()
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("capture: %w", err))
	}

	cancel()
	<-tickDone

	if err := c.backend.StopSession(ctx, sessionID); err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("stop session: %w", err))
	}

	if len(blob) > 44 { // more than a bare WAV header
		if err := c.backend.UploadAudio(ctx, sessionID, blob); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("upload audio: %w", err))
		} else {
			result.AudioUploaded = true
		}
	}

	if err := c.backend.CompleteSession(ctx, sessionID); err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("complete session: %w", err))
	}

	c.mu.Lock()
	c.state = StateDone
	result.Elapsed = c.elapsed
	result.Relayed = c.relayed
	result.Lost = c.lost
	c.mu.Unlock()

	c.logger.Info("recording finished",
		zap.String("session_id", sessionID.String()),
		zap.Int("elapsed_s", result.Elapsed),
		zap.Int("relayed", result.Relayed),
		zap.Int("lost", result.Lost),
		zap.Bool("audio_uploaded", result.AudioUploaded))
	return result, nil
}

func (c *Controller) runTicker(ctx context.Context) {
	defer close(c.tickDone)
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			c.elapsed++
			c.mu.Unlock()
		}
	}
}

// runRelay forwards finalized segments to the backend strictly in order. A
// bounded buffer decouples transcription from backend latency; overflow is
// counted, never blocking.
func (c *Controller) runRelay(ctx context.Context, sessionID uuid.UUID) {
	defer close(c.relayDone)

	pending := make(chan transcriber.Segment, relayBuffer)
	var post sync.WaitGroup
	post.Add(1)
	go func() {
		defer post.Done()
		for seg := range pending {
			batch := []Segment{{
				Timestamp:  seg.Timestamp,
				Speaker:    "teacher",
				Text:       seg.Text,
				Confidence: seg.Confidence,
			}}
			if err := c.backend.AppendSegments(ctx, sessionID, batch); err != nil {
				c.logger.Warn("segment relay failed", zap.Error(err), zap.Float64("timestamp", seg.Timestamp))
				c.mu.Lock()
				c.lost++
				c.mu.Unlock()
				continue
			}
			c.mu.Lock()
			c.relayed++
			c.mu.Unlock()
		}
	}()

	for seg := range c.trans.Segments() {
		select {
		case pending <- seg:
		default:
			c.mu.Lock()
			c.lost++
			c.mu.Unlock()
			c.logger.Warn("relay buffer full, segment lost", zap.Float64("timestamp", seg.Timestamp))
		}
	}
	close(pending)
	post.Wait()
}
