package recorder

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/classecho/backend/internal/transcriber"
)

type fakeBackend struct {
	mu        sync.Mutex
	sessionID uuid.UUID
	createErr error
	stopErr   error
	uploadErr error

	appended  []Segment
	stopped   bool
	completed bool
	uploaded  []byte
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{sessionID: uuid.New()}
}

func (b *fakeBackend) CreateSession(_ context.Context, _ SessionMeta) (uuid.UUID, error) {
	if b.createErr != nil {
		return uuid.Nil, b.createErr
	}
	return b.sessionID, nil
}

func (b *fakeBackend) AppendSegments(_ context.Context, _ uuid.UUID, segments []Segment) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.appended = append(b.appended, segments...)
	return nil
}

func (b *fakeBackend) StopSession(_ context.Context, _ uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopErr != nil {
		return b.stopErr
	}
	b.stopped = true
	return nil
}

func (b *fakeBackend) UploadAudio(_ context.Context, _ uuid.UUID, wav []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.uploadErr != nil {
		return b.uploadErr
	}
	b.uploaded = wav
	return nil
}

func (b *fakeBackend) CompleteSession(_ context.Context, _ uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.completed = true
	return nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	started bool
	stopped bool
	sink    io.Writer
	blob    []byte
}

func (r *fakeRecorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = true
	return nil
}

func (r *fakeRecorder) SetSink(w io.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = w
}

func (r *fakeRecorder) Stop() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	return r.blob, nil
}

type fakeTranscriber struct {
	segments chan transcriber.Segment
	mu       sync.Mutex
	started  bool
	stopped  bool
}

func newFakeTranscriber() *fakeTranscriber {
	return &fakeTranscriber{segments: make(chan transcriber.Segment, 16)}
}

func (f *fakeTranscriber) Start(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeTranscriber) Segments() <-chan transcriber.Segment { return f.segments }

func (f *fakeTranscriber) Write(p []byte) (int, error) { return len(p), nil }

func (f *fakeTranscriber) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.stopped {
		f.stopped = true
		close(f.segments)
	}
}

func (f *fakeTranscriber) emit(seg transcriber.Segment) {
	f.segments <- seg
}

func TestStartCreatesBackendSessionFirst(t *testing.T) {
	backend := newFakeBackend()
	rec := &fakeRecorder{}
	trans := newFakeTranscriber()
	c := New(backend, rec, trans, nil)

	if err := c.Start(context.Background(), SessionMeta{CourseName: "Biology"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if c.State() != StateRecording {
		t.Errorf("state = %v, want recording", c.State())
	}
	if c.SessionID() != backend.sessionID {
		t.Error("controller did not adopt the backend session id")
	}
	if rec.sink == nil {
		t.Error("transcriber not wired as capture sink")
	}

	if _, err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestStartFailsWithoutSession(t *testing.T) {
	backend := newFakeBackend()
	backend.createErr = errors.New("backend unreachable")
	rec := &fakeRecorder{}
	trans := newFakeTranscriber()
	c := New(backend, rec, trans, nil)

	err := c.Start(context.Background(), SessionMeta{CourseName: "Biology"})
	var scErr *SessionCreationError
	if !errors.As(err, &scErr) {
		t.Fatalf("err = %v, want SessionCreationError", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.started {
		t.Error("capture started despite session creation failure")
	}
	trans.mu.Lock()
	defer trans.mu.Unlock()
	if trans.started {
		t.Error("transcription started despite session creation failure")
	}
	if c.State() != StateIdle {
		t.Errorf("state = %v, want idle", c.State())
	}
}

func TestSegmentsRelayedInOrder(t *testing.T) {
	backend := newFakeBackend()
	rec := &fakeRecorder{}
	trans := newFakeTranscriber()
	c := New(backend, rec, trans, nil)

	if err := c.Start(context.Background(), SessionMeta{CourseName: "Biology"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	trans.emit(transcriber.Segment{Text: "first", Timestamp: 1.0, Confidence: 0.9})
	trans.emit(transcriber.Segment{Text: "second", Timestamp: 2.5, Confidence: 0.8})

	res, err := c.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.appended) != 2 {
		t.Fatalf("relayed %d segments, want 2", len(backend.appended))
	}
	if backend.appended[0].Text != "first" || backend.appended[1].Text != "second" {
		t.Error("segments relayed out of order")
	}
	if backend.appended[0].Speaker != "teacher" {
		t.Errorf("speaker = %q, want teacher", backend.appended[0].Speaker)
	}
	if res.Relayed != 2 || res.Lost != 0 {
		t.Errorf("result relayed/lost = %d/%d, want 2/0", res.Relayed, res.Lost)
	}
}

func TestStopFinalizesEverything(t *testing.T) {
	backend := newFakeBackend()
	blob := append(make([]byte, 44), 1, 2, 3, 4)
	rec := &fakeRecorder{blob: blob}
	trans := newFakeTranscriber()
	c := New(backend, rec, trans, nil)

	if err := c.Start(context.Background(), SessionMeta{CourseName: "Biology"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	res, err := c.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}

	trans.mu.Lock()
	if !trans.stopped {
		t.Error("transcriber not stopped")
	}
	trans.mu.Unlock()
	rec.mu.Lock()
	if !rec.stopped {
		t.Error("capture not stopped")
	}
	rec.mu.Unlock()

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if !backend.stopped || !backend.completed {
		t.Errorf("backend stop/complete = %v/%v, want true/true", backend.stopped, backend.completed)
	}
	if len(backend.uploaded) != len(blob) {
		t.Errorf("uploaded %d bytes, want %d", len(backend.uploaded), len(blob))
	}
	if !res.AudioUploaded {
		t.Error("result does not report audio upload")
	}
	if len(res.Errors) != 0 {
		t.Errorf("unexpected errors: %v", res.Errors)
	}
	if c.State() != StateDone {
		t.Errorf("state = %v, want done", c.State())
	}
}

func TestBackendFailuresDuringStopAreNonFatal(t *testing.T) {
	backend := newFakeBackend()
	backend.stopErr = errors.New("stop 503")
	backend.uploadErr = errors.New("upload 503")
	rec := &fakeRecorder{blob: append(make([]byte, 44), 9, 9)}
	trans := newFakeTranscriber()
	c := New(backend, rec, trans, nil)

	if err := c.Start(context.Background(), SessionMeta{CourseName: "Biology"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	res, err := c.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop returned fatal error: %v", err)
	}
	if len(res.Errors) != 2 {
		t.Errorf("collected %d errors, want 2: %v", len(res.Errors), res.Errors)
	}
	if res.AudioUploaded {
		t.Error("upload reported despite failure")
	}
	if c.State() != StateDone {
		t.Errorf("state = %v, want done even after backend failures", c.State())
	}
}

func TestElapsedCounter(t *testing.T) {
	backend := newFakeBackend()
	rec := &fakeRecorder{}
	trans := newFakeTranscriber()
	c := New(backend, rec, trans, nil)
	c.tick = 5 * time.Millisecond

	if err := c.Start(context.Background(), SessionMeta{CourseName: "Biology"}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for c.Elapsed() < 3 {
		select {
		case <-deadline:
			t.Fatal("elapsed counter never advanced")
		case <-time.After(time.Millisecond):
		}
	}

	res, err := c.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if res.Elapsed < 3 {
		t.Errorf("result elapsed = %d, want >= 3", res.Elapsed)
	}
}

func TestStopWhenIdleFails(t *testing.T) {
	c := New(newFakeBackend(), &fakeRecorder{}, newFakeTranscriber(), nil)
	if _, err := c.Stop(context.Background()); err == nil {
		t.Fatal("expected error stopping an idle controller")
	}
}

func TestControllerIsSingleUse(t *testing.T) {
	backend := newFakeBackend()
	rec := &fakeRecorder{}
	trans := newFakeTranscriber()
	c := New(backend, rec, trans, nil)

	if err := c.Start(context.Background(), SessionMeta{CourseName: "Biology"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if err := c.Start(context.Background(), SessionMeta{CourseName: "Biology"}); err == nil {
		t.Fatal("expected error starting a finished controller")
	}
	if c.State() != StateDone {
		t.Errorf("state = %v, want done", c.State())
	}
}
