package collection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/classecho/backend/internal/models"
)

func newTestSession(t *testing.T, s Store) *models.ClassSession {
	t.Helper()
	sess, err := s.CreateSession(context.Background(), CreateSessionParams{
		TeacherID:  uuid.New(),
		CourseName: "Biology",
		ClassName:  "3-2",
		Subject:    "science",
		Grade:      "9",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.Status != models.SessionStatusRecording {
		t.Fatalf("new session status = %q, want recording", sess.Status)
	}
	return sess
}

func TestAppendOutOfOrderTranscriptSorted(t *testing.T) {
	store := NewMemStore()
	sess := newTestSession(t, store)
	ctx := context.Background()

	_, err := store.AppendSegments(ctx, sess.ID, []models.TranscriptSegment{
		{Timestamp: 5.0, Text: "second"},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	_, err = store.AppendSegments(ctx, sess.ID, []models.TranscriptSegment{
		{Timestamp: 2.0, Text: "first"},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	segs, err := store.GetTranscript(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetTranscript: %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("got %d segments, want 2", len(segs))
	}
	if segs[0].Timestamp != 2.0 || segs[1].Timestamp != 5.0 {
		t.Errorf("transcript not sorted by timestamp: [%v, %v]", segs[0].Timestamp, segs[1].Timestamp)
	}

	got, _ := store.GetSession(ctx, sess.ID)
	if got.TranscriptCount != 2 {
		t.Errorf("transcriptCount = %d, want 2", got.TranscriptCount)
	}
}

func TestConcurrentAppendCountExact(t *testing.T) {
	store := NewMemStore()
	sess := newTestSession(t, store)
	ctx := context.Background()

	const writers = 8
	const perWriter = 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := store.AppendSegments(ctx, sess.ID, []models.TranscriptSegment{
					{Timestamp: float64(w*perWriter + i), Text: "x"},
				})
				if err != nil {
					t.Errorf("append: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	got, _ := store.GetSession(ctx, sess.ID)
	if got.TranscriptCount != writers*perWriter {
		t.Errorf("transcriptCount = %d, want %d", got.TranscriptCount, writers*perWriter)
	}
	segs, _ := store.GetTranscript(ctx, sess.ID)
	if len(segs) != got.TranscriptCount {
		t.Errorf("count %d does not match stored segments %d", got.TranscriptCount, len(segs))
	}
}

func TestStopSessionComputesDurationOnce(t *testing.T) {
	store := NewMemStore()
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	now := base
	store.SetClock(func() time.Time { return now })

	sess := newTestSession(t, store)
	ctx := context.Background()

	now = base.Add(95 * time.Second)
	stopped, err := store.StopSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	if stopped.Status != models.SessionStatusProcessing {
		t.Errorf("status after stop = %q, want processing", stopped.Status)
	}
	if stopped.Duration != 95 {
		t.Errorf("duration = %d, want 95", stopped.Duration)
	}
	if stopped.EndTime == nil || !stopped.EndTime.Equal(now) {
		t.Errorf("endTime = %v, want %v", stopped.EndTime, now)
	}

	// Second stop: idempotent, no duration recompute.
	now = base.Add(300 * time.Second)
	again, err := store.StopSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("second StopSession: %v", err)
	}
	if again.Duration != 95 {
		t.Errorf("second stop recomputed duration: %d, want 95", again.Duration)
	}
}

func TestStopTerminalSessionRejected(t *testing.T) {
	store := NewMemStore()
	sess := newTestSession(t, store)
	ctx := context.Background()

	if _, err := store.StopSession(ctx, sess.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := store.CompleteSession(ctx, sess.ID, "https://example.com/a.wav"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := store.StopSession(ctx, sess.ID); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("stop of completed session err = %v, want ErrSessionClosed", err)
	}
}

func TestAppendToTerminalSessionRejected(t *testing.T) {
	store := NewMemStore()
	sess := newTestSession(t, store)
	ctx := context.Background()

	if _, err := store.StopSession(ctx, sess.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := store.CompleteSession(ctx, sess.ID, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}

	_, err := store.AppendSegments(ctx, sess.ID, []models.TranscriptSegment{{Timestamp: 1, Text: "late"}})
	if !errors.Is(err, ErrSessionClosed) {
		t.Errorf("append to completed session err = %v, want ErrSessionClosed", err)
	}
	got, _ := store.GetSession(ctx, sess.ID)
	if got.TranscriptCount != 0 {
		t.Errorf("rejected append still bumped count: %d", got.TranscriptCount)
	}
}

func TestFailSessionFromAnyNonTerminal(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	recording := newTestSession(t, store)
	if _, err := store.FailSession(ctx, recording.ID); err != nil {
		t.Errorf("fail from recording: %v", err)
	}

	processing := newTestSession(t, store)
	if _, err := store.StopSession(ctx, processing.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	failed, err := store.FailSession(ctx, processing.ID)
	if err != nil {
		t.Fatalf("fail from processing: %v", err)
	}
	if failed.Status != models.SessionStatusFailed {
		t.Errorf("status = %q, want failed", failed.Status)
	}
	if _, err := store.FailSession(ctx, processing.ID); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("fail of failed session err = %v, want ErrSessionClosed", err)
	}
}

func TestDeleteSessionCascades(t *testing.T) {
	store := NewMemStore()
	sess := newTestSession(t, store)
	ctx := context.Background()

	if _, err := store.AppendSegments(ctx, sess.ID, []models.TranscriptSegment{
		{Timestamp: 0, Text: "a"}, {Timestamp: 1, Text: "b"},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	deleted, err := store.DeleteSession(ctx, sess.ID)
	if err != nil || !deleted {
		t.Fatalf("DeleteSession = (%v, %v), want (true, nil)", deleted, err)
	}
	if _, err := store.GetSession(ctx, sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("deleted session still readable: err = %v", err)
	}
	if _, err := store.GetTranscript(ctx, sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("transcript survived session delete: err = %v", err)
	}
}

func TestDeleteUnknownSession(t *testing.T) {
	store := NewMemStore()
	deleted, err := store.DeleteSession(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if deleted {
		t.Error("delete of unknown session reported true")
	}
}

func TestListSessionsPaginationAndFilter(t *testing.T) {
	store := NewMemStore()
	teacher := uuid.New()
	ctx := context.Background()

	base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	now := base
	store.SetClock(func() time.Time { return now })

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		now = base.Add(time.Duration(i) * time.Minute)
		sess, err := store.CreateSession(ctx, CreateSessionParams{TeacherID: teacher, CourseName: "Math"})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, sess.ID)
	}
	// Another teacher's session must not leak into the listing.
	if _, err := store.CreateSession(ctx, CreateSessionParams{TeacherID: uuid.New(), CourseName: "Art"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	// Stop the two oldest so a status filter has something to find.
	for _, id := range ids[:2] {
		if _, err := store.StopSession(ctx, id); err != nil {
			t.Fatalf("stop: %v", err)
		}
	}

	page1, total, err := store.ListSessions(ctx, teacher, ListOptions{Page: 1, PageSize: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(page1) != 2 {
		t.Fatalf("page size = %d, want 2", len(page1))
	}
	if page1[0].ID != ids[4] || page1[1].ID != ids[3] {
		t.Error("listing not newest-created first")
	}

	filtered, ftotal, err := store.ListSessions(ctx, teacher, ListOptions{Status: models.SessionStatusProcessing})
	if err != nil {
		t.Fatalf("filtered list: %v", err)
	}
	if ftotal != 2 || len(filtered) != 2 {
		t.Errorf("processing filter returned %d/%d, want 2/2", len(filtered), ftotal)
	}
}

func TestAnnotateSegment(t *testing.T) {
	store := NewMemStore()
	sess := newTestSession(t, store)
	ctx := context.Background()

	saved, err := store.AppendSegments(ctx, sess.ID, []models.TranscriptSegment{
		{Timestamp: 1, Text: "photosynthesis uses light"},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	sentiment := 0.6
	if err := store.AnnotateSegment(ctx, saved[0].ID, []string{"photosynthesis"}, &sentiment); err != nil {
		t.Fatalf("AnnotateSegment: %v", err)
	}

	segs, _ := store.GetTranscript(ctx, sess.ID)
	if len(segs[0].Keywords) != 1 || segs[0].Keywords[0] != "photosynthesis" {
		t.Errorf("keywords = %v", segs[0].Keywords)
	}
	if segs[0].Sentiment == nil || *segs[0].Sentiment != 0.6 {
		t.Errorf("sentiment = %v, want 0.6", segs[0].Sentiment)
	}

	if err := store.AnnotateSegment(ctx, uuid.New(), nil, nil); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("annotate unknown segment err = %v, want ErrSessionNotFound", err)
	}
}

func TestAppendDefaultsSpeakerToUnknown(t *testing.T) {
	store := NewMemStore()
	sess := newTestSession(t, store)

	saved, err := store.AppendSegments(context.Background(), sess.ID, []models.TranscriptSegment{
		{Timestamp: 1, Text: "who said this"},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if saved[0].Speaker != models.SpeakerUnknown {
		t.Errorf("speaker = %q, want unknown", saved[0].Speaker)
	}
}
