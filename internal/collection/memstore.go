package collection

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/classecho/backend/internal/models"
)

// MemStore is the demo-mode Store: transient in-process state, no external
// dependencies. It is an explicit, constructor-injected object rather than
// package-level maps so the degraded mode stays testable.
type MemStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*models.ClassSession
	segments map[uuid.UUID][]models.TranscriptSegment // keyed by session id
	now      func() time.Time
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		sessions: make(map[uuid.UUID]*models.ClassSession),
		segments: make(map[uuid.UUID][]models.TranscriptSegment),
		now:      time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (s *MemStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// CreateSession starts a new recording session.
func (s *MemStore) CreateSession(_ context.Context, p CreateSessionParams) (*models.ClassSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sess := &models.ClassSession{
		ID:         uuid.New(),
		TeacherID:  p.TeacherID,
		CourseName: p.CourseName,
		ClassName:  p.ClassName,
		Subject:    p.Subject,
		Grade:      p.Grade,
		Objectives: p.Objectives,
		StartTime:  now,
		Status:     models.SessionStatusRecording,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.sessions[sess.ID] = sess
	out := *sess
	return &out, nil
}

// GetSession returns a copy of the session or ErrSessionNotFound.
func (s *MemStore) GetSession(_ context.Context, id uuid.UUID) (*models.ClassSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	out := *sess
	return &out, nil
}

// ListSessions returns the teacher's sessions, newest-created first.
func (s *MemStore) ListSessions(_ context.Context, teacherID uuid.UUID, opts ListOptions) ([]models.ClassSession, int, error) {
	opts = opts.normalized()

	s.mu.Lock()
	defer s.mu.Unlock()

	var all []models.ClassSession
	for _, sess := range s.sessions {
		if sess.TeacherID != teacherID {
			continue
		}
		if opts.Status != "" && sess.Status != opts.Status {
			continue
		}
		all = append(all, *sess)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := len(all)
	start := (opts.Page - 1) * opts.PageSize
	if start >= total {
		return []models.ClassSession{}, total, nil
	}
	end := start + opts.PageSize
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

// AppendSegments persists a batch and bumps the session count by the batch
// size under the store lock, keeping the count-equals-segments invariant even
// under concurrent appends.
func (s *MemStore) AppendSegments(_ context.Context, sessionID uuid.UUID, segments []models.TranscriptSegment) ([]models.TranscriptSegment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if sess.Status.Terminal() {
		return nil, ErrSessionClosed
	}

	now := s.now()
	saved := make([]models.TranscriptSegment, 0, len(segments))
	for _, seg := range segments {
		seg.ID = uuid.New()
		seg.SessionID = sessionID
		seg.CreatedAt = now
		if seg.Speaker == "" {
			seg.Speaker = models.SpeakerUnknown
		}
		s.segments[sessionID] = append(s.segments[sessionID], seg)
		saved = append(saved, seg)
	}
	sess.TranscriptCount += len(saved)
	sess.UpdatedAt = now
	return saved, nil
}

// GetTranscript returns all segments sorted ascending by timestamp.
func (s *MemStore) GetTranscript(_ context.Context, sessionID uuid.UUID) ([]models.TranscriptSegment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}
	out := append([]models.TranscriptSegment(nil), s.segments[sessionID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

// AnnotateSegment fills in worker-derived keywords and sentiment.
func (s *MemStore) AnnotateSegment(_ context.Context, segmentID uuid.UUID, keywords []string, sentiment *float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sessionID, segs := range s.segments {
		for i := range segs {
			if segs[i].ID == segmentID {
				segs[i].Keywords = keywords
				segs[i].Sentiment = sentiment
				s.segments[sessionID] = segs
				return nil
			}
		}
	}
	return ErrSessionNotFound
}

// StopSession transitions recording → processing and computes duration once.
func (s *MemStore) StopSession(_ context.Context, id uuid.UUID) (*models.ClassSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	switch {
	case sess.Status == models.SessionStatusProcessing:
		// Second stop: no duration recompute.
		out := *sess
		return &out, nil
	case sess.Status.Terminal():
		return nil, ErrSessionClosed
	}

	now := s.now()
	end := now
	sess.EndTime = &end
	sess.Duration = int(now.Sub(sess.StartTime) / time.Second)
	sess.Status = models.SessionStatusProcessing
	sess.UpdatedAt = now
	out := *sess
	return &out, nil
}

// CompleteSession transitions to the terminal completed status.
func (s *MemStore) CompleteSession(_ context.Context, id uuid.UUID, audioURL string) (*models.ClassSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if sess.Status.Terminal() {
		return nil, ErrSessionClosed
	}
	if audioURL != "" {
		sess.AudioURL = audioURL
	}
	sess.Status = models.SessionStatusCompleted
	sess.UpdatedAt = s.now()
	out := *sess
	return &out, nil
}

// FailSession transitions to the terminal failed status.
func (s *MemStore) FailSession(_ context.Context, id uuid.UUID) (*models.ClassSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if sess.Status.Terminal() {
		return nil, ErrSessionClosed
	}
	sess.Status = models.SessionStatusFailed
	sess.UpdatedAt = s.now()
	out := *sess
	return &out, nil
}

// SetAudioURL records the uploaded audio blob location.
func (s *MemStore) SetAudioURL(_ context.Context, id uuid.UUID, audioURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	sess.AudioURL = audioURL
	sess.UpdatedAt = s.now()
	return nil
}

// DeleteSession removes the session and all its segments.
func (s *MemStore) DeleteSession(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return false, nil
	}
	delete(s.sessions, id)
	delete(s.segments, id)
	return true, nil
}
