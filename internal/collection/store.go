// Package collection owns the authoritative class session and transcript
// segment state: lifecycle transitions, the append-only segment log, and
// paginated listing. Two Store implementations exist: a PostgreSQL repository
// and an in-memory store for demo mode.
package collection

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/classecho/backend/internal/models"
)

var (
	// ErrSessionNotFound is returned when a session id is unknown.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed is returned when a mutation targets a session that
	// already reached a terminal status (completed or failed).
	ErrSessionClosed = errors.New("session already closed")
)

// CreateSessionParams are the caller-supplied fields for a new session.
type CreateSessionParams struct {
	TeacherID  uuid.UUID
	CourseName string
	ClassName  string
	Subject    string
	Grade      string
	Objectives string
}

// ListOptions controls session listing. Page is 1-based.
type ListOptions struct {
	Page     int
	PageSize int
	Status   models.SessionStatus // empty = all
}

func (o ListOptions) normalized() ListOptions {
	if o.Page < 1 {
		o.Page = 1
	}
	if o.PageSize < 1 {
		o.PageSize = 10
	}
	return o
}

// Store is the session/transcript persistence contract.
//
// Semantics shared by all implementations:
//   - Segments are addressed only through their owning session and are
//     cascade-deleted with it.
//   - GetTranscript returns segments sorted ascending by timestamp regardless
//     of insertion order.
//   - AppendSegments increments the session's transcript count atomically by
//     the batch size, is rejected with ErrSessionClosed on terminal sessions,
//     and never persists segments for an unknown session.
//   - StopSession is idempotent: stopping an already-processing session
//     returns it unchanged; stopping a terminal session fails with
//     ErrSessionClosed.
type Store interface {
	CreateSession(ctx context.Context, p CreateSessionParams) (*models.ClassSession, error)
	GetSession(ctx context.Context, id uuid.UUID) (*models.ClassSession, error)
	ListSessions(ctx context.Context, teacherID uuid.UUID, opts ListOptions) (sessions []models.ClassSession, total int, err error)

	AppendSegments(ctx context.Context, sessionID uuid.UUID, segments []models.TranscriptSegment) ([]models.TranscriptSegment, error)
	GetTranscript(ctx context.Context, sessionID uuid.UUID) ([]models.TranscriptSegment, error)
	AnnotateSegment(ctx context.Context, segmentID uuid.UUID, keywords []string, sentiment *float64) error

	StopSession(ctx context.Context, id uuid.UUID) (*models.ClassSession, error)
	CompleteSession(ctx context.Context, id uuid.UUID, audioURL string) (*models.ClassSession, error)
	FailSession(ctx context.Context, id uuid.UUID) (*models.ClassSession, error)
	SetAudioURL(ctx context.Context, id uuid.UUID, audioURL string) error

	DeleteSession(ctx context.Context, id uuid.UUID) (bool, error)
}
