package collection

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/classecho/backend/internal/models"
)

const sessionColumns = `id, teacher_id, course_name, class_name, subject, grade,
	COALESCE(objectives,''), start_time, end_time, duration, status,
	COALESCE(audio_url,''), transcript_count, created_at, updated_at`

const segmentColumns = `id, session_id, ts, speaker, COALESCE(speaker_name,''),
	content, COALESCE(confidence, 0), keywords, sentiment, created_at`

// Repository is the PostgreSQL-backed Store.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a collection repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanSession(row pgx.Row) (*models.ClassSession, error) {
	var s models.ClassSession
	err := row.Scan(&s.ID, &s.TeacherID, &s.CourseName, &s.ClassName, &s.Subject, &s.Grade,
		&s.Objectives, &s.StartTime, &s.EndTime, &s.Duration, &s.Status,
		&s.AudioURL, &s.TranscriptCount, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &s, nil
}

// CreateSession inserts a new session with status=recording.
func (r *Repository) CreateSession(ctx context.Context, p CreateSessionParams) (*models.ClassSession, error) {
	q := `INSERT INTO class_sessions (id, teacher_id, course_name, class_name, subject, grade, objectives, status)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, NULLIF($6,''), $7)
		RETURNING ` + sessionColumns
	return scanSession(r.pool.QueryRow(ctx, q,
		p.TeacherID, p.CourseName, p.ClassName, p.Subject, p.Grade, p.Objectives,
		models.SessionStatusRecording))
}

// GetSession returns a session by ID.
func (r *Repository) GetSession(ctx context.Context, id uuid.UUID) (*models.ClassSession, error) {
	q := `SELECT ` + sessionColumns + ` FROM class_sessions WHERE id = $1`
	return scanSession(r.pool.QueryRow(ctx, q, id))
}

// ListSessions returns a page of the teacher's sessions, newest-created first,
// optionally filtered by status. Total is the filtered count.
func (r *Repository) ListSessions(ctx context.Context, teacherID uuid.UUID, opts ListOptions) ([]models.ClassSession, int, error) {
	opts = opts.normalized()

	cond := ` WHERE teacher_id = $1`
	args := []interface{}{teacherID}
	if opts.Status != "" {
		cond += ` AND status = $2`
		args = append(args, string(opts.Status))
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM class_sessions`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	q := `SELECT ` + sessionColumns + ` FROM class_sessions` + cond +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d OFFSET %d`, opts.PageSize, (opts.Page-1)*opts.PageSize)
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	list := []models.ClassSession{}
	for rows.Next() {
		var s models.ClassSession
		if err := rows.Scan(&s.ID, &s.TeacherID, &s.CourseName, &s.ClassName, &s.Subject, &s.Grade,
			&s.Objectives, &s.StartTime, &s.EndTime, &s.Duration, &s.Status,
			&s.AudioURL, &s.TranscriptCount, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, 0, err
		}
		list = append(list, s)
	}
	return list, total, rows.Err()
}

// AppendSegments persists a batch and bumps transcript_count with a single
// atomic increment. The session row is locked for the transaction so the
// batch cannot race a concurrent stop/complete into a terminal state.
func (r *Repository) AppendSegments(ctx context.Context, sessionID uuid.UUID, segments []models.TranscriptSegment) ([]models.TranscriptSegment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var status models.SessionStatus
	err = tx.QueryRow(ctx, `SELECT status FROM class_sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if status.Terminal() {
		return nil, ErrSessionClosed
	}

	saved := make([]models.TranscriptSegment, 0, len(segments))
	for _, seg := range segments {
		seg.SessionID = sessionID
		if seg.Speaker == "" {
			seg.Speaker = models.SpeakerUnknown
		}
		const insert = `INSERT INTO transcript_segments (id, session_id, ts, speaker, speaker_name, content, confidence, keywords, sentiment)
			VALUES (gen_random_uuid(), $1, $2, $3, NULLIF($4,''), $5, NULLIF($6, 0::float8), $7, $8)
			RETURNING id, created_at`
		if err := tx.QueryRow(ctx, insert,
			seg.SessionID, seg.Timestamp, string(seg.Speaker), seg.SpeakerName,
			seg.Text, seg.Confidence, seg.Keywords, seg.Sentiment,
		).Scan(&seg.ID, &seg.CreatedAt); err != nil {
			return nil, fmt.Errorf("insert segment: %w", err)
		}
		saved = append(saved, seg)
	}

	// transcript_count invariant: one atomic increment per batch, never
	// read-modify-write in application code.
	const bump = `UPDATE class_sessions SET transcript_count = transcript_count + $2, updated_at = NOW() WHERE id = $1`
	if _, err := tx.Exec(ctx, bump, sessionID, len(saved)); err != nil {
		return nil, fmt.Errorf("bump transcript count: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return saved, nil
}

// GetTranscript returns all segments sorted ascending by timestamp.
func (r *Repository) GetTranscript(ctx context.Context, sessionID uuid.UUID) ([]models.TranscriptSegment, error) {
	var exists int
	err := r.pool.QueryRow(ctx, `SELECT 1 FROM class_sessions WHERE id = $1`, sessionID).Scan(&exists)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	q := `SELECT ` + segmentColumns + ` FROM transcript_segments WHERE session_id = $1 ORDER BY ts ASC, created_at ASC`
	rows, err := r.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := []models.TranscriptSegment{}
	for rows.Next() {
		var seg models.TranscriptSegment
		if err := rows.Scan(&seg.ID, &seg.SessionID, &seg.Timestamp, &seg.Speaker, &seg.SpeakerName,
			&seg.Text, &seg.Confidence, &seg.Keywords, &seg.Sentiment, &seg.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, seg)
	}
	return list, rows.Err()
}

// AnnotateSegment fills in worker-derived keywords and sentiment.
func (r *Repository) AnnotateSegment(ctx context.Context, segmentID uuid.UUID, keywords []string, sentiment *float64) error {
	const q = `UPDATE transcript_segments SET keywords = $2, sentiment = $3 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, q, segmentID, keywords, sentiment)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// StopSession transitions recording → processing, computing duration once.
// Stopping a processing session again is a no-op returning current state.
func (r *Repository) StopSession(ctx context.Context, id uuid.UUID) (*models.ClassSession, error) {
	q := `UPDATE class_sessions
		SET status = $2, end_time = NOW(),
			duration = FLOOR(EXTRACT(EPOCH FROM (NOW() - start_time)))::int,
			updated_at = NOW()
		WHERE id = $1 AND status = $3
		RETURNING ` + sessionColumns
	sess, err := scanSession(r.pool.QueryRow(ctx, q, id,
		models.SessionStatusProcessing, models.SessionStatusRecording))
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}

	// Not in recording state: distinguish repeat stop / terminal / missing.
	sess, err = r.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status == models.SessionStatusProcessing {
		return sess, nil
	}
	return nil, ErrSessionClosed
}

// CompleteSession transitions to the terminal completed status.
func (r *Repository) CompleteSession(ctx context.Context, id uuid.UUID, audioURL string) (*models.ClassSession, error) {
	q := `UPDATE class_sessions
		SET status = $2, audio_url = COALESCE(NULLIF($3,''), audio_url), updated_at = NOW()
		WHERE id = $1 AND status IN ($4, $5)
		RETURNING ` + sessionColumns
	sess, err := scanSession(r.pool.QueryRow(ctx, q, id,
		models.SessionStatusCompleted, audioURL,
		models.SessionStatusRecording, models.SessionStatusProcessing))
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}
	if _, getErr := r.GetSession(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, ErrSessionClosed
}

// FailSession transitions to the terminal failed status.
func (r *Repository) FailSession(ctx context.Context, id uuid.UUID) (*models.ClassSession, error) {
	q := `UPDATE class_sessions SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $4)
		RETURNING ` + sessionColumns
	sess, err := scanSession(r.pool.QueryRow(ctx, q, id,
		models.SessionStatusFailed,
		models.SessionStatusRecording, models.SessionStatusProcessing))
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}
	if _, getErr := r.GetSession(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, ErrSessionClosed
}

// SetAudioURL records the uploaded audio blob location.
func (r *Repository) SetAudioURL(ctx context.Context, id uuid.UUID, audioURL string) error {
	const q = `UPDATE class_sessions SET audio_url = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, q, id, audioURL)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeleteSession removes the session; segments cascade via the FK.
func (r *Repository) DeleteSession(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM class_sessions WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
