package collection

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/classecho/backend/internal/models"
	"github.com/classecho/backend/internal/transcript"
	"github.com/classecho/backend/pkg/queue"
	"github.com/classecho/backend/pkg/response"
	"github.com/classecho/backend/pkg/storage"
)

// Broadcaster pushes session events to live websocket subscribers.
type Broadcaster interface {
	Publish(sessionID uuid.UUID, event string, payload interface{})
	ViewerCount(sessionID uuid.UUID) int
}

// AnalysisEnqueuer hands stopped sessions to the background worker.
type AnalysisEnqueuer interface {
	EnqueueSessionAnalysis(ctx context.Context, payload queue.SessionAnalysisPayload) error
}

// AudioStore persists session audio blobs.
type AudioStore interface {
	Upload(ctx context.Context, bucket, key, contentType string, body io.Reader, contentLength int64) (string, error)
	PresignDownload(ctx context.Context, bucket, key string) (string, error)
	DeleteObject(ctx context.Context, bucket, key string) error
	AudioBucket() string
}

// Websocket event names.
const (
	EventTranscriptSegment = "transcript_segment"
	EventSessionStopped    = "session_stopped"
	EventSessionCompleted  = "session_completed"
	EventSessionFailed     = "session_failed"
)

// Handler handles collection session HTTP endpoints. Queue, audio storage and
// the broadcaster are optional: a nil dependency degrades the feature rather
// than the whole API.
type Handler struct {
	store  Store
	queue  AnalysisEnqueuer
	audio  AudioStore
	hub    Broadcaster
	logger *zap.Logger
}

// NewHandler creates a collection handler.
func NewHandler(store Store, q AnalysisEnqueuer, audio AudioStore, hub Broadcaster, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, queue: q, audio: audio, hub: hub, logger: logger}
}

// RegisterRoutes mounts the collection endpoints on the given group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	sessions := rg.Group("/collection/sessions")
	sessions.POST("", h.CreateSession)
	sessions.GET("", h.ListSessions)
	sessions.GET("/:id", h.GetSession)
	sessions.GET("/:id/full", h.GetSessionFull)
	sessions.GET("/:id/transcript", h.GetTranscript)
	sessions.POST("/:id/transcript", h.AppendTranscript)
	sessions.POST("/:id/stop", h.StopSession)
	sessions.POST("/:id/complete", h.CompleteSession)
	sessions.POST("/:id/audio", h.UploadAudio)
	sessions.GET("/:id/audio", h.GetAudio)
	sessions.GET("/:id/stats", h.GetStats)
	sessions.DELETE("/:id", h.DeleteSession)
}

// CreateSessionRequest is the body for POST /collection/sessions.
type CreateSessionRequest struct {
	CourseName string `json:"courseName" binding:"required"`
	ClassName  string `json:"className"`
	Subject    string `json:"subject"`
	Grade      string `json:"grade"`
	Objectives string `json:"objectives"`
}

// SegmentInput is one transcript segment in an append batch.
type SegmentInput struct {
	Timestamp   float64 `json:"timestamp"`
	Speaker     string  `json:"speaker"`
	SpeakerName string  `json:"speakerName"`
	Text        string  `json:"text" binding:"required"`
	Confidence  float64 `json:"confidence"`
}

// AppendTranscriptRequest is the body for POST /collection/sessions/:id/transcript.
type AppendTranscriptRequest struct {
	Segments []SegmentInput `json:"segments" binding:"required,min=1,dive"`
}

// CompleteSessionRequest is the body for POST /collection/sessions/:id/complete.
type CompleteSessionRequest struct {
	AudioURL string `json:"audioUrl"`
}

// ListResponse is the paginated session listing payload.
type ListResponse struct {
	Sessions []models.ClassSession `json:"sessions"`
	Total    int                   `json:"total"`
	Page     int                   `json:"page"`
	PageSize int                   `json:"pageSize"`
	HasMore  bool                  `json:"hasMore"`
}

// TranscriptResponse is the transcript listing payload.
type TranscriptResponse struct {
	SessionID  uuid.UUID                  `json:"sessionId"`
	Transcript []models.TranscriptSegment `json:"transcript"`
	Total      int                        `json:"total"`
}

// AppendResponse reports a persisted transcript batch.
type AppendResponse struct {
	Saved    int                        `json:"saved"`
	Segments []models.TranscriptSegment `json:"segments"`
}

func userID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get("user_id")
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}

func sessionID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return uuid.Nil, false
	}
	return id, true
}

// ownedSession loads a session and enforces that the caller owns it.
// Admins may access any session.
func (h *Handler) ownedSession(c *gin.Context, id uuid.UUID) (*models.ClassSession, bool) {
	sess, err := h.store.GetSession(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			response.NotFound(c, response.CodeSessionNotFound, "session not found")
		} else {
			h.logger.Error("get session failed", zap.Error(err), zap.String("session_id", id.String()))
			response.Internal(c, "failed to load session")
		}
		return nil, false
	}
	uid, ok := userID(c)
	if !ok {
		response.Unauthorized(c, "missing identity")
		return nil, false
	}
	if sess.TeacherID != uid && c.GetString("user_role") != string(models.RoleAdmin) {
		response.Forbidden(c, "session belongs to another teacher")
		return nil, false
	}
	return sess, true
}

// CreateSession handles POST /collection/sessions.
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	uid, ok := userID(c)
	if !ok {
		response.Unauthorized(c, "missing identity")
		return
	}

	sess, err := h.store.CreateSession(c.Request.Context(), CreateSessionParams{
		TeacherID:  uid,
		CourseName: req.CourseName,
		ClassName:  req.ClassName,
		Subject:    req.Subject,
		Grade:      req.Grade,
		Objectives: req.Objectives,
	})
	if err != nil {
		h.logger.Error("create session failed", zap.Error(err))
		response.Internal(c, "failed to create session")
		return
	}
	h.logger.Info("session started",
		zap.String("session_id", sess.ID.String()),
		zap.String("teacher_id", uid.String()),
		zap.String("course", sess.CourseName))
	response.Created(c, sess)
}

// ListSessions handles GET /collection/sessions?page=&pageSize=&status=.
func (h *Handler) ListSessions(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		response.Unauthorized(c, "missing identity")
		return
	}

	opts := ListOptions{}
	opts.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	opts.PageSize, _ = strconv.Atoi(c.DefaultQuery("pageSize", "10"))
	if raw := c.Query("status"); raw != "" {
		st := models.SessionStatus(raw)
		if !st.Valid() {
			response.BadRequest(c, "invalid status filter")
			return
		}
		opts.Status = st
	}
	opts = opts.normalized()

	sessions, total, err := h.store.ListSessions(c.Request.Context(), uid, opts)
	if err != nil {
		h.logger.Error("list sessions failed", zap.Error(err))
		response.Internal(c, "failed to list sessions")
		return
	}
	response.OK(c, ListResponse{
		Sessions: sessions,
		Total:    total,
		Page:     opts.Page,
		PageSize: opts.PageSize,
		HasMore:  opts.Page*opts.PageSize < total,
	})
}

// GetSession handles GET /collection/sessions/:id.
func (h *Handler) GetSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	sess, ok := h.ownedSession(c, id)
	if !ok {
		return
	}
	response.OK(c, sess)
}

// GetSessionFull handles GET /collection/sessions/:id/full, returning the
// session together with its ordered transcript.
func (h *Handler) GetSessionFull(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	sess, ok := h.ownedSession(c, id)
	if !ok {
		return
	}
	segs, err := h.store.GetTranscript(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("get transcript failed", zap.Error(err), zap.String("session_id", id.String()))
		response.Internal(c, "failed to load transcript")
		return
	}
	response.OK(c, models.ClassSessionWithTranscript{ClassSession: *sess, Transcript: segs})
}

// GetTranscript handles GET /collection/sessions/:id/transcript.
func (h *Handler) GetTranscript(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	if _, ok := h.ownedSession(c, id); !ok {
		return
	}
	segs, err := h.store.GetTranscript(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("get transcript failed", zap.Error(err), zap.String("session_id", id.String()))
		response.Internal(c, "failed to load transcript")
		return
	}
	response.OK(c, TranscriptResponse{SessionID: id, Transcript: segs, Total: len(segs)})
}

// AppendTranscript handles POST /collection/sessions/:id/transcript. Batches
// against completed or failed sessions are rejected with 409.
func (h *Handler) AppendTranscript(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	if _, ok := h.ownedSession(c, id); !ok {
		return
	}

	var req AppendTranscriptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	batch := make([]models.TranscriptSegment, 0, len(req.Segments))
	for _, in := range req.Segments {
		if in.Timestamp < 0 {
			response.BadRequest(c, "segment timestamp must be non-negative")
			return
		}
		speaker := models.SpeakerRole(in.Speaker)
		if in.Speaker != "" && speaker != models.SpeakerTeacher && speaker != models.SpeakerStudent && speaker != models.SpeakerUnknown {
			response.BadRequest(c, "invalid speaker role")
			return
		}
		batch = append(batch, models.TranscriptSegment{
			Timestamp:   in.Timestamp,
			Speaker:     speaker,
			SpeakerName: in.SpeakerName,
			Text:        in.Text,
			Confidence:  in.Confidence,
		})
	}

	saved, err := h.store.AppendSegments(c.Request.Context(), id, batch)
	if err != nil {
		switch {
		case errors.Is(err, ErrSessionClosed):
			response.Conflict(c, response.CodeSessionCompleted, "session no longer accepts transcript")
		case errors.Is(err, ErrSessionNotFound):
			response.NotFound(c, response.CodeSessionNotFound, "session not found")
		default:
			h.logger.Error("append segments failed", zap.Error(err), zap.String("session_id", id.String()))
			response.Internal(c, "failed to save transcript")
		}
		return
	}

	if h.hub != nil {
		for _, seg := range saved {
			h.hub.Publish(id, EventTranscriptSegment, seg)
		}
	}
	response.OK(c, AppendResponse{Saved: len(saved), Segments: saved})
}

// StopSession handles POST /collection/sessions/:id/stop. The session moves to
// processing and an analysis job is queued; stopping twice is a no-op.
func (h *Handler) StopSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	if _, ok := h.ownedSession(c, id); !ok {
		return
	}

	sess, err := h.store.StopSession(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, ErrSessionClosed):
			response.Conflict(c, response.CodeSessionCompleted, "session already finished")
		case errors.Is(err, ErrSessionNotFound):
			response.NotFound(c, response.CodeSessionNotFound, "session not found")
		default:
			h.logger.Error("stop session failed", zap.Error(err), zap.String("session_id", id.String()))
			response.Internal(c, "failed to stop session")
		}
		return
	}

	if h.queue != nil {
		err := h.queue.EnqueueSessionAnalysis(c.Request.Context(), queue.SessionAnalysisPayload{
			SessionID: sess.ID,
			TeacherID: sess.TeacherID,
		})
		if err != nil {
			// Session is already in processing; analysis can be re-queued later.
			h.logger.Error("enqueue analysis failed", zap.Error(err), zap.String("session_id", id.String()))
		}
	}
	if h.hub != nil {
		h.hub.Publish(id, EventSessionStopped, sess)
	}
	h.logger.Info("session stopped",
		zap.String("session_id", sess.ID.String()),
		zap.Int("duration_s", sess.Duration),
		zap.Int("segments", sess.TranscriptCount))
	response.OKMessage(c, sess, "session stopped")
}

// CompleteSession handles POST /collection/sessions/:id/complete.
func (h *Handler) CompleteSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	if _, ok := h.ownedSession(c, id); !ok {
		return
	}

	var req CompleteSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "invalid request: "+err.Error())
			return
		}
	}

	sess, err := h.store.CompleteSession(c.Request.Context(), id, req.AudioURL)
	if err != nil {
		switch {
		case errors.Is(err, ErrSessionClosed):
			response.Conflict(c, response.CodeSessionCompleted, "session already finished")
		case errors.Is(err, ErrSessionNotFound):
			response.NotFound(c, response.CodeSessionNotFound, "session not found")
		default:
			h.logger.Error("complete session failed", zap.Error(err), zap.String("session_id", id.String()))
			response.Internal(c, "failed to complete session")
		}
		return
	}

	if h.hub != nil {
		h.hub.Publish(id, EventSessionCompleted, sess)
	}
	response.OKMessage(c, sess, "session completed")
}

// UploadAudio handles POST /collection/sessions/:id/audio (multipart field
// "audio"). The blob goes to object storage and the session's audioUrl is set.
func (h *Handler) UploadAudio(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	if _, ok := h.ownedSession(c, id); !ok {
		return
	}
	if h.audio == nil {
		response.ServiceUnavailable(c, "audio storage not configured")
		return
	}

	file, header, err := c.Request.FormFile("audio")
	if err != nil {
		response.BadRequest(c, "missing audio file")
		return
	}
	defer file.Close()
	if header.Size > storage.MaxAudioUploadSize {
		response.BadRequest(c, "audio file too large")
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/wav"
	}
	key := storage.AudioKey(id.String(), uuid.New().String())
	url, err := h.audio.Upload(c.Request.Context(), h.audio.AudioBucket(), key, contentType, file, header.Size)
	if err != nil {
		h.logger.Error("audio upload failed", zap.Error(err), zap.String("session_id", id.String()))
		response.Internal(c, "failed to upload audio")
		return
	}

	if err := h.store.SetAudioURL(c.Request.Context(), id, url); err != nil {
		h.logger.Error("set audio url failed", zap.Error(err), zap.String("session_id", id.String()))
		response.Internal(c, "failed to record audio url")
		return
	}
	h.logger.Info("audio uploaded",
		zap.String("session_id", id.String()),
		zap.Int64("bytes", header.Size))
	response.OK(c, gin.H{"audioUrl": url})
}

// GetAudio handles GET /collection/sessions/:id/audio. When the stored URL
// points into our bucket, a time-limited presigned download URL is returned
// instead of the raw object URL.
func (h *Handler) GetAudio(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	sess, ok := h.ownedSession(c, id)
	if !ok {
		return
	}
	if sess.AudioURL == "" {
		response.NotFound(c, response.CodeAudioNotFound, "no audio recorded for this session")
		return
	}

	url := sess.AudioURL
	if h.audio != nil {
		if key, ok := objectKey(sess.AudioURL); ok {
			presigned, err := h.audio.PresignDownload(c.Request.Context(), h.audio.AudioBucket(), key)
			if err != nil {
				h.logger.Error("presign audio failed", zap.Error(err), zap.String("session_id", id.String()))
				response.Internal(c, "failed to presign audio url")
				return
			}
			url = presigned
		}
	}
	response.OK(c, gin.H{"audioUrl": url})
}

// objectKey extracts the S3 object key from a stored object URL. External
// URLs (set via the complete endpoint) do not match and are served as-is.
func objectKey(url string) (string, bool) {
	const marker = ".amazonaws.com/"
	i := strings.Index(url, marker)
	if i < 0 {
		return "", false
	}
	key := url[i+len(marker):]
	return key, key != ""
}

// GetStats handles GET /collection/sessions/:id/stats, returning aggregate
// transcript statistics.
func (h *Handler) GetStats(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	sess, ok := h.ownedSession(c, id)
	if !ok {
		return
	}
	segs, err := h.store.GetTranscript(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("get transcript failed", zap.Error(err), zap.String("session_id", id.String()))
		response.Internal(c, "failed to load transcript")
		return
	}
	stats := transcript.Compute(segs)
	viewers := 0
	if h.hub != nil {
		viewers = h.hub.ViewerCount(id)
	}
	response.OK(c, gin.H{
		"sessionId": id,
		"status":    sess.Status,
		"duration":  sess.Duration,
		"viewers":   viewers,
		"stats":     stats,
	})
}

// DeleteSession handles DELETE /collection/sessions/:id. Transcript segments
// are removed with the session.
func (h *Handler) DeleteSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	sess, ok := h.ownedSession(c, id)
	if !ok {
		return
	}

	deleted, err := h.store.DeleteSession(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("delete session failed", zap.Error(err), zap.String("session_id", id.String()))
		response.Internal(c, "failed to delete session")
		return
	}
	if !deleted {
		response.NotFound(c, response.CodeSessionNotFound, "session not found")
		return
	}

	// Best effort: the session row is already gone, an orphaned blob is
	// only a storage cost.
	if h.audio != nil && sess.AudioURL != "" {
		if key, ok := objectKey(sess.AudioURL); ok {
			if err := h.audio.DeleteObject(c.Request.Context(), h.audio.AudioBucket(), key); err != nil {
				h.logger.Warn("delete audio object failed", zap.Error(err), zap.String("session_id", id.String()))
			}
		}
	}

	h.logger.Info("session deleted", zap.String("session_id", id.String()))
	response.Message(c, "session deleted")
}
