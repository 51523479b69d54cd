// Package worker runs session analysis jobs: after a session stops, each
// transcript segment is enriched with keywords and sentiment, then the
// session moves to completed. Exhausted retries mark the session failed.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/classecho/backend/internal/collection"
	"github.com/classecho/backend/internal/enrich"
	"github.com/classecho/backend/internal/models"
	"github.com/classecho/backend/pkg/queue"
)

// Annotator derives keywords and sentiment for one utterance.
type Annotator interface {
	Annotate(ctx context.Context, text string) (*enrich.Annotation, error)
}

// JobQueue is the worker-side queue contract.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, string, error)
	Retry(ctx context.Context, job *queue.Job) (exhausted bool, err error)
}

// AnalysisProcessor processes session analysis jobs.
type AnalysisProcessor struct {
	store     collection.Store
	annotator Annotator
	queue     JobQueue
	logger    *zap.Logger
}

// NewAnalysisProcessor creates a session analysis processor.
func NewAnalysisProcessor(store collection.Store, annotator Annotator, q JobQueue, logger *zap.Logger) *AnalysisProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AnalysisProcessor{store: store, annotator: annotator, queue: q, logger: logger}
}

// Process executes one session analysis job.
func (p *AnalysisProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeSessionAnalysis {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.SessionAnalysisPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	sess, err := p.store.GetSession(ctx, payload.SessionID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", payload.SessionID, err)
	}
	if sess.Status != models.SessionStatusProcessing {
		// Already completed by a duplicate job, or never stopped.
		p.logger.Info("session not in processing, skipping",
			zap.String("session_id", sess.ID.String()),
			zap.String("status", string(sess.Status)))
		return nil
	}

	segments, err := p.store.GetTranscript(ctx, sess.ID)
	if err != nil {
		return fmt.Errorf("load transcript: %w", err)
	}

	annotated := 0
	for _, seg := range segments {
		if len(seg.Keywords) > 0 || seg.Sentiment != nil {
			continue // already enriched by an earlier attempt
		}
		ann, err := p.annotator.Annotate(ctx, seg.Text)
		if err != nil {
			return fmt.Errorf("annotate segment %s: %w", seg.ID, err)
		}
		sentiment := ann.Sentiment
		if err := p.store.AnnotateSegment(ctx, seg.ID, ann.Keywords, &sentiment); err != nil {
			return fmt.Errorf("save annotation %s: %w", seg.ID, err)
		}
		annotated++
	}

	if _, err := p.store.CompleteSession(ctx, sess.ID, ""); err != nil {
		if errors.Is(err, collection.ErrSessionClosed) {
			return nil
		}
		return fmt.Errorf("complete session: %w", err)
	}

	p.logger.Info("session analysis completed",
		zap.String("session_id", sess.ID.String()),
		zap.Int("segments", len(segments)),
		zap.Int("annotated", annotated))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error. When a job
// exhausts its retries the owning session is marked failed.
func (p *AnalysisProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("analysis worker stopping")
			return
		default:
		}

		job, _, err := p.queue.Dequeue(ctx)
		if err != nil {
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			p.handleFailure(ctx, job)
			time.Sleep(queue.RetryBackoff)
		}
	}
}

func (p *AnalysisProcessor) handleFailure(ctx context.Context, job *queue.Job) {
	exhausted, err := p.queue.Retry(ctx, job)
	if err != nil {
		p.logger.Error("retry enqueue failed", zap.Error(err), zap.String("job_id", job.ID))
	}
	if !exhausted {
		return
	}

	var payload queue.SessionAnalysisPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return
	}
	if _, err := p.store.FailSession(ctx, payload.SessionID); err != nil {
		if !errors.Is(err, collection.ErrSessionClosed) && !errors.Is(err, collection.ErrSessionNotFound) {
			p.logger.Error("mark session failed errored", zap.Error(err), zap.String("session_id", payload.SessionID.String()))
		}
		return
	}
	p.logger.Warn("session marked failed after retry exhaustion", zap.String("session_id", payload.SessionID.String()))
}
