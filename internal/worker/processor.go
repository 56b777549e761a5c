package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lumenclass/backend/internal/lectures"
	"github.com/lumenclass/backend/internal/models"
	"github.com/lumenclass/backend/pkg/queue"
	"github.com/lumenclass/backend/pkg/storage"
)

// LectureProcessor processes lecture ingest jobs: verify the uploaded
// object exists in S3, record its size and URL, and mark the lecture ready.
type LectureProcessor struct {
	repo   *lectures.Repository
	s3     *storage.S3
	queue  *queue.Queue
	logger *zap.Logger
}

// NewLectureProcessor creates a lecture ingest processor.
func NewLectureProcessor(repo *lectures.Repository, s3 *storage.S3, q *queue.Queue, logger *zap.Logger) *LectureProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LectureProcessor{repo: repo, s3: s3, queue: q, logger: logger}
}

// Process executes one lecture ingest job.
func (p *LectureProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeLectureIngest {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.LectureIngestPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	l, err := p.repo.GetByID(ctx, payload.LectureID)
	if err != nil {
		return fmt.Errorf("lecture not found: %s", payload.LectureID)
	}
	if l.Status == models.LectureReady {
		p.logger.Info("lecture already ready", zap.String("lecture_id", l.ID.String()))
		return nil
	}

	head, err := p.s3.HeadObject(ctx, p.s3.LecturesBucket(), payload.S3Key)
	if err != nil {
		// leave the lecture failed; a later re-upload restarts the flow
		if dbErr := p.repo.UpdateStatus(ctx, l.ID, models.LectureFailed); dbErr != nil {
			p.logger.Error("mark lecture failed errored", zap.Error(dbErr), zap.String("lecture_id", l.ID.String()))
		}
		return fmt.Errorf("head object %s: %w", payload.S3Key, err)
	}

	var size int64
	if head.ContentLength != nil {
		size = *head.ContentLength
	}
	s3URL := p.s3.PublicObjectURL(p.s3.LecturesBucket(), payload.S3Key)
	if err := p.repo.UpdateS3Result(ctx, l.ID, s3URL, payload.S3Key, size, l.Duration); err != nil {
		p.logger.Error("update lecture S3 result failed", zap.Error(err), zap.String("lecture_id", l.ID.String()))
		return fmt.Errorf("update db: %w", err)
	}

	p.logger.Info("lecture ingest completed",
		zap.String("lecture_id", l.ID.String()),
		zap.String("s3_key", payload.S3Key),
		zap.Int64("size", size))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *LectureProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("lecture worker stopping")
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
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			time.Sleep(queue.RetryBackoff)
			continue
		}
	}
}
