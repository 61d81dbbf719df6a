package app

import (
	"context"
	"errors"
	"fmt"

	"meetra/internal/util"
	"meetra/pkg/domain"
	"meetra/pkg/queue"
)

// HandleJob is the queue handler: it advances the resume by one stage and
// schedules the following one. A returned error re-delivers the job.
func (a *App) HandleJob(ctx context.Context, job queue.Job) error {
	logger := a.logger.With("resume_id", job.ResumeID, "job_id", job.ID, "attempt", job.Attempts)
	ctx = util.ContextWithLogger(ctx, logger)

	done, err := a.Advance(ctx, job.ResumeID)
	switch {
	case CodeOf(err) == domain.CodeNotFound:
		logger.Warn("job for unknown resume dropped")
		return nil
	case errors.Is(err, queue.ErrLeaseHeld):
		// The holder enqueues the next stage itself. A crashed holder's
		// message is reclaimed only after Policy.MaxLeaseTTL has passed.
		logger.Info("resume busy; duplicate job dropped")
		return nil
	case err != nil:
		return err
	}
	if done {
		return nil
	}
	if _, err := a.queue.Enqueue(ctx, job.ResumeID); err != nil {
		return fmt.Errorf("enqueue next stage: %w", err)
	}
	return nil
}
