package routing

import (
	"context"
	"fmt"
	"time"

	"github.com/kaisenye/conduit-backend/internal/chat"
)

// JobStore is the routing_jobs access the runner needs. *chat.Repo implements it.
type JobStore interface {
	ClaimJob(ctx context.Context, id string) (bool, error)
	GetJobByID(ctx context.Context, id string) (*chat.RoutingJob, error)
	MarkJobSucceeded(ctx context.Context, id string, automatedCount int) error
	MarkJobFailed(ctx context.Context, id string, automatedCount int, errMsg string) error
}

// Runner executes routing jobs. A job is claimed before it runs, so a redelivered
// or duplicated job id produces no second set of automated messages.
type Runner struct {
	jobs   JobStore
	engine *Engine
}

func NewRunner(jobs JobStore, engine *Engine) *Runner {
	return &Runner{jobs: jobs, engine: engine}
}

// HandleJob returns an error only when the claim itself failed, so a broker
// retry can claim the job again. Once claimed, a job is always settled here:
// routing and bookkeeping failures are recorded on the job row and logged.
func (r *Runner) HandleJob(ctx context.Context, jobID string) error {
	start := time.Now()

	claimed, err := r.jobs.ClaimJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("claim job %s: %w", jobID, err)
	}
	if !claimed {
		r.engine.logger.Info("routing job already claimed, skipping", "job_id", jobID)
		return nil
	}

	job, err := r.jobs.GetJobByID(ctx, jobID)
	if err != nil {
		r.fail(ctx, jobID, 0, fmt.Errorf("load job: %w", err))
		return nil
	}

	out := r.engine.Route(ctx, job.MessageID)
	if out.Err != nil {
		r.fail(ctx, jobID, len(out.Automated), out.Err)
		return nil
	}

	if err := r.jobs.MarkJobSucceeded(ctx, jobID, len(out.Automated)); err != nil {
		r.fail(ctx, jobID, len(out.Automated), fmt.Errorf("mark succeeded: %w", err))
		return nil
	}
	if cost := time.Since(start); cost > 2*time.Second {
		r.engine.logger.Info("routing job slow",
			"job_id", jobID,
			"next_party", out.Classification.NextParty,
			"automated", len(out.Automated),
			"cost", cost)
	}
	return nil
}

func (r *Runner) fail(ctx context.Context, jobID string, automated int, cause error) {
	r.engine.logger.Warn("routing job failed",
		"job_id", jobID,
		"automated", automated,
		"error", cause)
	if err := r.jobs.MarkJobFailed(ctx, jobID, automated, cause.Error()); err != nil {
		r.engine.logger.Error("routing job left running",
			"job_id", jobID,
			"error", err)
	}
}
