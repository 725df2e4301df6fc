package service

import (
	"context"
	"fmt"
	"time"

	"github.com/AdlarX9/nitflex-sub000/internal/domain"
	"github.com/AdlarX9/nitflex-sub000/internal/infrastructure/logger"
	"github.com/AdlarX9/nitflex-sub000/internal/port"
)

// Advancer persists a change of the job being post-processed and publishes
// it.
type Advancer func(ctx context.Context, fn port.Mutation) (*domain.Job, error)

// Outcome is the result of the post-encode steps.
type Outcome struct {
	Stage      domain.Stage
	OutputPath string
	Err        error
}

// Orchestrator runs the steps after the encoder: tagging, then the move into
// the library.
type Orchestrator struct {
	tagger  port.Tagger
	library port.Library
	now     func() time.Time
}

func NewOrchestrator(tagger port.Tagger, library port.Library) *Orchestrator {
	return &Orchestrator{tagger: tagger, library: library, now: time.Now}
}

// RunPostEncode tags sourcePath and moves it into the library. A queued job
// (skip path) is first moved to tagging. Errors are recorded on the job as a
// failure; the returned Outcome reflects the final stage.
func (o *Orchestrator) RunPostEncode(ctx context.Context, job *domain.Job, sourcePath string, advance Advancer) Outcome {
	if job.Stage != domain.StageTagging {
		if _, err := advance(ctx, func(j *domain.Job) error {
			return j.Transition(domain.StageTagging, o.now().UTC())
		}); err != nil {
			return Outcome{Stage: job.Stage, Err: err}
		}
	}

	if err := o.tagger.Tag(ctx, sourcePath, job.Metadata); err != nil {
		return o.fail(ctx, job.ID, advance, fmt.Errorf("tagging failed: %w", err))
	}

	dst, err := o.library.Destination(job, sourcePath)
	if err != nil {
		return o.fail(ctx, job.ID, advance, fmt.Errorf("resolve destination: %w", err))
	}

	if _, err := advance(ctx, func(j *domain.Job) error {
		return j.Transition(domain.StageMoving, o.now().UTC())
	}); err != nil {
		return Outcome{Stage: domain.StageTagging, Err: err}
	}

	if err := o.library.Move(ctx, sourcePath, dst); err != nil {
		return o.fail(ctx, job.ID, advance, fmt.Errorf("move failed: %w", err))
	}

	final, err := advance(ctx, func(j *domain.Job) error {
		if err := j.Transition(domain.StageCompleted, o.now().UTC()); err != nil {
			return err
		}
		j.Progress = 100
		j.OutputPath = dst
		return nil
	})
	if err != nil {
		return Outcome{Stage: domain.StageMoving, Err: err}
	}
	logger.Info.Printf("job %s completed: %s", final.ID, logger.SanitizeForLog(dst))
	return Outcome{Stage: domain.StageCompleted, OutputPath: dst}
}

func (o *Orchestrator) fail(ctx context.Context, id string, advance Advancer, cause error) Outcome {
	logger.Error.Printf("job %s: %v", id, cause)
	if _, err := advance(ctx, func(j *domain.Job) error {
		return j.Fail(cause.Error(), o.now().UTC())
	}); err != nil {
		logger.Error.Printf("job %s: record failure: %v", id, err)
	}
	return Outcome{Stage: domain.StageFailed, Err: cause}
}
