package operation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/gridrepl/gridrepl/internal/transfer"
)

// Advance runs one step of the operation: poll its jobs, batch and submit
// whatever can be submitted, and call back once every file is final.
// Transfer service errors are logged and retried on the next call; the
// returned error comes from job preparation or the callback.
func (o *Operation) Advance(ctx context.Context, env Env, p Params) error {
	if o.Status.IsTerminal() {
		return nil
	}
	if o.Status == StatusActive {
		o.pollJobs(ctx, env)

		jobs, err := o.PrepareNewJobs(ctx, env, p.MaxFilesPerJob, p.MaxAttemptsPerFile)
		if err != nil {
			return err
		}
		if err := o.submitJobs(ctx, env, jobs); err != nil {
			return err
		}
	}

	if o.IsTotallyProcessed() {
		return o.Callback(ctx, env)
	}
	return nil
}

func (o *Operation) pollJobs(ctx context.Context, env Env) {
	for _, j := range o.PendingJobs() {
		if j.Handle == "" {
			continue
		}
		outcomes, err := j.Poll(ctx, env.Service)
		if err != nil {
			if env.Metrics != nil {
				env.Metrics.JobPollFailures.Inc()
			}
			env.Logger.Warn().Err(err).
				Str("operation_id", o.ID.String()).
				Str("job_id", j.ID.String()).
				Msg("Job poll failed")
			continue
		}

		for id, outcome := range outcomes {
			f := o.file(id)
			if f == nil {
				continue
			}
			if err := f.ApplyOutcome(outcome); err != nil {
				f.Release(err.Error())
				env.Logger.Error().Err(err).
					Str("operation_id", o.ID.String()).
					Str("lfn", f.LFN).
					Str("status", f.Status.String()).
					Msg("Outcome rejected, file released")
				continue
			}
			if env.Metrics != nil {
				env.Metrics.FileOutcomes.WithLabelValues(f.Status.String()).Inc()
			}
		}
		if len(outcomes) > 0 {
			o.LastUpdate = time.Now()
		}
	}
}

func (o *Operation) submitJobs(ctx context.Context, env Env, jobs []*transfer.Job) error {
	for i, j := range jobs {
		if env.Limiter != nil {
			if err := env.Limiter.Wait(ctx); err != nil {
				// Not submitted: let the files go back to the pool.
				for _, rest := range jobs[i:] {
					o.abandon(rest)
				}
				return err
			}
		}

		handle, err := j.Submit(ctx, env.Service, env.URLs)
		if err != nil {
			if env.Metrics != nil {
				env.Metrics.JobSubmitFailures.WithLabelValues(j.Type.String()).Inc()
			}
			env.Audit.LogJobSubmitFailed(o.ID.String(), j.ID.String(), j.TargetSE, err.Error())
			if !errors.Is(err, transfer.ErrNothingToSubmit) {
				env.Logger.Warn().Err(err).
					Str("operation_id", o.ID.String()).
					Str("target_se", j.TargetSE).
					Msg("Job submission failed")
			}
			continue
		}

		if env.Metrics != nil {
			env.Metrics.JobsSubmitted.WithLabelValues(j.Type.String()).Inc()
		}
		env.Audit.LogJobSubmitted(o.ID.String(), j.ID.String(), handle, j.Type.String(), j.SourceSE, j.TargetSE, len(j.Files))
		o.LastUpdate = time.Now()
	}
	return nil
}

// abandon removes a job that was never handed to the service and releases
// its files.
func (o *Operation) abandon(j *transfer.Job) {
	for _, f := range j.Files {
		if f.Job == j.ID {
			f.Job = uuid.Nil
		}
	}
	for i, other := range o.Jobs {
		if other == j {
			o.Jobs = append(o.Jobs[:i], o.Jobs[i+1:]...)
			break
		}
	}
}
