package operation

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/gridrepl/gridrepl/internal/channel"
	"github.com/gridrepl/gridrepl/internal/storage"
	"github.com/gridrepl/gridrepl/internal/strategy"
	"github.com/gridrepl/gridrepl/internal/transfer"
)

// PrepareNewJobs batches the files that can be submitted into new jobs and
// appends them to the operation. Files are grouped by target, then by
// source, then cut into chunks of maxFilesPerJob. The grouping only depends
// on the file list, so running it again over the same files gives the same
// jobs.
//
// A target that fails its access check costs every file of its group one
// attempt. A file without a readable source is left for the next round.
func (o *Operation) PrepareNewJobs(ctx context.Context, env Env, maxFilesPerJob, maxAttempts int) ([]*transfer.Job, error) {
	if maxFilesPerJob <= 0 {
		return nil, fmt.Errorf("max files per job must be positive, got %d", maxFilesPerJob)
	}
	logger := env.Logger.With().Str("operation_id", o.ID.String()).Logger()

	files, defunct := o.selectFiles(maxAttempts)
	for _, f := range defunct {
		env.Audit.LogFileDefunct(o.ID.String(), f.LFN, f.TargetSE, f.Attempt, f.Error)
		if env.Metrics != nil {
			env.Metrics.DefunctFiles.Inc()
		}
	}

	byTarget := make(map[string][]*transfer.File)
	for _, f := range files {
		byTarget[f.TargetSE] = append(byTarget[f.TargetSE], f)
	}
	targets := make([]string, 0, len(byTarget))
	for t := range byTarget {
		targets = append(targets, t)
	}
	sort.Strings(targets)

	readable := make(map[string]bool)
	canRead := func(se string) bool {
		ok, seen := readable[se]
		if !seen {
			err := env.Access.CheckAccess(ctx, se, storage.AccessRead)
			ok = err == nil
			if err != nil {
				logger.Debug().Err(err).Str("source_se", se).Msg("Source not readable")
			}
			readable[se] = ok
		}
		return ok
	}

	var jobs []*transfer.Job
	for _, target := range targets {
		group := byTarget[target]

		access := storage.AccessWrite
		if o.Kind == KindStaging {
			access = storage.AccessRead
		}
		if err := env.Access.CheckAccess(ctx, target, access); err != nil {
			logger.Warn().Err(err).
				Str("target_se", target).
				Int("files", len(group)).
				Msg("Target not accessible, consuming an attempt")
			for _, f := range group {
				f.ConsumeAttempt(err.Error())
			}
			continue
		}

		bySource := make(map[string][]*transfer.File)
		if o.Kind == KindStaging {
			bySource[target] = group
		} else {
			var candidates []string
			for _, se := range o.SourceSEs {
				if canRead(se) {
					candidates = append(candidates, se)
				}
			}
			for _, f := range group {
				if len(candidates) == 0 {
					break
				}
				source, err := env.Sources.SelectSource(candidates, target, f.Size)
				if err != nil {
					o.countPlanningError(env, err)
					logger.Debug().Err(err).
						Str("lfn", f.LFN).
						Str("target_se", target).
						Msg("No source for file this round")
					continue
				}
				if err := env.Sources.Reserve(source, target, f.Size); err != nil {
					logger.Debug().Err(err).
						Str("source_se", source).
						Str("target_se", target).
						Msg("Channel reservation failed")
				}
				bySource[source] = append(bySource[source], f)
			}
		}

		sources := make([]string, 0, len(bySource))
		for s := range bySource {
			sources = append(sources, s)
		}
		sort.Strings(sources)

		for _, source := range sources {
			chunks := bySource[source]
			for start := 0; start < len(chunks); start += maxFilesPerJob {
				end := min(start+maxFilesPerJob, len(chunks))
				spec := transfer.JobSpec{
					Type:        o.Kind.jobType(),
					TargetSE:    target,
					Activity:    o.Activity,
					Priority:    o.Priority,
					Username:    o.Username,
					UserGroup:   o.UserGroup,
					OperationID: o.ID,
				}
				if o.Kind == KindTransfer {
					spec.SourceSE = source
				}
				job, err := transfer.NewJob(spec, chunks[start:end])
				if err != nil {
					return jobs, fmt.Errorf("create job for %s: %w", target, err)
				}
				jobs = append(jobs, job)
				o.Jobs = append(o.Jobs, job)
			}
		}
	}

	if len(jobs) > 0 {
		logger.Debug().Int("jobs", len(jobs)).Msg("Prepared new jobs")
	}
	return jobs, nil
}

func (o *Operation) countPlanningError(env Env, err error) {
	if env.Metrics == nil {
		return
	}
	reason := "other"
	var nf *channel.NotFoundError
	var tc *strategy.TreeConstructionError
	switch {
	case errors.As(err, &nf):
		reason = "no_channel"
	case errors.As(err, &tc):
		reason = "tree_construction"
	}
	env.Metrics.PlanningErrors.WithLabelValues(reason).Inc()
}
