// Package simfts is an in-process transfer service for dry runs and tests.
// Outcomes are drawn from a seeded random source, so a run with the same
// seed and the same submissions produces the same results.
package simfts

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/rs/zerolog"

	"github.com/gridrepl/gridrepl/internal/transfer"
)

// ErrUnknownJob is returned when polling a handle that was never issued.
var ErrUnknownJob = errors.New("unknown job")

// Config configures the simulated service.
type Config struct {
	// FailureRate is the probability that a transfer fails.
	FailureRate float64

	// ChecksumMismatchRate is the probability that a finished transfer
	// reports a checksum different from the expected one.
	ChecksumMismatchRate float64

	// Seed seeds the outcome generator.
	Seed int64

	// PollsToComplete is the number of polls a job stays active before its
	// files reach a terminal state. Zero completes on the first poll.
	PollsToComplete int

	Logger zerolog.Logger
}

// DefaultConfig returns a config with a small failure rate.
func DefaultConfig() Config {
	return Config{
		FailureRate:     0.1,
		Seed:            1,
		PollsToComplete: 1,
	}
}

// Stats counts what the service did.
type Stats struct {
	Jobs      int
	Transfers int
	Finished  int
	Failed    int
	Mismatch  int
}

type simJob struct {
	transfers []transfer.Transfer
	staging   bool
	polls     int
	outcomes  map[string]transfer.Outcome
}

// Service implements transfer.Service.
type Service struct {
	cfg    Config
	logger zerolog.Logger

	mu    sync.Mutex
	rng   *rand.Rand
	jobs  map[string]*simJob
	next  int
	stats Stats
}

var _ transfer.Service = (*Service)(nil)

// New creates a simulated service.
func New(cfg Config) *Service {
	return &Service{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "simfts").Logger(),
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		jobs:   make(map[string]*simJob),
	}
}

// Submit accepts the submission and returns a new handle.
func (s *Service) Submit(ctx context.Context, sub transfer.Submission) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(sub.Transfers) == 0 {
		return "", errors.New("submission has no transfers")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.next++
	handle := fmt.Sprintf("sim-%06d", s.next)
	s.jobs[handle] = &simJob{
		transfers: append([]transfer.Transfer(nil), sub.Transfers...),
		staging:   sub.Type == transfer.JobStaging,
	}
	s.stats.Jobs++
	s.stats.Transfers += len(sub.Transfers)

	s.logger.Debug().
		Str("handle", handle).
		Str("job_type", sub.Type.String()).
		Int("files", len(sub.Transfers)).
		Msg("Job accepted")
	return handle, nil
}

// Poll reports every transfer of the job. Transfers are Active until the
// job has been polled PollsToComplete times.
func (s *Service) Poll(ctx context.Context, handle string) (map[string]transfer.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[handle]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, handle)
	}
	j.polls++

	out := make(map[string]transfer.Outcome, len(j.transfers))
	if j.polls < s.cfg.PollsToComplete {
		for _, t := range j.transfers {
			out[t.FileID] = transfer.Outcome{Status: transfer.StatusActive}
		}
		return out, nil
	}

	if j.outcomes == nil {
		j.outcomes = make(map[string]transfer.Outcome, len(j.transfers))
		for _, t := range j.transfers {
			j.outcomes[t.FileID] = s.draw(t, j.staging)
		}
	}
	for id, o := range j.outcomes {
		out[id] = o
	}
	return out, nil
}

// draw decides the outcome of one transfer. Must hold s.mu.
func (s *Service) draw(t transfer.Transfer, staging bool) transfer.Outcome {
	if s.rng.Float64() < s.cfg.FailureRate {
		s.stats.Failed++
		return transfer.Outcome{
			Status: transfer.StatusFailed,
			Reason: fmt.Sprintf("simulated failure: %s -> %s", t.SourceURL, t.DestURL),
		}
	}

	s.stats.Finished++
	o := transfer.Outcome{Status: transfer.StatusFinished}
	if staging || t.Checksum == "" {
		return o
	}
	o.Checksum = t.Checksum
	if s.rng.Float64() < s.cfg.ChecksumMismatchRate {
		s.stats.Mismatch++
		o.Checksum = fmt.Sprintf("%08x", s.rng.Uint32())
	}
	return o
}

// Stats returns a snapshot of the counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
