package operation

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/gridrepl/gridrepl/internal/logging/audit"
	"github.com/gridrepl/gridrepl/internal/metrics"
	"github.com/gridrepl/gridrepl/internal/rms"
	"github.com/gridrepl/gridrepl/internal/storage"
	"github.com/gridrepl/gridrepl/internal/transfer"
)

// SourceSelector picks the SE a file is copied from and books the chosen
// route so later choices in the same cycle see the added load.
type SourceSelector interface {
	SelectSource(candidates []string, target string, size int64) (string, error)
	Reserve(source, target string, size int64) error
}

// Limiter throttles job submissions. *rate.Limiter satisfies it.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Env holds the collaborators an operation is advanced with.
type Env struct {
	Store   rms.Store
	Access  storage.AccessChecker
	URLs    storage.URLResolver
	Sources SourceSelector
	Service transfer.Service

	// Limiter is optional.
	Limiter Limiter

	// RegistrationProtocols are tried in order when resolving the PFNs of
	// new replicas. Empty lets the resolver choose.
	RegistrationProtocols []string

	Logger  zerolog.Logger
	Audit   *audit.Logger
	Metrics *metrics.SchedulerMetrics
}

// Params bound the work of one advance.
type Params struct {
	MaxFilesPerJob     int
	MaxAttemptsPerFile int
}

// DefaultParams returns the default batching limits.
func DefaultParams() Params {
	return Params{
		MaxFilesPerJob:     100,
		MaxAttemptsPerFile: 256,
	}
}
