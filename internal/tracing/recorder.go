// Package tracing keeps a runtime flight recorder running behind the
// scheduler so slow cycles can be inspected with `go tool trace`.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/trace"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultBufferSize is the default size of the trace ring buffer (10MB).
const DefaultBufferSize = 10 * 1024 * 1024

// DefaultMinAge is how much trace history the ring buffer keeps at least.
const DefaultMinAge = 30 * time.Second

// ErrNotEnabled is returned when tracing operations are attempted while tracing is disabled.
var ErrNotEnabled = errors.New("tracing not enabled")

// Config configures a Recorder.
type Config struct {
	// BufferSize is the ring buffer size in bytes. Zero means DefaultBufferSize.
	BufferSize int64

	// MinAge is the trace history to keep. Zero means DefaultMinAge.
	MinAge time.Duration

	// SlowCycle is the cycle duration above which the buffer is written to
	// DumpDir. Zero disables dumps.
	SlowCycle time.Duration
	DumpDir   string

	Logger zerolog.Logger
}

// Recorder wraps the runtime flight recorder. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	fr       *trace.FlightRecorder
	lastDump time.Time
}

// Start starts a flight recorder. Only one may run per process.
func Start(cfg Config) (*Recorder, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.MinAge <= 0 {
		cfg.MinAge = DefaultMinAge
	}
	if cfg.SlowCycle > 0 && cfg.DumpDir != "" {
		if err := os.MkdirAll(cfg.DumpDir, 0o755); err != nil {
			return nil, fmt.Errorf("create trace dump dir: %w", err)
		}
	}

	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   cfg.MinAge,
		MaxBytes: uint64(cfg.BufferSize),
	})
	if err := fr.Start(); err != nil {
		return nil, fmt.Errorf("start flight recorder: %w", err)
	}

	return &Recorder{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "tracing").Logger(),
		fr:     fr,
	}, nil
}

// Enabled returns true while the recorder runs.
func (r *Recorder) Enabled() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fr != nil
}

// Snapshot writes the current trace buffer to w.
func (r *Recorder) Snapshot(w io.Writer) error {
	if r == nil {
		return ErrNotEnabled
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fr == nil {
		return ErrNotEnabled
	}
	_, err := r.fr.WriteTo(w)
	return err
}

// Stop stops the recorder. It is safe to call Stop multiple times.
func (r *Recorder) Stop() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fr != nil {
		r.fr.Stop()
		r.fr = nil
	}
}

// Cycle marks one scheduling cycle as a trace task. The returned function
// ends the task and dumps the buffer if the cycle was slow.
func (r *Recorder) Cycle(ctx context.Context) (context.Context, func()) {
	if r == nil {
		return ctx, func() {}
	}
	ctx, task := trace.NewTask(ctx, "scheduler.cycle")
	start := time.Now()
	return ctx, func() {
		task.End()
		if elapsed := time.Since(start); r.cfg.SlowCycle > 0 && elapsed > r.cfg.SlowCycle {
			r.dumpSlowCycle(elapsed)
		}
	}
}

// Region runs fn inside a trace region of the given name.
func Region(ctx context.Context, name string, fn func()) {
	trace.WithRegion(ctx, name, fn)
}

func (r *Recorder) dumpSlowCycle(elapsed time.Duration) {
	if r.cfg.DumpDir == "" {
		r.logger.Warn().Dur("elapsed", elapsed).Msg("Slow scheduling cycle")
		return
	}

	r.mu.Lock()
	// One dump covers MinAge of history.
	if !r.lastDump.IsZero() && time.Since(r.lastDump) < r.cfg.MinAge {
		r.mu.Unlock()
		return
	}
	r.lastDump = time.Now()
	r.mu.Unlock()

	path := filepath.Join(r.cfg.DumpDir, fmt.Sprintf("cycle-%s.trace", time.Now().UTC().Format("20060102T150405.000")))
	f, err := os.Create(path)
	if err != nil {
		r.logger.Error().Err(err).Msg("Creating trace dump failed")
		return
	}
	defer f.Close()

	if err := r.Snapshot(f); err != nil {
		r.logger.Error().Err(err).Msg("Writing trace dump failed")
		return
	}
	r.logger.Warn().Dur("elapsed", elapsed).Str("trace", path).Msg("Slow scheduling cycle, trace written")
}
