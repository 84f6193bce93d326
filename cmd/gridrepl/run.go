package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gridrepl/gridrepl/internal/admin"
	"github.com/gridrepl/gridrepl/internal/channel"
	"github.com/gridrepl/gridrepl/internal/config"
	"github.com/gridrepl/gridrepl/internal/logging/audit"
	"github.com/gridrepl/gridrepl/internal/metrics"
	"github.com/gridrepl/gridrepl/internal/operation"
	"github.com/gridrepl/gridrepl/internal/optimizer"
	"github.com/gridrepl/gridrepl/internal/rms"
	"github.com/gridrepl/gridrepl/internal/scheduler"
	"github.com/gridrepl/gridrepl/internal/simfts"
	"github.com/gridrepl/gridrepl/internal/store"
	"github.com/gridrepl/gridrepl/internal/tracing"
)

var (
	runRequestsFile string
	runUntilIdle    bool
	runMaxCycles    int
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduling agent",
		Long: `Run the scheduling agent against the simulated transfer service.

Requests from --requests are optimized, stored and scheduled. Operations and
requests stored by an earlier run in the configured database are resumed.

With --until-idle the agent cycles back to back and stops once no operation
is active, then prints the final state of every request. Otherwise it runs
until interrupted.`,
		RunE: runRun,
	}
	cmd.Flags().StringVarP(&runRequestsFile, "requests", "r", "", "YAML file of new requests")
	cmd.Flags().BoolVar(&runUntilIdle, "until-idle", false, "stop once no operation is active")
	cmd.Flags().IntVar(&runMaxCycles, "max-cycles", 1000, "cycle limit with --until-idle")
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cfgFile)
	if err != nil {
		return err
	}

	var reqs []*rms.Request
	if runRequestsFile != "" {
		if reqs, err = loadRequests(runRequestsFile); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			log.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	opts := agentOptions{Requests: reqs, Report: cmd.OutOrStdout()}
	if runUntilIdle {
		opts.MaxCycles = runMaxCycles
	}
	return runAgent(ctx, cfg, opts)
}

// runFromService runs the agent from within the system service.
func runFromService(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	return runAgent(ctx, cfg, agentOptions{})
}

type agentOptions struct {
	// Requests are enqueued after the stored state is resumed.
	Requests []*rms.Request

	// MaxCycles > 0 cycles back to back until idle, failing after that many
	// cycles. Zero runs on the configured interval until ctx is done.
	MaxCycles int

	// Report receives the final request states. Nil prints nothing.
	Report io.Writer
}

// agent is the wired set of components behind one scheduler.
type agent struct {
	db       *store.OperationStore
	requests *store.RequestStore
	sim      *simfts.Service
	sched    *scheduler.Scheduler
	metrics  *metrics.SchedulerMetrics
	tracer   *tracing.Recorder
	interval time.Duration
}

func newAgent(cfg *config.Config) (*agent, error) {
	interval, err := cfg.CycleDuration()
	if err != nil {
		return nil, err
	}
	logger := log.Logger.With().Str("agent", cfg.Agent.Name).Logger()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	a := &agent{
		db:       db,
		requests: db.Requests(),
		interval: interval,
		sim: simfts.New(simfts.Config{
			FailureRate:          cfg.Simulation.FailureRate,
			ChecksumMismatchRate: cfg.Simulation.ChecksumMismatchRate,
			Seed:                 cfg.Simulation.Seed,
			PollsToComplete:      cfg.Simulation.PollsToComplete,
			Logger:               logger,
		}),
	}
	if cfg.Metrics.Enabled {
		a.metrics = metrics.InitMetrics(cfg.Agent.Name, Version)
	}
	if cfg.Tracing.Enabled {
		slow, err := cfg.SlowCycle()
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		a.tracer, err = tracing.Start(tracing.Config{
			BufferSize: cfg.Tracing.BufferSize.Bytes(),
			SlowCycle:  slow,
			DumpDir:    cfg.Tracing.DumpDir,
			Logger:     logger,
		})
		if err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	var channels channel.Provider
	if cfg.SnapshotFile != "" {
		channels = channel.FileProvider{Path: cfg.SnapshotFile}
	}
	registry := cfg.Registry()

	a.sched, err = scheduler.New(scheduler.Config{
		Requests:   a.requests,
		Storage:    registry,
		Service:    a.sim,
		Channels:   channels,
		Operations: db,
		Optimizer: optimizer.New(optimizer.Config{
			MaxFilesPerOperation: cfg.Agent.MaxFilesPerOperation,
			Failover:             registry,
			Logger:               logger,
		}),
		Params: operation.Params{
			MaxFilesPerJob:     cfg.Agent.MaxFilesPerJob,
			MaxAttemptsPerFile: cfg.Agent.MaxAttemptsPerFile,
		},
		Options: operation.Options{
			Activity: cfg.Agent.Activity,
			Priority: cfg.Agent.Priority,
		},
		AcceptableFailureRate: cfg.Agent.AcceptableFailureRate,
		RegistrationProtocols: cfg.Agent.RegistrationProtocols,
		Interval:              interval,
		MaxConcurrent:         cfg.Agent.MaxConcurrentOperations,
		SubmissionsPerSecond:  cfg.Agent.SubmissionsPerSecond,
		SubmissionBurst:       cfg.Agent.SubmissionBurst,
		Audit:                 audit.NewLogger(log.Logger),
		Metrics:               a.metrics,
		Tracer:                a.tracer,
		Logger:                logger,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *agent) Close() error {
	a.tracer.Stop()
	return a.db.Close()
}

func runAgent(ctx context.Context, cfg *config.Config, opts agentOptions) error {
	a, err := newAgent(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error().Err(err).Msg("closing store failed")
		}
	}()

	if err := a.sched.Load(); err != nil {
		return err
	}

	if a.metrics != nil {
		collector := metrics.NewCollector(a.metrics, metrics.CollectorConfig{
			Channels:   a.sched,
			Operations: a.sched,
		})
		go collector.Run(ctx, a.interval)

		srv := admin.NewAdminServer(a.sched, log.Logger)
		if a.tracer != nil {
			srv.EnableTrace(a.tracer)
		}
		if err := srv.Start(cfg.Metrics.Listen); err != nil {
			return err
		}
		defer func() { _ = srv.Stop() }()
	}

	if err := a.enqueue(ctx, opts.Requests); err != nil {
		return err
	}

	if opts.MaxCycles > 0 {
		err = a.runUntilIdle(ctx, opts.MaxCycles)
	} else {
		err = a.sched.Run(ctx)
	}

	if opts.Report != nil {
		if rerr := a.report(context.Background(), opts.Report); rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}

func (a *agent) enqueue(ctx context.Context, reqs []*rms.Request) error {
	for _, req := range reqs {
		op, err := a.sched.Enqueue(ctx, req)
		switch {
		case errors.Is(err, scheduler.ErrNotSchedulable):
			log.Warn().Str("request", req.Name).Int64("request_id", req.ID).
				Msg("request stored; its current operation is not handled by this agent")
		case err != nil:
			return fmt.Errorf("enqueue request %q: %w", req.Name, err)
		default:
			log.Info().Str("request", req.Name).Int64("request_id", req.ID).
				Str("operation_id", op.ID.String()).
				Msg("request scheduled")
		}
	}
	return nil
}

func (a *agent) runUntilIdle(ctx context.Context, maxCycles int) error {
	for i := 0; i < maxCycles; i++ {
		if err := a.sched.Cycle(ctx); err != nil {
			return err
		}
		if a.sched.Idle() {
			stats := a.sim.Stats()
			log.Info().
				Int("cycles", i+1).
				Int("jobs", stats.Jobs).
				Int("transfers", stats.Transfers).
				Int("failed", stats.Failed).
				Msg("agent idle")
			return nil
		}
	}
	return fmt.Errorf("%d operation(s) still active after %d cycles", a.sched.ActiveOperations(), maxCycles)
}

type requestReport struct {
	ID         int64             `yaml:"id"`
	Name       string            `yaml:"name"`
	Status     rms.Status        `yaml:"status"`
	Error      string            `yaml:"error,omitempty"`
	Operations []operationReport `yaml:"operations"`
}

type operationReport struct {
	Type   string     `yaml:"type"`
	Status rms.Status `yaml:"status"`
	Target string     `yaml:"target,omitempty"`
	Files  int        `yaml:"files"`
	Done   int        `yaml:"done"`
	Error  string     `yaml:"error,omitempty"`
}

// report writes the state of every stored request.
func (a *agent) report(ctx context.Context, w io.Writer) error {
	var out []requestReport
	for _, id := range a.requests.IDs() {
		req, err := a.requests.GetRequest(ctx, id)
		if err != nil {
			return err
		}
		rr := requestReport{ID: req.ID, Name: req.Name, Status: req.Status, Error: req.Error}
		for _, op := range req.Operations {
			entry := operationReport{
				Type:   op.Type,
				Status: op.Status,
				Target: rms.JoinSEList(op.TargetSE),
				Files:  len(op.Files),
				Error:  op.Error,
			}
			for _, f := range op.Files {
				if f.Status == rms.StatusDone {
					entry.Done++
				}
			}
			rr.Operations = append(rr.Operations, entry)
		}
		out = append(out, rr)
	}
	return writeYAML(w, map[string]any{"requests": out})
}
