// Package scheduler runs the agent loop: every cycle it refreshes the channel
// graph, advances every active operation with bounded concurrency, persists
// them and picks up the next operation of each request it follows.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/gridrepl/gridrepl/internal/channel"
	"github.com/gridrepl/gridrepl/internal/logging/audit"
	"github.com/gridrepl/gridrepl/internal/metrics"
	"github.com/gridrepl/gridrepl/internal/operation"
	"github.com/gridrepl/gridrepl/internal/optimizer"
	"github.com/gridrepl/gridrepl/internal/rms"
	"github.com/gridrepl/gridrepl/internal/storage"
	"github.com/gridrepl/gridrepl/internal/store"
	"github.com/gridrepl/gridrepl/internal/strategy"
	"github.com/gridrepl/gridrepl/internal/tracing"
	"github.com/gridrepl/gridrepl/internal/transfer"
)

// ErrNotSchedulable is returned by Enqueue when the current operation of the
// request is not one this agent executes.
var ErrNotSchedulable = errors.New("current operation is not schedulable")

// ErrUnknownOperation is returned by Cancel for operations the scheduler does
// not track.
var ErrUnknownOperation = errors.New("unknown operation")

// Registry is the storage view the scheduler needs.
type Registry interface {
	storage.AccessChecker
	storage.URLResolver
	storage.SiteResolver
}

// Config configures a Scheduler.
type Config struct {
	Requests rms.Store
	Storage  Registry
	Service  transfer.Service

	// Channels provides the graph snapshot at the start of each cycle. Nil
	// plans without routing information.
	Channels channel.Provider

	// Operations persists operations. Nil keeps them in memory only.
	Operations *store.OperationStore

	// Optimizer compacts new requests. Nil skips optimization.
	Optimizer *optimizer.Optimizer

	Params                operation.Params
	Options               operation.Options
	AcceptableFailureRate float64
	RegistrationProtocols []string

	Interval             time.Duration
	MaxConcurrent        int
	SubmissionsPerSecond float64
	SubmissionBurst      int

	Audit   *audit.Logger
	Metrics *metrics.SchedulerMetrics
	Tracer  *tracing.Recorder
	Logger  zerolog.Logger
}

// Scheduler owns the active operations of one agent.
type Scheduler struct {
	cfg     Config
	logger  zerolog.Logger
	limiter *rate.Limiter
	graph   *channel.Graph

	mu       sync.Mutex
	ops      map[uuid.UUID]*operation.Operation
	requests map[int64]bool
	cancels  map[uuid.UUID]string

	wake chan struct{}
}

// New creates a Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Requests == nil {
		return nil, errors.New("request store is required")
	}
	if cfg.Storage == nil {
		return nil, errors.New("storage registry is required")
	}
	if cfg.Service == nil {
		return nil, errors.New("transfer service is required")
	}
	if cfg.Params == (operation.Params{}) {
		cfg.Params = operation.DefaultParams()
	}
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	limit := rate.Inf
	if cfg.SubmissionsPerSecond > 0 {
		limit = rate.Limit(cfg.SubmissionsPerSecond)
	}
	if cfg.SubmissionBurst <= 0 {
		cfg.SubmissionBurst = 1
	}

	return &Scheduler{
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "scheduler").Logger(),
		limiter:  rate.NewLimiter(limit, cfg.SubmissionBurst),
		graph:    channel.NewGraph(),
		ops:      make(map[uuid.UUID]*operation.Operation),
		requests: make(map[int64]bool),
		cancels:  make(map[uuid.UUID]string),
		wake:     make(chan struct{}, 1),
	}, nil
}

// Load resumes the active operations found in the operation store.
func (s *Scheduler) Load() error {
	if s.cfg.Operations == nil {
		return nil
	}
	ops, err := s.cfg.Operations.ListActive()
	if err != nil {
		return fmt.Errorf("load active operations: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range ops {
		s.ops[op.ID] = op
		s.requests[op.RMSReqID] = true
	}
	// Requests stored between two operations have nothing active yet.
	if lister, ok := s.cfg.Requests.(requestLister); ok {
		for _, id := range lister.IDs() {
			s.requests[id] = true
		}
	}
	s.logger.Info().Int("operations", len(ops)).Int("requests", len(s.requests)).Msg("Resumed active operations")
	return nil
}

type requestLister interface {
	IDs() []int64
}

// Enqueue stores a new request, after optimizing it, and schedules its
// current operation. A request that is already stored is only scheduled.
func (s *Scheduler) Enqueue(ctx context.Context, req *rms.Request) (*operation.Operation, error) {
	if req.ID == 0 && s.cfg.Optimizer != nil {
		ops, changed, err := s.cfg.Optimizer.Optimize(req)
		if err != nil {
			return nil, err
		}
		if changed {
			req.Operations = ops
		}
	}

	if _, err := s.cfg.Requests.PutRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("put request: %w", err)
	}

	s.mu.Lock()
	s.requests[req.ID] = true
	s.mu.Unlock()

	op, err := s.schedule(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, ErrNotSchedulable
	}
	s.signal()
	return op, nil
}

// schedule turns the current operation of the request into an Operation if
// this agent handles it and nobody is working on it yet. It returns nil when
// there is nothing to schedule.
func (s *Scheduler) schedule(ctx context.Context, reqID int64) (*operation.Operation, error) {
	req, err := s.cfg.Requests.GetRequest(ctx, reqID)
	if err != nil {
		return nil, fmt.Errorf("get request %d: %w", reqID, err)
	}
	cur := req.CurrentOperation()
	if cur == nil || !handled(cur.Type) {
		return nil, nil
	}
	if cur.Status != rms.StatusWaiting && cur.Status != rms.StatusQueued {
		return nil, nil
	}

	cur.Status = rms.StatusScheduled
	for _, f := range cur.Files {
		if !f.Status.IsFinal() {
			f.Status = rms.StatusScheduled
		}
	}
	op, err := operation.FromRMS(req, cur, s.cfg.Options)
	if err != nil {
		return nil, fmt.Errorf("request %d: %w", reqID, err)
	}
	if _, err := s.cfg.Requests.PutRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("put request %d: %w", reqID, err)
	}
	if err := s.persist(op); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.ops[op.ID] = op
	s.mu.Unlock()

	s.logger.Info().
		Str("operation_id", op.ID.String()).
		Int64("request_id", reqID).
		Str("kind", op.Kind.String()).
		Int("files", len(op.Files)).
		Msg("Operation scheduled")
	return op, nil
}

func handled(opType string) bool {
	return opType == rms.OpReplicateAndRegister || opType == rms.OpStageFiles
}

// Cancel cancels an operation at the start of the next cycle. The canceled
// files are reported back to the request in that same cycle.
func (s *Scheduler) Cancel(id uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ops[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOperation, id)
	}
	s.cancels[id] = reason
	return nil
}

// Run executes a cycle on every tick, or earlier when new work arrives,
// until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info().Dur("interval", s.cfg.Interval).Msg("Starting scheduler")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := s.Cycle(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("Cycle failed")
		}
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Stopping scheduler")
			return nil
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Cycle runs one scheduling cycle.
func (s *Scheduler) Cycle(ctx context.Context) error {
	ctx, endTrace := s.cfg.Tracer.Cycle(ctx)
	defer endTrace()

	start := time.Now()
	defer func() {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.CycleDuration.Observe(time.Since(start).Seconds())
		}
	}()

	s.refreshGraph(ctx)
	s.applyCancels()

	engine := strategy.NewEngine(strategy.Config{
		Graph:                 s.graph,
		Sites:                 s.cfg.Storage,
		AcceptableFailureRate: s.cfg.AcceptableFailureRate,
		Logger:                s.cfg.Logger,
	})
	env := operation.Env{
		Store:                 s.cfg.Requests,
		Access:                s.cfg.Storage,
		URLs:                  s.cfg.Storage,
		Sources:               engine,
		Service:               s.cfg.Service,
		Limiter:               s.limiter,
		RegistrationProtocols: s.cfg.RegistrationProtocols,
		Logger:                s.cfg.Logger,
		Audit:                 s.cfg.Audit,
		Metrics:               s.cfg.Metrics,
	}

	ops := s.activeSnapshot()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrent)
	for _, op := range ops {
		g.Go(func() error {
			tracing.Region(gctx, "operation.advance", func() {
				s.advance(gctx, env, op)
			})
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.followRequests(ctx)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveOperations.Set(float64(s.ActiveOperations()))
	}
	return nil
}

func (s *Scheduler) refreshGraph(ctx context.Context) {
	if s.cfg.Channels == nil {
		return
	}
	snap, err := s.cfg.Channels.Snapshot(ctx)
	if err == nil {
		err = snap.Apply(s.graph)
	}
	if err != nil {
		// Keep planning on the previous graph.
		s.logger.Warn().Err(err).Msg("Channel snapshot refresh failed")
		return
	}
	s.logger.Debug().Int("channels", s.graph.Count()).Msg("Channel graph rebuilt")
}

func (s *Scheduler) applyCancels() {
	s.mu.Lock()
	cancels := s.cancels
	s.cancels = make(map[uuid.UUID]string)
	s.mu.Unlock()

	for id, reason := range cancels {
		op := s.get(id)
		if op == nil {
			continue
		}
		op.Cancel(reason)
		s.cfg.Audit.LogCancel(op.ID.String(), "operator", reason)
		if err := s.persist(op); err != nil {
			s.logger.Error().Err(err).Str("operation_id", op.ID.String()).Msg("Persisting canceled operation failed")
		}
	}
}

// activeSnapshot returns the tracked operations ordered by creation.
func (s *Scheduler) activeSnapshot() []*operation.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	ops := make([]*operation.Operation, 0, len(s.ops))
	for _, op := range s.ops {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool {
		if !ops[i].Created.Equal(ops[j].Created) {
			return ops[i].Created.Before(ops[j].Created)
		}
		return ops[i].ID.String() < ops[j].ID.String()
	})
	return ops
}

func (s *Scheduler) advance(ctx context.Context, env operation.Env, op *operation.Operation) {
	logger := s.logger.With().Str("operation_id", op.ID.String()).Logger()

	err := op.Advance(ctx, env, s.cfg.Params)
	switch {
	case err == nil:
	case operation.IsRetryable(err):
		logger.Warn().Err(err).Msg("Operation step failed, retrying next cycle")
	default:
		logger.Error().Err(err).Msg("Operation needs attention")
	}

	if err := s.persist(op); err != nil {
		logger.Error().Err(err).Msg("Persisting operation failed")
	}
	if op.Status.IsTerminal() {
		s.drop(op)
		logger.Info().
			Str("status", op.Status.String()).
			Str("error", op.Error).
			Msg("Operation done")
	}
}

// followRequests schedules the next operation of every followed request and
// forgets requests that reached a final status.
func (s *Scheduler) followRequests(ctx context.Context) {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.requests))
	for id := range s.requests {
		ids = append(ids, id)
	}
	busy := make(map[int64]bool, len(s.ops))
	for _, op := range s.ops {
		busy[op.RMSReqID] = true
	}
	s.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if busy[id] {
			continue
		}
		status, err := s.cfg.Requests.GetRequestStatus(ctx, id)
		if err != nil {
			s.logger.Warn().Err(err).Int64("request_id", id).Msg("Request status lookup failed")
			continue
		}
		if status.IsFinal() {
			s.mu.Lock()
			delete(s.requests, id)
			s.mu.Unlock()
			continue
		}
		if _, err := s.schedule(ctx, id); err != nil {
			s.logger.Error().Err(err).Int64("request_id", id).Msg("Scheduling next operation failed")
		}
	}
}

func (s *Scheduler) persist(op *operation.Operation) error {
	if s.cfg.Operations == nil {
		return nil
	}
	return s.cfg.Operations.Put(op)
}

func (s *Scheduler) get(id uuid.UUID) *operation.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ops[id]
}

func (s *Scheduler) drop(op *operation.Operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ops, op.ID)
}

// ActiveOperations returns the number of operations being worked on.
func (s *Scheduler) ActiveOperations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ops)
}

// Channels returns the channels of the current graph.
func (s *Scheduler) Channels() []channel.Channel {
	return s.graph.Channels()
}

// Idle reports whether no operation is active.
func (s *Scheduler) Idle() bool {
	return s.ActiveOperations() == 0
}
