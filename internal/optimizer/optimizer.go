// Package optimizer compacts the operations of a request before the request
// is first stored. It groups failover replicate/remove pairs and merges
// adjacent operations that do the same thing to disjoint files.
package optimizer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/gridrepl/gridrepl/internal/rms"
	"github.com/gridrepl/gridrepl/internal/storage"
)

// DefaultMaxFilesPerOperation caps merged operations when no cap is configured.
const DefaultMaxFilesPerOperation = 100

// AlreadyPersistedError is returned when the request was already stored.
// Stored operations may be running and must not be rearranged.
type AlreadyPersistedError struct {
	RequestID int64
}

func (e *AlreadyPersistedError) Error() string {
	return fmt.Sprintf("request %d is already persisted; only new requests can be optimized", e.RequestID)
}

// FailoverDetector tells failover storage elements apart.
type FailoverDetector interface {
	IsFailover(se string) bool
}

type failoverNames struct{}

func (failoverNames) IsFailover(se string) bool { return storage.IsFailoverName(se) }

// Config configures an Optimizer.
type Config struct {
	// MaxFilesPerOperation caps the number of files a merge may produce.
	// Zero means DefaultMaxFilesPerOperation.
	MaxFilesPerOperation int

	// Failover detects failover SEs. Nil uses the naming convention.
	Failover FailoverDetector

	Logger zerolog.Logger
}

// Optimizer rewrites the operation list of new requests.
type Optimizer struct {
	maxFiles int
	failover FailoverDetector
	logger   zerolog.Logger
}

// New creates an Optimizer.
func New(cfg Config) *Optimizer {
	if cfg.MaxFilesPerOperation <= 0 {
		cfg.MaxFilesPerOperation = DefaultMaxFilesPerOperation
	}
	if cfg.Failover == nil {
		cfg.Failover = failoverNames{}
	}
	return &Optimizer{
		maxFiles: cfg.MaxFilesPerOperation,
		failover: cfg.Failover,
		logger:   cfg.Logger.With().Str("component", "optimizer").Logger(),
	}
}

// Optimize returns the optimized operation list of req and whether it
// differs from the original. req itself is not modified; the caller decides
// whether to adopt the result.
//
// Failover SEs are removed from the source list of every transfer, except
// when a failover SE is the only source: a transfer needs at least one
// source, so that operation keeps it.
func (o *Optimizer) Optimize(req *rms.Request) ([]*rms.Operation, bool, error) {
	if req.ID != 0 {
		return nil, false, &AlreadyPersistedError{RequestID: req.ID}
	}

	ops := make([]*rms.Operation, len(req.Operations))
	for i, op := range req.Operations {
		ops[i] = op.Clone()
	}
	before := signature(ops)

	ops = o.foldFailover(ops)
	ops = o.mergeAdjacent(ops)

	changed := signature(ops) != before
	if changed {
		o.logger.Debug().
			Str("request", req.Name).
			Int("operations_before", len(req.Operations)).
			Int("operations_after", len(ops)).
			Msg("Optimized request")
	}
	return ops, changed, nil
}

// foldFailover collects each run of replicate/remove pairs over the same
// files and puts it back as two blocks: the replications sorted by target,
// then the removals sorted by target. Operations outside the runs keep their
// relative order.
func (o *Optimizer) foldFailover(ops []*rms.Operation) []*rms.Operation {
	out := make([]*rms.Operation, 0, len(ops))
	var replicas, removals []*rms.Operation

	flush := func() {
		if len(replicas) == 0 {
			return
		}
		sortByTarget(replicas)
		sortByTarget(removals)
		out = append(out, replicas...)
		out = append(out, removals...)
		replicas, removals = nil, nil
	}

	for i := 0; i < len(ops); i++ {
		if i+1 < len(ops) && isFailoverPair(ops[i], ops[i+1]) {
			o.stripFailoverSources(ops[i])
			replicas = append(replicas, ops[i])
			removals = append(removals, ops[i+1])
			i++
			continue
		}
		flush()
		out = append(out, ops[i])
	}
	flush()
	return out
}

func isFailoverPair(replicate, remove *rms.Operation) bool {
	if replicate.Type != rms.OpReplicateAndRegister || remove.Type != rms.OpRemoveReplica {
		return false
	}
	if len(replicate.Files) == 0 {
		return false
	}
	a, b := lfnSet(replicate), lfnSet(remove)
	if len(a) != len(b) {
		return false
	}
	for lfn := range a {
		if !b[lfn] {
			return false
		}
	}
	return true
}

// stripFailoverSources drops failover SEs from the sources of op as long as
// another source is left.
func (o *Optimizer) stripFailoverSources(op *rms.Operation) {
	var kept []string
	for _, se := range op.SourceSE {
		if !o.failover.IsFailover(se) {
			kept = append(kept, se)
		}
	}
	if len(kept) > 0 && len(kept) < len(op.SourceSE) {
		op.SourceSE = kept
	}
}

// mergeAdjacent moves files from each operation into the one before it when
// both do the same thing to disjoint files, up to the per-operation cap.
func (o *Optimizer) mergeAdjacent(ops []*rms.Operation) []*rms.Operation {
	for i := 0; i < len(ops)-1; {
		cur, next := ops[i], ops[i+1]
		if len(cur.Files) >= o.maxFiles || len(next.Files) == 0 || !sameIdentity(cur, next) || !disjoint(cur, next) {
			i++
			continue
		}

		n := min(o.maxFiles-len(cur.Files), len(next.Files))
		cur.Files = append(cur.Files, next.Files[:n]...)
		next.Files = next.Files[n:]

		if len(next.Files) == 0 {
			ops = append(ops[:i+1], ops[i+2:]...)
			continue
		}
		i++
	}
	return ops
}

func sameIdentity(a, b *rms.Operation) bool {
	return a.Type == b.Type &&
		a.Arguments == b.Arguments &&
		a.Catalog == b.Catalog &&
		rms.JoinSEList(a.SourceSE) == rms.JoinSEList(b.SourceSE) &&
		rms.JoinSEList(a.TargetSE) == rms.JoinSEList(b.TargetSE)
}

func disjoint(a, b *rms.Operation) bool {
	seen := lfnSet(a)
	for _, f := range b.Files {
		if seen[f.LFN] {
			return false
		}
	}
	return true
}

func lfnSet(op *rms.Operation) map[string]bool {
	set := make(map[string]bool, len(op.Files))
	for _, f := range op.Files {
		set[f.LFN] = true
	}
	return set
}

func sortByTarget(ops []*rms.Operation) {
	sort.SliceStable(ops, func(i, j int) bool {
		return rms.JoinSEList(ops[i].TargetSE) < rms.JoinSEList(ops[j].TargetSE)
	})
}

func signature(ops []*rms.Operation) string {
	var b strings.Builder
	for _, op := range ops {
		fmt.Fprintf(&b, "%s|%s|%s|%s;", op.Type, rms.JoinSEList(op.SourceSE), rms.JoinSEList(op.TargetSE), strings.Join(op.LFNs(), ","))
	}
	return b.String()
}
