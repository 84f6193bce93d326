package optimizer

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridrepl/gridrepl/internal/rms"
)

func replicate(targets []string, lfns ...string) *rms.Operation {
	return newOp(rms.OpReplicateAndRegister, []string{"CERN"}, targets, lfns...)
}

func newOp(typ string, sources, targets []string, lfns ...string) *rms.Operation {
	op := &rms.Operation{Type: typ, Status: rms.StatusQueued, SourceSE: sources, TargetSE: targets}
	for _, l := range lfns {
		op.Files = append(op.Files, &rms.File{LFN: l, Status: rms.StatusWaiting})
	}
	return op
}

func newOptimizer(maxFiles int) *Optimizer {
	return New(Config{MaxFilesPerOperation: maxFiles, Logger: zerolog.Nop()})
}

func TestOptimize_MergesAdjacent(t *testing.T) {
	req := &rms.Request{Operations: []*rms.Operation{
		replicate([]string{"X"}, "A", "B"),
		replicate([]string{"X"}, "C", "D"),
	}}

	ops, changed, err := newOptimizer(10).Optimize(req)
	require.NoError(t, err)
	assert.True(t, changed)
	require.Len(t, ops, 1)
	assert.Equal(t, []string{"A", "B", "C", "D"}, ops[0].LFNs())

	// The input is left untouched.
	require.Len(t, req.Operations, 2)
	assert.Equal(t, []string{"A", "B"}, req.Operations[0].LFNs())
}

func TestOptimize_RespectsCap(t *testing.T) {
	req := &rms.Request{Operations: []*rms.Operation{
		replicate([]string{"X"}, "A", "B"),
		replicate([]string{"X"}, "C", "D"),
	}}

	ops, changed, err := newOptimizer(3).Optimize(req)
	require.NoError(t, err)
	assert.True(t, changed)
	require.Len(t, ops, 2)
	assert.Equal(t, []string{"A", "B", "C"}, ops[0].LFNs())
	assert.Equal(t, []string{"D"}, ops[1].LFNs())
}

func TestOptimize_MergesForward(t *testing.T) {
	req := &rms.Request{Operations: []*rms.Operation{
		replicate([]string{"X"}, "A"),
		replicate([]string{"X"}, "B"),
		replicate([]string{"X"}, "C"),
		replicate([]string{"Y"}, "D"),
	}}

	ops, _, err := newOptimizer(10).Optimize(req)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, []string{"A", "B", "C"}, ops[0].LFNs())
	assert.Equal(t, []string{"Y"}, ops[1].TargetSE)
}

func TestOptimize_NoMerge(t *testing.T) {
	tests := []struct {
		name string
		a, b *rms.Operation
	}{
		{
			name: "overlapping files",
			a:    replicate([]string{"X"}, "A", "B"),
			b:    replicate([]string{"X"}, "B", "C"),
		},
		{
			name: "different target",
			a:    replicate([]string{"X"}, "A"),
			b:    replicate([]string{"Y"}, "B"),
		},
		{
			name: "different type",
			a:    replicate([]string{"X"}, "A"),
			b:    newOp(rms.OpStageFiles, nil, []string{"X"}, "B"),
		},
		{
			name: "different source",
			a:    replicate([]string{"X"}, "A"),
			b:    newOp(rms.OpReplicateAndRegister, []string{"PIC"}, []string{"X"}, "B"),
		},
		{
			name: "different catalog",
			a:    replicate([]string{"X"}, "A"),
			b: func() *rms.Operation {
				op := replicate([]string{"X"}, "B")
				op.Catalog = "LFC"
				return op
			}(),
		},
		{
			name: "empty follower",
			a:    replicate([]string{"X"}, "A"),
			b:    replicate([]string{"X"}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &rms.Request{Operations: []*rms.Operation{tt.a, tt.b}}
			ops, changed, err := newOptimizer(10).Optimize(req)
			require.NoError(t, err)
			assert.False(t, changed)
			assert.Len(t, ops, 2)
		})
	}
}

func TestOptimize_TargetOrderDoesNotMatter(t *testing.T) {
	req := &rms.Request{Operations: []*rms.Operation{
		replicate([]string{"X", "Y"}, "A"),
		replicate([]string{"Y", "X"}, "B"),
	}}

	ops, changed, err := newOptimizer(10).Optimize(req)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Len(t, ops, 1)
}

func TestOptimize_AlreadyPersisted(t *testing.T) {
	req := &rms.Request{ID: 42, Operations: []*rms.Operation{
		replicate([]string{"X"}, "A"),
		replicate([]string{"X"}, "B"),
	}}

	_, _, err := newOptimizer(10).Optimize(req)
	var persisted *AlreadyPersistedError
	require.True(t, errors.As(err, &persisted))
	assert.Equal(t, int64(42), persisted.RequestID)
}

func TestOptimize_FoldsFailoverPairs(t *testing.T) {
	failover := []string{"CERN-FAILOVER"}
	req := &rms.Request{Operations: []*rms.Operation{
		newOp(rms.OpStageFiles, nil, []string{"T"}, "Z"),
		newOp(rms.OpReplicateAndRegister, failover, []string{"RAL"}, "A"),
		newOp(rms.OpRemoveReplica, nil, failover, "A"),
		newOp(rms.OpReplicateAndRegister, failover, []string{"PIC"}, "B"),
		newOp(rms.OpRemoveReplica, nil, failover, "B"),
		newOp(rms.OpStageFiles, nil, []string{"T"}, "Y"),
	}}

	ops, changed, err := newOptimizer(10).Optimize(req)
	require.NoError(t, err)
	assert.True(t, changed)

	var got []string
	for _, op := range ops {
		got = append(got, fmt.Sprintf("%s>%s%v", op.Type, rms.JoinSEList(op.TargetSE), op.LFNs()))
	}
	assert.Equal(t, []string{
		"StageFiles>T[Z]",
		"ReplicateAndRegister>PIC[B]",
		"ReplicateAndRegister>RAL[A]",
		"RemoveReplica>CERN-FAILOVER[A B]",
		"StageFiles>T[Y]",
	}, got)
}

func TestOptimize_FoldedRemovalsMerge(t *testing.T) {
	failover := []string{"CERN-FAILOVER"}
	req := &rms.Request{Operations: []*rms.Operation{
		newOp(rms.OpReplicateAndRegister, failover, []string{"RAL"}, "A"),
		newOp(rms.OpRemoveReplica, nil, failover, "A"),
		newOp(rms.OpReplicateAndRegister, failover, []string{"RAL"}, "B"),
		newOp(rms.OpRemoveReplica, nil, failover, "B"),
	}}

	ops, changed, err := newOptimizer(10).Optimize(req)
	require.NoError(t, err)
	assert.True(t, changed)
	require.Len(t, ops, 2)
	assert.Equal(t, rms.OpReplicateAndRegister, ops[0].Type)
	assert.Equal(t, []string{"A", "B"}, ops[0].LFNs())
	assert.Equal(t, rms.OpRemoveReplica, ops[1].Type)
	assert.Equal(t, []string{"A", "B"}, ops[1].LFNs())
}

func TestOptimize_StripsFailoverSource(t *testing.T) {
	req := &rms.Request{Operations: []*rms.Operation{
		newOp(rms.OpReplicateAndRegister, []string{"CERN-FAILOVER", "CERN-DST"}, []string{"RAL"}, "A"),
		newOp(rms.OpRemoveReplica, nil, []string{"CERN-FAILOVER"}, "A"),
	}}

	ops, changed, err := newOptimizer(10).Optimize(req)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []string{"CERN-DST"}, ops[0].SourceSE)

	// A failover-only source is kept: it is the only copy.
	req.Operations[0].SourceSE = []string{"CERN-FAILOVER"}
	ops, changed, err = newOptimizer(10).Optimize(req)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, []string{"CERN-FAILOVER"}, ops[0].SourceSE)
}

func TestOptimize_NotAFailoverPair(t *testing.T) {
	req := &rms.Request{Operations: []*rms.Operation{
		newOp(rms.OpReplicateAndRegister, []string{"CERN"}, []string{"RAL"}, "A", "B"),
		newOp(rms.OpRemoveReplica, nil, []string{"CERN"}, "A"),
		newOp(rms.OpReplicateAndRegister, []string{"CERN"}, []string{"PIC"}, "C"),
	}}

	ops, changed, err := newOptimizer(10).Optimize(req)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, []string{"RAL"}, ops[0].TargetSE)
	assert.Equal(t, []string{"PIC"}, ops[2].TargetSE)
}

func TestOptimize_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	types := []string{rms.OpReplicateAndRegister, rms.OpRemoveReplica, rms.OpStageFiles}
	targets := []string{"PIC", "RAL", "CERN-FAILOVER"}
	lfns := []string{"A", "B", "C", "D", "E", "F", "G", "H"}

	for round := 0; round < 300; round++ {
		maxFiles := 1 + rng.Intn(5)
		req := &rms.Request{}
		for n := rng.Intn(8); n >= 0; n-- {
			op := newOp(types[rng.Intn(len(types))], []string{"CERN"}, []string{targets[rng.Intn(len(targets))]})
			for _, l := range rng.Perm(len(lfns))[:1+rng.Intn(maxFiles)] {
				op.Files = append(op.Files, &rms.File{LFN: lfns[l]})
			}
			req.Operations = append(req.Operations, op)
		}

		ops, _, err := newOptimizer(maxFiles).Optimize(req)
		require.NoError(t, err)

		// Every LFN survives, as often as it appeared.
		assert.Equal(t, allLFNs(req.Operations), allLFNs(ops), "round %d", round)

		for _, op := range ops {
			// Input operations were built under the cap, so the output stays under it.
			assert.LessOrEqual(t, len(op.Files), maxFiles, "round %d", round)

			// Merging never produces duplicates inside one operation.
			assert.Len(t, lfnSet(op), len(op.Files), "round %d", round)
		}
	}
}

func allLFNs(ops []*rms.Operation) []string {
	var out []string
	for _, op := range ops {
		out = append(out, op.LFNs()...)
	}
	sort.Strings(out)
	return out
}
