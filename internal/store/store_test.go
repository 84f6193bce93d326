package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridrepl/gridrepl/internal/operation"
	"github.com/gridrepl/gridrepl/internal/rms"
	"github.com/gridrepl/gridrepl/internal/transfer"
	"github.com/gridrepl/gridrepl/testutil"
)

func newTestOperation(t *testing.T, lfns ...string) *operation.Operation {
	t.Helper()
	rmsOp := &rms.Operation{
		ID:       7,
		Type:     rms.OpReplicateAndRegister,
		Status:   rms.StatusScheduled,
		SourceSE: []string{"CERN"},
		TargetSE: []string{"PIC"},
	}
	for i, l := range lfns {
		rmsOp.Files = append(rmsOp.Files, &rms.File{ID: int64(i + 1), LFN: l, Size: 10, Status: rms.StatusScheduled})
	}
	req := &rms.Request{ID: 3, Operations: []*rms.Operation{rmsOp}}
	op, err := operation.FromRMS(req, rmsOp, operation.Options{Activity: "Data Consolidation"})
	require.NoError(t, err)
	return op
}

func TestOperationStore_PutGet(t *testing.T) {
	s, err := Open("")
	require.NoError(t, err)
	defer s.Close()

	op := newTestOperation(t, "/lhcb/a", "/lhcb/b")
	job, err := transfer.NewJob(transfer.JobSpec{Type: transfer.JobTransfer, SourceSE: "CERN", TargetSE: "PIC", OperationID: op.ID}, op.Files)
	require.NoError(t, err)
	op.Jobs = append(op.Jobs, job)

	require.NoError(t, s.Put(op))

	got, err := s.Get(op.ID)
	require.NoError(t, err)
	assert.Equal(t, op.ID, got.ID)
	assert.Equal(t, operation.KindTransfer, got.Kind)
	assert.Equal(t, int64(3), got.RMSReqID)
	assert.Equal(t, int64(7), got.RMSOpID)
	assert.Equal(t, "Data Consolidation", got.Activity)
	require.Len(t, got.Files, 2)
	assert.Equal(t, transfer.StatusNew, got.Files[0].Status)

	// Jobs point at the loaded files again.
	require.Len(t, got.Jobs, 1)
	require.Len(t, got.Jobs[0].Files, 2)
	assert.Same(t, got.Files[0], got.Jobs[0].Files[0])
	assert.Equal(t, got.Jobs[0].ID, got.Files[1].Job)
}

func TestOperationStore_NotFound(t *testing.T) {
	s, err := Open("")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Get(uuid.New())
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(s.Delete(uuid.New()), ErrNotFound))
}

func TestOperationStore_ListActive(t *testing.T) {
	s, err := Open("")
	require.NoError(t, err)
	defer s.Close()

	active := newTestOperation(t, "/lhcb/a")
	processed := newTestOperation(t, "/lhcb/b")
	processed.Status = operation.StatusProcessed
	finished := newTestOperation(t, "/lhcb/c")
	finished.Status = operation.StatusFinished
	for _, op := range []*operation.Operation{active, processed, finished} {
		require.NoError(t, s.Put(op))
	}

	ops, err := s.ListActive()
	require.NoError(t, err)
	ids := map[uuid.UUID]bool{}
	for _, op := range ops {
		ids[op.ID] = true
	}
	assert.Len(t, ids, 2)
	assert.True(t, ids[active.ID])
	assert.True(t, ids[processed.ID])

	// Status changes move the record between index entries.
	active.Status = operation.StatusFinished
	require.NoError(t, s.Put(active))
	ops, err = s.ListActive()
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, processed.ID, ops[0].ID)

	all, err := s.List()
	require.NoError(t, err)
	assert.Len(t, all, 3)

	counts, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, counts[operation.StatusFinished])
	assert.Equal(t, 1, counts[operation.StatusProcessed])
}

func TestOperationStore_Delete(t *testing.T) {
	s, err := Open("")
	require.NoError(t, err)
	defer s.Close()

	op := newTestOperation(t, "/lhcb/a")
	require.NoError(t, s.Put(op))
	require.NoError(t, s.Delete(op.ID))

	_, err = s.Get(op.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOperationStore_Reopen(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	path := filepath.Join(dir, "operations.db")

	s, err := Open(path)
	require.NoError(t, err)
	op := newTestOperation(t, "/lhcb/a")
	op.Files[0].Attempt = 2
	op.Files[0].Status = transfer.StatusFailed
	op.Files[0].Error = "connection timed out"
	require.NoError(t, s.Put(op))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	ops, err := s.ListActive()
	require.NoError(t, err)
	require.Len(t, ops, 1)
	f := ops[0].Files[0]
	assert.Equal(t, 2, f.Attempt)
	assert.Equal(t, transfer.StatusFailed, f.Status)
	assert.Equal(t, "connection timed out", f.Error)

	// A reloaded operation keeps working.
	assert.False(t, ops[0].IsTotallyProcessed())
	assert.Len(t, ops[0].FilesToSubmit(3), 1)
}

func TestRequestStore_PutGet(t *testing.T) {
	s, err := Open("")
	require.NoError(t, err)
	defer s.Close()
	reqs := s.Requests()
	ctx := context.Background()

	req := &rms.Request{Operations: []*rms.Operation{{
		Type:     rms.OpReplicateAndRegister,
		Status:   rms.StatusQueued,
		TargetSE: []string{"PIC"},
		Files:    []*rms.File{{LFN: "/lhcb/a", Status: rms.StatusWaiting}},
	}}}
	id, err := reqs.PutRequest(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	assert.Equal(t, int64(2), req.Operations[0].ID)
	assert.Equal(t, int64(3), req.Operations[0].Files[0].ID)
	assert.Equal(t, rms.StatusWaiting, req.Operations[0].Status)

	got, err := reqs.GetRequest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "/lhcb/a", got.Operations[0].Files[0].LFN)
	assert.NotSame(t, req, got)

	status, err := reqs.GetRequestStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, req.Status, status)

	second := &rms.Request{}
	id2, err := reqs.PutRequest(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, int64(4), id2)
	assert.Equal(t, []int64{1, 4}, reqs.IDs())
}

func TestRequestStore_NotFound(t *testing.T) {
	s, err := Open("")
	require.NoError(t, err)
	defer s.Close()
	reqs := s.Requests()
	ctx := context.Background()

	_, err = reqs.GetRequest(ctx, 42)
	assert.ErrorIs(t, err, rms.ErrRequestNotFound)

	_, err = reqs.PutRequest(ctx, &rms.Request{ID: 42})
	assert.ErrorIs(t, err, rms.ErrRequestNotFound)
}

func TestRequestStore_SurvivesReopen(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	path := filepath.Join(dir, "gridrepl.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	id, err := s.Requests().PutRequest(ctx, &rms.Request{})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Requests().GetRequest(ctx, id)
	require.NoError(t, err)

	// IDs keep counting after a restart.
	next, err := s.Requests().PutRequest(ctx, &rms.Request{})
	require.NoError(t, err)
	assert.Greater(t, next, id)
}
