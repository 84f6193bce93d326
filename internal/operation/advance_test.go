package operation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridrepl/gridrepl/internal/transfer"
)

type failingLimiter struct{ err error }

func (l failingLimiter) Wait(context.Context) error { return l.err }

func TestAdvance_EndToEnd(t *testing.T) {
	store := newSpyStore()
	req := scheduledRequest(t, store, []string{"PIC", "RAL"}, "/lhcb/a", "/lhcb/b", "/lhcb/c")
	op := newOperation(t, req)
	svc := newFakeService(transfer.StatusFinished)
	env := testEnv(store, svc)
	ctx := context.Background()
	p := Params{MaxFilesPerJob: 2, MaxAttemptsPerFile: 3}

	// First advance submits, second collects outcomes and calls back.
	require.NoError(t, op.Advance(ctx, env, p))
	assert.Equal(t, StatusActive, op.Status)
	assert.Len(t, svc.jobs, 4)
	for _, f := range op.Files {
		assert.Equal(t, transfer.StatusSubmitted, f.Status)
	}

	require.NoError(t, op.Advance(ctx, env, p))
	assert.Equal(t, StatusFinished, op.Status)
	assert.Equal(t, 1, store.puts)

	// Finished operations are left alone.
	require.NoError(t, op.Advance(ctx, env, p))
	assert.Equal(t, 1, store.puts)
	assert.Len(t, svc.jobs, 4)
}

func TestAdvance_RetriesUntilDefunct(t *testing.T) {
	store := newSpyStore()
	req := scheduledRequest(t, store, []string{"PIC"}, "/lhcb/a")
	op := newOperation(t, req)
	svc := newFakeService(transfer.StatusFailed)
	env := testEnv(store, svc)
	ctx := context.Background()
	p := Params{MaxFilesPerJob: 10, MaxAttemptsPerFile: 2}

	for i := 0; i < 5 && op.Status == StatusActive; i++ {
		require.NoError(t, op.Advance(ctx, env, p))
	}

	f := op.Files[0]
	assert.Equal(t, transfer.StatusDefunct, f.Status)
	assert.Equal(t, 2, f.Attempt)
	assert.Len(t, svc.jobs, 2)
	assert.Equal(t, StatusFinished, op.Status)
	assert.Contains(t, op.Error, "1 defunct")
}

func TestAdvance_UnexpectedOutcomeIsRetried(t *testing.T) {
	store := newSpyStore()
	req := scheduledRequest(t, store, []string{"PIC"}, "/lhcb/a")
	op := newOperation(t, req)
	svc := newFakeService(transfer.StatusDefunct)
	env := testEnv(store, svc)
	ctx := context.Background()
	p := Params{MaxFilesPerJob: 10, MaxAttemptsPerFile: 3}

	for i := 0; i < 6 && op.Status == StatusActive; i++ {
		require.NoError(t, op.Advance(ctx, env, p))
	}

	f := op.Files[0]
	assert.Equal(t, transfer.StatusDefunct, f.Status)
	assert.Equal(t, 3, f.Attempt)
	assert.False(t, f.Attached())
	assert.Contains(t, f.Error, "transfer service reported Defunct")
	assert.Len(t, svc.jobs, 3)
	assert.Empty(t, op.PendingJobs())
	assert.Equal(t, StatusFinished, op.Status)
}

func TestAdvance_SubmitFailureKeepsBudget(t *testing.T) {
	store := newSpyStore()
	req := scheduledRequest(t, store, []string{"PIC"}, "/lhcb/a")
	op := newOperation(t, req)
	svc := newFakeService(transfer.StatusFinished)
	svc.submitErr = errors.New("service unavailable")
	env := testEnv(store, svc)
	p := Params{MaxFilesPerJob: 10, MaxAttemptsPerFile: 2}

	for i := 0; i < 3; i++ {
		require.NoError(t, op.Advance(context.Background(), env, p))
	}
	assert.Equal(t, 0, op.Files[0].Attempt)
	assert.Equal(t, transfer.StatusNew, op.Files[0].Status)
	assert.Len(t, op.Jobs, 3, "a new job per round, none resubmitted")

	svc.submitErr = nil
	require.NoError(t, op.Advance(context.Background(), env, p))
	assert.Equal(t, transfer.StatusSubmitted, op.Files[0].Status)
	assert.Equal(t, 1, op.Files[0].Attempt)
}

func TestAdvance_LimiterReleasesFiles(t *testing.T) {
	store := newSpyStore()
	req := scheduledRequest(t, store, []string{"PIC", "RAL"}, "/lhcb/a")
	op := newOperation(t, req)
	svc := newFakeService(transfer.StatusFinished)
	env := testEnv(store, svc)
	env.Limiter = failingLimiter{err: context.DeadlineExceeded}
	p := Params{MaxFilesPerJob: 10, MaxAttemptsPerFile: 2}

	err := op.Advance(context.Background(), env, p)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, svc.jobs)
	assert.Empty(t, op.Jobs)
	for _, f := range op.Files {
		assert.False(t, f.Attached())
		assert.Equal(t, transfer.StatusNew, f.Status)
	}

	env.Limiter = nil
	require.NoError(t, op.Advance(context.Background(), env, p))
	assert.Len(t, svc.jobs, 2)
}

func TestAdvance_PollErrorIsTolerated(t *testing.T) {
	store := newSpyStore()
	req := scheduledRequest(t, store, []string{"PIC"}, "/lhcb/a")
	op := newOperation(t, req)
	svc := &pollFailingService{fakeService: newFakeService(transfer.StatusFinished)}
	env := testEnv(store, svc)
	p := DefaultParams()

	require.NoError(t, op.Advance(context.Background(), env, p))
	svc.pollErr = errors.New("connection reset")
	require.NoError(t, op.Advance(context.Background(), env, p))
	assert.Equal(t, transfer.StatusSubmitted, op.Files[0].Status)

	svc.pollErr = nil
	require.NoError(t, op.Advance(context.Background(), env, p))
	assert.Equal(t, StatusFinished, op.Status)
}

type pollFailingService struct {
	*fakeService
	pollErr error
}

func (s *pollFailingService) Poll(ctx context.Context, handle string) (map[string]transfer.Outcome, error) {
	if s.pollErr != nil {
		return nil, s.pollErr
	}
	return s.fakeService.Poll(ctx, handle)
}
