package operation

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gridrepl/gridrepl/internal/rms"
	"github.com/gridrepl/gridrepl/internal/storage"
	"github.com/gridrepl/gridrepl/internal/strategy"
	"github.com/gridrepl/gridrepl/internal/transfer"
)

// spyStore counts writes and can pretend the request moved on.
type spyStore struct {
	*rms.MemoryStore
	puts   int
	status rms.Status
	putErr error
}

func newSpyStore() *spyStore {
	return &spyStore{MemoryStore: rms.NewMemoryStore()}
}

func (s *spyStore) GetRequestStatus(ctx context.Context, id int64) (rms.Status, error) {
	if s.status != "" {
		return s.status, nil
	}
	return s.MemoryStore.GetRequestStatus(ctx, id)
}

func (s *spyStore) PutRequest(ctx context.Context, req *rms.Request) (int64, error) {
	s.puts++
	if s.putErr != nil {
		return 0, s.putErr
	}
	return s.MemoryStore.PutRequest(ctx, req)
}

// fakeService accepts every job and reports outcome(t) for every transfer.
type fakeService struct {
	jobs      map[string][]transfer.Transfer
	submitErr error
	outcome   func(t transfer.Transfer) transfer.Outcome
}

func newFakeService(status transfer.FileStatus) *fakeService {
	return &fakeService{
		jobs: make(map[string][]transfer.Transfer),
		outcome: func(transfer.Transfer) transfer.Outcome {
			return transfer.Outcome{Status: status}
		},
	}
}

func (s *fakeService) Submit(_ context.Context, sub transfer.Submission) (string, error) {
	if s.submitErr != nil {
		return "", s.submitErr
	}
	handle := fmt.Sprintf("job-%d", len(s.jobs)+1)
	s.jobs[handle] = sub.Transfers
	return handle, nil
}

func (s *fakeService) Poll(_ context.Context, handle string) (map[string]transfer.Outcome, error) {
	out := make(map[string]transfer.Outcome)
	for _, t := range s.jobs[handle] {
		out[t.FileID] = s.outcome(t)
	}
	return out, nil
}

func testRegistry() *storage.Registry {
	return storage.NewRegistry(
		storage.Element{Name: "CERN", BaseURL: "root://eos.cern.ch/grid", Read: true, Write: true},
		storage.Element{Name: "CNAF", BaseURL: "root://cnaf.infn.it/grid", Read: true},
		storage.Element{Name: "PIC", BaseURL: "srm://srm.pic.es/pnfs", Read: true, Write: true},
		storage.Element{Name: "RAL", BaseURL: "srm://srm.ral.ac.uk/castor", Read: true, Write: true},
	)
}

func testEnv(store rms.Store, svc transfer.Service) Env {
	reg := testRegistry()
	return Env{
		Store:   store,
		Access:  reg,
		URLs:    reg,
		Sources: strategy.NewEngine(strategy.Config{Logger: zerolog.Nop()}),
		Service: svc,
		Logger:  zerolog.Nop(),
	}
}

// scheduledRequest stores a request whose single ReplicateAndRegister
// operation is Scheduled, and returns it with the spy counters reset.
func scheduledRequest(t *testing.T, store *spyStore, targets []string, lfns ...string) *rms.Request {
	t.Helper()
	op := &rms.Operation{
		Type:     rms.OpReplicateAndRegister,
		Status:   rms.StatusScheduled,
		SourceSE: []string{"CERN"},
		TargetSE: targets,
		Catalog:  "FileCatalog",
	}
	for _, l := range lfns {
		op.Files = append(op.Files, &rms.File{LFN: l, Size: 100, Checksum: "1a2b", Status: rms.StatusScheduled})
	}
	req := &rms.Request{Name: "replicate", Owner: "alice", OwnerGroup: "lhcb_user", Operations: []*rms.Operation{op}}
	_, err := store.PutRequest(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, rms.StatusScheduled, req.Status)
	store.puts = 0
	return req
}

func newOperation(t *testing.T, req *rms.Request) *Operation {
	t.Helper()
	op, err := FromRMS(req, req.Operations[0], Options{Activity: "Data Consolidation", Priority: 3})
	require.NoError(t, err)
	return op
}

func finishAll(op *Operation, status transfer.FileStatus) {
	for _, f := range op.Files {
		f.Status = status
		f.Job = uuid.Nil
	}
}
