// Package transfer models files and the batches (jobs) they are submitted
// to an external transfer service in.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gridrepl/gridrepl/internal/storage"
)

// JobType is the kind of work a job asks of the transfer service.
type JobType int

const (
	JobTransfer JobType = iota
	JobStaging
	JobRemoval
)

// String returns the string representation of the job type.
func (t JobType) String() string {
	switch t {
	case JobTransfer:
		return "Transfer"
	case JobStaging:
		return "Staging"
	case JobRemoval:
		return "Removal"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t JobType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *JobType) UnmarshalText(b []byte) error {
	for _, v := range []JobType{JobTransfer, JobStaging, JobRemoval} {
		if v.String() == string(b) {
			*t = v
			return nil
		}
	}
	return fmt.Errorf("unknown job type %q", b)
}

// JobStatus is the lifecycle state of a Job.
type JobStatus int

const (
	JobNew JobStatus = iota
	JobSubmitted
	JobActive
	JobFinished
	// JobFinishedDirty means some files finished and some did not.
	JobFinishedDirty
	JobFailed
	JobCanceled
)

var jobStatusNames = []string{
	JobNew:           "New",
	JobSubmitted:     "Submitted",
	JobActive:        "Active",
	JobFinished:      "Finished",
	JobFinishedDirty: "FinishedDirty",
	JobFailed:        "Failed",
	JobCanceled:      "Canceled",
}

// String returns the string representation of the job status.
func (s JobStatus) String() string {
	if s >= 0 && int(s) < len(jobStatusNames) {
		return jobStatusNames[s]
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s JobStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *JobStatus) UnmarshalText(b []byte) error {
	for i, name := range jobStatusNames {
		if name == string(b) {
			*s = JobStatus(i)
			return nil
		}
	}
	return fmt.Errorf("unknown job status %q", b)
}

// IsTerminal returns true once the job will not be polled again.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobFinished, JobFinishedDirty, JobFailed, JobCanceled:
		return true
	default:
		return false
	}
}

// Job is one batch of files sharing a type and a target, submitted to the
// transfer service exactly once.
type Job struct {
	ID          uuid.UUID `json:"id"`
	Handle      string    `json:"handle,omitempty"`
	Type        JobType   `json:"type"`
	SourceSE    string    `json:"source_se,omitempty"`
	TargetSE    string    `json:"target_se"`
	Activity    string    `json:"activity,omitempty"`
	Priority    int       `json:"priority"`
	Username    string    `json:"username,omitempty"`
	UserGroup   string    `json:"user_group,omitempty"`
	OperationID uuid.UUID `json:"operation_id"`
	Status      JobStatus `json:"status"`
	Error       string    `json:"error,omitempty"`
	SubmitTime  time.Time `json:"submit_time"`
	LastUpdate  time.Time `json:"last_update"`

	// Attempted is set by the first Submit call, successful or not.
	Attempted bool `json:"attempted"`

	// FileIDs lists Files in submission order. It is what gets persisted;
	// Files is relinked on load.
	FileIDs  []uuid.UUID     `json:"file_ids"`
	Reported map[string]bool `json:"reported,omitempty"`

	Files []*File `json:"-"`
}

// JobSpec holds the job-wide attributes of a new job.
type JobSpec struct {
	Type        JobType
	SourceSE    string
	TargetSE    string
	Activity    string
	Priority    int
	Username    string
	UserGroup   string
	OperationID uuid.UUID
}

// NewJob creates a job over files and attaches them to it. files must be
// non-empty, unattached and share spec.TargetSE.
func NewJob(spec JobSpec, files []*File) (*Job, error) {
	if len(files) == 0 {
		return nil, errors.New("job needs at least one file")
	}
	for _, f := range files {
		if f.TargetSE != spec.TargetSE {
			return nil, fmt.Errorf("file %s targets %s, job targets %s", f.LFN, f.TargetSE, spec.TargetSE)
		}
		if f.Attached() {
			return nil, fmt.Errorf("file %s already belongs to job %s", f.LFN, f.Job)
		}
	}

	j := &Job{
		ID:          uuid.New(),
		Type:        spec.Type,
		SourceSE:    spec.SourceSE,
		TargetSE:    spec.TargetSE,
		Activity:    spec.Activity,
		Priority:    spec.Priority,
		Username:    spec.Username,
		UserGroup:   spec.UserGroup,
		OperationID: spec.OperationID,
		Status:      JobNew,
		LastUpdate:  time.Now(),
		Reported:    make(map[string]bool),
		Files:       files,
	}
	for _, f := range files {
		f.Job = j.ID
		if j.Type == JobTransfer {
			f.SourceSE = spec.SourceSE
		}
		j.FileIDs = append(j.FileIDs, f.ID)
	}
	return j, nil
}

// Relink restores Files from FileIDs after the job was loaded from storage.
func (j *Job) Relink(byID map[uuid.UUID]*File) error {
	j.Files = j.Files[:0]
	for _, id := range j.FileIDs {
		f, ok := byID[id]
		if !ok {
			return fmt.Errorf("job %s: file %s not found", j.ID, id)
		}
		j.Files = append(j.Files, f)
	}
	if j.Reported == nil {
		j.Reported = make(map[string]bool)
	}
	return nil
}

// owns reports whether f is still held by this job.
func (j *Job) owns(f *File) bool {
	return f.Job == j.ID && !j.Reported[f.ID.String()]
}

// release drops f from the job without an outcome.
func (j *Job) release(f *File) {
	f.Job = uuid.Nil
	j.Reported[f.ID.String()] = true
}

// Submit resolves the URLs of every file and hands the job to svc. It calls
// svc at most once per job. Files whose URLs cannot be resolved consume an
// attempt and are dropped from the job. If svc fails, the remaining files are
// released without consuming an attempt.
func (j *Job) Submit(ctx context.Context, svc Service, urls storage.URLResolver) (string, error) {
	if j.Attempted {
		return "", ErrAlreadySubmitted
	}
	j.Attempted = true
	j.LastUpdate = time.Now()

	sub := Submission{
		Type:      j.Type,
		Activity:  j.Activity,
		Priority:  j.Priority,
		Username:  j.Username,
		UserGroup: j.UserGroup,
	}
	var queued []*File
	for _, f := range j.Files {
		if !j.owns(f) {
			continue
		}
		t, err := j.resolve(ctx, urls, f)
		if err != nil {
			f.ConsumeAttempt(err.Error())
			j.release(f)
			continue
		}
		sub.Transfers = append(sub.Transfers, t)
		queued = append(queued, f)
	}

	if len(queued) == 0 {
		j.Status = JobFailed
		j.Error = ErrNothingToSubmit.Error()
		return "", ErrNothingToSubmit
	}

	handle, err := svc.Submit(ctx, sub)
	if err != nil {
		for _, f := range queued {
			j.release(f)
		}
		j.Status = JobFailed
		j.Error = err.Error()
		return "", fmt.Errorf("submit job %s: %w", j.ID, err)
	}

	j.Handle = handle
	j.Status = JobSubmitted
	j.SubmitTime = time.Now()
	for _, f := range queued {
		f.Attempt++
		f.Error = ""
		if err := f.Transition(StatusSubmitted); err != nil {
			return handle, err
		}
	}
	return handle, nil
}

func (j *Job) resolve(ctx context.Context, urls storage.URLResolver, f *File) (Transfer, error) {
	t := Transfer{
		FileID:   f.ID.String(),
		LFN:      f.LFN,
		Checksum: f.Checksum,
		Size:     f.Size,
	}

	dest, err := urls.TransferURL(ctx, f.TargetSE, f.LFN, "")
	if err != nil {
		return t, fmt.Errorf("resolve destination URL: %w", err)
	}
	t.DestURL = dest

	switch j.Type {
	case JobTransfer:
		src, err := urls.TransferURL(ctx, f.SourceSE, f.LFN, "")
		if err != nil {
			return t, fmt.Errorf("resolve source URL: %w", err)
		}
		t.SourceURL = src
	case JobStaging:
		t.SourceURL = dest
	}
	return t, nil
}

// Poll queries the transfer service and returns the outcomes of the files
// that became terminal since the previous call, keyed by file ID. Files
// reported in progress are moved to Active. Statuses a transfer service does
// not report, such as Defunct, come back as Failed. The caller applies the returned
// outcomes to the files.
func (j *Job) Poll(ctx context.Context, svc Service) (map[uuid.UUID]Outcome, error) {
	if j.Handle == "" {
		return nil, ErrNotSubmitted
	}
	if j.Status.IsTerminal() {
		return map[uuid.UUID]Outcome{}, nil
	}

	states, err := svc.Poll(ctx, j.Handle)
	if err != nil {
		return nil, fmt.Errorf("poll job %s: %w", j.Handle, err)
	}
	j.LastUpdate = time.Now()

	done := make(map[uuid.UUID]Outcome)
	for _, f := range j.Files {
		if !j.owns(f) {
			continue
		}
		o, ok := states[f.ID.String()]
		if !ok {
			continue
		}
		o = serviceOutcome(o)
		switch {
		case o.Status.IsTerminal():
			done[f.ID] = o
			j.Reported[f.ID.String()] = true
		case o.Status == StatusActive && f.Status == StatusSubmitted:
			if err := f.Transition(StatusActive); err != nil {
				return nil, err
			}
			if j.Status == JobSubmitted {
				j.Status = JobActive
			}
		}
	}

	j.updateStatus(done)
	return done, nil
}

// serviceOutcome keeps the statuses a transfer service reports. Any other
// status counts as a failed transfer.
func serviceOutcome(o Outcome) Outcome {
	switch o.Status {
	case StatusNew, StatusSubmitted, StatusActive, StatusFinished, StatusFailed, StatusCanceled:
		return o
	}
	reason := fmt.Sprintf("transfer service reported %s", o.Status)
	if o.Reason != "" {
		reason += ": " + o.Reason
	}
	return Outcome{Status: StatusFailed, Reason: reason}
}

// updateStatus derives the job status once every file has been reported.
func (j *Job) updateStatus(latest map[uuid.UUID]Outcome) {
	var succeeded, canceled, failed int
	for _, f := range j.Files {
		if !j.Reported[f.ID.String()] {
			return
		}
		status := f.Status
		if o, ok := latest[f.ID]; ok {
			status = o.Status
		}
		switch {
		case status.IsSuccess() || status == StatusChecksumFail:
			succeeded++
		case status == StatusCanceled:
			canceled++
		default:
			failed++
		}
	}

	switch {
	case succeeded == len(j.Files):
		j.Status = JobFinished
	case canceled == len(j.Files):
		j.Status = JobCanceled
	case succeeded > 0:
		j.Status = JobFinishedDirty
	default:
		j.Status = JobFailed
	}
}

// Done reports whether the job no longer holds any file.
func (j *Job) Done() bool {
	if j.Status.IsTerminal() {
		return true
	}
	for _, f := range j.Files {
		if j.owns(f) {
			return false
		}
	}
	return true
}
