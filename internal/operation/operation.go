// Package operation drives replication and staging operations: it batches
// pending files into transfer jobs, follows them to completion and reports
// the outcome back into the request store.
package operation

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/gridrepl/gridrepl/internal/rms"
	"github.com/gridrepl/gridrepl/internal/transfer"
)

// Status is the lifecycle state of an Operation.
type Status int

const (
	// StatusActive indicates files are still being transferred.
	StatusActive Status = iota

	// StatusProcessed indicates every file is final and the callback is due.
	StatusProcessed

	// StatusFinished indicates the callback was applied (terminal).
	StatusFinished

	// StatusCanceled indicates an operator canceled the operation and the
	// callback was applied (terminal).
	StatusCanceled

	// StatusFailed indicates the callback was rejected and needs an operator (terminal).
	StatusFailed
)

var statusNames = []string{
	StatusActive:    "Active",
	StatusProcessed: "Processed",
	StatusFinished:  "Finished",
	StatusCanceled:  "Canceled",
	StatusFailed:    "Failed",
}

// String returns the string representation of the status.
func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	for i, name := range statusNames {
		if name == string(b) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown operation status %q", b)
}

// IsTerminal returns true if the operation needs no further work.
func (s Status) IsTerminal() bool {
	return s == StatusFinished || s == StatusCanceled || s == StatusFailed
}

// Kind selects what the operation asks the transfer service to do.
type Kind int

const (
	// KindTransfer copies files from one of the source SEs to each target.
	KindTransfer Kind = iota
	// KindStaging brings files online at each target.
	KindStaging
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindTransfer:
		return "Transfer"
	case KindStaging:
		return "Staging"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "Transfer":
		*k = KindTransfer
	case "Staging":
		*k = KindStaging
	default:
		return fmt.Errorf("unknown operation kind %q", b)
	}
	return nil
}

func (k Kind) jobType() transfer.JobType {
	if k == KindStaging {
		return transfer.JobStaging
	}
	return transfer.JobTransfer
}

// Operation moves a set of files to their targets through as many transfer
// jobs as needed. It exclusively owns its files and jobs.
type Operation struct {
	ID        uuid.UUID `json:"id"`
	Kind      Kind      `json:"kind"`
	Username  string    `json:"username,omitempty"`
	UserGroup string    `json:"user_group,omitempty"`
	RMSReqID  int64     `json:"rms_req_id"`
	RMSOpID   int64     `json:"rms_op_id"`
	SourceSEs []string  `json:"source_ses,omitempty"`
	Catalog   string    `json:"catalog,omitempty"`
	Activity  string    `json:"activity,omitempty"`
	Priority  int       `json:"priority"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`

	// CancelReason is set once an operator canceled the operation.
	CancelReason string `json:"cancel_reason,omitempty"`

	Files []*transfer.File `json:"files"`
	Jobs  []*transfer.Job  `json:"jobs,omitempty"`

	Created    time.Time `json:"created"`
	LastUpdate time.Time `json:"last_update"`
}

// Options carries the operation attributes that do not come from the request.
type Options struct {
	Activity string
	Priority int
}

// FromRMS builds an operation for rmsOp, one of req's operations. One file
// is created per (LFN, target) pair of every file that is not final yet.
func FromRMS(req *rms.Request, rmsOp *rms.Operation, opts Options) (*Operation, error) {
	var kind Kind
	switch rmsOp.Type {
	case rms.OpReplicateAndRegister:
		kind = KindTransfer
	case rms.OpStageFiles:
		kind = KindStaging
	default:
		return nil, fmt.Errorf("operation type %s is not handled", rmsOp.Type)
	}

	targets := uniqueSorted(rmsOp.TargetSE)
	if len(targets) == 0 {
		return nil, errors.New("operation has no target SE")
	}
	sources := uniqueSorted(rmsOp.SourceSE)
	if kind == KindTransfer && len(sources) == 0 {
		return nil, errors.New("transfer operation has no source SE")
	}

	now := time.Now()
	op := &Operation{
		ID:         uuid.New(),
		Kind:       kind,
		Username:   req.Owner,
		UserGroup:  req.OwnerGroup,
		RMSReqID:   req.ID,
		RMSOpID:    rmsOp.ID,
		SourceSEs:  sources,
		Catalog:    rmsOp.Catalog,
		Activity:   opts.Activity,
		Priority:   opts.Priority,
		Status:     StatusActive,
		Created:    now,
		LastUpdate: now,
	}
	for _, f := range rmsOp.Files {
		if f.Status.IsFinal() {
			continue
		}
		for _, target := range targets {
			op.Files = append(op.Files, transfer.NewFile(f.LFN, target, f.Size, f.Checksum, f.ID))
		}
	}
	if len(op.Files) == 0 {
		return nil, errors.New("operation has no file left to process")
	}
	return op, nil
}

// FilesToSubmit returns the files that may go into a new job, in order. Files
// that ran out of attempts are made Defunct.
func (o *Operation) FilesToSubmit(maxAttempts int) []*transfer.File {
	files, _ := o.selectFiles(maxAttempts)
	return files
}

// selectFiles returns the eligible files and the files it just made Defunct.
func (o *Operation) selectFiles(maxAttempts int) (eligible, defunct []*transfer.File) {
	for _, f := range o.Files {
		if f.Exhausted(maxAttempts) {
			reason := f.Error
			if reason == "" {
				reason = "max attempts reached"
			}
			if err := f.MarkDefunct(fmt.Sprintf("%s (attempt %d/%d)", reason, f.Attempt, maxAttempts)); err == nil {
				defunct = append(defunct, f)
				o.LastUpdate = time.Now()
			}
			continue
		}
		if f.Eligible(maxAttempts) {
			eligible = append(eligible, f)
		}
	}
	return eligible, defunct
}

// IsTotallyProcessed reports whether every file is final. The first time
// that holds the status moves to Processed; later calls change nothing.
func (o *Operation) IsTotallyProcessed() bool {
	switch o.Status {
	case StatusProcessed, StatusFinished:
		return true
	case StatusActive:
	default:
		return false
	}

	for _, f := range o.Files {
		if !f.Status.IsFinal() {
			return false
		}
	}
	o.Status = StatusProcessed
	o.LastUpdate = time.Now()
	return true
}

// Cancel marks every file that is not final yet as Canceled. The operation
// becomes Processed so that the next callback reports the canceled files to
// the request as Failed, after which it ends Canceled. It is the entry point
// for operator cancellation.
func (o *Operation) Cancel(reason string) {
	if o.Status.IsTerminal() {
		return
	}
	if reason == "" {
		reason = "canceled"
	}
	for _, f := range o.Files {
		if f.Status.IsFinal() {
			continue
		}
		if err := f.Transition(transfer.StatusCanceled); err != nil {
			continue
		}
		f.Job = uuid.Nil
		f.Error = reason
	}
	o.Status = StatusProcessed
	o.CancelReason = reason
	o.Error = reason
	o.LastUpdate = time.Now()
}

// PendingJobs returns the jobs still holding files.
func (o *Operation) PendingJobs() []*transfer.Job {
	var jobs []*transfer.Job
	for _, j := range o.Jobs {
		if !j.Done() {
			jobs = append(jobs, j)
		}
	}
	return jobs
}

// Counts returns the number of files per status.
func (o *Operation) Counts() map[transfer.FileStatus]int {
	counts := make(map[transfer.FileStatus]int)
	for _, f := range o.Files {
		counts[f.Status]++
	}
	return counts
}

// Relink restores the job to file pointers after the operation was loaded
// from storage.
func (o *Operation) Relink() error {
	byID := make(map[uuid.UUID]*transfer.File, len(o.Files))
	for _, f := range o.Files {
		byID[f.ID] = f
	}
	for _, j := range o.Jobs {
		if err := j.Relink(byID); err != nil {
			return fmt.Errorf("operation %s: %w", o.ID, err)
		}
	}
	return nil
}

func (o *Operation) file(id uuid.UUID) *transfer.File {
	for _, f := range o.Files {
		if f.ID == id {
			return f
		}
	}
	return nil
}

func uniqueSorted(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
