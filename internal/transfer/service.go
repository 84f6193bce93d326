package transfer

import (
	"context"
	"errors"
)

var (
	// ErrAlreadySubmitted is returned when Submit is called twice on a job.
	ErrAlreadySubmitted = errors.New("job already submitted")

	// ErrNotSubmitted is returned when polling a job that has no handle.
	ErrNotSubmitted = errors.New("job not submitted")

	// ErrNothingToSubmit is returned when every file of a job was dropped
	// before reaching the transfer service.
	ErrNothingToSubmit = errors.New("no file left to submit")
)

// Transfer is one file entry of a submission.
type Transfer struct {
	FileID    string `json:"file_id"`
	LFN       string `json:"lfn"`
	SourceURL string `json:"source_url,omitempty"`
	DestURL   string `json:"dest_url"`
	Checksum  string `json:"checksum,omitempty"`
	Size      int64  `json:"size"`
}

// Submission is what a Service receives for one job.
type Submission struct {
	Type      JobType    `json:"type"`
	Activity  string     `json:"activity,omitempty"`
	Priority  int        `json:"priority"`
	Username  string     `json:"username,omitempty"`
	UserGroup string     `json:"user_group,omitempty"`
	Transfers []Transfer `json:"transfers"`
}

// Outcome is the state of one file as reported by the transfer service.
type Outcome struct {
	Status   FileStatus `json:"status"`
	Checksum string     `json:"checksum,omitempty"`
	Reason   string     `json:"reason,omitempty"`
}

// Service is the external transfer service.
type Service interface {
	// Submit queues a job and returns its handle.
	Submit(ctx context.Context, sub Submission) (string, error)

	// Poll returns the current state of every file of a job, keyed by
	// Transfer.FileID.
	Poll(ctx context.Context, handle string) (map[string]Outcome, error)
}
