package transfer

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// File is one LFN to be copied to one target storage element.
type File struct {
	ID        uuid.UUID  `json:"id"`
	LFN       string     `json:"lfn"`
	SourceSE  string     `json:"source_se,omitempty"`
	TargetSE  string     `json:"target_se"`
	Checksum  string     `json:"checksum,omitempty"`
	Size      int64      `json:"size"`
	Status    FileStatus `json:"status"`
	Attempt   int        `json:"attempt"`
	RMSFileID int64      `json:"rms_file_id,omitempty"`

	// Job is the job currently holding the file, or uuid.Nil.
	Job uuid.UUID `json:"job,omitempty"`

	Error      string    `json:"error,omitempty"`
	LastUpdate time.Time `json:"last_update"`
}

// NewFile creates a File in status New.
func NewFile(lfn, targetSE string, size int64, checksum string, rmsFileID int64) *File {
	return &File{
		ID:         uuid.New(),
		LFN:        lfn,
		TargetSE:   targetSE,
		Size:       size,
		Checksum:   checksum,
		RMSFileID:  rmsFileID,
		Status:     StatusNew,
		LastUpdate: time.Now(),
	}
}

// Transition moves the file to status to.
func (f *File) Transition(to FileStatus) error {
	if !f.Status.CanTransitionTo(to) {
		return &TransitionError{From: f.Status, To: to, File: f.LFN}
	}
	f.Status = to
	f.LastUpdate = time.Now()
	return nil
}

// Attached reports whether a job currently holds the file.
func (f *File) Attached() bool {
	return f.Job != uuid.Nil
}

// Eligible reports whether the file may be placed in a new job.
func (f *File) Eligible(maxAttempts int) bool {
	if f.Attached() || f.Attempt >= maxAttempts {
		return false
	}
	return f.Status == StatusNew || f.Status == StatusFailed
}

// Exhausted reports whether the file should be made Defunct.
func (f *File) Exhausted(maxAttempts int) bool {
	if f.Attached() || f.Attempt < maxAttempts {
		return false
	}
	return f.Status == StatusNew || f.Status == StatusFailed
}

// MarkDefunct gives up on the file.
func (f *File) MarkDefunct(reason string) error {
	if err := f.Transition(StatusDefunct); err != nil {
		return err
	}
	if reason != "" {
		f.Error = reason
	}
	return nil
}

// ConsumeAttempt records an attempt that failed before reaching the
// transfer service.
func (f *File) ConsumeAttempt(reason string) {
	f.Attempt++
	f.Error = reason
	f.LastUpdate = time.Now()
	if f.Status == StatusNew {
		f.Status = StatusFailed
	}
}

// ApplyOutcome merges a terminal outcome reported by the transfer service
// and releases the file from its job.
func (f *File) ApplyOutcome(o Outcome) error {
	if err := f.Transition(o.Status); err != nil {
		return err
	}
	f.Job = uuid.Nil
	f.Error = o.Reason

	if o.Status == StatusFinished && f.Checksum != "" && o.Checksum != "" {
		next := StatusChecksumMatch
		if !ChecksumsEqual(f.Checksum, o.Checksum) {
			next = StatusChecksumFail
			f.Error = "checksum mismatch: expected " + f.Checksum + ", got " + o.Checksum
		}
		return f.Transition(next)
	}
	return nil
}

// Release detaches the file from its job when an outcome could not be
// applied. A file still in flight becomes Failed so it is retried.
func (f *File) Release(reason string) {
	f.Job = uuid.Nil
	if f.Status.IsTerminal() {
		return
	}
	if err := f.Transition(StatusFailed); err == nil {
		f.Error = reason
	}
}

// ChecksumsEqual compares two adler32 checksums, ignoring case and leading
// zeros.
func ChecksumsEqual(a, b string) bool {
	return normalizeChecksum(a) == normalizeChecksum(b)
}

func normalizeChecksum(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimLeft(s, "0")
	if s == "" {
		return "0"
	}
	return s
}
