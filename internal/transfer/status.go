package transfer

import (
	"fmt"
	"strings"
)

// FileStatus is the lifecycle state of a File.
type FileStatus int

const (
	// StatusNew indicates the file has not been submitted in its current attempt.
	StatusNew FileStatus = iota

	// StatusSubmitted indicates the file is part of a job accepted by the transfer service.
	StatusSubmitted

	// StatusActive indicates the transfer service reports the file in progress.
	StatusActive

	// StatusFinished indicates the file was transferred.
	StatusFinished

	// StatusFailed indicates the last attempt failed. The file may be resubmitted.
	StatusFailed

	// StatusCanceled indicates an operator canceled the file (terminal).
	StatusCanceled

	// StatusDefunct indicates the attempt budget is exhausted (terminal).
	StatusDefunct

	// StatusChecksumMatch refines Finished: the remote checksum matched.
	StatusChecksumMatch

	// StatusChecksumFail refines Finished: the remote checksum did not match.
	StatusChecksumFail
)

var fileStatusNames = []string{
	StatusNew:           "New",
	StatusSubmitted:     "Submitted",
	StatusActive:        "Active",
	StatusFinished:      "Finished",
	StatusFailed:        "Failed",
	StatusCanceled:      "Canceled",
	StatusDefunct:       "Defunct",
	StatusChecksumMatch: "ChecksumMatch",
	StatusChecksumFail:  "ChecksumFail",
}

// String returns the string representation of the status.
func (s FileStatus) String() string {
	if s >= 0 && int(s) < len(fileStatusNames) {
		return fileStatusNames[s]
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// ParseFileStatus parses a status name (case-insensitive).
func ParseFileStatus(s string) (FileStatus, error) {
	for i, name := range fileStatusNames {
		if strings.EqualFold(name, s) {
			return FileStatus(i), nil
		}
	}
	return 0, fmt.Errorf("unknown file status %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s FileStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *FileStatus) UnmarshalText(b []byte) error {
	v, err := ParseFileStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// IsFinal reports whether the file needs no further work from its operation.
// Failed is not final: the file is retried until its attempts run out.
func (s FileStatus) IsFinal() bool {
	switch s {
	case StatusFinished, StatusChecksumMatch, StatusChecksumFail, StatusCanceled, StatusDefunct:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether a job can stop tracking the file. It is IsFinal
// plus Failed.
func (s FileStatus) IsTerminal() bool {
	return s == StatusFailed || s.IsFinal()
}

// IsSuccess reports whether the file reached its target.
func (s FileStatus) IsSuccess() bool {
	return s == StatusFinished || s == StatusChecksumMatch
}

// CanTransitionTo returns true if a transition to the target status is valid.
func (s FileStatus) CanTransitionTo(target FileStatus) bool {
	switch s {
	case StatusNew:
		// Submitted, failed before reaching the service, or abandoned
		return target == StatusSubmitted || target == StatusFailed ||
			target == StatusCanceled || target == StatusDefunct

	case StatusSubmitted:
		return target == StatusActive || target == StatusFinished ||
			target == StatusFailed || target == StatusCanceled

	case StatusActive:
		return target == StatusFinished || target == StatusFailed || target == StatusCanceled

	case StatusFailed:
		// Resubmitted with a new attempt, or abandoned
		return target == StatusSubmitted || target == StatusDefunct || target == StatusCanceled

	case StatusFinished:
		return target == StatusChecksumMatch || target == StatusChecksumFail

	default:
		return false
	}
}

// TransitionError is returned when an invalid status transition is attempted.
type TransitionError struct {
	From    FileStatus
	To      FileStatus
	File    string
	Message string
}

func (e *TransitionError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("invalid status transition for file %s: %s -> %s: %s",
			e.File, e.From, e.To, e.Message)
	}
	return fmt.Sprintf("invalid status transition for file %s: %s -> %s",
		e.File, e.From, e.To)
}
