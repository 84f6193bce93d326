// Package channel models the directed graph of transfer channels between
// storage sites, with the queue and throughput counters used for planning.
package channel

import (
	"fmt"
	"math"
	"strings"
)

// ID identifies a channel. One ID maps to exactly one (source, destination)
// site pair.
type ID string

// Status is the administrative state of a channel.
type Status int

const (
	// StatusActive channels may be used for new transfers.
	StatusActive Status = iota

	// StatusInactive channels exist in the topology but must not be used.
	StatusInactive
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusActive:
		return "Active"
	case StatusInactive:
		return "Inactive"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ParseStatus parses "Active" or "Inactive" (case-insensitive). An empty
// string is Active.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "active":
		return StatusActive, nil
	case "inactive":
		return StatusInactive, nil
	default:
		return StatusInactive, fmt.Errorf("unknown channel status %q", s)
	}
}

// Channel is one directed route between two sites.
type Channel struct {
	ID     ID
	Source string
	Dest   string
	Status Status

	QueuedFiles int
	QueuedSize  int64

	SuccessfulFiles int
	FailedFiles     int

	// Throughput is the smoothed byte rate, FileThroughput the smoothed file rate.
	Throughput     float64
	FileThroughput float64
}

// DefaultID is the channel ID used when a snapshot row does not carry one.
func DefaultID(source, dest string) ID {
	return ID(source + "-" + dest)
}

// TimeToStart estimates how long, in seconds, a new transfer would wait on
// this channel before starting. A channel with queued work and no measured
// rate never drains, so it reports +Inf.
func (c Channel) TimeToStart() float64 {
	switch {
	case c.Throughput > 0:
		return float64(c.QueuedSize) / c.Throughput
	case c.FileThroughput > 0:
		return float64(c.QueuedFiles) / c.FileThroughput
	case c.QueuedFiles == 0 && c.QueuedSize == 0:
		return 0
	default:
		return math.Inf(1)
	}
}

// FailureRate returns failed / (failed + successful), or 0 without history.
func (c Channel) FailureRate() float64 {
	total := c.SuccessfulFiles + c.FailedFiles
	if total == 0 {
		return 0
	}
	return float64(c.FailedFiles) / float64(total)
}

// IsLocal reports whether the channel replicates within a single site.
func (c Channel) IsLocal() bool {
	return c.Source == c.Dest
}

// NotFoundError is returned when no channel connects two sites. It reports a
// gap in the topology, not congestion.
type NotFoundError struct {
	Source string
	Dest   string
	ID     ID
}

func (e *NotFoundError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("channel %s not found", e.ID)
	}
	return fmt.Sprintf("no channel from %s to %s", e.Source, e.Dest)
}
