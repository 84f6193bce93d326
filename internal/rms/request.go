// Package rms models the external request management system: requests made
// of an ordered list of operations, each over a set of files.
package rms

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Status is the status of a request, an operation or a file.
type Status string

const (
	StatusQueued    Status = "Queued"
	StatusWaiting   Status = "Waiting"
	StatusScheduled Status = "Scheduled"
	StatusDone      Status = "Done"
	StatusFailed    Status = "Failed"
	StatusCanceled  Status = "Canceled"
)

// IsFinal returns true if no further work is expected.
func (s Status) IsFinal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCanceled
}

// Operation types handled or produced by the scheduler.
const (
	OpReplicateAndRegister = "ReplicateAndRegister"
	OpRemoveReplica        = "RemoveReplica"
	OpRegisterReplica      = "RegisterReplica"
	OpStageFiles           = "StageFiles"
)

// File is one LFN of an operation.
type File struct {
	ID       int64  `json:"id,omitempty" yaml:"id,omitempty"`
	LFN      string `json:"lfn" yaml:"lfn"`
	PFN      string `json:"pfn,omitempty" yaml:"pfn,omitempty"`
	GUID     string `json:"guid,omitempty" yaml:"guid,omitempty"`
	Checksum string `json:"checksum,omitempty" yaml:"checksum,omitempty"`
	Size     int64  `json:"size" yaml:"size"`
	Status   Status `json:"status" yaml:"status"`
	Attempt  int    `json:"attempt,omitempty" yaml:"attempt,omitempty"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Operation is one step of a request.
type Operation struct {
	ID        int64    `json:"id,omitempty" yaml:"id,omitempty"`
	Type      string   `json:"type" yaml:"type"`
	Status    Status   `json:"status" yaml:"status"`
	Arguments string   `json:"arguments,omitempty" yaml:"arguments,omitempty"`
	SourceSE  []string `json:"source_se,omitempty" yaml:"source_se,omitempty"`
	TargetSE  []string `json:"target_se,omitempty" yaml:"target_se,omitempty"`
	Catalog   string   `json:"catalog,omitempty" yaml:"catalog,omitempty"`
	Error     string   `json:"error,omitempty" yaml:"error,omitempty"`
	Files     []*File  `json:"files" yaml:"files"`
}

// LFNs returns the LFNs of the operation in order.
func (o *Operation) LFNs() []string {
	lfns := make([]string, len(o.Files))
	for i, f := range o.Files {
		lfns[i] = f.LFN
	}
	return lfns
}

// Refresh derives the operation status from its files. Operations without
// files and operations in a final status are left alone.
func (o *Operation) Refresh() {
	if len(o.Files) == 0 || o.Status.IsFinal() {
		return
	}
	var done, failed, scheduled int
	for _, f := range o.Files {
		switch f.Status {
		case StatusDone:
			done++
		case StatusFailed, StatusCanceled:
			failed++
		case StatusScheduled:
			scheduled++
		}
	}
	switch {
	case done+failed == len(o.Files) && failed > 0:
		o.Status = StatusFailed
	case done == len(o.Files):
		o.Status = StatusDone
	case scheduled > 0:
		o.Status = StatusScheduled
	}
}

// Clone returns a deep copy of the operation.
func (o *Operation) Clone() *Operation {
	c := *o
	c.SourceSE = append([]string(nil), o.SourceSE...)
	c.TargetSE = append([]string(nil), o.TargetSE...)
	c.Files = make([]*File, len(o.Files))
	for i, f := range o.Files {
		fc := *f
		c.Files[i] = &fc
	}
	return &c
}

// Request is an ordered list of operations submitted by one owner.
type Request struct {
	ID         int64        `json:"id,omitempty" yaml:"id,omitempty"`
	Name       string       `json:"name" yaml:"name"`
	Owner      string       `json:"owner,omitempty" yaml:"owner,omitempty"`
	OwnerGroup string       `json:"owner_group,omitempty" yaml:"owner_group,omitempty"`
	Status     Status       `json:"status" yaml:"status,omitempty"`
	Error      string       `json:"error,omitempty" yaml:"error,omitempty"`
	Operations []*Operation `json:"operations" yaml:"operations"`
	Created    time.Time    `json:"created" yaml:"-"`
	LastUpdate time.Time    `json:"last_update" yaml:"-"`
}

// CurrentOperation returns the first operation that is neither done nor
// canceled, or nil if that operation failed or none is left.
func (r *Request) CurrentOperation() *Operation {
	for _, op := range r.Operations {
		switch op.Status {
		case StatusDone, StatusCanceled:
			continue
		case StatusFailed:
			return nil
		default:
			return op
		}
	}
	return nil
}

// DerivedStatus computes the request status from its operations.
func (r *Request) DerivedStatus() Status {
	if r.Status == StatusCanceled {
		return StatusCanceled
	}
	for _, op := range r.Operations {
		if op.Status == StatusFailed {
			return StatusFailed
		}
	}
	cur := r.CurrentOperation()
	switch {
	case cur == nil:
		return StatusDone
	case cur.Status == StatusScheduled:
		return StatusScheduled
	default:
		return StatusWaiting
	}
}

// Refresh updates operation statuses from their files, promotes the current
// operation from Queued to Waiting and updates the request status.
func (r *Request) Refresh() {
	for _, op := range r.Operations {
		op.Refresh()
	}
	if cur := r.CurrentOperation(); cur != nil && cur.Status == StatusQueued {
		cur.Status = StatusWaiting
	}
	r.Status = r.DerivedStatus()
	r.LastUpdate = time.Now()
}

// IndexOf returns the position of op in the request, or -1.
func (r *Request) IndexOf(op *Operation) int {
	for i, o := range r.Operations {
		if o == op {
			return i
		}
	}
	return -1
}

// InsertBefore inserts newOp right before existing.
func (r *Request) InsertBefore(newOp, existing *Operation) error {
	i := r.IndexOf(existing)
	if i < 0 {
		return fmt.Errorf("request %d: operation %d not found", r.ID, existing.ID)
	}
	r.Operations = append(r.Operations[:i], append([]*Operation{newOp}, r.Operations[i:]...)...)
	return nil
}

// Operation returns the operation with the given ID.
func (r *Request) Operation(id int64) (*Operation, bool) {
	for _, op := range r.Operations {
		if op.ID == id {
			return op, true
		}
	}
	return nil, false
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	c := *r
	c.Operations = make([]*Operation, len(r.Operations))
	for i, op := range r.Operations {
		c.Operations[i] = op.Clone()
	}
	return &c
}

// ParseSEList parses a comma separated list of storage elements, dropping
// blanks and duplicates.
func ParseSEList(s string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" || seen[part] {
			continue
		}
		seen[part] = true
		out = append(out, part)
	}
	return out
}

// JoinSEList is the inverse of ParseSEList. The output is sorted.
func JoinSEList(ses []string) string {
	sorted := ParseSEList(strings.Join(ses, ","))
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}
