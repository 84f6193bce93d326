package channel

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gridrepl/gridrepl/pkg/bytesize"
)

// Snapshot bundles the three feeds consumed by Graph.Rebuild.
type Snapshot struct {
	Definitions []Definition
	Bandwidth   []Bandwidth
	Failures    []Failures
}

// Apply rebuilds g from the snapshot.
func (s *Snapshot) Apply(g *Graph) error {
	return g.Rebuild(s.Definitions, s.Bandwidth, s.Failures)
}

// Provider supplies a fresh snapshot at the start of each planning cycle.
type Provider interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// FileProvider re-reads a YAML snapshot file on every call.
type FileProvider struct {
	Path string
}

// Snapshot implements Provider.
func (p FileProvider) Snapshot(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return LoadSnapshot(p.Path)
}

// StaticProvider always returns the same snapshot.
type StaticProvider struct {
	S *Snapshot
}

// Snapshot implements Provider.
func (p StaticProvider) Snapshot(ctx context.Context) (*Snapshot, error) {
	return p.S, nil
}

type snapshotFile struct {
	Channels []struct {
		ID          string        `yaml:"id"`
		Source      string        `yaml:"source"`
		Dest        string        `yaml:"dest"`
		Status      string        `yaml:"status"`
		QueuedFiles int           `yaml:"queued_files"`
		QueuedSize  bytesize.Size `yaml:"queued_size"`
	} `yaml:"channels"`
	Bandwidth []struct {
		Channel        string        `yaml:"channel"`
		Throughput     bytesize.Rate `yaml:"throughput"`
		FileThroughput float64       `yaml:"file_throughput"`
	} `yaml:"bandwidth"`
	Failures []struct {
		Channel    string `yaml:"channel"`
		Successful int    `yaml:"successful"`
		Failed     int    `yaml:"failed"`
	} `yaml:"failures"`
}

// LoadSnapshot reads a YAML snapshot file.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot file: %w", err)
	}
	return ParseSnapshot(data)
}

// ParseSnapshot decodes a YAML snapshot document.
func ParseSnapshot(data []byte) (*Snapshot, error) {
	var f snapshotFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}

	s := &Snapshot{}
	for _, c := range f.Channels {
		status, err := ParseStatus(c.Status)
		if err != nil {
			return nil, fmt.Errorf("channel %s-%s: %w", c.Source, c.Dest, err)
		}
		id := ID(c.ID)
		if id == "" {
			id = DefaultID(c.Source, c.Dest)
		}
		s.Definitions = append(s.Definitions, Definition{
			ID:          id,
			Source:      c.Source,
			Dest:        c.Dest,
			Status:      status,
			QueuedFiles: c.QueuedFiles,
			QueuedSize:  c.QueuedSize.Bytes(),
		})
	}
	for _, b := range f.Bandwidth {
		s.Bandwidth = append(s.Bandwidth, Bandwidth{
			ChannelID:      ID(b.Channel),
			Throughput:     b.Throughput.BytesPerSecond(),
			FileThroughput: b.FileThroughput,
		})
	}
	for _, fl := range f.Failures {
		s.Failures = append(s.Failures, Failures{
			ChannelID:       ID(fl.Channel),
			SuccessfulFiles: fl.Successful,
			FailedFiles:     fl.Failed,
		})
	}
	return s, nil
}
