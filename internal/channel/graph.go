package channel

import (
	"fmt"
	"sort"
	"sync"
)

// Snapshot rows consumed by Rebuild. They mirror the three feeds published
// once per planning cycle: channel definitions, rolling bandwidth and recent
// failure counts.
type (
	// Definition describes one channel and its current queue.
	Definition struct {
		ID          ID
		Source      string
		Dest        string
		Status      Status
		QueuedFiles int
		QueuedSize  int64
	}

	// Bandwidth carries the smoothed rates of a channel.
	Bandwidth struct {
		ChannelID      ID
		Throughput     float64
		FileThroughput float64
	}

	// Failures carries recent outcome counts of a channel.
	Failures struct {
		ChannelID       ID
		SuccessfulFiles int
		FailedFiles     int
	}
)

type siteKey struct {
	source string
	dest   string
}

// Graph is an in-memory directed graph of channels keyed by site pair.
type Graph struct {
	mu       sync.RWMutex
	channels map[ID]*Channel
	bySites  map[siteKey]ID
}

// NewGraph creates an empty Graph.
func NewGraph() *Graph {
	return &Graph{
		channels: make(map[ID]*Channel),
		bySites:  make(map[siteKey]ID),
	}
}

// Rebuild replaces the whole graph from the three snapshot feeds. Rate and
// failure rows for unknown channels are ignored. On error the previous state
// is kept.
func (g *Graph) Rebuild(defs []Definition, bandwidth []Bandwidth, failures []Failures) error {
	channels := make(map[ID]*Channel, len(defs))
	bySites := make(map[siteKey]ID, len(defs))

	for _, d := range defs {
		if d.Source == "" || d.Dest == "" {
			return fmt.Errorf("channel %q: source and destination sites are required", d.ID)
		}
		id := d.ID
		if id == "" {
			id = DefaultID(d.Source, d.Dest)
		}
		if _, dup := channels[id]; dup {
			return fmt.Errorf("duplicate channel id %s", id)
		}
		key := siteKey{d.Source, d.Dest}
		if other, dup := bySites[key]; dup {
			return fmt.Errorf("channels %s and %s both connect %s to %s", other, id, d.Source, d.Dest)
		}
		channels[id] = &Channel{
			ID:          id,
			Source:      d.Source,
			Dest:        d.Dest,
			Status:      d.Status,
			QueuedFiles: d.QueuedFiles,
			QueuedSize:  d.QueuedSize,
		}
		bySites[key] = id
	}

	for _, b := range bandwidth {
		if c, ok := channels[b.ChannelID]; ok {
			c.Throughput = b.Throughput
			c.FileThroughput = b.FileThroughput
		}
	}
	for _, f := range failures {
		if c, ok := channels[f.ChannelID]; ok {
			c.SuccessfulFiles = f.SuccessfulFiles
			c.FailedFiles = f.FailedFiles
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.channels = channels
	g.bySites = bySites
	return nil
}

// Find returns a copy of the channel from source to dest.
func (g *Graph) Find(source, dest string) (Channel, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	id, ok := g.bySites[siteKey{source, dest}]
	if !ok {
		return Channel{}, &NotFoundError{Source: source, Dest: dest}
	}
	return *g.channels[id], nil
}

// Get returns a copy of the channel with the given ID.
func (g *Graph) Get(id ID) (Channel, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	c, ok := g.channels[id]
	if !ok {
		return Channel{}, &NotFoundError{ID: id}
	}
	return *c, nil
}

// Update adds deltaFiles and deltaSize to the queue counters of a channel.
// Counters never go below zero.
func (g *Graph) Update(id ID, deltaFiles int, deltaSize int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	c, ok := g.channels[id]
	if !ok {
		return &NotFoundError{ID: id}
	}
	c.QueuedFiles = max(c.QueuedFiles+deltaFiles, 0)
	c.QueuedSize = max(c.QueuedSize+deltaSize, 0)
	return nil
}

// Clone returns an independent copy of the graph. Planning works on clones
// so tentative reservations never touch the live graph.
func (g *Graph) Clone() *Graph {
	g.mu.RLock()
	defer g.mu.RUnlock()

	clone := &Graph{
		channels: make(map[ID]*Channel, len(g.channels)),
		bySites:  make(map[siteKey]ID, len(g.bySites)),
	}
	for id, c := range g.channels {
		cp := *c
		clone.channels[id] = &cp
	}
	for k, id := range g.bySites {
		clone.bySites[k] = id
	}
	return clone
}

// Channels returns copies of all channels sorted by ID.
func (g *Graph) Channels() []Channel {
	g.mu.RLock()
	defer g.mu.RUnlock()

	result := make([]Channel, 0, len(g.channels))
	for _, c := range g.channels {
		result = append(result, *c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Count returns the number of channels.
func (g *Graph) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.channels)
}

// Outgoing returns copies of the channels leaving a site, sorted by ID.
func (g *Graph) Outgoing(source string) []Channel {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.outgoingLocked(source)
}

func (g *Graph) outgoingLocked(source string) []Channel {
	var result []Channel
	for _, c := range g.channels {
		if c.Source == source {
			result = append(result, *c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Path returns the fewest-hop sequence of channels from source to dest.
// Among equally short paths the one found first in channel ID order wins.
func (g *Graph) Path(source, dest string) ([]Channel, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if id, ok := g.bySites[siteKey{source, dest}]; ok {
		return []Channel{*g.channels[id]}, nil
	}

	via := map[string]Channel{}
	visited := map[string]bool{source: true}
	queue := []string{source}

	for len(queue) > 0 {
		site := queue[0]
		queue = queue[1:]

		for _, c := range g.outgoingLocked(site) {
			if visited[c.Dest] {
				continue
			}
			visited[c.Dest] = true
			via[c.Dest] = c
			if c.Dest == dest {
				return unwindPath(via, source, dest), nil
			}
			queue = append(queue, c.Dest)
		}
	}

	return nil, &NotFoundError{Source: source, Dest: dest}
}

func unwindPath(via map[string]Channel, source, dest string) []Channel {
	var path []Channel
	for site := dest; site != source; {
		c := via[site]
		path = append([]Channel{c}, path...)
		site = c.Source
	}
	return path
}
