// Package strategy plans replication trees over the channel graph. A tree
// says, for every requested destination, which channel delivers the data and
// which earlier hop (if any) it depends on.
package strategy

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/gridrepl/gridrepl/internal/channel"
	"github.com/gridrepl/gridrepl/internal/storage"
)

// Name selects a planning strategy.
type Name string

const (
	// Simple sends one source to every target over direct channels.
	Simple Name = "Simple"
	// Swarm fans every source into a single target.
	Swarm Name = "Swarm"
	// MinimiseTotalWait greedily picks the channel with the shortest queue,
	// letting served targets act as sources for the rest.
	MinimiseTotalWait Name = "MinimiseTotalWait"
	// DynamicThroughput is MinimiseTotalWait ranked by highest throughput.
	DynamicThroughput Name = "DynamicThroughput"

	// SourceSelection labels the single-route reservations and errors of
	// SelectSource. It is not a planning strategy.
	SourceSelection Name = "SourceSelection"
)

// Names lists every supported strategy.
var Names = []Name{Simple, Swarm, MinimiseTotalWait, DynamicThroughput}

// ParseName parses a strategy name (case-insensitive).
func ParseName(s string) (Name, error) {
	for _, n := range Names {
		if strings.EqualFold(string(n), strings.TrimSpace(s)) {
			return n, nil
		}
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// DefaultAcceptableFailureRate is the failure rate above which a channel is
// not picked by the greedy strategies.
const DefaultAcceptableFailureRate = 0.75

// AmbiguousArgumentError reports a source or target list of the wrong size
// for the chosen strategy.
type AmbiguousArgumentError struct {
	Strategy Name
	Message  string
}

func (e *AmbiguousArgumentError) Error() string {
	return fmt.Sprintf("%s strategy: %s", e.Strategy, e.Message)
}

// TreeConstructionError reports that a strategy could not complete a tree.
type TreeConstructionError struct {
	Strategy Name
	Reason   string
}

func (e *TreeConstructionError) Error() string {
	return fmt.Sprintf("%s strategy: %s", e.Strategy, e.Reason)
}

// Config configures an Engine.
type Config struct {
	Graph *channel.Graph

	// Sites maps storage elements to channel endpoints. Nil maps every
	// element to a site of the same name.
	Sites storage.SiteResolver

	// AcceptableFailureRate excludes channels failing more often than this.
	// Zero means DefaultAcceptableFailureRate; 1 disables the filter.
	AcceptableFailureRate float64

	Logger zerolog.Logger
}

// Engine plans replication trees on a channel graph. Planning works on a
// clone of the graph; only Commit touches the live counters.
type Engine struct {
	graph                 *channel.Graph
	sites                 storage.SiteResolver
	acceptableFailureRate float64
	logger                zerolog.Logger
}

type identitySites struct{}

func (identitySites) SiteFor(se string) string { return se }

// NewEngine creates an Engine.
func NewEngine(cfg Config) *Engine {
	if cfg.Graph == nil {
		cfg.Graph = channel.NewGraph()
	}
	if cfg.Sites == nil {
		cfg.Sites = identitySites{}
	}
	if cfg.AcceptableFailureRate == 0 {
		cfg.AcceptableFailureRate = DefaultAcceptableFailureRate
	}
	return &Engine{
		graph:                 cfg.Graph,
		sites:                 cfg.Sites,
		acceptableFailureRate: cfg.AcceptableFailureRate,
		logger:                cfg.Logger.With().Str("component", "strategy").Logger(),
	}
}

// Graph returns the live graph the engine plans on.
func (e *Engine) Graph() *channel.Graph {
	return e.graph
}

// Plan builds a replication tree that moves size bytes, currently held at
// one of sourceSEs, to every SE in targetSEs.
func (e *Engine) Plan(sourceSEs, targetSEs []string, size int64, name Name) (Tree, error) {
	sources := uniqueNonEmpty(sourceSEs)
	targets := uniqueNonEmpty(targetSEs)
	if len(sources) == 0 || len(targets) == 0 {
		return nil, &AmbiguousArgumentError{Strategy: name, Message: "at least one source and one target are required"}
	}

	scratch := e.graph.Clone()

	var (
		tree Tree
		err  error
	)
	switch name {
	case Simple:
		tree, err = e.simple(scratch, sources, targets)
	case Swarm:
		tree, err = e.swarm(scratch, sources, targets)
	case MinimiseTotalWait:
		tree, err = e.greedy(scratch, sources, targets, size, name, channel.Channel.TimeToStart)
	case DynamicThroughput:
		tree, err = e.greedy(scratch, sources, targets, size, name, func(c channel.Channel) float64 {
			return -c.Throughput
		})
	default:
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
	if err != nil {
		e.logger.Debug().Err(err).
			Str("strategy", string(name)).
			Strs("sources", sources).
			Strs("targets", targets).
			Msg("Replication tree planning failed")
		return nil, err
	}

	e.logger.Debug().
		Str("strategy", string(name)).
		Int("hops", len(tree)).
		Msg("Planned replication tree")
	return tree, nil
}

// Commit reserves the capacity of every hop of tree on the live graph so
// later plans in the same cycle see the added load.
func (e *Engine) Commit(tree Tree, size int64) error {
	for _, id := range tree.Order() {
		if err := e.graph.Update(id, 1, size); err != nil {
			return fmt.Errorf("reserve channel %s: %w", id, err)
		}
	}
	return nil
}

// SelectSource picks the candidate SE with the shortest time-to-start
// towards target. A candidate without a direct channel is routed over the
// fewest-hop path, waiting the sum of its hops. Ties go to the
// lexicographically smaller SE. With an empty graph no routing information
// exists and the first candidate is used.
func (e *Engine) SelectSource(candidates []string, target string, size int64) (string, error) {
	sorted := uniqueNonEmpty(candidates)
	sort.Strings(sorted)

	usable := sorted[:0:0]
	for _, se := range sorted {
		if se != target {
			usable = append(usable, se)
		}
	}
	if len(usable) == 0 {
		return "", &TreeConstructionError{Strategy: SourceSelection, Reason: fmt.Sprintf("no source distinct from %s", target)}
	}
	if e.graph.Count() == 0 {
		return usable[0], nil
	}

	best, bestWait := "", math.Inf(1)
	found := false
	for _, se := range usable {
		hops, err := e.route(se, target)
		if err != nil {
			continue
		}
		var wait float64
		for _, c := range hops {
			wait += c.TimeToStart()
		}
		if !found || wait < bestWait {
			best, bestWait, found = se, wait, true
		}
	}
	if !found {
		return "", &channel.NotFoundError{Source: strings.Join(usable, ","), Dest: target}
	}
	return best, nil
}

// Reserve books one file of size bytes on the route from source to target
// in the live graph, so the next selection or plan in the cycle sees the
// load. It does nothing without routing information.
func (e *Engine) Reserve(source, target string, size int64) error {
	if e.graph.Count() == 0 {
		return nil
	}
	hops, err := e.route(source, target)
	if err != nil {
		return err
	}

	tree := make(Tree, len(hops))
	var ancestor channel.ID
	for i, c := range hops {
		hop := Hop{Ancestor: ancestor, Strategy: SourceSelection, SourceSE: c.Source, DestSE: c.Dest}
		if i == 0 {
			hop.SourceSE = source
		}
		if i == len(hops)-1 {
			hop.DestSE = target
		}
		tree[c.ID] = hop
		ancestor = c.ID
	}
	return e.Commit(tree, size)
}

// route returns the usable channels from source to target: the direct
// channel if there is one, the fewest-hop path otherwise.
func (e *Engine) route(source, target string) ([]channel.Channel, error) {
	from, to := e.sites.SiteFor(source), e.sites.SiteFor(target)

	hops, err := e.graph.Path(from, to)
	if err != nil {
		return nil, err
	}
	for _, c := range hops {
		if !e.eligible(c) {
			return nil, &TreeConstructionError{Strategy: SourceSelection, Reason: fmt.Sprintf("channel %s is not usable", c.ID)}
		}
	}
	return hops, nil
}

func (e *Engine) eligible(c channel.Channel) bool {
	return c.Status == channel.StatusActive && c.FailureRate() <= e.acceptableFailureRate
}

func (e *Engine) find(g *channel.Graph, sourceSE, destSE string) (channel.Channel, error) {
	return g.Find(e.sites.SiteFor(sourceSE), e.sites.SiteFor(destSE))
}

func (e *Engine) simple(g *channel.Graph, sources, targets []string) (Tree, error) {
	if len(sources) != 1 {
		return nil, &AmbiguousArgumentError{Strategy: Simple, Message: fmt.Sprintf("exactly one source required, got %d", len(sources))}
	}
	source := sources[0]

	tree := make(Tree, len(targets))
	for _, target := range targets {
		c, err := e.find(g, source, target)
		if err != nil {
			return nil, err
		}
		if !e.eligible(c) {
			return nil, &TreeConstructionError{Strategy: Simple, Reason: fmt.Sprintf("channel %s is not usable", c.ID)}
		}
		if _, used := tree[c.ID]; used {
			return nil, &TreeConstructionError{Strategy: Simple, Reason: fmt.Sprintf("channel %s used twice", c.ID)}
		}
		tree[c.ID] = Hop{Strategy: Simple, SourceSE: source, DestSE: target}
	}
	return tree, nil
}

func (e *Engine) swarm(g *channel.Graph, sources, targets []string) (Tree, error) {
	if len(targets) != 1 {
		return nil, &AmbiguousArgumentError{Strategy: Swarm, Message: fmt.Sprintf("exactly one target required, got %d", len(targets))}
	}
	target := targets[0]

	tree := make(Tree)
	for _, source := range sources {
		if source == target {
			continue
		}
		c, err := e.find(g, source, target)
		if err != nil || !e.eligible(c) {
			continue
		}
		if _, used := tree[c.ID]; used {
			continue
		}
		tree[c.ID] = Hop{Strategy: Swarm, SourceSE: source, DestSE: target}
	}
	if len(tree) == 0 {
		return nil, &channel.NotFoundError{Source: strings.Join(sources, ","), Dest: target}
	}
	return tree, nil
}

type candidate struct {
	c      channel.Channel
	metric float64
	source string
	target string
}

func (a candidate) before(b candidate) bool {
	if a.metric != b.metric {
		return a.metric < b.metric
	}
	if a.c.ID != b.c.ID {
		return a.c.ID < b.c.ID
	}
	if a.target != b.target {
		return a.target < b.target
	}
	return a.source < b.source
}

// greedy repeatedly serves the remaining target reachable over the unused
// channel with the lowest metric. Served targets join the source set, which
// is how multi-hop trees emerge.
func (e *Engine) greedy(g *channel.Graph, sources, targets []string, size int64, name Name, metric func(channel.Channel) float64) (Tree, error) {
	sources = append([]string(nil), sources...)
	remaining := append([]string(nil), targets...)
	tree := make(Tree, len(targets))

	for len(remaining) > 0 {
		var best *candidate
		for _, target := range remaining {
			for _, source := range sources {
				if source == target {
					continue
				}
				c, err := e.find(g, source, target)
				if err != nil {
					continue
				}
				if _, used := tree[c.ID]; used || !e.eligible(c) {
					continue
				}
				cand := candidate{c: c, metric: metric(c), source: source, target: target}
				if best == nil || cand.before(*best) {
					best = &cand
				}
			}
		}
		if best == nil {
			return nil, &TreeConstructionError{Strategy: name, Reason: "channels between sources and targets not defined or already used"}
		}

		var ancestor channel.ID
		for _, id := range tree.Order() {
			if tree[id].DestSE == best.source {
				ancestor = id
			}
		}
		tree[best.c.ID] = Hop{Ancestor: ancestor, Strategy: name, SourceSE: best.source, DestSE: best.target}

		if err := g.Update(best.c.ID, 1, size); err != nil {
			return nil, err
		}
		sources = append(sources, best.target)
		remaining = removeString(remaining, best.target)
	}
	return tree, nil
}

func uniqueNonEmpty(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func removeString(in []string, s string) []string {
	out := in[:0]
	for _, v := range in {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
