package strategy

import (
	"fmt"
	"sort"

	"github.com/gridrepl/gridrepl/internal/channel"
)

// Hop is one record of a replication tree: the channel it is keyed by moves
// data from SourceSE to DestSE, after Ancestor (if any) has delivered it to
// SourceSE.
type Hop struct {
	Ancestor channel.ID `yaml:"ancestor,omitempty" json:"ancestor,omitempty"`
	Strategy Name       `yaml:"strategy" json:"strategy"`
	SourceSE string     `yaml:"source_se" json:"source_se"`
	DestSE   string     `yaml:"dest_se" json:"dest_se"`
}

// IsRoot reports whether the hop starts from an original source.
func (h Hop) IsRoot() bool {
	return h.Ancestor == ""
}

// Tree maps channel IDs to hops. A channel appears at most once per tree.
type Tree map[channel.ID]Hop

// Roots returns the IDs of hops without an ancestor, sorted.
func (t Tree) Roots() []channel.ID {
	var roots []channel.ID
	for id, h := range t {
		if h.IsRoot() {
			roots = append(roots, id)
		}
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i] < roots[j] })
	return roots
}

// Order returns the channel IDs so that every hop follows its ancestor.
// Siblings are ordered by ID.
func (t Tree) Order() []channel.ID {
	children := make(map[channel.ID][]channel.ID)
	for id, h := range t {
		if !h.IsRoot() {
			children[h.Ancestor] = append(children[h.Ancestor], id)
		}
	}
	for _, c := range children {
		sort.Slice(c, func(i, j int) bool { return c[i] < c[j] })
	}

	order := make([]channel.ID, 0, len(t))
	queue := t.Roots()
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		queue = append(queue, children[id]...)
	}
	return order
}

// Depth returns the number of hops from the root to the given channel,
// counting the channel itself.
func (t Tree) Depth(id channel.ID) int {
	depth := 0
	for cur, ok := t[id]; ok; cur, ok = t[cur.Ancestor] {
		depth++
		if cur.IsRoot() || depth > len(t) {
			break
		}
	}
	return depth
}

// Validate checks the structural invariants of a tree produced for the given
// targets: every ancestor exists, every ancestor chain ends at a root, and
// every target is the destination of exactly one hop.
func (t Tree) Validate(targets []string) error {
	served := make(map[string]int)
	for id, h := range t {
		served[h.DestSE]++

		seen := map[channel.ID]bool{id: true}
		for cur := h; !cur.IsRoot(); {
			next, ok := t[cur.Ancestor]
			if !ok {
				return fmt.Errorf("hop %s: ancestor %s is not in the tree", id, cur.Ancestor)
			}
			if seen[cur.Ancestor] {
				return fmt.Errorf("hop %s: ancestor chain loops through %s", id, cur.Ancestor)
			}
			seen[cur.Ancestor] = true
			cur = next
		}
	}

	for _, target := range targets {
		switch served[target] {
		case 0:
			return fmt.Errorf("target %s is not served by the tree", target)
		case 1:
		default:
			return fmt.Errorf("target %s is served %d times", target, served[target])
		}
	}
	return nil
}
