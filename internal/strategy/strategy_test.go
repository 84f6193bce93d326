package strategy

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridrepl/gridrepl/internal/channel"
	"github.com/gridrepl/gridrepl/internal/storage"
)

func newEngine(t *testing.T, defs []channel.Definition, bw []channel.Bandwidth, fails []channel.Failures) *Engine {
	t.Helper()
	g := channel.NewGraph()
	require.NoError(t, g.Rebuild(defs, bw, fails))
	return NewEngine(Config{Graph: g, Logger: zerolog.Nop()})
}

func TestPlan_SimpleSingleHop(t *testing.T) {
	e := newEngine(t, []channel.Definition{
		{Source: "CERN", Dest: "PIC"},
		{Source: "CERN", Dest: "CNAF"},
	}, nil, nil)

	tree, err := e.Plan([]string{"CERN"}, []string{"PIC"}, 1000, Simple)
	require.NoError(t, err)

	assert.Equal(t, Tree{
		"CERN-PIC": {Strategy: Simple, SourceSE: "CERN", DestSE: "PIC"},
	}, tree)
}

func TestPlan_SimpleMultipleTargets(t *testing.T) {
	e := newEngine(t, []channel.Definition{
		{Source: "CERN", Dest: "PIC"},
		{Source: "CERN", Dest: "CNAF"},
	}, nil, nil)

	tree, err := e.Plan([]string{"CERN"}, []string{"PIC", "CNAF"}, 1000, Simple)
	require.NoError(t, err)
	require.Len(t, tree, 2)
	for _, h := range tree {
		assert.True(t, h.IsRoot())
	}
	require.NoError(t, tree.Validate([]string{"PIC", "CNAF"}))
}

func TestPlan_SimpleErrors(t *testing.T) {
	e := newEngine(t, []channel.Definition{
		{Source: "CERN", Dest: "PIC"},
		{Source: "CERN", Dest: "RAL", Status: channel.StatusInactive},
	}, nil, nil)

	t.Run("missing channel", func(t *testing.T) {
		_, err := e.Plan([]string{"CERN"}, []string{"GRIDKA"}, 1, Simple)
		var nf *channel.NotFoundError
		assert.True(t, errors.As(err, &nf))
	})

	t.Run("two sources", func(t *testing.T) {
		_, err := e.Plan([]string{"CERN", "PIC"}, []string{"RAL"}, 1, Simple)
		var amb *AmbiguousArgumentError
		assert.True(t, errors.As(err, &amb))
	})

	t.Run("inactive channel", func(t *testing.T) {
		_, err := e.Plan([]string{"CERN"}, []string{"RAL"}, 1, Simple)
		var tc *TreeConstructionError
		assert.True(t, errors.As(err, &tc))
	})
}

func TestPlan_SimpleChannelUsedTwice(t *testing.T) {
	g := channel.NewGraph()
	require.NoError(t, g.Rebuild([]channel.Definition{{Source: "CERN", Dest: "PIC"}}, nil, nil))

	// Two storage elements hosted at the same site share one channel.
	sites := storage.NewRegistry(
		storage.Element{Name: "CERN-DST", Site: "CERN"},
		storage.Element{Name: "PIC-DST", Site: "PIC"},
		storage.Element{Name: "PIC-TAPE", Site: "PIC"},
	)
	e := NewEngine(Config{Graph: g, Sites: sites, Logger: zerolog.Nop()})

	_, err := e.Plan([]string{"CERN-DST"}, []string{"PIC-DST", "PIC-TAPE"}, 1, Simple)
	var tc *TreeConstructionError
	require.True(t, errors.As(err, &tc))
	assert.Contains(t, tc.Reason, "used twice")
}

func TestPlan_Swarm(t *testing.T) {
	e := newEngine(t, []channel.Definition{
		{Source: "CERN", Dest: "PIC"},
		{Source: "RAL", Dest: "PIC"},
		{Source: "CNAF", Dest: "PIC", Status: channel.StatusInactive},
	}, nil, nil)

	tree, err := e.Plan([]string{"CERN", "RAL", "CNAF", "GRIDKA"}, []string{"PIC"}, 1, Swarm)
	require.NoError(t, err)
	assert.Equal(t, Tree{
		"CERN-PIC": {Strategy: Swarm, SourceSE: "CERN", DestSE: "PIC"},
		"RAL-PIC":  {Strategy: Swarm, SourceSE: "RAL", DestSE: "PIC"},
	}, tree)

	_, err = e.Plan([]string{"CERN"}, []string{"PIC", "RAL"}, 1, Swarm)
	var amb *AmbiguousArgumentError
	assert.True(t, errors.As(err, &amb))

	_, err = e.Plan([]string{"GRIDKA"}, []string{"PIC"}, 1, Swarm)
	var nf *channel.NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func multiHopEngine(t *testing.T) *Engine {
	return newEngine(t,
		[]channel.Definition{
			{Source: "CERN", Dest: "RAL"},
			{Source: "RAL", Dest: "PIC"},
			{Source: "CNAF", Dest: "RAL", QueuedSize: 100},
		},
		[]channel.Bandwidth{{ChannelID: "CNAF-RAL", Throughput: 1000}},
		nil,
	)
}

func TestPlan_MinimiseTotalWaitMultiHop(t *testing.T) {
	e := multiHopEngine(t)

	tree, err := e.Plan([]string{"CERN", "CNAF"}, []string{"PIC", "RAL"}, 1000, MinimiseTotalWait)
	require.NoError(t, err)
	require.Len(t, tree, 2)
	require.Len(t, tree.Roots(), 1)

	assert.Equal(t, Hop{Strategy: MinimiseTotalWait, SourceSE: "CERN", DestSE: "RAL"}, tree["CERN-RAL"])
	assert.Equal(t, Hop{Ancestor: "CERN-RAL", Strategy: MinimiseTotalWait, SourceSE: "RAL", DestSE: "PIC"}, tree["RAL-PIC"])
	require.NoError(t, tree.Validate([]string{"PIC", "RAL"}))
	assert.Equal(t, 2, tree.Depth("RAL-PIC"))
}

func TestPlan_DoesNotTouchLiveGraph(t *testing.T) {
	e := multiHopEngine(t)

	_, err := e.Plan([]string{"CERN", "CNAF"}, []string{"PIC", "RAL"}, 1000, MinimiseTotalWait)
	require.NoError(t, err)

	c, err := e.Graph().Get("CERN-RAL")
	require.NoError(t, err)
	assert.Equal(t, 0, c.QueuedFiles)
}

func TestPlan_NoChannelReusedWithOverlappingSets(t *testing.T) {
	// Every site can reach every other site, and sources overlap targets.
	sites := []string{"CERN", "PIC", "RAL", "CNAF"}
	var defs []channel.Definition
	for _, s := range sites {
		for _, d := range sites {
			if s != d {
				defs = append(defs, channel.Definition{Source: s, Dest: d})
			}
		}
	}

	for _, name := range []Name{MinimiseTotalWait, DynamicThroughput} {
		t.Run(string(name), func(t *testing.T) {
			e := newEngine(t, defs, nil, nil)
			tree, err := e.Plan([]string{"CERN", "PIC"}, []string{"PIC", "RAL", "CNAF"}, 10, name)
			require.NoError(t, err)

			require.NoError(t, tree.Validate([]string{"PIC", "RAL", "CNAF"}))
			assert.Len(t, tree, 3)

			// No channel shows up twice along any ancestor chain.
			for id := range tree {
				seen := map[channel.ID]bool{}
				for cur := id; cur != ""; cur = tree[cur].Ancestor {
					assert.False(t, seen[cur], "channel %s reused in chain of %s", cur, id)
					seen[cur] = true
				}
			}
		})
	}
}

func TestPlan_MinimiseTotalWaitTieBreak(t *testing.T) {
	e := newEngine(t, []channel.Definition{
		{Source: "CERN", Dest: "PIC"},
		{Source: "CNAF", Dest: "PIC"},
	}, nil, nil)

	// Equal time-to-start: the lexicographically smaller channel wins, every time.
	for i := 0; i < 5; i++ {
		tree, err := e.Plan([]string{"CNAF", "CERN"}, []string{"PIC"}, 1, MinimiseTotalWait)
		require.NoError(t, err)
		assert.Contains(t, tree, channel.ID("CERN-PIC"))
	}
}

func TestPlan_DynamicThroughputTieBreak(t *testing.T) {
	e := newEngine(t,
		[]channel.Definition{
			{Source: "CNAF", Dest: "PIC"},
			{Source: "CERN", Dest: "PIC"},
		},
		[]channel.Bandwidth{
			{ChannelID: "CNAF-PIC", Throughput: 500},
			{ChannelID: "CERN-PIC", Throughput: 500},
		},
		nil,
	)

	// Equal throughput: the lexicographically smaller channel wins, every time.
	for i := 0; i < 5; i++ {
		tree, err := e.Plan([]string{"CNAF", "CERN"}, []string{"PIC"}, 1, DynamicThroughput)
		require.NoError(t, err)
		assert.Equal(t, Tree{
			"CERN-PIC": {Strategy: DynamicThroughput, SourceSE: "CERN", DestSE: "PIC"},
		}, tree)
	}
}

func TestPlan_MinimiseTotalWaitRelaysThroughServedTarget(t *testing.T) {
	// RAL is reachable directly from CERN, but the idle PIC-RAL channel wins
	// once PIC has been served.
	e := newEngine(t,
		[]channel.Definition{
			{Source: "CERN", Dest: "PIC", QueuedSize: 1000},
			{Source: "CERN", Dest: "RAL", QueuedSize: 2000},
			{Source: "PIC", Dest: "RAL"},
		},
		[]channel.Bandwidth{
			{ChannelID: "CERN-PIC", Throughput: 1000},
			{ChannelID: "CERN-RAL", Throughput: 1000},
			{ChannelID: "PIC-RAL", Throughput: 1000},
		},
		nil,
	)

	tree, err := e.Plan([]string{"CERN"}, []string{"PIC", "RAL"}, 500, MinimiseTotalWait)
	require.NoError(t, err)
	assert.Equal(t, Tree{
		"CERN-PIC": {Strategy: MinimiseTotalWait, SourceSE: "CERN", DestSE: "PIC"},
		"PIC-RAL":  {Ancestor: "CERN-PIC", Strategy: MinimiseTotalWait, SourceSE: "PIC", DestSE: "RAL"},
	}, tree)
}

func TestPlan_DynamicThroughputPrefersFastChannel(t *testing.T) {
	e := newEngine(t,
		[]channel.Definition{
			{Source: "CERN", Dest: "PIC"},
			{Source: "RAL", Dest: "PIC"},
		},
		[]channel.Bandwidth{
			{ChannelID: "CERN-PIC", Throughput: 10},
			{ChannelID: "RAL-PIC", Throughput: 500},
		},
		nil,
	)

	tree, err := e.Plan([]string{"CERN", "RAL"}, []string{"PIC"}, 1, DynamicThroughput)
	require.NoError(t, err)
	assert.Equal(t, Tree{
		"RAL-PIC": {Strategy: DynamicThroughput, SourceSE: "RAL", DestSE: "PIC"},
	}, tree)
}

func TestPlan_GreedyExhaustion(t *testing.T) {
	e := newEngine(t, []channel.Definition{{Source: "CERN", Dest: "PIC"}}, nil, nil)

	_, err := e.Plan([]string{"CERN"}, []string{"PIC", "RAL"}, 1, MinimiseTotalWait)
	var tc *TreeConstructionError
	require.True(t, errors.As(err, &tc))
	assert.Contains(t, tc.Reason, "not defined or already used")
}

func TestPlan_SkipsFailingChannels(t *testing.T) {
	e := newEngine(t,
		[]channel.Definition{
			{Source: "CERN", Dest: "PIC"},
			{Source: "RAL", Dest: "PIC", QueuedSize: 1000},
		},
		[]channel.Bandwidth{{ChannelID: "RAL-PIC", Throughput: 1}},
		[]channel.Failures{{ChannelID: "CERN-PIC", SuccessfulFiles: 1, FailedFiles: 9}},
	)

	tree, err := e.Plan([]string{"CERN", "RAL"}, []string{"PIC"}, 1, MinimiseTotalWait)
	require.NoError(t, err)
	assert.Contains(t, tree, channel.ID("RAL-PIC"))
}

func TestPlan_UnknownStrategy(t *testing.T) {
	e := multiHopEngine(t)
	_, err := e.Plan([]string{"CERN"}, []string{"RAL"}, 1, Name("Teleport"))
	assert.Error(t, err)

	_, err = e.Plan(nil, []string{"RAL"}, 1, Simple)
	var amb *AmbiguousArgumentError
	assert.True(t, errors.As(err, &amb))
}

func TestEngine_Commit(t *testing.T) {
	e := multiHopEngine(t)

	tree, err := e.Plan([]string{"CERN"}, []string{"RAL", "PIC"}, 1000, MinimiseTotalWait)
	require.NoError(t, err)
	require.NoError(t, e.Commit(tree, 1000))

	for _, id := range []channel.ID{"CERN-RAL", "RAL-PIC"} {
		c, err := e.Graph().Get(id)
		require.NoError(t, err)
		assert.Equal(t, 1, c.QueuedFiles, id)
		assert.Equal(t, int64(1000), c.QueuedSize, id)
	}
}

func TestEngine_SelectSource(t *testing.T) {
	e := newEngine(t,
		[]channel.Definition{
			{Source: "CERN", Dest: "PIC", QueuedSize: 5000},
			{Source: "RAL", Dest: "PIC", QueuedSize: 1000},
		},
		[]channel.Bandwidth{
			{ChannelID: "CERN-PIC", Throughput: 1000},
			{ChannelID: "RAL-PIC", Throughput: 1000},
		},
		nil,
	)

	src, err := e.SelectSource([]string{"CERN", "RAL"}, "PIC", 1)
	require.NoError(t, err)
	assert.Equal(t, "RAL", src)

	_, err = e.SelectSource([]string{"GRIDKA"}, "PIC", 1)
	var nf *channel.NotFoundError
	assert.True(t, errors.As(err, &nf))

	_, err = e.SelectSource([]string{"PIC"}, "PIC", 1)
	var tc *TreeConstructionError
	assert.True(t, errors.As(err, &tc))
}

func TestEngine_ReserveShiftsSelection(t *testing.T) {
	e := newEngine(t,
		[]channel.Definition{
			{Source: "CERN", Dest: "PIC", QueuedSize: 1500},
			{Source: "RAL", Dest: "PIC", QueuedSize: 1000},
		},
		[]channel.Bandwidth{
			{ChannelID: "CERN-PIC", Throughput: 1000},
			{ChannelID: "RAL-PIC", Throughput: 1000},
		},
		nil,
	)

	src, err := e.SelectSource([]string{"CERN", "RAL"}, "PIC", 1000)
	require.NoError(t, err)
	assert.Equal(t, "RAL", src)
	require.NoError(t, e.Reserve(src, "PIC", 1000))

	c, err := e.Graph().Get("RAL-PIC")
	require.NoError(t, err)
	assert.Equal(t, 1, c.QueuedFiles)
	assert.Equal(t, int64(2000), c.QueuedSize)

	// RAL now waits 2s against 1.5s for CERN.
	src, err = e.SelectSource([]string{"CERN", "RAL"}, "PIC", 1000)
	require.NoError(t, err)
	assert.Equal(t, "CERN", src)
}

func TestEngine_SelectSourceMultiHop(t *testing.T) {
	e := multiHopEngine(t)

	// PIC is only reachable through RAL; CNAF-RAL has a queue, CERN-RAL not.
	src, err := e.SelectSource([]string{"CNAF", "CERN"}, "PIC", 1000)
	require.NoError(t, err)
	assert.Equal(t, "CERN", src)

	require.NoError(t, e.Reserve(src, "PIC", 1000))
	for _, id := range []channel.ID{"CERN-RAL", "RAL-PIC"} {
		c, err := e.Graph().Get(id)
		require.NoError(t, err)
		assert.Equal(t, 1, c.QueuedFiles, id)
		assert.Equal(t, int64(1000), c.QueuedSize, id)
	}
	c, err := e.Graph().Get("CNAF-RAL")
	require.NoError(t, err)
	assert.Equal(t, 0, c.QueuedFiles)
}

func TestEngine_ReserveErrors(t *testing.T) {
	e := NewEngine(Config{Logger: zerolog.Nop()})
	assert.NoError(t, e.Reserve("CERN", "PIC", 1), "nothing to book without topology")

	e = multiHopEngine(t)
	err := e.Reserve("PIC", "CERN", 1)
	var nf *channel.NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestEngine_SelectSourceWithoutTopology(t *testing.T) {
	e := NewEngine(Config{Logger: zerolog.Nop()})

	src, err := e.SelectSource([]string{"RAL", "CERN"}, "PIC", 1)
	require.NoError(t, err)
	assert.Equal(t, "CERN", src)
}

func TestParseName(t *testing.T) {
	n, err := ParseName("minimisetotalwait")
	require.NoError(t, err)
	assert.Equal(t, MinimiseTotalWait, n)

	_, err = ParseName("fastest")
	assert.Error(t, err)
}
