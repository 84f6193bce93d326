package main

import (
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gridrepl/gridrepl/internal/channel"
	"github.com/gridrepl/gridrepl/internal/storage"
	"github.com/gridrepl/gridrepl/internal/strategy"
	"github.com/gridrepl/gridrepl/pkg/bytesize"
)

var (
	planSnapshot string
	planSources  []string
	planTargets  []string
	planSize     string
	planStrategy string
)

func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Plan a replication tree",
		Long: `Plan the replication tree that moves a file from one of the sources to every
target, using the channel graph of a snapshot file.

When a config file is given, storage elements are mapped to sites through it
and its strategy, failure rate and snapshot file are used as defaults.

Strategies: Simple, Swarm, MinimiseTotalWait, DynamicThroughput`,
		RunE: runPlan,
	}
	cmd.Flags().StringVar(&planSnapshot, "snapshot", "", "channel snapshot file (YAML)")
	cmd.Flags().StringSliceVar(&planSources, "source", nil, "source storage elements")
	cmd.Flags().StringSliceVar(&planTargets, "target", nil, "target storage elements")
	cmd.Flags().StringVar(&planSize, "size", "0", "file size, e.g. 2GB")
	cmd.Flags().StringVar(&planStrategy, "strategy", "", "planning strategy (default MinimiseTotalWait)")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

type planHop struct {
	Channel      channel.ID `yaml:"channel"`
	strategy.Hop `yaml:",inline"`
}

type planOutput struct {
	Strategy strategy.Name `yaml:"strategy"`
	Size     string        `yaml:"size"`
	Hops     []planHop     `yaml:"hops"`
}

func runPlan(cmd *cobra.Command, args []string) error {
	name := strategy.MinimiseTotalWait
	snapshotPath := planSnapshot
	var (
		sites       storage.SiteResolver
		failureRate float64
	)
	if cfgFile != "" {
		cfg, err := loadConfig(cfgFile)
		if err != nil {
			return err
		}
		name = cfg.StrategyName()
		sites = cfg.Registry()
		failureRate = cfg.Agent.AcceptableFailureRate
		if snapshotPath == "" {
			snapshotPath = cfg.SnapshotFile
		}
	}
	if planStrategy != "" {
		parsed, err := strategy.ParseName(planStrategy)
		if err != nil {
			return err
		}
		name = parsed
	}
	if snapshotPath == "" {
		return fmt.Errorf("--snapshot is required")
	}

	size, err := bytesize.Parse(planSize)
	if err != nil {
		return fmt.Errorf("invalid --size: %w", err)
	}

	snap, err := channel.LoadSnapshot(snapshotPath)
	if err != nil {
		return err
	}
	graph := channel.NewGraph()
	if err := snap.Apply(graph); err != nil {
		return err
	}

	engine := strategy.NewEngine(strategy.Config{
		Graph:                 graph,
		Sites:                 sites,
		AcceptableFailureRate: failureRate,
		Logger:                log.Logger,
	})
	tree, err := engine.Plan(planSources, planTargets, size, name)
	if err != nil {
		return err
	}
	if err := tree.Validate(planTargets); err != nil {
		return fmt.Errorf("planned tree is inconsistent: %w", err)
	}

	return writePlan(cmd.OutOrStdout(), name, size, tree)
}

func writePlan(w io.Writer, name strategy.Name, size int64, tree strategy.Tree) error {
	out := planOutput{Strategy: name, Size: bytesize.Format(size)}
	for _, id := range tree.Order() {
		out.Hops = append(out.Hops, planHop{Channel: id, Hop: tree[id]})
	}
	return writeYAML(w, out)
}
