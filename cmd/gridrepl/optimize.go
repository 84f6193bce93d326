package main

import (
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gridrepl/gridrepl/internal/optimizer"
	"github.com/gridrepl/gridrepl/internal/rms"
)

var optimizeMaxFiles int

func newOptimizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "optimize <requests.yaml>",
		Short: "Show how new requests would be compacted",
		Long: `Run the operation queue optimizer over every request of a requests file and
print the resulting operation lists. Nothing is stored.

Failover storage elements are recognized from the config file when one is
given, by name otherwise.`,
		Args: cobra.ExactArgs(1),
		RunE: runOptimize,
	}
	cmd.Flags().IntVar(&optimizeMaxFiles, "max-files", 0, "maximum files per merged operation (default from config, or 100)")
	return cmd
}

type optimizeResult struct {
	Name       string           `yaml:"name"`
	Changed    bool             `yaml:"changed"`
	Operations []*rms.Operation `yaml:"operations"`
}

func runOptimize(cmd *cobra.Command, args []string) error {
	reqs, err := loadRequests(args[0])
	if err != nil {
		return err
	}

	optCfg := optimizer.Config{Logger: log.Logger}
	if cfgFile != "" {
		cfg, err := loadConfig(cfgFile)
		if err != nil {
			return err
		}
		optCfg.MaxFilesPerOperation = cfg.Agent.MaxFilesPerOperation
		optCfg.Failover = cfg.Registry()
	}
	if optimizeMaxFiles > 0 {
		optCfg.MaxFilesPerOperation = optimizeMaxFiles
	}
	opt := optimizer.New(optCfg)

	results := make([]optimizeResult, 0, len(reqs))
	for _, req := range reqs {
		ops, changed, err := opt.Optimize(req)
		if err != nil {
			return fmt.Errorf("request %q: %w", req.Name, err)
		}
		results = append(results, optimizeResult{Name: req.Name, Changed: changed, Operations: ops})
	}
	return writeYAML(cmd.OutOrStdout(), map[string]any{"requests": results})
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return enc.Close()
}
