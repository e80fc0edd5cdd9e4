package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/config"
)

func newRootCmd() *cobra.Command {
	var (
		configPath string
		verbose    bool
	)

	root := &cobra.Command{
		Use:     appName,
		Short:   "Agent orchestration substrate for adaptive content generation",
		Version: version,
		Long: appName + ` runs the orchestration substrate: a priority message bus,
an admission queue for expensive generation work, a failover provider
router, a byte-budgeted content cache and per-concept depth ladders.`,
		PersistentPreRun: func(*cobra.Command, []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			}
		},
		SilenceUsage: true,
	}

	bindRootFlags(root.PersistentFlags(), &configPath, &verbose)

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newDemoCmd(&configPath))
	root.AddCommand(newHealthCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func bindRootFlags(fs *pflag.FlagSet, configPath *string, verbose *bool) {
	fs.StringVarP(configPath, "config", "c", "", "path to a YAML config file")
	fs.BoolVarP(verbose, "verbose", "v", false, "enable debug logging")
}

// loadConfig resolves the effective configuration: defaults when no file was
// given, otherwise the file layered over them.
func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", appName, version)
		},
	}
}
