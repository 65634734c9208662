package cmd

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/apps/plantit/internal/catalog"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/plog"
)

type contextKey string

const configContextKey contextKey = "plantitconfig"

var (
	cfgFile string
	verbose bool
	rootCmd = &cobra.Command{
		Use:   "plantit",
		Short: "Run containerized workflows on remote clusters",
		Long: `plantit submits containerized workflow runs over SSH to SLURM or PBS
clusters, or to a sandbox host, tracks them to completion and collects
their results. Use serve to run the API and workers; the remaining
commands work against plantit.yaml and the database directly.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := catalog.Load(cfgFile)
			if err != nil {
				return err
			}
			if err := cfg.Viper().BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configContextKey, cfg))
			return nil
		},
	}
)

// GetConfig retrieves the catalog from the command context
func GetConfig(cmd *cobra.Command) (*catalog.Config, error) {
	cfg, ok := cmd.Context().Value(configContextKey).(*catalog.Config)
	if !ok {
		return nil, errors.New("no config in context")
	}
	return cfg, nil
}

func newLogger() *plog.Logger {
	if verbose {
		return plog.NewVerbose()
	}
	return plog.NewDefault()
}

func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML). Searches: plantit.yaml, .plantit/config.yaml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output")
}
