package cmd

import (
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/api/config"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/api/services"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove runs older than the retention period",
	Long: `Runs the retention sweep once: runs created more than RETENTION_DAYS ago
lose their remote working directory, archived outputs, logs and records.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		cfg, err := config.ValidateEnv()
		if err != nil {
			log.Fatalf("❌ %v\n", err)
		}
		svcs, err := services.NewServices(ctx, cfg, newLogger())
		if err != nil {
			log.Fatalf("failed to initialize services: %v", err)
		}
		defer svcs.Close(time.Minute)

		log.Printf("🧹 sweeping runs older than %d days", cfg.RetentionDays)
		exitIfError(svcs.Runs.Sweep(ctx))
		log.Printf("✓ sweep complete")
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
