package cmd

import (
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/api/config"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/api/services"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/db"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Manage the agents declared in plantit.yaml",
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List declared agents",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := GetConfig(cmd)
		exitIfError(err)
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tEXECUTOR\tHOST\tWORKDIR\tACCESS")
		for _, a := range cfg.Agents {
			access := "owner " + a.Owner
			switch {
			case a.Disabled:
				access = "disabled"
			case a.Public:
				access = "public"
			}
			fmt.Fprintf(w, "%s\t%s\t%s@%s:%d\t%s\t%s\n", a.Name, a.Executor, a.Username, a.Hostname, a.Port, a.WorkDir, access)
		}
		w.Flush()
	},
}

var agentsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Upsert declared agents and access policies into the database",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		cfg, err := GetConfig(cmd)
		exitIfError(err)
		exitIfError(cfg.Validate())

		env, err := config.ValidateEnv()
		if err != nil {
			log.Fatalf("❌ %v\n", err)
		}
		database, err := db.New(ctx, services.DBConfig(env))
		if err != nil {
			log.Fatalf("failed to initialize database: %v", err)
		}
		defer database.Close()
		store := db.NewStore(database)

		for _, a := range cfg.Agents {
			exitIfError(store.SaveAgent(ctx, a))
			log.Printf("✓ agent %s (%s)", a.Name, a.Executor)
		}
		for _, p := range cfg.AccessPolicies() {
			exitIfError(store.SavePolicy(ctx, p))
			log.Printf("✓ %s may %s %s", p.Username, p.Role, p.AgentName)
		}
	},
}

func init() {
	rootCmd.AddCommand(agentsCmd)
	agentsCmd.AddCommand(agentsListCmd, agentsSyncCmd)
}
