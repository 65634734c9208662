package cmd

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/db/models"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/script"
)

var (
	renderAgent  string
	renderInputs []string
	renderEmail  string
	renderFlow   bool
)

const renderGUID = "00000000-0000-0000-0000-000000000000"

var renderCmd = &cobra.Command{
	Use:   "render <flow.yaml>",
	Short: "Print the submission script a workflow would get on an agent",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if renderAgent == "" {
			log.Fatalf("--agent is required")
		}
		cfg, err := GetConfig(cmd)
		exitIfError(err)
		opts, agent, err := parseFlow(cmd, args[0], renderAgent, false)
		exitIfError(err)

		composer, err := script.New(cfg.Script)
		exitIfError(err)

		run := &models.Run{
			GUID:      renderGUID,
			Name:      "render",
			AgentName: agent.Name,
			JobStatus: models.StateCreated,
			WorkDir:   renderGUID + "/",
		}
		req := script.Request{
			Options:    opts,
			Run:        run,
			Agent:      agent,
			InputFiles: renderInputs,
			Email:      renderEmail,
		}
		if agent.Callbacks {
			req.CallbackURL = strings.TrimRight(cfg.BaseURL, "/") + "/api/runs/" + renderGUID + "/status"
		}
		s, err := composer.Compose(req)
		exitIfError(err)

		out := os.Stdout
		fmt.Fprintf(out, "# %s\n", s.Name)
		out.Write(s.Bytes())
		if launch := s.LaunchBytes(); launch != nil {
			fmt.Fprintf(out, "\n# %s\n", script.LaunchFileName)
			out.Write(launch)
		}
		if renderFlow {
			fmt.Fprintf(out, "\n# %s\n", script.FlowFileName)
			out.Write(s.FlowFile)
		}
		if s.AdjustedWalltime != "" {
			fmt.Fprintf(os.Stderr, "ℹ walltime adjusted to %s for %d input(s) on %d node(s)\n", s.AdjustedWalltime, len(renderInputs), s.Nodes)
		}
	},
}

func init() {
	rootCmd.AddCommand(renderCmd)
	renderCmd.Flags().StringVarP(&renderAgent, "agent", "a", "", "Agent from plantit.yaml to render for")
	renderCmd.Flags().StringSliceVarP(&renderInputs, "input", "i", nil, "Input file names, one task each")
	renderCmd.Flags().StringVar(&renderEmail, "email", "", "Notification address for scheduler mail")
	renderCmd.Flags().BoolVar(&renderFlow, "flow", false, "Also print the generated flow.yaml")
}
