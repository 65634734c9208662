package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/db/models"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/flow"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/registry"
)

var (
	validateAgent      string
	validateCheckImage bool
)

var validateCmd = &cobra.Command{
	Use:   "validate <flow.yaml>",
	Short: "Check a workflow configuration without submitting it",
	Long: `Parses a workflow configuration the way submission does. With --agent the
resource limits of that agent from plantit.yaml apply; with --check-image
the container image is looked up on Docker Hub.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		opts, _, err := parseFlow(cmd, args[0], validateAgent, validateCheckImage)
		exitIfError(err)
		fmt.Printf("✓ %s is valid (image %s)\n", args[0], opts.Image)
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().StringVarP(&validateAgent, "agent", "a", "", "Agent from plantit.yaml whose limits apply")
	validateCmd.Flags().BoolVar(&validateCheckImage, "check-image", false, "Look the image up on Docker Hub")
}

// parseFlow decodes and validates a workflow file against an optional
// declared agent.
func parseFlow(cmd *cobra.Command, file, agentName string, checkImage bool) (*flow.RunOptions, *models.Agent, error) {
	cfg, err := GetConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	var agent *models.Agent
	if agentName != "" {
		if agent, err = cfg.Agent(agentName); err != nil {
			return nil, nil, err
		}
	}

	f, err := os.Open(file)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	raw, err := flow.Decode(f)
	if err != nil {
		return nil, nil, err
	}

	var checker flow.ImageChecker
	if checkImage {
		checker = registry.NewHub(registry.WithLogger(newLogger()))
	}
	opts, err := flow.Parse(cmd.Context(), raw, agent, checker)
	return opts, agent, err
}
