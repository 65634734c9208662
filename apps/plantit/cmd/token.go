package cmd

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/api/config"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/api/schemas"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/api/services/iam"
)

var (
	tokenTTL   time.Duration
	tokenEmail string
)

var tokenCmd = &cobra.Command{
	Use:   "token <username>",
	Short: "Issue an API bearer token for a user",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.ValidateEnv()
		if err != nil {
			log.Fatalf("❌ %v\n", err)
		}
		svc := iam.NewIAMService(cfg.AuthSecret, newLogger())
		token, err := svc.IssueToken(&schemas.User{Username: args[0], Email: tokenEmail}, tokenTTL)
		if err != nil {
			log.Fatalf("failed to issue token: %v", err)
		}
		fmt.Println(token)
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "Email claim")
}
