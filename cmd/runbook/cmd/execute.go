package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var executeCmd = &cobra.Command{
	Use:   "execute <filename>",
	Short: "Execute a runbook",
	Long: `Validate and execute a runbook's script. The run is appended to the
runbook's history section regardless of outcome.

Examples:
  runbook execute SimpleRunbook.md
  runbook execute deploy.md --claim roles=admin --env TARGET=staging`,
	Args: cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		svc, err := buildService()
		if err != nil {
			return err
		}

		env, err := parseEnvFlags()
		if err != nil {
			return err
		}

		result, err := svc.Execute(context.Background(), args[0], localIdentity(), localBreadcrumb(), env, "")
		if err != nil {
			return err
		}

		if err := printJSON(result); err != nil {
			return err
		}

		if !result.Success {
			return fmt.Errorf("execution failed with return code %d", result.ReturnCode)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(executeCmd)

	executeCmd.Flags().StringVar(&localUser, "user", "cli", "user ID recorded in history")
	executeCmd.Flags().StringArrayVar(&localClaims, "claim", nil, "identity claim as name=value[,value...] (repeatable)")
	executeCmd.Flags().StringArrayVar(&localEnv, "env", nil, "environment variable as NAME=value (repeatable)")
}
