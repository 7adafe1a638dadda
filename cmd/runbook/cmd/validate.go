package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate <filename>",
	Short: "Validate a runbook without executing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		svc, err := buildService()
		if err != nil {
			return err
		}

		env, err := parseEnvFlags()
		if err != nil {
			return err
		}

		result, err := svc.Validate(context.Background(), args[0], localIdentity(), localBreadcrumb(), env)
		if err != nil {
			return err
		}

		if err := printJSON(result); err != nil {
			return err
		}

		if !result.Success {
			return fmt.Errorf("validation failed")
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringVar(&localUser, "user", "cli", "user ID recorded in history")
	validateCmd.Flags().StringArrayVar(&localClaims, "claim", nil, "identity claim as name=value[,value...] (repeatable)")
	validateCmd.Flags().StringArrayVar(&localEnv, "env", nil, "environment variable as NAME=value (repeatable)")
}
