package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List runbooks in the configured directory",
	RunE: func(_ *cobra.Command, _ []string) error {
		svc, err := buildService()
		if err != nil {
			return err
		}

		entries, err := svc.List(context.Background(), localIdentity(), localBreadcrumb())
		if err != nil {
			return err
		}

		return printJSON(entries)
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
