package main

import (
	"os"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Start the tool host and run one health check",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeFn, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		result, err := svc.HealthCheck(cmd.Context())
		if err != nil {
			return err
		}
		return writeOutput(os.Stdout, plain(result), outFormat)
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
