package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/alucardeht/toolbridge/internal/monitor"
)

var statusProbe bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Connect to the tool host and print the service status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeFn, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		if statusProbe {
			if _, err := svc.HealthCheck(cmd.Context()); err != nil {
				return err
			}
		}

		st := svc.Status()
		if st.Health.Status == "" {
			st.Health.Status = monitor.StatusUnknown
		}
		return writeOutput(os.Stdout, st, outFormat)
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusProbe, "probe", false, "Run a health check before reporting")
	rootCmd.AddCommand(statusCmd)
}
