package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration after file, environment and --set overrides",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if outFormat == "json" && !cmd.Flags().Changed("output") {
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(out)
			return err
		}
		return writeOutput(os.Stdout, cfg, outFormat)
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
