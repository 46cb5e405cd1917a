// Command toolbridge-stub is a scriptable tool host for trying the bridge
// without a real backend. It speaks line-delimited JSON-RPC on stdio.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alucardeht/toolbridge/internal/stub"
)

var (
	mode  string
	delay time.Duration
)

var rootCmd = &cobra.Command{
	Use:          "toolbridge-stub",
	Short:        "Scriptable JSON-RPC tool host for testing toolbridge",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return stub.Serve(ctx, os.Stdin, os.Stdout, stub.Options{Mode: stub.Mode(mode), Delay: delay})
	},
}

func init() {
	rootCmd.Flags().StringVar(&mode, "mode", string(stub.ModeEcho), "Behaviour: echo, silent, exit or noisy")
	rootCmd.Flags().DurationVar(&delay, "delay", 0, "Delay before each reply")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
