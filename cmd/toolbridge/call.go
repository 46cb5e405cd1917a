package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	callTimeout  time.Duration
	callShowMeta bool
)

var callCmd = &cobra.Command{
	Use:   "call <tool> [json-args]",
	Short: "Call one tool and print its result",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runCall,
}

func init() {
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 0, "Overall deadline for the call including retries")
	callCmd.Flags().BoolVar(&callShowMeta, "meta", false, "Include degradation metadata and timing in the output")
	rootCmd.AddCommand(callCmd)
}

func runCall(cmd *cobra.Command, args []string) error {
	tool := args[0]
	toolArgs := json.RawMessage(`{}`)
	if len(args) == 2 {
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("tool arguments must be valid JSON")
		}
		toolArgs = json.RawMessage(args[1])
	}

	ctx := cmd.Context()
	if callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, callTimeout)
		defer cancel()
	}

	svc, closeFn, err := connect(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	res, err := svc.CallTool(ctx, tool, toolArgs)
	if err != nil {
		return err
	}

	if !callShowMeta {
		return writeOutput(os.Stdout, plain(res.Value), outFormat)
	}
	return writeOutput(os.Stdout, map[string]any{
		"tool":             res.Tool,
		"result":           plain(res.Value),
		"degradation":      res.Meta.Level.String(),
		"fallback":         res.Meta.Fallback,
		"cached":           res.Meta.Cached,
		"response_time_ms": res.ResponseTime.Milliseconds(),
	}, outFormat)
}
