package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/alucardeht/toolbridge/internal/config"
	"github.com/alucardeht/toolbridge/internal/logger"
	"github.com/alucardeht/toolbridge/internal/service"
)

var (
	configPath string
	hostCmd    string
	hostArgs   []string
	logLevel   string
	logFormat  string
	outFormat  string
	overrides  []string
)

var rootCmd = &cobra.Command{
	Use:           "toolbridge",
	Short:         "Resilient client for line-delimited JSON-RPC tool hosts",
	Long:          "toolbridge spawns a tool host process, talks JSON-RPC 2.0 to it over stdio and adds retries, health monitoring and graceful degradation.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		level, format := cfg.Logging.Level, cfg.Logging.Format
		if cmd.Flags().Changed("log-level") {
			level = logLevel
		}
		if cmd.Flags().Changed("log-format") {
			format = logFormat
		}
		logger.Init(logger.FromStrings(level, format))
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	flags.StringVar(&hostCmd, "host", "", "Tool host executable (overrides process.command)")
	flags.StringSliceVar(&hostArgs, "host-arg", nil, "Argument passed to the tool host (repeatable)")
	flags.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "text", "Log format (text, json)")
	flags.StringVarP(&outFormat, "output", "o", "json", "Output format (json, yaml)")
	flags.StringArrayVar(&overrides, "set", nil, "YAML fragment merged over the loaded config, e.g. 'retry: {max_retries: 5}' (repeatable)")
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	merged := *cfg
	for _, doc := range overrides {
		if merged, err = config.Merge(merged, []byte(doc)); err != nil {
			return config.Config{}, fmt.Errorf("--set %q: %w", doc, err)
		}
	}
	if hostCmd != "" {
		merged.Process.Command = hostCmd
		merged.Process.Args = hostArgs
	}
	return merged, merged.Validate()
}

// connect builds the service from flags and connects it. The returned
// function disconnects and releases resources.
func connect(ctx context.Context) (*service.Service, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	svc, err := service.New(cfg)
	if err != nil {
		return nil, nil, err
	}

	closeFn := func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Process.ShutdownGrace+2*time.Second)
		defer cancel()
		svc.Close(ctx)
	}

	if err := svc.Connect(ctx); err != nil {
		closeFn()
		return nil, nil, err
	}
	return svc, closeFn, nil
}
