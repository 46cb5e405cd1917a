package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/alucardeht/toolbridge/internal/cache"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the fallback result cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print fallback cache statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCache(func(c *cache.Cache) error {
			return writeOutput(os.Stdout, c.Stats(), outFormat)
		})
	},
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Drop every cached result, including the persistent store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCache(func(c *cache.Cache) error {
			before := c.Stats().Persisted
			if err := c.Purge(); err != nil {
				return err
			}
			return writeOutput(os.Stdout, map[string]int{"purged": before}, outFormat)
		})
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd, cachePurgeCmd)
	rootCmd.AddCommand(cacheCmd)
}

// withCache opens the configured cache without starting the tool host.
func withCache(fn func(*cache.Cache) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := cache.New(cfg.Cache)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}
