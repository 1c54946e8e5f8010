package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	redisAddr  string
	redisPass  string
	redisDB    int
	keyPrefix  string
	mode       string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay - cross-process function calls over Redis",
		Long:  "Relay lets a process invoke named functions registered by workers in other processes, over Redis streams or pub/sub, and wait for their results.",
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (json or yaml)")
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis", "", "Redis address")
	rootCmd.PersistentFlags().StringVar(&redisPass, "redis-pass", "", "Redis password")
	rootCmd.PersistentFlags().IntVar(&redisDB, "redis-db", -1, "Redis database")
	rootCmd.PersistentFlags().StringVar(&keyPrefix, "prefix", "", "Key prefix")
	rootCmd.PersistentFlags().StringVar(&mode, "mode", "", "Registry mode: local, pubsub, streams")

	rootCmd.AddCommand(
		serveCmd(),
		callCmd(),
		functionsCmd(),
		consumersCmd(),
		recoverCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
