package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	envFile string
)

var rootCmd = &cobra.Command{
	Use:   "parapet",
	Short: "Parapet - transparent security proxy for LLM provider APIs",
	Long: `Parapet sits between client applications and upstream LLM provider
APIs. It applies a pipeline of security checks to every request — rate
limiting, time-gated blocking, sensitive-data sanitisation, financial
content policy — serves repeated requests from a response cache, records
every outcome in a durable audit log, and publishes real-time
observability events.

Clients point their SDK base URL at a provider namespace:

  http://localhost:3000/openai/v1
  http://localhost:3000/anthropic`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "path to .env file (ignored when absent)")
}
