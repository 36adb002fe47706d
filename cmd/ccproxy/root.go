package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ccproxy",
	Short: "Local reverse proxy for LLM chat APIs",
	Long: `ccproxy is a local reverse proxy that accepts OpenAI Chat Completions,
OpenAI Responses, and Anthropic Messages requests and forwards them to the
Claude REST API, the OpenAI Codex backend, or GitHub Copilot.

It translates request and response bodies between wire formats (including
Server-Sent Event streams), attaches subscription OAuth credentials with
refresh-on-use, validates requests against model cards, and exposes
Prometheus metrics and an optional sqlite access log.`,
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
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
}
