// Package main is the CLI entry point for the ComfyUI agent: a
// conversational assistant that drives a ComfyUI image-generation backend
// through natural language.
//
// Start the HTTP/WebSocket gateway:
//
//	comfyui-agent serve --config config.yaml
//
// Or chat in the terminal:
//
//	comfyui-agent chat
//
// Configuration can also be provided via environment variables; in
// particular ANTHROPIC_API_KEY (or OPENAI_API_KEY for OpenAI-compatible
// backends) supplies the model credential.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "comfyui-agent",
		Short: "Conversational agent for ComfyUI",
		Long: `comfyui-agent drives a ComfyUI backend through natural language.

It discovers the backend's installed nodes and models, builds and validates
workflow graphs, submits them for execution, and watches progress — exposed
over an HTTP/WebSocket API or an interactive terminal chat.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildChatCmd(),
	)
	return rootCmd
}
