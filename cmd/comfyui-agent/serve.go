package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yejunhao159/comfyui-agent/internal/config"
	"github.com/yejunhao159/comfyui-agent/internal/gateway"
)

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP/WebSocket gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			rt, err := newRuntime(cfg, true)
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, stop := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt.connectBackend(ctx)

			server := gateway.NewServer(cfg, rt.store, rt.loop, rt.comfy,
				rt.index, rt.bus, rt.metrics, rt.logger)
			return server.Start(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file (default config.yaml)")
	return cmd
}
