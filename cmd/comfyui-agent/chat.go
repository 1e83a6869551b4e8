package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yejunhao159/comfyui-agent/internal/config"
	"github.com/yejunhao159/comfyui-agent/internal/events"
)

func buildChatCmd() *cobra.Command {
	var configPath string
	var sessionID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			rt, err := newRuntime(cfg, false)
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, stop := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt.connectBackend(ctx)

			if sessionID == "" {
				id, err := rt.store.Create("CLI Session")
				if err != nil {
					return err
				}
				sessionID = id
			}

			return runREPL(ctx, rt, sessionID)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file (default config.yaml)")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Resume an existing session")
	return cmd
}

// runREPL reads user input line by line and renders the agent's activity
// from bus events: streamed text, tool indicators, and turn statistics.
func runREPL(ctx context.Context, rt *runtime, sessionID string) error {
	out := os.Stdout

	connected := false
	if _, err := rt.comfy.SystemStats(ctx); err == nil {
		connected = true
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "ComfyUI Agent — natural language control for ComfyUI")
	if connected {
		fmt.Fprintln(out, "  ● ComfyUI connected")
	} else {
		fmt.Fprintln(out, "  ● ComfyUI not reachable")
	}
	fmt.Fprintln(out, "  Type your message, or 'quit' to exit")
	fmt.Fprintln(out)

	streaming := false
	unsubs := []func(){
		rt.bus.Subscribe(events.StreamTextDelta, func(ev events.Event) {
			if ev.SessionID != sessionID {
				return
			}
			if text, ok := ev.Data["text"].(string); ok {
				streaming = true
				fmt.Fprint(out, text)
			}
		}),
		rt.bus.Subscribe(events.StateToolExecuting, func(ev events.Event) {
			if ev.SessionID != sessionID {
				return
			}
			if streaming {
				fmt.Fprintln(out)
				streaming = false
			}
			fmt.Fprintf(out, "  ⚡ %s...", toolLabel(ev))
		}),
		rt.bus.Subscribe(events.StateToolCompleted, func(ev events.Event) {
			if ev.SessionID == sessionID {
				fmt.Fprintln(out, " ✓")
			}
		}),
		rt.bus.Subscribe(events.StateToolFailed, func(ev events.Event) {
			if ev.SessionID == sessionID {
				fmt.Fprintln(out, " ✗")
			}
		}),
		rt.bus.Subscribe(events.TurnEnd, func(ev events.Event) {
			if ev.SessionID != sessionID {
				return
			}
			durationMS, _ := ev.Data["duration_ms"].(int64)
			iterations, _ := ev.Data["iterations"].(int)
			fmt.Fprintf(out, "\n  (%.1fs · %d steps)\n", float64(durationMS)/1000, iterations)
		}),
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			return nil
		}

		streaming = false
		if _, err := rt.loop.Run(ctx, sessionID, line); err != nil {
			fmt.Fprintf(out, "\nError: %v\n", err)
		}
		fmt.Fprintln(out)

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

func toolLabel(ev events.Event) string {
	name, _ := ev.Data["tool_name"].(string)
	if name == "" {
		return "tool"
	}
	name = strings.TrimPrefix(name, "comfyui_")
	return strings.ReplaceAll(name, "_", " ")
}
