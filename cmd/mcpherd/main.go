package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/mcpherd/pkg/client"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "mcpherd",
		Short: "Supervise MCP servers and call them reliably",
	}
	root.AddCommand(
		newServeCmd(),
		newStatusCmd(),
		newStartCmd(),
		newStopCmd(),
		newRestartCmd(),
		newResetCmd(),
		newCallCmd(),
		newToolsCmd(),
	)
	return root
}

func newServeCmd() *cobra.Command {
	var f ServeFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: start configured servers and the ops API",
		RunE:  func(_ *cobra.Command, _ []string) error { return runServe(f) },
	}
	cmd.Flags().StringVarP(&f.ConfigPath, "config", "c", "", "path to mcpherd.toml")
	cmd.Flags().StringVar(&f.Listen, "listen", "", "ops API address (overrides config)")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var f StatusFlags
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show server status",
		RunE:  func(_ *cobra.Command, _ []string) error { return runStatus(f) },
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "server name (all when empty)")
	addAPIFlags(cmd, &f.APIUrl, &f.APITimeout)
	return cmd
}

func newStartCmd() *cobra.Command {
	var f LifecycleFlags
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a configured server",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runLifecycle(f, func(ctx context.Context, c *client.Client, name string) error {
				return c.Start(ctx, name)
			})
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "server name")
	addAPIFlags(cmd, &f.APIUrl, &f.APITimeout)
	return cmd
}

func newStopCmd() *cobra.Command {
	var f LifecycleFlags
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running server",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runLifecycle(f, func(ctx context.Context, c *client.Client, name string) error {
				return c.Stop(ctx, name)
			})
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "server name")
	addAPIFlags(cmd, &f.APIUrl, &f.APITimeout)
	return cmd
}

func newRestartCmd() *cobra.Command {
	var f LifecycleFlags
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart a server (counts against its restart budget)",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runLifecycle(f, func(ctx context.Context, c *client.Client, name string) error {
				return c.Restart(ctx, name)
			})
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "server name")
	addAPIFlags(cmd, &f.APIUrl, &f.APITimeout)
	return cmd
}

func newResetCmd() *cobra.Command {
	var f LifecycleFlags
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear a failed server's restart budget",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runLifecycle(f, func(ctx context.Context, c *client.Client, name string) error {
				return c.Reset(ctx, name)
			})
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "server name")
	addAPIFlags(cmd, &f.APIUrl, &f.APITimeout)
	return cmd
}

func newCallCmd() *cobra.Command {
	var f CallFlags
	cmd := &cobra.Command{
		Use:   "call",
		Short: "Issue one MCP request through the reliability stack",
		RunE:  func(_ *cobra.Command, _ []string) error { return runCall(f) },
	}
	cmd.Flags().StringVar(&f.Server, "server", "", "server name")
	cmd.Flags().StringVar(&f.Method, "method", "", "MCP method, e.g. tools/call")
	cmd.Flags().StringVar(&f.Params, "params", "", "params as a JSON document")
	addAPIFlags(cmd, &f.APIUrl, &f.APITimeout)
	return cmd
}

func newToolsCmd() *cobra.Command {
	var f ToolsFlags
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List a server's tools",
		RunE:  func(_ *cobra.Command, _ []string) error { return runTools(f) },
	}
	cmd.Flags().StringVar(&f.Server, "server", "", "server name")
	addAPIFlags(cmd, &f.APIUrl, &f.APITimeout)
	return cmd
}

func addAPIFlags(cmd *cobra.Command, url *string, timeout *time.Duration) {
	cmd.Flags().StringVar(url, "api-url", "", "daemon API URL (default "+defaultAPIUrl+")")
	cmd.Flags().DurationVar(timeout, "api-timeout", 30*time.Second, "daemon API request timeout")
}
