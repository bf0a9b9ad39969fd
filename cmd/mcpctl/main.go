// Command mcpctl is the transparent CLI for mcpd: every subcommand routes
// through internal/client.Client. call and list prefer the daemon's
// control socket and fall back to an ephemeral direct session when the
// daemon cannot be reached; the other subcommands need a running daemon.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcpd-project/mcpd/internal/client"
	"github.com/mcpd-project/mcpd/internal/daemonconfig"
	"github.com/mcpd-project/mcpd/internal/display"
	"github.com/mcpd-project/mcpd/internal/protocol"
)

var (
	socketPath    string
	noDaemon      bool
	jsonOutput    bool
	rawOutput     bool
	verbose       bool
	timeoutMs     int
	serverCommand string
)

var rootCmd = &cobra.Command{
	Use:   "mcpctl",
	Short: "Control client for the mcpd MCP daemon",
	Long: `mcpctl talks to a running mcpd daemon over its control socket. If the
daemon is unreachable, it transparently falls back to running the
requested MCP server directly, one shot, and returns the same result
shape either way.`,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", daemonconfig.DefaultSocketPath, "daemon control socket path")
	rootCmd.PersistentFlags().BoolVar(&noDaemon, "no-daemon", false, "always run direct, never contact the daemon")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&rawOutput, "raw", false, "raw output (no color; call results printed unindented; list and status still render tables)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "print which path (daemon/direct) served the request")
	rootCmd.PersistentFlags().IntVar(&timeoutMs, "timeout", 0, "request timeout in milliseconds (0 = backend default)")

	callCmd.Flags().StringVar(&serverCommand, "server-command", "", "full launch command, used to lazily start the server if it isn't already running")
	listCmd.Flags().StringVar(&serverCommand, "server-command", "", "full launch command, used to lazily start the server if it isn't already running")

	rootCmd.AddCommand(callCmd, listCmd, listAllCmd, statusCmd, startCmd, stopCmd, shutdownCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newClient() *client.Client {
	c := client.New(socketPath)
	c.NoDaemon = noDaemon
	c.Verbose = verbose
	return c
}

func printer() *display.Printer {
	format := display.FormatText
	switch {
	case jsonOutput:
		format = display.FormatJSON
	case rawOutput:
		format = display.FormatRaw
	}
	p := display.NewPrinter(format, !jsonOutput && !rawOutput)
	p.Verbose = verbose
	return p
}

func requestTimeout() time.Duration {
	if timeoutMs <= 0 {
		return 0
	}
	return time.Duration(timeoutMs) * time.Millisecond
}

var callCmd = &cobra.Command{
	Use:   "call <server> <tool> [key=value ...]",
	Short: "Call a tool on an MCP server",
	Args:  cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		server, tool := args[0], args[1]
		argsJSON, err := argsToJSON(args[2:])
		if err != nil {
			printer().Error(err)
			os.Exit(1)
		}

		ctx, cancel := context.WithTimeout(context.Background(), callDeadline())
		defer cancel()

		res, err := newClient().Call(ctx, server, serverCommand, tool, argsJSON, requestTimeout())
		if err != nil {
			printer().Error(err)
			os.Exit(1)
		}
		printer().Call(res)
	},
}

var listCmd = &cobra.Command{
	Use:   "list <server>",
	Short: "List tools exposed by one server",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		server := args[0]
		ctx, cancel := context.WithTimeout(context.Background(), callDeadline())
		defer cancel()

		res, err := newClient().List(ctx, server, serverCommand, requestTimeout())
		if err != nil {
			printer().Error(err)
			os.Exit(1)
		}
		printer().List(res)
	},
}

var listAllCmd = &cobra.Command{
	Use:   "list-all",
	Short: "List tools across every server the daemon is running",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := client.New(socketPath).ListAll(context.Background())
		if err != nil {
			printer().Error(err)
			os.Exit(1)
		}
		if jsonOutput {
			data, _ := json.MarshalIndent(resp, "", "  ")
			fmt.Println(string(data))
			return
		}
		for id, set := range resp.Servers {
			fmt.Printf("%s (%d tools)\n", id, set.ToolCount)
			for _, t := range set.Tools {
				fmt.Printf("  %-24s %s\n", t.Name, t.Description)
			}
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show mcpd daemon status",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := controlRequest(protocol.ControlRequest{Command: "status"})
		if err != nil {
			printer().Error(err)
			os.Exit(1)
		}
		printer().Status(resp)
	},
}

var startCmd = &cobra.Command{
	Use:   "start <server_command...>",
	Short: "Start a server on the daemon",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := controlRequest(protocol.ControlRequest{
			Command:       "start",
			ServerCommand: strings.Join(args, " "),
		})
		if err != nil {
			printer().Error(err)
			os.Exit(1)
		}
		if !resp.Success {
			printer().Error(fmt.Errorf("%s", resp.Error))
			os.Exit(1)
		}
		fmt.Println("started")
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <server-id>",
	Short: "Stop a running server",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := controlRequest(protocol.ControlRequest{Command: "stop", Server: args[0]})
		if err != nil {
			printer().Error(err)
			os.Exit(1)
		}
		if !resp.Success {
			printer().Error(fmt.Errorf("%s", resp.Error))
			os.Exit(1)
		}
		fmt.Println("stopped")
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Ask the daemon to shut down gracefully",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := controlRequest(protocol.ControlRequest{Command: "shutdown"})
		if err != nil {
			printer().Error(err)
			os.Exit(1)
		}
		if !resp.Success {
			printer().Error(fmt.Errorf("%s", resp.Error))
			os.Exit(1)
		}
		fmt.Println("shutdown requested")
	},
}

func callDeadline() time.Duration {
	if timeoutMs > 0 {
		return time.Duration(timeoutMs) * time.Millisecond
	}
	return 30 * time.Second
}

func argsToJSON(kvs []string) (json.RawMessage, error) {
	if len(kvs) == 0 {
		return json.RawMessage("{}"), nil
	}
	m := make(map[string]interface{}, len(kvs))
	for _, kv := range kvs {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid argument %q, expected key=value", kv)
		}
		m[parts[0]] = parts[1]
	}
	return json.Marshal(m)
}

func controlRequest(req protocol.ControlRequest) (protocol.ControlResponse, error) {
	return client.New(socketPath).Raw(context.Background(), req, requestTimeout())
}
