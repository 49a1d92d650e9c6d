package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jbweber/sma/internal/client"
	"github.com/jbweber/sma/internal/config"
	"github.com/jbweber/sma/internal/output"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	agentAddr    string
	callTimeout  time.Duration
	outputFormat string
	noHeaders    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sma",
	Short: "SMA - storage management agent",
	Long: `sma exposes storage volumes to hosts and VMs through NVMe/TCP,
vhost-user block and NVMe/VFIO-user devices provisioned on a storage target.

Run "sma serve" to start the agent. The other commands talk to a running
agent over gRPC.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&agentAddr, "addr", envOr("SMA_ADDR", config.DefaultGRPCAddr), "agent address (host:port or unix:///path)")
	rootCmd.PersistentFlags().DurationVar(&callTimeout, "timeout", 2*time.Minute, "timeout for agent calls")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(deviceCmd)
	rootCmd.AddCommand(volumeCmd)
	rootCmd.AddCommand(targetCmd)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// addOutputFlags registers -o and --no-headers on a read command.
func addOutputFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "output format (table, yaml, json)")
	cmd.Flags().BoolVar(&noHeaders, "no-headers", false, "omit table headers")
}

func newFormatter() (output.Formatter, error) {
	format, err := output.ParseFormat(outputFormat)
	if err != nil {
		return nil, err
	}
	return output.NewFormatter(output.Options{Format: format, NoHeaders: noHeaders})
}

// withClient dials the agent and runs fn with a call-scoped context.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client) error) error {
	c, err := client.Dial(agentAddr)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := c.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close connection: %v\n", closeErr)
		}
	}()

	ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
	defer cancel()
	return fn(ctx, c)
}
