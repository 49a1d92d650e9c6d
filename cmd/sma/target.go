package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jbweber/sma/internal/client"
)

var targetCmd = &cobra.Command{
	Use:   "target",
	Short: "Inspect the storage target",
}

func init() {
	targetCmd.AddCommand(targetPingCmd)
}

var targetPingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the agent can reach the storage target",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			version, err := c.PingTarget(ctx)
			if err != nil {
				return fmt.Errorf("target unreachable: %w", err)
			}
			fmt.Printf("✓ Target version: %s\n", version)
			return nil
		})
	},
}
