package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	apiv1 "github.com/jbweber/sma/api/v1"
	"github.com/jbweber/sma/internal/client"
)

var volumeCmd = &cobra.Command{
	Use:   "volume",
	Short: "Attach, detach and rate-limit volumes",
}

var (
	attachParams []string
	qosLimits    apiv1.QoSLimits
)

func init() {
	volumeCmd.AddCommand(volumeAttachCmd)
	volumeCmd.AddCommand(volumeDetachCmd)
	volumeCmd.AddCommand(volumeQoSCmd)
	volumeCmd.AddCommand(volumeQoSCapsCmd)

	volumeAttachCmd.Flags().StringArrayVarP(&attachParams, "param", "p", nil, "attach parameter as key=value (repeatable)")

	volumeQoSCmd.Flags().Uint64Var(&qosLimits.ReadWriteIOPS, "rw-iops", 0, "read/write IOPS limit")
	volumeQoSCmd.Flags().Uint64Var(&qosLimits.ReadWriteBandwidth, "rw-mbps", 0, "read/write bandwidth limit in MB/s")
	volumeQoSCmd.Flags().Uint64Var(&qosLimits.ReadBandwidth, "r-mbps", 0, "read bandwidth limit in MB/s")
	volumeQoSCmd.Flags().Uint64Var(&qosLimits.WriteBandwidth, "w-mbps", 0, "write bandwidth limit in MB/s")
}

var volumeAttachCmd = &cobra.Command{
	Use:   "attach <handle> <volume-id>",
	Short: "Attach a volume to a device",
	Long: `Attach a volume to a device and print the attachment token (namespace
id or LUN). Attaching an already attached volume prints its token again.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := parseParams(attachParams)
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			token, err := c.AttachVolume(ctx, args[0], args[1], params)
			if err != nil {
				return fmt.Errorf("failed to attach volume: %w", err)
			}
			fmt.Println(token)
			return nil
		})
	},
}

var volumeDetachCmd = &cobra.Command{
	Use:   "detach <handle> <volume-id>",
	Short: "Detach a volume from a device",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			if err := c.DetachVolume(ctx, args[0], args[1]); err != nil {
				return fmt.Errorf("failed to detach volume: %w", err)
			}
			fmt.Printf("✓ Volume %s detached from %s\n", args[1], args[0])
			return nil
		})
	},
}

var volumeQoSCmd = &cobra.Command{
	Use:   "qos <handle> <volume-id>",
	Short: "Set rate limits on an attached volume",
	Long: `Set rate limits on an attached volume. Zero means unlimited; at least
one limit must be given.

Example:
  sma volume qos 6f1d2c3b-... vol-1 --rw-iops 20000 --w-mbps 200`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			if err := c.SetQoS(ctx, args[0], args[1], qosLimits); err != nil {
				return fmt.Errorf("failed to set QoS: %w", err)
			}
			fmt.Printf("✓ QoS set on %s\n", args[1])
			return nil
		})
	},
}

var volumeQoSCapsCmd = &cobra.Command{
	Use:   "qos-capabilities <transport>",
	Short: "List the QoS limits a transport supports",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			caps, err := c.QoSCapabilities(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to get QoS capabilities: %w", err)
			}
			fmt.Println(strings.Join(caps, "\n"))
			return nil
		})
	},
}
