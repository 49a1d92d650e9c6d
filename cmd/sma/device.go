package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	apiv1 "github.com/jbweber/sma/api/v1"
	"github.com/jbweber/sma/internal/client"
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Manage devices",
	Long: `Create, inspect and delete agent-managed devices.

A device is a transport endpoint (an NVMe/TCP subsystem, a vhost-user block
controller or an NVMe/VFIO-user controller) that volumes are attached to.`,
}

var (
	createTransport      string
	createParams         []string
	createIdempotencyKey string
)

func init() {
	deviceCmd.AddCommand(deviceCreateCmd)
	deviceCmd.AddCommand(deviceDeleteCmd)
	deviceCmd.AddCommand(deviceGetCmd)
	deviceCmd.AddCommand(deviceListCmd)

	deviceCreateCmd.Flags().StringVarP(&createTransport, "transport", "t", "", "transport kind (nvme-tcp, vhost-blk, nvme-vfio)")
	deviceCreateCmd.Flags().StringArrayVarP(&createParams, "param", "p", nil, "transport parameter as key=value (repeatable)")
	deviceCreateCmd.Flags().StringVar(&createIdempotencyKey, "idempotency-key", "", "key that makes a retried create return the same device")
	_ = deviceCreateCmd.MarkFlagRequired("transport")

	addOutputFlags(deviceGetCmd)
	addOutputFlags(deviceListCmd)
}

var deviceCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a device",
	Long: `Create a device and print its handle.

Example:
  sma device create -t nvme-tcp -p subsystem=nqn.2016-06.io.spdk:cnode1 \
      -p address=10.0.0.5 -p port=4420`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := parseParams(createParams)
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			handle, err := c.CreateDevice(ctx, &apiv1.CreateDeviceRequest{
				Transport:      createTransport,
				Params:         params,
				IdempotencyKey: createIdempotencyKey,
			})
			if err != nil {
				return fmt.Errorf("failed to create device: %w", err)
			}
			fmt.Println(handle)
			return nil
		})
	},
}

var deviceDeleteCmd = &cobra.Command{
	Use:   "delete <handle>",
	Short: "Delete a device",
	Long: `Delete a device and release its target resources.

Depending on the agent's busy policy, a device with attached volumes is
either refused (DeviceBusy) or has its volumes detached first.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			if err := c.DeleteDevice(ctx, args[0]); err != nil {
				return fmt.Errorf("failed to delete device: %w", err)
			}
			fmt.Printf("✓ Device %s deleted\n", args[0])
			return nil
		})
	},
}

var deviceGetCmd = &cobra.Command{
	Use:   "get <handle>",
	Short: "Show a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		formatter, err := newFormatter()
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			dev, err := c.GetDevice(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to get device: %w", err)
			}
			result, err := formatter.FormatDevice(dev)
			if err != nil {
				return fmt.Errorf("failed to format output: %w", err)
			}
			fmt.Print(result)
			return nil
		})
	},
}

var deviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		formatter, err := newFormatter()
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			devs, err := c.ListDevices(ctx)
			if err != nil {
				return fmt.Errorf("failed to list devices: %w", err)
			}
			result, err := formatter.FormatDeviceList(devs)
			if err != nil {
				return fmt.Errorf("failed to format output: %w", err)
			}
			fmt.Print(result)
			return nil
		})
	},
}
