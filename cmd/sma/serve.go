package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jbweber/sma/internal/agent"
	"github.com/jbweber/sma/internal/config"
	"github.com/jbweber/sma/internal/device"
	"github.com/jbweber/sma/internal/device/nvmftcp"
	"github.com/jbweber/sma/internal/device/vfiouser"
	"github.com/jbweber/sma/internal/device/vhostblk"
	"github.com/jbweber/sma/internal/journal"
	"github.com/jbweber/sma/internal/libvirt"
	"github.com/jbweber/sma/internal/registry"
	"github.com/jbweber/sma/internal/server"
	"github.com/jbweber/sma/internal/target"
)

var (
	serveConfigPath   string
	serveListen       string
	serveTargetSocket string
)

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "path to the agent configuration file")
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "gRPC listen address (overrides server.grpc_addr)")
	serveCmd.Flags().StringVar(&serveTargetSocket, "target-socket", "", "storage target control socket (overrides target.socket)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the storage management agent",
	Long: `Run the agent: connect to the storage target, restore devices from the
journal, reconcile them against the target and serve the gRPC API until
interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadServeConfig()
		if err != nil {
			return err
		}
		logger := setupLogger(cfg.Logging)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runServe(ctx, cfg, logger)
	},
}

func loadServeConfig() (*config.Config, error) {
	cfg := config.Default()
	if serveConfigPath != "" {
		loaded, err := config.Load(serveConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if serveListen != "" {
		cfg.Server.GRPCAddr = serveListen
		cfg.Server.Socket = ""
	}
	if serveTargetSocket != "" {
		cfg.Target.Socket = serveTargetSocket
	}
	return cfg, nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	tc := target.NewClient(cfg.Target.Socket, cfg.Target.Timeout)
	retry := device.RetryPolicy{
		Retries:  cfg.Agent.Retries(),
		Interval: device.DefaultRetryPolicy().Interval,
	}

	vhostOpts := vhostblk.Options{
		SocketDir: cfg.Devices.VhostBlk.SocketDir,
		CPUMask:   cfg.Devices.VhostBlk.CPUMask,
		Retry:     retry,
		Logger:    logger,
	}
	if cfg.Libvirt.Socket != "" {
		lv, err := libvirt.ConnectWithContext(ctx, cfg.Libvirt.Socket, cfg.Libvirt.Timeout)
		if err != nil {
			return fmt.Errorf("failed to connect to libvirt: %w", err)
		}
		defer func() {
			if err := lv.Close(); err != nil {
				logger.Warn("failed to close libvirt connection", "error", err)
			}
		}()
		version, err := lv.Version()
		if err != nil {
			return err
		}
		vhostOpts.VM = lv.HotPlugger()
		logger.Info("vm hot-plug enabled", "libvirt_socket", lv.Socket(), "libvirt_version", version)
	}

	managers := []device.Manager{
		nvmftcp.New(tc, nvmftcp.Options{
			ReuseSubsystem: cfg.Devices.NVMeTCP.ReuseSubsystem,
			Retry:          retry,
			Logger:         logger,
		}),
		vhostblk.New(tc, vhostOpts),
		vfiouser.New(tc, vfiouser.Options{
			SocketDir:     cfg.Devices.NVMeVFIO.SocketDir,
			MaxNamespaces: cfg.Devices.NVMeVFIO.MaxNamespaces,
			Retry:         retry,
			Logger:        logger,
		}),
	}

	policy, err := agent.ParseBusyPolicy(cfg.Agent.BusyPolicy)
	if err != nil {
		return err
	}
	opts := agent.Options{BusyPolicy: policy, Logger: logger}

	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := j.Close(); err != nil {
				logger.Warn("failed to close journal", "error", err)
			}
		}()
		opts.Journal = j
	}

	disp, err := agent.New(registry.New(), opts, managers...)
	if err != nil {
		return err
	}

	if version, err := tc.Version(ctx); err != nil {
		logger.Warn("storage target not reachable at startup", "socket", cfg.Target.Socket, "error", err)
	} else {
		logger.Info("connected to storage target", "socket", cfg.Target.Socket, "version", version)
	}

	if cfg.Agent.ReconcileEnabled() {
		report, err := disp.Reconcile(ctx)
		if err != nil {
			return fmt.Errorf("reconciliation failed: %w", err)
		}
		logger.Info("reconciliation complete",
			"restored", report.Restored,
			"dropped", report.Dropped,
			"recovered", report.Recovered,
			"quarantined", report.Quarantined)
	}

	lis, err := listen(cfg.Server)
	if err != nil {
		return err
	}

	srv := server.New(server.NewService(disp, tc), logger)
	srv.SetServing()
	logger.Info("agent ready", "busy_policy", string(policy), "plugins", len(managers))
	return srv.Serve(ctx, lis)
}

// listen opens the unix socket when one is configured, replacing a stale
// socket file, and the TCP address otherwise.
func listen(cfg config.ServerConfig) (net.Listener, error) {
	if cfg.Socket == "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", cfg.GRPCAddr, err)
		}
		return lis, nil
	}

	if err := os.Remove(cfg.Socket); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale socket %s: %w", cfg.Socket, err)
	}
	lis, err := net.Listen("unix", cfg.Socket)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Socket, err)
	}
	return lis, nil
}
