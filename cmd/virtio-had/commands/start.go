package commands

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mellanox/dpdk-vhost-vfe/internal/config"
	"github.com/Mellanox/dpdk-vhost-vfe/internal/logger"
	"github.com/Mellanox/dpdk-vhost-vfe/internal/reactor"
	"github.com/Mellanox/dpdk-vhost-vfe/internal/registry"
)

var (
	foreground   bool
	socketPath   string
	sentinelPath string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the vDPA HA context custodian",
	Long: `Start the custodian daemon, which listens for a single worker connection
on a unix-domain control socket and holds VFIO/vhost descriptors on its
behalf across restarts.

By default the daemon runs in the background. Use --foreground to run in
the foreground for debugging or when managed by a process supervisor.

Examples:
  # Start in background (default)
  virtio-had start

  # Start in foreground with a custom socket path
  virtio-had start --foreground --socket-path /var/run/virtio_ha_sock

  # Start with environment variable overrides (applied to keys the
  # configuration file sets)
  VIRTIO_HA_LOGGING_LEVEL=DEBUG virtio-had start --foreground`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "Run in foreground (default: background/daemon mode)")
	startCmd.Flags().StringVar(&socketPath, "socket-path", "", "Override the control socket path")
	startCmd.Flags().StringVar(&sentinelPath, "sentinel-path", "", "Override the PF-reset sentinel file path")
}

func runStart(cmd *cobra.Command, args []string) error {
	if !foreground {
		return startDaemon()
	}

	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}
	if socketPath != "" {
		cfg.Socket.Path = socketPath
	}
	if sentinelPath != "" {
		cfg.Recovery.SentinelPath = sentinelPath
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	logger.Info("starting vdpa ha custodian",
		logger.Path(cfg.Socket.Path), "source", getConfigSource(GetConfigFile()))

	reg := registry.New()
	r, err := reactor.New(reactor.Config{
		SocketPath:     cfg.Socket.Path,
		SentinelPath:   cfg.Recovery.SentinelPath,
		MaxEpollEvents: cfg.Socket.MaxEpollEvents,
	}, reg)
	if err != nil {
		return fmt.Errorf("failed to start reactor: %w", err)
	}
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- r.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("custodian is running, waiting for a worker connection")

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("shutdown signal received, initiating graceful shutdown")
		cancel()

		select {
		case err := <-serverDone:
			if err != nil {
				logger.Error("reactor shutdown error", logger.Err(err))
				return err
			}
		case <-time.After(cfg.ShutdownTimeout):
			logger.Warn("graceful shutdown timed out")
		}
		logger.Info("custodian stopped")

	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("reactor error", logger.Err(err))
			return err
		}
		logger.Info("custodian stopped")
	}

	return nil
}

// startDaemon re-execs the current binary detached via setsid, mirroring the
// teacher's daemon-mode bootstrap.
func startDaemon() error {
	stateDir := os.Getenv("XDG_STATE_HOME")
	if stateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		stateDir = filepath.Join(home, ".local", "state")
	}
	virtioHAStateDir := filepath.Join(stateDir, "virtio-had")
	if err := os.MkdirAll(virtioHAStateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	logPath := filepath.Join(virtioHAStateDir, "virtio-had.log")

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	daemonArgs := []string{"start", "--foreground"}
	if socketPath != "" {
		daemonArgs = append(daemonArgs, "--socket-path", socketPath)
	}
	if sentinelPath != "" {
		daemonArgs = append(daemonArgs, "--sentinel-path", sentinelPath)
	}
	if GetConfigFile() != "" {
		daemonArgs = append(daemonArgs, "--config", GetConfigFile())
	}

	cmd := exec.Command(executable, daemonArgs...)

	logFileHandle, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	cmd.Stdout = logFileHandle
	cmd.Stderr = logFileHandle
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		_ = logFileHandle.Close()
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	_ = logFileHandle.Close()

	fmt.Printf("virtio-had started in background (PID %d)\n", cmd.Process.Pid)
	fmt.Printf("  Log file: %s\n", logPath)
	return nil
}
