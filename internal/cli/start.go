package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/voxmcp/voxd/internal/config"
	"github.com/voxmcp/voxd/internal/logger"
	"github.com/voxmcp/voxd/internal/tracing"
	"github.com/voxmcp/voxd/pkg/agent"
	"github.com/voxmcp/voxd/pkg/conversation"
	"github.com/voxmcp/voxd/pkg/gateway"
	"github.com/voxmcp/voxd/pkg/mcp"
	"github.com/voxmcp/voxd/pkg/msgqueue"
	"github.com/voxmcp/voxd/pkg/profile"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the voxd daemon",
	Long: `Start the voxd daemon in the foreground. The daemon starts the
configured tool servers, watches their config file for changes, and serves
the gateway API until interrupted.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	pidFile := getPIDFilePath()
	if isRunning(pidFile) {
		return fmt.Errorf("daemon is already running (PID file: %s)", pidFile)
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	lg, err := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
		Pretty:  cfg.Logging.Pretty,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer lg.Close()
	lg.SetGlobal()
	log := lg.Logger()

	if err := tracing.InitOpenTelemetry("voxd"); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.ShutdownOpenTelemetry(ctx)
	}()

	if err := writePIDFile(pidFile); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer os.Remove(pidFile)

	store, err := conversation.New(filepath.Join(cfg.DataDir, "conversations"), log)
	if err != nil {
		return fmt.Errorf("failed to open conversation store: %w", err)
	}
	profiles, err := profile.New(filepath.Join(cfg.DataDir, "profiles"), log)
	if err != nil {
		return fmt.Errorf("failed to open profile store: %w", err)
	}
	queue := msgqueue.New(store, log)

	registry := mcp.NewRegistry(log)
	defer registry.Close()
	if err := mcp.RegisterStandardBuiltins(registry); err != nil {
		return fmt.Errorf("failed to register builtin tools: %w", err)
	}

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	watcher, err := mcp.NewConfigWatcher(watchCtx, registry, cfg.ServersFile, log)
	if err != nil {
		return fmt.Errorf("failed to watch server config: %w", err)
	}
	defer watcher.Stop()

	credentials := make(map[string]agent.ProviderCredentials, len(cfg.Agent.Credentials))
	for _, cred := range cfg.Agent.Credentials {
		credentials[cred.Provider] = agent.ProviderCredentials{
			Provider: cred.Provider,
			APIKey:   cred.APIKey,
			BaseURL:  cred.BaseURL,
		}
	}

	orch, err := agent.NewOrchestrator(agent.Config{
		Store:           store,
		Queue:           queue,
		Registry:        registry,
		Profiles:        profiles,
		Credentials:     credentials,
		Logger:          log,
		SystemPrompt:    cfg.Agent.SystemPrompt,
		DefaultProvider: cfg.Agent.Provider,
		DefaultModel:    cfg.Agent.Model,
		ApprovalTimeout: time.Duration(cfg.Agent.ApprovalTimeoutSec) * time.Second,
		SessionTTL:      time.Duration(cfg.Agent.SessionTTLMin) * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	defer orch.Close()

	server, err := gateway.NewServer(gateway.Config{
		Port:         cfg.Gateway.Port,
		SharedSecret: cfg.Gateway.SharedSecret,
		TickInterval: time.Duration(cfg.Gateway.TickIntervalSec) * time.Second,
		Orchestrator: orch,
		Store:        store,
		Queue:        queue,
		Registry:     registry,
		Profiles:     profiles,
		Logger:       log,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}

	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start gateway server: %w", err)
	}

	log.Info().
		Int("port", cfg.Gateway.Port).
		Str("data_dir", cfg.DataDir).
		Msg("voxd daemon started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	if err := server.Stop(); err != nil {
		log.Error().Err(err).Msg("Gateway shutdown error")
	}

	return nil
}

func writePIDFile(pidFile string) error {
	if err := os.MkdirAll(filepath.Dir(pidFile), 0700); err != nil {
		return err
	}
	return os.WriteFile(pidFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0644)
}

func getPIDFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/voxd.pid"
	}
	return filepath.Join(home, ".voxd", "voxd.pid")
}

func isRunning(pidFile string) bool {
	if _, err := os.Stat(pidFile); os.IsNotExist(err) {
		return false
	}

	data, err := os.ReadFile(pidFile)
	if err != nil {
		return false
	}

	var pid int
	_, err = fmt.Sscanf(string(data), "%d", &pid)
	if err != nil {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix, FindProcess always succeeds, so probe with signal 0
	err = process.Signal(syscall.Signal(0))
	return err == nil
}
