package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenMachineSim/internal/api/rest"
	"github.com/KevinKickass/OpenMachineSim/internal/api/websocket"
	"github.com/KevinKickass/OpenMachineSim/internal/config"
	"github.com/KevinKickass/OpenMachineSim/internal/devices"
	"github.com/KevinKickass/OpenMachineSim/internal/metrics"
	"github.com/KevinKickass/OpenMachineSim/internal/system"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start all configured devices and the monitoring API",
	Long: `Run loads the configuration, starts every enabled protocol and serves the
monitoring API until SIGINT or SIGTERM. Shutdown stops every device and
releases every port within server.shutdown_timeout.`,
	Example: `  simengine run --config configs/config.yaml
  SIM_SERVER_HTTP_PORT=9090 simengine run --debug`,
	RunE: runSimulator,
}

func runSimulator(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("Failed to load config", zap.String("path", configPath), zap.Error(err))
		return err
	}
	logger.Info("Config loaded successfully", zap.String("path", configPath))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	var (
		hub       *websocket.Hub
		observers []devices.Observer
	)
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	if cfg.Server.EnableWebsocket {
		hub = websocket.NewHub(logger)
		go hub.Run(hubCtx)
		observers = append(observers, hub)
	}

	orch := system.NewOrchestrator(cfg, system.Options{Metrics: m, Observers: observers}, logger)
	api := rest.NewServer(cfg, orch, hub, m.Handler(), logger)

	shutdown := func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := api.Shutdown(shutdownCtx); err != nil {
			logger.Warn("REST shutdown failed", zap.Error(err))
		}
		err := orch.StopAll(shutdownCtx)
		stopHub()
		return err
	}

	starts, err := orch.StartAll(ctx)
	if err != nil {
		logger.Error("Failed to start simulator", zap.Error(err))
		if serr := shutdown(); serr != nil {
			logger.Warn("Shutdown after failed start", zap.Error(serr))
		}
		return err
	}
	for family, s := range starts {
		logger.Info("Protocol started",
			zap.String("protocol", string(family)),
			zap.Int("succeeded", s.Succeeded),
			zap.Int("failed", s.Failed))
	}

	if err := api.Start(); err != nil {
		logger.Error("Failed to start REST API", zap.Error(err))
		if serr := shutdown(); serr != nil {
			logger.Warn("Shutdown after failed start", zap.Error(serr))
		}
		return err
	}

	logger.Info("Simulator running",
		zap.Int("http_port", cfg.Server.HTTPPort),
		zap.String("health", orch.GetHealth().Status))

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	if err := shutdown(); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		return err
	}

	logger.Info("Simulator stopped successfully")
	return nil
}
