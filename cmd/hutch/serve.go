package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hutch-sh/hutch/pkg/api"
	"github.com/hutch-sh/hutch/pkg/auth"
	"github.com/hutch-sh/hutch/pkg/config"
	"github.com/hutch-sh/hutch/pkg/log"
	"github.com/hutch-sh/hutch/pkg/metrics"
	"github.com/hutch-sh/hutch/pkg/ownership"
	"github.com/hutch-sh/hutch/pkg/ports"
	"github.com/hutch-sh/hutch/pkg/runtime"
	"github.com/hutch-sh/hutch/pkg/session"
	"github.com/hutch-sh/hutch/pkg/token"
	"github.com/hutch-sh/hutch/pkg/workspace"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hutch server",
	Long: `Start the HTTP server, recover sessions left over from a previous
run, and keep reaping sessions whose containers have died.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		if bindHost, _ := cmd.Flags().GetString("bind-host"); bindHost != "" {
			cfg.Server.BindHost = bindHost
		}
		if bindPort, _ := cmd.Flags().GetInt("bind-port"); bindPort != 0 {
			cfg.Server.BindPort = bindPort
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
		})
		metrics.SetVersion(Version)
		logger := log.WithComponent("serve")

		ctx, stop := signal.NotifyContext(context.Background(),
			syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		driver, err := runtime.NewDocker(cfg.Container)
		if err != nil {
			return fmt.Errorf("failed to connect to container engine: %w", err)
		}
		defer driver.Close()
		if err := driver.Ping(ctx); err != nil {
			return fmt.Errorf("container engine not reachable: %w", err)
		}

		alloc, err := ports.NewAllocator(cfg.Ports.Low, cfg.Ports.High)
		if err != nil {
			return fmt.Errorf("failed to build port allocator: %w", err)
		}

		owners, err := ownership.NewBoltStore(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open ownership store: %w", err)
		}
		defer owners.Close()

		files, err := workspace.NewManager(cfg.Container.WorkspaceRoot)
		if err != nil {
			return fmt.Errorf("failed to prepare workspace root: %w", err)
		}

		registry := session.NewRegistry(driver, alloc, owners, files, cfg)
		if err := registry.Recover(ctx); err != nil {
			logger.Warn().Err(err).Msg("session recovery incomplete")
		}

		tokens := token.NewStore(cfg.TokenTimeout())
		go tokens.Start(ctx)
		go registry.Run(ctx)

		verifier := auth.NewVerifier(cfg.Auth)
		server := api.NewServer(cfg, verifier, tokens, registry, owners, driver, files)

		if !cfg.AuthEnabled() {
			logger.Warn().Msg("authentication disabled, serving on loopback only")
		}
		logger.Info().Str("version", Version).Msg("hutch starting")

		if err := server.Start(ctx); err != nil {
			return err
		}
		logger.Info().Msg("hutch stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("bind-host", "", "override server.bind_host")
	serveCmd.Flags().Int("bind-port", 0, "override server.bind_port")
}
