package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/avrellis/modelsync/internal/api"
	"github.com/avrellis/modelsync/internal/app"
	iauth "github.com/avrellis/modelsync/internal/auth"
	"github.com/avrellis/modelsync/internal/cache"
	"github.com/avrellis/modelsync/internal/collab"
	"github.com/avrellis/modelsync/internal/maintenance"
	"github.com/avrellis/modelsync/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("modelsync-server", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to configuration directory")

	if err := fs.Parse(args); err != nil {
		return err
	}

	var paths []string
	if configPath != "" {
		paths = append(paths, configPath)
	}
	cfg, err := app.LoadConfig(paths...)
	if err != nil {
		return err
	}

	if err := app.ConfigureLogging(cfg.Server.LogLevel); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	log := logger.WithModule("bootstrap")

	verifier, err := iauth.NewJWTVerifier(cfg.Auth.JWTVerifierConfig())
	if err != nil {
		return fmt.Errorf("initialise token verifier: %w", err)
	}

	var mirror *cache.PresenceMirror
	if cfg.Cache.Redis.Enabled {
		mirrorTTL := cfg.Collab.HeartbeatInterval * time.Duration(cfg.Collab.MissedHeartbeatLimit)
		m, redisErr := cache.NewPresenceMirror(cfg.Cache.RedisClientConfig(), mirrorTTL)
		if redisErr != nil {
			log.Warn("redis unavailable; presence mirror disabled", zap.Error(redisErr))
		} else {
			mirror = m
			log.Info("presence mirror connected", zap.String("addr", cfg.Cache.Redis.Address))
		}
	}

	registry := collab.NewRegistry(cfg.Collab.RegistryShards, cfg.Collab.RoomDestroyGrace, logger.WithModule("registry"))

	var trackerMirror collab.Mirror
	if mirror != nil {
		trackerMirror = mirror
	}
	tracker := collab.NewTracker(cfg.Collab.CursorCoalesceWindow, trackerMirror, logger.WithModule("presence"))

	manager := collab.NewManager(cfg.Collab.Settings(), verifier, registry, tracker, logger.WithModule("collab"))

	var sweeper *maintenance.Sweeper
	if cfg.Maintenance.Enabled {
		var mirrorSweeper maintenance.MirrorSweeper
		if mirror != nil {
			mirrorSweeper = mirror
		}
		sweeper = maintenance.NewSweeper(registry, mirrorSweeper, maintenance.WithSpec(cfg.Maintenance.SweepSpec))
		if err := sweeper.Start(); err != nil {
			return fmt.Errorf("start maintenance sweeper: %w", err)
		}
	}

	router, err := api.NewRouter(manager, registry, verifier, cfg)
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")

	var errs error
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	manager.Shutdown()
	errs = multierr.Append(errs, server.Shutdown(shutdownCtx))

	if sweeper != nil {
		sweeper.Stop()
	}
	if mirror != nil {
		errs = multierr.Append(errs, mirror.Close())
	}

	return errs
}
