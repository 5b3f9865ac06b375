package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"attendbot/internal/config"
	"attendbot/internal/database"
	"attendbot/internal/discord"
	"attendbot/internal/engine"
	"attendbot/internal/metrics"
	"attendbot/internal/tiers"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	} else {
		logrus.Warnf("Unknown log level %q, using info", cfg.LogLevel)
	}

	ctx := context.Background()

	db, err := database.New(ctx, cfg.DatabaseDSN)
	if err != nil {
		logrus.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	store := database.NewStore(db, cfg.DefaultThresholdPercent)

	eng := engine.New(store, store, engine.Options{
		CheckpointInterval:  cfg.CheckpointInterval,
		BumpFallbackMinutes: cfg.BumpFallbackMinutes,
	})

	// Recovery must finish before the gateway opens, so a recovered session
	// can never be clobbered by a fresh voice event.
	if err := eng.Recover(ctx); err != nil {
		logrus.Fatalf("Failed to recover checkpointed state: %v", err)
	}
	eng.Start()

	bot, err := discord.New(cfg.DiscordToken, cfg.CommandPrefix, eng, store)
	if err != nil {
		logrus.Fatalf("Failed to create Discord bot: %v", err)
	}
	bot.SetTierUpdater(tiers.New(bot, store, store, store, bot))

	metricsServer := metrics.NewServer(cfg.MetricsPort, cfg.MetricsEndpoint)
	metricsServer.Start()

	if err := bot.Start(); err != nil {
		logrus.Fatalf("Failed to start bot: %v", err)
	}

	// Wait for interrupt signal
	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	<-sc

	logrus.Info("Shutting down bot...")

	// Stop the gateway first so no new voice events arrive, then let the
	// engine drain and write its final checkpoint.
	if err := bot.Stop(); err != nil {
		logrus.Errorf("Error closing Discord session: %v", err)
	}
	eng.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Error stopping metrics server: %v", err)
	}
}
