package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lysyi3m/tg-comb/app/api"
	"github.com/lysyi3m/tg-comb/app/cfg"
	"github.com/lysyi3m/tg-comb/app/channel"
	"github.com/lysyi3m/tg-comb/app/database"
	"github.com/lysyi3m/tg-comb/app/ingest"
	"github.com/lysyi3m/tg-comb/app/listener"
	"github.com/lysyi3m/tg-comb/app/live"
	"github.com/lysyi3m/tg-comb/app/media"
	"github.com/lysyi3m/tg-comb/app/message"
	"github.com/lysyi3m/tg-comb/app/source"
	"github.com/lysyi3m/tg-comb/app/source/telegram"
	"github.com/lysyi3m/tg-comb/app/supervisor"
	"github.com/lysyi3m/tg-comb/app/tasks"
)

func main() {
	appCfg, err := cfg.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if appCfg == nil {
		// Help was shown
		return
	}

	logLevel := slog.LevelInfo
	if appCfg.Debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("Starting TG Comb", "version", appCfg.Version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewConnection(appCfg.DBPath, appCfg.StoreTimeout)
	if err != nil {
		slog.Error("Failed to open database", "path", appCfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.BootstrapWithRetry(ctx, appCfg.BootstrapRetries, appCfg.BootstrapBackoff); err != nil {
		slog.Error("Failed to bootstrap database", "error", err)
		os.Exit(1)
	}

	rules, err := message.LoadRules(appCfg.RulesFile)
	if err != nil {
		slog.Error("Failed to load extraction rules", "path", appCfg.RulesFile, "error", err)
		os.Exit(1)
	}
	extractor, err := message.NewExtractor(rules)
	if err != nil {
		slog.Error("Failed to compile extraction rules", "error", err)
		os.Exit(1)
	}

	configCache := channel.NewConfigCache(appCfg.ChannelsDir)
	if err := configCache.Run(); err != nil {
		slog.Error("Failed to load channel configurations", "dir", appCfg.ChannelsDir, "error", err)
		os.Exit(1)
	}

	repo := database.NewMessageRepository(db)
	liveBuffer := live.NewBuffer(live.DefaultCapacity, live.DefaultQueueSize)
	pipeline := ingest.NewPipeline(media.NewFetcher(appCfg.MediaDir), extractor, repo, liveBuffer)

	tree := supervisor.NewTree(logger, supervisor.DefaultTreeConfig())
	tree.AddLiveService(liveBuffer)

	creds := source.Credentials{
		AppID:       appCfg.TelegramAppID,
		AppHash:     appCfg.TelegramAppHash,
		Phone:       appCfg.TelegramPhone,
		Password:    appCfg.TelegramPassword,
		SessionPath: appCfg.SessionPath,
	}
	manager := listener.NewManager(telegram.NewClient(), creds, defaultProxy(appCfg), pipeline, tree.Listeners())

	handler := api.NewHandler(repo, message.NewGenerator(appCfg.Version), message.NewFilterer(rules.FeedFilters),
		manager, liveBuffer, configCache, appCfg.DefaultChannel, appCfg.BaseUrl)
	httpServer := &http.Server{
		Addr:        ":" + appCfg.Port,
		Handler:     api.NewServer(handler, appCfg.APIAccessKey, appCfg.MediaDir),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	tree.AddAPIService(supervisor.NewHTTPService(httpServer, 30*time.Second))

	treeDone := tree.ServeBackground(ctx)
	slog.Info("HTTP server listening", "port", appCfg.Port, "auth", appCfg.APIAccessKey != "")

	scheduler := tasks.NewScheduler(configCache, manager,
		time.Duration(appCfg.SchedulerInterval)*time.Second, appCfg.WorkerCount)
	scheduler.Start()

	if appCfg.DefaultChannel != "" {
		manager.StartListening(appCfg.DefaultChannel, nil)
	}

	<-ctx.Done()
	slog.Info("Shutting down")

	scheduler.Stop()

	if err := <-treeDone; err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("Supervisor tree stopped with error", "error", err)
	}
	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		slog.Warn("Services did not stop in time", "count", len(report))
	}

	slog.Info("TG Comb shutdown complete")
}

func defaultProxy(c *cfg.Cfg) *source.ProxyConfig {
	if !c.ProxyEnabled {
		return nil
	}
	return &source.ProxyConfig{
		Type:     c.ProxyType,
		Address:  c.ProxyAddress,
		Port:     c.ProxyPort,
		Username: c.ProxyUsername,
		Password: c.ProxyPassword,
	}
}
