// SPDX-License-Identifier: MIT

// Command savebot runs the download bot: messenger long-poll loop, the
// download pipeline and the ops HTTP surface.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/redis/go-redis/v9"

	"github.com/savebot/savebot/internal/actionlog"
	"github.com/savebot/savebot/internal/artifact"
	"github.com/savebot/savebot/internal/botsvc"
	"github.com/savebot/savebot/internal/chain"
	"github.com/savebot/savebot/internal/config"
	"github.com/savebot/savebot/internal/delivery"
	"github.com/savebot/savebot/internal/errmap"
	"github.com/savebot/savebot/internal/gate"
	"github.com/savebot/savebot/internal/intake"
	"github.com/savebot/savebot/internal/log"
	"github.com/savebot/savebot/internal/ops"
	"github.com/savebot/savebot/internal/orchestrator"
	"github.com/savebot/savebot/internal/postproc"
	"github.com/savebot/savebot/internal/provider"
	"github.com/savebot/savebot/internal/routing"
	"github.com/savebot/savebot/internal/slots"
	"github.com/savebot/savebot/internal/telemetry"
	"github.com/savebot/savebot/internal/transport"
)

const version = "1.0.0"

func main() {
	log.Configure(log.Config{Service: "savebot"})
	logger := log.Base()

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Fatal().Err(err).Msg("configuration invalid")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.TracingEnabled,
		ServiceName:    "savebot",
		ServiceVersion: version,
		Environment:    os.Getenv("ENVIRONMENT"),
		ExporterType:   cfg.TracingExporter,
		Endpoint:       cfg.TracingEndpoint,
		SamplingRate:   1.0,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("telemetry init failed")
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable at startup, continuing fail-open")
	}

	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.DownloadDir).Msg("download dir unavailable")
	}

	logs, err := actionlog.Open(cfg.SQLitePath, cfg.BotUsername, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("action log open failed")
	}
	defer logs.Close()

	messages, err := errmap.LoadMessages(cfg.MessagesPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("messages load failed")
	}
	defer messages.Close()

	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		logger.Fatal().Err(err).Msg("bot api init failed")
	}
	logger.Info().Str("username", bot.Self.UserName).Msg("bot authorized")

	tg := transport.NewTelegram(bot, logger)

	var checker gate.Checker
	if cfg.SubscriptionChatID != 0 {
		checker = transport.NewMembershipChecker(bot, cfg.SubscriptionChatID)
	}

	slotCtl := slots.NewController(rdb, slots.Config{
		UserCap:   cfg.UserSlotCap,
		UserTTL:   cfg.UserSlotTTL,
		FFmpegCap: cfg.FFmpegSlotCap,
		FFmpegTTL: cfg.FFmpegSlotTTL,
	}, logger)

	registry := provider.NewRegistry(
		provider.NewYtdlp(cfg.YtdlpPath, logger),
		provider.NewPytubefix(cfg.PytubefixBaseURL, logger),
		provider.NewSavenow(cfg.SavenowBaseURL, logger),
		provider.NewRapidAPI(cfg.RapidAPIBaseURL, cfg.RapidAPIKey, logger),
	)

	orch := orchestrator.New(orchestrator.Deps{
		Resolver: intake.NewResolver(nil),
		Cache:    artifact.NewCache(rdb, logger),
		Gate: gate.New(rdb, checker, gate.Config{
			FreeDays:             cfg.FreeDays,
			FreeDownloads:        cfg.FreeDownloads,
			YouTubeFullFreeCount: cfg.YouTubeFullFreeCount,
			InstagramCheckEvery:  cfg.InstagramCheckEvery,
		}, logger),
		Slots:    slotCtl,
		Routes:   routing.NewEngine(rdb, logger),
		Executor: chain.NewExecutor(registry, logger),
		Post: postproc.New(postproc.Config{
			Workers: cfg.FFmpegWorkers,
		}, slotCtl, logger),
		Deliverer: delivery.New(tg, delivery.Config{
			SendAsDocumentOver: cfg.SendAsDocumentOver,
			HardRejectOver:     cfg.HardRejectOver,
		}, logger),
		Messages:  messages,
		Transport: tg,
		Logs:      logs,

		DownloadDir: cfg.DownloadDir,
	}, logger)

	opsSrv := &http.Server{
		Addr:              cfg.OpsAddr,
		Handler:           ops.NewRouter(rdb, logs, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", cfg.OpsAddr).Msg("ops server listening")
		if err := opsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("ops server failed")
		}
	}()

	svc := botsvc.New(tg, orch, messages, logger)
	updates := tg.Updates(0, int(cfg.PollTimeout.Seconds()))

	logger.Info().Str("version", version).Msg("savebot running")
	svc.Run(ctx, updates)

	// Context is done: stop polling and drain.
	tg.StopUpdates()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := opsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("ops shutdown failed")
	}
	logger.Info().Msg("savebot stopped")
}
