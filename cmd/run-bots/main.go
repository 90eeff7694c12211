// Command run-bots runs the trading cycle engine for one or more bots.
// It wires the database, event bus, alert channels, decision memory and
// ops API together and hands the bots to the scheduler.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/perpcycle/internal/alerts"
	"github.com/ajitpratap0/perpcycle/internal/api"
	"github.com/ajitpratap0/perpcycle/internal/cache"
	"github.com/ajitpratap0/perpcycle/internal/config"
	"github.com/ajitpratap0/perpcycle/internal/db"
	"github.com/ajitpratap0/perpcycle/internal/events"
	"github.com/ajitpratap0/perpcycle/internal/llm"
	"github.com/ajitpratap0/perpcycle/internal/memory"
	"github.com/ajitpratap0/perpcycle/internal/nodes"
	"github.com/ajitpratap0/perpcycle/internal/notify"
	"github.com/ajitpratap0/perpcycle/internal/scheduler"
)

const (
	exitOK    = 0
	exitInit  = 1
	exitFatal = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	botIDs := flag.String("bot-ids", "", "comma-separated bot ids to run, e.g. 1,2,3")
	configPath := flag.String("config", "", "config file path (default ./configs/config.yaml)")
	workflowFile := flag.String("workflow-file", "configs/workflow.yaml", "workflow seed used when a bot has no workflow row")
	verbose := flag.Bool("verbose", false, "debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitInit
	}

	level := cfg.App.LogLevel
	if *verbose {
		level = "debug"
	}
	config.InitLogger(level, cfg.App.LogFormat)

	ids, err := parseBotIDs(*botIDs)
	if err != nil {
		log.Error().Err(err).Msg("invalid -bot-ids")
		return exitInit
	}
	if len(ids) == 0 {
		log.Error().Msg("no bots given, use -bot-ids 1,2,3")
		return exitInit
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := config.OverlaySecrets(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("vault secrets overlay failed")
		return exitInit
	}

	database, err := db.New(ctx, cfg.Database.GetDSN())
	if err != nil {
		log.Error().Err(err).Msg("database connection failed")
		return exitInit
	}
	defer database.Close()
	if err := database.Migrate(ctx); err != nil {
		log.Error().Err(err).Msg("database migration failed")
		return exitInit
	}

	if err := nodes.RegisterAll(); err != nil {
		log.Error().Err(err).Msg("node registration failed")
		return exitInit
	}

	bus, stopEvents := connectEvents(cfg)
	defer stopEvents()

	deps := scheduler.Deps{
		Config:       cfg,
		DB:           database,
		SystemConfig: db.NewSystemConfig(database),
		Events:       bus,
		Alerts:       buildAlerts(ctx, cfg),
		Memory:       memory.New(database, buildEmbedder(ctx, database)),
		Redis:        buildRedisTier(ctx, cfg),
		WorkflowSeed: *workflowFile,
	}
	sched := scheduler.New(deps)

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(api.Config{
			Host:   cfg.API.Host,
			Port:   cfg.API.Port,
			DB:     database,
			Engine: sched,
		})
		go func() {
			if err := apiServer.Start(); err != nil {
				log.Error().Err(err).Msg("API server failed")
			}
		}()
	}

	err = sched.RunMany(ctx, ids)

	if apiServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if stopErr := apiServer.Stop(shutdownCtx); stopErr != nil {
			log.Warn().Err(stopErr).Msg("API server stop failed")
		}
	}

	if err != nil {
		log.Error().Err(err).Msg("scheduler failed")
		return exitFatal
	}
	return exitOK
}

// connectEvents brings the event bus up: an in-process NATS server when
// embedded mode is on, the configured URL otherwise. Failures disable
// eventing rather than blocking the engine; a nil bus publishes no-ops.
// The returned stop function drains the bus and shuts the embedded
// server down.
func connectEvents(cfg *config.Config) (*events.Bus, func()) {
	url := cfg.NATS.URL
	stop := func() {}
	if cfg.NATS.Embedded {
		ns, err := events.StartEmbedded()
		if err != nil {
			log.Warn().Err(err).Msg("embedded NATS start failed, events disabled")
			return nil, stop
		}
		url = ns.ClientURL()
		stop = ns.Shutdown
	}
	if url == "" {
		return nil, stop
	}
	bus, err := events.Connect(events.Config{URL: url})
	if err != nil {
		log.Warn().Err(err).Msg("NATS connect failed, events disabled")
		return nil, stop
	}
	embeddedStop := stop
	return bus, func() {
		bus.Close()
		embeddedStop()
	}
}

// buildAlerts assembles the alert fan-out: logging always, Telegram and
// FCM when configured.
func buildAlerts(ctx context.Context, cfg *config.Config) *alerts.Manager {
	alerters := []alerts.Alerter{alerts.NewLogAlerter()}

	if cfg.Alerts.TelegramToken != "" && cfg.Alerts.TelegramChatID != 0 {
		tg, err := alerts.NewTelegramAlerter(cfg.Alerts.TelegramToken, []int64{cfg.Alerts.TelegramChatID})
		if err != nil {
			log.Warn().Err(err).Msg("telegram alerter init failed")
		} else {
			alerters = append(alerters, tg)
		}
	}

	if len(cfg.Alerts.FCMDeviceTokens) > 0 {
		fcm, err := notify.NewFCM(ctx, cfg.Alerts.FCMCredentials)
		if err != nil {
			log.Warn().Err(err).Msg("FCM init failed")
		} else {
			alerters = append(alerters, alerts.NewFCMAlerter(fcm, cfg.Alerts.FCMDeviceTokens))
		}
	}

	return alerts.NewManager(alerters...)
}

// buildEmbedder resolves the embedding client from the default LLM
// endpoint. Decision memory degrades to unembedded rows without one.
func buildEmbedder(ctx context.Context, database *db.DB) memory.Embedder {
	cfg, err := database.GetDefaultLLMConfig(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("no default llm config, decision memory runs without embeddings")
		return nil
	}
	client, err := llm.New(*cfg)
	if err != nil {
		log.Warn().Err(err).Msg("embedder client init failed")
		return nil
	}
	return client
}

// buildRedisTier connects the optional shared cache tier. An empty host
// disables it.
func buildRedisTier(ctx context.Context, cfg *config.Config) *cache.RedisTier {
	addr := cfg.Redis.GetRedisAddr()
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	tier := cache.NewRedisTier(client, nil)
	if err := tier.Health(ctx); err != nil {
		log.Warn().Err(err).Str("addr", addr).Msg("redis unreachable, shared cache tier disabled")
		return nil
	}
	log.Info().Str("addr", addr).Msg("redis cache tier connected")
	return tier
}

func parseBotIDs(s string) ([]int64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bot id %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
