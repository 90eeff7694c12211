// Command run-backtest replays a historical date range through a bot's
// cycle graph against simulated fills and prints the report. Candles
// come from the exchange REST API or, with -archive, from the local
// klines archive.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/perpcycle/internal/config"
	"github.com/ajitpratap0/perpcycle/internal/db"
	"github.com/ajitpratap0/perpcycle/internal/exchange"
	"github.com/ajitpratap0/perpcycle/internal/klines"
	"github.com/ajitpratap0/perpcycle/internal/llm"
	"github.com/ajitpratap0/perpcycle/internal/nodes"
	"github.com/ajitpratap0/perpcycle/internal/pipeline"
	"github.com/ajitpratap0/perpcycle/internal/ratelimit"
	"github.com/ajitpratap0/perpcycle/pkg/backtest"
)

const (
	exitOK    = 0
	exitInit  = 1
	exitFatal = 2
)

const dateLayout = "2006-01-02"

func main() {
	os.Exit(run())
}

func run() int {
	botID := flag.Int64("bot-id", 0, "bot to replay")
	startStr := flag.String("start", "", "range start, YYYY-MM-DD")
	endStr := flag.String("end", "", "range end, YYYY-MM-DD")
	maxCycles := flag.Int("max-cycles", 0, "cap the cycle count, 0 replays the whole range")
	useArchive := flag.Bool("archive", false, "load candles from the klines archive instead of REST")
	configPath := flag.String("config", "", "config file path (default ./configs/config.yaml)")
	workflowFile := flag.String("workflow-file", "configs/workflow.yaml", "workflow seed used when the bot has no workflow row")
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

	if *botID <= 0 {
		log.Error().Msg("use -bot-id to pick the bot to replay")
		return exitInit
	}
	start, end, err := parseRange(*startStr, *endStr)
	if err != nil {
		log.Error().Err(err).Msg("invalid date range")
		return exitInit
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	bot, err := database.GetBot(ctx, *botID)
	if err != nil {
		log.Error().Err(err).Int64("bot_id", *botID).Msg("bot load failed")
		return exitInit
	}
	if len(bot.Symbols) == 0 {
		log.Error().Int64("bot_id", bot.ID).Msg("backtests need a fixed symbol list on the bot")
		return exitInit
	}

	wf, err := loadWorkflow(ctx, database, bot, *workflowFile)
	if err != nil {
		log.Error().Err(err).Msg("workflow load failed")
		return exitInit
	}

	source := backtest.NewDataSource(bot.Symbols, bot.EffectiveTimeframes())
	if *useArchive {
		archive, err := klines.Open(cfg.Database.GetDSN())
		if err != nil {
			log.Error().Err(err).Msg("klines archive open failed")
			return exitInit
		}
		defer archive.Close()
		err = source.PreloadArchive(ctx, archive, start, end)
		if err != nil {
			log.Error().Err(err).Msg("archive preload failed")
			return exitInit
		}
	} else {
		adapter, err := buildAdapter(ctx, cfg, database, bot)
		if err != nil {
			log.Error().Err(err).Msg("adapter build failed")
			return exitInit
		}
		defer func() { _ = adapter.Close() }()
		if err := source.Preload(ctx, adapter, start, end); err != nil {
			log.Error().Err(err).Msg("candle preload failed")
			return exitInit
		}
	}

	engine, err := backtest.NewEngine(backtest.Config{
		Bot:          bot,
		Workflow:     wf,
		Source:       source,
		LLMFactory:   llm.NewFactory(database),
		SystemConfig: db.NewSystemConfig(database),
		Start:        start,
		End:          end,
		MaxCycles:    *maxCycles,
	})
	if err != nil {
		log.Error().Err(err).Msg("backtest setup failed")
		return exitInit
	}

	report, err := engine.Run(ctx)
	if err != nil {
		log.Error().Err(err).Msg("backtest failed")
		return exitFatal
	}

	fmt.Print(report.String())
	return exitOK
}

func parseRange(startStr, endStr string) (time.Time, time.Time, error) {
	if startStr == "" || endStr == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("use -start and -end, YYYY-MM-DD")
	}
	start, err := time.Parse(dateLayout, startStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("start %q: %w", startStr, err)
	}
	end, err := time.Parse(dateLayout, endStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("end %q: %w", endStr, err)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("end %s is not after start %s", endStr, startStr)
	}
	return start, end, nil
}

func loadWorkflow(ctx context.Context, database *db.DB, bot *db.Bot, seedPath string) (*db.Workflow, error) {
	if bot.WorkflowID != nil {
		wf, err := database.GetWorkflow(ctx, *bot.WorkflowID)
		if err == nil && wf != nil && len(wf.Nodes) > 0 {
			return wf, nil
		}
		if err != nil {
			log.Warn().Err(err).Int64("bot_id", bot.ID).Msg("workflow load failed, trying the seed file")
		}
	}
	return pipeline.LoadSeedWorkflow(seedPath)
}

// buildAdapter maps the bot's exchange row to a market data adapter.
// Credentials are optional; preloading only reads public endpoints.
func buildAdapter(ctx context.Context, cfg *config.Config, database *db.DB, bot *db.Bot) (exchange.Adapter, error) {
	exch, err := database.GetExchange(ctx, bot.ExchangeID)
	if err != nil {
		return nil, fmt.Errorf("load exchange: %w", err)
	}

	switch exch.Type {
	case "binance":
		pacing := config.ExchangeConfig{RateLimitMS: exch.RateLimitMS}
		windowCap := 20
		if ec, ok := cfg.Exchanges["binance"]; ok {
			if pacing.RateLimitMS <= 0 {
				pacing.RateLimitMS = ec.RateLimitMS
			}
			if ec.WindowCap > 0 {
				windowCap = ec.WindowCap
			}
		}
		limiter := ratelimit.New("binance", pacing.MinInterval(), windowCap)
		return exchange.NewBinanceAdapter(exchange.BinanceConfig{
			APIKey:    exch.APIKey,
			SecretKey: exch.APISecret,
			Testnet:   exch.Testnet,
		}, limiter), nil
	case "mock":
		return exchange.NewMockAdapter(bot.InitialBalance), nil
	default:
		return nil, fmt.Errorf("unsupported exchange type %q", exch.Type)
	}
}
