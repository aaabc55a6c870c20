package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantfold/tradeagent/internal/agent"
	"github.com/quantfold/tradeagent/internal/audit"
	"github.com/quantfold/tradeagent/internal/broker"
	"github.com/quantfold/tradeagent/internal/config"
	"github.com/quantfold/tradeagent/internal/decision"
	"github.com/quantfold/tradeagent/internal/estimate"
	"github.com/quantfold/tradeagent/internal/executor"
	"github.com/quantfold/tradeagent/internal/market"
	"github.com/quantfold/tradeagent/internal/notify"
	"github.com/quantfold/tradeagent/internal/observ"
	"github.com/quantfold/tradeagent/internal/portfolio"
	"github.com/quantfold/tradeagent/internal/risk"
	"github.com/quantfold/tradeagent/internal/sense"
	"github.com/quantfold/tradeagent/internal/state"
)

const defaultPaperEquity = 100000.0

func main() {
	configPath := flag.String("config", "config.yaml", "path to yaml config")
	logLevel := flag.String("log-level", "info", "zerolog level")
	flag.Parse()

	observ.Setup(*logLevel)
	log := observ.Logger("main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	// Agent state: a restart must resume the correct halt state.
	agentSt := state.NewStore(cfg.StatePath)
	if err := agentSt.Load(); err != nil {
		log.Fatal().Err(err).Msg("agent state load failed")
	}
	if st := agentSt.Get(); !st.TradingEnabled {
		log.Warn().Str("reason", st.HaltReason).Msg("resuming with trading disabled")
	}

	brk, err := buildBroker(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("broker init failed")
	}

	equity, err := brk.AccountEquity(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("initial equity fetch failed")
	}
	today := time.Now().UTC().Format("2006-01-02")
	book := portfolio.NewBook(equity, today)

	ledger, err := buildLedger(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("audit ledger init failed")
	}
	defer ledger.Close()

	exec := executor.New(executor.Config{
		StopLossPct: cfg.Risk.StopLossPct,
		SlippageBps: cfg.Sizing.SlippageBps,
	}, brk, book, ledger)

	guard := risk.NewGuard(risk.Config{
		StopLossPct:           cfg.Risk.StopLossPct,
		DailyDrawdownLimitPct: cfg.Risk.DailyDrawdownLimitPct,
	}, agentSt, book, exec)

	gateway, prices := buildGateway(cfg)
	estimator := buildEstimator(cfg)

	var notifier notify.Notifier = notify.NopNotifier{}
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.QueueSize, cfg.Notify.TimeoutMs)
	}
	defer notifier.Stop()

	payoff := decision.Payoff{
		ProfitFrac:   cfg.Sizing.TakeProfitPct,
		LossFrac:     cfg.Sizing.LossPct,
		KellyDivisor: cfg.Sizing.KellyDivisor,
		MaxFraction:  cfg.Sizing.MaxKellyFraction,
		SlippageBps:  cfg.Sizing.SlippageBps,
	}

	ag := agent.New(gateway, estimator, payoff, guard, exec, brk, ledger, notifier, book)
	if err := ag.ReconcilePositions(ctx); err != nil {
		log.Fatal().Err(err).Msg("position reconciliation failed")
	}

	sched, err := agent.NewScheduler(cfg.Scheduler, cfg.Instruments, ag, agentSt, guard, brk.AccountEquity)
	if err != nil {
		log.Fatal().Err(err).Msg("scheduler init failed")
	}

	go func() {
		if err := observ.Serve(cfg.MetricsAddr); err != nil {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	// Out-of-band safety monitor: stream ticks when available, otherwise
	// poll, so stop-loss detection never waits for the next cycle.
	if cfg.Market.StreamURL != "" {
		stream := market.NewPriceStream(cfg.Market.StreamURL, cfg.Instruments)
		go stream.Run(ctx)
		go guard.Monitor(ctx, stream.Ticks)
	} else {
		go pollPricesForGuard(ctx, guard, book, prices)
	}

	log.Info().
		Strs("instruments", cfg.Instruments).
		Str("broker_mode", cfg.Broker.Mode).
		Str("audit_backend", cfg.Audit.Backend).
		Msg("agent starting")

	sched.Run(ctx)
	log.Info().Msg("agent stopped")
}

func buildBroker(cfg config.Root) (broker.Broker, error) {
	if cfg.Broker.Mode == "live" {
		return broker.NewHTTPBroker(broker.HTTPBrokerConfig{
			BaseURL:   cfg.Broker.BaseURL,
			APIKey:    cfg.BrokerAPIKey,
			APISecret: cfg.BrokerSecret,
			TimeoutMs: cfg.Broker.TimeoutMs,
		})
	}
	return broker.NewPaperBroker(defaultPaperEquity), nil
}

func buildLedger(cfg config.Root) (audit.Ledger, error) {
	var inner audit.Ledger
	var err error
	switch cfg.Audit.Backend {
	case "postgres":
		inner, err = audit.NewPostgresLedger(cfg.PostgresDSN, 5*time.Second)
	case "jsonl":
		inner, err = audit.NewJSONLLedger(cfg.Audit.Path)
	default:
		return nil, fmt.Errorf("unknown audit backend %q", cfg.Audit.Backend)
	}
	if err != nil {
		return nil, err
	}
	return audit.NewRetryingLedger(
		inner,
		cfg.Audit.RetryMax,
		time.Duration(cfg.Audit.BackoffBaseMs)*time.Millisecond,
		time.Duration(cfg.Audit.BackoffMaxMs)*time.Millisecond,
	), nil
}

func buildGateway(cfg config.Root) (*sense.Gateway, market.PriceProvider) {
	freshness := time.Duration(cfg.Market.FreshnessSecs) * time.Second

	var prices market.PriceProvider
	var contexts market.ContextProvider
	if cfg.Market.PriceBaseURL != "" {
		p, err := market.NewHTTPPriceProvider(market.HTTPPriceConfig{
			BaseURL:            cfg.Market.PriceBaseURL,
			APIKey:             cfg.MarketAPIKey,
			TimeoutMs:          cfg.Market.TimeoutMs,
			RateLimitPerMinute: cfg.Market.RateLimitPerMinute,
		})
		if err == nil {
			prices = p
		}
	}
	if prices == nil {
		prices = market.NewSimPriceProvider(nil)
	}

	if cfg.Market.ContextBaseURL != "" {
		c, err := market.NewHTTPContextProvider(market.HTTPContextConfig{
			BaseURL:   cfg.Market.ContextBaseURL,
			APIKey:    cfg.MarketAPIKey,
			TimeoutMs: cfg.Market.TimeoutMs,
		})
		if err == nil {
			contexts = c
		}
	}
	if contexts == nil {
		contexts = market.NewSimContextProvider(nil)
	}

	return sense.NewGateway(prices, contexts, freshness), prices
}

func buildEstimator(cfg config.Root) estimate.Estimator {
	if cfg.Estimator.BaseURL != "" {
		est, err := estimate.NewHTTPEstimator(estimate.HTTPConfig{
			BaseURL:   cfg.Estimator.BaseURL,
			TimeoutMs: cfg.Estimator.TimeoutMs,
			Epsilon:   cfg.Estimator.Epsilon,
		})
		if err == nil {
			return est
		}
	}
	return &estimate.StubEstimator{PWin: 0.5, Rationale: "no estimator configured", Epsilon: cfg.Estimator.Epsilon}
}

// pollPricesForGuard is the fallback monitor when no stream is configured:
// open positions are marked from the price provider on a short interval.
func pollPricesForGuard(ctx context.Context, guard *risk.Guard, book *portfolio.Book, prices market.PriceProvider) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, pos := range book.OpenPositions() {
				quote, err := prices.GetPrice(ctx, pos.Instrument)
				if err != nil {
					continue
				}
				guard.OnPrice(ctx, quote)
			}
		}
	}
}

func handleSignals(cancel context.CancelFunc) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
	cancel()
}
