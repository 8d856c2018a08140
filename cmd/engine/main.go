package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"engine/internal/adminapi"
	"engine/internal/config"
	"engine/internal/execservice"
	"engine/internal/execution"
	"engine/internal/logging"
	"engine/internal/model"
	"engine/internal/notify"
	"engine/internal/pricefeed"
	"engine/internal/safety"
	"engine/internal/state"
	"engine/internal/strategy"
	"engine/internal/tui"
	"engine/internal/walletinfo"
)

func main() {
	configPath := os.Getenv("ENGINE_CONFIG")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	cfg, err := config.NewManager(configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	tuiEnabled := cfg.Get().TUI.Enabled
	if tuiEnabled {
		logging.Setup("data/engine.log")
	} else {
		logging.Setup("")
	}

	log.Info().Msg("engine starting")

	store, err := state.Open(cfg.Get().Storage.SQLitePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open state store")
	}

	notifier := notify.NewLogNotifier()

	wallet, err := walletinfo.NewWallet(cfg.PrivateKey())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load wallet")
	}
	rpc := walletinfo.NewRPCClient(cfg.Get().RPC.URL)

	c := cfg.Get()
	adapter := execservice.NewHTTPAdapter(c.ExecService.BaseURL, c.ExecService.PoolSize)
	var oracle execservice.PriorityFeeOracle
	if c.ExecService.PriorityFeeURL != "" {
		oracle = execservice.NewHTTPPriorityFeeOracle(c.ExecService.PriorityFeeURL, c.ExecService.MaxPriorityLamports)
	}

	feedbackCh := make(chan model.Feedback, 64)
	router := execution.New(store, adapter, oracle, notifier, feedbackCh, execution.Config{
		AutoExecute:        c.Trading.AutoExecute,
		DefaultSlippageBps: c.Trading.DefaultSlippageBps,
		DefaultPriorityTip: c.Trading.DefaultPriorityTip,
		SimLoggingEnabled:  c.Trading.SimLoggingEnabled,
	})

	engine := strategy.New(store, router, notifier, strategy.BreakerConfig{
		Threshold: c.Breaker.Threshold,
		Window:    cfg.BreakerWindow(),
	})

	feed := pricefeed.New(cfg, notifier, c.MarketData.BaseURL)

	minBalance := decimal.NewFromFloat(c.Trading.MinBalanceNative)
	supervisor := safety.New(store, rpc, wallet, notifier, minBalance)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	supervisor.RunBootChecks(ctx)

	seedPriceFeedFromPositions(store, feed)

	go feed.Run(ctx)
	go engine.Run(feed.Ticks(), feedbackCh)
	go supervisor.RunHibernationWatcher(ctx)

	var adminServer *adminapi.Server
	if c.AdminAPI.Enabled {
		adminServer = adminapi.NewServer(c.AdminAPI.Host, c.AdminAPI.Port, store, feed, engine, supervisor, router)
		go func() {
			if err := adminServer.Start(); err != nil {
				log.Error().Err(err).Msg("admin api stopped")
			}
		}()
	}

	if tuiEnabled {
		refreshInterval := time.Duration(c.TUI.RefreshRateMs) * time.Millisecond
		m := tui.New(store, feed, engine, supervisor, refreshInterval)
		p := tea.NewProgram(m, tea.WithAltScreen())
		if _, err := p.Run(); err != nil {
			log.Error().Err(err).Msg("tui exited with error")
		}
		shutdown(cancel, store, adminServer)
		return
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	shutdown(cancel, store, adminServer)
}

func shutdown(cancel context.CancelFunc, store *state.Store, adminServer *adminapi.Server) {
	cancel()
	if adminServer != nil {
		adminServer.Shutdown()
	}
	store.Close()
	log.Info().Msg("engine stopped")
}

// seedPriceFeedFromPositions subscribes the Price Feed to every
// currently-active position at startup, so an engine restart resumes
// pricing without waiting for an external open command.
func seedPriceFeedFromPositions(store *state.Store, feed *pricefeed.Feed) {
	positions, err := store.GetActivePositions()
	if err != nil {
		log.Error().Err(err).Msg("failed to load active positions for price feed seeding")
		return
	}
	for _, p := range positions {
		feed.Subscribe(model.MonitoredToken{TokenMint: p.TokenMint, Symbol: p.Symbol})
	}
}
