// Package adminapi exposes a small HTTP surface over the engine's
// running state: liveness, aggregate stats, the current position book,
// and a single operator-triggered write action, force-close.
package adminapi

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"engine/internal/execution"
	"engine/internal/pricefeed"
	"engine/internal/safety"
	"engine/internal/state"
	"engine/internal/strategy"
)

// Server serves the admin API: read-only status routes plus the
// operator-triggered POST /force-close.
type Server struct {
	app  *fiber.App
	host string
	port int
}

// NewServer builds the admin API server over the given components.
func NewServer(host string, port int, store *state.Store, feed *pricefeed.Feed, engine *strategy.Engine, supervisor *safety.Supervisor, router *execution.Router) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          5 * time.Second,
	})

	s := &Server{app: app, host: host, port: port}
	s.setupRoutes(store, feed, engine, supervisor, router)
	return s
}

func (s *Server) setupRoutes(store *state.Store, feed *pricefeed.Feed, engine *strategy.Engine, supervisor *safety.Supervisor, router *execution.Router) {
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})

	s.app.Get("/stats", func(c *fiber.Ctx) error {
		stats, err := store.GetStats()
		if err != nil {
			log.Error().Err(err).Msg("admin api: stats query failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "stats unavailable"})
		}
		fees, err := store.GetFeeStats(time.Time{})
		if err != nil {
			log.Error().Err(err).Msg("admin api: fee stats query failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "fee stats unavailable"})
		}
		return c.JSON(fiber.Map{
			"total_trades":    stats.TotalTrades,
			"wins":            stats.Wins,
			"losses":          stats.Losses,
			"total_pnl":       stats.TotalPnLNative.String(),
			"total_fees_paid": fees.TotalFeePaid.String(),
			"breaker_tripped": engine.Tripped(),
			"hibernating":     supervisor.Hibernating(),
			"cache_size":      len(feed.Cache().Snapshot()),
		})
	})

	s.app.Get("/positions", func(c *fiber.Ctx) error {
		positions, err := store.GetActivePositions()
		if err != nil {
			log.Error().Err(err).Msg("admin api: positions query failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "positions unavailable"})
		}

		out := make([]fiber.Map, 0, len(positions))
		for _, p := range positions {
			tick, hasTick := feed.Cache().Get(p.TokenMint)
			entry := fiber.Map{
				"token_mint":         p.TokenMint,
				"symbol":             p.Symbol,
				"entry_price":        p.EntryPrice.String(),
				"amount_native":      p.AmountNative.String(),
				"current_price":      p.CurrentPrice.String(),
				"tp1_triggered":      p.TP1Triggered,
				"tp2_triggered":      p.TP2Triggered,
				"trailing_enabled":   p.TrailingEnabled,
				"trailing_peak":      p.TrailingPeakPrice.String(),
				"trailing_current_sl": p.TrailingCurrentSLPercent.String(),
			}
			if hasTick {
				entry["last_tick_source"] = string(tick.Source)
				entry["last_tick_at"] = tick.ReceivedAt.Unix()
			}
			out = append(out, entry)
		}
		return c.JSON(fiber.Map{"positions": out})
	})

	s.app.Get("/trades", func(c *fiber.Ctx) error {
		limit := c.QueryInt("limit", 50)
		trades, err := store.GetTradeHistory(limit)
		if err != nil {
			log.Error().Err(err).Msg("admin api: trade history query failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "trade history unavailable"})
		}
		return c.JSON(fiber.Map{"trades": trades})
	})

	s.app.Post("/force-close", func(c *fiber.Ctx) error {
		log.Warn().Msg("admin api: force-close requested, liquidating all active positions")
		if err := router.ForceCloseAll(c.Context()); err != nil {
			log.Error().Err(err).Msg("admin api: force close failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "force close failed"})
		}
		return c.JSON(fiber.Map{"status": "force close initiated"})
	})
}

// Start starts the admin API server, blocking until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	log.Info().Str("addr", addr).Msg("admin api: listening")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the admin API server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
