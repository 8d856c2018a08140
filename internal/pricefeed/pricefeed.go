// Package pricefeed merges the on-chain push stream, the WebSocket
// fallback, and the REST poller into one ordered tick sequence, and
// maintains the Price Cache other components read from.
package pricefeed

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"engine/internal/config"
	"engine/internal/marketdata"
	"engine/internal/model"
	"engine/internal/notify"
	"engine/internal/onchain"
)

// subscribeChanCap bounds the Subscribe command channel.
const subscribeChanCap = 32

// tickChanCap bounds the publish channel consumers read from.
const tickChanCap = 512

// Cache is the concurrent mint -> latest tick map that status surfaces
// (the admin API and the TUI) read from for O(1) lookups.
type Cache struct {
	mu    sync.RWMutex
	ticks map[string]model.PriceTick
}

func newCache() *Cache {
	return &Cache{ticks: make(map[string]model.PriceTick)}
}

// Get returns the last known tick for mint.
func (c *Cache) Get(mint string) (model.PriceTick, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.ticks[mint]
	return t, ok
}

// Snapshot returns a copy of every cached tick, for status displays.
func (c *Cache) Snapshot() map[string]model.PriceTick {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]model.PriceTick, len(c.ticks))
	for k, v := range c.ticks {
		out[k] = v
	}
	return out
}

func (c *Cache) put(t model.PriceTick) {
	c.mu.Lock()
	c.ticks[t.TokenMint] = t
	c.mu.Unlock()
}

// Feed is the merged Price Feed component. It owns the on-chain push
// stream (when configured), the REST poller (always on), and the
// Price Cache.
type Feed struct {
	cfg      *config.Manager
	notifier notify.Notifier
	cache    *Cache

	mdClient     *marketdata.Client
	stream       *onchain.Stream
	streamSource model.TickSource
	rpcURL       string

	subscribe chan model.MonitoredToken
	publish   chan model.PriceTick

	mu      sync.Mutex
	pollers map[string]context.CancelFunc

	pushActive bool
}

// New builds a Price Feed. mdBaseURL is the REST market-data endpoint
// base URL.
func New(cfg *config.Manager, notifier notify.Notifier, mdBaseURL string) *Feed {
	c := cfg.Get()

	f := &Feed{
		cfg:       cfg,
		notifier:  notifier,
		cache:     newCache(),
		mdClient:  marketdata.NewClient(mdBaseURL),
		rpcURL:    c.RPC.URL,
		subscribe: make(chan model.MonitoredToken, subscribeChanCap),
		publish:   make(chan model.PriceTick, tickChanCap),
		pollers:   make(map[string]context.CancelFunc),
	}

	// The on-chain push stream is preferred; a plain WS account-subscribe
	// endpoint only takes over when no push stream is configured.
	// Mechanically they are the same client (account-subscribe, reserve
	// math, 45s staleness watchdog) against a different endpoint, so
	// onchain.Stream serves both roles and the tick source tag tells
	// them apart downstream.
	switch {
	case c.Feed.PushStreamEndpoint != "":
		streamOut := make(chan onchain.Tick, tickChanCap)
		f.stream = onchain.NewStream(c.Feed.PushStreamEndpoint, cfg.PushStreamToken(), notifier, streamOut)
		f.streamSource = model.SourceStream
		f.pushActive = true
		go f.drainStream(streamOut)
	case c.Feed.WSURL != "":
		streamOut := make(chan onchain.Tick, tickChanCap)
		f.stream = onchain.NewStream(c.Feed.WSURL, cfg.PushStreamToken(), notifier, streamOut)
		f.streamSource = model.SourceWebSocket
		f.pushActive = true
		go f.drainStream(streamOut)
	}

	return f
}

// Cache exposes the Price Cache for read-only lookups.
func (f *Feed) Cache() *Cache { return f.cache }

// Ticks exposes the merged, ordered tick stream.
func (f *Feed) Ticks() <-chan model.PriceTick { return f.publish }

// Subscribe dynamically adds a token to track, e.g. after a new buy.
// Duplicates are ignored by the underlying sources.
func (f *Feed) Subscribe(tok model.MonitoredToken) {
	select {
	case f.subscribe <- tok:
	default:
		log.Warn().Str("mint", tok.TokenMint).Msg("pricefeed: subscribe channel full, dropping")
	}
}

// Run drives the push stream (if configured) and services Subscribe
// requests by starting REST pollers, until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) {
	if f.stream != nil {
		go f.stream.Run()
		defer f.stream.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			f.mu.Lock()
			for _, cancel := range f.pollers {
				cancel()
			}
			f.mu.Unlock()
			return
		case tok := <-f.subscribe:
			f.startPolling(ctx, tok)
		}
	}
}

func (f *Feed) startPolling(ctx context.Context, tok model.MonitoredToken) {
	f.mu.Lock()
	if _, exists := f.pollers[tok.TokenMint]; exists {
		f.mu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	f.pollers[tok.TokenMint] = cancel
	f.mu.Unlock()

	interval := f.cfg.RESTPollInterval(f.pushActive)
	go f.runPoller(pollCtx, tok.TokenMint, interval)

	if f.stream != nil && tok.PoolAddress != "" {
		go f.subscribeStream(ctx, tok)
	}
}

// subscribeStream fetches the pool account once to learn its vault
// pair and decimals, then hands it to the push stream. The REST poller
// started alongside it keeps covering the token in the meantime.
func (f *Feed) subscribeStream(ctx context.Context, tok model.MonitoredToken) {
	pool, err := onchain.FetchPoolAccount(ctx, f.rpcURL, tok.PoolAddress, onchain.RaydiumPoolLayout)
	if err != nil {
		log.Warn().Err(err).Str("mint", tok.TokenMint).Str("pool", tok.PoolAddress).
			Msg("pricefeed: pool account fetch failed, staying on REST only")
		return
	}
	f.stream.Subscribe(tok, pool)
}

// runPoller polls mint on interval and writes every tick to the cache
// regardless of whether the publish channel accepts it.
func (f *Feed) runPoller(ctx context.Context, mint string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick, err := f.mdClient.GetTokenPrice(ctx, mint)
			if err != nil {
				log.Debug().Err(err).Str("mint", mint).Msg("pricefeed: poll failed")
				continue
			}
			f.emit(tick)
		}
	}
}

func (f *Feed) drainStream(streamOut <-chan onchain.Tick) {
	for t := range streamOut {
		f.emit(model.PriceTick{
			TokenMint:    t.TokenMint,
			PriceNative:  t.PriceNative,
			LiquidityUSD: t.LiquidityNative,
			Source:       f.streamSource,
			ReceivedAt:   time.Now(),
		})
	}
}

// emit writes tick to the cache, then tries to publish it; a full
// publish channel drops the tick rather than blocking the source,
// since the cache remains the authoritative last-known price.
func (f *Feed) emit(tick model.PriceTick) {
	f.cache.put(tick)
	select {
	case f.publish <- tick:
	default:
		log.Debug().Str("mint", tick.TokenMint).Msg("pricefeed: publish channel full, tick cached but not delivered")
	}
}

