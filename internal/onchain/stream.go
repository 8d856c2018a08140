package onchain

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"engine/internal/model"
	"engine/internal/notify"
)

// RaydiumAMMProgramID identifies the AMM pool accounts this stream
// tracks reserves for.
const RaydiumAMMProgramID = "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8"

const (
	initialReconnectDelay = 2 * time.Second
	maxReconnectDelay     = 60 * time.Second
	staleTimeout          = 45 * time.Second
)

// Tick is what the push stream hands to the merging Price Feed: a
// priced pool observation. No Tick is sent until both vault sides of
// the pool have been observed.
type Tick struct {
	TokenMint    string
	PriceNative  decimal.Decimal
	LiquidityNative decimal.Decimal
}

// subscription tracks one token's pool vault pair and accumulated
// reserves.
type subscription struct {
	mint      string
	poolAddr  string
	coinVault string
	pcVault   string
	tracker   *reserveTracker
}

// Stream is the on-chain push-stream client for AMM pool vault
// accounts. One Stream instance serves every monitored token; it
// reconnects and re-subscribes transparently on disconnect or
// staleness.
type Stream struct {
	endpoint string
	token    string
	notifier notify.Notifier

	dial func(url string) (*websocket.Conn, error)

	mu         sync.Mutex
	conn       *websocket.Conn
	subs       map[string]*subscription // mint -> subscription
	coinSubIDs map[uint64]string
	pcSubIDs   map[uint64]string

	lastMessageAt time.Time
	connected     bool

	out    chan<- Tick
	stopCh chan struct{}
}

// NewStream builds a push-stream client. out is the channel ticks are
// published to; the caller owns its lifetime.
func NewStream(endpoint, token string, notifier notify.Notifier, out chan<- Tick) *Stream {
	return &Stream{
		endpoint:   endpoint,
		token:      token,
		notifier:   notifier,
		subs:       make(map[string]*subscription),
		coinSubIDs: make(map[uint64]string),
		pcSubIDs:   make(map[uint64]string),
		out:        out,
		stopCh:     make(chan struct{}),
		dial: func(url string) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.Dial(url, nil)
			return conn, err
		},
	}
}

// Run connects, subscribes to every currently known token, and blocks
// servicing the connection (with automatic reconnect) until Stop is
// called.
func (s *Stream) Run() {
	delay := initialReconnectDelay
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if err := s.connect(); err != nil {
			log.Warn().Err(err).Dur("retry_in", delay).Msg("onchain stream: connect failed")
			s.notifier.SendConnectivityAlert("onchain_stream", false, err.Error())
			time.Sleep(delay)
			delay = minDuration(delay*2, maxReconnectDelay)
			continue
		}

		delay = initialReconnectDelay
		s.notifier.SendConnectivityAlert("onchain_stream", true, "connected")
		s.resubscribeAll()
		s.serviceUntilDisconnect()

		select {
		case <-s.stopCh:
			return
		default:
			s.notifier.SendConnectivityAlert("onchain_stream", false, "disconnected, reconnecting")
		}
	}
}

// Stop closes the stream permanently.
func (s *Stream) Stop() {
	close(s.stopCh)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
	}
}

// Subscribe adds a token to track. Idempotent.
func (s *Stream) Subscribe(tok model.MonitoredToken, pool PoolInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subs[tok.TokenMint]; exists {
		return
	}

	sub := &subscription{
		mint:      tok.TokenMint,
		poolAddr:  tok.PoolAddress,
		coinVault: pool.CoinVault,
		pcVault:   pool.PCVault,
		tracker:   newReserveTracker(pool.BaseDecimals, pool.QuoteDecimals),
	}
	s.subs[tok.TokenMint] = sub

	if s.connected {
		s.sendSubscribe(sub)
	}
}

func (s *Stream) connect() error {
	conn, err := s.dial(s.endpoint)
	if err != nil {
		return fmt.Errorf("onchain: dial: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.lastMessageAt = time.Now()
	s.mu.Unlock()

	return nil
}

func (s *Stream) resubscribeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		s.sendSubscribe(sub)
	}
}

// sendSubscribe issues the account-subscribe requests for both vault
// sides of one pool. Caller holds s.mu.
func (s *Stream) sendSubscribe(sub *subscription) {
	for _, vault := range []string{sub.coinVault, sub.pcVault} {
		if vault == "" {
			continue
		}
		req := map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      vault,
			"method":  "accountSubscribe",
			"params":  []interface{}{vault, map[string]string{"encoding": "base64", "commitment": "confirmed"}},
		}
		b, _ := json.Marshal(req)
		if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
			log.Warn().Err(err).Str("vault", vault).Msg("onchain stream: subscribe send failed")
		}
	}
}

func (s *Stream) serviceUntilDisconnect() {
	msgCh := make(chan []byte, 16)
	errCh := make(chan error, 1)

	go func() {
		for {
			_, msg, err := s.readConn()
			if err != nil {
				errCh <- err
				return
			}
			select {
			case msgCh <- msg:
			default:
			}
		}
	}()

	watchdog := time.NewTicker(5 * time.Second)
	defer watchdog.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case msg := <-msgCh:
			s.mu.Lock()
			s.lastMessageAt = time.Now()
			s.mu.Unlock()
			s.handleMessage(msg)
		case err := <-errCh:
			log.Warn().Err(err).Msg("onchain stream: read error")
			return
		case <-watchdog.C:
			s.mu.Lock()
			stale := time.Since(s.lastMessageAt) > staleTimeout
			conn := s.conn
			s.mu.Unlock()
			if stale {
				log.Warn().Msg("onchain stream: stale, forcing reconnect")
				if conn != nil {
					conn.Close()
				}
				return
			}
		}
	}
}

func (s *Stream) readConn() (int, []byte, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return 0, nil, fmt.Errorf("onchain: no connection")
	}
	return conn.ReadMessage()
}

type accountNotification struct {
	Params struct {
		Subscription uint64 `json:"subscription"`
		Result       struct {
			Value struct {
				Data []string `json:"data"`
			} `json:"value"`
		} `json:"result"`
	} `json:"params"`
}

type subscribeAck struct {
	ID     string `json:"id"`
	Result uint64 `json:"result"`
}

func (s *Stream) handleMessage(raw []byte) {
	var ack subscribeAck
	if err := json.Unmarshal(raw, &ack); err == nil && ack.ID != "" {
		s.mu.Lock()
		for _, sub := range s.subs {
			if sub.coinVault == ack.ID {
				s.coinSubIDs[ack.Result] = sub.mint
			} else if sub.pcVault == ack.ID {
				s.pcSubIDs[ack.Result] = sub.mint
			}
		}
		s.mu.Unlock()
		return
	}

	var note accountNotification
	if err := json.Unmarshal(raw, &note); err != nil || len(note.Params.Result.Value.Data) == 0 {
		return
	}

	data, err := base64.StdEncoding.DecodeString(note.Params.Result.Value.Data[0])
	if err != nil {
		log.Warn().Err(err).Msg("onchain stream: bad base64 in account notification")
		return
	}
	amount, err := ParseTokenAccountAmount(data)
	if err != nil {
		log.Debug().Err(err).Msg("onchain stream: unparseable vault account")
		return
	}

	s.mu.Lock()
	mint, isCoin := s.coinSubIDs[note.Params.Subscription]
	var isQuote bool
	if !isCoin {
		mint, isQuote = s.pcSubIDs[note.Params.Subscription]
	}
	if !isCoin && !isQuote {
		s.mu.Unlock()
		return
	}
	sub, ok := s.subs[mint]
	if !ok {
		s.mu.Unlock()
		return
	}
	if isCoin {
		sub.tracker.setBase(amount)
	} else {
		sub.tracker.setQuote(amount)
	}
	price, liquidity, ready := sub.tracker.priceAndLiquidity()
	s.mu.Unlock()

	if !ready {
		return
	}

	select {
	case s.out <- Tick{TokenMint: mint, PriceNative: price, LiquidityNative: liquidity}:
	default:
		log.Debug().Str("mint", mint).Msg("onchain stream: tick dropped, consumer channel full")
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
