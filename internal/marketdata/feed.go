// Package marketdata maintains the venue websocket stream that doubles as the
// system's liveness signal. Every received trade message heartbeats the risk
// engine; a silent stream shows up as websocket downtime in the runtime risk
// checks and trips the kill switch when it exceeds the configured bound.
package marketdata

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/moznion/go-optional"
	"github.com/quantsentinel/trading-core/internal/config"
	"github.com/quantsentinel/trading-core/internal/logger"
	"github.com/quantsentinel/trading-core/internal/metrics"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// HeartbeatSink receives liveness signals from the stream.
type HeartbeatSink interface {
	Heartbeat()
}

// streamMessage is the combined-stream envelope.
type streamMessage struct {
	Stream string       `json:"stream"`
	Data   tradeMessage `json:"data"`
}

type tradeMessage struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
}

// Feed consumes the venue trade stream, heartbeating the risk engine and
// caching the last trade price per symbol.
type Feed struct {
	cfg  config.MarketDataConfig
	sink HeartbeatSink

	mu        sync.Mutex
	prices    map[string]decimal.Decimal
	connected bool

	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewFeed creates a market data feed.
func NewFeed(cfg config.MarketDataConfig, sink HeartbeatSink, log *logger.Logger, m *metrics.Metrics) *Feed {
	return &Feed{
		cfg:     cfg,
		sink:    sink,
		prices:  make(map[string]decimal.Decimal),
		log:     log,
		metrics: m,
	}
}

// Run connects to the stream and consumes it until ctx is canceled,
// reconnecting with exponential backoff after any drop. The risk engine's
// downtime check covers the gap while this loop is reconnecting.
func (f *Feed) Run(ctx context.Context) error {
	reconnect := backoff.NewExponentialBackOff()
	reconnect.InitialInterval = f.cfg.ReconnectBackoff.Std()
	reconnect.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		err := f.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}

		delay := reconnect.NextBackOff()
		f.log.Warn("market data stream dropped, reconnecting",
			zap.Error(err),
			zap.Duration("delay", delay),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()

			return nil
		case <-timer.C:
		}
	}
}

func (f *Feed) consume(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.streamURL(), nil)
	if err != nil {
		return err
	}

	defer func() { _ = conn.Close() }()

	f.setConnected(true)
	defer f.setConnected(false)

	f.log.Info("market data stream connected", zap.Strings("symbols", f.cfg.Symbols))

	// Unblock the read when ctx is canceled. The watcher exits with this
	// connection so reconnects do not accumulate goroutines.
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		f.sink.Heartbeat()
		f.metrics.Heartbeat()

		var msg streamMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}

		if price, err := decimal.NewFromString(msg.Data.Price); err == nil && !price.IsZero() {
			f.mu.Lock()
			f.prices[msg.Data.Symbol] = price
			f.mu.Unlock()
		}
	}
}

// LastPrice returns the most recent trade price seen for a symbol.
func (f *Feed) LastPrice(symbol string) optional.Option[decimal.Decimal] {
	f.mu.Lock()
	defer f.mu.Unlock()

	price, ok := f.prices[symbol]
	if !ok {
		return optional.None[decimal.Decimal]()
	}

	return optional.Some(price)
}

// Connected reports whether the stream is currently up.
func (f *Feed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.connected
}

func (f *Feed) setConnected(connected bool) {
	f.mu.Lock()
	f.connected = connected
	f.mu.Unlock()
}

// streamURL builds the combined trade stream URL for the configured symbols.
func (f *Feed) streamURL() string {
	streams := make([]string, 0, len(f.cfg.Symbols))
	for _, symbol := range f.cfg.Symbols {
		streams = append(streams, strings.ToLower(symbol)+"@trade")
	}

	return strings.TrimRight(f.cfg.StreamURL, "/") + "/stream?streams=" + strings.Join(streams, "/")
}
