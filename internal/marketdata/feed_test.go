package marketdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/quantsentinel/trading-core/internal/config"
	"github.com/quantsentinel/trading-core/internal/logger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

type countingSink struct {
	beats atomic.Int64
}

func (s *countingSink) Heartbeat() {
	s.beats.Add(1)
}

type FeedTestSuite struct {
	suite.Suite
}

func TestFeedSuite(t *testing.T) {
	suite.Run(t, new(FeedTestSuite))
}

func (s *FeedTestSuite) TestStreamHeartbeatsAndCachesPrices() {
	upgrader := websocket.Upgrader{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.Contains(r.URL.String(), "btcusdt@trade")

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		defer func() { _ = conn.Close() }()

		messages := []string{
			`{"stream":"btcusdt@trade","data":{"e":"trade","s":"BTCUSDT","p":"50000.25"}}`,
			`{"stream":"btcusdt@trade","data":{"e":"trade","s":"BTCUSDT","p":"50001.00"}}`,
		}

		for _, msg := range messages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}

		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	sink := &countingSink{}
	feed := NewFeed(config.MarketDataConfig{
		StreamURL:        "ws" + strings.TrimPrefix(server.URL, "http"),
		Symbols:          []string{"BTCUSDT"},
		ReconnectBackoff: config.Duration(10 * time.Millisecond),
	}, sink, logger.NewNopLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = feed.Run(ctx)
	}()

	s.Require().Eventually(func() bool {
		return sink.beats.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	s.Require().Eventually(func() bool {
		price := feed.LastPrice("BTCUSDT")

		return price.IsSome() && price.Unwrap().Equal(decimal.RequireFromString("50001.00"))
	}, 2*time.Second, 10*time.Millisecond)

	s.True(feed.Connected())

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		s.Fail("feed did not stop after cancellation")
	}

	s.False(feed.Connected())
}

func (s *FeedTestSuite) TestReconnectDoesNotAccumulateWatchers() {
	upgrader := websocket.Upgrader{}

	var drops atomic.Int64

	// Every connection is dropped immediately, forcing a reconnect cycle.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		_ = conn.Close()
		drops.Add(1)
	}))
	defer server.Close()

	feed := NewFeed(config.MarketDataConfig{
		StreamURL:        "ws" + strings.TrimPrefix(server.URL, "http"),
		Symbols:          []string{"BTCUSDT"},
		ReconnectBackoff: config.Duration(time.Millisecond),
	}, &countingSink{}, logger.NewNopLogger(), nil)

	baseline := runtime.NumGoroutine()

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = feed.Run(ctx)
	}()

	s.Require().Eventually(func() bool {
		return drops.Load() >= 8
	}, 2*time.Second, 5*time.Millisecond)

	// The connection watcher must exit with each dropped connection rather
	// than pile up until shutdown.
	s.Less(runtime.NumGoroutine(), baseline+6)

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		s.Fail("feed did not stop after cancellation")
	}
}
