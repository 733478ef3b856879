package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/veiloq/streamkit/pkg/book"
	"github.com/veiloq/streamkit/pkg/logging"
	"github.com/veiloq/streamkit/pkg/market"
	"github.com/veiloq/streamkit/pkg/ratelimit"
)

// demoAdapter speaks a small JSON wire format:
//
//	{"op":"subscribe","channel":"orderbook","symbols":["BTC-USD"]}
//	{"type":"delta","symbol":"BTC-USD","sequence":7,"side":"bid","price":"100","amount":"1"}
//	{"type":"trade","symbol":"BTC-USD","price":"100.5","amount":"0.25","side":"buy"}
type demoAdapter struct{}

type demoFrame struct {
	Type     string `json:"type"`
	Symbol   string `json:"symbol"`
	Sequence int64  `json:"sequence"`
	Side     string `json:"side"`
	Price    string `json:"price"`
	Amount   string `json:"amount"`
}

func (a *demoAdapter) Name() string { return "demo" }

func (a *demoAdapter) ParseFrame(raw []byte) (market.Frame, error) {
	var df demoFrame
	if err := json.Unmarshal(raw, &df); err != nil {
		return market.Frame{}, fmt.Errorf("decoding frame: %w", err)
	}

	switch df.Type {
	case "delta":
		price, err := decimal.NewFromString(df.Price)
		if err != nil {
			return market.Frame{}, fmt.Errorf("parsing price: %w", err)
		}
		amount, err := decimal.NewFromString(df.Amount)
		if err != nil {
			return market.Frame{}, fmt.Errorf("parsing amount: %w", err)
		}
		side := book.Bid
		if df.Side == "ask" {
			side = book.Ask
		}
		return market.Frame{Kind: market.KindDelta, Deltas: []book.Delta{{
			Symbol:   df.Symbol,
			Sequence: df.Sequence,
			Side:     side,
			Price:    price,
			Amount:   amount,
		}}}, nil
	case "trade":
		price, err := decimal.NewFromString(df.Price)
		if err != nil {
			return market.Frame{}, fmt.Errorf("parsing price: %w", err)
		}
		amount, err := decimal.NewFromString(df.Amount)
		if err != nil {
			return market.Frame{}, fmt.Errorf("parsing amount: %w", err)
		}
		side := book.Bid
		if df.Side == "sell" {
			side = book.Ask
		}
		return market.Frame{Kind: market.KindTrade, Trade: &market.Trade{
			Symbol: df.Symbol,
			Price:  price,
			Amount: amount,
			Side:   side,
		}}, nil
	case "pong", "subscribed":
		return market.Frame{Kind: market.KindControl}, nil
	default:
		return market.Frame{Kind: market.KindUnrecognized}, nil
	}
}

func (a *demoAdapter) BuildSubscribeMessage(channel string, symbols []string) ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"op":      "subscribe",
		"channel": channel,
		"symbols": symbols,
	})
}

func main() {
	logger := logging.NewLogger()
	logger.SetLevel(logging.DEBUG)

	wsURL := os.Getenv("DEMO_WS_URL")
	if wsURL == "" {
		wsURL = "ws://localhost:8080/ws"
	}

	profile := market.VenueProfile{
		Name:              "demo",
		WSURL:             wsURL,
		BookMode:          book.DeltasOnly,
		RateLimit:         ratelimit.Rate{Limit: 10, Interval: time.Second},
		HeartbeatInterval: 20 * time.Second,
		Channels: market.Channels{
			OrderBook: "orderbook",
			Trades:    "trades",
		},
	}

	svc, err := market.NewService(market.ServiceConfig{
		Profile: profile,
		Adapter: &demoAdapter{},
		Logger:  logger,
		OnResync: func(symbol, reason string) {
			logger.Info("book resynchronizing",
				logging.String("symbol", symbol),
				logging.String("reason", reason))
		},
	})
	if err != nil {
		logger.Error("failed to create service", logging.Error(err))
		os.Exit(1)
	}
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("subscribing to order books")
	_, err = svc.SubscribeOrderBooks(ctx, []string{"BTC-USD"}, 10, func(b *book.Book) {
		bid, hasBid := b.BestBid()
		ask, hasAsk := b.BestAsk()
		if hasBid && hasAsk {
			logger.Info("top of book",
				logging.String("symbol", b.Symbol),
				logging.String("bid", bid.Price.String()),
				logging.String("ask", ask.Price.String()),
				logging.Int64("sequence", b.Sequence))
		}
	})
	if err != nil {
		logger.Error("order book subscription failed", logging.Error(err))
		os.Exit(1)
	}

	logger.Info("subscribing to trades")
	_, err = svc.SubscribeTrades(ctx, []string{"BTC-USD"}, func(tr market.Trade) {
		logger.Info("trade",
			logging.String("symbol", tr.Symbol),
			logging.String("price", tr.Price.String()),
			logging.String("amount", tr.Amount.String()))
	})
	if err != nil {
		logger.Error("trade subscription failed", logging.Error(err))
		os.Exit(1)
	}

	// Run until interrupted
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
}
