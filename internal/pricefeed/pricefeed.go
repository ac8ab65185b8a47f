package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must be less than pongWait
	reconnectDelay = 5 * time.Second
)

// Quote is the most recent trade price observed for one symbol.
type Quote struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	At     time.Time `json:"at"`
}

// Feed maintains a streaming connection to the exchange's combined
// aggTrade stream and caches the latest price per symbol. It is purely
// observational: bots trade off closed candles, the feed exists so
// operators can see live prices without burning REST quota.
type Feed struct {
	wsBaseURL string
	symbols   []string
	logger    *zap.SugaredLogger

	mu     sync.RWMutex
	quotes map[string]Quote
}

// New builds a feed for the given symbols. Run must be called to start
// streaming.
func New(wsBaseURL string, symbols []string, logger *zap.SugaredLogger) *Feed {
	return &Feed{
		wsBaseURL: wsBaseURL,
		symbols:   symbols,
		logger:    logger,
		quotes:    make(map[string]Quote, len(symbols)),
	}
}

// Price returns the latest quote for the symbol, if one has arrived.
func (f *Feed) Price(symbol string) (Quote, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	q, ok := f.quotes[symbol]
	return q, ok
}

// Snapshot returns a copy of every cached quote.
func (f *Feed) Snapshot() map[string]Quote {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]Quote, len(f.quotes))
	for k, v := range f.quotes {
		out[k] = v
	}
	return out
}

// Run keeps the stream alive until the context is cancelled, redialing
// after every broken connection.
func (f *Feed) Run(ctx context.Context) {
	if len(f.symbols) == 0 {
		return
	}
	for {
		if ctx.Err() != nil {
			f.logger.Info("price feed stopped")
			return
		}

		conn, err := f.dial(ctx)
		if err != nil {
			f.logger.Warnw("price feed dial failed", "err", err)
		} else {
			f.logger.Infow("price feed connected", "symbols", len(f.symbols))
			if err := f.consume(ctx, conn); err != nil {
				f.logger.Warnw("price feed connection lost", "err", err)
			}
			conn.Close()
			if ctx.Err() != nil {
				f.logger.Info("price feed stopped")
				return
			}
		}

		select {
		case <-ctx.Done():
			f.logger.Info("price feed stopped")
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (f *Feed) dial(ctx context.Context) (*websocket.Conn, error) {
	streams := make([]string, len(f.symbols))
	for i, s := range f.symbols {
		streams[i] = strings.ToLower(s) + "@aggTrade"
	}
	wsURL := fmt.Sprintf("%s/stream?streams=%s", f.wsBaseURL, strings.Join(streams, "/"))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", wsURL, err)
	}
	return conn, nil
}

// consume reads one established connection until it breaks or the
// context is cancelled, keeping the connection alive with pings.
func (f *Feed) consume(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)

	go func() {
		pingTicker := time.NewTicker(pingPeriod)
		defer pingTicker.Stop()
		for {
			select {
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-ctx.Done():
				// Unblocks the read loop below; the close frame is best
				// effort.
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading stream: %w", err)
		}
		f.handleMessage(message)
	}
}

func (f *Feed) handleMessage(message []byte) {
	var envelope struct {
		Data struct {
			Symbol    string      `json:"s"`
			Price     json.Number `json:"p"`
			TradeTime int64       `json:"T"`
		} `json:"data"`
	}
	if err := json.Unmarshal(message, &envelope); err != nil {
		f.logger.Debugw("unparseable stream message", "err", err)
		return
	}
	if envelope.Data.Symbol == "" {
		return
	}
	price, err := envelope.Data.Price.Float64()
	if err != nil {
		f.logger.Debugw("unparseable trade price", "err", err)
		return
	}

	f.mu.Lock()
	f.quotes[envelope.Data.Symbol] = Quote{
		Symbol: envelope.Data.Symbol,
		Price:  price,
		At:     time.UnixMilli(envelope.Data.TradeTime),
	}
	f.mu.Unlock()
}
