// ws.go implements a live best-bid/ask cache fed by Polymarket's public
// market WebSocket channel, so GetBestPrices can answer from the cache
// without a REST round-trip on every call.
//
// The feed auto-reconnects with exponential backoff (1s -> 30s max) and
// re-subscribes to every tracked token on reconnection. A read deadline
// (90s) catches silent server failures within about two missed pings.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	wsPingInterval     = 50 * time.Second
	wsReadTimeout      = 90 * time.Second
	wsMaxReconnectWait = 30 * time.Second
	wsWriteTimeout     = 10 * time.Second
)

type wsSubscribeMsg struct {
	Type     string   `json:"type"`
	AssetIDs []string `json:"assets_ids"`
}

type wsBookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type wsBookEvent struct {
	EventType string        `json:"event_type"`
	AssetID   string        `json:"asset_id"`
	Bids      []wsBookLevel `json:"bids"`
	Asks      []wsBookLevel `json:"asks"`
}

type wsPriceChangeEvent struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	Price     string `json:"price"`
	Side      string `json:"side"`
}

// BookFeed maintains a live best-bid/ask cache per token ID over Polymarket's
// public market WebSocket channel.
type BookFeed struct {
	url    string
	connMu sync.Mutex
	conn   *websocket.Conn

	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	cacheMu sync.RWMutex
	cache   map[string]BestPrices

	logger *slog.Logger
}

// NewBookFeed builds a feed bound to wsURL. Call Run to start it and
// Subscribe to begin tracking a token.
func NewBookFeed(wsURL string, logger *slog.Logger) *BookFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &BookFeed{
		url:        wsURL,
		subscribed: make(map[string]bool),
		cache:      make(map[string]BestPrices),
		logger:     logger.With("component", "book_feed"),
	}
}

// Best returns the cached best bid/ask for tokenID, if the feed has seen one.
func (f *BookFeed) Best(tokenID string) (BestPrices, bool) {
	f.cacheMu.RLock()
	defer f.cacheMu.RUnlock()
	best, ok := f.cache[tokenID]
	return best, ok
}

// Subscribe adds tokenIDs to the tracked set and, if connected, subscribes
// immediately.
func (f *BookFeed) Subscribe(tokenIDs []string) {
	f.subscribedMu.Lock()
	for _, id := range tokenIDs {
		f.subscribed[id] = true
	}
	f.subscribedMu.Unlock()
	_ = f.writeJSON(wsSubscribeMsg{Type: "market", AssetIDs: tokenIDs})
}

// Run connects and maintains the connection with auto-reconnect. Blocks
// until ctx is cancelled.
func (f *BookFeed) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("book feed disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > wsMaxReconnectWait {
			backoff = wsMaxReconnectWait
		}
	}
}

// Close closes the underlying connection, if any.
func (f *BookFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *BookFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	f.subscribedMu.RLock()
	ids := make([]string, 0, len(f.subscribed))
	for id := range f.subscribed {
		ids = append(ids, id)
	}
	f.subscribedMu.RUnlock()
	if len(ids) > 0 {
		if err := f.writeJSON(wsSubscribeMsg{Type: "market", AssetIDs: ids}); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	f.logger.Info("book feed connected", "tracked", len(ids))

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatchMessage(msg)
	}
}

func (f *BookFeed) dispatchMessage(data []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return
	}

	switch envelope.EventType {
	case "book":
		var evt wsBookEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal book event", "error", err)
			return
		}
		f.applyBook(evt)

	case "price_change":
		var evt wsPriceChangeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal price_change event", "error", err)
			return
		}
		f.applyPriceChange(evt)

	default:
		// last_trade_price, tick_size_change, new_market, etc. — not needed
		// for a best-bid/ask cache.
	}
}

func (f *BookFeed) applyBook(evt wsBookEvent) {
	best := bestFromWSLevels(evt.Bids, evt.Asks)
	f.cacheMu.Lock()
	f.cache[evt.AssetID] = best
	f.cacheMu.Unlock()
}

func (f *BookFeed) applyPriceChange(evt wsPriceChangeEvent) {
	price, err := decimal.NewFromString(evt.Price)
	if err != nil {
		return
	}
	f.cacheMu.Lock()
	defer f.cacheMu.Unlock()
	best := f.cache[evt.AssetID]
	switch evt.Side {
	case "BUY":
		best.Bid = &price
	case "SELL":
		best.Ask = &price
	}
	f.cache[evt.AssetID] = best
}

func (f *BookFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *BookFeed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("book feed not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return f.conn.WriteJSON(v)
}

func (f *BookFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("book feed not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return f.conn.WriteMessage(msgType, data)
}

func bestFromWSLevels(bids, asks []wsBookLevel) BestPrices {
	var best BestPrices
	if len(bids) > 0 {
		if p, err := decimal.NewFromString(bids[0].Price); err == nil {
			best.Bid = &p
		}
	}
	if len(asks) > 0 {
		if p, err := decimal.NewFromString(asks[0].Price); err == nil {
			best.Ask = &p
		}
	}
	return best
}
