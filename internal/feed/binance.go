// Package feed ingests upstream Binance futures market data over
// websocket and drives the price engine with it.
package feed

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"propfirm-engine/config"
	"propfirm-engine/internal/price"
)

// combinedMessage is the envelope of a /stream?streams= combined feed.
type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// bookTickerData is one best-bid/ask update.
type bookTickerData struct {
	Symbol   string `json:"s"`
	BidPrice string `json:"b"`
	BidQty   string `json:"B"`
	AskPrice string `json:"a"`
	AskQty   string `json:"A"`
}

// depthData is a partial book snapshot, carried for display only.
type depthData struct {
	Bids [][]string `json:"b"`
	Asks [][]string `json:"a"`
}

// DepthLevel is one price level of the display book.
type DepthLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// DepthSnapshot is the display book for one symbol. Derived execution
// prices come from the price engine, never from here.
type DepthSnapshot struct {
	Symbol    string       `json:"symbol"`
	Bids      []DepthLevel `json:"bids"`
	Asks      []DepthLevel `json:"asks"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// BinanceFeed maintains the combined-stream connection with automatic
// reconnection. An unreachable upstream at startup is not fatal; prices
// simply go stale and the gates reject orders until the feed recovers.
type BinanceFeed struct {
	cfg    config.FeedConfig
	engine *price.Engine

	mu     sync.RWMutex
	conn   *websocket.Conn
	depths map[string]DepthSnapshot

	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
	startMu  sync.Mutex
}

// NewBinanceFeed wires a feed for the configured symbols.
func NewBinanceFeed(cfg config.FeedConfig, engine *price.Engine) *BinanceFeed {
	return &BinanceFeed{
		cfg:      cfg,
		engine:   engine,
		depths:   make(map[string]DepthSnapshot),
		stopChan: make(chan struct{}),
	}
}

// streamURL builds the combined-stream endpoint:
// wss://fstream.binance.com/stream?streams=btcusdt@bookTicker/...
func (f *BinanceFeed) streamURL() string {
	streams := make([]string, 0, len(f.cfg.Symbols)*2)
	for _, sym := range f.cfg.Symbols {
		lower := strings.ToLower(sym)
		streams = append(streams, lower+"@bookTicker")
		if f.cfg.DepthEnabled {
			streams = append(streams, lower+"@depth10@500ms")
		}
	}
	return fmt.Sprintf("%s/stream?streams=%s",
		strings.TrimSuffix(f.cfg.WSBaseURL, "/"),
		url.QueryEscape(strings.Join(streams, "/")))
}

// Start launches the connection manager. Returns immediately; the first
// connect happens on the manager goroutine.
func (f *BinanceFeed) Start() {
	f.startMu.Lock()
	defer f.startMu.Unlock()
	if f.started {
		return
	}
	f.started = true
	f.wg.Add(1)
	go f.connectionLoop()
	log.Printf("[FEED] started for %d symbols", len(f.cfg.Symbols))
}

// Stop closes the connection and halts reconnection.
func (f *BinanceFeed) Stop() {
	f.startMu.Lock()
	defer f.startMu.Unlock()
	if !f.started {
		return
	}
	f.started = false
	close(f.stopChan)

	f.mu.Lock()
	if f.conn != nil {
		f.conn.Close()
	}
	f.mu.Unlock()

	f.wg.Wait()
	log.Printf("[FEED] stopped")
}

// GetDepth returns the display book for a symbol.
func (f *BinanceFeed) GetDepth(symbol string) (DepthSnapshot, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	snap, ok := f.depths[symbol]
	return snap, ok
}

// connectionLoop dials, reads until failure, and re-dials with backoff.
// After MaxReconnects consecutive failures it cools down before another
// round.
func (f *BinanceFeed) connectionLoop() {
	defer f.wg.Done()
	for {
		select {
		case <-f.stopChan:
			return
		default:
		}

		if err := f.connectWithBackoff(); err != nil {
			log.Printf("[FEED] reconnect attempts exhausted: %v, cooling down %v", err, f.cfg.ReconnectCooldown)
			select {
			case <-f.stopChan:
				return
			case <-time.After(f.cfg.ReconnectCooldown):
			}
			continue
		}

		// Connected: pump until the read loop fails.
		f.readLoop()
	}
}

func (f *BinanceFeed) connectWithBackoff() error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	attempts := 0
	operation := func() error {
		select {
		case <-f.stopChan:
			return backoff.Permanent(fmt.Errorf("feed stopped"))
		default:
		}
		attempts++
		if f.cfg.MaxReconnects > 0 && attempts > f.cfg.MaxReconnects {
			return backoff.Permanent(fmt.Errorf("gave up after %d attempts", attempts-1))
		}
		return f.dial()
	}
	return backoff.Retry(operation, bo)
}

func (f *BinanceFeed) dial() error {
	streamURL := f.streamURL()
	conn, _, err := websocket.DefaultDialer.Dial(streamURL, nil)
	if err != nil {
		log.Printf("[FEED] dial failed: %v", err)
		return err
	}

	conn.SetReadDeadline(time.Now().Add(f.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(f.cfg.PongTimeout))
		return nil
	})

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	f.wg.Add(1)
	go f.pingLoop(conn)

	log.Printf("[FEED] connected to %s", streamURL)
	return nil
}

func (f *BinanceFeed) pingLoop(conn *websocket.Conn) {
	defer f.wg.Done()
	ticker := time.NewTicker(f.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-f.stopChan:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

func (f *BinanceFeed) readLoop() {
	f.mu.RLock()
	conn := f.conn
	f.mu.RUnlock()
	if conn == nil {
		return
	}

	for {
		select {
		case <-f.stopChan:
			return
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Printf("[FEED] read error: %v", err)
			conn.Close()
			return
		}
		f.handleMessage(raw)
	}
}

func (f *BinanceFeed) handleMessage(raw []byte) {
	var msg combinedMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}

	switch {
	case strings.HasSuffix(msg.Stream, "@bookTicker"):
		f.handleBookTicker(msg.Data)
	case strings.Contains(msg.Stream, "@depth"):
		symbol := strings.ToUpper(strings.SplitN(msg.Stream, "@", 2)[0])
		f.handleDepth(symbol, msg.Data)
	}
}

func (f *BinanceFeed) handleBookTicker(data json.RawMessage) {
	var bt bookTickerData
	if err := json.Unmarshal(data, &bt); err != nil {
		return
	}
	bid, err := decimal.NewFromString(bt.BidPrice)
	if err != nil {
		return
	}
	ask, err := decimal.NewFromString(bt.AskPrice)
	if err != nil {
		return
	}
	if !bid.IsPositive() || !ask.IsPositive() {
		return
	}
	// Rejections (circuit breaker, out-of-order) are the engine's call.
	f.engine.UpdatePrice(bt.Symbol, bid, ask)
}

func (f *BinanceFeed) handleDepth(symbol string, data json.RawMessage) {
	var dd depthData
	if err := json.Unmarshal(data, &dd); err != nil {
		return
	}
	snap := DepthSnapshot{
		Symbol:    symbol,
		Bids:      parseLevels(dd.Bids),
		Asks:      parseLevels(dd.Asks),
		UpdatedAt: time.Now(),
	}
	f.mu.Lock()
	f.depths[symbol] = snap
	f.mu.Unlock()
}

func parseLevels(raw [][]string) []DepthLevel {
	out := make([]DepthLevel, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) < 2 {
			continue
		}
		px, err1 := decimal.NewFromString(lvl[0])
		qty, err2 := decimal.NewFromString(lvl[1])
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, DepthLevel{Price: px, Quantity: qty})
	}
	return out
}
