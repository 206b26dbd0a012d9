package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"propfirm-engine/internal/executor"
	"propfirm-engine/internal/market"
	"propfirm-engine/internal/ratelimit"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 8192
	sendQueueDepth = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server upgrades authenticated websocket sessions and dispatches their
// trading commands to the executor.
type Server struct {
	hub     *Hub
	tokens  *TokenManager
	exec    *executor.Executor
	limiter *ratelimit.Limiter
}

// NewServer wires the websocket endpoint.
func NewServer(hub *Hub, tokens *TokenManager, exec *executor.Executor, limiter *ratelimit.Limiter) *Server {
	return &Server{hub: hub, tokens: tokens, exec: exec, limiter: limiter}
}

// ServeWS is the HTTP handler for /ws. The bearer token is validated
// before the upgrade; an invalid token never becomes a socket.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	tokenString, err := tokenFromRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	claims, err := s.tokens.Validate(tokenString)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] upgrade failed: %v", err)
		return
	}

	client := &Client{
		hub:     s.hub,
		server:  s,
		conn:    conn,
		send:    make(chan []byte, sendQueueDepth),
		userID:  claims.UserID,
		symbols: make(map[string]bool),
	}
	s.hub.register <- client

	go client.writePump()
	go client.readPump()
}

// Client is one authenticated session.
type Client struct {
	hub    *Hub
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	userID string

	mu      sync.RWMutex
	symbols map[string]bool
}

// inboundMessage is the envelope of every client command.
type inboundMessage struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type"`

	Symbol string `json:"symbol,omitempty"`

	Order *orderPayload `json:"order,omitempty"`

	OrderID    string `json:"orderId,omitempty"`
	PositionID string `json:"positionId,omitempty"`
	Quantity   string `json:"quantity,omitempty"`
	TakeProfit string `json:"takeProfit,omitempty"`
	StopLoss   string `json:"stopLoss,omitempty"`
	ClearTP    bool   `json:"clearTakeProfit,omitempty"`
	ClearSL    bool   `json:"clearStopLoss,omitempty"`
}

type orderPayload struct {
	AccountID     string `json:"accountId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Quantity      string `json:"quantity"`
	OrderType     string `json:"orderType"`
	LimitPrice    string `json:"limitPrice,omitempty"`
	Leverage      int    `json:"leverage,omitempty"`
	TakeProfit    string `json:"takeProfit,omitempty"`
	StopLoss      string `json:"stopLoss,omitempty"`
	ClientOrderID string `json:"clientOrderId,omitempty"`
	Timestamp     int64  `json:"timestamp"` // unix millis
}

func (c *Client) subscribed(symbol string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.symbols[symbol]
}

// trySend queues a payload without blocking; a slow consumer loses
// messages rather than stalling the engine.
func (c *Client) trySend(payload []byte) {
	select {
	case c.send <- payload:
	default:
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleMessage(raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(raw []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendError("", "INVALID_MESSAGE")
		return
	}

	switch strings.ToUpper(msg.Type) {
	case "SUBSCRIBE":
		c.handleSubscribe(msg, true)
	case "UNSUBSCRIBE":
		c.handleSubscribe(msg, false)
	case "PLACE_ORDER":
		c.handlePlaceOrder(msg)
	case "CLOSE_POSITION":
		c.handleClose(msg)
	case "MODIFY_TPSL":
		c.handleModify(msg)
	case "CANCEL_ORDER":
		c.handleCancel(msg)
	case "PING":
		c.sendResult(msg.ID, "PONG", nil)
	default:
		c.sendError(msg.ID, "UNKNOWN_TYPE")
	}
}

func (c *Client) handleSubscribe(msg inboundMessage, on bool) {
	action := ratelimit.ActionSubscribe
	if !on {
		action = ratelimit.ActionUnsubscribe
	}
	if c.server.limiter != nil && !c.server.limiter.Allow(context.Background(), c.userID, action) {
		c.sendError(msg.ID, "RATE_LIMITED")
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(msg.Symbol))
	if symbol == "" {
		c.sendError(msg.ID, "INVALID_MESSAGE")
		return
	}
	c.mu.Lock()
	if on {
		c.symbols[symbol] = true
	} else {
		delete(c.symbols, symbol)
	}
	c.mu.Unlock()
	c.sendResult(msg.ID, "SUBSCRIPTION", map[string]any{"symbol": symbol, "subscribed": on})
}

func (c *Client) handlePlaceOrder(msg inboundMessage) {
	if msg.Order == nil {
		c.sendError(msg.ID, "INVALID_MESSAGE")
		return
	}
	req, ok := c.buildOrderRequest(*msg.Order)
	if !ok {
		c.sendError(msg.ID, "INVALID_MESSAGE")
		return
	}
	res := c.server.exec.PlaceOrder(context.Background(), req)
	c.sendResult(msg.ID, "ORDER_RESULT", res)
}

func (c *Client) buildOrderRequest(p orderPayload) (executor.PlaceOrderRequest, bool) {
	qty, err := decimal.NewFromString(p.Quantity)
	if err != nil {
		return executor.PlaceOrderRequest{}, false
	}
	req := executor.PlaceOrderRequest{
		UserID:        c.userID,
		AccountID:     p.AccountID,
		Symbol:        strings.ToUpper(p.Symbol),
		Side:          market.Side(strings.ToUpper(p.Side)),
		Quantity:      qty,
		OrderType:     market.OrderType(strings.ToUpper(p.OrderType)),
		Leverage:      p.Leverage,
		ClientOrderID: p.ClientOrderID,
		Timestamp:     time.UnixMilli(p.Timestamp),
	}
	if req.OrderType == "" {
		req.OrderType = market.OrderTypeMarket
	}
	if p.LimitPrice != "" {
		lp, err := decimal.NewFromString(p.LimitPrice)
		if err != nil {
			return executor.PlaceOrderRequest{}, false
		}
		req.LimitPrice = &lp
	}
	if p.TakeProfit != "" {
		tp, err := decimal.NewFromString(p.TakeProfit)
		if err != nil {
			return executor.PlaceOrderRequest{}, false
		}
		req.TakeProfit = &tp
	}
	if p.StopLoss != "" {
		sl, err := decimal.NewFromString(p.StopLoss)
		if err != nil {
			return executor.PlaceOrderRequest{}, false
		}
		req.StopLoss = &sl
	}
	return req, true
}

func (c *Client) handleClose(msg inboundMessage) {
	if msg.PositionID == "" {
		c.sendError(msg.ID, "INVALID_MESSAGE")
		return
	}
	req := executor.CloseRequest{PositionID: msg.PositionID}
	if msg.Quantity != "" {
		qty, err := decimal.NewFromString(msg.Quantity)
		if err != nil {
			c.sendError(msg.ID, "INVALID_MESSAGE")
			return
		}
		req.CloseQty = &qty
	}
	res := c.server.exec.CloseManual(context.Background(), c.userID, req)
	c.sendResult(msg.ID, "CLOSE_RESULT", res)
}

func (c *Client) handleModify(msg inboundMessage) {
	if msg.PositionID == "" {
		c.sendError(msg.ID, "INVALID_MESSAGE")
		return
	}
	req := executor.ModifyRequest{
		PositionID:      msg.PositionID,
		UserID:          c.userID,
		ClearTakeProfit: msg.ClearTP,
		ClearStopLoss:   msg.ClearSL,
	}
	if msg.TakeProfit != "" {
		tp, err := decimal.NewFromString(msg.TakeProfit)
		if err != nil {
			c.sendError(msg.ID, "INVALID_MESSAGE")
			return
		}
		req.TakeProfit = &tp
	}
	if msg.StopLoss != "" {
		sl, err := decimal.NewFromString(msg.StopLoss)
		if err != nil {
			c.sendError(msg.ID, "INVALID_MESSAGE")
			return
		}
		req.StopLoss = &sl
	}
	res := c.server.exec.ModifyTPSL(context.Background(), req)
	c.sendResult(msg.ID, "MODIFY_RESULT", res)
}

func (c *Client) handleCancel(msg inboundMessage) {
	if msg.OrderID == "" {
		c.sendError(msg.ID, "INVALID_MESSAGE")
		return
	}
	res := c.server.exec.CancelOrder(context.Background(), c.userID, msg.OrderID)
	c.sendResult(msg.ID, "CANCEL_RESULT", res)
}

func (c *Client) sendResult(id, resultType string, data any) {
	payload, err := json.Marshal(map[string]any{
		"id":   id,
		"type": resultType,
		"data": data,
	})
	if err != nil {
		return
	}
	c.trySend(payload)
}

func (c *Client) sendError(id, code string) {
	payload, _ := json.Marshal(map[string]any{
		"id":   id,
		"type": "ERROR",
		"code": code,
	})
	c.trySend(payload)
}
