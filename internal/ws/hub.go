package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"propfirm-engine/internal/events"
	"propfirm-engine/internal/market"
)

// Hub tracks connected sessions and routes engine events and price ticks
// to them.
type Hub struct {
	clients     map[*Client]bool
	userClients map[string][]*Client

	register   chan *Client
	unregister chan *Client

	// resolveOwner maps an account to the user its events route to.
	resolveOwner func(accountID string) (string, bool)

	mu       sync.RWMutex
	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
	startMu  sync.Mutex
}

// NewHub wires a hub and subscribes it to every engine event.
func NewHub(bus *events.Bus, resolveOwner func(accountID string) (string, bool)) *Hub {
	h := &Hub{
		clients:      make(map[*Client]bool),
		userClients:  make(map[string][]*Client),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		resolveOwner: resolveOwner,
		stopChan:     make(chan struct{}),
	}
	bus.SubscribeAll(h.routeEvent)
	return h
}

// Start launches the registration loop.
func (h *Hub) Start() {
	h.startMu.Lock()
	defer h.startMu.Unlock()
	if h.started {
		return
	}
	h.started = true
	h.wg.Add(1)
	go h.run()
	log.Printf("[WS] hub started")
}

// Stop disconnects every session and halts the hub.
func (h *Hub) Stop() {
	h.startMu.Lock()
	defer h.startMu.Unlock()
	if !h.started {
		return
	}
	h.started = false
	close(h.stopChan)
	h.wg.Wait()

	h.mu.Lock()
	for client := range h.clients {
		close(client.send)
		if client.conn != nil {
			client.conn.Close()
		}
	}
	h.clients = make(map[*Client]bool)
	h.userClients = make(map[string][]*Client)
	h.mu.Unlock()
	log.Printf("[WS] hub stopped")
}

func (h *Hub) run() {
	defer h.wg.Done()
	for {
		select {
		case <-h.stopChan:
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.userClients[client.userID] = append(h.userClients[client.userID], client)
			h.mu.Unlock()
			log.Printf("[WS] session opened for user %s (%d total)", client.userID, h.ClientCount())

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.dropUserClient(client)
			}
			h.mu.Unlock()
		}
	}
}

// dropUserClient removes one session from the per-user index. Caller
// holds the lock.
func (h *Hub) dropUserClient(client *Client) {
	list := h.userClients[client.userID]
	for i, cand := range list {
		if cand == client {
			h.userClients[client.userID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(h.userClients[client.userID]) == 0 {
		delete(h.userClients, client.userID)
	}
}

// ClientCount reports connected sessions.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// routeEvent delivers one engine event: account-scoped events go to the
// owning user's sessions, the rest broadcast.
func (h *Hub) routeEvent(ev events.Event) {
	payload, err := json.Marshal(map[string]any{
		"type":      string(ev.Type),
		"timestamp": ev.Timestamp.UTC().Format(time.RFC3339Nano),
		"data":      ev.Data,
	})
	if err != nil {
		return
	}

	if ev.AccountID == "" {
		h.broadcast(payload)
		return
	}
	userID, ok := h.resolveOwner(ev.AccountID)
	if !ok {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.userClients[userID] {
		client.trySend(payload)
	}
}

func (h *Hub) broadcast(payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		client.trySend(payload)
	}
}

// OnPriceTick fans a derived quote out to the sessions subscribed to its
// symbol.
func (h *Hub) OnPriceTick(tick market.PriceTick) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var payload []byte
	for client := range h.clients {
		if !client.subscribed(tick.Symbol) {
			continue
		}
		if payload == nil {
			payload, _ = json.Marshal(map[string]any{
				"type": "PRICE",
				"data": map[string]any{
					"symbol":    tick.Symbol,
					"bid":       tick.Bid.String(),
					"ask":       tick.Ask.String(),
					"mid":       tick.Mid.String(),
					"timestamp": tick.Timestamp.UTC().Format(time.RFC3339Nano),
				},
			})
		}
		client.trySend(payload)
	}
}
