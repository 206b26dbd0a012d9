package ws

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"propfirm-engine/internal/account"
	"propfirm-engine/internal/events"
	"propfirm-engine/internal/market"
)

// ============================================================
// TEST: Token validation
// ============================================================

func TestTokenManager_IssueAndValidate(t *testing.T) {
	tm := NewTokenManager("test-secret")

	tok, err := tm.Issue(UserClaims{UserID: "user-1", Email: "u@example.com"}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := tm.Validate(tok)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.UserID != "user-1" {
		t.Errorf("userID = %q, want user-1", claims.UserID)
	}
	if claims.Email != "u@example.com" {
		t.Errorf("email = %q", claims.Email)
	}
}

func TestTokenManager_Expired(t *testing.T) {
	tm := NewTokenManager("test-secret")

	tok, err := tm.Issue(UserClaims{UserID: "user-1"}, -time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := tm.Validate(tok); err != ErrTokenExpired {
		t.Errorf("err = %v, want ErrTokenExpired", err)
	}
}

func TestTokenManager_WrongSecret(t *testing.T) {
	tok, err := NewTokenManager("secret-a").Issue(UserClaims{UserID: "user-1"}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := NewTokenManager("secret-b").Validate(tok); err != ErrTokenInvalid {
		t.Errorf("err = %v, want ErrTokenInvalid", err)
	}
}

func TestTokenManager_MissingUserID(t *testing.T) {
	tm := NewTokenManager("test-secret")
	tok, err := tm.Issue(UserClaims{}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := tm.Validate(tok); err != ErrTokenInvalid {
		t.Errorf("err = %v, want ErrTokenInvalid", err)
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer abc123")
	tok, err := tokenFromRequest(r)
	if err != nil || tok != "abc123" {
		t.Errorf("header token = %q, err = %v", tok, err)
	}

	r = httptest.NewRequest("GET", "/ws?token=qry456", nil)
	tok, err = tokenFromRequest(r)
	if err != nil || tok != "qry456" {
		t.Errorf("query token = %q, err = %v", tok, err)
	}

	r = httptest.NewRequest("GET", "/ws", nil)
	if _, err := tokenFromRequest(r); err != ErrNoToken {
		t.Errorf("err = %v, want ErrNoToken", err)
	}

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Basic abc")
	if _, err := tokenFromRequest(r); err != ErrTokenInvalid {
		t.Errorf("err = %v, want ErrTokenInvalid", err)
	}
}

// ============================================================
// TEST: Hub routing
// ============================================================

func newTestClient(userID string) *Client {
	return &Client{
		send:    make(chan []byte, 16),
		userID:  userID,
		symbols: make(map[string]bool),
	}
}

func registerClient(t *testing.T, h *Hub, c *Client) {
	t.Helper()
	want := h.ClientCount() + 1
	select {
	case h.register <- c:
	case <-time.After(time.Second):
		t.Fatal("hub register timed out")
	}
	deadline := time.Now().Add(time.Second)
	for h.ClientCount() < want && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if h.ClientCount() < want {
		t.Fatalf("client not registered, count = %d", h.ClientCount())
	}
}

func recvJSON(t *testing.T, c *Client) map[string]any {
	t.Helper()
	select {
	case payload := <-c.send:
		var out map[string]any
		if err := json.Unmarshal(payload, &out); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return out
	case <-time.After(time.Second):
		t.Fatal("no payload delivered")
		return nil
	}
}

func TestHub_RoutesAccountEventsToOwner(t *testing.T) {
	bus := events.NewBus()
	owners := map[string]string{"acct-1": "user-1"}
	h := NewHub(bus, func(accountID string) (string, bool) {
		u, ok := owners[accountID]
		return u, ok
	})
	h.Start()
	defer h.Stop()

	owner := newTestClient("user-1")
	stranger := newTestClient("user-2")
	registerClient(t, h, owner)
	registerClient(t, h, stranger)

	bus.Publish(events.Event{
		Type:      events.EventPositionOpened,
		AccountID: "acct-1",
		Timestamp: time.Now(),
		Data:      map[string]any{"positionId": "pos-1"},
	})

	msg := recvJSON(t, owner)
	if msg["type"] != "POSITION_OPENED" {
		t.Errorf("type = %v", msg["type"])
	}
	select {
	case payload := <-stranger.send:
		t.Errorf("stranger received %s", payload)
	default:
	}
}

func TestHub_RoutesWhileAccountLockHeld(t *testing.T) {
	bus := events.NewBus()
	accounts := account.NewManager(nil, account.DefaultFlushConfig())
	accounts.Load([]*account.Account{{ID: "acct-1", UserID: "user-1", Status: market.StatusActive}})

	h := NewHub(bus, accounts.Owner)
	h.Start()
	defer h.Stop()

	owner := newTestClient("user-1")
	registerClient(t, h, owner)

	// The executor publishes fills while it still holds the account
	// lock; the owner lookup must not go back through it.
	done := make(chan error, 1)
	go func() {
		done <- accounts.WithLock("acct-1", func(a *account.Account) error {
			bus.Publish(events.Event{
				Type:      events.EventOrderFilled,
				AccountID: "acct-1",
				Timestamp: time.Now(),
				Data:      map[string]any{"orderId": "ord-1"},
			})
			return nil
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WithLock: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event fan-out blocked while the account lock was held")
	}

	msg := recvJSON(t, owner)
	if msg["type"] != "ORDER_FILLED" {
		t.Errorf("type = %v", msg["type"])
	}
}

func TestHub_BroadcastsUnscopedEvents(t *testing.T) {
	bus := events.NewBus()
	h := NewHub(bus, func(string) (string, bool) { return "", false })
	h.Start()
	defer h.Stop()

	a := newTestClient("user-1")
	b := newTestClient("user-2")
	registerClient(t, h, a)
	registerClient(t, h, b)

	bus.Publish(events.Event{Type: events.EventAccountUpdated, Timestamp: time.Now()})

	for _, c := range []*Client{a, b} {
		msg := recvJSON(t, c)
		if msg["type"] != "ACCOUNT_UPDATED" {
			t.Errorf("type = %v", msg["type"])
		}
	}
}

func TestHub_UnknownOwnerDropsEvent(t *testing.T) {
	bus := events.NewBus()
	h := NewHub(bus, func(string) (string, bool) { return "", false })
	h.Start()
	defer h.Stop()

	c := newTestClient("user-1")
	registerClient(t, h, c)

	bus.Publish(events.Event{Type: events.EventPositionClosed, AccountID: "acct-x", Timestamp: time.Now()})

	select {
	case payload := <-c.send:
		t.Errorf("unexpected payload %s", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

// ============================================================
// TEST: Price tick fan-out
// ============================================================

func TestHub_PriceTickOnlyToSubscribers(t *testing.T) {
	bus := events.NewBus()
	h := NewHub(bus, func(string) (string, bool) { return "", false })
	h.Start()
	defer h.Stop()

	sub := newTestClient("user-1")
	sub.symbols["BTCUSDT"] = true
	other := newTestClient("user-2")
	registerClient(t, h, sub)
	registerClient(t, h, other)

	h.OnPriceTick(market.PriceTick{
		Symbol:    "BTCUSDT",
		Bid:       decimal.RequireFromString("64998.5"),
		Ask:       decimal.RequireFromString("65011.5"),
		Mid:       decimal.RequireFromString("65005"),
		Timestamp: time.Now(),
	})

	msg := recvJSON(t, sub)
	if msg["type"] != "PRICE" {
		t.Fatalf("type = %v", msg["type"])
	}
	data := msg["data"].(map[string]any)
	if data["symbol"] != "BTCUSDT" || data["bid"] != "64998.5" {
		t.Errorf("data = %v", data)
	}
	select {
	case payload := <-other.send:
		t.Errorf("unsubscribed client received %s", payload)
	default:
	}
}

// ============================================================
// TEST: Client message handling
// ============================================================

func TestClient_SubscribeUnsubscribe(t *testing.T) {
	c := newTestClient("user-1")
	c.server = &Server{}

	c.handleMessage([]byte(`{"id":"1","type":"SUBSCRIBE","symbol":"btcusdt"}`))
	if !c.subscribed("BTCUSDT") {
		t.Fatal("not subscribed after SUBSCRIBE")
	}
	msg := recvJSON(t, c)
	if msg["id"] != "1" || msg["type"] != "SUBSCRIPTION" {
		t.Errorf("reply = %v", msg)
	}

	c.handleMessage([]byte(`{"id":"2","type":"UNSUBSCRIBE","symbol":"BTCUSDT"}`))
	if c.subscribed("BTCUSDT") {
		t.Error("still subscribed after UNSUBSCRIBE")
	}
}

func TestClient_MalformedAndUnknown(t *testing.T) {
	c := newTestClient("user-1")
	c.server = &Server{}

	c.handleMessage([]byte(`{not json`))
	if msg := recvJSON(t, c); msg["code"] != "INVALID_MESSAGE" {
		t.Errorf("reply = %v", msg)
	}

	c.handleMessage([]byte(`{"id":"9","type":"FROBNICATE"}`))
	msg := recvJSON(t, c)
	if msg["code"] != "UNKNOWN_TYPE" || msg["id"] != "9" {
		t.Errorf("reply = %v", msg)
	}
}

func TestClient_BuildOrderRequest(t *testing.T) {
	c := newTestClient("user-1")

	req, ok := c.buildOrderRequest(orderPayload{
		AccountID: "acct-1",
		Symbol:    "btcusdt",
		Side:      "long",
		Quantity:  "0.25",
		OrderType: "limit",
		LimitPrice: "64000",
		Leverage:  10,
		Timestamp: 1700000000000,
	})
	if !ok {
		t.Fatal("buildOrderRequest rejected valid payload")
	}
	if req.UserID != "user-1" || req.AccountID != "acct-1" {
		t.Errorf("ids = %q %q", req.UserID, req.AccountID)
	}
	if req.Symbol != "BTCUSDT" || req.Side != market.SideLong || req.OrderType != market.OrderTypeLimit {
		t.Errorf("normalized = %q %q %q", req.Symbol, req.Side, req.OrderType)
	}
	if req.LimitPrice == nil || !req.LimitPrice.Equal(decimal.NewFromInt(64000)) {
		t.Errorf("limit price = %v", req.LimitPrice)
	}
	if req.Timestamp.UnixMilli() != 1700000000000 {
		t.Errorf("timestamp = %v", req.Timestamp)
	}

	if _, ok := c.buildOrderRequest(orderPayload{Quantity: "not-a-number"}); ok {
		t.Error("accepted bad quantity")
	}

	// omitted order type defaults to market
	req, ok = c.buildOrderRequest(orderPayload{AccountID: "acct-1", Symbol: "ETHUSDT", Side: "SHORT", Quantity: "1"})
	if !ok || req.OrderType != market.OrderTypeMarket {
		t.Errorf("default order type = %q", req.OrderType)
	}
}

func TestClient_TrySendDropsWhenFull(t *testing.T) {
	c := &Client{send: make(chan []byte, 1), symbols: make(map[string]bool)}
	c.trySend([]byte("one"))
	c.trySend([]byte("two")) // must not block

	if got := string(<-c.send); got != "one" {
		t.Errorf("payload = %q", got)
	}
	select {
	case payload := <-c.send:
		t.Errorf("unexpected second payload %s", payload)
	default:
	}
}
