package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"dn-hedge-bot/internal/marketstate"
	"dn-hedge-bot/internal/venue"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, 2*time.Second, 100, 10, zap.NewNop())
}

func TestSubmitOrderAccepted(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/orders" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req orderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode order: %v", err)
		}
		if req.Symbol != "ETH" || req.Side != "buy" || req.Qty != 1.5 {
			t.Fatalf("unexpected order payload: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(orderResponse{OrderID: "o-1", Status: "SUBMITTED"})
	})

	id, err := c.SubmitOrder(context.Background(), orderRequest{Symbol: "ETH", Side: "buy", Qty: 1.5, Type: "market"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id != "o-1" {
		t.Fatalf("order id = %q, want o-1", id)
	}
}

func TestSubmitOrderRejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(orderResponse{Status: "REJECTED", Reason: "insufficient margin"})
	})

	_, err := c.SubmitOrder(context.Background(), orderRequest{Symbol: "ETH", Side: "buy", Qty: 1})
	if !errors.Is(err, venue.ErrOrderRejected) {
		t.Fatalf("expected ErrOrderRejected, got %v", err)
	}
}

func TestServerErrorIsConnectivity(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.Price(context.Background(), "ETH")
	if !venue.IsConnectivity(err) {
		t.Fatalf("expected connectivity error, got %v", err)
	}
}

func TestClientErrorIsNotConnectivity(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown symbol", http.StatusBadRequest)
	})

	_, err := c.Price(context.Background(), "NOPE")
	if err == nil || venue.IsConnectivity(err) {
		t.Fatalf("expected non-connectivity failure, got %v", err)
	}
}

func TestHandleMessageRoutesQuotesAndFills(t *testing.T) {
	cache := marketstate.NewCache(time.Minute)
	a := &Adapter{
		name:  "perpx",
		kind:  marketstate.KindPerp,
		cache: cache,
		log:   zap.NewNop(),
		fills: make(chan venue.FillEvent, 4),
	}
	now := time.Now().UnixMilli()

	a.handleMessage(mustJSON(t, map[string]any{
		"channel": "prices", "symbol": "ETH", "price": 2050.5, "ts_ms": now,
	}))
	a.handleMessage(mustJSON(t, map[string]any{
		"channel": "funding", "symbol": "ETH", "rate": 0.0001, "interval_sec": 28800, "ts_ms": now,
	}))
	a.handleMessage(mustJSON(t, map[string]any{
		"channel": "orders", "order_id": "o-9", "filled_qty": 0.5, "avg_price": 2050.0, "status": "PARTIALLY_FILLED", "ts_ms": now,
	}))

	instr := marketstate.Instrument{Venue: "perpx", Symbol: "ETH", Kind: marketstate.KindPerp}
	if q, err := cache.FreshPrice(instr); err != nil || q.Price != 2050.5 {
		t.Fatalf("price not cached: %v %v", q, err)
	}
	if f, err := cache.FreshFunding(instr); err != nil || f.Rate != 0.0001 || f.Interval != 8*time.Hour {
		t.Fatalf("funding not cached: %v %v", f, err)
	}
	select {
	case ev := <-a.fills:
		if ev.OrderID != "o-9" || ev.Status != venue.StatusPartiallyFilled || ev.FilledQty != 0.5 {
			t.Fatalf("unexpected fill event: %+v", ev)
		}
	default:
		t.Fatal("order update not forwarded")
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestHandleMessageDropsNonPositivePrice(t *testing.T) {
	cache := marketstate.NewCache(time.Minute)
	a := &Adapter{
		name:  "perpx",
		kind:  marketstate.KindPerp,
		cache: cache,
		log:   zap.NewNop(),
	}
	now := time.Now().UnixMilli()

	a.handleMessage(mustJSON(t, map[string]any{
		"channel": "prices", "symbol": "ETH", "price": 0.0, "ts_ms": now,
	}))
	a.handleMessage(mustJSON(t, map[string]any{
		"channel": "prices", "symbol": "ETH", "price": -2050.5, "ts_ms": now,
	}))

	instr := marketstate.Instrument{Venue: "perpx", Symbol: "ETH", Kind: marketstate.KindPerp}
	if q, err := cache.FreshPrice(instr); err == nil {
		t.Fatalf("malformed quote reached the cache: %+v", q)
	}
}
