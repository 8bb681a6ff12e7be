package rest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"dn-hedge-bot/internal/config"
	"dn-hedge-bot/internal/marketstate"
	"dn-hedge-bot/internal/venue"
)

// Adapter is the live implementation of venue.Adapter for one venue.
// The websocket feed writes quotes into the cache and order updates
// into the fill channel; REST covers submission, cancels and the
// occasional direct read.
type Adapter struct {
	name   string
	kind   marketstate.Kind
	client *Client
	ws     *wsClient
	cache  *marketstate.Cache
	log    *zap.Logger

	mu     sync.Mutex
	fills  chan venue.FillEvent
	closed bool
}

func NewAdapter(cfg config.VenueConfig, cache *marketstate.Cache, log *zap.Logger) *Adapter {
	return &Adapter{
		name:   cfg.Name,
		kind:   marketstate.Kind(cfg.Kind),
		client: NewClient(cfg.RESTBaseURL, cfg.Timeout, cfg.RateLimitPerSec, cfg.RateLimitBurst, log),
		ws:     newWSClient(cfg.WSURL, cfg.ReconnectDelay, cfg.PingInterval, log),
		cache:  cache,
		log:    log,
		fills:  make(chan venue.FillEvent, 64),
	}
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Price(ctx context.Context, instr marketstate.Instrument) (marketstate.PriceQuote, error) {
	if q, err := a.cache.FreshPrice(instr); err == nil {
		return q, nil
	}
	resp, err := a.client.Price(ctx, instr.Symbol)
	if err != nil {
		return marketstate.PriceQuote{}, err
	}
	quote := marketstate.PriceQuote{
		Instrument: instr,
		Price:      resp.Price,
		ObservedAt: time.UnixMilli(resp.TSMS),
	}
	a.cache.SetPrice(quote)
	return quote, nil
}

func (a *Adapter) FundingRate(ctx context.Context, instr marketstate.Instrument) (marketstate.FundingQuote, error) {
	if q, err := a.cache.FreshFunding(instr); err == nil {
		return q, nil
	}
	resp, err := a.client.Funding(ctx, instr.Symbol)
	if err != nil {
		return marketstate.FundingQuote{}, err
	}
	quote := marketstate.FundingQuote{
		Instrument: instr,
		Rate:       resp.Rate,
		Interval:   time.Duration(resp.IntervalSec) * time.Second,
		ObservedAt: time.UnixMilli(resp.TSMS),
	}
	a.cache.SetFunding(quote)
	return quote, nil
}

func (a *Adapter) Position(ctx context.Context, instr marketstate.Instrument) (marketstate.Position, error) {
	resp, err := a.client.Position(ctx, instr.Symbol)
	if err != nil {
		return marketstate.Position{}, err
	}
	return marketstate.Position{
		Instrument:    instr,
		Qty:           resp.Qty,
		AvgEntryPrice: resp.AvgEntryPrice,
		RealizedPnL:   resp.RealizedPnL,
		UpdatedAt:     time.UnixMilli(resp.UpdatedAtMS),
	}, nil
}

func (a *Adapter) SubmitOrder(ctx context.Context, req venue.OrderRequest) (string, error) {
	return a.client.SubmitOrder(ctx, orderRequest{
		ClientID:   req.ClientID,
		Symbol:     req.Instrument.Symbol,
		Side:       string(req.Side),
		Qty:        req.Qty,
		Type:       string(req.Type),
		LimitPrice: req.LimitPrice,
	})
}

func (a *Adapter) CancelOrder(ctx context.Context, orderID string) error {
	return a.client.CancelOrder(ctx, orderID)
}

func (a *Adapter) Fills() <-chan venue.FillEvent { return a.fills }

// Start connects the websocket, subscribes to quotes and order updates
// and keeps the feed running until ctx is cancelled.
func (a *Adapter) Start(ctx context.Context) error {
	if err := a.ws.connect(ctx); err != nil {
		return err
	}
	subs := []any{
		map[string]any{"op": "subscribe", "channel": "prices"},
		map[string]any{"op": "subscribe", "channel": "orders"},
	}
	if a.kind == marketstate.KindPerp {
		subs = append(subs, map[string]any{"op": "subscribe", "channel": "funding"})
	}
	for _, sub := range subs {
		if err := a.ws.subscribe(ctx, sub); err != nil {
			return err
		}
	}
	go func() {
		if err := a.ws.run(ctx, a.handleMessage); err != nil && ctx.Err() == nil {
			a.log.Error("ws feed stopped", zap.Error(err))
		}
		a.mu.Lock()
		a.closed = true
		close(a.fills)
		a.mu.Unlock()
	}()
	return nil
}

type wsMessage struct {
	Channel     string  `json:"channel"`
	Symbol      string  `json:"symbol"`
	Price       float64 `json:"price"`
	Rate        float64 `json:"rate"`
	IntervalSec int64   `json:"interval_sec"`
	OrderID     string  `json:"order_id"`
	FilledQty   float64 `json:"filled_qty"`
	AvgPrice    float64 `json:"avg_price"`
	Status      string  `json:"status"`
	TSMS        int64   `json:"ts_ms"`
}

func (a *Adapter) handleMessage(raw json.RawMessage) {
	var msg wsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		a.log.Warn("unparseable ws message", zap.Error(err))
		return
	}
	at := time.UnixMilli(msg.TSMS)
	switch msg.Channel {
	case "prices":
		if msg.Price <= 0 {
			a.log.Warn("malformed price message dropped",
				zap.String("symbol", msg.Symbol), zap.Float64("price", msg.Price))
			return
		}
		a.cache.SetPrice(marketstate.PriceQuote{
			Instrument: marketstate.Instrument{Venue: a.name, Symbol: msg.Symbol, Kind: a.kind},
			Price:      msg.Price,
			ObservedAt: at,
		})
	case "funding":
		a.cache.SetFunding(marketstate.FundingQuote{
			Instrument: marketstate.Instrument{Venue: a.name, Symbol: msg.Symbol, Kind: a.kind},
			Rate:       msg.Rate,
			Interval:   time.Duration(msg.IntervalSec) * time.Second,
			ObservedAt: at,
		})
	case "orders":
		a.pushFill(venue.FillEvent{
			OrderID:   msg.OrderID,
			FilledQty: msg.FilledQty,
			AvgPrice:  msg.AvgPrice,
			Status:    venue.OrderStatus(msg.Status),
			Time:      at,
		})
	}
}

func (a *Adapter) pushFill(ev venue.FillEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.fills <- ev:
	default:
		a.log.Warn("fill channel full, event dropped", zap.String("order_id", ev.OrderID))
	}
}
