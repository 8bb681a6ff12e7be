// Package rest is the live venue adapter: order submission and account
// reads over HTTP, market data and order updates over websocket.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"dn-hedge-bot/internal/venue"
)

type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration, perSec float64, burst int, log *zap.Logger) *Client {
	if perSec <= 0 {
		perSec = 10
	}
	if burst <= 0 {
		burst = int(perSec)
	}
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(perSec), burst),
		log:     log,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", venue.ErrConnectivity, method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s %s: http %d", venue.ErrConnectivity, method, path, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type priceResponse struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	TSMS   int64   `json:"ts_ms"`
}

func (c *Client) Price(ctx context.Context, symbol string) (priceResponse, error) {
	var out priceResponse
	err := c.do(ctx, http.MethodGet, "/v1/price?symbol="+symbol, nil, &out)
	return out, err
}

type fundingResponse struct {
	Symbol      string  `json:"symbol"`
	Rate        float64 `json:"rate"`
	IntervalSec int64   `json:"interval_sec"`
	TSMS        int64   `json:"ts_ms"`
}

func (c *Client) Funding(ctx context.Context, symbol string) (fundingResponse, error) {
	var out fundingResponse
	err := c.do(ctx, http.MethodGet, "/v1/funding?symbol="+symbol, nil, &out)
	return out, err
}

type positionResponse struct {
	Symbol        string  `json:"symbol"`
	Qty           float64 `json:"qty"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	RealizedPnL   float64 `json:"realized_pnl"`
	UpdatedAtMS   int64   `json:"updated_at_ms"`
}

func (c *Client) Position(ctx context.Context, symbol string) (positionResponse, error) {
	var out positionResponse
	err := c.do(ctx, http.MethodGet, "/v1/position?symbol="+symbol, nil, &out)
	return out, err
}

type orderRequest struct {
	ClientID   string  `json:"client_id"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Qty        float64 `json:"qty"`
	Type       string  `json:"type"`
	LimitPrice float64 `json:"limit_price,omitempty"`
}

type orderResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

func (c *Client) SubmitOrder(ctx context.Context, req orderRequest) (string, error) {
	var out orderResponse
	if err := c.do(ctx, http.MethodPost, "/v1/orders", req, &out); err != nil {
		return "", err
	}
	if out.Status == "REJECTED" {
		return "", fmt.Errorf("%w: %s", venue.ErrOrderRejected, out.Reason)
	}
	return out.OrderID, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/orders/"+orderID, nil, nil)
}
