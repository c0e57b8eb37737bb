package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Client talks to the broker-proxy order gateway. Every request carries
// the API key; the proxy routes to whichever broker backs the account.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     *zap.Logger
}

func New(baseURL, apiKey string, timeout time.Duration, log *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

func (c *Client) APIKey() string { return c.apiKey }

type OrderRequest struct {
	Symbol    string  `json:"symbol"`
	Exchange  string  `json:"exchange"`
	Action    string  `json:"action"`
	Quantity  int     `json:"quantity"`
	PriceType string  `json:"pricetype"`
	Product   string  `json:"product"`
	Price     float64 `json:"price,omitempty"`
}

type OrderResponse struct {
	Status  string `json:"status"`
	OrderID string `json:"orderid"`
	Message string `json:"message,omitempty"`
}

// BrokerOrder is one row of the broker order book.
type BrokerOrder struct {
	OrderID      string
	Status       string
	AveragePrice float64
}

type Quote struct {
	LTP float64
}

func (c *Client) PlaceOrder(ctx context.Context, order OrderRequest) (OrderResponse, error) {
	payload := map[string]any{
		"apikey":    c.apiKey,
		"symbol":    order.Symbol,
		"exchange":  order.Exchange,
		"action":    order.Action,
		"quantity":  strconv.Itoa(order.Quantity),
		"pricetype": order.PriceType,
		"product":   order.Product,
	}
	if order.Price > 0 {
		payload["price"] = fmt.Sprintf("%.2f", order.Price)
	}
	var resp OrderResponse
	if err := c.post(ctx, "/api/v1/placeorder", payload, &resp); err != nil {
		return OrderResponse{}, err
	}
	if resp.Status != "success" {
		return resp, fmt.Errorf("order rejected by gateway: %s", resp.Message)
	}
	if resp.OrderID == "" {
		return resp, errors.New("gateway response missing order id")
	}
	return resp, nil
}

// ClosePosition is the gateway-side fallback close, used when a plain
// opposite-side order cannot be constructed.
func (c *Client) ClosePosition(ctx context.Context, symbol, exchange, product string) error {
	payload := map[string]any{
		"apikey":   c.apiKey,
		"symbol":   symbol,
		"exchange": exchange,
		"product":  product,
	}
	var resp OrderResponse
	if err := c.post(ctx, "/api/v1/closeposition", payload, &resp); err != nil {
		return err
	}
	if resp.Status != "success" {
		return fmt.Errorf("close position rejected: %s", resp.Message)
	}
	return nil
}

func (c *Client) Orders(ctx context.Context) ([]BrokerOrder, error) {
	payload := map[string]any{"apikey": c.apiKey}
	var resp struct {
		Status string `json:"status"`
		Data   struct {
			Orders []struct {
				OrderID      string          `json:"orderid"`
				OrderStatus  string          `json:"order_status"`
				AveragePrice json.RawMessage `json:"average_price"`
			} `json:"orders"`
		} `json:"data"`
	}
	if err := c.post(ctx, "/api/v1/orderbook", payload, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "success" {
		return nil, errors.New("order book request failed")
	}
	orders := make([]BrokerOrder, 0, len(resp.Data.Orders))
	for _, o := range resp.Data.Orders {
		orders = append(orders, BrokerOrder{
			OrderID:      o.OrderID,
			Status:       o.OrderStatus,
			AveragePrice: looseFloat(o.AveragePrice),
		})
	}
	return orders, nil
}

func (c *Client) Quotes(ctx context.Context, symbol, exchange string) (Quote, error) {
	payload := map[string]any{
		"apikey":   c.apiKey,
		"symbol":   symbol,
		"exchange": exchange,
	}
	var resp struct {
		Status string `json:"status"`
		Data   struct {
			LTP json.RawMessage `json:"ltp"`
		} `json:"data"`
	}
	if err := c.post(ctx, "/api/v1/quotes", payload, &resp); err != nil {
		return Quote{}, err
	}
	if resp.Status != "success" {
		return Quote{}, errors.New("quote request failed")
	}
	ltp := looseFloat(resp.Data.LTP)
	if ltp <= 0 {
		return Quote{}, errors.New("quote missing ltp")
	}
	return Quote{LTP: ltp}, nil
}

func (c *Client) post(ctx context.Context, path string, req any, out any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	url := c.baseURL + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// looseFloat tolerates numbers the gateway serializes as strings.
func looseFloat(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return v
		}
	}
	return 0
}
