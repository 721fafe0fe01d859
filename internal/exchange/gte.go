package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/gtequant/market-maker/internal/signer"
	"github.com/gtequant/market-maker/internal/store"
)

// DefaultTimeout bounds every REST call; a timeout is a reported failure,
// never a silent hang inside the control loop.
const DefaultTimeout = 20 * time.Second

// Client talks to the GTE REST API with api-key/api-expires/api-signature
// headers generated by the signer.
type Client struct {
	baseURL        string
	apiKey         string
	apiSecret      string
	instrumentType string
	http           *http.Client
}

// NewClient returns a REST client for the given credentials. instrumentType
// selects the API segment, e.g. "pc" for perpetual contracts.
func NewClient(baseURL, apiKey, apiSecret, instrumentType string) *Client {
	return &Client{
		baseURL:        baseURL,
		apiKey:         apiKey,
		apiSecret:      apiSecret,
		instrumentType: instrumentType,
		http:           &http.Client{Timeout: DefaultTimeout},
	}
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// CreateOrder submits a limit order and returns the exchange order id.
func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	data, err := c.signedRequest(ctx, http.MethodPost, c.path("order/create"), nil, body)
	if err != nil {
		return "", fmt.Errorf("create order: %w", err)
	}
	var resp struct {
		OrderID string `json:"order_id"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("create order: decoding response: %w", err)
	}
	return resp.OrderID, nil
}

// CancelOrder cancels one resting order.
func (c *Client) CancelOrder(ctx context.Context, asset, symbol, orderID string) error {
	body, err := json.Marshal(map[string]string{
		"asset":    asset,
		"symbol":   symbol,
		"order_id": orderID,
	})
	if err != nil {
		return err
	}
	if _, err := c.signedRequest(ctx, http.MethodPost, c.path("order/cancel"), nil, body); err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	return nil
}

// OpenOrders lists resting orders via REST. The reconciler reads these fresh
// rather than trusting the stream cache, which may be stale right after a
// restart.
func (c *Client) OpenOrders(ctx context.Context, asset, symbol string) ([]Order, error) {
	filter, _ := json.Marshal(map[string][]string{"status": {"1"}})
	query := url.Values{}
	query.Set("filter", string(filter))
	query.Set("asset", asset)
	query.Set("symbol", symbol)
	query.Set("count", "100")

	data, err := c.signedRequest(ctx, http.MethodGet, c.path("order/query"), query, nil)
	if err != nil {
		return nil, fmt.Errorf("query open orders: %w", err)
	}

	var rows []store.Row
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("query open orders: decoding response: %w", err)
	}
	orders := make([]Order, 0, len(rows))
	for _, row := range rows {
		orders = append(orders, Order{
			OrderID:   row.Str("order_id"),
			Symbol:    row.Str("symbol"),
			Side:      row.Str("side"),
			Price:     row.Str("price"),
			Qty:       row.Float("qty"),
			FilledQty: row.Float("filled_qty"),
		})
	}
	return orders, nil
}

func (c *Client) path(suffix string) string {
	return fmt.Sprintf("/v1/api/%s/%s", c.instrumentType, suffix)
}

// signedRequest performs one HTTP call with auth headers and unwraps the
// response envelope.
func (c *Client) signedRequest(ctx context.Context, verb, path string, query url.Values, body []byte) (json.RawMessage, error) {
	payload, err := signer.Canonicalize(body, query)
	if err != nil {
		return nil, err
	}
	expires := signer.Expires(signer.RESTGrace)

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, verb, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json;charset=UTF-8")
	req.Header.Set("api-key", c.apiKey)
	req.Header.Set("api-expires", fmt.Sprint(expires))
	req.Header.Set("api-signature", signer.Sign(c.apiKey, c.apiSecret, expires, payload))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s %s: status %s: %s", verb, path, resp.Status, bytes.TrimSpace(raw))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%s %s: decoding envelope: %w", verb, path, err)
	}
	if env.Code != 0 {
		return nil, fmt.Errorf("%s %s: exchange error %d: %s", verb, path, env.Code, env.Msg)
	}
	return env.Data, nil
}

// Retry wraps a call with bounded retries and exponential backoff, capped at
// five minutes.
func Retry(attempts int, delay time.Duration, fn func() error) error {
	backoff := delay
	var lastErr error
	for i := 1; i <= attempts; i++ {
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		log.Printf("Exchange | Retry attempt %d/%d failed: %v. Backing off for %v", i, attempts, lastErr, backoff)
		time.Sleep(backoff)
		if backoff < 5*time.Minute {
			backoff *= 2
			if backoff > 5*time.Minute {
				backoff = 5 * time.Minute
			}
		}
	}
	return errors.Join(errors.New("all retry attempts failed"), lastErr)
}
