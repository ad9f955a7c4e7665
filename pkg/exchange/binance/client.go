// Package binance adapts Binance USDⓈ-M futures to the exchange.Provider
// contract. The adapter performs no retries; transient failures surface as
// structured errors and the decision loop retries naturally on later cycles.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"tradepilot/pkg/exchange"
)

const (
	mainnetBaseURL = "https://fapi.binance.com"
	testnetBaseURL = "https://testnet.binancefuture.com"

	defaultRecvWindow = 5000 * time.Millisecond
)

// Client is a thin signed/unsigned request layer over the futures REST API.
type Client struct {
	http      *resty.Client
	apiKey    string
	apiSecret string

	filtersMu sync.RWMutex
	filters   map[string]symbolFilters // market symbol -> filters

	nowFn func() time.Time
}

// ClientOption customises client construction.
type ClientOption func(*Client)

// WithHTTPClient substitutes the underlying transport, primarily for
// recorded tests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			base := c.http.BaseURL
			c.http = resty.NewWithClient(hc).SetBaseURL(base)
		}
	}
}

// WithBaseURL overrides the API endpoint.
func WithBaseURL(base string) ClientOption {
	return func(c *Client) {
		if base != "" {
			c.http.SetBaseURL(base)
		}
	}
}

// WithNow substitutes the timestamp source used for request signing.
func WithNow(now func() time.Time) ClientOption {
	return func(c *Client) {
		if now != nil {
			c.nowFn = now
		}
	}
}

// NewClient constructs a futures REST client.
func NewClient(apiKey, apiSecret string, testnet bool, timeout time.Duration, opts ...ClientOption) *Client {
	base := mainnetBaseURL
	if testnet {
		base = testnetBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		http: resty.New().
			SetBaseURL(base).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
		apiKey:    apiKey,
		apiSecret: apiSecret,
		filters:   make(map[string]symbolFilters),
		nowFn:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// get issues an unsigned GET and decodes the response body into out.
func (c *Client) get(ctx context.Context, op, path string, params map[string]string, out any) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get(path)
	return c.finish(op, resp, err, out)
}

// signedCall issues a signed request. Binance expects the HMAC-SHA256
// signature of the query string appended as the final parameter.
func (c *Client) signedCall(ctx context.Context, op, method, path string, params map[string]string, out any) error {
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	q.Set("timestamp", strconv.FormatInt(c.nowFn().UnixMilli(), 10))
	q.Set("recvWindow", strconv.FormatInt(defaultRecvWindow.Milliseconds(), 10))

	encoded := q.Encode()
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(encoded))
	encoded += "&signature=" + hex.EncodeToString(mac.Sum(nil))

	req := c.http.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetQueryString(encoded)

	var resp *resty.Response
	var err error
	switch method {
	case http.MethodGet:
		resp, err = req.Get(path)
	case http.MethodPost:
		resp, err = req.Post(path)
	default:
		return exchange.NewError(exchange.KindOther, op, fmt.Errorf("unsupported method %s", method))
	}
	return c.finish(op, resp, err, out)
}

func (c *Client) finish(op string, resp *resty.Response, err error, out any) error {
	if err != nil {
		return exchange.NewError(exchange.KindNetwork, op, err)
	}
	if resp.IsError() {
		return classifyHTTPError(op, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return exchange.NewError(exchange.KindOther, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func classifyHTTPError(op string, resp *resty.Response) *exchange.Error {
	var ae apiError
	_ = json.Unmarshal(resp.Body(), &ae)
	err := fmt.Errorf("http %d: code %d: %s", resp.StatusCode(), ae.Code, ae.Msg)

	switch resp.StatusCode() {
	case http.StatusTooManyRequests, 418:
		return exchange.NewError(exchange.KindRateLimit, op, err)
	case http.StatusUnauthorized, http.StatusForbidden:
		return exchange.NewError(exchange.KindAuth, op, err)
	}
	switch ae.Code {
	case -2019, -2018: // margin/balance insufficient
		return exchange.NewError(exchange.KindInsufficientFunds, op, err)
	case -1111, -1121, -4164, -4003, -2022: // precision, symbol, notional, quantity, reduce-only reject
		return exchange.NewError(exchange.KindInvalidOrder, op, err)
	case -2014, -2015, -1022: // key/signature problems
		return exchange.NewError(exchange.KindAuth, op, err)
	case -1003:
		return exchange.NewError(exchange.KindRateLimit, op, err)
	}
	if resp.StatusCode() >= 500 {
		return exchange.NewError(exchange.KindNetwork, op, err)
	}
	return exchange.NewError(exchange.KindOther, op, err)
}
