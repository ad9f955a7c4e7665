package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"tradepilot/pkg/exchange"
)

// GetKlines fetches OHLCV bars, oldest first.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]exchange.Kline, error) {
	const op = "get_klines"
	if err := exchange.CheckInterval(interval); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	params := map[string]string{
		"symbol":   exchange.MarketSymbol(symbol),
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}
	// Binance returns each bar as a positional JSON array.
	var raw [][]json.RawMessage
	if err := c.get(ctx, op, "/fapi/v1/klines", params, &raw); err != nil {
		return nil, err
	}
	out := make([]exchange.Kline, 0, len(raw))
	for _, bar := range raw {
		if len(bar) < 6 {
			continue
		}
		var openTime int64
		if err := json.Unmarshal(bar[0], &openTime); err != nil {
			return nil, exchange.NewError(exchange.KindOther, op, fmt.Errorf("decode kline ts: %w", err))
		}
		k := exchange.Kline{Ts: time.UnixMilli(openTime)}
		fields := []*float64{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume}
		for i, dst := range fields {
			var s string
			if err := json.Unmarshal(bar[i+1], &s); err != nil {
				return nil, exchange.NewError(exchange.KindOther, op, fmt.Errorf("decode kline field: %w", err))
			}
			*dst = parseFloat(s)
		}
		out = append(out, k)
	}
	return out, nil
}

type ticker24hResponse struct {
	LastPrice string `json:"lastPrice"`
	HighPrice string `json:"highPrice"`
	LowPrice  string `json:"lowPrice"`
	Volume    string `json:"volume"`
	CloseTime int64  `json:"closeTime"`
}

type bookTickerResponse struct {
	BidPrice string `json:"bidPrice"`
	AskPrice string `json:"askPrice"`
}

// GetTicker combines the 24h statistics endpoint with the top of book, since
// the statistics payload carries no bid/ask.
func (c *Client) GetTicker(ctx context.Context, symbol string) (*exchange.Ticker, error) {
	const op = "get_ticker"
	market := exchange.MarketSymbol(symbol)

	var stats ticker24hResponse
	if err := c.get(ctx, op, "/fapi/v1/ticker/24hr", map[string]string{"symbol": market}, &stats); err != nil {
		return nil, err
	}
	t := &exchange.Ticker{
		Symbol: symbol,
		Last:   parseFloat(stats.LastPrice),
		High:   parseFloat(stats.HighPrice),
		Low:    parseFloat(stats.LowPrice),
		Volume: parseFloat(stats.Volume),
		Ts:     time.UnixMilli(stats.CloseTime),
	}

	var book bookTickerResponse
	if err := c.get(ctx, op, "/fapi/v1/ticker/bookTicker", map[string]string{"symbol": market}, &book); err == nil {
		t.Bid = parseFloat(book.BidPrice)
		t.Ask = parseFloat(book.AskPrice)
	}
	return t, nil
}

type premiumIndexResponse struct {
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
}

// GetFundingRate returns the live perpetual funding rate.
func (c *Client) GetFundingRate(ctx context.Context, symbol string) (*exchange.FundingRate, error) {
	const op = "get_funding_rate"
	var idx premiumIndexResponse
	params := map[string]string{"symbol": exchange.MarketSymbol(symbol)}
	if err := c.get(ctx, op, "/fapi/v1/premiumIndex", params, &idx); err != nil {
		return nil, err
	}
	return &exchange.FundingRate{
		Rate:   parseFloat(idx.LastFundingRate),
		NextTs: time.UnixMilli(idx.NextFundingTime),
	}, nil
}

type openInterestResponse struct {
	OpenInterest string `json:"openInterest"`
	Time         int64  `json:"time"`
}

// GetOpenInterest returns outstanding contracts for the market.
func (c *Client) GetOpenInterest(ctx context.Context, symbol string) (*exchange.OpenInterest, error) {
	const op = "get_open_interest"
	var oi openInterestResponse
	params := map[string]string{"symbol": exchange.MarketSymbol(symbol)}
	if err := c.get(ctx, op, "/fapi/v1/openInterest", params, &oi); err != nil {
		return nil, err
	}
	return &exchange.OpenInterest{
		Value: parseFloat(oi.OpenInterest),
		Ts:    time.UnixMilli(oi.Time),
	}, nil
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
