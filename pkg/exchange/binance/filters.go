package binance

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// symbolFilters holds the venue's lot/tick constraints for one market.
type symbolFilters struct {
	stepSize decimal.Decimal
	tickSize decimal.Decimal
	minQty   decimal.Decimal
}

type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Filters []struct {
			FilterType string `json:"filterType"`
			StepSize   string `json:"stepSize"`
			TickSize   string `json:"tickSize"`
			MinQty     string `json:"minQty"`
		} `json:"filters"`
	} `json:"symbols"`
}

// loadFilters fetches exchangeInfo once and caches per-symbol filters.
func (c *Client) loadFilters(ctx context.Context, op string) error {
	c.filtersMu.RLock()
	loaded := len(c.filters) > 0
	c.filtersMu.RUnlock()
	if loaded {
		return nil
	}

	var info exchangeInfoResponse
	if err := c.get(ctx, op, "/fapi/v1/exchangeInfo", nil, &info); err != nil {
		return err
	}

	c.filtersMu.Lock()
	defer c.filtersMu.Unlock()
	for _, s := range info.Symbols {
		f := symbolFilters{}
		for _, filter := range s.Filters {
			switch filter.FilterType {
			case "LOT_SIZE":
				f.stepSize, _ = decimal.NewFromString(filter.StepSize)
				f.minQty, _ = decimal.NewFromString(filter.MinQty)
			case "PRICE_FILTER":
				f.tickSize, _ = decimal.NewFromString(filter.TickSize)
			}
		}
		c.filters[s.Symbol] = f
	}
	return nil
}

// quantizeQty rounds qty down to the market's lot step. Rounding down keeps
// the submitted notional at or below what the caller budgeted.
func (c *Client) quantizeQty(ctx context.Context, op, marketSymbol string, qty float64) (string, error) {
	if err := c.loadFilters(ctx, op); err != nil {
		return "", err
	}
	c.filtersMu.RLock()
	f, ok := c.filters[marketSymbol]
	c.filtersMu.RUnlock()

	d := decimal.NewFromFloat(qty)
	if !ok || f.stepSize.IsZero() {
		return d.String(), nil
	}
	quantized := d.Div(f.stepSize).Floor().Mul(f.stepSize)
	if quantized.LessThan(f.minQty) || quantized.IsZero() {
		return "", fmt.Errorf("quantity %.10f below market minimum %s", qty, f.minQty)
	}
	return quantized.String(), nil
}
