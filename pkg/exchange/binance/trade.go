package binance

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"tradepilot/pkg/exchange"
)

// SetLeverage updates the leverage multiplier for a market. The call is
// idempotent at the venue.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	const op = "set_leverage"
	if leverage < 1 {
		return exchange.NewError(exchange.KindInvalidOrder, op, fmt.Errorf("leverage %d", leverage))
	}
	params := map[string]string{
		"symbol":   exchange.MarketSymbol(symbol),
		"leverage": strconv.Itoa(leverage),
	}
	return c.signedCall(ctx, op, http.MethodPost, "/fapi/v1/leverage", params, nil)
}

type orderResponse struct {
	OrderID     int64  `json:"orderId"`
	Symbol      string `json:"symbol"`
	Status      string `json:"status"`
	AvgPrice    string `json:"avgPrice"`
	ExecutedQty string `json:"executedQty"`
	OrigQty     string `json:"origQty"`
	ReduceOnly  bool   `json:"reduceOnly"`
}

// OpenLong sets leverage then submits a market buy. The advisory SL/TP on
// req are deliberately not forwarded: no resting protective orders are ever
// created on the caller's behalf.
func (c *Client) OpenLong(ctx context.Context, req exchange.OpenRequest) (*exchange.OrderResult, error) {
	return c.openMarket(ctx, req, exchange.SideLong)
}

// OpenShort is the sell-side counterpart of OpenLong.
func (c *Client) OpenShort(ctx context.Context, req exchange.OpenRequest) (*exchange.OrderResult, error) {
	return c.openMarket(ctx, req, exchange.SideShort)
}

func (c *Client) openMarket(ctx context.Context, req exchange.OpenRequest, side exchange.PositionSide) (*exchange.OrderResult, error) {
	const op = "open"
	if req.Quantity <= 0 {
		return nil, exchange.NewError(exchange.KindInvalidOrder, op, fmt.Errorf("quantity %.10f", req.Quantity))
	}
	if req.Leverage > 0 {
		if err := c.SetLeverage(ctx, req.Symbol, req.Leverage); err != nil {
			return nil, err
		}
	}
	market := exchange.MarketSymbol(req.Symbol)
	qty, err := c.quantizeQty(ctx, op, market, req.Quantity)
	if err != nil {
		return nil, exchange.NewError(exchange.KindInvalidOrder, op, err)
	}
	orderSide := "BUY"
	if side == exchange.SideShort {
		orderSide = "SELL"
	}
	params := map[string]string{
		"symbol":           market,
		"side":             orderSide,
		"type":             "MARKET",
		"quantity":         qty,
		"newClientOrderId": "tp-" + uuid.NewString(),
		"newOrderRespType": "RESULT",
	}
	var resp orderResponse
	if err := c.signedCall(ctx, op, http.MethodPost, "/fapi/v1/order", params, &resp); err != nil {
		return nil, err
	}
	return orderResultFrom(req.Symbol, side, &resp), nil
}

// ClosePosition submits a reduce-only market order on the opposite side of
// the position. qty <= 0 closes the full contract amount reported by the
// venue.
func (c *Client) ClosePosition(ctx context.Context, symbol string, side exchange.PositionSide, qty float64) (*exchange.OrderResult, error) {
	const op = "close_position"
	if qty <= 0 {
		positions, err := c.GetPositions(ctx)
		if err != nil {
			return nil, err
		}
		for _, p := range positions {
			if p.Symbol == symbol && p.Side == side {
				qty = p.Contracts
				break
			}
		}
		if qty <= 0 {
			return nil, exchange.NewError(exchange.KindInvalidOrder, op, fmt.Errorf("no %s position on %s", side, symbol))
		}
	}
	market := exchange.MarketSymbol(symbol)
	quantity, err := c.quantizeQty(ctx, op, market, qty)
	if err != nil {
		return nil, exchange.NewError(exchange.KindInvalidOrder, op, err)
	}
	orderSide := "SELL"
	if side == exchange.SideShort {
		orderSide = "BUY"
	}
	params := map[string]string{
		"symbol":           market,
		"side":             orderSide,
		"type":             "MARKET",
		"quantity":         quantity,
		"reduceOnly":       "true",
		"newClientOrderId": "tp-" + uuid.NewString(),
		"newOrderRespType": "RESULT",
	}
	var resp orderResponse
	if err := c.signedCall(ctx, op, http.MethodPost, "/fapi/v1/order", params, &resp); err != nil {
		return nil, err
	}
	return orderResultFrom(symbol, side.Opposite(), &resp), nil
}

func orderResultFrom(symbol string, side exchange.PositionSide, resp *orderResponse) *exchange.OrderResult {
	qty := parseFloat(resp.ExecutedQty)
	if qty == 0 {
		qty = parseFloat(resp.OrigQty)
	}
	return &exchange.OrderResult{
		OrderID:    strconv64(resp.OrderID),
		Symbol:     symbol,
		Side:       side,
		Quantity:   qty,
		AvgPrice:   parseFloat(resp.AvgPrice),
		ReduceOnly: resp.ReduceOnly,
		Status:     resp.Status,
	}
}

func strconv64(v int64) string { return strconv.FormatInt(v, 10) }
