package binance

import (
	"context"
	"math"
	"net/http"
	"strings"
	"time"

	"tradepilot/pkg/exchange"
)

type accountResponse struct {
	TotalMarginBalance    string `json:"totalMarginBalance"`
	TotalWalletBalance    string `json:"totalWalletBalance"`
	TotalUnrealizedProfit string `json:"totalUnrealizedProfit"`
	AvailableBalance      string `json:"availableBalance"`
}

// GetAccount returns account-level balance aggregates.
func (c *Client) GetAccount(ctx context.Context) (*exchange.Account, error) {
	const op = "get_account"
	var acct accountResponse
	if err := c.signedCall(ctx, op, http.MethodGet, "/fapi/v2/account", nil, &acct); err != nil {
		return nil, err
	}
	return &exchange.Account{
		TotalEquity:        parseFloat(acct.TotalMarginBalance),
		AvailableBalance:   parseFloat(acct.AvailableBalance),
		TotalUnrealizedPnl: parseFloat(acct.TotalUnrealizedProfit),
		TotalMarginBalance: parseFloat(acct.TotalMarginBalance),
	}, nil
}

type positionRiskResponse struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	Leverage         string `json:"leverage"`
	LiquidationPrice string `json:"liquidationPrice"`
	MarginType       string `json:"marginType"`
	UpdateTime       int64  `json:"updateTime"`
}

// GetPositions lists live positions. Flat entries (zero contracts) are
// filtered before returning.
func (c *Client) GetPositions(ctx context.Context) ([]exchange.Position, error) {
	const op = "get_positions"
	var rows []positionRiskResponse
	if err := c.signedCall(ctx, op, http.MethodGet, "/fapi/v2/positionRisk", nil, &rows); err != nil {
		return nil, err
	}
	out := make([]exchange.Position, 0, len(rows))
	for _, row := range rows {
		amt := parseFloat(row.PositionAmt)
		if amt == 0 {
			continue
		}
		side := exchange.SideLong
		if amt < 0 {
			side = exchange.SideShort
		}
		canonical, err := exchange.CanonicalSymbol(row.Symbol)
		if err != nil {
			continue
		}
		out = append(out, exchange.Position{
			Symbol:           canonical,
			Side:             side,
			Contracts:        math.Abs(amt),
			EntryPrice:       parseFloat(row.EntryPrice),
			MarkPrice:        parseFloat(row.MarkPrice),
			UnrealizedPnl:    parseFloat(row.UnRealizedProfit),
			Leverage:         int(parseFloat(row.Leverage)),
			LiquidationPrice: parseFloat(row.LiquidationPrice),
			MarginMode:       strings.ToLower(row.MarginType),
			UpdatedAt:        time.UnixMilli(row.UpdateTime),
		})
	}
	return out, nil
}

type openOrderResponse struct {
	OrderID    int64  `json:"orderId"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Type       string `json:"type"`
	Price      string `json:"price"`
	StopPrice  string `json:"stopPrice"`
	OrigQty    string `json:"origQty"`
	ReduceOnly bool   `json:"reduceOnly"`
	Time       int64  `json:"time"`
}

// GetOpenOrders lists resting orders, optionally for a single symbol.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]exchange.Order, error) {
	const op = "get_open_orders"
	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = exchange.MarketSymbol(symbol)
	}
	var rows []openOrderResponse
	if err := c.signedCall(ctx, op, http.MethodGet, "/fapi/v1/openOrders", params, &rows); err != nil {
		return nil, err
	}
	out := make([]exchange.Order, 0, len(rows))
	for _, row := range rows {
		canonical, err := exchange.CanonicalSymbol(row.Symbol)
		if err != nil {
			continue
		}
		side := exchange.SideLong
		if strings.EqualFold(row.Side, "SELL") {
			side = exchange.SideShort
		}
		out = append(out, exchange.Order{
			ID:           strconv64(row.OrderID),
			Symbol:       canonical,
			Side:         side,
			Type:         row.Type,
			Price:        parseFloat(row.Price),
			TriggerPrice: parseFloat(row.StopPrice),
			Quantity:     parseFloat(row.OrigQty),
			ReduceOnly:   row.ReduceOnly,
			CreatedAt:    time.UnixMilli(row.Time),
		})
	}
	return out, nil
}
