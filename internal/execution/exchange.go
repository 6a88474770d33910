package execution

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"TradeSentinel/internal/model"

	"github.com/adshao/go-binance/v2"
)

// OrderRequest is a market order sent to the exchange.
type OrderRequest struct {
	Symbol        string
	Side          model.OrderSide
	Quantity      float64
	ClientOrderID string
}

// Fill is the exchange's answer to a filled order.
type Fill struct {
	ExchangeOrderID string
	Price           float64
	Quantity        float64
}

// Exchange places real orders.
type Exchange interface {
	PlaceMarketOrder(ctx context.Context, req OrderRequest) (Fill, error)
}

// BinanceExchange places spot market orders through the Binance REST API.
type BinanceExchange struct {
	client *binance.Client
}

// NewBinanceExchange creates a trading client. An empty baseURL keeps the library default.
func NewBinanceExchange(apiKey, apiSecret, baseURL string) *BinanceExchange {
	c := binance.NewClient(apiKey, apiSecret)
	if baseURL != "" {
		c.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	return &BinanceExchange{client: c}
}

// PlaceMarketOrder sends one MARKET order. It is never retried here: the
// client order id lets the exchange reject a duplicate submitted elsewhere.
func (b *BinanceExchange) PlaceMarketOrder(ctx context.Context, req OrderRequest) (Fill, error) {
	side := binance.SideTypeBuy
	if req.Side == model.OrderSell {
		side = binance.SideTypeSell
	}
	resp, err := b.client.NewCreateOrderService().
		Symbol(strings.ToUpper(req.Symbol)).
		Side(side).
		Type(binance.OrderTypeMarket).
		Quantity(strconv.FormatFloat(req.Quantity, 'f', -1, 64)).
		NewClientOrderID(req.ClientOrderID).
		NewOrderRespType(binance.NewOrderRespTypeFULL).
		Do(ctx)
	if err != nil {
		return Fill{}, fmt.Errorf("create order: %w", err)
	}

	switch resp.Status {
	case binance.OrderStatusTypeFilled, binance.OrderStatusTypePartiallyFilled:
	default:
		return Fill{}, fmt.Errorf("order %d ended %s", resp.OrderID, resp.Status)
	}

	qty, _ := strconv.ParseFloat(resp.ExecutedQuantity, 64)
	quote, _ := strconv.ParseFloat(resp.CummulativeQuoteQuantity, 64)
	fill := Fill{ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10), Quantity: qty}
	if qty > 0 {
		fill.Price = quote / qty
	}
	return fill, nil
}
