package execution

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"TradeSentinel/internal/fund"
	"TradeSentinel/internal/metrics"
	"TradeSentinel/internal/model"
	"TradeSentinel/internal/recorder"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExchange struct {
	mu   sync.Mutex
	reqs []OrderRequest
	err  error
	fill float64
}

func (f *fakeExchange) PlaceMarketOrder(_ context.Context, req OrderRequest) (Fill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return Fill{}, f.err
	}
	return Fill{ExchangeOrderID: fmt.Sprintf("ex-%d", len(f.reqs)), Price: f.fill, Quantity: req.Quantity}, nil
}

type fixture struct {
	exec   *Executor
	store  *recorder.MemoryStore
	ledger *fund.Ledger
	m      *metrics.Metrics
}

func newSimulated(t *testing.T, balance float64) fixture {
	t.Helper()
	ledger, err := fund.NewLedger("", balance, "USDT", zerolog.Nop())
	require.NoError(t, err)
	store := recorder.NewMemoryStore()
	m := metrics.New()
	exec := NewExecutor(Options{Mode: model.ModeSimulated, DefaultSize: 1}, ledger, nil, store, m, zerolog.Nop())
	return fixture{exec: exec, store: store, ledger: ledger, m: m}
}

func signal() model.Signal {
	return model.Signal{ID: "sig-1", TenantID: "t1", Symbol: "BTCUSDT", Status: model.SignalWatching}
}

func decision(v model.Verdict, lv model.Levels) model.Decision {
	return model.Decision{ID: "dec-" + string(v), SignalID: "sig-1", TenantID: "t1", Verdict: v, Levels: lv}
}

func (f fixture) open(t *testing.T, lv model.Levels) *model.Position {
	t.Helper()
	res, err := f.exec.Apply(context.Background(), signal(), nil, decision(model.VerdictOpenLong, lv), 100)
	require.NoError(t, err)
	require.NotNil(t, res.Position)
	return res.Position
}

func TestOpenLongReservesAndRecordsOrder(t *testing.T) {
	f := newSimulated(t, 1000)
	pos := f.open(t, model.Levels{StopLoss: 95, TakeProfit: 110, Size: 2})

	assert.Equal(t, model.SideLong, pos.Side)
	assert.Equal(t, 100.0, pos.EntryPrice)
	assert.Equal(t, 2.0, pos.Size)
	assert.Equal(t, 95.0, pos.StopLoss)
	assert.Equal(t, model.ModeSimulated, pos.Mode)
	assert.Equal(t, 800.0, f.ledger.Cash())

	stored, err := f.store.OpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 1)

	ords, err := f.store.ListOrders(context.Background(), pos.ID)
	require.NoError(t, err)
	require.Len(t, ords, 1)
	assert.Equal(t, model.ActionOpen, ords[0].Action)
	assert.Equal(t, model.OrderBuy, ords[0].Side)
	assert.Equal(t, model.OrderFilled, ords[0].Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.Orders.WithLabelValues("open", "filled", "simulated")))
}

func TestOpenUsesDefaultSize(t *testing.T) {
	f := newSimulated(t, 1000)
	pos := f.open(t, model.Levels{})
	assert.Equal(t, 1.0, pos.Size)
}

func TestOpenFailsOnInsufficientBalance(t *testing.T) {
	f := newSimulated(t, 50)
	res, err := f.exec.Apply(context.Background(), signal(), nil, decision(model.VerdictOpenShort, model.Levels{Size: 1}), 100)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientBalance))
	assert.True(t, errors.Is(err, ErrOrderFailed))
	assert.Nil(t, res.Position)
	require.Len(t, res.Orders, 1)
	assert.Equal(t, model.OrderFailed, res.Orders[0].Status)

	all, err := f.store.ListOrders(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.NotEmpty(t, all[0].Error)
	open, err := f.store.OpenPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Equal(t, 50.0, f.ledger.Cash())
}

func TestCloseRealizesPnL(t *testing.T) {
	f := newSimulated(t, 1000)
	pos := f.open(t, model.Levels{Size: 2})

	res, err := f.exec.Apply(context.Background(), signal(), pos, decision(model.VerdictClose, model.Levels{}), 105)
	require.NoError(t, err)
	assert.Nil(t, res.Position)
	require.NotNil(t, res.Closed)
	assert.Equal(t, model.PositionClosed, res.Closed.Status)
	assert.Equal(t, model.ReasonDecision, res.Closed.CloseReason)
	assert.Equal(t, 10.0, res.Closed.RealizedPnL)
	assert.Equal(t, 105.0, res.Closed.ExitPrice)
	assert.NotNil(t, res.Closed.ClosedAt)
	assert.Equal(t, 1010.0, f.ledger.Cash())

	// the input position is untouched
	assert.Equal(t, model.PositionOpen, pos.Status)
}

func TestShortPnLIsReversed(t *testing.T) {
	f := newSimulated(t, 1000)
	res, err := f.exec.Apply(context.Background(), signal(), nil, decision(model.VerdictOpenShort, model.Levels{Size: 1}), 100)
	require.NoError(t, err)
	closed, err := f.exec.Close(context.Background(), res.Position, 90, model.ReasonTakeProfit)
	require.NoError(t, err)
	assert.Equal(t, 10.0, closed.RealizedPnL)
	assert.Equal(t, model.ReasonTakeProfit, closed.CloseReason)
	assert.Equal(t, 1010.0, f.ledger.Cash())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.PositionsClosed.WithLabelValues("take_profit")))
}

func TestPartialCloseAndScaleOut(t *testing.T) {
	f := newSimulated(t, 10000)
	pos := f.open(t, model.Levels{Size: 4})

	res, err := f.exec.Apply(context.Background(), signal(), pos, decision(model.VerdictPartialClose, model.Levels{}), 110)
	require.NoError(t, err)
	require.NotNil(t, res.Position)
	assert.Equal(t, 2.0, res.Position.Size)
	assert.Equal(t, 20.0, res.Position.RealizedPnL)
	assert.Equal(t, model.PositionOpen, res.Position.Status)

	res, err = f.exec.Apply(context.Background(), signal(), res.Position, decision(model.VerdictScaleOut, model.Levels{}), 110)
	require.NoError(t, err)
	assert.Equal(t, 1.5, res.Position.Size)
	assert.Equal(t, 25.0, res.Position.RealizedPnL)
	assert.Equal(t, model.ActionScaleOut, res.Orders[0].Action)

	res, err = f.exec.Apply(context.Background(), signal(), res.Position, decision(model.VerdictPartialClose, model.Levels{ClosePercentage: 100}), 90)
	require.NoError(t, err)
	assert.Nil(t, res.Position)
	require.NotNil(t, res.Closed)
	assert.Equal(t, 10.0, res.Closed.RealizedPnL)
	assert.Equal(t, model.ActionClose, res.Orders[0].Action)
}

func TestScaleInAveragesEntry(t *testing.T) {
	f := newSimulated(t, 10000)
	pos := f.open(t, model.Levels{Size: 1})

	res, err := f.exec.Apply(context.Background(), signal(), pos, decision(model.VerdictScaleIn, model.Levels{Size: 1}), 110)
	require.NoError(t, err)
	assert.Equal(t, 2.0, res.Position.Size)
	assert.Equal(t, 105.0, res.Position.EntryPrice)
	assert.Equal(t, 10000.0-210, f.ledger.Cash())
}

func TestUpdateLevels(t *testing.T) {
	f := newSimulated(t, 1000)
	pos := f.open(t, model.Levels{StopLoss: 90, TakeProfit: 120})

	res, err := f.exec.Apply(context.Background(), signal(), pos, decision(model.VerdictUpdateStopLoss, model.Levels{StopLoss: 98}), 101)
	require.NoError(t, err)
	assert.Equal(t, 98.0, res.Position.StopLoss)
	assert.Equal(t, 120.0, res.Position.TakeProfit)

	res, err = f.exec.Apply(context.Background(), signal(), res.Position, decision(model.VerdictUpdateTakeProfit, model.Levels{TakeProfit: 130}), 101)
	require.NoError(t, err)
	assert.Equal(t, 130.0, res.Position.TakeProfit)

	_, err = f.exec.Apply(context.Background(), signal(), res.Position, decision(model.VerdictUpdateStopLoss, model.Levels{}), 101)
	assert.True(t, errors.Is(err, ErrInvalidLevels))

	ords, err := f.store.ListOrders(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.Len(t, ords, 4)
}

func TestFlipClosesThenOpensOpposite(t *testing.T) {
	f := newSimulated(t, 1000)
	pos := f.open(t, model.Levels{Size: 2, StopLoss: 95})

	res, err := f.exec.Apply(context.Background(), signal(), pos, decision(model.VerdictFlip, model.Levels{StopLoss: 104}), 98)
	require.NoError(t, err)
	require.NotNil(t, res.Closed)
	require.NotNil(t, res.Position)
	assert.Equal(t, model.ReasonFlip, res.Closed.CloseReason)
	assert.Equal(t, -4.0, res.Closed.RealizedPnL)
	assert.Equal(t, model.SideShort, res.Position.Side)
	assert.Equal(t, 2.0, res.Position.Size)
	assert.Equal(t, 104.0, res.Position.StopLoss)
	require.Len(t, res.Orders, 2)
	assert.Equal(t, model.OrderSell, res.Orders[0].Side)
	assert.Equal(t, model.OrderSell, res.Orders[1].Side)
	assert.Equal(t, 1000.0-4-196, f.ledger.Cash())
}

func TestPositionVerdictsRequirePosition(t *testing.T) {
	f := newSimulated(t, 1000)
	for _, v := range []model.Verdict{model.VerdictClose, model.VerdictPartialClose, model.VerdictScaleIn, model.VerdictFlip, model.VerdictUpdateStopLoss} {
		_, err := f.exec.Apply(context.Background(), signal(), nil, decision(v, model.Levels{}), 100)
		assert.True(t, errors.Is(err, ErrNoPosition), v)
	}
	all, err := f.store.ListOrders(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, all, 5, "refused operations still record one order each")
	for _, o := range all {
		assert.Equal(t, model.OrderFailed, o.Status)
		assert.Equal(t, "BTCUSDT", o.Symbol)
		assert.NotEmpty(t, o.Error)
	}

	pos := f.open(t, model.Levels{})
	res, err := f.exec.Apply(context.Background(), signal(), pos, decision(model.VerdictOpenLong, model.Levels{}), 100)
	assert.True(t, errors.Is(err, ErrPositionExists))
	require.Len(t, res.Orders, 1)
	assert.Equal(t, model.OrderFailed, res.Orders[0].Status)
	assert.Equal(t, pos.ID, res.Orders[0].PositionID)
}

func TestMissingPriceRecordsFailedOrder(t *testing.T) {
	f := newSimulated(t, 1000)
	ctx := context.Background()
	res, err := f.exec.Apply(ctx, signal(), nil, decision(model.VerdictOpenLong, model.Levels{}), 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOrderFailed))
	assert.Nil(t, res.Position)
	require.Len(t, res.Orders, 1)
	assert.Equal(t, model.ActionOpen, res.Orders[0].Action)
	assert.Equal(t, model.OrderFailed, res.Orders[0].Status)

	pos := f.open(t, model.Levels{})
	_, err = f.exec.Close(ctx, pos, 0, model.ReasonStopLoss)
	assert.True(t, errors.Is(err, ErrOrderFailed))

	all, err := f.store.ListOrders(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, 1000.0-100, f.ledger.Cash())
}

type partialExchange struct {
	filled float64
	ids    []string
}

func (p *partialExchange) PlaceMarketOrder(_ context.Context, req OrderRequest) (Fill, error) {
	p.ids = append(p.ids, req.ClientOrderID)
	qty := req.Quantity
	if req.Side == model.OrderSell {
		qty = p.filled
	}
	return Fill{ExchangeOrderID: "ex", Price: 100, Quantity: qty}, nil
}

func TestRealClosePartialFillKeepsRemainderOpen(t *testing.T) {
	store := recorder.NewMemoryStore()
	ex := &partialExchange{filled: 0.4}
	exec := NewExecutor(Options{Mode: model.ModeReal, DefaultSize: 1}, nil, ex, store, nil, zerolog.Nop())
	ctx := context.Background()

	res, err := exec.Apply(ctx, signal(), nil, decision(model.VerdictOpenLong, model.Levels{}), 100)
	require.NoError(t, err)

	closeRes, err := exec.Apply(ctx, signal(), res.Position, decision(model.VerdictClose, model.Levels{}), 100)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPartialFill))
	assert.Nil(t, closeRes.Closed)
	require.NotNil(t, closeRes.Position)
	assert.Equal(t, model.PositionOpen, closeRes.Position.Status)
	assert.InDelta(t, 0.6, closeRes.Position.Size, 1e-9)

	// same decision again: the remainder is a new exchange order
	again, err := exec.Apply(ctx, signal(), closeRes.Position, decision(model.VerdictClose, model.Levels{}), 100)
	assert.True(t, errors.Is(err, ErrPartialFill))
	assert.InDelta(t, 0.2, again.Position.Size, 1e-9)
	require.Len(t, ex.ids, 3)
	assert.NotEqual(t, ex.ids[1], ex.ids[2])

	rest, err := exec.Close(ctx, again.Position, 100, model.ReasonStopLoss)
	require.NoError(t, err)
	assert.Equal(t, model.PositionClosed, rest.Status)

	open, err := store.OpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestNonTradingVerdictsDoNothing(t *testing.T) {
	f := newSimulated(t, 1000)
	res, err := f.exec.Apply(context.Background(), signal(), nil, decision(model.VerdictWatch, model.Levels{}), 100)
	require.NoError(t, err)
	assert.Empty(t, res.Orders)
	res, err = f.exec.Apply(context.Background(), signal(), nil, decision(model.VerdictNoTrade, model.Levels{}), 100)
	require.NoError(t, err)
	assert.Empty(t, res.Orders)
}

func TestRealModeUsesExchangeWithClientOrderID(t *testing.T) {
	ex := &fakeExchange{fill: 100.5}
	store := recorder.NewMemoryStore()
	exec := NewExecutor(Options{Mode: model.ModeReal, DefaultSize: 0.1}, nil, ex, store, nil, zerolog.Nop())

	d := decision(model.VerdictOpenLong, model.Levels{})
	res, err := exec.Apply(context.Background(), signal(), nil, d, 100)
	require.NoError(t, err)
	assert.Equal(t, 100.5, res.Position.EntryPrice)
	assert.Equal(t, model.ModeReal, res.Position.Mode)
	require.Len(t, ex.reqs, 1)
	assert.Equal(t, ClientOrderID(d.ID, model.ActionOpen, "open"), ex.reqs[0].ClientOrderID)
	assert.Equal(t, "ex-1", res.Orders[0].ExchangeOrderID)

	ex.err = errors.New("exchange down")
	closeRes, err := exec.Apply(context.Background(), signal(), res.Position, decision(model.VerdictClose, model.Levels{}), 101)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOrderFailed))
	assert.Equal(t, res.Position, closeRes.Position)
	assert.Len(t, ex.reqs, 2, "failed real orders are not retried")

	open, err := store.OpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, model.PositionOpen, open[0].Status)
}

func TestClientOrderIDIsDeterministic(t *testing.T) {
	a := ClientOrderID("dec-1", model.ActionClose, "close")
	assert.Equal(t, a, ClientOrderID("dec-1", model.ActionClose, "close"))
	assert.NotEqual(t, a, ClientOrderID("dec-1", model.ActionOpen, "flip-open"))
	assert.NotEqual(t, a, ClientOrderID("dec-2", model.ActionClose, "close"))
	assert.LessOrEqual(t, len(a), 36)
}

func TestBinanceExchangePlacesSignedMarketOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/order", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("X-MBX-APIKEY"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "BTCUSDT", r.Form.Get("symbol"))
		assert.Equal(t, "SELL", r.Form.Get("side"))
		assert.Equal(t, "MARKET", r.Form.Get("type"))
		assert.Equal(t, "0.5", r.Form.Get("quantity"))
		assert.Equal(t, "cid-1", r.Form.Get("newClientOrderId"))
		assert.NotEmpty(t, r.Form.Get("signature"))
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","orderId":42,"clientOrderId":"cid-1","executedQty":"0.5","cummulativeQuoteQty":"50.25","status":"FILLED","type":"MARKET","side":"SELL"}`))
	}))
	defer srv.Close()

	ex := NewBinanceExchange("key", "secret", srv.URL)
	fill, err := ex.PlaceMarketOrder(context.Background(), OrderRequest{Symbol: "btcusdt", Side: model.OrderSell, Quantity: 0.5, ClientOrderID: "cid-1"})
	require.NoError(t, err)
	assert.Equal(t, "42", fill.ExchangeOrderID)
	assert.Equal(t, 0.5, fill.Quantity)
	assert.InDelta(t, 100.5, fill.Price, 1e-9)
}

func TestBinanceExchangeSurfacesRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-2010,"msg":"Account has insufficient balance for requested action."}`))
	}))
	defer srv.Close()

	_, err := NewBinanceExchange("key", "secret", srv.URL).PlaceMarketOrder(context.Background(), OrderRequest{Symbol: "BTCUSDT", Side: model.OrderBuy, Quantity: 1, ClientOrderID: "cid"})
	assert.Error(t, err)
}
