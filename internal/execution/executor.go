package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"TradeSentinel/internal/fund"
	"TradeSentinel/internal/metrics"
	"TradeSentinel/internal/model"
	"TradeSentinel/internal/recorder"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrNoPosition is returned for position verdicts without an open position.
	ErrNoPosition = errors.New("no open position")
	// ErrPositionExists is returned for open verdicts on a signal that already holds a position.
	ErrPositionExists = errors.New("position already open")
	// ErrInsufficientBalance is returned when the simulated ledger cannot fund an order.
	ErrInsufficientBalance = fund.ErrInsufficientBalance
	// ErrOrderFailed wraps every failed order operation.
	ErrOrderFailed = errors.New("order failed")
	// ErrInvalidLevels is returned for stop/target updates without a usable price.
	ErrInvalidLevels = errors.New("invalid levels")
	// ErrPartialFill is returned when a full close executed only part of the position.
	ErrPartialFill = errors.New("close partially filled")
)

const (
	defaultPartialClose = 0.5
	defaultScale        = 0.25
	minQuantity         = 1e-9
)

var orderNamespace = uuid.MustParse("8a4f2c3e-65d1-4b7a-9c0e-2f3d4b5a6c7d")

// Options configures the executor.
type Options struct {
	Mode        model.TradeMode
	DefaultSize float64
}

// Executor turns decisions into order operations and persists the results.
// Each operation records exactly one Order; a failed operation leaves the
// position unchanged.
type Executor struct {
	opts     Options
	ledger   *fund.Ledger
	exchange Exchange
	store    recorder.Store
	metrics  *metrics.Metrics
	log      zerolog.Logger
	now      func() time.Time
}

// NewExecutor creates an executor. ledger is required in simulated mode and
// exchange in real mode; m may be nil.
func NewExecutor(opts Options, ledger *fund.Ledger, exchange Exchange, store recorder.Store, m *metrics.Metrics, log zerolog.Logger) *Executor {
	if opts.Mode == "" {
		opts.Mode = model.ModeSimulated
	}
	return &Executor{
		opts:     opts,
		ledger:   ledger,
		exchange: exchange,
		store:    store,
		metrics:  m,
		log:      log.With().Str("component", "executor").Str("mode", string(opts.Mode)).Logger(),
		now:      time.Now,
	}
}

// Mode returns the trading mode.
func (e *Executor) Mode() model.TradeMode { return e.opts.Mode }

// Result describes what an Apply call changed.
type Result struct {
	// Position is the open position after the operation, nil when none remains.
	Position *model.Position
	// Closed is the position closed by the operation, if any.
	Closed *model.Position
	Orders []model.Order
}

// Apply maps a decision verdict to order operations on the signal's position.
// Verdicts that do not trade (watch, no_trade) return an empty result.
func (e *Executor) Apply(ctx context.Context, sig model.Signal, pos *model.Position, d model.Decision, price float64) (Result, error) {
	if verdictAction(d.Verdict) == "" {
		return Result{Position: pos}, nil
	}
	open := pos != nil && pos.Status == model.PositionOpen
	if (d.Verdict.NeedsPosition() || d.Verdict == model.VerdictClose) && !open {
		err := fmt.Errorf("%w for %s", ErrNoPosition, d.Verdict)
		return Result{Orders: orders(e.reject(ctx, sig, nil, d, price, err))}, err
	}
	if d.Verdict.Opens() && open {
		return Result{Position: pos, Orders: orders(e.reject(ctx, sig, pos, d, price, ErrPositionExists))}, ErrPositionExists
	}
	if price <= 0 {
		err := fmt.Errorf("%w: no market price for %s", ErrOrderFailed, sig.Symbol)
		return Result{Position: pos, Orders: orders(e.reject(ctx, sig, pos, d, price, err))}, err
	}

	switch d.Verdict {
	case model.VerdictOpenLong, model.VerdictOpenShort:
		side := model.SideLong
		if d.Verdict == model.VerdictOpenShort {
			side = model.SideShort
		}
		opened, order, err := e.open(ctx, sig, side, d.Levels, price, d.ID, "open")
		return Result{Position: opened, Orders: orders(order)}, err

	case model.VerdictClose:
		closed, order, err := e.closeQty(ctx, pos, pos.Size, price, model.ActionClose, model.ReasonDecision, d.ID)
		if err != nil {
			if closed != nil {
				return Result{Position: closed, Orders: orders(order)}, err
			}
			return Result{Position: pos, Orders: orders(order)}, err
		}
		return Result{Closed: closed, Orders: orders(order)}, nil

	case model.VerdictPartialClose, model.VerdictScaleOut:
		fraction := d.Levels.ClosePercentage / 100
		action := model.ActionPartialClose
		if d.Verdict == model.VerdictScaleOut {
			action = model.ActionScaleOut
			if fraction <= 0 {
				fraction = defaultScale
			}
		} else if fraction <= 0 {
			fraction = defaultPartialClose
		}
		qty := pos.Size * math.Min(fraction, 1)
		if pos.Size-qty < minQuantity {
			action = model.ActionClose
			qty = pos.Size
		}
		next, order, err := e.closeQty(ctx, pos, qty, price, action, model.ReasonDecision, d.ID)
		if err != nil {
			if next != nil {
				return Result{Position: next, Orders: orders(order)}, err
			}
			return Result{Position: pos, Orders: orders(order)}, err
		}
		if next.Status == model.PositionClosed {
			return Result{Closed: next, Orders: orders(order)}, nil
		}
		return Result{Position: next, Orders: orders(order)}, nil

	case model.VerdictScaleIn:
		qty := d.Levels.Size
		if qty <= 0 {
			qty = pos.Size * defaultScale
		}
		next, order, err := e.scaleIn(ctx, pos, qty, price, d.ID)
		if err != nil {
			return Result{Position: pos, Orders: orders(order)}, err
		}
		return Result{Position: next, Orders: orders(order)}, nil

	case model.VerdictUpdateStopLoss, model.VerdictUpdateTakeProfit:
		next, order, err := e.updateLevels(ctx, pos, d)
		if err != nil {
			return Result{Position: pos, Orders: orders(order)}, err
		}
		return Result{Position: next, Orders: orders(order)}, nil

	case model.VerdictFlip:
		return e.flip(ctx, sig, pos, d, price)
	}
	return Result{Position: pos}, nil
}

// Close fully closes a position at price, tagging it with reason. The
// position monitor uses it for stop-loss and take-profit exits. On
// ErrPartialFill the returned position is the open remainder.
func (e *Executor) Close(ctx context.Context, pos *model.Position, price float64, reason string) (*model.Position, error) {
	if pos == nil || pos.Status != model.PositionOpen {
		return nil, ErrNoPosition
	}
	ref := pos.ID + ":" + reason
	if price <= 0 {
		err := fmt.Errorf("%w: no market price for %s", ErrOrderFailed, pos.Symbol)
		order := e.newOrder(pos, model.ActionClose, "", 0, price, ref, "rejected")
		e.failOrder(&order, err)
		e.record(ctx, &order)
		return pos, err
	}
	closed, _, err := e.closeQty(ctx, pos, pos.Size, price, model.ActionClose, reason, ref)
	if err != nil {
		if closed != nil {
			return closed, err
		}
		return pos, err
	}
	return closed, nil
}

// reject records the failed Order of an operation refused before any fill.
func (e *Executor) reject(ctx context.Context, sig model.Signal, pos *model.Position, d model.Decision, price float64, err error) model.Order {
	target := pos
	if target == nil {
		target = &model.Position{SignalID: sig.ID, TenantID: sig.TenantID, Symbol: sig.Symbol}
	}
	order := e.newOrder(target, verdictAction(d.Verdict), "", 0, price, d.ID, "rejected")
	e.failOrder(&order, err)
	e.record(ctx, &order)
	return order
}

func verdictAction(v model.Verdict) model.OrderAction {
	switch v {
	case model.VerdictOpenLong, model.VerdictOpenShort:
		return model.ActionOpen
	case model.VerdictClose, model.VerdictFlip:
		return model.ActionClose
	case model.VerdictPartialClose:
		return model.ActionPartialClose
	case model.VerdictScaleOut:
		return model.ActionScaleOut
	case model.VerdictScaleIn:
		return model.ActionScaleIn
	case model.VerdictUpdateStopLoss:
		return model.ActionUpdateStopLoss
	case model.VerdictUpdateTakeProfit:
		return model.ActionUpdateTakeProfit
	}
	return ""
}

func (e *Executor) flip(ctx context.Context, sig model.Signal, pos *model.Position, d model.Decision, price float64) (Result, error) {
	closed, closeOrder, err := e.closeQty(ctx, pos, pos.Size, price, model.ActionClose, model.ReasonFlip, d.ID)
	if err != nil {
		if closed != nil {
			return Result{Position: closed, Orders: orders(closeOrder)}, err
		}
		return Result{Position: pos, Orders: orders(closeOrder)}, err
	}
	levels := d.Levels
	if levels.Size <= 0 {
		levels.Size = pos.Size
	}
	opened, openOrder, err := e.open(ctx, sig, pos.Side.Opposite(), levels, price, d.ID, "flip-open")
	res := Result{Position: opened, Closed: closed, Orders: orders(closeOrder, openOrder)}
	return res, err
}

func (e *Executor) open(ctx context.Context, sig model.Signal, side model.Side, lv model.Levels, price float64, ref, leg string) (*model.Position, model.Order, error) {
	qty := lv.Size
	if qty <= 0 {
		qty = e.opts.DefaultSize
	}
	now := e.now().UTC()
	pos := &model.Position{
		ID:         uuid.NewString(),
		SignalID:   sig.ID,
		TenantID:   sig.TenantID,
		Symbol:     sig.Symbol,
		Side:       side,
		Size:       qty,
		StopLoss:   lv.StopLoss,
		TakeProfit: lv.TakeProfit,
		Status:     model.PositionOpen,
		Mode:       e.opts.Mode,
		OpenedAt:   now,
	}
	orderSide := model.OrderBuy
	if side == model.SideShort {
		orderSide = model.OrderSell
	}

	order := e.newOrder(pos, model.ActionOpen, orderSide, qty, price, ref, leg)
	fill, err := e.fill(ctx, &order, func() error { return e.ledger.Reserve(price, qty) })
	if err != nil {
		e.record(ctx, &order)
		return nil, order, err
	}
	pos.EntryPrice = fill.Price
	pos.Size = fill.Quantity

	if err := e.store.CreatePosition(ctx, pos); err != nil {
		e.log.Error().Err(err).Str("position_id", pos.ID).Msg("failed to persist opened position")
	}
	e.record(ctx, &order)
	e.log.Info().Str("tenant_id", pos.TenantID).Str("signal_id", pos.SignalID).Str("position_id", pos.ID).
		Str("symbol", pos.Symbol).Str("side", string(side)).Float64("entry", pos.EntryPrice).
		Float64("size", pos.Size).Float64("stop_loss", pos.StopLoss).Float64("take_profit", pos.TakeProfit).
		Msg("position opened")
	return pos, order, nil
}

// closeQty closes qty of the position. The returned copy is closed when qty covers the full size.
func (e *Executor) closeQty(ctx context.Context, pos *model.Position, qty, price float64, action model.OrderAction, reason, ref string) (*model.Position, model.Order, error) {
	orderSide := model.OrderSell
	if pos.Side == model.SideShort {
		orderSide = model.OrderBuy
	}
	// the leg carries the size closed from, so a remainder gets a fresh client order id
	leg := fmt.Sprintf("%s:%g", action, pos.Size)
	order := e.newOrder(pos, action, orderSide, qty, price, ref, leg)
	fill, err := e.fill(ctx, &order, func() error {
		e.ledger.Release(pos.EntryPrice, qty, pos.PnL(price, qty))
		return nil
	})
	if err != nil {
		e.record(ctx, &order)
		return nil, order, err
	}

	next := *pos
	next.RealizedPnL += pos.PnL(fill.Price, fill.Quantity)
	next.Size -= fill.Quantity
	if next.Size < minQuantity {
		now := e.now().UTC()
		next.Size = 0
		next.Status = model.PositionClosed
		next.ExitPrice = fill.Price
		next.CloseReason = reason
		next.ClosedAt = &now
		if e.metrics != nil {
			e.metrics.PositionsClosed.WithLabelValues(reason).Inc()
		}
	}

	if err := e.store.UpdatePosition(ctx, &next); err != nil {
		e.log.Error().Err(err).Str("position_id", next.ID).Msg("failed to persist closed position")
	}
	e.record(ctx, &order)
	if action == model.ActionClose && next.Status == model.PositionOpen {
		e.log.Warn().Str("position_id", next.ID).Float64("filled", fill.Quantity).Float64("remaining", next.Size).
			Msg("close partially filled, remainder stays open")
		return &next, order, fmt.Errorf("%w: %g of %g", ErrPartialFill, fill.Quantity, qty)
	}

	ev := e.log.Info().Str("tenant_id", next.TenantID).Str("position_id", next.ID).Str("symbol", next.Symbol).
		Str("action", string(action)).Float64("price", fill.Price).Float64("quantity", fill.Quantity).
		Float64("realized_pnl", next.RealizedPnL)
	if next.Status == model.PositionClosed {
		ev.Str("reason", reason).Msg("position closed")
	} else {
		ev.Float64("remaining", next.Size).Msg("position reduced")
	}
	return &next, order, nil
}

func (e *Executor) scaleIn(ctx context.Context, pos *model.Position, qty, price float64, ref string) (*model.Position, model.Order, error) {
	orderSide := model.OrderBuy
	if pos.Side == model.SideShort {
		orderSide = model.OrderSell
	}
	order := e.newOrder(pos, model.ActionScaleIn, orderSide, qty, price, ref, "scale_in")
	fill, err := e.fill(ctx, &order, func() error { return e.ledger.Reserve(price, qty) })
	if err != nil {
		e.record(ctx, &order)
		return nil, order, err
	}

	next := *pos
	total := pos.Size + fill.Quantity
	next.EntryPrice = (pos.EntryPrice*pos.Size + fill.Price*fill.Quantity) / total
	next.Size = total
	if err := e.store.UpdatePosition(ctx, &next); err != nil {
		e.log.Error().Err(err).Str("position_id", next.ID).Msg("failed to persist scaled position")
	}
	e.record(ctx, &order)
	e.log.Info().Str("position_id", next.ID).Float64("added", fill.Quantity).Float64("size", next.Size).
		Float64("entry", next.EntryPrice).Msg("position scaled in")
	return &next, order, nil
}

// updateLevels replaces the stop-loss or take-profit. Levels are enforced by
// the position monitor, so no exchange call is made in either mode.
func (e *Executor) updateLevels(ctx context.Context, pos *model.Position, d model.Decision) (*model.Position, model.Order, error) {
	action := model.ActionUpdateStopLoss
	level := d.Levels.StopLoss
	if d.Verdict == model.VerdictUpdateTakeProfit {
		action = model.ActionUpdateTakeProfit
		level = d.Levels.TakeProfit
	}
	order := e.newOrder(pos, action, "", 0, level, d.ID, string(action))
	if level <= 0 {
		err := fmt.Errorf("%w: %s without a price", ErrInvalidLevels, d.Verdict)
		e.failOrder(&order, err)
		e.record(ctx, &order)
		return nil, order, err
	}
	order.Status = model.OrderFilled
	e.countOrder(&order)

	next := *pos
	if action == model.ActionUpdateStopLoss {
		next.StopLoss = level
	} else {
		next.TakeProfit = level
	}
	if err := e.store.UpdatePosition(ctx, &next); err != nil {
		e.log.Error().Err(err).Str("position_id", next.ID).Msg("failed to persist level update")
	}
	e.record(ctx, &order)
	e.log.Info().Str("position_id", next.ID).Str("action", string(action)).Float64("level", level).Msg("position levels updated")
	return &next, order, nil
}

// ClientOrderID derives the exchange idempotency key of one order leg.
func ClientOrderID(ref string, action model.OrderAction, leg string) string {
	return uuid.NewSHA1(orderNamespace, []byte(ref+"|"+string(action)+"|"+leg)).String()
}

func (e *Executor) newOrder(pos *model.Position, action model.OrderAction, side model.OrderSide, qty, price float64, ref, leg string) model.Order {
	return model.Order{
		ID:            uuid.NewString(),
		PositionID:    pos.ID,
		ClientOrderID: ClientOrderID(ref, action, leg),
		Symbol:        pos.Symbol,
		Action:        action,
		Side:          side,
		Price:         price,
		Quantity:      qty,
		Mode:          e.opts.Mode,
		CreatedAt:     e.now().UTC(),
	}
}

// fill executes the order in the configured mode. simulate applies the
// ledger effect in simulated mode.
func (e *Executor) fill(ctx context.Context, order *model.Order, simulate func() error) (Fill, error) {
	if order.Quantity <= 0 {
		err := fmt.Errorf("quantity must be positive, got %g", order.Quantity)
		e.failOrder(order, err)
		return Fill{}, fmt.Errorf("%w: %v", ErrOrderFailed, err)
	}

	var fill Fill
	switch e.opts.Mode {
	case model.ModeReal:
		if e.exchange == nil {
			err := errors.New("no exchange client configured")
			e.failOrder(order, err)
			return Fill{}, fmt.Errorf("%w: %v", ErrOrderFailed, err)
		}
		f, err := e.exchange.PlaceMarketOrder(ctx, OrderRequest{
			Symbol:        order.Symbol,
			Side:          order.Side,
			Quantity:      order.Quantity,
			ClientOrderID: order.ClientOrderID,
		})
		if err != nil {
			e.failOrder(order, err)
			return Fill{}, fmt.Errorf("%w: %w", ErrOrderFailed, err)
		}
		if f.Price <= 0 {
			f.Price = order.Price
		}
		if f.Quantity <= 0 || f.Quantity > order.Quantity {
			f.Quantity = order.Quantity
		}
		fill = f
		order.ExchangeOrderID = f.ExchangeOrderID
	default:
		if e.ledger != nil {
			if err := simulate(); err != nil {
				e.failOrder(order, err)
				return Fill{}, fmt.Errorf("%w: %w", ErrOrderFailed, err)
			}
		}
		fill = Fill{Price: order.Price, Quantity: order.Quantity}
	}

	order.Status = model.OrderFilled
	order.Price = fill.Price
	order.Quantity = fill.Quantity
	e.countOrder(order)
	return fill, nil
}

func (e *Executor) failOrder(order *model.Order, err error) {
	order.Status = model.OrderFailed
	order.Error = err.Error()
	e.countOrder(order)
	e.log.Error().Err(err).Str("position_id", order.PositionID).Str("symbol", order.Symbol).
		Str("action", string(order.Action)).Str("client_order_id", order.ClientOrderID).Msg("order failed")
}

func (e *Executor) countOrder(order *model.Order) {
	if e.metrics != nil {
		e.metrics.Orders.WithLabelValues(string(order.Action), string(order.Status), string(order.Mode)).Inc()
	}
}

func (e *Executor) record(ctx context.Context, order *model.Order) {
	if err := e.store.RecordOrder(ctx, order); err != nil {
		e.log.Error().Err(err).Str("order_id", order.ID).Msg("failed to record order")
	}
}

func orders(list ...model.Order) []model.Order {
	out := make([]model.Order, 0, len(list))
	for _, o := range list {
		if o.ID != "" {
			out = append(out, o)
		}
	}
	return out
}
