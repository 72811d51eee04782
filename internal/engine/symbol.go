package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/skalibog/macross/internal/history"
	"github.com/skalibog/macross/internal/position"
	"github.com/skalibog/macross/internal/risk"
	"github.com/skalibog/macross/pkg/logger"
	"github.com/skalibog/macross/pkg/models"
	"github.com/skalibog/macross/pkg/tracing"
)

var errHalted = errors.New("торговля остановлена предохранителем просадки")

// processSymbol проводит символ через стадии тика. Вторая ошибка фатальна для процесса.
func (e *Engine) processSymbol(ctx context.Context, now time.Time, sym models.Symbol, balance decimal.Decimal, balanceKnown bool) (rep SymbolReport, fatal error) {
	rep = SymbolReport{Symbol: sym.Name, Stage: models.StageFetching, Signal: models.ActionHold, Outcome: models.OutcomeHold}
	span, ctx := tracing.StartSpan(ctx, "engine.symbol", map[string]interface{}{"symbol": sym.Name})

	// резерв, который еще не подтвержден и не освобожден
	var outstanding string
	settle := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if ok && errors.Is(err, position.ErrInvariantViolation) {
				fatal = err
			} else {
				rep.fail(fmt.Errorf("паника при обработке символа: %v", r))
			}
		}
		if outstanding != "" {
			fatal = errors.Join(fatal, e.release(settle, outstanding))
			logger.Warn("Резерв освобожден при выходе", zap.String("symbol", sym.Name), zap.String("reservation_id", outstanding))
		}
		if rep.Err != nil {
			tracing.Fail(span, rep.Err)
			logger.Warn("Ошибка обработки символа",
				zap.String("symbol", sym.Name),
				zap.String("stage", string(rep.Stage)),
				zap.Error(rep.Err))
		}
		if err := e.store.SaveDecision(settle, rep.Decision(now)); err != nil {
			logger.Warn("Ошибка записи решения", zap.String("symbol", sym.Name), zap.Error(err))
		}
		span.Finish()
	}()

	// FETCHING
	bar, err := e.ex.GetLatestBar(ctx, sym)
	if err != nil {
		rep.fail(err)
		return rep, nil
	}
	rep.Price = bar.Close

	buf := e.buffers[sym.Name]
	if last, ok := buf.Last(); ok && bar.Timestamp.Equal(last.Timestamp) {
		rep.hold("новый бар еще не закрыт")
		return rep, nil
	}
	if err := buf.Append(bar); err != nil {
		if errors.Is(err, history.ErrOutOfOrderData) {
			logger.Warn("Бар вне порядка отброшен",
				zap.String("symbol", sym.Name),
				zap.Time("timestamp", bar.Timestamp),
				zap.Error(err))
			rep.hold("бар вне порядка отброшен")
			return rep, nil
		}
		rep.fail(err)
		return rep, nil
	}

	pos, err := query(ctx, e.book, func(b *book) (models.Position, error) {
		b.tracker.MarkPrice(sym.Name, bar.Close)
		p, ok := b.tracker.Get(sym.Name)
		if !ok {
			return p, errNoPosition
		}
		return p, nil
	})
	hasPosition := err == nil
	if err != nil && !errors.Is(err, errNoPosition) {
		rep.fail(err)
		return rep, nil
	}

	if hasPosition && e.stopLoss.IsPositive() && pos.AdverseMove(bar.Close).GreaterThanOrEqual(e.stopLoss) {
		rep.Signal = pos.Side.CloseSide().Action()
		return e.closePosition(ctx, settle, now, sym, pos, rep, "стоп-лосс "+pos.AdverseMove(bar.Close).StringFixed(4))
	}

	// EVALUATING
	rep.Stage = models.StageEvaluating
	sig := e.strat.Evaluate(sym.Name, buf, now)
	rep.Signal = sig.Action
	if sig.Action == models.ActionHold {
		rep.hold(sig.Reason)
		return rep, nil
	}
	logger.Info("Сигнал стратегии",
		zap.String("symbol", sym.Name),
		zap.String("action", string(sig.Action)),
		zap.String("reason", sig.Reason))

	if hasPosition {
		if pos.Side.CloseSide().Action() == sig.Action {
			return e.closePosition(ctx, settle, now, sym, pos, rep, sig.Reason)
		}
		rep.hold("позиция уже открыта")
		return rep, nil
	}

	side := models.SideLong
	if sig.Action == models.ActionSell {
		if !sym.IsFutures() || !e.allowShort {
			rep.hold("нет позиции для закрытия")
			return rep, nil
		}
		side = models.SideShort
	}
	if !balanceKnown {
		rep.Outcome = models.OutcomeSkipped
		rep.Reason = "баланс неизвестен"
		return rep, nil
	}

	// SIZING
	rep.Stage = models.StageSizing
	size, err := e.sizer.Size(sym, bar.Close, balance, e.ex.MinNotional(sym))
	if err != nil {
		if errors.Is(err, risk.ErrInsufficientBalance) {
			rep.hold(err.Error())
			return rep, nil
		}
		rep.fail(err)
		return rep, nil
	}
	rep.Quantity = size.Quantity

	res, err := query(ctx, e.book, func(b *book) (position.Reservation, error) {
		if b.guard.Halted() {
			return position.Reservation{}, errHalted
		}
		return b.tracker.Reserve(position.ReserveRequest{
			Symbol:   sym.Name,
			Side:     side,
			Margin:   size.Margin,
			Leverage: sym.EffectiveLeverage(),
			At:       now,
		}, balance.Add(b.cashDelta))
	})
	switch {
	case err == nil:
	case errors.Is(err, errHalted),
		errors.Is(err, position.ErrMaxOpenTradesExceeded),
		errors.Is(err, position.ErrPositionExists),
		errors.Is(err, position.ErrInsufficientCapital):
		rep.hold(err.Error())
		return rep, nil
	default:
		rep.fail(err)
		return rep, nil
	}
	outstanding = res.ID
	rep.ReservationID = res.ID

	// EXECUTING
	rep.Stage = models.StageExecuting
	result, err := e.ex.PlaceOrder(ctx, models.OrderRequest{
		Symbol:        sym,
		Side:          side.OpenSide(),
		Quantity:      size.Quantity,
		Type:          models.OrderMarket,
		ClientOrderID: res.ID,
	})

	// SETTLING
	rep.Stage = models.StageSettling
	if err != nil {
		result, err = e.recoverOrder(settle, models.OrderRef{Symbol: sym, ClientOrderID: res.ID}, err)
	}
	if err == nil {
		result, err = e.awaitOrder(settle, orderRef(sym, res.ID, result), result)
		if errors.Is(err, errOrderUnknown) {
			rep.fail(err)
			return rep, fmt.Errorf("%w: %w", position.ErrInvariantViolation, err)
		}
	}
	if err != nil || result.Status != models.OrderFilled {
		if rerr := e.release(settle, res.ID); rerr != nil {
			return rep, rerr
		}
		outstanding = ""
		if err != nil {
			rep.fail(err)
		} else {
			rep.Outcome = models.OutcomeRejected
			rep.Reason = result.Reason
		}
		return rep, nil
	}

	fillPrice, fillQty := result.FillPrice, result.FillQuantity
	if !fillPrice.IsPositive() {
		fillPrice = bar.Close
	}
	if !fillQty.IsPositive() {
		fillQty = size.Quantity
	}
	opened, err := query(settle, e.book, func(b *book) (models.Position, error) {
		p, err := b.tracker.Confirm(res.ID, fillPrice, fillQty, now)
		if err != nil {
			return p, err
		}
		b.cashDelta = b.cashDelta.Sub(p.Margin)
		return p, nil
	})
	if err != nil {
		if errors.Is(err, position.ErrInvariantViolation) {
			return rep, err
		}
		if rerr := e.release(settle, res.ID); rerr != nil {
			return rep, rerr
		}
		outstanding = ""
		rep.fail(err)
		return rep, nil
	}
	outstanding = ""

	rep.Outcome = models.OutcomeOpened
	rep.Price, rep.Quantity = opened.EntryPrice, opened.Quantity
	rep.Reason = sig.Reason
	msg := fmt.Sprintf("Открыт %s %s: %s по %s, маржа %s",
		opened.Side, sym.Name, opened.Quantity, opened.EntryPrice, opened.Margin.StringFixed(2))
	logger.Info(msg, zap.String("symbol", sym.Name), zap.String("reservation_id", res.ID))
	e.notify(settle, msg)
	return rep, nil
}

var errNoPosition = errors.New("нет позиции")

// closePosition закрывает позицию независимо от остановки торговли
func (e *Engine) closePosition(ctx, settle context.Context, now time.Time, sym models.Symbol, pos models.Position, rep SymbolReport, reason string) (SymbolReport, error) {
	rep.Stage = models.StageExecuting
	rep.Quantity = pos.Quantity
	clientID := uuid.NewString()
	result, err := e.ex.ClosePosition(ctx, models.CloseRequest{
		Symbol:        sym,
		Side:          pos.Side,
		Quantity:      pos.Quantity,
		ClientOrderID: clientID,
	})

	rep.Stage = models.StageSettling
	if err != nil {
		result, err = e.recoverOrder(settle, models.OrderRef{Symbol: sym, ClientOrderID: clientID}, err)
	}
	if err == nil {
		result, err = e.awaitOrder(settle, orderRef(sym, clientID, result), result)
	}
	if err != nil {
		// позиция остается в книге, следующий сигнал закрытия повторит попытку
		rep.fail(err)
		return rep, nil
	}
	if result.Status != models.OrderFilled {
		rep.Outcome = models.OutcomeRejected
		rep.Reason = result.Reason
		return rep, nil
	}

	exit := result.FillPrice
	if !exit.IsPositive() {
		exit = rep.Price
	}
	trade, err := query(settle, e.book, func(b *book) (models.ClosedTrade, error) {
		t, err := b.tracker.Close(sym.Name, exit, now)
		if err != nil {
			return t, err
		}
		b.realized = b.realized.Add(t.RealizedPnL)
		b.cashDelta = b.cashDelta.Add(t.Position.Margin).Add(t.RealizedPnL)
		return t, nil
	})
	if err != nil {
		rep.fail(err)
		return rep, nil
	}

	rep.Outcome = models.OutcomeClosed
	rep.Price = exit
	rep.Reason = reason
	if err := e.store.SaveTrade(settle, trade); err != nil {
		logger.Warn("Ошибка записи сделки", zap.String("symbol", sym.Name), zap.Error(err))
	}
	msg := fmt.Sprintf("Закрыт %s %s по %s: результат %s (%s)",
		trade.Position.Side, sym.Name, exit, trade.RealizedPnL.StringFixed(4), reason)
	logger.Info(msg, zap.String("symbol", sym.Name))
	e.notify(settle, msg)
	return rep, nil
}

// release отменяет резерв. Ошибка здесь означает нарушение инварианта трекера.
func (e *Engine) release(ctx context.Context, id string) error {
	var rerr error
	if err := e.book.do(ctx, func(b *book) { rerr = b.tracker.Release(id) }); err != nil {
		return err
	}
	return rerr
}

func (e *Engine) notify(ctx context.Context, msg string) {
	if err := e.notifier.Notify(ctx, msg); err != nil {
		logger.Warn("Уведомление не отправлено", zap.Error(err))
	}
}
