package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/skalibog/macross/internal/config"
	"github.com/skalibog/macross/internal/exchange"
	"github.com/skalibog/macross/internal/history"
	"github.com/skalibog/macross/internal/notify"
	"github.com/skalibog/macross/internal/position"
	"github.com/skalibog/macross/internal/risk"
	"github.com/skalibog/macross/internal/state"
	"github.com/skalibog/macross/internal/storage"
	"github.com/skalibog/macross/internal/strategy"
	"github.com/skalibog/macross/pkg/logger"
	"github.com/skalibog/macross/pkg/models"
	"github.com/skalibog/macross/pkg/tracing"
)

// Deps зависимости цикла решений
type Deps struct {
	Config   *config.Config
	Exchange exchange.Exchange
	Strategy strategy.Strategy
	Storage  storage.Storage
	Notifier notify.Notifier
	State    *state.Store
}

// Engine цикл решений: раз в интервал опрашивает символы, исполняет сигналы
// и на границе тика проверяет просадку
type Engine struct {
	symbols  []models.Symbol
	buffers  map[string]*history.Buffer
	ex       exchange.Exchange
	strat    strategy.Strategy
	sizer    *risk.PositionSizer
	store    storage.Storage
	notifier notify.Notifier
	states   *state.Store
	book     *book

	interval    time.Duration
	tickTimeout time.Duration
	workers     int
	stopLoss    decimal.Decimal
	allowShort  bool

	// ожидание исполнения ордера на стадии SETTLING
	pollInterval time.Duration
	orderWait    time.Duration

	// tickMu не дает тикам пересекаться
	tickMu sync.Mutex

	mu         sync.RWMutex
	lastReport *TickReport
}

// New собирает движок и восстанавливает состояние из контрольной точки
func New(ctx context.Context, deps Deps) (*Engine, error) {
	cfg := deps.Config
	if deps.Exchange == nil || deps.Strategy == nil {
		return nil, fmt.Errorf("движку нужны биржа и стратегия")
	}
	if deps.Storage == nil {
		deps.Storage = storage.Nop{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Log{}
	}
	if deps.State == nil {
		deps.State = state.NewStore("")
	}

	e := &Engine{
		symbols:     cfg.Symbols(),
		buffers:     make(map[string]*history.Buffer),
		ex:          deps.Exchange,
		strat:       deps.Strategy,
		sizer:       risk.NewPositionSizer(cfg.Risk),
		store:       deps.Storage,
		notifier:    deps.Notifier,
		states:      deps.State,
		interval:    cfg.LoopInterval(),
		tickTimeout: cfg.TickTimeout(),
		workers:     max(cfg.System.Workers, 1),
		stopLoss:    decimal.NewFromFloat(cfg.Risk.StopLossPct),
		allowShort:  cfg.Strategy.AllowShort,

		pollInterval: defaultPollInterval,
		orderWait:    cfg.TickTimeout(),
	}
	if e.interval <= 0 {
		return nil, fmt.Errorf("интервал цикла должен быть положительным")
	}
	for _, s := range e.symbols {
		e.buffers[s.Name] = history.NewBuffer(e.strat.Lookback())
	}

	tracker := position.NewTracker(cfg.Risk.MaxOpenTrades)
	guard := risk.NewDrawdownGuard(cfg.Risk.MaxDrawdown, cfg.Risk.CheckInterval(), cfg.Risk.EquityRetention)
	b, err := restore(ctx, deps, tracker, guard, cfg.Risk.EquityRetention)
	if err != nil {
		return nil, err
	}
	e.book = b

	logger.Info("Движок создан",
		zap.Int("symbols", len(e.symbols)),
		zap.String("strategy", e.strat.Name()),
		zap.Int("lookback", e.strat.Lookback()),
		zap.Duration("interval", e.interval),
		zap.Int("workers", e.workers))
	return e, nil
}

// restore поднимает защелку остановки и позиции из контрольной точки.
// Бумажный счет получает те же позиции, иначе их нечем закрыть.
// Без контрольной точки пик капитала восстанавливается из журнала.
func restore(ctx context.Context, deps Deps, tracker *position.Tracker, guard *risk.DrawdownGuard, retention int) (*book, error) {
	realized := decimal.Zero
	cp, ok, err := deps.State.Load()
	if err != nil {
		return nil, err
	}
	if ok {
		if err := tracker.Restore(cp.Positions); err != nil {
			return nil, err
		}
		guard.Restore(cp.Risk)
		if cp.RealizedPnL != "" {
			if realized, err = decimal.NewFromString(cp.RealizedPnL); err != nil {
				return nil, fmt.Errorf("ошибка разбора реализованного результата: %w", err)
			}
		}
		if rs, ok := deps.Exchange.(exchange.Restorer); ok {
			if err := rs.Restore(tracker.Positions(), realized); err != nil {
				return nil, err
			}
		}
		logger.Info("Состояние восстановлено",
			zap.String("path", deps.State.Path()),
			zap.String("state", cp.Risk.State.String()),
			zap.Int("positions", len(cp.Positions)))
	} else {
		samples, err := deps.Storage.RecentEquity(ctx, retention)
		if err != nil {
			logger.Warn("Не удалось прочитать журнал капитала", zap.Error(err))
		}
		for _, s := range samples {
			guard.Record(s)
		}
	}

	b := newBook(tracker, guard)
	b.realized = realized
	return b, nil
}

// Setup однократная подготовка биржи
func (e *Engine) Setup(ctx context.Context) error {
	return e.ex.Setup(ctx, e.symbols)
}

// Close останавливает книгу позиций
func (e *Engine) Close() {
	e.book.stop()
}

// Run выполняет тики раз в интервал до отмены ctx или фатальной ошибки
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		report, err := e.RunTick(ctx, time.Now())
		if err != nil {
			logger.Error("Фатальная ошибка тика", zap.Error(err))
			return err
		}
		if !report.Skipped {
			logger.Info("Тик завершен",
				zap.Time("tick", report.Tick),
				zap.String("equity", report.Equity.StringFixed(4)),
				zap.String("drawdown", report.Drawdown.StringFixed(4)),
				zap.Int("open", report.OpenPositions),
				zap.Int("opened", report.Count(models.OutcomeOpened)),
				zap.Int("closed", report.Count(models.OutcomeClosed)),
				zap.Int("failed", report.Count(models.OutcomeFailed)),
				zap.Bool("halted", report.Halted),
				zap.Duration("duration", report.Duration))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunTick выполняет один тик. Ошибка возвращается только для фатальных нарушений
// инвариантов; ошибки символов лежат в отчете.
func (e *Engine) RunTick(ctx context.Context, now time.Time) (*TickReport, error) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	// тикер Run держит свою фазу, поэтому сравнение идет с прошлым тиком, а не с границей интервала
	e.mu.RLock()
	prev := e.lastReport
	e.mu.RUnlock()
	if prev != nil && now.Sub(prev.Tick) < e.interval/2 {
		skipped := *prev
		skipped.Skipped = true
		logger.Debug("Тик в этом интервале уже выполнен", zap.Time("previous", prev.Tick), zap.Time("now", now))
		return &skipped, nil
	}

	started := time.Now()
	span, ctx := tracing.StartSpan(ctx, "engine.tick", map[string]interface{}{"symbols": len(e.symbols)})
	defer span.Finish()

	report := &TickReport{Tick: now, Symbols: make([]SymbolReport, len(e.symbols))}

	tickCtx, cancel := context.WithTimeout(ctx, e.tickTimeout)
	defer cancel()

	balance, balErr := e.ex.GetAccountBalance(tickCtx)
	if balErr != nil {
		logger.Warn("Баланс неизвестен, входы в этом тике пропускаются", zap.Error(balErr))
	}
	if err := e.book.do(tickCtx, func(b *book) { b.cashDelta = decimal.Zero }); err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(tickCtx)
	g.SetLimit(e.workers)
	for i, sym := range e.symbols {
		g.Go(func() error {
			rep, fatal := e.processSymbol(gctx, now, sym, balance, balErr == nil)
			report.Symbols[i] = rep
			return fatal
		})
	}
	fatal := g.Wait()

	settle := context.WithoutCancel(ctx)
	if err := e.barrier(settle, now, report, balance, balErr == nil); err != nil {
		fatal = errors.Join(fatal, err)
	}
	report.Duration = time.Since(started)

	if fatal != nil {
		tracing.Fail(span, fatal)
		return report, fatal
	}

	e.mu.Lock()
	e.lastReport = report
	e.mu.Unlock()

	if err := report.Err(); err != nil {
		tracing.Fail(span, err)
	}
	return report, nil
}

// barrier граница тика: снимок капитала, проверка просадки, проверка утечек, контрольная точка
func (e *Engine) barrier(ctx context.Context, now time.Time, report *TickReport, startBalance decimal.Decimal, startKnown bool) error {
	balCtx, cancel := context.WithTimeout(ctx, e.tickTimeout)
	balance, err := e.ex.GetAccountBalance(balCtx)
	cancel()

	type tickEnd struct {
		equity      decimal.Decimal
		estimated   bool
		newlyHalted bool
		risk        risk.RiskState
		positions   []models.Position
		pending     int
		realized    decimal.Decimal
		recorded    bool
	}

	end, qerr := query(ctx, e.book, func(b *book) (tickEnd, error) {
		res := tickEnd{pending: b.tracker.Pending(), realized: b.realized}
		switch {
		case err == nil:
		case startKnown:
			balance = startBalance.Add(b.cashDelta)
			res.estimated = true
		default:
			res.risk = b.guard.State()
			res.positions = b.tracker.Positions()
			return res, nil
		}

		equity := balance
		for _, p := range b.tracker.Positions() {
			equity = equity.Add(p.Value(p.LastPrice))
		}
		res.equity = equity
		res.recorded = true

		b.guard.Record(models.EquitySample{Timestamp: now, Equity: equity})
		res.newlyHalted = b.guard.CheckAndMaybeHalt(now)
		res.risk = b.guard.State()
		res.positions = b.tracker.Positions()
		return res, nil
	})
	if qerr != nil {
		return qerr
	}

	report.Equity = end.equity
	report.EquityEstimated = end.estimated
	report.Drawdown = end.risk.Drawdown
	report.Halted = end.risk.Halted()
	report.NewlyHalted = end.newlyHalted
	report.OpenPositions = len(end.positions)

	if !end.recorded {
		logger.Warn("Капитал неизвестен, снимок пропущен", zap.Error(err))
	} else if end.estimated {
		logger.Warn("Капитал оценен по балансу начала тика", zap.Error(err), zap.String("equity", end.equity.String()))
	}

	if end.newlyHalted {
		msg := fmt.Sprintf("Торговля остановлена: просадка %s%% от пика %s, капитал %s",
			end.risk.Drawdown.Mul(decimal.NewFromInt(100)).StringFixed(2),
			end.risk.Peak.StringFixed(2), end.equity.StringFixed(2))
		logger.Error(msg,
			zap.String("drawdown", end.risk.Drawdown.String()),
			zap.String("peak", end.risk.Peak.String()))
		if nerr := e.notifier.Notify(ctx, msg); nerr != nil {
			logger.Warn("Уведомление об остановке не отправлено", zap.Error(nerr))
		}
	}

	if end.pending > 0 {
		return fmt.Errorf("%w: %d резервов остались на границе тика", position.ErrInvariantViolation, end.pending)
	}

	if err := e.states.Save(state.Checkpoint{
		SavedAt:     now,
		Risk:        end.risk,
		Positions:   end.positions,
		RealizedPnL: end.realized.String(),
	}); err != nil {
		logger.Error("Ошибка сохранения контрольной точки", zap.Error(err))
	}

	if end.recorded {
		if err := e.store.SaveEquity(ctx, models.EquitySample{Timestamp: now, Equity: end.equity}); err != nil {
			logger.Warn("Ошибка записи капитала", zap.Error(err))
		}
	}
	return nil
}

// Status текущее состояние предохранителя и позиций
func (e *Engine) Status(ctx context.Context) (Status, error) {
	st, err := query(ctx, e.book, func(b *book) (Status, error) {
		rs := b.guard.State()
		st := Status{
			Halted:       rs.Halted(),
			State:        rs.State.String(),
			HaltedAt:     rs.HaltedAt,
			Pending:      b.tracker.Pending(),
			LastDrawdown: rs.Drawdown,
			Peak:         rs.Peak,
			LastEquity:   rs.Last,
			RealizedPnL:  b.realized,
		}
		for _, p := range b.tracker.Positions() {
			st.OpenPositions = append(st.OpenPositions, PositionStatus{
				Position:    p,
				ProfitPct:   p.ProfitPct(p.LastPrice),
				DrawdownPct: p.DrawdownPct(),
			})
		}
		return st, nil
	})
	if err != nil {
		return Status{}, err
	}

	e.mu.RLock()
	if e.lastReport != nil {
		st.LastTick = e.lastReport.Tick
	}
	e.mu.RUnlock()
	return st, nil
}

// ResetHalt ручное снятие остановки
func (e *Engine) ResetHalt(ctx context.Context) error {
	type snapshot struct {
		was       bool
		risk      risk.RiskState
		positions []models.Position
		realized  decimal.Decimal
	}
	snap, err := query(ctx, e.book, func(b *book) (snapshot, error) {
		was := b.guard.Halted()
		b.guard.Reset()
		return snapshot{was, b.guard.State(), b.tracker.Positions(), b.realized}, nil
	})
	if err != nil {
		return err
	}
	if !snap.was {
		logger.Info("Сброс остановки: торговля и так идет")
		return nil
	}

	if err := e.states.Save(state.Checkpoint{
		SavedAt:     time.Now(),
		Risk:        snap.risk,
		Positions:   snap.positions,
		RealizedPnL: snap.realized.String(),
	}); err != nil {
		logger.Error("Ошибка сохранения контрольной точки", zap.Error(err))
	}

	msg := fmt.Sprintf("Остановка снята оператором, новый пик %s", snap.risk.Peak.StringFixed(2))
	logger.Warn(msg)
	if err := e.notifier.Notify(ctx, msg); err != nil {
		logger.Warn("Уведомление не отправлено", zap.Error(err))
	}
	return nil
}
