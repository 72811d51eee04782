package config

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/skalibog/macross/pkg/models"
)

// Политики расчета размера позиции
const (
	SizingEqual      = "equal"
	SizingFractional = "fractional"
)

// ErrInvalidConfig оборачивает все ошибки проверки конфигурации
var ErrInvalidConfig = errors.New("некорректная конфигурация")

var (
	exchanges    = map[string]bool{"binance": true, "alpaca": true}
	storageTypes = map[string]bool{"none": true, "influxdb": true, "postgres": true, "file": true}
	strategies   = map[string]bool{"ma_crossover": true, "biased_ma_crossover": true}
	maTypes      = map[string]bool{"sma": true, "ema": true}
)

// Validate проверяет конфигурацию целиком и возвращает все найденные проблемы сразу
func (c *Config) Validate() error {
	var errs error
	add := func(format string, args ...interface{}) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	if !exchanges[c.Exchange.ID] {
		add("exchange.id: неизвестная биржа %q", c.Exchange.ID)
	}
	if c.Exchange.MinNotional < 0 {
		add("exchange.min_notional: не может быть отрицательным")
	}

	c.validateSymbols(add)
	c.validateStrategy(add)
	c.validateRisk(add)

	if c.System.LoopInterval <= 0 {
		add("system.loop_interval: должен быть положительным")
	}
	if c.System.TickTimeout <= 0 || c.System.TickTimeout > c.System.LoopInterval {
		add("system.tick_timeout: должен быть в (0, loop_interval]")
	}
	if c.System.Workers <= 0 {
		add("system.workers: должен быть положительным")
	}

	if c.Retry.Attempts < 1 {
		add("retry.attempts: минимум 1")
	}
	if c.Retry.MinBackoffMS > c.Retry.MaxBackoffMS {
		add("retry: min_backoff_ms больше max_backoff_ms")
	}

	c.validateStorage(add)

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == 0) {
		add("notify: telegram_token и telegram_chat_id задаются вместе")
	}
	if c.Tracing.Enabled && (c.Tracing.Host == "" || c.Tracing.Port == 0) {
		add("tracing: для включенной трассировки нужны host и port")
	}

	if errs != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errs)
	}
	return nil
}

func (c *Config) validateSymbols(add func(string, ...interface{})) {
	if len(c.Trading.Symbols) == 0 {
		add("trading.symbols: список пуст")
	}
	c.validateTimeframe(add)
	if !c.Trading.Enabled && c.Trading.PaperBalance <= 0 {
		add("trading.paper_balance: должен быть положительным для сухого прогона")
	}

	seen := make(map[string]bool)
	for i, s := range c.Trading.Symbols {
		name := models.NormalizeSymbol(s.Symbol)
		if name == "" {
			add("trading.symbols[%d]: пустой символ", i)
			continue
		}
		if seen[name] {
			add("trading.symbols[%d]: символ %s повторяется", i, name)
		}
		seen[name] = true

		switch models.MarketKind(s.Market) {
		case models.MarketSpot:
			if s.Leverage > 1 {
				add("trading.symbols[%d]: плечо %d задано для спота %s", i, s.Leverage, name)
			}
		case models.MarketFutures:
			if c.Exchange.ID == "alpaca" {
				add("trading.symbols[%d]: alpaca не поддерживает фьючерсы", i)
			}
			if s.Leverage < 1 || s.Leverage > 125 {
				add("trading.symbols[%d]: плечо должно быть в [1, 125], получено %d", i, s.Leverage)
			}
			switch models.MarginMode(s.MarginMode) {
			case models.MarginIsolated, models.MarginCross:
			default:
				add("trading.symbols[%d]: неизвестный margin_mode %q", i, s.MarginMode)
			}
		default:
			add("trading.symbols[%d]: неизвестный market %q", i, s.Market)
		}

		if s.QuantityPrecision != nil && (*s.QuantityPrecision < 0 || *s.QuantityPrecision > 18) {
			add("trading.symbols[%d]: quantity_precision вне [0, 18]", i)
		}
	}
}

// Интервалы свечей Binance
var binanceTimeframes = map[string]bool{
	"1m": true, "3m": true, "5m": true, "15m": true, "30m": true,
	"1h": true, "2h": true, "4h": true, "6h": true, "8h": true, "12h": true,
	"1d": true, "3d": true, "1w": true,
}

func (c *Config) validateTimeframe(add func(string, ...interface{})) {
	raw := c.Trading.Timeframe
	if raw == "" {
		add("trading.timeframe: не задан")
		return
	}
	tf, err := models.ParseTimeframe(raw)
	if err != nil {
		add("trading.timeframe: %v", err)
		return
	}

	switch c.Exchange.ID {
	case "binance":
		if !binanceTimeframes[raw] {
			add("trading.timeframe: binance не поддерживает интервал %s", raw)
		}
	case "alpaca":
		var ok bool
		switch tf.Unit {
		case models.UnitMinute:
			ok = tf.N <= 59
		case models.UnitHour:
			ok = tf.N <= 23
		default:
			ok = tf.N == 1
		}
		if !ok {
			add("trading.timeframe: alpaca не поддерживает интервал %s", raw)
		}
	}
}

func (c *Config) validateStrategy(add func(string, ...interface{})) {
	st := c.Strategy
	if !strategies[st.Type] {
		add("strategy.type: неизвестная стратегия %q", st.Type)
		return
	}
	if !maTypes[st.MAType] {
		add("strategy.ma_type: неизвестный тип средней %q", st.MAType)
	}

	checkPair := func(name string, short, long int) {
		if short <= 0 || long <= 0 {
			add("strategy.params: периоды %s должны быть положительными", name)
			return
		}
		if short >= long {
			add("strategy.params: короткий период %s (%d) должен быть меньше длинного (%d)", name, short, long)
		}
	}

	p := st.Params
	if st.Type == "ma_crossover" {
		checkPair("short/long", p.ShortPeriod, p.LongPeriod)
	} else {
		checkPair("buy", p.BuyShortPeriod, p.BuyLongPeriod)
		checkPair("sell", p.SellShortPeriod, p.SellLongPeriod)
	}
}

func (c *Config) validateRisk(add func(string, ...interface{})) {
	r := c.Risk
	if r.MaxOpenTrades <= 0 && r.MaxDrawdown <= 0 {
		add("risk: нужен max_open_trades или max_drawdown")
	}
	if r.MaxOpenTrades < 0 {
		add("risk.max_open_trades: не может быть отрицательным")
	}
	if r.MaxDrawdown < 0 || r.MaxDrawdown >= 1 {
		add("risk.max_drawdown: должен быть в [0, 1)")
	}
	if r.MaxDrawdown > 0 && r.DrawdownCheckInterval <= 0 {
		add("risk.drawdown_check_interval: обязателен вместе с max_drawdown")
	}
	if r.DrawdownCheckInterval < 0 {
		add("risk.drawdown_check_interval: не может быть отрицательным")
	}

	switch r.Sizing {
	case SizingEqual:
		if r.MaxOpenTrades <= 0 {
			add("risk.sizing equal: требует max_open_trades")
		}
	case SizingFractional:
		if r.BaseSize <= 0 || r.BaseSize > 1 {
			add("risk.base_size: должен быть в (0, 1]")
		}
		if r.MaxSize <= 0 {
			add("risk.max_size: обязателен для fractional")
		}
	default:
		add("risk.sizing: неизвестная политика %q", r.Sizing)
	}

	if r.MaxSize < 0 || r.MaxSize > 1 {
		add("risk.max_size: должен быть в [0, 1]")
	}
	if r.RiskPerTrade < 0 || r.RiskPerTrade > 1 {
		add("risk.risk_per_trade: должен быть в [0, 1]")
	}
	if r.StopLossPct < 0 || r.StopLossPct >= 1 {
		add("risk.stop_loss_pct: должен быть в [0, 1)")
	}
	if r.EquityRetention < 1 {
		add("risk.equity_retention: минимум 1")
	}
}

func (c *Config) validateStorage(add func(string, ...interface{})) {
	s := c.Storage
	if !storageTypes[s.Type] {
		add("storage.type: неизвестный тип %q", s.Type)
		return
	}
	switch s.Type {
	case "influxdb":
		if s.URL == "" || s.Organization == "" || s.Bucket == "" {
			add("storage: influxdb требует url, organization и bucket")
		}
	case "postgres":
		if s.DSN == "" {
			add("storage: postgres требует dsn")
		}
	case "file":
		if s.Path == "" {
			add("storage: file требует path")
		}
	}
}
