package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/skalibog/macross/internal/config"
	"github.com/skalibog/macross/pkg/models"
)

// ErrInsufficientBalance размер ниже минимального номинала биржи
var ErrInsufficientBalance = errors.New("недостаточно баланса")

// Size рассчитанный размер позиции
type Size struct {
	// Budget маржа до округления количества
	Budget   decimal.Decimal
	Margin   decimal.Decimal
	Notional decimal.Decimal
	Quantity decimal.Decimal
}

// PositionSizer рассчитывает размер позиции. Неизменяем после создания.
type PositionSizer struct {
	policy        string
	maxOpenTrades int
	baseSize      decimal.Decimal
	maxSize       decimal.Decimal
	riskPerTrade  decimal.Decimal
}

// NewPositionSizer создает расчет размера по риск-конфигурации
func NewPositionSizer(cfg config.RiskConfig) *PositionSizer {
	return &PositionSizer{
		policy:        cfg.Sizing,
		maxOpenTrades: cfg.MaxOpenTrades,
		baseSize:      decimal.NewFromFloat(cfg.BaseSize),
		maxSize:       decimal.NewFromFloat(cfg.MaxSize),
		riskPerTrade:  decimal.NewFromFloat(cfg.RiskPerTrade),
	}
}

// Size считает маржу, номинал и количество для символа.
// Для фьючерсов бюджет это маржа: плечо увеличивает номинал, но не бюджет.
func (s *PositionSizer) Size(sym models.Symbol, price, balance, minNotional decimal.Decimal) (Size, error) {
	if !price.IsPositive() {
		return Size{}, fmt.Errorf("%w: цена %s", ErrInsufficientBalance, price)
	}
	if !balance.IsPositive() {
		return Size{}, fmt.Errorf("%w: баланс %s", ErrInsufficientBalance, balance)
	}

	budget, err := s.budget(balance)
	if err != nil {
		return Size{}, err
	}
	if sym.IsFutures() && s.riskPerTrade.IsPositive() {
		budget = decimal.Min(budget, s.riskPerTrade.Mul(balance))
	}
	if s.maxSize.IsPositive() {
		budget = decimal.Min(budget, s.maxSize.Mul(balance))
	}

	leverage := decimal.NewFromInt(int64(sym.EffectiveLeverage()))
	qty := budget.Mul(leverage).Div(price).Truncate(sym.QuantityPrecision)
	notional := qty.Mul(price)

	if !qty.IsPositive() || notional.LessThan(minNotional) {
		return Size{}, fmt.Errorf("%w: номинал %s меньше минимума %s для %s",
			ErrInsufficientBalance, notional.StringFixed(8), minNotional, sym)
	}

	return Size{
		Budget:   budget,
		Margin:   notional.Div(leverage),
		Notional: notional,
		Quantity: qty,
	}, nil
}

func (s *PositionSizer) budget(balance decimal.Decimal) (decimal.Decimal, error) {
	switch s.policy {
	case config.SizingEqual:
		if s.maxOpenTrades <= 0 {
			return decimal.Zero, fmt.Errorf("равное деление требует max_open_trades")
		}
		return balance.Div(decimal.NewFromInt(int64(s.maxOpenTrades))), nil
	case config.SizingFractional:
		return clamp(s.baseSize.Mul(balance), decimal.Zero, s.maxSize.Mul(balance)), nil
	default:
		return decimal.Zero, fmt.Errorf("неизвестная политика размера %q", s.policy)
	}
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}
