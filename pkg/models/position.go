package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position открытая позиция. Принадлежит трекеру позиций.
type Position struct {
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	Quantity      decimal.Decimal `json:"quantity"`
	Leverage      int             `json:"leverage"`
	Margin        decimal.Decimal `json:"margin"`
	OpenedAt      time.Time       `json:"opened_at"`
	ReservationID string          `json:"reservation_id"`
	MaxPrice      decimal.Decimal `json:"max_price"`
	MinPrice      decimal.Decimal `json:"min_price"`
	LastPrice     decimal.Decimal `json:"last_price"`
}

// PnL результат позиции при цене price
func (p Position) PnL(price decimal.Decimal) decimal.Decimal {
	diff := price.Sub(p.EntryPrice)
	if p.Side == SideShort {
		diff = diff.Neg()
	}
	return diff.Mul(p.Quantity)
}

// Value стоимость позиции для расчета капитала: маржа плюс плавающий результат
func (p Position) Value(price decimal.Decimal) decimal.Decimal {
	return p.Margin.Add(p.PnL(price))
}

// ProfitPct результат в долях от маржи
func (p Position) ProfitPct(price decimal.Decimal) decimal.Decimal {
	if p.Margin.IsZero() {
		return decimal.Zero
	}
	return p.PnL(price).Div(p.Margin)
}

// DrawdownPct откат от лучшей цены с момента открытия
func (p Position) DrawdownPct() decimal.Decimal {
	if p.LastPrice.IsZero() {
		return decimal.Zero
	}
	if p.Side == SideShort {
		if p.MinPrice.IsZero() || p.LastPrice.LessThanOrEqual(p.MinPrice) {
			return decimal.Zero
		}
		return p.LastPrice.Sub(p.MinPrice).Div(p.MinPrice)
	}
	if p.MaxPrice.IsZero() || p.LastPrice.GreaterThanOrEqual(p.MaxPrice) {
		return decimal.Zero
	}
	return p.MaxPrice.Sub(p.LastPrice).Div(p.MaxPrice)
}

// Mark обновляет последнюю, максимальную и минимальную цену
func (p *Position) Mark(price decimal.Decimal) {
	p.LastPrice = price
	if p.MaxPrice.IsZero() || price.GreaterThan(p.MaxPrice) {
		p.MaxPrice = price
	}
	if p.MinPrice.IsZero() || price.LessThan(p.MinPrice) {
		p.MinPrice = price
	}
}

// AdverseMove движение цены против позиции от входа, в долях
func (p Position) AdverseMove(price decimal.Decimal) decimal.Decimal {
	if p.EntryPrice.IsZero() {
		return decimal.Zero
	}
	move := p.EntryPrice.Sub(price).Div(p.EntryPrice)
	if p.Side == SideShort {
		move = move.Neg()
	}
	return move
}
