package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketKind тип рынка символа
type MarketKind string

const (
	MarketSpot    MarketKind = "spot"
	MarketFutures MarketKind = "futures"
)

// MarginMode режим маржи фьючерсной позиции
type MarginMode string

const (
	MarginIsolated MarginMode = "isolated"
	MarginCross    MarginMode = "cross"
)

// PriceBar представляет цену закрытия бара
type PriceBar struct {
	Symbol    string
	Timestamp time.Time
	Close     decimal.Decimal
}

// Action торговое действие стратегии
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Signal результат оценки стратегии на одном тике
type Signal struct {
	Symbol    string
	Action    Action
	Timestamp time.Time
	Reason    string
}

// Hold возвращает HOLD сигнал с причиной
func Hold(symbol string, ts time.Time, reason string) Signal {
	return Signal{Symbol: symbol, Action: ActionHold, Timestamp: ts, Reason: reason}
}

// Side направление позиции
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// OrderSide сторона ордера
type OrderSide string

const (
	OrderBuy  OrderSide = "BUY"
	OrderSell OrderSide = "SELL"
)

// OpenSide сторона ордера, открывающего позицию
func (s Side) OpenSide() OrderSide {
	if s == SideShort {
		return OrderSell
	}
	return OrderBuy
}

// CloseSide сторона ордера, закрывающего позицию
func (s Side) CloseSide() OrderSide {
	if s == SideShort {
		return OrderBuy
	}
	return OrderSell
}

// Action действие стратегии, соответствующее стороне ордера
func (s OrderSide) Action() Action {
	if s == OrderSell {
		return ActionSell
	}
	return ActionBuy
}

// OrderType тип ордера
type OrderType string

const OrderMarket OrderType = "MARKET"

// OrderStatus статус исполнения ордера
type OrderStatus string

const (
	OrderFilled   OrderStatus = "FILLED"
	OrderRejected OrderStatus = "REJECTED"
	OrderPending  OrderStatus = "PENDING"
)

// OrderRequest намерение выставить ордер
type OrderRequest struct {
	Symbol        Symbol
	Side          OrderSide
	Quantity      decimal.Decimal
	Type          OrderType
	ClientOrderID string
	ReduceOnly    bool
}

// CloseRequest запрос на закрытие открытой позиции
type CloseRequest struct {
	Symbol        Symbol
	Side          Side
	Quantity      decimal.Decimal
	ClientOrderID string
}

// OrderResult ответ исполнителя
type OrderResult struct {
	OrderID       string
	ClientOrderID string
	Status        OrderStatus
	FillPrice     decimal.Decimal
	FillQuantity  decimal.Decimal
	Reason        string
}

// Terminal true, если ордер больше не изменится
func (r OrderResult) Terminal() bool { return r.Status != OrderPending }

// OrderRef ссылка на выставленный ордер для опроса и отмены.
// ClientOrderID есть всегда, OrderID только после ответа биржи.
type OrderRef struct {
	Symbol        Symbol
	OrderID       string
	ClientOrderID string
}

// EquitySample снимок капитала на границе тика
type EquitySample struct {
	Timestamp time.Time       `json:"timestamp"`
	Equity    decimal.Decimal `json:"equity"`
}

// Stage стадия обработки символа внутри тика
type Stage string

const (
	StageFetching   Stage = "FETCHING"
	StageEvaluating Stage = "EVALUATING"
	StageSizing     Stage = "SIZING"
	StageExecuting  Stage = "EXECUTING"
	StageSettling   Stage = "SETTLING"
)

// Outcome итог обработки символа
type Outcome string

const (
	OutcomeHold     Outcome = "hold"
	OutcomeOpened   Outcome = "opened"
	OutcomeClosed   Outcome = "closed"
	OutcomeRejected Outcome = "rejected"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeFailed   Outcome = "failed"
)

// Decision журнальная запись решения по символу
type Decision struct {
	Tick          time.Time       `json:"tick"`
	Symbol        string          `json:"symbol"`
	Stage         Stage           `json:"stage"`
	Signal        Action          `json:"signal"`
	Outcome       Outcome         `json:"outcome"`
	Reason        string          `json:"reason,omitempty"`
	ReservationID string          `json:"reservation_id,omitempty"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	Error         string          `json:"error,omitempty"`
}

// ClosedTrade закрытая позиция с реализованным результатом
type ClosedTrade struct {
	Position    Position        `json:"position"`
	ExitPrice   decimal.Decimal `json:"exit_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	ClosedAt    time.Time       `json:"closed_at"`
}
