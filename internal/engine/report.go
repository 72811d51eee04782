package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"github.com/skalibog/macross/pkg/models"
)

// SymbolReport итог обработки одного символа за тик
type SymbolReport struct {
	Symbol        string
	Stage         models.Stage
	Signal        models.Action
	Outcome       models.Outcome
	Reason        string
	ReservationID string
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	Err           error
}

// Decision запись для журнала
func (r SymbolReport) Decision(tick time.Time) models.Decision {
	d := models.Decision{
		Tick:          tick,
		Symbol:        r.Symbol,
		Stage:         r.Stage,
		Signal:        r.Signal,
		Outcome:       r.Outcome,
		Reason:        r.Reason,
		ReservationID: r.ReservationID,
		Price:         r.Price,
		Quantity:      r.Quantity,
	}
	if r.Err != nil {
		d.Error = r.Err.Error()
	}
	return d
}

func (r *SymbolReport) hold(reason string) {
	r.Outcome = models.OutcomeHold
	r.Reason = reason
}

func (r *SymbolReport) fail(err error) {
	r.Outcome = models.OutcomeFailed
	r.Err = err
}

// TickReport итог тика
type TickReport struct {
	Tick time.Time
	// Skipped повтор раньше половины интервала после предыдущего тика
	Skipped bool
	Symbols []SymbolReport

	Equity          decimal.Decimal
	EquityEstimated bool
	Drawdown        decimal.Decimal
	Halted          bool
	NewlyHalted     bool
	OpenPositions   int
	Duration        time.Duration
}

// Err ошибки символов, собранные в одну
func (r *TickReport) Err() error {
	var errs error
	for _, s := range r.Symbols {
		if s.Err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", s.Symbol, s.Err))
		}
	}
	return errs
}

// Count число символов с данным исходом
func (r *TickReport) Count(outcome models.Outcome) int {
	n := 0
	for _, s := range r.Symbols {
		if s.Outcome == outcome {
			n++
		}
	}
	return n
}

// PositionStatus открытая позиция с текущими показателями
type PositionStatus struct {
	models.Position
	ProfitPct   decimal.Decimal `json:"profit_pct"`
	DrawdownPct decimal.Decimal `json:"drawdown_pct"`
}

// Status снимок состояния для оператора
type Status struct {
	Halted        bool             `json:"halted"`
	State         string           `json:"state"`
	HaltedAt      time.Time        `json:"halted_at,omitempty"`
	OpenPositions []PositionStatus `json:"open_positions"`
	Pending       int              `json:"pending"`
	LastDrawdown  decimal.Decimal  `json:"last_drawdown"`
	Peak          decimal.Decimal  `json:"peak"`
	LastEquity    decimal.Decimal  `json:"last_equity"`
	RealizedPnL   decimal.Decimal  `json:"realized_pnl"`
	LastTick      time.Time        `json:"last_tick"`
}
