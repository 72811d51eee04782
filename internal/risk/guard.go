package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/skalibog/macross/pkg/models"
)

// GuardState состояние предохранителя просадки.
// Переход HALTED -> RUNNING возможен только через Reset.
type GuardState int

const (
	Running GuardState = iota
	Halted
)

func (s GuardState) String() string {
	if s == Halted {
		return "HALTED"
	}
	return "RUNNING"
}

// RiskState снимок состояния предохранителя
type RiskState struct {
	State     GuardState      `json:"state"`
	Peak      decimal.Decimal `json:"peak"`
	Drawdown  decimal.Decimal `json:"drawdown"`
	Last      decimal.Decimal `json:"last"`
	LastCheck time.Time       `json:"last_check"`
	HaltedAt  time.Time       `json:"halted_at"`
}

// Halted true если торговля остановлена
func (s RiskState) Halted() bool { return s.State == Halted }

// DrawdownGuard следит за пиком капитала и текущей просадкой.
// Не потокобезопасен: им владеет одна горутина.
type DrawdownGuard struct {
	maxDrawdown decimal.Decimal
	interval    time.Duration
	retention   int

	history   []models.EquitySample
	peak      decimal.Decimal
	drawdown  decimal.Decimal
	state     GuardState
	lastCheck time.Time
	haltedAt  time.Time
}

// NewDrawdownGuard создает предохранитель. maxDrawdown 0 отключает остановку.
func NewDrawdownGuard(maxDrawdown float64, interval time.Duration, retention int) *DrawdownGuard {
	if retention < 1 {
		retention = 1
	}
	return &DrawdownGuard{
		maxDrawdown: decimal.NewFromFloat(maxDrawdown),
		interval:    interval,
		retention:   retention,
	}
}

// Record добавляет снимок капитала и пересчитывает пик и просадку
func (g *DrawdownGuard) Record(sample models.EquitySample) {
	g.history = append(g.history, sample)
	if len(g.history) > g.retention {
		// пик хранится отдельно, обрезка истории его не теряет
		g.history = append(g.history[:0], g.history[len(g.history)-g.retention:]...)
	}

	if sample.Equity.GreaterThan(g.peak) {
		g.peak = sample.Equity
	}
	g.drawdown = drawdown(g.peak, sample.Equity)
}

func drawdown(peak, equity decimal.Decimal) decimal.Decimal {
	if !peak.IsPositive() || equity.GreaterThanOrEqual(peak) {
		return decimal.Zero
	}
	return peak.Sub(equity).Div(peak)
}

// CheckAndMaybeHalt проверяет просадку не чаще интервала.
// Возвращает true только на том вызове, который перевел предохранитель в HALTED.
func (g *DrawdownGuard) CheckAndMaybeHalt(now time.Time) bool {
	if !g.lastCheck.IsZero() && now.Sub(g.lastCheck) < g.interval {
		return false
	}
	g.lastCheck = now

	if g.state == Halted || !g.maxDrawdown.IsPositive() {
		return false
	}
	if g.drawdown.GreaterThan(g.maxDrawdown) {
		g.state = Halted
		g.haltedAt = now
		return true
	}
	return false
}

// Halted true если предохранитель сработал
func (g *DrawdownGuard) Halted() bool { return g.state == Halted }

// Reset ручное снятие остановки оператором. Пик сбрасывается на последний снимок,
// иначе старая просадка немедленно остановит торговлю снова.
func (g *DrawdownGuard) Reset() {
	g.state = Running
	g.haltedAt = time.Time{}
	if n := len(g.history); n > 0 {
		g.peak = g.history[n-1].Equity
	}
	g.drawdown = decimal.Zero
}

// State снимок состояния
func (g *DrawdownGuard) State() RiskState {
	s := RiskState{
		State:     g.state,
		Peak:      g.peak,
		Drawdown:  g.drawdown,
		LastCheck: g.lastCheck,
		HaltedAt:  g.haltedAt,
	}
	if n := len(g.history); n > 0 {
		s.Last = g.history[n-1].Equity
	}
	return s
}

// Restore восстанавливает состояние из контрольной точки, включая защелку HALTED
func (g *DrawdownGuard) Restore(s RiskState) {
	g.state = s.State
	g.peak = s.Peak
	g.drawdown = s.Drawdown
	g.lastCheck = s.LastCheck
	g.haltedAt = s.HaltedAt
}

// History копия сохраненных снимков
func (g *DrawdownGuard) History() []models.EquitySample {
	out := make([]models.EquitySample, len(g.history))
	copy(out, g.history)
	return out
}
