package position

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/skalibog/macross/pkg/models"
)

var (
	// ErrMaxOpenTradesExceeded открытые позиции и резервы исчерпали лимит
	ErrMaxOpenTradesExceeded = errors.New("превышен лимит открытых сделок")
	// ErrPositionExists по символу уже есть позиция или резерв
	ErrPositionExists = errors.New("по символу уже есть позиция")
	// ErrInsufficientCapital резервы превысили бы доступный баланс
	ErrInsufficientCapital = errors.New("недостаточно свободного капитала")
	// ErrNoPosition по символу нет открытой позиции
	ErrNoPosition = errors.New("нет открытой позиции")
	// ErrInvalidFill исполнение с неположительной ценой или количеством
	ErrInvalidFill = errors.New("некорректное исполнение")
	// ErrInvariantViolation состояние трекера повреждено. Фатально.
	ErrInvariantViolation = errors.New("нарушен инвариант трекера позиций")
)

// ReserveRequest заявка на резерв слота и маржи
type ReserveRequest struct {
	Symbol   string
	Side     models.Side
	Margin   decimal.Decimal
	Leverage int
	At       time.Time
}

// Reservation предварительный захват слота и капитала до подтверждения исполнения
type Reservation struct {
	ID        string
	Symbol    string
	Side      models.Side
	Margin    decimal.Decimal
	Leverage  int
	CreatedAt time.Time
}

// Tracker учет открытых позиций и резервов.
// Каждый Reserve завершается ровно одним Confirm или Release.
// Не потокобезопасен: им владеет одна горутина.
type Tracker struct {
	maxOpen   int
	positions map[string]models.Position
	pending   map[string]Reservation
	newID     func() string
}

// NewTracker создает трекер. maxOpen 0 означает отсутствие лимита.
func NewTracker(maxOpen int) *Tracker {
	return &Tracker{
		maxOpen:   maxOpen,
		positions: make(map[string]models.Position),
		pending:   make(map[string]Reservation),
		newID:     uuid.NewString,
	}
}

// Open количество открытых позиций
func (t *Tracker) Open() int { return len(t.positions) }

// Pending количество неразрешенных резервов
func (t *Tracker) Pending() int { return len(t.pending) }

// ReservedMargin сумма маржи неразрешенных резервов
func (t *Tracker) ReservedMargin() decimal.Decimal {
	sum := decimal.Zero
	for _, r := range t.pending {
		sum = sum.Add(r.Margin)
	}
	return sum
}

// Reserve атомарно проверяет лимит, символ и капитал и создает резерв
func (t *Tracker) Reserve(req ReserveRequest, available decimal.Decimal) (Reservation, error) {
	if t.maxOpen > 0 && t.Open()+t.Pending() >= t.maxOpen {
		return Reservation{}, fmt.Errorf("%w: открыто %d, в резерве %d, лимит %d",
			ErrMaxOpenTradesExceeded, t.Open(), t.Pending(), t.maxOpen)
	}
	if t.busy(req.Symbol) {
		return Reservation{}, fmt.Errorf("%w: %s", ErrPositionExists, req.Symbol)
	}
	if reserved := t.ReservedMargin().Add(req.Margin); reserved.GreaterThan(available) {
		return Reservation{}, fmt.Errorf("%w: резерв %s больше баланса %s",
			ErrInsufficientCapital, reserved.StringFixed(8), available.StringFixed(8))
	}

	r := Reservation{
		ID:        t.newID(),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Margin:    req.Margin,
		Leverage:  max(req.Leverage, 1),
		CreatedAt: req.At,
	}
	t.pending[r.ID] = r
	return r, nil
}

func (t *Tracker) busy(symbol string) bool {
	if _, ok := t.positions[symbol]; ok {
		return true
	}
	for _, r := range t.pending {
		if r.Symbol == symbol {
			return true
		}
	}
	return false
}

// Confirm превращает резерв в позицию по фактическому исполнению
func (t *Tracker) Confirm(id string, fillPrice, fillQty decimal.Decimal, at time.Time) (models.Position, error) {
	r, ok := t.pending[id]
	if !ok {
		return models.Position{}, fmt.Errorf("%w: подтверждение неизвестного резерва %s", ErrInvariantViolation, id)
	}
	if !fillPrice.IsPositive() || !fillQty.IsPositive() {
		return models.Position{}, fmt.Errorf("%w: цена %s количество %s", ErrInvalidFill, fillPrice, fillQty)
	}
	if _, exists := t.positions[r.Symbol]; exists {
		return models.Position{}, fmt.Errorf("%w: позиция %s появилась при открытом резерве", ErrInvariantViolation, r.Symbol)
	}

	p := models.Position{
		Symbol:        r.Symbol,
		Side:          r.Side,
		EntryPrice:    fillPrice,
		Quantity:      fillQty,
		Leverage:      r.Leverage,
		Margin:        fillPrice.Mul(fillQty).Div(decimal.NewFromInt(int64(r.Leverage))),
		OpenedAt:      at,
		ReservationID: r.ID,
	}
	p.Mark(fillPrice)

	delete(t.pending, id)
	t.positions[r.Symbol] = p
	return p, t.check()
}

// Release отменяет резерв, ордер по которому не исполнился
func (t *Tracker) Release(id string) error {
	if _, ok := t.pending[id]; !ok {
		return fmt.Errorf("%w: освобождение неизвестного резерва %s", ErrInvariantViolation, id)
	}
	delete(t.pending, id)
	return nil
}

// Close закрывает позицию и возвращает реализованный результат
func (t *Tracker) Close(symbol string, exitPrice decimal.Decimal, at time.Time) (models.ClosedTrade, error) {
	p, ok := t.positions[symbol]
	if !ok {
		return models.ClosedTrade{}, fmt.Errorf("%w: %s", ErrNoPosition, symbol)
	}
	delete(t.positions, symbol)
	p.Mark(exitPrice)
	return models.ClosedTrade{
		Position:    p,
		ExitPrice:   exitPrice,
		RealizedPnL: p.PnL(exitPrice),
		ClosedAt:    at,
	}, nil
}

// Get позиция по символу
func (t *Tracker) Get(symbol string) (models.Position, bool) {
	p, ok := t.positions[symbol]
	return p, ok
}

// MarkPrice обновляет текущую цену позиции и экстремумы
func (t *Tracker) MarkPrice(symbol string, price decimal.Decimal) {
	if p, ok := t.positions[symbol]; ok {
		p.Mark(price)
		t.positions[symbol] = p
	}
}

// Positions копия открытых позиций, отсортированная по символу
func (t *Tracker) Positions() []models.Position {
	out := make([]models.Position, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Reservations копия неразрешенных резервов
func (t *Tracker) Reservations() []Reservation {
	out := make([]Reservation, 0, len(t.pending))
	for _, r := range t.pending {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore загружает позиции из контрольной точки. Допустим только на пустом трекере.
func (t *Tracker) Restore(positions []models.Position) error {
	if t.Open() != 0 || t.Pending() != 0 {
		return fmt.Errorf("%w: восстановление в непустой трекер", ErrInvariantViolation)
	}
	for _, p := range positions {
		if _, dup := t.positions[p.Symbol]; dup {
			return fmt.Errorf("%w: дубликат позиции %s в контрольной точке", ErrInvariantViolation, p.Symbol)
		}
		t.positions[p.Symbol] = p
	}
	return t.check()
}

// check проверяет инварианты после изменения состояния
func (t *Tracker) check() error {
	if t.maxOpen > 0 && t.Open()+t.Pending() > t.maxOpen {
		return fmt.Errorf("%w: открыто %d, в резерве %d при лимите %d",
			ErrInvariantViolation, t.Open(), t.Pending(), t.maxOpen)
	}
	for sym, p := range t.positions {
		if !p.Quantity.IsPositive() {
			return fmt.Errorf("%w: неположительное количество в позиции %s", ErrInvariantViolation, sym)
		}
	}
	return nil
}
