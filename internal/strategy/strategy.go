package strategy

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/skalibog/macross/internal/config"
	"github.com/skalibog/macross/internal/history"
	"github.com/skalibog/macross/pkg/models"
)

// Типы стратегий из конфигурации
const (
	TypeCrossover       = "ma_crossover"
	TypeBiasedCrossover = "biased_ma_crossover"
)

// Strategy генератор сигналов. Единственное состояние реализаций это память
// о предыдущем положении средних по каждому символу.
type Strategy interface {
	Name() string
	// Lookback максимальный период, определяет размер буфера цен
	Lookback() int
	Evaluate(symbol string, s Series, now time.Time) models.Signal
}

// New строит стратегию по типу из конфигурации. Вызывается один раз при старте.
func New(cfg config.StrategyConfig) (Strategy, error) {
	p := cfg.Params
	maType := MAType(cfg.MAType)
	switch cfg.Type {
	case TypeCrossover:
		s, err := NewCrossover(p.ShortPeriod, p.LongPeriod, maType)
		if err != nil {
			return nil, err
		}
		return s, nil
	case TypeBiasedCrossover:
		s, err := NewBiasedCrossover(p.BuyShortPeriod, p.BuyLongPeriod, p.SellShortPeriod, p.SellLongPeriod, maType)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("неизвестный тип стратегии: %q", cfg.Type)
	}
}

// relation положение короткой средней относительно длинной
type relation int8

const (
	below relation = -1
	equal relation = 0
	above relation = 1
)

func relate(short, long decimal.Decimal) relation {
	switch short.Cmp(long) {
	case 1:
		return above
	case -1:
		return below
	default:
		return equal
	}
}

// memory предыдущие положения пар средних по символам
type memory struct {
	mu   sync.Mutex
	prev map[string]relation
}

func newMemory() *memory {
	return &memory{prev: make(map[string]relation)}
}

// swap сохраняет текущее положение и возвращает предыдущее
func (m *memory) swap(key string, cur relation) (relation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.prev[key]
	m.prev[key] = cur
	return prev, ok
}

// pair пара средних с собственной памятью пересечений
type pair struct {
	name  string
	short int
	long  int
	avg   averager
	mem   *memory
}

// crossing результат проверки пары на одном тике
type crossing struct {
	ready bool
	up    bool
	down  bool
	short decimal.Decimal
	long  decimal.Decimal
}

func (p pair) check(symbol string, s Series) (crossing, error) {
	short, err := p.avg(s, p.short)
	if err != nil {
		return crossing{}, err
	}
	long, err := p.avg(s, p.long)
	if err != nil {
		return crossing{}, err
	}

	cur := relate(short, long)
	prev, seen := p.mem.swap(symbol+"|"+p.name, cur)
	c := crossing{ready: true, short: short, long: long}
	if !seen {
		// первый готовый тик только запоминает положение
		return c, nil
	}
	c.up = prev != above && cur == above
	c.down = prev != below && cur == below
	return c, nil
}

// evaluatePair прячет ошибку прогрева за неготовым результатом
func evaluatePair(p pair, symbol string, s Series) (crossing, string) {
	c, err := p.check(symbol, s)
	if err != nil {
		if errors.Is(err, history.ErrInsufficientHistory) {
			return crossing{}, fmt.Sprintf("%s: прогрев", p.name)
		}
		return crossing{}, fmt.Sprintf("%s: %v", p.name, err)
	}
	return c, ""
}

func describe(p pair, c crossing, dir string) string {
	return fmt.Sprintf("%s: ma(%d)=%s пересекла ma(%d)=%s %s",
		p.name, p.short, c.short.StringFixed(8), p.long, c.long.StringFixed(8), dir)
}
