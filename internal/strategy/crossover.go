package strategy

import (
	"time"

	"github.com/skalibog/macross/pkg/models"
)

// Crossover симметричная стратегия: одна пара средних для входа и выхода
type Crossover struct {
	pair pair
}

var _ Strategy = (*Crossover)(nil)

// NewCrossover создает симметричную стратегию
func NewCrossover(short, long int, maType MAType) (*Crossover, error) {
	avg, err := averagerFor(maType)
	if err != nil {
		return nil, err
	}
	return &Crossover{pair: pair{name: "ma", short: short, long: long, avg: avg, mem: newMemory()}}, nil
}

func (c *Crossover) Name() string { return TypeCrossover }

func (c *Crossover) Lookback() int { return max(c.pair.short, c.pair.long) }

// Evaluate BUY на пересечении вверх, SELL на пересечении вниз
func (c *Crossover) Evaluate(symbol string, s Series, now time.Time) models.Signal {
	x, reason := evaluatePair(c.pair, symbol, s)
	switch {
	case !x.ready:
		return models.Hold(symbol, now, reason)
	case x.up:
		return models.Signal{Symbol: symbol, Action: models.ActionBuy, Timestamp: now, Reason: describe(c.pair, x, "вверх")}
	case x.down:
		return models.Signal{Symbol: symbol, Action: models.ActionSell, Timestamp: now, Reason: describe(c.pair, x, "вниз")}
	default:
		return models.Hold(symbol, now, "нет пересечения")
	}
}
