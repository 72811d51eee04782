package strategy

import (
	"time"

	"github.com/skalibog/macross/pkg/models"
)

// BiasedCrossover асимметричная стратегия: пара buy решает только вход,
// пара sell только выход. Пары не делят ни средние, ни память.
type BiasedCrossover struct {
	buy  pair
	sell pair
}

var _ Strategy = (*BiasedCrossover)(nil)

// NewBiasedCrossover создает асимметричную стратегию
func NewBiasedCrossover(buyShort, buyLong, sellShort, sellLong int, maType MAType) (*BiasedCrossover, error) {
	avg, err := averagerFor(maType)
	if err != nil {
		return nil, err
	}
	return &BiasedCrossover{
		buy:  pair{name: "buy", short: buyShort, long: buyLong, avg: avg, mem: newMemory()},
		sell: pair{name: "sell", short: sellShort, long: sellLong, avg: avg, mem: newMemory()},
	}, nil
}

func (b *BiasedCrossover) Name() string { return TypeBiasedCrossover }

func (b *BiasedCrossover) Lookback() int {
	return max(b.buy.short, b.buy.long, b.sell.short, b.sell.long)
}

// Evaluate проверяет обе пары на каждом тике, чтобы память каждой оставалась актуальной.
// Сигналы появляются только когда готовы обе пары: без готовой пары sell позицию нечем закрыть.
// Если обе сработали одновременно, побеждает BUY.
func (b *BiasedCrossover) Evaluate(symbol string, s Series, now time.Time) models.Signal {
	up, upReason := evaluatePair(b.buy, symbol, s)
	down, downReason := evaluatePair(b.sell, symbol, s)

	switch {
	case !up.ready && !down.ready:
		return models.Hold(symbol, now, upReason+"; "+downReason)
	case !up.ready:
		return models.Hold(symbol, now, upReason)
	case !down.ready:
		return models.Hold(symbol, now, downReason)
	}

	if up.up {
		return models.Signal{Symbol: symbol, Action: models.ActionBuy, Timestamp: now, Reason: describe(b.buy, up, "вверх")}
	}
	if down.down {
		return models.Signal{Symbol: symbol, Action: models.ActionSell, Timestamp: now, Reason: describe(b.sell, down, "вниз")}
	}
	return models.Hold(symbol, now, "нет пересечения")
}
