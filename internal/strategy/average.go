package strategy

import (
	"fmt"

	"github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"

	"github.com/skalibog/macross/internal/history"
)

// MAType вид скользящей средней
type MAType string

const (
	MATypeSMA MAType = "sma"
	MATypeEMA MAType = "ema"
)

// Series источник цен, из которого считаются средние
type Series interface {
	Len() int
	Average(period int) (decimal.Decimal, error)
	Closes() []float64
}

var _ Series = (*history.Buffer)(nil)

type averager func(s Series, period int) (decimal.Decimal, error)

func averagerFor(t MAType) (averager, error) {
	switch t {
	case "", MATypeSMA:
		return simpleAverage, nil
	case MATypeEMA:
		return exponentialAverage, nil
	default:
		return nil, fmt.Errorf("неизвестный тип средней: %q", t)
	}
}

func simpleAverage(s Series, period int) (decimal.Decimal, error) {
	return s.Average(period)
}

// exponentialAverage EMA по всем буферизованным ценам через talib
func exponentialAverage(s Series, period int) (decimal.Decimal, error) {
	if period <= 0 {
		return decimal.Zero, fmt.Errorf("период должен быть положительным: %d", period)
	}
	if s.Len() < period {
		return decimal.Zero, fmt.Errorf("%w: нужно %d, есть %d", history.ErrInsufficientHistory, period, s.Len())
	}
	closes := s.Closes()
	if period == 1 {
		return decimal.NewFromFloat(closes[len(closes)-1]), nil
	}
	ema := talib.Ema(closes, period)
	return decimal.NewFromFloat(ema[len(ema)-1]), nil
}
