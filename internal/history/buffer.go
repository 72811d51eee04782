package history

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/skalibog/macross/pkg/models"
)

var (
	// ErrOutOfOrderData бар не новее последнего сохраненного
	ErrOutOfOrderData = errors.New("бар вне порядка")
	// ErrInsufficientHistory недостаточно баров для периода. Означает "еще не готово".
	ErrInsufficientHistory = errors.New("недостаточно истории")
	// ErrInvalidBar отрицательная цена или пустая метка времени
	ErrInvalidBar = errors.New("некорректный бар")
)

// Buffer кольцевой буфер цен закрытия одного символа.
// Метки времени строго возрастают, длина не превышает bound.
// Не потокобезопасен: каждым буфером владеет задача своего символа.
type Buffer struct {
	bars   []models.PriceBar
	size   int
	index  int
	filled bool
}

// NewBuffer создает буфер на bound баров
func NewBuffer(bound int) *Buffer {
	if bound < 1 {
		bound = 1
	}
	return &Buffer{
		bars: make([]models.PriceBar, bound),
		size: bound,
	}
}

// Bound максимальная длина буфера
func (b *Buffer) Bound() int { return b.size }

// Len количество сохраненных баров
func (b *Buffer) Len() int {
	if b.filled {
		return b.size
	}
	return b.index
}

// Append добавляет бар, вытесняя самый старый при переполнении
func (b *Buffer) Append(bar models.PriceBar) error {
	if bar.Timestamp.IsZero() || bar.Close.IsNegative() {
		return fmt.Errorf("%w: ts=%s close=%s", ErrInvalidBar, bar.Timestamp, bar.Close)
	}
	if last, ok := b.Last(); ok && !bar.Timestamp.After(last.Timestamp) {
		return fmt.Errorf("%w: %s не позже %s", ErrOutOfOrderData, bar.Timestamp, last.Timestamp)
	}

	b.bars[b.index] = bar
	b.index = (b.index + 1) % b.size
	if b.index == 0 {
		b.filled = true
	}
	return nil
}

// Last самый новый бар
func (b *Buffer) Last() (models.PriceBar, bool) {
	if b.Len() == 0 {
		return models.PriceBar{}, false
	}
	i := (b.index - 1 + b.size) % b.size
	return b.bars[i], true
}

// Bars бары от старого к новому
func (b *Buffer) Bars() []models.PriceBar {
	length := b.Len()
	result := make([]models.PriceBar, 0, length)
	if length == 0 {
		return result
	}
	if b.filled {
		result = append(result, b.bars[b.index:]...)
	}
	result = append(result, b.bars[:b.index]...)
	return result
}

// Closes цены закрытия от старой к новой во float64 для индикаторов
func (b *Buffer) Closes() []float64 {
	bars := b.Bars()
	closes := make([]float64, len(bars))
	for i, bar := range bars {
		closes[i] = bar.Close.InexactFloat64()
	}
	return closes
}

// Average среднее арифметическое последних period цен закрытия
func (b *Buffer) Average(period int) (decimal.Decimal, error) {
	if period <= 0 {
		return decimal.Zero, fmt.Errorf("период должен быть положительным: %d", period)
	}
	if b.Len() < period {
		return decimal.Zero, fmt.Errorf("%w: нужно %d, есть %d", ErrInsufficientHistory, period, b.Len())
	}

	sum := decimal.Zero
	for i := 1; i <= period; i++ {
		sum = sum.Add(b.bars[(b.index-i+b.size)%b.size].Close)
	}
	return sum.Div(decimal.NewFromInt(int64(period))), nil
}
