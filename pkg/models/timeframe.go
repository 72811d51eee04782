package models

import (
	"fmt"
	"strconv"
	"time"
)

// Единицы таймфрейма свечей
const (
	UnitMinute = "m"
	UnitHour   = "h"
	UnitDay    = "d"
	UnitWeek   = "w"
)

// Timeframe разобранный таймфрейм свечей, например 15m или 4h
type Timeframe struct {
	N    int
	Unit string
}

// ParseTimeframe разбирает строку вида <число><m|h|d|w>
func ParseTimeframe(raw string) (Timeframe, error) {
	if len(raw) < 2 {
		return Timeframe{}, fmt.Errorf("некорректный таймфрейм %q", raw)
	}
	unit := raw[len(raw)-1:]
	switch unit {
	case UnitMinute, UnitHour, UnitDay, UnitWeek:
	default:
		return Timeframe{}, fmt.Errorf("неизвестная единица таймфрейма %q", raw)
	}
	n, err := strconv.Atoi(raw[:len(raw)-1])
	if err != nil || n <= 0 {
		return Timeframe{}, fmt.Errorf("некорректный таймфрейм %q", raw)
	}
	return Timeframe{N: n, Unit: unit}, nil
}

// Duration длительность одной свечи
func (t Timeframe) Duration() time.Duration {
	var unit time.Duration
	switch t.Unit {
	case UnitMinute:
		unit = time.Minute
	case UnitHour:
		unit = time.Hour
	case UnitDay:
		unit = 24 * time.Hour
	case UnitWeek:
		unit = 7 * 24 * time.Hour
	}
	return time.Duration(t.N) * unit
}

func (t Timeframe) String() string { return strconv.Itoa(t.N) + t.Unit }
