package strategy

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/skalibog/macross/internal/config"
	"github.com/skalibog/macross/internal/history"
	"github.com/skalibog/macross/pkg/models"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// run прогоняет цены через стратегию и возвращает сигнал каждого тика
func run(t *testing.T, s Strategy, prices []float64) []models.Signal {
	t.Helper()
	buf := history.NewBuffer(s.Lookback())
	signals := make([]models.Signal, 0, len(prices))
	for i, p := range prices {
		ts := t0.Add(time.Duration(i) * time.Minute)
		if err := buf.Append(models.PriceBar{Symbol: "BTC/USDT", Timestamp: ts, Close: decimal.NewFromFloat(p)}); err != nil {
			t.Fatalf("append: %v", err)
		}
		signals = append(signals, s.Evaluate("BTC/USDT", buf, ts))
	}
	return signals
}

// declineThenJump цены падают n-1 тиков, на n-м резкий рост
func declineThenJump(n int) []float64 {
	prices := make([]float64, n)
	for i := 0; i < n-1; i++ {
		prices[i] = 1000 - float64(i)
	}
	prices[n-1] = 5000
	return prices
}

func wave(n int) []float64 {
	prices := make([]float64, n)
	for i := range prices {
		prices[i] = 1000 + 100*math.Sin(float64(i)/15)
	}
	return prices
}

func buyTicks(signals []models.Signal) []int {
	var ticks []int
	for i, s := range signals {
		if s.Action == models.ActionBuy {
			ticks = append(ticks, i)
		}
	}
	return ticks
}

func mustBiased(t *testing.T, bs, bl, ss, sl int) *BiasedCrossover {
	t.Helper()
	s, err := NewBiasedCrossover(bs, bl, ss, sl, MATypeSMA)
	if err != nil {
		t.Fatalf("NewBiasedCrossover: %v", err)
	}
	return s
}

func TestBiasedBuysOnFastPairWhileSlowPairDoesNotCross(t *testing.T) {
	s := mustBiased(t, 10, 30, 50, 200)
	signals := run(t, s, declineThenJump(260))

	last := signals[len(signals)-1]
	if last.Action != models.ActionBuy {
		t.Fatalf("на последнем тике ожидался BUY, получено %s (%s)", last.Action, last.Reason)
	}
	for i, sig := range signals[:len(signals)-1] {
		if sig.Action != models.ActionHold {
			t.Fatalf("тик %d: ожидался HOLD, получено %s (%s)", i, sig.Action, sig.Reason)
		}
	}
}

// warmBuyTicks тики BUY начиная с from, когда прогреты пары sell всех вариантов
func warmBuyTicks(signals []models.Signal, from int) []int {
	var ticks []int
	for _, i := range buyTicks(signals) {
		if i >= from {
			ticks = append(ticks, i)
		}
	}
	return ticks
}

func TestBiasedBuyTimingIndependentOfSellPair(t *testing.T) {
	prices := wave(600)
	reference := warmBuyTicks(run(t, mustBiased(t, 10, 30, 50, 200), prices), 199)
	if len(reference) == 0 {
		t.Fatalf("на волне не было ни одного BUY")
	}

	for _, sell := range [][2]int{{20, 100}, {5, 60}, {3, 40}} {
		got := warmBuyTicks(run(t, mustBiased(t, 10, 30, sell[0], sell[1]), prices), 199)
		if len(got) != len(reference) {
			t.Fatalf("sell=%v: BUY на тиках %v, ожидалось %v", sell, got, reference)
		}
		for i := range got {
			if got[i] != reference[i] {
				t.Fatalf("sell=%v: BUY на тиках %v, ожидалось %v", sell, got, reference)
			}
		}
	}
}

func TestBiasedWarmUpIsHoldWithoutErrors(t *testing.T) {
	s := mustBiased(t, 10, 30, 50, 200)
	signals := run(t, s, declineThenJump(200))
	for i, sig := range signals[:199] {
		if sig.Action != models.ActionHold {
			t.Fatalf("тик %d: ожидался HOLD на прогреве, получено %s", i, sig.Action)
		}
	}
	if signals[199].Action != models.ActionBuy {
		t.Fatalf("тик 200: ожидался BUY, получено %s (%s)", signals[199].Action, signals[199].Reason)
	}
}

func TestBiasedHoldsUntilSellPairIsReady(t *testing.T) {
	s := mustBiased(t, 10, 30, 50, 200)
	// пара buy пересекается вверх на тике 99, пара sell еще греется
	signals := run(t, s, declineThenJump(100))
	last := signals[len(signals)-1]
	if last.Action != models.ActionHold {
		t.Fatalf("ожидался HOLD до прогрева пары sell, получено %s (%s)", last.Action, last.Reason)
	}
	if !strings.Contains(last.Reason, "sell: прогрев") {
		t.Fatalf("неожиданная причина: %q", last.Reason)
	}

	// та же пара buy без ограничения sell сработала бы на этом тике
	fast := mustBiased(t, 10, 30, 20, 40)
	if got := run(t, fast, declineThenJump(100)); got[99].Action != models.ActionBuy {
		t.Fatalf("контроль: ожидался BUY, получено %s (%s)", got[99].Action, got[99].Reason)
	}
}

func TestCrossoverIsEdgeTriggered(t *testing.T) {
	s, err := NewCrossover(5, 20, MATypeSMA)
	if err != nil {
		t.Fatalf("NewCrossover: %v", err)
	}
	signals := run(t, s, wave(400))

	var last models.Action
	buys, sells := 0, 0
	for i, sig := range signals {
		if sig.Action == models.ActionHold {
			continue
		}
		if sig.Action == last {
			t.Fatalf("тик %d: повторный %s без обратного пересечения", i, sig.Action)
		}
		last = sig.Action
		if sig.Action == models.ActionBuy {
			buys++
		} else {
			sells++
		}
	}
	if buys == 0 || sells == 0 {
		t.Fatalf("ожидались и BUY и SELL: buys=%d sells=%d", buys, sells)
	}
}

func TestCrossoverMemoryIsPerSymbol(t *testing.T) {
	s, _ := NewCrossover(2, 4, MATypeSMA)
	a := history.NewBuffer(4)
	b := history.NewBuffer(4)
	prices := []float64{10, 9, 8, 7, 20}
	var lastA, lastB models.Signal
	for i, p := range prices {
		ts := t0.Add(time.Duration(i) * time.Minute)
		_ = a.Append(models.PriceBar{Timestamp: ts, Close: decimal.NewFromFloat(p)})
		lastA = s.Evaluate("A", a, ts)
		if i >= 3 {
			_ = b.Append(models.PriceBar{Timestamp: ts, Close: decimal.NewFromFloat(p)})
			lastB = s.Evaluate("B", b, ts)
		}
	}
	if lastA.Action != models.ActionBuy {
		t.Fatalf("A: ожидался BUY, получено %s", lastA.Action)
	}
	if lastB.Action != models.ActionHold {
		t.Fatalf("B: ожидался HOLD на прогреве, получено %s", lastB.Action)
	}
}

func TestEMAVariantDetectsJump(t *testing.T) {
	s, err := NewBiasedCrossover(10, 30, 50, 200, MATypeEMA)
	if err != nil {
		t.Fatalf("NewBiasedCrossover: %v", err)
	}
	signals := run(t, s, declineThenJump(220))
	if got := signals[len(signals)-1].Action; got != models.ActionBuy {
		t.Fatalf("ожидался BUY, получено %s", got)
	}
}

func TestExponentialAverageOfConstantSeries(t *testing.T) {
	buf := history.NewBuffer(20)
	for i := 0; i < 20; i++ {
		_ = buf.Append(models.PriceBar{Timestamp: t0.Add(time.Duration(i) * time.Second), Close: decimal.NewFromInt(42)})
	}
	got, err := exponentialAverage(buf, 10)
	if err != nil {
		t.Fatalf("ema: %v", err)
	}
	if !got.Equal(decimal.NewFromInt(42)) {
		t.Fatalf("ema = %s, ожидалось 42", got)
	}
}

func TestNewFromConfig(t *testing.T) {
	s, err := New(config.StrategyConfig{
		Type:   TypeBiasedCrossover,
		Params: config.StrategyParams{BuyShortPeriod: 10, BuyLongPeriod: 30, SellShortPeriod: 50, SellLongPeriod: 200},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.Lookback() != 200 || s.Name() != TypeBiasedCrossover {
		t.Fatalf("неожиданная стратегия: %s lookback=%d", s.Name(), s.Lookback())
	}

	if _, err := New(config.StrategyConfig{Type: "rsi"}); err == nil {
		t.Fatalf("ожидалась ошибка для неизвестного типа")
	}
	if _, err := New(config.StrategyConfig{Type: TypeCrossover, MAType: "wma"}); err == nil {
		t.Fatalf("ожидалась ошибка для неизвестной средней")
	}
}
