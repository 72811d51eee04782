package risk

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/skalibog/macross/internal/config"
	"github.com/skalibog/macross/pkg/models"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func sample(i int, equity float64) models.EquitySample {
	return models.EquitySample{Timestamp: t0.Add(time.Duration(i) * time.Minute), Equity: d(equity)}
}

func TestGuardLatchesHaltOnBreach(t *testing.T) {
	g := NewDrawdownGuard(0.02, 0, 100)
	var halted bool
	for i, eq := range []float64{100, 120, 110, 90} {
		g.Record(sample(i, eq))
		if g.CheckAndMaybeHalt(t0.Add(time.Duration(i) * time.Minute)) {
			halted = true
		}
	}
	if !halted || !g.Halted() {
		t.Fatalf("ожидалась остановка после 90")
	}
	if got := g.State().Drawdown; !got.Equal(d(0.25)) {
		t.Fatalf("просадка = %s, ожидалось 0.25", got)
	}

	for i, eq := range []float64{120, 130, 200} {
		g.Record(sample(10+i, eq))
		if g.CheckAndMaybeHalt(t0.Add(time.Duration(10+i) * time.Minute)) {
			t.Fatalf("повторный переход в HALTED")
		}
	}
	if !g.Halted() {
		t.Fatalf("восстановление капитала сняло остановку")
	}
}

func TestGuardHonoursCheckInterval(t *testing.T) {
	g := NewDrawdownGuard(0.1, 5*time.Minute, 100)
	g.Record(sample(0, 100))
	if g.CheckAndMaybeHalt(t0) {
		t.Fatalf("остановка без просадки")
	}

	g.Record(sample(1, 50))
	if g.CheckAndMaybeHalt(t0.Add(time.Minute)) {
		t.Fatalf("проверка выполнена раньше интервала")
	}
	if g.Halted() {
		t.Fatalf("остановка раньше интервала")
	}
	if !g.CheckAndMaybeHalt(t0.Add(5 * time.Minute)) {
		t.Fatalf("ожидалась остановка на наступившей проверке")
	}
}

func TestGuardDrawdownZeroCases(t *testing.T) {
	g := NewDrawdownGuard(0.5, 0, 10)
	g.Record(sample(0, 0))
	if !g.State().Drawdown.IsZero() {
		t.Fatalf("при нулевом пике просадка должна быть 0")
	}
	g.Record(sample(1, 100))
	g.Record(sample(2, 150))
	if !g.State().Drawdown.IsZero() || !g.State().Peak.Equal(d(150)) {
		t.Fatalf("новый пик: %+v", g.State())
	}
}

func TestGuardDisabledNeverHalts(t *testing.T) {
	g := NewDrawdownGuard(0, 0, 10)
	g.Record(sample(0, 100))
	g.Record(sample(1, 1))
	if g.CheckAndMaybeHalt(t0) || g.Halted() {
		t.Fatalf("выключенный предохранитель остановил торговлю")
	}
}

func TestGuardRetentionKeepsPeak(t *testing.T) {
	g := NewDrawdownGuard(0.3, 0, 3)
	for i, eq := range []float64{1000, 900, 800, 700, 600} {
		g.Record(sample(i, eq))
	}
	if n := len(g.History()); n != 3 {
		t.Fatalf("история не обрезана: %d", n)
	}
	if !g.State().Peak.Equal(d(1000)) {
		t.Fatalf("пик потерян при обрезке: %s", g.State().Peak)
	}
	if !g.CheckAndMaybeHalt(t0) {
		t.Fatalf("ожидалась остановка при просадке %s", g.State().Drawdown)
	}
}

func TestGuardResetAndRestore(t *testing.T) {
	g := NewDrawdownGuard(0.1, 0, 10)
	g.Record(sample(0, 100))
	g.Record(sample(1, 50))
	g.CheckAndMaybeHalt(t0)
	snapshot := g.State()

	g.Reset()
	if g.Halted() || !g.State().Peak.Equal(d(50)) {
		t.Fatalf("Reset: %+v", g.State())
	}

	restored := NewDrawdownGuard(0.1, 0, 10)
	restored.Restore(snapshot)
	if !restored.Halted() || !restored.State().Peak.Equal(d(100)) {
		t.Fatalf("Restore потерял защелку: %+v", restored.State())
	}
}

func spot() models.Symbol {
	return models.NewSymbol("BTC/USDT", models.MarketSpot, 0, "", 6)
}

func futures(lev int) models.Symbol {
	return models.NewSymbol("ETH/USDT", models.MarketFutures, lev, models.MarginIsolated, 6)
}

func TestEqualDivisionFollowsBalance(t *testing.T) {
	s := NewPositionSizer(config.RiskConfig{Sizing: config.SizingEqual, MaxOpenTrades: 5})
	price, minNotional := d(100), d(5)

	for _, sym := range []models.Symbol{spot(), models.NewSymbol("SOLUSDT", models.MarketSpot, 0, "", 6)} {
		size, err := s.Size(sym, price, d(1000), minNotional)
		if err != nil {
			t.Fatalf("Size: %v", err)
		}
		if !size.Budget.Equal(d(200)) || !size.Quantity.Equal(d(2)) {
			t.Fatalf("%s: бюджет %s, количество %s", sym, size.Budget, size.Quantity)
		}
	}

	size, err := s.Size(spot(), price, d(900), minNotional)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if !size.Budget.Equal(d(180)) {
		t.Fatalf("бюджет при балансе 900 = %s, ожидалось 180", size.Budget)
	}
}

func TestFractionalIsClampedToMaxSize(t *testing.T) {
	s := NewPositionSizer(config.RiskConfig{Sizing: config.SizingFractional, BaseSize: 0.5, MaxSize: 0.2})
	size, err := s.Size(spot(), d(10), d(1000), d(5))
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if !size.Margin.Equal(d(200)) || !size.Notional.Equal(d(200)) {
		t.Fatalf("маржа %s номинал %s", size.Margin, size.Notional)
	}
}

func TestFuturesLeverageScalesNotionalNotMargin(t *testing.T) {
	s := NewPositionSizer(config.RiskConfig{Sizing: config.SizingFractional, BaseSize: 0.5, MaxSize: 0.2})
	size, err := s.Size(futures(5), d(100), d(1000), d(5))
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if !size.Margin.Equal(d(200)) || !size.Notional.Equal(d(1000)) || !size.Quantity.Equal(d(10)) {
		t.Fatalf("маржа %s номинал %s количество %s", size.Margin, size.Notional, size.Quantity)
	}
}

func TestRiskPerTradeCapsFuturesMargin(t *testing.T) {
	s := NewPositionSizer(config.RiskConfig{Sizing: config.SizingEqual, MaxOpenTrades: 5, RiskPerTrade: 0.02})
	size, err := s.Size(futures(10), d(100), d(1000), d(5))
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if !size.Margin.Equal(d(20)) || !size.Notional.Equal(d(200)) {
		t.Fatalf("маржа %s номинал %s", size.Margin, size.Notional)
	}

	// на споте risk_per_trade не участвует
	spotSize, err := s.Size(spot(), d(100), d(1000), d(5))
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if !spotSize.Margin.Equal(d(200)) {
		t.Fatalf("спот маржа %s", spotSize.Margin)
	}
}

func TestBelowMinNotionalIsInsufficientBalance(t *testing.T) {
	s := NewPositionSizer(config.RiskConfig{Sizing: config.SizingEqual, MaxOpenTrades: 5})
	if _, err := s.Size(spot(), d(100), d(10), d(5)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("ожидалась ErrInsufficientBalance, получено %v", err)
	}
	if _, err := s.Size(spot(), d(100), d(0), d(5)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("нулевой баланс: ожидалась ErrInsufficientBalance, получено %v", err)
	}
}

func TestQuantityIsTruncatedToPrecision(t *testing.T) {
	s := NewPositionSizer(config.RiskConfig{Sizing: config.SizingEqual, MaxOpenTrades: 3})
	sym := models.NewSymbol("BTCUSDT", models.MarketSpot, 0, "", 3)
	size, err := s.Size(sym, d(30000), d(1000), d(5))
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if !size.Quantity.Equal(d(0.011)) {
		t.Fatalf("количество %s, ожидалось 0.011", size.Quantity)
	}
	if size.Margin.GreaterThan(size.Budget) {
		t.Fatalf("маржа %s больше бюджета %s", size.Margin, size.Budget)
	}
}
