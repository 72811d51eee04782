package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestNormalizeSymbol(t *testing.T) {
	cases := map[string]string{
		"BTC/USDT":      "BTC/USDT",
		"BTCUSDT":       "BTC/USDT",
		"btc-usdt":      "BTC/USDT",
		"BTC:USDT":      "BTC/USDT",
		"ETH/USDT:USDT": "ETH/USDT",
		"ETHBTC":        "ETH/BTC",
		"SOL":           "SOL/USDT",
		"":              "",
	}
	for in, want := range cases {
		if got := NormalizeSymbol(in); got != want {
			t.Fatalf("NormalizeSymbol(%q) = %q, ожидалось %q", in, got, want)
		}
	}
}

func TestNewSymbolSpotIgnoresLeverage(t *testing.T) {
	s := NewSymbol("BTCUSDT", MarketSpot, 10, MarginIsolated, 4)
	if s.EffectiveLeverage() != 1 || s.MarginMode != "" {
		t.Fatalf("спот символ не должен иметь плечо: %+v", s)
	}
	if s.Compact() != "BTCUSDT" || s.Name != "BTC/USDT" {
		t.Fatalf("неожиданные имена: %+v", s)
	}

	f := NewSymbol("ETH/USDT", MarketFutures, 5, MarginCross, 3)
	if f.EffectiveLeverage() != 5 || !f.IsFutures() {
		t.Fatalf("неожиданный фьючерс: %+v", f)
	}
}

func TestPositionPnLAndValue(t *testing.T) {
	long := Position{
		Side:       SideLong,
		EntryPrice: decimal.NewFromInt(100),
		Quantity:   decimal.NewFromInt(2),
		Margin:     decimal.NewFromInt(40),
	}
	if got := long.PnL(decimal.NewFromInt(110)); !got.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("PnL long = %s", got)
	}
	if got := long.Value(decimal.NewFromInt(90)); !got.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("Value long = %s", got)
	}

	short := long
	short.Side = SideShort
	if got := short.PnL(decimal.NewFromInt(90)); !got.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("PnL short = %s", got)
	}
	if got := short.AdverseMove(decimal.NewFromInt(105)); !got.Equal(decimal.RequireFromString("0.05")) {
		t.Fatalf("AdverseMove short = %s", got)
	}
}

func TestPositionMarkTracksExtremes(t *testing.T) {
	p := Position{Side: SideLong}
	for _, px := range []int64{100, 120, 90, 108} {
		p.Mark(decimal.NewFromInt(px))
	}
	if !p.MaxPrice.Equal(decimal.NewFromInt(120)) || !p.MinPrice.Equal(decimal.NewFromInt(90)) {
		t.Fatalf("экстремумы: max=%s min=%s", p.MaxPrice, p.MinPrice)
	}
	if got := p.DrawdownPct(); !got.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("DrawdownPct = %s", got)
	}
}

func TestParseTimeframe(t *testing.T) {
	cases := map[string]time.Duration{
		"1m":  time.Minute,
		"15m": 15 * time.Minute,
		"4h":  4 * time.Hour,
		"1d":  24 * time.Hour,
		"1w":  7 * 24 * time.Hour,
	}
	for raw, want := range cases {
		tf, err := ParseTimeframe(raw)
		if err != nil {
			t.Fatalf("ParseTimeframe(%q): %v", raw, err)
		}
		if tf.Duration() != want || tf.String() != raw {
			t.Fatalf("ParseTimeframe(%q) = %s (%s), ожидалось %s", raw, tf, tf.Duration(), want)
		}
	}

	for _, raw := range []string{"", "m", "0m", "-5m", "5x", "1.5h", "h1"} {
		if _, err := ParseTimeframe(raw); err == nil {
			t.Fatalf("ParseTimeframe(%q): ожидалась ошибка", raw)
		}
	}
}
