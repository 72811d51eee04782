package models

import "strings"

// Котируемые валюты для разбора символов без разделителя
var quoteCurrencies = []string{"USDT", "USDC", "BUSD", "USD", "BTC", "ETH", "BNB"}

const defaultQuote = "USDT"

// Symbol торгуемый инструмент. Неизменяем после загрузки конфигурации.
type Symbol struct {
	Name              string
	Base              string
	Quote             string
	Market            MarketKind
	Leverage          int
	MarginMode        MarginMode
	QuantityPrecision int32
}

// NewSymbol нормализует имя и заполняет значения по умолчанию
func NewSymbol(raw string, market MarketKind, leverage int, mode MarginMode, precision int32) Symbol {
	base, quote := SplitSymbol(raw)
	s := Symbol{
		Name:              base + "/" + quote,
		Base:              base,
		Quote:             quote,
		Market:            market,
		Leverage:          leverage,
		MarginMode:        mode,
		QuantityPrecision: precision,
	}
	if s.Market == "" {
		s.Market = MarketSpot
	}
	if s.Market == MarketSpot {
		s.Leverage = 1
		s.MarginMode = ""
	}
	return s
}

func (s Symbol) String() string { return s.Name }

// IsFutures true для фьючерсного символа
func (s Symbol) IsFutures() bool { return s.Market == MarketFutures }

// EffectiveLeverage плечо, на которое умножается номинал
func (s Symbol) EffectiveLeverage() int {
	if !s.IsFutures() || s.Leverage < 1 {
		return 1
	}
	return s.Leverage
}

// Compact имя без разделителя, формат Binance (BTCUSDT)
func (s Symbol) Compact() string { return s.Base + s.Quote }

// NormalizeSymbol приводит BTCUSDT, BTC-USDT, BTC:USDT к виду BTC/USDT
func NormalizeSymbol(raw string) string {
	base, quote := SplitSymbol(raw)
	if base == "" {
		return ""
	}
	return base + "/" + quote
}

// SplitSymbol разбирает символ на базовую и котируемую валюты
func SplitSymbol(raw string) (base, quote string) {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	if raw == "" {
		return "", ""
	}
	for _, sep := range []string{"/", ":", "-"} {
		if i := strings.Index(raw, sep); i >= 0 {
			base, quote = raw[:i], raw[i+1:]
			// BTC/USDT:USDT у бессрочных контрактов
			if j := strings.IndexAny(quote, "/:-"); j >= 0 {
				quote = quote[:j]
			}
			if quote == "" {
				quote = defaultQuote
			}
			return base, quote
		}
	}
	for _, q := range quoteCurrencies {
		if strings.HasSuffix(raw, q) && len(raw) > len(q) {
			return raw[:len(raw)-len(q)], q
		}
	}
	return raw, defaultQuote
}
