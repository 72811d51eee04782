package exchange

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/skalibog/macross/internal/config"
	"github.com/skalibog/macross/pkg/models"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

type fakeFeed struct {
	prices map[string]decimal.Decimal
	err    error
}

func (f *fakeFeed) GetLatestBar(_ context.Context, s models.Symbol) (models.PriceBar, error) {
	if f.err != nil {
		return models.PriceBar{}, f.err
	}
	return models.PriceBar{Symbol: s.Name, Timestamp: t0, Close: f.prices[s.Name]}, nil
}

func (f *fakeFeed) GetAccountBalance(context.Context) (decimal.Decimal, error) {
	return decimal.Zero, f.err
}

var (
	btc = models.NewSymbol("BTC/USDT", models.MarketSpot, 0, "", 6)
	eth = models.NewSymbol("ETH/USDT", models.MarketFutures, 5, models.MarginIsolated, 6)
)

func TestPaperOpenAndCloseLong(t *testing.T) {
	ctx := context.Background()
	feed := &fakeFeed{prices: map[string]decimal.Decimal{btc.Name: d(100)}}
	p := NewPaper(feed, d(1000), d(5))

	if _, err := p.GetLatestBar(ctx, btc); err != nil {
		t.Fatalf("GetLatestBar: %v", err)
	}
	res, err := p.PlaceOrder(ctx, models.OrderRequest{Symbol: btc, Side: models.OrderBuy, Quantity: d(2), ClientOrderID: "a"})
	if err != nil || res.Status != models.OrderFilled {
		t.Fatalf("PlaceOrder: %+v %v", res, err)
	}
	if !res.FillPrice.Equal(d(100)) || !res.FillQuantity.Equal(d(2)) {
		t.Fatalf("исполнение %+v", res)
	}
	if bal, _ := p.GetAccountBalance(ctx); !bal.Equal(d(800)) {
		t.Fatalf("баланс после покупки %s", bal)
	}

	feed.prices[btc.Name] = d(110)
	if _, err := p.GetLatestBar(ctx, btc); err != nil {
		t.Fatalf("GetLatestBar: %v", err)
	}
	res, err = p.ClosePosition(ctx, models.CloseRequest{Symbol: btc, Side: models.SideLong, Quantity: d(2), ClientOrderID: "b"})
	if err != nil || res.Status != models.OrderFilled {
		t.Fatalf("ClosePosition: %+v %v", res, err)
	}
	if bal, _ := p.GetAccountBalance(ctx); !bal.Equal(d(1020)) {
		t.Fatalf("баланс после продажи %s, ожидалось 1020", bal)
	}
}

func TestPaperFuturesShortUsesLeverage(t *testing.T) {
	ctx := context.Background()
	feed := &fakeFeed{prices: map[string]decimal.Decimal{eth.Name: d(50)}}
	p := NewPaper(feed, d(1000), d(5))
	_, _ = p.GetLatestBar(ctx, eth)

	res, err := p.PlaceOrder(ctx, models.OrderRequest{Symbol: eth, Side: models.OrderSell, Quantity: d(10), ClientOrderID: "s"})
	if err != nil || res.Status != models.OrderFilled {
		t.Fatalf("PlaceOrder: %+v %v", res, err)
	}
	if bal, _ := p.GetAccountBalance(ctx); !bal.Equal(d(900)) {
		t.Fatalf("маржа шорта списана неверно: баланс %s", bal)
	}

	feed.prices[eth.Name] = d(40)
	_, _ = p.GetLatestBar(ctx, eth)
	res, err = p.PlaceOrder(ctx, models.OrderRequest{Symbol: eth, Side: models.OrderBuy, Quantity: d(10), ClientOrderID: "c", ReduceOnly: true})
	if err != nil || res.Status != models.OrderFilled {
		t.Fatalf("reduce-only закрытие: %+v %v", res, err)
	}
	if bal, _ := p.GetAccountBalance(ctx); !bal.Equal(d(1100)) {
		t.Fatalf("баланс после закрытия шорта %s, ожидалось 1100", bal)
	}
}

func TestPaperRejects(t *testing.T) {
	ctx := context.Background()
	feed := &fakeFeed{prices: map[string]decimal.Decimal{btc.Name: d(100)}}
	p := NewPaper(feed, d(100), d(5))

	res, _ := p.PlaceOrder(ctx, models.OrderRequest{Symbol: btc, Side: models.OrderBuy, Quantity: d(1), ClientOrderID: "x"})
	if res.Status != models.OrderRejected {
		t.Fatalf("ордер без цены должен быть отклонен: %+v", res)
	}

	_, _ = p.GetLatestBar(ctx, btc)
	res, _ = p.PlaceOrder(ctx, models.OrderRequest{Symbol: btc, Side: models.OrderBuy, Quantity: d(5), ClientOrderID: "y"})
	if res.Status != models.OrderRejected || res.Reason == "" {
		t.Fatalf("ордер сверх баланса должен быть отклонен: %+v", res)
	}

	res, _ = p.PlaceOrder(ctx, models.OrderRequest{Symbol: btc, Side: models.OrderSell, Quantity: d(0.1), ClientOrderID: "z"})
	if res.Status != models.OrderRejected {
		t.Fatalf("шорт на споте должен быть отклонен: %+v", res)
	}
}

func TestPaperClientOrderIDIsIdempotent(t *testing.T) {
	ctx := context.Background()
	feed := &fakeFeed{prices: map[string]decimal.Decimal{btc.Name: d(100)}}
	p := NewPaper(feed, d(1000), d(5))
	_, _ = p.GetLatestBar(ctx, btc)

	req := models.OrderRequest{Symbol: btc, Side: models.OrderBuy, Quantity: d(1), ClientOrderID: "same"}
	first, _ := p.PlaceOrder(ctx, req)
	second, _ := p.PlaceOrder(ctx, req)
	if first.OrderID != second.OrderID {
		t.Fatalf("повтор создал второй ордер: %s != %s", first.OrderID, second.OrderID)
	}
	if bal, _ := p.GetAccountBalance(ctx); !bal.Equal(d(900)) {
		t.Fatalf("баланс списан дважды: %s", bal)
	}
}

// flaky отдает временные ошибки первые fails вызовов
type flaky struct {
	*Paper
	fails   int
	calls   int
	lastIDs []string
	err     error
}

func (f *flaky) GetLatestBar(ctx context.Context, s models.Symbol) (models.PriceBar, error) {
	f.calls++
	if f.calls <= f.fails {
		return models.PriceBar{}, f.err
	}
	return f.Paper.GetLatestBar(ctx, s)
}

func (f *flaky) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	f.calls++
	f.lastIDs = append(f.lastIDs, req.ClientOrderID)
	if f.calls <= f.fails {
		return models.OrderResult{}, f.err
	}
	return f.Paper.PlaceOrder(ctx, req)
}

func newFlaky(fails int, err error) (*flaky, *Retrying) {
	feed := &fakeFeed{prices: map[string]decimal.Decimal{btc.Name: d(100)}}
	f := &flaky{Paper: NewPaper(feed, d(1000), d(5)), fails: fails, err: err}
	r := NewRetrying(f, config.RetryConfig{Attempts: 3, MinBackoffMS: 1, MaxBackoffMS: 2})
	r.sleep = func(context.Context, time.Duration) error { return nil }
	return f, r
}

func TestRetryingRecoversTransientErrors(t *testing.T) {
	f, r := newFlaky(2, fmt.Errorf("%w: timeout", ErrMarketDataUnavailable))
	bar, err := r.GetLatestBar(context.Background(), btc)
	if err != nil {
		t.Fatalf("GetLatestBar: %v", err)
	}
	if f.calls != 3 || !bar.Close.Equal(d(100)) {
		t.Fatalf("вызовов %d, бар %+v", f.calls, bar)
	}
}

func TestRetryingGivesUpAfterAttempts(t *testing.T) {
	f, r := newFlaky(5, errors.Wrap(ErrExchangeUnavailable, "503"))
	_, err := r.PlaceOrder(context.Background(), models.OrderRequest{Symbol: btc, Side: models.OrderBuy, Quantity: d(1), ClientOrderID: "rid"})
	if !errors.Is(err, ErrExchangeUnavailable) {
		t.Fatalf("ожидалась ErrExchangeUnavailable, получено %v", err)
	}
	if f.calls != 3 {
		t.Fatalf("вызовов %d, ожидалось 3", f.calls)
	}
	for _, id := range f.lastIDs {
		if id != "rid" {
			t.Fatalf("повтор сменил ClientOrderID: %v", f.lastIDs)
		}
	}
}

func TestRetryingDoesNotRetryRejections(t *testing.T) {
	f, r := newFlaky(5, errors.Wrap(ErrOrderRejected, "bad qty"))
	_, err := r.PlaceOrder(context.Background(), models.OrderRequest{Symbol: btc, Side: models.OrderBuy, Quantity: d(1)})
	if !errors.Is(err, ErrOrderRejected) || f.calls != 1 {
		t.Fatalf("отказ повторен: calls=%d err=%v", f.calls, err)
	}
}

func TestRetryingStopsOnCancelledContext(t *testing.T) {
	f, r := newFlaky(5, ErrMarketDataUnavailable)
	r.sleep = sleepCtx
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.GetLatestBar(ctx, btc); !errors.Is(err, ErrMarketDataUnavailable) {
		t.Fatalf("ожидалась последняя ошибка биржи, получено %v", err)
	}
	if f.calls != 1 {
		t.Fatalf("после отмены контекста были повторы: %d", f.calls)
	}
}

func TestNewBuildsPaperForDryRun(t *testing.T) {
	cfg := &config.Config{
		Exchange: config.ExchangeConfig{ID: "binance", MinNotional: 5},
		Trading:  config.TradingConfig{Enabled: false, Timeframe: "1m", PaperBalance: 500},
		Retry:    config.RetryConfig{Attempts: 2, MinBackoffMS: 1, MaxBackoffMS: 2},
	}
	ex, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r, ok := ex.(*Retrying)
	if !ok {
		t.Fatalf("ожидался *Retrying, получено %T", ex)
	}
	if _, ok := r.next.(*Paper); !ok {
		t.Fatalf("сухой прогон должен идти через *Paper, получено %T", r.next)
	}
	bal, err := ex.GetAccountBalance(context.Background())
	if err != nil || !bal.Equal(d(500)) {
		t.Fatalf("бумажный баланс %s %v", bal, err)
	}

	cfg.Exchange.ID = "kraken"
	if _, err := New(cfg); err == nil {
		t.Fatalf("неизвестная биржа должна быть ошибкой")
	}
}

func TestOrderStatusMapping(t *testing.T) {
	cases := []struct {
		status   string
		executed float64
		want     models.OrderStatus
	}{
		{"FILLED", 1, models.OrderFilled},
		{"REJECTED", 0, models.OrderRejected},
		{"EXPIRED", 0, models.OrderRejected},
		{"CANCELED", 0, models.OrderRejected},
		{"NEW", 0, models.OrderPending},
		{"PARTIALLY_FILLED", 0.5, models.OrderPending},
		// рыночный ордер истек после частичного исполнения: позиция на бирже есть
		{"EXPIRED", 0.4, models.OrderFilled},
		{"CANCELED", 0.4, models.OrderFilled},
		{"EXPIRED_IN_MATCH", 0.1, models.OrderFilled},
	}
	for _, tc := range cases {
		if got := orderStatus(tc.status, d(tc.executed)); got != tc.want {
			t.Fatalf("%s (executed %v): %s, ожидалось %s", tc.status, tc.executed, got, tc.want)
		}
	}
}

func TestSpotResultKeepsPartialFill(t *testing.T) {
	res := spotResult(7, "cid", "EXPIRED", "0.4", "40")
	if res.Status != models.OrderFilled || !res.FillQuantity.Equal(d(0.4)) || !res.FillPrice.Equal(d(100)) {
		t.Fatalf("частичное исполнение потеряно: %+v", res)
	}

	res = futuresResult(8, "cid", "EXPIRED", "0", "0")
	if res.Status != models.OrderRejected || res.Reason != "EXPIRED" {
		t.Fatalf("пустой истекший ордер: %+v", res)
	}
}

func TestAlpacaResultKeepsPartialFill(t *testing.T) {
	price := d(100)
	res := alpacaResult(&alpaca.Order{ID: "o", ClientOrderID: "c", Status: "canceled", FilledQty: d(0.3), FilledAvgPrice: &price})
	if res.Status != models.OrderFilled || !res.FillQuantity.Equal(d(0.3)) {
		t.Fatalf("частичное исполнение потеряно: %+v", res)
	}

	res = alpacaResult(&alpaca.Order{ID: "o", ClientOrderID: "c", Status: "expired", FilledQty: decimal.Zero})
	if res.Status != models.OrderRejected || res.Reason != "expired" {
		t.Fatalf("пустой истекший ордер: %+v", res)
	}

	res = alpacaResult(&alpaca.Order{ID: "o", ClientOrderID: "c", Status: "partially_filled", FilledQty: d(0.3)})
	if res.Status != models.OrderPending {
		t.Fatalf("частично исполненный открытый ордер должен ждать: %+v", res)
	}
}

func TestPaperOrderLookup(t *testing.T) {
	ctx := context.Background()
	feed := &fakeFeed{prices: map[string]decimal.Decimal{btc.Name: d(100)}}
	p := NewPaper(feed, d(1000), d(5))
	_, _ = p.GetLatestBar(ctx, btc)

	placed, _ := p.PlaceOrder(ctx, models.OrderRequest{Symbol: btc, Side: models.OrderBuy, Quantity: d(1), ClientOrderID: "q"})
	got, err := p.GetOrder(ctx, models.OrderRef{Symbol: btc, ClientOrderID: "q"})
	if err != nil || got.OrderID != placed.OrderID || got.Status != models.OrderFilled {
		t.Fatalf("GetOrder: %+v %v", got, err)
	}
	if got, err = p.GetOrder(ctx, models.OrderRef{Symbol: btc, OrderID: placed.OrderID}); err != nil || got.ClientOrderID != "q" {
		t.Fatalf("GetOrder по OrderID: %+v %v", got, err)
	}

	rejected, _ := p.PlaceOrder(ctx, models.OrderRequest{Symbol: btc, Side: models.OrderBuy, Quantity: d(50), ClientOrderID: "big"})
	if got, err = p.GetOrder(ctx, models.OrderRef{Symbol: btc, ClientOrderID: "big"}); err != nil || got.Status != rejected.Status {
		t.Fatalf("отклоненный ордер не найден: %+v %v", got, err)
	}

	if _, err := p.GetOrder(ctx, models.OrderRef{Symbol: btc, ClientOrderID: "missing"}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("ожидалась ErrOrderNotFound, получено %v", err)
	}
	if err := p.CancelOrder(ctx, models.OrderRef{Symbol: btc, ClientOrderID: "missing"}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("отмена неизвестного ордера: %v", err)
	}
}

func TestPaperRestoreRebuildsLedger(t *testing.T) {
	ctx := context.Background()
	feed := &fakeFeed{prices: map[string]decimal.Decimal{btc.Name: d(120), eth.Name: d(40)}}
	p := NewPaper(feed, d(1000), d(5))

	positions := []models.Position{
		{Symbol: btc.Name, Side: models.SideLong, EntryPrice: d(100), Quantity: d(2), Leverage: 1, Margin: d(200)},
		{Symbol: eth.Name, Side: models.SideShort, EntryPrice: d(50), Quantity: d(10), Leverage: 5, Margin: d(100)},
	}
	if err := p.Restore(positions, d(-50)); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	// 1000 - 50 - 200 - 100
	if bal, _ := p.GetAccountBalance(ctx); !bal.Equal(d(650)) {
		t.Fatalf("баланс после восстановления %s, ожидалось 650", bal)
	}

	_, _ = p.GetLatestBar(ctx, btc)
	res, err := p.ClosePosition(ctx, models.CloseRequest{Symbol: btc, Side: models.SideLong, Quantity: d(2), ClientOrderID: "c1"})
	if err != nil || res.Status != models.OrderFilled {
		t.Fatalf("восстановленная позиция не закрывается: %+v %v", res, err)
	}
	// 650 + 200 маржа + 40 результат
	if bal, _ := p.GetAccountBalance(ctx); !bal.Equal(d(890)) {
		t.Fatalf("баланс после закрытия %s, ожидалось 890", bal)
	}

	if err := p.Restore([]models.Position{{Symbol: btc.Name, Side: models.SideLong, Margin: d(5000)}}, decimal.Zero); err == nil {
		t.Fatalf("маржа больше баланса должна быть ошибкой")
	}
}

func TestAlpacaBarsFollowTimeframe(t *testing.T) {
	tf, err := models.ParseTimeframe("15m")
	if err != nil {
		t.Fatalf("ParseTimeframe: %v", err)
	}
	if got := alpacaTimeFrame(tf); got != marketdata.NewTimeFrame(15, marketdata.Min) {
		t.Fatalf("таймфрейм %+v", got)
	}
	h4, _ := models.ParseTimeframe("4h")
	if got := alpacaTimeFrame(h4); got != marketdata.NewTimeFrame(4, marketdata.Hour) {
		t.Fatalf("таймфрейм %+v", got)
	}

	now := t0.Add(40 * time.Minute)
	bars := []marketdata.CryptoBar{
		{Timestamp: t0, Close: 1},
		{Timestamp: t0.Add(15 * time.Minute), Close: 2},
		{Timestamp: t0.Add(30 * time.Minute), Close: 3}, // еще формируется
	}
	bar, ok := lastClosedBar(bars, tf.Duration(), now)
	if !ok || bar.Close != 2 {
		t.Fatalf("ожидался бар 2, получено %+v %v", bar, ok)
	}
	if _, ok := lastClosedBar(bars[2:], tf.Duration(), now); ok {
		t.Fatalf("незакрытый бар не должен возвращаться")
	}
}

func TestNewRejectsBadAlpacaTimeframe(t *testing.T) {
	if _, err := NewAlpacaClient(config.ExchangeConfig{}, "15x", d(1)); err == nil {
		t.Fatalf("ожидалась ошибка таймфрейма")
	}
	c, err := NewAlpacaClient(config.ExchangeConfig{}, "1h", d(1))
	if err != nil || c.timeframe.Duration() != time.Hour {
		t.Fatalf("NewAlpacaClient: %+v %v", c, err)
	}
}
