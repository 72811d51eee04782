package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/skalibog/macross/internal/config"
	"github.com/skalibog/macross/pkg/logger"
	"github.com/skalibog/macross/pkg/models"
)

var (
	// ErrMarketDataUnavailable временная ошибка получения котировок или баланса
	ErrMarketDataUnavailable = errors.New("рыночные данные недоступны")
	// ErrExchangeUnavailable временная ошибка исполнения
	ErrExchangeUnavailable = errors.New("биржа недоступна")
	// ErrOrderRejected биржа отклонила ордер
	ErrOrderRejected = errors.New("ордер отклонен")
	// ErrOrderNotFound биржа не знает ордер с такой ссылкой
	ErrOrderNotFound = errors.New("ордер не найден")
)

// MarketData источник цен и баланса
type MarketData interface {
	// GetLatestBar последний закрытый бар символа
	GetLatestBar(ctx context.Context, symbol models.Symbol) (models.PriceBar, error)
	// GetAccountBalance свободный баланс в котируемой валюте
	GetAccountBalance(ctx context.Context) (decimal.Decimal, error)
}

// Execution исполнитель ордеров
type Execution interface {
	PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error)
	ClosePosition(ctx context.Context, req models.CloseRequest) (models.OrderResult, error)
	// GetOrder текущее состояние ордера. ErrOrderNotFound, если биржа его не знает.
	GetOrder(ctx context.Context, ref models.OrderRef) (models.OrderResult, error)
	// CancelOrder отменяет неисполненный остаток ордера
	CancelOrder(ctx context.Context, ref models.OrderRef) error
	MinNotional(symbol models.Symbol) decimal.Decimal
}

// Restorer биржа, чье состояние живет только в памяти процесса
// и восстанавливается из контрольной точки
type Restorer interface {
	Restore(positions []models.Position, realized decimal.Decimal) error
}

// Exchange полный адаптер биржи
type Exchange interface {
	MarketData
	Execution
	// Setup однократная подготовка символов при старте: плечо и режим маржи фьючерсов
	Setup(ctx context.Context, symbols []models.Symbol) error
}

// New создает адаптер по конфигурации. При trading.enabled=false живая биржа
// служит только источником цен, а ордера исполняет бумажный счет.
func New(cfg *config.Config) (Exchange, error) {
	minNotional := decimal.NewFromFloat(cfg.Exchange.MinNotional)

	var live Exchange
	switch cfg.Exchange.ID {
	case "binance":
		client, err := NewBinanceClient(cfg.Exchange, cfg.Trading.Timeframe, minNotional)
		if err != nil {
			return nil, err
		}
		live = client
	case "alpaca":
		client, err := NewAlpacaClient(cfg.Exchange, cfg.Trading.Timeframe, minNotional)
		if err != nil {
			return nil, err
		}
		live = client
	default:
		return nil, fmt.Errorf("неизвестная биржа %q", cfg.Exchange.ID)
	}

	var ex Exchange = live
	if !cfg.Trading.Enabled {
		logger.Warn("Торговля выключена, ордера исполняются на бумажном счете",
			zap.Float64("balance", cfg.Trading.PaperBalance))
		ex = NewPaper(live, decimal.NewFromFloat(cfg.Trading.PaperBalance), minNotional)
	}

	return NewRetrying(ex, cfg.Retry), nil
}

// Transient true для ошибок, которые имеет смысл повторить
func Transient(err error) bool {
	return errors.Is(err, ErrMarketDataUnavailable) || errors.Is(err, ErrExchangeUnavailable)
}
