package exchange

import (
	"context"
	"net/http"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/skalibog/macross/internal/config"
	"github.com/skalibog/macross/pkg/logger"
	"github.com/skalibog/macross/pkg/models"
)

const (
	alpacaPaperURL = "https://paper-api.alpaca.markets"
	alpacaLiveURL  = "https://api.alpaca.markets"
)

// AlpacaClient адаптер Alpaca для спотовой криптовалюты
type AlpacaClient struct {
	trading     *alpaca.Client
	data        *marketdata.Client
	timeframe   models.Timeframe
	minNotional decimal.Decimal
	now         func() time.Time
}

// NewAlpacaClient создает клиент. testnet переключает на бумажный счет Alpaca.
func NewAlpacaClient(cfg config.ExchangeConfig, timeframe string, minNotional decimal.Decimal) (*AlpacaClient, error) {
	tf, err := models.ParseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}
	baseURL := alpacaLiveURL
	if cfg.Testnet {
		baseURL = alpacaPaperURL
	}
	return &AlpacaClient{
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.Secret,
			BaseURL:   baseURL,
		}),
		data: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.Secret,
		}),
		timeframe:   tf,
		minNotional: minNotional,
		now:         time.Now,
	}, nil
}

// alpacaTimeFrame таймфрейм в единицах API баров Alpaca
func alpacaTimeFrame(tf models.Timeframe) marketdata.TimeFrame {
	unit := marketdata.Min
	switch tf.Unit {
	case models.UnitHour:
		unit = marketdata.Hour
	case models.UnitDay:
		unit = marketdata.Day
	case models.UnitWeek:
		unit = marketdata.Week
	}
	return marketdata.NewTimeFrame(tf.N, unit)
}

// lastClosedBar последний бар, интервал которого уже закончился
func lastClosedBar(bars []marketdata.CryptoBar, length time.Duration, now time.Time) (marketdata.CryptoBar, bool) {
	for i := len(bars) - 1; i >= 0; i-- {
		if !bars[i].Timestamp.Add(length).After(now) {
			return bars[i], true
		}
	}
	return marketdata.CryptoBar{}, false
}

// Setup у Alpaca нет фьючерсов, настраивать нечего
func (c *AlpacaClient) Setup(_ context.Context, symbols []models.Symbol) error {
	for _, s := range symbols {
		if s.IsFutures() {
			return errors.Errorf("alpaca не поддерживает фьючерсы: %s", s.Name)
		}
	}
	return nil
}

// GetLatestBar последний закрытый бар настроенного таймфрейма
func (c *AlpacaClient) GetLatestBar(ctx context.Context, symbol models.Symbol) (models.PriceBar, error) {
	if err := ctx.Err(); err != nil {
		return models.PriceBar{}, err
	}
	length := c.timeframe.Duration()
	now := c.now()
	bars, err := c.data.GetCryptoBars(symbol.Name, marketdata.GetCryptoBarsRequest{
		TimeFrame: alpacaTimeFrame(c.timeframe),
		Start:     now.Add(-3 * length),
		End:       now,
	})
	if err != nil {
		return models.PriceBar{}, classifyAlpaca(err, ErrMarketDataUnavailable, "ошибка получения баров "+symbol.Name)
	}
	bar, ok := lastClosedBar(bars, length, now)
	if !ok {
		return models.PriceBar{}, errors.Wrapf(ErrMarketDataUnavailable, "нет закрытого бара %s %s", c.timeframe, symbol.Name)
	}
	return models.PriceBar{
		Symbol:    symbol.Name,
		Timestamp: bar.Timestamp.UTC(),
		Close:     decimal.NewFromFloat(bar.Close),
	}, nil
}

// GetAccountBalance свободные деньги счета
func (c *AlpacaClient) GetAccountBalance(ctx context.Context) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	account, err := c.trading.GetAccount()
	if err != nil {
		return decimal.Zero, classifyAlpaca(err, ErrMarketDataUnavailable, "ошибка получения счета")
	}
	return account.Cash, nil
}

// PlaceOrder выставляет рыночный ордер GTC
func (c *AlpacaClient) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return models.OrderResult{}, err
	}
	side := alpaca.Buy
	if req.Side == models.OrderSell {
		side = alpaca.Sell
	}
	qty := req.Quantity
	order, err := c.trading.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol.Name,
		Qty:           &qty,
		Side:          side,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.GTC,
		ClientOrderID: req.ClientOrderID,
	})
	if err != nil {
		return models.OrderResult{}, classifyAlpaca(err, ErrExchangeUnavailable, "ошибка выставления ордера "+req.Symbol.Name)
	}
	result := alpacaResult(order)
	logOrder(req, result)
	return result, nil
}

// ClosePosition закрывает позицию целиком
func (c *AlpacaClient) ClosePosition(ctx context.Context, req models.CloseRequest) (models.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return models.OrderResult{}, err
	}
	if req.Side == models.SideShort {
		return models.OrderResult{}, errors.Wrapf(ErrOrderRejected, "шорт на споте %s", req.Symbol.Name)
	}
	order, err := c.trading.ClosePosition(req.Symbol.Compact(), alpaca.ClosePositionRequest{Qty: req.Quantity})
	if err != nil {
		return models.OrderResult{}, classifyAlpaca(err, ErrExchangeUnavailable, "ошибка закрытия позиции "+req.Symbol.Name)
	}
	result := alpacaResult(order)
	logger.Info("Позиция закрыта",
		zap.String("symbol", req.Symbol.Name),
		zap.String("order_id", result.OrderID),
		zap.String("status", string(result.Status)))
	return result, nil
}

// GetOrder состояние ордера по идентификатору биржи, а без него по клиентскому
func (c *AlpacaClient) GetOrder(ctx context.Context, ref models.OrderRef) (models.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return models.OrderResult{}, err
	}
	var (
		order *alpaca.Order
		err   error
	)
	if ref.OrderID != "" {
		order, err = c.trading.GetOrder(ref.OrderID)
	} else {
		order, err = c.trading.GetOrderByClientOrderID(ref.ClientOrderID)
	}
	if err != nil {
		return models.OrderResult{}, classifyAlpacaLookup(err, "ошибка запроса ордера "+ref.ClientOrderID)
	}
	return alpacaResult(order), nil
}

// CancelOrder отменяет ордер. Alpaca отменяет только по идентификатору биржи.
func (c *AlpacaClient) CancelOrder(ctx context.Context, ref models.OrderRef) error {
	if ref.OrderID == "" {
		res, err := c.GetOrder(ctx, ref)
		if err != nil {
			return err
		}
		ref.OrderID = res.OrderID
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.trading.CancelOrder(ref.OrderID); err != nil {
		return classifyAlpacaLookup(err, "ошибка отмены ордера "+ref.OrderID)
	}
	logger.Warn("Ордер отменен",
		zap.String("symbol", ref.Symbol.Name),
		zap.String("order_id", ref.OrderID))
	return nil
}

// MinNotional минимальный номинал ордера
func (c *AlpacaClient) MinNotional(models.Symbol) decimal.Decimal { return c.minNotional }

func alpacaResult(order *alpaca.Order) models.OrderResult {
	res := models.OrderResult{
		OrderID:       order.ID,
		ClientOrderID: order.ClientOrderID,
		FillQuantity:  order.FilledQty,
	}
	if order.FilledAvgPrice != nil {
		res.FillPrice = *order.FilledAvgPrice
	}
	switch order.Status {
	case "filled":
		res.Status = models.OrderFilled
	case "rejected", "canceled", "expired", "done_for_day":
		// отмененный после частичного исполнения ордер оставил позицию
		if order.FilledQty.IsPositive() {
			res.Status = models.OrderFilled
			break
		}
		res.Status = models.OrderRejected
		res.Reason = order.Status
	default:
		res.Status = models.OrderPending
	}
	return res
}

func classifyAlpaca(err error, transient error, msg string) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError {
			return errors.Wrapf(transient, "%s: %v", msg, apiErr)
		}
		if transient == ErrExchangeUnavailable {
			return errors.Wrapf(ErrOrderRejected, "%s: %v", msg, apiErr)
		}
		return errors.Wrap(err, msg)
	}
	return errors.Wrapf(transient, "%s: %v", msg, err)
}

// classifyAlpacaLookup 404 и 422 при запросе или отмене означают неизвестный или уже закрытый ордер
func classifyAlpacaLookup(err error, msg string) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusNotFound || apiErr.StatusCode == http.StatusUnprocessableEntity) {
		return errors.Wrapf(ErrOrderNotFound, "%s: %v", msg, apiErr)
	}
	return classifyAlpaca(err, ErrMarketDataUnavailable, msg)
}
