package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/skalibog/macross/internal/config"
	"github.com/skalibog/macross/pkg/logger"
	"github.com/skalibog/macross/pkg/models"
)

// Коды Binance, после которых запрос можно повторить
var binanceTransientCodes = map[int64]bool{
	-1000: true, // UNKNOWN
	-1001: true, // DISCONNECTED
	-1003: true, // TOO_MANY_REQUESTS
	-1007: true, // TIMEOUT
	-1008: true, // SERVER_BUSY
	-1015: true, // TOO_MANY_ORDERS
}

// -4046 No need to change margin type
const binanceMarginUnchanged = -4046

// -2011 Unknown order sent, -2013 Order does not exist
var binanceNotFoundCodes = map[int64]bool{-2011: true, -2013: true}

// BinanceClient клиент для взаимодействия с Binance: спот и USDⓈ-M фьючерсы
type BinanceClient struct {
	futures     *futures.Client
	spot        *binance.Client
	interval    string
	minNotional decimal.Decimal

	mu         sync.RWMutex
	quote      string
	useSpot    bool
	useFutures bool
}

// NewBinanceClient создает новый клиент Binance
func NewBinanceClient(cfg config.ExchangeConfig, interval string, minNotional decimal.Decimal) (*BinanceClient, error) {
	if cfg.Testnet {
		// флаги пакетов читаются при создании клиентов
		binance.UseTestnet = true
		futures.UseTestnet = true
	}
	if interval == "" {
		return nil, fmt.Errorf("не задан таймфрейм свечей")
	}

	return &BinanceClient{
		futures:     futures.NewClient(cfg.APIKey, cfg.Secret),
		spot:        binance.NewClient(cfg.APIKey, cfg.Secret),
		interval:    interval,
		minNotional: minNotional,
		quote:       "USDT",
		useSpot:     true,
	}, nil
}

// Setup запоминает рынки символов и выставляет плечо и режим маржи фьючерсов
func (c *BinanceClient) Setup(ctx context.Context, symbols []models.Symbol) error {
	c.mu.Lock()
	c.useSpot, c.useFutures = false, false
	for _, s := range symbols {
		c.quote = s.Quote
		if s.IsFutures() {
			c.useFutures = true
		} else {
			c.useSpot = true
		}
	}
	c.mu.Unlock()

	for _, s := range symbols {
		if !s.IsFutures() {
			continue
		}
		if _, err := c.futures.NewChangeLeverageService().
			Symbol(s.Compact()).
			Leverage(s.EffectiveLeverage()).
			Do(ctx); err != nil {
			return classify(err, ErrExchangeUnavailable, "ошибка установки плеча "+s.Name)
		}

		marginType := futures.MarginTypeIsolated
		if s.MarginMode == models.MarginCross {
			marginType = futures.MarginTypeCrossed
		}
		err := c.futures.NewChangeMarginTypeService().
			Symbol(s.Compact()).
			MarginType(marginType).
			Do(ctx)
		var apiErr *common.APIError
		if err != nil && !(errors.As(err, &apiErr) && apiErr.Code == binanceMarginUnchanged) {
			return classify(err, ErrExchangeUnavailable, "ошибка установки режима маржи "+s.Name)
		}

		logger.Info("Настроен фьючерсный символ",
			zap.String("symbol", s.Name),
			zap.Int("leverage", s.EffectiveLeverage()),
			zap.String("margin_mode", string(s.MarginMode)))
	}
	return nil
}

// GetLatestBar получает последнюю закрытую свечу
func (c *BinanceClient) GetLatestBar(ctx context.Context, symbol models.Symbol) (models.PriceBar, error) {
	type kline struct {
		openTime, closeTime int64
		close               string
	}
	var klines []kline

	if symbol.IsFutures() {
		res, err := c.futures.NewKlinesService().
			Symbol(symbol.Compact()).
			Interval(c.interval).
			Limit(2).
			Do(ctx)
		if err != nil {
			return models.PriceBar{}, classify(err, ErrMarketDataUnavailable, "ошибка получения свечей "+symbol.Name)
		}
		for _, k := range res {
			klines = append(klines, kline{k.OpenTime, k.CloseTime, k.Close})
		}
	} else {
		res, err := c.spot.NewKlinesService().
			Symbol(symbol.Compact()).
			Interval(c.interval).
			Limit(2).
			Do(ctx)
		if err != nil {
			return models.PriceBar{}, classify(err, ErrMarketDataUnavailable, "ошибка получения свечей "+symbol.Name)
		}
		for _, k := range res {
			klines = append(klines, kline{k.OpenTime, k.CloseTime, k.Close})
		}
	}

	// последняя свеча может быть еще не закрыта
	now := time.Now().UnixMilli()
	for i := len(klines) - 1; i >= 0; i-- {
		k := klines[i]
		if k.closeTime >= now {
			continue
		}
		price, err := decimal.NewFromString(k.close)
		if err != nil {
			return models.PriceBar{}, errors.Wrapf(err, "ошибка разбора цены %q", k.close)
		}
		return models.PriceBar{
			Symbol:    symbol.Name,
			Timestamp: time.UnixMilli(k.openTime).UTC(),
			Close:     price,
		}, nil
	}
	return models.PriceBar{}, errors.Wrapf(ErrMarketDataUnavailable, "нет закрытой свечи %s", symbol.Name)
}

// GetAccountBalance свободный баланс котируемой валюты на споте и фьючерсах
func (c *BinanceClient) GetAccountBalance(ctx context.Context) (decimal.Decimal, error) {
	c.mu.RLock()
	quote, useSpot, useFutures := c.quote, c.useSpot, c.useFutures
	c.mu.RUnlock()

	total := decimal.Zero
	if useSpot {
		account, err := c.spot.NewGetAccountService().Do(ctx)
		if err != nil {
			return decimal.Zero, classify(err, ErrMarketDataUnavailable, "ошибка получения спот баланса")
		}
		for _, b := range account.Balances {
			if b.Asset != quote {
				continue
			}
			free, err := decimal.NewFromString(b.Free)
			if err != nil {
				return decimal.Zero, errors.Wrapf(err, "ошибка разбора баланса %q", b.Free)
			}
			total = total.Add(free)
		}
	}
	if useFutures {
		balances, err := c.futures.NewGetBalanceService().Do(ctx)
		if err != nil {
			return decimal.Zero, classify(err, ErrMarketDataUnavailable, "ошибка получения фьючерсного баланса")
		}
		for _, b := range balances {
			if b.Asset != quote {
				continue
			}
			available, err := decimal.NewFromString(b.AvailableBalance)
			if err != nil {
				return decimal.Zero, errors.Wrapf(err, "ошибка разбора баланса %q", b.AvailableBalance)
			}
			total = total.Add(available)
		}
	}
	return total, nil
}

// PlaceOrder выставляет рыночный ордер. ClientOrderID делает повтор идемпотентным.
func (c *BinanceClient) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	if req.Symbol.IsFutures() {
		return c.placeFutures(ctx, req)
	}
	return c.placeSpot(ctx, req)
}

// ClosePosition закрывает позицию встречным рыночным ордером
func (c *BinanceClient) ClosePosition(ctx context.Context, req models.CloseRequest) (models.OrderResult, error) {
	if !req.Symbol.IsFutures() && req.Side == models.SideShort {
		return models.OrderResult{}, errors.Wrapf(ErrOrderRejected, "шорт на споте %s", req.Symbol.Name)
	}
	return c.PlaceOrder(ctx, models.OrderRequest{
		Symbol:        req.Symbol,
		Side:          req.Side.CloseSide(),
		Quantity:      req.Quantity,
		Type:          models.OrderMarket,
		ClientOrderID: req.ClientOrderID,
		ReduceOnly:    req.Symbol.IsFutures(),
	})
}

// MinNotional минимальный номинал ордера
func (c *BinanceClient) MinNotional(models.Symbol) decimal.Decimal { return c.minNotional }

func (c *BinanceClient) placeSpot(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	side := binance.SideTypeBuy
	if req.Side == models.OrderSell {
		side = binance.SideTypeSell
	}
	res, err := c.spot.NewCreateOrderService().
		Symbol(req.Symbol.Compact()).
		Side(side).
		Type(binance.OrderTypeMarket).
		Quantity(req.Quantity.String()).
		NewClientOrderID(req.ClientOrderID).
		Do(ctx)
	if err != nil {
		return models.OrderResult{}, classify(err, ErrExchangeUnavailable, "ошибка выставления ордера "+req.Symbol.Name)
	}

	result := spotResult(res.OrderID, res.ClientOrderID, string(res.Status), res.ExecutedQuantity, res.CummulativeQuoteQuantity)
	logOrder(req, result)
	return result, nil
}

func (c *BinanceClient) placeFutures(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	side := futures.SideTypeBuy
	if req.Side == models.OrderSell {
		side = futures.SideTypeSell
	}
	svc := c.futures.NewCreateOrderService().
		Symbol(req.Symbol.Compact()).
		Side(side).
		Type(futures.OrderTypeMarket).
		Quantity(req.Quantity.String()).
		NewClientOrderID(req.ClientOrderID).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	res, err := svc.Do(ctx)
	if err != nil {
		return models.OrderResult{}, classify(err, ErrExchangeUnavailable, "ошибка выставления ордера "+req.Symbol.Name)
	}

	result := futuresResult(res.OrderID, res.ClientOrderID, string(res.Status), res.ExecutedQuantity, res.AvgPrice)
	logOrder(req, result)
	return result, nil
}

// GetOrder состояние ордера по клиентскому идентификатору
func (c *BinanceClient) GetOrder(ctx context.Context, ref models.OrderRef) (models.OrderResult, error) {
	msg := "ошибка запроса ордера " + ref.ClientOrderID
	if ref.Symbol.IsFutures() {
		o, err := c.futures.NewGetOrderService().
			Symbol(ref.Symbol.Compact()).
			OrigClientOrderID(ref.ClientOrderID).
			Do(ctx)
		if err != nil {
			return models.OrderResult{}, classifyLookup(err, msg)
		}
		return futuresResult(o.OrderID, o.ClientOrderID, string(o.Status), o.ExecutedQuantity, o.AvgPrice), nil
	}

	o, err := c.spot.NewGetOrderService().
		Symbol(ref.Symbol.Compact()).
		OrigClientOrderID(ref.ClientOrderID).
		Do(ctx)
	if err != nil {
		return models.OrderResult{}, classifyLookup(err, msg)
	}
	return spotResult(o.OrderID, o.ClientOrderID, string(o.Status), o.ExecutedQuantity, o.CummulativeQuoteQuantity), nil
}

// CancelOrder отменяет остаток ордера. Исполненный ордер биржа не знает как открытый: ErrOrderNotFound.
func (c *BinanceClient) CancelOrder(ctx context.Context, ref models.OrderRef) error {
	var err error
	if ref.Symbol.IsFutures() {
		_, err = c.futures.NewCancelOrderService().
			Symbol(ref.Symbol.Compact()).
			OrigClientOrderID(ref.ClientOrderID).
			Do(ctx)
	} else {
		_, err = c.spot.NewCancelOrderService().
			Symbol(ref.Symbol.Compact()).
			OrigClientOrderID(ref.ClientOrderID).
			Do(ctx)
	}
	if err != nil {
		return classifyLookup(err, "ошибка отмены ордера "+ref.ClientOrderID)
	}
	logger.Warn("Ордер отменен",
		zap.String("symbol", ref.Symbol.Name),
		zap.String("client_order_id", ref.ClientOrderID))
	return nil
}

// spotResult средняя цена спота считается из оборота в котируемой валюте
func spotResult(orderID int64, clientOrderID, status, executed, quoteQty string) models.OrderResult {
	qty, _ := decimal.NewFromString(executed)
	quote, _ := decimal.NewFromString(quoteQty)
	price := decimal.Zero
	if qty.IsPositive() {
		price = quote.Div(qty)
	}
	return orderResult(orderID, clientOrderID, status, qty, price)
}

func futuresResult(orderID int64, clientOrderID, status, executed, avgPrice string) models.OrderResult {
	qty, _ := decimal.NewFromString(executed)
	price, _ := decimal.NewFromString(avgPrice)
	return orderResult(orderID, clientOrderID, status, qty, price)
}

func orderResult(orderID int64, clientOrderID, status string, qty, price decimal.Decimal) models.OrderResult {
	res := models.OrderResult{
		OrderID:       fmt.Sprint(orderID),
		ClientOrderID: clientOrderID,
		Status:        orderStatus(status, qty),
		FillPrice:     price,
		FillQuantity:  qty,
	}
	if res.Status == models.OrderRejected {
		res.Reason = status
	}
	return res
}

// orderStatus сводит статусы Binance к трем исходам. Рыночный ордер, который
// истек или отменен после частичного исполнения, считается исполненным на executed.
func orderStatus(status string, executed decimal.Decimal) models.OrderStatus {
	switch status {
	case "FILLED":
		return models.OrderFilled
	case "REJECTED", "EXPIRED", "CANCELED", "EXPIRED_IN_MATCH":
		if executed.IsPositive() {
			return models.OrderFilled
		}
		return models.OrderRejected
	default:
		return models.OrderPending
	}
}

func logOrder(req models.OrderRequest, res models.OrderResult) {
	logger.Info("Ордер отправлен",
		zap.String("symbol", req.Symbol.Name),
		zap.String("side", string(req.Side)),
		zap.String("quantity", req.Quantity.String()),
		zap.String("client_order_id", req.ClientOrderID),
		zap.String("order_id", res.OrderID),
		zap.String("status", string(res.Status)),
		zap.String("fill_price", res.FillPrice.String()))
}

// classify переводит ошибку клиента Binance в ошибки пакета
func classify(err error, transient error, msg string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(err, msg)
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		if binanceTransientCodes[apiErr.Code] {
			return errors.Wrapf(transient, "%s: %v", msg, apiErr)
		}
		if transient == ErrExchangeUnavailable {
			return errors.Wrapf(ErrOrderRejected, "%s: %v", msg, apiErr)
		}
		return errors.Wrap(err, msg)
	}
	// сетевые ошибки без ответа биржи
	return errors.Wrapf(transient, "%s: %v", msg, err)
}

// classifyLookup ошибки запроса и отмены ордера: неизвестный ордер отдельно от сбоев
func classifyLookup(err error, msg string) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) && binanceNotFoundCodes[apiErr.Code] {
		return errors.Wrapf(ErrOrderNotFound, "%s: %v", msg, apiErr)
	}
	return classify(err, ErrMarketDataUnavailable, msg)
}
