package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/skalibog/macross/pkg/logger"
	"github.com/skalibog/macross/pkg/models"
)

type paperPosition struct {
	side     models.Side
	qty      decimal.Decimal
	entry    decimal.Decimal
	margin   decimal.Decimal
	leverage decimal.Decimal
}

// Paper бумажный счет: цены берутся из источника, ордера исполняются
// по последней известной цене без проскальзывания
type Paper struct {
	feed        MarketData
	minNotional decimal.Decimal
	start       decimal.Decimal

	mu        sync.Mutex
	cash      decimal.Decimal
	lastPrice map[string]decimal.Decimal
	positions map[string]paperPosition
	orders    map[string]models.OrderResult
}

// NewPaper создает бумажный счет с начальным балансом
func NewPaper(feed MarketData, balance, minNotional decimal.Decimal) *Paper {
	return &Paper{
		feed:        feed,
		minNotional: minNotional,
		start:       balance,
		cash:        balance,
		lastPrice:   make(map[string]decimal.Decimal),
		positions:   make(map[string]paperPosition),
		orders:      make(map[string]models.OrderResult),
	}
}

// Restore поднимает бумажные позиции из контрольной точки. Деньги счета
// пересчитываются от начального баланса: плюс реализованный результат, минус маржа открытых позиций.
func (p *Paper) Restore(positions []models.Position, realized decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cash := p.start.Add(realized)
	restored := make(map[string]paperPosition, len(positions))
	for _, pos := range positions {
		if _, dup := restored[pos.Symbol]; dup {
			return fmt.Errorf("позиция %s повторяется в контрольной точке", pos.Symbol)
		}
		leverage := decimal.NewFromInt(int64(max(pos.Leverage, 1)))
		restored[pos.Symbol] = paperPosition{
			side:     pos.Side,
			qty:      pos.Quantity,
			entry:    pos.EntryPrice,
			margin:   pos.Margin,
			leverage: leverage,
		}
		if pos.LastPrice.IsPositive() {
			p.lastPrice[pos.Symbol] = pos.LastPrice
		}
		cash = cash.Sub(pos.Margin)
	}
	if cash.IsNegative() {
		return fmt.Errorf("маржа позиций превышает бумажный баланс: %s", cash.StringFixed(2))
	}

	p.positions = restored
	p.cash = cash
	logger.Info("Бумажный счет восстановлен",
		zap.Int("positions", len(restored)),
		zap.String("cash", cash.StringFixed(4)))
	return nil
}

// Setup плечо и маржа на живом счете при сухом прогоне не меняются
func (p *Paper) Setup(_ context.Context, symbols []models.Symbol) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	logger.Info("Бумажный счет готов", zap.Int("symbols", len(symbols)), zap.String("balance", p.cash.String()))
	return nil
}

// GetLatestBar цена из источника, запоминается для исполнения
func (p *Paper) GetLatestBar(ctx context.Context, symbol models.Symbol) (models.PriceBar, error) {
	bar, err := p.feed.GetLatestBar(ctx, symbol)
	if err != nil {
		return models.PriceBar{}, err
	}
	p.mu.Lock()
	p.lastPrice[symbol.Name] = bar.Close
	p.mu.Unlock()
	return bar, nil
}

// GetAccountBalance свободные деньги бумажного счета
func (p *Paper) GetAccountBalance(ctx context.Context) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cash, nil
}

// PlaceOrder исполняет ордер на открытие позиции
func (p *Paper) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return models.OrderResult{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if res, ok := p.orders[req.ClientOrderID]; ok && req.ClientOrderID != "" {
		return res, nil
	}

	if req.ReduceOnly {
		side := models.SideLong
		if req.Side == models.OrderBuy {
			side = models.SideShort
		}
		return p.closeLocked(models.CloseRequest{
			Symbol:        req.Symbol,
			Side:          side,
			Quantity:      req.Quantity,
			ClientOrderID: req.ClientOrderID,
		}), nil
	}

	price, ok := p.lastPrice[req.Symbol.Name]
	if !ok {
		return p.reject(req.ClientOrderID, "нет цены для "+req.Symbol.Name), nil
	}
	if !req.Quantity.IsPositive() {
		return p.reject(req.ClientOrderID, "неположительное количество"), nil
	}
	if _, exists := p.positions[req.Symbol.Name]; exists {
		return p.reject(req.ClientOrderID, "позиция уже открыта"), nil
	}
	side := models.SideLong
	if req.Side == models.OrderSell {
		if !req.Symbol.IsFutures() {
			return p.reject(req.ClientOrderID, "шорт на споте"), nil
		}
		side = models.SideShort
	}

	leverage := decimal.NewFromInt(int64(req.Symbol.EffectiveLeverage()))
	margin := price.Mul(req.Quantity).Div(leverage)
	if margin.GreaterThan(p.cash) {
		return p.reject(req.ClientOrderID, fmt.Sprintf("маржа %s больше баланса %s", margin.StringFixed(2), p.cash.StringFixed(2))), nil
	}

	p.cash = p.cash.Sub(margin)
	p.positions[req.Symbol.Name] = paperPosition{
		side:     side,
		qty:      req.Quantity,
		entry:    price,
		margin:   margin,
		leverage: leverage,
	}
	res := models.OrderResult{
		OrderID:       uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Status:        models.OrderFilled,
		FillPrice:     price,
		FillQuantity:  req.Quantity,
	}
	p.remember(res)
	logOrder(req, res)
	return res, nil
}

// ClosePosition закрывает позицию по последней цене
func (p *Paper) ClosePosition(ctx context.Context, req models.CloseRequest) (models.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return models.OrderResult{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if res, ok := p.orders[req.ClientOrderID]; ok && req.ClientOrderID != "" {
		return res, nil
	}
	return p.closeLocked(req), nil
}

// GetOrder ордера бумажного счета исполняются сразу, поэтому известен только итог
func (p *Paper) GetOrder(ctx context.Context, ref models.OrderRef) (models.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return models.OrderResult{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if res, ok := p.orders[ref.ClientOrderID]; ok && ref.ClientOrderID != "" {
		return res, nil
	}
	for _, res := range p.orders {
		if ref.OrderID != "" && res.OrderID == ref.OrderID {
			return res, nil
		}
	}
	return models.OrderResult{}, fmt.Errorf("%w: %s", ErrOrderNotFound, ref.ClientOrderID)
}

// CancelOrder отменять нечего: бумажный ордер уже в конечном статусе
func (p *Paper) CancelOrder(ctx context.Context, ref models.OrderRef) error {
	_, err := p.GetOrder(ctx, ref)
	return err
}

func (p *Paper) closeLocked(req models.CloseRequest) models.OrderResult {
	pos, ok := p.positions[req.Symbol.Name]
	if !ok || pos.side != req.Side {
		return p.reject(req.ClientOrderID, "нет позиции для закрытия "+req.Symbol.Name)
	}
	price, ok := p.lastPrice[req.Symbol.Name]
	if !ok {
		return p.reject(req.ClientOrderID, "нет цены для "+req.Symbol.Name)
	}

	pnl := price.Sub(pos.entry).Mul(pos.qty)
	if pos.side == models.SideShort {
		pnl = pnl.Neg()
	}
	p.cash = p.cash.Add(pos.margin).Add(pnl)
	delete(p.positions, req.Symbol.Name)

	res := models.OrderResult{
		OrderID:       uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Status:        models.OrderFilled,
		FillPrice:     price,
		FillQuantity:  pos.qty,
	}
	p.remember(res)
	logger.Info("Бумажная позиция закрыта",
		zap.String("symbol", req.Symbol.Name),
		zap.String("price", price.String()),
		zap.String("pnl", pnl.StringFixed(4)),
		zap.String("cash", p.cash.StringFixed(4)))
	return res
}

func (p *Paper) reject(clientOrderID, reason string) models.OrderResult {
	logger.Warn("Бумажный ордер отклонен", zap.String("client_order_id", clientOrderID), zap.String("reason", reason))
	res := models.OrderResult{
		ClientOrderID: clientOrderID,
		Status:        models.OrderRejected,
		Reason:        reason,
	}
	p.remember(res)
	return res
}

func (p *Paper) remember(res models.OrderResult) {
	if res.ClientOrderID != "" {
		p.orders[res.ClientOrderID] = res
	}
}

// MinNotional минимальный номинал ордера
func (p *Paper) MinNotional(models.Symbol) decimal.Decimal { return p.minNotional }
